package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// StrategyType selects which market events a strategy reacts to
type StrategyType string

const (
	StrategyLiquidityLaunch StrategyType = "liquidity_launch"
	StrategyTokenLaunch     StrategyType = "token_launch"
	StrategyLimitOrder      StrategyType = "limit_order"
	StrategyCopyTrade       StrategyType = "copy_trade"
)

// ExecutionMethod selects the broadcast path
type ExecutionMethod string

const (
	MethodPrivateRelay ExecutionMethod = "private_relay"
	MethodPublic       ExecutionMethod = "public"
)

// Side of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderFailed    OrderStatus = "FAILED"
)

// Terminal reports whether no further transition is possible
func (s OrderStatus) Terminal() bool {
	return s == OrderConfirmed || s == OrderFailed
}

// PositionStatus is the lifecycle state of a position
type PositionStatus string

const (
	PositionOpen            PositionStatus = "OPEN"
	PositionPartiallyClosed PositionStatus = "PARTIALLY_CLOSED"
	PositionClosed          PositionStatus = "CLOSED"
)

// RiskLevel classifies a token
type RiskLevel string

const (
	RiskSafe     RiskLevel = "SAFE"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
	RiskHoneypot RiskLevel = "HONEYPOT"
)

// Blocking reports whether the level forbids order creation
func (l RiskLevel) Blocking() bool {
	return l == RiskCritical || l == RiskHoneypot
}

// Urgency tier used by the fee optimizer
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyMedium
	UrgencyHigh
	UrgencyUrgent
)

func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyMedium:
		return "medium"
	case UrgencyHigh:
		return "high"
	case UrgencyUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("urgency(%d)", int(u))
	}
}

// ParseUrgency maps a config string to a tier
func ParseUrgency(s string) (Urgency, error) {
	switch s {
	case "low":
		return UrgencyLow, nil
	case "", "medium":
		return UrgencyMedium, nil
	case "high":
		return UrgencyHigh, nil
	case "urgent":
		return UrgencyUrgent, nil
	}
	return UrgencyMedium, fmt.Errorf("unknown urgency %q", s)
}

func (u Urgency) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *Urgency) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseUrgency(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Duration is a time.Duration that reads "30s" style strings from JSON
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY CONFIG
// ═══════════════════════════════════════════════════════════════════════════════

// AmountMode selects how the buy size is derived
type AmountMode string

const (
	AmountFixed   AmountMode = "fixed"
	AmountPercent AmountMode = "percent"
)

// AmountPolicy sizes a buy in base-token wei
type AmountPolicy struct {
	Mode    AmountMode      `json:"mode"`
	Fixed   *uint256.Int    `json:"fixed,omitempty"`
	Percent decimal.Decimal `json:"percent"` // fraction of wallet balance, 0 < p <= 1
}

// SafetyThresholds are per-strategy limits applied on top of the analyzer level
type SafetyThresholds struct {
	Enabled         bool            `json:"enabled"`
	MinLiquidityUSD decimal.Decimal `json:"min_liquidity_usd"`
	MaxBuyTax       decimal.Decimal `json:"max_buy_tax"`
	MaxSellTax      decimal.Decimal `json:"max_sell_tax"`
}

// TakeProfitTier sells SellPct of the initial quantity once price >= entry*(1+GainPct)
type TakeProfitTier struct {
	GainPct decimal.Decimal `json:"gain_pct"`
	SellPct decimal.Decimal `json:"sell_pct"`
}

// ExitPolicy is snapshotted into each position at open
type ExitPolicy struct {
	TakeProfits     []TakeProfitTier `json:"take_profits"`
	StopLossPct     decimal.Decimal  `json:"stop_loss_pct"`
	TrailingStopPct decimal.Decimal  `json:"trailing_stop_pct"`
}

// Clone returns a deep copy
func (p ExitPolicy) Clone() ExitPolicy {
	out := p
	out.TakeProfits = append([]TakeProfitTier(nil), p.TakeProfits...)
	return out
}

// ExecutionParams controls submission
type ExecutionParams struct {
	SlippageBps         int      `json:"slippage_bps"`
	Deadline            Duration `json:"deadline"`
	MaxRetries          int      `json:"max_retries"`
	Urgency             Urgency  `json:"urgency"`
	AllowPublicFallback bool     `json:"allow_public_fallback"`
	GasLimit            uint64   `json:"gas_limit"`
}

// StrategyConfig is owned by the orchestrator's registry
type StrategyConfig struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Type          StrategyType     `json:"type"`
	TargetToken   *common.Address  `json:"target_token,omitempty"`
	TargetPair    *common.Address  `json:"target_pair,omitempty"`
	DEX           string           `json:"dex,omitempty"`
	Method        ExecutionMethod  `json:"method"`
	Wallets       []common.Address `json:"wallets"`
	Amount        AmountPolicy     `json:"amount"`
	Safety        SafetyThresholds `json:"safety"`
	BypassRisk    bool             `json:"bypass_risk"`
	Exit          ExitPolicy       `json:"exit"`
	Exec          ExecutionParams  `json:"exec"`
	CopyWallets   []common.Address `json:"copy_wallets,omitempty"`
	MinWhaleScore float64          `json:"min_whale_score,omitempty"`
	LimitPrice    decimal.Decimal  `json:"limit_price"`
	Enabled       bool             `json:"enabled"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so callers never share slices with the registry
func (c *StrategyConfig) Clone() *StrategyConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.TargetToken != nil {
		t := *c.TargetToken
		out.TargetToken = &t
	}
	if c.TargetPair != nil {
		p := *c.TargetPair
		out.TargetPair = &p
	}
	if c.Amount.Fixed != nil {
		out.Amount.Fixed = new(uint256.Int).Set(c.Amount.Fixed)
	}
	out.Wallets = append([]common.Address(nil), c.Wallets...)
	out.CopyWallets = append([]common.Address(nil), c.CopyWallets...)
	out.Exit = c.Exit.Clone()
	return &out
}

// ═══════════════════════════════════════════════════════════════════════════════
// RISK
// ═══════════════════════════════════════════════════════════════════════════════

// RiskAssessment is the analyzer output for a token/pair
type RiskAssessment struct {
	Token           common.Address
	Pair            common.Address
	Score           int // 0-100, higher = riskier
	Level           RiskLevel
	BuyTax          decimal.Decimal
	SellTax         decimal.Decimal
	LiquidityUSD    decimal.Decimal
	OwnerHoldingPct decimal.Decimal
	LPLockedPct     decimal.Decimal
	Issues          []string
	ComputedAt      time.Time
	BaseReserve     *uint256.Int // reserve snapshot used for drift checks
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERS & POSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Order is one logical swap; replacement transactions share its nonce
type Order struct {
	ID           string
	StrategyID   string
	Token        common.Address
	Pair         common.Address
	Path         []common.Address
	DEX          string
	Wallet       common.Address
	Side         Side
	AmountIn     *uint256.Int
	MinAmountOut *uint256.Int
	AmountOut    *uint256.Int
	MaxFee       *uint256.Int
	PriorityFee  *uint256.Int
	Nonce        uint64
	Method       ExecutionMethod
	Status       OrderStatus
	TxHash       common.Hash   // hash that reached a receipt, or the latest broadcast
	TxHashes     []common.Hash // every broadcast hash for this nonce
	BlockNumber  uint64
	Latency      time.Duration
	GasUsed      uint64
	GasPrice     *uint256.Int
	Attempts     int
	Deadline     time.Time
	Error        string
	Reason       string // exit reason for sells, trigger for buys
	PositionID   string
	CreatedAt    time.Time
	SubmittedAt  time.Time
	FinalizedAt  time.Time
}

// Clone returns a copy safe to hand to readers
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	out.Path = append([]common.Address(nil), o.Path...)
	out.TxHashes = append([]common.Hash(nil), o.TxHashes...)
	out.AmountIn = cloneInt(o.AmountIn)
	out.MinAmountOut = cloneInt(o.MinAmountOut)
	out.AmountOut = cloneInt(o.AmountOut)
	out.MaxFee = cloneInt(o.MaxFee)
	out.PriorityFee = cloneInt(o.PriorityFee)
	out.GasPrice = cloneInt(o.GasPrice)
	return &out
}

// Position is opened on a confirmed buy and closed by confirmed sells
type Position struct {
	ID              string
	Token           common.Address
	Pair            common.Address
	Path            []common.Address // buy path, base first
	DEX             string
	Wallet          common.Address
	StrategyID      string
	EntryOrderID    string
	Quantity        *uint256.Int // open token quantity
	InitialQuantity *uint256.Int
	CostBasis       *uint256.Int // remaining cost (amount in + buy gas) in base wei
	TotalCost       *uint256.Int
	EntryPrice      decimal.Decimal // base wei per token wei
	PeakPrice       decimal.Decimal
	LastPrice       decimal.Decimal
	Exit            ExitPolicy
	TiersHit        []bool
	Proceeds        *uint256.Int
	Fees            *uint256.Int // sell-side gas
	RealizedPnL     decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	Status          PositionStatus
	OpenedAt        time.Time
	ClosedAt        *time.Time
}

// Clone returns a copy safe to hand to readers
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	out := *p
	out.Path = append([]common.Address(nil), p.Path...)
	out.Quantity = cloneInt(p.Quantity)
	out.InitialQuantity = cloneInt(p.InitialQuantity)
	out.CostBasis = cloneInt(p.CostBasis)
	out.TotalCost = cloneInt(p.TotalCost)
	out.Proceeds = cloneInt(p.Proceeds)
	out.Fees = cloneInt(p.Fees)
	out.Exit = p.Exit.Clone()
	out.TiersHit = append([]bool(nil), p.TiersHit...)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}

func cloneInt(x *uint256.Int) *uint256.Int {
	if x == nil {
		return nil
	}
	return new(uint256.Int).Set(x)
}

// Stats is an aggregate snapshot
type Stats struct {
	SnipesDetected  int
	SnipesBlocked   int
	SnipesSucceeded int
	SnipesFailed    int
	Duplicates      int
	Trades          int
	Wins            int
	Losses          int
	WinRate         decimal.Decimal
	RealizedPnL     decimal.Decimal // base wei
	GasSpent        *uint256.Int
	LatencyP50      time.Duration
	LatencyP90      time.Duration
	LatencyP99      time.Duration
}
