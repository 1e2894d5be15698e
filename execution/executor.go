package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/chain"
	"github.com/web3guy0/chainsniper/dex"
	"github.com/web3guy0/chainsniper/gas"
	"github.com/web3guy0/chainsniper/internal/clock"
	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION ENGINE - Order state machine over signed swaps
// ═══════════════════════════════════════════════════════════════════════════════
//
// Responsibilities:
// 1. Quote, simulate, sign and broadcast router swaps
// 2. Private relay first, public fallback with the same nonce when allowed
// 3. One escalated same-nonce replacement on receipt timeout
// 4. Position accounting from receipt logs (tokens in, base out, gas)
// 5. Exit monitoring against each position's snapshotted policy
//
// Order Flow:
//   Orchestrator → Executor.Buy / Sell
//                       ↓
//            simulate → sign → broadcast → receipt
//                       ↓
//              CONFIRMED  |  FAILED
//
// ═══════════════════════════════════════════════════════════════════════════════

// ReasonDryRun is the failure reason of orders stopped by dry-run mode
const ReasonDryRun = "dry_run"

var (
	ErrDryRun           = errors.New(ReasonDryRun)
	ErrOnChainRevert    = errors.New("reverted on-chain")
	ErrExceedsPosition  = errors.New("amount exceeds open quantity")
	ErrPositionClosed   = errors.New("position closed")
	ErrUnsupportedRoute = errors.New("unsupported route")
)

// ChainClient is the chain surface the executor drives
type ChainClient interface {
	NonceSource
	Simulate(ctx context.Context, msg ethereum.CallMsg) (*chain.Simulation, error)
	Broadcast(ctx context.Context, tx *ethtypes.Transaction, opts chain.BroadcastOptions) chain.BroadcastResult
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
}

// PairReader reads reserves and allowances
type PairReader interface {
	Pair(ctx context.Context, pair common.Address) (dex.PairState, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error)
}

// FeeOracle quotes and escalates EIP-1559 fees
type FeeOracle interface {
	Suggest(ctx context.Context, u types.Urgency) (*gas.Fees, error)
	Escalate(prev *gas.Fees) (*gas.Fees, error)
}

// Signer signs for the trading wallets
type Signer interface {
	Has(wallet common.Address) bool
	SignTx(wallet common.Address, tx *ethtypes.Transaction) (*ethtypes.Transaction, error)
}

// Store persists orders and positions
type Store interface {
	SaveOrder(o *types.Order) error
	SavePosition(p *types.Position) error
}

// Publisher receives outbound notices
type Publisher interface {
	Publish(n types.Notice)
}

// PriceSource marks a position to market in base wei per token wei
type PriceSource interface {
	Quote(ctx context.Context, pos *types.Position) (decimal.Decimal, error)
}

// Config holds executor settings
type Config struct {
	ChainID *big.Int
	// ReceiptTimeout is the wait per broadcast before the one escalation
	ReceiptTimeout  time.Duration
	PollInterval    time.Duration
	OrderTimeout    time.Duration // deadline when the request has none
	GasBufferPct    uint64        // added to the simulated gas estimate
	ApproveGasLimit uint64
	// LateWatch keeps polling hashes of expired orders for late confirmations
	LateWatch       time.Duration
	MonitorInterval time.Duration
	MonitorWorkers  int
	// ExitExec and ExitMethod drive exit sells of recovered positions
	ExitExec   types.ExecutionParams
	ExitMethod types.ExecutionMethod
	DryRun     bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ChainID:         big.NewInt(1),
		ReceiptTimeout:  30 * time.Second,
		PollInterval:    time.Second,
		OrderTimeout:    2 * time.Minute,
		GasBufferPct:    20,
		ApproveGasLimit: 100_000,
		LateWatch:       10 * time.Minute,
		MonitorInterval: 2 * time.Second,
		MonitorWorkers:  8,
		ExitExec: types.ExecutionParams{
			SlippageBps:         1500,
			Deadline:            types.Duration(2 * time.Minute),
			MaxRetries:          3,
			Urgency:             types.UrgencyHigh,
			AllowPublicFallback: true,
		},
		ExitMethod: types.MethodPrivateRelay,
	}
}

// Deps are the executor's collaborators; Store, Notices, Prices and Clock are optional
type Deps struct {
	Chain    ChainClient
	Reader   PairReader
	Fees     FeeOracle
	Signer   Signer
	Registry *dex.Registry
	Store    Store
	Notices  Publisher
	Prices   PriceSource
	Clock    clock.Clock
}

// BuyRequest opens a position
type BuyRequest struct {
	OrderID    string // generated when empty
	StrategyID string
	Token      common.Address
	Pair       common.Address   // derived from DEX and path when zero
	Path       []common.Address // base first; defaults to [base, token]
	DEX        dex.DEX
	Wallet     common.Address
	AmountIn   *uint256.Int // base wei
	Method     types.ExecutionMethod
	Exec       types.ExecutionParams
	Exit       types.ExitPolicy
	Risk       *types.RiskAssessment
	BypassRisk bool
	Reason     string
}

// SellRequest reduces a position. Amount wins over Percent; neither sells everything.
type SellRequest struct {
	PositionID string
	Amount     *uint256.Int
	Percent    decimal.Decimal // of the open quantity
	Method     types.ExecutionMethod
	Exec       *types.ExecutionParams // nil uses the position's entry params
	Reason     string
	Tiers      []int // take-profit tiers to mark on confirmation
}

type orderEntry struct {
	mu        sync.Mutex
	order     *types.Order
	done      bool
	internal  bool // approvals: not tracked, persisted or published
	nonceHeld bool
	broadcast bool
}

type positionEntry struct {
	mu      sync.Mutex
	pos     *types.Position
	selling bool
	exec    types.ExecutionParams
	method  types.ExecutionMethod
}

// Executor manages order execution and position state
type Executor struct {
	cfg      Config
	chain    ChainClient
	reader   PairReader
	fees     FeeOracle
	signer   Signer
	registry *dex.Registry
	store    Store
	notices  Publisher
	prices   PriceSource
	clock    clock.Clock
	nonces   *NonceManager

	mu        sync.RWMutex
	orders    map[string]*orderEntry
	positions map[string]*positionEntry

	runMu   sync.Mutex
	running bool
	bg      context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup // monitor loop and late watchers
	exits   sync.WaitGroup // in-flight exit sells
}

// NewExecutor creates a new execution engine
func NewExecutor(cfg Config, deps Deps) *Executor {
	def := DefaultConfig()
	if cfg.ChainID == nil {
		cfg.ChainID = def.ChainID
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = def.ReceiptTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = def.OrderTimeout
	}
	if cfg.ApproveGasLimit == 0 {
		cfg.ApproveGasLimit = def.ApproveGasLimit
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	if cfg.MonitorWorkers <= 0 {
		cfg.MonitorWorkers = def.MonitorWorkers
	}
	if cfg.ExitMethod == "" {
		cfg.ExitMethod = def.ExitMethod
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}

	e := &Executor{
		cfg:       cfg,
		chain:     deps.Chain,
		reader:    deps.Reader,
		fees:      deps.Fees,
		signer:    deps.Signer,
		registry:  deps.Registry,
		store:     deps.Store,
		notices:   deps.Notices,
		clock:     deps.Clock,
		nonces:    NewNonceManager(deps.Chain),
		orders:    make(map[string]*orderEntry),
		positions: make(map[string]*positionEntry),
		bg:        context.Background(),
	}
	e.prices = deps.Prices
	if e.prices == nil {
		e.prices = reservePrices{e}
	}

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY RUN"
	}
	log.Info().
		Str("mode", mode).
		Dur("receipt_timeout", cfg.ReceiptTimeout).
		Dur("order_timeout", cfg.OrderTimeout).
		Msg("⚡ Executor initialized")

	return e
}

// Start runs the position monitor
func (e *Executor) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.bg, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.monitorLoop(e.bg)
	log.Info().Dur("interval", e.cfg.MonitorInterval).Msg("👁️ Position monitor started")
}

// Stop cancels background work and waits for it
func (e *Executor) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.runMu.Unlock()

	e.exits.Wait()
	e.wg.Wait()
	log.Info().Msg("Executor stopped")
}

func (e *Executor) background() context.Context {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.bg
}

// ═══════════════════════════════════════════════════════════════════════════════
// BUY
// ═══════════════════════════════════════════════════════════════════════════════

// Buy swaps base for token and opens a position on confirmation. The returned
// order is terminal; err explains a Failed order or a request rejected before
// any order existed.
func (e *Executor) Buy(ctx context.Context, req BuyRequest) (*types.Order, error) {
	if !req.BypassRisk && req.Risk != nil && req.Risk.Level.Blocking() {
		return nil, &types.RiskBlockedError{Token: req.Token, Level: req.Risk.Level, Issues: req.Risk.Issues}
	}
	if req.AmountIn == nil || req.AmountIn.IsZero() {
		return nil, &types.ConfigError{Field: "amount", Reason: "must be positive"}
	}
	if !e.signer.Has(req.Wallet) {
		return nil, &types.ConfigError{Field: "wallet", Reason: "no key for " + req.Wallet.Hex()}
	}

	base := e.registry.Base()
	path := req.Path
	if len(path) == 0 {
		path = []common.Address{base, req.Token}
	}
	if len(path) < 2 || path[0] != base || path[len(path)-1] != req.Token {
		return nil, fmt.Errorf("%w: path must run base → token", ErrUnsupportedRoute)
	}
	pair := req.Pair
	if pair == (common.Address{}) {
		pair = dex.PairFor(req.DEX, path[len(path)-2], req.Token)
	}

	expected, err := e.quote(ctx, req.DEX, path, req.AmountIn, req.Exec.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	minOut, err := types.ApplyBps(expected, req.Exec.SlippageBps)
	if err != nil {
		return nil, &types.ConfigError{Field: "slippage_bps", Reason: "out of range"}
	}

	order := e.newOrder(req.StrategyID, types.SideBuy, req.Wallet, req.Method, req.Exec)
	if req.OrderID != "" {
		order.ID = req.OrderID
	}
	order.Token = req.Token
	order.Pair = pair
	order.Path = append([]common.Address(nil), path...)
	order.DEX = req.DEX.Name
	order.AmountIn = new(uint256.Int).Set(req.AmountIn)
	order.MinAmountOut = minOut
	order.Reason = req.Reason
	entry := e.track(order, false)

	log.Info().
		Str("order", order.ID).
		Str("strategy", order.StrategyID).
		Str("token", order.Token.Hex()).
		Str("eth", types.ToEther(order.AmountIn).StringFixed(4)).
		Str("method", string(order.Method)).
		Msg("📤 Buy order created")

	data, err := dex.PackBuy(minOut, path, req.Wallet, uint64(order.Deadline.Unix()))
	if err != nil {
		return e.failed(entry, err)
	}
	call := txCall{To: req.DEX.Router, Value: order.AmountIn, Data: data}
	rcpt, err := e.submit(ctx, entry, call, req.Exec)
	if err != nil {
		return e.snapshot(entry), err
	}

	pos, err := e.openPosition(entry, rcpt, req)
	if err != nil {
		log.Error().Err(err).Str("order", order.ID).Msg("❌ Buy confirmed but position accounting failed")
	}
	e.finalize(entry, types.OrderConfirmed, nil)
	if pos != nil {
		e.publish(types.PositionChanged{Position: pos})
	}
	return e.snapshot(entry), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SELL
// ═══════════════════════════════════════════════════════════════════════════════

// Sell swaps part or all of a position back to base. Only one sell per
// position is in flight at a time.
func (e *Executor) Sell(ctx context.Context, req SellRequest) (*types.Order, error) {
	pe := e.positionEntry(req.PositionID)
	if pe == nil {
		return nil, fmt.Errorf("position %s: %w", req.PositionID, types.ErrNotFound)
	}

	pe.mu.Lock()
	if pe.selling {
		pe.mu.Unlock()
		return nil, fmt.Errorf("position %s: %w", req.PositionID, types.ErrInFlight)
	}
	amount, err := sellAmount(pe.pos, req)
	if err != nil {
		pe.mu.Unlock()
		return nil, err
	}
	pe.selling = true
	pe.mu.Unlock()

	return e.executeSell(ctx, pe, amount, req)
}

func sellAmount(pos *types.Position, req SellRequest) (*uint256.Int, error) {
	if pos.Status == types.PositionClosed || pos.Quantity == nil || pos.Quantity.IsZero() {
		return nil, ErrPositionClosed
	}
	var amount *uint256.Int
	switch {
	case req.Amount != nil:
		if req.Amount.Gt(pos.Quantity) {
			return nil, ErrExceedsPosition
		}
		amount = new(uint256.Int).Set(req.Amount)
	case req.Percent.IsPositive():
		v, err := types.Fraction(pos.Quantity, req.Percent)
		if err != nil {
			return nil, &types.ConfigError{Field: "percent", Reason: "must be within (0, 1]"}
		}
		amount = v
	default:
		amount = new(uint256.Int).Set(pos.Quantity)
	}
	if amount.IsZero() {
		return nil, &types.ConfigError{Field: "amount", Reason: "rounds to zero"}
	}
	return amount, nil
}

// executeSell runs with pe.selling held and clears it on return
func (e *Executor) executeSell(ctx context.Context, pe *positionEntry, amount *uint256.Int, req SellRequest) (*types.Order, error) {
	defer func() {
		pe.mu.Lock()
		pe.selling = false
		pe.mu.Unlock()
	}()

	pe.mu.Lock()
	pos := pe.pos.Clone()
	params := pe.exec
	method := pe.method
	pe.mu.Unlock()
	if req.Exec != nil {
		params = *req.Exec
	}
	if req.Method != "" {
		method = req.Method
	}

	d, ok := e.dexFor(pos.DEX)
	if !ok {
		return nil, fmt.Errorf("%w: dex %q", ErrUnsupportedRoute, pos.DEX)
	}
	path := dex.ReversePath(pos.Path)

	order := e.newOrder(pos.StrategyID, types.SideSell, pos.Wallet, method, params)
	order.Token = pos.Token
	order.Pair = pos.Pair
	order.Path = path
	order.DEX = pos.DEX
	order.AmountIn = amount
	order.PositionID = pos.ID
	order.Reason = req.Reason
	entry := e.track(order, false)

	log.Info().
		Str("order", order.ID).
		Str("position", pos.ID).
		Str("reason", req.Reason).
		Str("amount", amount.Dec()).
		Msg("📤 Sell order created")

	if err := e.ensureAllowance(ctx, order, d.Router, amount, params); err != nil {
		return e.failed(entry, fmt.Errorf("approve: %w", err))
	}

	expected, err := e.quote(ctx, d, path, amount, params.MaxRetries)
	if err != nil {
		return e.failed(entry, fmt.Errorf("quote: %w", err))
	}
	minOut, err := types.ApplyBps(expected, params.SlippageBps)
	if err != nil {
		return e.failed(entry, err)
	}
	entry.mu.Lock()
	order.MinAmountOut = minOut
	entry.mu.Unlock()

	data, err := dex.PackSell(amount, minOut, path, pos.Wallet, uint64(order.Deadline.Unix()))
	if err != nil {
		return e.failed(entry, err)
	}
	rcpt, err := e.submit(ctx, entry, txCall{To: d.Router, Value: new(uint256.Int), Data: data}, params)
	if err != nil {
		return e.snapshot(entry), err
	}

	snap, err := e.applySell(pe, entry, rcpt, d.Router, amount, req.Tiers)
	if err != nil {
		log.Error().Err(err).Str("order", order.ID).Msg("❌ Sell confirmed but position accounting failed")
	}
	e.finalize(entry, types.OrderConfirmed, nil)
	if snap != nil {
		e.publish(types.PositionChanged{Position: snap, Realized: true})
	}
	return e.snapshot(entry), nil
}

// ensureAllowance approves the router for max when the current allowance is short
func (e *Executor) ensureAllowance(ctx context.Context, sell *types.Order, router common.Address, amount *uint256.Int, params types.ExecutionParams) error {
	allowance, err := e.reader.Allowance(ctx, sell.Token, sell.Wallet, router)
	if err != nil {
		return err
	}
	if !allowance.Lt(amount) {
		return nil
	}

	data, err := dex.PackApproveMax(router)
	if err != nil {
		return err
	}
	approve := e.newOrder(sell.StrategyID, types.SideSell, sell.Wallet, sell.Method, params)
	approve.ID = "approve-" + approve.ID
	approve.Token = sell.Token
	approve.Deadline = sell.Deadline
	entry := e.track(approve, true)

	params.GasLimit = e.cfg.ApproveGasLimit
	log.Info().Str("token", sell.Token.Hex()).Str("spender", router.Hex()).Msg("🔓 Approving router")
	_, err = e.submit(ctx, entry, txCall{To: sell.Token, Value: new(uint256.Int), Data: data}, params)
	if err != nil {
		return err
	}
	e.finalize(entry, types.OrderConfirmed, nil)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUOTES
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Executor) quote(ctx context.Context, d dex.DEX, path []common.Address, amountIn *uint256.Int, retries int) (*uint256.Int, error) {
	cfg := e.networkRetry(retries)
	hops := make([]dex.Reserves, 0, len(path)-1)
	for i := 0; i < len(path)-1; i++ {
		pair := dex.PairFor(d, path[i], path[i+1])
		st, err := retryRead(ctx, cfg, func() (dex.PairState, error) { return e.reader.Pair(ctx, pair) })
		if err != nil {
			return nil, err
		}
		hops = append(hops, st.Oriented(path[i]))
	}
	amounts, err := dex.GetAmountsOut(amountIn, hops)
	if err != nil {
		return nil, err
	}
	return amounts[len(amounts)-1], nil
}

// reservePrices marks positions by quoting a full sell against current reserves
type reservePrices struct {
	e *Executor
}

func (r reservePrices) Quote(ctx context.Context, pos *types.Position) (decimal.Decimal, error) {
	d, ok := r.e.dexFor(pos.DEX)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: dex %q", ErrUnsupportedRoute, pos.DEX)
	}
	out, err := r.e.quote(ctx, d, dex.ReversePath(pos.Path), pos.Quantity, 0)
	if err != nil {
		return decimal.Zero, err
	}
	return types.Price(out, pos.Quantity), nil
}

func (e *Executor) dexFor(name string) (dex.DEX, bool) {
	if d, ok := e.registry.ByName(name); ok {
		return d, true
	}
	if name == "" {
		return e.registry.Default()
	}
	return dex.DEX{}, false
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER BOOKKEEPING
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Executor) newOrder(strategyID string, side types.Side, wallet common.Address, method types.ExecutionMethod, p types.ExecutionParams) *types.Order {
	if method == "" {
		method = types.MethodPrivateRelay
	}
	now := e.clock.Now()
	deadline := time.Duration(p.Deadline)
	if deadline <= 0 {
		deadline = e.cfg.OrderTimeout
	}
	return &types.Order{
		ID:         uuid.NewString(),
		StrategyID: strategyID,
		Side:       side,
		Wallet:     wallet,
		Method:     method,
		Status:     types.OrderPending,
		Deadline:   now.Add(deadline),
		CreatedAt:  now,
	}
}

func (e *Executor) track(o *types.Order, internal bool) *orderEntry {
	entry := &orderEntry{order: o, internal: internal}
	if internal {
		return entry
	}
	e.mu.Lock()
	e.orders[o.ID] = entry
	e.mu.Unlock()
	e.persistOrder(o.Clone())
	return entry
}

func (e *Executor) snapshot(entry *orderEntry) *types.Order {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.order.Clone()
}

func (e *Executor) failed(entry *orderEntry, err error) (*types.Order, error) {
	e.fail(entry, err)
	return e.snapshot(entry), err
}

// fail finalizes the order as Failed and returns err
func (e *Executor) fail(entry *orderEntry, err error) error {
	entry.mu.Lock()
	o := entry.order
	if entry.nonceHeld {
		if entry.broadcast {
			// the nonce may or may not have been consumed
			e.nonces.Reset(o.Wallet)
		} else {
			e.nonces.Release(o.Wallet, o.Nonce)
		}
		entry.nonceHeld = false
	}
	entry.mu.Unlock()
	e.finalize(entry, types.OrderFailed, err)
	return err
}

// finalize performs the single terminal transition of an order
func (e *Executor) finalize(entry *orderEntry, status types.OrderStatus, cause error) {
	entry.mu.Lock()
	if entry.done {
		entry.mu.Unlock()
		return
	}
	o := entry.order
	if err := transitionOrder(o, status); err != nil {
		entry.mu.Unlock()
		log.Error().Err(err).Msg("❌ Order state machine violation")
		return
	}
	entry.done = true
	now := e.clock.Now()
	o.FinalizedAt = now
	o.Latency = now.Sub(o.CreatedAt)
	if cause != nil {
		o.Error = cause.Error()
	}
	snap := o.Clone()
	internal := entry.internal
	entry.mu.Unlock()

	if status == types.OrderConfirmed {
		log.Info().
			Str("order", snap.ID).
			Str("side", string(snap.Side)).
			Str("tx", snap.TxHash.Hex()).
			Uint64("block", snap.BlockNumber).
			Dur("latency", snap.Latency).
			Msg("✅ Order confirmed")
	} else {
		log.Warn().
			Str("order", snap.ID).
			Str("side", string(snap.Side)).
			Str("error", snap.Error).
			Msg("❌ Order failed")
	}

	if internal {
		return
	}
	e.persistOrder(snap)
	e.publish(types.OrderFinalized{Order: snap})
}

func (e *Executor) persistOrder(o *types.Order) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveOrder(o); err != nil {
		log.Error().Err(err).Str("order", o.ID).Msg("Failed to persist order")
	}
}

func (e *Executor) persistPosition(p *types.Position) {
	if e.store == nil {
		return
	}
	if err := e.store.SavePosition(p); err != nil {
		log.Error().Err(err).Str("position", p.ID).Msg("Failed to persist position")
	}
}

func (e *Executor) publish(n types.Notice) {
	if e.notices != nil {
		e.notices.Publish(n)
	}
}

func (e *Executor) alert(sev types.Severity, kind types.AlertKind, token common.Address, msg string) {
	e.publish(types.Alert{Severity: sev, Kind: kind, Message: msg, Token: token, At: e.clock.Now()})
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// Order returns a copy of an order
func (e *Executor) Order(id string) (*types.Order, bool) {
	e.mu.RLock()
	entry, ok := e.orders[id]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.snapshot(entry), true
}

// Orders returns copies of all orders, newest first
func (e *Executor) Orders() []*types.Order {
	e.mu.RLock()
	entries := make([]*orderEntry, 0, len(e.orders))
	for _, entry := range e.orders {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	out := make([]*types.Order, 0, len(entries))
	for _, entry := range entries {
		out = append(out, e.snapshot(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Position returns a copy of a position
func (e *Executor) Position(id string) (*types.Position, bool) {
	pe := e.positionEntry(id)
	if pe == nil {
		return nil, false
	}
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.pos.Clone(), true
}

// Positions returns copies of all positions, oldest first
func (e *Executor) Positions() []*types.Position {
	entries := e.positionEntries()
	out := make([]*types.Position, 0, len(entries))
	for _, pe := range entries {
		pe.mu.Lock()
		out = append(out, pe.pos.Clone())
		pe.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// OpenPositionFor returns the open position a strategy holds in token
func (e *Executor) OpenPositionFor(strategyID string, token common.Address) (*types.Position, bool) {
	for _, p := range e.Positions() {
		if p.StrategyID == strategyID && p.Token == token && p.Status != types.PositionClosed {
			return p, true
		}
	}
	return nil, false
}

func (e *Executor) positionEntry(id string) *positionEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positions[id]
}

func (e *Executor) positionEntries() []*positionEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*positionEntry, 0, len(e.positions))
	for _, pe := range e.positions {
		out = append(out, pe)
	}
	return out
}

// LoadPosition adopts a persisted position (restart recovery); exits use
// the configured exit params
func (e *Executor) LoadPosition(pos *types.Position) {
	pe := &positionEntry{pos: pos.Clone(), exec: e.cfg.ExitExec, method: e.cfg.ExitMethod}
	if len(pe.pos.TiersHit) < len(pe.pos.Exit.TakeProfits) {
		hit := make([]bool, len(pe.pos.Exit.TakeProfits))
		copy(hit, pe.pos.TiersHit)
		pe.pos.TiersHit = hit
	}
	e.mu.Lock()
	e.positions[pos.ID] = pe
	e.mu.Unlock()

	log.Info().
		Str("position", pos.ID).
		Str("token", pos.Token.Hex()).
		Str("quantity", pos.Quantity.Dec()).
		Str("entry", pos.EntryPrice.String()).
		Msg("📥 Position loaded from persistence")
}

// GetMetrics returns execution counters
func (e *Executor) GetMetrics() map[string]interface{} {
	var confirmed, failed, pending, open int
	for _, o := range e.Orders() {
		switch o.Status {
		case types.OrderConfirmed:
			confirmed++
		case types.OrderFailed:
			failed++
		default:
			pending++
		}
	}
	for _, p := range e.Positions() {
		if p.Status != types.PositionClosed {
			open++
		}
	}
	return map[string]interface{}{
		"confirmed_orders": confirmed,
		"failed_orders":    failed,
		"pending_orders":   pending,
		"open_positions":   open,
	}
}
