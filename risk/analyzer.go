package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/web3guy0/chainsniper/dex"
	"github.com/web3guy0/chainsniper/internal/clock"
	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TOKEN SAFETY ANALYZER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   reserves → liquidity USD
//   round trip simulation → buy/sell tax, honeypot
//   owner share, LP lock share
//   optional external cross-check
//   → Honeypot | Critical | weighted score → Safe/Low/Medium/High
//
// ═══════════════════════════════════════════════════════════════════════════════

// Issue codes attached to assessments
const (
	IssueSellReverted     = "sell_reverted"
	IssueBuyReverted      = "buy_reverted"
	IssueSellGas          = "sell_gas_excessive"
	IssueLowLiquidity     = "low_liquidity"
	IssueOwnerHolding     = "owner_holding_high"
	IssueHighTax          = "high_tax"
	IssueLPUnlocked       = "lp_unlocked"
	IssueLockUnknown      = "lp_lock_unknown"
	IssueHoldersUnknown   = "holders_unknown"
	IssueNoSimulation     = "simulation_unavailable"
	IssueExternalHoneypot = "external_honeypot"
	IssueTaxMismatch      = "tax_mismatch"
)

const (
	weightTax           = 0.50
	weightConcentration = 0.25
	weightLock          = 0.10
	weightLiquidity     = 0.15
)

// ChainReader is the on-chain state the analyzer reads; *dex.Reader satisfies it
type ChainReader interface {
	Pair(ctx context.Context, pair common.Address) (dex.PairState, error)
	BalanceOf(ctx context.Context, token, holder common.Address) (*uint256.Int, error)
	TotalSupply(ctx context.Context, token common.Address) (*uint256.Int, error)
	Owner(ctx context.Context, token common.Address) (common.Address, error)
}

// ExternalChecker is a secondary data source, e.g. GoPlus
type ExternalChecker interface {
	Check(ctx context.Context, token common.Address) (*ExternalReport, error)
}

// Config for the analyzer
type Config struct {
	Base            common.Address
	BaseUSD         decimal.Decimal // USD per base ether
	MinLiquidityUSD decimal.Decimal // critical floor
	MaxOwnerPct     decimal.Decimal // critical ceiling, fraction of supply
	SellGasMult     uint64          // honeypot if sell gas > buy gas × this
	SimAmount       *uint256.Int    // base wei used for the round trip
	CacheTTL        time.Duration
	DriftPct        decimal.Decimal // discard cache once base reserve moves more than this
	LPLockers       []common.Address
}

// DefaultConfig returns sensible defaults
func DefaultConfig(base common.Address) Config {
	return Config{
		Base:            base,
		BaseUSD:         decimal.NewFromInt(2500),
		MinLiquidityUSD: decimal.NewFromInt(5000),
		MaxOwnerPct:     decimal.NewFromFloat(0.5),
		SellGasMult:     3,
		SimAmount:       uint256.NewInt(1e16),
		CacheTTL:        30 * time.Second,
		DriftPct:        decimal.NewFromFloat(0.10),
	}
}

type cacheEntry struct {
	assessment *types.RiskAssessment
	at         time.Time
}

// Analyzer derives RiskAssessments
type Analyzer struct {
	cfg      Config
	reader   ChainReader
	sim      Simulator
	external ExternalChecker
	clock    clock.Clock

	mu    sync.RWMutex
	cache map[common.Address]cacheEntry
	group singleflight.Group

	priceMu sync.RWMutex
}

// NewAnalyzer creates an analyzer; external may be nil
func NewAnalyzer(cfg Config, reader ChainReader, sim Simulator, external ExternalChecker, c clock.Clock) *Analyzer {
	if c == nil {
		c = clock.Real{}
	}
	if cfg.SellGasMult == 0 {
		cfg.SellGasMult = 3
	}
	return &Analyzer{
		cfg:      cfg,
		reader:   reader,
		sim:      sim,
		external: external,
		clock:    c,
		cache:    make(map[common.Address]cacheEntry),
	}
}

// SetBaseUSD updates the base token USD price used for liquidity
func (a *Analyzer) SetBaseUSD(p decimal.Decimal) {
	a.priceMu.Lock()
	a.cfg.BaseUSD = p
	a.priceMu.Unlock()
}

func (a *Analyzer) baseUSD() decimal.Decimal {
	a.priceMu.RLock()
	defer a.priceMu.RUnlock()
	return a.cfg.BaseUSD
}

// Request identifies what to analyze
type Request struct {
	Token common.Address
	Pair  common.Address
	DEX   dex.DEX
}

// Analyze returns a fresh or validly cached assessment. Concurrent calls for one
// token share a single computation.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*types.RiskAssessment, error) {
	if cached, ok := a.cached(ctx, req); ok {
		return cached, nil
	}

	v, err, shared := a.group.Do(req.Token.Hex(), func() (interface{}, error) {
		ra, err := a.compute(ctx, req)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.cache[req.Token] = cacheEntry{assessment: ra, at: a.clock.Now()}
		a.mu.Unlock()
		return ra, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug().Str("token", req.Token.Hex()).Msg("Analysis coalesced")
	}
	return cloneAssessment(v.(*types.RiskAssessment)), nil
}

// cached returns an entry only while it is inside TTL and reserves have not drifted
func (a *Analyzer) cached(ctx context.Context, req Request) (*types.RiskAssessment, bool) {
	a.mu.RLock()
	entry, ok := a.cache[req.Token]
	a.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if a.clock.Now().Sub(entry.at) > a.cfg.CacheTTL {
		a.Invalidate(req.Token)
		return nil, false
	}

	st, err := a.reader.Pair(ctx, entry.assessment.Pair)
	if err != nil {
		return nil, false
	}
	if drifted(entry.assessment.BaseReserve, st.ReserveOf(a.cfg.Base), a.cfg.DriftPct) {
		log.Debug().Str("token", req.Token.Hex()).Msg("Reserve drift, cached assessment discarded")
		a.Invalidate(req.Token)
		return nil, false
	}
	return cloneAssessment(entry.assessment), true
}

// Invalidate drops a cached assessment
func (a *Analyzer) Invalidate(token common.Address) {
	a.mu.Lock()
	delete(a.cache, token)
	a.mu.Unlock()
}

func drifted(snapshot, current *uint256.Int, limit decimal.Decimal) bool {
	if snapshot == nil || snapshot.IsZero() {
		return true
	}
	snap := types.ToDecimal(snapshot)
	delta := types.ToDecimal(current).Sub(snap).Abs().Div(snap)
	return delta.GreaterThan(limit)
}

type holderData struct {
	ownerPct decimal.Decimal
	known    bool
}

type lockData struct {
	lockedPct decimal.Decimal
	known     bool
}

func (a *Analyzer) compute(ctx context.Context, req Request) (*types.RiskAssessment, error) {
	var (
		state    dex.PairState
		trip     *RoundTrip
		simErr   error
		holders  holderData
		lock     lockData
		external *ExternalReport
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		state, err = a.reader.Pair(gctx, req.Pair)
		if err != nil {
			return fmt.Errorf("read pair: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		path := []common.Address{a.cfg.Base, req.Token}
		trip, simErr = a.sim.RoundTrip(gctx, req.DEX.Router, path, a.cfg.SimAmount)
		if errors.Is(simErr, types.ErrNetwork) {
			return simErr
		}
		return nil
	})
	g.Go(func() error {
		holders = a.readHolders(gctx, req.Token)
		return nil
	})
	g.Go(func() error {
		lock = a.readLock(gctx, req.Pair)
		return nil
	})
	if a.external != nil {
		g.Go(func() error {
			rep, err := a.external.Check(gctx, req.Token)
			if err != nil {
				log.Debug().Err(err).Str("token", req.Token.Hex()).Msg("External risk check failed")
				return nil
			}
			external = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ra := &types.RiskAssessment{
		Token:       req.Token,
		Pair:        req.Pair,
		BuyTax:      decimal.Zero,
		SellTax:     decimal.Zero,
		LPLockedPct: lock.lockedPct,
		ComputedAt:  a.clock.Now(),
	}

	baseReserve := state.ReserveOf(a.cfg.Base)
	ra.BaseReserve = new(uint256.Int).Set(baseReserve)
	ra.LiquidityUSD = types.ToEther(baseReserve).Mul(decimal.NewFromInt(2)).Mul(a.baseUSD())
	ra.OwnerHoldingPct = holders.ownerPct

	honeypot, buyFailed := a.applySimulation(ra, trip, simErr)
	if external != nil {
		honeypot = a.applyExternal(ra, external) || honeypot
	}
	if !holders.known {
		ra.Issues = append(ra.Issues, IssueHoldersUnknown)
	}

	critical := buyFailed
	if ra.LiquidityUSD.LessThan(a.cfg.MinLiquidityUSD) {
		ra.Issues = append(ra.Issues, IssueLowLiquidity)
		critical = true
	}
	if ra.OwnerHoldingPct.GreaterThan(a.cfg.MaxOwnerPct) {
		ra.Issues = append(ra.Issues, IssueOwnerHolding)
		critical = true
	}
	switch {
	case !lock.known:
		ra.Issues = append(ra.Issues, IssueLockUnknown)
	case lock.lockedPct.LessThan(decimal.NewFromFloat(0.5)):
		ra.Issues = append(ra.Issues, IssueLPUnlocked)
	}

	ra.Score = a.score(ra, lock.known)
	switch {
	case honeypot:
		ra.Level = types.RiskHoneypot
		ra.Score = 100
	case critical:
		ra.Level = types.RiskCritical
		if ra.Score < 80 {
			ra.Score = 80
		}
	default:
		ra.Level = LevelForScore(ra.Score)
	}
	sort.Strings(ra.Issues)

	log.Info().
		Str("token", req.Token.Hex()).
		Str("level", string(ra.Level)).
		Int("score", ra.Score).
		Str("liquidity_usd", ra.LiquidityUSD.StringFixed(0)).
		Str("buy_tax", ra.BuyTax.StringFixed(4)).
		Str("sell_tax", ra.SellTax.StringFixed(4)).
		Strs("issues", ra.Issues).
		Msg("🔍 Token analyzed")
	return ra, nil
}

// applySimulation fills taxes; returns (honeypot, buyFailed)
func (a *Analyzer) applySimulation(ra *types.RiskAssessment, trip *RoundTrip, simErr error) (bool, bool) {
	if simErr != nil {
		var sim *types.SimulationError
		if errors.As(simErr, &sim) {
			if sim.Reason == ReasonBuyFailed {
				ra.Issues = append(ra.Issues, IssueBuyReverted)
				return false, true
			}
			ra.Issues = append(ra.Issues, IssueSellReverted)
			return true, false
		}
		ra.Issues = append(ra.Issues, IssueNoSimulation)
		return false, false
	}
	if trip == nil {
		ra.Issues = append(ra.Issues, IssueNoSimulation)
		return false, false
	}
	if trip.SellReverted {
		ra.Issues = append(ra.Issues, IssueSellReverted)
		return true, false
	}

	ra.BuyTax = deviation(trip.BuyExpected, trip.BuyActual)
	ra.SellTax = deviation(trip.SellExpected, trip.SellActual)

	honeypot := false
	if trip.BuyGas > 0 && trip.SellGas > trip.BuyGas*a.cfg.SellGasMult {
		ra.Issues = append(ra.Issues, IssueSellGas)
		honeypot = true
	}
	if ra.SellTax.GreaterThanOrEqual(decimal.NewFromFloat(0.99)) {
		ra.Issues = append(ra.Issues, IssueSellReverted)
		honeypot = true
	}
	if ra.BuyTax.Add(ra.SellTax).GreaterThan(decimal.NewFromFloat(0.2)) {
		ra.Issues = append(ra.Issues, IssueHighTax)
	}
	return honeypot, false
}

// applyExternal merges the external report; returns true on an external honeypot flag
func (a *Analyzer) applyExternal(ra *types.RiskAssessment, rep *ExternalReport) bool {
	if !rep.Known {
		return false
	}
	mismatch := false
	if rep.BuyTax.GreaterThan(ra.BuyTax) {
		mismatch = mismatch || rep.BuyTax.Sub(ra.BuyTax).GreaterThan(decimal.NewFromFloat(0.01))
		ra.BuyTax = rep.BuyTax
	}
	if rep.SellTax.GreaterThan(ra.SellTax) {
		mismatch = mismatch || rep.SellTax.Sub(ra.SellTax).GreaterThan(decimal.NewFromFloat(0.01))
		ra.SellTax = rep.SellTax
	}
	if mismatch {
		ra.Issues = append(ra.Issues, IssueTaxMismatch)
	}
	if rep.Honeypot {
		ra.Issues = append(ra.Issues, IssueExternalHoneypot)
		return true
	}
	return false
}

// score blends tax, concentration, LP unlock and thin liquidity into 0-100.
// An unread LP lock adds nothing.
func (a *Analyzer) score(ra *types.RiskAssessment, lockKnown bool) int {
	one := decimal.NewFromInt(1)
	hundred := decimal.NewFromInt(100)

	tax := clamp01(ra.BuyTax.Add(ra.SellTax).Div(decimal.NewFromFloat(0.5)))

	concentration := decimal.Zero
	if a.cfg.MaxOwnerPct.IsPositive() {
		concentration = clamp01(ra.OwnerHoldingPct.Div(a.cfg.MaxOwnerPct))
	}

	unlock := decimal.Zero
	if lockKnown {
		unlock = clamp01(one.Sub(ra.LPLockedPct))
	}

	thin := decimal.Zero
	if a.cfg.MinLiquidityUSD.IsPositive() {
		span := a.cfg.MinLiquidityUSD.Mul(decimal.NewFromInt(9))
		thin = clamp01(one.Sub(ra.LiquidityUSD.Sub(a.cfg.MinLiquidityUSD).Div(span)))
	}

	s := tax.Mul(decimal.NewFromFloat(weightTax)).
		Add(concentration.Mul(decimal.NewFromFloat(weightConcentration))).
		Add(unlock.Mul(decimal.NewFromFloat(weightLock))).
		Add(thin.Mul(decimal.NewFromFloat(weightLiquidity))).
		Mul(hundred)
	return int(s.Round(0).IntPart())
}

// LevelForScore maps a non-blocking score to a level
func LevelForScore(score int) types.RiskLevel {
	switch {
	case score < 20:
		return types.RiskSafe
	case score < 40:
		return types.RiskLow
	case score < 60:
		return types.RiskMedium
	default:
		return types.RiskHigh
	}
}

func (a *Analyzer) readHolders(ctx context.Context, token common.Address) holderData {
	owner, err := a.reader.Owner(ctx, token)
	if err != nil {
		return holderData{ownerPct: decimal.Zero}
	}
	if owner == (common.Address{}) || owner == dex.DeadAddress {
		// renounced
		return holderData{ownerPct: decimal.Zero, known: true}
	}
	supply, err := a.reader.TotalSupply(ctx, token)
	if err != nil || supply.IsZero() {
		return holderData{ownerPct: decimal.Zero}
	}
	bal, err := a.reader.BalanceOf(ctx, token, owner)
	if err != nil {
		return holderData{ownerPct: decimal.Zero}
	}
	return holderData{ownerPct: types.ToDecimal(bal).Div(types.ToDecimal(supply)), known: true}
}

func (a *Analyzer) readLock(ctx context.Context, pair common.Address) lockData {
	supply, err := a.reader.TotalSupply(ctx, pair)
	if err != nil || supply.IsZero() {
		return lockData{lockedPct: decimal.Zero}
	}
	holders := append([]common.Address{dex.DeadAddress, dex.ZeroAddress}, a.cfg.LPLockers...)
	locked := new(uint256.Int)
	for _, h := range holders {
		bal, err := a.reader.BalanceOf(ctx, pair, h)
		if err != nil {
			return lockData{lockedPct: decimal.Zero}
		}
		if locked, err = types.Add(locked, bal); err != nil {
			return lockData{lockedPct: decimal.Zero}
		}
	}
	return lockData{lockedPct: clamp01(types.ToDecimal(locked).Div(types.ToDecimal(supply))), known: true}
}

// deviation is 1 - actual/expected clamped to [0,1]
func deviation(expected, actual *uint256.Int) decimal.Decimal {
	if expected == nil || expected.IsZero() {
		return decimal.Zero
	}
	if actual == nil {
		return decimal.NewFromInt(1)
	}
	ratio := types.ToDecimal(actual).Div(types.ToDecimal(expected))
	return clamp01(decimal.NewFromInt(1).Sub(ratio)).Round(6)
}

func clamp01(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return d
}

func cloneAssessment(ra *types.RiskAssessment) *types.RiskAssessment {
	out := *ra
	out.Issues = append([]string(nil), ra.Issues...)
	if ra.BaseReserve != nil {
		out.BaseReserve = new(uint256.Int).Set(ra.BaseReserve)
	}
	return &out
}
