package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/dex"
	"github.com/web3guy0/chainsniper/execution"
	"github.com/web3guy0/chainsniper/internal/clock"
	"github.com/web3guy0/chainsniper/internal/workerpool"
	"github.com/web3guy0/chainsniper/risk"
	"github.com/web3guy0/chainsniper/strategy"
	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Monitor → Bus → dispatch (dedup → match → guard) → worker pool
//        → [wait for liquidity tx] → Analyzer → safety thresholds → Executor.Buy
//        → snipe:success | snipe:failed → Stats
//
// dispatch never blocks on analysis or execution; a full pool drops the snipe.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Analyzer scores a token before buying
type Analyzer interface {
	Analyze(ctx context.Context, req risk.Request) (*types.RiskAssessment, error)
}

// Trader is the execution surface; *execution.Executor satisfies it
type Trader interface {
	Buy(ctx context.Context, req execution.BuyRequest) (*types.Order, error)
	Sell(ctx context.Context, req execution.SellRequest) (*types.Order, error)
	ExitPosition(ctx context.Context, positionID, reason string) (*types.Order, error)
	OpenPositionFor(strategyID string, token common.Address) (*types.Position, bool)
	Orders() []*types.Order
	Positions() []*types.Position
}

// BalanceSource reads native balances for percent-sized buys
type BalanceSource interface {
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
}

// ReceiptSource reads receipts of observed liquidity transactions
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
}

// PairSource reads reserves for limit orders
type PairSource interface {
	Pair(ctx context.Context, pair common.Address) (dex.PairState, error)
}

// WhaleScorer receives outcomes of copied trades
type WhaleScorer interface {
	RecordOutcome(addr common.Address, returnPct float64)
}

// RiskStateStore carries the circuit breaker across restarts; *execution.Reconciler satisfies it
type RiskStateStore interface {
	SaveRiskState(dailyPnL decimal.Decimal, tripped bool, reason string) error
	LoadRiskState() (*execution.RiskState, error)
}

// ErrStrategyDisabled rejects manual buys on disabled strategies
var ErrStrategyDisabled = errors.New("strategy disabled")

// Config for the engine
type Config struct {
	DedupSize     int
	EventQueue    int
	NoticeQueue   int
	LiquidityWait time.Duration // bound on waiting for a pending liquidity tx
	LiquidityPoll time.Duration
	AnalysisTime  time.Duration
	SnipeTimeout  time.Duration
	LimitInterval time.Duration
	SweepInterval time.Duration // pruning of per-position bookkeeping
	RPCTimeout    time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DedupSize:     10_000,
		EventQueue:    1024,
		NoticeQueue:   1024,
		LiquidityWait: 60 * time.Second,
		LiquidityPoll: time.Second,
		AnalysisTime:  15 * time.Second,
		SnipeTimeout:  5 * time.Minute,
		LimitInterval: 3 * time.Second,
		SweepInterval: 5 * time.Minute,
		RPCTimeout:    10 * time.Second,
	}
}

// Deps are the engine's collaborators. Breaker, RiskState, Balances,
// Receipts, Pairs, Whales and Clock are optional.
type Deps struct {
	Strategies *strategy.Registry
	Registry   *dex.Registry
	Analyzer   Analyzer
	Trader     Trader
	Pool       *workerpool.Pool
	Events     *Bus[types.MarketEvent]
	Notices    *Bus[types.Notice]
	Breaker    *risk.CircuitBreaker
	RiskState  RiskStateStore
	Balances   BalanceSource
	Receipts   ReceiptSource
	Pairs      PairSource
	Whales     WhaleScorer
	Clock      clock.Clock
}

type Engine struct {
	cfg        Config
	strategies *strategy.Registry
	registry   *dex.Registry
	analyzer   Analyzer
	trader     Trader
	pool       *workerpool.Pool
	events     *Bus[types.MarketEvent]
	notices    *Bus[types.Notice]
	breaker    *risk.CircuitBreaker
	riskState  RiskStateStore
	balances   BalanceSource
	receipts   ReceiptSource
	pairs      PairSource
	whales     WhaleScorer
	clock      clock.Clock

	dedup  *Dedup
	guard  *Guard
	stats  *StatsTracker
	paused atomic.Bool

	eventCh  <-chan types.MarketEvent
	noticeCh <-chan types.Notice

	copyMu     sync.Mutex
	copiedFrom map[string]common.Address // position → whale it copied

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	jobs    sync.WaitGroup // snipe and copy-exit jobs
}

// NewEngine wires the orchestrator and subscribes it to both buses
func NewEngine(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = def.DedupSize
	}
	if cfg.EventQueue <= 0 {
		cfg.EventQueue = def.EventQueue
	}
	if cfg.NoticeQueue <= 0 {
		cfg.NoticeQueue = def.NoticeQueue
	}
	if cfg.LiquidityWait <= 0 {
		cfg.LiquidityWait = def.LiquidityWait
	}
	if cfg.LiquidityPoll <= 0 {
		cfg.LiquidityPoll = def.LiquidityPoll
	}
	if cfg.AnalysisTime <= 0 {
		cfg.AnalysisTime = def.AnalysisTime
	}
	if cfg.SnipeTimeout <= 0 {
		cfg.SnipeTimeout = def.SnipeTimeout
	}
	if cfg.LimitInterval <= 0 {
		cfg.LimitInterval = def.LimitInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = def.RPCTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}

	e := &Engine{
		cfg:        cfg,
		strategies: deps.Strategies,
		registry:   deps.Registry,
		analyzer:   deps.Analyzer,
		trader:     deps.Trader,
		pool:       deps.Pool,
		events:     deps.Events,
		notices:    deps.Notices,
		breaker:    deps.Breaker,
		riskState:  deps.RiskState,
		balances:   deps.Balances,
		receipts:   deps.Receipts,
		pairs:      deps.Pairs,
		whales:     deps.Whales,
		clock:      deps.Clock,
		dedup:      NewDedup(cfg.DedupSize),
		guard:      NewGuard(),
		stats:      NewStatsTracker(),
		copiedFrom: make(map[string]common.Address),
	}
	if e.events != nil {
		e.eventCh = e.events.Subscribe("orchestrator", cfg.EventQueue)
	}
	if e.notices != nil {
		e.noticeCh = e.notices.Subscribe("stats", cfg.NoticeQueue)
	}
	if e.breaker != nil {
		e.breaker.OnTrip(e.onTrip)
	}
	return e
}

// Start begins dispatching events
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.restoreRiskState()
	e.stats.Baseline(e.trader.Positions())
	for _, cfg := range e.strategies.OfType(types.StrategyCopyTrade) {
		e.follow(cfg)
	}

	e.wg.Add(4)
	go e.dispatchLoop(ctx)
	go e.noticeLoop(ctx)
	go e.limitLoop(ctx)
	go e.sweepLoop(ctx)

	log.Info().
		Int("strategies", len(e.strategies.Enabled())).
		Msg("⚡ Engine started")
}

// Stop halts dispatch and waits for running jobs
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.jobs.Wait()
	e.saveRiskState()
	log.Info().Msg("Engine stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// DISPATCH
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.eventCh:
			if !ok {
				return
			}
			if err := e.dispatch(ev); err != nil {
				log.Warn().Err(err).Msg("⚠️ Event rejected")
			}
		}
	}
}

type trigger struct {
	kind        string
	key         string
	liquidityTx common.Hash
	whale       common.Address
}

// dispatch routes one event without blocking: dedup, match, guard, enqueue
func (e *Engine) dispatch(ev types.MarketEvent) error {
	kind := eventType(ev)
	if kind == "" {
		return fmt.Errorf("%T: %w", ev, types.ErrUnknownEvent)
	}
	EventsProcessed.WithLabelValues(kind).Inc()

	key := ev.Key()
	if e.dedup.Seen(key) {
		e.stats.AddDuplicate()
		DuplicatesDropped.Inc()
		log.Debug().Str("key", key).Str("type", kind).Msg("Duplicate event dropped")
		return nil
	}

	trig := trigger{kind: kind, key: key}
	switch ev := ev.(type) {
	case types.NewPair:
	case types.PendingLiquidityAdd:
		trig.liquidityTx = ev.TxHash
	case types.WhaleTrade:
		trig.whale = ev.Wallet
		if ev.Side == types.SideSell {
			e.copyExit(ev)
			return nil
		}
	}

	if !e.accepting() {
		return nil
	}
	base := e.registry.Base()
	for _, cfg := range e.strategies.Enabled() {
		target, ok := strategy.Matches(cfg, ev, base)
		if !ok {
			continue
		}
		e.launch(cfg, target, trig)
	}
	return nil
}

func eventType(ev types.MarketEvent) string {
	switch ev.(type) {
	case types.NewPair:
		return "new_pair"
	case types.PendingLiquidityAdd:
		return "pending_liquidity_add"
	case types.WhaleTrade:
		return "whale_trade"
	default:
		return ""
	}
}

// accepting reports whether new snipes may start
func (e *Engine) accepting() bool {
	if e.paused.Load() {
		return false
	}
	if e.breaker != nil && !e.breaker.Allow() {
		return false
	}
	return true
}

// launch claims the (token, strategy) guard and hands the snipe to the pool
func (e *Engine) launch(cfg *types.StrategyConfig, t strategy.Target, trig trigger) bool {
	if _, open := e.trader.OpenPositionFor(cfg.ID, t.Token); open {
		log.Debug().Str("strategy", cfg.ID).Str("token", t.Token.Hex()).Msg("Position already open, skipping")
		return false
	}
	if !e.guard.TryAcquire(t.Token, cfg.ID) {
		log.Debug().Str("strategy", cfg.ID).Str("token", t.Token.Hex()).Msg("Buy already in flight, skipping")
		return false
	}
	InFlight.Inc()

	log.Info().
		Str("strategy", cfg.Name).
		Str("token", t.Token.Hex()).
		Str("pair", t.Pair.Hex()).
		Str("trigger", trig.kind).
		Msg("🎯 SNIPE DETECTED")
	e.publish(types.SnipeDetected{
		StrategyID: cfg.ID,
		Token:      t.Token,
		Pair:       t.Pair,
		EventKey:   trig.key,
		At:         e.clock.Now(),
	})

	e.jobs.Add(1)
	err := e.pool.TrySubmit(func(ctx context.Context) {
		defer e.jobs.Done()
		defer e.release(t.Token, cfg.ID)
		e.snipe(ctx, cfg, t, trig)
	})
	if err != nil {
		e.jobs.Done()
		e.release(t.Token, cfg.ID)
		QueueDrops.WithLabelValues("snipe").Inc()
		e.publish(types.SnipeFailed{StrategyID: cfg.ID, Token: t.Token, Reason: err.Error(), At: e.clock.Now()})
		log.Warn().Err(err).Str("strategy", cfg.ID).Msg("⚠️ Snipe dropped")
		return false
	}
	return true
}

func (e *Engine) release(token common.Address, strategyID string) {
	e.guard.Release(token, strategyID)
	InFlight.Dec()
}

// copyExit sells our copies of a token when a followed whale sells it
func (e *Engine) copyExit(ev types.WhaleTrade) {
	for _, cfg := range e.strategies.OfType(types.StrategyCopyTrade) {
		if !strategy.CopiesWallet(cfg, ev.Wallet) {
			continue
		}
		pos, open := e.trader.OpenPositionFor(cfg.ID, ev.Token)
		if !open {
			continue
		}
		posID := pos.ID
		log.Info().
			Str("strategy", cfg.Name).
			Str("whale", ev.Wallet.Hex()).
			Str("position", posID).
			Msg("🐋 Whale sold, exiting copy")

		e.jobs.Add(1)
		err := e.pool.TrySubmit(func(ctx context.Context) {
			defer e.jobs.Done()
			if _, err := e.trader.ExitPosition(ctx, posID, risk.ReasonCopyExit); err != nil {
				if errors.Is(err, types.ErrInFlight) {
					log.Debug().Str("position", posID).Msg("Exit already in flight")
					return
				}
				log.Error().Err(err).Str("position", posID).Msg("❌ Copy exit failed")
			}
		})
		if err != nil {
			e.jobs.Done()
			QueueDrops.WithLabelValues("copy_exit").Inc()
			log.Warn().Err(err).Str("position", posID).Msg("⚠️ Copy exit dropped")
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTICES - stats, metrics, breaker, whale scores
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) noticeLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-e.noticeCh:
			if !ok {
				return
			}
			e.observe(n)
		}
	}
}

func (e *Engine) observe(n types.Notice) {
	delta := e.stats.Apply(n)

	switch n := n.(type) {
	case types.OrderFinalized:
		observeOrder(n.Order)
	case types.PositionChanged:
		if !delta.IsZero() && e.breaker != nil {
			e.breaker.RecordPnL(delta)
			e.saveRiskState()
		}
		if n.Position != nil && n.Position.Status == types.PositionClosed {
			e.scoreCopy(n.Position)
		}
	}
}

func (e *Engine) scoreCopy(pos *types.Position) {
	e.copyMu.Lock()
	whale, ok := e.copiedFrom[pos.ID]
	delete(e.copiedFrom, pos.ID)
	e.copyMu.Unlock()
	if !ok || e.whales == nil || pos.TotalCost == nil || pos.TotalCost.IsZero() {
		return
	}
	ret, _ := pos.RealizedPnL.Div(types.ToDecimal(pos.TotalCost)).Float64()
	e.whales.RecordOutcome(whale, ret)
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep drops bookkeeping for positions the trader no longer knows and scores
// copies whose position closed without the engine seeing it. A closed
// position keeps its realized entry: its final notice may still be queued.
func (e *Engine) sweep() int {
	known := make(map[string]*types.Position)
	for _, p := range e.trader.Positions() {
		if p != nil {
			known[p.ID] = p
		}
	}
	dropped := e.stats.Prune(func(id string) bool {
		_, ok := known[id]
		return ok
	})

	var settle []*types.Position
	e.copyMu.Lock()
	for id := range e.copiedFrom {
		p, ok := known[id]
		switch {
		case !ok:
			delete(e.copiedFrom, id)
			dropped++
		case p.Status == types.PositionClosed:
			settle = append(settle, p)
		}
	}
	e.copyMu.Unlock()
	for _, p := range settle {
		e.scoreCopy(p)
	}

	if n := dropped + len(settle); n > 0 {
		log.Debug().Int("dropped", dropped).Int("settled", len(settle)).Msg("🧹 Swept position bookkeeping")
		return n
	}
	return 0
}

// walletTracker is implemented by whale trackers that follow wallets on demand
type walletTracker interface {
	Track(addr common.Address, label string)
}

// follow makes sure every wallet a copy strategy mirrors is being watched
func (e *Engine) follow(cfg *types.StrategyConfig) {
	t, ok := e.whales.(walletTracker)
	if !ok || cfg == nil || cfg.Type != types.StrategyCopyTrade {
		return
	}
	for _, w := range cfg.CopyWallets {
		t.Track(w, cfg.Name)
	}
}

func (e *Engine) publish(n types.Notice) {
	if e.notices != nil {
		e.notices.Publish(n)
	}
}

func (e *Engine) alert(sev types.Severity, kind types.AlertKind, token common.Address, msg string) {
	e.publish(types.Alert{Severity: sev, Kind: kind, Message: msg, Token: token, At: e.clock.Now()})
}

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER STATE
// ═══════════════════════════════════════════════════════════════════════════════

// onTrip can fire on the notice loop itself (daily loss), so the alert must
// not wait for room in the loop's own queue
func (e *Engine) onTrip(reason string) {
	log.Error().Str("reason", reason).Msg("🛑 Circuit breaker tripped, new snipes halted")
	if e.notices != nil {
		a := types.Alert{Severity: types.SeverityCritical, Kind: types.AlertCircuitTripped, Message: reason, At: e.clock.Now()}
		if missed := e.notices.TryPublish(a); missed > 0 {
			log.Warn().Int("subscribers", missed).Msg("⚠️ Circuit breaker alert skipped full queues")
		}
	}
	e.saveRiskState()
}

func (e *Engine) restoreRiskState() {
	if e.breaker == nil || e.riskState == nil {
		return
	}
	st, err := e.riskState.LoadRiskState()
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Failed to load risk state")
		return
	}
	if st == nil {
		return
	}
	e.breaker.Restore(st.DailyPnL, st.Tripped, st.Reason)
	log.Info().
		Str("daily_pnl_eth", st.DailyPnL.Shift(-18).StringFixed(6)).
		Bool("tripped", st.Tripped).
		Msg("📥 Risk state restored")
}

func (e *Engine) saveRiskState() {
	if e.breaker == nil || e.riskState == nil {
		return
	}
	if err := e.riskState.SaveRiskState(e.breaker.DailyPnL(), e.breaker.IsTripped(), e.breaker.Reason()); err != nil {
		log.Warn().Err(err).Msg("⚠️ Failed to save risk state")
	}
}
