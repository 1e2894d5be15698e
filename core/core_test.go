package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/dex"
	"github.com/web3guy0/chainsniper/execution"
	"github.com/web3guy0/chainsniper/internal/clock"
	"github.com/web3guy0/chainsniper/internal/workerpool"
	"github.com/web3guy0/chainsniper/risk"
	"github.com/web3guy0/chainsniper/strategy"
	"github.com/web3guy0/chainsniper/types"
)

var (
	base   = dex.MainnetWETH
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenB = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	wallet = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	whale  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	tenth  = uint256.NewInt(100_000_000_000_000_000)
)

// ═══════════════════════════════════════════════════════════════════════════════
// FAKES
// ═══════════════════════════════════════════════════════════════════════════════

type fakeAnalyzer struct {
	mu          sync.Mutex
	assessments map[common.Address]*types.RiskAssessment
	calls       int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, req risk.Request) (*types.RiskAssessment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	ra, ok := f.assessments[req.Token]
	if !ok {
		return nil, fmt.Errorf("no assessment for %s", req.Token.Hex())
	}
	out := *ra
	out.Token = req.Token
	out.Pair = req.Pair
	return &out, nil
}

func safe() *types.RiskAssessment {
	return &types.RiskAssessment{
		Score:        10,
		Level:        types.RiskSafe,
		BuyTax:       decimal.NewFromFloat(0.02),
		SellTax:      decimal.NewFromFloat(0.03),
		LiquidityUSD: decimal.NewFromInt(50_000),
	}
}

type fakeTrader struct {
	mu       sync.Mutex
	buys     []execution.BuyRequest
	exits    []string
	open     map[string]*types.Position // strategy|token → position
	known    []*types.Position
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	fail     error
}

func newFakeTrader() *fakeTrader {
	return &fakeTrader{open: make(map[string]*types.Position)}
}

func openKey(strategyID string, token common.Address) string {
	return strategyID + "|" + token.Hex()
}

func (f *fakeTrader) Buy(_ context.Context, req execution.BuyRequest) (*types.Order, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.buys = append(f.buys, req)
	o := &types.Order{
		ID:         req.OrderID,
		StrategyID: req.StrategyID,
		Token:      req.Token,
		Side:       types.SideBuy,
		AmountIn:   new(uint256.Int).Set(req.AmountIn),
		Status:     types.OrderConfirmed,
		Latency:    time.Second,
		PositionID: "pos-" + req.OrderID,
	}
	if f.fail != nil {
		o.Status = types.OrderFailed
		o.PositionID = ""
		return o, f.fail
	}
	f.open[openKey(req.StrategyID, req.Token)] = &types.Position{ID: o.PositionID, StrategyID: req.StrategyID, Token: req.Token}
	return o, nil
}

func (f *fakeTrader) Sell(_ context.Context, req execution.SellRequest) (*types.Order, error) {
	return &types.Order{ID: "sell", Side: types.SideSell, Status: types.OrderConfirmed, PositionID: req.PositionID}, nil
}

func (f *fakeTrader) ExitPosition(ctx context.Context, id, reason string) (*types.Order, error) {
	f.mu.Lock()
	f.exits = append(f.exits, id)
	f.mu.Unlock()
	return f.Sell(ctx, execution.SellRequest{PositionID: id, Reason: reason})
}

func (f *fakeTrader) OpenPositionFor(strategyID string, token common.Address) (*types.Position, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.open[openKey(strategyID, token)]
	return p, ok
}

func (f *fakeTrader) Orders() []*types.Order { return nil }
func (f *fakeTrader) Positions() []*types.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Position(nil), f.known...)
}

func (f *fakeTrader) buyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buys)
}

type fakePairs struct {
	state dex.PairState
}

func (f fakePairs) Pair(context.Context, common.Address) (dex.PairState, error) {
	return f.state, nil
}

type fakeBalances struct{ wei *big.Int }

func (f fakeBalances) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.wei, nil
}

// fakeReceipts reports every liquidity transaction as mined and runs onPoll
// before answering
type fakeReceipts struct {
	onPoll func()
	polls  atomic.Int32
}

func (f *fakeReceipts) TransactionReceipt(context.Context, common.Hash) (*ethtypes.Receipt, error) {
	if f.polls.Add(1) == 1 && f.onPoll != nil {
		f.onPoll()
	}
	return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful}, nil
}

type harness struct {
	engine   *Engine
	analyzer *fakeAnalyzer
	trader   *fakeTrader
	notices  <-chan types.Notice
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	return newHarnessConfig(t, Config{}, mutate)
}

func newHarnessConfig(t *testing.T, cfg Config, mutate func(*Deps)) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	strategies := strategy.NewRegistry(strategy.Environment{
		HasWallet: func(common.Address) bool { return true },
	}, nil, clk)
	pool := workerpool.New("test", 8, 256)
	events := NewBus[types.MarketEvent]("events", Block)
	notices := NewBus[types.Notice]("notices", Block)
	t.Cleanup(func() {
		pool.Stop()
		events.Close()
		notices.Close()
	})

	h := &harness{
		analyzer: &fakeAnalyzer{assessments: map[common.Address]*types.RiskAssessment{tokenA: safe(), tokenB: safe()}},
		trader:   newFakeTrader(),
	}
	deps := Deps{
		Strategies: strategies,
		Registry:   dex.NewRegistry(base, dex.UniswapV2),
		Analyzer:   h.analyzer,
		Trader:     h.trader,
		Pool:       pool,
		Events:     events,
		Notices:    notices,
		Clock:      clk,
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.notices = notices.Subscribe("test", 1024)
	h.engine = NewEngine(cfg, deps)
	return h
}

func (h *harness) addStrategy(t *testing.T, mutate func(*types.StrategyConfig)) *types.StrategyConfig {
	t.Helper()
	cfg := &types.StrategyConfig{
		Name:    "launch",
		Type:    types.StrategyLiquidityLaunch,
		Wallets: []common.Address{wallet},
		Amount:  types.AmountPolicy{Mode: types.AmountFixed, Fixed: tenth},
		Exit: types.ExitPolicy{
			TakeProfits: []types.TakeProfitTier{{GainPct: decimal.NewFromFloat(0.5), SellPct: decimal.NewFromInt(1)}},
		},
		Enabled: true,
	}
	if mutate != nil {
		mutate(cfg)
	}
	out, err := h.engine.CreateStrategy(cfg)
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	return out
}

// drain collects notices published so far
func (h *harness) drain() []types.Notice {
	var out []types.Notice
	for {
		select {
		case n := <-h.notices:
			out = append(out, n)
		default:
			return out
		}
	}
}

func countAlerts(ns []types.Notice, kind types.AlertKind) int {
	c := 0
	for _, n := range ns {
		if a, ok := n.(types.Alert); ok && a.Kind == kind {
			c++
		}
	}
	return c
}

func countTopic(ns []types.Notice, topic string) int {
	c := 0
	for _, n := range ns {
		if n.Topic() == topic {
			c++
		}
	}
	return c
}

func newPair(token common.Address, tx byte) types.NewPair {
	return types.NewPair{
		EventMeta: types.EventMeta{ChainID: 1, BlockNumber: 100, TxHash: common.Hash{tx}},
		DEX:       dex.UniswapV2.Name,
		Pair:      dex.PairFor(dex.UniswapV2, base, token),
		Token0:    token,
		Token1:    base,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// TESTS
// ═══════════════════════════════════════════════════════════════════════════════

func TestSafeLaunchBuysConfiguredAmount(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.addStrategy(t, nil)

	if err := h.engine.dispatch(newPair(tokenA, 1)); err != nil {
		t.Fatal(err)
	}
	h.engine.jobs.Wait()

	if n := h.trader.buyCount(); n != 1 {
		t.Fatalf("buys = %d, want 1", n)
	}
	req := h.trader.buys[0]
	if !req.AmountIn.Eq(tenth) || req.StrategyID != cfg.ID || req.Risk == nil || req.Risk.Level != types.RiskSafe {
		t.Errorf("unexpected buy request %+v", req)
	}
	ns := h.drain()
	for _, topic := range []string{types.TopicSnipeDetected, types.TopicSnipeExecuting, types.TopicSnipeSuccess} {
		if c := countTopic(ns, topic); c != 1 {
			t.Errorf("%s notices = %d, want 1", topic, c)
		}
	}
	if h.engine.guard.Len() != 0 {
		t.Error("guard not released after terminal order")
	}
}

func TestHoneypotNeverBought(t *testing.T) {
	h := newHarness(t, nil)
	h.addStrategy(t, nil)
	h.analyzer.assessments[tokenA] = &types.RiskAssessment{Score: 100, Level: types.RiskHoneypot, Issues: []string{risk.IssueSellReverted}}

	h.engine.dispatch(newPair(tokenA, 1))
	h.engine.jobs.Wait()

	if n := h.trader.buyCount(); n != 0 {
		t.Fatalf("honeypot bought %d times", n)
	}
	ns := h.drain()
	if countAlerts(ns, types.AlertHoneypotDetected) != 1 {
		t.Error("expected one honeypot_detected alert")
	}
	if countTopic(ns, types.TopicSnipeExecuting) != 0 {
		t.Error("blocked snipe must not reach execution")
	}
}

func TestCriticalBlockedEvenWithoutSafety(t *testing.T) {
	h := newHarness(t, nil)
	h.addStrategy(t, nil)
	h.analyzer.assessments[tokenA] = &types.RiskAssessment{Score: 90, Level: types.RiskCritical, Issues: []string{risk.IssueLowLiquidity}}

	h.engine.dispatch(newPair(tokenA, 1))
	h.engine.jobs.Wait()

	if n := h.trader.buyCount(); n != 0 {
		t.Fatalf("critical token bought %d times", n)
	}
	if countAlerts(h.drain(), types.AlertRiskBlocked) != 1 {
		t.Error("expected risk_blocked alert")
	}
}

func TestBypassRiskSkipsAnalysis(t *testing.T) {
	h := newHarness(t, nil)
	h.addStrategy(t, func(c *types.StrategyConfig) { c.BypassRisk = true })
	h.analyzer.assessments[tokenA] = &types.RiskAssessment{Level: types.RiskHoneypot}

	h.engine.dispatch(newPair(tokenA, 1))
	h.engine.jobs.Wait()

	if h.trader.buyCount() != 1 || h.analyzer.calls != 0 {
		t.Errorf("buys = %d analyzer calls = %d, want 1 and 0", h.trader.buyCount(), h.analyzer.calls)
	}
}

func TestSafetyThresholds(t *testing.T) {
	tests := []struct {
		name    string
		safety  types.SafetyThresholds
		sellTax float64
		buys    int
	}{
		{"sell tax above max blocks", types.SafetyThresholds{Enabled: true, MaxSellTax: decimal.NewFromFloat(0.10)}, 0.25, 0},
		{"sell tax below max buys", types.SafetyThresholds{Enabled: true, MaxSellTax: decimal.NewFromFloat(0.10)}, 0.03, 1},
		{"thresholds disabled", types.SafetyThresholds{Enabled: false, MaxSellTax: decimal.NewFromFloat(0.10)}, 0.25, 1},
		{"liquidity floor", types.SafetyThresholds{Enabled: true, MinLiquidityUSD: decimal.NewFromInt(100_000)}, 0.03, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.addStrategy(t, func(c *types.StrategyConfig) { c.Safety = tt.safety })
			ra := safe()
			ra.SellTax = decimal.NewFromFloat(tt.sellTax)
			h.analyzer.assessments[tokenA] = ra

			h.engine.dispatch(newPair(tokenA, 1))
			h.engine.jobs.Wait()

			if n := h.trader.buyCount(); n != tt.buys {
				t.Fatalf("buys = %d, want %d", n, tt.buys)
			}
			if tt.buys == 0 && countAlerts(h.drain(), types.AlertRiskBlocked) != 1 {
				t.Error("expected risk_blocked alert")
			}
		})
	}
}

func TestConcurrentDuplicateNewPairsYieldOneOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.addStrategy(t, nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.engine.dispatch(newPair(tokenA, byte(i)))
		}(i)
	}
	wg.Wait()
	h.engine.jobs.Wait()

	if got := h.trader.buyCount(); got != 1 {
		t.Fatalf("buys = %d, want 1", got)
	}
	if m := h.trader.maxSeen.Load(); m > 1 {
		t.Errorf("%d buys ran concurrently", m)
	}
	if d := h.engine.Stats().Duplicates; d != n-1 {
		t.Errorf("duplicates = %d, want %d", d, n-1)
	}
}

func TestDuplicatePendingLiquidityAddYieldsOneOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.addStrategy(t, nil)
	pair := dex.PairFor(dex.UniswapV2, base, tokenA)
	mk := func(tx byte) types.PendingLiquidityAdd {
		return types.PendingLiquidityAdd{
			EventMeta: types.EventMeta{ChainID: 1, TxHash: common.Hash{tx}},
			DEX:       dex.UniswapV2.Name,
			Pair:      pair,
			Token:     tokenA,
			Base:      base,
		}
	}

	var wg sync.WaitGroup
	for _, tx := range []byte{1, 2} {
		wg.Add(1)
		go func(tx byte) {
			defer wg.Done()
			h.engine.dispatch(mk(tx))
		}(tx)
	}
	wg.Wait()
	h.engine.jobs.Wait()

	if got := h.trader.buyCount(); got != 1 {
		t.Fatalf("buys = %d, want 1", got)
	}
	if d := h.engine.Stats().Duplicates; d != 1 {
		t.Errorf("duplicates = %d, want 1", d)
	}
}

func TestGuardSerializesPerTokenAndStrategy(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.addStrategy(t, nil)

	if !h.engine.guard.TryAcquire(tokenA, cfg.ID) {
		t.Fatal("fresh guard should be free")
	}
	if _, err := h.engine.BuyNow(context.Background(), cfg.ID, tokenA, nil); !errors.Is(err, types.ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	// other tokens are independent
	if _, err := h.engine.BuyNow(context.Background(), cfg.ID, tokenB, nil); err != nil {
		t.Fatalf("buy of another token: %v", err)
	}
	h.engine.guard.Release(tokenA, cfg.ID)
	if _, err := h.engine.BuyNow(context.Background(), cfg.ID, tokenA, uint256.NewInt(5)); err != nil {
		t.Fatalf("buy after release: %v", err)
	}
	if got := h.trader.buys[1].AmountIn.Uint64(); got != 5 {
		t.Errorf("manual amount override = %d, want 5", got)
	}
}

func TestPausedEngineStartsNoSnipes(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.addStrategy(t, nil)
	h.engine.Pause()

	h.engine.dispatch(newPair(tokenA, 1))
	h.engine.jobs.Wait()
	if h.trader.buyCount() != 0 {
		t.Fatal("paused engine bought")
	}
	if _, err := h.engine.BuyNow(context.Background(), cfg.ID, tokenA, nil); !errors.Is(err, types.ErrPaused) {
		t.Errorf("expected ErrPaused, got %v", err)
	}

	h.engine.Resume()
	h.engine.dispatch(newPair(tokenB, 2))
	h.engine.jobs.Wait()
	if h.trader.buyCount() != 1 {
		t.Error("resumed engine should buy")
	}
}

func TestDisabledStrategyStopsNewOrders(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.addStrategy(t, nil)
	if _, err := h.engine.DisableStrategy(cfg.ID); err != nil {
		t.Fatal(err)
	}

	h.engine.dispatch(newPair(tokenA, 1))
	h.engine.jobs.Wait()
	if h.trader.buyCount() != 0 {
		t.Fatal("disabled strategy bought")
	}
	if _, err := h.engine.BuyNow(context.Background(), cfg.ID, tokenA, nil); !errors.Is(err, ErrStrategyDisabled) {
		t.Errorf("expected ErrStrategyDisabled, got %v", err)
	}
}

func TestStateChangeWhileWaitingForLiquidityBlocksBuy(t *testing.T) {
	tests := []struct {
		name   string
		change func(h *harness, cfg *types.StrategyConfig, breaker *risk.CircuitBreaker)
		want   error
	}{
		{"strategy disabled", func(h *harness, cfg *types.StrategyConfig, _ *risk.CircuitBreaker) {
			if _, err := h.engine.DisableStrategy(cfg.ID); err != nil {
				t.Error(err)
			}
		}, ErrStrategyDisabled},
		{"engine paused", func(h *harness, _ *types.StrategyConfig, _ *risk.CircuitBreaker) {
			h.engine.Pause()
		}, types.ErrPaused},
		{"breaker tripped", func(_ *harness, _ *types.StrategyConfig, b *risk.CircuitBreaker) {
			b.RecordFailure()
		}, types.ErrBreakerTripped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receipts := &fakeReceipts{}
			breaker := risk.NewCircuitBreaker(1, decimal.Zero, time.Hour, clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
			h := newHarness(t, func(d *Deps) {
				d.Receipts = receipts
				d.Breaker = breaker
			})
			cfg := h.addStrategy(t, nil)
			receipts.onPoll = func() { tt.change(h, cfg, breaker) }

			ev := types.PendingLiquidityAdd{
				EventMeta: types.EventMeta{ChainID: 1, TxHash: common.Hash{7}},
				DEX:       dex.UniswapV2.Name,
				Pair:      dex.PairFor(dex.UniswapV2, base, tokenA),
				Token:     tokenA,
				Base:      base,
			}
			if err := h.engine.dispatch(ev); err != nil {
				t.Fatal(err)
			}
			h.engine.jobs.Wait()

			if n := h.trader.buyCount(); n != 0 {
				t.Fatalf("buys = %d, want 0", n)
			}
			ns := h.drain()
			if countTopic(ns, types.TopicSnipeExecuting) != 0 {
				t.Error("blocked snipe reached execution")
			}
			var failed *types.SnipeFailed
			for _, n := range ns {
				if f, ok := n.(types.SnipeFailed); ok {
					failed = &f
				}
			}
			if failed == nil || !strings.Contains(failed.Reason, tt.want.Error()) {
				t.Errorf("snipe:failed = %+v, want reason containing %q", failed, tt.want)
			}
			if h.engine.guard.Len() != 0 {
				t.Error("guard not released")
			}
		})
	}
}

func TestManualBuyRespectsTrippedBreaker(t *testing.T) {
	breaker := risk.NewCircuitBreaker(1, decimal.Zero, time.Hour, clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	h := newHarness(t, func(d *Deps) { d.Breaker = breaker })
	cfg := h.addStrategy(t, nil)
	breaker.RecordFailure()

	if _, err := h.engine.BuyNow(context.Background(), cfg.ID, tokenA, nil); !errors.Is(err, types.ErrBreakerTripped) {
		t.Fatalf("expected ErrBreakerTripped, got %v", err)
	}
	if h.trader.buyCount() != 0 {
		t.Error("manual buy went through a tripped breaker")
	}
}

func TestBreakerTripOnNoticeLoopDoesNotBlock(t *testing.T) {
	breaker := risk.NewCircuitBreaker(0, decimal.NewFromInt(1), time.Hour, clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	h := newHarnessConfig(t, Config{NoticeQueue: 1}, func(d *Deps) { d.Breaker = breaker })

	// the engine's own queue is now full and nothing drains it
	h.engine.publish(types.Alert{Severity: types.SeverityInfo, Kind: types.AlertSnipeSuccess})

	done := make(chan struct{})
	go func() {
		h.engine.observe(types.PositionChanged{
			Position: &types.Position{ID: "p1", Status: types.PositionClosed, RealizedPnL: decimal.NewFromInt(-10)},
			Realized: true,
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notice loop blocked publishing into its own full queue")
	}

	if !breaker.IsTripped() {
		t.Fatal("daily loss should trip the breaker")
	}
	if countAlerts(h.drain(), types.AlertCircuitTripped) != 1 {
		t.Error("other subscribers should still get circuit_tripped")
	}
}

func TestFailedOrderPublishesSnipeFailedAndFeedsBreaker(t *testing.T) {
	breaker := risk.NewCircuitBreaker(2, decimal.Zero, time.Hour, clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	h := newHarness(t, func(d *Deps) { d.Breaker = breaker })
	h.addStrategy(t, nil)
	h.trader.fail = fmt.Errorf("%w: rpc down", types.ErrNetwork)

	h.engine.dispatch(newPair(tokenA, 1))
	h.engine.jobs.Wait()
	h.engine.dispatch(newPair(tokenB, 2))
	h.engine.jobs.Wait()

	ns := h.drain()
	if c := countTopic(ns, types.TopicSnipeFailed); c != 2 {
		t.Errorf("snipe:failed = %d, want 2", c)
	}
	if countAlerts(ns, types.AlertCircuitTripped) != 1 {
		t.Error("expected circuit_tripped alert after two failures")
	}
	if !breaker.IsTripped() || h.engine.accepting() {
		t.Error("tripped breaker should stop new snipes")
	}
}

func TestWhaleCopyBuyAndExit(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.addStrategy(t, func(c *types.StrategyConfig) {
		c.Type = types.StrategyCopyTrade
		c.CopyWallets = []common.Address{whale}
		c.MinWhaleScore = 60
	})
	meta := types.EventMeta{ChainID: 1}

	meta.TxHash = common.Hash{1}
	h.engine.dispatch(types.WhaleTrade{EventMeta: meta, Wallet: whale, Token: tokenA, Side: types.SideBuy, Score: 40})
	h.engine.jobs.Wait()
	if h.trader.buyCount() != 0 {
		t.Fatal("copied a whale below the score floor")
	}

	meta.TxHash = common.Hash{2}
	h.engine.dispatch(types.WhaleTrade{EventMeta: meta, Wallet: whale, Token: tokenA, Side: types.SideBuy, Score: 80})
	h.engine.jobs.Wait()
	if h.trader.buyCount() != 1 {
		t.Fatal("expected one copy buy")
	}
	pos, ok := h.trader.OpenPositionFor(cfg.ID, tokenA)
	if !ok {
		t.Fatal("copy position not open")
	}
	h.engine.copyMu.Lock()
	copied := h.engine.copiedFrom[pos.ID]
	h.engine.copyMu.Unlock()
	if copied != whale {
		t.Errorf("copied from %s, want %s", copied.Hex(), whale.Hex())
	}

	meta.TxHash = common.Hash{3}
	h.engine.dispatch(types.WhaleTrade{EventMeta: meta, Wallet: whale, Token: tokenA, Side: types.SideSell, Score: 80})
	h.engine.jobs.Wait()
	if len(h.trader.exits) != 1 || h.trader.exits[0] != pos.ID {
		t.Errorf("exits = %v, want [%s]", h.trader.exits, pos.ID)
	}
}

type fakeWhales struct {
	mu       sync.Mutex
	tracked  map[common.Address]string
	outcomes map[common.Address]float64
	scored   int
}

func (f *fakeWhales) Track(addr common.Address, label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked[addr] = label
}

func (f *fakeWhales) RecordOutcome(addr common.Address, ret float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[addr] = ret
	f.scored++
}

func TestCopyStrategyFollowsWalletAndScoresOutcome(t *testing.T) {
	whales := &fakeWhales{tracked: map[common.Address]string{}, outcomes: map[common.Address]float64{}}
	h := newHarness(t, func(d *Deps) { d.Whales = whales })
	cfg := h.addStrategy(t, func(c *types.StrategyConfig) {
		c.Name = "mirror"
		c.Type = types.StrategyCopyTrade
		c.CopyWallets = []common.Address{whale}
	})
	if label, ok := whales.tracked[whale]; !ok || label != "mirror" {
		t.Fatalf("tracked = %v, want whale labelled mirror", whales.tracked)
	}

	meta := types.EventMeta{ChainID: 1, TxHash: common.Hash{9}}
	h.engine.dispatch(types.WhaleTrade{EventMeta: meta, Wallet: whale, Token: tokenA, Side: types.SideBuy, Score: 90})
	h.engine.jobs.Wait()
	pos, ok := h.trader.OpenPositionFor(cfg.ID, tokenA)
	if !ok {
		t.Fatal("copy position not open")
	}

	closed := &types.Position{
		ID:          pos.ID,
		Status:      types.PositionClosed,
		TotalCost:   uint256.NewInt(1000),
		RealizedPnL: decimal.NewFromInt(250),
	}
	h.engine.observe(types.PositionChanged{Position: closed, Realized: true})
	if got := whales.outcomes[whale]; got != 0.25 {
		t.Errorf("outcome = %v, want 0.25", got)
	}
	h.engine.observe(types.PositionChanged{Position: closed, Realized: true})
	if whales.scored != 1 {
		t.Error("a closed copy should be scored once")
	}
}

func TestSweepForgetsUntrackedPositions(t *testing.T) {
	whales := &fakeWhales{tracked: map[common.Address]string{}, outcomes: map[common.Address]float64{}}
	h := newHarness(t, func(d *Deps) { d.Whales = whales })

	open := &types.Position{ID: "open", Status: types.PositionPartiallyClosed, RealizedPnL: decimal.NewFromInt(5)}
	closed := &types.Position{
		ID:          "closed",
		Status:      types.PositionClosed,
		TotalCost:   uint256.NewInt(1000),
		RealizedPnL: decimal.NewFromInt(-100),
	}
	h.trader.known = []*types.Position{open, closed}

	h.engine.observe(types.PositionChanged{Position: open, Realized: true})
	h.engine.observe(types.PositionChanged{Position: &types.Position{ID: "gone", Status: types.PositionOpen, RealizedPnL: decimal.NewFromInt(1)}})
	h.engine.copyMu.Lock()
	h.engine.copiedFrom["gone"] = whale
	h.engine.copiedFrom["closed"] = whale // close seen before the copy was recorded
	h.engine.copyMu.Unlock()

	if n := h.engine.sweep(); n != 3 {
		t.Errorf("sweep = %d, want 3", n)
	}

	h.engine.stats.mu.Lock()
	_, keptOpen := h.engine.stats.realized["open"]
	_, keptGone := h.engine.stats.realized["gone"]
	h.engine.stats.mu.Unlock()
	if !keptOpen || keptGone {
		t.Errorf("realized entries: open kept %v, gone kept %v", keptOpen, keptGone)
	}
	h.engine.copyMu.Lock()
	left := len(h.engine.copiedFrom)
	h.engine.copyMu.Unlock()
	if left != 0 {
		t.Errorf("%d copy entries left", left)
	}
	if whales.scored != 1 || whales.outcomes[whale] != -0.1 {
		t.Errorf("scored %d with %v, want one outcome of -0.1", whales.scored, whales.outcomes[whale])
	}

	if n := h.engine.sweep(); n != 0 {
		t.Errorf("second sweep = %d, want 0", n)
	}
}

func TestRecoveredPositionRealizedNotCountedTwice(t *testing.T) {
	h := newHarness(t, nil)
	recovered := &types.Position{ID: "recovered", Status: types.PositionPartiallyClosed, RealizedPnL: decimal.NewFromInt(40)}
	h.trader.known = []*types.Position{recovered}

	h.engine.Start(context.Background())
	defer h.engine.Stop()

	sold := &types.Position{ID: "recovered", Status: types.PositionClosed, RealizedPnL: decimal.NewFromInt(50)}
	if delta := h.engine.stats.Apply(types.PositionChanged{Position: sold, Realized: true}); !delta.Equal(decimal.NewFromInt(10)) {
		t.Errorf("delta = %s, want 10", delta)
	}
}

func TestLimitOrderFiresOnceThenDisables(t *testing.T) {
	pair := dex.PairFor(dex.UniswapV2, base, tokenA)
	t0, t1 := dex.SortTokens(base, tokenA)
	state := dex.PairState{Pair: pair, Token0: t0, Token1: t1}
	// 10 ETH against 1000 tokens → 0.01 base per token
	if t0 == base {
		state.Reserve0, state.Reserve1 = uint256.NewInt(10_000), uint256.NewInt(1_000_000)
	} else {
		state.Reserve0, state.Reserve1 = uint256.NewInt(1_000_000), uint256.NewInt(10_000)
	}
	h := newHarness(t, func(d *Deps) { d.Pairs = fakePairs{state: state} })
	cfg := h.addStrategy(t, func(c *types.StrategyConfig) {
		c.Type = types.StrategyLimitOrder
		c.TargetToken = &tokenA
		c.LimitPrice = decimal.NewFromFloat(0.02)
	})

	if n := h.engine.checkLimits(context.Background()); n != 1 {
		t.Fatalf("launched = %d, want 1", n)
	}
	h.engine.jobs.Wait()
	if h.trader.buyCount() != 1 {
		t.Fatal("limit order did not buy")
	}
	got, _ := h.engine.strategies.Get(cfg.ID)
	if got.Enabled {
		t.Error("limit strategy should be disabled after its fill")
	}
	if n := h.engine.checkLimits(context.Background()); n != 0 {
		t.Errorf("second pass launched %d", n)
	}
}

func TestLimitOrderWaitsAbovePrice(t *testing.T) {
	pair := dex.PairFor(dex.UniswapV2, base, tokenA)
	state := dex.PairState{Pair: pair, Token0: base, Token1: tokenA, Reserve0: uint256.NewInt(10_000), Reserve1: uint256.NewInt(1_000)}
	h := newHarness(t, func(d *Deps) { d.Pairs = fakePairs{state: state} })
	h.addStrategy(t, func(c *types.StrategyConfig) {
		c.Type = types.StrategyLimitOrder
		c.TargetToken = &tokenA
		c.LimitPrice = decimal.NewFromInt(1)
	})

	if n := h.engine.checkLimits(context.Background()); n != 0 {
		t.Fatalf("price 10 above limit 1 launched %d", n)
	}
}

func TestPercentSizingUsesWalletBalance(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Balances = fakeBalances{wei: big.NewInt(4_000)} })
	h.addStrategy(t, func(c *types.StrategyConfig) {
		c.Amount = types.AmountPolicy{Mode: types.AmountPercent, Percent: decimal.NewFromFloat(0.25)}
	})

	h.engine.dispatch(newPair(tokenA, 1))
	h.engine.jobs.Wait()
	if h.trader.buyCount() != 1 {
		t.Fatal("expected a buy")
	}
	if got := h.trader.buys[0].AmountIn.Uint64(); got != 1_000 {
		t.Errorf("amount = %d, want 1000", got)
	}
}

func TestUnknownEventRejected(t *testing.T) {
	h := newHarness(t, nil)
	var ev types.MarketEvent
	if err := h.engine.dispatch(ev); !errors.Is(err, types.ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
}
