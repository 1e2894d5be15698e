package feeds

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/holiman/uint256"

	"github.com/web3guy0/chainsniper/chain"
	"github.com/web3guy0/chainsniper/dex"
	"github.com/web3guy0/chainsniper/internal/clock"
	"github.com/web3guy0/chainsniper/internal/retry"
	"github.com/web3guy0/chainsniper/types"
)

var (
	token = common.HexToAddress("0x1111111111111111111111111111111111111111")
	pair  = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

type collector struct {
	ch chan types.MarketEvent
}

func newCollector() *collector { return &collector{ch: make(chan types.MarketEvent, 16)} }

func (c *collector) Publish(ev types.MarketEvent) { c.ch <- ev }

func (c *collector) next(t *testing.T) types.MarketEvent {
	t.Helper()
	select {
	case ev := <-c.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
		return nil
	}
}

func (c *collector) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-c.ch:
		t.Fatalf("unexpected event %T", ev)
	default:
	}
}

func idleSub() ethereum.Subscription {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	})
}

type fakeSource struct {
	mu          sync.Mutex
	head        uint64
	failFirst   bool
	sessions    int
	queries     []ethereum.FilterQuery
	backfillLog []ethtypes.Log
}

func (f *fakeSource) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeSource) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.backfillLog, nil
}

func (f *fakeSource) SubscribeNewHeads(ctx context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	if f.failFirst && f.sessions == 1 {
		return nil, errors.New("dial tcp: connection refused")
	}
	return idleSub(), nil
}

func (f *fakeSource) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	return idleSub(), nil
}

func (f *fakeSource) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func pairCreatedLog(t *testing.T, block uint64) ethtypes.Log {
	t.Helper()
	data, err := dex.FactoryABI.Events["PairCreated"].Inputs.NonIndexed().Pack(pair, big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	return ethtypes.Log{
		Address:     dex.UniswapV2.Factory,
		Topics:      []common.Hash{dex.PairCreatedTopic, common.BytesToHash(token.Bytes()), common.BytesToHash(dex.MainnetWETH.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xabc"),
	}
}

func TestBackfillRange(t *testing.T) {
	tests := []struct {
		name           string
		last, head, lb uint64
		from, to       uint64
		ok             bool
	}{
		{"first connect", 0, 100, 50, 0, 0, false},
		{"caught up", 100, 100, 50, 0, 0, false},
		{"short gap", 90, 100, 50, 91, 100, true},
		{"clamped", 10, 100, 50, 50, 100, true},
		{"no limit", 10, 100, 0, 11, 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, ok := BackfillRange(tt.last, tt.head, tt.lb)
			if from != tt.from || to != tt.to || ok != tt.ok {
				t.Errorf("got (%d, %d, %v), want (%d, %d, %v)", from, to, ok, tt.from, tt.to, tt.ok)
			}
		})
	}
}

func TestReconnectBackfillsBoundedWindow(t *testing.T) {
	src := &fakeSource{head: 150, failFirst: true, backfillLog: []ethtypes.Log{pairCreatedLog(t, 140)}}
	out := newCollector()
	reg := dex.NewRegistry(dex.MainnetWETH, dex.UniswapV2)
	m := NewMonitor(MonitorConfig{ChainID: 1, MaxLookback: 20}, src, nil, reg, nil, out, clock.NewFake(time.Unix(0, 0)))
	m.SetLastConfirmed(99)

	m.Start(context.Background())
	ev := out.next(t)
	m.Stop()

	np, ok := ev.(types.NewPair)
	if !ok {
		t.Fatalf("got %T", ev)
	}
	if np.Pair != pair || np.Token(dex.MainnetWETH) != token || np.BlockNumber != 140 {
		t.Errorf("event %+v", np)
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	if src.sessions != 2 {
		t.Errorf("sessions = %d, want 2", src.sessions)
	}
	if len(src.queries) != 1 {
		t.Fatalf("queries = %d", len(src.queries))
	}
	q := src.queries[0]
	if q.FromBlock.Uint64() != 130 || q.ToBlock.Uint64() != 150 {
		t.Errorf("backfill %d..%d, want 130..150", q.FromBlock, q.ToBlock)
	}
	if st := m.Stats(); st.Reconnects != 1 || st.LastConfirmed != 150 {
		t.Errorf("stats %+v", st)
	}
}

func TestReconnectBackoffStartsOverAfterHealthySession(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	m := NewMonitor(MonitorConfig{ChainID: 1}, &fakeSource{}, nil, dex.NewRegistry(dex.MainnetWETH, dex.UniswapV2), nil, newCollector(), fc)
	policy := m.reconnectPolicy("blocks")
	policy.JitterFactor = 0
	policy.MaxAttempts = 4

	// two quick drops, then a session that held for a day
	sessions := 0
	_ = retry.Do(context.Background(), func() error {
		sessions++
		if sessions == 3 {
			fc.Advance(24 * time.Hour)
		}
		return errors.New("connection reset")
	}, policy)

	waits := fc.Waits()
	if len(waits) != 3 || waits[1] != 2*time.Second || waits[2] != time.Second {
		t.Errorf("waits = %v, want [1s 2s 1s]", waits)
	}
}

func TestNonBasePairIgnored(t *testing.T) {
	out := newCollector()
	m := NewMonitor(MonitorConfig{ChainID: 1}, &fakeSource{}, nil, dex.NewRegistry(dex.MainnetWETH, dex.UniswapV2), nil, out, nil)
	l := pairCreatedLog(t, 1)
	l.Topics[2] = common.BytesToHash(common.HexToAddress("0x5555").Bytes())
	m.handleLog(l)
	out.none(t)
}

type observerFunc func(PendingObservation)

func (f observerFunc) ObservePending(o PendingObservation) { f(o) }

func signed(t *testing.T, to common.Address, value *big.Int, data []byte) (*ethtypes.Transaction, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	tx, err := ethtypes.SignNewTx(key, ethtypes.LatestSignerForChainID(big.NewInt(1)), &ethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		To:        &to,
		Value:     value,
		Data:      data,
		Gas:       300_000,
		GasFeeCap: big.NewInt(1e9),
		GasTipCap: big.NewInt(1e9),
	})
	if err != nil {
		t.Fatal(err)
	}
	return tx, crypto.PubkeyToAddress(key.PublicKey)
}

func TestPendingLiquidityAdd(t *testing.T) {
	out := newCollector()
	m := NewMonitor(MonitorConfig{ChainID: 1}, &fakeSource{}, nil, dex.NewRegistry(dex.MainnetWETH, dex.UniswapV2), nil, out, clock.NewFake(time.Unix(100, 0)))

	var observed []PendingObservation
	m.AddObserver(observerFunc(func(o PendingObservation) { observed = append(observed, o) }))

	data, err := dex.RouterABI.Pack("addLiquidityETH", token, big.NewInt(1_000_000), big.NewInt(0), big.NewInt(0), common.HexToAddress("0x01"), big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	tx, from := signed(t, dex.UniswapV2.Router, big.NewInt(5e18), data)

	m.HandlePending(context.Background(), chain.PendingTx{Hash: tx.Hash(), Tx: tx})

	ev, ok := out.next(t).(types.PendingLiquidityAdd)
	if !ok {
		t.Fatal("expected PendingLiquidityAdd")
	}
	if ev.Sender != from || ev.Token != token || ev.AmountETH.Uint64() != 5e18 {
		t.Errorf("event %+v", ev)
	}
	if ev.Pair != dex.PairFor(dex.UniswapV2, dex.MainnetWETH, token) {
		t.Errorf("pair not derived: %s", ev.Pair.Hex())
	}
	if ev.Key() != "pair:"+ev.Pair.Hex() {
		t.Errorf("key = %s", ev.Key())
	}
	if len(observed) != 1 || observed[0].From != from {
		t.Errorf("observers saw %d", len(observed))
	}
}

func TestDecodeFailuresAreCountedNotRaised(t *testing.T) {
	out := newCollector()
	m := NewMonitor(MonitorConfig{ChainID: 1}, &fakeSource{}, nil, dex.NewRegistry(dex.MainnetWETH, dex.UniswapV2), nil, out, nil)

	bad, _ := signed(t, dex.UniswapV2.Router, big.NewInt(0), []byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	other, _ := signed(t, common.HexToAddress("0x9999"), big.NewInt(0), []byte{1, 2, 3, 4})

	m.HandlePending(context.Background(), chain.PendingTx{Hash: bad.Hash(), Tx: bad})
	m.HandlePending(context.Background(), chain.PendingTx{Hash: other.Hash(), Tx: other})
	// hash-only tx the node cannot resolve
	m.HandlePending(context.Background(), chain.PendingTx{Hash: common.HexToHash("0x77")})

	out.none(t)
	if st := m.Stats(); st.DecodeFailures != 1 || st.Decoded != 0 {
		t.Errorf("stats %+v", st)
	}
}

func TestWhaleTracker(t *testing.T) {
	out := newCollector()
	whale := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	w := NewWhaleTracker(DefaultWhaleConfig(), dex.MainnetWETH, out, clock.NewFake(time.Unix(0, 0)))
	w.Track(whale, "smart money")

	buy := &dex.DecodedCall{
		DEX:      dex.UniswapV2,
		Kind:     dex.CallSwapBuy,
		Path:     []common.Address{dex.MainnetWETH, token},
		Token:    token,
		AmountIn: new(uint256.Int).Mul(uint256.NewInt(2), uint256.NewInt(1e18)),
	}
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{Nonce: 1})

	w.ObservePending(PendingObservation{ChainID: 1, Tx: tx, From: common.HexToAddress("0x0123"), Call: buy})
	out.none(t)

	w.ObservePending(PendingObservation{ChainID: 1, Tx: tx, From: whale, Call: buy})
	ev, ok := out.next(t).(types.WhaleTrade)
	if !ok {
		t.Fatal("expected WhaleTrade")
	}
	if ev.Side != types.SideBuy || ev.Wallet != whale || ev.Score != 50 || !ev.Pending {
		t.Errorf("event %+v", ev)
	}
	if ev.Pair != dex.PairFor(dex.UniswapV2, dex.MainnetWETH, token) {
		t.Errorf("pair = %s", ev.Pair.Hex())
	}

	small := *buy
	small.AmountIn = uint256.NewInt(1)
	w.ObservePending(PendingObservation{ChainID: 1, Tx: tx, From: whale, Call: &small})
	out.none(t)

	sell := &dex.DecodedCall{DEX: dex.UniswapV2, Kind: dex.CallSwapSell, Path: []common.Address{token, dex.MainnetWETH}, Token: token, AmountOutMin: uint256.NewInt(1)}
	w.ObservePending(PendingObservation{ChainID: 1, Tx: tx, From: whale, Call: sell})
	if ev := out.next(t).(types.WhaleTrade); ev.Side != types.SideSell {
		t.Errorf("side = %s", ev.Side)
	}
}

func TestWhaleScoreEMA(t *testing.T) {
	whale := common.HexToAddress("0x0abc")
	w := NewWhaleTracker(WhaleConfig{InitialScore: 50, Alpha: 0.5}, dex.MainnetWETH, newCollector(), nil)
	w.Track(whale, "")

	w.RecordOutcome(whale, 1.0) // sample clamps to 100
	if s, _ := w.Score(whale); s != 75 {
		t.Errorf("score = %v, want 75", s)
	}
	w.RecordOutcome(whale, -0.25) // sample 25
	if s, _ := w.Score(whale); s != 50 {
		t.Errorf("score = %v, want 50", s)
	}
	p := w.Profiles()[0]
	if p.Wins != 1 || p.Losses != 1 {
		t.Errorf("profile %+v", p)
	}
	if _, ok := w.Score(common.HexToAddress("0xdead")); ok {
		t.Error("untracked wallet reported a score")
	}
}
