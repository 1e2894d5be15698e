package risk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/dex"
	"github.com/web3guy0/chainsniper/internal/cache"
	"github.com/web3guy0/chainsniper/internal/clock"
	"github.com/web3guy0/chainsniper/types"
)

var (
	weth  = dex.MainnetWETH
	tokA  = common.HexToAddress("0xA000000000000000000000000000000000000001")
	pairA = common.HexToAddress("0xB000000000000000000000000000000000000001")
	dev   = common.HexToAddress("0xD000000000000000000000000000000000000001")
)

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

type fakeReader struct {
	mu        sync.Mutex
	baseRes   *uint256.Int
	tokenRes  *uint256.Int
	owner     common.Address
	supply    map[common.Address]*uint256.Int
	balances  map[common.Address]map[common.Address]*uint256.Int
	lpErr     error
	pairReads int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		baseRes:  ether(10),
		tokenRes: ether(1_000_000),
		supply: map[common.Address]*uint256.Int{
			tokA:  ether(1_000_000_000),
			pairA: ether(100),
		},
		balances: map[common.Address]map[common.Address]*uint256.Int{
			pairA: {dex.DeadAddress: ether(100)},
		},
	}
}

func (f *fakeReader) Pair(ctx context.Context, pair common.Address) (dex.PairState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairReads++
	return dex.PairState{Pair: pair, Token0: weth, Token1: tokA, Reserve0: f.baseRes.Clone(), Reserve1: f.tokenRes.Clone()}, nil
}

func (f *fakeReader) BalanceOf(ctx context.Context, token, holder common.Address) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token == pairA && f.lpErr != nil {
		return nil, f.lpErr
	}
	if b, ok := f.balances[token][holder]; ok {
		return b.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (f *fakeReader) TotalSupply(ctx context.Context, token common.Address) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.supply[token]; ok {
		return s.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (f *fakeReader) Owner(ctx context.Context, token common.Address) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner, nil
}

func (f *fakeReader) setBaseReserve(x *uint256.Int) {
	f.mu.Lock()
	f.baseRes = x
	f.mu.Unlock()
}

type fakeSim struct {
	trip  *RoundTrip
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (s *fakeSim) RoundTrip(ctx context.Context, router common.Address, path []common.Address, amountIn *uint256.Int) (*RoundTrip, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.trip, s.err
}

// taxedTrip models a 2% buy tax and 3% sell tax
func taxedTrip(buyTaxPct, sellTaxPct uint64) *RoundTrip {
	return &RoundTrip{
		BuyExpected:  uint256.NewInt(1000),
		BuyActual:    uint256.NewInt(1000 - buyTaxPct*10),
		SellExpected: uint256.NewInt(1000),
		SellActual:   uint256.NewInt(1000 - sellTaxPct*10),
		BuyGas:       120_000,
		SellGas:      150_000,
	}
}

func newTestAnalyzer(r ChainReader, s Simulator, c clock.Clock) *Analyzer {
	cfg := DefaultConfig(weth)
	cfg.BaseUSD = decimal.NewFromInt(2500)
	return NewAnalyzer(cfg, r, s, nil, c)
}

var req = Request{Token: tokA, Pair: pairA, DEX: dex.UniswapV2}

func TestScenarioSafeLaunch(t *testing.T) {
	a := newTestAnalyzer(newFakeReader(), &fakeSim{trip: taxedTrip(2, 3)}, clock.NewFake(time.Unix(0, 0)))

	ra, err := a.Analyze(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !ra.LiquidityUSD.Equal(decimal.NewFromInt(50_000)) {
		t.Errorf("liquidity = %s, want 50000", ra.LiquidityUSD)
	}
	if !ra.BuyTax.Equal(decimal.NewFromFloat(0.02)) || !ra.SellTax.Equal(decimal.NewFromFloat(0.03)) {
		t.Errorf("taxes = %s / %s", ra.BuyTax, ra.SellTax)
	}
	if ra.Level != types.RiskSafe {
		t.Errorf("level = %s (score %d, issues %v), want SAFE", ra.Level, ra.Score, ra.Issues)
	}
}

func TestScenarioSafeLaunchWithUnlockedLP(t *testing.T) {
	r := newFakeReader()
	r.balances = nil
	a := newTestAnalyzer(r, &fakeSim{trip: taxedTrip(2, 3)}, clock.NewFake(time.Unix(0, 0)))

	ra, err := a.Analyze(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if ra.Level != types.RiskSafe {
		t.Errorf("level = %s (score %d, issues %v), want SAFE", ra.Level, ra.Score, ra.Issues)
	}
	if len(ra.Issues) != 1 || ra.Issues[0] != IssueLPUnlocked {
		t.Errorf("issues = %v, want [%s]", ra.Issues, IssueLPUnlocked)
	}
}

func TestUnknownLPLockAddsNoScore(t *testing.T) {
	huge := new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 255), uint256.NewInt(1))
	huge = new(uint256.Int).Add(huge, huge)

	tests := []struct {
		name  string
		setup func(r *fakeReader)
	}{
		{"balance read fails", func(r *fakeReader) { r.lpErr = errors.New("execution reverted") }},
		{"locked sum overflows", func(r *fakeReader) {
			r.balances[pairA] = map[common.Address]*uint256.Int{dex.DeadAddress: huge, dex.ZeroAddress: huge}
		}},
	}

	locked := newTestAnalyzer(newFakeReader(), &fakeSim{trip: taxedTrip(2, 3)}, clock.NewFake(time.Unix(0, 0)))
	want, err := locked.Analyze(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeReader()
			tt.setup(r)
			a := newTestAnalyzer(r, &fakeSim{trip: taxedTrip(2, 3)}, clock.NewFake(time.Unix(0, 0)))

			ra, err := a.Analyze(context.Background(), req)
			if err != nil {
				t.Fatal(err)
			}
			if ra.Score != want.Score || ra.Level != types.RiskSafe {
				t.Errorf("score = %d level = %s, want %d SAFE", ra.Score, ra.Level, want.Score)
			}
			if len(ra.Issues) != 1 || ra.Issues[0] != IssueLockUnknown {
				t.Errorf("issues = %v, want [%s]", ra.Issues, IssueLockUnknown)
			}
		})
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *fakeReader, s *fakeSim)
		want  types.RiskLevel
		issue string
	}{
		{
			name:  "sell reverts",
			setup: func(r *fakeReader, s *fakeSim) { s.trip = &RoundTrip{SellReverted: true} },
			want:  types.RiskHoneypot,
			issue: IssueSellReverted,
		},
		{
			name:  "sell revert surfaced as error",
			setup: func(r *fakeReader, s *fakeSim) { s.trip, s.err = nil, &types.SimulationError{Reason: ReasonSellFailed} },
			want:  types.RiskHoneypot,
			issue: IssueSellReverted,
		},
		{
			name: "sell gas far above buy gas",
			setup: func(r *fakeReader, s *fakeSim) {
				s.trip = taxedTrip(1, 1)
				s.trip.SellGas = s.trip.BuyGas * 4
			},
			want:  types.RiskHoneypot,
			issue: IssueSellGas,
		},
		{
			name:  "buy reverts",
			setup: func(r *fakeReader, s *fakeSim) { s.trip, s.err = nil, &types.SimulationError{Reason: ReasonBuyFailed} },
			want:  types.RiskCritical,
			issue: IssueBuyReverted,
		},
		{
			name:  "thin liquidity",
			setup: func(r *fakeReader, s *fakeSim) { r.baseRes = uint256.NewInt(5e17) },
			want:  types.RiskCritical,
			issue: IssueLowLiquidity,
		},
		{
			name: "owner holds most supply",
			setup: func(r *fakeReader, s *fakeSim) {
				r.owner = dev
				r.balances[tokA] = map[common.Address]*uint256.Int{dev: ether(800_000_000)}
			},
			want:  types.RiskCritical,
			issue: IssueOwnerHolding,
		},
		{
			name:  "unlocked lp and heavy tax",
			setup: func(r *fakeReader, s *fakeSim) { r.balances[pairA] = nil; s.trip = taxedTrip(15, 20) },
			want:  types.RiskMedium,
			issue: IssueLPUnlocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeReader()
			s := &fakeSim{trip: taxedTrip(2, 3)}
			tt.setup(r, s)
			a := newTestAnalyzer(r, s, clock.NewFake(time.Unix(0, 0)))

			ra, err := a.Analyze(context.Background(), req)
			if err != nil {
				t.Fatal(err)
			}
			if ra.Level != tt.want {
				t.Errorf("level = %s (score %d), want %s", ra.Level, ra.Score, tt.want)
			}
			found := false
			for _, is := range ra.Issues {
				if is == tt.issue {
					found = true
				}
			}
			if !found {
				t.Errorf("issues %v missing %s", ra.Issues, tt.issue)
			}
		})
	}
}

func TestNetworkFailureIsError(t *testing.T) {
	s := &fakeSim{err: fmt.Errorf("%w: dial", types.ErrNetwork)}
	a := newTestAnalyzer(newFakeReader(), s, clock.NewFake(time.Unix(0, 0)))
	if _, err := a.Analyze(context.Background(), req); !errors.Is(err, types.ErrNetwork) {
		t.Errorf("got %v", err)
	}
}

func TestCacheTTLAndDrift(t *testing.T) {
	r := newFakeReader()
	s := &fakeSim{trip: taxedTrip(2, 3)}
	fc := clock.NewFake(time.Unix(0, 0))
	a := newTestAnalyzer(r, s, fc)
	ctx := context.Background()

	if _, err := a.Analyze(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Analyze(ctx, req); err != nil {
		t.Fatal(err)
	}
	if s.calls.Load() != 1 {
		t.Fatalf("cached lookup recomputed: %d simulations", s.calls.Load())
	}

	// 5% move stays within the 10% drift limit
	r.setBaseReserve(new(uint256.Int).Add(ether(10), new(uint256.Int).Div(ether(10), uint256.NewInt(20))))
	_, _ = a.Analyze(ctx, req)
	if s.calls.Load() != 1 {
		t.Errorf("small drift discarded the cache")
	}

	// 50% move discards the entry
	r.setBaseReserve(ether(15))
	ra, _ := a.Analyze(ctx, req)
	if s.calls.Load() != 2 {
		t.Errorf("drifted entry was returned")
	}
	if ra.BaseReserve.Cmp(ether(15)) != 0 {
		t.Errorf("recomputed snapshot = %s", ra.BaseReserve.Dec())
	}

	fc.Advance(time.Minute)
	_, _ = a.Analyze(ctx, req)
	if s.calls.Load() != 3 {
		t.Errorf("expired entry was returned")
	}
}

func TestConcurrentAnalysesCoalesce(t *testing.T) {
	s := &fakeSim{trip: taxedTrip(2, 3), delay: 50 * time.Millisecond}
	a := newTestAnalyzer(newFakeReader(), s, clock.Real{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.Analyze(context.Background(), req)
		}()
	}
	wg.Wait()
	if n := s.calls.Load(); n != 1 {
		t.Errorf("simulations = %d, want 1", n)
	}
}

func TestExternalCheckEscalates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/api/v1/token_security/1") {
			http.NotFound(w, r)
			return
		}
		addr := r.URL.Query().Get("contract_addresses")
		fmt.Fprintf(w, `{"code":1,"message":"OK","result":{"%s":{"is_honeypot":"1","buy_tax":"0.05","sell_tax":"0.40"}}}`, addr)
	}))
	defer srv.Close()

	gp := &GoPlus{BaseURL: srv.URL, ChainID: 1, Cache: cache.NewMemoryStore()}
	cfg := DefaultConfig(weth)
	a := NewAnalyzer(cfg, newFakeReader(), &fakeSim{trip: taxedTrip(2, 3)}, gp, clock.NewFake(time.Unix(0, 0)))

	ra, err := a.Analyze(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if ra.Level != types.RiskHoneypot {
		t.Errorf("level = %s", ra.Level)
	}
	if !ra.SellTax.Equal(decimal.NewFromFloat(0.40)) {
		t.Errorf("sell tax = %s, want external 0.40", ra.SellTax)
	}
}

func TestGoPlusCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"code":1,"message":"OK","result":{}}`)
	}))
	defer srv.Close()

	gp := &GoPlus{BaseURL: srv.URL, ChainID: 1, Cache: cache.NewMemoryStore(), TTL: time.Minute}
	for i := 0; i < 3; i++ {
		rep, err := gp.Check(context.Background(), tokA)
		if err != nil || rep.Known {
			t.Fatalf("rep = %+v, err = %v", rep, err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("http hits = %d, want 1", hits.Load())
	}
}

func TestExternalFailureIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	gp := &GoPlus{BaseURL: srv.URL, ChainID: 1}
	a := NewAnalyzer(DefaultConfig(weth), newFakeReader(), &fakeSim{trip: taxedTrip(2, 3)}, gp, clock.NewFake(time.Unix(0, 0)))
	ra, err := a.Analyze(context.Background(), req)
	if err != nil || ra.Level != types.RiskSafe {
		t.Errorf("got %v, %v", ra, err)
	}
}
