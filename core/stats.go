package core

import (
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/types"
)

// latencyWindow bounds the samples kept for percentiles
const latencyWindow = 1024

// StatsTracker folds notices into aggregate counters. Realized PnL is tracked
// as per-position deltas, so partial sells add up to the position total.
type StatsTracker struct {
	mu        sync.Mutex
	s         types.Stats
	realized  map[string]decimal.Decimal
	latencies []time.Duration
	next      int
}

func NewStatsTracker() *StatsTracker {
	return &StatsTracker{
		s:         types.Stats{GasSpent: new(uint256.Int)},
		realized:  make(map[string]decimal.Decimal),
		latencies: make([]time.Duration, 0, latencyWindow),
	}
}

// Apply folds one notice into the counters and returns the realized PnL it added
func (t *StatsTracker) Apply(n types.Notice) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch n := n.(type) {
	case types.SnipeDetected:
		t.s.SnipesDetected++
	case types.SnipeExecuting:
	case types.SnipeSuccess:
		t.s.SnipesSucceeded++
	case types.SnipeFailed:
		t.s.SnipesFailed++
	case types.Alert:
		if n.Kind == types.AlertRiskBlocked || n.Kind == types.AlertHoneypotDetected {
			t.s.SnipesBlocked++
		}
	case types.OrderFinalized:
		t.order(n.Order)
	case types.PositionChanged:
		return t.position(n.Position)
	}
	return decimal.Zero
}

// Baseline seeds per-position realized PnL from positions loaded at startup so
// their next change only adds what was realized since
func (t *StatsTracker) Baseline(positions []*types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range positions {
		if p == nil || p.Status == types.PositionClosed {
			continue
		}
		t.realized[p.ID] = p.RealizedPnL
	}
}

// Prune forgets per-position state the keep func rejects and returns how many
// entries went
func (t *StatsTracker) Prune(keep func(positionID string) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id := range t.realized {
		if !keep(id) {
			delete(t.realized, id)
			n++
		}
	}
	return n
}

func (t *StatsTracker) order(o *types.Order) {
	if o == nil {
		return
	}
	if o.GasUsed > 0 && o.GasPrice != nil {
		fee, err := types.Mul(uint256.NewInt(o.GasUsed), o.GasPrice)
		if err == nil {
			if sum, err := types.Add(t.s.GasSpent, fee); err == nil {
				t.s.GasSpent = sum
			}
		}
	}
	if o.Status != types.OrderConfirmed {
		return
	}
	t.s.Trades++
	if o.Latency > 0 {
		t.addLatency(o.Latency)
	}
}

func (t *StatsTracker) position(p *types.Position) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	delta := p.RealizedPnL.Sub(t.realized[p.ID])
	t.s.RealizedPnL = t.s.RealizedPnL.Add(delta)
	t.realized[p.ID] = p.RealizedPnL

	if p.Status != types.PositionClosed {
		return delta
	}
	delete(t.realized, p.ID)
	if p.RealizedPnL.IsPositive() {
		t.s.Wins++
	} else {
		t.s.Losses++
	}
	closed := int64(t.s.Wins + t.s.Losses)
	t.s.WinRate = decimal.NewFromInt(int64(t.s.Wins)).Div(decimal.NewFromInt(closed))
	return delta
}

func (t *StatsTracker) addLatency(d time.Duration) {
	if len(t.latencies) < latencyWindow {
		t.latencies = append(t.latencies, d)
		return
	}
	t.latencies[t.next] = d
	t.next = (t.next + 1) % latencyWindow
}

// AddDuplicate counts a deduplicated event
func (t *StatsTracker) AddDuplicate() {
	t.mu.Lock()
	t.s.Duplicates++
	t.mu.Unlock()
}

// Snapshot returns a copy with fresh percentiles
func (t *StatsTracker) Snapshot() types.Stats {
	t.mu.Lock()
	out := t.s
	out.GasSpent = new(uint256.Int).Set(t.s.GasSpent)
	samples := append([]time.Duration(nil), t.latencies...)
	t.mu.Unlock()

	if len(samples) > 0 {
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		out.LatencyP50 = percentile(samples, 50)
		out.LatencyP90 = percentile(samples, 90)
		out.LatencyP99 = percentile(samples, 99)
	}
	return out
}

// percentile uses nearest rank over sorted samples
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
