package core

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/types"
)

func TestBusDropOldestKeepsNewest(t *testing.T) {
	b := NewBus[int]("test", DropOldest)
	ch := b.Subscribe("slow", 3)
	var drops int
	b.OnDrop = func(string, string) { drops++ }

	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}
	b.Close()

	var got []int
	for v := range ch {
		got = append(got, v)
	}
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Errorf("got %v, want [3 4 5]", got)
	}
	if b.Dropped() != 2 || drops != 2 {
		t.Errorf("dropped = %d (hook %d), want 2", b.Dropped(), drops)
	}
}

func TestBusBlockWaitsForRoom(t *testing.T) {
	b := NewBus[int]("test", Block)
	ch := b.Subscribe("consumer", 1)
	b.Publish(1)

	done := make(chan struct{})
	go func() {
		b.Publish(2)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("publish into a full queue should block")
	case <-time.After(20 * time.Millisecond):
	}

	if v := <-ch; v != 1 {
		t.Fatalf("got %d, want 1", v)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish did not resume after room was made")
	}
	if v := <-ch; v != 2 {
		t.Errorf("got %d, want 2", v)
	}
}

func TestLossySubscriberNeverHoldsUpPublisher(t *testing.T) {
	b := NewBus[int]("notices", Block)
	fast := b.Subscribe("stats", 8)
	slow := b.SubscribeWith("telegram", 1, DropOldest)

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 4; i++ {
			b.Publish(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a full drop-oldest subscriber blocked the publisher")
	}

	if len(fast) != 4 {
		t.Errorf("block subscriber got %d values, want 4", len(fast))
	}
	if v := <-slow; v != 4 {
		t.Errorf("drop-oldest subscriber holds %d, want newest 4", v)
	}
}

func TestTryPublishSkipsFullQueues(t *testing.T) {
	b := NewBus[int]("notices", Block)
	full := b.Subscribe("stats", 1)
	lossy := b.SubscribeWith("telegram", 1, DropOldest)
	b.Publish(1)

	if missed := b.TryPublish(2); missed != 1 {
		t.Errorf("missed = %d, want 1", missed)
	}
	if v := <-full; v != 1 {
		t.Errorf("full queue holds %d, want 1", v)
	}
	if v := <-lossy; v != 2 {
		t.Errorf("lossy queue holds %d, want 2", v)
	}
	if missed := b.TryPublish(3); missed != 0 {
		t.Errorf("missed = %d after room was made, want 0", missed)
	}
}

func TestBusCloseReleasesBlockedPublisher(t *testing.T) {
	b := NewBus[int]("test", Block)
	b.Subscribe("stuck", 1)
	b.Publish(1)

	done := make(chan struct{})
	go func() {
		b.Publish(2)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not release the blocked publisher")
	}
	b.Publish(3) // no-op after close
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in   string
		want Policy
		err  bool
	}{
		{"", Block, false},
		{"block", Block, false},
		{"DROP_OLDEST", DropOldest, false},
		{"lifo", Block, true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestDedupIsBounded(t *testing.T) {
	d := NewDedup(2)
	if d.Seen("a") || d.Seen("b") {
		t.Fatal("fresh keys reported as seen")
	}
	if !d.Seen("a") {
		t.Fatal("a should be remembered")
	}
	d.Seen("c") // evicts a, the oldest
	if d.Len() != 2 {
		t.Errorf("len = %d, want 2", d.Len())
	}
	if d.Seen("a") {
		t.Error("a should have been evicted")
	}
}

func TestStatsAccumulateRealizedDeltas(t *testing.T) {
	s := NewStatsTracker()
	pos := &types.Position{ID: "p1", Status: types.PositionPartiallyClosed, RealizedPnL: decimal.NewFromInt(30)}

	if d := s.Apply(types.PositionChanged{Position: pos, Realized: true}); !d.Equal(decimal.NewFromInt(30)) {
		t.Errorf("first delta = %s", d)
	}
	closed := *pos
	closed.Status = types.PositionClosed
	closed.RealizedPnL = decimal.NewFromInt(-10)
	if d := s.Apply(types.PositionChanged{Position: &closed, Realized: true}); !d.Equal(decimal.NewFromInt(-40)) {
		t.Errorf("second delta = %s", d)
	}

	for _, lat := range []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10} {
		s.Apply(types.OrderFinalized{Order: &types.Order{
			Status:   types.OrderConfirmed,
			Latency:  lat * time.Second,
			GasUsed:  21_000,
			GasPrice: uint256.NewInt(10),
		}})
	}
	s.Apply(types.SnipeDetected{})
	s.Apply(types.Alert{Kind: types.AlertHoneypotDetected})

	st := s.Snapshot()
	if !st.RealizedPnL.Equal(decimal.NewFromInt(-10)) {
		t.Errorf("realized = %s, want -10", st.RealizedPnL)
	}
	if st.Losses != 1 || st.Wins != 0 || !st.WinRate.IsZero() {
		t.Errorf("wins/losses = %d/%d rate %s", st.Wins, st.Losses, st.WinRate)
	}
	if st.Trades != 10 || st.GasSpent.Uint64() != 2_100_000 {
		t.Errorf("trades = %d gas = %s", st.Trades, st.GasSpent.Dec())
	}
	if st.LatencyP50 != 5*time.Second || st.LatencyP90 != 9*time.Second || st.LatencyP99 != 10*time.Second {
		t.Errorf("percentiles = %s %s %s", st.LatencyP50, st.LatencyP90, st.LatencyP99)
	}
	if st.SnipesDetected != 1 || st.SnipesBlocked != 1 {
		t.Errorf("snipes detected/blocked = %d/%d", st.SnipesDetected, st.SnipesBlocked)
	}
}
