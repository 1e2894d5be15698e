package types

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

func TestMarketEventKey(t *testing.T) {
	pair := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := common.HexToHash("0x01")

	tests := []struct {
		name string
		ev   MarketEvent
		want string
	}{
		{"new pair keys on pair", NewPair{EventMeta: EventMeta{TxHash: tx}, Pair: pair}, "pair:" + pair.Hex()},
		{"liquidity add with derived pair", PendingLiquidityAdd{EventMeta: EventMeta{TxHash: tx}, Pair: pair}, "pair:" + pair.Hex()},
		{"liquidity add without pair", PendingLiquidityAdd{EventMeta: EventMeta{TxHash: tx}}, "tx:" + tx.Hex()},
		{"whale trade keys on tx", WhaleTrade{EventMeta: EventMeta{TxHash: tx}, Pair: pair}, "tx:" + tx.Hex()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Key(); got != tt.want {
				t.Errorf("Key() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewPairKeyMatchesLiquidityAdd(t *testing.T) {
	pair := common.HexToAddress("0xbeef")
	np := NewPair{EventMeta: EventMeta{TxHash: common.HexToHash("0x1")}, Pair: pair}
	la := PendingLiquidityAdd{EventMeta: EventMeta{TxHash: common.HexToHash("0x2")}, Pair: pair}
	if np.Key() != la.Key() {
		t.Errorf("mempool and confirmed observations of one pair must share a key")
	}
}

func TestOverflowChecked(t *testing.T) {
	max := new(uint256.Int).SetAllOne()

	if _, err := Add(max, uint256.NewInt(1)); !errors.Is(err, ErrOverflow) {
		t.Errorf("Add overflow: got %v", err)
	}
	if _, err := Mul(max, uint256.NewInt(2)); !errors.Is(err, ErrOverflow) {
		t.Errorf("Mul overflow: got %v", err)
	}
	if _, err := Sub(uint256.NewInt(1), uint256.NewInt(2)); !errors.Is(err, ErrOverflow) {
		t.Errorf("Sub underflow: got %v", err)
	}
	if _, err := MulDiv(max, max, uint256.NewInt(1)); !errors.Is(err, ErrOverflow) {
		t.Errorf("MulDiv overflow: got %v", err)
	}

	// 512-bit intermediate: max*2/2 must not overflow
	got, err := MulDiv(max, uint256.NewInt(2), uint256.NewInt(2))
	if err != nil || !got.Eq(max) {
		t.Errorf("MulDiv intermediate: got %v, %v", got, err)
	}
}

func TestApplyBps(t *testing.T) {
	tests := []struct {
		in   uint64
		bps  int
		want uint64
	}{
		{10_000, 50, 9_950},
		{10_000, 0, 10_000},
		{1_000, 10_000, 0},
		{999, 100, 989}, // floor
	}
	for _, tt := range tests {
		got, err := ApplyBps(uint256.NewInt(tt.in), tt.bps)
		if err != nil {
			t.Fatalf("ApplyBps(%d, %d): %v", tt.in, tt.bps, err)
		}
		if got.Uint64() != tt.want {
			t.Errorf("ApplyBps(%d, %d) = %d, want %d", tt.in, tt.bps, got.Uint64(), tt.want)
		}
	}

	if _, err := ApplyBps(uint256.NewInt(1), -1); err == nil {
		t.Error("negative bps must be rejected")
	}
}

func TestFraction(t *testing.T) {
	got, err := Fraction(uint256.NewInt(1_000_000), decimal.NewFromFloat(0.25))
	if err != nil || got.Uint64() != 250_000 {
		t.Errorf("Fraction = %v, %v", got, err)
	}
	if _, err := Fraction(uint256.NewInt(1), decimal.NewFromFloat(1.5)); err == nil {
		t.Error("fraction above one must be rejected")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		err    error
		target error
	}{
		{&SimulationError{Reason: "TRANSFER_FAILED"}, ErrSimulationRevert},
		{&ConfigError{Field: "wallets", Reason: "empty"}, ErrConfig},
		{&RiskBlockedError{Level: RiskHoneypot}, ErrRiskBlocked},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.target) {
			t.Errorf("%v should match %v", tt.err, tt.target)
		}
	}
}

func TestStrategyCloneIsDeep(t *testing.T) {
	token := common.HexToAddress("0x01")
	c := &StrategyConfig{
		ID:          "s1",
		TargetToken: &token,
		Wallets:     []common.Address{common.HexToAddress("0x02")},
		Amount:      AmountPolicy{Mode: AmountFixed, Fixed: uint256.NewInt(5)},
		Exit:        ExitPolicy{TakeProfits: []TakeProfitTier{{GainPct: decimal.NewFromFloat(0.5), SellPct: decimal.NewFromInt(1)}}},
	}
	cp := c.Clone()
	cp.Wallets[0] = common.HexToAddress("0x03")
	cp.Amount.Fixed.SetUint64(9)
	cp.Exit.TakeProfits[0].SellPct = decimal.Zero
	*cp.TargetToken = common.HexToAddress("0x04")

	if c.Wallets[0] != common.HexToAddress("0x02") || c.Amount.Fixed.Uint64() != 5 ||
		!c.Exit.TakeProfits[0].SellPct.Equal(decimal.NewFromInt(1)) || *c.TargetToken != token {
		t.Error("Clone shares state with the original")
	}
}

func TestUrgencyJSON(t *testing.T) {
	var u Urgency
	if err := u.UnmarshalJSON([]byte(`"urgent"`)); err != nil || u != UrgencyUrgent {
		t.Errorf("got %v, %v", u, err)
	}
	if err := u.UnmarshalJSON([]byte(`"whenever"`)); err == nil {
		t.Error("unknown urgency accepted")
	}
}
