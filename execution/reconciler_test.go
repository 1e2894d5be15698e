package execution

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/storage"
	"github.com/web3guy0/chainsniper/types"
)

type fakeBalances map[string]*uint256.Int

func (b fakeBalances) BalanceOf(ctx context.Context, token, holder common.Address) (*uint256.Int, error) {
	if v, ok := b[token.Hex()]; ok {
		return v, nil
	}
	return new(uint256.Int), nil
}

func persisted(id string, token common.Address) *types.Position {
	return &types.Position{
		ID:              id,
		Token:           token,
		Path:            []common.Address{base, token},
		DEX:             "uniswap_v2",
		StrategyID:      "s1",
		Quantity:        uint256.NewInt(100),
		InitialQuantity: uint256.NewInt(100),
		CostBasis:       uint256.NewInt(1000),
		TotalCost:       uint256.NewInt(1000),
		Proceeds:        new(uint256.Int),
		Fees:            new(uint256.Int),
		EntryPrice:      decimal.NewFromInt(10),
		Status:          types.PositionOpen,
	}
}

func TestRecoverPositionsAgainstBalances(t *testing.T) {
	db, err := storage.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	kept := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	shrunk := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	gone := common.HexToAddress("0x00000000000000000000000000000000000000b3")
	for id, tok := range map[string]common.Address{"kept": kept, "shrunk": shrunk, "gone": gone} {
		if err := db.SavePosition(persisted(id, tok)); err != nil {
			t.Fatal(err)
		}
	}

	h := newHarness(t, nil)
	balances := fakeBalances{kept.Hex(): uint256.NewInt(150), shrunk.Hex(): uint256.NewInt(40)}
	n, err := NewReconciler(h.exec, db, balances).RecoverPositions(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("recovered %d, %v; want 2", n, err)
	}

	if p, ok := h.exec.Position("kept"); !ok || p.Quantity.Uint64() != 100 {
		t.Errorf("kept position = %+v", p)
	}
	p, ok := h.exec.Position("shrunk")
	if !ok || p.Quantity.Uint64() != 40 || p.CostBasis.Uint64() != 400 {
		t.Errorf("shrunk position qty %v basis %v", p.Quantity, p.CostBasis)
	}
	if _, ok := h.exec.Position("gone"); ok {
		t.Error("orphaned position was loaded")
	}

	open, _ := db.OpenPositions()
	if len(open) != 2 {
		t.Errorf("open in db = %d, want orphan closed", len(open))
	}
}

func TestRiskStateRoundTrip(t *testing.T) {
	db, err := storage.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	r := NewReconciler(nil, db, nil)

	if st, err := r.LoadRiskState(); err != nil || st != nil {
		t.Fatalf("empty load = %v, %v", st, err)
	}
	loss := decimal.NewFromInt(-3).Shift(17)
	if err := r.SaveRiskState(loss, true, "max daily loss exceeded"); err != nil {
		t.Fatal(err)
	}
	st, err := r.LoadRiskState()
	if err != nil || st == nil || !st.DailyPnL.Equal(loss) || !st.Tripped {
		t.Fatalf("loaded %+v, %v", st, err)
	}
}
