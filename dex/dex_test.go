package dex

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

var (
	usdc  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	token = common.HexToAddress("0x1111111111111111111111111111111111111111")
	alice = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

func TestPairForMatchesMainnet(t *testing.T) {
	want := common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
	if got := PairFor(UniswapV2, MainnetWETH, usdc); got != want {
		t.Errorf("PairFor(WETH, USDC) = %s, want %s", got.Hex(), want.Hex())
	}
	if PairFor(UniswapV2, usdc, MainnetWETH) != PairFor(UniswapV2, MainnetWETH, usdc) {
		t.Error("PairFor must be order independent")
	}
}

func TestGetAmountOut(t *testing.T) {
	got, err := GetAmountOut(ether(1), ether(10), ether(1000))
	if err != nil {
		t.Fatal(err)
	}
	want, _ := new(big.Int).SetString("90661089388014913158", 10)
	if got.ToBig().Cmp(want) != 0 {
		t.Errorf("GetAmountOut = %s, want %s", got.Dec(), want)
	}

	if _, err := GetAmountOut(ether(1), new(uint256.Int), ether(1)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("empty pool: %v", err)
	}
}

func TestGetAmountsOutMultiHop(t *testing.T) {
	hops := []Reserves{
		{In: ether(10), Out: ether(1000)},
		{In: ether(500), Out: ether(500)},
	}
	amounts, err := GetAmountsOut(ether(1), hops)
	if err != nil {
		t.Fatal(err)
	}
	if len(amounts) != 3 {
		t.Fatalf("len = %d", len(amounts))
	}
	second, _ := GetAmountOut(amounts[1], ether(500), ether(500))
	if !amounts[2].Eq(second) {
		t.Errorf("hop 2 = %s, want %s", amounts[2].Dec(), second.Dec())
	}
}

func TestDecodeBuy(t *testing.T) {
	reg := NewRegistry(MainnetWETH, UniswapV2)
	path := []common.Address{MainnetWETH, token}
	data, err := PackBuy(uint256.NewInt(123), path, alice, 1_700_000_000)
	if err != nil {
		t.Fatal(err)
	}
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{To: &UniswapV2.Router, Value: big.NewInt(5e17), Data: data, Gas: 200_000, GasPrice: big.NewInt(1)})

	call, err := reg.Decode(tx)
	if err != nil {
		t.Fatal(err)
	}
	if call.Kind != CallSwapBuy || call.Token != token || call.AmountIn.Uint64() != 5e17 || call.AmountOutMin.Uint64() != 123 {
		t.Errorf("decoded %+v", call)
	}
}

func TestDecodeAddLiquidityETH(t *testing.T) {
	reg := NewRegistry(MainnetWETH, UniswapV2)
	data, err := RouterABI.Pack("addLiquidityETH", token, big.NewInt(1_000_000), big.NewInt(0), big.NewInt(0), alice, big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{To: &UniswapV2.Router, Value: big.NewInt(1e18), Data: data})

	call, err := reg.Decode(tx)
	if err != nil {
		t.Fatal(err)
	}
	if call.Kind != CallAddLiquidity || call.Token != token || call.AmountToken.Uint64() != 1_000_000 {
		t.Errorf("decoded %+v", call)
	}
}

func TestDecodeRejects(t *testing.T) {
	reg := NewRegistry(MainnetWETH, UniswapV2)
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")

	tests := []struct {
		name string
		tx   *ethtypes.Transaction
		want error
	}{
		{"unknown router", ethtypes.NewTx(&ethtypes.LegacyTx{To: &other, Data: []byte{1, 2, 3, 4}}), ErrNotRouter},
		{"short data", ethtypes.NewTx(&ethtypes.LegacyTx{To: &UniswapV2.Router, Data: []byte{1}}), ErrMalformedInput},
		{"unknown selector", ethtypes.NewTx(&ethtypes.LegacyTx{To: &UniswapV2.Router, Data: []byte{0xde, 0xad, 0xbe, 0xef}}), ErrUnknownMethod},
		{"truncated args", ethtypes.NewTx(&ethtypes.LegacyTx{To: &UniswapV2.Router, Data: RouterABI.Methods["swapExactETHForTokens"].ID}), ErrMalformedInput},
		{"contract creation", ethtypes.NewTx(&ethtypes.LegacyTx{Data: []byte{1}}), ErrNotRouter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg.Decode(tt.tx); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParsePairCreated(t *testing.T) {
	pair := common.HexToAddress("0x4444444444444444444444444444444444444444")
	data, err := FactoryABI.Events["PairCreated"].Inputs.NonIndexed().Pack(pair, big.NewInt(7))
	if err != nil {
		t.Fatal(err)
	}
	l := ethtypes.Log{
		Address: UniswapV2.Factory,
		Topics:  []common.Hash{PairCreatedTopic, common.BytesToHash(MainnetWETH.Bytes()), common.BytesToHash(token.Bytes())},
		Data:    data,
	}
	pc, err := ParsePairCreated(l)
	if err != nil {
		t.Fatal(err)
	}
	if pc.Pair != pair || pc.Token0 != MainnetWETH || pc.Token1 != token || pc.Factory != UniswapV2.Factory {
		t.Errorf("parsed %+v", pc)
	}
}

func TestSumTransfersTo(t *testing.T) {
	mk := func(to common.Address, v int64) *ethtypes.Log {
		return &ethtypes.Log{
			Address: token,
			Topics:  []common.Hash{TransferTopic, common.BytesToHash(MainnetWETH.Bytes()), common.BytesToHash(to.Bytes())},
			Data:    common.LeftPadBytes(big.NewInt(v).Bytes(), 32),
		}
	}
	logs := []*ethtypes.Log{mk(alice, 100), mk(usdc, 50), mk(alice, 25)}
	got, err := SumTransfersTo(logs, token, alice)
	if err != nil || got.Uint64() != 125 {
		t.Errorf("got %v, %v", got, err)
	}
}
