package dex

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/web3guy0/chainsniper/types"
)

// ErrInsufficientLiquidity mirrors the router revert for empty pools
var ErrInsufficientLiquidity = errors.New("insufficient liquidity")

var (
	fee997  = uint256.NewInt(997)
	fee1000 = uint256.NewInt(1000)
	maxUint = new(uint256.Int).SetAllOne()
)

// PairFor derives the pair address without an RPC call
func PairFor(d DEX, tokenA, tokenB common.Address) common.Address {
	t0, t1 := SortTokens(tokenA, tokenB)
	salt := crypto.Keccak256Hash(t0.Bytes(), t1.Bytes())
	return crypto.CreateAddress2(d.Factory, salt, d.InitCodeHash.Bytes())
}

// Reserves of one hop, oriented in the swap direction
type Reserves struct {
	In  *uint256.Int
	Out *uint256.Int
}

// GetAmountOut is the 0.3% constant-product quote
func GetAmountOut(amountIn, reserveIn, reserveOut *uint256.Int) (*uint256.Int, error) {
	if amountIn == nil || amountIn.IsZero() {
		return new(uint256.Int), nil
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, ErrInsufficientLiquidity
	}
	inWithFee, err := types.Mul(amountIn, fee997)
	if err != nil {
		return nil, err
	}
	numerator, err := types.Mul(inWithFee, reserveOut)
	if err != nil {
		return nil, err
	}
	scaledIn, err := types.Mul(reserveIn, fee1000)
	if err != nil {
		return nil, err
	}
	denominator, err := types.Add(scaledIn, inWithFee)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Div(numerator, denominator), nil
}

// GetAmountsOut chains GetAmountOut across hops; out[0] is amountIn
func GetAmountsOut(amountIn *uint256.Int, hops []Reserves) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, 0, len(hops)+1)
	out = append(out, new(uint256.Int).Set(amountIn))
	cur := amountIn
	for _, h := range hops {
		next, err := GetAmountOut(cur, h.In, h.Out)
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		cur = next
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CALLDATA
// ═══════════════════════════════════════════════════════════════════════════════

// PackBuy encodes a fee-on-transfer tolerant ETH → token swap
func PackBuy(minOut *uint256.Int, path []common.Address, to common.Address, deadline uint64) ([]byte, error) {
	return RouterABI.Pack("swapExactETHForTokensSupportingFeeOnTransferTokens",
		minOut.ToBig(), path, to, new(big.Int).SetUint64(deadline))
}

// PackSell encodes a fee-on-transfer tolerant token → ETH swap
func PackSell(amountIn, minOut *uint256.Int, path []common.Address, to common.Address, deadline uint64) ([]byte, error) {
	return RouterABI.Pack("swapExactTokensForETHSupportingFeeOnTransferTokens",
		amountIn.ToBig(), minOut.ToBig(), path, to, new(big.Int).SetUint64(deadline))
}

// PackApproveMax encodes an unlimited ERC20 approval
func PackApproveMax(spender common.Address) ([]byte, error) {
	return ERC20ABI.Pack("approve", spender, maxUint.ToBig())
}

// PackRoundTrip encodes a call to the safety helper contract
func PackRoundTrip(router common.Address, path []common.Address) ([]byte, error) {
	return RoundTripABI.Pack("roundTrip", router, path)
}

// ReversePath returns path in the opposite direction
func ReversePath(path []common.Address) []common.Address {
	out := make([]common.Address, len(path))
	for i, a := range path {
		out[len(path)-1-i] = a
	}
	return out
}
