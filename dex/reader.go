package dex

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/web3guy0/chainsniper/types"
)

// Caller executes read-only contract calls
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// PairState is a pair's token order and reserves
type PairState struct {
	Pair     common.Address
	Token0   common.Address
	Token1   common.Address
	Reserve0 *uint256.Int
	Reserve1 *uint256.Int
}

// Oriented returns (reserveIn, reserveOut) for a swap starting at tokenIn
func (p PairState) Oriented(tokenIn common.Address) Reserves {
	if tokenIn == p.Token0 {
		return Reserves{In: p.Reserve0, Out: p.Reserve1}
	}
	return Reserves{In: p.Reserve1, Out: p.Reserve0}
}

// ReserveOf returns the reserve held of token
func (p PairState) ReserveOf(token common.Address) *uint256.Int {
	if token == p.Token0 {
		return p.Reserve0
	}
	return p.Reserve1
}

// Reader performs typed reads against pairs and tokens
type Reader struct {
	caller Caller
}

func NewReader(c Caller) *Reader {
	return &Reader{caller: c}
}

func (r *Reader) call(ctx context.Context, to common.Address, a abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	input, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	values, err := a.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func (r *Reader) uintCall(ctx context.Context, to common.Address, a abi.ABI, method string, args ...interface{}) (*uint256.Int, error) {
	values, err := r.call(ctx, to, a, method, args...)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	b, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result %T", method, values[0])
	}
	return types.FromBig(b)
}

func (r *Reader) addressCall(ctx context.Context, to common.Address, a abi.ABI, method string, args ...interface{}) (common.Address, error) {
	values, err := r.call(ctx, to, a, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	if len(values) == 0 {
		return common.Address{}, fmt.Errorf("%s: empty result", method)
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: unexpected result %T", method, values[0])
	}
	return addr, nil
}

// Pair reads token order and reserves
func (r *Reader) Pair(ctx context.Context, pair common.Address) (PairState, error) {
	st := PairState{Pair: pair}
	var err error
	if st.Token0, err = r.addressCall(ctx, pair, PairABI, "token0"); err != nil {
		return st, err
	}
	if st.Token1, err = r.addressCall(ctx, pair, PairABI, "token1"); err != nil {
		return st, err
	}
	values, err := r.call(ctx, pair, PairABI, "getReserves")
	if err != nil {
		return st, err
	}
	if len(values) < 2 {
		return st, fmt.Errorf("getReserves: short result")
	}
	r0, ok0 := values[0].(*big.Int)
	r1, ok1 := values[1].(*big.Int)
	if !ok0 || !ok1 {
		return st, fmt.Errorf("getReserves: unexpected result")
	}
	if st.Reserve0, err = types.FromBig(r0); err != nil {
		return st, err
	}
	if st.Reserve1, err = types.FromBig(r1); err != nil {
		return st, err
	}
	return st, nil
}

// GetPair asks the factory for an existing pair; zero if none
func (r *Reader) GetPair(ctx context.Context, factory, a, b common.Address) (common.Address, error) {
	return r.addressCall(ctx, factory, FactoryABI, "getPair", a, b)
}

// BalanceOf reads an ERC20 (or LP) balance
func (r *Reader) BalanceOf(ctx context.Context, token, holder common.Address) (*uint256.Int, error) {
	return r.uintCall(ctx, token, ERC20ABI, "balanceOf", holder)
}

// TotalSupply reads an ERC20 (or LP) supply
func (r *Reader) TotalSupply(ctx context.Context, token common.Address) (*uint256.Int, error) {
	return r.uintCall(ctx, token, ERC20ABI, "totalSupply")
}

// Allowance reads an ERC20 allowance
func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error) {
	return r.uintCall(ctx, token, ERC20ABI, "allowance", owner, spender)
}

// Owner reads an Ownable owner; tokens without owner() report the zero address
func (r *Reader) Owner(ctx context.Context, token common.Address) (common.Address, error) {
	addr, err := r.addressCall(ctx, token, ERC20ABI, "owner")
	if err != nil {
		return common.Address{}, nil
	}
	return addr, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOG PARSING
// ═══════════════════════════════════════════════════════════════════════════════

// PairCreated is a decoded factory event
type PairCreated struct {
	Factory common.Address
	Token0  common.Address
	Token1  common.Address
	Pair    common.Address
}

// ParsePairCreated decodes a factory PairCreated log
func ParsePairCreated(l ethtypes.Log) (PairCreated, error) {
	if len(l.Topics) != 3 || l.Topics[0] != PairCreatedTopic {
		return PairCreated{}, fmt.Errorf("not a PairCreated log")
	}
	values, err := FactoryABI.Events["PairCreated"].Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return PairCreated{}, fmt.Errorf("unpack PairCreated: %w", err)
	}
	pair, ok := values[0].(common.Address)
	if !ok {
		return PairCreated{}, fmt.Errorf("PairCreated: unexpected pair %T", values[0])
	}
	return PairCreated{
		Factory: l.Address,
		Token0:  common.BytesToAddress(l.Topics[1].Bytes()),
		Token1:  common.BytesToAddress(l.Topics[2].Bytes()),
		Pair:    pair,
	}, nil
}

// SumTransfersTo totals ERC20 Transfer logs of token credited to recipient
func SumTransfersTo(logs []*ethtypes.Log, token, recipient common.Address) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, l := range logs {
		if l.Address != token || len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != recipient {
			continue
		}
		v, err := types.FromBig(new(big.Int).SetBytes(l.Data))
		if err != nil {
			return nil, err
		}
		if total, err = types.Add(total, v); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// SumWithdrawals totals WETH Withdrawal logs whose source is src (the router unwrapping for us)
func SumWithdrawals(logs []*ethtypes.Log, weth, src common.Address) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, l := range logs {
		if l.Address != weth || len(l.Topics) != 2 || l.Topics[0] != WithdrawalTopic {
			continue
		}
		if common.BytesToAddress(l.Topics[1].Bytes()) != src {
			continue
		}
		v, err := types.FromBig(new(big.Int).SetBytes(l.Data))
		if err != nil {
			return nil, err
		}
		if total, err = types.Add(total, v); err != nil {
			return nil, err
		}
	}
	return total, nil
}
