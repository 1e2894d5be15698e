package dex

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DEX REGISTRY - Router/factory table and calldata decoder
// ═══════════════════════════════════════════════════════════════════════════════

// DEX describes one Uniswap-V2-style deployment
type DEX struct {
	Name         string
	Router       common.Address
	Factory      common.Address
	InitCodeHash common.Hash
}

// UniswapV2 mainnet deployment
var UniswapV2 = DEX{
	Name:         "uniswap_v2",
	Router:       common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"),
	Factory:      common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"),
	InitCodeHash: common.HexToHash("0x96e8ac4277198ff8b6f785478aa9a39f403cb768dd02cbee326c3e7da348845f"),
}

// SushiSwap mainnet deployment
var SushiSwap = DEX{
	Name:         "sushiswap",
	Router:       common.HexToAddress("0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F"),
	Factory:      common.HexToAddress("0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac"),
	InitCodeHash: common.HexToHash("0xe18a34eb0e04b04f7a0ac29a6e80748dca96319b42c54d679cb821dca90c6303"),
}

// MainnetWETH is wrapped ether on chain 1
var MainnetWETH = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

// CallKind classifies decoded router calls
type CallKind int

const (
	CallUnknown   CallKind = iota
	CallSwapBuy            // base → token
	CallSwapSell           // token → base
	CallSwapOther          // token → token
	CallAddLiquidity
)

func (k CallKind) String() string {
	switch k {
	case CallSwapBuy:
		return "swap_buy"
	case CallSwapSell:
		return "swap_sell"
	case CallSwapOther:
		return "swap"
	case CallAddLiquidity:
		return "add_liquidity"
	default:
		return "unknown"
	}
}

// DecodedCall is a router transaction reduced to what the monitor needs
type DecodedCall struct {
	DEX          DEX
	Method       string
	Kind         CallKind
	Path         []common.Address
	Token        common.Address // non-base token touched by the call
	AmountIn     *uint256.Int   // base or token amount sent in
	AmountOutMin *uint256.Int
	AmountToken  *uint256.Int // liquidity adds only
}

var (
	ErrNotRouter      = errors.New("not a known router")
	ErrUnknownMethod  = errors.New("unknown selector")
	ErrMalformedInput = errors.New("malformed calldata")
)

// Registry maps routers and selectors to decoders
type Registry struct {
	base      common.Address
	byRouter  map[common.Address]DEX
	byName    map[string]DEX
	byFactory map[common.Address]DEX
	selectors map[[4]byte]*abi.Method
}

// NewRegistry builds a registry for the given base token (WETH) and deployments
func NewRegistry(base common.Address, dexes ...DEX) *Registry {
	r := &Registry{
		base:      base,
		byRouter:  make(map[common.Address]DEX, len(dexes)),
		byName:    make(map[string]DEX, len(dexes)),
		byFactory: make(map[common.Address]DEX, len(dexes)),
		selectors: make(map[[4]byte]*abi.Method),
	}
	for _, d := range dexes {
		r.byRouter[d.Router] = d
		r.byName[d.Name] = d
		r.byFactory[d.Factory] = d
	}
	for name := range RouterABI.Methods {
		m := RouterABI.Methods[name]
		if m.IsConstant() {
			continue
		}
		var sel [4]byte
		copy(sel[:], m.ID)
		r.selectors[sel] = &m
	}
	return r
}

// Base returns the base token
func (r *Registry) Base() common.Address { return r.base }

// ByName looks a deployment up by name
func (r *Registry) ByName(name string) (DEX, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// ByFactory looks a deployment up by factory
func (r *Registry) ByFactory(f common.Address) (DEX, bool) {
	d, ok := r.byFactory[f]
	return d, ok
}

// ByRouter looks a deployment up by router
func (r *Registry) ByRouter(a common.Address) (DEX, bool) {
	d, ok := r.byRouter[a]
	return d, ok
}

// Factories lists every known factory, for log filters
func (r *Registry) Factories() []common.Address {
	out := make([]common.Address, 0, len(r.byFactory))
	for f := range r.byFactory {
		out = append(out, f)
	}
	return out
}

// Default returns the first deployment by name order used for manual orders
func (r *Registry) Default() (DEX, bool) {
	if d, ok := r.byName[UniswapV2.Name]; ok {
		return d, true
	}
	for _, d := range r.byName {
		return d, true
	}
	return DEX{}, false
}

// Decode parses a transaction sent to a known router
func (r *Registry) Decode(tx *ethtypes.Transaction) (*DecodedCall, error) {
	if tx.To() == nil {
		return nil, ErrNotRouter
	}
	d, ok := r.byRouter[*tx.To()]
	if !ok {
		return nil, ErrNotRouter
	}
	data := tx.Data()
	if len(data) < 4 {
		return nil, ErrMalformedInput
	}
	var sel [4]byte
	copy(sel[:], data[:4])
	m, ok := r.selectors[sel]
	if !ok {
		return nil, ErrUnknownMethod
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedInput, m.Name, err)
	}

	call := &DecodedCall{DEX: d, Method: m.Name}
	value, err := types.FromBig(tx.Value())
	if err != nil {
		return nil, err
	}

	switch m.Name {
	case "swapExactETHForTokens", "swapExactETHForTokensSupportingFeeOnTransferTokens", "swapETHForExactTokens":
		path, ok := args[1].([]common.Address)
		if !ok || len(path) < 2 {
			return nil, ErrMalformedInput
		}
		call.Kind = CallSwapBuy
		call.Path = path
		call.Token = path[len(path)-1]
		call.AmountIn = value
		if call.AmountOutMin, err = bigArg(args[0]); err != nil {
			return nil, err
		}

	case "swapExactTokensForETH", "swapExactTokensForETHSupportingFeeOnTransferTokens":
		path, ok := args[2].([]common.Address)
		if !ok || len(path) < 2 {
			return nil, ErrMalformedInput
		}
		call.Kind = CallSwapSell
		call.Path = path
		call.Token = path[0]
		if call.AmountIn, err = bigArg(args[0]); err != nil {
			return nil, err
		}
		if call.AmountOutMin, err = bigArg(args[1]); err != nil {
			return nil, err
		}

	case "swapExactTokensForTokens":
		path, ok := args[2].([]common.Address)
		if !ok || len(path) < 2 {
			return nil, ErrMalformedInput
		}
		call.Path = path
		switch {
		case path[0] == r.base:
			call.Kind = CallSwapBuy
			call.Token = path[len(path)-1]
		case path[len(path)-1] == r.base:
			call.Kind = CallSwapSell
			call.Token = path[0]
		default:
			call.Kind = CallSwapOther
			call.Token = path[len(path)-1]
		}
		if call.AmountIn, err = bigArg(args[0]); err != nil {
			return nil, err
		}
		if call.AmountOutMin, err = bigArg(args[1]); err != nil {
			return nil, err
		}

	case "addLiquidityETH":
		token, ok := args[0].(common.Address)
		if !ok {
			return nil, ErrMalformedInput
		}
		call.Kind = CallAddLiquidity
		call.Token = token
		call.Path = []common.Address{r.base, token}
		call.AmountIn = value
		if call.AmountToken, err = bigArg(args[1]); err != nil {
			return nil, err
		}

	case "addLiquidity":
		a, okA := args[0].(common.Address)
		b, okB := args[1].(common.Address)
		if !okA || !okB {
			return nil, ErrMalformedInput
		}
		call.Kind = CallAddLiquidity
		amtA, err := bigArg(args[2])
		if err != nil {
			return nil, err
		}
		amtB, err := bigArg(args[3])
		if err != nil {
			return nil, err
		}
		switch {
		case a == r.base:
			call.Token, call.AmountIn, call.AmountToken = b, amtA, amtB
		case b == r.base:
			call.Token, call.AmountIn, call.AmountToken = a, amtB, amtA
		default:
			// token/token pools are not tradable against the base
			call.Kind = CallUnknown
			call.Token = b
		}
		call.Path = []common.Address{r.base, call.Token}

	default:
		return nil, ErrUnknownMethod
	}
	return call, nil
}

func bigArg(v interface{}) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, ErrMalformedInput
	}
	return types.FromBig(b)
}

// SortTokens orders two addresses the way V2 factories do
func SortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}
