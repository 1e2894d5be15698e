package risk

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/web3guy0/chainsniper/chain"
	"github.com/web3guy0/chainsniper/dex"
	"github.com/web3guy0/chainsniper/types"
)

// Revert reasons emitted by the round-trip helper contract
const (
	ReasonBuyFailed  = "BUY_FAILED"
	ReasonSellFailed = "SELL_FAILED"
)

// ErrNoSimulator is returned when no helper contract is configured
var ErrNoSimulator = errors.New("round trip simulator not configured")

// RoundTrip is the measured outcome of a simulated buy followed by a full sell
type RoundTrip struct {
	BuyExpected  *uint256.Int
	BuyActual    *uint256.Int
	SellExpected *uint256.Int
	SellActual   *uint256.Int
	BuyGas       uint64
	SellGas      uint64
	SellReverted bool
}

// Simulator measures buy/sell behavior without touching chain state
type Simulator interface {
	RoundTrip(ctx context.Context, router common.Address, path []common.Address, amountIn *uint256.Int) (*RoundTrip, error)
}

// CallSimulator is the subset of the chain client used for dry runs
type CallSimulator interface {
	Simulate(ctx context.Context, msg ethereum.CallMsg) (*chain.Simulation, error)
}

// ContractSimulator eth_calls a deployed round-trip helper
type ContractSimulator struct {
	client CallSimulator
	helper common.Address
	from   common.Address
}

// NewContractSimulator uses helper as the simulation contract; from must hold enough
// balance for the simulated amount in eth_call context (any funded address works)
func NewContractSimulator(client CallSimulator, helper, from common.Address) *ContractSimulator {
	return &ContractSimulator{client: client, helper: helper, from: from}
}

func (s *ContractSimulator) RoundTrip(ctx context.Context, router common.Address, path []common.Address, amountIn *uint256.Int) (*RoundTrip, error) {
	if s.helper == (common.Address{}) {
		return nil, ErrNoSimulator
	}
	data, err := dex.PackRoundTrip(router, path)
	if err != nil {
		return nil, err
	}
	helper := s.helper
	res, err := s.client.Simulate(ctx, ethereum.CallMsg{
		From:  s.from,
		To:    &helper,
		Value: amountIn.ToBig(),
		Data:  data,
	})
	if err != nil {
		var sim *types.SimulationError
		if errors.As(err, &sim) && sim.Reason != ReasonBuyFailed {
			return &RoundTrip{SellReverted: true}, nil
		}
		return nil, err
	}

	values, err := dex.RoundTripABI.Unpack("roundTrip", res.ReturnData)
	if err != nil {
		return nil, fmt.Errorf("unpack roundTrip: %w", err)
	}
	if len(values) != 6 {
		return nil, fmt.Errorf("roundTrip: expected 6 outputs, got %d", len(values))
	}
	nums := make([]*uint256.Int, 6)
	for i, v := range values {
		b, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("roundTrip: output %d is %T", i, v)
		}
		if nums[i], err = types.FromBig(b); err != nil {
			return nil, err
		}
	}
	return &RoundTrip{
		BuyExpected:  nums[0],
		BuyActual:    nums[1],
		SellExpected: nums[2],
		SellActual:   nums[3],
		BuyGas:       nums[4].Uint64(),
		SellGas:      nums[5].Uint64(),
	}, nil
}
