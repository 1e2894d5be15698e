package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIMULATION & BROADCAST
// ═══════════════════════════════════════════════════════════════════════════════

// Simulation is the outcome of a successful dry run
type Simulation struct {
	ReturnData  []byte
	GasEstimate uint64
}

// Simulate dry-runs msg with eth_call and eth_estimateGas. Reverts are returned
// as *types.SimulationError; transport failures wrap types.ErrNetwork.
func (c *Client) Simulate(ctx context.Context, msg ethereum.CallMsg) (*Simulation, error) {
	out, err := c.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, asRevert(err)
	}
	gas, err := c.EstimateGas(ctx, msg)
	if err != nil {
		return nil, asRevert(err)
	}
	return &Simulation{ReturnData: out, GasEstimate: gas}, nil
}

// asRevert converts node revert errors into SimulationError
func asRevert(err error) error {
	if errors.Is(err, types.ErrNetwork) || errors.Is(err, context.Canceled) {
		return err
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return &types.SimulationError{Reason: reason}
				}
			}
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "revert") || strings.Contains(msg, "gas required exceeds") ||
		strings.Contains(msg, "insufficient funds") {
		return &types.SimulationError{Reason: strings.TrimPrefix(msg, "execution reverted: ")}
	}
	return err
}

// BroadcastStatus is the outcome class of a submission
type BroadcastStatus int

const (
	Accepted BroadcastStatus = iota
	RelayRejected
	NetworkTimeout
	NonceConflict
)

func (s BroadcastStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case RelayRejected:
		return "relay_rejected"
	case NetworkTimeout:
		return "network_timeout"
	case NonceConflict:
		return "nonce_conflict"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// BroadcastOptions selects the submission path
type BroadcastOptions struct {
	Private bool
	// MaxBlock bounds private inclusion; 0 lets the relay choose
	MaxBlock uint64
}

// BroadcastResult always carries a status; Err explains non-Accepted outcomes
type BroadcastResult struct {
	Status BroadcastStatus
	TxHash common.Hash
	Err    error
}

// Broadcast submits a signed transaction publicly or through the private relay
func (c *Client) Broadcast(ctx context.Context, tx *ethtypes.Transaction, opts BroadcastOptions) BroadcastResult {
	res := BroadcastResult{TxHash: tx.Hash()}

	if opts.Private {
		c.mu.RLock()
		relay := c.relay
		c.mu.RUnlock()
		if relay == nil {
			res.Status = RelayRejected
			res.Err = fmt.Errorf("%w: no private relay configured", types.ErrRelayRejected)
			return res
		}
		err := relay.SendPrivate(ctx, tx, opts.MaxBlock)
		res.Status, res.Err = classifyRelay(err)
		log.Debug().Str("tx", res.TxHash.Hex()).Str("status", res.Status.String()).Msg("Private broadcast")
		return res
	}

	err := c.do(ctx, func(ctx context.Context, b Backend) error {
		return b.SendTransaction(ctx, tx)
	})
	res.Status, res.Err = classifyPublic(err)
	log.Debug().Str("tx", res.TxHash.Hex()).Str("status", res.Status.String()).Msg("Public broadcast")
	return res
}

func classifyRelay(err error) (BroadcastStatus, error) {
	switch {
	case err == nil:
		return Accepted, nil
	case errors.Is(err, types.ErrNetwork) || errors.Is(err, context.DeadlineExceeded):
		return NetworkTimeout, err
	case isNonceError(err):
		return NonceConflict, fmt.Errorf("%w: %v", types.ErrNonceConflict, err)
	default:
		return RelayRejected, fmt.Errorf("%w: %v", types.ErrRelayRejected, err)
	}
}

func classifyPublic(err error) (BroadcastStatus, error) {
	switch {
	case err == nil:
		return Accepted, nil
	case strings.Contains(strings.ToLower(err.Error()), "already known"):
		// a previous attempt of this exact transaction reached the pool
		return Accepted, nil
	case errors.Is(err, types.ErrNetwork) || errors.Is(err, context.DeadlineExceeded):
		return NetworkTimeout, err
	case isNonceError(err):
		return NonceConflict, fmt.Errorf("%w: %v", types.ErrNonceConflict, err)
	default:
		return RelayRejected, fmt.Errorf("%w: %v", types.ErrRelayRejected, err)
	}
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "invalid nonce")
}
