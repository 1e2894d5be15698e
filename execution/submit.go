package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/chainsniper/chain"
	"github.com/web3guy0/chainsniper/gas"
	"github.com/web3guy0/chainsniper/internal/retry"
	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SUBMISSION - simulate → sign → broadcast → receipt
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every transaction of one order shares a single nonce, so at most one of
// them can ever be mined.
//
//   simulate revert       → FAILED, no broadcast
//   relay reject/timeout  → same signed tx on the public mempool (if allowed)
//   receipt timeout       → one replacement with escalated fees
//   network failure       → retry up to MaxRetries
//   nonce conflict        → one refetch of the pending nonce
//   deadline              → FAILED; hashes stay watched for late confirmation
//
// ═══════════════════════════════════════════════════════════════════════════════

type txCall struct {
	To    common.Address
	Value *uint256.Int
	Data  []byte
}

func (e *Executor) networkRetry(maxRetries int) retry.Config {
	cfg := retry.NetworkConfig()
	if maxRetries < 0 {
		maxRetries = 0
	}
	cfg.MaxAttempts = maxRetries + 1
	cfg.Clock = e.clock
	return cfg
}

func retryRead[T any](ctx context.Context, cfg retry.Config, fn func() (T, error)) (T, error) {
	return retry.DoWithResult(ctx, fn, cfg)
}

// submit drives call to a successful receipt. Every failure path finalizes
// the order as Failed before returning; success leaves finalization to the
// caller so accounting lands in the terminal snapshot.
func (e *Executor) submit(ctx context.Context, entry *orderEntry, call txCall, p types.ExecutionParams) (*ethtypes.Receipt, error) {
	o := entry.order
	wallet := o.Wallet
	netCfg := e.networkRetry(p.MaxRetries)

	value := call.Value
	if value == nil {
		value = new(uint256.Int)
	}
	msg := ethereum.CallMsg{From: wallet, To: &call.To, Value: value.ToBig(), Data: call.Data}
	sim, err := retryRead(ctx, netCfg, func() (*chain.Simulation, error) { return e.chain.Simulate(ctx, msg) })
	if err != nil {
		return nil, e.fail(entry, err)
	}
	gasLimit := p.GasLimit
	if gasLimit == 0 {
		gasLimit = sim.GasEstimate + sim.GasEstimate*e.cfg.GasBufferPct/100
	}

	if e.cfg.DryRun {
		log.Info().Str("order", o.ID).Uint64("gas", gasLimit).Msg("🧪 Dry run: simulation passed, not broadcasting")
		return nil, e.fail(entry, ErrDryRun)
	}

	fees, err := retryRead(ctx, netCfg, func() (*gas.Fees, error) { return e.fees.Suggest(ctx, p.Urgency) })
	if err != nil {
		return nil, e.fail(entry, fmt.Errorf("fees: %w", err))
	}
	nonce, err := retryRead(ctx, netCfg, func() (uint64, error) { return e.nonces.Next(ctx, wallet) })
	if err != nil {
		return nil, e.fail(entry, fmt.Errorf("nonce: %w", err))
	}

	entry.mu.Lock()
	o.Nonce = nonce
	o.MaxFee = new(uint256.Int).Set(fees.MaxFee)
	o.PriorityFee = new(uint256.Int).Set(fees.PriorityFee)
	entry.nonceHeld = true
	method := o.Method
	entry.mu.Unlock()

	var (
		signed       *ethtypes.Transaction
		escalated    bool
		nonceRetried bool
		netFailures  int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, e.fail(entry, err)
		}
		if !e.clock.Now().Before(o.Deadline) {
			return nil, e.expire(entry)
		}

		if signed == nil {
			signed, err = e.sign(wallet, nonce, fees, gasLimit, call.To, value, call.Data)
			if err != nil {
				return nil, e.fail(entry, err)
			}
		}

		res := e.chain.Broadcast(ctx, signed, chain.BroadcastOptions{Private: method == types.MethodPrivateRelay})
		e.recordAttempt(entry, signed)

		switch {
		case res.Status == chain.Accepted:
			e.markSubmitted(entry)
			until := e.clock.Now().Add(e.cfg.ReceiptTimeout)
			if escalated || until.After(o.Deadline) {
				until = o.Deadline
			}
			rcpt, err := e.waitReceipt(ctx, entry, until)
			if err != nil {
				return nil, e.fail(entry, err)
			}
			if rcpt != nil {
				return e.accept(entry, rcpt)
			}
			if escalated {
				return nil, e.expire(entry)
			}

			escalated = true
			next, err := e.fees.Escalate(fees)
			if err != nil {
				log.Warn().Err(err).Str("order", o.ID).Msg("⚠️ Cannot escalate, waiting out deadline")
				return e.waitOut(ctx, entry)
			}
			fees = next
			signed = nil
			if method == types.MethodPrivateRelay && p.AllowPublicFallback {
				method = types.MethodPublic
				e.switchMethod(entry, method)
			}
			entry.mu.Lock()
			o.MaxFee = new(uint256.Int).Set(fees.MaxFee)
			o.PriorityFee = new(uint256.Int).Set(fees.PriorityFee)
			entry.mu.Unlock()
			log.Warn().
				Str("order", o.ID).
				Uint64("nonce", nonce).
				Str("priority_gwei", types.ToDecimal(fees.PriorityFee).Shift(-9).StringFixed(2)).
				Str("method", string(method)).
				Msg("⛽ No receipt, replacing with escalated fees")

		case method == types.MethodPrivateRelay &&
			(res.Status == chain.RelayRejected || res.Status == chain.NetworkTimeout):
			if res.Status == chain.NetworkTimeout {
				// the relay may still hold it
				e.markBroadcast(entry)
			}
			if p.AllowPublicFallback {
				e.alert(types.SeverityWarning, types.AlertRelayRejected, o.Token,
					fmt.Sprintf("order %s: private relay %s, falling back to public", o.ID, res.Status))
				log.Warn().Err(res.Err).Str("order", o.ID).Msg("🔁 Relay failed, falling back to public mempool")
				method = types.MethodPublic
				e.switchMethod(entry, method)
				continue
			}
			if res.Status == chain.RelayRejected {
				e.alert(types.SeverityCritical, types.AlertRelayRejected, o.Token,
					fmt.Sprintf("order %s: private relay rejected, public fallback disabled", o.ID))
				return nil, e.fail(entry, res.Err)
			}
			netFailures++
			if err := e.backoff(ctx, netCfg, netFailures, p.MaxRetries, res.Err); err != nil {
				return nil, e.fail(entry, err)
			}

		case res.Status == chain.NetworkTimeout:
			netFailures++
			if err := e.backoff(ctx, netCfg, netFailures, p.MaxRetries, res.Err); err != nil {
				return nil, e.fail(entry, err)
			}

		case res.Status == chain.NonceConflict:
			if e.hasBroadcast(entry) {
				// an earlier attempt holds this nonce: only its receipt can settle the order
				return e.waitOut(ctx, entry)
			}
			if nonceRetried {
				return nil, e.fail(entry, res.Err)
			}
			nonceRetried = true
			e.nonces.Reset(wallet)
			nonce, err = e.nonces.Next(ctx, wallet)
			if err != nil {
				entry.mu.Lock()
				entry.nonceHeld = false
				entry.mu.Unlock()
				return nil, e.fail(entry, fmt.Errorf("nonce: %w", err))
			}
			entry.mu.Lock()
			o.Nonce = nonce
			entry.mu.Unlock()
			signed = nil
			log.Warn().Str("order", o.ID).Uint64("nonce", nonce).Msg("🔢 Nonce conflict, refetched")

		default:
			if res.Err == nil {
				res.Err = types.ErrRelayRejected
			}
			return nil, e.fail(entry, res.Err)
		}
	}
}

func (e *Executor) backoff(ctx context.Context, cfg retry.Config, failures, maxRetries int, cause error) error {
	if failures > maxRetries {
		return fmt.Errorf("broadcast failed after %d attempts: %w", failures, cause)
	}
	delay := cfg.Delay(failures - 1)
	log.Warn().Err(cause).Int("attempt", failures).Dur("delay", delay).Msg("⚠️ Broadcast failed, retrying...")
	return e.clock.Sleep(ctx, delay)
}

func (e *Executor) sign(wallet common.Address, nonce uint64, fees *gas.Fees, gasLimit uint64, to common.Address, value *uint256.Int, data []byte) (*ethtypes.Transaction, error) {
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   new(big.Int).Set(e.cfg.ChainID),
		Nonce:     nonce,
		GasTipCap: fees.PriorityFee.ToBig(),
		GasFeeCap: fees.MaxFee.ToBig(),
		Gas:       gasLimit,
		To:        &to,
		Value:     value.ToBig(),
		Data:      data,
	})
	return e.signer.SignTx(wallet, tx)
}

func (e *Executor) recordAttempt(entry *orderEntry, tx *ethtypes.Transaction) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	o := entry.order
	o.Attempts++
	o.TxHash = tx.Hash()
	for _, h := range o.TxHashes {
		if h == o.TxHash {
			return
		}
	}
	o.TxHashes = append(o.TxHashes, o.TxHash)
}

func (e *Executor) markBroadcast(entry *orderEntry) {
	entry.mu.Lock()
	entry.broadcast = true
	entry.mu.Unlock()
}

func (e *Executor) hasBroadcast(entry *orderEntry) bool {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.broadcast
}

func (e *Executor) markSubmitted(entry *orderEntry) {
	entry.mu.Lock()
	entry.broadcast = true
	o := entry.order
	first := o.Status == types.OrderPending
	if first {
		if err := transitionOrder(o, types.OrderSubmitted); err != nil {
			log.Error().Err(err).Msg("❌ Order state machine violation")
		}
		o.SubmittedAt = e.clock.Now()
	}
	snap := o.Clone()
	internal := entry.internal
	entry.mu.Unlock()

	if first && !internal {
		log.Info().
			Str("order", snap.ID).
			Str("tx", snap.TxHash.Hex()).
			Uint64("nonce", snap.Nonce).
			Str("method", string(snap.Method)).
			Msg("📡 Order submitted")
		e.persistOrder(snap)
	}
}

func (e *Executor) switchMethod(entry *orderEntry, m types.ExecutionMethod) {
	entry.mu.Lock()
	entry.order.Method = m
	entry.mu.Unlock()
}

// waitReceipt polls every hash of the order until one has a receipt or until passes
func (e *Executor) waitReceipt(ctx context.Context, entry *orderEntry, until time.Time) (*ethtypes.Receipt, error) {
	for {
		if rcpt := e.pollOnce(ctx, entry); rcpt != nil {
			return rcpt, nil
		}
		if !e.clock.Now().Before(until) {
			return nil, nil
		}
		if err := e.clock.Sleep(ctx, e.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (e *Executor) pollOnce(ctx context.Context, entry *orderEntry) *ethtypes.Receipt {
	entry.mu.Lock()
	hashes := append([]common.Hash(nil), entry.order.TxHashes...)
	entry.mu.Unlock()

	for _, h := range hashes {
		rcpt, err := e.chain.TransactionReceipt(ctx, h)
		if err != nil {
			log.Debug().Err(err).Str("tx", h.Hex()).Msg("Receipt poll failed")
			continue
		}
		if rcpt != nil {
			return rcpt
		}
	}
	return nil
}

// waitOut waits for any broadcast hash until the order deadline
func (e *Executor) waitOut(ctx context.Context, entry *orderEntry) (*ethtypes.Receipt, error) {
	rcpt, err := e.waitReceipt(ctx, entry, entry.order.Deadline)
	if err != nil {
		return nil, e.fail(entry, err)
	}
	if rcpt == nil {
		return nil, e.expire(entry)
	}
	return e.accept(entry, rcpt)
}

// accept settles a polled receipt unless it was first seen at or past the
// order deadline; such an order expires and the receipt is reported as late
func (e *Executor) accept(entry *orderEntry, rcpt *ethtypes.Receipt) (*ethtypes.Receipt, error) {
	if !e.clock.Now().Before(entry.order.Deadline) {
		return nil, e.expire(entry)
	}
	return e.settle(entry, rcpt)
}

// settle records the receipt; a reverted receipt fails the order
func (e *Executor) settle(entry *orderEntry, rcpt *ethtypes.Receipt) (*ethtypes.Receipt, error) {
	entry.mu.Lock()
	o := entry.order
	o.TxHash = rcpt.TxHash
	o.GasUsed = rcpt.GasUsed
	o.GasPrice = effectiveGasPrice(rcpt)
	if rcpt.BlockNumber != nil {
		o.BlockNumber = rcpt.BlockNumber.Uint64()
	}
	entry.nonceHeld = false
	entry.mu.Unlock()

	if rcpt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, e.fail(entry, ErrOnChainRevert)
	}
	return rcpt, nil
}

// expire fails the order on its deadline and keeps watching its hashes
func (e *Executor) expire(entry *orderEntry) error {
	err := e.fail(entry, types.ErrDeadline)
	if e.hasBroadcast(entry) && e.cfg.LateWatch > 0 {
		e.wg.Add(1)
		go e.watchLate(e.background(), entry)
	}
	return err
}

// watchLate reports a confirmation that arrives after the order was failed.
// The order is never reopened.
func (e *Executor) watchLate(ctx context.Context, entry *orderEntry) {
	defer e.wg.Done()
	until := e.clock.Now().Add(e.cfg.LateWatch)
	rcpt, err := e.waitReceipt(ctx, entry, until)
	if err != nil || rcpt == nil {
		return
	}
	o := e.snapshot(entry)
	log.Warn().
		Str("order", o.ID).
		Str("tx", rcpt.TxHash.Hex()).
		Uint64("status", rcpt.Status).
		Msg("⚠️ Late confirmation of a failed order")
	e.alert(types.SeverityCritical, types.AlertLateConfirmation, o.Token,
		fmt.Sprintf("order %s was failed on deadline but tx %s was mined", o.ID, rcpt.TxHash.Hex()))
}

func effectiveGasPrice(rcpt *ethtypes.Receipt) *uint256.Int {
	if rcpt.EffectiveGasPrice == nil {
		return new(uint256.Int)
	}
	p, err := types.FromBig(rcpt.EffectiveGasPrice)
	if err != nil {
		return new(uint256.Int)
	}
	return p
}

func gasCost(rcpt *ethtypes.Receipt) (*uint256.Int, error) {
	return types.Mul(uint256.NewInt(rcpt.GasUsed), effectiveGasPrice(rcpt))
}

// IsTerminalError reports whether an order error is final for the caller:
// retrying the same request would fail the same way
func IsTerminalError(err error) bool {
	var sim *types.SimulationError
	return errors.As(err, &sim) || errors.Is(err, types.ErrRiskBlocked) || errors.Is(err, ErrDryRun) ||
		errors.Is(err, types.ErrConfig)
}
