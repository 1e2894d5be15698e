package execution

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/chainsniper/dex"
	"github.com/web3guy0/chainsniper/risk"
	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGEMENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Cost basis = amount in + buy gas. A sell of q out of Q open tokens releases
// cost basis × q/Q (the remainder on the final sell), so realized PnL over a
// position's life is exactly proceeds − total cost − sell gas.
//
// ═══════════════════════════════════════════════════════════════════════════════

// openPosition books a confirmed buy
func (e *Executor) openPosition(entry *orderEntry, rcpt *ethtypes.Receipt, req BuyRequest) (*types.Position, error) {
	entry.mu.Lock()
	o := entry.order
	amountIn := new(uint256.Int).Set(o.AmountIn)
	entry.mu.Unlock()

	tokens, err := dex.SumTransfersTo(rcpt.Logs, req.Token, req.Wallet)
	if err != nil {
		return nil, err
	}
	fee, err := gasCost(rcpt)
	if err != nil {
		return nil, err
	}
	cost, err := types.Add(amountIn, fee)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	o.AmountOut = new(uint256.Int).Set(tokens)
	entry.mu.Unlock()

	if tokens.IsZero() {
		return nil, fmt.Errorf("no %s transfer to %s in receipt", req.Token.Hex(), req.Wallet.Hex())
	}

	entry.mu.Lock()
	o.PositionID = uuid.NewString()
	posID := o.PositionID
	pair := o.Pair
	path := append([]common.Address(nil), o.Path...)
	entry.mu.Unlock()

	entryPrice := types.Price(amountIn, tokens)
	pos := &types.Position{
		ID:              posID,
		Token:           req.Token,
		Pair:            pair,
		Path:            path,
		DEX:             req.DEX.Name,
		Wallet:          req.Wallet,
		StrategyID:      req.StrategyID,
		EntryOrderID:    o.ID,
		Quantity:        tokens,
		InitialQuantity: new(uint256.Int).Set(tokens),
		CostBasis:       cost,
		TotalCost:       new(uint256.Int).Set(cost),
		EntryPrice:      entryPrice,
		PeakPrice:       entryPrice,
		LastPrice:       entryPrice,
		Exit:            req.Exit.Clone(),
		TiersHit:        make([]bool, len(req.Exit.TakeProfits)),
		Proceeds:        new(uint256.Int),
		Fees:            new(uint256.Int),
		Status:          types.PositionOpen,
		OpenedAt:        e.clock.Now(),
	}

	method := req.Method
	if method == "" {
		method = types.MethodPrivateRelay
	}
	e.mu.Lock()
	e.positions[pos.ID] = &positionEntry{pos: pos, exec: req.Exec, method: method}
	e.mu.Unlock()

	snap := pos.Clone()
	e.persistPosition(snap)
	log.Info().
		Str("position", pos.ID).
		Str("token", pos.Token.Hex()).
		Str("tokens", tokens.Dec()).
		Str("cost_eth", types.ToEther(cost).StringFixed(6)).
		Str("entry", entryPrice.String()).
		Msg("📈 Position opened")
	return snap, nil
}

// applySell books a confirmed sell of amount tokens
func (e *Executor) applySell(pe *positionEntry, entry *orderEntry, rcpt *ethtypes.Receipt, router common.Address, amount *uint256.Int, tiers []int) (*types.Position, error) {
	proceeds, err := dex.SumWithdrawals(rcpt.Logs, e.registry.Base(), router)
	if err != nil {
		return nil, err
	}
	fee, err := gasCost(rcpt)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	entry.order.AmountOut = new(uint256.Int).Set(proceeds)
	entry.mu.Unlock()

	pe.mu.Lock()
	defer pe.mu.Unlock()
	pos := pe.pos

	if amount.Gt(pos.Quantity) {
		amount = new(uint256.Int).Set(pos.Quantity)
	}
	var costPortion *uint256.Int
	if amount.Eq(pos.Quantity) {
		costPortion = new(uint256.Int).Set(pos.CostBasis)
	} else {
		if costPortion, err = types.MulDiv(pos.CostBasis, amount, pos.Quantity); err != nil {
			return nil, err
		}
	}

	qty, err := types.Sub(pos.Quantity, amount)
	if err != nil {
		return nil, err
	}
	basis, err := types.Sub(pos.CostBasis, costPortion)
	if err != nil {
		return nil, err
	}
	totalProceeds, err := types.Add(pos.Proceeds, proceeds)
	if err != nil {
		return nil, err
	}
	totalFees, err := types.Add(pos.Fees, fee)
	if err != nil {
		return nil, err
	}

	pnl := types.SignedDiff(proceeds, costPortion).Sub(types.ToDecimal(fee))
	pos.Quantity = qty
	pos.CostBasis = basis
	pos.Proceeds = totalProceeds
	pos.Fees = totalFees
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	for _, t := range tiers {
		if t >= 0 && t < len(pos.TiersHit) {
			pos.TiersHit[t] = true
		}
	}

	next := types.PositionPartiallyClosed
	if qty.IsZero() {
		next = types.PositionClosed
	}
	if err := transitionPosition(pos, next); err != nil {
		return nil, err
	}
	if next == types.PositionClosed {
		now := e.clock.Now()
		pos.ClosedAt = &now
		pos.UnrealizedPnL = decimal.Zero
	}

	snap := pos.Clone()
	e.persistPosition(snap)
	log.Info().
		Str("position", pos.ID).
		Str("status", string(pos.Status)).
		Str("sold", amount.Dec()).
		Str("proceeds_eth", types.ToEther(proceeds).StringFixed(6)).
		Str("pnl_eth", pnl.Shift(-18).StringFixed(6)).
		Msg("💰 Position reduced")
	return snap, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT MONITOR
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Executor) monitorLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.EvaluateOnce(ctx)
		}
	}
}

// EvaluateOnce marks every open position and launches exit sells for those
// whose policy fires. Positions with a sell in flight are skipped. Returns
// the number of exits launched.
func (e *Executor) EvaluateOnce(ctx context.Context) int {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MonitorWorkers)

	var launched atomic.Int32
	for _, pe := range e.positionEntries() {
		pe := pe
		g.Go(func() error {
			if e.evaluate(gctx, pe) {
				launched.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(launched.Load())
}

func (e *Executor) evaluate(ctx context.Context, pe *positionEntry) bool {
	pe.mu.Lock()
	if pe.selling || pe.pos.Status == types.PositionClosed {
		pe.mu.Unlock()
		return false
	}
	snap := pe.pos.Clone()
	pe.mu.Unlock()

	price, err := e.prices.Quote(ctx, snap)
	if err != nil {
		log.Debug().Err(err).Str("position", snap.ID).Msg("Mark failed")
		return false
	}

	pe.mu.Lock()
	if pe.selling || pe.pos.Status == types.PositionClosed {
		pe.mu.Unlock()
		return false
	}
	pos := pe.pos
	decision := risk.EvaluateExit(pos, price)
	pos.UnrealizedPnL = price.Mul(types.ToDecimal(pos.Quantity)).Sub(types.ToDecimal(pos.CostBasis))
	if !decision.Sell {
		pe.mu.Unlock()
		return false
	}
	amount, err := exitAmount(pos, decision.Fraction)
	if err != nil || amount.IsZero() {
		pe.mu.Unlock()
		log.Warn().Err(err).Str("position", pos.ID).Msg("⚠️ Exit amount unusable")
		return false
	}
	pe.selling = true
	posID := pos.ID
	pe.mu.Unlock()

	log.Info().
		Str("position", posID).
		Str("reason", decision.Reason).
		Str("price", price.String()).
		Str("amount", amount.Dec()).
		Msg("🎯 Exit triggered")

	req := SellRequest{PositionID: posID, Amount: amount, Reason: decision.Reason, Tiers: decision.Tiers}
	e.launchExit(pe, amount, req)
	return true
}

// exitAmount converts a fraction of the initial quantity into tokens, capped
// at what is still open
func exitAmount(pos *types.Position, fraction decimal.Decimal) (*uint256.Int, error) {
	if fraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return new(uint256.Int).Set(pos.Quantity), nil
	}
	amount, err := types.Fraction(pos.InitialQuantity, fraction)
	if err != nil {
		return nil, err
	}
	if amount.Gt(pos.Quantity) {
		amount = new(uint256.Int).Set(pos.Quantity)
	}
	return amount, nil
}

func (e *Executor) launchExit(pe *positionEntry, amount *uint256.Int, req SellRequest) {
	ctx := e.background()
	e.exits.Add(1)
	go func() {
		defer e.exits.Done()
		if _, err := e.executeSell(ctx, pe, amount, req); err != nil {
			log.Error().Err(err).Str("position", req.PositionID).Str("reason", req.Reason).Msg("❌ Exit sell failed")
		}
	}()
}

// ExitPosition sells everything still open in a position (copy exits, manual)
func (e *Executor) ExitPosition(ctx context.Context, positionID, reason string) (*types.Order, error) {
	return e.Sell(ctx, SellRequest{PositionID: positionID, Reason: reason})
}

// WaitExits blocks until every launched exit sell has finished
func (e *Executor) WaitExits() {
	e.exits.Wait()
}
