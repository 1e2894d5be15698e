package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/chainsniper/dex"
	"github.com/web3guy0/chainsniper/execution"
	"github.com/web3guy0/chainsniper/risk"
	"github.com/web3guy0/chainsniper/strategy"
	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SNIPE - analysis, thresholds and the buy
// ═══════════════════════════════════════════════════════════════════════════════

var (
	errLiquidityReverted = errors.New("liquidity transaction reverted")
	errLiquidityPending  = errors.New("liquidity transaction not mined in time")
)

// snipe runs on the worker pool with the (token, strategy) guard held
func (e *Engine) snipe(ctx context.Context, cfg *types.StrategyConfig, t strategy.Target, trig trigger) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SnipeTimeout)
	defer cancel()

	if trig.liquidityTx != (common.Hash{}) {
		if err := e.waitMined(ctx, trig.liquidityTx); err != nil {
			log.Info().Err(err).Str("tx", trig.liquidityTx.Hex()).Str("token", t.Token.Hex()).Msg("Liquidity add did not land, skipping")
			e.publish(types.SnipeFailed{StrategyID: cfg.ID, Token: t.Token, Reason: err.Error(), At: e.clock.Now()})
			return
		}
	}
	_, _ = e.execute(ctx, cfg, t, trig)
}

// waitMined polls for the receipt of a pending liquidity add, bounded by LiquidityWait
func (e *Engine) waitMined(ctx context.Context, hash common.Hash) error {
	if e.receipts == nil {
		return nil
	}
	deadline := e.clock.Now().Add(e.cfg.LiquidityWait)
	for {
		rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
		rcpt, err := e.receipts.TransactionReceipt(rctx, hash)
		cancel()
		switch {
		case err == nil && rcpt.Status == ethtypes.ReceiptStatusSuccessful:
			return nil
		case err == nil:
			return errLiquidityReverted
		case !errors.Is(err, ethereum.NotFound):
			log.Debug().Err(err).Str("tx", hash.Hex()).Msg("Receipt lookup failed")
		}
		if !e.clock.Now().Before(deadline) {
			return errLiquidityPending
		}
		if err := e.clock.Sleep(ctx, e.cfg.LiquidityPoll); err != nil {
			return err
		}
	}
}

// execute analyzes, screens and buys. Every call that reaches Buy publishes
// exactly one snipe:success or snipe:failed.
func (e *Engine) execute(ctx context.Context, cfg *types.StrategyConfig, t strategy.Target, trig trigger) (*types.Order, error) {
	name := t.DEX
	if name == "" {
		name = cfg.DEX
	}
	d, ok := e.dexFor(name)
	if !ok {
		err := &types.ConfigError{Field: "dex", Reason: fmt.Sprintf("unknown dex %q", name)}
		e.snipeFailed(cfg, "", t.Token, err)
		return nil, err
	}
	base := e.registry.Base()
	pair := t.Pair
	if pair == (common.Address{}) {
		pair = dex.PairFor(d, base, t.Token)
	}

	var ra *types.RiskAssessment
	if !cfg.BypassRisk {
		actx, cancel := context.WithTimeout(ctx, e.cfg.AnalysisTime)
		assessment, err := e.analyzer.Analyze(actx, risk.Request{Token: t.Token, Pair: pair, DEX: d})
		cancel()
		if err != nil {
			err = fmt.Errorf("analysis: %w", err)
			e.snipeFailed(cfg, "", t.Token, err)
			return nil, err
		}
		if err := e.screen(cfg, assessment); err != nil {
			return nil, err
		}
		ra = assessment
	}

	wallet := cfg.Wallets[0]
	amount, err := e.buyAmount(ctx, cfg, wallet)
	if err != nil {
		e.snipeFailed(cfg, "", t.Token, err)
		return nil, err
	}

	// the strategy or the engine may have changed while we waited and analyzed
	if err := e.admit(cfg.ID); err != nil {
		e.snipeFailed(cfg, "", t.Token, err)
		return nil, err
	}

	orderID := uuid.NewString()
	e.publish(types.SnipeExecuting{
		StrategyID: cfg.ID,
		OrderID:    orderID,
		Token:      t.Token,
		Wallet:     wallet,
		AmountIn:   new(uint256.Int).Set(amount),
		Risk:       ra,
		At:         e.clock.Now(),
	})

	order, err := e.trader.Buy(ctx, execution.BuyRequest{
		OrderID:    orderID,
		StrategyID: cfg.ID,
		Token:      t.Token,
		Pair:       pair,
		DEX:        d,
		Wallet:     wallet,
		AmountIn:   amount,
		Method:     cfg.Method,
		Exec:       cfg.Exec,
		Exit:       cfg.Exit.Clone(),
		Risk:       ra,
		BypassRisk: cfg.BypassRisk,
		Reason:     trig.kind,
	})
	e.settle(cfg, t, trig, order, err)
	return order, err
}

// admit reports why a strategy may not create a new order right now
func (e *Engine) admit(strategyID string) error {
	cur, err := e.strategies.Get(strategyID)
	if err != nil {
		return err
	}
	if !cur.Enabled {
		return fmt.Errorf("%s: %w", strategyID, ErrStrategyDisabled)
	}
	if e.paused.Load() {
		return types.ErrPaused
	}
	if e.breaker != nil && !e.breaker.Allow() {
		return fmt.Errorf("%w: %s", types.ErrBreakerTripped, e.breaker.Reason())
	}
	return nil
}

// screen applies the analyzer verdict and the strategy's own thresholds. A
// zero threshold disables that check.
func (e *Engine) screen(cfg *types.StrategyConfig, ra *types.RiskAssessment) error {
	if ra.Level == types.RiskHoneypot {
		RiskBlocks.WithLabelValues("honeypot").Inc()
		log.Warn().Str("token", ra.Token.Hex()).Strs("issues", ra.Issues).Msg("🍯 HONEYPOT - not buying")
		e.alert(types.SeverityCritical, types.AlertHoneypotDetected, ra.Token,
			fmt.Sprintf("honeypot %s: %s", ra.Token.Hex(), strings.Join(ra.Issues, ", ")))
		return &types.RiskBlockedError{Token: ra.Token, Level: ra.Level, Issues: ra.Issues}
	}
	if ra.Level.Blocking() {
		RiskBlocks.WithLabelValues(string(ra.Level)).Inc()
		log.Warn().Str("token", ra.Token.Hex()).Str("level", string(ra.Level)).Int("score", ra.Score).Msg("⛔ Risk blocked")
		e.alert(types.SeverityWarning, types.AlertRiskBlocked, ra.Token,
			fmt.Sprintf("%s risk %d on %s: %s", ra.Level, ra.Score, ra.Token.Hex(), strings.Join(ra.Issues, ", ")))
		return &types.RiskBlockedError{Token: ra.Token, Level: ra.Level, Issues: ra.Issues}
	}
	if !cfg.Safety.Enabled {
		return nil
	}

	var violations []string
	s := cfg.Safety
	if s.MinLiquidityUSD.IsPositive() && ra.LiquidityUSD.LessThan(s.MinLiquidityUSD) {
		violations = append(violations, fmt.Sprintf("liquidity $%s < $%s", ra.LiquidityUSD.StringFixed(0), s.MinLiquidityUSD.StringFixed(0)))
	}
	if s.MaxBuyTax.IsPositive() && ra.BuyTax.GreaterThan(s.MaxBuyTax) {
		violations = append(violations, fmt.Sprintf("buy tax %s > %s", ra.BuyTax.StringFixed(3), s.MaxBuyTax.StringFixed(3)))
	}
	if s.MaxSellTax.IsPositive() && ra.SellTax.GreaterThan(s.MaxSellTax) {
		violations = append(violations, fmt.Sprintf("sell tax %s > %s", ra.SellTax.StringFixed(3), s.MaxSellTax.StringFixed(3)))
	}
	if len(violations) == 0 {
		return nil
	}
	RiskBlocks.WithLabelValues("thresholds").Inc()
	log.Warn().Str("token", ra.Token.Hex()).Str("strategy", cfg.ID).Strs("violations", violations).Msg("⛔ Strategy thresholds not met")
	e.alert(types.SeverityWarning, types.AlertRiskBlocked, ra.Token,
		fmt.Sprintf("%s blocked by %s: %s", ra.Token.Hex(), cfg.Name, strings.Join(violations, "; ")))
	return &types.RiskBlockedError{Token: ra.Token, Level: ra.Level, Issues: violations}
}

// buyAmount sizes the buy in base wei
func (e *Engine) buyAmount(ctx context.Context, cfg *types.StrategyConfig, wallet common.Address) (*uint256.Int, error) {
	switch cfg.Amount.Mode {
	case types.AmountFixed:
		if cfg.Amount.Fixed == nil || cfg.Amount.Fixed.IsZero() {
			return nil, &types.ConfigError{Field: "amount.fixed", Reason: "must be positive"}
		}
		return new(uint256.Int).Set(cfg.Amount.Fixed), nil
	case types.AmountPercent:
		if e.balances == nil {
			return nil, &types.ConfigError{Field: "amount.mode", Reason: "percent sizing needs a balance source"}
		}
		rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
		defer cancel()
		raw, err := e.balances.BalanceAt(rctx, wallet, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: balance: %v", types.ErrNetwork, err)
		}
		bal, err := types.FromBig(raw)
		if err != nil {
			return nil, err
		}
		amount, err := types.Fraction(bal, cfg.Amount.Percent)
		if err != nil {
			return nil, err
		}
		if amount.IsZero() {
			return nil, fmt.Errorf("wallet %s has no balance to size from", wallet.Hex())
		}
		return amount, nil
	}
	return nil, &types.ConfigError{Field: "amount.mode", Reason: fmt.Sprintf("unknown mode %q", cfg.Amount.Mode)}
}

// settle publishes the outcome of a buy and feeds the breaker
func (e *Engine) settle(cfg *types.StrategyConfig, t strategy.Target, trig trigger, order *types.Order, err error) {
	if order != nil && order.Status == types.OrderConfirmed {
		log.Info().
			Str("strategy", cfg.Name).
			Str("order", order.ID).
			Str("token", t.Token.Hex()).
			Str("tx", order.TxHash.Hex()).
			Dur("latency", order.Latency).
			Msg("✅ SNIPE SUCCESS")
		e.publish(types.SnipeSuccess{
			StrategyID: cfg.ID,
			OrderID:    order.ID,
			Token:      t.Token,
			TxHash:     order.TxHash,
			Latency:    order.Latency,
			PositionID: order.PositionID,
			At:         e.clock.Now(),
		})
		e.alert(types.SeverityInfo, types.AlertSnipeSuccess, t.Token,
			fmt.Sprintf("%s bought %s for %s ETH", cfg.Name, t.Token.Hex(), types.ToEther(order.AmountIn).StringFixed(4)))
		if e.breaker != nil {
			e.breaker.RecordSuccess()
		}
		if cfg.Type == types.StrategyLimitOrder {
			if _, err := e.strategies.SetEnabled(cfg.ID, false); err != nil {
				log.Warn().Err(err).Str("strategy", cfg.ID).Msg("⚠️ Failed to disable filled limit order")
			}
		}
		if trig.whale != (common.Address{}) && order.PositionID != "" {
			e.copyMu.Lock()
			e.copiedFrom[order.PositionID] = trig.whale
			e.copyMu.Unlock()
		}
		return
	}

	orderID := ""
	if order != nil {
		orderID = order.ID
	}
	if err == nil {
		err = fmt.Errorf("order %s ended %s", orderID, order.Status)
	}
	e.snipeFailed(cfg, orderID, t.Token, err)
	if order != nil && e.breaker != nil && !execution.IsTerminalError(err) {
		e.breaker.RecordFailure()
	}
}

func (e *Engine) snipeFailed(cfg *types.StrategyConfig, orderID string, token common.Address, err error) {
	var blocked *types.RiskBlockedError
	if errors.As(err, &blocked) {
		return
	}
	log.Warn().
		Err(err).
		Str("strategy", cfg.Name).
		Str("order", orderID).
		Str("token", token.Hex()).
		Msg("❌ SNIPE FAILED")
	e.publish(types.SnipeFailed{StrategyID: cfg.ID, OrderID: orderID, Token: token, Reason: err.Error(), At: e.clock.Now()})
	e.alert(types.SeverityWarning, types.AlertSnipeFailed, token, fmt.Sprintf("%s on %s: %v", cfg.Name, token.Hex(), err))
}

func (e *Engine) dexFor(name string) (dex.DEX, bool) {
	if name == "" {
		return e.registry.Default()
	}
	return e.registry.ByName(name)
}
