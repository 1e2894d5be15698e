package core

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/execution"
	"github.com/web3guy0/chainsniper/strategy"
	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MANAGEMENT API
// ═══════════════════════════════════════════════════════════════════════════════

// CreateStrategy validates and registers a strategy
func (e *Engine) CreateStrategy(cfg *types.StrategyConfig) (*types.StrategyConfig, error) {
	out, err := e.strategies.Create(cfg)
	if err == nil {
		e.follow(out)
	}
	return out, err
}

// UpdateStrategy replaces a strategy; in-flight orders keep their snapshot
func (e *Engine) UpdateStrategy(id string, cfg *types.StrategyConfig) (*types.StrategyConfig, error) {
	out, err := e.strategies.Update(id, cfg)
	if err == nil {
		e.follow(out)
	}
	return out, err
}

// DisableStrategy stops new orders from a strategy. Submitted transactions
// cannot be recalled.
func (e *Engine) DisableStrategy(id string) (*types.StrategyConfig, error) {
	return e.strategies.SetEnabled(id, false)
}

func (e *Engine) EnableStrategy(id string) (*types.StrategyConfig, error) {
	return e.strategies.SetEnabled(id, true)
}

func (e *Engine) Strategies() []*types.StrategyConfig {
	return e.strategies.List()
}

// BuyNow runs the full snipe pipeline for one strategy and token
// synchronously. A nil amount uses the strategy's sizing.
func (e *Engine) BuyNow(ctx context.Context, strategyID string, token common.Address, amount *uint256.Int) (*types.Order, error) {
	cfg, err := e.strategies.Get(strategyID)
	if err != nil {
		return nil, err
	}
	if err := e.admit(strategyID); err != nil {
		return nil, err
	}
	if amount != nil {
		cfg.Amount = types.AmountPolicy{Mode: types.AmountFixed, Fixed: new(uint256.Int).Set(amount)}
	}
	if !e.guard.TryAcquire(token, cfg.ID) {
		return nil, fmt.Errorf("%s/%s: %w", strategyID, token.Hex(), types.ErrInFlight)
	}
	InFlight.Inc()
	defer e.release(token, cfg.ID)

	t := strategy.Target{Token: token, DEX: cfg.DEX}
	if cfg.TargetPair != nil {
		t.Pair = *cfg.TargetPair
	}
	log.Info().Str("strategy", cfg.Name).Str("token", token.Hex()).Msg("🖐️ Manual buy")
	e.publish(types.SnipeDetected{StrategyID: cfg.ID, Token: token, Pair: t.Pair, EventKey: "manual", At: e.clock.Now()})
	return e.execute(ctx, cfg, t, trigger{kind: "manual", key: "manual"})
}

// SellNow sells percent (0 < p <= 1) of a position; zero sells everything
func (e *Engine) SellNow(ctx context.Context, positionID string, percent decimal.Decimal) (*types.Order, error) {
	log.Info().Str("position", positionID).Str("percent", percent.String()).Msg("🖐️ Manual sell")
	return e.trader.Sell(ctx, execution.SellRequest{PositionID: positionID, Percent: percent, Reason: "MANUAL"})
}

// Stats returns an aggregate snapshot
func (e *Engine) Stats() types.Stats {
	return e.stats.Snapshot()
}

// Positions returns every tracked position
func (e *Engine) Positions() []*types.Position {
	return e.trader.Positions()
}

// Orders returns every tracked order, newest first
func (e *Engine) Orders() []*types.Order {
	return e.trader.Orders()
}

// Pause stops new snipes; exits and copy exits keep running
func (e *Engine) Pause() {
	if !e.paused.Swap(true) {
		log.Warn().Msg("⏸️ Engine paused")
	}
}

func (e *Engine) Resume() {
	if e.paused.Swap(false) {
		log.Info().Msg("▶️ Engine resumed")
	}
}

func (e *Engine) IsPaused() bool {
	return e.paused.Load()
}

// Breaker reports the circuit breaker state
func (e *Engine) Breaker() (tripped bool, reason string) {
	if e.breaker == nil {
		return false, ""
	}
	return e.breaker.IsTripped(), e.breaker.Reason()
}
