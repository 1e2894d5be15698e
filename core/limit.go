package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/chainsniper/dex"
	"github.com/web3guy0/chainsniper/strategy"
	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LIMIT ORDERS - buy once the pool price falls to the limit
// ═══════════════════════════════════════════════════════════════════════════════
//
// Price is base wei per token wei, read from reserves. A limit strategy fires
// at most once: it is disabled after a confirmed fill.
//
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) limitLoop(ctx context.Context) {
	defer e.wg.Done()
	if e.pairs == nil {
		return
	}
	ticker := time.NewTicker(e.cfg.LimitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkLimits(ctx)
		}
	}
}

// checkLimits evaluates every enabled limit strategy once and returns how
// many buys were launched
func (e *Engine) checkLimits(ctx context.Context) int {
	launched := 0
	base := e.registry.Base()
	for _, cfg := range e.strategies.OfType(types.StrategyLimitOrder) {
		if !e.accepting() {
			return launched
		}
		if cfg.TargetToken == nil {
			continue
		}
		token := *cfg.TargetToken
		if e.guard.Held(token, cfg.ID) {
			continue
		}
		d, ok := e.dexFor(cfg.DEX)
		if !ok {
			continue
		}
		pair := dex.PairFor(d, base, token)
		if cfg.TargetPair != nil {
			pair = *cfg.TargetPair
		}

		rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
		state, err := e.pairs.Pair(rctx, pair)
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("strategy", cfg.ID).Str("pair", pair.Hex()).Msg("Limit price read failed")
			continue
		}
		price := types.Price(state.ReserveOf(base), state.ReserveOf(token))
		if price.IsZero() || price.GreaterThan(cfg.LimitPrice) {
			continue
		}

		log.Info().
			Str("strategy", cfg.Name).
			Str("price", price.String()).
			Str("limit", cfg.LimitPrice.String()).
			Msg("📉 Limit price reached")
		trig := trigger{kind: "limit_price", key: "limit:" + cfg.ID}
		if e.launch(cfg, strategy.Target{Token: token, Pair: pair, DEX: d.Name}, trig) {
			launched++
		}
	}
	return launched
}
