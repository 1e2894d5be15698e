package risk

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT RULES - Take-profit tiers, stop-loss, trailing stop
// ═══════════════════════════════════════════════════════════════════════════════

// Exit reasons
const (
	ReasonTakeProfit   = "TAKE_PROFIT"
	ReasonStopLoss     = "STOP_LOSS"
	ReasonTrailingStop = "TRAILING_STOP"
	ReasonManual       = "MANUAL"
	ReasonCopyExit     = "COPY_EXIT"
)

// ExitDecision tells the engine what to sell
type ExitDecision struct {
	Sell   bool
	Reason string
	// Fraction of the initial quantity to sell; 1 means everything still open
	Fraction decimal.Decimal
	// Tiers reached by this decision; marked hit once the sell confirms
	Tiers []int
}

// EvaluateExit updates the position's peak and mark, then checks exit rules in
// order: stop-loss, trailing stop, take-profit tiers. The peak only moves up.
func EvaluateExit(pos *types.Position, price decimal.Decimal) ExitDecision {
	if !price.IsPositive() || !pos.EntryPrice.IsPositive() {
		return ExitDecision{}
	}

	pos.LastPrice = price
	if price.GreaterThan(pos.PeakPrice) {
		pos.PeakPrice = price
	}

	one := decimal.NewFromInt(1)
	policy := pos.Exit

	if policy.StopLossPct.IsPositive() {
		stop := pos.EntryPrice.Mul(one.Sub(policy.StopLossPct))
		if price.LessThanOrEqual(stop) {
			return ExitDecision{Sell: true, Reason: ReasonStopLoss, Fraction: one}
		}
	}

	if policy.TrailingStopPct.IsPositive() && pos.PeakPrice.GreaterThan(pos.EntryPrice) {
		trail := pos.PeakPrice.Mul(one.Sub(policy.TrailingStopPct))
		if price.LessThanOrEqual(trail) {
			log.Debug().
				Str("position", pos.ID).
				Str("peak", pos.PeakPrice.String()).
				Str("trail", trail.String()).
				Msg("Trailing stop hit")
			return ExitDecision{Sell: true, Reason: ReasonTrailingStop, Fraction: one}
		}
	}

	fraction := decimal.Zero
	var tiers []int
	for i, tier := range policy.TakeProfits {
		if i < len(pos.TiersHit) && pos.TiersHit[i] {
			continue
		}
		target := pos.EntryPrice.Mul(one.Add(tier.GainPct))
		if price.GreaterThanOrEqual(target) {
			fraction = fraction.Add(tier.SellPct)
			tiers = append(tiers, i)
		}
	}
	if len(tiers) > 0 {
		if fraction.GreaterThan(one) {
			fraction = one
		}
		return ExitDecision{Sell: true, Reason: ReasonTakeProfit, Fraction: fraction, Tiers: tiers}
	}

	return ExitDecision{}
}
