package strategy

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VALIDATION - Rejected configs never reach execution
// ═══════════════════════════════════════════════════════════════════════════════

// Environment answers the questions validation cannot settle from the config alone
type Environment struct {
	HasWallet func(common.Address) bool
	HasDEX    func(name string) bool
}

var (
	one          = decimal.NewFromInt(1)
	maxScore     = 100.0
	maxDeadline  = 30 * time.Minute
	maxRetries   = 10
	defaultExec  = types.ExecutionParams{SlippageBps: 500, Deadline: types.Duration(2 * time.Minute), MaxRetries: 3, Urgency: types.UrgencyHigh}
	validTypes   = map[types.StrategyType]bool{types.StrategyLiquidityLaunch: true, types.StrategyTokenLaunch: true, types.StrategyLimitOrder: true, types.StrategyCopyTrade: true}
	validMethods = map[types.ExecutionMethod]bool{types.MethodPrivateRelay: true, types.MethodPublic: true}
)

func invalid(field, format string, args ...any) error {
	return &types.ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Normalize fills defaults for unset optional fields
func Normalize(c *types.StrategyConfig) {
	if c.Method == "" {
		c.Method = types.MethodPrivateRelay
	}
	if c.Amount.Mode == "" {
		c.Amount.Mode = types.AmountFixed
	}
	if c.Exec.SlippageBps == 0 {
		c.Exec.SlippageBps = defaultExec.SlippageBps
	}
	if c.Exec.Deadline == 0 {
		c.Exec.Deadline = defaultExec.Deadline
	}
	if c.Name == "" {
		c.Name = string(c.Type)
	}
}

// Validate checks a normalized config; the error is a *types.ConfigError
func Validate(c *types.StrategyConfig, env Environment) error {
	if !validTypes[c.Type] {
		return invalid("type", "unknown strategy type %q", c.Type)
	}
	if !validMethods[c.Method] {
		return invalid("method", "unknown execution method %q", c.Method)
	}
	if c.DEX != "" && env.HasDEX != nil && !env.HasDEX(c.DEX) {
		return invalid("dex", "unknown dex %q", c.DEX)
	}

	if len(c.Wallets) == 0 {
		return invalid("wallets", "at least one wallet required")
	}
	seen := make(map[common.Address]bool, len(c.Wallets))
	for _, w := range c.Wallets {
		if seen[w] {
			return invalid("wallets", "duplicate wallet %s", w.Hex())
		}
		seen[w] = true
		if env.HasWallet != nil && !env.HasWallet(w) {
			return invalid("wallets", "no key loaded for %s", w.Hex())
		}
	}

	if err := validateAmount(c.Amount); err != nil {
		return err
	}
	if err := validateSafety(c.Safety); err != nil {
		return err
	}
	if err := validateExit(c.Exit); err != nil {
		return err
	}
	if err := validateExec(c.Exec); err != nil {
		return err
	}

	switch c.Type {
	case types.StrategyTokenLaunch:
		if c.TargetToken == nil {
			return invalid("target_token", "required for %s", c.Type)
		}
	case types.StrategyLimitOrder:
		if c.TargetToken == nil {
			return invalid("target_token", "required for %s", c.Type)
		}
		if !c.LimitPrice.IsPositive() {
			return invalid("limit_price", "must be positive")
		}
	case types.StrategyCopyTrade:
		if len(c.CopyWallets) == 0 {
			return invalid("copy_wallets", "at least one wallet to copy required")
		}
		if c.MinWhaleScore < 0 || c.MinWhaleScore > maxScore {
			return invalid("min_whale_score", "must be within [0, 100]")
		}
	}
	return nil
}

func validateAmount(a types.AmountPolicy) error {
	switch a.Mode {
	case types.AmountFixed:
		if a.Fixed == nil || a.Fixed.IsZero() {
			return invalid("amount.fixed", "must be positive")
		}
	case types.AmountPercent:
		if !a.Percent.IsPositive() || a.Percent.GreaterThan(one) {
			return invalid("amount.percent", "must be within (0, 1]")
		}
	default:
		return invalid("amount.mode", "unknown mode %q", a.Mode)
	}
	return nil
}

func validateSafety(s types.SafetyThresholds) error {
	if s.MinLiquidityUSD.IsNegative() {
		return invalid("safety.min_liquidity_usd", "must not be negative")
	}
	for field, v := range map[string]decimal.Decimal{"safety.max_buy_tax": s.MaxBuyTax, "safety.max_sell_tax": s.MaxSellTax} {
		if v.IsNegative() || v.GreaterThan(one) {
			return invalid(field, "must be within [0, 1]")
		}
	}
	return nil
}

func validateExit(e types.ExitPolicy) error {
	total := decimal.Zero
	prev := decimal.Zero
	for i, t := range e.TakeProfits {
		field := fmt.Sprintf("exit.take_profits[%d]", i)
		if !t.GainPct.IsPositive() {
			return invalid(field, "gain_pct must be positive")
		}
		if t.GainPct.LessThanOrEqual(prev) {
			return invalid(field, "tiers must be in ascending gain order")
		}
		if !t.SellPct.IsPositive() || t.SellPct.GreaterThan(one) {
			return invalid(field, "sell_pct must be within (0, 1]")
		}
		prev = t.GainPct
		total = total.Add(t.SellPct)
	}
	if total.GreaterThan(one) {
		return invalid("exit.take_profits", "sell_pct sums to %s, above 1", total)
	}
	if e.StopLossPct.IsNegative() || e.StopLossPct.GreaterThanOrEqual(one) {
		return invalid("exit.stop_loss_pct", "must be within [0, 1)")
	}
	if e.TrailingStopPct.IsNegative() || e.TrailingStopPct.GreaterThanOrEqual(one) {
		return invalid("exit.trailing_stop_pct", "must be within [0, 1)")
	}
	return nil
}

func validateExec(p types.ExecutionParams) error {
	if p.SlippageBps <= 0 || p.SlippageBps >= types.BpsDenominator {
		return invalid("exec.slippage_bps", "must be within (0, 10000)")
	}
	if p.Deadline < 0 || time.Duration(p.Deadline) > maxDeadline {
		return invalid("exec.deadline", "must be within [0, %s]", maxDeadline)
	}
	if p.MaxRetries < 0 || p.MaxRetries > maxRetries {
		return invalid("exec.max_retries", "must be within [0, %d]", maxRetries)
	}
	if p.Urgency < types.UrgencyLow || p.Urgency > types.UrgencyUrgent {
		return invalid("exec.urgency", "unknown urgency %d", int(p.Urgency))
	}
	return nil
}
