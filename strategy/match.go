package strategy

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MATCHING - Which strategies react to a market event
// ═══════════════════════════════════════════════════════════════════════════════

// Target is what a matched strategy should buy
type Target struct {
	Token common.Address
	Pair  common.Address
	DEX   string
}

// Matches reports whether cfg reacts to ev and, if so, what to buy. base is
// the wrapped native token; pairs that do not include it never match. Whale
// sells never match here; they drive copy exits instead.
func Matches(cfg *types.StrategyConfig, ev types.MarketEvent, base common.Address) (Target, bool) {
	if cfg == nil || !cfg.Enabled {
		return Target{}, false
	}

	switch ev := ev.(type) {
	case types.NewPair:
		if ev.Token0 != base && ev.Token1 != base {
			return Target{}, false
		}
		t := Target{Token: ev.Token(base), Pair: ev.Pair, DEX: ev.DEX}
		return t, launchMatches(cfg, t)

	case types.PendingLiquidityAdd:
		if ev.Base != base {
			return Target{}, false
		}
		t := Target{Token: ev.Token, Pair: ev.Pair, DEX: ev.DEX}
		return t, launchMatches(cfg, t)

	case types.WhaleTrade:
		if cfg.Type != types.StrategyCopyTrade || ev.Side != types.SideBuy {
			return Target{}, false
		}
		if !CopiesWallet(cfg, ev.Wallet) || ev.Score < cfg.MinWhaleScore {
			return Target{}, false
		}
		if cfg.TargetToken != nil && *cfg.TargetToken != ev.Token {
			return Target{}, false
		}
		return Target{Token: ev.Token, Pair: ev.Pair, DEX: cfg.DEX}, true

	default:
		return Target{}, false
	}
}

func launchMatches(cfg *types.StrategyConfig, t Target) bool {
	if cfg.DEX != "" && !strings.EqualFold(cfg.DEX, t.DEX) {
		return false
	}
	switch cfg.Type {
	case types.StrategyLiquidityLaunch:
		if cfg.TargetPair != nil && *cfg.TargetPair != t.Pair {
			return false
		}
		return true
	case types.StrategyTokenLaunch:
		return cfg.TargetToken != nil && *cfg.TargetToken == t.Token
	}
	return false
}

// CopiesWallet reports whether a copy-trade strategy follows wallet
func CopiesWallet(cfg *types.StrategyConfig, wallet common.Address) bool {
	for _, w := range cfg.CopyWallets {
		if w == wallet {
			return true
		}
	}
	return false
}
