package feeds

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/chainsniper/dex"
	"github.com/web3guy0/chainsniper/internal/clock"
	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WHALE TRACKER - Reputation-scored wallets → copy-trade candidates
// ═══════════════════════════════════════════════════════════════════════════════
//
// Score is 0-100, an exponential moving average of trade outcomes. A
// breakeven trade scores 50, +50% or better scores 100, -50% or worse 0.
//
// ═══════════════════════════════════════════════════════════════════════════════

// WalletProfile is the tracked state of one wallet
type WalletProfile struct {
	Address  common.Address
	Label    string
	Score    float64
	Trades   int
	Wins     int
	Losses   int
	LastSeen time.Time
}

// WhaleConfig for the tracker
type WhaleConfig struct {
	MinAmount    *uint256.Int // ignore swaps smaller than this in base wei
	InitialScore float64
	Alpha        float64 // EMA weight of the newest outcome
}

// DefaultWhaleConfig returns defaults
func DefaultWhaleConfig() WhaleConfig {
	return WhaleConfig{
		MinAmount:    types.Gwei(100_000_000), // 0.1 ETH
		InitialScore: 50,
		Alpha:        0.2,
	}
}

// WhaleTracker turns decoded pending swaps by tracked wallets into WhaleTrade events
type WhaleTracker struct {
	mu      sync.RWMutex
	cfg     WhaleConfig
	base    common.Address
	wallets map[common.Address]*WalletProfile
	out     Emitter
	clock   clock.Clock
}

// NewWhaleTracker creates a tracker publishing to out
func NewWhaleTracker(cfg WhaleConfig, base common.Address, out Emitter, c clock.Clock) *WhaleTracker {
	if c == nil {
		c = clock.Real{}
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.2
	}
	return &WhaleTracker{
		cfg:     cfg,
		base:    base,
		wallets: make(map[common.Address]*WalletProfile),
		out:     out,
		clock:   c,
	}
}

// Track starts following a wallet; re-tracking keeps its history
func (w *WhaleTracker) Track(addr common.Address, label string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.wallets[addr]; ok {
		if label != "" {
			p.Label = label
		}
		return
	}
	w.wallets[addr] = &WalletProfile{Address: addr, Label: label, Score: w.cfg.InitialScore}
	log.Info().Str("wallet", addr.Hex()).Str("label", label).Msg("🐋 Tracking wallet")
}

// Untrack stops following a wallet
func (w *WhaleTracker) Untrack(addr common.Address) {
	w.mu.Lock()
	delete(w.wallets, addr)
	w.mu.Unlock()
}

// Score returns a wallet's reputation and whether it is tracked
func (w *WhaleTracker) Score(addr common.Address) (float64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.wallets[addr]
	if !ok {
		return 0, false
	}
	return p.Score, true
}

// Profiles returns tracked wallets, best score first
func (w *WhaleTracker) Profiles() []WalletProfile {
	w.mu.RLock()
	out := make([]WalletProfile, 0, len(w.wallets))
	for _, p := range w.wallets {
		out = append(out, *p)
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// RecordOutcome folds a realized return (0.25 = +25%) into the wallet's score
func (w *WhaleTracker) RecordOutcome(addr common.Address, returnPct float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.wallets[addr]
	if !ok {
		return
	}
	sample := 50 + returnPct*100
	if sample < 0 {
		sample = 0
	}
	if sample > 100 {
		sample = 100
	}
	p.Score = w.cfg.Alpha*sample + (1-w.cfg.Alpha)*p.Score
	if returnPct > 0 {
		p.Wins++
	} else {
		p.Losses++
	}
	log.Debug().Str("wallet", addr.Hex()).Float64("return", returnPct).Float64("score", p.Score).Msg("Whale score updated")
}

// ObservePending implements TxObserver
func (w *WhaleTracker) ObservePending(obs PendingObservation) {
	call := obs.Call
	if call == nil || (call.Kind != dex.CallSwapBuy && call.Kind != dex.CallSwapSell) {
		return
	}

	w.mu.Lock()
	p, ok := w.wallets[obs.From]
	if !ok {
		w.mu.Unlock()
		return
	}
	p.Trades++
	p.LastSeen = w.clock.Now()
	score := p.Score
	w.mu.Unlock()

	side := types.SideBuy
	amount := call.AmountIn
	if call.Kind == dex.CallSwapSell {
		side = types.SideSell
		amount = call.AmountOutMin
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	// sells always pass: they drive copy exits regardless of size
	if side == types.SideBuy && w.cfg.MinAmount != nil && amount.Lt(w.cfg.MinAmount) {
		return
	}

	var pair common.Address
	if len(call.Path) == 2 {
		pair = dex.PairFor(call.DEX, w.base, call.Token)
	}

	ev := types.WhaleTrade{
		EventMeta: types.EventMeta{
			ChainID:    obs.ChainID,
			TxHash:     obs.Tx.Hash(),
			ObservedAt: obs.Seen,
		},
		Wallet:     obs.From,
		Token:      call.Token,
		Pair:       pair,
		Side:       side,
		AmountBase: new(uint256.Int).Set(amount),
		Score:      score,
		Pending:    true,
	}
	log.Info().
		Str("wallet", obs.From.Hex()).
		Str("side", string(side)).
		Str("token", call.Token.Hex()).
		Str("eth", types.ToEther(amount).StringFixed(4)).
		Float64("score", score).
		Msg("🐋 Whale trade")
	w.out.Publish(ev)
}
