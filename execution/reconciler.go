package execution

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION - Startup position recovery
// ═══════════════════════════════════════════════════════════════════════════════
//
// On startup, we need to:
// 1. Load any persisted open positions from the database
// 2. Check each against the wallet's on-chain token balance
// 3. Close orphaned positions, clamp shrunk ones, resume tracking the rest
//
// This prevents "ghost positions" after crashes
//
// ═══════════════════════════════════════════════════════════════════════════════

// ReasonOrphaned marks positions whose tokens left the wallet while we were down
const ReasonOrphaned = "ORPHANED"

// PositionStore is the persistence the reconciler reads and writes
type PositionStore interface {
	IsEnabled() bool
	OpenPositions() ([]*types.Position, error)
	SavePosition(p *types.Position) error
	SaveState(name string, v any) error
	LoadState(name string, out any) (bool, error)
}

// BalanceReader reads token balances
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, holder common.Address) (*uint256.Int, error)
}

// Reconciler handles startup position recovery
type Reconciler struct {
	executor *Executor
	db       PositionStore
	balances BalanceReader
}

// NewReconciler creates a position reconciler; balances may be nil to skip
// the on-chain check
func NewReconciler(executor *Executor, db PositionStore, balances BalanceReader) *Reconciler {
	return &Reconciler{
		executor: executor,
		db:       db,
		balances: balances,
	}
}

// RecoverPositions loads and validates persisted positions on startup
func (r *Reconciler) RecoverPositions(ctx context.Context) (int, error) {
	if r.db == nil || !r.db.IsEnabled() {
		log.Info().Msg("📦 No database - skipping position recovery")
		return 0, nil
	}

	persisted, err := r.db.OpenPositions()
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to load persisted positions")
		return 0, err
	}
	if len(persisted) == 0 {
		log.Info().Msg("📦 No persisted positions to recover")
		return 0, nil
	}

	log.Warn().
		Int("count", len(persisted)).
		Msg("⚠️ Found persisted positions from previous session")

	recovered := 0
	for _, pos := range persisted {
		if !r.verify(ctx, pos) {
			continue
		}
		r.executor.LoadPosition(pos)
		recovered++

		log.Warn().
			Str("id", pos.ID).
			Str("token", pos.Token.Hex()).
			Str("quantity", pos.Quantity.Dec()).
			Time("opened_at", pos.OpenedAt).
			Msg("📥 Recovered position")
	}

	log.Info().
		Int("recovered", recovered).
		Msg("✅ Position recovery complete")

	return recovered, nil
}

// verify reconciles pos with the chain; false means it was closed as orphaned
func (r *Reconciler) verify(ctx context.Context, pos *types.Position) bool {
	if r.balances == nil {
		return true
	}
	bal, err := r.balances.BalanceOf(ctx, pos.Token, pos.Wallet)
	if err != nil {
		log.Warn().Err(err).Str("id", pos.ID).Msg("⚠️ Balance check failed, keeping position as persisted")
		return true
	}
	if !bal.Lt(pos.Quantity) {
		return true
	}

	if bal.IsZero() {
		now := time.Now()
		pos.Status = types.PositionClosed
		pos.ClosedAt = &now
		log.Warn().Str("id", pos.ID).Str("reason", ReasonOrphaned).Msg("🗑️ Position tokens gone, closing")
		if err := r.db.SavePosition(pos); err != nil {
			log.Error().Err(err).Str("id", pos.ID).Msg("Failed to persist orphaned position")
		}
		return false
	}

	// scale the cost basis with the quantity so PnL stays proportional
	if basis, err := types.MulDiv(pos.CostBasis, bal, pos.Quantity); err == nil {
		pos.CostBasis = basis
	}
	log.Warn().
		Str("id", pos.ID).
		Str("persisted", pos.Quantity.Dec()).
		Str("on_chain", bal.Dec()).
		Msg("⚠️ Position quantity clamped to wallet balance")
	pos.Quantity = bal
	if err := r.db.SavePosition(pos); err != nil {
		log.Error().Err(err).Str("id", pos.ID).Msg("Failed to persist clamped position")
	}
	return true
}

// ═══════════════════════════════════════════════════════════════════════════════
// RISK STATE RECOVERY
// ═══════════════════════════════════════════════════════════════════════════════

const riskStatePrefix = "risk_state:"

// RiskState is the circuit-breaker snapshot carried across restarts
type RiskState struct {
	Date     string          `json:"date"`
	DailyPnL decimal.Decimal `json:"daily_pnl"`
	Tripped  bool            `json:"tripped"`
	Reason   string          `json:"reason,omitempty"`
}

// SaveRiskState persists today's realized PnL and breaker state
func (r *Reconciler) SaveRiskState(dailyPnL decimal.Decimal, tripped bool, reason string) error {
	if r.db == nil || !r.db.IsEnabled() {
		return nil
	}
	today := time.Now().Format("2006-01-02")
	return r.db.SaveState(riskStatePrefix+today, RiskState{
		Date:     today,
		DailyPnL: dailyPnL,
		Tripped:  tripped,
		Reason:   reason,
	})
}

// LoadRiskState returns today's snapshot, or nil when none was saved
func (r *Reconciler) LoadRiskState() (*RiskState, error) {
	if r.db == nil || !r.db.IsEnabled() {
		return nil, nil
	}
	var st RiskState
	ok, err := r.db.LoadState(riskStatePrefix+time.Now().Format("2006-01-02"), &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}
