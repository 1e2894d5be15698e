package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/internal/clock"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Halts new snipes after repeated failures or losses
// ═══════════════════════════════════════════════════════════════════════════════

type CircuitBreaker struct {
	mu sync.RWMutex

	// Configuration
	maxConsecutiveFailures int
	maxDailyLoss           decimal.Decimal // base wei, positive
	cooldownDuration       time.Duration
	clock                  clock.Clock

	// State
	consecutiveFailures int
	dailyPnL            decimal.Decimal
	tripped             bool
	trippedAt           time.Time
	reason              string

	lastResetDate string
	onTrip        func(reason string)
}

// NewCircuitBreaker creates a breaker; zero limits disable the matching check
func NewCircuitBreaker(maxFailures int, maxDailyLoss decimal.Decimal, cooldown time.Duration, c clock.Clock) *CircuitBreaker {
	if c == nil {
		c = clock.Real{}
	}
	return &CircuitBreaker{
		maxConsecutiveFailures: maxFailures,
		maxDailyLoss:           maxDailyLoss.Abs(),
		cooldownDuration:       cooldown,
		clock:                  c,
		dailyPnL:               decimal.Zero,
		lastResetDate:          c.Now().Format("2006-01-02"),
	}
}

// OnTrip registers a callback fired when the breaker trips
func (cb *CircuitBreaker) OnTrip(fn func(reason string)) {
	cb.mu.Lock()
	cb.onTrip = fn
	cb.mu.Unlock()
}

// Allow returns false while trading should be halted
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	today := cb.clock.Now().Format("2006-01-02")
	if cb.lastResetDate != today {
		cb.reset()
		cb.lastResetDate = today
	}

	if cb.tripped {
		if cb.clock.Now().Sub(cb.trippedAt) > cb.cooldownDuration {
			cb.tripped = false
			cb.consecutiveFailures = 0
			log.Info().Msg("✅ Circuit breaker reset after cooldown")
			return true
		}
		return false
	}
	return true
}

// RecordFailure records a failed order
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.consecutiveFailures++
	var fire func(string)
	if cb.maxConsecutiveFailures > 0 && cb.consecutiveFailures >= cb.maxConsecutiveFailures && !cb.tripped {
		fire = cb.trip("max consecutive failures")
	}
	cb.mu.Unlock()
	if fire != nil {
		fire(cb.Reason())
	}
}

// RecordSuccess resets the failure streak
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.consecutiveFailures = 0
	cb.mu.Unlock()
}

// RecordPnL accumulates realized PnL (base wei) for the daily loss limit
func (cb *CircuitBreaker) RecordPnL(pnl decimal.Decimal) {
	cb.mu.Lock()
	cb.dailyPnL = cb.dailyPnL.Add(pnl)
	var fire func(string)
	if cb.maxDailyLoss.IsPositive() && cb.dailyPnL.Neg().GreaterThan(cb.maxDailyLoss) && !cb.tripped {
		fire = cb.trip("max daily loss exceeded")
	}
	cb.mu.Unlock()
	if fire != nil {
		fire(cb.Reason())
	}
}

// trip must be called with mu held; returns the callback to run after unlock
func (cb *CircuitBreaker) trip(reason string) func(string) {
	cb.tripped = true
	cb.trippedAt = cb.clock.Now()
	cb.reason = reason
	log.Warn().
		Str("reason", reason).
		Int("consecutive_failures", cb.consecutiveFailures).
		Str("daily_pnl", cb.dailyPnL.String()).
		Dur("cooldown", cb.cooldownDuration).
		Msg("🚨 CIRCUIT BREAKER TRIPPED")
	return cb.onTrip
}

func (cb *CircuitBreaker) reset() {
	cb.consecutiveFailures = 0
	cb.dailyPnL = decimal.Zero
	cb.tripped = false
}

// IsTripped returns current trip state
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped
}

// Reason returns why the breaker last tripped
func (cb *CircuitBreaker) Reason() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.reason
}

// ForceReset manually resets the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reset()
	log.Info().Msg("Circuit breaker manually reset")
}

// DailyPnL returns today's accumulated realized PnL in base wei
func (cb *CircuitBreaker) DailyPnL() decimal.Decimal {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.dailyPnL
}

// Restore seeds today's PnL and trip state from a persisted snapshot
func (cb *CircuitBreaker) Restore(dailyPnL decimal.Decimal, tripped bool, reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.dailyPnL = dailyPnL
	if tripped {
		cb.tripped = true
		cb.trippedAt = cb.clock.Now()
		cb.reason = reason
	}
	log.Info().Str("daily_pnl", dailyPnL.String()).Bool("tripped", tripped).Msg("Circuit breaker state restored")
}
