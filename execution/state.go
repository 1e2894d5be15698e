package execution

import (
	"fmt"

	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATE MACHINES
// ═══════════════════════════════════════════════════════════════════════════════
//
//   Order:     PENDING → SUBMITTED → CONFIRMED
//                 ↓          ↓
//               FAILED     FAILED
//
//   Position:  OPEN → PARTIALLY_CLOSED → CLOSED
//                └──────────────────────→ CLOSED
//
// ═══════════════════════════════════════════════════════════════════════════════

// ValidOrderTransitions lists the allowed next states per order state
var ValidOrderTransitions = map[types.OrderStatus][]types.OrderStatus{
	types.OrderPending:   {types.OrderSubmitted, types.OrderFailed},
	types.OrderSubmitted: {types.OrderConfirmed, types.OrderFailed},
}

// ValidPositionTransitions lists the allowed next states per position state
var ValidPositionTransitions = map[types.PositionStatus][]types.PositionStatus{
	types.PositionOpen:            {types.PositionPartiallyClosed, types.PositionClosed},
	types.PositionPartiallyClosed: {types.PositionPartiallyClosed, types.PositionClosed},
}

// CanTransitionOrder reports whether from → to is allowed
func CanTransitionOrder(from, to types.OrderStatus) bool {
	for _, s := range ValidOrderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionPosition reports whether from → to is allowed
func CanTransitionPosition(from, to types.PositionStatus) bool {
	for _, s := range ValidPositionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionOrder(o *types.Order, to types.OrderStatus) error {
	if !CanTransitionOrder(o.Status, to) {
		return fmt.Errorf("order %s: invalid transition %s → %s", o.ID, o.Status, to)
	}
	o.Status = to
	return nil
}

func transitionPosition(p *types.Position, to types.PositionStatus) error {
	if !CanTransitionPosition(p.Status, to) {
		return fmt.Errorf("position %s: invalid transition %s → %s", p.ID, p.Status, to)
	}
	p.Status = to
	return nil
}
