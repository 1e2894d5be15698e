package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ═══════════════════════════════════════════════════════════════════════════════
// NOTICES - Outbound feed (UI, Telegram, stats)
// ═══════════════════════════════════════════════════════════════════════════════

// Notice is a closed union of outbound messages
type Notice interface {
	// Topic is the feed channel name
	Topic() string
	notice()
}

const (
	TopicSnipeDetected  = "snipe:detected"
	TopicSnipeExecuting = "snipe:executing"
	TopicSnipeSuccess   = "snipe:success"
	TopicSnipeFailed    = "snipe:failed"
	TopicAlert          = "alert"
	TopicOrder          = "order"
	TopicPosition       = "position"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertKind enumerates alert causes
type AlertKind string

const (
	AlertHoneypotDetected AlertKind = "honeypot_detected"
	AlertRiskBlocked      AlertKind = "risk_blocked"
	AlertSnipeSuccess     AlertKind = "snipe_success"
	AlertSnipeFailed      AlertKind = "snipe_failed"
	AlertRelayRejected    AlertKind = "relay_rejected"
	AlertLateConfirmation AlertKind = "late_confirmation"
	AlertCircuitTripped   AlertKind = "circuit_tripped"
)

type SnipeDetected struct {
	StrategyID string
	Token      common.Address
	Pair       common.Address
	EventKey   string
	At         time.Time
}

type SnipeExecuting struct {
	StrategyID string
	OrderID    string
	Token      common.Address
	Wallet     common.Address
	AmountIn   *uint256.Int
	Risk       *RiskAssessment
	At         time.Time
}

type SnipeSuccess struct {
	StrategyID string
	OrderID    string
	Token      common.Address
	TxHash     common.Hash
	Latency    time.Duration
	PositionID string
	At         time.Time
}

type SnipeFailed struct {
	StrategyID string
	OrderID    string
	Token      common.Address
	Reason     string
	At         time.Time
}

type Alert struct {
	Severity Severity
	Kind     AlertKind
	Message  string
	Token    common.Address
	At       time.Time
}

// OrderFinalized is emitted exactly once per order, on its terminal transition
type OrderFinalized struct {
	Order *Order
}

// PositionChanged is emitted after a confirmed fill updates a position
type PositionChanged struct {
	Position *Position
	Realized bool // a sell realized PnL
}

func (SnipeDetected) Topic() string   { return TopicSnipeDetected }
func (SnipeExecuting) Topic() string  { return TopicSnipeExecuting }
func (SnipeSuccess) Topic() string    { return TopicSnipeSuccess }
func (SnipeFailed) Topic() string     { return TopicSnipeFailed }
func (Alert) Topic() string           { return TopicAlert }
func (OrderFinalized) Topic() string  { return TopicOrder }
func (PositionChanged) Topic() string { return TopicPosition }

func (SnipeDetected) notice()   {}
func (SnipeExecuting) notice()  {}
func (SnipeSuccess) notice()    {}
func (SnipeFailed) notice()     {}
func (Alert) notice()           {}
func (OrderFinalized) notice()  {}
func (PositionChanged) notice() {}
