package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNetwork          = errors.New("network error")
	ErrSimulationRevert = errors.New("simulation reverted")
	ErrRelayRejected    = errors.New("rejected by receiver")
	ErrNonceConflict    = errors.New("nonce conflict")
	ErrRiskBlocked      = errors.New("risk blocked")
	ErrConfig           = errors.New("invalid config")
	ErrOverflow         = errors.New("amount overflow")
	ErrUnknownEvent     = errors.New("unknown event variant")
	ErrNotFound         = errors.New("not found")
	ErrDuplicate        = errors.New("duplicate")
	ErrInFlight         = errors.New("order already in flight")
	ErrDeadline         = errors.New("order deadline exceeded")
	ErrPaused           = errors.New("engine paused")
	ErrBreakerTripped   = errors.New("circuit breaker tripped")
)

// SimulationError carries the decoded revert reason of a dry run
type SimulationError struct {
	Reason string
}

func (e *SimulationError) Error() string {
	if e.Reason == "" {
		return ErrSimulationRevert.Error()
	}
	return fmt.Sprintf("%s: %s", ErrSimulationRevert, e.Reason)
}

func (e *SimulationError) Is(target error) bool { return target == ErrSimulationRevert }

// ConfigError names the offending strategy field
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfig, e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// RiskBlockedError is returned when analysis or strategy thresholds forbid an order
type RiskBlockedError struct {
	Token  common.Address
	Level  RiskLevel
	Issues []string
}

func (e *RiskBlockedError) Error() string {
	return fmt.Sprintf("%s: %s %s [%s]", ErrRiskBlocked, e.Token.Hex(), e.Level, strings.Join(e.Issues, ","))
}

func (e *RiskBlockedError) Is(target error) bool { return target == ErrRiskBlocked }
