package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrIllegalTransition is matched by every *TransitionError.
	ErrIllegalTransition = errors.New("illegal grid level transition")
	// ErrSideSwitchRejected is returned while any level holds exposure.
	ErrSideSwitchRejected = errors.New("side switch rejected: open exposure")
	// ErrOrderNotFound is returned by the gateway for unknown orders.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOutcomeUnknown means a request timed out without a response.
	ErrOutcomeUnknown = errors.New("order outcome unknown")
	// ErrEngineHalted is returned for requests refused after a fatal breach.
	ErrEngineHalted = errors.New("engine halted")
)

// ConfigError lists every invalid grid/risk parameter.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// TransientGatewayError is a network or rate-limit failure worth retrying.
type TransientGatewayError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientGatewayError) Error() string {
	return fmt.Sprintf("transient gateway error during %s: %v", e.Op, e.Err)
}

func (e *TransientGatewayError) Unwrap() error { return e.Err }

// RejectedOrderError is a precision, notional or margin rejection.
type RejectedOrderError struct {
	Code   int64
	Reason string
	Err    error
}

func (e *RejectedOrderError) Error() string {
	return fmt.Sprintf("order rejected (code=%d): %s", e.Code, e.Reason)
}

func (e *RejectedOrderError) Unwrap() error { return e.Err }

// ReconciliationConflict records a disagreement between local and exchange state.
// The exchange is always taken as the truth.
type ReconciliationConflict struct {
	Level    int
	OrderID  string
	Local    string
	Exchange string
}

func (e *ReconciliationConflict) Error() string {
	return fmt.Sprintf("reconciliation conflict on level %d order %s: local=%s exchange=%s",
		e.Level, e.OrderID, e.Local, e.Exchange)
}

// FatalRiskBreach halts all order placement until manual resume.
type FatalRiskBreach struct {
	Balance decimal.Decimal
	Floor   decimal.Decimal
}

func (e *FatalRiskBreach) Error() string {
	return fmt.Sprintf("fatal risk breach: balance %s below floor %s", e.Balance, e.Floor)
}

// LevelEvent is an input to the grid level state machine.
type LevelEvent string

const (
	EventPlaceEntry  LevelEvent = "PLACE_ENTRY"
	EventEntryFill   LevelEvent = "ENTRY_FILL"
	EventEntryCancel LevelEvent = "ENTRY_CANCEL"
	EventPlaceTP     LevelEvent = "PLACE_TP"
	EventTPFill      LevelEvent = "TP_FILL"
	EventTPCancel    LevelEvent = "TP_CANCEL"
	EventReduce      LevelEvent = "REDUCE"
	EventAdopt       LevelEvent = "ADOPT"
	EventReset       LevelEvent = "RESET"
)

// TransitionError reports an event that is not valid in the level's state.
type TransitionError struct {
	Level int
	From  LevelState
	Event LevelEvent
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("level %d: event %s not allowed in state %s", e.Level, e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
