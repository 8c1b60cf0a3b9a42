package order

import (
	"fmt"
	"time"
)

// State is the lifecycle state of one entry and its bracket.
type State string

const (
	StateRequested     State = "REQUESTED"
	StateSubmitted     State = "SUBMITTED"
	StateFilled        State = "FILLED"
	StateBracketPlaced State = "BRACKET_PLACED"
	StateDegraded      State = "DEGRADED"
	StateClosed        State = "CLOSED"
	StateFailed        State = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Open reports whether the venue holds quantity for the position.
func (s State) Open() bool {
	return s == StateFilled || s == StateBracketPlaced || s == StateDegraded
}

var transitions = map[State][]State{
	"":                 {StateRequested},
	StateRequested:     {StateSubmitted, StateFailed},
	StateSubmitted:     {StateFilled, StateFailed},
	StateFilled:        {StateBracketPlaced, StateDegraded, StateClosed},
	StateDegraded:      {StateBracketPlaced, StateDegraded, StateClosed},
	StateBracketPlaced: {StateClosed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned for an illegal edge.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// Close reasons.
const (
	ReasonStopLoss       = "stop_loss"
	ReasonTakeProfit     = "take_profit"
	ReasonManual         = "manual"
	ReasonReconciledFlat = "reconciled_flat"
)

// Config tunes the lifecycle manager.
type Config struct {
	// BracketRetries is how often a failed bracket leg is retried within one attempt.
	BracketRetries int
	// SubmitRetries bounds query-then-resubmit rounds after an ambiguous entry failure.
	SubmitRetries int
	PollInterval  time.Duration
	FillTimeout   time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		BracketRetries: 1,
		SubmitRetries:  2,
		PollInterval:   500 * time.Millisecond,
		FillTimeout:    15 * time.Second,
	}
}
