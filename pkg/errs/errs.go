// Package errs defines the engine's error taxonomy. Every recoverable failure is
// classified by Kind so callers can decide between skip, retry, alert and abort
// without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the engine reacts to it.
type Kind int

const (
	KindUnknown Kind = iota
	KindData
	KindFeasibility
	KindTransient
	KindEntriesPaused
	KindBracket
	KindPersistence
	KindFatalConfig
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindFeasibility:
		return "feasibility"
	case KindTransient:
		return "transient_exchange"
	case KindEntriesPaused:
		return "entries_paused"
	case KindBracket:
		return "bracket_failure"
	case KindPersistence:
		return "persistence"
	case KindFatalConfig:
		return "fatal_config"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is.
var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrInvalidData      = errors.New("invalid market data")
	ErrBelowMinimum     = errors.New("below exchange minimum")
	ErrTooManyPositions = errors.New("too many open positions")
	ErrPositionExists   = errors.New("position already open for symbol")
	ErrEntriesPaused    = errors.New("entries paused")
	ErrBracketFailure   = errors.New("bracket placement failed")
	ErrTransient        = errors.New("transient exchange error")
	ErrPersistence      = errors.New("persistence failure")
	ErrFatalConfig      = errors.New("invalid configuration")
	ErrQueueFull        = errors.New("command queue full")
	ErrStillGated       = errors.New("entries still gated by daily budget")
)

var kindOfSentinel = map[error]Kind{
	ErrInsufficientData: KindData,
	ErrInvalidData:      KindData,
	ErrBelowMinimum:     KindFeasibility,
	ErrTooManyPositions: KindFeasibility,
	ErrPositionExists:   KindFeasibility,
	ErrEntriesPaused:    KindEntriesPaused,
	ErrStillGated:       KindEntriesPaused,
	ErrBracketFailure:   KindBracket,
	ErrTransient:        KindTransient,
	ErrPersistence:      KindPersistence,
	ErrFatalConfig:      KindFatalConfig,
}

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef builds a classified error wrapping a sentinel with a formatted detail.
func Ef(kind Kind, op string, sentinel error, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))}
}

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	for sentinel, k := range kindOfSentinel {
		if errors.Is(err, sentinel) {
			return k
		}
	}
	return KindUnknown
}

// IsFatal reports whether err must stop the process.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatalConfig
}
