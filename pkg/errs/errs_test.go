package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"classified", E(KindTransient, "fetch", errors.New("timeout")), KindTransient},
		{"sentinel", fmt.Errorf("size: %w", ErrBelowMinimum), KindFeasibility},
		{"wrapped classified", fmt.Errorf("cycle: %w", Ef(KindBracket, "bracket", ErrBracketFailure, "sl rejected")), KindBracket},
		{"paused", ErrEntriesPaused, KindEntriesPaused},
		{"fatal", Ef(KindFatalConfig, "config", ErrFatalConfig, "capital_cap=0"), KindFatalConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf=%v, expected %v", got, tt.want)
			}
		})
	}
}

func TestEfKeepsSentinel(t *testing.T) {
	err := Ef(KindFeasibility, "risk", ErrTooManyPositions, "%d/%d", 3, 3)
	if !errors.Is(err, ErrTooManyPositions) {
		t.Fatalf("expected errors.Is to match sentinel, got %v", err)
	}
	if IsFatal(err) {
		t.Fatalf("feasibility error reported as fatal")
	}
	if want := "risk: too many open positions: 3/3"; err.Error() != want {
		t.Fatalf("Error()=%q, expected %q", err.Error(), want)
	}
}
