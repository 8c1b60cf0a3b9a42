package daily

import (
	"testing"
	"time"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%s): %v", name, err)
	}
	return loc
}

func TestDateKeyUsesReferenceTimezone(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// 03:30 UTC on the 2nd is still the 1st in New York.
	now := time.Date(2024, 3, 2, 3, 30, 0, 0, time.UTC)
	if got := DateKey(now, ny); got != "2024-03-01" {
		t.Fatalf("DateKey=%s, expected 2024-03-01", got)
	}
	if got := DateKey(now, time.UTC); got != "2024-03-02" {
		t.Fatalf("DateKey=%s, expected 2024-03-02", got)
	}
}

func TestRolloverKeepsPauseAndResetsBudget(t *testing.T) {
	day1 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(time.UTC, 200, 100, day1)
	tr.SetPaused(true, day1)
	if ch := tr.ApplyPnL(250, day1); !ch.TargetReached {
		t.Fatalf("target not reported")
	}

	if tr.Rollover(day1.Add(time.Hour)) {
		t.Fatalf("rollover within the same day")
	}
	if !tr.Rollover(day1.Add(13 * time.Hour)) {
		t.Fatalf("no rollover across midnight")
	}
	st := tr.State()
	if st.DateKey != "2024-03-02" || st.RealizedPnL != 0 || st.TargetReached || st.LossCapHit {
		t.Fatalf("state after rollover=%+v", st)
	}
	if !st.UserPaused {
		t.Fatalf("user pause cleared by rollover")
	}
}

func TestRolloverCanClearPause(t *testing.T) {
	day1 := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	tr := NewTracker(time.UTC, 200, 100, day1)
	tr.ClearPauseOnRollover = true
	tr.SetPaused(true, day1)
	if !tr.Rollover(day1.Add(2 * time.Hour)) {
		t.Fatalf("no rollover across midnight")
	}
	if tr.State().UserPaused {
		t.Fatalf("user pause kept with ClearPauseOnRollover set")
	}
}

func TestDateKeyNeverMovesBackwards(t *testing.T) {
	day2 := time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC)
	tr := NewTracker(time.UTC, 200, 100, day2)
	tr.ApplyPnL(-30, day2)
	if tr.Rollover(day2.Add(-2 * time.Hour)) {
		t.Fatalf("rolled back to an earlier day")
	}
	if st := tr.State(); st.DateKey != "2024-03-02" || st.RealizedPnL != -30 {
		t.Fatalf("state=%+v", st)
	}
}

func TestApplyPnLGates(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name                string
		deltas              []float64
		wantTarget, wantCap bool
	}{
		{"flat", []float64{10, -5}, false, false},
		{"target inclusive", []float64{150, 50}, true, false},
		{"loss cap inclusive", []float64{-60, -40}, false, true},
		{"loss after target", []float64{200, -320}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(time.UTC, 200, 100, now)
			for _, d := range tt.deltas {
				tr.ApplyPnL(d, now)
			}
			st := tr.State()
			if st.TargetReached != tt.wantTarget || st.LossCapHit != tt.wantCap {
				t.Fatalf("target=%v cap=%v, expected %v %v", st.TargetReached, st.LossCapHit, tt.wantTarget, tt.wantCap)
			}
			if st.EntriesGated() != (tt.wantTarget || tt.wantCap) {
				t.Fatalf("EntriesGated=%v", st.EntriesGated())
			}
		})
	}
}

func TestRestore(t *testing.T) {
	now := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)

	tr := NewTracker(time.UTC, 200, 100, now)
	tr.Restore(State{DateKey: "2024-03-02", RealizedPnL: -120, UserPaused: true})
	if st := tr.State(); !st.LossCapHit || !st.UserPaused || st.Reason() != "loss_cap_hit" {
		t.Fatalf("restored today=%+v", st)
	}

	stale := NewTracker(time.UTC, 200, 100, now)
	stale.Restore(State{DateKey: "2024-03-01", RealizedPnL: -120, LossCapHit: true, UserPaused: true})
	st := stale.State()
	if st.DateKey != "2024-03-02" || st.RealizedPnL != 0 || st.LossCapHit || !st.UserPaused {
		t.Fatalf("restored stale=%+v", st)
	}
}
