// Package daily tracks the realized PnL budget of the current trading day and decides
// whether new entries are gated.
package daily

import (
	"time"

	"risk-engine/pkg/db"
)

const dateLayout = "2006-01-02"

// DateKey returns the trading day of now in loc as YYYY-MM-DD.
func DateKey(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format(dateLayout)
}

// State is a copy of the daily budget.
type State struct {
	DateKey       string    `json:"date_key"`
	RealizedPnL   float64   `json:"realized_pnl"`
	TargetReached bool      `json:"target_reached"`
	LossCapHit    bool      `json:"loss_cap_hit"`
	UserPaused    bool      `json:"user_paused"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EntriesGated reports whether new entries are blocked.
func (s State) EntriesGated() bool {
	return s.UserPaused || s.TargetReached || s.LossCapHit
}

// BudgetGated reports whether the target or loss cap blocks entries regardless of
// the user pause flag.
func (s State) BudgetGated() bool {
	return s.TargetReached || s.LossCapHit
}

// Reason names the first active gate, or "" when entries are open.
func (s State) Reason() string {
	switch {
	case s.LossCapHit:
		return "loss_cap_hit"
	case s.TargetReached:
		return "target_reached"
	case s.UserPaused:
		return "user_paused"
	}
	return ""
}

// FromRecord converts the persisted row.
func FromRecord(r db.DailyState) State {
	return State{
		DateKey:       r.DateKey,
		RealizedPnL:   r.RealizedPnL,
		TargetReached: r.TargetReached,
		LossCapHit:    r.LossCapHit,
		UserPaused:    r.UserPaused,
		UpdatedAt:     r.UpdatedAt,
	}
}

// Record converts to the persisted row.
func (s State) Record() db.DailyState {
	return db.DailyState{
		DateKey:       s.DateKey,
		RealizedPnL:   s.RealizedPnL,
		TargetReached: s.TargetReached,
		LossCapHit:    s.LossCapHit,
		UserPaused:    s.UserPaused,
		UpdatedAt:     s.UpdatedAt,
	}
}

// Change lists the gates that flipped on during one update.
type Change struct {
	Reset         bool
	TargetReached bool
	LossCapHit    bool
}

// Tracker owns the daily state. It is not safe for concurrent use; the state manager
// is its only caller.
type Tracker struct {
	loc     *time.Location
	target  float64
	maxLoss float64
	st      State

	// ClearPauseOnRollover makes a new trading day drop user_paused as well.
	// Off by default: a pause holds until an explicit resume.
	ClearPauseOnRollover bool
}

// NewTracker creates a tracker for today in loc.
func NewTracker(loc *time.Location, target, maxLoss float64, now time.Time) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	return &Tracker{
		loc:     loc,
		target:  target,
		maxLoss: maxLoss,
		st:      State{DateKey: DateKey(now, loc), UpdatedAt: now},
	}
}

// Restore replaces the state with a persisted one, re-evaluating the gates against
// the current limits. A persisted key older than the tracker's is rolled forward by
// the next Rollover; a newer one wins.
func (t *Tracker) Restore(s State) {
	if s.DateKey == "" {
		return
	}
	cur := t.st.DateKey
	t.st = s
	if s.DateKey < cur {
		// Stale snapshot: keep the pause but start today's budget fresh.
		t.st = State{DateKey: cur, UserPaused: s.UserPaused, UpdatedAt: t.st.UpdatedAt}
		return
	}
	t.evaluate()
}

// State returns a copy of the current state.
func (t *Tracker) State() State { return t.st }

// Rollover resets the budget when now falls on a later trading day than the current
// key. user_paused carries over unless ClearPauseOnRollover is set. A now that
// maps to an earlier day is ignored.
func (t *Tracker) Rollover(now time.Time) bool {
	key := DateKey(now, t.loc)
	if key <= t.st.DateKey {
		return false
	}
	t.st = State{
		DateKey:    key,
		UserPaused: t.st.UserPaused && !t.ClearPauseOnRollover,
		UpdatedAt:  now,
	}
	return true
}

// ApplyPnL adds realized PnL and returns which gates turned on.
func (t *Tracker) ApplyPnL(delta float64, now time.Time) Change {
	before := t.st
	t.st.RealizedPnL += delta
	t.st.UpdatedAt = now
	t.evaluate()
	return Change{
		TargetReached: t.st.TargetReached && !before.TargetReached,
		LossCapHit:    t.st.LossCapHit && !before.LossCapHit,
	}
}

// SetPaused sets the user pause flag.
func (t *Tracker) SetPaused(paused bool, now time.Time) {
	t.st.UserPaused = paused
	t.st.UpdatedAt = now
}

func (t *Tracker) evaluate() {
	t.st.TargetReached = t.target > 0 && t.st.RealizedPnL >= t.target
	t.st.LossCapHit = t.maxLoss > 0 && t.st.RealizedPnL <= -t.maxLoss
}
