// Package state owns the mutable engine state: the daily budget, the open-position
// table and the latest equity. A single goroutine applies every write; other
// goroutines reach it through bounded channels.
package state

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"risk-engine/internal/daily"
	"risk-engine/internal/events"
	"risk-engine/internal/risk"
	"risk-engine/pkg/db"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/logger"
)

// ErrStopped is returned once Run has exited.
var ErrStopped = errors.New("state manager stopped")

// Store persists the daily state.
type Store interface {
	LoadDailyState(ctx context.Context) (*db.DailyState, error)
	SaveDailyState(ctx context.Context, s db.DailyState) error
}

// Config parameterizes a Manager.
type Config struct {
	Location     *time.Location
	DailyTarget  float64
	MaxDailyLoss float64
	MaxPositions int
	QueueSize    int
	Clock        func() time.Time

	ClearPauseOnRollover bool
}

// Status is one consistent snapshot for operators.
type Status struct {
	At                time.Time `json:"at"`
	DateKey           string    `json:"date_key"`
	Equity            float64   `json:"equity"`
	DailyPnL          float64   `json:"daily_pnl"`
	UserPaused        bool      `json:"user_paused"`
	TargetReached     bool      `json:"target_reached"`
	LossCapHit        bool      `json:"loss_cap_hit"`
	EntriesGated      bool      `json:"entries_gated"`
	GateReason        string    `json:"gate_reason,omitempty"`
	OpenPositions     int       `json:"open_positions"`
	Symbols           []string  `json:"symbols"`
	ReducedDurability bool      `json:"reduced_durability"`
}

// Manager is the single writer of engine state.
type Manager struct {
	store        Store
	pub          events.Publisher
	now          func() time.Time
	maxPositions int

	ops      chan func()
	commands chan command
	stopped  chan struct{}
	started  atomic.Bool

	reduced atomic.Bool

	// Owned by the Run goroutine.
	tracker   *daily.Tracker
	positions map[string]db.Position
	reserved  map[string]bool
	equity    float64
}

// NewManager creates a manager. pub may be nil.
func NewManager(cfg Config, store Store, pub events.Publisher) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	tracker := daily.NewTracker(cfg.Location, cfg.DailyTarget, cfg.MaxDailyLoss, cfg.Clock())
	tracker.ClearPauseOnRollover = cfg.ClearPauseOnRollover
	return &Manager{
		store:        store,
		pub:          pub,
		now:          cfg.Clock,
		maxPositions: cfg.MaxPositions,
		ops:          make(chan func(), 64),
		commands:     make(chan command, cfg.QueueSize),
		stopped:      make(chan struct{}),
		tracker:      tracker,
		positions:    make(map[string]db.Position),
		reserved:     make(map[string]bool),
	}
}

// Load restores the daily state and seeds the position table. It must be called
// before Run.
func (m *Manager) Load(ctx context.Context, active []db.Position) error {
	if m.started.Load() {
		return errors.New("state: Load after Run")
	}
	if m.store != nil {
		rec, err := m.store.LoadDailyState(ctx)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			return errs.E(errs.KindPersistence, "state.Load", err)
		default:
			m.tracker.Restore(daily.FromRecord(*rec))
		}
	}
	for _, p := range active {
		m.positions[p.Symbol] = p
	}
	st := m.tracker.State()
	logger.Info("state loaded",
		zap.String("date_key", st.DateKey),
		zap.Float64("daily_pnl", st.RealizedPnL),
		zap.Bool("user_paused", st.UserPaused),
		zap.Int("open_positions", len(m.positions)),
	)
	return nil
}

// Run applies operations and commands until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("state: Run called twice")
	}
	defer close(m.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-m.ops:
			fn()
		case c := <-m.commands:
			st, err := m.handle(ctx, c.Command)
			c.reply <- reply{status: st, err: err}
		}
	}
}

func (m *Manager) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.ops <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrStopped
	}
}

// Rollover starts a new trading day when the clock has crossed into one.
func (m *Manager) Rollover(ctx context.Context) (bool, error) {
	var reset bool
	err := m.do(ctx, func() {
		now := m.now()
		prev := m.tracker.State()
		if !m.tracker.Rollover(now) {
			return
		}
		reset = true
		st := m.tracker.State()
		m.persist(ctx, st)
		logger.Info("daily state reset",
			zap.String("from", prev.DateKey),
			zap.String("to", st.DateKey),
			zap.Float64("closed_pnl", prev.RealizedPnL),
			zap.Bool("user_paused", st.UserPaused),
		)
		m.emit(events.New(events.EventDailyReset, events.LevelInfo, "", "new trading day "+st.DateKey).
			With("previous_pnl", prev.RealizedPnL))
	})
	return reset, err
}

// ApplyPnL books realized PnL and returns the resulting daily state.
func (m *Manager) ApplyPnL(ctx context.Context, delta float64) (daily.State, error) {
	var st daily.State
	err := m.do(ctx, func() {
		ch := m.tracker.ApplyPnL(delta, m.now())
		st = m.tracker.State()
		m.persist(ctx, st)
		if ch.TargetReached {
			logger.Info("daily profit target reached", zap.Float64("daily_pnl", st.RealizedPnL))
			m.emit(events.New(events.EventTargetReached, events.LevelAlert, "", "daily profit target reached").
				With("daily_pnl", st.RealizedPnL))
		}
		if ch.LossCapHit {
			logger.Warn("daily loss cap hit", zap.Float64("daily_pnl", st.RealizedPnL))
			m.emit(events.New(events.EventLossCapHit, events.LevelAlert, "", "daily loss cap hit").
				With("daily_pnl", st.RealizedPnL))
		}
	})
	return st, err
}

// Daily returns the current daily state.
func (m *Manager) Daily(ctx context.Context) (daily.State, error) {
	var st daily.State
	err := m.do(ctx, func() { st = m.tracker.State() })
	return st, err
}

// SetEquity records the latest account equity.
func (m *Manager) SetEquity(ctx context.Context, equity float64) error {
	return m.do(ctx, func() { m.equity = equity })
}

// Reserve claims a position slot for symbol. It enforces one position per symbol and
// the concurrency cap across concurrent workers.
func (m *Manager) Reserve(ctx context.Context, symbol string) error {
	var err error
	if derr := m.do(ctx, func() {
		if _, ok := m.positions[symbol]; ok || m.reserved[symbol] {
			err = errs.Ef(errs.KindFeasibility, "state.Reserve", errs.ErrPositionExists, "%s", symbol)
			return
		}
		if m.maxPositions > 0 && m.openCount() >= m.maxPositions {
			err = errs.Ef(errs.KindFeasibility, "state.Reserve", errs.ErrTooManyPositions, "%d open", m.openCount())
			return
		}
		m.reserved[symbol] = true
	}); derr != nil {
		return derr
	}
	return err
}

// Release drops a reservation that did not become a position.
func (m *Manager) Release(ctx context.Context, symbol string) error {
	return m.do(ctx, func() { delete(m.reserved, symbol) })
}

// Upsert records an active position, replacing any reservation for its symbol.
func (m *Manager) Upsert(ctx context.Context, p db.Position) error {
	return m.do(ctx, func() {
		delete(m.reserved, p.Symbol)
		m.positions[p.Symbol] = p
	})
}

// Remove drops a position that reached a terminal state.
func (m *Manager) Remove(ctx context.Context, symbol string) error {
	return m.do(ctx, func() {
		delete(m.reserved, symbol)
		delete(m.positions, symbol)
	})
}

// Exposure returns the open and reserved symbols.
func (m *Manager) Exposure(ctx context.Context) (risk.Exposure, error) {
	var e risk.Exposure
	err := m.do(ctx, func() { e = risk.NewExposure(m.symbols()...) })
	return e, err
}

// Positions returns the active positions ordered by symbol.
func (m *Manager) Positions(ctx context.Context) ([]db.Position, error) {
	var out []db.Position
	err := m.do(ctx, func() {
		out = make([]db.Position, 0, len(m.positions))
		for _, p := range m.positions {
			out = append(out, p)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	})
	return out, err
}

// MarkReducedDurability flags that some state only reached the fallback journal.
func (m *Manager) MarkReducedDurability() {
	if !m.reduced.Swap(true) {
		logger.Warn("running with reduced durability")
	}
}

// ClearReducedDurability resets the flag after the journal has been replayed.
func (m *Manager) ClearReducedDurability() { m.reduced.Store(false) }

// ReducedDurability reports the flag.
func (m *Manager) ReducedDurability() bool { return m.reduced.Load() }

func (m *Manager) openCount() int {
	n := len(m.positions)
	for sym := range m.reserved {
		if _, ok := m.positions[sym]; !ok {
			n++
		}
	}
	return n
}

func (m *Manager) symbols() []string {
	out := make([]string, 0, len(m.positions)+len(m.reserved))
	for sym := range m.positions {
		out = append(out, sym)
	}
	for sym := range m.reserved {
		if _, ok := m.positions[sym]; !ok {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) snapshot() Status {
	st := m.tracker.State()
	syms := make([]string, 0, len(m.positions))
	for sym := range m.positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return Status{
		At:                m.now().UTC(),
		DateKey:           st.DateKey,
		Equity:            m.equity,
		DailyPnL:          st.RealizedPnL,
		UserPaused:        st.UserPaused,
		TargetReached:     st.TargetReached,
		LossCapHit:        st.LossCapHit,
		EntriesGated:      st.EntriesGated(),
		GateReason:        st.Reason(),
		OpenPositions:     len(syms),
		Symbols:           syms,
		ReducedDurability: m.reduced.Load(),
	}
}

// persist saves the daily state; a failure degrades durability but never blocks
// the in-memory state.
func (m *Manager) persist(ctx context.Context, st daily.State) bool {
	if m.store == nil {
		return true
	}
	if err := m.store.SaveDailyState(ctx, st.Record()); err != nil {
		logger.Error("persist daily state", zap.Error(err), zap.String("date_key", st.DateKey))
		m.MarkReducedDurability()
		m.emit(events.New(events.EventError, events.LevelWarn, "", "daily state not persisted").With("error", err.Error()))
		return false
	}
	return true
}

func (m *Manager) emit(n events.Notification) {
	if m.pub != nil {
		m.pub.Emit(n)
	}
}
