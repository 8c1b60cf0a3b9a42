package state

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"risk-engine/internal/events"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/logger"
)

// CommandKind names an operator command.
type CommandKind string

const (
	CmdPause  CommandKind = "pause"
	CmdResume CommandKind = "resume"
	CmdStatus CommandKind = "status"
)

// Command is an operator request.
type Command struct {
	Kind   CommandKind `json:"kind"`
	Source string      `json:"source,omitempty"` // api, nats, cli
}

type reply struct {
	status Status
	err    error
}

type command struct {
	Command
	reply chan reply
}

// Submit enqueues cmd without blocking and waits for its result. A full queue
// returns ErrQueueFull immediately.
func (m *Manager) Submit(ctx context.Context, cmd Command) (Status, error) {
	c := command{Command: cmd, reply: make(chan reply, 1)}
	select {
	case m.commands <- c:
	default:
		return Status{}, errs.E(errs.KindUnknown, "state.Submit", errs.ErrQueueFull)
	}
	select {
	case r := <-c.reply:
		return r.status, r.err
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case <-m.stopped:
		return Status{}, ErrStopped
	}
}

func (m *Manager) handle(ctx context.Context, cmd Command) (Status, error) {
	switch cmd.Kind {
	case CmdStatus:
		return m.snapshot(), nil

	case CmdPause:
		st := m.tracker.State()
		if !st.UserPaused {
			st.UserPaused = true
			m.persist(ctx, st)
			m.tracker.SetPaused(true, m.now())
			logger.Info("entries paused", zap.String("source", cmd.Source))
			m.emit(events.New(events.EventCommand, events.LevelInfo, "", "entries paused").With("source", cmd.Source))
		}
		return m.snapshot(), nil

	case CmdResume:
		st := m.tracker.State()
		if st.BudgetGated() {
			return m.snapshot(), errs.Ef(errs.KindEntriesPaused, "state.Resume", errs.ErrStillGated, "%s", st.Reason())
		}
		if st.UserPaused {
			st.UserPaused = false
			m.persist(ctx, st)
			m.tracker.SetPaused(false, m.now())
			logger.Info("entries resumed", zap.String("source", cmd.Source))
			m.emit(events.New(events.EventCommand, events.LevelInfo, "", "entries resumed").With("source", cmd.Source))
		}
		return m.snapshot(), nil
	}
	return m.snapshot(), fmt.Errorf("unknown command %q", cmd.Kind)
}
