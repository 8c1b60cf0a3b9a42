package control

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"risk-engine/internal/state"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/logger"
)

func init() {
	logger.SetForTest(zap.NewNop())
}

func newRunning(t *testing.T) *state.Manager {
	t.Helper()
	m := state.NewManager(state.Config{
		Location:     time.UTC,
		DailyTarget:  100,
		MaxDailyLoss: 50,
		MaxPositions: 3,
		Clock:        func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) },
	}, nil, nil)
	if err := m.Load(context.Background(), nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = m.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })
	return m
}

func TestControllerPauseResume(t *testing.T) {
	ctx := context.Background()
	m := newRunning(t)
	c := New(m, time.Second)

	st, err := c.Pause(ctx, "test")
	if err != nil || !st.UserPaused {
		t.Fatalf("Pause status=%+v err=%v", st, err)
	}
	st, err = c.Resume(ctx, "test")
	if err != nil || st.UserPaused {
		t.Fatalf("Resume status=%+v err=%v", st, err)
	}

	if _, err := m.ApplyPnL(ctx, 120); err != nil {
		t.Fatalf("ApplyPnL: %v", err)
	}
	st, err = c.Resume(ctx, "test")
	if !errors.Is(err, errs.ErrStillGated) {
		t.Fatalf("Resume err=%v, expected ErrStillGated", err)
	}
	if !st.TargetReached || !st.EntriesGated || st.GateReason != "target_reached" {
		t.Fatalf("status=%+v", st)
	}
}

type stuck struct{}

func (stuck) Submit(ctx context.Context, _ state.Command) (state.Status, error) {
	<-ctx.Done()
	return state.Status{}, ctx.Err()
}

func TestControllerTimeout(t *testing.T) {
	c := New(stuck{}, 20*time.Millisecond)
	if _, err := c.Status(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, expected deadline exceeded", err)
	}
}

func TestIntakeHandle(t *testing.T) {
	ctx := context.Background()
	in := NewIntake(New(newRunning(t), time.Second))

	var resp Response
	if err := json.Unmarshal(in.Handle(ctx, "riskengine.commands.pause", []byte(`{"source":"ops"}`)), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || !resp.Status.UserPaused {
		t.Fatalf("pause resp=%+v", resp)
	}

	resp = Response{}
	_ = json.Unmarshal(in.Handle(ctx, "riskengine.commands.liquidate", nil), &resp)
	if resp.OK || resp.Error == "" {
		t.Fatalf("unknown command accepted: %+v", resp)
	}
}
