// Package control exposes the operator commands: pause, resume and status. Every
// command goes through the state manager's bounded queue, so a command never races
// a cycle's writes.
package control

import (
	"context"
	"time"

	"risk-engine/internal/state"
)

// Submitter is the command queue owner.
type Submitter interface {
	Submit(ctx context.Context, cmd state.Command) (state.Status, error)
}

// Controller issues operator commands.
type Controller struct {
	sub     Submitter
	timeout time.Duration
}

// New creates a controller. timeout bounds how long a caller waits for the state
// owner; zero means no extra bound.
func New(sub Submitter, timeout time.Duration) *Controller {
	return &Controller{sub: sub, timeout: timeout}
}

// Pause blocks new entries from the next evaluation on. Open positions and their
// brackets are untouched.
func (c *Controller) Pause(ctx context.Context, source string) (state.Status, error) {
	return c.submit(ctx, state.Command{Kind: state.CmdPause, Source: source})
}

// Resume clears the user pause. While the daily target or loss cap is hit it fails
// with errs.ErrStillGated and leaves the pause as it was.
func (c *Controller) Resume(ctx context.Context, source string) (state.Status, error) {
	return c.submit(ctx, state.Command{Kind: state.CmdResume, Source: source})
}

// Status returns one consistent snapshot.
func (c *Controller) Status(ctx context.Context) (state.Status, error) {
	return c.submit(ctx, state.Command{Kind: state.CmdStatus})
}

// Do dispatches a command by kind.
func (c *Controller) Do(ctx context.Context, kind state.CommandKind, source string) (state.Status, error) {
	return c.submit(ctx, state.Command{Kind: kind, Source: source})
}

func (c *Controller) submit(ctx context.Context, cmd state.Command) (state.Status, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.sub.Submit(ctx, cmd)
}
