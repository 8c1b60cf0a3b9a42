package control

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"risk-engine/internal/state"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/logger"
)

// CommandSubject is the wildcard subject remote operators send requests to, e.g.
// riskengine.commands.pause.
const CommandSubject = "riskengine.commands.*"

// Server answers request/reply subscriptions.
type Server interface {
	Serve(subject string, handler func(subject string, data []byte) []byte) (*nats.Subscription, error)
}

// Response is the JSON reply to a remote command.
type Response struct {
	OK     bool         `json:"ok"`
	Error  string       `json:"error,omitempty"`
	Kind   string       `json:"kind,omitempty"`
	Status state.Status `json:"status"`
}

// Intake serves operator commands received over NATS.
type Intake struct {
	ctrl *Controller
}

// NewIntake creates an intake for ctrl.
func NewIntake(ctrl *Controller) *Intake {
	return &Intake{ctrl: ctrl}
}

// Start subscribes and unsubscribes when ctx ends.
func (in *Intake) Start(ctx context.Context, srv Server) error {
	sub, err := srv.Serve(CommandSubject, func(subject string, data []byte) []byte {
		return in.Handle(ctx, subject, data)
	})
	if err != nil {
		return err
	}
	logger.Info("nats command intake started", zap.String("subject", CommandSubject))
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

// Handle runs the command named by the last subject token and encodes the reply.
func (in *Intake) Handle(ctx context.Context, subject string, data []byte) []byte {
	kind := state.CommandKind(subject[strings.LastIndex(subject, ".")+1:])
	source := "nats"
	if len(data) > 0 {
		var body struct {
			Source string `json:"source"`
		}
		if json.Unmarshal(data, &body) == nil && body.Source != "" {
			source = "nats:" + body.Source
		}
	}

	var resp Response
	switch kind {
	case state.CmdPause, state.CmdResume, state.CmdStatus:
		st, err := in.ctrl.Do(ctx, kind, source)
		resp = Response{OK: err == nil, Status: st}
		if err != nil {
			resp.Error = err.Error()
			resp.Kind = errs.KindOf(err).String()
		}
	default:
		resp = Response{Error: "unknown command " + string(kind)}
	}
	logger.Info("remote command",
		zap.String("command", string(kind)),
		zap.String("source", source),
		zap.Bool("ok", resp.OK),
	)
	out, _ := json.Marshal(resp)
	return out
}
