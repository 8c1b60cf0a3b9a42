package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"risk-engine/internal/events"
	"risk-engine/pkg/logger"
)

// Route sends notifications at or above MinLevel to Sink. An empty Types set matches all.
type Route struct {
	Sink     Sink
	MinLevel events.Level
	Types    []events.Event
}

func (r Route) matches(n events.Notification) bool {
	if n.Level < r.MinLevel {
		return false
	}
	if len(r.Types) == 0 {
		return true
	}
	for _, t := range r.Types {
		if t == n.Type {
			return true
		}
	}
	return false
}

// Subscriber is the part of the bus the monitor needs.
type Subscriber interface {
	SubscribeAll(buffer int) (<-chan events.Notification, func())
}

// Monitor fans bus notifications out to routed sinks. Each route gets its own
// goroutine so a slow webhook cannot hold back the log.
type Monitor struct {
	routes      []Route
	sendTimeout time.Duration
}

func New(sendTimeout time.Duration, routes ...Route) *Monitor {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	kept := routes[:0:0]
	for _, r := range routes {
		if r.Sink != nil {
			kept = append(kept, r)
		}
	}
	return &Monitor{routes: kept, sendTimeout: sendTimeout}
}

// Routes returns the active routes.
func (m *Monitor) Routes() []Route { return m.routes }

// Start subscribes each route to the bus. Subscriptions end when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context, bus Subscriber) {
	if len(m.routes) == 0 {
		logger.Warn("monitor has no sinks; notifications are dropped")
		return
	}
	for _, r := range m.routes {
		stream, unsub := bus.SubscribeAll(128)
		go m.run(ctx, r, stream, unsub)
	}
}

func (m *Monitor) run(ctx context.Context, r Route, stream <-chan events.Notification, unsub func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-stream:
			if !ok {
				return
			}
			if !r.matches(n) {
				continue
			}
			m.deliver(ctx, r.Sink, n)
		}
	}
}

func (m *Monitor) deliver(ctx context.Context, s Sink, n events.Notification) {
	sctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()
	if err := s.Send(sctx, n); err != nil {
		metricNotifications.WithLabelValues(s.Name(), "error").Inc()
		logger.Warn("notification delivery failed",
			zap.String("sink", s.Name()),
			zap.String("type", string(n.Type)),
			zap.Error(err))
		return
	}
	metricNotifications.WithLabelValues(s.Name(), "ok").Inc()
}
