package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"risk-engine/internal/events"
	"risk-engine/pkg/db"
)

type recordSink struct {
	mu  sync.Mutex
	got []events.Notification
}

func (s *recordSink) Name() string { return "record" }

func (s *recordSink) Send(_ context.Context, n events.Notification) error {
	s.mu.Lock()
	s.got = append(s.got, n)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestRouteMatches(t *testing.T) {
	cases := []struct {
		name  string
		route Route
		n     events.Notification
		want  bool
	}{
		{"below level", Route{MinLevel: events.LevelWarn}, events.New(events.EventCycle, events.LevelInfo, "", ""), false},
		{"at level", Route{MinLevel: events.LevelWarn}, events.New(events.EventError, events.LevelWarn, "", ""), true},
		{"type filter hit", Route{Types: []events.Event{events.EventLossCapHit}}, events.New(events.EventLossCapHit, events.LevelAlert, "", ""), true},
		{"type filter miss", Route{Types: []events.Event{events.EventLossCapHit}}, events.New(events.EventStartup, events.LevelAlert, "", ""), false},
	}
	for _, tc := range cases {
		if got := tc.route.matches(tc.n); got != tc.want {
			t.Fatalf("%s: matches=%v, expected %v", tc.name, got, tc.want)
		}
	}
}

func TestMonitorDispatchesByLevel(t *testing.T) {
	bus := events.NewBus()
	all := &recordSink{}
	alerts := &recordSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := New(time.Second,
		Route{Sink: all},
		Route{Sink: alerts, MinLevel: events.LevelAlert},
		Route{Sink: nil},
	)
	if len(m.Routes()) != 2 {
		t.Fatalf("routes=%d, expected 2", len(m.Routes()))
	}
	m.Start(ctx, bus)

	bus.Emit(events.New(events.EventEntryPlaced, events.LevelInfo, "BTCUSDT", "entry"))
	bus.Emit(events.New(events.EventBracketDegraded, events.LevelAlert, "BTCUSDT", "no stop"))

	waitFor(t, func() bool { return all.len() == 2 && alerts.len() == 1 })
	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if alerts.got[0].Type != events.EventBracketDegraded {
		t.Fatalf("alert type=%s, expected %s", alerts.got[0].Type, events.EventBracketDegraded)
	}
}

func TestDiscordSinkPostsEmbed(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSink(srv.URL)
	n := events.New(events.EventLossCapHit, events.LevelAlert, "", "daily loss cap hit").With("pnl", -20.0)
	if err := s.Send(context.Background(), n); err != nil {
		t.Fatalf("send: %v", err)
	}
	embeds, _ := body["embeds"].([]any)
	if len(embeds) != 1 {
		t.Fatalf("embeds=%d, expected 1", len(embeds))
	}
	embed := embeds[0].(map[string]any)
	if embed["title"] != "loss_cap_hit" {
		t.Fatalf("title=%v, expected loss_cap_hit", embed["title"])
	}
	if int(embed["color"].(float64)) != colorAlert {
		t.Fatalf("color=%v, expected %d", embed["color"], colorAlert)
	}
}

func TestDiscordSinkReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSink(srv.URL).Send(context.Background(), events.New(events.EventError, events.LevelWarn, "", "x"))
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err=%v, expected status 429", err)
	}
	if NewDiscordSink("") != nil {
		t.Fatalf("expected nil sink for empty url")
	}
}

type pubRecorder struct {
	subject string
	data    []byte
}

func (p *pubRecorder) Publish(_ context.Context, subject string, data []byte) error {
	p.subject, p.data = subject, data
	return nil
}

func TestNATSSinkSubject(t *testing.T) {
	p := &pubRecorder{}
	n := events.New(events.EventTargetReached, events.LevelAlert, "", "target reached")
	if err := NewNATSSink(p).Send(context.Background(), n); err != nil {
		t.Fatalf("send: %v", err)
	}
	if p.subject != "riskengine.events.target_reached" {
		t.Fatalf("subject=%s, expected riskengine.events.target_reached", p.subject)
	}
	var decoded events.Notification
	if err := json.Unmarshal(p.data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Message != "target reached" {
		t.Fatalf("message=%q", decoded.Message)
	}
}

func TestObserveCycleDoesNotPanic(t *testing.T) {
	ObserveCycle(db.CycleReport{Duration: 120 * time.Millisecond, Evaluated: 5, Rejections: map[string]int{"below_minimum": 2}})
	SetGauges(Gauges{Equity: 2000, DailyPnL: 3.5, OpenPositions: 1, EntriesGated: true})
}
