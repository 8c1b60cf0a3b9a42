package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"risk-engine/internal/engine"
	"risk-engine/internal/events"
	"risk-engine/internal/features"
	"risk-engine/internal/reconciliation"
	"risk-engine/internal/scorer"
	"risk-engine/internal/state"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/logger"
)

func init() {
	logger.SetForTest(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

// stubEngine keeps just enough state to exercise the handlers.
type stubEngine struct {
	mu        sync.Mutex
	status    state.Status
	weights   scorer.Weights
	queueFull bool
}

func (s *stubEngine) Pause(_ context.Context, _ string) (state.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queueFull {
		return state.Status{}, errs.E(errs.KindTransient, "state.Submit", errs.ErrQueueFull)
	}
	s.status.UserPaused = true
	s.status.EntriesGated = true
	return s.status, nil
}

func (s *stubEngine) Resume(_ context.Context, _ string) (state.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.TargetReached || s.status.LossCapHit {
		return s.status, errs.Ef(errs.KindEntriesPaused, "state.Resume", errs.ErrStillGated, "target_reached")
	}
	s.status.UserPaused = false
	s.status.EntriesGated = false
	return s.status, nil
}

func (s *stubEngine) Status(context.Context) (state.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

func (s *stubEngine) Positions(context.Context) ([]engine.PositionView, error) {
	return []engine.PositionView{{Symbol: "BTCUSDT", State: "BRACKET_PLACED", Qty: 0.01}}, nil
}

func (s *stubEngine) History(context.Context, int) ([]engine.PositionView, error) { return nil, nil }

func (s *stubEngine) Transitions(_ context.Context, id string) ([]engine.TransitionView, error) {
	if id != "p1" {
		return nil, nil
	}
	return []engine.TransitionView{{Seq: 1, To: "REQUESTED"}}, nil
}

func (s *stubEngine) Fills(context.Context, string) ([]engine.FillView, error) {
	return []engine.FillView{{Kind: "entry", Side: "BUY", Qty: 0.01, Price: 100}}, nil
}

func (s *stubEngine) Weights() scorer.Weights {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weights
}

func (s *stubEngine) ReplaceWeights(_ context.Context, w scorer.Weights) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.Version <= s.weights.Version {
		return fmt.Errorf("%w: have v%d", scorer.ErrStaleVersion, s.weights.Version)
	}
	s.weights = w
	return nil
}

func (s *stubEngine) Reports(context.Context, int) ([]engine.CycleSummary, error) {
	return []engine.CycleSummary{{DateKey: "2026-10-17", Evaluated: 3}}, nil
}

func (s *stubEngine) Reconcile(context.Context) (*reconciliation.Report, error) {
	return &reconciliation.Report{Timestamp: time.Now()}, nil
}

func (s *stubEngine) Balance(context.Context) (*engine.BalanceInfo, error) {
	return &engine.BalanceInfo{Asset: "USDT", Total: 2000}, nil
}

func (s *stubEngine) SystemStatus(context.Context) *engine.SystemStatus {
	return &engine.SystemStatus{DryRun: true, Venue: "paper"}
}

const (
	testSecret = "test-secret"
	testKey    = "k3y"
)

func newTestServer(t *testing.T) (*Server, *stubEngine) {
	t.Helper()
	eng := &stubEngine{weights: scorer.DefaultWeights()}
	srv := NewServer(Config{
		Engine:    eng,
		Bus:       events.NewBus(),
		JWTSecret: testSecret,
		APIKey:    testKey,
	})
	return srv, eng
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	return w
}

func token(t *testing.T, srv *Server) string {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/api/auth/token", "", map[string]string{"api_key": testKey, "operator": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("token status=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("token decode: %v %s", err, w.Body.String())
	}
	return resp.Token
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{"/health", "/metrics"} {
		w := doJSON(t, srv, http.MethodGet, path, "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s status=%d, expected 200", path, w.Code)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	cases := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
	}
	for _, tc := range cases {
		w := doJSON(t, srv, http.MethodGet, "/api/status", tc.token, nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status=%d, expected 401", tc.name, w.Code)
		}
	}

	w := doJSON(t, srv, http.MethodPost, "/api/auth/token", "", map[string]string{"api_key": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status=%d, expected 401", w.Code)
	}

	forged, err := generateToken("mallory", "other-secret", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	if w := doJSON(t, srv, http.MethodGet, "/api/status", forged, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("forged token status=%d, expected 401", w.Code)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tok, err := generateToken("alice", testSecret, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	op, err := parseToken(tok, testSecret)
	if err != nil || op != "alice" {
		t.Fatalf("parseToken=%q,%v, expected alice", op, err)
	}
	expired, _ := generateToken("alice", testSecret, time.Now().Add(-time.Minute))
	if _, err := parseToken(expired, testSecret); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestPauseResumeFlow(t *testing.T) {
	srv, eng := newTestServer(t)
	tok := token(t, srv)

	w := doJSON(t, srv, http.MethodPost, "/api/pause", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause status=%d", w.Code)
	}
	var st state.Status
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if !st.UserPaused {
		t.Fatalf("user_paused=%v, expected true", st.UserPaused)
	}

	eng.mu.Lock()
	eng.status.TargetReached = true
	eng.mu.Unlock()
	w = doJSON(t, srv, http.MethodPost, "/api/resume", tok, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("resume while gated status=%d, expected 409", w.Code)
	}
	var gated struct {
		Code   string       `json:"code"`
		Status state.Status `json:"status"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &gated)
	if gated.Code != "STILL_GATED" || !gated.Status.UserPaused {
		t.Fatalf("resp=%+v, expected STILL_GATED with pause kept", gated)
	}

	eng.mu.Lock()
	eng.status.TargetReached = false
	eng.mu.Unlock()
	if w := doJSON(t, srv, http.MethodPost, "/api/resume", tok, nil); w.Code != http.StatusOK {
		t.Fatalf("resume status=%d, expected 200", w.Code)
	}
}

func TestQueueFullIsServiceUnavailable(t *testing.T) {
	srv, eng := newTestServer(t)
	eng.queueFull = true
	w := doJSON(t, srv, http.MethodPost, "/api/pause", token(t, srv), nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, expected 503", w.Code)
	}
}

func TestPutWeights(t *testing.T) {
	srv, _ := newTestServer(t)
	tok := token(t, srv)

	next := scorer.DefaultWeights()
	next.Version = 2
	next.Values[features.Momentum] = 1.5

	cases := []struct {
		name string
		body any
		want int
	}{
		{"advance", next, http.StatusOK},
		{"stale", next, http.StatusConflict},
		{"unknown feature", scorer.Weights{Version: 3, Values: map[string]float64{"lunar_phase": 1}}, http.StatusBadRequest},
		{"garbage", "nope", http.StatusBadRequest},
	}
	for _, tc := range cases {
		w := doJSON(t, srv, http.MethodPut, "/api/weights", tok, tc.body)
		if w.Code != tc.want {
			t.Fatalf("%s: status=%d, expected %d (%s)", tc.name, w.Code, tc.want, w.Body.String())
		}
	}

	w := doJSON(t, srv, http.MethodGet, "/api/weights", tok, nil)
	var got scorer.Weights
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.Version != 2 || got.Values[features.Momentum] != 1.5 {
		t.Fatalf("weights=%+v, expected v2 momentum 1.5", got)
	}
}

func TestReadEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	tok := token(t, srv)
	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/status", http.StatusOK},
		{http.MethodGet, "/api/positions", http.StatusOK},
		{http.MethodGet, "/api/positions/history?limit=5", http.StatusOK},
		{http.MethodGet, "/api/positions/p1/transitions", http.StatusOK},
		{http.MethodGet, "/api/positions/missing/transitions", http.StatusNotFound},
		{http.MethodGet, "/api/positions/p1/fills", http.StatusOK},
		{http.MethodGet, "/api/reports", http.StatusOK},
		{http.MethodPost, "/api/reconcile", http.StatusOK},
		{http.MethodGet, "/api/balance", http.StatusOK},
		{http.MethodGet, "/api/system/status", http.StatusOK},
	}
	for _, tc := range cases {
		if w := doJSON(t, srv, tc.method, tc.path, tok, nil); w.Code != tc.want {
			t.Fatalf("%s %s status=%d, expected %d", tc.method, tc.path, w.Code, tc.want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	l := newIPLimiters(1, 2)
	lim := l.get("10.0.0.1")
	if !lim.Allow() || !lim.Allow() {
		t.Fatalf("expected burst of 2")
	}
	if lim.Allow() {
		t.Fatalf("expected third request to be limited")
	}
	if !l.get("10.0.0.2").Allow() {
		t.Fatalf("expected a separate bucket per ip")
	}
}

func TestGRPCHealthTracksGate(t *testing.T) {
	eng := &stubEngine{weights: scorer.DefaultWeights()}
	h := NewHealthServer(eng, time.Second)
	ctx := context.Background()

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("Check(%q): %v", service, err)
		}
		return resp.Status
	}

	h.Refresh(ctx)
	if got := check(EntriesService); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("entries=%v, expected SERVING", got)
	}
	if _, err := eng.Pause(ctx, "test"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	h.Refresh(ctx)
	if got := check(EntriesService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("entries=%v, expected NOT_SERVING", got)
	}
	if got := check(""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall=%v, expected SERVING", got)
	}
}
