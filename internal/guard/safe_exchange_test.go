package guard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"risk-engine/pkg/config"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/exchanges/common"
	"risk-engine/pkg/exchanges/paper"
	"risk-engine/pkg/logger"
)

func init() {
	logger.SetForTest(zap.NewNop())
}

type flaky struct {
	*paper.Exchange
	tickerFails int32
	tickerCalls atomic.Int32
	placeCalls  atomic.Int32
	placeErr    error
	hang        bool
}

func (f *flaky) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	n := f.tickerCalls.Add(1)
	if f.hang {
		<-ctx.Done()
		return common.Ticker{}, ctx.Err()
	}
	if n <= f.tickerFails {
		return common.Ticker{}, errs.Ef(errs.KindTransient, "ticker", errs.ErrTransient, "503")
	}
	return f.Exchange.FetchTicker(ctx, symbol)
}

func (f *flaky) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	f.placeCalls.Add(1)
	if f.placeErr != nil {
		return common.OrderResult{}, f.placeErr
	}
	return f.Exchange.PlaceOrder(ctx, req)
}

func newGuard(inner common.Exchange, cfg config.Guard, timeout time.Duration) *SafeExchange {
	s := New(inner, cfg, timeout)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func newPaper() *paper.Exchange {
	return paper.New(paper.Config{InitialBalance: 1000, Seed: 1, StartPrices: map[string]float64{"BTCUSDT": 100}})
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	f := &flaky{Exchange: newPaper(), tickerFails: 2}
	s := newGuard(f, config.Guard{MaxRetries: 3, BreakerThreshold: 10}, time.Second)
	if _, err := s.FetchTicker(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("FetchTicker: %v", err)
	}
	if got := f.tickerCalls.Load(); got != 3 {
		t.Fatalf("calls=%d, expected 3", got)
	}
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	f := &flaky{Exchange: newPaper(), tickerFails: 100}
	s := newGuard(f, config.Guard{MaxRetries: 2, BreakerThreshold: 100}, time.Second)
	_, err := s.FetchTicker(context.Background(), "BTCUSDT")
	if errs.KindOf(err) != errs.KindTransient {
		t.Fatalf("err=%v, expected transient", err)
	}
	if got := f.tickerCalls.Load(); got != 3 {
		t.Fatalf("calls=%d, expected 3", got)
	}
}

func TestPlaceOrderNotRetried(t *testing.T) {
	f := &flaky{Exchange: newPaper(), placeErr: errs.Ef(errs.KindTransient, "place", errs.ErrTransient, "502")}
	s := newGuard(f, config.Guard{MaxRetries: 5, BreakerThreshold: 100}, time.Second)
	_, err := s.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1, ClientID: "c1"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := f.placeCalls.Load(); got != 1 {
		t.Fatalf("place calls=%d, expected 1", got)
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	f := &flaky{Exchange: newPaper(), hang: true}
	s := newGuard(f, config.Guard{BreakerThreshold: 100}, 20*time.Millisecond)
	_, err := s.FetchTicker(context.Background(), "BTCUSDT")
	if !errors.Is(err, errs.ErrTransient) || errs.KindOf(err) != errs.KindTransient {
		t.Fatalf("err=%v, expected transient timeout", err)
	}
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	f := &flaky{Exchange: newPaper(), tickerFails: 3}
	s := newGuard(f, config.Guard{MaxRetries: 0, BreakerThreshold: 3, BreakerCooldown: time.Minute}, time.Second)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.breaker.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = s.FetchTicker(ctx, "BTCUSDT")
	}
	if s.BreakerState() != "open" {
		t.Fatalf("state=%s, expected open", s.BreakerState())
	}
	if _, err := s.FetchTicker(ctx, "BTCUSDT"); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err=%v, expected ErrBreakerOpen", err)
	}
	if got := f.tickerCalls.Load(); got != 3 {
		t.Fatalf("calls=%d while open, expected 3", got)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.FetchTicker(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if s.BreakerState() != "closed" {
		t.Fatalf("state=%s after successful probe", s.BreakerState())
	}
}

func TestNonTransientDoesNotTrip(t *testing.T) {
	f := &flaky{Exchange: newPaper(), placeErr: errors.New("rejected: insufficient margin")}
	s := newGuard(f, config.Guard{BreakerThreshold: 1}, time.Second)
	for i := 0; i < 3; i++ {
		_, _ = s.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT", Qty: 1})
	}
	if s.BreakerState() != "closed" {
		t.Fatalf("state=%s, expected closed", s.BreakerState())
	}
}
