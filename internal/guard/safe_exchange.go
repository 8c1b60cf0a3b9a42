// Package guard wraps every exchange call with a timeout, retry with backoff on
// transient errors, a circuit breaker and request pacing.
package guard

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"risk-engine/pkg/config"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/exchanges/common"
	"risk-engine/pkg/logger"
)

// ErrBreakerOpen is returned while the breaker rejects calls.
var ErrBreakerOpen = errors.New("exchange circuit breaker open")

// SafeExchange implements common.Exchange on top of another Exchange.
type SafeExchange struct {
	inner   common.Exchange
	timeout time.Duration
	retries int
	minWait time.Duration
	maxWait time.Duration
	limiter *rate.Limiter
	breaker *breaker
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ common.Exchange = (*SafeExchange)(nil)

// New wraps inner. timeout bounds each attempt.
func New(inner common.Exchange, cfg config.Guard, timeout time.Duration) *SafeExchange {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 200 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 5 * time.Second
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSec > 0 {
		burst := int(cfg.RequestsPerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
	}
	return &SafeExchange{
		inner:   inner,
		timeout: timeout,
		retries: cfg.MaxRetries,
		minWait: cfg.BackoffMin,
		maxWait: cfg.BackoffMax,
		limiter: lim,
		breaker: newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		sleep:   sleepCtx,
	}
}

// BreakerState reports closed, half_open or open.
func (s *SafeExchange) BreakerState() string { return s.breaker.current().String() }

func (s *SafeExchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]common.Kline, error) {
	var out []common.Kline
	err := s.call(ctx, "fetch_ohlcv", symbol, true, func(ctx context.Context) (err error) {
		out, err = s.inner.FetchOHLCV(ctx, symbol, timeframe, limit)
		return err
	})
	return out, err
}

func (s *SafeExchange) FetchSymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	var out common.SymbolFilters
	err := s.call(ctx, "fetch_filters", symbol, true, func(ctx context.Context) (err error) {
		out, err = s.inner.FetchSymbolFilters(ctx, symbol)
		return err
	})
	return out, err
}

func (s *SafeExchange) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	var out common.Ticker
	err := s.call(ctx, "fetch_ticker", symbol, true, func(ctx context.Context) (err error) {
		out, err = s.inner.FetchTicker(ctx, symbol)
		return err
	})
	return out, err
}

// PlaceOrder is never retried here: a timed out submission may have reached the
// venue, so the lifecycle queries by client ID before sending again.
func (s *SafeExchange) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	var out common.OrderResult
	err := s.call(ctx, "place_order", req.Symbol, false, func(ctx context.Context) (err error) {
		out, err = s.inner.PlaceOrder(ctx, req)
		return err
	})
	return out, err
}

func (s *SafeExchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return s.call(ctx, "cancel_order", symbol, true, func(ctx context.Context) error {
		return s.inner.CancelOrder(ctx, symbol, exchangeOrderID)
	})
}

func (s *SafeExchange) QueryOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	var out common.OrderResult
	err := s.call(ctx, "query_order", symbol, true, func(ctx context.Context) (err error) {
		out, err = s.inner.QueryOrder(ctx, symbol, clientID)
		return err
	})
	return out, err
}

func (s *SafeExchange) FetchPosition(ctx context.Context, symbol string) (common.Position, error) {
	var out common.Position
	err := s.call(ctx, "fetch_position", symbol, true, func(ctx context.Context) (err error) {
		out, err = s.inner.FetchPosition(ctx, symbol)
		return err
	})
	return out, err
}

func (s *SafeExchange) FetchBalance(ctx context.Context) (common.Balance, error) {
	var out common.Balance
	err := s.call(ctx, "fetch_balance", "", true, func(ctx context.Context) (err error) {
		out, err = s.inner.FetchBalance(ctx)
		return err
	})
	return out, err
}

func (s *SafeExchange) call(ctx context.Context, op, symbol string, retry bool, fn func(context.Context) error) error {
	b := &backoff.Backoff{Min: s.minWait, Max: s.maxWait, Factor: 2, Jitter: true}
	attempts := 1
	if retry && s.retries > 0 {
		attempts += s.retries
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			metricRetries.WithLabelValues(op).Inc()
			if serr := s.sleep(ctx, b.Duration()); serr != nil {
				return serr
			}
		}
		if !s.breaker.allow() {
			metricCalls.WithLabelValues(op, "suppressed").Inc()
			return errs.E(errs.KindTransient, op, ErrBreakerOpen)
		}
		if werr := s.limiter.Wait(ctx); werr != nil {
			s.breaker.release()
			return werr
		}

		err = s.attempt(ctx, op, fn)
		if err == nil {
			s.breaker.success()
			metricCalls.WithLabelValues(op, "ok").Inc()
			return nil
		}
		if errs.KindOf(err) != errs.KindTransient {
			// Rejections and unknown orders say the venue is reachable.
			s.breaker.release()
			metricCalls.WithLabelValues(op, "error").Inc()
			return err
		}
		s.breaker.failure()
		metricCalls.WithLabelValues(op, "transient").Inc()
		if ctx.Err() != nil {
			return err
		}
		logger.Debug("transient exchange error",
			zap.String("op", op),
			zap.String("symbol", symbol),
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
	}
	return err
}

func (s *SafeExchange) attempt(ctx context.Context, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	err := fn(cctx)
	metricLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return errs.Ef(errs.KindTransient, op, errs.ErrTransient, "timeout after %s", s.timeout)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
