package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"risk-engine/pkg/logger"
)

// WeightTracker follows the request weight a venue reports per window and
// holds callers back once the window is nearly spent.
type WeightTracker struct {
	mu          sync.Mutex
	used        int
	limit       int
	window      time.Duration
	windowStart time.Time
	threshold   float64
	now         func() time.Time
}

// NewWeightTracker creates a tracker for limit units per window. Waits start
// once usage reaches 90% of the limit.
func NewWeightTracker(limit int, window time.Duration) *WeightTracker {
	return &WeightTracker{
		limit:       limit,
		window:      window,
		windowStart: time.Now(),
		threshold:   0.9,
		now:         time.Now,
	}
}

// Observe records the used weight reported by a response header value.
// Malformed or empty values are ignored.
func (w *WeightTracker) Observe(header string) {
	used, err := strconv.Atoi(header)
	if err != nil || used < 0 {
		return
	}
	w.mu.Lock()
	now := w.now()
	if now.Sub(w.windowStart) >= w.window || used < w.used {
		w.windowStart = now
	}
	w.used = used
	ratio := w.ratioLocked(now)
	w.mu.Unlock()

	if ratio >= 0.95 {
		logger.Warn("request weight critical", zap.Int("used", used), zap.Int("limit", w.limit))
	}
}

// Ratio is the fraction of the current window already used.
func (w *WeightTracker) Ratio() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ratioLocked(w.now())
}

func (w *WeightTracker) ratioLocked(now time.Time) float64 {
	if w.limit <= 0 || now.Sub(w.windowStart) >= w.window {
		return 0
	}
	return float64(w.used) / float64(w.limit)
}

// Wait blocks until the window resets when usage is above the threshold.
func (w *WeightTracker) Wait(ctx context.Context) error {
	w.mu.Lock()
	now := w.now()
	var delay time.Duration
	if w.ratioLocked(now) >= w.threshold {
		delay = w.window - now.Sub(w.windowStart)
	}
	w.mu.Unlock()
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
