package common

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"risk-engine/pkg/logger"
)

// ServerClock tracks the offset between the local clock and a venue clock so
// signed timestamps land inside the venue's receive window.
type ServerClock struct {
	fetch    func(ctx context.Context) (int64, error)
	offsetMs atomic.Int64
	every    time.Duration
	local    func() time.Time
}

// NewServerClock returns a clock that resyncs every 30 minutes once started.
func NewServerClock(fetch func(ctx context.Context) (int64, error)) *ServerClock {
	return &ServerClock{fetch: fetch, every: 30 * time.Minute, local: time.Now}
}

// Start performs one sync and keeps resyncing in the background until ctx ends.
func (c *ServerClock) Start(ctx context.Context) {
	if err := c.Sync(ctx); err != nil {
		logger.Warn("server clock sync", zap.Error(err))
	}
	go func() {
		ticker := time.NewTicker(c.every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Sync(ctx); err != nil {
					logger.Warn("server clock sync", zap.Error(err))
				}
			}
		}
	}()
}

// Sync measures the offset against the midpoint of the request round trip.
func (c *ServerClock) Sync(ctx context.Context) error {
	sent := c.local().UnixMilli()
	server, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	received := c.local().UnixMilli()
	offset := server - (sent+received)/2
	c.offsetMs.Store(offset)
	logger.Debug("server clock synced", zap.Int64("offset_ms", offset))
	return nil
}

// NowMs is the local time in milliseconds corrected by the last offset.
func (c *ServerClock) NowMs() int64 {
	return c.local().UnixMilli() + c.offsetMs.Load()
}

// Offset is the last measured offset in milliseconds.
func (c *ServerClock) Offset() time.Duration {
	return time.Duration(c.offsetMs.Load()) * time.Millisecond
}
