// Package balance caches account equity so every symbol in a cycle sizes against
// the same figure without one venue call per symbol.
package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"risk-engine/pkg/exchanges/common"
	"risk-engine/pkg/logger"
)

// Source fetches the account balance.
type Source interface {
	FetchBalance(ctx context.Context) (common.Balance, error)
}

// Manager serves equity from a TTL cache.
type Manager struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	balance  common.Balance
	lastSync time.Time
}

// NewManager creates a balance manager.
func NewManager(src Source, ttl time.Duration) *Manager {
	return &Manager{src: src, ttl: ttl, now: time.Now}
}

// Start refreshes the cache every ttl until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	if m.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(m.ttl)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.Sync(ctx); err != nil {
					logger.Warn("balance sync", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches the latest balance from the exchange.
func (m *Manager) Sync(ctx context.Context) (common.Balance, error) {
	b, err := m.src.FetchBalance(ctx)
	if err != nil {
		return common.Balance{}, fmt.Errorf("fetch balance: %w", err)
	}
	m.mu.Lock()
	m.balance = b
	m.lastSync = m.now()
	m.mu.Unlock()
	logger.Debug("balance synced", zap.Float64("equity", b.Equity), zap.Float64("available", b.Available))
	return b, nil
}

// Equity returns cached equity when it is younger than the TTL and refreshes it
// otherwise. If the refresh fails a previously synced value is returned with the
// error logged.
func (m *Manager) Equity(ctx context.Context) (float64, error) {
	m.mu.RLock()
	b, at := m.balance, m.lastSync
	m.mu.RUnlock()
	if !at.IsZero() && m.now().Sub(at) < m.ttl {
		return b.Equity, nil
	}
	fresh, err := m.Sync(ctx)
	if err != nil {
		if at.IsZero() {
			return 0, err
		}
		logger.Warn("using stale equity", zap.Duration("age", m.now().Sub(at)), zap.Error(err))
		return b.Equity, nil
	}
	return fresh.Equity, nil
}

// Snapshot returns the cached balance and when it was synced.
func (m *Manager) Snapshot() (common.Balance, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance, m.lastSync
}
