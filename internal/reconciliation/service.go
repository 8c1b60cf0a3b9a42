// Package reconciliation compares the persisted lifecycle state with the venue's
// authoritative positions and repairs the local side.
package reconciliation

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"risk-engine/internal/order"
	"risk-engine/pkg/db"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/exchanges/common"
	"risk-engine/pkg/logger"
)

const qtyEpsilon = 1e-9

// Orders is the lifecycle manager surface reconciliation needs.
type Orders interface {
	Active() []db.Position
	Sync(ctx context.Context) error
	ForceFilled(ctx context.Context, symbol string, qty, price float64, detail string) error
	ForceClosed(ctx context.Context, symbol, reason string) error
}

// Service handles startup and periodic reconciliation
type Service struct {
	account  common.Account
	orders   Orders
	interval time.Duration
	autoSync bool
	mu       sync.Mutex
}

// Report contains reconciliation results
type Report struct {
	Timestamp     time.Time      `json:"timestamp"`
	PositionDiffs []PositionDiff `json:"position_diffs"`
	HasDiffs      bool           `json:"has_diffs"`
	SyncedCount   int            `json:"synced_count"`
}

// PositionDiff represents a position difference
type PositionDiff struct {
	Symbol      string  `json:"symbol"`
	LocalState  string  `json:"local_state"`
	LocalQty    float64 `json:"local_qty"`
	ExchangeQty float64 `json:"exchange_qty"`
	Action      string  `json:"action,omitempty"`
	Synced      bool    `json:"synced"`
}

// NewService creates a reconciliation service.
func NewService(account common.Account, orders Orders, interval time.Duration) *Service {
	return &Service{account: account, orders: orders, interval: interval, autoSync: true}
}

// SetAutoSync enables or disables repairs; diffs are still reported.
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync = enabled
	logger.Info("reconciliation auto-sync", zap.Bool("enabled", enabled))
}

// Start begins periodic reconciliation
func (s *Service) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Reconcile(ctx); err != nil {
					logger.Error("reconciliation", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	logger.Info("reconciliation service started", zap.Duration("interval", s.interval))
}

// Reconcile settles bracket fills first, then compares each active position with
// the venue:
//   - venue holds quantity while the entry is REQUESTED/SUBMITTED: mark FILLED at the
//     venue quantity and place the bracket;
//   - venue is flat while the position is open: close with reason reconciled_flat.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.orders.Sync(ctx); err != nil {
		logger.Warn("bracket sync before reconciliation", zap.Error(err))
	}

	report := &Report{Timestamp: time.Now().UTC(), PositionDiffs: []PositionDiff{}}
	for _, p := range s.orders.Active() {
		ex, err := s.account.FetchPosition(ctx, p.Symbol)
		if err != nil {
			logger.Warn("fetch venue position", zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		exQty := math.Abs(ex.Qty)
		st := order.State(p.State)

		diff := PositionDiff{Symbol: p.Symbol, LocalState: p.State, LocalQty: p.Qty, ExchangeQty: exQty}
		switch {
		case (st == order.StateRequested || st == order.StateSubmitted) && exQty > qtyEpsilon:
			diff.Action = "mark_filled"
			if s.autoSync {
				err = s.orders.ForceFilled(ctx, p.Symbol, exQty, ex.EntryPrice, "reconciled from venue position")
				diff.Synced = err == nil || isBracketErr(err)
			}
		case st.Open() && exQty <= qtyEpsilon:
			diff.Action = "close_flat"
			if s.autoSync {
				err = s.orders.ForceClosed(ctx, p.Symbol, order.ReasonReconciledFlat)
				diff.Synced = err == nil
			}
		case st.Open() && math.Abs(exQty-p.Qty) > qtyEpsilon:
			diff.Action = "report_only"
		default:
			continue
		}
		if err != nil {
			logger.Error("reconcile position", zap.String("symbol", p.Symbol), zap.String("action", diff.Action), zap.Error(err))
		}
		report.PositionDiffs = append(report.PositionDiffs, diff)
		report.HasDiffs = true
		if diff.Synced {
			report.SyncedCount++
		}
	}

	s.logReport(report)
	return report, nil
}

func (s *Service) logReport(report *Report) {
	if !report.HasDiffs {
		logger.Debug("reconciliation ok")
		return
	}
	for _, d := range report.PositionDiffs {
		logger.Warn("position difference",
			zap.String("symbol", d.Symbol),
			zap.String("local_state", d.LocalState),
			zap.Float64("local_qty", d.LocalQty),
			zap.Float64("exchange_qty", d.ExchangeQty),
			zap.String("action", d.Action),
			zap.Bool("synced", d.Synced),
		)
	}
}

// A bracket failure after adopting the fill still leaves the local state matching
// the venue; the position is DEGRADED and retried by the cycle.
func isBracketErr(err error) bool {
	return errs.KindOf(err) == errs.KindBracket
}
