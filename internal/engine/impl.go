package engine

import (
	"context"
	"fmt"
	"time"

	"risk-engine/internal/reconciliation"
	"risk-engine/internal/scorer"
	"risk-engine/internal/state"
	"risk-engine/pkg/db"
	"risk-engine/pkg/exchanges/common"
)

// Controller is the serialized pause/resume/status surface.
type Controller interface {
	Pause(ctx context.Context, source string) (state.Status, error)
	Resume(ctx context.Context, source string) (state.Status, error)
	Status(ctx context.Context) (state.Status, error)
}

// ReadOnlyDB is the query surface the API may reach.
type ReadOnlyDB interface {
	ListActivePositions(ctx context.Context) ([]db.Position, error)
	ListRecentPositions(ctx context.Context, limit int) ([]db.Position, error)
	ListTransitions(ctx context.Context, positionID string) ([]db.Transition, error)
	ListFills(ctx context.Context, positionID string) ([]db.Fill, error)
	ListCycleReports(ctx context.Context, limit int) ([]db.CycleReport, error)
}

// WeightStore holds the active scorer weights.
type WeightStore interface {
	Current() scorer.Weights
	Replace(ctx context.Context, w scorer.Weights) error
}

// Reconciler compares local lifecycle state with the venue.
type Reconciler interface {
	Reconcile(ctx context.Context) (*reconciliation.Report, error)
}

// BalanceSource exposes the cached balance.
type BalanceSource interface {
	Sync(ctx context.Context) (common.Balance, error)
	Snapshot() (common.Balance, time.Time)
}

// Breaker reports the exchange circuit breaker state.
type Breaker interface {
	BreakerState() string
}

// Impl implements Service by composing the engine modules.
type Impl struct {
	ctrl       Controller
	db         ReadOnlyDB
	weights    WeightStore
	reconciler Reconciler
	balance    BalanceSource
	breaker    Breaker
	meta       SystemStatus
}

// Config holds the collaborators of an Impl. Reconciler, Balance and Breaker are optional.
type Config struct {
	Controller Controller
	DB         ReadOnlyDB
	Weights    WeightStore
	Reconciler Reconciler
	Balance    BalanceSource
	Breaker    Breaker
	Meta       SystemStatus
}

// NewImpl creates a new engine service.
func NewImpl(cfg Config) *Impl {
	return &Impl{
		ctrl:       cfg.Controller,
		db:         cfg.DB,
		weights:    cfg.Weights,
		reconciler: cfg.Reconciler,
		balance:    cfg.Balance,
		breaker:    cfg.Breaker,
		meta:       cfg.Meta,
	}
}

func (e *Impl) Pause(ctx context.Context, source string) (state.Status, error) {
	return e.ctrl.Pause(ctx, source)
}

func (e *Impl) Resume(ctx context.Context, source string) (state.Status, error) {
	return e.ctrl.Resume(ctx, source)
}

func (e *Impl) Status(ctx context.Context) (state.Status, error) {
	return e.ctrl.Status(ctx)
}

func (e *Impl) Positions(ctx context.Context) ([]PositionView, error) {
	rows, err := e.db.ListActivePositions(ctx)
	if err != nil {
		return nil, err
	}
	return views(rows), nil
}

func (e *Impl) History(ctx context.Context, limit int) ([]PositionView, error) {
	rows, err := e.db.ListRecentPositions(ctx, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return views(rows), nil
}

func (e *Impl) Transitions(ctx context.Context, positionID string) ([]TransitionView, error) {
	rows, err := e.db.ListTransitions(ctx, positionID)
	if err != nil {
		return nil, err
	}
	out := make([]TransitionView, 0, len(rows))
	for _, t := range rows {
		out = append(out, TransitionView{Seq: t.Seq, From: t.From, To: t.To, Detail: t.Detail, At: t.CreatedAt})
	}
	return out, nil
}

func (e *Impl) Fills(ctx context.Context, positionID string) ([]FillView, error) {
	rows, err := e.db.ListFills(ctx, positionID)
	if err != nil {
		return nil, err
	}
	out := make([]FillView, 0, len(rows))
	for _, f := range rows {
		out = append(out, FillView{Kind: f.Kind, Side: f.Side, Qty: f.Qty, Price: f.Price, PnL: f.PnL, At: f.CreatedAt})
	}
	return out, nil
}

func (e *Impl) Weights() scorer.Weights { return e.weights.Current() }

func (e *Impl) ReplaceWeights(ctx context.Context, w scorer.Weights) error {
	return e.weights.Replace(ctx, w)
}

func (e *Impl) Reports(ctx context.Context, limit int) ([]CycleSummary, error) {
	rows, err := e.db.ListCycleReports(ctx, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]CycleSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, summaryOf(r))
	}
	return out, nil
}

func (e *Impl) Reconcile(ctx context.Context) (*reconciliation.Report, error) {
	if e.reconciler == nil {
		return nil, fmt.Errorf("reconciliation not available")
	}
	return e.reconciler.Reconcile(ctx)
}

func (e *Impl) Balance(ctx context.Context) (*BalanceInfo, error) {
	if e.balance == nil {
		return nil, fmt.Errorf("balance not available")
	}
	b, at := e.balance.Snapshot()
	if at.IsZero() {
		var err error
		if b, err = e.balance.Sync(ctx); err != nil {
			return nil, err
		}
		at = time.Now()
	}
	return &BalanceInfo{Asset: b.Asset, Total: b.Equity, Available: b.Available, FetchedAt: at}, nil
}

func (e *Impl) SystemStatus(ctx context.Context) *SystemStatus {
	s := e.meta
	s.ServerTime = time.Now().UTC()
	if e.breaker != nil {
		s.Breaker = e.breaker.BreakerState()
	}
	return &s
}

func views(rows []db.Position) []PositionView {
	out := make([]PositionView, 0, len(rows))
	for _, p := range rows {
		out = append(out, viewOf(p))
	}
	return out
}

func clampLimit(n int) int {
	if n <= 0 {
		return 50
	}
	if n > 500 {
		return 500
	}
	return n
}
