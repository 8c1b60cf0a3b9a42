// Package engine runs the evaluation cycle and exposes the read and control
// operations the API layer is allowed to use.
package engine

import (
	"context"

	"risk-engine/internal/reconciliation"
	"risk-engine/internal/scorer"
	"risk-engine/internal/state"
)

// Service defines the engine operations available to the API/control layer.
type Service interface {
	// Control
	Pause(ctx context.Context, source string) (state.Status, error)
	Resume(ctx context.Context, source string) (state.Status, error)
	Status(ctx context.Context) (state.Status, error)

	// Positions
	Positions(ctx context.Context) ([]PositionView, error)
	History(ctx context.Context, limit int) ([]PositionView, error)
	Transitions(ctx context.Context, positionID string) ([]TransitionView, error)
	Fills(ctx context.Context, positionID string) ([]FillView, error)

	// Scoring
	Weights() scorer.Weights
	ReplaceWeights(ctx context.Context, w scorer.Weights) error

	// Reports
	Reports(ctx context.Context, limit int) ([]CycleSummary, error)
	Reconcile(ctx context.Context) (*reconciliation.Report, error)

	Balance(ctx context.Context) (*BalanceInfo, error)
	SystemStatus(ctx context.Context) *SystemStatus
}
