package risk

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"risk-engine/internal/daily"
	"risk-engine/internal/strategy"
	"risk-engine/pkg/config"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/exchanges/common"
	"risk-engine/pkg/logger"
)

// Manager sizes entries from a fixed fraction of capital at risk and rejects those
// the account may not take.
type Manager struct {
	cfg   config.Risk
	newID func() string
}

// NewManager creates a risk manager. cfg is assumed validated.
func NewManager(cfg config.Risk) *Manager {
	return &Manager{cfg: cfg, newID: NewClientID}
}

// NewClientID returns a fresh idempotency key that fits the venue's 36 character limit.
func NewClientID() string {
	return "re" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// EffectiveCapital is min(equity, capital_cap).
func (m *Manager) EffectiveCapital(equity float64) float64 {
	return math.Max(0, math.Min(equity, m.cfg.CapitalCap))
}

// MaxNotional is the largest notional an entry with this stop distance may carry.
func (m *Manager) MaxNotional(equity, stopPct float64) float64 {
	if stopPct <= 0 {
		return 0
	}
	return m.EffectiveCapital(equity) * m.cfg.PositionSizePct / stopPct
}

// Evaluate runs the entry checks in order and returns a sized market order.
func (m *Manager) Evaluate(ctx context.Context, sig strategy.Signal, equity float64, day daily.State, f common.SymbolFilters, open Exposure) (*Decision, error) {
	const op = "risk.Evaluate"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var side common.Side
	switch sig.Direction {
	case strategy.Buy:
		side = common.SideBuy
	case strategy.Sell:
		side = common.SideSell
	default:
		return nil, errs.Ef(errs.KindData, op, errs.ErrInvalidData, "%s: no direction", sig.Symbol)
	}
	if sig.StopDistancePct <= 0 || sig.Price <= 0 {
		return nil, errs.Ef(errs.KindData, op, errs.ErrInvalidData, "%s: stop=%v price=%v", sig.Symbol, sig.StopDistancePct, sig.Price)
	}

	// 1. Daily gate
	if day.EntriesGated() {
		return nil, errs.Ef(errs.KindEntriesPaused, op, errs.ErrEntriesPaused, "%s", day.Reason())
	}

	// 2. Effective capital
	eff := m.EffectiveCapital(equity)

	// 3. Risk-budget notional
	raw := m.MaxNotional(equity, sig.StopDistancePct)

	// 4. Quantity floored to step
	qty := f.QuantizeQty(raw / sig.Price)
	notional := qty * sig.Price

	// 5. Exchange and configured minimums
	if qty <= 0 || !f.Feasible(qty, sig.Price) || notional < m.cfg.MinNotional {
		return nil, errs.Ef(errs.KindFeasibility, op, errs.ErrBelowMinimum,
			"%s qty=%v notional=%.2f min_qty=%v min_notional=%v", sig.Symbol, qty, notional, f.MinQty, math.Max(f.MinNotional, m.cfg.MinNotional))
	}

	// 6. Concurrency limit
	if open.Count >= m.cfg.MaxConcurrentPositions {
		return nil, errs.Ef(errs.KindFeasibility, op, errs.ErrTooManyPositions, "%d open, max %d", open.Count, m.cfg.MaxConcurrentPositions)
	}
	if open.Has(sig.Symbol) {
		return nil, errs.Ef(errs.KindFeasibility, op, errs.ErrPositionExists, "%s", sig.Symbol)
	}

	d := &Decision{
		Order: common.OrderRequest{
			Symbol:   sig.Symbol,
			Side:     side,
			Type:     common.OrderTypeMarket,
			Qty:      qty,
			ClientID: m.newID(),
		},
		Signal:           sig,
		EffectiveCapital: eff,
		RawNotional:      raw,
		Notional:         notional,
	}
	logger.Debug("entry sized",
		zap.String("symbol", sig.Symbol),
		zap.String("side", string(side)),
		zap.Float64("effective_capital", eff),
		zap.Float64("raw_notional", raw),
		zap.Float64("qty", qty),
		zap.String("client_id", d.Order.ClientID),
	)
	return d, nil
}
