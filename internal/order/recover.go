package order

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"risk-engine/pkg/db"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/exchanges/common"
	"risk-engine/pkg/logger"
)

// Recover rebuilds in-flight state after a restart: it replays the journal, loads
// every non-terminal position and settles entries whose outcome was not recorded.
// It returns the active positions after recovery.
func (m *Manager) Recover(ctx context.Context) ([]db.Position, error) {
	if m.journal != nil && m.journal.Pending() > 0 {
		n, err := m.journal.Replay(ctx, m.store)
		if err != nil {
			logger.Error("journal replay incomplete", zap.Int("applied", n), zap.Error(err))
			if m.book != nil {
				m.book.MarkReducedDurability()
			}
		}
	}

	active, err := m.store.ListActivePositions(ctx)
	if err != nil {
		return nil, errs.E(errs.KindPersistence, "order.Recover", err)
	}
	m.Load(active)
	if m.book != nil {
		for _, p := range active {
			if err := m.book.Upsert(ctx, p); err != nil {
				return nil, err
			}
		}
	}

	for _, p := range active {
		var err error
		switch State(p.State) {
		case StateRequested, StateSubmitted:
			err = m.resolveEntry(ctx, p)
		case StateFilled:
			err = m.placeBracket(ctx, &p)
		}
		if err != nil {
			logger.Warn("recover position", zap.String("symbol", p.Symbol), zap.String("state", p.State), zap.Error(err))
		}
	}

	out := m.Active()
	logger.Info("order state recovered", zap.Int("loaded", len(active)), zap.Int("active", len(out)))
	return out, nil
}

// resolveEntry asks the venue what became of an entry whose fill was never recorded.
func (m *Manager) resolveEntry(ctx context.Context, p db.Position) error {
	res, err := m.ex.QueryOrder(ctx, p.Symbol, p.ClientID)
	if errors.Is(err, common.ErrOrderNotFound) {
		m.fail(ctx, &p, "entry not found at venue after restart")
		return nil
	}
	if err != nil {
		return fmt.Errorf("query entry: %w", err)
	}
	if State(p.State) == StateRequested {
		p.ExchangeOrderID = res.ExchangeOrderID
		if err := m.transition(ctx, &p, StateSubmitted, "found at venue after restart"); err != nil {
			return err
		}
	}
	res, err = m.awaitFill(ctx, p.Symbol, p.ClientID, res)
	if err != nil {
		m.fail(ctx, &p, err.Error())
		return nil
	}
	price := res.AvgPrice
	if price <= 0 {
		if pos, perr := m.ex.FetchPosition(ctx, p.Symbol); perr == nil {
			price = pos.EntryPrice
		}
	}
	if err := m.markFilled(ctx, &p, res.FilledQty, price, res.FilledQty < p.RequestedQty); err != nil {
		return err
	}
	return m.placeBracket(ctx, &p)
}
