package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

// ----------------------------------------
// Daily state
// ----------------------------------------

// LoadDailyState returns the single persisted daily state row.
func (d *Database) LoadDailyState(ctx context.Context) (*DailyState, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT date_key, realized_pnl, target_reached, loss_cap_hit, user_paused, updated_at
		FROM daily_state WHERE id = 1
	`)
	var s DailyState
	if err := row.Scan(&s.DateKey, &s.RealizedPnL, &s.TargetReached, &s.LossCapHit, &s.UserPaused, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load daily state: %w", err)
	}
	return &s, nil
}

// SaveDailyState overwrites the single daily state row.
func (d *Database) SaveDailyState(ctx context.Context, s DailyState) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO daily_state (id, date_key, realized_pnl, target_reached, loss_cap_hit, user_paused, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			date_key = excluded.date_key,
			realized_pnl = excluded.realized_pnl,
			target_reached = excluded.target_reached,
			loss_cap_hit = excluded.loss_cap_hit,
			user_paused = excluded.user_paused,
			updated_at = CURRENT_TIMESTAMP
	`, s.DateKey, s.RealizedPnL, s.TargetReached, s.LossCapHit, s.UserPaused)
	if err != nil {
		return fmt.Errorf("save daily state: %w", err)
	}
	return nil
}

// ----------------------------------------
// Scorer weights
// ----------------------------------------

// LatestWeights returns the highest persisted weights version.
func (d *Database) LatestWeights(ctx context.Context) (*Weights, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT version, bias, weights, created_at
		FROM scorer_weights ORDER BY version DESC LIMIT 1
	`)
	var (
		w   Weights
		raw string
	)
	if err := row.Scan(&w.Version, &w.Bias, &raw, &w.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load weights: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &w.Values); err != nil {
		return nil, fmt.Errorf("decode weights v%d: %w", w.Version, err)
	}
	return &w, nil
}

// InsertWeights appends a new weights version. Versions are immutable once written.
func (d *Database) InsertWeights(ctx context.Context, w Weights) error {
	raw, err := json.Marshal(w.Values)
	if err != nil {
		return fmt.Errorf("encode weights: %w", err)
	}
	if _, err := d.DB.ExecContext(ctx, `
		INSERT INTO scorer_weights (version, bias, weights) VALUES (?, ?, ?)
	`, w.Version, w.Bias, string(raw)); err != nil {
		return fmt.Errorf("insert weights v%d: %w", w.Version, err)
	}
	return nil
}

// ----------------------------------------
// Positions and transitions
// ----------------------------------------

const positionColumns = `id, symbol, side, requested_qty, qty, entry_price, stop_price, take_profit_price,
	stop_distance_pct, take_profit_pct, state, client_id, exchange_order_id, stop_client_id, stop_order_id,
	take_profit_client_id, take_profit_order_id, realized_pnl, close_reason, bracket_attempts, created_at, updated_at`

// RecordTransition writes the new position snapshot and appends the transition row in
// one transaction. The caller treats the transition as committed only after this returns nil.
func (d *Database) RecordTransition(ctx context.Context, p Position, from, detail string) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			stop_price = excluded.stop_price,
			take_profit_price = excluded.take_profit_price,
			state = excluded.state,
			exchange_order_id = excluded.exchange_order_id,
			stop_client_id = excluded.stop_client_id,
			stop_order_id = excluded.stop_order_id,
			take_profit_client_id = excluded.take_profit_client_id,
			take_profit_order_id = excluded.take_profit_order_id,
			realized_pnl = excluded.realized_pnl,
			close_reason = excluded.close_reason,
			bracket_attempts = excluded.bracket_attempts,
			updated_at = CURRENT_TIMESTAMP
	`, p.ID, p.Symbol, p.Side, p.RequestedQty, p.Qty, p.EntryPrice, p.StopPrice, p.TakeProfitPrice,
		p.StopDistancePct, p.TakeProfitPct, p.State, p.ClientID, p.ExchangeOrderID, p.StopClientID, p.StopOrderID,
		p.TakeProfitClientID, p.TakeProfitOrderID, p.RealizedPnL, p.CloseReason, p.BracketAttempts); err != nil {
		return fmt.Errorf("upsert position %s: %w", p.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO order_transitions (position_id, symbol, from_state, to_state, detail)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Symbol, from, p.State, detail); err != nil {
		return fmt.Errorf("append transition %s: %w", p.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition %s: %w", p.ID, err)
	}
	return nil
}

// GetPosition returns a position by id.
func (d *Database) GetPosition(ctx context.Context, id string) (*Position, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	list, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

// ListActivePositions returns every position not yet CLOSED or FAILED.
func (d *Database) ListActivePositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE state NOT IN ('CLOSED', 'FAILED')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query active positions: %w", err)
	}
	return scanPositions(rows)
}

// ListRecentPositions returns the newest positions regardless of state.
func (d *Database) ListRecentPositions(ctx context.Context, limit int) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	return scanPositions(rows)
}

// ListTransitions returns the transition history of one position in commit order.
func (d *Database) ListTransitions(ctx context.Context, positionID string) ([]Transition, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT seq, position_id, symbol, from_state, to_state, COALESCE(detail, ''), created_at
		FROM order_transitions WHERE position_id = ? ORDER BY seq ASC
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.Seq, &t.PositionID, &t.Symbol, &t.From, &t.To, &t.Detail, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanPositions(rows *sql.Rows) ([]Position, error) {
	defer rows.Close()
	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Side, &p.RequestedQty, &p.Qty, &p.EntryPrice, &p.StopPrice,
			&p.TakeProfitPrice, &p.StopDistancePct, &p.TakeProfitPct, &p.State, &p.ClientID, &p.ExchangeOrderID,
			&p.StopClientID, &p.StopOrderID, &p.TakeProfitClientID, &p.TakeProfitOrderID, &p.RealizedPnL,
			&p.CloseReason, &p.BracketAttempts, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Fills
// ----------------------------------------

// InsertFill appends an executed fill record.
func (d *Database) InsertFill(ctx context.Context, f Fill) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO fills (position_id, symbol, side, kind, qty, price, pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.PositionID, f.Symbol, f.Side, f.Kind, f.Qty, f.Price, f.PnL)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// ListFills returns the fills of one position oldest first.
func (d *Database) ListFills(ctx context.Context, positionID string) ([]Fill, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT position_id, symbol, side, kind, qty, price, pnl, created_at
		FROM fills WHERE position_id = ? ORDER BY id ASC
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []Fill
	for rows.Next() {
		var f Fill
		if err := rows.Scan(&f.PositionID, &f.Symbol, &f.Side, &f.Kind, &f.Qty, &f.Price, &f.PnL, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Cycle reports
// ----------------------------------------

// InsertCycleReports writes a batch of cycle summaries in one transaction.
func (d *Database) InsertCycleReports(ctx context.Context, reports []CycleReport) error {
	if len(reports) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cycle reports: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cycle_reports (started_at, duration_ms, date_key, evaluated, selected, entries, rejections, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare cycle reports: %w", err)
	}
	defer stmt.Close()

	for _, r := range reports {
		rej, err := json.Marshal(r.Rejections)
		if err != nil {
			return fmt.Errorf("encode rejections: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, r.StartedAt.UTC(), r.Duration.Milliseconds(), r.DateKey,
			r.Evaluated, r.Selected, r.Entries, string(rej), r.Errors); err != nil {
			return fmt.Errorf("insert cycle report: %w", err)
		}
	}
	return tx.Commit()
}

// ListCycleReports returns the newest cycle summaries.
func (d *Database) ListCycleReports(ctx context.Context, limit int) ([]CycleReport, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT started_at, duration_ms, date_key, evaluated, selected, entries, COALESCE(rejections, '{}'), errors
		FROM cycle_reports ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycle reports: %w", err)
	}
	defer rows.Close()

	var out []CycleReport
	for rows.Next() {
		var (
			r   CycleReport
			ms  int64
			rej string
		)
		if err := rows.Scan(&r.StartedAt, &ms, &r.DateKey, &r.Evaluated, &r.Selected, &r.Entries, &rej, &r.Errors); err != nil {
			return nil, fmt.Errorf("scan cycle report: %w", err)
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		if err := json.Unmarshal([]byte(rej), &r.Rejections); err != nil {
			r.Rejections = map[string]int{}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
