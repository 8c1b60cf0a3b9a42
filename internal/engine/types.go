package engine

import (
	"time"

	"risk-engine/pkg/db"
)

// PositionView is the operator-facing rendering of a lifecycle position.
type PositionView struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	State           string    `json:"state"`
	RequestedQty    float64   `json:"requested_qty"`
	Qty             float64   `json:"qty"`
	EntryPrice      float64   `json:"entry_price"`
	StopPrice       float64   `json:"stop_price"`
	TakeProfitPrice float64   `json:"take_profit_price"`
	ClientID        string    `json:"client_id"`
	StopOrderID     string    `json:"stop_order_id,omitempty"`
	TakeProfitID    string    `json:"take_profit_order_id,omitempty"`
	RealizedPnL     float64   `json:"realized_pnl"`
	CloseReason     string    `json:"close_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func viewOf(p db.Position) PositionView {
	return PositionView{
		ID:              p.ID,
		Symbol:          p.Symbol,
		Side:            p.Side,
		State:           p.State,
		RequestedQty:    p.RequestedQty,
		Qty:             p.Qty,
		EntryPrice:      p.EntryPrice,
		StopPrice:       p.StopPrice,
		TakeProfitPrice: p.TakeProfitPrice,
		ClientID:        p.ClientID,
		StopOrderID:     p.StopOrderID,
		TakeProfitID:    p.TakeProfitOrderID,
		RealizedPnL:     p.RealizedPnL,
		CloseReason:     p.CloseReason,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

// TransitionView is one entry of a position's history.
type TransitionView struct {
	Seq    int64     `json:"seq"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// FillView is one execution against a position.
type FillView struct {
	Kind  string    `json:"kind"`
	Side  string    `json:"side"`
	Qty   float64   `json:"qty"`
	Price float64   `json:"price"`
	PnL   float64   `json:"pnl"`
	At    time.Time `json:"at"`
}

// CycleSummary is a persisted cycle report.
type CycleSummary struct {
	StartedAt  time.Time      `json:"started_at"`
	DurationMs int64          `json:"duration_ms"`
	DateKey    string         `json:"date_key"`
	Evaluated  int            `json:"evaluated"`
	Selected   int            `json:"selected"`
	Entries    int            `json:"entries"`
	Rejections map[string]int `json:"rejections,omitempty"`
	Errors     int            `json:"errors"`
}

func summaryOf(r db.CycleReport) CycleSummary {
	return CycleSummary{
		StartedAt:  r.StartedAt,
		DurationMs: r.Duration.Milliseconds(),
		DateKey:    r.DateKey,
		Evaluated:  r.Evaluated,
		Selected:   r.Selected,
		Entries:    r.Entries,
		Rejections: r.Rejections,
		Errors:     r.Errors,
	}
}

// BalanceInfo represents balance information.
type BalanceInfo struct {
	Asset     string    `json:"asset"`
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	FetchedAt time.Time `json:"fetched_at"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	DryRun     bool      `json:"dry_run"`
	Venue      string    `json:"venue"`
	Symbols    []string  `json:"symbols"`
	Timeframe  string    `json:"timeframe"`
	Version    string    `json:"version"`
	Breaker    string    `json:"breaker"`
	ServerTime time.Time `json:"server_time"`
}
