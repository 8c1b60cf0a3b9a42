package db

import "time"

// DailyState is the single persisted daily budget row.
type DailyState struct {
	DateKey       string
	RealizedPnL   float64
	TargetReached bool
	LossCapHit    bool
	UserPaused    bool
	UpdatedAt     time.Time
}

// Weights is one persisted scorer weight vector.
type Weights struct {
	Version   int64
	Bias      float64
	Values    map[string]float64
	CreatedAt time.Time
}

// Position is the persisted lifecycle record of one entry and its bracket.
type Position struct {
	ID                 string
	Symbol             string
	Side               string
	RequestedQty       float64
	Qty                float64 // filled quantity
	EntryPrice         float64
	StopPrice          float64
	TakeProfitPrice    float64
	StopDistancePct    float64
	TakeProfitPct      float64
	State              string
	ClientID           string
	ExchangeOrderID    string
	StopClientID       string
	StopOrderID        string
	TakeProfitClientID string
	TakeProfitOrderID  string
	RealizedPnL        float64
	CloseReason        string
	BracketAttempts    int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Transition is one append-only state change of a Position.
type Transition struct {
	Seq        int64
	PositionID string
	Symbol     string
	From       string
	To         string
	Detail     string
	CreatedAt  time.Time
}

// Fill records executed quantity for entries and exits.
type Fill struct {
	PositionID string
	Symbol     string
	Side       string
	Kind       string // entry, stop, take_profit, close
	Qty        float64
	Price      float64
	PnL        float64
	CreatedAt  time.Time
}

// CycleReport summarizes one trading cycle.
type CycleReport struct {
	StartedAt  time.Time
	Duration   time.Duration
	DateKey    string
	Evaluated  int
	Selected   int
	Entries    int
	Rejections map[string]int
	Errors     int
}
