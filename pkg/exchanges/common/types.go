package common

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrOrderNotFound is returned by QueryOrder when the venue has no order for the client ID.
var ErrOrderNotFound = errors.New("order not found")

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the order types the engine sends.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// IsTrigger reports whether the order rests until a stop price is touched.
func (t OrderType) IsTrigger() bool {
	return t == OrderTypeStopMarket || t == OrderTypeTakeProfitMarket
}

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Kline is one OHLCV bar.
type Kline struct {
	OpenTime    int64 // ms
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64 // base asset
	QuoteVolume float64
	CloseTime   int64 // ms
}

// SymbolFilters are the venue constraints every amount and price must satisfy.
type SymbolFilters struct {
	Symbol      string  `json:"symbol"`
	MinQty      float64 `json:"min_qty"`
	MinNotional float64 `json:"min_notional"`
	StepSize    float64 `json:"step_size"`
	TickSize    float64 `json:"tick_size"`
}

// Ticker is the 24h liquidity view used for pair selection.
type Ticker struct {
	Symbol         string  `json:"symbol"`
	LastPrice      float64 `json:"last_price"`
	BidPrice       float64 `json:"bid_price"`
	AskPrice       float64 `json:"ask_price"`
	QuoteVolume24h float64 `json:"quote_volume_24h"`
}

// SpreadBps returns the bid/ask spread in basis points of the mid price.
func (t Ticker) SpreadBps() float64 {
	mid := (t.BidPrice + t.AskPrice) / 2
	if mid <= 0 || t.AskPrice < t.BidPrice {
		return 0
	}
	return (t.AskPrice - t.BidPrice) / mid * 10000
}

// OrderRequest captures an order intent to be sent to an exchange. Qty, Price and
// StopPrice must already be quantized to the symbol filters.
type OrderRequest struct {
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Type        OrderType   `json:"type"`
	Qty         float64     `json:"qty"`
	Price       float64     `json:"price,omitempty"`      // LIMIT only
	StopPrice   float64     `json:"stop_price,omitempty"` // trigger orders
	TimeInForce TimeInForce `json:"time_in_force,omitempty"`
	ClientID    string      `json:"client_id"` // idempotency key
	ReduceOnly  bool        `json:"reduce_only"`
	WorkingType string      `json:"working_type,omitempty"` // MARK_PRICE or CONTRACT_PRICE
}

// OrderResult is the venue's view of an order.
type OrderResult struct {
	ExchangeOrderID string      `json:"exchange_order_id"`
	ClientID        string      `json:"client_id"`
	Status          OrderStatus `json:"status"`
	Accepted        bool        `json:"accepted"`
	FilledQty       float64     `json:"filled_qty"`
	AvgPrice        float64     `json:"avg_price"`
}

// Filled reports whether any quantity executed.
func (r OrderResult) Filled() bool {
	return r.FilledQty > 0
}

// Done reports whether the order can no longer fill.
func (r OrderResult) Done() bool {
	switch r.Status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Position is the venue's authoritative position for a symbol. Qty is signed: long > 0.
type Position struct {
	Symbol     string  `json:"symbol"`
	Qty        float64 `json:"qty"`
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
}

// Balance is the account equity view in the quote asset.
type Balance struct {
	Asset     string  `json:"asset"`
	Equity    float64 `json:"equity"`
	Available float64 `json:"available"`
}

// TimeframeDuration converts a kline interval such as "1m", "4h" or "1d" to a duration.
func TimeframeDuration(tf string) (time.Duration, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid timeframe %q", tf)
}
