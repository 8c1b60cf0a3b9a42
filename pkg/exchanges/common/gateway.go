package common

import "context"

// MarketData fetches read-only market state.
type MarketData interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error)
	FetchSymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
}

// Gateway places and tracks orders on a trading venue.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	// QueryOrder looks an order up by client ID; ErrOrderNotFound when the venue never saw it.
	QueryOrder(ctx context.Context, symbol, clientID string) (OrderResult, error)
}

// Account exposes authoritative positions and balance.
type Account interface {
	FetchPosition(ctx context.Context, symbol string) (Position, error)
	FetchBalance(ctx context.Context) (Balance, error)
}

// Exchange is the full collaborator the engine consumes. Implementations are the
// Binance USDT-M client and the paper exchange, chosen once at startup.
type Exchange interface {
	MarketData
	Gateway
	Account
}
