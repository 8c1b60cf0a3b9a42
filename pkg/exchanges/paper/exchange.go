// Package paper simulates a USDT-M futures venue for dry runs: a seeded random-walk
// price feed, market fills with slippage and fees, resting trigger orders and a
// one-way position book.
package paper

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"risk-engine/pkg/exchanges/common"
	"risk-engine/pkg/logger"
)

const maxHistory = 2000

// Config tunes the simulation.
type Config struct {
	InitialBalance float64
	FeeRate        float64 // decimal, e.g. 0.0004 = 4 bps
	SlippageBps    float64 // max adverse slippage applied on market fills
	SpreadBps      float64 // quoted bid/ask spread
	Volatility     float64 // per-bar stddev of returns
	Seed           int64
	StartPrices    map[string]float64
	QuoteVolumes   map[string]float64
	Filters        map[string]common.SymbolFilters
	Clock          func() time.Time
}

var defaultFilters = common.SymbolFilters{MinQty: 0.001, StepSize: 0.001, TickSize: 0.01, MinNotional: 5}

type order struct {
	req    common.OrderRequest
	result common.OrderResult
}

type position struct {
	qty   float64 // signed
	entry float64
}

type series struct {
	tf   time.Duration
	bars []common.Kline
}

// Exchange is an in-memory common.Exchange.
type Exchange struct {
	cfg Config
	rng *rand.Rand
	now func() time.Time

	mu        sync.Mutex
	cash      float64
	prices    map[string]float64
	history   map[string]*series
	orders    map[string]*order // by client ID
	byID      map[string]*order
	positions map[string]*position
	nextID    int64
}

var _ common.Exchange = (*Exchange)(nil)

// New creates a paper exchange.
func New(cfg Config) *Exchange {
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.002
	}
	if cfg.SpreadBps <= 0 {
		cfg.SpreadBps = 1
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Exchange{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		now:       now,
		cash:      cfg.InitialBalance,
		prices:    make(map[string]float64),
		history:   make(map[string]*series),
		orders:    make(map[string]*order),
		byID:      make(map[string]*order),
		positions: make(map[string]*position),
	}
}

// FetchOHLCV returns the latest limit bars, generating bars up to the current clock.
// Every newly generated bar is run against resting trigger orders.
func (e *Exchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]common.Kline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tf, err := common.TimeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.history[symbol]
	if !ok || s.tf != tf {
		s = &series{tf: tf}
		e.history[symbol] = s
		e.backfill(symbol, s, limit)
	}
	e.advance(symbol, s)

	from := len(s.bars) - limit
	if from < 0 {
		from = 0
	}
	out := make([]common.Kline, len(s.bars)-from)
	copy(out, s.bars[from:])
	return out, nil
}

func (e *Exchange) backfill(symbol string, s *series, n int) {
	end := e.now().Truncate(s.tf)
	price := e.startPrice(symbol)
	for i := n - 1; i >= 0; i-- {
		open := end.Add(-time.Duration(i) * s.tf)
		bar := e.nextBar(open, s.tf, price)
		price = bar.Close
		s.bars = append(s.bars, bar)
	}
	e.prices[symbol] = price
}

func (e *Exchange) advance(symbol string, s *series) {
	if len(s.bars) == 0 {
		return
	}
	for {
		last := s.bars[len(s.bars)-1]
		open := time.UnixMilli(last.OpenTime).Add(s.tf)
		if open.After(e.now()) {
			return
		}
		bar := e.nextBar(open, s.tf, last.Close)
		s.bars = append(s.bars, bar)
		if len(s.bars) > maxHistory {
			s.bars = s.bars[len(s.bars)-maxHistory:]
		}
		e.triggerOnBar(symbol, bar)
		e.prices[symbol] = bar.Close
	}
}

func (e *Exchange) nextBar(open time.Time, tf time.Duration, prev float64) common.Kline {
	ret := e.rng.NormFloat64() * e.cfg.Volatility
	closePx := prev * math.Exp(ret)
	wick := math.Abs(e.rng.NormFloat64()) * e.cfg.Volatility * prev / 2
	vol := 50 + e.rng.Float64()*150
	return common.Kline{
		OpenTime:    open.UnixMilli(),
		Open:        prev,
		High:        math.Max(prev, closePx) + wick,
		Low:         math.Min(prev, closePx) - wick,
		Close:       closePx,
		Volume:      vol,
		QuoteVolume: vol * (prev + closePx) / 2,
		CloseTime:   open.Add(tf).UnixMilli() - 1,
	}
}

func (e *Exchange) startPrice(symbol string) float64 {
	if p, ok := e.cfg.StartPrices[symbol]; ok && p > 0 {
		return p
	}
	return 100
}

// FetchSymbolFilters returns configured filters or conservative defaults.
func (e *Exchange) FetchSymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	if f, ok := e.cfg.Filters[symbol]; ok {
		f.Symbol = symbol
		return f, nil
	}
	f := defaultFilters
	f.Symbol = symbol
	return f, nil
}

// FetchTicker quotes a symmetric spread around the mark price.
func (e *Exchange) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	px, ok := e.prices[symbol]
	if !ok {
		px = e.startPrice(symbol)
		e.prices[symbol] = px
	}
	half := px * e.cfg.SpreadBps / 2 / 10000
	vol, ok := e.cfg.QuoteVolumes[symbol]
	if !ok {
		vol = 50_000_000
	}
	return common.Ticker{
		Symbol:         symbol,
		LastPrice:      px,
		BidPrice:       px - half,
		AskPrice:       px + half,
		QuoteVolume24h: vol,
	}, nil
}

// SetPrice moves the mark price and runs resting trigger orders against it.
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
	e.triggerOnBar(symbol, common.Kline{Open: price, High: price, Low: price, Close: price})
}

// PlaceOrder fills market orders immediately and rests trigger orders. A repeated
// client ID returns the original result without executing again.
func (e *Exchange) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return common.OrderResult{}, err
	}
	if req.Qty <= 0 {
		return common.OrderResult{}, fmt.Errorf("paper: invalid quantity %v", req.Qty)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientID != "" {
		if o, ok := e.orders[req.ClientID]; ok {
			return o.result, nil
		}
	}

	e.nextID++
	o := &order{req: req, result: common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(e.nextID, 10),
		ClientID:        req.ClientID,
		Status:          common.StatusNew,
		Accepted:        true,
	}}

	switch req.Type {
	case common.OrderTypeMarket:
		px, ok := e.prices[req.Symbol]
		if !ok {
			return common.OrderResult{}, fmt.Errorf("paper: no price for %s", req.Symbol)
		}
		if !e.fill(o, e.slipped(px, req.Side)) {
			o.result.Status = common.StatusRejected
			o.result.Accepted = false
		}
	case common.OrderTypeStopMarket, common.OrderTypeTakeProfitMarket, common.OrderTypeLimit:
		if req.ReduceOnly && !e.reduces(req.Symbol, req.Side) {
			o.result.Status = common.StatusRejected
			o.result.Accepted = false
		}
	default:
		return common.OrderResult{}, fmt.Errorf("paper: unsupported order type %s", req.Type)
	}

	e.orders[req.ClientID] = o
	e.byID[o.result.ExchangeOrderID] = o
	if !o.result.Accepted {
		return o.result, fmt.Errorf("paper: order %s rejected: reduce-only without position", req.ClientID)
	}
	return o.result, nil
}

// QueryOrder looks an order up by client ID.
func (e *Exchange) QueryOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[clientID]
	if !ok || o.req.Symbol != symbol {
		return common.OrderResult{}, common.ErrOrderNotFound
	}
	return o.result, nil
}

// CancelOrder cancels a resting order.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.byID[exchangeOrderID]
	if !ok || o.req.Symbol != symbol {
		return common.ErrOrderNotFound
	}
	if o.result.Done() {
		return fmt.Errorf("paper: order %s already %s", exchangeOrderID, o.result.Status)
	}
	o.result.Status = common.StatusCanceled
	return nil
}

// FetchPosition returns the signed position.
func (e *Exchange) FetchPosition(ctx context.Context, symbol string) (common.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := common.Position{Symbol: symbol, MarkPrice: e.prices[symbol]}
	if p, ok := e.positions[symbol]; ok {
		out.Qty = p.qty
		out.EntryPrice = p.entry
	}
	return out, nil
}

// FetchBalance returns cash plus unrealized PnL at mark.
func (e *Exchange) FetchBalance(ctx context.Context) (common.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	equity := e.cash
	for sym, p := range e.positions {
		if px, ok := e.prices[sym]; ok {
			equity += (px - p.entry) * p.qty
		}
	}
	return common.Balance{Asset: "USDT", Equity: equity, Available: e.cash}, nil
}

func (e *Exchange) slipped(px float64, side common.Side) float64 {
	frac := e.cfg.SlippageBps / 10000 * e.rng.Float64()
	if side == common.SideBuy {
		return px * (1 + frac)
	}
	return px * (1 - frac)
}

func (e *Exchange) reduces(symbol string, side common.Side) bool {
	p, ok := e.positions[symbol]
	if !ok || p.qty == 0 {
		return false
	}
	return (p.qty > 0 && side == common.SideSell) || (p.qty < 0 && side == common.SideBuy)
}

// triggerOnBar fires resting orders whose trigger lies inside the bar. Stops are
// evaluated before targets so a bar touching both resolves conservatively.
func (e *Exchange) triggerOnBar(symbol string, bar common.Kline) {
	for _, typ := range []common.OrderType{common.OrderTypeStopMarket, common.OrderTypeTakeProfitMarket, common.OrderTypeLimit} {
		for _, o := range e.byID {
			if o.req.Symbol != symbol || o.req.Type != typ || o.result.Done() || !o.result.Accepted {
				continue
			}
			trigger := o.req.StopPrice
			if typ == common.OrderTypeLimit {
				trigger = o.req.Price
			}
			if !touched(typ, o.req.Side, trigger, bar) {
				continue
			}
			if !e.fill(o, trigger) {
				o.result.Status = common.StatusExpired
			}
		}
	}
}

func touched(typ common.OrderType, side common.Side, trigger float64, bar common.Kline) bool {
	// A sell stop and a buy target fire on a fall; the mirrors fire on a rise.
	fallFires := (typ == common.OrderTypeStopMarket && side == common.SideSell) ||
		(typ != common.OrderTypeStopMarket && side == common.SideBuy)
	if fallFires {
		return bar.Low <= trigger
	}
	return bar.High >= trigger
}

// fill executes o at px against the position book. Reduce-only orders are capped to
// the open quantity; it reports false when nothing could execute.
func (e *Exchange) fill(o *order, px float64) bool {
	sym := o.req.Symbol
	qty := o.req.Qty
	p := e.positions[sym]
	if p == nil {
		p = &position{}
		e.positions[sym] = p
	}
	if o.req.ReduceOnly {
		if !e.reduces(sym, o.req.Side) {
			return false
		}
		qty = math.Min(qty, math.Abs(p.qty))
	}

	signed := qty
	if o.req.Side == common.SideSell {
		signed = -qty
	}

	realized := 0.0
	switch {
	case p.qty == 0 || (p.qty > 0) == (signed > 0):
		total := p.qty + signed
		p.entry = (p.entry*math.Abs(p.qty) + px*qty) / math.Abs(total)
		p.qty = total
	default:
		closed := math.Min(math.Abs(p.qty), qty)
		dir := 1.0
		if p.qty < 0 {
			dir = -1
		}
		realized = (px - p.entry) * closed * dir
		p.qty += signed
		if math.Abs(p.qty) < 1e-12 {
			p.qty = 0
			p.entry = 0
		} else if (p.qty > 0) != (dir > 0) {
			p.entry = px
		}
	}
	fee := px * qty * e.cfg.FeeRate
	e.cash += realized - fee

	o.result.Status = common.StatusFilled
	o.result.FilledQty = qty
	o.result.AvgPrice = px
	logger.Debug("paper fill",
		zap.String("symbol", sym),
		zap.String("client_id", o.req.ClientID),
		zap.String("side", string(o.req.Side)),
		zap.Float64("qty", qty),
		zap.Float64("price", px),
		zap.Float64("realized", realized))
	return true
}
