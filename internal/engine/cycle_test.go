package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"risk-engine/internal/features"
	"risk-engine/internal/indicators"
	"risk-engine/internal/market"
	"risk-engine/internal/risk"
	"risk-engine/internal/state"
	"risk-engine/internal/strategy"
	"risk-engine/internal/universe"
	"risk-engine/pkg/config"
	"risk-engine/pkg/db"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/exchanges/common"
	"risk-engine/pkg/logger"
)

func init() {
	logger.SetForTest(zap.NewNop())
}

// uptrend alternates +1% and -0.4% closes so EMAs stack bullish and RSI stays above 50.
func uptrend(t *testing.T, symbol string, n int) market.Window {
	t.Helper()
	bars := make([]common.Kline, n)
	px := 100.0
	for i := range bars {
		next := px * 1.01
		if i%2 == 1 {
			next = px * 0.996
		}
		hi, lo := next, px
		if px > next {
			hi, lo = px, next
		}
		bars[i] = common.Kline{
			OpenTime: int64(i + 1), Open: px, Close: next,
			High: hi * 1.002, Low: lo * 0.998, Volume: 10,
		}
		px = next
	}
	w, err := market.NewWindow(symbol, bars)
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	return w
}

type fakeBars struct {
	windows map[string]market.Window
	errs    map[string]error
}

func (b *fakeBars) Capture(_ context.Context, symbol string) (market.Window, error) {
	if err := b.errs[symbol]; err != nil {
		return market.Window{}, err
	}
	return b.windows[symbol], nil
}

type fakeQuotes map[string]common.Ticker

func (q fakeQuotes) FetchTicker(_ context.Context, symbol string) (common.Ticker, error) {
	return q[symbol], nil
}

type fakeFilters struct{}

func (fakeFilters) Get(context.Context, string) (common.SymbolFilters, error) {
	return common.SymbolFilters{MinQty: 0.001, StepSize: 0.001, TickSize: 0.01, MinNotional: 5}, nil
}

type constScore float64

func (c constScore) Score(features.Vector) float64 { return float64(c) }

type fixedEquity float64

func (e fixedEquity) Equity(context.Context) (float64, error) { return float64(e), nil }

type fakeOrders struct {
	mu     sync.Mutex
	opened []common.OrderRequest
	fail   map[string]error
	synced int
}

func (o *fakeOrders) Open(_ context.Context, req common.OrderRequest, sig strategy.Signal) (*db.Position, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.fail[req.Symbol]; err != nil {
		return &db.Position{Symbol: req.Symbol, State: "FAILED"}, err
	}
	o.opened = append(o.opened, req)
	return &db.Position{Symbol: req.Symbol, Side: string(req.Side), Qty: req.Qty, EntryPrice: sig.Price, State: "BRACKET_PLACED"}, nil
}

func (o *fakeOrders) Sync(context.Context) error {
	o.mu.Lock()
	o.synced++
	o.mu.Unlock()
	return nil
}

func (o *fakeOrders) RetryDegraded(context.Context) (int, error) { return 0, nil }

func (o *fakeOrders) DrainJournal(context.Context) (int, error) { return 0, nil }

type reportLog struct {
	mu  sync.Mutex
	got []db.CycleReport
}

func (r *reportLog) Write(rep db.CycleReport) {
	r.mu.Lock()
	r.got = append(r.got, rep)
	r.mu.Unlock()
}

type harness struct {
	engine *Engine
	state  *state.Manager
	orders *fakeOrders
	bars   *fakeBars
	logs   *reportLog
}

func newHarness(t *testing.T, symbols []string, maxPositions int) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := state.NewManager(state.Config{Location: time.UTC, DailyTarget: 50, MaxDailyLoss: 20, MaxPositions: maxPositions}, nil, nil)
	if err := st.Load(ctx, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	go func() { _ = st.Run(ctx) }()

	bars := &fakeBars{windows: map[string]market.Window{}, errs: map[string]error{}}
	quotes := fakeQuotes{}
	for i, s := range symbols {
		bars.windows[s] = uptrend(t, s, 150)
		quotes[s] = common.Ticker{Symbol: s, LastPrice: 150, BidPrice: 149.99, AskPrice: 150.01, QuoteVolume24h: float64(1e9 - i*1e6)}
	}

	orders := &fakeOrders{fail: map[string]error{}}
	logs := &reportLog{}
	riskCfg := config.Risk{CapitalCap: 10000, PositionSizePct: 0.01, DailyProfitTarget: 50, MaxDailyLoss: 20, MaxConcurrentPositions: maxPositions, MinNotional: 5}
	e := NewEngine(CycleConfig{Interval: time.Minute, Workers: 2, K: 3}, Deps{
		Bars:      bars,
		Quotes:    quotes,
		Filters:   fakeFilters{},
		Extractor: features.NewExtractor(indicators.Params{EMAFast: 9, EMASlow: 21, RSIPeriod: 14, ATRPeriod: 14}, 100),
		Scorer:    constScore(0.9),
		Generator: strategy.NewGenerator(config.Signal{
			ScoreThreshold: 0.3, KSL: 1.5, KTP: 3,
			SLMinPct: 0.002, SLMaxPct: 0.05, TPMinPct: 0.004, TPMaxPct: 0.1,
		}),
		Selector: universe.NewSelector(config.Universe{Symbols: symbols, K: 3}, 5),
		Risk:     risk.NewManager(riskCfg),
		Equity:   fixedEquity(2000),
		State:    st,
		Orders:   orders,
		Reports:  logs,
	})
	return &harness{engine: e, state: st, orders: orders, bars: bars, logs: logs}
}

func TestCycleEntersAndIsolatesSymbolErrors(t *testing.T) {
	h := newHarness(t, []string{"BTCUSDT", "ETHUSDT", "SHORTUSDT", "DOWNUSDT"}, 1)
	h.bars.windows["SHORTUSDT"] = uptrend(t, "SHORTUSDT", 10)
	h.bars.errs["DOWNUSDT"] = errs.E(errs.KindTransient, "fetch_ohlcv", errs.ErrTransient)

	report, err := h.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.orders.opened) != 1 || h.orders.opened[0].Symbol != "BTCUSDT" {
		t.Fatalf("opened=%v, expected only BTCUSDT", h.orders.opened)
	}
	if report.Entries != 1 || report.Selected != 2 || report.Evaluated != 2 {
		t.Fatalf("report=%+v, expected 2 evaluated, 2 selected, 1 entry", report)
	}
	if report.Errors != 1 {
		t.Fatalf("errors=%d, expected 1", report.Errors)
	}
	if report.Rejections["data"] != 1 || report.Rejections["too_many_positions"] != 1 {
		t.Fatalf("rejections=%v", report.Rejections)
	}
	if h.orders.synced != 1 {
		t.Fatalf("synced=%d, expected 1", h.orders.synced)
	}
	if len(h.logs.got) != 1 {
		t.Fatalf("reports written=%d, expected 1", len(h.logs.got))
	}
}

func TestCycleSizesWithinBound(t *testing.T) {
	h := newHarness(t, []string{"BTCUSDT"}, 3)
	if _, err := h.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.orders.opened) != 1 {
		t.Fatalf("opened=%d, expected 1", len(h.orders.opened))
	}
	req := h.orders.opened[0]
	if req.Side != common.SideBuy || req.Type != common.OrderTypeMarket {
		t.Fatalf("req=%+v, expected market buy", req)
	}
	w := h.bars.windows["BTCUSDT"]
	notional := req.Qty * w.Price()
	// min(2000, 10000) * 1% / smallest allowed stop distance
	if bound := 2000 * 0.01 / 0.002; notional > bound+1e-9 {
		t.Fatalf("notional=%v, expected <= %v", notional, bound)
	}
}

func TestCycleGatedByPause(t *testing.T) {
	h := newHarness(t, []string{"BTCUSDT", "ETHUSDT"}, 3)
	ctx := context.Background()
	if _, err := h.state.Submit(ctx, state.Command{Kind: state.CmdPause, Source: "test"}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	report, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.orders.opened) != 0 {
		t.Fatalf("opened=%d while paused, expected 0", len(h.orders.opened))
	}
	if report.Rejections["entries_paused"] != 2 {
		t.Fatalf("rejections=%v, expected 2 entries_paused", report.Rejections)
	}
	if h.orders.synced != 1 {
		t.Fatalf("open positions must still be managed while paused")
	}
}

func TestCycleReleasesSlotOnFailedEntry(t *testing.T) {
	h := newHarness(t, []string{"BTCUSDT", "ETHUSDT"}, 1)
	h.orders.fail["BTCUSDT"] = errs.E(errs.KindTransient, "place_order", errs.ErrTransient)

	report, err := h.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(h.orders.opened) != 1 || h.orders.opened[0].Symbol != "ETHUSDT" {
		t.Fatalf("opened=%v, expected ETHUSDT after BTCUSDT failed", h.orders.opened)
	}
	if report.Rejections["transient_exchange"] != 1 {
		t.Fatalf("rejections=%v", report.Rejections)
	}
	exp, err := h.state.Exposure(context.Background())
	if err != nil {
		t.Fatalf("Exposure: %v", err)
	}
	if exp.Has("BTCUSDT") || !exp.Has("ETHUSDT") {
		t.Fatalf("exposure=%v, expected only ETHUSDT", exp.Symbols)
	}
}

func TestReasonOf(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{errs.Ef(errs.KindEntriesPaused, "risk", errs.ErrEntriesPaused, "user_paused"), "entries_paused"},
		{errs.Ef(errs.KindFeasibility, "risk", errs.ErrBelowMinimum, "qty 0"), "below_minimum"},
		{errs.Ef(errs.KindFeasibility, "risk", errs.ErrTooManyPositions, "3"), "too_many_positions"},
		{errs.Ef(errs.KindFeasibility, "state", errs.ErrPositionExists, "BTCUSDT"), "position_exists"},
		{errs.E(errs.KindPersistence, "order", errs.ErrPersistence), "persistence"},
		{errors.New("boom"), "unknown"},
	}
	for _, tc := range cases {
		if got := reasonOf(tc.err); got != tc.want {
			t.Fatalf("reasonOf(%v)=%s, expected %s", tc.err, got, tc.want)
		}
	}
}
