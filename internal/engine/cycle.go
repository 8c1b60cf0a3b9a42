package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"risk-engine/internal/daily"
	"risk-engine/internal/events"
	"risk-engine/internal/features"
	"risk-engine/internal/market"
	"risk-engine/internal/monitor"
	"risk-engine/internal/order"
	"risk-engine/internal/risk"
	"risk-engine/internal/strategy"
	"risk-engine/internal/universe"
	"risk-engine/pkg/db"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/exchanges/common"
	"risk-engine/pkg/logger"
)

// Bars captures one immutable window per symbol.
type Bars interface {
	Capture(ctx context.Context, symbol string) (market.Window, error)
}

// Quotes supplies the 24h ticker used for liquidity and spread filters.
type Quotes interface {
	FetchTicker(ctx context.Context, symbol string) (common.Ticker, error)
}

// Filters supplies cached exchange symbol filters.
type Filters interface {
	Get(ctx context.Context, symbol string) (common.SymbolFilters, error)
}

// pruner is implemented by filter caches that expire entries.
type pruner interface {
	Prune() int
}

// Scorer maps a feature vector to [-1, 1].
type Scorer interface {
	Score(v features.Vector) float64
}

// Equity returns the account equity, possibly cached.
type Equity interface {
	Equity(ctx context.Context) (float64, error)
}

// State is the single-writer owner of the daily budget and position table.
type State interface {
	Rollover(ctx context.Context) (bool, error)
	Daily(ctx context.Context) (daily.State, error)
	SetEquity(ctx context.Context, equity float64) error
	Exposure(ctx context.Context) (risk.Exposure, error)
	Reserve(ctx context.Context, symbol string) error
	Release(ctx context.Context, symbol string) error
}

// Orders drives entries and manages the open positions.
type Orders interface {
	Open(ctx context.Context, req common.OrderRequest, sig strategy.Signal) (*db.Position, error)
	Sync(ctx context.Context) error
	RetryDegraded(ctx context.Context) (int, error)
	DrainJournal(ctx context.Context) (int, error)
}

// ReportSink receives a report at the end of every cycle.
type ReportSink interface {
	Write(r db.CycleReport)
}

// CycleRecorder mirrors cycle reports into a time-series store.
type CycleRecorder interface {
	RecordCycle(r db.CycleReport)
}

// Deps groups the collaborators of the cycle.
type Deps struct {
	Bars      Bars
	Quotes    Quotes
	Filters   Filters
	Extractor *features.Extractor
	Scorer    Scorer
	Generator *strategy.Generator
	Selector  *universe.Selector
	Risk      *risk.Manager
	Equity    Equity
	State     State
	Orders    Orders
	Reports   ReportSink
	Recorder  CycleRecorder
	Publisher events.Publisher
}

// CycleConfig tunes the loop.
type CycleConfig struct {
	Interval time.Duration
	Workers  int
	K        int // max entries considered per cycle
}

// Engine runs the periodic evaluation cycle.
type Engine struct {
	cfg  CycleConfig
	deps Deps
	now  func() time.Time

	mu   sync.Mutex
	last db.CycleReport
}

// NewEngine wires the cycle. Reports, Recorder and Publisher are optional.
func NewEngine(cfg CycleConfig, deps Deps) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.K <= 0 {
		cfg.K = 3
	}
	return &Engine{cfg: cfg, deps: deps, now: time.Now}
}

// Run executes a cycle immediately and then on every tick until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := e.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// LastReport returns the most recent cycle report.
func (e *Engine) LastReport() db.CycleReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// evaluation is the per-symbol output of the concurrent stage.
type evaluation struct {
	cand   universe.Candidate
	reason string // non-empty when the symbol was skipped
	err    bool
}

// RunCycle performs one full pass. Only a stopped state owner aborts the cycle;
// everything else is recorded in the report.
func (e *Engine) RunCycle(ctx context.Context) (db.CycleReport, error) {
	start := e.now()
	report := db.CycleReport{StartedAt: start.UTC(), Rejections: map[string]int{}}

	rolled, err := e.deps.State.Rollover(ctx)
	if err != nil {
		return report, err
	}
	if p, ok := e.deps.Filters.(pruner); ok && rolled {
		p.Prune()
	}
	day, err := e.deps.State.Daily(ctx)
	if err != nil {
		return report, err
	}
	report.DateKey = day.DateKey

	equity, err := e.deps.Equity.Equity(ctx)
	if err != nil {
		logger.Warn("equity unavailable; entries skipped this cycle", zap.Error(err))
		report.Errors++
	} else if err := e.deps.State.SetEquity(ctx, equity); err != nil {
		return report, err
	}

	// Managing open positions is never gated.
	if err := e.deps.Orders.Sync(ctx); err != nil {
		logger.Warn("position sync incomplete", zap.Error(err))
		report.Errors++
	}
	if n, err := e.deps.Orders.RetryDegraded(ctx); err != nil {
		logger.Warn("bracket retry incomplete", zap.Int("protected", n), zap.Error(err))
	} else if n > 0 {
		logger.Info("degraded positions protected", zap.Int("count", n))
	}
	if n, err := e.deps.Orders.DrainJournal(ctx); err != nil {
		logger.Warn("journal still pending", zap.Error(err))
	} else if n > 0 {
		logger.Info("journal drained", zap.Int("transitions", n))
	}

	if equity > 0 {
		e.entries(ctx, equity, &report)
	}

	report.Duration = e.now().Sub(start)
	e.finish(report)
	return report, nil
}

func (e *Engine) entries(ctx context.Context, equity float64, report *db.CycleReport) {
	symbols := e.deps.Selector.Symbols()
	results := make([]evaluation, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, sym := range symbols {
		i, sym := i, sym
		g.Go(func() error {
			results[i] = e.evaluate(gctx, sym, equity)
			return nil
		})
	}
	_ = g.Wait()

	cands := make([]universe.Candidate, 0, len(results))
	for _, r := range results {
		switch {
		case r.err:
			report.Errors++
		case r.reason != "":
			report.Rejections[r.reason]++
		default:
			cands = append(cands, r.cand)
		}
	}
	report.Evaluated = len(cands)

	selected, rejected := e.deps.Selector.Select(cands, e.cfg.K)
	for _, r := range rejected {
		report.Rejections[r.Reason]++
	}
	report.Selected = len(selected)

	for _, c := range selected {
		if ctx.Err() != nil {
			return
		}
		if e.enter(ctx, c, equity, report) {
			report.Entries++
		}
	}
}

// evaluate runs features, scoring and signal generation for one symbol. Errors never
// escape so siblings keep running.
func (e *Engine) evaluate(ctx context.Context, symbol string, equity float64) evaluation {
	out := evaluation{cand: universe.Candidate{Symbol: symbol}}
	skip := func(stage string, err error) evaluation {
		kind := errs.KindOf(err)
		if kind == errs.KindData {
			logger.Debug("symbol skipped", zap.String("symbol", symbol), zap.String("stage", stage), zap.Error(err))
			out.reason = "data"
			return out
		}
		logger.Warn("symbol evaluation failed", zap.String("symbol", symbol), zap.String("stage", stage), zap.Error(err))
		out.err = true
		return out
	}

	w, err := e.deps.Bars.Capture(ctx, symbol)
	if err != nil {
		return skip("capture", err)
	}
	res, err := e.deps.Extractor.Extract(w)
	if err != nil {
		return skip("features", err)
	}
	score := e.deps.Scorer.Score(res.Vector)
	snap := res.Snapshot
	sig := e.deps.Generator.Generate(symbol, score, strategy.Trend{
		FastEMA: snap.FastEMA,
		SlowEMA: snap.SlowEMA,
		RSI:     snap.RSI,
		ATR:     snap.ATR,
		Price:   snap.Price,
	})
	out.cand.Signal = sig
	if sig.Direction == strategy.Hold {
		out.reason = "hold"
		return out
	}

	ticker, err := e.deps.Quotes.FetchTicker(ctx, symbol)
	if err != nil {
		return skip("ticker", err)
	}
	filters, err := e.deps.Filters.Get(ctx, symbol)
	if err != nil {
		return skip("filters", err)
	}
	out.cand.Ticker = ticker
	out.cand.Filters = filters
	out.cand.Budget = e.deps.Risk.MaxNotional(equity, sig.StopDistancePct)
	return out
}

// enter sizes one selected candidate against a fresh state snapshot and places it.
func (e *Engine) enter(ctx context.Context, c universe.Candidate, equity float64, report *db.CycleReport) bool {
	day, err := e.deps.State.Daily(ctx)
	if err != nil {
		report.Errors++
		return false
	}
	exposure, err := e.deps.State.Exposure(ctx)
	if err != nil {
		report.Errors++
		return false
	}

	dec, err := e.deps.Risk.Evaluate(ctx, c.Signal, equity, day, c.Filters, exposure)
	if err != nil {
		e.reject(c.Symbol, err, report)
		return false
	}

	if err := e.deps.State.Reserve(ctx, c.Symbol); err != nil {
		e.reject(c.Symbol, err, report)
		return false
	}

	pos, err := e.deps.Orders.Open(ctx, dec.Order, c.Signal)
	if err != nil {
		// A position that never left the book keeps its slot.
		if pos == nil || pos.State == "" || order.State(pos.State).Terminal() {
			_ = e.deps.State.Release(ctx, c.Symbol)
		}
		if errs.KindOf(err) == errs.KindBracket {
			// The entry filled; the position stays open and is retried next cycle.
			report.Errors++
			return true
		}
		e.reject(c.Symbol, err, report)
		return false
	}

	logger.Info("entry placed",
		zap.String("symbol", pos.Symbol),
		zap.String("side", pos.Side),
		zap.Float64("qty", pos.Qty),
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("stop", pos.StopPrice),
		zap.Float64("target", pos.TakeProfitPrice),
		zap.Float64("notional", dec.Notional))
	return true
}

func (e *Engine) reject(symbol string, err error, report *db.CycleReport) {
	reason := reasonOf(err)
	report.Rejections[reason]++
	switch errs.KindOf(err) {
	case errs.KindEntriesPaused:
		logger.Info("entry gated", zap.String("symbol", symbol), zap.Error(err))
	case errs.KindFeasibility, errs.KindData:
		logger.Debug("entry rejected", zap.String("symbol", symbol), zap.String("reason", reason), zap.Error(err))
	default:
		report.Errors++
		logger.Warn("entry failed", zap.String("symbol", symbol), zap.String("reason", reason), zap.Error(err))
	}
}

// reasonOf names a rejection for reports and metrics.
func reasonOf(err error) string {
	switch {
	case errors.Is(err, errs.ErrEntriesPaused):
		return "entries_paused"
	case errors.Is(err, errs.ErrBelowMinimum):
		return "below_minimum"
	case errors.Is(err, errs.ErrTooManyPositions):
		return "too_many_positions"
	case errors.Is(err, errs.ErrPositionExists):
		return "position_exists"
	}
	return errs.KindOf(err).String()
}

func (e *Engine) finish(report db.CycleReport) {
	e.mu.Lock()
	e.last = report
	e.mu.Unlock()

	monitor.ObserveCycle(report)
	if e.deps.Reports != nil {
		e.deps.Reports.Write(report)
	}
	if e.deps.Recorder != nil {
		e.deps.Recorder.RecordCycle(report)
	}
	if e.deps.Publisher != nil {
		e.deps.Publisher.Emit(events.New(events.EventCycle, events.LevelInfo, "", "cycle complete").
			With("evaluated", report.Evaluated).
			With("selected", report.Selected).
			With("entries", report.Entries).
			With("errors", report.Errors).
			With("duration_ms", report.Duration.Milliseconds()))
	}
	logger.Debug("cycle complete",
		zap.String("date_key", report.DateKey),
		zap.Int("evaluated", report.Evaluated),
		zap.Int("selected", report.Selected),
		zap.Int("entries", report.Entries),
		zap.Any("rejections", report.Rejections),
		zap.Duration("took", report.Duration))
}
