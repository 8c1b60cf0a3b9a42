// Package order drives an entry through submission, fill and bracket placement and
// persists every state change before it takes effect.
package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"risk-engine/internal/daily"
	"risk-engine/internal/events"
	"risk-engine/internal/risk"
	"risk-engine/internal/strategy"
	"risk-engine/pkg/db"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/exchanges/common"
	"risk-engine/pkg/logger"
)

// Store persists positions, transitions and fills.
type Store interface {
	TransitionStore
	ListActivePositions(ctx context.Context) ([]db.Position, error)
	InsertFill(ctx context.Context, f db.Fill) error
}

// Book is the single-writer owner of open positions and the daily budget.
type Book interface {
	Upsert(ctx context.Context, p db.Position) error
	Remove(ctx context.Context, symbol string) error
	ApplyPnL(ctx context.Context, delta float64) (daily.State, error)
	MarkReducedDurability()
	ClearReducedDurability()
}

// FilterSource resolves symbol filters.
type FilterSource interface {
	Get(ctx context.Context, symbol string) (common.SymbolFilters, error)
}

// Manager is the order lifecycle manager.
type Manager struct {
	ex      common.Exchange
	store   Store
	journal *Journal
	book    Book
	filters FilterSource
	pub     events.Publisher
	cfg     Config
	now     func() time.Time

	mu        sync.Mutex
	positions map[string]db.Position // active, by symbol
}

// NewManager creates a lifecycle manager. journal and pub may be nil.
func NewManager(cfg Config, ex common.Exchange, store Store, journal *Journal, book Book, filters FilterSource, pub events.Publisher) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = DefaultConfig().FillTimeout
	}
	return &Manager{
		ex:        ex,
		store:     store,
		journal:   journal,
		book:      book,
		filters:   filters,
		pub:       pub,
		cfg:       cfg,
		now:       time.Now,
		positions: make(map[string]db.Position),
	}
}

// Load seeds the active set from persisted rows without contacting the venue.
func (m *Manager) Load(positions []db.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range positions {
		if !State(p.State).Terminal() {
			m.positions[p.Symbol] = p
		}
	}
}

// Active returns the in-memory active positions ordered by symbol.
func (m *Manager) Active() []db.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]db.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Position returns the active position for symbol.
func (m *Manager) Position(symbol string) (db.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	return p, ok
}

// Open submits the entry, waits for its fill and places the bracket. A bracket
// failure leaves the position DEGRADED and returns a KindBracket error alongside the
// position.
func (m *Manager) Open(ctx context.Context, req common.OrderRequest, sig strategy.Signal) (*db.Position, error) {
	const op = "order.Open"
	if _, ok := m.Position(req.Symbol); ok {
		return nil, errs.Ef(errs.KindFeasibility, op, errs.ErrPositionExists, "%s", req.Symbol)
	}
	if req.ClientID == "" {
		req.ClientID = risk.NewClientID()
	}

	now := m.now().UTC()
	p := db.Position{
		ID:              uuid.NewString(),
		Symbol:          req.Symbol,
		Side:            string(req.Side),
		RequestedQty:    req.Qty,
		StopDistancePct: sig.StopDistancePct,
		TakeProfitPct:   sig.TakeProfitPct,
		ClientID:        req.ClientID,
		CreatedAt:       now,
	}
	if err := m.transition(ctx, &p, StateRequested, fmt.Sprintf("score=%.3f qty=%v", sig.Score, req.Qty)); err != nil {
		return nil, err
	}

	res, err := m.submit(ctx, req)
	if err != nil {
		m.fail(ctx, &p, "submit: "+err.Error())
		return &p, fmt.Errorf("%s %s: %w", op, req.Symbol, err)
	}
	if !res.Accepted || res.Status == common.StatusRejected {
		m.fail(ctx, &p, "rejected status="+string(res.Status))
		return &p, errs.E(errs.KindFeasibility, op, fmt.Errorf("%s entry rejected (%s)", req.Symbol, res.Status))
	}
	p.ExchangeOrderID = res.ExchangeOrderID
	if err := m.transition(ctx, &p, StateSubmitted, "order_id="+res.ExchangeOrderID); err != nil {
		return &p, err
	}

	res, err = m.awaitFill(ctx, req.Symbol, req.ClientID, res)
	if err != nil {
		m.fail(ctx, &p, err.Error())
		return &p, fmt.Errorf("%s %s: %w", op, req.Symbol, err)
	}
	if err := m.markFilled(ctx, &p, res.FilledQty, entryPrice(res, sig.Price), res.FilledQty < req.Qty); err != nil {
		return &p, err
	}

	m.emit(events.New(events.EventEntryPlaced, events.LevelInfo, p.Symbol,
		fmt.Sprintf("%s %v %s @ %.6g", p.Side, p.Qty, p.Symbol, p.EntryPrice)).
		With("client_id", p.ClientID).With("score", sig.Score))

	if err := m.placeBracket(ctx, &p); err != nil {
		return &p, err
	}
	return &p, nil
}

func entryPrice(res common.OrderResult, fallback float64) float64 {
	if res.AvgPrice > 0 {
		return res.AvgPrice
	}
	return fallback
}

// submit places req. When the outcome is ambiguous (timeout or transient error) the
// venue is asked for the client ID before anything is sent again, so one idempotency
// key never produces two orders.
func (m *Manager) submit(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	res, err := m.ex.PlaceOrder(ctx, req)
	for i := 0; err != nil && errs.KindOf(err) == errs.KindTransient && i < m.cfg.SubmitRetries; i++ {
		if ctx.Err() != nil {
			break
		}
		logger.Warn("ambiguous order submission, querying venue",
			zap.String("symbol", req.Symbol),
			zap.String("client_id", req.ClientID),
			zap.Error(err),
		)
		q, qerr := m.ex.QueryOrder(ctx, req.Symbol, req.ClientID)
		switch {
		case qerr == nil:
			return q, nil
		case errors.Is(qerr, common.ErrOrderNotFound):
			res, err = m.ex.PlaceOrder(ctx, req)
		default:
			err = qerr
		}
	}
	return res, err
}

// awaitFill polls until the order is done or the fill timeout passes. A partial fill
// counts as filled at the executed quantity; the unfilled remainder is cancelled.
func (m *Manager) awaitFill(ctx context.Context, symbol, clientID string, res common.OrderResult) (common.OrderResult, error) {
	if res.Done() {
		if !res.Filled() {
			return res, fmt.Errorf("entry %s without fill", res.Status)
		}
		return res, nil
	}

	deadline := time.NewTimer(m.cfg.FillTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(m.cfg.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-deadline.C:
			if res.ExchangeOrderID != "" {
				if err := m.ex.CancelOrder(ctx, symbol, res.ExchangeOrderID); err != nil && !errors.Is(err, common.ErrOrderNotFound) {
					logger.Warn("cancel unfilled remainder", zap.String("symbol", symbol), zap.Error(err))
				}
			}
			if res.Filled() {
				return res, nil
			}
			return res, errors.New("entry not filled before timeout")
		case <-tick.C:
			q, err := m.ex.QueryOrder(ctx, symbol, clientID)
			if err != nil {
				logger.Debug("poll entry", zap.String("symbol", symbol), zap.Error(err))
				continue
			}
			res = q
			if res.Done() {
				if !res.Filled() {
					return res, fmt.Errorf("entry %s without fill", res.Status)
				}
				return res, nil
			}
		}
	}
}

func (m *Manager) markFilled(ctx context.Context, p *db.Position, qty, price float64, partial bool) error {
	p.Qty = qty
	p.EntryPrice = price
	if err := m.transition(ctx, p, StateFilled, fmt.Sprintf("qty=%v price=%v partial=%t", qty, price, partial)); err != nil {
		return err
	}
	m.recordFill(ctx, db.Fill{PositionID: p.ID, Symbol: p.Symbol, Side: p.Side, Kind: "entry", Qty: qty, Price: price})
	logger.Info("entry filled",
		zap.String("symbol", p.Symbol),
		zap.String("side", p.Side),
		zap.Float64("qty", qty),
		zap.Float64("price", price),
		zap.Bool("partial", partial),
	)
	return nil
}

// bracketPrices returns the stop and target trigger prices rounded away from entry.
func bracketPrices(p db.Position, f common.SymbolFilters) (stop, target float64) {
	if common.Side(p.Side) == common.SideBuy {
		stop = f.QuantizePrice(p.EntryPrice*(1-p.StopDistancePct), false)
		target = f.QuantizePrice(p.EntryPrice*(1+p.TakeProfitPct), true)
	} else {
		stop = f.QuantizePrice(p.EntryPrice*(1+p.StopDistancePct), true)
		target = f.QuantizePrice(p.EntryPrice*(1-p.TakeProfitPct), false)
	}
	return stop, target
}

// placeBracket places whichever reduce-only legs are missing. Each leg is retried
// BracketRetries times; if one is still missing the position becomes DEGRADED.
func (m *Manager) placeBracket(ctx context.Context, p *db.Position) error {
	const op = "order.placeBracket"
	f, err := m.filters.Get(ctx, p.Symbol)
	if err != nil {
		return m.degrade(ctx, p, "filters: "+err.Error())
	}
	p.StopPrice, p.TakeProfitPrice = bracketPrices(*p, f)
	if p.StopClientID == "" {
		p.StopClientID = risk.NewClientID()
	}
	if p.TakeProfitClientID == "" {
		p.TakeProfitClientID = risk.NewClientID()
	}
	p.BracketAttempts++

	exit := common.Side(p.Side).Opposite()
	var failures []string
	if p.StopOrderID == "" {
		id, err := m.placeLeg(ctx, common.OrderRequest{
			Symbol: p.Symbol, Side: exit, Type: common.OrderTypeStopMarket, Qty: p.Qty,
			StopPrice: p.StopPrice, ClientID: p.StopClientID, ReduceOnly: true, WorkingType: "MARK_PRICE",
		})
		if err != nil {
			failures = append(failures, "stop: "+err.Error())
		}
		p.StopOrderID = id
	}
	if p.TakeProfitOrderID == "" {
		id, err := m.placeLeg(ctx, common.OrderRequest{
			Symbol: p.Symbol, Side: exit, Type: common.OrderTypeTakeProfitMarket, Qty: p.Qty,
			StopPrice: p.TakeProfitPrice, ClientID: p.TakeProfitClientID, ReduceOnly: true, WorkingType: "MARK_PRICE",
		})
		if err != nil {
			failures = append(failures, "take_profit: "+err.Error())
		}
		p.TakeProfitOrderID = id
	}

	if len(failures) > 0 {
		detail := fmt.Sprintf("attempt=%d %v", p.BracketAttempts, failures)
		if err := m.degrade(ctx, p, detail); err != nil {
			return err
		}
		return errs.Ef(errs.KindBracket, op, errs.ErrBracketFailure, "%s %s", p.Symbol, detail)
	}
	return m.transition(ctx, p, StateBracketPlaced,
		fmt.Sprintf("stop=%v@%v take_profit=%v@%v", p.StopOrderID, p.StopPrice, p.TakeProfitOrderID, p.TakeProfitPrice))
}

func (m *Manager) placeLeg(ctx context.Context, req common.OrderRequest) (string, error) {
	var err error
	for i := 0; i <= m.cfg.BracketRetries; i++ {
		var res common.OrderResult
		res, err = m.submit(ctx, req)
		if err == nil && res.Accepted {
			return res.ExchangeOrderID, nil
		}
		if err == nil {
			err = fmt.Errorf("leg rejected (%s)", res.Status)
		}
		logger.Warn("bracket leg failed",
			zap.String("symbol", req.Symbol),
			zap.String("type", string(req.Type)),
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
	}
	return "", err
}

func (m *Manager) degrade(ctx context.Context, p *db.Position, detail string) error {
	if err := m.transition(ctx, p, StateDegraded, detail); err != nil {
		return err
	}
	logger.Error("position unprotected",
		zap.String("symbol", p.Symbol),
		zap.String("position_id", p.ID),
		zap.String("detail", detail),
	)
	m.emit(events.New(events.EventBracketDegraded, events.LevelAlert, p.Symbol, "bracket placement failed: "+detail).
		With("position_id", p.ID).With("attempts", p.BracketAttempts))
	return nil
}

// RetryDegraded re-attempts the bracket of every DEGRADED position and returns how
// many are now protected.
func (m *Manager) RetryDegraded(ctx context.Context) (int, error) {
	fixed := 0
	var firstErr error
	for _, p := range m.Active() {
		if State(p.State) != StateDegraded {
			continue
		}
		if err := m.placeBracket(ctx, &p); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		fixed++
	}
	return fixed, firstErr
}

// Sync checks bracket legs. When one leg has filled the sibling is cancelled, PnL is
// booked and the position closes.
func (m *Manager) Sync(ctx context.Context) error {
	var firstErr error
	for _, p := range m.Active() {
		if !State(p.State).Open() {
			continue
		}
		if err := m.syncOne(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) syncOne(ctx context.Context, p db.Position) error {
	legs := []struct {
		clientID, reason, kind string
		siblingID              string
	}{
		{p.StopClientID, ReasonStopLoss, "stop", p.TakeProfitOrderID},
		{p.TakeProfitClientID, ReasonTakeProfit, "take_profit", p.StopOrderID},
	}
	for _, leg := range legs {
		if leg.clientID == "" {
			continue
		}
		res, err := m.ex.QueryOrder(ctx, p.Symbol, leg.clientID)
		if errors.Is(err, common.ErrOrderNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("sync %s: %w", p.Symbol, err)
		}
		if !res.Filled() || !res.Done() {
			continue
		}
		if leg.siblingID != "" {
			m.cancelQuietly(ctx, p.Symbol, leg.siblingID)
		}
		price := res.AvgPrice
		if price <= 0 {
			price = p.StopPrice
			if leg.kind == "take_profit" {
				price = p.TakeProfitPrice
			}
		}
		return m.close(ctx, &p, res.FilledQty, price, leg.kind, leg.reason)
	}
	return nil
}

// Close flattens symbol with a reduce-only market order after cancelling its bracket.
func (m *Manager) Close(ctx context.Context, symbol, reason string) error {
	p, ok := m.Position(symbol)
	if !ok || !State(p.State).Open() {
		return fmt.Errorf("no open position for %s", symbol)
	}
	m.cancelQuietly(ctx, symbol, p.StopOrderID)
	m.cancelQuietly(ctx, symbol, p.TakeProfitOrderID)

	req := common.OrderRequest{
		Symbol:     symbol,
		Side:       common.Side(p.Side).Opposite(),
		Type:       common.OrderTypeMarket,
		Qty:        p.Qty,
		ClientID:   risk.NewClientID(),
		ReduceOnly: true,
	}
	res, err := m.submit(ctx, req)
	if err != nil {
		return fmt.Errorf("close %s: %w", symbol, err)
	}
	res, err = m.awaitFill(ctx, symbol, req.ClientID, res)
	if err != nil {
		return fmt.Errorf("close %s: %w", symbol, err)
	}
	return m.close(ctx, &p, res.FilledQty, entryPrice(res, p.EntryPrice), "close", reason)
}

// ForceFilled marks a REQUESTED or SUBMITTED position filled at the venue's quantity
// and places its bracket.
func (m *Manager) ForceFilled(ctx context.Context, symbol string, qty, price float64, detail string) error {
	p, ok := m.Position(symbol)
	if !ok {
		return fmt.Errorf("no tracked position for %s", symbol)
	}
	if State(p.State) == StateRequested {
		if err := m.transition(ctx, &p, StateSubmitted, detail); err != nil {
			return err
		}
	}
	if err := m.markFilled(ctx, &p, qty, price, qty < p.RequestedQty); err != nil {
		return err
	}
	return m.placeBracket(ctx, &p)
}

// ForceClosed closes a position the venue no longer holds without booking PnL.
func (m *Manager) ForceClosed(ctx context.Context, symbol, reason string) error {
	p, ok := m.Position(symbol)
	if !ok {
		return fmt.Errorf("no tracked position for %s", symbol)
	}
	if !State(p.State).Open() {
		m.fail(ctx, &p, reason)
		return nil
	}
	m.cancelQuietly(ctx, symbol, p.StopOrderID)
	m.cancelQuietly(ctx, symbol, p.TakeProfitOrderID)
	p.CloseReason = reason
	return m.transition(ctx, &p, StateClosed, reason)
}

func (m *Manager) close(ctx context.Context, p *db.Position, qty, price float64, kind, reason string) error {
	dir := 1.0
	if common.Side(p.Side) == common.SideSell {
		dir = -1
	}
	pnl := (price - p.EntryPrice) * qty * dir
	p.RealizedPnL += pnl
	p.CloseReason = reason
	if err := m.transition(ctx, p, StateClosed, fmt.Sprintf("%s qty=%v price=%v pnl=%.4f", reason, qty, price, pnl)); err != nil {
		return err
	}
	m.recordFill(ctx, db.Fill{PositionID: p.ID, Symbol: p.Symbol, Side: string(common.Side(p.Side).Opposite()), Kind: kind, Qty: qty, Price: price, PnL: pnl})
	if m.book != nil {
		if _, err := m.book.ApplyPnL(ctx, pnl); err != nil {
			logger.Error("book pnl", zap.String("symbol", p.Symbol), zap.Error(err))
		}
	}
	logger.Info("position closed",
		zap.String("symbol", p.Symbol),
		zap.String("reason", reason),
		zap.Float64("pnl", pnl),
	)
	m.emit(events.New(events.EventPositionClosed, events.LevelInfo, p.Symbol,
		fmt.Sprintf("%s closed by %s, pnl %.2f", p.Symbol, reason, pnl)).With("pnl", pnl))
	return nil
}

func (m *Manager) cancelQuietly(ctx context.Context, symbol, orderID string) {
	if orderID == "" {
		return
	}
	if err := m.ex.CancelOrder(ctx, symbol, orderID); err != nil && !errors.Is(err, common.ErrOrderNotFound) {
		logger.Warn("cancel bracket leg", zap.String("symbol", symbol), zap.String("order_id", orderID), zap.Error(err))
	}
}

func (m *Manager) fail(ctx context.Context, p *db.Position, detail string) {
	if err := m.transition(ctx, p, StateFailed, detail); err != nil {
		logger.Error("record failed entry", zap.String("symbol", p.Symbol), zap.Error(err))
	}
	logger.Warn("entry failed", zap.String("symbol", p.Symbol), zap.String("detail", detail))
}

// transition persists p in state to and only then applies it in memory. When the
// database write fails the transition goes to the journal and durability is reduced;
// if both fail the transition does not happen.
func (m *Manager) transition(ctx context.Context, p *db.Position, to State, detail string) error {
	from := State(p.State)
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	next := *p
	next.State = string(to)
	next.UpdatedAt = m.now().UTC()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = next.UpdatedAt
	}

	if err := m.persist(ctx, next, string(from), detail); err != nil {
		return err
	}
	*p = next

	m.mu.Lock()
	if to.Terminal() {
		delete(m.positions, p.Symbol)
	} else {
		m.positions[p.Symbol] = next
	}
	m.mu.Unlock()

	if m.book != nil {
		var err error
		if to.Terminal() {
			err = m.book.Remove(ctx, p.Symbol)
		} else {
			err = m.book.Upsert(ctx, next)
		}
		if err != nil {
			logger.Warn("update position book", zap.String("symbol", p.Symbol), zap.Error(err))
		}
	}
	logger.Debug("transition",
		zap.String("symbol", p.Symbol),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("detail", detail),
	)
	return nil
}

func (m *Manager) persist(ctx context.Context, p db.Position, from, detail string) error {
	err := m.store.RecordTransition(ctx, p, from, detail)
	if err == nil {
		return nil
	}
	logger.Error("persist transition", zap.String("symbol", p.Symbol), zap.String("to", p.State), zap.Error(err))
	if m.journal == nil {
		return errs.E(errs.KindPersistence, "order.persist", fmt.Errorf("%w: %v", errs.ErrPersistence, err))
	}
	if jerr := m.journal.Append(p, from, detail); jerr != nil {
		return errs.E(errs.KindPersistence, "order.persist", fmt.Errorf("%w: %v; journal: %v", errs.ErrPersistence, err, jerr))
	}
	if m.book != nil {
		m.book.MarkReducedDurability()
	}
	return nil
}

func (m *Manager) recordFill(ctx context.Context, f db.Fill) {
	f.CreatedAt = m.now().UTC()
	if err := m.store.InsertFill(ctx, f); err != nil {
		logger.Error("persist fill", zap.String("symbol", f.Symbol), zap.Error(err))
	}
}

func (m *Manager) emit(n events.Notification) {
	if m.pub != nil {
		m.pub.Emit(n)
	}
}

// DrainJournal replays journaled transitions into the store once it accepts
// writes again and clears the reduced durability flag on success.
func (m *Manager) DrainJournal(ctx context.Context) (int, error) {
	if m.journal == nil || m.journal.Pending() == 0 {
		return 0, nil
	}
	n, err := m.journal.Replay(ctx, m.store)
	if err != nil {
		return n, errs.E(errs.KindPersistence, "order.drain", err)
	}
	if m.book != nil {
		m.book.ClearReducedDurability()
	}
	return n, nil
}
