// Package universe chooses which symbols the cycle may enter.
package universe

import (
	"sort"

	"risk-engine/internal/strategy"
	"risk-engine/pkg/config"
	"risk-engine/pkg/exchanges/common"
)

// Candidate is one symbol's cycle view.
type Candidate struct {
	Symbol  string
	Signal  strategy.Signal
	Ticker  common.Ticker
	Filters common.SymbolFilters
	// Budget is the notional the risk manager would size this entry to.
	Budget float64
}

// Rejection explains why a candidate was filtered out.
type Rejection struct {
	Symbol string
	Reason string
}

// Selector filters and ranks candidates.
type Selector struct {
	cfg         config.Universe
	minNotional float64
}

// NewSelector creates a selector; minNotional is the configured floor on top of the
// exchange's own filter.
func NewSelector(cfg config.Universe, minNotional float64) *Selector {
	return &Selector{cfg: cfg, minNotional: minNotional}
}

// Symbols returns the static universe minus exclusions, preserving configured order.
func (s *Selector) Symbols() []string {
	excluded := make(map[string]bool, len(s.cfg.ExcludeSymbols))
	for _, sym := range s.cfg.ExcludeSymbols {
		excluded[sym] = true
	}
	out := make([]string, 0, len(s.cfg.Symbols))
	seen := make(map[string]bool, len(s.cfg.Symbols))
	for _, sym := range s.cfg.Symbols {
		if excluded[sym] || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}

// Select drops HOLD, illiquid, wide-spread and infeasible candidates, then ranks the
// rest by 24h quote volume, |score| and symbol name and returns at most k. It never
// pads the result with rejected candidates.
func (s *Selector) Select(cands []Candidate, k int) ([]Candidate, []Rejection) {
	var (
		kept     []Candidate
		rejected []Rejection
	)
	for _, c := range cands {
		if reason := s.reject(c); reason != "" {
			rejected = append(rejected, Rejection{Symbol: c.Symbol, Reason: reason})
			continue
		}
		kept = append(kept, c)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.Ticker.QuoteVolume24h != b.Ticker.QuoteVolume24h {
			return a.Ticker.QuoteVolume24h > b.Ticker.QuoteVolume24h
		}
		if a.Signal.Confidence != b.Signal.Confidence {
			return a.Signal.Confidence > b.Signal.Confidence
		}
		return a.Symbol < b.Symbol
	})

	if k < 0 {
		k = 0
	}
	if len(kept) > k {
		for _, c := range kept[k:] {
			rejected = append(rejected, Rejection{Symbol: c.Symbol, Reason: "ranked out"})
		}
		kept = kept[:k]
	}
	return kept, rejected
}

func (s *Selector) reject(c Candidate) string {
	switch {
	case c.Signal.Direction == strategy.Hold:
		return "hold"
	case s.cfg.MinQuoteVolume > 0 && c.Ticker.QuoteVolume24h < s.cfg.MinQuoteVolume:
		return "volume"
	case s.cfg.MaxSpreadBps > 0 && c.Ticker.SpreadBps() > s.cfg.MaxSpreadBps:
		return "spread"
	case !s.feasible(c):
		return "infeasible"
	}
	return ""
}

func (s *Selector) feasible(c Candidate) bool {
	price := c.Signal.Price
	if price <= 0 {
		price = c.Ticker.LastPrice
	}
	if price <= 0 || c.Budget <= 0 {
		return false
	}
	qty := c.Filters.QuantizeQty(c.Budget / price)
	return c.Filters.Feasible(qty, price) && qty*price >= s.minNotional
}
