package market

import (
	"context"
	"fmt"
	"math"

	"risk-engine/pkg/errs"
	"risk-engine/pkg/exchanges/common"
)

// Window is an ordered, fixed-lookback OHLCV sequence for one symbol. It is captured
// once per cycle and never mutated afterwards.
type Window struct {
	Symbol string
	bars   []common.Kline
}

// NewWindow validates bars and takes a private copy. Bars must be in ascending open
// time with finite, positive prices.
func NewWindow(symbol string, bars []common.Kline) (Window, error) {
	for i, b := range bars {
		if !finitePositive(b.Open, b.High, b.Low, b.Close) || b.High < b.Low || b.Volume < 0 || math.IsNaN(b.Volume) {
			return Window{}, errs.Ef(errs.KindData, "market.window", errs.ErrInvalidData, "%s bar %d: %+v", symbol, i, b)
		}
		if i > 0 && b.OpenTime <= bars[i-1].OpenTime {
			return Window{}, errs.Ef(errs.KindData, "market.window", errs.ErrInvalidData, "%s bars out of order at %d", symbol, i)
		}
	}
	cp := make([]common.Kline, len(bars))
	copy(cp, bars)
	return Window{Symbol: symbol, bars: cp}, nil
}

func finitePositive(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return false
		}
	}
	return true
}

// Len returns the number of bars.
func (w Window) Len() int { return len(w.bars) }

// Last returns the most recent bar.
func (w Window) Last() common.Kline {
	if len(w.bars) == 0 {
		return common.Kline{}
	}
	return w.bars[len(w.bars)-1]
}

// Price is the last close.
func (w Window) Price() float64 { return w.Last().Close }

// Closes returns a fresh slice of close prices.
func (w Window) Closes() []float64 { return w.column(func(k common.Kline) float64 { return k.Close }) }

// Highs returns a fresh slice of high prices.
func (w Window) Highs() []float64 { return w.column(func(k common.Kline) float64 { return k.High }) }

// Lows returns a fresh slice of low prices.
func (w Window) Lows() []float64 { return w.column(func(k common.Kline) float64 { return k.Low }) }

// Volumes returns a fresh slice of base volumes.
func (w Window) Volumes() []float64 { return w.column(func(k common.Kline) float64 { return k.Volume }) }

func (w Window) column(f func(common.Kline) float64) []float64 {
	out := make([]float64, len(w.bars))
	for i, b := range w.bars {
		out[i] = f(b)
	}
	return out
}

// Source captures windows from a market data collaborator.
type Source struct {
	md        common.MarketData
	timeframe string
	lookback  int
}

// NewSource creates a window source.
func NewSource(md common.MarketData, timeframe string, lookback int) *Source {
	return &Source{md: md, timeframe: timeframe, lookback: lookback}
}

// Capture fetches the latest lookback bars for symbol as an immutable window.
func (s *Source) Capture(ctx context.Context, symbol string) (Window, error) {
	bars, err := s.md.FetchOHLCV(ctx, symbol, s.timeframe, s.lookback)
	if err != nil {
		return Window{}, fmt.Errorf("fetch ohlcv %s: %w", symbol, err)
	}
	return NewWindow(symbol, bars)
}
