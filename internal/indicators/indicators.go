// Package indicators computes the technical inputs the feature extractor and signal
// generator consume. EMA, RSI and ATR are delegated to go-talib.
package indicators

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"risk-engine/internal/market"
	"risk-engine/pkg/errs"
)

// Params selects indicator lookbacks.
type Params struct {
	EMAFast   int
	EMASlow   int
	RSIPeriod int
	ATRPeriod int
}

// Required returns the shortest series every indicator can be computed on.
func (p Params) Required() int {
	n := p.EMASlow
	for _, v := range []int{p.EMAFast, p.RSIPeriod + 1, p.ATRPeriod + 1} {
		if v > n {
			n = v
		}
	}
	return n
}

// Snapshot is the latest value of each indicator plus the series the features need.
type Snapshot struct {
	Price   float64
	FastEMA float64
	SlowEMA float64
	RSI     float64
	ATR     float64
	VWAP    float64

	ATRSeries []float64 // aligned with the window; leading warm-up values are zero
}

// Compute evaluates all indicators on w.
func Compute(w market.Window, p Params) (Snapshot, error) {
	if w.Len() < p.Required() {
		return Snapshot{}, errs.Ef(errs.KindData, "indicators", errs.ErrInsufficientData,
			"%s has %d bars, need %d", w.Symbol, w.Len(), p.Required())
	}
	closes := w.Closes()
	highs := w.Highs()
	lows := w.Lows()

	atr := talib.Atr(highs, lows, closes, p.ATRPeriod)
	s := Snapshot{
		Price:     w.Price(),
		FastEMA:   Last(talib.Ema(closes, p.EMAFast)),
		SlowEMA:   Last(talib.Ema(closes, p.EMASlow)),
		RSI:       Last(talib.Rsi(closes, p.RSIPeriod)),
		ATR:       Last(atr),
		VWAP:      VWAP(highs, lows, closes, w.Volumes(), p.EMASlow),
		ATRSeries: atr,
	}
	if s.ATR <= 0 {
		return Snapshot{}, errs.Ef(errs.KindData, "indicators", errs.ErrInvalidData, "%s: zero ATR", w.Symbol)
	}
	return s, nil
}

// VWAP returns the volume-weighted typical price over the last n bars. With no
// volume it falls back to the last close.
func VWAP(highs, lows, closes, volumes []float64, n int) float64 {
	if len(closes) == 0 {
		return 0
	}
	start := len(closes) - n
	if start < 0 {
		start = 0
	}
	var pv, v float64
	for i := start; i < len(closes); i++ {
		tp := (highs[i] + lows[i] + closes[i]) / 3
		pv += tp * volumes[i]
		v += volumes[i]
	}
	if v == 0 {
		return closes[len(closes)-1]
	}
	return pv / v
}

// Last returns the final element of xs, or 0 when empty.
func Last(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[len(xs)-1]
}

func (s Snapshot) String() string {
	return fmt.Sprintf("price=%.4f ema_fast=%.4f ema_slow=%.4f rsi=%.2f atr=%.4f vwap=%.4f",
		s.Price, s.FastEMA, s.SlowEMA, s.RSI, s.ATR, s.VWAP)
}
