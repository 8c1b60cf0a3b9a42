// Package features turns a market window into the normalized scalars the scorer
// combines. Extraction is pure: identical windows give identical vectors.
package features

import (
	"math"

	"risk-engine/internal/indicators"
	"risk-engine/internal/market"
	"risk-engine/pkg/errs"
)

// Feature names, also the keys of scorer weight vectors.
const (
	Momentum      = "momentum"
	RSICentered   = "rsi_centered"
	VWAPDeviation = "vwap_deviation"
	ATRRegime     = "atr_regime"
	MicroTrend    = "micro_trend"
)

// Names lists every feature in a stable order.
var Names = []string{Momentum, RSICentered, VWAPDeviation, ATRRegime, MicroTrend}

// clipATR bounds ATR-scaled distances before they are mapped to [-1, 1].
const clipATR = 3.0

// microBars is the lookback of the short price slope.
const microBars = 10

// Vector holds one value per feature. atr_regime is in [0, 1]; the rest in [-1, 1].
type Vector struct {
	Momentum      float64 `json:"momentum"`
	RSICentered   float64 `json:"rsi_centered"`
	VWAPDeviation float64 `json:"vwap_deviation"`
	ATRRegime     float64 `json:"atr_regime"`
	MicroTrend    float64 `json:"micro_trend"`
}

// Get returns the value of a named feature.
func (v Vector) Get(name string) (float64, bool) {
	switch name {
	case Momentum:
		return v.Momentum, true
	case RSICentered:
		return v.RSICentered, true
	case VWAPDeviation:
		return v.VWAPDeviation, true
	case ATRRegime:
		return v.ATRRegime, true
	case MicroTrend:
		return v.MicroTrend, true
	}
	return 0, false
}

// Result bundles the feature vector with the indicator snapshot it was derived from,
// so the signal generator reuses the same EMA/RSI/ATR values.
type Result struct {
	Vector    Vector
	Snapshot  indicators.Snapshot
	Symbol    string
	BarsCount int
}

// Extractor computes feature vectors.
type Extractor struct {
	params  indicators.Params
	minBars int
}

// NewExtractor creates an extractor requiring at least minBars bars.
func NewExtractor(params indicators.Params, minBars int) *Extractor {
	if r := params.Required(); minBars < r {
		minBars = r
	}
	return &Extractor{params: params, minBars: minBars}
}

// MinBars is the minimum window length Extract accepts.
func (e *Extractor) MinBars() int { return e.minBars }

// Extract computes the feature vector. A short window fails with ErrInsufficientData;
// callers skip the symbol rather than scoring defaults.
func (e *Extractor) Extract(w market.Window) (Result, error) {
	if w.Len() < e.minBars {
		return Result{}, errs.Ef(errs.KindData, "features", errs.ErrInsufficientData,
			"%s has %d bars, need %d", w.Symbol, w.Len(), e.minBars)
	}
	snap, err := indicators.Compute(w, e.params)
	if err != nil {
		return Result{}, err
	}

	v := Vector{
		Momentum:      clipScale((snap.FastEMA-snap.SlowEMA)/snap.ATR, clipATR),
		RSICentered:   clamp((snap.RSI-50)/50, -1, 1),
		VWAPDeviation: clipScale((snap.Price-snap.VWAP)/snap.ATR, clipATR),
		ATRRegime:     minMaxPosition(snap.ATRSeries[e.params.ATRPeriod:]),
		MicroTrend:    clipScale(slope(lastN(w.Closes(), microBars))*microBars/snap.ATR, clipATR),
	}
	for _, name := range Names {
		if x, _ := v.Get(name); math.IsNaN(x) || math.IsInf(x, 0) {
			return Result{}, errs.Ef(errs.KindData, "features", errs.ErrInvalidData, "%s: %s not finite", w.Symbol, name)
		}
	}
	return Result{Vector: v, Snapshot: snap, Symbol: w.Symbol, BarsCount: w.Len()}, nil
}

// clipScale clips x to [-limit, limit] and scales it to [-1, 1].
func clipScale(x, limit float64) float64 {
	return clamp(x, -limit, limit) / limit
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// minMaxPosition places the last value within the min-max range of xs, in [0, 1].
func minMaxPosition(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if hi == lo {
		return 0.5
	}
	return (xs[len(xs)-1] - lo) / (hi - lo)
}

// slope is the least-squares slope of ys against their index.
func slope(ys []float64) float64 {
	n := float64(len(ys))
	if n < 2 {
		return 0
	}
	var sx, sy, sxy, sxx float64
	for i, y := range ys {
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

func lastN(xs []float64, n int) []float64 {
	if len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}
