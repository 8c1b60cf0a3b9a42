package strategy

import (
	"fmt"
	"math"

	"risk-engine/pkg/config"
)

// Direction is the advisory trade direction.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
	Hold Direction = "HOLD"
)

// Signal is a decision emitted for one symbol in one cycle. It is advisory and never
// persisted beyond the cycle that produced it.
type Signal struct {
	Symbol          string    `json:"symbol"`
	Direction       Direction `json:"direction"`
	Score           float64   `json:"score"`
	StopDistancePct float64   `json:"stop_distance_pct"` // decimal, 0.0035 = 0.35%
	TakeProfitPct   float64   `json:"take_profit_pct"`
	Confidence      float64   `json:"confidence"`
	Price           float64   `json:"price"`
	Note            string    `json:"note,omitempty"`
}

// Trend carries the filters the decision rule checks alongside the score.
type Trend struct {
	FastEMA float64
	SlowEMA float64
	RSI     float64
	ATR     float64
	Price   float64
}

// Generator turns a score and trend filters into a Signal.
type Generator struct {
	cfg config.Signal
}

// NewGenerator creates a generator. cfg is assumed validated (k_tp > k_sl, bounds ordered).
func NewGenerator(cfg config.Signal) *Generator {
	return &Generator{cfg: cfg}
}

// Generate applies the entry rule:
//
//	BUY  score >= T  and fast EMA > slow EMA and RSI > 50
//	SELL score <= -T and fast EMA < slow EMA and RSI < 50
//
// and HOLD otherwise. The threshold comparison is inclusive. Stop and target distances
// are ATR multiples of price clamped to their configured bounds.
func (g *Generator) Generate(symbol string, score float64, t Trend) Signal {
	sig := Signal{
		Symbol:     symbol,
		Direction:  Hold,
		Score:      score,
		Confidence: math.Abs(score),
		Price:      t.Price,
	}
	if t.Price > 0 && t.ATR > 0 {
		atrPct := t.ATR / t.Price
		sig.StopDistancePct = clamp(g.cfg.KSL*atrPct, g.cfg.SLMinPct, g.cfg.SLMaxPct)
		sig.TakeProfitPct = clamp(g.cfg.KTP*atrPct, g.cfg.TPMinPct, g.cfg.TPMaxPct)
	} else {
		sig.Note = "no price/atr"
		return sig
	}

	T := g.cfg.ScoreThreshold
	switch {
	case score >= T && t.FastEMA > t.SlowEMA && t.RSI > 50:
		sig.Direction = Buy
	case score <= -T && t.FastEMA < t.SlowEMA && t.RSI < 50:
		sig.Direction = Sell
	default:
		sig.Note = fmt.Sprintf("score=%.3f ema_fast>slow=%t rsi=%.1f", score, t.FastEMA > t.SlowEMA, t.RSI)
	}
	return sig
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
