package strategy

import (
	"testing"

	"risk-engine/pkg/config"
)

var signalCfg = config.Signal{
	ScoreThreshold: 0.25,
	KSL:            1.0,
	KTP:            1.8,
	SLMinPct:       0.002,
	SLMaxPct:       0.02,
	TPMinPct:       0.003,
	TPMaxPct:       0.04,
}

func TestGenerateDirection(t *testing.T) {
	bull := Trend{FastEMA: 101, SlowEMA: 100, RSI: 55, ATR: 0.35, Price: 100}
	bear := Trend{FastEMA: 99, SlowEMA: 100, RSI: 45, ATR: 0.35, Price: 100}

	tests := []struct {
		name  string
		score float64
		trend Trend
		want  Direction
	}{
		{"buy above threshold", 0.30, bull, Buy},
		{"hold below threshold", 0.20, bull, Hold},
		{"buy exactly at threshold", 0.25, bull, Buy},
		{"sell exactly at negative threshold", -0.25, bear, Sell},
		{"strong score but bearish ema", 0.9, Trend{FastEMA: 99, SlowEMA: 100, RSI: 60, ATR: 0.35, Price: 100}, Hold},
		{"strong score but rsi at midpoint", 0.9, Trend{FastEMA: 101, SlowEMA: 100, RSI: 50, ATR: 0.35, Price: 100}, Hold},
		{"negative score bullish trend", -0.9, bull, Hold},
		{"sell", -0.6, bear, Sell},
	}
	g := NewGenerator(signalCfg)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.Generate("BTCUSDT", tt.score, tt.trend)
			if got.Direction != tt.want {
				t.Fatalf("Direction=%v, expected %v", got.Direction, tt.want)
			}
			if got.Confidence < 0 || got.Confidence > 1 {
				t.Fatalf("Confidence=%v", got.Confidence)
			}
		})
	}
}

func TestGenerateBracketDistances(t *testing.T) {
	g := NewGenerator(signalCfg)
	tests := []struct {
		name           string
		atr            float64
		wantSL, wantTP float64
	}{
		{"in range", 0.35, 0.0035, 0.0063},
		{"clamped low", 0.05, 0.002, 0.003},
		{"clamped high", 5, 0.02, 0.04},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.Generate("BTCUSDT", 0.3, Trend{FastEMA: 2, SlowEMA: 1, RSI: 60, ATR: tt.atr, Price: 100})
			if !near(got.StopDistancePct, tt.wantSL) || !near(got.TakeProfitPct, tt.wantTP) {
				t.Fatalf("sl=%v tp=%v, expected %v %v", got.StopDistancePct, got.TakeProfitPct, tt.wantSL, tt.wantTP)
			}
			if got.TakeProfitPct < got.StopDistancePct {
				t.Fatalf("take profit %v below stop %v", got.TakeProfitPct, got.StopDistancePct)
			}
		})
	}
}

func TestGenerateWithoutATRHolds(t *testing.T) {
	got := NewGenerator(signalCfg).Generate("BTCUSDT", 0.9, Trend{FastEMA: 2, SlowEMA: 1, RSI: 60})
	if got.Direction != Hold {
		t.Fatalf("Direction=%v, expected HOLD without atr", got.Direction)
	}
}

func near(a, b float64) bool {
	d := a - b
	return d < 1e-12 && d > -1e-12
}
