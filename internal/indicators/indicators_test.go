package indicators

import (
	"errors"
	"math"
	"testing"

	"risk-engine/internal/market"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/exchanges/common"
)

var params = Params{EMAFast: 9, EMASlow: 21, RSIPeriod: 14, ATRPeriod: 14}

func trendWindow(t *testing.T, n int, step float64) market.Window {
	t.Helper()
	bars := make([]common.Kline, n)
	px := 100.0
	for i := range bars {
		next := px + step
		bars[i] = common.Kline{OpenTime: int64(i), Open: px, High: math.Max(px, next) + 0.5, Low: math.Min(px, next) - 0.5, Close: next, Volume: 10}
		px = next
	}
	w, err := market.NewWindow("TEST", bars)
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	return w
}

func TestComputeUptrend(t *testing.T) {
	s, err := Compute(trendWindow(t, 120, 0.2), params)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if s.FastEMA <= s.SlowEMA {
		t.Fatalf("fast=%v slow=%v, expected fast above slow in an uptrend", s.FastEMA, s.SlowEMA)
	}
	if s.RSI <= 50 {
		t.Fatalf("RSI=%v, expected > 50", s.RSI)
	}
	if s.ATR <= 0 || s.Price <= s.VWAP {
		t.Fatalf("snapshot=%s", s)
	}
}

func TestComputeDowntrend(t *testing.T) {
	s, err := Compute(trendWindow(t, 120, -0.2), params)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if s.FastEMA >= s.SlowEMA || s.RSI >= 50 {
		t.Fatalf("snapshot=%s, expected bearish ordering", s)
	}
}

func TestComputeShortWindow(t *testing.T) {
	_, err := Compute(trendWindow(t, 10, 0.2), params)
	if !errors.Is(err, errs.ErrInsufficientData) {
		t.Fatalf("err=%v, expected ErrInsufficientData", err)
	}
}

func TestVWAPFallsBackWithoutVolume(t *testing.T) {
	got := VWAP([]float64{2, 3}, []float64{1, 2}, []float64{1.5, 2.5}, []float64{0, 0}, 5)
	if got != 2.5 {
		t.Fatalf("VWAP=%v, expected last close 2.5", got)
	}
}
