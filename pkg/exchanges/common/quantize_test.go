package common

import "testing"

func TestFloorToStepNeverRoundsUp(t *testing.T) {
	tests := []struct {
		v, step, want float64
	}{
		{0.0349, 0.001, 0.034},
		{5714.2857, 0.001, 5714.285},
		{1.0, 0.1, 1.0},
		{0.3, 0.1, 0.3},
		{0.00099, 0.001, 0},
		{12.5, 0, 12.5},
		{123.456, 5, 120},
	}
	for _, tt := range tests {
		got := FloorToStep(tt.v, tt.step)
		if got != tt.want {
			t.Fatalf("FloorToStep(%v, %v)=%v, expected %v", tt.v, tt.step, got, tt.want)
		}
		if got > tt.v {
			t.Fatalf("FloorToStep(%v, %v)=%v exceeds input", tt.v, tt.step, got)
		}
	}
}

func TestQuantizePriceDirection(t *testing.T) {
	f := SymbolFilters{TickSize: 0.1}
	if got := f.QuantizePrice(100.04, false); got != 100.0 {
		t.Fatalf("down=%v, expected 100.0", got)
	}
	if got := f.QuantizePrice(100.04, true); got != 100.1 {
		t.Fatalf("up=%v, expected 100.1", got)
	}
	if got := f.QuantizePrice(100.1, true); got != 100.1 {
		t.Fatalf("exact up=%v, expected 100.1", got)
	}
}

func TestFeasible(t *testing.T) {
	f := SymbolFilters{MinQty: 0.001, MinNotional: 5, StepSize: 0.001}
	tests := []struct {
		name       string
		qty, price float64
		want       bool
	}{
		{"ok", 0.002, 30000, true},
		{"below min qty", 0.0009, 30000, false},
		{"below min notional", 0.001, 1000, false},
		{"zero", 0, 30000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Feasible(tt.qty, tt.price); got != tt.want {
				t.Fatalf("Feasible=%v, expected %v", got, tt.want)
			}
		})
	}
}

func TestSpreadBps(t *testing.T) {
	tk := Ticker{BidPrice: 99.95, AskPrice: 100.05}
	got := tk.SpreadBps()
	if got < 9.99 || got > 10.01 {
		t.Fatalf("SpreadBps=%v, expected ~10", got)
	}
}
