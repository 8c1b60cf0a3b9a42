package common

import "github.com/shopspring/decimal"

// FloorToStep rounds v toward zero to a multiple of step. A non-positive step returns v.
func FloorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	s := decimal.NewFromFloat(step)
	return d.Div(s).Truncate(0).Mul(s).InexactFloat64()
}

// CeilToStep rounds v up (away from zero for positive v) to a multiple of step.
func CeilToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	s := decimal.NewFromFloat(step)
	return d.Div(s).Ceil().Mul(s).InexactFloat64()
}

// QuantizeQty floors a quantity to the symbol's step size.
func (f SymbolFilters) QuantizeQty(qty float64) float64 {
	if qty <= 0 {
		return 0
	}
	return FloorToStep(qty, f.StepSize)
}

// QuantizePrice rounds a price to the tick size. up selects the rounding direction so
// callers can keep protective prices on the conservative side of the raw value.
func (f SymbolFilters) QuantizePrice(price float64, up bool) float64 {
	if up {
		return CeilToStep(price, f.TickSize)
	}
	return FloorToStep(price, f.TickSize)
}

// Feasible reports whether qty at price clears both the quantity and notional minimums.
func (f SymbolFilters) Feasible(qty, price float64) bool {
	if qty <= 0 || qty < f.MinQty {
		return false
	}
	return qty*price >= f.MinNotional
}
