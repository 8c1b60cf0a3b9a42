package risk

import (
	"risk-engine/internal/strategy"
	"risk-engine/pkg/exchanges/common"
)

// Decision is an approved, sized entry.
type Decision struct {
	Order            common.OrderRequest `json:"order"`
	Signal           strategy.Signal     `json:"signal"`
	EffectiveCapital float64             `json:"effective_capital"`
	RawNotional      float64             `json:"raw_notional"`
	Notional         float64             `json:"notional"` // qty * price after step flooring
}

// Exposure is the open-position view the manager checks against.
type Exposure struct {
	Count   int
	Symbols map[string]bool
}

// NewExposure builds an Exposure from open position symbols.
func NewExposure(symbols ...string) Exposure {
	e := Exposure{Symbols: make(map[string]bool, len(symbols))}
	for _, s := range symbols {
		if !e.Symbols[s] {
			e.Symbols[s] = true
			e.Count++
		}
	}
	return e
}

// Has reports whether symbol already has an open position.
func (e Exposure) Has(symbol string) bool {
	return e.Symbols[symbol]
}
