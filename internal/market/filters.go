package market

import (
	"context"
	"fmt"
	"time"

	"risk-engine/pkg/cache"
	"risk-engine/pkg/exchanges/common"
)

// FilterCache serves symbol filters from a TTL cache in front of the exchange.
type FilterCache struct {
	md    common.MarketData
	cache *cache.Sharded[common.SymbolFilters]
}

// NewFilterCache creates a cache whose entries live for ttl.
func NewFilterCache(md common.MarketData, ttl time.Duration) *FilterCache {
	return &FilterCache{md: md, cache: cache.NewSharded[common.SymbolFilters](ttl)}
}

// Get returns cached filters or fetches them.
func (f *FilterCache) Get(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	if sf, ok := f.cache.Get(symbol); ok {
		return sf, nil
	}
	sf, err := f.md.FetchSymbolFilters(ctx, symbol)
	if err != nil {
		return common.SymbolFilters{}, fmt.Errorf("symbol filters %s: %w", symbol, err)
	}
	f.cache.Set(symbol, sf)
	return sf, nil
}

// Prune drops expired entries.
func (f *FilterCache) Prune() int {
	return f.cache.Cleanup()
}
