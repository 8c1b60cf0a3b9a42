package futures_usdt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"risk-engine/pkg/exchanges/common"
)

// FetchOHLCV fetches the most recent klines from the public endpoint, oldest first.
func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]common.Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doPublic(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	klines := make([]common.Kline, 0, len(raw))
	for _, item := range raw {
		// Binance returns 12 fields per kline
		if len(item) < 8 {
			continue
		}
		klines = append(klines, common.Kline{
			OpenTime:    toInt64(item[0]),
			Open:        toFloat(item[1]),
			High:        toFloat(item[2]),
			Low:         toFloat(item[3]),
			Close:       toFloat(item[4]),
			Volume:      toFloat(item[5]),
			CloseTime:   toInt64(item[6]),
			QuoteVolume: toFloat(item[7]),
		})
	}
	return klines, nil
}

// FetchSymbolFilters returns LOT_SIZE, PRICE_FILTER and MIN_NOTIONAL for symbol. The
// exchangeInfo payload covers every symbol, so one fetch fills the local table.
func (c *Client) FetchSymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	c.filtersMu.RLock()
	f, ok := c.filters[symbol]
	c.filtersMu.RUnlock()
	if ok {
		return f, nil
	}

	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return common.SymbolFilters{}, err
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return common.SymbolFilters{}, fmt.Errorf("decode exchange info: %w", err)
	}

	table := make(map[string]common.SymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		sf := common.SymbolFilters{Symbol: s.Symbol}
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "LOT_SIZE":
				sf.MinQty = parseFloat(flt.MinQty)
				sf.StepSize = parseFloat(flt.StepSize)
			case "PRICE_FILTER":
				sf.TickSize = parseFloat(flt.TickSize)
			case "MIN_NOTIONAL":
				sf.MinNotional = parseFloat(flt.Notional)
			}
		}
		table[s.Symbol] = sf
	}

	c.filtersMu.Lock()
	c.filters = table
	c.filtersMu.Unlock()

	f, ok = table[symbol]
	if !ok {
		return common.SymbolFilters{}, fmt.Errorf("symbol %s not listed", symbol)
	}
	return f, nil
}

// FetchTicker combines the 24h statistics with the current book top.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doPublic(ctx, "/fapi/v1/ticker/24hr", params)
	if err != nil {
		return common.Ticker{}, err
	}
	var stats ticker24h
	if err := json.Unmarshal(body, &stats); err != nil {
		return common.Ticker{}, fmt.Errorf("decode 24h ticker: %w", err)
	}

	body, err = c.doPublic(ctx, "/fapi/v1/ticker/bookTicker", params)
	if err != nil {
		return common.Ticker{}, err
	}
	var book bookTicker
	if err := json.Unmarshal(body, &book); err != nil {
		return common.Ticker{}, fmt.Errorf("decode book ticker: %w", err)
	}

	return common.Ticker{
		Symbol:         symbol,
		LastPrice:      parseFloat(stats.LastPrice),
		BidPrice:       parseFloat(book.BidPrice),
		AskPrice:       parseFloat(book.AskPrice),
		QuoteVolume24h: parseFloat(stats.QuoteVolume),
	}, nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		return parseFloat(t)
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	default:
		return 0
	}
}
