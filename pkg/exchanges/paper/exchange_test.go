package paper

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"risk-engine/pkg/exchanges/common"
)

func newTestExchange(clock *time.Time) *Exchange {
	return New(Config{
		InitialBalance: 1000,
		Seed:           7,
		StartPrices:    map[string]float64{"BTCUSDT": 30000},
		Clock:          func() time.Time { return *clock },
	})
}

func TestFetchOHLCVAdvancesWithClock(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)
	ex := newTestExchange(&now)
	ctx := context.Background()

	bars, err := ex.FetchOHLCV(ctx, "BTCUSDT", "1m", 120)
	if err != nil {
		t.Fatalf("FetchOHLCV: %v", err)
	}
	if len(bars) != 120 {
		t.Fatalf("bars=%d, expected 120", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].OpenTime-bars[i-1].OpenTime != time.Minute.Milliseconds() {
			t.Fatalf("bar %d not contiguous", i)
		}
		if bars[i].Low > math.Min(bars[i].Open, bars[i].Close) || bars[i].High < math.Max(bars[i].Open, bars[i].Close) {
			t.Fatalf("bar %d has inconsistent range: %+v", i, bars[i])
		}
	}

	now = now.Add(3 * time.Minute)
	next, _ := ex.FetchOHLCV(ctx, "BTCUSDT", "1m", 120)
	if next[len(next)-1].OpenTime-bars[len(bars)-1].OpenTime != 3*time.Minute.Milliseconds() {
		t.Fatalf("expected 3 new bars")
	}
}

func TestPlaceOrderIdempotentClientID(t *testing.T) {
	now := time.Now()
	ex := newTestExchange(&now)
	ctx := context.Background()
	ex.SetPrice("BTCUSDT", 30000)

	req := common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 0.01, ClientID: "entry-1"}
	first, err := ex.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	second, err := ex.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("PlaceOrder retry: %v", err)
	}
	if first.ExchangeOrderID != second.ExchangeOrderID {
		t.Fatalf("retry created a new order: %s vs %s", first.ExchangeOrderID, second.ExchangeOrderID)
	}
	pos, _ := ex.FetchPosition(ctx, "BTCUSDT")
	if pos.Qty != 0.01 {
		t.Fatalf("position qty=%v, expected 0.01", pos.Qty)
	}

	if _, err := ex.QueryOrder(ctx, "BTCUSDT", "nope"); !errors.Is(err, common.ErrOrderNotFound) {
		t.Fatalf("QueryOrder err=%v, expected ErrOrderNotFound", err)
	}
}

func TestBracketStopFiresBeforeTarget(t *testing.T) {
	now := time.Now()
	ex := newTestExchange(&now)
	ctx := context.Background()
	ex.SetPrice("BTCUSDT", 30000)

	if _, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 0.02, ClientID: "e"}); err != nil {
		t.Fatalf("entry: %v", err)
	}
	if _, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeStopMarket,
		Qty: 0.02, StopPrice: 29700, ClientID: "sl", ReduceOnly: true}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeTakeProfitMarket,
		Qty: 0.02, StopPrice: 30500, ClientID: "tp", ReduceOnly: true}); err != nil {
		t.Fatalf("target: %v", err)
	}

	ex.SetPrice("BTCUSDT", 30200)
	if got, _ := ex.QueryOrder(ctx, "BTCUSDT", "sl"); got.Done() {
		t.Fatalf("stop fired early: %+v", got)
	}

	ex.SetPrice("BTCUSDT", 29650)
	got, _ := ex.QueryOrder(ctx, "BTCUSDT", "sl")
	if got.Status != common.StatusFilled || got.FilledQty != 0.02 || got.AvgPrice != 29700 {
		t.Fatalf("stop=%+v", got)
	}
	pos, _ := ex.FetchPosition(ctx, "BTCUSDT")
	if pos.Qty != 0 {
		t.Fatalf("position qty=%v, expected flat", pos.Qty)
	}

	// The target can no longer reduce anything.
	ex.SetPrice("BTCUSDT", 30600)
	got, _ = ex.QueryOrder(ctx, "BTCUSDT", "tp")
	if got.Status != common.StatusExpired {
		t.Fatalf("target=%+v, expected expired", got)
	}

	bal, _ := ex.FetchBalance(ctx)
	if bal.Equity >= 1000 {
		t.Fatalf("equity=%v, expected a loss after the stop", bal.Equity)
	}
}

func TestReduceOnlyWithoutPositionRejected(t *testing.T) {
	now := time.Now()
	ex := newTestExchange(&now)
	ex.SetPrice("BTCUSDT", 30000)
	res, err := ex.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideSell,
		Type: common.OrderTypeStopMarket, Qty: 0.01, StopPrice: 29000, ClientID: "x", ReduceOnly: true})
	if err == nil || res.Accepted {
		t.Fatalf("reduce-only on flat book accepted: %+v", res)
	}
}
