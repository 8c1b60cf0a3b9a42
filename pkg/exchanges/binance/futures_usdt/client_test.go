package futures_usdt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"risk-engine/pkg/errs"
	"risk-engine/pkg/exchanges/common"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{APIKey: "k", APISecret: "s"})
	c.baseURL = srv.URL
	return c
}

func TestPlaceOrderSendsReduceOnlyTrigger(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.Form.Get("reduceOnly") != "true" || r.Form.Get("stopPrice") != "29850.5" || r.Form.Get("signature") == "" {
			t.Errorf("unexpected form: %v", r.Form)
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"sl-1","status":"NEW","executedQty":"0","avgPrice":"0"}`))
	})

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeStopMarket,
		Qty: 0.01, StopPrice: 29850.5, ClientID: "sl-1", ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.ExchangeOrderID != "42" || res.Status != common.StatusNew || !res.Accepted {
		t.Fatalf("result=%+v", res)
	}
}

func TestQueryOrderUnknownMapsToNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
	})
	_, err := c.QueryOrder(context.Background(), "BTCUSDT", "missing")
	if !errors.Is(err, common.ErrOrderNotFound) {
		t.Fatalf("err=%v, expected ErrOrderNotFound", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.FetchTicker(context.Background(), "BTCUSDT")
	if errs.KindOf(err) != errs.KindTransient {
		t.Fatalf("kind=%v, expected transient (err=%v)", errs.KindOf(err), err)
	}
}

func TestFetchSymbolFilters(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.10"},
			{"filterType":"LOT_SIZE","minQty":"0.001","stepSize":"0.001"},
			{"filterType":"MIN_NOTIONAL","notional":"100"}]}]}`))
	})
	for i := 0; i < 2; i++ {
		f, err := c.FetchSymbolFilters(context.Background(), "BTCUSDT")
		if err != nil {
			t.Fatalf("FetchSymbolFilters: %v", err)
		}
		if f.TickSize != 0.1 || f.StepSize != 0.001 || f.MinQty != 0.001 || f.MinNotional != 100 {
			t.Fatalf("filters=%+v", f)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("exchangeInfo calls=%d, expected 1", n)
	}
	if _, err := c.FetchSymbolFilters(context.Background(), "NOPEUSDT"); err == nil {
		t.Fatalf("unlisted symbol accepted")
	}
}
