package futures_usdt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"risk-engine/pkg/exchanges/common"
)

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	QuoteAsset string
}

// Client handles Binance USDT-M futures and implements common.Exchange.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	clock      *common.ServerClock
	weights    *common.WeightTracker

	filtersMu sync.RWMutex
	filters   map[string]common.SymbolFilters
}

var _ common.Exchange = (*Client)(nil)

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		filters:    make(map[string]common.SymbolFilters),
	}
	c.clock = common.NewServerClock(c.GetServerTime)
	c.weights = common.NewWeightTracker(2400, time.Minute)
	return c
}

// StartTimeSync keeps signed timestamps aligned with the server clock.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.clock.Start(ctx)
}

func (c *Client) now() int64 {
	return c.clock.NowMs()
}

func (c *Client) requireKeys() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("binance usdt futures: API key/secret required")
	}
	return nil
}

func (c *Client) signedParams() url.Values {
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	return params
}

// PlaceOrder submits an order. Amounts must already be quantized.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderResult{}, err
	}
	params := c.signedParams()
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", formatFloat(req.Qty))
	params.Set("newOrderRespType", "RESULT")

	if req.Type == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params.Set("timeInForce", string(tif))
	}
	if req.Type.IsTrigger() {
		params.Set("stopPrice", formatFloat(req.StopPrice))
		if req.WorkingType != "" {
			params.Set("workingType", req.WorkingType)
		}
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.toResult(), nil
}

// QueryOrder looks an order up by client ID.
func (c *Client) QueryOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderResult{}, err
	}
	params := c.signedParams()
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)

	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.toResult(), nil
}

// CancelOrder cancels an order by symbol and ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	params := c.signedParams()
	params.Set("symbol", symbol)
	if exchangeOrderID != "" {
		params.Set("orderId", exchangeOrderID)
	}
	_, err := c.doSigned(ctx, http.MethodDelete, c.baseURL+"/fapi/v1/order", params)
	return err
}

// FetchPosition returns the one-way mode position for symbol.
func (c *Client) FetchPosition(ctx context.Context, symbol string) (common.Position, error) {
	if err := c.requireKeys(); err != nil {
		return common.Position{}, err
	}
	params := c.signedParams()
	params.Set("symbol", symbol)
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/fapi/v2/positionRisk", params)
	if err != nil {
		return common.Position{}, err
	}
	var risks []positionRisk
	if err := json.Unmarshal(body, &risks); err != nil {
		return common.Position{}, fmt.Errorf("decode positions: %w", err)
	}
	out := common.Position{Symbol: symbol}
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		out.Qty += parseFloat(r.PositionAmt)
		if ep := parseFloat(r.EntryPrice); ep > 0 {
			out.EntryPrice = ep
		}
		out.MarkPrice = parseFloat(r.MarkPrice)
	}
	return out, nil
}

// FetchBalance returns wallet balance plus unrealized PnL for the quote asset.
func (c *Client) FetchBalance(ctx context.Context) (common.Balance, error) {
	if err := c.requireKeys(); err != nil {
		return common.Balance{}, err
	}
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/fapi/v2/balance", c.signedParams())
	if err != nil {
		return common.Balance{}, err
	}
	var bal []futuresBalance
	if err := json.Unmarshal(body, &bal); err != nil {
		return common.Balance{}, fmt.Errorf("decode balance: %w", err)
	}
	for _, b := range bal {
		if b.Asset == c.cfg.QuoteAsset {
			return common.Balance{
				Asset:     b.Asset,
				Equity:    parseFloat(b.Balance) + parseFloat(b.CrossUnPnl),
				Available: parseFloat(b.AvailableBalance),
			}, nil
		}
	}
	return common.Balance{Asset: c.cfg.QuoteAsset}, nil
}

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// doSigned handles signing and sending requests.
func (c *Client) doSigned(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req)
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if err := c.weights.Wait(req.Context()); err != nil {
		return nil, transport(err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transport(err)
	}
	defer res.Body.Close()

	c.weights.Observe(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, transport(err)
	}
	if res.StatusCode >= 300 {
		return nil, classify(res.StatusCode, body)
	}
	return body, nil
}
