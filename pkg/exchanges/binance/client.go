// Package binance implements the USDT-M futures REST and websocket
// surface needed for cross-venue execution.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
)

const (
	restBase      = "https://fapi.binance.com"
	streamBase    = "wss://fstream.binance.com"
	minNotionalXF = 2.0 // venue rejects orders right at the filter floor
)

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	RecvWindow int64 // ms
}

// Client handles Binance USDT-M futures REST calls.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	limiter    *common.VenueLimiter
}

// NewClient creates a futures client. limiter may be nil in tests.
func NewClient(cfg Config, limiter *common.VenueLimiter) *Client {
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    restBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    limiter,
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime)
	return c
}

// TimeSync exposes the clock sync manager so main can start it.
func (c *Client) TimeSync() *common.TimeSync { return c.timeSync }

// ToNative converts a canonical symbol like BTC-USDT to BTCUSDT.
func ToNative(symbol string) string {
	return strings.ReplaceAll(symbol, "-", "")
}

// FromNative converts BTCUSDT back to the canonical BTC-USDT form.
func FromNative(native string) string {
	if strings.HasSuffix(native, "USDT") {
		return strings.TrimSuffix(native, "USDT") + "-USDT"
	}
	return native
}

// GetServerTime fetches venue server time in milliseconds.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return out.ServerTime, nil
}

// GetBalances returns per-asset futures wallet balances.
func (c *Client) GetBalances(ctx context.Context) ([]common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, common.PoolBulk)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode balances: %w", err)
	}
	out := make([]common.Balance, 0, len(raw))
	for _, b := range raw {
		out = append(out, common.Balance{
			Venue:     common.VenueBinance,
			Asset:     b.Asset,
			Total:     toFloat(b.Balance),
			Available: toFloat(b.AvailableBalance),
		})
	}
	return out, nil
}

// GetPositions returns open positions as normalized common.Position
// values. Binance reports signed coin quantities; the sign carries the
// direction.
func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, common.PoolBulk)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol         string `json:"symbol"`
		PositionAmt    string `json:"positionAmt"`
		EntryPrice     string `json:"entryPrice"`
		MarkPrice      string `json:"markPrice"`
		UnRealizedPnl  string `json:"unRealizedProfit"`
		IsolatedMargin string `json:"isolatedMargin"`
		Notional       string `json:"notional"`
		Leverage       string `json:"leverage"`
		UpdateTime     int64  `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	var out []common.Position
	for _, p := range raw {
		qty := toFloat(p.PositionAmt)
		if qty == 0 {
			continue
		}
		dir := common.DirLong
		if qty < 0 {
			dir = common.DirShort
			qty = -qty
		}
		lev := toFloat(p.Leverage)
		margin := toFloat(p.IsolatedMargin)
		if margin == 0 && lev > 0 {
			// Cross positions report no isolated margin; derive from
			// notional and leverage.
			notional := toFloat(p.Notional)
			if notional < 0 {
				notional = -notional
			}
			margin = notional / lev
		}
		out = append(out, common.Position{
			Venue:      common.VenueBinance,
			Symbol:     FromNative(p.Symbol),
			Direction:  dir,
			Qty:        qty,
			EntryPrice: toFloat(p.EntryPrice),
			MarkPrice:  toFloat(p.MarkPrice),
			Margin:     margin,
			UnrealPnl:  toFloat(p.UnRealizedPnl),
			Leverage:   lev,
			OpenedAt:   time.UnixMilli(p.UpdateTime),
		})
	}
	return out, nil
}

// GetInstruments fetches contract metadata for the given canonical
// symbols. The minimum notional is doubled so sizing clears the filter
// with room for price movement between quote and fill.
func (c *Client) GetInstruments(ctx context.Context, symbols []string) (map[string]common.Instrument, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Status  string `json:"status"`
			Filters []struct {
				FilterType string `json:"filterType"`
				Notional   string `json:"notional"`
				MinQty     string `json:"minQty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}

	// No filter means every trading USDT perpetual, used for discovery.
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[ToNative(s)] = true
	}

	out := make(map[string]common.Instrument)
	for _, s := range raw.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		if len(want) > 0 && !want[s.Symbol] {
			continue
		}
		if len(want) == 0 && !strings.HasSuffix(s.Symbol, "USDT") {
			continue
		}
		inst := common.Instrument{
			Venue:       common.VenueBinance,
			Symbol:      FromNative(s.Symbol),
			CtVal:       1, // coin-quantity venue
			RefreshedAt: time.Now(),
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "MIN_NOTIONAL":
				inst.MinNotionalUSDT = toFloat(f.Notional) * minNotionalXF
			case "LOT_SIZE":
				inst.MinQty = toFloat(f.MinQty)
			}
		}
		out[inst.Symbol] = inst
	}
	return out, nil
}

// CreateListenKey opens a user data stream and returns its key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("create listen key status %d: %s", res.StatusCode, string(b))
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends the listen key's 60 minute lifetime.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/fapi/v1/listenKey?listenKey="+listenKey, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("keepalive listen key status %d: %s", res.StatusCode, string(b))
	}
	return nil
}

// SetLeverage sets per-symbol leverage.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", ToNative(symbol))
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params, common.PoolBulk)
	return err
}

// SetMarginMode sets CROSSED or ISOLATED margin for a symbol. The venue
// returns an error when the mode is already set; that case is ignored.
func (c *Client) SetMarginMode(ctx context.Context, symbol, mode string) error {
	params := url.Values{}
	params.Set("symbol", ToNative(symbol))
	params.Set("marginType", strings.ToUpper(mode))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/marginType", params, common.PoolBulk)
	if err != nil && strings.Contains(err.Error(), "-4046") {
		return nil // No need to change margin type.
	}
	return err
}

// SubmitOrder places a market order. Qty is coin quantity.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, errors.New("binance: API key/secret required")
	}

	side := "BUY"
	if (req.Direction == common.DirShort) == (req.Action == common.ActionEntry) {
		side = "SELL"
	}

	params := url.Values{}
	params.Set("symbol", ToNative(req.Symbol))
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", formatFloat(req.Qty))
	if req.ReduceOnly && req.Action == common.ActionExit {
		params.Set("reduceOnly", "true")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params, common.PoolLive)
	if err != nil {
		return common.OrderResult{}, err
	}

	var raw struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		ExecutedQty   string `json:"executedQty"`
		AvgPrice      string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order result: %w", err)
	}
	return common.OrderResult{
		Venue:           common.VenueBinance,
		Symbol:          req.Symbol,
		ExchangeOrderID: strconv.FormatInt(raw.OrderID, 10),
		ClientID:        raw.ClientOrderID,
		Status:          mapStatus(raw.Status),
		FilledQty:       toFloat(raw.ExecutedQty),
		AvgPrice:        toFloat(raw.AvgPrice),
	}, nil
}

func (c *Client) doPublic(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.acquire(ctx, common.PoolBulk); err != nil {
		return nil, err
	}
	defer c.release(common.PoolBulk)

	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance GET %s status %d: %s", endpoint, res.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) doSigned(ctx context.Context, method, endpoint string, params url.Values, pool common.Pool) ([]byte, error) {
	if err := c.acquire(ctx, pool); err != nil {
		return nil, err
	}
	defer c.release(pool)

	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance %s %s status %d: %s", method, endpoint, res.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) acquire(ctx context.Context, pool common.Pool) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Acquire(ctx, pool)
}

func (c *Client) release(pool common.Pool) {
	if c.limiter != nil {
		c.limiter.Release(pool)
	}
}

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "EXPIRED":
		return common.StatusCanceled
	default:
		return common.StatusRejected
	}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
