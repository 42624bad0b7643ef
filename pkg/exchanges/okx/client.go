// Package okx implements the OKX perpetual swap REST and websocket
// surface needed for cross-venue execution. OKX sizes orders in
// contracts; conversions to coin quantity go through the instrument's
// contract value.
package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
)

const (
	restBase      = "https://www.okx.com"
	wsPublicURL   = "wss://ws.okx.com:8443/ws/v5/public"
	wsPrivateURL  = "wss://ws.okx.com:8443/ws/v5/private"
	minNotionalXF = 1.05 // headroom over the venue's minimum order size
)

// Config holds OKX API credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Client handles OKX REST calls for the SWAP product.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *common.VenueLimiter
}

// NewClient creates an OKX client. limiter may be nil in tests.
func NewClient(cfg Config, limiter *common.VenueLimiter) *Client {
	return &Client{
		cfg:        cfg,
		baseURL:    restBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    limiter,
	}
}

// ToNative converts a canonical symbol like BTC-USDT to BTC-USDT-SWAP.
func ToNative(symbol string) string {
	if strings.HasSuffix(symbol, "-SWAP") {
		return symbol
	}
	return symbol + "-SWAP"
}

// FromNative converts BTC-USDT-SWAP back to the canonical BTC-USDT.
func FromNative(native string) string {
	return strings.TrimSuffix(native, "-SWAP")
}

type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// GetBalances returns per-currency trading account balances.
func (c *Client) GetBalances(ctx context.Context) ([]common.Balance, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v5/account/balance", nil, true, common.PoolBulk)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			Eq       string `json:"eq"`
			AvailEq  string `json:"availEq"`
			AvailBal string `json:"availBal"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}

	var out []common.Balance
	for _, acct := range raw {
		for _, d := range acct.Details {
			avail := toFloat(d.AvailEq)
			if avail == 0 {
				avail = toFloat(d.AvailBal)
			}
			out = append(out, common.Balance{
				Venue:     common.VenueOKX,
				Asset:     d.Ccy,
				Total:     toFloat(d.Eq),
				Available: avail,
			})
		}
	}
	return out, nil
}

// GetPositions returns open SWAP positions with contract counts already
// converted to coin quantities via ctVal.
func (c *Client) GetPositions(ctx context.Context, instruments map[string]common.Instrument) ([]common.Position, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v5/account/positions?instType=SWAP", nil, true, common.PoolBulk)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		InstID  string `json:"instId"`
		Pos     string `json:"pos"`
		AvgPx   string `json:"avgPx"`
		MarkPx  string `json:"markPx"`
		Margin  string `json:"margin"`
		IMR     string `json:"imr"`
		Upl     string `json:"upl"`
		Lever   string `json:"lever"`
		MgnMode string `json:"mgnMode"`
		CTime   string `json:"cTime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	var out []common.Position
	for _, p := range raw {
		contracts := toFloat(p.Pos)
		if contracts == 0 {
			continue
		}
		dir := common.DirLong
		if contracts < 0 {
			dir = common.DirShort
			contracts = -contracts
		}
		symbol := FromNative(p.InstID)
		ctVal := 1.0
		if inst, ok := instruments[symbol]; ok && inst.CtVal > 0 {
			ctVal = inst.CtVal
		}
		margin := toFloat(p.Margin)
		if margin == 0 {
			margin = toFloat(p.IMR) // cross mode reports imr instead
		}
		out = append(out, common.Position{
			Venue:      common.VenueOKX,
			Symbol:     symbol,
			Direction:  dir,
			Qty:        contracts * ctVal,
			EntryPrice: toFloat(p.AvgPx),
			MarkPrice:  toFloat(p.MarkPx),
			Margin:     margin,
			UnrealPnl:  toFloat(p.Upl),
			Leverage:   toFloat(p.Lever),
			OpenedAt:   time.UnixMilli(int64(toFloat(p.CTime))),
		})
	}
	return out, nil
}

// GetInstruments fetches SWAP contract metadata for the given canonical
// symbols. The minimum notional is minSz contracts at the instrument's
// last price plus headroom; price is resolved by the caller, so here it
// carries minSz*ctVal in coin units and the caller multiplies by price.
func (c *Client) GetInstruments(ctx context.Context, symbols []string) (map[string]common.Instrument, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v5/public/instruments?instType=SWAP", nil, false, common.PoolBulk)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		InstID string `json:"instId"`
		CtVal  string `json:"ctVal"`
		MinSz  string `json:"minSz"`
		State  string `json:"state"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}

	// No filter means every live USDT perpetual, used for discovery.
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[ToNative(s)] = true
	}

	out := make(map[string]common.Instrument)
	for _, inst := range raw {
		if inst.State != "live" {
			continue
		}
		if len(want) > 0 && !want[inst.InstID] {
			continue
		}
		if len(want) == 0 && !strings.HasSuffix(inst.InstID, "-USDT-SWAP") {
			continue
		}
		out[FromNative(inst.InstID)] = common.Instrument{
			Venue:       common.VenueOKX,
			Symbol:      FromNative(inst.InstID),
			CtVal:       toFloat(inst.CtVal),
			MinQty:      toFloat(inst.MinSz),
			RefreshedAt: time.Now(),
		}
	}
	return out, nil
}

// MinNotionalUSDT computes the smallest acceptable order in USDT for an
// instrument at the given price.
func MinNotionalUSDT(inst common.Instrument, price float64) float64 {
	return inst.MinQty * inst.CtVal * price * minNotionalXF
}

// SetLeverage sets leverage for a symbol in the given margin mode.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int, mgnMode string) error {
	body := map[string]any{
		"instId":  ToNative(symbol),
		"lever":   fmt.Sprintf("%d", leverage),
		"mgnMode": mgnMode,
	}
	_, err := c.do(ctx, http.MethodPost, "/api/v5/account/set-leverage", body, true, common.PoolBulk)
	return err
}

// SubmitOrder places a market order. Qty is the contract count.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest, mgnMode string) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, errors.New("okx: API credentials required")
	}

	side := "buy"
	if (req.Direction == common.DirShort) == (req.Action == common.ActionEntry) {
		side = "sell"
	}

	body := map[string]any{
		"instId":  ToNative(req.Symbol),
		"tdMode":  mgnMode,
		"side":    side,
		"ordType": "market",
		"sz":      formatFloat(req.Qty),
	}
	if req.ReduceOnly && req.Action == common.ActionExit {
		body["reduceOnly"] = true
	}
	if req.ClientID != "" {
		body["clOrdId"] = req.ClientID
	}

	data, err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", body, true, common.PoolLive)
	if err != nil {
		return common.OrderResult{}, err
	}

	var raw []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order result: %w", err)
	}
	if len(raw) == 0 {
		return common.OrderResult{}, errors.New("okx: empty order response")
	}
	if raw[0].SCode != "0" {
		return common.OrderResult{
			Venue:  common.VenueOKX,
			Symbol: req.Symbol,
			Status: common.StatusRejected,
		}, fmt.Errorf("okx order rejected (%s): %s", raw[0].SCode, raw[0].SMsg)
	}
	// Market order acks carry no fill; fills arrive on the orders channel.
	return common.OrderResult{
		Venue:           common.VenueOKX,
		Symbol:          req.Symbol,
		ExchangeOrderID: raw[0].OrdID,
		ClientID:        raw[0].ClOrdID,
		Status:          common.StatusNew,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, signed bool, pool common.Pool) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, pool); err != nil {
			return nil, err
		}
		defer c.limiter.Release(pool)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		req.Header.Set("OK-ACCESS-KEY", c.cfg.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", signRequest(ts, method, path, string(payload), c.cfg.APISecret))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.cfg.Passphrase)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("okx %s %s status %d: %s", method, path, res.StatusCode, string(raw))
	}

	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Code != "0" {
		// Order rejections also come back code!=0 with per-order sCode;
		// surface data so the caller can decode the reason.
		if resp.Data != nil && method == http.MethodPost && strings.Contains(path, "/trade/") {
			return resp.Data, nil
		}
		return nil, fmt.Errorf("okx %s %s code %s: %s", method, path, resp.Code, resp.Msg)
	}
	return resp.Data, nil
}

// signRequest builds the OKX request signature: base64 HMAC-SHA256 over
// timestamp + method + path + body.
func signRequest(ts, method, path, body, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(ts + method + path + body))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
