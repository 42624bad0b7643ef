package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
)

// PublicHandler streams best bid/ask and last price for a symbol set
// over one combined-stream connection.
type PublicHandler struct {
	Symbols []string
	OnQuote func(gen uint64, q QuoteUpdate)
}

// QuoteUpdate is a partial quote; book updates carry bid/ask, ticker
// updates carry last. Zero fields mean "unchanged".
type QuoteUpdate struct {
	Symbol  string
	Bid     float64
	Ask     float64
	BidSize float64
	AskSize float64
	Last    float64
	TS      time.Time
}

func (h *PublicHandler) Name() string { return "binance-public" }

func (h *PublicHandler) URL(ctx context.Context) (string, error) {
	if len(h.Symbols) == 0 {
		return "", fmt.Errorf("no symbols to subscribe")
	}
	streams := make([]string, 0, len(h.Symbols)*2)
	for _, s := range h.Symbols {
		native := strings.ToLower(ToNative(s))
		streams = append(streams, native+"@bookTicker", native+"@miniTicker")
	}
	return streamBase + "/stream?streams=" + strings.Join(streams, "/"), nil
}

func (h *PublicHandler) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	// Combined-stream URLs subscribe at dial time.
	return nil
}

func (h *PublicHandler) OnMessage(gen uint64, msg []byte) {
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &wrapper); err != nil || wrapper.Data == nil {
		return
	}

	var probe struct {
		Event  string `json:"e"`
		Symbol string `json:"s"`
	}
	if err := json.Unmarshal(wrapper.Data, &probe); err != nil {
		return
	}

	switch probe.Event {
	case "bookTicker":
		var raw struct {
			Symbol string `json:"s"`
			Bid    string `json:"b"`
			BidQty string `json:"B"`
			Ask    string `json:"a"`
			AskQty string `json:"A"`
			TS     int64  `json:"E"`
		}
		if err := json.Unmarshal(wrapper.Data, &raw); err != nil {
			return
		}
		h.emit(gen, QuoteUpdate{
			Symbol:  FromNative(raw.Symbol),
			Bid:     toFloat(raw.Bid),
			Ask:     toFloat(raw.Ask),
			BidSize: toFloat(raw.BidQty),
			AskSize: toFloat(raw.AskQty),
			TS:      time.UnixMilli(raw.TS),
		})
	case "24hrMiniTicker":
		var raw struct {
			Symbol string `json:"s"`
			Close  string `json:"c"`
			TS     int64  `json:"E"`
		}
		if err := json.Unmarshal(wrapper.Data, &raw); err != nil {
			return
		}
		h.emit(gen, QuoteUpdate{
			Symbol: FromNative(raw.Symbol),
			Last:   toFloat(raw.Close),
			TS:     time.UnixMilli(raw.TS),
		})
	}
}

func (h *PublicHandler) emit(gen uint64, q QuoteUpdate) {
	if h.OnQuote != nil {
		h.OnQuote(gen, q)
	}
}

func (h *PublicHandler) Keepalive(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// AccountEvent is a parsed ACCOUNT_UPDATE push. Positions carry signed
// handling already resolved into Direction/Qty; a zero Qty means the
// position on that symbol is now flat.
type AccountEvent struct {
	Balances  []common.Balance
	Positions []PositionUpdate
	TS        time.Time
}

// PositionUpdate is one changed position from a push frame.
type PositionUpdate struct {
	Symbol     string
	Direction  common.Direction
	Qty        float64
	EntryPrice float64
	UnrealPnl  float64
	Margin     float64
}

// UserHandler streams the private user-data feed. The listen key is
// created fresh on every (re)connect and renewed by the account layer.
type UserHandler struct {
	Client    *Client
	OnAccount func(gen uint64, ev AccountEvent)
	OnFill    func(gen uint64, f common.Fill)

	listenKey string
}

func (h *UserHandler) Name() string { return "binance-user" }

// ListenKey returns the key backing the current connection.
func (h *UserHandler) ListenKey() string { return h.listenKey }

func (h *UserHandler) URL(ctx context.Context) (string, error) {
	key, err := h.Client.CreateListenKey(ctx)
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	h.listenKey = key
	return streamBase + "/ws/" + key, nil
}

func (h *UserHandler) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	return nil
}

func (h *UserHandler) OnMessage(gen uint64, msg []byte) {
	var probe struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil {
		return
	}

	switch probe.Event {
	case "ACCOUNT_UPDATE":
		ev, err := parseAccountUpdate(msg)
		if err != nil {
			return
		}
		if h.OnAccount != nil {
			h.OnAccount(gen, ev)
		}
	case "ORDER_TRADE_UPDATE":
		fill, ok, err := parseOrderTradeUpdate(msg)
		if err != nil || !ok {
			return
		}
		if h.OnFill != nil {
			h.OnFill(gen, fill)
		}
	case "listenKeyExpired":
		// Force a reconnect; URL() will mint a fresh key.
	}
}

func (h *UserHandler) Keepalive(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func parseAccountUpdate(msg []byte) (AccountEvent, error) {
	var raw struct {
		TS   int64 `json:"E"`
		Data struct {
			Balances []struct {
				Asset   string `json:"a"`
				Wallet  string `json:"wb"`
				CrossWB string `json:"cw"`
			} `json:"B"`
			Positions []struct {
				Symbol     string `json:"s"`
				Amount     string `json:"pa"`
				EntryPrice string `json:"ep"`
				UnrealPnl  string `json:"up"`
				IsolatedWB string `json:"iw"`
			} `json:"P"`
		} `json:"a"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return AccountEvent{}, err
	}

	ev := AccountEvent{TS: time.UnixMilli(raw.TS)}
	for _, b := range raw.Data.Balances {
		ev.Balances = append(ev.Balances, common.Balance{
			Venue:     common.VenueBinance,
			Asset:     b.Asset,
			Total:     toFloat(b.Wallet),
			Available: toFloat(b.CrossWB),
		})
	}
	for _, p := range raw.Data.Positions {
		qty := toFloat(p.Amount)
		dir := common.DirLong
		if qty < 0 {
			dir = common.DirShort
			qty = -qty
		}
		ev.Positions = append(ev.Positions, PositionUpdate{
			Symbol:     FromNative(p.Symbol),
			Direction:  dir,
			Qty:        qty,
			EntryPrice: toFloat(p.EntryPrice),
			UnrealPnl:  toFloat(p.UnrealPnl),
			Margin:     toFloat(p.IsolatedWB),
		})
	}
	return ev, nil
}

func parseOrderTradeUpdate(msg []byte) (common.Fill, bool, error) {
	var raw struct {
		TS    int64 `json:"E"`
		Order struct {
			Symbol    string `json:"s"`
			Side      string `json:"S"`
			ExecType  string `json:"x"`
			OrderID   int64  `json:"i"`
			LastQty   string `json:"l"`
			LastPrice string `json:"L"`
			Fee       string `json:"n"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return common.Fill{}, false, err
	}
	if raw.Order.ExecType != "TRADE" {
		return common.Fill{}, false, nil
	}

	dir := common.DirLong
	if raw.Order.Side == "SELL" {
		dir = common.DirShort
	}
	return common.Fill{
		Venue:           common.VenueBinance,
		Symbol:          FromNative(raw.Order.Symbol),
		ExchangeOrderID: fmt.Sprintf("%d", raw.Order.OrderID),
		Direction:       dir,
		Qty:             toFloat(raw.Order.LastQty),
		Price:           toFloat(raw.Order.LastPrice),
		Fee:             toFloat(raw.Order.Fee),
		TS:              time.UnixMilli(raw.TS),
	}, true, nil
}
