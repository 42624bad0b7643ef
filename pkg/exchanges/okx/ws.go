package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
)

// OKX keepalive is application level: the client writes the literal
// text "ping" and the server answers "pong".
var pingFrame = []byte("ping")

type wsFrame struct {
	Event string          `json:"event"`
	Arg   json.RawMessage `json:"arg"`
	Data  json.RawMessage `json:"data"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
}

type wsChannel struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// PublicHandler streams the tickers channel for a symbol set.
// ContractsToCoin converts the venue's contract-denominated book sizes
// to coin units; when nil, sizes pass through unconverted.
type PublicHandler struct {
	Symbols         []string
	OnQuote         func(gen uint64, q common.Quote)
	ContractsToCoin func(symbol string, contracts float64) float64
}

func (h *PublicHandler) Name() string { return "okx-public" }

func (h *PublicHandler) URL(ctx context.Context) (string, error) {
	return wsPublicURL, nil
}

func (h *PublicHandler) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	args := make([]wsChannel, 0, len(h.Symbols))
	for _, s := range h.Symbols {
		args = append(args, wsChannel{Channel: "tickers", InstID: ToNative(s)})
	}
	sub := map[string]any{"op": "subscribe", "args": args}
	return conn.WriteJSON(sub)
}

func (h *PublicHandler) OnMessage(gen uint64, msg []byte) {
	if string(msg) == "pong" {
		return
	}
	var frame wsFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return
	}
	if frame.Event != "" || frame.Data == nil {
		return
	}

	var ticks []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		BidPx  string `json:"bidPx"`
		AskPx  string `json:"askPx"`
		BidSz  string `json:"bidSz"`
		AskSz  string `json:"askSz"`
		TS     string `json:"ts"`
	}
	if err := json.Unmarshal(frame.Data, &ticks); err != nil {
		return
	}
	for _, t := range ticks {
		if h.OnQuote == nil {
			continue
		}
		symbol := FromNative(t.InstID)
		bidSz, askSz := toFloat(t.BidSz), toFloat(t.AskSz)
		if h.ContractsToCoin != nil {
			bidSz = h.ContractsToCoin(symbol, bidSz)
			askSz = h.ContractsToCoin(symbol, askSz)
		}
		ms, _ := strconv.ParseInt(t.TS, 10, 64)
		h.OnQuote(gen, common.Quote{
			Venue:   common.VenueOKX,
			Symbol:  symbol,
			Bid:     toFloat(t.BidPx),
			Ask:     toFloat(t.AskPx),
			BidSize: bidSz,
			AskSize: askSz,
			Last:    toFloat(t.Last),
			TS:      time.UnixMilli(ms),
		})
	}
}

func (h *PublicHandler) Keepalive(conn *websocket.Conn) error {
	return conn.WriteMessage(websocket.TextMessage, pingFrame)
}

// BalancePosition is a parsed balance_and_position push.
type BalancePosition struct {
	Balances  []common.Balance
	Positions []PositionUpdate
	TS        time.Time
}

// PositionUpdate is one changed position. Qty is contracts; the account
// layer converts to coin units with the instrument's ctVal. Zero Qty
// means the symbol went flat.
type PositionUpdate struct {
	Symbol     string
	Direction  common.Direction
	Qty        float64
	EntryPrice float64
}

// PrivateHandler streams the private channels: balance_and_position for
// account pushes and orders for fills. Login happens on every connect.
type PrivateHandler struct {
	Cfg       Config
	OnAccount func(gen uint64, ev BalancePosition)
	OnFill    func(gen uint64, f common.Fill)
}

func (h *PrivateHandler) Name() string { return "okx-private" }

func (h *PrivateHandler) URL(ctx context.Context) (string, error) {
	return wsPrivateURL, nil
}

func (h *PrivateHandler) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	login := map[string]any{
		"op": "login",
		"args": []map[string]string{{
			"apiKey":     h.Cfg.APIKey,
			"passphrase": h.Cfg.Passphrase,
			"timestamp":  ts,
			"sign":       signRequest(ts, "GET", "/users/self/verify", "", h.Cfg.APISecret),
		}},
	}
	if err := conn.WriteJSON(login); err != nil {
		return fmt.Errorf("write login: %w", err)
	}

	// The subscribe frames are only valid after a login ack; read it
	// here before the supervisor takes over the read loop.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ack wsFrame
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("read login ack: %w", err)
	}
	if ack.Event != "login" || ack.Code != "0" {
		return fmt.Errorf("login rejected: code=%s msg=%s", ack.Code, ack.Msg)
	}

	sub := map[string]any{
		"op": "subscribe",
		"args": []map[string]string{
			{"channel": "balance_and_position"},
			{"channel": "orders", "instType": "SWAP"},
		},
	}
	return conn.WriteJSON(sub)
}

func (h *PrivateHandler) OnMessage(gen uint64, msg []byte) {
	if string(msg) == "pong" {
		return
	}
	var frame wsFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return
	}
	if frame.Event != "" || frame.Data == nil {
		return
	}

	var arg wsChannel
	if err := json.Unmarshal(frame.Arg, &arg); err != nil {
		return
	}

	switch arg.Channel {
	case "balance_and_position":
		ev, err := parseBalancePosition(frame.Data)
		if err != nil {
			return
		}
		if h.OnAccount != nil {
			h.OnAccount(gen, ev)
		}
	case "orders":
		for _, fill := range parseOrderFills(frame.Data) {
			if h.OnFill != nil {
				h.OnFill(gen, fill)
			}
		}
	}
}

func (h *PrivateHandler) Keepalive(conn *websocket.Conn) error {
	return conn.WriteMessage(websocket.TextMessage, pingFrame)
}

func parseBalancePosition(data json.RawMessage) (BalancePosition, error) {
	var raw []struct {
		PTime   string `json:"pTime"`
		BalData []struct {
			Ccy     string `json:"ccy"`
			CashBal string `json:"cashBal"`
		} `json:"balData"`
		PosData []struct {
			InstID string `json:"instId"`
			Pos    string `json:"pos"`
			AvgPx  string `json:"avgPx"`
		} `json:"posData"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return BalancePosition{}, err
	}

	var ev BalancePosition
	for _, r := range raw {
		if ms, err := strconv.ParseInt(r.PTime, 10, 64); err == nil {
			ev.TS = time.UnixMilli(ms)
		}
		for _, b := range r.BalData {
			ev.Balances = append(ev.Balances, common.Balance{
				Venue:     common.VenueOKX,
				Asset:     b.Ccy,
				Total:     toFloat(b.CashBal),
				Available: toFloat(b.CashBal),
			})
		}
		for _, p := range r.PosData {
			contracts := toFloat(p.Pos)
			dir := common.DirLong
			if contracts < 0 {
				dir = common.DirShort
				contracts = -contracts
			}
			ev.Positions = append(ev.Positions, PositionUpdate{
				Symbol:     FromNative(p.InstID),
				Direction:  dir,
				Qty:        contracts,
				EntryPrice: toFloat(p.AvgPx),
			})
		}
	}
	return ev, nil
}

func parseOrderFills(data json.RawMessage) []common.Fill {
	var raw []struct {
		InstID   string `json:"instId"`
		OrdID    string `json:"ordId"`
		Side     string `json:"side"`
		FillSz   string `json:"fillSz"`
		FillPx   string `json:"fillPx"`
		FillFee  string `json:"fillFee"`
		FillTime string `json:"fillTime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	var fills []common.Fill
	for _, o := range raw {
		sz := toFloat(o.FillSz)
		if sz == 0 {
			continue
		}
		dir := common.DirLong
		if o.Side == "sell" {
			dir = common.DirShort
		}
		ms, _ := strconv.ParseInt(o.FillTime, 10, 64)
		fills = append(fills, common.Fill{
			Venue:           common.VenueOKX,
			Symbol:          FromNative(o.InstID),
			ExchangeOrderID: o.OrdID,
			Direction:       dir,
			Qty:             sz, // contracts; converted downstream
			Price:           toFloat(o.FillPx),
			Fee:             -toFloat(o.FillFee), // venue reports fees negative
			TS:              time.UnixMilli(ms),
		})
	}
	return fills
}
