package binance

import (
	"testing"

	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
)

func TestPublicHandlerParsesBookTicker(t *testing.T) {
	var got QuoteUpdate
	h := &PublicHandler{
		Symbols: []string{"BTC-USDT"},
		OnQuote: func(gen uint64, q QuoteUpdate) { got = q },
	}

	frame := []byte(`{"stream":"btcusdt@bookTicker","data":{"e":"bookTicker","E":1700000000000,"s":"BTCUSDT","b":"43000.10","a":"43000.50"}}`)
	h.OnMessage(1, frame)

	if got.Symbol != "BTC-USDT" {
		t.Errorf("symbol = %q, want BTC-USDT", got.Symbol)
	}
	if got.Bid != 43000.10 || got.Ask != 43000.50 {
		t.Errorf("bid/ask = %v/%v", got.Bid, got.Ask)
	}
	if got.Last != 0 {
		t.Errorf("book frame should not set last, got %v", got.Last)
	}
}

func TestPublicHandlerParsesMiniTicker(t *testing.T) {
	var got QuoteUpdate
	h := &PublicHandler{
		OnQuote: func(gen uint64, q QuoteUpdate) { got = q },
	}

	frame := []byte(`{"stream":"ethusdt@miniTicker","data":{"e":"24hrMiniTicker","E":1700000000000,"s":"ETHUSDT","c":"2250.75"}}`)
	h.OnMessage(1, frame)

	if got.Symbol != "ETH-USDT" || got.Last != 2250.75 {
		t.Errorf("got %+v", got)
	}
}

func TestPublicHandlerIgnoresGarbage(t *testing.T) {
	called := false
	h := &PublicHandler{OnQuote: func(uint64, QuoteUpdate) { called = true }}
	h.OnMessage(1, []byte(`not json`))
	h.OnMessage(1, []byte(`{"result":null,"id":1}`))
	if called {
		t.Fatal("garbage frames should not emit quotes")
	}
}

func TestParseAccountUpdate(t *testing.T) {
	frame := []byte(`{"e":"ACCOUNT_UPDATE","E":1700000000000,"a":{
		"B":[{"a":"USDT","wb":"1000.5","cw":"900.25"}],
		"P":[
			{"s":"BTCUSDT","pa":"-0.002","ep":"43000","up":"-1.2","iw":"10"},
			{"s":"ETHUSDT","pa":"0","ep":"0","up":"0","iw":"0"}
		]}}`)

	ev, err := parseAccountUpdate(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ev.Balances) != 1 || ev.Balances[0].Total != 1000.5 {
		t.Fatalf("balances: %+v", ev.Balances)
	}
	if len(ev.Positions) != 2 {
		t.Fatalf("positions: %+v", ev.Positions)
	}
	short := ev.Positions[0]
	if short.Direction != common.DirShort || short.Qty != 0.002 {
		t.Errorf("signed amount not normalized: %+v", short)
	}
	// Zero quantity means the symbol went flat; it must still be reported.
	if ev.Positions[1].Qty != 0 {
		t.Errorf("flat update lost: %+v", ev.Positions[1])
	}
}

func TestParseOrderTradeUpdate(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantFill bool
	}{
		{
			name:     "trade execution",
			frame:    `{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"o":{"s":"BTCUSDT","S":"SELL","x":"TRADE","i":123,"l":"0.002","L":"43000.5","n":"0.04"}}`,
			wantFill: true,
		},
		{
			name:     "new order ack",
			frame:    `{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"o":{"s":"BTCUSDT","S":"SELL","x":"NEW","i":123,"l":"0","L":"0","n":"0"}}`,
			wantFill: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fill, ok, err := parseOrderTradeUpdate([]byte(tt.frame))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if ok != tt.wantFill {
				t.Fatalf("ok = %v, want %v", ok, tt.wantFill)
			}
			if ok {
				if fill.Direction != common.DirShort || fill.Qty != 0.002 || fill.Price != 43000.5 {
					t.Errorf("fill = %+v", fill)
				}
				if fill.ExchangeOrderID != "123" {
					t.Errorf("order id = %q", fill.ExchangeOrderID)
				}
			}
		})
	}
}

func TestSymbolMapping(t *testing.T) {
	if ToNative("BTC-USDT") != "BTCUSDT" {
		t.Error("ToNative")
	}
	if FromNative("BTCUSDT") != "BTC-USDT" {
		t.Error("FromNative")
	}
}

func TestSign(t *testing.T) {
	// Known vector from the venue API docs.
	got := sign("symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559",
		"NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j")
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"
	if got != want {
		t.Errorf("sign = %s, want %s", got, want)
	}
}
