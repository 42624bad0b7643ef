package feed

import (
	"math"
	"testing"
	"time"

	"github.com/PENG1028/TradingFetcher/internal/events"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
)

func applyBoth(a *Aggregator, okxBid, okxAsk, okxLast, binBid, binAsk, binLast float64) {
	a.Apply(common.Quote{Venue: common.VenueOKX, Symbol: "BTC-USDT",
		Bid: okxBid, Ask: okxAsk, Last: okxLast, TS: time.Now()})
	a.Apply(common.Quote{Venue: common.VenueBinance, Symbol: "BTC-USDT",
		Bid: binBid, Ask: binAsk, Last: binLast, TS: time.Now()})
}

func TestSpreadNetsFeesFromMidpoint(t *testing.T) {
	a := NewAggregator(events.NewBus(), 0.05, 0.05, nil)

	// Buy OKX at 100, sell Binance at 100.5, 0.05% fee per leg.
	applyBoth(a, 99.9, 100, 100, 100.5, 100.6, 100.5)

	s, ok := a.Spread("BTC-USDT")
	if !ok {
		t.Fatal("no spread computed")
	}
	want := (100.5-100.0)/((100.5+100.0)/2)*100 - 0.1 // 0.3988%
	if math.Abs(s.NetLongOKX-want) > 1e-9 {
		t.Errorf("NetLongOKX = %v, want %v", s.NetLongOKX, want)
	}
	if s.LongVenue != common.VenueOKX || s.ShortVenue != common.VenueBinance {
		t.Errorf("direction = long %s short %s", s.LongVenue, s.ShortVenue)
	}
	if s.NetPct != s.NetLongOKX {
		t.Errorf("NetPct should pick the better side")
	}
}

func TestSpreadPicksBetterDirection(t *testing.T) {
	a := NewAggregator(events.NewBus(), 0.05, 0.05, nil)

	// Binance is cheap: buy Binance, sell OKX.
	applyBoth(a, 100.5, 100.6, 100.5, 99.9, 100, 100)

	s, ok := a.Spread("BTC-USDT")
	if !ok {
		t.Fatal("no spread computed")
	}
	if s.LongVenue != common.VenueBinance {
		t.Errorf("long venue = %s, want binance", s.LongVenue)
	}
	if s.NetPct != s.NetLongBinance {
		t.Errorf("NetPct = %v, want NetLongBinance %v", s.NetPct, s.NetLongBinance)
	}
}

func TestGrossUsesLastPricesWithoutFees(t *testing.T) {
	a := NewAggregator(events.NewBus(), 0.05, 0.05, nil)
	applyBoth(a, 99.9, 100, 100, 100.5, 100.6, 100.5)

	s, _ := a.Spread("BTC-USDT")
	wantGross := (100.5 - 100.0) / ((100.5 + 100.0) / 2) * 100
	if math.Abs(s.GrossPct-wantGross) > 1e-9 {
		t.Errorf("GrossPct = %v, want %v (no fee deduction)", s.GrossPct, wantGross)
	}
}

func TestPartialUpdatesMerge(t *testing.T) {
	a := NewAggregator(events.NewBus(), 0.05, 0.05, nil)

	// Book frame first, ticker frame second.
	a.Apply(common.Quote{Venue: common.VenueBinance, Symbol: "BTC-USDT", Bid: 100.5, Ask: 100.6})
	a.Apply(common.Quote{Venue: common.VenueBinance, Symbol: "BTC-USDT", Last: 100.55})

	q, ok := a.Quote(common.VenueBinance, "BTC-USDT")
	if !ok {
		t.Fatal("quote missing")
	}
	if q.Bid != 100.5 || q.Ask != 100.6 || q.Last != 100.55 {
		t.Errorf("merged quote = %+v", q)
	}
}

func TestSpreadRequiresBothVenues(t *testing.T) {
	a := NewAggregator(events.NewBus(), 0.05, 0.05, nil)
	a.Apply(common.Quote{Venue: common.VenueOKX, Symbol: "BTC-USDT", Bid: 99.9, Ask: 100, Last: 100})

	if _, ok := a.Spread("BTC-USDT"); ok {
		t.Fatal("spread should wait for the second venue")
	}
}

func TestSpreadWaitsForLastPrices(t *testing.T) {
	a := NewAggregator(events.NewBus(), 0.05, 0.05, nil)

	// Both books complete, no trade print on binance yet.
	applyBoth(a, 99.9, 100, 100, 100.5, 100.6, 0)
	if _, ok := a.Spread("BTC-USDT"); ok {
		t.Fatal("spread should wait for a last price on both venues")
	}

	a.Apply(common.Quote{Venue: common.VenueBinance, Symbol: "BTC-USDT", Last: 100.5})
	s, ok := a.Spread("BTC-USDT")
	if !ok {
		t.Fatal("spread missing once both last prices arrived")
	}
	if s.GrossPct <= 0 {
		t.Errorf("GrossPct = %v, want positive", s.GrossPct)
	}
}

func TestSnapshotFiltersIncompleteQuotes(t *testing.T) {
	a := NewAggregator(events.NewBus(), 0.05, 0.05, nil)
	// Book data only: no last price yet.
	a.Apply(common.Quote{Venue: common.VenueBinance, Symbol: "ETH-USDT", Bid: 2200, Ask: 2201})
	applyBoth(a, 99.9, 100, 100, 100.5, 100.6, 100.5)

	quotes, spreads := a.Snapshot()
	if _, ok := quotes[common.VenueBinance]["ETH-USDT"]; ok {
		t.Error("incomplete quote leaked into snapshot")
	}
	if _, ok := quotes[common.VenueBinance]["BTC-USDT"]; !ok {
		t.Error("complete quote missing from snapshot")
	}
	if _, ok := spreads["BTC-USDT"]; !ok {
		t.Error("spread missing from snapshot")
	}

	// Snapshot must be a copy, not a view.
	quotes[common.VenueBinance]["BTC-USDT"] = common.Quote{}
	q, _ := a.Quote(common.VenueBinance, "BTC-USDT")
	if q.Bid == 0 {
		t.Error("mutating the snapshot changed internal state")
	}
}

func TestSpreadUpdatePublished(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventSpreadUpdate, 8)
	defer unsub()

	a := NewAggregator(bus, 0.05, 0.05, nil)
	applyBoth(a, 99.9, 100, 100, 100.5, 100.6, 100.5)

	select {
	case payload := <-ch:
		s, ok := payload.(Spread)
		if !ok {
			t.Fatalf("payload type %T", payload)
		}
		if s.Symbol != "BTC-USDT" {
			t.Errorf("symbol = %q", s.Symbol)
		}
	case <-time.After(time.Second):
		t.Fatal("no spread event published")
	}
}

func TestOnQuoteCallbackSeesMergedQuote(t *testing.T) {
	var last common.Quote
	a := NewAggregator(events.NewBus(), 0.05, 0.05, func(q common.Quote) { last = q })

	a.Apply(common.Quote{Venue: common.VenueOKX, Symbol: "BTC-USDT", Bid: 99.9, Ask: 100})
	a.Apply(common.Quote{Venue: common.VenueOKX, Symbol: "BTC-USDT", Last: 99.95})

	if last.Bid != 99.9 || last.Last != 99.95 {
		t.Errorf("callback quote = %+v, want merged fields", last)
	}
}
