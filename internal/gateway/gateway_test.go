package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/PENG1028/TradingFetcher/internal/account"
	"github.com/PENG1028/TradingFetcher/internal/events"
	"github.com/PENG1028/TradingFetcher/internal/feed"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
)

type instVenue struct {
	venue common.Venue
	insts map[string]common.Instrument
}

func (v *instVenue) Venue() common.Venue { return v.venue }
func (v *instVenue) Balances(ctx context.Context) ([]common.Balance, error) {
	return nil, nil
}
func (v *instVenue) Positions(ctx context.Context, _ map[string]common.Instrument) ([]common.Position, error) {
	return nil, nil
}
func (v *instVenue) Instruments(ctx context.Context, symbols []string) (map[string]common.Instrument, error) {
	return v.insts, nil
}

func newTestGateway(t *testing.T) (*Gateway, *feed.Aggregator) {
	t.Helper()
	bus := events.NewBus()
	agg := feed.NewAggregator(bus, 0.05, 0.05, nil)

	acct := account.NewSynchronizer(bus, nil, []account.VenueClient{
		&instVenue{venue: common.VenueOKX, insts: map[string]common.Instrument{
			"BTC-USDT": {Venue: common.VenueOKX, Symbol: "BTC-USDT", CtVal: 0.001, MinQty: 1},
		}},
		&instVenue{venue: common.VenueBinance, insts: map[string]common.Instrument{
			"BTC-USDT": {Venue: common.VenueBinance, Symbol: "BTC-USDT", CtVal: 1, MinQty: 0.001, MinNotionalUSDT: 10},
		}},
	}, account.Options{Symbols: []string{"BTC-USDT"}})
	if err := acct.RefreshInstruments(context.Background()); err != nil {
		t.Fatalf("instruments: %v", err)
	}

	g := New(nil, nil, acct, agg, Options{Leverage: 5, MarginMode: "cross", ReduceOnly: true})
	return g, agg
}

func quoteBoth(agg *feed.Aggregator, price float64) {
	agg.Apply(common.Quote{Venue: common.VenueOKX, Symbol: "BTC-USDT",
		Bid: price - 0.5, Ask: price + 0.5, Last: price})
	agg.Apply(common.Quote{Venue: common.VenueBinance, Symbol: "BTC-USDT",
		Bid: price - 0.5, Ask: price + 0.5, Last: price})
}

func TestEntryQtyOKXFloorsContracts(t *testing.T) {
	g, agg := newTestGateway(t)
	quoteBoth(agg, 43000)

	// 10 USDT margin * 5x = 50 USDT notional. One contract is
	// 0.001 BTC = ~43 USDT, so exactly 1 contract fits.
	native, coin, err := g.entryQty(common.VenueOKX, "BTC-USDT", common.DirLong, 10)
	if err != nil {
		t.Fatalf("entryQty: %v", err)
	}
	if native != 1 {
		t.Errorf("contracts = %v, want 1", native)
	}
	if coin != 0.001 {
		t.Errorf("coin qty = %v, want 0.001", coin)
	}
}

func TestEntryQtyBinanceRoundsToLot(t *testing.T) {
	g, agg := newTestGateway(t)
	quoteBoth(agg, 43000)

	native, coin, err := g.entryQty(common.VenueBinance, "BTC-USDT", common.DirLong, 10)
	if err != nil {
		t.Fatalf("entryQty: %v", err)
	}
	if native != coin {
		t.Errorf("binance native (%v) should equal coin qty (%v)", native, coin)
	}
	// 50/43000.5 = 0.001162..., floored to the 0.001 lot step.
	if native != 0.001 {
		t.Errorf("qty = %v, want 0.001", native)
	}
}

func TestEntryQtyShortSizesAgainstBid(t *testing.T) {
	g, agg := newTestGateway(t)
	// Wide book so the side matters: bid 40000, ask 50000.
	agg.Apply(common.Quote{Venue: common.VenueBinance, Symbol: "BTC-USDT",
		Bid: 40000, Ask: 50000, Last: 45000})

	long, _, err := g.entryQty(common.VenueBinance, "BTC-USDT", common.DirLong, 100)
	if err != nil {
		t.Fatalf("long: %v", err)
	}
	short, _, err := g.entryQty(common.VenueBinance, "BTC-USDT", common.DirShort, 100)
	if err != nil {
		t.Fatalf("short: %v", err)
	}
	if short <= long {
		t.Errorf("short qty %v should exceed long qty %v at a lower price", short, long)
	}
}

func TestEntryQtyRejectsBelowMinNotional(t *testing.T) {
	g, agg := newTestGateway(t)
	quoteBoth(agg, 43000)

	// 1 USDT margin * 5x = 5 USDT, under the 10 USDT binance floor.
	_, _, err := g.entryQty(common.VenueBinance, "BTC-USDT", common.DirLong, 1)
	if !errors.Is(err, ErrBelowMinNotional) {
		t.Fatalf("err = %v, want ErrBelowMinNotional", err)
	}
}

func TestEntryQtyRequiresQuote(t *testing.T) {
	g, _ := newTestGateway(t)
	_, _, err := g.entryQty(common.VenueOKX, "BTC-USDT", common.DirLong, 10)
	if !errors.Is(err, ErrNoQuote) {
		t.Fatalf("err = %v, want ErrNoQuote", err)
	}
}

func TestCloseRequiresPosition(t *testing.T) {
	g, _ := newTestGateway(t)
	_, err := g.Close(context.Background(), common.VenueOKX, "BTC-USDT")
	if !errors.Is(err, ErrNoPosition) {
		t.Fatalf("err = %v, want ErrNoPosition", err)
	}
}

func TestClientIDFormat(t *testing.T) {
	id := newClientID()
	if len(id) > 32 {
		t.Errorf("client id %q longer than 32 chars", id)
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			t.Errorf("client id %q contains non-alphanumeric %q", id, r)
		}
	}
	if id == newClientID() {
		t.Error("client ids must be unique")
	}
}
