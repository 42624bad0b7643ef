package account

import (
	"context"
	"testing"
	"time"

	"github.com/PENG1028/TradingFetcher/internal/events"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/binance"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/okx"
)

type fakeVenue struct {
	venue       common.Venue
	balances    []common.Balance
	positions   []common.Position
	instruments map[string]common.Instrument
	balanceErr  error
}

func (f *fakeVenue) Venue() common.Venue { return f.venue }

func (f *fakeVenue) Balances(ctx context.Context) ([]common.Balance, error) {
	return f.balances, f.balanceErr
}

func (f *fakeVenue) Positions(ctx context.Context, _ map[string]common.Instrument) ([]common.Position, error) {
	return f.positions, nil
}

func (f *fakeVenue) Instruments(ctx context.Context, symbols []string) (map[string]common.Instrument, error) {
	return f.instruments, nil
}

func newTestSync(t *testing.T, venues ...*fakeVenue) *Synchronizer {
	t.Helper()
	clients := make([]VenueClient, 0, len(venues))
	for _, v := range venues {
		clients = append(clients, v)
	}
	return NewSynchronizer(events.NewBus(), nil, clients, Options{
		Symbols: []string{"BTC-USDT", "ETH-USDT"},
	})
}

func TestRefreshAllReplacesPositions(t *testing.T) {
	v := &fakeVenue{
		venue: common.VenueOKX,
		balances: []common.Balance{
			{Venue: common.VenueOKX, Asset: "USDT", Total: 500, Available: 450},
		},
		positions: []common.Position{
			{Venue: common.VenueOKX, Symbol: "BTC-USDT", Direction: common.DirLong, Qty: 0.01},
		},
		instruments: map[string]common.Instrument{},
	}
	s := newTestSync(t, v)
	ctx := context.Background()

	if err := s.RefreshAll(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := s.Position(common.VenueOKX, "BTC-USDT"); !ok {
		t.Fatal("position missing after refresh")
	}

	// The venue no longer reports the position: it must disappear even
	// though no push said so.
	v.positions = nil
	if err := s.RefreshAll(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := s.Position(common.VenueOKX, "BTC-USDT"); ok {
		t.Fatal("stale position survived a full snapshot")
	}
}

func TestRefreshAllKeepsEarliestOpenTime(t *testing.T) {
	opened := time.Now().Add(-5 * time.Minute)
	v := &fakeVenue{
		venue: common.VenueOKX,
		positions: []common.Position{
			{Venue: common.VenueOKX, Symbol: "BTC-USDT", Direction: common.DirLong, Qty: 0.01, OpenedAt: opened},
		},
		instruments: map[string]common.Instrument{},
	}
	s := newTestSync(t, v)
	ctx := context.Background()

	if err := s.RefreshAll(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Venue reports a later timestamp on the next snapshot; the earliest
	// stays so hold-duration math does not reset.
	v.positions[0].OpenedAt = time.Now()
	if err := s.RefreshAll(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	p, _ := s.Position(common.VenueOKX, "BTC-USDT")
	if !p.OpenedAt.Equal(opened) {
		t.Errorf("opened at = %v, want earliest %v", p.OpenedAt, opened)
	}
}

func TestOKXPushConvertsContracts(t *testing.T) {
	v := &fakeVenue{
		venue: common.VenueOKX,
		instruments: map[string]common.Instrument{
			"BTC-USDT": {Venue: common.VenueOKX, Symbol: "BTC-USDT", CtVal: 0.001},
		},
	}
	s := newTestSync(t, v)
	if err := s.RefreshInstruments(context.Background()); err != nil {
		t.Fatalf("instruments: %v", err)
	}

	s.HandleOKXPush(okx.BalancePosition{
		TS: time.Now(),
		Positions: []okx.PositionUpdate{
			{Symbol: "BTC-USDT", Direction: common.DirShort, Qty: 3, EntryPrice: 43000},
		},
	})

	p, ok := s.Position(common.VenueOKX, "BTC-USDT")
	if !ok {
		t.Fatal("position missing")
	}
	if p.Qty != 0.003 {
		t.Errorf("qty = %v, want 3 contracts * 0.001 ctVal = 0.003", p.Qty)
	}
	if p.Direction != common.DirShort {
		t.Errorf("direction = %s", p.Direction)
	}
}

func TestBinancePushZeroQtyClosesPosition(t *testing.T) {
	s := newTestSync(t, &fakeVenue{venue: common.VenueBinance, instruments: map[string]common.Instrument{}})

	s.HandleBinancePush(binance.AccountEvent{
		TS: time.Now(),
		Positions: []binance.PositionUpdate{
			{Symbol: "BTC-USDT", Direction: common.DirLong, Qty: 0.01, EntryPrice: 43000},
		},
	})
	if _, ok := s.Position(common.VenueBinance, "BTC-USDT"); !ok {
		t.Fatal("position not opened by push")
	}

	s.HandleBinancePush(binance.AccountEvent{
		TS:        time.Now(),
		Positions: []binance.PositionUpdate{{Symbol: "BTC-USDT", Direction: common.DirLong, Qty: 0}},
	})
	if _, ok := s.Position(common.VenueBinance, "BTC-USDT"); ok {
		t.Fatal("zero-qty push should close the position")
	}
}

func TestBalancePushMergesPerAsset(t *testing.T) {
	s := newTestSync(t, &fakeVenue{venue: common.VenueBinance})

	s.ApplyBalances(common.VenueBinance, []common.Balance{
		{Venue: common.VenueBinance, Asset: "USDT", Total: 1000, Available: 900},
		{Venue: common.VenueBinance, Asset: "BNB", Total: 2, Available: 2},
	})
	s.ApplyBalances(common.VenueBinance, []common.Balance{
		{Venue: common.VenueBinance, Asset: "USDT", Total: 990, Available: 890},
	})

	if got := s.AvailableUSDT(common.VenueBinance); got != 890 {
		t.Errorf("available USDT = %v, want 890", got)
	}
	bals := s.Balances()
	if bals[common.VenueBinance]["BNB"].Total != 2 {
		t.Error("unrelated asset lost on partial push")
	}
}

func TestTradableRequiresBothVenues(t *testing.T) {
	okxVenue := &fakeVenue{
		venue: common.VenueOKX,
		instruments: map[string]common.Instrument{
			"BTC-USDT": {Symbol: "BTC-USDT", CtVal: 0.001},
			"ETH-USDT": {Symbol: "ETH-USDT", CtVal: 0.01},
		},
	}
	binVenue := &fakeVenue{
		venue: common.VenueBinance,
		instruments: map[string]common.Instrument{
			"BTC-USDT": {Symbol: "BTC-USDT", CtVal: 1},
		},
	}
	s := newTestSync(t, okxVenue, binVenue)
	if err := s.RefreshInstruments(context.Background()); err != nil {
		t.Fatalf("instruments: %v", err)
	}

	got := s.Tradable()
	if len(got) != 1 || got[0] != "BTC-USDT" {
		t.Errorf("tradable = %v, want [BTC-USDT]", got)
	}
}

func TestPositionsSnapshotIsCopy(t *testing.T) {
	s := newTestSync(t, &fakeVenue{venue: common.VenueOKX})
	s.ApplyPositionPush(common.VenueOKX, "BTC-USDT", common.DirLong, 0.01, 43000, time.Now())

	snap := s.Positions()
	delete(snap[common.VenueOKX], "BTC-USDT")

	if _, ok := s.Position(common.VenueOKX, "BTC-USDT"); !ok {
		t.Fatal("mutating the snapshot changed internal state")
	}
}
