// Package account tracks balances, positions, and instrument metadata
// across venues, reconciling websocket pushes against periodic REST
// snapshots.
package account

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/PENG1028/TradingFetcher/internal/events"
	"github.com/PENG1028/TradingFetcher/pkg/db"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
)

// VenueClient is the REST surface the synchronizer needs per venue.
type VenueClient interface {
	Venue() common.Venue
	Balances(ctx context.Context) ([]common.Balance, error)
	Positions(ctx context.Context, instruments map[string]common.Instrument) ([]common.Position, error)
	Instruments(ctx context.Context, symbols []string) (map[string]common.Instrument, error)
}

// Options configure the synchronizer's timers.
type Options struct {
	Symbols           []string
	SnapshotInterval  time.Duration // REST full snapshot, default 15s
	InstrumentRefresh time.Duration // contract metadata, default 4h
	ListenKeyRenew    time.Duration // binance user stream, default 30m
}

// Synchronizer holds the authoritative account view. Pushes update it
// immediately; the snapshot loop replaces it wholesale so missed or
// reordered pushes can never leave state stale for long.
type Synchronizer struct {
	bus     *events.Bus
	queries *db.Queries
	clients []VenueClient
	opts    Options

	// renewListenKey extends the binance user stream key; nil when the
	// private stream is not running.
	renewListenKey func(ctx context.Context) error

	mu          sync.RWMutex
	balances    map[common.Venue]map[string]common.Balance
	positions   map[common.Venue]map[string]common.Position
	instruments map[common.Venue]map[string]common.Instrument
}

// NewSynchronizer builds a synchronizer. queries may be nil to skip the
// trade log.
func NewSynchronizer(bus *events.Bus, queries *db.Queries, clients []VenueClient, opts Options) *Synchronizer {
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 15 * time.Second
	}
	if opts.InstrumentRefresh <= 0 {
		opts.InstrumentRefresh = 4 * time.Hour
	}
	if opts.ListenKeyRenew <= 0 {
		opts.ListenKeyRenew = 30 * time.Minute
	}
	return &Synchronizer{
		bus:         bus,
		queries:     queries,
		clients:     clients,
		opts:        opts,
		balances:    make(map[common.Venue]map[string]common.Balance),
		positions:   make(map[common.Venue]map[string]common.Position),
		instruments: make(map[common.Venue]map[string]common.Instrument),
	}
}

// SetListenKeyRenewer installs the binance listen key keepalive.
func (s *Synchronizer) SetListenKeyRenewer(f func(ctx context.Context) error) {
	s.renewListenKey = f
}

// Start performs the initial load and launches the refresh loops.
func (s *Synchronizer) Start(ctx context.Context) error {
	if err := s.RefreshInstruments(ctx); err != nil {
		return err
	}
	if err := s.RefreshAll(ctx); err != nil {
		return err
	}

	go s.loop(ctx, s.opts.SnapshotInterval, func() {
		if err := s.RefreshAll(ctx); err != nil {
			log.Printf("account: snapshot refresh failed: %v", err)
		}
	})
	go s.loop(ctx, s.opts.InstrumentRefresh, func() {
		if err := s.RefreshInstruments(ctx); err != nil {
			log.Printf("account: instrument refresh failed: %v", err)
		}
	})
	go s.loop(ctx, s.opts.ListenKeyRenew, func() {
		if s.renewListenKey == nil {
			return
		}
		if err := s.renewListenKey(ctx); err != nil {
			log.Printf("account: listen key renewal failed: %v", err)
		}
	})
	return nil
}

func (s *Synchronizer) loop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// RefreshInstruments reloads contract metadata on every venue.
func (s *Synchronizer) RefreshInstruments(ctx context.Context) error {
	for _, c := range s.clients {
		insts, err := c.Instruments(ctx, s.opts.Symbols)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.instruments[c.Venue()] = insts
		s.mu.Unlock()
		log.Printf("account: %s instruments refreshed (%d)", c.Venue(), len(insts))
	}
	return nil
}

// RefreshAll replaces balances and positions from REST on every venue.
// Positions absent from the snapshot are dropped; a position the venue
// no longer reports is closed no matter what pushes said.
func (s *Synchronizer) RefreshAll(ctx context.Context) error {
	for _, c := range s.clients {
		venue := c.Venue()

		bals, err := c.Balances(ctx)
		if err != nil {
			return err
		}
		poss, err := c.Positions(ctx, s.instrumentsFor(venue))
		if err != nil {
			return err
		}

		s.mu.Lock()
		balMap := make(map[string]common.Balance, len(bals))
		for _, b := range bals {
			balMap[b.Asset] = b
		}
		s.balances[venue] = balMap

		old := s.positions[venue]
		posMap := make(map[string]common.Position, len(poss))
		for _, p := range poss {
			// Keep the earliest observed open time across refreshes.
			if prev, ok := old[p.Symbol]; ok && prev.Direction == p.Direction &&
				!prev.OpenedAt.IsZero() && prev.OpenedAt.Before(p.OpenedAt) {
				p.OpenedAt = prev.OpenedAt
			}
			posMap[p.Symbol] = p
		}
		s.positions[venue] = posMap
		s.mu.Unlock()
	}

	s.bus.Publish(events.EventAccountUpdate, s.PositionCount())
	return nil
}

// RefreshBalances reloads balances only, used right after fills where a
// full position snapshot would waste the rate budget.
func (s *Synchronizer) RefreshBalances(ctx context.Context, venue common.Venue) error {
	for _, c := range s.clients {
		if c.Venue() != venue {
			continue
		}
		bals, err := c.Balances(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		balMap := make(map[string]common.Balance, len(bals))
		for _, b := range bals {
			balMap[b.Asset] = b
		}
		s.balances[venue] = balMap
		s.mu.Unlock()
		return nil
	}
	return nil
}

// ApplyBalances merges pushed balances into the venue's balance map.
func (s *Synchronizer) ApplyBalances(venue common.Venue, bals []common.Balance) {
	s.mu.Lock()
	byAsset := s.balances[venue]
	if byAsset == nil {
		byAsset = make(map[string]common.Balance)
		s.balances[venue] = byAsset
	}
	for _, b := range bals {
		byAsset[b.Asset] = b
	}
	s.mu.Unlock()
	s.bus.Publish(events.EventAccountUpdate, venue)
}

// ApplyPositionPush applies one pushed position change. qty is coin
// units; OKX contract counts must be converted before calling. A zero
// qty closes the symbol.
func (s *Synchronizer) ApplyPositionPush(venue common.Venue, symbol string, dir common.Direction, qty, entryPrice float64, ts time.Time) {
	s.mu.Lock()
	bySymbol := s.positions[venue]
	if bySymbol == nil {
		bySymbol = make(map[string]common.Position)
		s.positions[venue] = bySymbol
	}

	if qty == 0 {
		delete(bySymbol, symbol)
	} else {
		pos, exists := bySymbol[symbol]
		if !exists || pos.Direction != dir {
			pos = common.Position{
				Venue:     venue,
				Symbol:    symbol,
				Direction: dir,
				OpenedAt:  ts,
			}
		}
		pos.Qty = qty
		if entryPrice > 0 {
			pos.EntryPrice = entryPrice
		}
		bySymbol[symbol] = pos
	}
	s.mu.Unlock()
	s.bus.Publish(events.EventAccountUpdate, venue)
}

// ContractsToCoin converts an OKX contract count using the instrument's
// ctVal. Unknown instruments convert 1:1.
func (s *Synchronizer) ContractsToCoin(venue common.Venue, symbol string, contracts float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if inst, ok := s.instruments[venue][symbol]; ok && inst.CtVal > 0 {
		return contracts * inst.CtVal
	}
	return contracts
}

// RecordFill logs a fill, publishes it, and schedules a balance-only
// refresh for the venue.
func (s *Synchronizer) RecordFill(ctx context.Context, f common.Fill, action common.Action) {
	if action == "" {
		// Stream fills carry no entry/exit marker; infer from whether
		// the fill runs with or against the tracked position.
		if pos, ok := s.Position(f.Venue, f.Symbol); ok && pos.Direction == f.Direction {
			action = common.ActionEntry
		} else {
			action = common.ActionExit
		}
	}
	if s.queries != nil {
		rec := db.TradeRecord{
			Venue:     string(f.Venue),
			Symbol:    f.Symbol,
			OrderID:   f.ExchangeOrderID,
			Direction: string(f.Direction),
			Action:    string(action),
			Qty:       f.Qty,
			Price:     f.Price,
			Fee:       f.Fee,
			TS:        f.TS.UnixMilli(),
		}
		if err := s.queries.InsertTrade(ctx, rec); err != nil {
			log.Printf("account: trade log write failed: %v", err)
		}
	}
	s.bus.Publish(events.EventOrderFilled, f)

	go func() {
		if err := s.RefreshBalances(ctx, f.Venue); err != nil {
			log.Printf("account: post-fill balance refresh failed: %v", err)
		}
	}()
}

// Position returns the open position for a venue/symbol.
func (s *Synchronizer) Position(venue common.Venue, symbol string) (common.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[venue][symbol]
	return p, ok
}

// Positions returns a deep copy of all open positions.
func (s *Synchronizer) Positions() map[common.Venue]map[string]common.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[common.Venue]map[string]common.Position, len(s.positions))
	for venue, bySymbol := range s.positions {
		m := make(map[string]common.Position, len(bySymbol))
		for sym, p := range bySymbol {
			m[sym] = p
		}
		out[venue] = m
	}
	return out
}

// PositionCount returns the number of open positions across venues.
func (s *Synchronizer) PositionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, bySymbol := range s.positions {
		n += len(bySymbol)
	}
	return n
}

// Balances returns a deep copy of all balances.
func (s *Synchronizer) Balances() map[common.Venue]map[string]common.Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[common.Venue]map[string]common.Balance, len(s.balances))
	for venue, byAsset := range s.balances {
		m := make(map[string]common.Balance, len(byAsset))
		for asset, b := range byAsset {
			m[asset] = b
		}
		out[venue] = m
	}
	return out
}

// AvailableUSDT returns the venue's available USDT balance.
func (s *Synchronizer) AvailableUSDT(venue common.Venue) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[venue]["USDT"].Available
}

// Instrument returns contract metadata for a venue/symbol.
func (s *Synchronizer) Instrument(venue common.Venue, symbol string) (common.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[venue][symbol]
	return inst, ok
}

// Tradable returns the symbols listed live on every venue. Arbitrage
// needs both legs, so a symbol missing on either side is excluded.
func (s *Synchronizer) Tradable() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, sym := range s.opts.Symbols {
		onAll := len(s.clients) > 0
		for _, c := range s.clients {
			if _, ok := s.instruments[c.Venue()][sym]; !ok {
				onAll = false
				break
			}
		}
		if onAll {
			out = append(out, sym)
		}
	}
	return out
}

func (s *Synchronizer) instrumentsFor(venue common.Venue) map[string]common.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instruments[venue]
}
