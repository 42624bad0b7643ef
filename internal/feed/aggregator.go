// Package feed aggregates venue quotes and derives cross-venue spreads.
package feed

import (
	"sync"
	"time"

	"github.com/PENG1028/TradingFetcher/internal/events"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
)

// Spread is the derived cross-venue opportunity for one symbol.
// NetLongOKX nets out fees for buying OKX and selling Binance;
// NetLongBinance the reverse. NetPct is the better of the two and
// LongVenue names the side it belongs to. GrossPct compares last
// prices and ignores fees.
type Spread struct {
	Symbol string

	NetLongOKX     float64
	NetLongBinance float64
	NetPct         float64
	LongVenue      common.Venue
	ShortVenue     common.Venue
	GrossPct       float64

	UpdatedAt time.Time
}

// Aggregator merges partial quote updates per venue and recomputes the
// spread on every change.
type Aggregator struct {
	bus     *events.Bus
	feeOKX  float64 // percent per leg
	feeBin  float64
	onQuote func(common.Quote)

	mu      sync.RWMutex
	quotes  map[common.Venue]map[string]common.Quote
	spreads map[string]Spread
}

// NewAggregator creates an aggregator. Fees are percent per leg, e.g.
// 0.05 for five basis points. onQuote may be nil; when set it receives
// every merged quote, which the persistence layer uses for tick capture.
func NewAggregator(bus *events.Bus, feeOKXPct, feeBinancePct float64, onQuote func(common.Quote)) *Aggregator {
	return &Aggregator{
		bus:     bus,
		feeOKX:  feeOKXPct,
		feeBin:  feeBinancePct,
		onQuote: onQuote,
		quotes:  make(map[common.Venue]map[string]common.Quote),
		spreads: make(map[string]Spread),
	}
}

// Apply merges one quote update. Zero bid/ask/last fields leave the
// stored value untouched, so book-only and ticker-only frames combine
// into one complete quote.
func (a *Aggregator) Apply(q common.Quote) {
	a.mu.Lock()
	byVenue := a.quotes[q.Venue]
	if byVenue == nil {
		byVenue = make(map[string]common.Quote)
		a.quotes[q.Venue] = byVenue
	}
	cur := byVenue[q.Symbol]
	cur.Venue = q.Venue
	cur.Symbol = q.Symbol
	if q.Bid > 0 {
		cur.Bid = q.Bid
		cur.BidSize = q.BidSize
	}
	if q.Ask > 0 {
		cur.Ask = q.Ask
		cur.AskSize = q.AskSize
	}
	if q.Last > 0 {
		cur.Last = q.Last
	}
	if !q.TS.IsZero() {
		cur.TS = q.TS
	}
	byVenue[q.Symbol] = cur

	spread, ok := a.computeSpread(q.Symbol)
	if ok {
		a.spreads[q.Symbol] = spread
	}
	a.mu.Unlock()

	if a.onQuote != nil {
		a.onQuote(cur)
	}
	a.bus.Publish(events.EventQuoteTick, cur)
	if ok {
		a.bus.Publish(events.EventSpreadUpdate, spread)
	}
}

// computeSpread derives the spread for a symbol. Caller holds the lock.
func (a *Aggregator) computeSpread(symbol string) (Spread, bool) {
	okx, okOKX := a.quotes[common.VenueOKX][symbol]
	bin, okBin := a.quotes[common.VenueBinance][symbol]
	if !okOKX || !okBin {
		return Spread{}, false
	}
	if okx.Bid <= 0 || okx.Ask <= 0 || bin.Bid <= 0 || bin.Ask <= 0 {
		return Spread{}, false
	}
	// Books can complete before a trade print arrives. Hold the spread
	// back until both venues have a last price so gross is never stale.
	if okx.Last <= 0 || bin.Last <= 0 {
		return Spread{}, false
	}

	fees := a.feeOKX + a.feeBin
	netLongOKX := pctDiff(bin.Bid, okx.Ask) - fees
	netLongBin := pctDiff(okx.Bid, bin.Ask) - fees

	s := Spread{
		Symbol:         symbol,
		NetLongOKX:     netLongOKX,
		NetLongBinance: netLongBin,
		UpdatedAt:      time.Now(),
	}
	if netLongOKX >= netLongBin {
		s.NetPct = netLongOKX
		s.LongVenue = common.VenueOKX
		s.ShortVenue = common.VenueBinance
	} else {
		s.NetPct = netLongBin
		s.LongVenue = common.VenueBinance
		s.ShortVenue = common.VenueOKX
	}

	// Gross tracks last-price divergence and stays fee-free on purpose;
	// the two numbers answer different questions.
	g := pctDiff(bin.Last, okx.Last)
	if g < 0 {
		g = -g
	}
	s.GrossPct = g
	return s, true
}

// pctDiff returns (sell-buy)/avg*100.
func pctDiff(sell, buy float64) float64 {
	avg := (sell + buy) / 2
	if avg == 0 {
		return 0
	}
	return (sell - buy) / avg * 100
}

// Spread returns the current spread for a symbol.
func (a *Aggregator) Spread(symbol string) (Spread, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.spreads[symbol]
	return s, ok
}

// Quote returns the merged quote for a venue/symbol.
func (a *Aggregator) Quote(venue common.Venue, symbol string) (common.Quote, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	q, ok := a.quotes[venue][symbol]
	return q, ok
}

// Snapshot returns a deep copy of all complete quotes and spreads.
// Quotes still missing a last price are filtered out so consumers never
// divide by a half-filled entry.
func (a *Aggregator) Snapshot() (map[common.Venue]map[string]common.Quote, map[string]Spread) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	quotes := make(map[common.Venue]map[string]common.Quote, len(a.quotes))
	for venue, byVenue := range a.quotes {
		out := make(map[string]common.Quote, len(byVenue))
		for sym, q := range byVenue {
			if q.Bid <= 0 || q.Ask <= 0 || q.Last <= 0 {
				continue
			}
			out[sym] = q
		}
		quotes[venue] = out
	}

	spreads := make(map[string]Spread, len(a.spreads))
	for sym, s := range a.spreads {
		spreads[sym] = s
	}
	return quotes, spreads
}
