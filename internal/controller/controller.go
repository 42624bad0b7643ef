// Package controller runs the periodic decision loop: audits leg
// consistency, opens paired positions when the spread clears the entry
// bar, exits them against a decaying profit target, and force-closes
// anything near liquidation.
package controller

import (
	"context"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/PENG1028/TradingFetcher/internal/events"
	"github.com/PENG1028/TradingFetcher/internal/feed"
	"github.com/PENG1028/TradingFetcher/pkg/db"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
)

// OrderPlacer is the order surface the controller drives. Implemented
// by the gateway; faked in tests.
type OrderPlacer interface {
	Open(ctx context.Context, venue common.Venue, symbol string, dir common.Direction, marginUSDT float64) (common.OrderResult, float64, error)
	Close(ctx context.Context, venue common.Venue, symbol string) (common.OrderResult, error)
}

// AccountView is the read side of the account synchronizer.
type AccountView interface {
	Positions() map[common.Venue]map[string]common.Position
	Position(venue common.Venue, symbol string) (common.Position, bool)
	AvailableUSDT(venue common.Venue) float64
}

// MarketView is the read side of the price aggregator.
type MarketView interface {
	Snapshot() (map[common.Venue]map[string]common.Quote, map[string]feed.Spread)
}

// ArbSink records completed pairs. *db.Queries satisfies it.
type ArbSink interface {
	InsertCompletedArb(ctx context.Context, a db.CompletedArb) error
}

// Config carries the decision-loop tuning knobs.
type Config struct {
	EntryThresholdPct    float64 // net spread percent required to enter
	GoalNetBase          float64 // base exit target, fraction of margin
	TaperMax             float64
	TaperMin             float64
	MaxHold              time.Duration
	MaxOpenPairs         int
	BaseMargin           float64 // USDT per leg
	MinMargin            float64
	MaxMarginPerSymbol   float64
	Leverage             int
	DepthFactor          float64
	NotionalTolerance    float64 // fraction, e.g. 0.1
	ReduceOnlyPairs      bool
	LiquidationThreshold float64 // e.g. 0.95
	MarginMode           string  // cross or isolated

	CycleInterval   time.Duration
	LegGrace        time.Duration
	ConfirmDeadline time.Duration
	ConfirmInterval time.Duration
	ExitRetries     int
	ExitRetryDelay  time.Duration
	QuoteStaleAfter time.Duration

	// MinNotional reports the minimum order notional in USDT for a
	// symbol on a venue, or 0 when unknown. Optional.
	MinNotional func(venue common.Venue, symbol string) float64
}

func (c *Config) fill() {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 200 * time.Millisecond
	}
	if c.LegGrace <= 0 {
		c.LegGrace = 1500 * time.Millisecond
	}
	if c.ConfirmDeadline <= 0 {
		c.ConfirmDeadline = 10 * time.Second
	}
	if c.ConfirmInterval <= 0 {
		c.ConfirmInterval = 200 * time.Millisecond
	}
	if c.ExitRetries <= 0 {
		c.ExitRetries = 10
	}
	if c.ExitRetryDelay <= 0 {
		c.ExitRetryDelay = 500 * time.Millisecond
	}
	if c.QuoteStaleAfter <= 0 {
		c.QuoteStaleAfter = 10 * time.Second
	}
	if c.DepthFactor <= 0 {
		c.DepthFactor = 1.5
	}
	if c.Leverage <= 0 {
		c.Leverage = 5
	}
}

// pairState tracks a pair from entry to exit for the completed record.
type pairState struct {
	ID          string
	LongVenue   common.Venue
	ShortVenue  common.Venue
	EntrySpread float64
	MarginUSDT  float64
	OpenedAt    time.Time
}

// Controller is the execution decision loop.
type Controller struct {
	cfg    Config
	bus    *events.Bus
	market MarketView
	acct   AccountView
	orders OrderPlacer
	arbs   ArbSink
	locks  *LockTable

	// onCycle observes cycle wall time; wired to metrics.
	onCycle func(time.Duration)
	// onFault handles a panic escaping the loop. The default flattens
	// everything and exits.
	onFault func(v any)

	running atomic.Bool

	mu      sync.Mutex
	pending map[string]time.Time // symbol -> first leg submit time
	pairs   map[string]pairState
}

// New creates a controller. arbs may be nil to skip record keeping.
func New(cfg Config, bus *events.Bus, market MarketView, acct AccountView, orders OrderPlacer, arbs ArbSink) *Controller {
	cfg.fill()
	c := &Controller{
		cfg:     cfg,
		bus:     bus,
		market:  market,
		acct:    acct,
		orders:  orders,
		arbs:    arbs,
		locks:   NewLockTable(),
		pending: make(map[string]time.Time),
		pairs:   make(map[string]pairState),
	}
	c.onFault = c.defaultFault
	return c
}

// Locks exposes the lock table for status reporting.
func (c *Controller) Locks() *LockTable { return c.locks }

// SetCycleObserver installs a cycle duration callback.
func (c *Controller) SetCycleObserver(f func(time.Duration)) { c.onCycle = f }

// SetFaultHandler overrides the panic handler, used by tests.
func (c *Controller) SetFaultHandler(f func(v any)) { c.onFault = f }

// Start runs the decision loop until the context is cancelled. Ticks
// that fire while a cycle is still executing are skipped.
func (c *Controller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.CycleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.running.CompareAndSwap(false, true) {
					continue
				}
				c.RunCycle(ctx)
				c.running.Store(false)
			}
		}
	}()
}

// RunCycle executes one pass of the loop. A panic anywhere inside is a
// strategy fault: positions are no longer managed, so everything gets
// flattened before the process dies.
func (c *Controller) RunCycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.onFault(r)
			return
		}
		if c.onCycle != nil {
			c.onCycle(time.Since(start))
		}
	}()

	_, spreads := c.market.Snapshot()
	positions := c.acct.Positions()
	bySymbol := groupBySymbol(positions)

	c.legAudit(ctx, bySymbol)
	c.wrongDirectionAudit(ctx, bySymbol)
	c.entryPass(ctx, spreads, bySymbol)
	c.exitPass(ctx, spreads)
	c.riskPass(ctx)
}

func (c *Controller) defaultFault(v any) {
	log.Printf("controller: strategy fault: %v", v)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.FlattenAll(ctx)
	os.Exit(1)
}

// groupBySymbol collapses the venue map into per-symbol leg lists.
func groupBySymbol(positions map[common.Venue]map[string]common.Position) map[string][]common.Position {
	out := make(map[string][]common.Position)
	for _, bySym := range positions {
		for sym, p := range bySym {
			out[sym] = append(out[sym], p)
		}
	}
	return out
}

// legAudit unwinds naked legs past the grace window and the smaller leg
// of badly imbalanced pairs.
func (c *Controller) legAudit(ctx context.Context, bySymbol map[string][]common.Position) {
	for symbol, legs := range bySymbol {
		switch len(legs) {
		case 1:
			leg := legs[0]
			start := c.pendingStart(symbol, leg)
			if time.Since(start) <= c.cfg.LegGrace {
				continue
			}
			log.Printf("controller: naked %s leg on %s past grace, unwinding", symbol, leg.Venue)
			c.bus.Publish(events.EventLegImbalance, leg)
			c.clearPending(symbol)
			if err := c.safeExit(ctx, leg.Venue, symbol); err != nil {
				log.Printf("controller: leg unwind %s %s: %v", leg.Venue, symbol, err)
			}
		case 2:
			c.clearPending(symbol)
			a, b := legs[0], legs[1]
			hi, lo := a, b
			if b.Margin > a.Margin {
				hi, lo = b, a
			}
			if hi.Margin <= 0 {
				continue
			}
			if (hi.Margin-lo.Margin)/hi.Margin >= 0.5 {
				log.Printf("controller: %s margins diverged (%.2f vs %.2f), unwinding smaller leg on %s",
					symbol, hi.Margin, lo.Margin, lo.Venue)
				c.bus.Publish(events.EventLegImbalance, lo)
				if err := c.safeExit(ctx, lo.Venue, symbol); err != nil {
					log.Printf("controller: imbalance unwind %s %s: %v", lo.Venue, symbol, err)
				}
			}
		}
	}
}

// wrongDirectionAudit unwinds pairs that cannot be profitable: both
// legs pointing the same way, or the long leg filled above the short.
func (c *Controller) wrongDirectionAudit(ctx context.Context, bySymbol map[string][]common.Position) {
	for symbol, legs := range bySymbol {
		if len(legs) != 2 {
			continue
		}
		a, b := legs[0], legs[1]

		bad := false
		if a.Direction == b.Direction {
			bad = true
		} else {
			long, short := a, b
			if b.Direction == common.DirLong {
				long, short = b, a
			}
			if long.EntryPrice > 0 && short.EntryPrice > 0 && long.EntryPrice > short.EntryPrice {
				bad = true
			}
		}
		if !bad {
			continue
		}

		log.Printf("controller: wrong-direction pair on %s, unwinding both legs", symbol)
		c.bus.Publish(events.EventLegImbalance, legs)
		c.forgetPair(symbol)
		for _, leg := range legs {
			if err := c.safeExit(ctx, leg.Venue, symbol); err != nil {
				log.Printf("controller: wrong-direction unwind %s %s: %v", leg.Venue, symbol, err)
			}
		}
	}
}

// entryPass opens new pairs best spread first.
func (c *Controller) entryPass(ctx context.Context, spreads map[string]feed.Spread, bySymbol map[string][]common.Position) {
	ranked := make([]feed.Spread, 0, len(spreads))
	for _, s := range spreads {
		ranked = append(ranked, s)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].NetPct > ranked[j].NetPct })

	openPairs := 0
	for _, legs := range bySymbol {
		if len(legs) > 0 {
			openPairs++
		}
	}

	for _, s := range ranked {
		// Ranking is descending, so the first miss ends the pass.
		if s.NetPct < c.cfg.EntryThresholdPct {
			break
		}
		if openPairs >= c.cfg.MaxOpenPairs {
			break
		}
		if time.Since(s.UpdatedAt) > c.cfg.QuoteStaleAfter {
			continue
		}

		legs := bySymbol[s.Symbol]
		if len(legs) == 2 {
			if c.cfg.ReduceOnlyPairs {
				continue
			}
			combined := legs[0].Margin + legs[1].Margin
			if combined >= c.cfg.MaxMarginPerSymbol {
				continue
			}
		}
		if len(legs) == 1 {
			// Single legs belong to the audits, not the entry pass.
			continue
		}

		margin := c.usableMargin(s)
		if margin < c.cfg.MinMargin {
			continue
		}
		if !c.notionalViable(s, margin) {
			continue
		}

		ok, abort := c.enterPair(ctx, s, margin)
		if abort {
			return
		}
		if ok {
			openPairs++
		}
	}
}

// usableMargin sizes one leg: bounded by configured base margin, by the
// thinner venue's top-of-book depth, and by both venues' free balance.
func (c *Controller) usableMargin(s feed.Spread) float64 {
	longQ, okL := c.quoteOf(s.LongVenue, s.Symbol)
	shortQ, okS := c.quoteOf(s.ShortVenue, s.Symbol)
	if !okL || !okS {
		return 0
	}

	// The long leg lifts the ask, the short leg hits the bid.
	depthUSDT := math.Min(longQ.AskSize*longQ.Ask, shortQ.BidSize*shortQ.Bid)

	margin := c.cfg.BaseMargin
	if depthUSDT > 0 {
		margin = math.Min(margin, depthUSDT*c.cfg.DepthFactor/float64(c.cfg.Leverage))
	}
	margin = math.Min(margin, c.acct.AvailableUSDT(s.LongVenue))
	margin = math.Min(margin, c.acct.AvailableUSDT(s.ShortVenue))
	if c.cfg.MaxMarginPerSymbol > 0 {
		margin = math.Min(margin, c.cfg.MaxMarginPerSymbol)
	}
	return margin
}

// notionalViable rejects candidates whose leg notional would come in
// under either venue's minimum order size.
func (c *Controller) notionalViable(s feed.Spread, margin float64) bool {
	if c.cfg.MinNotional == nil {
		return true
	}
	notional := margin * float64(c.cfg.Leverage)
	for _, v := range []common.Venue{s.LongVenue, s.ShortVenue} {
		if min := c.cfg.MinNotional(v, s.Symbol); min > 0 && notional < min {
			return false
		}
	}
	return true
}

func (c *Controller) quoteOf(venue common.Venue, symbol string) (common.Quote, bool) {
	quotes, _ := c.market.Snapshot()
	q, ok := quotes[venue][symbol]
	return q, ok
}

// enterPair submits both legs and confirms fills. ok reports a new open
// pair; abort stops the rest of the entry pass.
func (c *Controller) enterPair(ctx context.Context, s feed.Spread, margin float64) (ok, abort bool) {
	if !c.locks.AcquirePair(s.LongVenue, s.ShortVenue, s.Symbol, common.ActionEntry) {
		return false, false
	}
	defer c.locks.ReleasePair(s.LongVenue, s.ShortVenue, s.Symbol, common.ActionEntry)

	c.setPending(s.Symbol)
	log.Printf("controller: entering %s: long %s / short %s, net %.4f%%, margin %.2f USDT",
		s.Symbol, s.LongVenue, s.ShortVenue, s.NetPct, margin)

	type legResult struct {
		venue common.Venue
		coin  float64
		err   error
	}
	results := make(chan legResult, 2)
	submit := func(venue common.Venue, dir common.Direction) {
		_, coin, err := c.orders.Open(ctx, venue, s.Symbol, dir, margin)
		results <- legResult{venue: venue, coin: coin, err: err}
	}
	go submit(s.LongVenue, common.DirLong)
	go submit(s.ShortVenue, common.DirShort)

	a, b := <-results, <-results
	var failed, survived []legResult
	for _, r := range []legResult{a, b} {
		if r.err != nil {
			failed = append(failed, r)
		} else {
			survived = append(survived, r)
		}
	}

	switch len(failed) {
	case 2:
		log.Printf("controller: both %s entry legs failed: %v / %v", s.Symbol, a.err, b.err)
		c.clearPending(s.Symbol)
		c.bus.Publish(events.EventOrderRejected, s.Symbol)
		return false, true
	case 1:
		log.Printf("controller: %s entry leg on %s failed (%v), unwinding %s",
			s.Symbol, failed[0].venue, failed[0].err, survived[0].venue)
		c.bus.Publish(events.EventOrderRejected, s.Symbol)
		c.unwindEntryLeg(ctx, survived[0].venue, s.Symbol)
		c.clearPending(s.Symbol)
		return false, true
	}

	longPos, shortPos, confirmed := c.confirmLegs(ctx, s)
	if !confirmed {
		log.Printf("controller: %s legs never confirmed, unwinding whatever filled", s.Symbol)
		c.unwindEntryLeg(ctx, s.LongVenue, s.Symbol)
		c.unwindEntryLeg(ctx, s.ShortVenue, s.Symbol)
		c.clearPending(s.Symbol)
		return false, true
	}
	c.clearPending(s.Symbol)

	notionalL := longPos.Qty * longPos.EntryPrice
	notionalS := shortPos.Qty * shortPos.EntryPrice
	if mismatch(notionalL, notionalS) > c.cfg.NotionalTolerance {
		log.Printf("controller: %s leg notionals diverge (%.2f vs %.2f), unwinding both",
			s.Symbol, notionalL, notionalS)
		c.unwindEntryLeg(ctx, s.LongVenue, s.Symbol)
		c.unwindEntryLeg(ctx, s.ShortVenue, s.Symbol)
		return false, true
	}

	c.mu.Lock()
	c.pairs[s.Symbol] = pairState{
		ID:          uuid.NewString(),
		LongVenue:   s.LongVenue,
		ShortVenue:  s.ShortVenue,
		EntrySpread: s.NetPct,
		MarginUSDT:  longPos.Margin + shortPos.Margin,
		OpenedAt:    time.Now(),
	}
	c.mu.Unlock()

	c.bus.Publish(events.EventPairOpened, s.Symbol)
	log.Printf("controller: %s pair open: long %s %.6f @ %.2f / short %s %.6f @ %.2f",
		s.Symbol, s.LongVenue, longPos.Qty, longPos.EntryPrice,
		s.ShortVenue, shortPos.Qty, shortPos.EntryPrice)
	return true, false
}

// confirmLegs polls the account view until both legs report quantity.
func (c *Controller) confirmLegs(ctx context.Context, s feed.Spread) (longPos, shortPos common.Position, ok bool) {
	deadline := time.Now().Add(c.cfg.ConfirmDeadline)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return longPos, shortPos, false
		case <-time.After(c.cfg.ConfirmInterval):
		}
		l, okL := c.acct.Position(s.LongVenue, s.Symbol)
		r, okS := c.acct.Position(s.ShortVenue, s.Symbol)
		if okL && okS && l.Qty > 0 && r.Qty > 0 {
			return l, r, true
		}
	}
	return longPos, shortPos, false
}

// unwindEntryLeg closes a leg opened moments ago; absence is success.
func (c *Controller) unwindEntryLeg(ctx context.Context, venue common.Venue, symbol string) {
	if err := c.safeExit(ctx, venue, symbol); err != nil {
		log.Printf("controller: compensating close %s %s failed: %v", venue, symbol, err)
	}
}

// exitPass closes pairs whose net return cleared the decaying target.
func (c *Controller) exitPass(ctx context.Context, spreads map[string]feed.Spread) {
	positions := c.acct.Positions()
	bySymbol := groupBySymbol(positions)

	for symbol, legs := range bySymbol {
		if len(legs) != 2 {
			continue
		}
		a, b := legs[0], legs[1]
		marginSum := a.Margin + b.Margin
		if marginSum <= 0 {
			continue
		}

		held := c.heldFor(symbol, legs)
		target := c.exitTarget(held)
		ret := (a.UnrealPnl + b.UnrealPnl) / marginSum
		if ret < target {
			continue
		}
		if !c.closeDepthOK(legs) {
			continue
		}

		log.Printf("controller: exiting %s: return %.4f >= target %.4f (held %s)",
			symbol, ret, target, held.Truncate(time.Second))
		c.closePair(ctx, symbol, legs, spreads[symbol], ret*marginSum)
	}
}

// exitTarget relaxes the profit bar linearly over the holding time.
func (c *Controller) exitTarget(held time.Duration) float64 {
	frac := held.Seconds() / c.cfg.MaxHold.Seconds()
	if frac > 1 {
		frac = 1
	}
	return c.cfg.GoalNetBase * (c.cfg.TaperMax - (c.cfg.TaperMax-c.cfg.TaperMin)*frac)
}

func (c *Controller) heldFor(symbol string, legs []common.Position) time.Duration {
	c.mu.Lock()
	pair, ok := c.pairs[symbol]
	c.mu.Unlock()
	if ok {
		return time.Since(pair.OpenedAt)
	}
	earliest := time.Now()
	for _, leg := range legs {
		if !leg.OpenedAt.IsZero() && leg.OpenedAt.Before(earliest) {
			earliest = leg.OpenedAt
		}
	}
	return time.Since(earliest)
}

// closeDepthOK checks the book can absorb both closes at the touch.
func (c *Controller) closeDepthOK(legs []common.Position) bool {
	for _, leg := range legs {
		q, ok := c.quoteOf(leg.Venue, leg.Symbol)
		if !ok {
			return false
		}
		// Longs close into the bid, shorts into the ask.
		avail := q.BidSize
		if leg.Direction == common.DirShort {
			avail = q.AskSize
		}
		if avail > 0 && avail < leg.Qty {
			return false
		}
	}
	return true
}

func (c *Controller) closePair(ctx context.Context, symbol string, legs []common.Position, spread feed.Spread, pnl float64) {
	venueA, venueB := legs[0].Venue, legs[1].Venue
	if !c.locks.AcquirePair(venueA, venueB, symbol, common.ActionExit) {
		return
	}
	defer c.locks.ReleasePair(venueA, venueB, symbol, common.ActionExit)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, leg := range legs {
		wg.Add(1)
		go func(i int, venue common.Venue) {
			defer wg.Done()
			errs[i] = c.retryClose(ctx, venue, symbol)
		}(i, leg.Venue)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			log.Printf("controller: close %s on %s failed after retries: %v", symbol, legs[i].Venue, err)
			return // leg audit picks up whatever is left
		}
	}

	c.recordCompletedPair(ctx, symbol, legs, spread, pnl)
	c.bus.Publish(events.EventPairClosed, symbol)
}

func (c *Controller) recordCompletedPair(ctx context.Context, symbol string, legs []common.Position, spread feed.Spread, pnl float64) {
	c.mu.Lock()
	pair, ok := c.pairs[symbol]
	delete(c.pairs, symbol)
	c.mu.Unlock()

	if c.arbs == nil {
		return
	}
	if !ok {
		// Pair predates this process; synthesize from the legs.
		pair = pairState{ID: uuid.NewString(), OpenedAt: legs[0].OpenedAt, MarginUSDT: legs[0].Margin + legs[1].Margin}
		for _, leg := range legs {
			if leg.Direction == common.DirLong {
				pair.LongVenue = leg.Venue
			} else {
				pair.ShortVenue = leg.Venue
			}
		}
	}

	rec := db.CompletedArb{
		ID:             pair.ID,
		Symbol:         symbol,
		LongVenue:      string(pair.LongVenue),
		ShortVenue:     string(pair.ShortVenue),
		EntrySpreadPct: pair.EntrySpread,
		ExitSpreadPct:  spread.NetPct,
		MarginUSDT:     pair.MarginUSDT,
		PnlUSDT:        pnl,
		OpenedAt:       pair.OpenedAt.UnixMilli(),
		ClosedAt:       time.Now().UnixMilli(),
		CloseReason:    "target",
	}
	if err := c.arbs.InsertCompletedArb(ctx, rec); err != nil {
		log.Printf("controller: completed arb record failed: %v", err)
	}
}

// riskPass force-closes positions whose margin ratio breaches the
// liquidation threshold, independent of profit targets.
func (c *Controller) riskPass(ctx context.Context) {
	positions := c.acct.Positions()
	for _, bySym := range positions {
		for symbol, p := range bySym {
			if p.Margin <= 0 {
				continue
			}

			breach := false
			if c.cfg.MarginMode == "isolated" {
				breach = math.Abs(p.UnrealPnl)/p.Margin >= c.cfg.LiquidationThreshold
			} else {
				breach = (p.Margin+p.UnrealPnl)/p.Margin <= 1-c.cfg.LiquidationThreshold
			}
			if !breach {
				continue
			}

			log.Printf("controller: margin breach on %s %s (margin %.2f, pnl %.2f), force closing",
				p.Venue, symbol, p.Margin, p.UnrealPnl)
			c.bus.Publish(events.EventRiskAlert, p)
			c.forgetPair(symbol)
			if err := c.safeExit(ctx, p.Venue, symbol); err != nil {
				log.Printf("controller: force close %s %s: %v", p.Venue, symbol, err)
			}
		}
	}
}

// safeExit closes one leg with bounded retries under the EXIT lock.
// A missing position counts as success.
func (c *Controller) safeExit(ctx context.Context, venue common.Venue, symbol string) error {
	if !c.locks.TryAcquire(venue, symbol, common.ActionExit) {
		return nil // an exit is already in flight
	}
	defer c.locks.Release(venue, symbol, common.ActionExit)
	return c.retryClose(ctx, venue, symbol)
}

func (c *Controller) retryClose(ctx context.Context, venue common.Venue, symbol string) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.ExitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.ExitRetryDelay):
			}
		}
		if _, ok := c.acct.Position(venue, symbol); !ok {
			return nil
		}
		if _, err := c.orders.Close(ctx, venue, symbol); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// FlattenAll market-closes every open position on every venue. Used on
// strategy faults and shutdown-with-flatten.
func (c *Controller) FlattenAll(ctx context.Context) {
	positions := c.acct.Positions()
	for venue, bySym := range positions {
		for symbol := range bySym {
			if _, err := c.orders.Close(ctx, venue, symbol); err != nil {
				log.Printf("controller: flatten %s %s: %v", venue, symbol, err)
				// One more try, then give up on this leg.
				if _, err := c.orders.Close(ctx, venue, symbol); err != nil {
					log.Printf("controller: flatten retry %s %s: %v", venue, symbol, err)
				}
			}
		}
	}
}

func (c *Controller) setPending(symbol string) {
	c.mu.Lock()
	c.pending[symbol] = time.Now()
	c.mu.Unlock()
}

func (c *Controller) clearPending(symbol string) {
	c.mu.Lock()
	delete(c.pending, symbol)
	c.mu.Unlock()
}

func (c *Controller) forgetPair(symbol string) {
	c.mu.Lock()
	delete(c.pending, symbol)
	delete(c.pairs, symbol)
	c.mu.Unlock()
}

// pendingStart resolves when a single leg came into being: the entry
// submit time when this process opened it, the venue's open time when
// it predates us.
func (c *Controller) pendingStart(symbol string, leg common.Position) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.pending[symbol]; ok {
		return t
	}
	if !leg.OpenedAt.IsZero() {
		return leg.OpenedAt
	}
	// Unknown age: start the clock now so the next cycles can act.
	c.pending[symbol] = time.Now()
	return c.pending[symbol]
}

func mismatch(a, b float64) float64 {
	hi := math.Max(a, b)
	if hi == 0 {
		return 0
	}
	return math.Abs(a-b) / hi
}
