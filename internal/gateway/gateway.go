// Package gateway sizes and routes orders to the right venue, hiding
// the contract-count versus coin-quantity split from the caller.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/PENG1028/TradingFetcher/internal/account"
	"github.com/PENG1028/TradingFetcher/internal/feed"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/binance"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/okx"
)

var (
	ErrNoQuote          = errors.New("no live quote for symbol")
	ErrNoInstrument     = errors.New("no instrument metadata for symbol")
	ErrBelowMinNotional = errors.New("order below venue minimum notional")
	ErrNoPosition       = errors.New("no open position to close")
)

// Options configure order behavior.
type Options struct {
	Leverage   int
	MarginMode string // cross or isolated
	ReduceOnly bool   // mark exits reduce-only
}

// Gateway places orders on both venues.
type Gateway struct {
	okx  *okx.Client
	bin  *binance.Client
	acct *account.Synchronizer
	feed *feed.Aggregator
	opts Options
}

// New creates a gateway.
func New(okxClient *okx.Client, binClient *binance.Client, acct *account.Synchronizer, agg *feed.Aggregator, opts Options) *Gateway {
	if opts.Leverage <= 0 {
		opts.Leverage = 5
	}
	if opts.MarginMode == "" {
		opts.MarginMode = "cross"
	}
	return &Gateway{okx: okxClient, bin: binClient, acct: acct, feed: agg, opts: opts}
}

// Setup applies leverage and margin mode for each symbol on both venues.
// Failures are logged, not fatal: the venue may already be configured.
func (g *Gateway) Setup(ctx context.Context, symbols []string) {
	binMode := "CROSSED"
	if g.opts.MarginMode == "isolated" {
		binMode = "ISOLATED"
	}
	for _, sym := range symbols {
		if err := g.okx.SetLeverage(ctx, sym, g.opts.Leverage, g.opts.MarginMode); err != nil {
			log.Printf("gateway: okx leverage %s: %v", sym, err)
		}
		if err := g.bin.SetMarginMode(ctx, sym, binMode); err != nil {
			log.Printf("gateway: binance margin mode %s: %v", sym, err)
		}
		if err := g.bin.SetLeverage(ctx, sym, g.opts.Leverage); err != nil {
			log.Printf("gateway: binance leverage %s: %v", sym, err)
		}
	}
}

// Open places an entry order sized from marginUSDT at the configured
// leverage. Returns the venue ack and the coin quantity submitted.
func (g *Gateway) Open(ctx context.Context, venue common.Venue, symbol string, dir common.Direction, marginUSDT float64) (common.OrderResult, float64, error) {
	qty, coinQty, err := g.entryQty(venue, symbol, dir, marginUSDT)
	if err != nil {
		return common.OrderResult{}, 0, err
	}

	req := common.OrderRequest{
		Venue:     venue,
		Symbol:    symbol,
		Direction: dir,
		Action:    common.ActionEntry,
		Qty:       qty,
		ClientID:  newClientID(),
	}
	res, err := g.submit(ctx, req)
	return res, coinQty, err
}

// Close exits the full tracked position on a venue.
func (g *Gateway) Close(ctx context.Context, venue common.Venue, symbol string) (common.OrderResult, error) {
	pos, ok := g.acct.Position(venue, symbol)
	if !ok || pos.Qty <= 0 {
		return common.OrderResult{}, ErrNoPosition
	}
	return g.CloseQty(ctx, venue, symbol, pos.Direction, pos.Qty)
}

// CloseQty exits a specific coin quantity of a position.
func (g *Gateway) CloseQty(ctx context.Context, venue common.Venue, symbol string, dir common.Direction, coinQty float64) (common.OrderResult, error) {
	qty := coinQty
	if venue == common.VenueOKX {
		inst, ok := g.acct.Instrument(venue, symbol)
		if !ok || inst.CtVal <= 0 {
			return common.OrderResult{}, fmt.Errorf("%w: %s on %s", ErrNoInstrument, symbol, venue)
		}
		qty = math.Round(coinQty / inst.CtVal)
		if qty < 1 {
			qty = 1
		}
	}

	req := common.OrderRequest{
		Venue:      venue,
		Symbol:     symbol,
		Direction:  dir,
		Action:     common.ActionExit,
		Qty:        qty,
		ReduceOnly: g.opts.ReduceOnly,
		ClientID:   newClientID(),
	}
	return g.submit(ctx, req)
}

// entryQty sizes an entry. The venue-native quantity and the equivalent
// coin quantity are both returned so legs can be compared.
func (g *Gateway) entryQty(venue common.Venue, symbol string, dir common.Direction, marginUSDT float64) (native, coin float64, err error) {
	q, ok := g.feed.Quote(venue, symbol)
	if !ok || q.Last <= 0 {
		return 0, 0, fmt.Errorf("%w: %s on %s", ErrNoQuote, symbol, venue)
	}
	inst, ok := g.acct.Instrument(venue, symbol)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s on %s", ErrNoInstrument, symbol, venue)
	}

	// Entries cross the spread, so size against the price we will pay.
	price := q.Ask
	if dir == common.DirShort {
		price = q.Bid
	}
	notional := marginUSDT * float64(g.opts.Leverage)

	minNotional := inst.MinNotionalUSDT
	if venue == common.VenueOKX && minNotional == 0 {
		minNotional = okx.MinNotionalUSDT(inst, price)
	}
	if notional < minNotional {
		return 0, 0, fmt.Errorf("%w: %.2f < %.2f USDT (%s %s)",
			ErrBelowMinNotional, notional, minNotional, venue, symbol)
	}

	switch venue {
	case common.VenueOKX:
		if inst.CtVal <= 0 {
			return 0, 0, fmt.Errorf("%w: %s has no ctVal", ErrNoInstrument, symbol)
		}
		contracts := math.Floor(notional / (inst.CtVal * price))
		if contracts < 1 {
			contracts = 1
		}
		return contracts, contracts * inst.CtVal, nil
	default:
		qty := notional / price
		if inst.MinQty > 0 {
			qty = math.Floor(qty/inst.MinQty) * inst.MinQty
			if qty < inst.MinQty {
				qty = inst.MinQty
			}
		}
		return qty, qty, nil
	}
}

func (g *Gateway) submit(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	switch req.Venue {
	case common.VenueOKX:
		return g.okx.SubmitOrder(ctx, req, g.opts.MarginMode)
	case common.VenueBinance:
		return g.bin.SubmitOrder(ctx, req)
	default:
		return common.OrderResult{}, fmt.Errorf("unknown venue %q", req.Venue)
	}
}

// newClientID builds an id accepted by both venues: alphanumeric and
// at most 32 characters.
func newClientID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "arb" + id[:24]
}
