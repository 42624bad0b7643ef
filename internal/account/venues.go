package account

import (
	"context"

	"github.com/PENG1028/TradingFetcher/pkg/exchanges/binance"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/common"
	"github.com/PENG1028/TradingFetcher/pkg/exchanges/okx"
)

// OKXClient adapts okx.Client to the VenueClient interface.
type OKXClient struct {
	C *okx.Client
	// Quote resolves a current price for min-notional conversion;
	// may be nil before the feed warms up.
	Quote func(symbol string) (common.Quote, bool)
}

func (o *OKXClient) Venue() common.Venue { return common.VenueOKX }

func (o *OKXClient) Balances(ctx context.Context) ([]common.Balance, error) {
	return o.C.GetBalances(ctx)
}

func (o *OKXClient) Positions(ctx context.Context, instruments map[string]common.Instrument) ([]common.Position, error) {
	return o.C.GetPositions(ctx, instruments)
}

func (o *OKXClient) Instruments(ctx context.Context, symbols []string) (map[string]common.Instrument, error) {
	insts, err := o.C.GetInstruments(ctx, symbols)
	if err != nil {
		return nil, err
	}
	// OKX publishes minimums in contracts; convert to USDT when a price
	// is available so sizing can compare venues directly.
	if o.Quote != nil {
		for sym, inst := range insts {
			if q, ok := o.Quote(sym); ok && q.Last > 0 {
				inst.MinNotionalUSDT = okx.MinNotionalUSDT(inst, q.Last)
				insts[sym] = inst
			}
		}
	}
	return insts, nil
}

// BinanceClient adapts binance.Client to the VenueClient interface.
type BinanceClient struct {
	C *binance.Client
}

func (b *BinanceClient) Venue() common.Venue { return common.VenueBinance }

func (b *BinanceClient) Balances(ctx context.Context) ([]common.Balance, error) {
	return b.C.GetBalances(ctx)
}

func (b *BinanceClient) Positions(ctx context.Context, _ map[string]common.Instrument) ([]common.Position, error) {
	return b.C.GetPositions(ctx)
}

func (b *BinanceClient) Instruments(ctx context.Context, symbols []string) (map[string]common.Instrument, error) {
	return b.C.GetInstruments(ctx, symbols)
}

// HandleOKXPush applies a balance_and_position frame. Contract counts
// are converted to coin units before they land in state.
func (s *Synchronizer) HandleOKXPush(ev okx.BalancePosition) {
	if len(ev.Balances) > 0 {
		s.ApplyBalances(common.VenueOKX, ev.Balances)
	}
	for _, p := range ev.Positions {
		qty := s.ContractsToCoin(common.VenueOKX, p.Symbol, p.Qty)
		s.ApplyPositionPush(common.VenueOKX, p.Symbol, p.Direction, qty, p.EntryPrice, ev.TS)
	}
}

// HandleBinancePush applies an ACCOUNT_UPDATE frame.
func (s *Synchronizer) HandleBinancePush(ev binance.AccountEvent) {
	if len(ev.Balances) > 0 {
		s.ApplyBalances(common.VenueBinance, ev.Balances)
	}
	for _, p := range ev.Positions {
		s.ApplyPositionPush(common.VenueBinance, p.Symbol, p.Direction, p.Qty, p.EntryPrice, ev.TS)
	}
}

// HandleOKXFill converts a contract-count fill to coin units and logs it.
func (s *Synchronizer) HandleOKXFill(ctx context.Context, f common.Fill, action common.Action) {
	f.Qty = s.ContractsToCoin(common.VenueOKX, f.Symbol, f.Qty)
	s.RecordFill(ctx, f, action)
}
