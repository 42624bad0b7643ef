package common

import "time"

// Venue identifies a trading venue.
type Venue string

const (
	VenueOKX     Venue = "okx"
	VenueBinance Venue = "binance"
)

// Direction is a position direction.
type Direction string

const (
	DirLong  Direction = "LONG"
	DirShort Direction = "SHORT"
)

// Opposite returns the inverted direction.
func (d Direction) Opposite() Direction {
	if d == DirLong {
		return DirShort
	}
	return DirLong
}

// Action distinguishes position-opening from position-closing orders.
type Action string

const (
	ActionEntry Action = "ENTRY"
	ActionExit  Action = "EXIT"
)

// OrderStatus normalizes exchange order states into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
)

// OrderRequest captures an order intent to be sent to a venue.
// Qty is always in venue-native units: contract count on OKX,
// coin quantity on Binance.
type OrderRequest struct {
	Venue      Venue
	Symbol     string
	Direction  Direction
	Action     Action
	Qty        float64
	ReduceOnly bool
	ClientID   string
}

// OrderResult is the venue ack for a submitted order.
type OrderResult struct {
	Venue           Venue
	Symbol          string
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	FilledQty       float64
	AvgPrice        float64
}

// Quote is a normalized top-of-book snapshot for one symbol on one venue.
// Sizes are in coin units and bound how much can execute at the quoted
// price without walking the book.
type Quote struct {
	Venue   Venue
	Symbol  string
	Bid     float64
	Ask     float64
	BidSize float64
	AskSize float64
	Last    float64
	TS      time.Time
}

// Position is a normalized open position. Qty is in coin units on both
// venues; contract counts are converted at ingest using the contract value.
type Position struct {
	Venue      Venue
	Symbol     string
	Direction  Direction
	Qty        float64
	EntryPrice float64
	MarkPrice  float64
	Margin     float64
	UnrealPnl  float64
	Leverage   float64
	OpenedAt   time.Time
}

// Balance is a per-asset account balance.
type Balance struct {
	Venue     Venue
	Asset     string
	Total     float64
	Available float64
}

// Instrument carries the per-symbol contract metadata needed for sizing.
// CtVal is the coin value of one contract (1.0 on Binance). MinNotionalUSDT
// is the smallest order the venue accepts, expressed in USDT with the
// safety factor already applied.
type Instrument struct {
	Venue           Venue
	Symbol          string
	CtVal           float64
	MinQty          float64
	MinNotionalUSDT float64
	RefreshedAt     time.Time
}

// Fill is a trade execution reported over a private stream.
type Fill struct {
	Venue           Venue
	Symbol          string
	ExchangeOrderID string
	Direction       Direction
	Qty             float64
	Price           float64
	Fee             float64
	TS              time.Time
}
