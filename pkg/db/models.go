package db

// Tick is one top-of-book sample persisted for later analysis.
// The (market, product_type, venue, symbol, ts) tuple is unique, so
// replayed samples overwrite rather than duplicate.
type Tick struct {
	Market      string  `json:"market"`
	ProductType string  `json:"productType"`
	Venue       string  `json:"venue"`
	Symbol      string  `json:"symbol"`
	TS          int64   `json:"ts"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	Last        float64 `json:"last"`
}

// Candle is one OHLCV bar. Uniqueness adds the timeframe to the tick key.
type Candle struct {
	Market      string  `json:"market"`
	ProductType string  `json:"productType"`
	Venue       string  `json:"venue"`
	Symbol      string  `json:"symbol"`
	Timeframe   string  `json:"timeframe"`
	TS          int64   `json:"ts"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
}

// TradeRecord is a fill reported by a venue's private stream.
type TradeRecord struct {
	ID        int64   `json:"id"`
	Venue     string  `json:"venue"`
	Symbol    string  `json:"symbol"`
	OrderID   string  `json:"orderId"`
	Direction string  `json:"direction"`
	Action    string  `json:"action"`
	Qty       float64 `json:"qty"`
	Price     float64 `json:"price"`
	Fee       float64 `json:"fee"`
	TS        int64   `json:"ts"`
}

// CompletedArb records one fully closed long/short pair.
type CompletedArb struct {
	ID             string  `json:"id"`
	Symbol         string  `json:"symbol"`
	LongVenue      string  `json:"longVenue"`
	ShortVenue     string  `json:"shortVenue"`
	EntrySpreadPct float64 `json:"entrySpreadPct"`
	ExitSpreadPct  float64 `json:"exitSpreadPct"`
	MarginUSDT     float64 `json:"marginUsdt"`
	PnlUSDT        float64 `json:"pnlUsdt"`
	OpenedAt       int64   `json:"openedAt"`
	ClosedAt       int64   `json:"closedAt"`
	CloseReason    string  `json:"closeReason"`
}
