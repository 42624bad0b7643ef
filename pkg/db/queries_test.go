package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := NewMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return d
}

func TestTickUpsertIsIdempotent(t *testing.T) {
	d := newTestDB(t)
	q := NewQueries(d.DB)
	ctx := context.Background()

	tick := Tick{
		Market:      "crypto",
		ProductType: "swap",
		Venue:       "okx",
		Symbol:      "BTC-USDT",
		TS:          1700000000000,
		Bid:         100.0,
		Ask:         100.1,
		Last:        100.05,
	}
	if err := q.InsertTick(ctx, tick); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	// Same key, different payload: must replace, not duplicate.
	tick.Bid = 101.0
	tick.Ask = 101.1
	if err := q.InsertTick(ctx, tick); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	n, err := q.TickCount(ctx, "okx", "BTC-USDT")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("tick count = %d, want 1", n)
	}

	got, err := q.LatestTick(ctx, "okx", "BTC-USDT")
	if err != nil {
		t.Fatalf("latest tick: %v", err)
	}
	if got.Bid != 101.0 {
		t.Errorf("bid = %v, want last write 101.0", got.Bid)
	}
}

func TestCandleUpsertKeyedByTimeframe(t *testing.T) {
	d := newTestDB(t)
	q := NewQueries(d.DB)
	ctx := context.Background()

	c := Candle{
		Market: "crypto", ProductType: "swap", Venue: "binance",
		Symbol: "ETHUSDT", Timeframe: "1m", TS: 1700000000000,
		Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10,
	}
	if err := q.UpsertCandle(ctx, c); err != nil {
		t.Fatalf("upsert 1m: %v", err)
	}

	// Same timestamp on a different timeframe is a distinct row.
	c.Timeframe = "5m"
	if err := q.UpsertCandle(ctx, c); err != nil {
		t.Fatalf("upsert 5m: %v", err)
	}

	var n int
	if err := d.DB.QueryRow(`SELECT COUNT(*) FROM ohlcv`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("candle count = %d, want 2", n)
	}
}

func TestCompletedArbRoundTrip(t *testing.T) {
	d := newTestDB(t)
	q := NewQueries(d.DB)
	ctx := context.Background()

	arb := CompletedArb{
		ID:             "pair-1",
		Symbol:         "BTC-USDT",
		LongVenue:      "okx",
		ShortVenue:     "binance",
		EntrySpreadPct: 0.42,
		ExitSpreadPct:  0.05,
		MarginUSDT:     10,
		PnlUSDT:        0.37,
		OpenedAt:       1700000000000,
		ClosedAt:       1700000300000,
		CloseReason:    "target",
	}
	if err := q.InsertCompletedArb(ctx, arb); err != nil {
		t.Fatalf("insert: %v", err)
	}

	arbs, err := q.RecentCompletedArbs(ctx, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(arbs) != 1 {
		t.Fatalf("got %d arbs, want 1", len(arbs))
	}
	if arbs[0].CloseReason != "target" || arbs[0].PnlUSDT != 0.37 {
		t.Errorf("round trip mismatch: %+v", arbs[0])
	}
}

func TestLatestTickNotFound(t *testing.T) {
	d := newTestDB(t)
	q := NewQueries(d.DB)

	_, err := q.LatestTick(context.Background(), "okx", "NOPE-USDT")
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBatchWriterFlushesTicks(t *testing.T) {
	d := newTestDB(t)
	q := NewQueries(d.DB)
	bw := NewBatchWriter(d.DB, 100, 50*time.Millisecond)

	for i := 0; i < 10; i++ {
		bw.Write(TickWriteOp(Tick{
			Market: "crypto", ProductType: "swap", Venue: "okx",
			Symbol: "BTC-USDT", TS: int64(1700000000000 + i),
			Bid: 100, Ask: 100.1, Last: 100.05,
		}))
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	n, err := q.TickCount(context.Background(), "okx", "BTC-USDT")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 10 {
		t.Fatalf("tick count = %d, want 10", n)
	}
}
