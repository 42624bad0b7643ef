package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

// Queries wraps read/write access to the persistence tables.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a Queries instance over an open handle.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

const insertTickSQL = `
	INSERT OR REPLACE INTO ticks (market, product_type, venue, symbol, ts, bid, ask, last)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

// InsertTick writes one tick. Re-inserting the same key replaces the row.
func (q *Queries) InsertTick(ctx context.Context, t Tick) error {
	_, err := q.db.ExecContext(ctx, insertTickSQL,
		t.Market, t.ProductType, t.Venue, t.Symbol, t.TS, t.Bid, t.Ask, t.Last)
	if err != nil {
		return fmt.Errorf("insert tick: %w", err)
	}
	return nil
}

// TickWriteOp builds a batch-writer operation for a tick.
func TickWriteOp(t Tick) WriteOp {
	return WriteOp{
		Query: insertTickSQL,
		Args:  []any{t.Market, t.ProductType, t.Venue, t.Symbol, t.TS, t.Bid, t.Ask, t.Last},
	}
}

// UpsertCandle writes one OHLCV bar, replacing any bar with the same key.
func (q *Queries) UpsertCandle(ctx context.Context, c Candle) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO ohlcv (market, product_type, venue, symbol, timeframe, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.Market, c.ProductType, c.Venue, c.Symbol, c.Timeframe, c.TS,
		c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}
	return nil
}

// InsertTrade appends a fill to the trade log.
func (q *Queries) InsertTrade(ctx context.Context, t TradeRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trades (venue, symbol, order_id, direction, action, qty, price, fee, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Venue, t.Symbol, t.OrderID, t.Direction, t.Action, t.Qty, t.Price, t.Fee, t.TS)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// InsertCompletedArb records a fully closed pair.
func (q *Queries) InsertCompletedArb(ctx context.Context, a CompletedArb) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO completed_arbs
			(id, symbol, long_venue, short_venue, entry_spread_pct, exit_spread_pct,
			 margin_usdt, pnl_usdt, opened_at, closed_at, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Symbol, a.LongVenue, a.ShortVenue, a.EntrySpreadPct, a.ExitSpreadPct,
		a.MarginUSDT, a.PnlUSDT, a.OpenedAt, a.ClosedAt, a.CloseReason)
	if err != nil {
		return fmt.Errorf("insert completed arb: %w", err)
	}
	return nil
}

// RecentCompletedArbs returns the most recently closed pairs, newest first.
func (q *Queries) RecentCompletedArbs(ctx context.Context, limit int) ([]CompletedArb, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, symbol, long_venue, short_venue, entry_spread_pct, exit_spread_pct,
		       margin_usdt, pnl_usdt, opened_at, closed_at, close_reason
		FROM completed_arbs
		ORDER BY closed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query completed arbs: %w", err)
	}
	defer rows.Close()

	var arbs []CompletedArb
	for rows.Next() {
		var a CompletedArb
		if err := rows.Scan(&a.ID, &a.Symbol, &a.LongVenue, &a.ShortVenue,
			&a.EntrySpreadPct, &a.ExitSpreadPct, &a.MarginUSDT, &a.PnlUSDT,
			&a.OpenedAt, &a.ClosedAt, &a.CloseReason); err != nil {
			return nil, fmt.Errorf("scan completed arb: %w", err)
		}
		arbs = append(arbs, a)
	}
	return arbs, rows.Err()
}

// RecentTrades returns the latest fills, newest first.
func (q *Queries) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, venue, symbol, order_id, direction, action, qty, price, COALESCE(fee, 0), ts
		FROM trades
		ORDER BY ts DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.Venue, &t.Symbol, &t.OrderID, &t.Direction,
			&t.Action, &t.Qty, &t.Price, &t.Fee, &t.TS); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// LatestTick returns the newest stored tick for a venue/symbol.
func (q *Queries) LatestTick(ctx context.Context, venue, symbol string) (Tick, error) {
	var t Tick
	err := q.db.QueryRowContext(ctx, `
		SELECT market, product_type, venue, symbol, ts, bid, ask, last
		FROM ticks
		WHERE venue = ? AND symbol = ?
		ORDER BY ts DESC
		LIMIT 1
	`, venue, symbol).Scan(&t.Market, &t.ProductType, &t.Venue, &t.Symbol, &t.TS, &t.Bid, &t.Ask, &t.Last)
	if errors.Is(err, sql.ErrNoRows) {
		return Tick{}, ErrNotFound
	}
	if err != nil {
		return Tick{}, fmt.Errorf("query latest tick: %w", err)
	}
	return t, nil
}

// TickCount reports how many ticks are stored for a venue/symbol.
func (q *Queries) TickCount(ctx context.Context, venue, symbol string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ticks WHERE venue = ? AND symbol = ?`, venue, symbol).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ticks: %w", err)
	}
	return n, nil
}
