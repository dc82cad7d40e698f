package store

import (
	"context"
	"fmt"

	"klineflow/config"
	"klineflow/logger"
	"klineflow/models"
	"klineflow/signal"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store is the postgres persistence layer: trading pairs, candles keyed by
// (symbol, timeframe, open_time), signal history and alert subscriptions.
type Store struct {
	db  *sqlx.DB
	log *logger.Entry
}

// Open connects and pings the database.
func Open(cfg config.PostgresConfig) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &Store{
		db:  db,
		log: logger.GetLogger().WithComponent("store"),
	}
	s.log.WithFields(logger.Fields{
		"host":     cfg.Host,
		"database": cfg.Database,
	}).Info("postgres connected")
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS pairs (
		symbol     TEXT PRIMARY KEY,
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS candles (
		symbol       TEXT NOT NULL,
		timeframe    TEXT NOT NULL,
		open_time    TIMESTAMPTZ NOT NULL,
		close_time   TIMESTAMPTZ NOT NULL,
		open         DOUBLE PRECISION NOT NULL,
		high         DOUBLE PRECISION NOT NULL,
		low          DOUBLE PRECISION NOT NULL,
		close        DOUBLE PRECISION NOT NULL,
		volume       DOUBLE PRECISION NOT NULL,
		quote_volume DOUBLE PRECISION NOT NULL,
		trade_count  BIGINT NOT NULL,
		closed       BOOLEAN NOT NULL,
		PRIMARY KEY (symbol, timeframe, open_time)
	)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id         BIGSERIAL PRIMARY KEY,
		symbol     TEXT NOT NULL,
		timeframe  TEXT NOT NULL,
		type       TEXT NOT NULL,
		value      DOUBLE PRECISION NOT NULL,
		price      DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		chat_id    BIGINT NOT NULL,
		symbol     TEXT NOT NULL,
		timeframe  TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (chat_id, symbol, timeframe)
	)`,
}

// EnsureSchema creates the tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertCandle writes one candle, replacing any previous row for the same
// (symbol, timeframe, open_time). In-progress candles overwrite themselves
// until they close.
func (s *Store) UpsertCandle(ctx context.Context, c models.Candle) error {
	const q = `
		INSERT INTO candles
			(symbol, timeframe, open_time, close_time, open, high, low, close,
			 volume, quote_volume, trade_count, closed)
		VALUES
			(:symbol, :timeframe, :open_time, :close_time, :open, :high, :low, :close,
			 :volume, :quote_volume, :trade_count, :closed)
		ON CONFLICT (symbol, timeframe, open_time) DO UPDATE SET
			close_time   = EXCLUDED.close_time,
			open         = EXCLUDED.open,
			high         = EXCLUDED.high,
			low          = EXCLUDED.low,
			close        = EXCLUDED.close,
			volume       = EXCLUDED.volume,
			quote_volume = EXCLUDED.quote_volume,
			trade_count  = EXCLUDED.trade_count,
			closed       = EXCLUDED.closed`

	if _, err := s.db.NamedExecContext(ctx, q, c); err != nil {
		return fmt.Errorf("upsert candle %s %s: %w", c.Symbol, c.Timeframe, err)
	}
	return nil
}

// RecentCloses returns the latest closing prices for closed candles, oldest
// first. Implements the indicator calculator's candle source.
func (s *Store) RecentCloses(ctx context.Context, symbol, timeframe string, limit int) ([]float64, error) {
	const q = `
		SELECT close FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND closed = TRUE
		ORDER BY open_time DESC
		LIMIT $3`

	var closes []float64
	if err := s.db.SelectContext(ctx, &closes, q, symbol, timeframe, limit); err != nil {
		return nil, fmt.Errorf("select closes %s %s: %w", symbol, timeframe, err)
	}

	// Newest-first from the query; reverse to chronological order.
	for i, j := 0, len(closes)-1; i < j; i, j = i+1, j-1 {
		closes[i], closes[j] = closes[j], closes[i]
	}
	return closes, nil
}

// RecentCandles returns the latest closed candles, oldest first.
func (s *Store) RecentCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	const q = `
		SELECT symbol, timeframe, open_time, close_time, open, high, low, close,
		       volume, quote_volume, trade_count, closed
		FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND closed = TRUE
		ORDER BY open_time DESC
		LIMIT $3`

	var candles []models.Candle
	if err := s.db.SelectContext(ctx, &candles, q, symbol, timeframe, limit); err != nil {
		return nil, fmt.Errorf("select candles %s %s: %w", symbol, timeframe, err)
	}
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// SaveSignal appends one detected signal to the history.
func (s *Store) SaveSignal(ctx context.Context, sig signal.Signal) error {
	const q = `
		INSERT INTO signals (symbol, timeframe, type, value, price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := s.db.ExecContext(ctx, q, sig.Symbol, sig.Timeframe, string(sig.Type), sig.Value, sig.Price, sig.At); err != nil {
		return fmt.Errorf("save signal: %w", err)
	}
	return nil
}

// SubscribersFor lists the chats subscribed to alerts on the pair.
func (s *Store) SubscribersFor(ctx context.Context, symbol, timeframe string) ([]int64, error) {
	const q = `
		SELECT chat_id FROM subscriptions
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY chat_id`

	var chats []int64
	if err := s.db.SelectContext(ctx, &chats, q, symbol, timeframe); err != nil {
		return nil, fmt.Errorf("select subscribers %s %s: %w", symbol, timeframe, err)
	}
	return chats, nil
}

// UpsertPair marks a trading pair as known and active.
func (s *Store) UpsertPair(ctx context.Context, symbol string) error {
	const q = `
		INSERT INTO pairs (symbol, active) VALUES ($1, TRUE)
		ON CONFLICT (symbol) DO UPDATE SET active = TRUE`

	if _, err := s.db.ExecContext(ctx, q, symbol); err != nil {
		return fmt.Errorf("upsert pair %s: %w", symbol, err)
	}
	return nil
}

// ActivePairs lists the tracked trading pairs.
func (s *Store) ActivePairs(ctx context.Context) ([]string, error) {
	const q = `SELECT symbol FROM pairs WHERE active = TRUE ORDER BY symbol`

	var pairs []string
	if err := s.db.SelectContext(ctx, &pairs, q); err != nil {
		return nil, fmt.Errorf("select pairs: %w", err)
	}
	return pairs, nil
}
