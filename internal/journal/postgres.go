package journal

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createTable = `
CREATE TABLE IF NOT EXISTS trades (
	id              BIGSERIAL PRIMARY KEY,
	symbol          TEXT        NOT NULL,
	entry_time      TIMESTAMPTZ,
	exit_time       TIMESTAMPTZ NOT NULL,
	entry_price     DOUBLE PRECISION NOT NULL,
	exit_price      DOUBLE PRECISION NOT NULL,
	quantity        INTEGER     NOT NULL,
	pnl_pct         DOUBLE PRECISION NOT NULL,
	pnl_dollar      DOUBLE PRECISION NOT NULL,
	hold_time_hours DOUBLE PRECISION NOT NULL,
	signal_score    INTEGER     NOT NULL,
	exit_reason     TEXT        NOT NULL,
	client_order_id TEXT UNIQUE
)`

const insertTrade = `
INSERT INTO trades (symbol, entry_time, exit_time, entry_price, exit_price, quantity,
	pnl_pct, pnl_dollar, hold_time_hours, signal_score, exit_reason, client_order_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''))
ON CONFLICT (client_order_id) DO NOTHING`

// Postgres mirrors closed trades into a trades table.
type Postgres struct {
	pool *pgxpool.Pool
}

// PoolConfig parses url and applies JOURNAL_DB_MAX_CONNS and
// JOURNAL_DB_CONN_TIMEOUT when set.
func PoolConfig(url string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 2
	if v := os.Getenv("JOURNAL_DB_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConns = int32(n)
		}
	}
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second
	if v := os.Getenv("JOURNAL_DB_CONN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ConnConfig.ConnectTimeout = d
		}
	}
	return cfg, nil
}

func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := PoolConfig(url)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect journal database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	if _, err := pool.Exec(ctx, createTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create trades table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Record(ctx context.Context, t Trade) error {
	var entry *time.Time
	if !t.EntryTime.IsZero() {
		entry = &t.EntryTime
	}
	_, err := p.pool.Exec(ctx, insertTrade,
		t.Symbol, entry, t.ExitTime, t.EntryPrice, t.ExitPrice, t.Quantity,
		t.PnLPct, t.PnLDollar, t.HoldTimeHours, t.SignalScore, t.ExitReason, t.ClientOrderID)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.Symbol, err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
