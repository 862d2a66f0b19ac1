// Package repository - архив торговых событий, отказов, ордеров и
// уведомлений в PostgreSQL.
//
// Архив вторичен: ядро движка работает только с состоянием в памяти,
// ошибки записи логируются и не влияют на торговлю.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"riskengine/internal/config"
)

// Open создаёт подключение к базе и проверяет его
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	maxOpen, maxIdle, lifetime := cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime
	if maxOpen <= 0 {
		maxOpen = 10
	}
	if maxIdle <= 0 {
		maxIdle = 2
	}
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS trade_events (
		id          BIGSERIAL PRIMARY KEY,
		kind        TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		strategy    TEXT NOT NULL DEFAULT '',
		reason      TEXT NOT NULL DEFAULT '',
		pnl         DOUBLE PRECISION NOT NULL DEFAULT 0,
		pnl_unknown BOOLEAN NOT NULL DEFAULT FALSE,
		position    JSONB NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_events_symbol ON trade_events (symbol, occurred_at DESC)`,
	`CREATE TABLE IF NOT EXISTS risk_rejections (
		id          BIGSERIAL PRIMARY KEY,
		reason      TEXT NOT NULL,
		detail      TEXT NOT NULL DEFAULT '',
		symbol      TEXT NOT NULL,
		strategy    TEXT NOT NULL DEFAULT '',
		intent      JSONB NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_rejections_time ON risk_rejections (occurred_at DESC)`,
	`CREATE TABLE IF NOT EXISTS orders (
		client_order_id   TEXT PRIMARY KEY,
		exchange_order_id BIGINT NOT NULL DEFAULT 0,
		symbol            TEXT NOT NULL,
		side              TEXT NOT NULL,
		position_side     TEXT NOT NULL,
		type              TEXT NOT NULL,
		role              TEXT NOT NULL,
		strategy          TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		quantity          DOUBLE PRECISION NOT NULL DEFAULT 0,
		filled_qty        DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_price         DOUBLE PRECISION NOT NULL DEFAULT 0,
		stop_price        DOUBLE PRECISION NOT NULL DEFAULT 0,
		reduce_only       BOOLEAN NOT NULL DEFAULT FALSE,
		close_position    BOOLEAN NOT NULL DEFAULT FALSE,
		reject_reason     TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id        BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		type      TEXT NOT NULL,
		severity  TEXT NOT NULL,
		symbol    TEXT NOT NULL DEFAULT '',
		message   TEXT NOT NULL,
		meta      JSONB
	)`,
}

// Migrate создаёт таблицы архива, если их нет
func Migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
