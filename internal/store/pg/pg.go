// Package pg is the Postgres-backed Store adapter (C1). It keys logs by
// session, appends rows with a monotonic per-session sequence computed as
// MAX(seq)+1 inside the insert, and serves live-tail via LISTEN/NOTIFY so
// readers learn about new offsets without polling the table.
//
// Structurally this follows the teacher's InitDatabase (connection-pool
// sizing from config, ping on startup, migrations before serving traffic)
// adapted from database/sql+lib/pq to pgx/v5's native pool and from
// goose to golang-migrate.
package pg

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatstream/sessionproxy/internal/config"
	"github.com/chatstream/sessionproxy/internal/logger"
	"github.com/chatstream/sessionproxy/internal/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Adapter is the pgx-backed Store implementation.
type Adapter struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// Open connects to Postgres, applies connection-pool limits from cfg, runs
// pending migrations, and returns a ready Adapter.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Adapter, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxOpenConns)
	poolCfg.MinConns = int32(cfg.DBMaxIdleConns)
	poolCfg.MaxConnIdleTime = time.Duration(cfg.DBConnMaxIdleTime) * time.Minute
	poolCfg.MaxConnLifetime = time.Duration(cfg.DBConnMaxLifetime) * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(cfg.DatabaseURL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Adapter{pool: pool, log: log.WithComponent("store-pg")}, nil
}

func (a *Adapter) Close() { a.pool.Close() }

func runMigrations(databaseURL string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, pgx5URL(databaseURL))
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// pgx5URL rewrites a postgres:// URL to the pgx5:// scheme golang-migrate's
// pgx/v5 driver registers under.
func pgx5URL(databaseURL string) string {
	if strings.HasPrefix(databaseURL, "postgres://") {
		return "pgx5://" + strings.TrimPrefix(databaseURL, "postgres://")
	}
	if strings.HasPrefix(databaseURL, "postgresql://") {
		return "pgx5://" + strings.TrimPrefix(databaseURL, "postgresql://")
	}
	return databaseURL
}

var _ store.Store = (*Adapter)(nil)
