// Package db owns the PostgreSQL connection pool and hands out the wired
// repository set. The pool is pinged at startup; a gateway that cannot reach
// its store does not start.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sawpanic/tradegate/internal/config"
	"github.com/sawpanic/tradegate/internal/persistence"
	"github.com/sawpanic/tradegate/internal/persistence/postgres"
)

// Manager manages the database connection and repository instances.
type Manager struct {
	db    *sqlx.DB
	cfg   config.Database
	repos persistence.Repository
}

// NewManager opens the pool, verifies connectivity, and wires the
// repositories.
func NewManager(cfg config.Database) (*Manager, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Manager{
		db:  db,
		cfg: cfg,
		repos: persistence.Repository{
			Approvals: postgres.NewApprovalsRepo(db, cfg.QueryTimeout),
			Tokens:    postgres.NewTokensRepo(db, cfg.QueryTimeout),
			Audit:     postgres.NewAuditRepo(db, cfg.QueryTimeout),
		},
	}, nil
}

// Repository returns the wired repository set.
func (m *Manager) Repository() persistence.Repository {
	return m.repos
}

// Ping tests connectivity, used by the health endpoint.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()
	return m.db.PingContext(ctx)
}

// Stats reports connection-pool statistics.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.db.Stats()
	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}
}

// Close closes the pool.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}
