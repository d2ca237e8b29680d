package database

import (
	"context"
	"database/sql"
)

// HealthChecker reports connectivity and pool statistics.
type HealthChecker struct {
	db *sql.DB
}

// NewHealthChecker creates a health checker for db.
func NewHealthChecker(db *sql.DB) *HealthChecker {
	return &HealthChecker{db: db}
}

// Ping checks database connectivity.
func (h *HealthChecker) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Status returns the SQLite version and pool counters.
func (h *HealthChecker) Status(ctx context.Context) map[string]any {
	stats := h.db.Stats()

	var version string
	if err := h.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		version = "unknown"
	}

	return map[string]any{
		"healthy":          h.Ping(ctx) == nil,
		"driver":           driverName,
		"version":          version,
		"open_conns":       stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
		"wait_duration_ms": stats.WaitDuration.Milliseconds(),
	}
}
