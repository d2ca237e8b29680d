// Package database opens the SQLite database that backs workspace history,
// memory documents, reminders and scheduler run markers.
//
// The driver is chosen at build time: cgo builds use mattn/go-sqlite3,
// CGO_ENABLED=0 builds fall back to the pure-Go modernc.org/sqlite.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds SQLite connection settings.
type Config struct {
	// Path to the database file (default: "./data/mayaclaw.db").
	Path string `yaml:"path"`

	// JournalMode is the SQLite journal mode (default: "WAL").
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout in milliseconds (default: 5000).
	BusyTimeout int `yaml:"busy_timeout"`

	// MaxOpenConns caps the pool size. 0 keeps database/sql's default.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// DefaultConfig returns the default database settings.
func DefaultConfig() Config {
	return Config{
		Path:        "./data/mayaclaw.db",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
}

// DB wraps the sql.DB with its migrator and health checker.
type DB struct {
	*sql.DB
	Config   Config
	Migrator *Migrator
	Health   *HealthChecker
}

// Open opens (creating if needed) the database at cfg.Path, verifies the
// connection and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = def.JournalMode
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	conn, err := sql.Open(driverName, buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{
		DB:       conn,
		Config:   cfg,
		Migrator: NewMigrator(conn),
		Health:   NewHealthChecker(conn),
	}
	if err := db.Migrator.Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Driver reports which SQLite driver this binary was built with.
func Driver() string { return driverName }
