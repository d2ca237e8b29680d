//go:build !cgo

package database

import (
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

func buildDSN(cfg Config) string {
	return fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(on)",
		cfg.Path, strings.ToLower(cfg.JournalMode), cfg.BusyTimeout)
}
