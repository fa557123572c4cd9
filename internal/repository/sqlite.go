package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/opensource-finance/splitguard/internal/domain"
	_ "modernc.org/sqlite"
)

// sqliteDSN builds the connection string for a SQLite database.
// Uses modernc.org/sqlite for pure Go implementation (no CGO required).
func sqliteDSN(cfg domain.RepositoryConfig) (string, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./splitguard.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas for performance
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path), nil
}
