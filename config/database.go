package config

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"

	"devkitd/logger"
	"devkitd/models"
)

//go:embed migrations.sql
var migrations string

// InitDatabase opens the sqlite database at path, creating it and its directory if needed.
// A file that is not a usable sqlite database yields models.ErrCorruptStore; it is never replaced.
func InitDatabase(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, StoreError(err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, StoreError(err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return db, nil
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(migrations)
	return err
}

// StoreError maps sqlite corruption codes to models.ErrCorruptStore and leaves other errors as they are.
func StoreError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
			return fmt.Errorf("%w: %v", models.ErrCorruptStore, err)
		}
	}
	return err
}
