package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/wispberry-tech/wispy-guard/core"
)

// SQLiteStorage is a production-ready SQLite storage implementation
type SQLiteStorage struct {
	sqlStore
}

var _ core.Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(ctx context.Context, dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// Serialize writers; SQLite allows one at a time anyway
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStorageFromDB(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStorageFromDB creates a new SQLite storage from an existing database connection
func NewSQLiteStorageFromDB(ctx context.Context, db *sql.DB) (*SQLiteStorage, error) {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Auto-create missing tables
	schemaManager := core.NewSchemaManager(db, core.DatabaseSQLite)
	if err := schemaManager.EnsureCoreSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure core schema: %w", err)
	}

	return &SQLiteStorage{sqlStore{db: db, d: sqliteDialect}}, nil
}

// NewInMemorySQLiteStorage creates a new in-memory SQLite storage instance for testing
func NewInMemorySQLiteStorage(ctx context.Context) (*SQLiteStorage, error) {
	// Every connection to :memory: is a separate database
	return NewSQLiteStorage(ctx, ":memory:")
}
