package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/wispberry-tech/wispy-guard/core"
)

// PostgresStorage implements core.Storage for PostgreSQL databases
type PostgresStorage struct {
	sqlStore
}

var _ core.Storage = (*PostgresStorage)(nil)

// NewPostgresStorage creates a new PostgreSQL storage instance
func NewPostgresStorage(ctx context.Context, databaseDSN string) (*PostgresStorage, error) {
	config, err := pgx.ParseConfig(databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	db := stdlib.OpenDB(*config)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto-create missing tables
	schemaManager := core.NewSchemaManager(db, core.DatabasePostgres)
	if err := schemaManager.EnsureCoreSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure core schema: %w", err)
	}

	return &PostgresStorage{sqlStore{db: db, d: postgresDialect}}, nil
}
