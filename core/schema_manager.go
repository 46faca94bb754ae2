package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

//go:embed sql/*.sql
var schemaFiles embed.FS

// Database types understood by SchemaManager
const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
)

// RequiredTables lists the tables a Storage implementation relies on.
var RequiredTables = []string{
	"users",
	"accounts",
	"sessions",
	"reset_tokens",
	"verification_tokens",
	"security_events",
}

// SchemaManager handles schema creation and validation
type SchemaManager struct {
	db     *sql.DB
	dbType string // "sqlite" or "postgres"
}

// NewSchemaManager creates a new schema manager
func NewSchemaManager(db *sql.DB, dbType string) *SchemaManager {
	return &SchemaManager{
		db:     db,
		dbType: dbType,
	}
}

// ExecuteCoreSchema executes the core schema SQL to create tables
func (sm *SchemaManager) ExecuteCoreSchema(ctx context.Context) error {
	var schemaFile string

	switch sm.dbType {
	case DatabaseSQLite:
		schemaFile = "sql/sqlite_core.sql"
	case DatabasePostgres:
		schemaFile = "sql/postgres_core.sql"
	default:
		return fmt.Errorf("unsupported database type: %s", sm.dbType)
	}

	schemaSQL, err := schemaFiles.ReadFile(schemaFile)
	if err != nil {
		return fmt.Errorf("failed to read schema file %s: %w", schemaFile, err)
	}

	if _, err := sm.db.ExecContext(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute core schema: %w", err)
	}

	return nil
}

// EnsureCoreSchema creates any missing tables and validates the result.
func (sm *SchemaManager) EnsureCoreSchema(ctx context.Context) error {
	missing, err := sm.missingTables(ctx)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	slog.Info("Creating core schema", "database_type", sm.dbType, "missing_tables", missing)
	if err := sm.ExecuteCoreSchema(ctx); err != nil {
		return err
	}
	return sm.ValidateSchema(ctx)
}

// tableExists checks if a table exists in the database
func (sm *SchemaManager) tableExists(ctx context.Context, tableName string) (bool, error) {
	var query string

	switch sm.dbType {
	case DatabaseSQLite:
		query = `SELECT name FROM sqlite_master WHERE type='table' AND name = ?`
	case DatabasePostgres:
		query = `SELECT table_name FROM information_schema.tables
		         WHERE table_schema = current_schema() AND table_name = $1`
	default:
		return false, fmt.Errorf("unsupported database type: %s", sm.dbType)
	}

	var foundTable string
	err := sm.db.QueryRowContext(ctx, query, tableName).Scan(&foundTable)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	return foundTable == tableName, nil
}

func (sm *SchemaManager) missingTables(ctx context.Context) ([]string, error) {
	var missingTables []string
	for _, tableName := range RequiredTables {
		exists, err := sm.tableExists(ctx, tableName)
		if err != nil {
			return nil, fmt.Errorf("failed to check if table %s exists: %w", tableName, err)
		}
		if !exists {
			missingTables = append(missingTables, tableName)
		}
	}
	return missingTables, nil
}

// ValidateSchema performs basic schema validation
func (sm *SchemaManager) ValidateSchema(ctx context.Context) error {
	missingTables, err := sm.missingTables(ctx)
	if err != nil {
		return err
	}
	if len(missingTables) > 0 {
		return fmt.Errorf("schema validation failed: missing tables %s", strings.Join(missingTables, ", "))
	}

	slog.Debug("Schema validation passed", "database_type", sm.dbType)
	return nil
}
