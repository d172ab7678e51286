package store

import "fmt"

// Dialect abstracts the database-specific pieces of the row store.
type Dialect interface {
	// Name returns "postgres" or "sqlite".
	Name() string

	// DriverName returns the database/sql driver name ("pgx" or "sqlite").
	DriverName() string

	// Placeholder returns the parameter placeholder for the given 1-based index.
	Placeholder(index int) string

	// CreateTableSQL returns the DDL for one document table.
	CreateTableSQL(physName string) string
}

// NewDialect creates a Dialect for the given driver name ("postgres" or "sqlite").
func NewDialect(driver string) Dialect {
	switch driver {
	case "sqlite":
		return &SQLiteDialect{}
	default:
		return &PostgresDialect{}
	}
}

type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *PostgresDialect) CreateTableSQL(physName string) string {
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (row_key TEXT PRIMARY KEY, doc JSONB NOT NULL)`,
		physName)
}

type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *SQLiteDialect) CreateTableSQL(physName string) string {
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (row_key TEXT PRIMARY KEY, doc TEXT NOT NULL)`,
		physName)
}
