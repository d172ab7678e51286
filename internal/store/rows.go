package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"livetable/internal/table"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// physName maps a logical table name to its physical document table,
// rejecting anything that could smuggle SQL through DDL.
func physName(name string) (string, error) {
	if !tableNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return "tbl_" + name, nil
}

// EnsureTable creates the physical table for a logical table if missing.
func (s *Store) EnsureTable(ctx context.Context, name string) error {
	phys, err := physName(name)
	if err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, s.Dialect.CreateTableSQL(phys)); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	return nil
}

// GetRow returns one row by primary key, or ErrNotFound.
func (s *Store) GetRow(ctx context.Context, name, key string) (table.Row, error) {
	phys, err := physName(name)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT doc FROM %s WHERE row_key = %s", phys, s.Dialect.Placeholder(1))
	var doc []byte
	if err := s.DB.QueryRowContext(ctx, q, key).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", name, key, err)
	}
	return decodeRow(doc)
}

// AllRows returns every row of a logical table.
func (s *Store) AllRows(ctx context.Context, name string) ([]table.Row, error) {
	phys, err := physName(name)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("SELECT doc FROM %s", phys))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", name, err)
	}
	defer rows.Close()

	var out []table.Row
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row, err := decodeRow(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// UpsertRow writes a row by primary key inside one transaction and
// returns the previous version, if any. created reports whether the row
// is new.
func (s *Store) UpsertRow(ctx context.Context, name, key string, row table.Row) (old table.Row, created bool, err error) {
	phys, err := physName(name)
	if err != nil {
		return nil, false, err
	}
	doc, err := json.Marshal(row)
	if err != nil {
		return nil, false, fmt.Errorf("encode row: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var prev []byte
	q := fmt.Sprintf("SELECT doc FROM %s WHERE row_key = %s", phys, s.Dialect.Placeholder(1))
	switch err := tx.QueryRowContext(ctx, q, key).Scan(&prev); {
	case errors.Is(err, sql.ErrNoRows):
		created = true
	case err != nil:
		return nil, false, fmt.Errorf("read old %s/%s: %w", name, key, err)
	default:
		if old, err = decodeRow(prev); err != nil {
			return nil, false, err
		}
	}

	upsert := fmt.Sprintf(
		"INSERT INTO %s (row_key, doc) VALUES (%s, %s) ON CONFLICT (row_key) DO UPDATE SET doc = excluded.doc",
		phys, s.Dialect.Placeholder(1), s.Dialect.Placeholder(2))
	if _, err := tx.ExecContext(ctx, upsert, key, doc); err != nil {
		return nil, false, fmt.Errorf("upsert %s/%s: %w", name, key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return old, created, nil
}

// DeleteRow removes a row by primary key and returns its last version,
// or ErrNotFound if it does not exist.
func (s *Store) DeleteRow(ctx context.Context, name, key string) (table.Row, error) {
	phys, err := physName(name)
	if err != nil {
		return nil, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var prev []byte
	q := fmt.Sprintf("SELECT doc FROM %s WHERE row_key = %s", phys, s.Dialect.Placeholder(1))
	if err := tx.QueryRowContext(ctx, q, key).Scan(&prev); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read old %s/%s: %w", name, key, err)
	}
	old, err := decodeRow(prev)
	if err != nil {
		return nil, err
	}

	del := fmt.Sprintf("DELETE FROM %s WHERE row_key = %s", phys, s.Dialect.Placeholder(1))
	if _, err := tx.ExecContext(ctx, del, key); err != nil {
		return nil, fmt.Errorf("delete %s/%s: %w", name, key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return old, nil
}

func decodeRow(doc []byte) (table.Row, error) {
	var row table.Row
	if err := json.Unmarshal(doc, &row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return row, nil
}
