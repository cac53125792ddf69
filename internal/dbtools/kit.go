// Package dbtools implements the reference tool host: read-only SQLite
// inspection tools served over MCP.
//
// Three tools are exposed:
//   - list_tables: table names in the database
//   - table_schema: column names and types of one table
//   - run_query: a read-only SELECT with results as JSON rows
package dbtools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/koopa0/ease/internal/log"
)

// ErrQueryRejected indicates the query failed the read-only check.
var ErrQueryRejected = errors.New("query rejected: only SELECT statements are allowed")

// ErrUnknownTable indicates the requested table does not exist.
var ErrUnknownTable = errors.New("unknown table")

// Column describes one column of a table.
type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	NotNull bool   `json:"notNull"`
	Primary bool   `json:"primaryKey"`
}

// Kit holds the database handle behind the tools.
type Kit struct {
	db     *sql.DB
	logger log.Logger
}

// NewKit opens the SQLite database at path. logger may be nil.
func NewKit(path string, logger log.Logger) (*Kit, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Kit{db: db, logger: logger.With("component", "dbtools")}, nil
}

// NewKitWithDB wraps an existing database handle. Used by tests.
func NewKitWithDB(db *sql.DB, logger log.Logger) *Kit {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Kit{db: db, logger: logger.With("component", "dbtools")}
}

// Close releases the database handle.
func (k *Kit) Close() error {
	return k.db.Close()
}

// ListTables returns the user table names, sorted.
func (k *Kit) ListTables(ctx context.Context) ([]string, error) {
	rows, err := k.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// TableSchema returns the columns of one table.
func (k *Kit) TableSchema(ctx context.Context, table string) ([]Column, error) {
	known, err := k.hasTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	// Table name is validated against sqlite_master above; PRAGMA does not
	// support placeholders.
	rows, err := k.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("reading table info: %w", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             any
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scanning column info: %w", err)
		}
		cols = append(cols, Column{
			Name:    name,
			Type:    typ,
			NotNull: notNull != 0,
			Primary: pk != 0,
		})
	}
	return cols, rows.Err()
}

// maxQueryRows caps run_query output so a broad SELECT cannot flood the
// model context.
const maxQueryRows = 200

// RunQuery executes a read-only SELECT and renders the result as a JSON
// array of row objects. At most maxQueryRows rows are returned.
func (k *Kit) RunQuery(ctx context.Context, query string) (string, error) {
	if err := validateQuery(query); err != nil {
		return "", err
	}

	rows, err := k.db.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("reading columns: %w", err)
	}

	results := make([]map[string]any, 0)
	values := make([]any, len(columns))
	scanArgs := make([]any, len(columns))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	for rows.Next() && len(results) < maxQueryRows {
		if err := rows.Scan(scanArgs...); err != nil {
			return "", fmt.Errorf("scanning row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			val := values[i]
			// []byte renders as base64 in JSON; strings read better for the model.
			if b, ok := val.([]byte); ok {
				val = string(b)
			}
			row[col] = val
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterating rows: %w", err)
	}

	out, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	k.logger.Debug("query executed", "rows", len(results))
	return string(out), nil
}

func (k *Kit) hasTable(ctx context.Context, table string) (bool, error) {
	var n int
	err := k.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking table: %w", err)
	}
	return n > 0, nil
}

// validateQuery enforces read-only access. SQLite has no statement-level
// privileges, so the statement must start with SELECT (or WITH for CTEs)
// and must not stack further statements.
func validateQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("%w: empty query", ErrQueryRejected)
	}

	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return ErrQueryRejected
	}

	// Reject multi-statement input; a trailing semicolon alone is fine.
	if rest := strings.TrimRight(trimmed, "; \t\n"); strings.Contains(rest, ";") {
		return fmt.Errorf("%w: multiple statements", ErrQueryRejected)
	}
	return nil
}
