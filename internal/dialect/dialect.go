// Package dialect isolates the SQL surface that differs between the
// supported stores: trigger DDL, JSON construction, timestamp expressions,
// upsert syntax, catalog discovery, and constraint-error classification.
package dialect

import (
	"database/sql"
	"fmt"
	"regexp"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, so repository code can
// run inside or outside an explicit transaction.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Column describes a single user-table column from the catalog.
type Column struct {
	Name    string
	Type    string
	NotNull bool
	PK      bool
}

// TableInfo is the catalog snapshot the trigger generator and applier work from.
type TableInfo struct {
	Name    string
	Columns []Column
}

// PKColumns returns the primary-key column names in declaration order.
func (t TableInfo) PKColumns() []string {
	var pks []string
	for _, c := range t.Columns {
		if c.PK {
			pks = append(pks, c.Name)
		}
	}
	return pks
}

// ColumnNames returns all column names in declaration order.
func (t TableInfo) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether the table carries the named column.
func (t TableInfo) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Dialect is the per-store shim. Implementations must be stateless and safe
// for concurrent use.
type Dialect interface {
	// Name identifies the dialect ("sqlite" or "postgres").
	Name() string

	// Placeholder renders the i-th (1-based) bind parameter.
	Placeholder(i int) string

	// SchemaSQL returns the DDL statements creating the _sync_* metadata
	// tables, in execution order. All statements are idempotent.
	SchemaSQL() []string

	// TableInfo reads column and primary-key metadata from the catalog.
	TableInfo(q Querier, table string) (TableInfo, error)

	// UserTables lists tables eligible for capture triggers, excluding
	// sync metadata and store-internal tables.
	UserTables(q Querier) ([]string, error)

	// ForeignKeyParents lists the tables the given table references.
	ForeignKeyParents(q Querier, table string) ([]string, error)

	// CaptureTriggerSQL returns the DDL installing the insert/update/delete
	// capture triggers for the table. pkCol is the single primary-key
	// column; cols are the sync-eligible payload columns in canonical
	// (ascending) order.
	CaptureTriggerSQL(table, pkCol string, cols []string) []string

	// DropTriggerSQL returns the DDL removing any capture triggers
	// previously installed for the table.
	DropTriggerSQL(table string) []string

	// UpsertSQL builds an insert-or-update statement for the given columns,
	// keyed on pkCol. Bind order follows cols.
	UpsertSQL(table string, cols []string, pkCol string) string

	// DeleteSQL builds a delete statement keyed on pkCol.
	DeleteSQL(table, pkCol string) string

	// IsForeignKeyViolation classifies a store error as an FK constraint
	// failure.
	IsForeignKeyViolation(err error) bool

	// EnableSuppression / DisableSuppression toggle the session-scoped flag
	// the capture triggers are gated on.
	EnableSuppression(q Querier) error
	DisableSuppression(q Querier) error

	// SuppressionActive reads the current session flag.
	SuppressionActive(q Querier) (bool, error)
}

var validIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdent reports whether s is safe to interpolate as a SQL identifier.
func ValidIdent(s string) bool {
	return validIdent.MatchString(s)
}

// QuoteIdent double-quotes a validated identifier.
func QuoteIdent(s string) string {
	return `"` + s + `"`
}

// ForName returns the dialect registered under the given name.
func ForName(name string) (Dialect, error) {
	switch name {
	case "sqlite", "sqlite3", "":
		return SQLite{}, nil
	case "postgres", "pgx":
		return Postgres{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect: %q", name)
	}
}
