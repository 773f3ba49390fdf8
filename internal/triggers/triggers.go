// Package triggers generates and installs the per-table capture triggers
// that feed the unified change log.
package triggers

import (
	"log/slog"
	"sort"

	"github.com/rowsync/rowsync/internal/dialect"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// Install discovers the table's columns and primary key from the catalog
// and installs the insert/update/delete capture triggers, dropping any
// previous generation first. Tables with composite primary keys are
// rejected: the apply path materializes a single PK column, and installing
// capture on a composite key would produce entries it cannot apply.
func Install(q dialect.Querier, d dialect.Dialect, table string) error {
	info, err := d.TableInfo(q, table)
	if err != nil {
		return syncerr.WrapDatabase(err, "install triggers on %s", table)
	}

	pks := info.PKColumns()
	switch len(pks) {
	case 1:
	case 0:
		return syncerr.Database("install triggers on %s: table has no primary key", table)
	default:
		return syncerr.Database("install triggers on %s: composite primary keys are not supported", table)
	}

	for _, col := range info.Columns {
		if !dialect.ValidIdent(col.Name) {
			return syncerr.Database("install triggers on %s: unsupported column name %q", table, col.Name)
		}
	}

	if err := Drop(q, d, table); err != nil {
		return err
	}

	cols := PayloadColumns(info)
	for _, stmt := range d.CaptureTriggerSQL(table, pks[0], cols) {
		if _, err := q.Exec(stmt); err != nil {
			return syncerr.WrapDatabase(err, "create capture trigger on %s", table)
		}
	}
	slog.Debug("capture triggers installed", "table", table, "pk", pks[0], "columns", len(cols))
	return nil
}

// InstallAll installs capture triggers on every user table and returns the
// tables covered.
func InstallAll(q dialect.Querier, d dialect.Dialect) ([]string, error) {
	tables, err := d.UserTables(q)
	if err != nil {
		return nil, syncerr.WrapDatabase(err, "discover user tables")
	}
	for _, t := range tables {
		if err := Install(q, d, t); err != nil {
			return nil, err
		}
	}
	return tables, nil
}

// Drop removes the capture triggers for a table. Missing triggers are not
// an error.
func Drop(q dialect.Querier, d dialect.Dialect, table string) error {
	for _, stmt := range d.DropTriggerSQL(table) {
		if _, err := q.Exec(stmt); err != nil {
			return syncerr.WrapDatabase(err, "drop capture trigger on %s", table)
		}
	}
	return nil
}

// PayloadColumns returns the sync-eligible columns in ascending name order,
// so trigger-built JSON payloads come out canonical.
func PayloadColumns(info dialect.TableInfo) []string {
	cols := info.ColumnNames()
	sort.Strings(cols)
	return cols
}
