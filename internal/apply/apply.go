// Package apply writes remote change-log entries into local user tables:
// idempotent upsert/delete with version-aware conflict handling and
// foreign-key deferral. It must only run under an active suppression
// session; it never writes to the change log itself.
package apply

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/rowsync/rowsync/internal/dialect"
	"github.com/rowsync/rowsync/internal/syncerr"
	"github.com/rowsync/rowsync/internal/synclog"
)

// DefaultVersionColumn is the payload column treated as a row version when
// present.
const DefaultVersionColumn = "Version"

// Options tunes a single Apply call.
type Options struct {
	// VersionColumn overrides the row-version column name. Empty means
	// DefaultVersionColumn.
	VersionColumn string

	// LocalHistory, when set, returns the latest local log entry for a
	// (table, canonical pk) pair. The applier uses it for last-writer-wins
	// against local edits. Nil disables the lookup.
	LocalHistory func(table, pkValue string) (*synclog.Entry, error)
}

func (o Options) versionColumn() string {
	if o.VersionColumn == "" {
		return DefaultVersionColumn
	}
	return o.VersionColumn
}

// Apply writes one remote entry. Outcomes:
//   - Applied: the row was written or deleted.
//   - Skipped: the entry is a no-op (already reflected, or it lost LWW).
//   - Deferred: a foreign-key parent is missing; re-submit after the rest
//     of the batch.
func Apply(q dialect.Querier, d dialect.Dialect, e synclog.Entry, opts Options) (syncerr.Outcome, error) {
	if !e.Operation.Valid() {
		return syncerr.Skipped, syncerr.Database("apply: unknown operation %q", string(e.Operation))
	}

	pkCol, pkVal, err := synclog.FirstKey(e.PKValue)
	if err != nil {
		return syncerr.Skipped, syncerr.Database("apply %s: %v", e.TableName, err)
	}
	if !dialect.ValidIdent(pkCol) {
		return syncerr.Skipped, syncerr.Database("apply %s: invalid pk column %q", e.TableName, pkCol)
	}

	switch e.Operation {
	case synclog.OpDelete:
		return applyDelete(q, d, e, pkCol, pkVal)
	default:
		return applyUpsert(q, d, e, pkCol, pkVal, opts)
	}
}

func applyDelete(q dialect.Querier, d dialect.Dialect, e synclog.Entry, pkCol string, pkVal any) (syncerr.Outcome, error) {
	res, err := q.Exec(d.DeleteSQL(e.TableName, pkCol), bindValue(pkVal))
	if err != nil {
		if d.IsForeignKeyViolation(err) {
			slog.Debug("delete deferred on fk", "table", e.TableName, "version", e.Version)
			return syncerr.Deferred, nil
		}
		return syncerr.Skipped, syncerr.WrapDatabase(err, "delete %s", e.TableName)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncerr.Skipped, nil
	}
	return syncerr.Applied, nil
}

func applyUpsert(q dialect.Querier, d dialect.Dialect, e synclog.Entry, pkCol string, pkVal any, opts Options) (syncerr.Outcome, error) {
	if e.Payload == nil {
		return syncerr.Skipped, syncerr.Database("apply %s: %s entry has no payload", e.TableName, e.Operation)
	}
	fields, err := synclog.DecodeObject(e.Payload)
	if err != nil {
		return syncerr.Skipped, syncerr.Database("apply %s: malformed payload: %v", e.TableName, err)
	}
	if len(fields) == 0 {
		return syncerr.Skipped, syncerr.Database("apply %s: payload has no fields", e.TableName)
	}

	info, err := d.TableInfo(q, e.TableName)
	if err != nil {
		return syncerr.Skipped, syncerr.WrapDatabase(err, "apply %s", e.TableName)
	}

	// Unknown columns are a hard error, not silent data loss. Mapped
	// entries must land on a schema that carries every mapped column.
	for col := range fields {
		if !info.HasColumn(col) {
			return syncerr.Skipped, syncerr.Database("apply %s: unknown column %q in payload", e.TableName, col)
		}
	}

	if _, ok := fields[pkCol]; !ok {
		fields[pkCol] = pkVal
	}

	versionCol := opts.versionColumn()
	incomingVersion, hasIncoming := numericField(fields, versionCol)
	if hasIncoming && info.HasColumn(versionCol) {
		skip, err := existingVersionWins(q, d, e.TableName, pkCol, pkVal, versionCol, incomingVersion)
		if err != nil {
			return syncerr.Skipped, err
		}
		if skip {
			slog.Debug("apply skipped: local row version wins",
				"table", e.TableName, "version_column", versionCol)
			return syncerr.Skipped, nil
		}
	} else if opts.LocalHistory != nil {
		skip, err := localEditWins(e, opts)
		if err != nil {
			return syncerr.Skipped, err
		}
		if skip {
			slog.Debug("apply skipped: local edit wins LWW", "table", e.TableName, "origin", e.Origin)
			return syncerr.Skipped, nil
		}
	}

	cols := make([]string, 0, len(fields))
	for col := range fields {
		if !dialect.ValidIdent(col) {
			return syncerr.Skipped, syncerr.Database("apply %s: invalid column name %q", e.TableName, col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	vals := make([]any, len(cols))
	for i, col := range cols {
		vals[i] = bindValue(fields[col])
	}

	query := d.UpsertSQL(e.TableName, cols, pkCol)
	if _, err := q.Exec(query, vals...); err != nil {
		if d.IsForeignKeyViolation(err) {
			slog.Debug("upsert deferred on fk", "table", e.TableName, "version", e.Version)
			return syncerr.Deferred, nil
		}
		return syncerr.Skipped, syncerr.WrapDatabase(err, "upsert %s", e.TableName)
	}
	return syncerr.Applied, nil
}

// existingVersionWins fetches the current row version for the PK and
// reports whether it is at least the incoming one (server-wins no-op).
func existingVersionWins(q dialect.Querier, d dialect.Dialect, table, pkCol string, pkVal any, versionCol string, incoming float64) (bool, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		dialect.QuoteIdent(versionCol), dialect.QuoteIdent(table),
		dialect.QuoteIdent(pkCol), d.Placeholder(1))
	var existing any
	err := q.QueryRow(query, bindValue(pkVal)).Scan(&existing)
	if err != nil {
		// No row (or unreadable version) means nothing to defend; insert.
		return false, nil
	}
	current, ok := toNumber(existing)
	if !ok {
		return false, nil
	}
	return current >= incoming, nil
}

// localEditWins consults the local log's most recent entry for the same
// row; a later local entry from a different origin wins by LWW and the
// incoming entry is discarded.
func localEditWins(e synclog.Entry, opts Options) (bool, error) {
	pk, err := synclog.Canonicalize(e.PKValue)
	if err != nil {
		return false, syncerr.Database("apply %s: %v", e.TableName, err)
	}
	local, err := opts.LocalHistory(e.TableName, string(pk))
	if err != nil {
		return false, err
	}
	if local == nil || !IsConflict(*local, e) {
		return false, nil
	}
	res := ResolveLWW(*local, e)
	return lwwKey(res.Winner) == lwwKey(*local), nil
}

// numericField extracts a numeric payload field, accepting JSON numbers
// and numeric strings.
func numericField(fields map[string]any, name string) (float64, bool) {
	v, ok := fields[name]
	if !ok {
		return 0, false
	}
	return toNumber(v)
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case []byte:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// bindValue converts decoded JSON values into driver-friendly bind
// parameters. Nested arrays/objects are stored as canonical JSON text,
// matching what the capture triggers would have produced.
func bindValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return string(x)
	case []any, map[string]any:
		canon, err := synclog.CanonicalizeValue(x)
		if err != nil {
			slog.Warn("bind value: canonicalize failed", "err", err)
			return fmt.Sprint(x)
		}
		return string(canon)
	default:
		return v
	}
}
