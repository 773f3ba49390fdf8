package synclog

import (
	"database/sql"
	"fmt"

	"github.com/rowsync/rowsync/internal/dialect"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// Store is the read/write path for the unified change log. It carries no
// connection; every method takes the Querier the caller wants the statement
// to run on, so multi-statement operations share one transaction.
type Store struct {
	D dialect.Dialect
}

// Insert appends an entry to the log and returns the assigned version.
// The capture triggers are the normal write path; Insert exists for
// backfill and for tests.
func (s Store) Insert(q dialect.Querier, e Entry) (int64, error) {
	pk, err := Canonicalize(e.PKValue)
	if err != nil {
		return 0, syncerr.WrapDatabase(err, "insert log entry: pk_value")
	}
	var payload any
	if e.Payload != nil {
		canon, err := Canonicalize(e.Payload)
		if err != nil {
			return 0, syncerr.WrapDatabase(err, "insert log entry: payload")
		}
		payload = string(canon)
	}
	p := s.D.Placeholder
	query := fmt.Sprintf(`
		INSERT INTO _sync_log (table_name, pk_value, operation, payload, origin, timestamp)
		VALUES (%s, %s, %s, %s, %s, %s)`,
		p(1), p(2), p(3), p(4), p(5), p(6))
	res, err := q.Exec(query, e.TableName, string(pk), string(e.Operation), payload, e.Origin, FormatTime(e.Timestamp))
	if err != nil {
		return 0, syncerr.WrapDatabase(err, "insert log entry")
	}
	version, err := res.LastInsertId()
	if err != nil {
		// Postgres does not support LastInsertId; fall back to max(version).
		return s.MaxVersion(q)
	}
	return version, nil
}

const entryColumns = `version, table_name, pk_value, operation, payload, origin, timestamp`

// Fetch returns entries with version > fromVersion in ascending version
// order, at most batchSize of them.
func (s Store) Fetch(q dialect.Querier, fromVersion int64, batchSize int) ([]Entry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM _sync_log
		WHERE version > %s
		ORDER BY version ASC
		LIMIT %s`, entryColumns, s.D.Placeholder(1), s.D.Placeholder(2))
	rows, err := q.Query(query, fromVersion, batchSize)
	if err != nil {
		return nil, syncerr.WrapDatabase(err, "fetch log entries")
	}
	defer rows.Close()
	return scanEntries(rows)
}

// FetchTable returns entries for one table with version > fromVersion, in
// ascending version order. The mapping engine's outbound pass uses it.
func (s Store) FetchTable(q dialect.Querier, table string, fromVersion int64, batchSize int) ([]Entry, error) {
	p := s.D.Placeholder
	query := fmt.Sprintf(`
		SELECT %s FROM _sync_log
		WHERE table_name = %s AND version > %s
		ORDER BY version ASC
		LIMIT %s`, entryColumns, p(1), p(2), p(3))
	rows, err := q.Query(query, table, fromVersion, batchSize)
	if err != nil {
		return nil, syncerr.WrapDatabase(err, "fetch log entries for %s", table)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// LatestForKey returns the most recent entry for (table, canonical pk), or
// nil when the key has never been logged. The applier uses it to resolve
// conflicts against local history.
func (s Store) LatestForKey(q dialect.Querier, table, pkValue string) (*Entry, error) {
	p := s.D.Placeholder
	query := fmt.Sprintf(`
		SELECT %s FROM _sync_log
		WHERE table_name = %s AND pk_value = %s
		ORDER BY version DESC
		LIMIT 1`, entryColumns, p(1), p(2))
	rows, err := q.Query(query, table, pkValue)
	if err != nil {
		return nil, syncerr.WrapDatabase(err, "latest log entry for %s", table)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// MaxVersion returns the newest log version, 0 when the log is empty.
func (s Store) MaxVersion(q dialect.Querier) (int64, error) {
	var v int64
	err := q.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM _sync_log`).Scan(&v)
	if err != nil {
		return 0, syncerr.WrapDatabase(err, "max log version")
	}
	return v, nil
}

// MinVersion returns the oldest retained log version, 0 when the log is
// empty.
func (s Store) MinVersion(q dialect.Querier) (int64, error) {
	var v int64
	err := q.QueryRow(`SELECT COALESCE(MIN(version), 0) FROM _sync_log`).Scan(&v)
	if err != nil {
		return 0, syncerr.WrapDatabase(err, "min log version")
	}
	return v, nil
}

// Count returns the number of retained entries.
func (s Store) Count(q dialect.Querier) (int64, error) {
	var n int64
	err := q.QueryRow(`SELECT COUNT(*) FROM _sync_log`).Scan(&n)
	if err != nil {
		return 0, syncerr.WrapDatabase(err, "count log entries")
	}
	return n, nil
}

// PurgeBelow removes every entry with version < v. Full compaction; the
// caller is responsible for having verified the safe purge version.
func (s Store) PurgeBelow(q dialect.Querier, v int64) (int64, error) {
	res, err := q.Exec(fmt.Sprintf(
		`DELETE FROM _sync_log WHERE version < %s`, s.D.Placeholder(1)), v)
	if err != nil {
		return 0, syncerr.WrapDatabase(err, "purge log below %d", v)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeTombstonesBelow removes delete entries with version < v, leaving
// insert/update history intact.
func (s Store) PurgeTombstonesBelow(q dialect.Querier, v int64) (int64, error) {
	res, err := q.Exec(fmt.Sprintf(
		`DELETE FROM _sync_log WHERE version < %s AND operation = 'delete'`, s.D.Placeholder(1)), v)
	if err != nil {
		return 0, syncerr.WrapDatabase(err, "purge tombstones below %d", v)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			op      string
			pk      string
			payload sql.NullString
			ts      string
		)
		if err := rows.Scan(&e.Version, &e.TableName, &pk, &op, &payload, &e.Origin, &ts); err != nil {
			return nil, syncerr.WrapDatabase(err, "scan log entry")
		}
		e.PKValue = []byte(pk)
		e.Operation = Operation(op)
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		parsed, err := ParseTime(ts)
		if err != nil {
			return nil, syncerr.WrapDatabase(err, "parse log timestamp version=%d", e.Version)
		}
		e.Timestamp = parsed
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.WrapDatabase(err, "iterate log entries")
	}
	return entries, nil
}
