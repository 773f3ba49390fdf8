// Package clients tracks each known peer's sync cursor: the last log
// version and timestamp it has observed. The minimum cursor across
// non-stale clients drives tombstone retention.
package clients

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rowsync/rowsync/internal/dialect"
	"github.com/rowsync/rowsync/internal/syncerr"
	"github.com/rowsync/rowsync/internal/synclog"
)

// Client is one peer's cursor record.
type Client struct {
	OriginID          string
	LastSyncVersion   int64
	LastSyncTimestamp *time.Time
	CreatedAt         time.Time
}

// Store is the CRUD surface over _sync_clients.
type Store struct {
	D dialect.Dialect
}

// Upsert creates or advances a client cursor. The version never moves
// backwards: the update keeps the larger of stored and incoming values.
func (s Store) Upsert(q dialect.Querier, originID string, version int64, at time.Time) error {
	p := s.D.Placeholder
	query := fmt.Sprintf(`
		INSERT INTO _sync_clients (origin_id, last_sync_version, last_sync_timestamp, created_at)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT(origin_id)
		DO UPDATE SET
			last_sync_version = CASE
				WHEN excluded.last_sync_version > _sync_clients.last_sync_version
				THEN excluded.last_sync_version
				ELSE _sync_clients.last_sync_version
			END,
			last_sync_timestamp = excluded.last_sync_timestamp`,
		p(1), p(2), p(3), p(4))
	_, err := q.Exec(query, originID, version, synclog.FormatTime(at), synclog.FormatTime(at))
	if err != nil {
		return syncerr.WrapDatabase(err, "upsert client %s", originID)
	}
	return nil
}

// Get returns one client's cursor, or nil when the origin is unknown.
func (s Store) Get(q dialect.Querier, originID string) (*Client, error) {
	query := fmt.Sprintf(`
		SELECT origin_id, last_sync_version, last_sync_timestamp, created_at
		FROM _sync_clients WHERE origin_id = %s`, s.D.Placeholder(1))
	rows, err := q.Query(query, originID)
	if err != nil {
		return nil, syncerr.WrapDatabase(err, "get client %s", originID)
	}
	defer rows.Close()
	list, err := scanClients(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// List returns all tracked clients ordered by origin.
func (s Store) List(q dialect.Querier) ([]Client, error) {
	rows, err := q.Query(`
		SELECT origin_id, last_sync_version, last_sync_timestamp, created_at
		FROM _sync_clients ORDER BY origin_id`)
	if err != nil {
		return nil, syncerr.WrapDatabase(err, "list clients")
	}
	defer rows.Close()
	return scanClients(rows)
}

// MinVersion returns the smallest cursor across all clients. ok is false
// when no clients are tracked.
func (s Store) MinVersion(q dialect.Querier) (int64, bool, error) {
	var v sql.NullInt64
	err := q.QueryRow(`SELECT MIN(last_sync_version) FROM _sync_clients`).Scan(&v)
	if err != nil {
		return 0, false, syncerr.WrapDatabase(err, "min client version")
	}
	if !v.Valid {
		return 0, false, nil
	}
	return v.Int64, true, nil
}

// Count returns the number of tracked clients.
func (s Store) Count(q dialect.Querier) (int64, error) {
	var n int64
	if err := q.QueryRow(`SELECT COUNT(*) FROM _sync_clients`).Scan(&n); err != nil {
		return 0, syncerr.WrapDatabase(err, "count clients")
	}
	return n, nil
}

// Delete removes one client record.
func (s Store) Delete(q dialect.Querier, originID string) error {
	_, err := q.Exec(fmt.Sprintf(
		`DELETE FROM _sync_clients WHERE origin_id = %s`, s.D.Placeholder(1)), originID)
	if err != nil {
		return syncerr.WrapDatabase(err, "delete client %s", originID)
	}
	return nil
}

// DeleteMultiple removes a set of client records, returning how many rows
// went away. Used to reclaim stale peers.
func (s Store) DeleteMultiple(q dialect.Querier, originIDs []string) (int64, error) {
	var removed int64
	for _, id := range originIDs {
		res, err := q.Exec(fmt.Sprintf(
			`DELETE FROM _sync_clients WHERE origin_id = %s`, s.D.Placeholder(1)), id)
		if err != nil {
			return removed, syncerr.WrapDatabase(err, "delete client %s", id)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}

func scanClients(rows *sql.Rows) ([]Client, error) {
	var list []Client
	for rows.Next() {
		var (
			c         Client
			ts        sql.NullString
			createdAt string
		)
		if err := rows.Scan(&c.OriginID, &c.LastSyncVersion, &ts, &createdAt); err != nil {
			return nil, syncerr.WrapDatabase(err, "scan client")
		}
		if ts.Valid && ts.String != "" {
			parsed, err := synclog.ParseTime(ts.String)
			if err != nil {
				return nil, syncerr.WrapDatabase(err, "parse client timestamp %s", c.OriginID)
			}
			c.LastSyncTimestamp = &parsed
		}
		created, err := synclog.ParseTime(createdAt)
		if err != nil {
			return nil, syncerr.WrapDatabase(err, "parse client created_at %s", c.OriginID)
		}
		c.CreatedAt = created
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.WrapDatabase(err, "iterate clients")
	}
	return list, nil
}
