package synclog

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/rowsync/rowsync/internal/dialect"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// Init creates the _sync_* metadata tables and seeds the reserved state
// keys. All DDL is idempotent, so Init is safe to call on every open.
func Init(q dialect.Querier, d dialect.Dialect) error {
	for _, stmt := range d.SchemaSQL() {
		if _, err := q.Exec(stmt); err != nil {
			return syncerr.WrapDatabase(err, "create sync metadata")
		}
	}
	slog.Debug("sync metadata ready", "dialect", d.Name())
	return nil
}

// OriginID reads the replica identity. Empty until SetOriginID is called.
func OriginID(q dialect.Querier, d dialect.Dialect) (string, error) {
	var id string
	err := q.QueryRow(fmt.Sprintf(
		`SELECT value FROM _sync_state WHERE key = %s`, d.Placeholder(1)), "origin_id").Scan(&id)
	if err != nil {
		return "", syncerr.WrapDatabase(err, "read origin_id")
	}
	return id, nil
}

// SetOriginID writes the replica identity. The write replaces in place, but
// callers must not change the origin after the first successful outbound
// sync.
func SetOriginID(q dialect.Querier, d dialect.Dialect, id string) error {
	_, err := q.Exec(fmt.Sprintf(
		`UPDATE _sync_state SET value = %s WHERE key = %s`,
		d.Placeholder(1), d.Placeholder(2)), id, "origin_id")
	if err != nil {
		return syncerr.WrapDatabase(err, "set origin_id")
	}
	return nil
}

// LastServerVersion reads the high-water mark of remote versions this
// replica has observed.
func LastServerVersion(q dialect.Querier, d dialect.Dialect) (int64, error) {
	var raw string
	err := q.QueryRow(fmt.Sprintf(
		`SELECT value FROM _sync_state WHERE key = %s`, d.Placeholder(1)), "last_server_version").Scan(&raw)
	if err != nil {
		return 0, syncerr.WrapDatabase(err, "read last_server_version")
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, syncerr.WrapDatabase(err, "parse last_server_version %q", raw)
	}
	return v, nil
}

// SetLastServerVersion advances the high-water mark. Regressions are
// ignored; the mark only moves forward.
func SetLastServerVersion(q dialect.Querier, d dialect.Dialect, v int64) error {
	current, err := LastServerVersion(q, d)
	if err != nil {
		return err
	}
	if v <= current {
		return nil
	}
	_, err = q.Exec(fmt.Sprintf(
		`UPDATE _sync_state SET value = %s WHERE key = %s`,
		d.Placeholder(1), d.Placeholder(2)), strconv.FormatInt(v, 10), "last_server_version")
	if err != nil {
		return syncerr.WrapDatabase(err, "set last_server_version")
	}
	return nil
}
