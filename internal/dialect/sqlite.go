package dialect

import (
	"fmt"
	"strings"
)

// SQLite implements Dialect for SQLite (modernc.org/sqlite at runtime,
// mattn/go-sqlite3 in tests; both produce the same SQL surface).
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

// Placeholder renders the i-th bind parameter. SQLite is positional.
func (SQLite) Placeholder(i int) string { return "?" }

// sqliteNowExpr renders the current UTC time with millisecond precision, matching
// the Go-side timestamp layout.
const sqliteNowExpr = `strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`

func (SQLite) SchemaSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS _sync_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS _sync_session (
			id          INTEGER PRIMARY KEY CHECK (id = 1),
			sync_active INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS _sync_log (
			version    INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			pk_value   TEXT NOT NULL,
			operation  TEXT NOT NULL CHECK (operation IN ('insert', 'update', 'delete')),
			payload    TEXT,
			origin     TEXT NOT NULL,
			timestamp  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_log_version ON _sync_log(version)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_log_table_version ON _sync_log(table_name, version)`,
		`CREATE TABLE IF NOT EXISTS _sync_clients (
			origin_id           TEXT PRIMARY KEY,
			last_sync_version   INTEGER NOT NULL DEFAULT 0,
			last_sync_timestamp TEXT,
			created_at          TEXT NOT NULL DEFAULT (` + sqliteNowExpr + `)
		)`,
		`CREATE TABLE IF NOT EXISTS _sync_subscriptions (
			subscription_id TEXT PRIMARY KEY,
			origin_id       TEXT NOT NULL,
			type            TEXT NOT NULL CHECK (type IN ('record', 'table', 'query')),
			table_name      TEXT,
			filter          TEXT,
			created_at      TEXT NOT NULL DEFAULT (` + sqliteNowExpr + `),
			expires_at      TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS _sync_mapping_state (
			mapping_id          TEXT PRIMARY KEY,
			last_synced_version INTEGER NOT NULL DEFAULT 0,
			updated_at          TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS _sync_record_hashes (
			mapping_id   TEXT NOT NULL,
			pk_value     TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			updated_at   TEXT,
			PRIMARY KEY (mapping_id, pk_value)
		)`,
		`INSERT OR IGNORE INTO _sync_state (key, value) VALUES ('origin_id', '')`,
		`INSERT OR IGNORE INTO _sync_state (key, value) VALUES ('last_server_version', '0')`,
		`INSERT OR IGNORE INTO _sync_session (id, sync_active) VALUES (1, 0)`,
	}
}

func (SQLite) TableInfo(q Querier, table string) (TableInfo, error) {
	if !ValidIdent(table) {
		return TableInfo{}, fmt.Errorf("invalid table name: %q", table)
	}
	rows, err := q.Query(fmt.Sprintf("PRAGMA table_info(%s)", QuoteIdent(table)))
	if err != nil {
		return TableInfo{}, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	info := TableInfo{Name: table}
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, ctype      string
			dflt             any
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return TableInfo{}, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		info.Columns = append(info.Columns, Column{
			Name:    name,
			Type:    ctype,
			NotNull: notnull != 0,
			PK:      pk != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return TableInfo{}, err
	}
	if len(info.Columns) == 0 {
		return TableInfo{}, fmt.Errorf("table %s not found", table)
	}
	return info, nil
}

func (SQLite) UserTables(q Querier) ([]string, error) {
	rows, err := q.Query(`
		SELECT name FROM sqlite_master
		WHERE type = 'table'
		  AND name NOT LIKE '\_sync\_%' ESCAPE '\'
		  AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list user tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (SQLite) ForeignKeyParents(q Querier, table string) ([]string, error) {
	if !ValidIdent(table) {
		return nil, fmt.Errorf("invalid table name: %q", table)
	}
	rows, err := q.Query(fmt.Sprintf("PRAGMA foreign_key_list(%s)", QuoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("foreign_key_list %s: %w", table, err)
	}
	defer rows.Close()

	seen := map[string]bool{}
	var parents []string
	for rows.Next() {
		var (
			id, seq                               int
			parent, from, to, onUpd, onDel, match string
		)
		if err := rows.Scan(&id, &seq, &parent, &from, &to, &onUpd, &onDel, &match); err != nil {
			return nil, fmt.Errorf("scan foreign_key_list %s: %w", table, err)
		}
		if !seen[parent] {
			seen[parent] = true
			parents = append(parents, parent)
		}
	}
	return parents, rows.Err()
}

// captureTriggerName builds the trigger identifier for one operation.
func captureTriggerName(table, op string) string {
	return fmt.Sprintf("_sync_capture_%s_%s", table, op)
}

func (SQLite) CaptureTriggerSQL(table, pkCol string, cols []string) []string {
	newPayload := sqliteJSONObject("NEW", cols)
	return []string{
		fmt.Sprintf(`CREATE TRIGGER %s
AFTER INSERT ON %s
FOR EACH ROW
WHEN (SELECT sync_active FROM _sync_session WHERE id = 1) = 0
BEGIN
	INSERT INTO _sync_log (table_name, pk_value, operation, payload, origin, timestamp)
	VALUES ('%s', %s, 'insert', %s,
		(SELECT value FROM _sync_state WHERE key = 'origin_id'), %s);
END`,
			captureTriggerName(table, "insert"), QuoteIdent(table), table,
			sqliteJSONObject("NEW", []string{pkCol}), newPayload, sqliteNowExpr),
		fmt.Sprintf(`CREATE TRIGGER %s
AFTER UPDATE ON %s
FOR EACH ROW
WHEN (SELECT sync_active FROM _sync_session WHERE id = 1) = 0
BEGIN
	INSERT INTO _sync_log (table_name, pk_value, operation, payload, origin, timestamp)
	VALUES ('%s', %s, 'update', %s,
		(SELECT value FROM _sync_state WHERE key = 'origin_id'), %s);
END`,
			captureTriggerName(table, "update"), QuoteIdent(table), table,
			sqliteJSONObject("NEW", []string{pkCol}), newPayload, sqliteNowExpr),
		fmt.Sprintf(`CREATE TRIGGER %s
AFTER DELETE ON %s
FOR EACH ROW
WHEN (SELECT sync_active FROM _sync_session WHERE id = 1) = 0
BEGIN
	INSERT INTO _sync_log (table_name, pk_value, operation, payload, origin, timestamp)
	VALUES ('%s', %s, 'delete', NULL,
		(SELECT value FROM _sync_state WHERE key = 'origin_id'), %s);
END`,
			captureTriggerName(table, "delete"), QuoteIdent(table), table,
			sqliteJSONObject("OLD", []string{pkCol}), sqliteNowExpr),
	}
}

func (SQLite) DropTriggerSQL(table string) []string {
	return []string{
		"DROP TRIGGER IF EXISTS " + captureTriggerName(table, "insert"),
		"DROP TRIGGER IF EXISTS " + captureTriggerName(table, "update"),
		"DROP TRIGGER IF EXISTS " + captureTriggerName(table, "delete"),
	}
}

// sqliteJSONObject renders json_object('col', REF."col", ...) for the given
// row reference (NEW or OLD). Columns are assumed pre-sorted so the stored
// JSON is canonical.
func sqliteJSONObject(ref string, cols []string) string {
	pairs := make([]string, 0, len(cols))
	for _, c := range cols {
		pairs = append(pairs, fmt.Sprintf("'%s', %s.%s", c, ref, QuoteIdent(c)))
	}
	return "json_object(" + strings.Join(pairs, ", ") + ")"
}

func (SQLite) UpsertSQL(table string, cols []string, pkCol string) string {
	quoted := make([]string, len(cols))
	ph := make([]string, len(cols))
	var sets []string
	for i, c := range cols {
		quoted[i] = QuoteIdent(c)
		ph[i] = "?"
		if c != pkCol {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", QuoteIdent(c), QuoteIdent(c)))
		}
	}
	if len(sets) == 0 {
		// PK-only table: conflicting insert is a no-op.
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO NOTHING",
			QuoteIdent(table), strings.Join(quoted, ", "), strings.Join(ph, ", "), QuoteIdent(pkCol))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		QuoteIdent(table), strings.Join(quoted, ", "), strings.Join(ph, ", "),
		QuoteIdent(pkCol), strings.Join(sets, ", "))
}

func (SQLite) DeleteSQL(table, pkCol string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = ?", QuoteIdent(table), QuoteIdent(pkCol))
}

// IsForeignKeyViolation matches on message text so both the modernc and
// mattn drivers classify identically.
func (SQLite) IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func (SQLite) EnableSuppression(q Querier) error {
	_, err := q.Exec(`UPDATE _sync_session SET sync_active = 1 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("enable suppression: %w", err)
	}
	return nil
}

func (SQLite) DisableSuppression(q Querier) error {
	_, err := q.Exec(`UPDATE _sync_session SET sync_active = 0 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("disable suppression: %w", err)
	}
	return nil
}

func (SQLite) SuppressionActive(q Querier) (bool, error) {
	var active int
	err := q.QueryRow(`SELECT sync_active FROM _sync_session WHERE id = 1`).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("read suppression flag: %w", err)
	}
	return active != 0, nil
}
