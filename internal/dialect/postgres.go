package dialect

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres implements Dialect for PostgreSQL via the pgx stdlib adapter.
// The suppression flag rides on a session GUC instead of the _sync_session
// row so that the per-connection scope the triggers need holds under
// connection pooling.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

const pgNowExpr = `to_char(now() AT TIME ZONE 'utc', 'YYYY-MM-DD"T"HH24:MI:SS.MS"Z"')`

func (Postgres) SchemaSQL() []string {
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
			version    BIGSERIAL PRIMARY KEY,
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
			last_sync_version   BIGINT NOT NULL DEFAULT 0,
			last_sync_timestamp TEXT,
			created_at          TEXT NOT NULL DEFAULT ` + pgNowExpr + `
		)`,
		`CREATE TABLE IF NOT EXISTS _sync_subscriptions (
			subscription_id TEXT PRIMARY KEY,
			origin_id       TEXT NOT NULL,
			type            TEXT NOT NULL CHECK (type IN ('record', 'table', 'query')),
			table_name      TEXT,
			filter          TEXT,
			created_at      TEXT NOT NULL DEFAULT ` + pgNowExpr + `,
			expires_at      TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS _sync_mapping_state (
			mapping_id          TEXT PRIMARY KEY,
			last_synced_version BIGINT NOT NULL DEFAULT 0,
			updated_at          TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS _sync_record_hashes (
			mapping_id   TEXT NOT NULL,
			pk_value     TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			updated_at   TEXT,
			PRIMARY KEY (mapping_id, pk_value)
		)`,
		`INSERT INTO _sync_state (key, value) VALUES ('origin_id', '') ON CONFLICT (key) DO NOTHING`,
		`INSERT INTO _sync_state (key, value) VALUES ('last_server_version', '0') ON CONFLICT (key) DO NOTHING`,
		`INSERT INTO _sync_session (id, sync_active) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
	}
}

func (Postgres) TableInfo(q Querier, table string) (TableInfo, error) {
	if !ValidIdent(table) {
		return TableInfo{}, fmt.Errorf("invalid table name: %q", table)
	}
	rows, err := q.Query(`
		SELECT c.column_name, c.data_type, c.is_nullable = 'NO',
		       EXISTS (
		           SELECT 1 FROM information_schema.key_column_usage kcu
		           JOIN information_schema.table_constraints tc
		             ON tc.constraint_name = kcu.constraint_name
		            AND tc.table_name = kcu.table_name
		           WHERE tc.constraint_type = 'PRIMARY KEY'
		             AND kcu.table_name = c.table_name
		             AND kcu.column_name = c.column_name
		       )
		FROM information_schema.columns c
		WHERE c.table_schema = 'public' AND c.table_name = $1
		ORDER BY c.ordinal_position`, table)
	if err != nil {
		return TableInfo{}, fmt.Errorf("columns %s: %w", table, err)
	}
	defer rows.Close()

	info := TableInfo{Name: table}
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.Type, &col.NotNull, &col.PK); err != nil {
			return TableInfo{}, fmt.Errorf("scan columns %s: %w", table, err)
		}
		info.Columns = append(info.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return TableInfo{}, err
	}
	if len(info.Columns) == 0 {
		return TableInfo{}, fmt.Errorf("table %s not found", table)
	}
	return info, nil
}

func (Postgres) UserTables(q Querier) ([]string, error) {
	rows, err := q.Query(`
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public'
		  AND table_type = 'BASE TABLE'
		  AND table_name NOT LIKE '\_sync\_%'
		ORDER BY table_name`)
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

func (Postgres) ForeignKeyParents(q Querier, table string) ([]string, error) {
	rows, err := q.Query(`
		SELECT DISTINCT ccu.table_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_name = tc.constraint_name
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("foreign keys %s: %w", table, err)
	}
	defer rows.Close()

	var parents []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		parents = append(parents, name)
	}
	return parents, rows.Err()
}

// suppressGUC is the session setting the capture triggers consult. A GUC is
// connection-local, which matches the suppression scope the applier needs.
const suppressGUC = "rowsync.suppress"

func (Postgres) CaptureTriggerSQL(table, pkCol string, cols []string) []string {
	fn := fmt.Sprintf("_sync_capture_%s", table)
	newPayload := pgJSONObject("NEW", cols)
	return []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $fn$
BEGIN
	IF current_setting('%s', true) = '1' THEN
		RETURN NULL;
	END IF;
	IF TG_OP = 'DELETE' THEN
		INSERT INTO _sync_log (table_name, pk_value, operation, payload, origin, timestamp)
		VALUES ('%s', %s::text, 'delete', NULL,
			(SELECT value FROM _sync_state WHERE key = 'origin_id'), %s);
		RETURN OLD;
	ELSIF TG_OP = 'UPDATE' THEN
		INSERT INTO _sync_log (table_name, pk_value, operation, payload, origin, timestamp)
		VALUES ('%s', %s::text, 'update', %s::text,
			(SELECT value FROM _sync_state WHERE key = 'origin_id'), %s);
		RETURN NEW;
	END IF;
	INSERT INTO _sync_log (table_name, pk_value, operation, payload, origin, timestamp)
	VALUES ('%s', %s::text, 'insert', %s::text,
		(SELECT value FROM _sync_state WHERE key = 'origin_id'), %s);
	RETURN NEW;
END;
$fn$ LANGUAGE plpgsql`,
			fn, suppressGUC,
			table, pgJSONObject("OLD", []string{pkCol}), pgNowExpr,
			table, pgJSONObject("NEW", []string{pkCol}), newPayload, pgNowExpr,
			table, pgJSONObject("NEW", []string{pkCol}), newPayload, pgNowExpr),
		fmt.Sprintf(`CREATE TRIGGER %s_row
AFTER INSERT OR UPDATE OR DELETE ON %s
FOR EACH ROW EXECUTE FUNCTION %s()`, fn, QuoteIdent(table), fn),
	}
}

func (Postgres) DropTriggerSQL(table string) []string {
	fn := fmt.Sprintf("_sync_capture_%s", table)
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s_row ON %s", fn, QuoteIdent(table)),
		fmt.Sprintf("DROP FUNCTION IF EXISTS %s()", fn),
	}
}

func pgJSONObject(ref string, cols []string) string {
	pairs := make([]string, 0, len(cols))
	for _, c := range cols {
		pairs = append(pairs, fmt.Sprintf("'%s', %s.%s", c, ref, QuoteIdent(c)))
	}
	return "jsonb_build_object(" + strings.Join(pairs, ", ") + ")"
}

func (p Postgres) UpsertSQL(table string, cols []string, pkCol string) string {
	quoted := make([]string, len(cols))
	ph := make([]string, len(cols))
	var sets []string
	for i, c := range cols {
		quoted[i] = QuoteIdent(c)
		ph[i] = p.Placeholder(i + 1)
		if c != pkCol {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", QuoteIdent(c), QuoteIdent(c)))
		}
	}
	if len(sets) == 0 {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
			QuoteIdent(table), strings.Join(quoted, ", "), strings.Join(ph, ", "), QuoteIdent(pkCol))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		QuoteIdent(table), strings.Join(quoted, ", "), strings.Join(ph, ", "),
		QuoteIdent(pkCol), strings.Join(sets, ", "))
}

func (Postgres) DeleteSQL(table, pkCol string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = $1", QuoteIdent(table), QuoteIdent(pkCol))
}

func (Postgres) IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func (Postgres) EnableSuppression(q Querier) error {
	if _, err := q.Exec(`SELECT set_config($1, '1', false)`, suppressGUC); err != nil {
		return fmt.Errorf("enable suppression: %w", err)
	}
	return nil
}

func (Postgres) DisableSuppression(q Querier) error {
	if _, err := q.Exec(`SELECT set_config($1, '0', false)`, suppressGUC); err != nil {
		return fmt.Errorf("disable suppression: %w", err)
	}
	return nil
}

func (Postgres) SuppressionActive(q Querier) (bool, error) {
	var v string
	err := q.QueryRow(`SELECT COALESCE(current_setting($1, true), '0')`, suppressGUC).Scan(&v)
	if err != nil {
		return false, fmt.Errorf("read suppression flag: %w", err)
	}
	return v == "1", nil
}
