// Package subscription stores the persistent filters downstream transports
// use for fan-out. The engine owns storage and expiry; filter strings are
// opaque here.
package subscription

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rowsync/rowsync/internal/dialect"
	"github.com/rowsync/rowsync/internal/syncerr"
	"github.com/rowsync/rowsync/internal/synclog"
)

// Type classifies what a subscription targets.
type Type string

const (
	TypeRecord Type = "record"
	TypeTable  Type = "table"
	TypeQuery  Type = "query"
)

// Valid reports whether the type is one of record/table/query.
func (t Type) Valid() bool {
	return t == TypeRecord || t == TypeTable || t == TypeQuery
}

// Subscription is one stored filter.
type Subscription struct {
	ID        string
	OriginID  string
	Type      Type
	TableName string
	Filter    string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Store is the CRUD surface over _sync_subscriptions.
type Store struct {
	D dialect.Dialect
}

// Create stores a subscription. A missing ID gets a fresh UUID. Returns
// the stored record.
func (s Store) Create(q dialect.Querier, sub Subscription) (Subscription, error) {
	if !sub.Type.Valid() {
		return Subscription{}, syncerr.Database("create subscription: invalid type %q", string(sub.Type))
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	var expires any
	if sub.ExpiresAt != nil {
		expires = synclog.FormatTime(*sub.ExpiresAt)
	}
	p := s.D.Placeholder
	query := fmt.Sprintf(`
		INSERT INTO _sync_subscriptions (subscription_id, origin_id, type, table_name, filter, created_at, expires_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		p(1), p(2), p(3), p(4), p(5), p(6), p(7))
	_, err := q.Exec(query, sub.ID, sub.OriginID, string(sub.Type), sub.TableName, sub.Filter,
		synclog.FormatTime(sub.CreatedAt), expires)
	if err != nil {
		return Subscription{}, syncerr.WrapDatabase(err, "create subscription")
	}
	return sub, nil
}

// Get returns one subscription, or nil when unknown.
func (s Store) Get(q dialect.Querier, id string) (*Subscription, error) {
	query := fmt.Sprintf(`
		SELECT subscription_id, origin_id, type, table_name, filter, created_at, expires_at
		FROM _sync_subscriptions WHERE subscription_id = %s`, s.D.Placeholder(1))
	rows, err := q.Query(query, id)
	if err != nil {
		return nil, syncerr.WrapDatabase(err, "get subscription %s", id)
	}
	defer rows.Close()
	list, err := scanSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// ByTable returns subscriptions targeting the given table.
func (s Store) ByTable(q dialect.Querier, table string) ([]Subscription, error) {
	query := fmt.Sprintf(`
		SELECT subscription_id, origin_id, type, table_name, filter, created_at, expires_at
		FROM _sync_subscriptions WHERE table_name = %s ORDER BY created_at`, s.D.Placeholder(1))
	rows, err := q.Query(query, table)
	if err != nil {
		return nil, syncerr.WrapDatabase(err, "subscriptions by table %s", table)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ByOrigin returns subscriptions registered by the given peer.
func (s Store) ByOrigin(q dialect.Querier, originID string) ([]Subscription, error) {
	query := fmt.Sprintf(`
		SELECT subscription_id, origin_id, type, table_name, filter, created_at, expires_at
		FROM _sync_subscriptions WHERE origin_id = %s ORDER BY created_at`, s.D.Placeholder(1))
	rows, err := q.Query(query, originID)
	if err != nil {
		return nil, syncerr.WrapDatabase(err, "subscriptions by origin %s", originID)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// Delete removes one subscription.
func (s Store) Delete(q dialect.Querier, id string) error {
	_, err := q.Exec(fmt.Sprintf(
		`DELETE FROM _sync_subscriptions WHERE subscription_id = %s`, s.D.Placeholder(1)), id)
	if err != nil {
		return syncerr.WrapDatabase(err, "delete subscription %s", id)
	}
	return nil
}

// DeleteExpired garbage-collects subscriptions whose expires_at has
// passed. Returns the number removed.
func (s Store) DeleteExpired(q dialect.Querier, now time.Time) (int64, error) {
	res, err := q.Exec(fmt.Sprintf(`
		DELETE FROM _sync_subscriptions
		WHERE expires_at IS NOT NULL AND expires_at < %s`, s.D.Placeholder(1)),
		synclog.FormatTime(now))
	if err != nil {
		return 0, syncerr.WrapDatabase(err, "delete expired subscriptions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	var list []Subscription
	for rows.Next() {
		var (
			sub           Subscription
			typ           string
			table, filter sql.NullString
			createdAt     string
			expiresAt     sql.NullString
		)
		if err := rows.Scan(&sub.ID, &sub.OriginID, &typ, &table, &filter, &createdAt, &expiresAt); err != nil {
			return nil, syncerr.WrapDatabase(err, "scan subscription")
		}
		sub.Type = Type(typ)
		sub.TableName = table.String
		sub.Filter = filter.String
		created, err := synclog.ParseTime(createdAt)
		if err != nil {
			return nil, syncerr.WrapDatabase(err, "parse subscription created_at")
		}
		sub.CreatedAt = created
		if expiresAt.Valid && expiresAt.String != "" {
			exp, err := synclog.ParseTime(expiresAt.String)
			if err != nil {
				return nil, syncerr.WrapDatabase(err, "parse subscription expires_at")
			}
			sub.ExpiresAt = &exp
		}
		list = append(list, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.WrapDatabase(err, "iterate subscriptions")
	}
	return list, nil
}
