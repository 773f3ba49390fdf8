package subscription

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rowsync/rowsync/internal/dialect"
	"github.com/rowsync/rowsync/internal/synclog"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := synclog.Init(db, dialect.SQLite{}); err != nil {
		t.Fatalf("init metadata: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndGet(t *testing.T) {
	db := setupDB(t)
	store := Store{D: dialect.SQLite{}}

	created, err := store.Create(db, Subscription{
		OriginID:  "peer-1",
		Type:      TypeTable,
		TableName: "Person",
		Filter:    "status = 'active'",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("no ID assigned")
	}

	got, err := store.Get(db, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.OriginID != "peer-1" || got.Type != TypeTable || got.TableName != "Person" {
		t.Fatalf("got %+v", got)
	}
	// Filter is stored opaquely.
	if got.Filter != "status = 'active'" {
		t.Errorf("filter: got %q", got.Filter)
	}
}

func TestInvalidTypeRejected(t *testing.T) {
	db := setupDB(t)
	store := Store{D: dialect.SQLite{}}
	if _, err := store.Create(db, Subscription{OriginID: "p", Type: "bogus"}); err == nil {
		t.Fatal("invalid type: expected error")
	}
}

func TestByTableAndByOrigin(t *testing.T) {
	db := setupDB(t)
	store := Store{D: dialect.SQLite{}}

	store.Create(db, Subscription{OriginID: "peer-1", Type: TypeTable, TableName: "Person"})
	store.Create(db, Subscription{OriginID: "peer-1", Type: TypeQuery, TableName: "orders"})
	store.Create(db, Subscription{OriginID: "peer-2", Type: TypeTable, TableName: "Person"})

	byTable, err := store.ByTable(db, "Person")
	if err != nil {
		t.Fatalf("by table: %v", err)
	}
	if len(byTable) != 2 {
		t.Errorf("by table: got %d, want 2", len(byTable))
	}

	byOrigin, err := store.ByOrigin(db, "peer-1")
	if err != nil {
		t.Fatalf("by origin: %v", err)
	}
	if len(byOrigin) != 2 {
		t.Errorf("by origin: got %d, want 2", len(byOrigin))
	}
}

func TestDeleteExpired(t *testing.T) {
	db := setupDB(t)
	store := Store{D: dialect.SQLite{}}
	now := time.Date(2024, 7, 20, 14, 0, 0, 0, time.UTC)

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	store.Create(db, Subscription{OriginID: "p", Type: TypeRecord, TableName: "t", ExpiresAt: &past})
	store.Create(db, Subscription{OriginID: "p", Type: TypeRecord, TableName: "t", ExpiresAt: &future})
	store.Create(db, Subscription{OriginID: "p", Type: TypeRecord, TableName: "t"}) // never expires

	n, err := store.DeleteExpired(db, now)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Errorf("expired: got %d, want 1", n)
	}
	remaining, _ := store.ByOrigin(db, "p")
	if len(remaining) != 2 {
		t.Errorf("remaining: got %d, want 2", len(remaining))
	}
}

func TestDelete(t *testing.T) {
	db := setupDB(t)
	store := Store{D: dialect.SQLite{}}
	created, _ := store.Create(db, Subscription{OriginID: "p", Type: TypeRecord, TableName: "t"})
	if err := store.Delete(db, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := store.Get(db, created.ID)
	if got != nil {
		t.Error("subscription still present after delete")
	}
}
