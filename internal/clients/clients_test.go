package clients

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

func TestUpsertAndGet(t *testing.T) {
	db := setupDB(t)
	store := Store{D: dialect.SQLite{}}
	at := time.Date(2024, 7, 20, 14, 0, 0, 0, time.UTC)

	if err := store.Upsert(db, "peer-1", 10, at); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	c, err := store.Get(db, "peer-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c == nil || c.LastSyncVersion != 10 {
		t.Fatalf("got %+v", c)
	}
	if c.LastSyncTimestamp == nil || !c.LastSyncTimestamp.Equal(at) {
		t.Errorf("timestamp: got %v", c.LastSyncTimestamp)
	}

	missing, err := store.Get(db, "nobody")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Errorf("unknown client: got %+v, want nil", missing)
	}
}

func TestCursorNeverRegresses(t *testing.T) {
	db := setupDB(t)
	store := Store{D: dialect.SQLite{}}
	at := time.Now().UTC()

	if err := store.Upsert(db, "peer-1", 10, at); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// An out-of-order advance with a smaller version is absorbed.
	if err := store.Upsert(db, "peer-1", 4, at.Add(time.Minute)); err != nil {
		t.Fatalf("upsert lower: %v", err)
	}
	c, _ := store.Get(db, "peer-1")
	if c.LastSyncVersion != 10 {
		t.Errorf("cursor regressed: got %d, want 10", c.LastSyncVersion)
	}

	if err := store.Upsert(db, "peer-1", 15, at.Add(2*time.Minute)); err != nil {
		t.Fatalf("upsert higher: %v", err)
	}
	c, _ = store.Get(db, "peer-1")
	if c.LastSyncVersion != 15 {
		t.Errorf("cursor: got %d, want 15", c.LastSyncVersion)
	}
}

func TestMinVersion(t *testing.T) {
	db := setupDB(t)
	store := Store{D: dialect.SQLite{}}

	_, ok, err := store.MinVersion(db)
	if err != nil {
		t.Fatalf("min empty: %v", err)
	}
	if ok {
		t.Error("empty store: expected ok=false")
	}

	at := time.Now().UTC()
	store.Upsert(db, "peer-1", 10, at)
	store.Upsert(db, "peer-2", 3, at)
	store.Upsert(db, "peer-3", 7, at)

	min, ok, err := store.MinVersion(db)
	if err != nil {
		t.Fatalf("min: %v", err)
	}
	if !ok || min != 3 {
		t.Errorf("min: got %d ok=%v, want 3 true", min, ok)
	}
}

func TestListAndDeleteMultiple(t *testing.T) {
	db := setupDB(t)
	store := Store{D: dialect.SQLite{}}
	at := time.Now().UTC()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Upsert(db, id, 1, at); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	list, err := store.List(db)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("list: got %d, want 3", len(list))
	}

	n, err := store.DeleteMultiple(db, []string{"a", "c", "nope"})
	if err != nil {
		t.Fatalf("delete multiple: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted: got %d, want 2", n)
	}
	count, _ := store.Count(db)
	if count != 1 {
		t.Errorf("remaining: got %d, want 1", count)
	}
}
