package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rowsync/rowsync/internal/dialect"
	"github.com/rowsync/rowsync/internal/session"
	"github.com/rowsync/rowsync/internal/subscription"
	"github.com/rowsync/rowsync/internal/syncerr"
	"github.com/rowsync/rowsync/internal/synclog"
)

// openReplica builds a replica with a Person table, initialized metadata,
// and capture triggers installed.
func openReplica(t *testing.T, origin string) (*sql.DB, *Engine) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		t.Fatalf("enable fk: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE Person (Id TEXT PRIMARY KEY, Name TEXT, Email TEXT)`); err != nil {
		t.Fatalf("create Person: %v", err)
	}
	eng := New(db, dialect.SQLite{}, Options{})
	got, err := eng.Initialize(origin)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got != origin {
		t.Fatalf("origin: got %s, want %s", got, origin)
	}
	t.Cleanup(func() { db.Close() })
	return db, eng
}

func personCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM Person`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func logCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM _sync_log`).Scan(&n); err != nil {
		t.Fatalf("log count: %v", err)
	}
	return n
}

func TestInitializeGeneratesOrigin(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	eng := New(db, dialect.SQLite{}, Options{})
	origin, err := eng.Initialize("")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if origin == "" {
		t.Fatal("no origin generated")
	}
	// Second initialize keeps the existing origin.
	again, err := eng.Initialize("different")
	if err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	if again != origin {
		t.Errorf("origin changed on re-init: %s vs %s", again, origin)
	}
}

func TestRoundTripReplication(t *testing.T) {
	ctx := context.Background()
	dbA, engA := openReplica(t, "origin-a")
	dbB, engB := openReplica(t, "origin-b")

	if _, err := dbA.Exec(`INSERT INTO Person VALUES ('p1', 'Alice', 'alice@x')`); err != nil {
		t.Fatalf("local insert: %v", err)
	}

	pulled, err := engA.Pull(ctx, 0, 100)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(pulled.Entries) != 1 || pulled.BatchHash == "" {
		t.Fatalf("pull: %d entries, hash %q", len(pulled.Entries), pulled.BatchHash)
	}

	res, err := engB.Push(ctx, pulled.Entries, "origin-a")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if res.Applied != 1 || res.Hash != pulled.BatchHash {
		t.Fatalf("push result: %+v", res)
	}

	if personCount(t, dbB) != 1 {
		t.Error("row not replicated to B")
	}
	// Echo-freedom: applying under suppression left B's log empty.
	if n := logCount(t, dbB); n != 0 {
		t.Errorf("apply echoed into B's log: %d entries", n)
	}
	// Suppression released after push.
	if active, _ := session.IsActive(dbB, dialect.SQLite{}); active {
		t.Error("suppression left enabled after push")
	}

	// Idempotent redelivery.
	res, err = engB.Push(ctx, pulled.Entries, "origin-a")
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	if personCount(t, dbB) != 1 {
		t.Error("double apply changed row count")
	}
}

func TestDeletePropagates(t *testing.T) {
	ctx := context.Background()
	dbA, engA := openReplica(t, "origin-a")
	dbB, engB := openReplica(t, "origin-b")

	if _, err := dbA.Exec(`INSERT INTO Person VALUES ('p1', 'Alice', 'alice@x')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	pulled, err := engA.Pull(ctx, 0, 100)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if _, err := engB.Push(ctx, pulled.Entries, "origin-a"); err != nil {
		t.Fatalf("push: %v", err)
	}

	if _, err := dbA.Exec(`DELETE FROM Person WHERE Id = 'p1'`); err != nil {
		t.Fatalf("delete: %v", err)
	}
	pulled, err = engA.Pull(ctx, 1, 100)
	if err != nil {
		t.Fatalf("pull tombstone: %v", err)
	}
	if len(pulled.Entries) != 1 || !pulled.Entries[0].IsTombstone() {
		t.Fatalf("tombstone pull: %+v", pulled.Entries)
	}
	if _, err := engB.Push(ctx, pulled.Entries, "origin-a"); err != nil {
		t.Fatalf("push tombstone: %v", err)
	}
	if personCount(t, dbB) != 0 {
		t.Error("delete did not propagate")
	}
}

func TestPushDropsOwnEcho(t *testing.T) {
	ctx := context.Background()
	dbB, engB := openReplica(t, "origin-b")

	echo := synclog.Entry{
		Version:   1,
		TableName: "Person",
		PKValue:   json.RawMessage(`{"Id":"p9"}`),
		Operation: synclog.OpInsert,
		Payload:   json.RawMessage(`{"Id":"p9","Name":"Me","Email":"me@x"}`),
		Origin:    "origin-b", // our own change coming back
		Timestamp: time.Now().UTC(),
	}
	res, err := engB.Push(ctx, []synclog.Entry{echo}, "relay")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if res.Applied != 0 || res.Skipped != 1 {
		t.Fatalf("echo handling: %+v", res)
	}
	if personCount(t, dbB) != 0 {
		t.Error("echoed entry was applied")
	}
}

func TestPushDefersChildUntilParent(t *testing.T) {
	ctx := context.Background()
	dbB, engB := openReplica(t, "origin-b")
	if _, err := dbB.Exec(`CREATE TABLE orders (id TEXT PRIMARY KEY, person_id TEXT NOT NULL REFERENCES Person(Id))`); err != nil {
		t.Fatalf("create orders: %v", err)
	}

	now := time.Now().UTC()
	child := synclog.Entry{
		Version: 1, TableName: "orders",
		PKValue:   json.RawMessage(`{"id":"o1"}`),
		Operation: synclog.OpInsert,
		Payload:   json.RawMessage(`{"id":"o1","person_id":"p1"}`),
		Origin:    "origin-a", Timestamp: now,
	}
	parent := synclog.Entry{
		Version: 2, TableName: "Person",
		PKValue:   json.RawMessage(`{"Id":"p1"}`),
		Operation: synclog.OpInsert,
		Payload:   json.RawMessage(`{"Id":"p1","Name":"Alice","Email":"alice@x"}`),
		Origin:    "origin-a", Timestamp: now,
	}

	// Child sorts first by version; the deferral pass applies it after the
	// parent lands.
	res, err := engB.Push(ctx, []synclog.Entry{child, parent}, "origin-a")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if res.Applied != 2 || res.Deferred != 1 {
		t.Fatalf("push result: %+v", res)
	}
	var n int
	dbB.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&n)
	if n != 1 {
		t.Error("child never applied")
	}
}

func TestPushFailsWhenParentNeverArrives(t *testing.T) {
	ctx := context.Background()
	dbB, engB := openReplica(t, "origin-b")
	if _, err := dbB.Exec(`CREATE TABLE orders (id TEXT PRIMARY KEY, person_id TEXT NOT NULL REFERENCES Person(Id))`); err != nil {
		t.Fatalf("create orders: %v", err)
	}

	orphan := synclog.Entry{
		Version: 1, TableName: "orders",
		PKValue:   json.RawMessage(`{"id":"o1"}`),
		Operation: synclog.OpInsert,
		Payload:   json.RawMessage(`{"id":"o1","person_id":"nobody"}`),
		Origin:    "origin-a", Timestamp: time.Now().UTC(),
	}
	_, err := engB.Push(ctx, []synclog.Entry{orphan}, "origin-a")
	var dfe *syncerr.DeferredFailedError
	if !errors.As(err, &dfe) {
		t.Fatalf("expected DeferredFailedError, got %v", err)
	}
	// Whole batch rolled back, suppression cleared.
	var n int
	dbB.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&n)
	if n != 0 {
		t.Error("partial batch committed")
	}
	if active, _ := session.IsActive(dbB, dialect.SQLite{}); active {
		t.Error("suppression left enabled after failed push")
	}
}

func TestPushObservesCancellation(t *testing.T) {
	dbB, engB := openReplica(t, "origin-b")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := synclog.Entry{
		Version: 1, TableName: "Person",
		PKValue:   json.RawMessage(`{"Id":"p1"}`),
		Operation: synclog.OpInsert,
		Payload:   json.RawMessage(`{"Id":"p1","Name":"A","Email":"a@x"}`),
		Origin:    "origin-a", Timestamp: time.Now().UTC(),
	}
	_, err := engB.Push(ctx, []synclog.Entry{e}, "origin-a")
	if !errors.Is(err, syncerr.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if personCount(t, dbB) != 0 {
		t.Error("cancelled push applied entries")
	}
	if active, _ := session.IsActive(dbB, dialect.SQLite{}); active {
		t.Error("suppression left enabled after cancel")
	}
}

func TestPullFullResyncSignal(t *testing.T) {
	ctx := context.Background()
	dbA, engA := openReplica(t, "origin-a")

	for i := 0; i < 10; i++ {
		if _, err := dbA.Exec(`INSERT INTO Person VALUES (?, 'n', 'e')`, string(rune('a'+i))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	// Compact away versions below 8.
	if _, err := engA.Retention().Log.PurgeBelow(dbA, 8); err != nil {
		t.Fatalf("purge: %v", err)
	}

	_, err := engA.Pull(ctx, 3, 100)
	var fr *syncerr.FullResyncError
	if !errors.As(err, &fr) {
		t.Fatalf("expected FullResyncError, got %v", err)
	}
	if fr.ClientVersion != 3 || fr.OldestAvailable != 8 {
		t.Errorf("resync fields: %+v", fr)
	}

	// A cursor inside the window still pulls.
	res, err := engA.Pull(ctx, 7, 100)
	if err != nil {
		t.Fatalf("pull inside window: %v", err)
	}
	if len(res.Entries) != 3 {
		t.Errorf("entries: got %d, want 3", len(res.Entries))
	}
}

func TestClientCursorAndGC(t *testing.T) {
	ctx := context.Background()
	dbA, engA := openReplica(t, "origin-a")

	if _, err := dbA.Exec(`INSERT INTO Person VALUES ('p1', 'A', 'a@x')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := dbA.Exec(`DELETE FROM Person WHERE Id = 'p1'`); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if err := engA.RegisterClient("peer-b", 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	pulled, err := engA.Pull(ctx, 0, 100)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := engA.AdvanceClient("peer-b", pulled.Entries[len(pulled.Entries)-1].Version, time.Now().UTC()); err != nil {
		t.Fatalf("advance: %v", err)
	}

	s, err := engA.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if s.OriginID != "origin-a" || s.ClientCount != 1 || s.MaxVersion != 2 {
		t.Errorf("state: %+v", s)
	}

	// An expired subscription and a reclaimable tombstone.
	past := time.Now().UTC().Add(-time.Hour)
	if _, err := engA.Subscriptions().Create(dbA, subscription.Subscription{
		OriginID: "peer-b", Type: subscription.TypeTable, TableName: "Person", ExpiresAt: &past,
	}); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	res, err := engA.GC(time.Now().UTC())
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if res.ExpiredSubscriptions != 1 {
		t.Errorf("expired subscriptions: got %d, want 1", res.ExpiredSubscriptions)
	}
	// Tombstone at version 2 with cursor 2: purge is strictly below the
	// cursor, so it is retained.
	if res.PurgedTombstones != 0 {
		t.Errorf("tombstone below cursor purged early: %d", res.PurgedTombstones)
	}

	if err := engA.AdvanceClient("peer-b", 5, time.Now().UTC()); err != nil {
		t.Fatalf("advance: %v", err)
	}
	res, err = engA.GC(time.Now().UTC())
	if err != nil {
		t.Fatalf("second gc: %v", err)
	}
	if res.PurgedTombstones != 1 {
		t.Errorf("tombstone not purged once safe: %+v", res)
	}
}

func TestVersionConflictThroughPush(t *testing.T) {
	ctx := context.Background()
	dbB, engB := openReplica(t, "origin-b")
	if _, err := dbB.Exec(`CREATE TABLE Practitioner (Id TEXT PRIMARY KEY, Version INTEGER, Name TEXT)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := dbB.Exec(`INSERT INTO Practitioner VALUES ('pr', 5, 'John')`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	stale := synclog.Entry{
		Version: 1, TableName: "Practitioner",
		PKValue:   json.RawMessage(`{"Id":"pr"}`),
		Operation: synclog.OpUpdate,
		Payload:   json.RawMessage(`{"Id":"pr","Version":3,"Name":"Jane"}`),
		Origin:    "origin-a", Timestamp: time.Now().UTC(),
	}
	res, err := engB.Push(ctx, []synclog.Entry{stale}, "origin-a")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if res.Applied != 0 || res.Skipped != 1 {
		t.Fatalf("result: %+v", res)
	}
	var name string
	var version int
	dbB.QueryRow(`SELECT Name, Version FROM Practitioner WHERE Id = 'pr'`).Scan(&name, &version)
	if name != "John" || version != 5 {
		t.Errorf("server row changed: %s v%d", name, version)
	}
}

func TestPullObservesCancellation(t *testing.T) {
	_, engA := openReplica(t, "origin-a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engA.Pull(ctx, 0, 10); !errors.Is(err, syncerr.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}
