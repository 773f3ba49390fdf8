// Package engine is the facade transports drive: initialize a replica,
// pull batches out, push batches in, track peer cursors, and reclaim
// storage. No method panics or throws across this boundary; failures are
// returned as errors. Log, client and apply failures, full resync, deferral
// exhaustion and cancellation are typed errors from internal/syncerr;
// failures to toggle suppression or to hash or map an entry are plain
// wrapped errors.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rowsync/rowsync/internal/apply"
	"github.com/rowsync/rowsync/internal/batchhash"
	"github.com/rowsync/rowsync/internal/clients"
	"github.com/rowsync/rowsync/internal/dialect"
	"github.com/rowsync/rowsync/internal/mapping"
	"github.com/rowsync/rowsync/internal/retention"
	"github.com/rowsync/rowsync/internal/session"
	"github.com/rowsync/rowsync/internal/subscription"
	"github.com/rowsync/rowsync/internal/syncerr"
	"github.com/rowsync/rowsync/internal/synclog"
	"github.com/rowsync/rowsync/internal/triggers"
)

// Options tunes an Engine.
type Options struct {
	// VersionColumn is the payload column treated as a row version.
	// Empty means apply.DefaultVersionColumn.
	VersionColumn string

	// StaleAfter is the window after which unseen clients stop holding
	// back purges. Zero means retention.DefaultStaleAfter.
	StaleAfter time.Duration

	// MaxDeferralPasses bounds foreign-key retry passes during Push.
	// Zero means one pass per batch entry.
	MaxDeferralPasses int

	// Mapping, when non-nil, transforms entries on their way out (Pull)
	// and in (Push).
	Mapping *mapping.Config
}

// Engine wires the component stores around one database handle.
type Engine struct {
	db   *sql.DB
	d    dialect.Dialect
	log  synclog.Store
	cls  clients.Store
	subs subscription.Store
	ret  retention.Manager
	opts Options
}

// New builds an Engine over an open database. Call Initialize before
// first use on a fresh database.
func New(db *sql.DB, d dialect.Dialect, opts Options) *Engine {
	logStore := synclog.Store{D: d}
	clientStore := clients.Store{D: d}
	return &Engine{
		db:   db,
		d:    d,
		log:  logStore,
		cls:  clientStore,
		subs: subscription.Store{D: d},
		ret: retention.Manager{
			Log:        logStore,
			Clients:    clientStore,
			StaleAfter: opts.StaleAfter,
		},
		opts: opts,
	}
}

// Initialize creates the sync metadata, fixes the replica's origin ID, and
// installs capture triggers on every user table. An empty originID gets a
// fresh UUID. Returns the origin in effect.
func (e *Engine) Initialize(originID string) (string, error) {
	if err := synclog.Init(e.db, e.d); err != nil {
		return "", err
	}
	current, err := synclog.OriginID(e.db, e.d)
	if err != nil {
		return "", err
	}
	if current == "" {
		if originID == "" {
			originID = uuid.NewString()
		}
		if err := synclog.SetOriginID(e.db, e.d, originID); err != nil {
			return "", err
		}
		current = originID
	}
	tables, err := triggers.InstallAll(e.db, e.d)
	if err != nil {
		return "", err
	}
	slog.Info("sync initialized", "origin", current, "tables", len(tables))
	return current, nil
}

// PullResult is a batch of outbound entries plus its integrity hash.
type PullResult struct {
	Entries   []synclog.Entry
	BatchHash string
}

// Pull returns entries with version > fromVersion, at most batchSize,
// after verifying the retained window can still serve the caller. Mapped
// configurations transform entries outbound (push direction) before
// hashing.
func (e *Engine) Pull(ctx context.Context, fromVersion int64, batchSize int) (PullResult, error) {
	if err := ctx.Err(); err != nil {
		return PullResult{}, syncerr.ErrCancelled
	}
	if err := e.ret.CheckWindow(e.db, fromVersion); err != nil {
		return PullResult{}, err
	}
	entries, err := e.log.Fetch(e.db, fromVersion, batchSize)
	if err != nil {
		return PullResult{}, err
	}
	if e.opts.Mapping != nil {
		mapper := mapping.Engine{D: e.d, Config: *e.opts.Mapping}
		entries, err = mapper.TransformBatch(e.db, entries, mapping.Push)
		if err != nil {
			return PullResult{}, err
		}
	}
	hash, err := batchhash.Compute(entries)
	if err != nil {
		return PullResult{}, err
	}
	return PullResult{Entries: entries, BatchHash: hash}, nil
}

// PushResult summarizes an inbound batch.
type PushResult struct {
	Applied  int
	Skipped  int
	Deferred int // entries that needed at least one deferral pass
	Hash     string
}

// Push applies a batch of remote entries in one transaction under an
// active suppression session. Entries apply in ascending version order;
// foreign-key deferrals retry in bounded passes with a parent-before-child
// retry order. The whole batch rolls back on failure, and suppression is
// cleared on every exit path.
func (e *Engine) Push(ctx context.Context, entries []synclog.Entry, originHint string) (PushResult, error) {
	var res PushResult
	hash, err := batchhash.Compute(entries)
	if err != nil {
		return res, err
	}
	res.Hash = hash
	if len(entries) == 0 {
		return res, nil
	}

	localOrigin, err := synclog.OriginID(e.db, e.d)
	if err != nil {
		return res, err
	}

	tx, err := e.db.Begin()
	if err != nil {
		return res, syncerr.WrapDatabase(err, "begin push transaction")
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	guard, err := session.Enable(tx, e.d)
	if err != nil {
		return res, err
	}
	defer func() {
		if !committed {
			guard.Release()
		}
	}()

	batch := make([]synclog.Entry, 0, len(entries))
	var maxVersion int64
	for _, en := range entries {
		if en.Origin == localOrigin && localOrigin != "" {
			// Our own change coming back: echo, drop it.
			res.Skipped++
			continue
		}
		batch = append(batch, en)
		if en.Version > maxVersion {
			maxVersion = en.Version
		}
	}
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Version < batch[j].Version })

	if e.opts.Mapping != nil {
		mapper := mapping.Engine{D: e.d, Config: *e.opts.Mapping}
		batch, err = mapper.TransformBatch(tx, batch, mapping.Pull)
		if err != nil {
			return res, err
		}
	}

	applyOpts := apply.Options{
		VersionColumn: e.opts.VersionColumn,
		LocalHistory: func(table, pk string) (*synclog.Entry, error) {
			return e.log.LatestForKey(tx, table, pk)
		},
	}

	passes := e.opts.MaxDeferralPasses
	if passes <= 0 {
		passes = len(batch)
	}
	if passes < 1 {
		passes = 1
	}

	pending := batch
	deferredSeen := map[int64]bool{}
	for pass := 0; pass < passes && len(pending) > 0; pass++ {
		if pass > 0 {
			pending = e.parentFirst(tx, pending)
		}
		var deferred []synclog.Entry
		progressed := false
		for _, en := range pending {
			if ctx.Err() != nil {
				return res, syncerr.ErrCancelled
			}
			outcome, err := apply.Apply(tx, e.d, en, applyOpts)
			if err != nil {
				return res, err
			}
			switch outcome {
			case syncerr.Applied:
				res.Applied++
				progressed = true
			case syncerr.Skipped:
				res.Skipped++
				progressed = true
			case syncerr.Deferred:
				if !deferredSeen[en.Version] {
					deferredSeen[en.Version] = true
					res.Deferred++
				}
				deferred = append(deferred, en)
			}
		}
		if !progressed && len(deferred) == len(pending) {
			break
		}
		pending = deferred
	}
	if len(pending) > 0 {
		return res, &syncerr.DeferredFailedError{
			Reason: fmt.Sprintf("foreign-key parents never arrived for %d entries", len(pending)),
		}
	}

	if err := synclog.SetLastServerVersion(tx, e.d, maxVersion); err != nil {
		return res, err
	}
	if err := guard.Release(); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, syncerr.WrapDatabase(err, "commit push transaction")
	}
	committed = true
	slog.Info("push applied", "origin_hint", originHint,
		"applied", res.Applied, "skipped", res.Skipped, "deferred", res.Deferred)
	return res, nil
}

// parentFirst reorders a retry set so entries on parent tables come before
// entries on tables that reference them, stable by version within a rank.
// Cycles fall back to version order.
func (e *Engine) parentFirst(q dialect.Querier, entries []synclog.Entry) []synclog.Entry {
	tables := map[string]bool{}
	for _, en := range entries {
		tables[en.TableName] = true
	}
	rank := tableRanks(q, e.d, tables)
	out := make([]synclog.Entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank[out[i].TableName], rank[out[j].TableName]
		if ri != rj {
			return ri < rj
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// tableRanks topologically orders tables by their foreign-key parents.
// Unresolvable (cyclic) tables share the maximum rank.
func tableRanks(q dialect.Querier, d dialect.Dialect, tables map[string]bool) map[string]int {
	parents := map[string][]string{}
	for t := range tables {
		ps, err := d.ForeignKeyParents(q, t)
		if err != nil {
			slog.Debug("fk discovery failed", "table", t, "err", err)
			continue
		}
		for _, p := range ps {
			if tables[p] && p != t {
				parents[t] = append(parents[t], p)
			}
		}
	}
	rank := map[string]int{}
	var visit func(t string, depth int) int
	visit = func(t string, depth int) int {
		if r, ok := rank[t]; ok {
			return r
		}
		if depth > len(tables) {
			return len(tables) // cycle guard
		}
		r := 0
		for _, p := range parents[t] {
			pr := visit(p, depth+1) + 1
			if pr > r {
				r = pr
			}
		}
		rank[t] = r
		return r
	}
	for t := range tables {
		visit(t, 0)
	}
	return rank
}

// RegisterClient records a new peer at an initial cursor.
func (e *Engine) RegisterClient(originID string, initialVersion int64) error {
	return e.cls.Upsert(e.db, originID, initialVersion, time.Now().UTC())
}

// AdvanceClient moves a peer's cursor forward. Regressions are absorbed by
// the store's monotonic upsert.
func (e *Engine) AdvanceClient(originID string, version int64, at time.Time) error {
	return e.cls.Upsert(e.db, originID, version, at)
}

// Summary is the replica's externally visible sync state.
type Summary struct {
	OriginID      string
	MaxVersion    int64
	OldestVersion int64
	EntryCount    int64
	ClientCount   int64
}

// State reports the replica's current log window and peer count.
func (e *Engine) State() (Summary, error) {
	var s Summary
	var err error
	if s.OriginID, err = synclog.OriginID(e.db, e.d); err != nil {
		return s, err
	}
	if s.MaxVersion, err = e.log.MaxVersion(e.db); err != nil {
		return s, err
	}
	if s.OldestVersion, err = e.log.MinVersion(e.db); err != nil {
		return s, err
	}
	if s.EntryCount, err = e.log.Count(e.db); err != nil {
		return s, err
	}
	if s.ClientCount, err = e.cls.Count(e.db); err != nil {
		return s, err
	}
	return s, nil
}

// GCResult reports what a garbage-collection pass reclaimed.
type GCResult struct {
	ExpiredSubscriptions int64
	PurgedTombstones     int64
}

// GC removes expired subscriptions and purges tombstones below the safe
// purge version.
func (e *Engine) GC(now time.Time) (GCResult, error) {
	var res GCResult
	var err error
	if res.ExpiredSubscriptions, err = e.subs.DeleteExpired(e.db, now); err != nil {
		return res, err
	}
	if res.PurgedTombstones, err = e.ret.PurgeTombstones(e.db, now); err != nil {
		return res, err
	}
	return res, nil
}

// Subscriptions exposes the subscription store bound to this engine's
// database handle semantics (callers pass e.DB() as the querier).
func (e *Engine) Subscriptions() subscription.Store { return e.subs }

// Clients exposes the client-cursor store.
func (e *Engine) Clients() clients.Store { return e.cls }

// Retention exposes the retention manager.
func (e *Engine) Retention() retention.Manager { return e.ret }

// DB returns the underlying handle for callers composing store calls in
// their own transactions.
func (e *Engine) DB() *sql.DB { return e.db }

// Dialect returns the engine's SQL dialect.
func (e *Engine) Dialect() dialect.Dialect { return e.d }
