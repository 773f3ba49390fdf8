// Package retention decides when tombstones may be reclaimed and when a
// lagging peer has fallen behind the retained log window.
package retention

import (
	"log/slog"
	"time"

	"github.com/rowsync/rowsync/internal/clients"
	"github.com/rowsync/rowsync/internal/dialect"
	"github.com/rowsync/rowsync/internal/syncerr"
	"github.com/rowsync/rowsync/internal/synclog"
)

// DefaultStaleAfter is the window after which an unseen client stops
// holding back tombstone reclamation.
const DefaultStaleAfter = 30 * 24 * time.Hour

// Manager computes safe purge versions and runs purges.
type Manager struct {
	Log     synclog.Store
	Clients clients.Store

	// StaleAfter overrides DefaultStaleAfter when positive.
	StaleAfter time.Duration
}

func (m Manager) staleAfter() time.Duration {
	if m.StaleAfter > 0 {
		return m.StaleAfter
	}
	return DefaultStaleAfter
}

// IsStale reports whether a client has gone unseen long enough to be
// excluded from purge safety.
func (m Manager) IsStale(c clients.Client, now time.Time) bool {
	last := c.CreatedAt
	if c.LastSyncTimestamp != nil {
		last = *c.LastSyncTimestamp
	}
	return now.Sub(last) > m.staleAfter()
}

// StaleClients returns the origin IDs currently considered stale.
func (m Manager) StaleClients(q dialect.Querier, now time.Time) ([]string, error) {
	all, err := m.Clients.List(q)
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, c := range all {
		if m.IsStale(c, now) {
			stale = append(stale, c.OriginID)
		}
	}
	return stale, nil
}

// SafePurgeVersion returns min(last_sync_version) over non-stale clients.
// ok is false when no non-stale clients exist, in which case nothing may
// be purged.
func (m Manager) SafePurgeVersion(q dialect.Querier, now time.Time) (int64, bool, error) {
	all, err := m.Clients.List(q)
	if err != nil {
		return 0, false, err
	}
	var (
		min   int64
		found bool
	)
	for _, c := range all {
		if m.IsStale(c, now) {
			continue
		}
		if !found || c.LastSyncVersion < min {
			min = c.LastSyncVersion
			found = true
		}
	}
	return min, found, nil
}

// PurgeTombstones removes delete entries below the safe purge version.
// Returns the number of tombstones reclaimed.
func (m Manager) PurgeTombstones(q dialect.Querier, now time.Time) (int64, error) {
	sp, ok, err := m.SafePurgeVersion(q, now)
	if err != nil {
		return 0, err
	}
	if !ok {
		slog.Debug("tombstone purge skipped: no tracked clients")
		return 0, nil
	}
	n, err := m.Log.PurgeTombstonesBelow(q, sp)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("tombstones purged", "below", sp, "count", n)
	}
	return n, nil
}

// Compact removes all entries below the safe purge version. Opt-in power
// operation: lagging-but-live peers past the window will need a full
// resync afterwards.
func (m Manager) Compact(q dialect.Querier, now time.Time) (int64, error) {
	sp, ok, err := m.SafePurgeVersion(q, now)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := m.Log.PurgeBelow(q, sp)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("log compacted", "below", sp, "count", n)
	}
	return n, nil
}

// RequiresFullResync reports whether a client at clientVersion can no
// longer be served incrementally given the oldest retained entry version.
// A client may resume from oldestAvailable-1 (fetch is exclusive), so the
// threshold sits one below the oldest entry.
func RequiresFullResync(clientVersion, oldestAvailable int64) bool {
	if oldestAvailable <= 0 {
		return false
	}
	return clientVersion < oldestAvailable-1
}

// CheckWindow verifies that the retained log can serve a pull from
// clientVersion; when it cannot, the typed FullResyncError carries both
// cursors for the caller to surface.
func (m Manager) CheckWindow(q dialect.Querier, clientVersion int64) error {
	count, err := m.Log.Count(q)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	oldest, err := m.Log.MinVersion(q)
	if err != nil {
		return err
	}
	if RequiresFullResync(clientVersion, oldest) {
		return &syncerr.FullResyncError{
			ClientVersion:   clientVersion,
			OldestAvailable: oldest,
		}
	}
	return nil
}
