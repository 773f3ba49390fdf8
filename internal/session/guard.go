// Package session controls the trigger-suppression flag. Every code path
// that applies remote changes must hold a Guard for the duration, so the
// capture triggers stay silent and applied changes are not echoed back.
package session

import (
	"log/slog"

	"github.com/rowsync/rowsync/internal/dialect"
)

// Guard represents an acquired suppression window on one database session.
// Release is idempotent and must run on every exit path, including errors.
type Guard struct {
	q        dialect.Querier
	d        dialect.Dialect
	released bool
}

// Enable turns suppression on for the session behind q and returns the
// guard that turns it back off.
func Enable(q dialect.Querier, d dialect.Dialect) (*Guard, error) {
	if err := d.EnableSuppression(q); err != nil {
		return nil, err
	}
	slog.Debug("suppression enabled", "dialect", d.Name())
	return &Guard{q: q, d: d}, nil
}

// Release disables suppression. Safe to call more than once; only the
// first call touches the database.
func (g *Guard) Release() error {
	if g == nil || g.released {
		return nil
	}
	g.released = true
	if err := g.d.DisableSuppression(g.q); err != nil {
		return err
	}
	slog.Debug("suppression released")
	return nil
}

// IsActive reports whether suppression is currently enabled on the session
// behind q.
func IsActive(q dialect.Querier, d dialect.Dialect) (bool, error) {
	return d.SuppressionActive(q)
}
