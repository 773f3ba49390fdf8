package apply

import (
	"github.com/rowsync/rowsync/internal/synclog"
)

// IsConflict reports whether two entries contend for the same row: same
// table, same canonical primary key, different origins. Symmetric by
// construction.
func IsConflict(a, b synclog.Entry) bool {
	if a.TableName != b.TableName || a.Origin == b.Origin {
		return false
	}
	ak, err := synclog.Canonicalize(a.PKValue)
	if err != nil {
		return false
	}
	bk, err := synclog.Canonicalize(b.PKValue)
	if err != nil {
		return false
	}
	return string(ak) == string(bk)
}

// Resolution names the surviving and discarded entries of a conflict.
// The resolver is pure; the applier discards the loser.
type Resolution struct {
	Winner synclog.Entry
	Loser  synclog.Entry
}

// ResolveLWW picks the last writer by lexicographic comparison of
// (timestamp, origin). UUID origins make ties unreachable; when the keys
// are byte-equal the entries describe the same write and either answer is
// correct.
func ResolveLWW(a, b synclog.Entry) Resolution {
	if lwwKey(a) >= lwwKey(b) {
		return Resolution{Winner: a, Loser: b}
	}
	return Resolution{Winner: b, Loser: a}
}

func lwwKey(e synclog.Entry) string {
	return synclog.FormatTime(e.Timestamp) + "|" + e.Origin
}
