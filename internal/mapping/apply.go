package mapping

import (
	"fmt"

	"github.com/rowsync/rowsync/internal/lql"
	"github.com/rowsync/rowsync/internal/synclog"
)

// Status reports what Apply did with an entry.
type Status int

const (
	// Mapped means one or more target entries were produced.
	Mapped Status = iota
	// Skipped means no enabled mapping matched and the config is strict.
	Skipped
)

// MappedEntry pairs a produced entry with the mapping that made it, so the
// bookkeeping layer can key its record hashes.
type MappedEntry struct {
	MappingID string
	Entry     synclog.Entry
}

// Result is the outcome of one Apply call.
type Result struct {
	Status  Status
	Reason  string // set when Skipped
	Entries []MappedEntry
}

// passthroughID keys record hashes for identity-mapped tables.
const passthroughID = "_passthrough"

// Apply transforms one entry under the given config and run direction.
// Pure function: fixed config and entry always produce bitwise-equal
// output. Mappings apply in declaration order; the result fans out one
// target entry per matching mapping.
func Apply(e synclog.Entry, cfg Config, run Direction) (Result, error) {
	var matched []TableMapping
	for _, m := range cfg.Mappings {
		if m.Enabled && m.SourceTable == e.TableName && m.Direction.Matches(run) {
			matched = append(matched, m)
		}
	}

	if len(matched) == 0 {
		if cfg.unmapped() == Passthrough {
			return Result{Status: Mapped, Entries: []MappedEntry{{MappingID: passthroughID, Entry: e}}}, nil
		}
		return Result{Status: Skipped, Reason: fmt.Sprintf("no mapping for table %s", e.TableName)}, nil
	}

	out := make([]MappedEntry, 0, len(matched))
	for _, m := range matched {
		mapped, err := applyOne(e, m)
		if err != nil {
			return Result{}, err
		}
		out = append(out, MappedEntry{MappingID: m.ID, Entry: mapped})
	}
	return Result{Status: Mapped, Entries: out}, nil
}

func applyOne(e synclog.Entry, m TableMapping) (synclog.Entry, error) {
	pk, err := mapPK(e, m)
	if err != nil {
		return synclog.Entry{}, err
	}

	target := synclog.Entry{
		Version:   e.Version,
		TableName: m.TargetTable,
		PKValue:   pk,
		Operation: e.Operation,
		Origin:    e.Origin,
		Timestamp: e.Timestamp,
	}

	// Tombstones carry no payload; target table and PK are still mapped so
	// the delete lands on the right row.
	if e.Operation == synclog.OpDelete {
		return target, nil
	}
	if e.Payload == nil {
		return synclog.Entry{}, fmt.Errorf("mapping %s: %s entry has no payload", m.ID, e.Operation)
	}

	source, err := synclog.DecodeObject(e.Payload)
	if err != nil {
		return synclog.Entry{}, fmt.Errorf("mapping %s: decode payload: %w", m.ID, err)
	}

	out := make(map[string]any)
	for _, col := range m.Columns {
		if col.Transform == Excluded || m.excluded(col.Source) || m.excluded(col.Target) {
			continue
		}
		switch col.Transform {
		case Rename, "":
			if v, ok := source[col.Source]; ok {
				out[col.Target] = v
			}
		case Constant:
			out[col.Target] = col.Value
		case Lql:
			v, err := lql.EvalString(source, col.Expression)
			if err != nil {
				return synclog.Entry{}, fmt.Errorf("mapping %s: column %s: %w", m.ID, col.Target, err)
			}
			out[col.Target] = v
		default:
			return synclog.Entry{}, fmt.Errorf("mapping %s: unknown transform %q", m.ID, string(col.Transform))
		}
	}

	payload, err := synclog.CanonicalizeValue(out)
	if err != nil {
		return synclog.Entry{}, fmt.Errorf("mapping %s: encode payload: %w", m.ID, err)
	}
	target.Payload = payload
	return target, nil
}

// mapPK renames the primary-key column, preserving its value. The source
// value comes from the pk object by the configured column name, falling
// back to the object's first key.
func mapPK(e synclog.Entry, m TableMapping) ([]byte, error) {
	obj, err := synclog.DecodeObject(e.PKValue)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: decode pk_value: %w", m.ID, err)
	}
	val, ok := obj[m.PK.SourceColumn]
	if !ok {
		_, first, err := synclog.FirstKey(e.PKValue)
		if err != nil {
			return nil, fmt.Errorf("mapping %s: pk column %s not in pk_value", m.ID, m.PK.SourceColumn)
		}
		val = first
	}
	target := m.PK.TargetColumn
	if target == "" {
		target = m.PK.SourceColumn
	}
	return synclog.CanonicalizeValue(map[string]any{target: val})
}
