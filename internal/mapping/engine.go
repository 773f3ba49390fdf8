package mapping

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/rowsync/rowsync/internal/dialect"
	"github.com/rowsync/rowsync/internal/syncerr"
	"github.com/rowsync/rowsync/internal/synclog"
)

// Engine runs the pure transform and the persistent bookkeeping around it:
// per-(mapping, source pk) payload hashes that suppress re-emitting an
// unchanged mapping, and per-mapping sync state.
type Engine struct {
	D      dialect.Dialect
	Config Config
}

// Transform maps one entry and filters out targets whose payload hash is
// unchanged since the last delivery. Deletes always pass and clear their
// hash row.
func (m Engine) Transform(q dialect.Querier, e synclog.Entry, run Direction) ([]synclog.Entry, error) {
	res, err := Apply(e, m.Config, run)
	if err != nil {
		return nil, err
	}
	if res.Status == Skipped {
		slog.Debug("mapping skipped entry", "table", e.TableName, "reason", res.Reason)
		return nil, nil
	}

	sourcePK, err := synclog.Canonicalize(e.PKValue)
	if err != nil {
		return nil, syncerr.Database("mapping: canonicalize pk_value: %v", err)
	}

	var out []synclog.Entry
	for _, me := range res.Entries {
		if me.Entry.Operation == synclog.OpDelete {
			if err := m.clearHash(q, me.MappingID, string(sourcePK)); err != nil {
				return nil, err
			}
			out = append(out, me.Entry)
			continue
		}
		hash := payloadHash(me.Entry.Payload)
		same, err := m.hashUnchanged(q, me.MappingID, string(sourcePK), hash)
		if err != nil {
			return nil, err
		}
		if same {
			slog.Debug("mapping suppressed no-op", "mapping", me.MappingID, "table", me.Entry.TableName)
			continue
		}
		if err := m.storeHash(q, me.MappingID, string(sourcePK), hash); err != nil {
			return nil, err
		}
		out = append(out, me.Entry)
	}
	return out, nil
}

// TransformBatch runs Transform over a batch in order and advances each
// mapping's last-synced version to the batch high-water mark.
func (m Engine) TransformBatch(q dialect.Querier, entries []synclog.Entry, run Direction) ([]synclog.Entry, error) {
	var out []synclog.Entry
	var maxVersion int64
	for _, e := range entries {
		mapped, err := m.Transform(q, e, run)
		if err != nil {
			return nil, err
		}
		out = append(out, mapped...)
		if e.Version > maxVersion {
			maxVersion = e.Version
		}
	}
	if maxVersion > 0 {
		for _, tm := range m.Config.Mappings {
			if !tm.Enabled {
				continue
			}
			if err := m.AdvanceState(q, tm.ID, maxVersion); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func payloadHash(payload []byte) string {
	if payload == nil {
		payload = []byte("null")
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (m Engine) hashUnchanged(q dialect.Querier, mappingID, pk, hash string) (bool, error) {
	p := m.D.Placeholder
	var stored string
	err := q.QueryRow(fmt.Sprintf(`
		SELECT payload_hash FROM _sync_record_hashes
		WHERE mapping_id = %s AND pk_value = %s`, p(1), p(2)), mappingID, pk).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, syncerr.WrapDatabase(err, "read record hash %s", mappingID)
	}
	return stored == hash, nil
}

func (m Engine) storeHash(q dialect.Querier, mappingID, pk, hash string) error {
	p := m.D.Placeholder
	query := fmt.Sprintf(`
		INSERT INTO _sync_record_hashes (mapping_id, pk_value, payload_hash, updated_at)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT(mapping_id, pk_value)
		DO UPDATE SET payload_hash = excluded.payload_hash, updated_at = excluded.updated_at`,
		p(1), p(2), p(3), p(4))
	_, err := q.Exec(query, mappingID, pk, hash, synclog.FormatTime(time.Now()))
	if err != nil {
		return syncerr.WrapDatabase(err, "store record hash %s", mappingID)
	}
	return nil
}

func (m Engine) clearHash(q dialect.Querier, mappingID, pk string) error {
	p := m.D.Placeholder
	_, err := q.Exec(fmt.Sprintf(`
		DELETE FROM _sync_record_hashes WHERE mapping_id = %s AND pk_value = %s`,
		p(1), p(2)), mappingID, pk)
	if err != nil {
		return syncerr.WrapDatabase(err, "clear record hash %s", mappingID)
	}
	return nil
}

// State returns a mapping's last-synced version, 0 when never synced.
func (m Engine) State(q dialect.Querier, mappingID string) (int64, error) {
	var v int64
	err := q.QueryRow(fmt.Sprintf(`
		SELECT last_synced_version FROM _sync_mapping_state WHERE mapping_id = %s`,
		m.D.Placeholder(1)), mappingID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, syncerr.WrapDatabase(err, "read mapping state %s", mappingID)
	}
	return v, nil
}

// AdvanceState moves a mapping's last-synced version forward; regressions
// are ignored.
func (m Engine) AdvanceState(q dialect.Querier, mappingID string, version int64) error {
	p := m.D.Placeholder
	query := fmt.Sprintf(`
		INSERT INTO _sync_mapping_state (mapping_id, last_synced_version, updated_at)
		VALUES (%s, %s, %s)
		ON CONFLICT(mapping_id)
		DO UPDATE SET
			last_synced_version = CASE
				WHEN excluded.last_synced_version > _sync_mapping_state.last_synced_version
				THEN excluded.last_synced_version
				ELSE _sync_mapping_state.last_synced_version
			END,
			updated_at = excluded.updated_at`,
		p(1), p(2), p(3))
	_, err := q.Exec(query, mappingID, version, synclog.FormatTime(time.Now()))
	if err != nil {
		return syncerr.WrapDatabase(err, "advance mapping state %s", mappingID)
	}
	return nil
}
