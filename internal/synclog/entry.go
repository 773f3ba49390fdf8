// Package synclog holds the unified change-log model: the entry type, its
// wire encoding, the canonical JSON form used for hashing and storage, the
// sync metadata schema, and the log repository.
package synclog

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of mutation an entry records.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether the operation is one of insert/update/delete.
func (o Operation) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// TimeLayout is the ISO-8601 UTC millisecond form used everywhere a
// timestamp is rendered: in triggers, on the wire, and in metadata rows.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Entry is one row of the unified change log.
type Entry struct {
	Version   int64
	TableName string
	PKValue   json.RawMessage // canonical JSON object of the PK columns
	Operation Operation
	Payload   json.RawMessage // nil for delete (tombstone)
	Origin    string
	Timestamp time.Time
}

// IsTombstone reports whether the entry records a delete.
func (e Entry) IsTombstone() bool { return e.Operation == OpDelete }

// wireEntry is the JSON shape of §"wire format": pkValue and payload are
// stringified JSON, operation is a string (numeric accepted on decode).
type wireEntry struct {
	Version   int64           `json:"version"`
	TableName string          `json:"tableName"`
	PKValue   string          `json:"pkValue"`
	Operation json.RawMessage `json:"operation"`
	Payload   *string         `json:"payload"`
	Origin    string          `json:"origin"`
	Timestamp string          `json:"timestamp"`
}

// MarshalJSON renders the canonical wire form: fixed key order, minified
// pkValue/payload with keys sorted ascending.
func (e Entry) MarshalJSON() ([]byte, error) {
	pk, err := Canonicalize(e.PKValue)
	if err != nil {
		return nil, fmt.Errorf("canonicalize pk_value: %w", err)
	}
	w := wireEntry{
		Version:   e.Version,
		TableName: e.TableName,
		PKValue:   string(pk),
		Operation: json.RawMessage(`"` + string(e.Operation) + `"`),
		Origin:    e.Origin,
		Timestamp: FormatTime(e.Timestamp),
	}
	if e.Payload != nil {
		payload, err := Canonicalize(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("canonicalize payload: %w", err)
		}
		s := string(payload)
		w.Payload = &s
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts both the string and the numeric (0/1/2) operation
// encodings.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	op, err := decodeOperation(w.Operation)
	if err != nil {
		return err
	}
	ts, err := ParseTime(w.Timestamp)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", w.Timestamp, err)
	}
	e.Version = w.Version
	e.TableName = w.TableName
	e.PKValue = json.RawMessage(w.PKValue)
	e.Operation = op
	e.Payload = nil
	if w.Payload != nil {
		e.Payload = json.RawMessage(*w.Payload)
	}
	e.Origin = w.Origin
	e.Timestamp = ts
	return nil
}

func decodeOperation(raw json.RawMessage) (Operation, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("missing operation")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		op := Operation(s)
		if !op.Valid() {
			return "", fmt.Errorf("unknown operation: %q", s)
		}
		return op, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		switch n {
		case 0:
			return OpInsert, nil
		case 1:
			return OpUpdate, nil
		case 2:
			return OpDelete, nil
		}
		return "", fmt.Errorf("unknown operation code: %d", n)
	}
	return "", fmt.Errorf("malformed operation: %s", raw)
}

// ParseTime accepts the canonical layout plus the formats SQLite and
// Postgres render for 'now' expressions.
func ParseTime(s string) (time.Time, error) {
	formats := []string{
		TimeLayout,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
