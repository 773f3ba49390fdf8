package synclog

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func sampleEntry() Entry {
	return Entry{
		Version:   7,
		TableName: "Person",
		PKValue:   json.RawMessage(`{"Id":"p1"}`),
		Operation: OpInsert,
		Payload:   json.RawMessage(`{"Name":"Alice","Email":"alice@x","Id":"p1"}`),
		Origin:    "11111111-2222-3333-4444-555555555555",
		Timestamp: time.Date(2024, 7, 20, 14, 0, 0, 123e6, time.UTC),
	}
}

func TestEntryWireRoundTrip(t *testing.T) {
	e := sampleEntry()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// Canonical key order and stringified nested JSON.
	s := string(data)
	for _, want := range []string{
		`"version":7`,
		`"tableName":"Person"`,
		`"pkValue":"{\"Id\":\"p1\"}"`,
		`"operation":"insert"`,
		`"origin":"11111111-2222-3333-4444-555555555555"`,
		`"timestamp":"2024-07-20T14:00:00.123Z"`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("wire form missing %s: %s", want, s)
		}
	}
	if !strings.Contains(s, `\"Email\":\"alice@x\",\"Id\":\"p1\",\"Name\":\"Alice\"`) {
		t.Errorf("payload not canonicalized: %s", s)
	}

	var back Entry
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Version != e.Version || back.TableName != e.TableName || back.Operation != e.Operation {
		t.Errorf("round trip mismatch: %+v", back)
	}
	if !back.Timestamp.Equal(e.Timestamp) {
		t.Errorf("timestamp: got %v, want %v", back.Timestamp, e.Timestamp)
	}
}

func TestEntryTombstonePayloadNull(t *testing.T) {
	e := sampleEntry()
	e.Operation = OpDelete
	e.Payload = nil
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"payload":null`) {
		t.Errorf("tombstone payload not null: %s", data)
	}
	var back Entry
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Payload != nil {
		t.Errorf("tombstone payload: got %s, want nil", back.Payload)
	}
	if !back.IsTombstone() {
		t.Error("IsTombstone: got false")
	}
}

func TestEntryNumericOperation(t *testing.T) {
	cases := []struct {
		code int
		want Operation
	}{
		{0, OpInsert},
		{1, OpUpdate},
		{2, OpDelete},
	}
	for _, tc := range cases {
		data := []byte(`{"version":1,"tableName":"t","pkValue":"{\"id\":1}","operation":` +
			string(rune('0'+tc.code)) + `,"payload":null,"origin":"o","timestamp":"2024-01-01T00:00:00.000Z"}`)
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatalf("unmarshal op %d: %v", tc.code, err)
		}
		if e.Operation != tc.want {
			t.Errorf("op %d: got %s, want %s", tc.code, e.Operation, tc.want)
		}
	}
}

func TestEntryRejectsUnknownOperation(t *testing.T) {
	data := []byte(`{"version":1,"tableName":"t","pkValue":"{}","operation":"upsert","payload":null,"origin":"o","timestamp":"2024-01-01T00:00:00.000Z"}`)
	var e Entry
	if err := json.Unmarshal(data, &e); err == nil {
		t.Error("unknown operation: expected error")
	}
	data = []byte(`{"version":1,"tableName":"t","pkValue":"{}","operation":9,"payload":null,"origin":"o","timestamp":"2024-01-01T00:00:00.000Z"}`)
	if err := json.Unmarshal(data, &e); err == nil {
		t.Error("unknown operation code: expected error")
	}
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(2024, 7, 20, 16, 0, 0, 500e6, time.FixedZone("CEST", 2*3600))
	if got := FormatTime(ts); got != "2024-07-20T14:00:00.500Z" {
		t.Errorf("FormatTime: got %s", got)
	}
}

func TestParseTimeFormats(t *testing.T) {
	for _, s := range []string{
		"2024-07-20T14:00:00.123Z",
		"2024-07-20T14:00:00Z",
		"2024-07-20 14:00:00",
		"2024-07-20T14:00:00.123456789Z",
	} {
		if _, err := ParseTime(s); err != nil {
			t.Errorf("ParseTime(%q): %v", s, err)
		}
	}
	if _, err := ParseTime("not a time"); err == nil {
		t.Error("bad timestamp: expected error")
	}
}
