package synclog

import (
	"encoding/json"
	"testing"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	in := json.RawMessage(`{"Name": "Alice", "Email": "alice@x", "Id": "p1"}`)
	got, err := Canonicalize(in)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"Email":"alice@x","Id":"p1","Name":"Alice"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalizeNested(t *testing.T) {
	in := json.RawMessage(`{"b": {"z": 1, "a": [3, 2, {"y": null, "x": true}]}, "a": 1.5}`)
	got, err := Canonicalize(in)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":1.5,"b":{"a":[3,2,{"x":true,"y":null}],"z":1}}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalizePreservesNumbers(t *testing.T) {
	in := json.RawMessage(`{"big": 9007199254740993, "f": 0.1}`)
	got, err := Canonicalize(in)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"big":9007199254740993,"f":0.1}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalizeUnicode(t *testing.T) {
	in := json.RawMessage(`{"text":"日本語テスト 🎉"}`)
	got, err := Canonicalize(in)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(got) != `{"text":"日本語テスト 🎉"}` {
		t.Errorf("unicode not preserved byte-identically: %s", got)
	}
	// Stable on re-canonicalization.
	again, err := Canonicalize(got)
	if err != nil {
		t.Fatalf("re-canonicalize: %v", err)
	}
	if string(again) != string(got) {
		t.Errorf("not idempotent: %s vs %s", again, got)
	}
}

func TestCanonicalizeSpecialCharacters(t *testing.T) {
	in := json.RawMessage(`{"s":"a\"b\\c\nd\te<f>&g"}`)
	got, err := Canonicalize(in)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"s":"a\"b\\c\nd\te<f>&g"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestFirstKey(t *testing.T) {
	key, val, err := FirstKey(json.RawMessage(`{"Id":"p1","Other":2}`))
	if err != nil {
		t.Fatalf("first key: %v", err)
	}
	if key != "Id" || val != "p1" {
		t.Errorf("got (%q, %v)", key, val)
	}

	if _, _, err := FirstKey(json.RawMessage(`{}`)); err == nil {
		t.Error("empty object: expected error")
	}
	if _, _, err := FirstKey(json.RawMessage(`[1]`)); err == nil {
		t.Error("non-object: expected error")
	}
}

func TestFirstKeyNumericValue(t *testing.T) {
	key, val, err := FirstKey(json.RawMessage(`{"id": 42}`))
	if err != nil {
		t.Fatalf("first key: %v", err)
	}
	if key != "id" {
		t.Errorf("key: got %q", key)
	}
	n, ok := val.(json.Number)
	if !ok || n.String() != "42" {
		t.Errorf("value: got %v (%T)", val, val)
	}
}
