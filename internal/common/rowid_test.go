package common

import (
	"encoding/json"
	"testing"
)

func TestRowIDRoundTrip(t *testing.T) {
	id, err := RowIDFromRow(map[string]any{"id": int64(5), "seq": "a|b", "x": 1}, []string{"id", "seq"})
	if err != nil {
		t.Fatal(err)
	}
	if id != `[5,"a|b"]` {
		t.Fatalf("unexpected id %s", id)
	}
	vals, err := DecodeRowID(id, 2)
	if err != nil {
		t.Fatal(err)
	}
	if vals[0] != json.Number("5") || vals[1] != "a|b" {
		t.Fatalf("unexpected values %#v", vals)
	}
}

func TestDecodeRowIDRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "nope", `{"a":1}`, `[1]`, `[1,2] [3]`} {
		if _, err := DecodeRowID(id, 2); err == nil {
			t.Errorf("expected error for %q", id)
		}
	}
}

func TestRowIDMissingColumn(t *testing.T) {
	if _, err := RowIDFromRow(map[string]any{"id": 1}, []string{"id", "seq"}); err == nil {
		t.Fatal("expected error")
	}
}
