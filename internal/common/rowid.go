// Package common holds encodings shared by clients and the UI transport.
package common

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeRowID returns the canonical id for a primary-key tuple: the JSON
// array of its values, e.g. `[5,"2024-01-01"]`.
func EncodeRowID(pkVals []any) (string, error) {
	b, err := json.Marshal(pkVals)
	if err != nil {
		return "", fmt.Errorf("encode row id: %w", err)
	}
	return string(b), nil
}

// RowIDFromRow extracts pkCols from row and encodes them.
func RowIDFromRow(row map[string]any, pkCols []string) (string, error) {
	vals := make([]any, len(pkCols))
	for i, c := range pkCols {
		v, ok := row[c]
		if !ok {
			return "", fmt.Errorf("encode row id: missing key column %q", c)
		}
		vals[i] = v
	}
	return EncodeRowID(vals)
}

// DecodeRowID parses an id produced by EncodeRowID. Numbers decode as
// json.Number so integers keep their exact text.
func DecodeRowID(id string, arity int) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(id)))
	dec.UseNumber()
	var vals []any
	if err := dec.Decode(&vals); err != nil {
		return nil, fmt.Errorf("invalid row id %q: %w", id, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid row id %q: trailing data", id)
	}
	if len(vals) != arity {
		return nil, fmt.Errorf("malformed row id %q: want %d key values, got %d", id, arity, len(vals))
	}
	return vals, nil
}
