package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/zoravur/crossview/internal/grouped"
	"github.com/zoravur/crossview/internal/sidecar"
	"github.com/zoravur/crossview/internal/table"
)

// decodeArgs unmarshals args into v keeping numbers as json.Number so
// literals render exactly as sent.
func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("bad args: %w", err)
	}
	return nil
}

func unknown(action string) error { return fmt.Errorf("%w %q", ErrUnknownAction, action) }

// TableView exposes a table client.
type TableView struct{ T *table.Table }

func (v TableView) ID() string                 { return string(v.T.ID()) }
func (v TableView) Kind() string               { return "table" }
func (v TableView) Subscribe(fn func()) func() { return v.T.Subscribe(fn) }

func (v TableView) Snapshot() (any, error) {
	s := v.T.Snapshot()
	return s, s.Error
}

func (v TableView) Do(_ context.Context, action string, args json.RawMessage) error {
	var a struct {
		Column  string          `json:"column"`
		Multi   bool            `json:"multi"`
		Sorting []table.Sort    `json:"sorting"`
		Index   int             `json:"index"`
		Size    int             `json:"size"`
		Value   json.RawMessage `json:"value"`
		Term    string          `json:"term"`
		Keys    []string        `json:"keys"`
		ID      string          `json:"id"`
		IDs     []string        `json:"ids"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return err
	}
	switch action {
	case "toggleSort":
		v.T.ToggleSort(a.Column, a.Multi)
	case "setSorting":
		v.T.SetSorting(a.Sorting)
	case "setPageIndex":
		v.T.SetPageIndex(a.Index)
	case "setPageSize":
		v.T.SetPageSize(a.Size)
	case "setColumnFilter":
		value, err := filterValue(a.Value)
		if err != nil {
			return err
		}
		return v.T.SetColumnFilter(a.Column, value)
	case "setGlobalFilter":
		v.T.SetGlobalFilter(a.Term)
	case "setGrouping":
		return v.T.SetGrouping(a.Keys)
	case "toggleRowSelection":
		v.T.ToggleRowSelection(a.ID)
	case "setRowSelection":
		v.T.SetRowSelection(a.IDs)
	case "hover":
		v.T.Hover(a.ID)
	case "click":
		v.T.Click(a.ID)
	default:
		return unknown(action)
	}
	return nil
}

// filterValue maps a JSON filter value onto what table.DefaultFilter
// understands: objects with min or max become a Range.
func filterValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := decodeArgs(raw, &v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		lo, hasMin := m["min"]
		hi, hasMax := m["max"]
		if !hasMin && !hasMax {
			return nil, fmt.Errorf("bad filter value %s", raw)
		}
		return table.Range{Min: lo, Max: hi}, nil
	}
	return v, nil
}

// FacetView exposes a facet menu.
type FacetView struct{ F *sidecar.Facet }

func (v FacetView) ID() string                 { return string(v.F.ID()) }
func (v FacetView) Kind() string               { return "facet" }
func (v FacetView) Subscribe(fn func()) func() { return v.F.Subscribe(fn) }

func (v FacetView) Snapshot() (any, error) {
	s := v.F.Snapshot()
	return s, s.Error
}

func (v FacetView) Do(ctx context.Context, action string, args json.RawMessage) error {
	var a struct {
		Value   any    `json:"value"`
		Term    string `json:"term"`
		Enabled bool   `json:"enabled"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return err
	}
	switch action {
	case "toggle":
		v.F.Toggle(a.Value)
	case "clear":
		v.F.Toggle(nil)
	case "setSearchTerm":
		v.F.SetSearchTerm(a.Term)
	case "setEnabled":
		return v.F.SetEnabled(ctx, a.Enabled)
	default:
		return unknown(action)
	}
	return nil
}

// HistogramView exposes a histogram.
type HistogramView struct{ H *sidecar.Histogram }

func (v HistogramView) ID() string                 { return string(v.H.ID()) }
func (v HistogramView) Kind() string               { return "histogram" }
func (v HistogramView) Subscribe(fn func()) func() { return v.H.Subscribe(fn) }

func (v HistogramView) Snapshot() (any, error) {
	s := v.H.Snapshot()
	return s, s.Error
}

func (v HistogramView) Do(_ context.Context, action string, args json.RawMessage) error {
	var a struct {
		Min float64 `json:"min"`
		Max float64 `json:"max"`
	}
	if err := json.Unmarshal(orEmpty(args), &a); err != nil {
		return fmt.Errorf("bad args: %w", err)
	}
	switch action {
	case "setRange":
		v.H.SetRange(a.Min, a.Max)
	case "clearRange":
		v.H.ClearRange()
	default:
		return unknown(action)
	}
	return nil
}

// GroupedView exposes a grouped table builder.
type GroupedView struct{ B *grouped.Builder }

func (v GroupedView) ID() string                 { return v.B.ID() }
func (v GroupedView) Kind() string               { return "grouped" }
func (v GroupedView) Subscribe(fn func()) func() { return v.B.Subscribe(fn) }

func (v GroupedView) Snapshot() (any, error) {
	s := v.B.Snapshot()
	return s, s.Error
}

func (v GroupedView) Do(ctx context.Context, action string, args json.RawMessage) error {
	var a struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return err
	}
	switch action {
	case "expand":
		return v.B.Expand(ctx, a.ID)
	case "collapse":
		v.B.Collapse(a.ID)
	case "refresh":
		return v.B.Refresh(ctx)
	default:
		return unknown(action)
	}
	return nil
}

func orEmpty(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("{}")
	}
	return b
}
