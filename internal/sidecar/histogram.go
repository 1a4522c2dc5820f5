package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sqlexpr"
)

const defaultBins = 20

// HistogramConfig declares binned counts over a numeric column.
type HistogramConfig struct {
	ID     string
	Table  string
	Column string
	// Step fixes the bin width. Zero derives a round width from the column's
	// range and Bins.
	Step float64
	Bins int

	FilterBy    *selection.Selection
	Output      *selection.Selection
	Coordinator *reactive.Coordinator
	Logger      *zap.Logger
}

// Bin covers [X0, X1).
type Bin struct {
	X0    float64 `json:"x0"`
	X1    float64 `json:"x1"`
	Count int64   `json:"count"`
}

// HistogramSnapshot is the render state of a histogram.
type HistogramSnapshot struct {
	Bins       []Bin       `json:"bins"`
	Step       float64     `json:"step"`
	Range      *[2]float64 `json:"range,omitempty"`
	IsFetching bool        `json:"isFetching"`
	Error      error       `json:"-"`
}

// Histogram counts rows per bin and publishes a brushed range as BETWEEN.
type Histogram struct {
	base
	cfg HistogramConfig

	step  float64
	bins  []Bin
	brush *[2]float64
}

func NewHistogram(cfg HistogramConfig) (*Histogram, error) {
	if cfg.ID == "" || cfg.Table == "" || cfg.Column == "" {
		return nil, errors.New("histogram: id, table and column are required")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("histogram: no coordinator")
	}
	if cfg.Step < 0 {
		return nil, fmt.Errorf("histogram %s: negative step", cfg.ID)
	}
	if cfg.Bins <= 0 {
		cfg.Bins = defaultBins
	}
	h := &Histogram{cfg: cfg, step: cfg.Step}
	h.init(cfg.ID, cfg.Coordinator, cfg.FilterBy, cfg.Output, cfg.Logger, "histogram")
	return h, nil
}

func (h *Histogram) Start(ctx context.Context) error { return h.connect(ctx, h) }

func (h *Histogram) Close() { h.close(h) }

func (h *Histogram) Kind() reactive.Kind { return reactive.KindHistogram }

// Fields asks for the column's range when the step is not fixed.
func (h *Histogram) Fields() []reactive.FieldRequest {
	if h.cfg.Step > 0 {
		return nil
	}
	return []reactive.FieldRequest{{Table: h.cfg.Table, Column: h.cfg.Column, Stats: true}}
}

func (h *Histogram) FieldInfo(info []reactive.FieldInfo) {
	if len(info) == 0 {
		return
	}
	lo, okLo := toFloat(info[0].Min)
	hi, okHi := toFloat(info[0].Max)
	step := 1.0
	if okLo && okHi {
		step = NiceStep(hi-lo, h.cfg.Bins)
	}
	h.mu.Lock()
	h.step = step
	h.mu.Unlock()
	h.log.Debug("bin step", zap.Float64("step", step))
}

func (h *Histogram) binExpr(step float64) sqlexpr.Expr {
	s := strconv.FormatFloat(step, 'g', -1, 64)
	return sqlexpr.Raw("FLOOR(" + sqlexpr.Column(h.cfg.Column).SQL() + " * 1.0 / " + s + ") * " + s)
}

// Query returns nil until the step is known.
func (h *Histogram) Query(filter sqlexpr.Expr) *sqlexpr.Query {
	h.mu.Lock()
	step := h.step
	h.mu.Unlock()
	if step <= 0 {
		return nil
	}
	bin := h.binExpr(step)
	col := sqlexpr.Column(h.cfg.Column)
	return sqlexpr.Select(sqlexpr.As(bin, "x0"), sqlexpr.As(sqlexpr.Count(), "count")).
		From(h.cfg.Table).
		Where(filter, sqlexpr.Not(sqlexpr.IsNull(col))).
		GroupBy(bin).
		OrderBy(sqlexpr.Asc(sqlexpr.Column("x0")))
}

func (h *Histogram) QueryResult(t *reactive.Table) {
	h.mu.Lock()
	step := h.step
	h.mu.Unlock()

	bins := make([]Bin, 0, t.NumRows())
	for _, r := range t.Rows {
		x0, ok := toFloat(r["x0"])
		if !ok {
			continue
		}
		n, _ := toInt64(r["count"])
		bins = append(bins, Bin{X0: x0, X1: x0 + step, Count: n})
	}
	h.mu.Lock()
	h.bins = bins
	h.fetching = false
	h.err = nil
	h.mu.Unlock()
	h.notify()
}

// SetRange brushes [lo, hi].
func (h *Histogram) SetRange(lo, hi float64) {
	if lo > hi {
		lo, hi = hi, lo
	}
	r := [2]float64{lo, hi}
	h.mu.Lock()
	h.brush = &r
	h.mu.Unlock()
	h.publish([]float64{lo, hi}, sqlexpr.Between(sqlexpr.Column(h.cfg.Column), lo, hi))
	h.notify()
}

func (h *Histogram) ClearRange() {
	h.mu.Lock()
	h.brush = nil
	h.mu.Unlock()
	h.publish(nil, nil)
	h.notify()
}

func (h *Histogram) Bins() []Bin {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Bin(nil), h.bins...)
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	var brush *[2]float64
	if h.brush != nil {
		b := *h.brush
		brush = &b
	}
	return HistogramSnapshot{
		Bins:       append([]Bin(nil), h.bins...),
		Step:       h.step,
		Range:      brush,
		IsFetching: h.fetching,
		Error:      h.err,
	}
}

// NiceStep picks a bin width of 1, 2 or 5 times a power of ten so that span
// splits into roughly bins bins.
func NiceStep(span float64, bins int) float64 {
	if bins <= 0 {
		bins = defaultBins
	}
	if span <= 0 || math.IsNaN(span) || math.IsInf(span, 0) {
		return 1
	}
	raw := span / float64(bins)
	mag := math.Pow(10, math.Floor(math.Log10(raw)))
	switch norm := raw / mag; {
	case norm <= 1:
		return mag
	case norm <= 2:
		return 2 * mag
	case norm <= 5:
		return 5 * mag
	}
	return 10 * mag
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}
