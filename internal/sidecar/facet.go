package sidecar

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sqlexpr"
)

const (
	DefaultDebounce   = 300 * time.Millisecond
	defaultFacetLimit = 100
)

// FacetConfig declares a facet menu over one column.
type FacetConfig struct {
	ID     string
	Table  string
	Column string
	// Array marks a column holding arrays: values are unnested and matched
	// with = ANY.
	Array bool
	Limit int
	// Debounce delays search terms; zero means DefaultDebounce.
	Debounce time.Duration
	// Deferred leaves the facet disconnected until SetEnabled(true).
	Deferred bool

	FilterBy    *selection.Selection
	Output      *selection.Selection
	Coordinator *reactive.Coordinator
	Logger      *zap.Logger
}

// Option is one distinct value.
type Option struct {
	Value    any   `json:"value"`
	Count    int64 `json:"count"`
	Selected bool  `json:"selected"`
}

// FacetSnapshot is the render state of a facet.
type FacetSnapshot struct {
	Options    []Option `json:"options"`
	Selected   []any    `json:"selected"`
	SearchTerm string   `json:"searchTerm"`
	Enabled    bool     `json:"enabled"`
	IsFetching bool     `json:"isFetching"`
	Error      error    `json:"-"`
}

// Facet lists the distinct values of a column with their counts and
// publishes the user's choice as an OR of equalities.
type Facet struct {
	base
	cfg FacetConfig

	term     string
	pending  string
	timer    *time.Timer
	results  []Option
	selected []any
	keys     map[string]bool
}

func NewFacet(cfg FacetConfig) (*Facet, error) {
	if cfg.ID == "" || cfg.Table == "" || cfg.Column == "" {
		return nil, errors.New("facet: id, table and column are required")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("facet: no coordinator")
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultFacetLimit
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	f := &Facet{cfg: cfg, keys: map[string]bool{}}
	f.init(cfg.ID, cfg.Coordinator, cfg.FilterBy, cfg.Output, cfg.Logger, "facet")
	return f, nil
}

// Start connects unless the facet is deferred.
func (f *Facet) Start(ctx context.Context) error {
	if f.cfg.Deferred {
		return nil
	}
	return f.connect(ctx, f)
}

// SetEnabled connects or disconnects the facet. The user's clause survives
// a disconnect.
func (f *Facet) SetEnabled(ctx context.Context, on bool) error {
	if on {
		return f.connect(ctx, f)
	}
	f.disconnect(f)
	f.notify()
	return nil
}

func (f *Facet) Close() {
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
	}
	f.mu.Unlock()
	f.close(f)
}

func (f *Facet) Kind() reactive.Kind             { return reactive.KindFacet }
func (f *Facet) Fields() []reactive.FieldRequest { return nil }
func (f *Facet) FieldInfo([]reactive.FieldInfo)  {}

func (f *Facet) Query(filter sqlexpr.Expr) *sqlexpr.Query {
	f.mu.Lock()
	term := f.term
	f.mu.Unlock()

	col := sqlexpr.Column(f.cfg.Column)
	value := sqlexpr.Column("value")
	count := sqlexpr.Column("count")
	if f.cfg.Array {
		inner := sqlexpr.Select(sqlexpr.As(sqlexpr.Func("UNNEST", col), "value")).
			From(f.cfg.Table).
			Where(filter)
		return sqlexpr.Select(sqlexpr.Col("value"), sqlexpr.As(sqlexpr.Count(), "count")).
			FromQuery(inner, "__facet").
			Where(sqlexpr.Contains(value, term)).
			GroupBy(value).
			OrderBy(sqlexpr.Desc(count), sqlexpr.Asc(value)).
			Limit(f.cfg.Limit)
	}
	return sqlexpr.Select(sqlexpr.As(col, "value"), sqlexpr.As(sqlexpr.Count(), "count")).
		From(f.cfg.Table).
		Where(filter, sqlexpr.Contains(col, term)).
		GroupBy(col).
		OrderBy(sqlexpr.Desc(count), sqlexpr.Asc(value)).
		Limit(f.cfg.Limit)
}

func (f *Facet) QueryResult(t *reactive.Table) {
	opts := make([]Option, 0, t.NumRows())
	for _, r := range t.Rows {
		n, _ := toInt64(r["count"])
		opts = append(opts, Option{Value: r["value"], Count: n})
	}
	f.mu.Lock()
	f.results = opts
	f.fetching = false
	f.err = nil
	f.mu.Unlock()
	f.notify()
}

// SetSearchTerm filters the values by case-insensitive substring once the
// term has been stable for the debounce interval.
func (f *Facet) SetSearchTerm(term string) {
	f.mu.Lock()
	f.pending = term
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.cfg.Debounce, f.flushSearch)
	f.mu.Unlock()
}

func (f *Facet) flushSearch() {
	f.mu.Lock()
	if f.closed || f.term == f.pending {
		f.mu.Unlock()
		return
	}
	f.term = f.pending
	term := f.term
	f.mu.Unlock()
	f.log.Debug("search", zap.String("term", term))
	f.notify()
	f.coord.RequestQuery(f)
}

// Toggle adds or removes v from the selected values; nil clears them.
func (f *Facet) Toggle(v any) {
	f.mu.Lock()
	if v == nil {
		f.selected = nil
		f.keys = map[string]bool{}
	} else {
		k := sqlexpr.Literal(v).SQL()
		if f.keys[k] {
			delete(f.keys, k)
			kept := f.selected[:0:0]
			for _, s := range f.selected {
				if sqlexpr.Literal(s).SQL() != k {
					kept = append(kept, s)
				}
			}
			f.selected = kept
		} else {
			f.keys[k] = true
			f.selected = append(f.selected, v)
		}
	}
	selected := append([]any(nil), f.selected...)
	f.mu.Unlock()

	col := sqlexpr.Column(f.cfg.Column)
	preds := make([]sqlexpr.Expr, len(selected))
	for i, s := range selected {
		if f.cfg.Array {
			preds[i] = sqlexpr.AnyEq(col, s)
		} else {
			preds[i] = sqlexpr.Eq(col, s)
		}
	}
	var value any
	if len(selected) > 0 {
		value = selected
	}
	f.publish(value, sqlexpr.Or(preds...))
	f.notify()
}

// Options returns the latest values. Selected values missing from the
// result are prepended so a choice is never hidden.
func (f *Facet) Options() []Option {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	rest := make([]Option, 0, len(f.results))
	for _, o := range f.results {
		k := sqlexpr.Literal(o.Value).SQL()
		seen[k] = true
		o.Selected = f.keys[k]
		rest = append(rest, o)
	}
	var out []Option
	for _, s := range f.selected {
		if !seen[sqlexpr.Literal(s).SQL()] {
			out = append(out, Option{Value: s, Selected: true})
		}
	}
	return append(out, rest...)
}

func (f *Facet) Snapshot() FacetSnapshot {
	opts := f.Options()
	f.mu.Lock()
	defer f.mu.Unlock()
	return FacetSnapshot{
		Options:    opts,
		Selected:   append([]any(nil), f.selected...),
		SearchTerm: f.pending,
		Enabled:    f.connected,
		IsFetching: f.fetching,
		Error:      f.err,
	}
}
