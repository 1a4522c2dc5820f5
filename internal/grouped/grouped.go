// Package grouped builds a hierarchical grouped table: one GROUP BY level
// per grouping column, expanded on demand and re-queried in parallel when
// the filter changes.
package grouped

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sqlexpr"
)

var ErrUnknownNode = errors.New("unknown node")

const (
	defaultRowLimit  = 200
	defaultLeafLimit = 50
	parallelQueries  = 8
)

// Metric is one aggregate shown on every group row.
type Metric struct {
	Name string
	Expr sqlexpr.Expr
}

// Leaf exposes ungrouped rows below the last grouping level.
type Leaf struct {
	Limit     int
	SelectAll bool
	Columns   []string
}

type Config struct {
	ID      string
	From    string
	GroupBy []string
	Metrics []Metric
	// PrimaryMetric orders each level, descending. Defaults to the first metric.
	PrimaryMetric string
	RowLimit      int
	Leaf          *Leaf

	FilterBy    *selection.Selection
	Coordinator *reactive.Coordinator
	Logger      *zap.Logger
}

// Node is a group row or a leaf row.
type Node struct {
	ID         string       `json:"id"`
	Depth      int          `json:"depth"`
	Column     string       `json:"column,omitempty"`
	Value      any          `json:"value,omitempty"`
	Values     reactive.Row `json:"values"`
	Leaf       bool         `json:"leaf,omitempty"`
	Expandable bool         `json:"expandable,omitempty"`
	Expanded   bool         `json:"expanded,omitempty"`

	path []any
}

type Snapshot struct {
	Rows       []Node   `json:"rows"`
	Expanded   []string `json:"expanded"`
	IsFetching bool     `json:"isFetching"`
	Error      error    `json:"-"`
}

// Builder owns the expansion state of one grouped table.
type Builder struct {
	cfg   Config
	log   *zap.Logger
	coord *reactive.Coordinator

	mu       sync.Mutex
	gen      uint64
	root     []Node
	children map[string][]Node
	expanded map[string]bool
	fetching bool
	err      error
	closed   bool
	unsubs   []func()

	listeners map[int]func()
	nextID    int
}

func New(cfg Config) (*Builder, error) {
	if cfg.ID == "" || cfg.From == "" {
		return nil, errors.New("grouped: id and source table are required")
	}
	if len(cfg.GroupBy) == 0 {
		return nil, fmt.Errorf("grouped %s: no grouping columns", cfg.ID)
	}
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("grouped %s: no coordinator", cfg.ID)
	}
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = []Metric{{Name: "count", Expr: sqlexpr.Count()}}
	}
	if cfg.PrimaryMetric == "" {
		cfg.PrimaryMetric = cfg.Metrics[0].Name
	}
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = defaultRowLimit
	}
	if cfg.Leaf != nil && cfg.Leaf.Limit <= 0 {
		cfg.Leaf.Limit = defaultLeafLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	return &Builder{
		cfg:       cfg,
		log:       cfg.Logger.Named("grouped").With(zap.String("view", cfg.ID)),
		coord:     cfg.Coordinator,
		children:  map[string][]Node{},
		expanded:  map[string]bool{},
		listeners: map[int]func(){},
	}, nil
}

// Start subscribes to the filter and to data invalidation, then loads the
// root level.
func (b *Builder) Start(ctx context.Context) error {
	refresh := func() {
		b.coord.Go(func(ctx context.Context) {
			if err := b.Refresh(ctx); err != nil {
				b.log.Warn("refresh failed", zap.Error(err))
			}
		})
	}
	b.mu.Lock()
	if b.cfg.FilterBy != nil {
		b.unsubs = append(b.unsubs, b.cfg.FilterBy.OnChange(func(selection.Event) { refresh() }))
	}
	b.unsubs = append(b.unsubs, b.coord.OnInvalidate(func([]string) { refresh() }))
	b.mu.Unlock()
	return b.Refresh(ctx)
}

func (b *Builder) ID() string { return b.cfg.ID }

func (b *Builder) Close() {
	b.mu.Lock()
	b.closed = true
	b.gen++
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func nodeID(parent string, v any) string {
	s := strings.NewReplacer(`\`, `\\`, `|`, `\|`).Replace(fmt.Sprint(v))
	if parent == "" {
		return s
	}
	return parent + "|" + s
}

func (b *Builder) filter() sqlexpr.Expr {
	if b.cfg.FilterBy == nil {
		return nil
	}
	return b.cfg.FilterBy.Predicate(selection.Source(b.cfg.ID))
}

func (b *Builder) expandable(depth int) bool {
	return depth+1 < len(b.cfg.GroupBy) || (depth+1 == len(b.cfg.GroupBy) && b.cfg.Leaf != nil)
}

// levelQuery groups by the column at depth len(path) under the ancestor
// equalities in path, or selects leaf rows past the last grouping column.
func (b *Builder) levelQuery(path []any, filter sqlexpr.Expr) *sqlexpr.Query {
	conds := []sqlexpr.Expr{filter}
	for i, v := range path {
		conds = append(conds, sqlexpr.Eq(sqlexpr.Column(b.cfg.GroupBy[i]), v))
	}
	depth := len(path)
	if depth == len(b.cfg.GroupBy) {
		q := sqlexpr.Select()
		if !b.cfg.Leaf.SelectAll {
			for _, c := range b.cfg.Leaf.Columns {
				q.AddSelect(sqlexpr.Col(c))
			}
		}
		return q.From(b.cfg.From).Where(conds...).Limit(b.cfg.Leaf.Limit)
	}
	col := b.cfg.GroupBy[depth]
	q := sqlexpr.Select(sqlexpr.Col(col))
	for _, m := range b.cfg.Metrics {
		q.AddSelect(sqlexpr.As(m.Expr, m.Name))
	}
	return q.From(b.cfg.From).
		Where(conds...).
		GroupBy(sqlexpr.Column(col)).
		OrderBy(sqlexpr.Desc(sqlexpr.Column(b.cfg.PrimaryMetric))).
		Limit(b.cfg.RowLimit)
}

func (b *Builder) toNodes(parent string, path []any, t *reactive.Table) []Node {
	depth := len(path)
	nodes := make([]Node, 0, t.NumRows())
	for i, r := range t.Rows {
		if depth == len(b.cfg.GroupBy) {
			nodes = append(nodes, Node{
				ID:     parent + "|#" + fmt.Sprint(i),
				Depth:  depth,
				Values: r,
				Leaf:   true,
			})
			continue
		}
		col := b.cfg.GroupBy[depth]
		v := r[col]
		nodes = append(nodes, Node{
			ID:         nodeID(parent, v),
			Depth:      depth,
			Column:     col,
			Value:      v,
			Values:     r,
			Expandable: b.expandable(depth),
			path:       append(append([]any(nil), path...), v),
		})
	}
	return nodes
}

// find returns the node with id in the current tree.
func (b *Builder) find(id string) (Node, bool) {
	for _, n := range b.root {
		if n.ID == id {
			return n, true
		}
	}
	for _, kids := range b.children {
		for _, n := range kids {
			if n.ID == id {
				return n, true
			}
		}
	}
	return Node{}, false
}

type levelResult struct {
	id    string
	path  []any
	table *reactive.Table
	err   error
}

// Refresh re-queries the root and every expanded node in parallel. Results
// from a superseded refresh are dropped; expansions whose ancestors vanished
// are pruned.
func (b *Builder) Refresh(ctx context.Context) error {
	filter := b.filter()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.gen++
	gen := b.gen
	jobs := []*levelResult{{id: ""}}
	for id := range b.expanded {
		if n, ok := b.find(id); ok {
			jobs = append(jobs, &levelResult{id: id, path: n.path})
		}
	}
	b.fetching = true
	b.mu.Unlock()
	b.notify()

	g := new(errgroup.Group)
	g.SetLimit(parallelQueries)
	for _, j := range jobs {
		g.Go(func() error {
			j.table, j.err = b.coord.Query(ctx, b.levelQuery(j.path, filter).String())
			return j.err
		})
	}
	_ = g.Wait()

	var errs error
	for _, j := range jobs {
		if j.err != nil {
			errs = multierr.Append(errs, fmt.Errorf("level %q: %w", j.id, j.err))
		}
	}

	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return nil
	}
	b.fetching = false
	b.err = errs
	if root := jobs[0]; root.err == nil {
		b.root = b.toNodes("", nil, root.table)
	}
	for _, j := range jobs[1:] {
		if j.err == nil {
			b.children[j.id] = b.toNodes(j.id, j.path, j.table)
		}
	}
	pruned := b.prune()
	b.mu.Unlock()

	if len(pruned) > 0 {
		b.log.Debug("pruned expansions", zap.Strings("nodes", pruned))
	}
	b.notify()
	return errs
}

// prune drops expanded nodes no longer reachable from the root.
func (b *Builder) prune() []string {
	live := map[string]bool{}
	var walk func(nodes []Node)
	walk = func(nodes []Node) {
		for _, n := range nodes {
			live[n.ID] = true
			if b.expanded[n.ID] {
				walk(b.children[n.ID])
			}
		}
	}
	walk(b.root)

	var pruned []string
	for id := range b.expanded {
		if !live[id] {
			delete(b.expanded, id)
			pruned = append(pruned, id)
		}
	}
	for id := range b.children {
		if !b.expanded[id] {
			delete(b.children, id)
		}
	}
	sort.Strings(pruned)
	return pruned
}

// Expand loads the children of id with exactly one query.
func (b *Builder) Expand(ctx context.Context, id string) error {
	b.mu.Lock()
	n, ok := b.find(id)
	if !ok || !n.Expandable {
		b.mu.Unlock()
		return fmt.Errorf("expand %q: %w", id, ErrUnknownNode)
	}
	if b.expanded[id] {
		b.mu.Unlock()
		return nil
	}
	b.expanded[id] = true
	gen := b.gen
	b.mu.Unlock()

	t, err := b.coord.Query(ctx, b.levelQuery(n.path, b.filter()).String())

	b.mu.Lock()
	if gen != b.gen || !b.expanded[id] {
		b.mu.Unlock()
		return nil
	}
	if err != nil {
		delete(b.expanded, id)
		b.err = fmt.Errorf("expand %q: %w", id, err)
		b.mu.Unlock()
		b.notify()
		return b.Err()
	}
	b.children[id] = b.toNodes(id, n.path, t)
	b.mu.Unlock()
	b.notify()
	return nil
}

// Collapse closes id and evicts every cached descendant.
func (b *Builder) Collapse(id string) {
	b.mu.Lock()
	prefix := id + "|"
	for k := range b.expanded {
		if k == id || strings.HasPrefix(k, prefix) {
			delete(b.expanded, k)
		}
	}
	for k := range b.children {
		if k == id || strings.HasPrefix(k, prefix) {
			delete(b.children, k)
		}
	}
	b.mu.Unlock()
	b.notify()
}

// Rows flattens the visible tree.
func (b *Builder) Rows() []Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rows()
}

func (b *Builder) rows() []Node {
	var out []Node
	var walk func(nodes []Node)
	walk = func(nodes []Node) {
		for _, n := range nodes {
			n.Expanded = b.expanded[n.ID]
			out = append(out, n)
			if n.Expanded {
				walk(b.children[n.ID])
			}
		}
	}
	walk(b.root)
	return out
}

// Expanded lists the expanded node ids.
func (b *Builder) Expanded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.expanded))
	for id := range b.expanded {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *Builder) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Builder) Snapshot() Snapshot {
	rows := b.Rows()
	exp := b.Expanded()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{Rows: rows, Expanded: exp, IsFetching: b.fetching, Error: b.err}
}

func (b *Builder) Subscribe(fn func()) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *Builder) notify() {
	b.mu.Lock()
	fns := make([]func(), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
