// Package table implements the tabular data client: a sortable, filterable,
// paginated view over a base query whose own filters and row selection are
// published back into the selection graph.
package table

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/common"
	"github.com/zoravur/crossview/internal/logutil"
	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sqlexpr"
)

const totalRowsColumn = "__total_rows"

// Sort orders by one column.
type Sort struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc"`
}

type Pagination struct {
	PageIndex int `json:"pageIndex"`
	PageSize  int `json:"pageSize"`
}

// Row is one result row with its encoded primary key.
type Row struct {
	ID     string       `json:"id,omitempty"`
	Values reactive.Row `json:"values"`
}

// Snapshot is the render state of a table.
type Snapshot struct {
	Rows            []Row          `json:"rows"`
	TotalRowCount   int64          `json:"totalRowCount"`
	IsLoading       bool           `json:"isLoading"`
	IsFetching      bool           `json:"isFetching"`
	IsLookupPending bool           `json:"isLookupPending"`
	Error           error          `json:"-"`
	Sorting         []Sort         `json:"sorting"`
	Pagination      Pagination     `json:"pagination"`
	ColumnFilters   map[string]any `json:"columnFilters"`
	GlobalFilter    string         `json:"globalFilter"`
	Grouping        []string       `json:"grouping"`
	RowSelection    []string       `json:"rowSelection"`
}

type state struct {
	sorting       []Sort
	pageIndex     int
	pageSize      int
	columnFilters map[string]any
	globalFilter  string
	grouping      []string
}

func (s state) clone() state {
	c := s
	c.sorting = append([]Sort(nil), s.sorting...)
	c.grouping = append([]string(nil), s.grouping...)
	c.columnFilters = make(map[string]any, len(s.columnFilters))
	for k, v := range s.columnFilters {
		c.columnFilters[k] = v
	}
	return c
}

// Table is a reactive.Client.
type Table struct {
	cfg   Config
	id    selection.Source
	log   *zap.Logger
	coord *reactive.Coordinator
	cols  map[string]Column

	// rowMu orders row selection changes end to end, including the
	// publish, which must happen outside mu.
	rowMu sync.Mutex

	mu            sync.Mutex
	st            state
	rows          []Row
	total         int64
	loaded        bool
	fetching      bool
	err           error
	lookupErr     error
	lookupPending bool
	lookupGen     uint64
	lookupExt     string
	selected      []string
	rowPreds      map[string]sqlexpr.Expr
	closed        bool

	listeners   map[int]func()
	nextID      int
	unsubFilter func()
}

// New validates cfg. Configuration errors, such as row selection without a
// primary key, are returned here.
func New(cfg Config) (*Table, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	t := &Table{
		cfg:   cfg,
		id:    selection.Source(cfg.ID),
		log:   cfg.Logger.Named("table").With(zap.String("table", cfg.ID)),
		coord: cfg.Coordinator,
		cols:  map[string]Column{},
		st: state{
			pageSize:      cfg.PageSize,
			columnFilters: map[string]any{},
			grouping:      append([]string(nil), cfg.Grouping...),
		},
		rowPreds:  map[string]sqlexpr.Expr{},
		listeners: map[int]func(){},
	}
	for _, c := range cfg.Columns {
		t.cols[c.ID] = c
	}
	return t, nil
}

// Connect subscribes to the filter selection and registers with the
// coordinator, which issues the first query.
func (t *Table) Connect(ctx context.Context) error {
	if sel := t.cfg.FilterBy; sel != nil {
		t.unsubFilter = sel.OnChange(func(selection.Event) { t.externalChanged() })
	}
	return t.coord.Connect(ctx, t)
}

// Close disconnects and clears every clause the table owns.
func (t *Table) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.lookupGen++
	t.lookupPending = false
	t.mu.Unlock()

	if t.unsubFilter != nil {
		t.unsubFilter()
	}
	t.coord.Disconnect(t)
	outputs := []struct {
		sel  *selection.Selection
		role string
	}{
		{t.cfg.InternalFilter, "internal-filter"},
		{t.cfg.RowSelection, "row-selection"},
		{t.cfg.Hover, "hover"},
		{t.cfg.Click, "click"},
	}
	for _, o := range outputs {
		if o.sel != nil {
			o.sel.Clear(t.source(o.role))
		}
	}
}

func (t *Table) source(role string) selection.Source {
	return selection.Source(t.cfg.ID + "#" + role)
}

func (t *Table) ID() selection.Source            { return t.id }
func (t *Table) Kind() reactive.Kind             { return reactive.KindTable }
func (t *Table) FilterBy() *selection.Selection  { return t.cfg.FilterBy }
func (t *Table) Fields() []reactive.FieldRequest { return nil }
func (t *Table) FieldInfo([]reactive.FieldInfo)  {}

// Query builds the paginated statement for the current state.
func (t *Table) Query(filter sqlexpr.Expr) *sqlexpr.Query {
	t.mu.Lock()
	st := t.st.clone()
	t.mu.Unlock()

	where, having := t.buckets(st)
	base := t.cfg.Base(Params{
		Where:   sqlexpr.And(append([]sqlexpr.Expr{filter}, where...)...),
		Having:  sqlexpr.And(having...),
		GroupBy: st.grouping,
	})
	return wrap(base, st)
}

func wrap(base *sqlexpr.Query, st state) *sqlexpr.Query {
	q := sqlexpr.Select(
		sqlexpr.Star(),
		sqlexpr.As(sqlexpr.Raw("COUNT(*) OVER ()"), totalRowsColumn),
	).FromQuery(base, "__src")
	for _, s := range st.sorting {
		if s.Desc {
			q.OrderBy(sqlexpr.Desc(sqlexpr.Column(s.Column)))
		} else {
			q.OrderBy(sqlexpr.Asc(sqlexpr.Column(s.Column)))
		}
	}
	return q.Limit(st.pageSize).Offset(st.pageIndex * st.pageSize)
}

func (t *Table) QueryPending() {
	t.mu.Lock()
	t.fetching = true
	t.mu.Unlock()
	t.notify()
}

func (t *Table) QueryResult(res *reactive.Table) {
	rows := make([]Row, 0, res.NumRows())
	var total int64
	for i, r := range res.Rows {
		if i == 0 {
			total, _ = toInt64(r[totalRowsColumn])
		}
		vals := make(reactive.Row, len(r))
		for k, v := range r {
			if k != totalRowsColumn {
				vals[k] = v
			}
		}
		row := Row{Values: vals}
		if len(t.cfg.PrimaryKey) > 0 {
			id, err := common.RowIDFromRow(vals, t.cfg.PrimaryKey)
			if err != nil {
				t.log.Debug("row without key", zap.Error(err))
			}
			row.ID = id
		}
		rows = append(rows, row)
	}

	t.mu.Lock()
	t.rows, t.total = rows, total
	t.loaded, t.fetching, t.err = true, false, nil
	t.mu.Unlock()
	t.notify()
}

func (t *Table) QueryError(err error) {
	t.mu.Lock()
	t.fetching = false
	t.err = err
	t.mu.Unlock()
	t.notify()
}

// Snapshot returns a copy of the render state.
func (t *Table) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.st.clone()
	return Snapshot{
		Rows:            append([]Row(nil), t.rows...),
		TotalRowCount:   t.total,
		IsLoading:       !t.loaded && t.err == nil && t.fetching,
		IsFetching:      t.fetching,
		IsLookupPending: t.lookupPending,
		Error:           t.currentErr(),
		Sorting:         st.sorting,
		Pagination:      Pagination{PageIndex: st.pageIndex, PageSize: st.pageSize},
		ColumnFilters:   st.columnFilters,
		GlobalFilter:    st.globalFilter,
		Grouping:        st.grouping,
		RowSelection:    append([]string(nil), t.selected...),
	}
}

func (t *Table) currentErr() error {
	if t.err != nil {
		return t.err
	}
	return t.lookupErr
}

// Subscribe registers fn to run after every state change.
func (t *Table) Subscribe(fn func()) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *Table) notify() {
	t.mu.Lock()
	fns := make([]func(), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// mutate applies fn to the state, resets the page when filters changed and
// requests one primary query.
func (t *Table) mutate(filtersChanged bool, fn func(*state)) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	fn(&t.st)
	if filtersChanged {
		t.st.pageIndex = 0
	}
	t.mu.Unlock()

	if filtersChanged {
		t.applyFilters()
	}
	t.notify()
	t.coord.RequestQuery(t)
}

// ToggleSort cycles col through ascending, descending and unsorted. Without
// multi the other sort columns are dropped.
func (t *Table) ToggleSort(col string, multi bool) {
	t.mutate(false, func(s *state) {
		next := make([]Sort, 0, len(s.sorting)+1)
		found := false
		for _, so := range s.sorting {
			if so.Column != col {
				if multi {
					next = append(next, so)
				}
				continue
			}
			found = true
			if !so.Desc {
				next = append(next, Sort{Column: col, Desc: true})
			}
		}
		if !found {
			next = append(next, Sort{Column: col})
		}
		s.sorting = next
	})
}

func (t *Table) SetSorting(sorting []Sort) {
	t.mutate(false, func(s *state) { s.sorting = append([]Sort(nil), sorting...) })
}

func (t *Table) SetPageIndex(i int) {
	if i < 0 {
		i = 0
	}
	t.mutate(false, func(s *state) { s.pageIndex = i })
}

// SetPageSize changes the page size and returns to the first page.
func (t *Table) SetPageSize(n int) {
	if n <= 0 {
		n = defaultPageSize
	}
	t.mutate(false, func(s *state) {
		s.pageSize = n
		s.pageIndex = 0
	})
}

// SetColumnFilter sets the filter value of col; nil clears it.
func (t *Table) SetColumnFilter(col string, value any) error {
	if _, ok := t.cols[col]; !ok {
		return fmt.Errorf("table %s: filter %q: %w", t.cfg.ID, col, ErrUnknownColumn)
	}
	t.mutate(true, func(s *state) {
		if value == nil {
			delete(s.columnFilters, col)
		} else {
			s.columnFilters[col] = value
		}
	})
	return nil
}

func (t *Table) SetGlobalFilter(term string) {
	t.mutate(true, func(s *state) { s.globalFilter = term })
}

// SetGrouping regroups the table. Filters move between WHERE and HAVING, so
// this counts as a filter change.
func (t *Table) SetGrouping(keys []string) error {
	for _, k := range keys {
		if _, ok := t.cols[k]; !ok {
			return fmt.Errorf("table %s: grouping %q: %w", t.cfg.ID, k, ErrUnknownColumn)
		}
	}
	t.mutate(true, func(s *state) { s.grouping = append([]string(nil), keys...) })
	return nil
}

// buckets splits the internal filters. Only grouped tables send aggregate
// columns to HAVING.
func (t *Table) buckets(st state) (where, having []sqlexpr.Expr) {
	grouped := len(st.grouping) > 0
	ids := make([]string, 0, len(st.columnFilters))
	for id := range st.columnFilters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		col := t.cols[id]
		p := col.predicate(st.columnFilters[id])
		if p == nil {
			continue
		}
		if grouped && col.Aggregate {
			having = append(having, p)
		} else {
			where = append(where, p)
		}
	}
	if st.globalFilter != "" {
		var terms []sqlexpr.Expr
		for _, col := range t.globalColumns() {
			terms = append(terms, sqlexpr.Contains(col.expr(), st.globalFilter))
		}
		if p := sqlexpr.Or(terms...); p != nil {
			where = append(where, p)
		}
	}
	return where, having
}

func (t *Table) globalColumns() []Column {
	if len(t.cfg.GlobalFilterColumns) > 0 {
		out := make([]Column, 0, len(t.cfg.GlobalFilterColumns))
		for _, id := range t.cfg.GlobalFilterColumns {
			out = append(out, t.cols[id])
		}
		return out
	}
	var out []Column
	for _, c := range t.cfg.Columns {
		if !c.Aggregate {
			out = append(out, c)
		}
	}
	return out
}

func (t *Table) columnExpr(id string) sqlexpr.Expr {
	if c, ok := t.cols[id]; ok {
		return c.expr()
	}
	return sqlexpr.Column(id)
}

func (t *Table) external() sqlexpr.Expr {
	if t.cfg.FilterBy == nil {
		return nil
	}
	return t.cfg.FilterBy.Predicate(t.id)
}

func sqlOf(e sqlexpr.Expr) string {
	if e == nil {
		return ""
	}
	return e.SQL()
}

func filterValue(st state) any {
	if len(st.columnFilters) == 0 && st.globalFilter == "" {
		return nil
	}
	return map[string]any{"columnFilters": st.columnFilters, "globalFilter": st.globalFilter}
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
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	case fmt.Stringer:
		i, err := strconv.ParseInt(n.String(), 10, 64)
		return i, err == nil
	}
	return 0, false
}

var _ reactive.Client = (*Table)(nil)

func (t *Table) logFields() zap.Field {
	t.mu.Lock()
	defer t.mu.Unlock()
	return logutil.Values(
		zap.Int("page", t.st.pageIndex),
		zap.Int("filters", len(t.st.columnFilters)),
		zap.Strings("grouping", t.st.grouping),
	)
}
