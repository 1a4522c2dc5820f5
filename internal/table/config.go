package table

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sqlexpr"
)

var (
	// ErrNoPrimaryKey is returned by New when row selection, hover or click
	// is configured on a table without a primary key.
	ErrNoPrimaryKey = errors.New("row selection requires a primary key")

	ErrUnknownColumn = errors.New("unknown column")
)

const defaultPageSize = 50

// FilterFunc turns a column filter value into a predicate. Returning nil
// means no constraint.
type FilterFunc func(expr sqlexpr.Expr, value any) sqlexpr.Expr

// Range is an inclusive filter value; a nil bound is open.
type Range struct {
	Min any `json:"min"`
	Max any `json:"max"`
}

// Column describes one table column.
type Column struct {
	ID string
	// Expr defaults to the quoted column ID.
	Expr sqlexpr.Expr
	// Aggregate marks a column only meaningful after grouping. Filters on it
	// go to HAVING.
	Aggregate bool
	Filter    FilterFunc
}

func (c Column) expr() sqlexpr.Expr {
	if c.Expr != nil {
		return c.Expr
	}
	return sqlexpr.Column(c.ID)
}

func (c Column) predicate(v any) sqlexpr.Expr {
	if v == nil {
		return nil
	}
	if c.Filter != nil {
		return c.Filter(c.expr(), v)
	}
	return DefaultFilter(c.expr(), v)
}

// DefaultFilter matches strings by case-insensitive substring, Range by
// BETWEEN, slices by IN and everything else by equality.
func DefaultFilter(e sqlexpr.Expr, v any) sqlexpr.Expr {
	switch t := v.(type) {
	case string:
		return sqlexpr.Contains(e, strings.TrimSpace(t))
	case Range:
		return sqlexpr.Between(e, t.Min, t.Max)
	case *Range:
		return sqlexpr.Between(e, t.Min, t.Max)
	case []byte:
		return sqlexpr.Eq(e, string(t))
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		vals := make([]any, rv.Len())
		for i := range vals {
			vals[i] = rv.Index(i).Interface()
		}
		return sqlexpr.In(e, vals...)
	}
	return sqlexpr.Eq(e, v)
}

// Params is what a BaseQuery receives.
type Params struct {
	Where   sqlexpr.Expr
	Having  sqlexpr.Expr
	GroupBy []string
}

// BaseQuery builds the unpaginated query a table wraps. It owns joins, CTEs
// and aggregation.
type BaseQuery func(Params) *sqlexpr.Query

// FromTable is the default base: it projects cols from name. Grouped, it
// projects the grouping keys plus the aggregate columns; ungrouped, every
// plain column.
func FromTable(name string, cols []Column) BaseQuery {
	byID := map[string]Column{}
	for _, c := range cols {
		byID[c.ID] = c
	}
	return func(p Params) *sqlexpr.Query {
		q := sqlexpr.Select().From(name)
		if len(p.GroupBy) == 0 {
			for _, c := range cols {
				if !c.Aggregate {
					q.AddSelect(sqlexpr.As(c.expr(), c.ID))
				}
			}
		} else {
			for _, g := range p.GroupBy {
				c, ok := byID[g]
				if !ok {
					c = Column{ID: g}
				}
				q.AddSelect(sqlexpr.As(c.expr(), c.ID))
				q.GroupBy(c.expr())
			}
			for _, c := range cols {
				if c.Aggregate {
					q.AddSelect(sqlexpr.As(c.expr(), c.ID))
				}
			}
		}
		return q.Where(p.Where).Having(p.Having)
	}
}

// Config declares a table client.
type Config struct {
	ID      string
	Columns []Column
	// Base defaults to FromTable(From, Columns).
	Base BaseQuery
	From string

	PrimaryKey []string
	Grouping   []string
	PageSize   int

	EnableRowSelection bool
	// GlobalFilterColumns default to every plain column.
	GlobalFilterColumns []string

	FilterBy       *selection.Selection
	InternalFilter *selection.Selection
	RowSelection   *selection.Selection
	Hover          *selection.Selection
	Click          *selection.Selection

	Coordinator *reactive.Coordinator
	Logger      *zap.Logger
}

func (c *Config) validate() error {
	if c.ID == "" {
		return errors.New("table: empty id")
	}
	if c.Coordinator == nil {
		return fmt.Errorf("table %s: no coordinator", c.ID)
	}
	if c.Base == nil {
		if c.From == "" {
			return fmt.Errorf("table %s: neither base query nor source table", c.ID)
		}
		c.Base = FromTable(c.From, c.Columns)
	}
	if len(c.PrimaryKey) == 0 {
		switch {
		case c.EnableRowSelection:
			return fmt.Errorf("table %s: %w", c.ID, ErrNoPrimaryKey)
		case c.Hover != nil:
			return fmt.Errorf("table %s: hover output: %w", c.ID, ErrNoPrimaryKey)
		case c.Click != nil:
			return fmt.Errorf("table %s: click output: %w", c.ID, ErrNoPrimaryKey)
		}
	}
	seen := map[string]bool{}
	for _, col := range c.Columns {
		if seen[col.ID] {
			return fmt.Errorf("table %s: duplicate column %q", c.ID, col.ID)
		}
		seen[col.ID] = true
	}
	for _, g := range c.Grouping {
		if !seen[g] {
			return fmt.Errorf("table %s: grouping %q: %w", c.ID, g, ErrUnknownColumn)
		}
	}
	for _, g := range c.GlobalFilterColumns {
		if !seen[g] {
			return fmt.Errorf("table %s: global filter %q: %w", c.ID, g, ErrUnknownColumn)
		}
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.Logger == nil {
		c.Logger = zap.L()
	}
	return nil
}
