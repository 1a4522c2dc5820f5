package sqlexpr

import (
	"strconv"
	"strings"
)

// SelectItem is one projected expression with an optional output name.
type SelectItem struct {
	Expr  Expr
	Alias string
}

// As names a projection.
func As(e Expr, alias string) SelectItem { return SelectItem{Expr: e, Alias: alias} }

// Col projects a bare column under its own name.
func Col(name string) SelectItem { return SelectItem{Expr: Column(name)} }

// Star projects every column.
func Star() SelectItem { return SelectItem{Expr: raw("*")} }

func (s SelectItem) sql() string {
	if s.Alias == "" {
		return s.Expr.SQL()
	}
	return s.Expr.SQL() + " AS " + QuoteIdent(s.Alias)
}

// Order is one ORDER BY term.
type Order struct {
	Expr Expr
	Desc bool
}

func Asc(e Expr) Order  { return Order{Expr: e} }
func Desc(e Expr) Order { return Order{Expr: e, Desc: true} }

type cte struct {
	name string
	q    *Query
}

// Query is a mutable SELECT statement builder. Methods return the receiver
// so calls chain.
type Query struct {
	with     []cte
	distinct bool
	selects  []SelectItem
	from     string
	where    []Expr
	groupBy  []Expr
	having   []Expr
	orderBy  []Order
	limit    *int
	offset   *int
}

// Select starts a query with the given projections.
func Select(items ...SelectItem) *Query {
	return &Query{selects: append([]SelectItem(nil), items...)}
}

// Clone returns an independent copy of q.
func (q *Query) Clone() *Query {
	c := *q
	c.with = append([]cte(nil), q.with...)
	c.selects = append([]SelectItem(nil), q.selects...)
	c.where = append([]Expr(nil), q.where...)
	c.groupBy = append([]Expr(nil), q.groupBy...)
	c.having = append([]Expr(nil), q.having...)
	c.orderBy = append([]Order(nil), q.orderBy...)
	return &c
}

func (q *Query) With(name string, sub *Query) *Query {
	q.with = append(q.with, cte{name: name, q: sub})
	return q
}

func (q *Query) Distinct() *Query {
	q.distinct = true
	return q
}

func (q *Query) AddSelect(items ...SelectItem) *Query {
	q.selects = append(q.selects, items...)
	return q
}

// From sets a table (or CTE) source.
func (q *Query) From(table string) *Query {
	q.from = Column(table).SQL()
	return q
}

// FromQuery sets a derived table source.
func (q *Query) FromQuery(sub *Query, alias string) *Query {
	q.from = "(" + sub.String() + ") AS " + QuoteIdent(alias)
	return q
}

// Where appends conjuncts; nil terms are ignored.
func (q *Query) Where(terms ...Expr) *Query {
	q.where = append(q.where, compact(terms)...)
	return q
}

func (q *Query) GroupBy(terms ...Expr) *Query {
	q.groupBy = append(q.groupBy, compact(terms)...)
	return q
}

// Having appends conjuncts to HAVING; nil terms are ignored.
func (q *Query) Having(terms ...Expr) *Query {
	q.having = append(q.having, compact(terms)...)
	return q
}

func (q *Query) OrderBy(orders ...Order) *Query {
	q.orderBy = append(q.orderBy, orders...)
	return q
}

func (q *Query) Limit(n int) *Query {
	q.limit = &n
	return q
}

func (q *Query) Offset(n int) *Query {
	q.offset = &n
	return q
}

// WhereExpr returns the conjunction of the WHERE terms, nil when empty.
func (q *Query) WhereExpr() Expr { return And(q.where...) }

// HavingExpr returns the conjunction of the HAVING terms, nil when empty.
func (q *Query) HavingExpr() Expr { return And(q.having...) }

func (q *Query) SQL() string { return q.String() }

// String renders the statement.
func (q *Query) String() string {
	var b strings.Builder
	if len(q.with) > 0 {
		b.WriteString("WITH ")
		for i, c := range q.with {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(QuoteIdent(c.name))
			b.WriteString(" AS (")
			b.WriteString(c.q.String())
			b.WriteString(")")
		}
		b.WriteString(" ")
	}
	b.WriteString("SELECT ")
	if q.distinct {
		b.WriteString("DISTINCT ")
	}
	if len(q.selects) == 0 {
		b.WriteString("*")
	}
	for i, s := range q.selects {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(s.sql())
	}
	if q.from != "" {
		b.WriteString(" FROM ")
		b.WriteString(q.from)
	}
	if w := q.WhereExpr(); w != nil {
		b.WriteString(" WHERE ")
		b.WriteString(w.SQL())
	}
	if len(q.groupBy) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(joinExprs(q.groupBy))
	}
	if h := q.HavingExpr(); h != nil {
		b.WriteString(" HAVING ")
		b.WriteString(h.SQL())
	}
	if len(q.orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, o := range q.orderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(o.Expr.SQL())
			if o.Desc {
				b.WriteString(" DESC")
			} else {
				b.WriteString(" ASC")
			}
		}
	}
	if q.limit != nil {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(*q.limit))
	}
	if q.offset != nil {
		b.WriteString(" OFFSET ")
		b.WriteString(strconv.Itoa(*q.offset))
	}
	return b.String()
}

func joinExprs(es []Expr) string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.SQL()
	}
	return strings.Join(parts, ", ")
}
