package table

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sqlexpr"
)

// applyFilters publishes the internal filter. WHERE-only filters are
// published as is. Filters on aggregates are resolved into a predicate over
// the grouping keys by a lookup query first.
func (t *Table) applyFilters() {
	if t.cfg.InternalFilter == nil {
		return
	}
	t.mu.Lock()
	st := t.st.clone()
	t.lookupGen++
	gen := t.lookupGen
	where, having := t.buckets(st)
	if len(having) == 0 {
		t.lookupPending = false
		t.lookupErr = nil
		t.lookupExt = ""
		t.mu.Unlock()
		t.publishInternal(st, sqlexpr.And(where...))
		return
	}
	t.lookupPending = true
	t.mu.Unlock()

	ext := t.external()
	t.mu.Lock()
	t.lookupExt = sqlOf(ext)
	t.mu.Unlock()
	t.notify()

	q := t.lookupQuery(st, ext, where, having)
	t.log.Debug("lookup", t.logFields(), zap.Uint64("gen", gen))
	t.coord.Go(func(ctx context.Context) {
		t.runLookup(ctx, gen, st, where, q)
	})
}

// lookupQuery selects the grouping keys of the groups passing the HAVING
// filters under the external predicate.
func (t *Table) lookupQuery(st state, ext sqlexpr.Expr, where, having []sqlexpr.Expr) *sqlexpr.Query {
	base := t.cfg.Base(Params{
		Where:   sqlexpr.And(append([]sqlexpr.Expr{ext}, where...)...),
		Having:  sqlexpr.And(having...),
		GroupBy: st.grouping,
	})
	q := sqlexpr.Select().FromQuery(base, "__lookup")
	for _, k := range st.grouping {
		q.AddSelect(sqlexpr.Col(k))
	}
	return q
}

func (t *Table) runLookup(ctx context.Context, gen uint64, st state, where []sqlexpr.Expr, q *sqlexpr.Query) {
	res, err := t.coord.Query(ctx, q.String())

	t.mu.Lock()
	if gen != t.lookupGen || t.closed {
		t.mu.Unlock()
		return
	}
	t.lookupPending = false
	t.lookupErr = nil
	if err != nil {
		// the previous internal filter stays published
		t.lookupErr = fmt.Errorf("lookup: %w", err)
		t.mu.Unlock()
		t.log.Warn("lookup failed", zap.Error(err))
		t.notify()
		return
	}
	t.mu.Unlock()

	var pred sqlexpr.Expr
	if res.NumRows() == 0 {
		pred = sqlexpr.False()
	} else {
		pred = sqlexpr.And(append(where, t.reverseLookup(res, st.grouping))...)
	}
	t.publishInternal(st, pred)
	t.notify()
}

// reverseLookup ORs one key equality conjunction per lookup row.
func (t *Table) reverseLookup(res *reactive.Table, keys []string) sqlexpr.Expr {
	ors := make([]sqlexpr.Expr, 0, res.NumRows())
	for _, r := range res.Rows {
		ands := make([]sqlexpr.Expr, len(keys))
		for i, k := range keys {
			ands[i] = sqlexpr.Eq(t.columnExpr(k), r[k])
		}
		ors = append(ors, sqlexpr.And(ands...))
	}
	return sqlexpr.Or(ors...)
}

func (t *Table) publishInternal(st state, pred sqlexpr.Expr) {
	var value any
	if pred != nil {
		value = filterValue(st)
	}
	t.cfg.InternalFilter.Update(selection.Clause{
		Source:    t.source("internal-filter"),
		Owner:     t.id,
		Value:     value,
		Predicate: pred,
	})
}

// externalChanged re-runs a pending aggregate lookup when the predicate it
// was computed under changed.
func (t *Table) externalChanged() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	st := t.st.clone()
	last := t.lookupExt
	t.mu.Unlock()

	if _, having := t.buckets(st); len(having) == 0 {
		return
	}
	if sqlOf(t.external()) == last {
		return
	}
	t.applyFilters()
}
