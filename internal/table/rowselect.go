package table

import (
	"sort"

	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/common"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sqlexpr"
)

// ToggleRowSelection adds or removes id from the selected rows.
func (t *Table) ToggleRowSelection(id string) {
	t.rowMu.Lock()
	defer t.rowMu.Unlock()

	t.mu.Lock()
	next := make([]string, 0, len(t.selected)+1)
	found := false
	for _, s := range t.selected {
		if s == id {
			found = true
			continue
		}
		next = append(next, s)
	}
	if !found {
		next = append(next, id)
	}
	t.mu.Unlock()
	t.setRowSelection(next)
}

// SetRowSelection replaces the selected rows. Only ids not selected before
// get a new predicate; dropped ids are evicted from the cache. The output is
// the OR of the cached predicates, or no clause when nothing is selected.
func (t *Table) SetRowSelection(ids []string) {
	t.rowMu.Lock()
	defer t.rowMu.Unlock()
	t.setRowSelection(ids)
}

func (t *Table) setRowSelection(ids []string) {
	if !t.cfg.EnableRowSelection {
		return
	}
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	for id := range t.rowPreds {
		if !want[id] {
			delete(t.rowPreds, id)
		}
	}
	selected := make([]string, 0, len(want))
	for id := range want {
		if _, ok := t.rowPreds[id]; !ok {
			t.rowPreds[id] = t.rowPredicate(id)
		}
		selected = append(selected, id)
	}
	sort.Strings(selected)
	preds := make([]sqlexpr.Expr, 0, len(selected))
	for _, id := range selected {
		preds = append(preds, t.rowPreds[id])
	}
	t.selected = selected
	t.mu.Unlock()

	if t.cfg.RowSelection != nil {
		var value any
		if len(selected) > 0 {
			value = selected
		}
		t.cfg.RowSelection.Update(selection.Clause{
			Source:    t.source("row-selection"),
			Owner:     t.id,
			Value:     value,
			Predicate: sqlexpr.Or(preds...),
		})
	}
	t.notify()
}

// Hover spotlights one row. An empty id publishes FALSE so overlays show
// nothing rather than everything.
func (t *Table) Hover(id string) {
	if t.cfg.Hover == nil {
		return
	}
	pred := sqlexpr.False()
	var value any
	if id != "" {
		pred, value = t.rowPredicate(id), id
	}
	t.cfg.Hover.Update(selection.Clause{Source: t.source("hover"), Owner: t.id, Value: value, Predicate: pred})
}

// Click pins one row. An empty id clears the clause.
func (t *Table) Click(id string) {
	if t.cfg.Click == nil {
		return
	}
	var pred sqlexpr.Expr
	var value any
	if id != "" {
		pred, value = t.rowPredicate(id), id
	}
	t.cfg.Click.Update(selection.Clause{Source: t.source("click"), Owner: t.id, Value: value, Predicate: pred})
}

// rowPredicate is the primary key equality conjunction for id. Malformed ids
// are logged and contribute nothing.
func (t *Table) rowPredicate(id string) sqlexpr.Expr {
	vals, err := common.DecodeRowID(id, len(t.cfg.PrimaryKey))
	if err != nil {
		t.log.Warn("ignoring row id", zap.String("id", id), zap.Error(err))
		return nil
	}
	ands := make([]sqlexpr.Expr, len(vals))
	for i, v := range vals {
		ands[i] = sqlexpr.Eq(t.columnExpr(t.cfg.PrimaryKey[i]), v)
	}
	return sqlexpr.And(ands...)
}
