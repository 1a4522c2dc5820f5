// Package sqlinfo answers structural questions about SQL text using the
// Postgres parser: which base tables a statement reads, a canonical form
// for caching, and whether generated SQL parses at all.
package sqlinfo

import (
	"fmt"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Validate parses sql and reports syntax errors.
func Validate(sql string) error {
	if _, err := pg_query.Parse(sql); err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	return nil
}

// Canonical re-renders sql through the parser so statements differing only
// in formatting or keyword case compare equal. Constants are preserved.
func Canonical(sql string) (string, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return "", fmt.Errorf("parse: %w", err)
	}
	out, err := pg_query.Deparse(tree)
	if err != nil {
		return "", fmt.Errorf("deparse: %w", err)
	}
	return out, nil
}

// CacheKey is Canonical with a fallback to the raw text for statements the
// parser rejects (e.g. engine specific syntax).
func CacheKey(sql string) string {
	if c, err := Canonical(sql); err == nil {
		return c
	}
	return "raw:" + sql
}

// Tables returns the schema-qualified base tables read by a SELECT,
// recursing into CTEs, derived tables, joins and sublinks. CTE names are
// not reported. Unqualified names default to the public schema.
func Tables(sql string) ([]string, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	w := &walker{tables: map[string]struct{}{}, ctes: map[string]struct{}{}}
	for _, raw := range tree.GetStmts() {
		if sel := raw.GetStmt().GetSelectStmt(); sel != nil {
			w.selectStmt(sel)
		}
	}
	out := make([]string, 0, len(w.tables))
	for t := range w.tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

type walker struct {
	tables map[string]struct{}
	ctes   map[string]struct{}
}

func (w *walker) selectStmt(sel *pg_query.SelectStmt) {
	if sel == nil {
		return
	}
	// set operations keep their arms in Larg/Rarg
	if sel.GetLarg() != nil || sel.GetRarg() != nil {
		w.selectStmt(sel.GetLarg())
		w.selectStmt(sel.GetRarg())
	}

	if wc := sel.GetWithClause(); wc != nil {
		for _, n := range wc.GetCtes() {
			if cte := n.GetCommonTableExpr(); cte != nil {
				w.ctes[cte.GetCtename()] = struct{}{}
				if sub := cte.GetCtequery().GetSelectStmt(); sub != nil {
					w.selectStmt(sub)
				}
			}
		}
	}

	w.fromList(sel.GetFromClause())

	for _, n := range sel.GetTargetList() {
		if rt := n.GetResTarget(); rt != nil {
			w.expr(rt.GetVal())
		}
	}
	w.expr(sel.GetWhereClause())
	w.expr(sel.GetHavingClause())
	for _, sc := range sel.GetSortClause() {
		if sb := sc.GetSortBy(); sb != nil {
			w.expr(sb.GetNode())
		}
	}
}

func (w *walker) fromList(from []*pg_query.Node) {
	for _, n := range from {
		switch {
		case n.GetRangeVar() != nil:
			rv := n.GetRangeVar()
			rel := rv.GetRelname()
			if sch := rv.GetSchemaname(); sch != "" {
				rel = sch + "." + rel
			} else {
				if _, isCTE := w.ctes[rel]; isCTE {
					continue
				}
				rel = "public." + rel
			}
			w.tables[strings.ToLower(rel)] = struct{}{}

		case n.GetJoinExpr() != nil:
			je := n.GetJoinExpr()
			w.fromList([]*pg_query.Node{je.GetLarg(), je.GetRarg()})
			w.expr(je.GetQuals())

		case n.GetRangeSubselect() != nil:
			if sub := n.GetRangeSubselect().GetSubquery(); sub != nil {
				w.selectStmt(sub.GetSelectStmt())
			}
		}
	}
}

// expr descends into the common expression containers looking for sublinks.
func (w *walker) expr(n *pg_query.Node) {
	if n == nil {
		return
	}
	switch {
	case n.GetSubLink() != nil:
		sl := n.GetSubLink()
		w.expr(sl.GetTestexpr())
		if sub := sl.GetSubselect(); sub != nil {
			w.selectStmt(sub.GetSelectStmt())
		}
	case n.GetAExpr() != nil:
		w.expr(n.GetAExpr().GetLexpr())
		w.expr(n.GetAExpr().GetRexpr())
	case n.GetBoolExpr() != nil:
		for _, a := range n.GetBoolExpr().GetArgs() {
			w.expr(a)
		}
	case n.GetFuncCall() != nil:
		for _, a := range n.GetFuncCall().GetArgs() {
			w.expr(a)
		}
	case n.GetCaseExpr() != nil:
		ce := n.GetCaseExpr()
		for _, a := range ce.GetArgs() {
			if cw := a.GetCaseWhen(); cw != nil {
				w.expr(cw.GetExpr())
				w.expr(cw.GetResult())
			}
		}
		w.expr(ce.GetDefresult())
	case n.GetCoalesceExpr() != nil:
		for _, a := range n.GetCoalesceExpr().GetArgs() {
			w.expr(a)
		}
	case n.GetTypeCast() != nil:
		w.expr(n.GetTypeCast().GetArg())
	case n.GetNullTest() != nil:
		w.expr(n.GetNullTest().GetArg())
	case n.GetList() != nil:
		for _, a := range n.GetList().GetItems() {
			w.expr(a)
		}
	}
}
