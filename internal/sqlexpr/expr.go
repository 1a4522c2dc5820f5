// Package sqlexpr builds SQL predicate fragments and SELECT statements.
//
// An Expr is an opaque boolean or scalar fragment. A nil Expr means
// "no constraint" and is skipped by And/Or; False() means "matches nothing".
package sqlexpr

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Expr is a rendered SQL fragment.
type Expr interface {
	SQL() string
}

type raw string

func (r raw) SQL() string    { return string(r) }
func (r raw) String() string { return string(r) }

// Raw wraps trusted SQL text without quoting.
func Raw(s string) Expr { return raw(s) }

// Column quotes an identifier, splitting on dots so "t.col" becomes "t"."col".
func Column(name string) Expr {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = QuoteIdent(p)
	}
	return raw(strings.Join(parts, "."))
}

// QuoteIdent double-quotes a single identifier.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// QuoteString renders a string literal.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Literal renders a Go value as a SQL literal.
func Literal(v any) Expr {
	return raw(literalSQL(v))
}

func literalSQL(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case Expr:
		return t.SQL()
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	case string:
		return QuoteString(t)
	case []byte:
		return QuoteString(string(t))
	case int:
		return strconv.Itoa(t)
	case int8:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint8:
		return strconv.FormatUint(uint64(t), 10)
	case uint16:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return formatFloat(float64(t))
	case float64:
		return formatFloat(t)
	case json.Number:
		if _, err := strconv.ParseFloat(string(t), 64); err == nil {
			return string(t)
		}
		return QuoteString(string(t))
	case time.Time:
		return QuoteString(t.UTC().Format(time.RFC3339Nano))
	case fmt.Stringer:
		return QuoteString(t.String())
	default:
		return QuoteString(fmt.Sprint(t))
	}
}

func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "NULL"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

var (
	trueExpr  = raw("TRUE")
	falseExpr = raw("FALSE")
)

// True is the constant TRUE predicate.
func True() Expr { return trueExpr }

// False is the constant FALSE predicate, used for "currently matches nothing".
func False() Expr { return falseExpr }

// IsFalse reports whether e is the FALSE literal.
func IsFalse(e Expr) bool { return e != nil && e.SQL() == "FALSE" }

// IsTrivial reports whether e imposes no constraint.
func IsTrivial(e Expr) bool { return e == nil || e.SQL() == "TRUE" }

// Equal compares two fragments by rendered text.
func Equal(a, b Expr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.SQL() == b.SQL()
}

type logical struct {
	op    string
	terms []Expr
}

func (l logical) SQL() string {
	parts := make([]string, len(l.terms))
	for i, t := range l.terms {
		parts[i] = t.SQL()
	}
	return "(" + strings.Join(parts, " "+l.op+" ") + ")"
}

func (l logical) String() string { return l.SQL() }

func compact(terms []Expr) []Expr {
	out := make([]Expr, 0, len(terms))
	for _, t := range terms {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// And conjoins the non-nil terms. It returns nil when none remain.
func And(terms ...Expr) Expr {
	terms = compact(terms)
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return terms[0]
	}
	return logical{op: "AND", terms: terms}
}

// Or disjoins the non-nil terms. It returns nil when none remain.
func Or(terms ...Expr) Expr {
	terms = compact(terms)
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return terms[0]
	}
	return logical{op: "OR", terms: terms}
}

// Not negates e; Not(nil) is nil.
func Not(e Expr) Expr {
	if e == nil {
		return nil
	}
	return raw("(NOT " + e.SQL() + ")")
}

func binary(op string, l Expr, r any) Expr {
	return raw("(" + l.SQL() + " " + op + " " + literalSQL(r) + ")")
}

// Eq renders l = r. A nil r becomes IS NULL.
func Eq(l Expr, r any) Expr {
	if r == nil {
		return IsNull(l)
	}
	return binary("=", l, r)
}

func Neq(l Expr, r any) Expr { return binary("<>", l, r) }
func Lt(l Expr, r any) Expr  { return binary("<", l, r) }
func Lte(l Expr, r any) Expr { return binary("<=", l, r) }
func Gt(l Expr, r any) Expr  { return binary(">", l, r) }
func Gte(l Expr, r any) Expr { return binary(">=", l, r) }

// IsNull renders e IS NULL.
func IsNull(e Expr) Expr { return raw("(" + e.SQL() + " IS NULL)") }

// Between renders an inclusive range. A nil bound leaves that side open.
func Between(e Expr, lo, hi any) Expr {
	switch {
	case lo == nil && hi == nil:
		return nil
	case lo == nil:
		return Lte(e, hi)
	case hi == nil:
		return Gte(e, lo)
	}
	return raw("(" + e.SQL() + " BETWEEN " + literalSQL(lo) + " AND " + literalSQL(hi) + ")")
}

// In renders set membership. An empty set matches nothing.
func In(e Expr, values ...any) Expr {
	if len(values) == 0 {
		return False()
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = literalSQL(v)
	}
	return raw("(" + e.SQL() + " IN (" + strings.Join(parts, ", ") + "))")
}

// InQuery renders e IN (subquery).
func InQuery(e Expr, q *Query) Expr {
	return raw("(" + e.SQL() + " IN (" + q.String() + "))")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Contains is a case-insensitive partial match. An empty term is no constraint.
func Contains(e Expr, term string) Expr {
	if term == "" {
		return nil
	}
	pattern := "%" + likeEscaper.Replace(strings.ToLower(term)) + "%"
	return raw("(LOWER(CAST(" + e.SQL() + " AS TEXT)) LIKE " + QuoteString(pattern) + ` ESCAPE '\')`)
}

// AnyEq matches rows whose array column contains v.
func AnyEq(arr Expr, v any) Expr {
	return raw("(" + literalSQL(v) + " = ANY(" + arr.SQL() + "))")
}

// Func renders a function call.
func Func(name string, args ...Expr) Expr {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.SQL()
	}
	return raw(name + "(" + strings.Join(parts, ", ") + ")")
}

// Count is COUNT(*).
func Count() Expr { return raw("COUNT(*)") }
