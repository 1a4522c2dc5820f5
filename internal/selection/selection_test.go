package selection

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/crossview/internal/sqlexpr"
)

var (
	swim  = sqlexpr.Eq(sqlexpr.Column("sport"), "Swimming")
	women = sqlexpr.Eq(sqlexpr.Column("sex"), "F")
	tall  = sqlexpr.Gt(sqlexpr.Column("height"), 1.8)
)

func TestIntersectIsOrderIndependent(t *testing.T) {
	a := NewIntersect("a")
	a.Update(Clause{Source: "x", Predicate: swim})
	a.Update(Clause{Source: "y", Predicate: women})

	b := NewIntersect("b")
	b.Update(Clause{Source: "y", Predicate: women})
	b.Update(Clause{Source: "x", Predicate: swim})

	pa, pb := a.Predicate(""), b.Predicate("")
	require.NotNil(t, pa)
	require.NotNil(t, pb)
	for _, term := range []sqlexpr.Expr{swim, women} {
		assert.Contains(t, pa.SQL(), term.SQL())
		assert.Contains(t, pb.SQL(), term.SQL())
	}
	assert.ElementsMatch(t, clauseSQL(a), clauseSQL(b))
}

func clauseSQL(s *Selection) []string {
	var out []string
	for _, c := range s.Clauses() {
		out = append(out, c.Predicate.SQL())
	}
	return out
}

func TestIntersectAllNullIsNull(t *testing.T) {
	s := NewIntersect("q")
	s.Update(Clause{Source: "x"})
	s.Update(Clause{Source: "y", Predicate: nil})
	assert.Nil(t, s.Predicate(""))
	assert.False(t, s.Active())
}

func TestUnionOrs(t *testing.T) {
	s := NewUnion("u")
	s.Update(Clause{Source: "x", Predicate: swim})
	s.Update(Clause{Source: "y", Predicate: women})
	assert.Equal(t, sqlexpr.Or(swim, women).SQL(), s.Predicate("").SQL())
}

func TestSingleKeepsLatest(t *testing.T) {
	s := NewSingle("s")
	s.Update(Clause{Source: "x", Predicate: swim})
	s.Update(Clause{Source: "y", Predicate: women})
	require.Len(t, s.Clauses(), 1)
	assert.Equal(t, women.SQL(), s.Predicate("").SQL())
}

func TestCrossfilterExcludesRequester(t *testing.T) {
	s := NewCrossfilter("cf")
	s.Update(Clause{Source: "A", Predicate: swim})
	s.Update(Clause{Source: "B", Predicate: women})

	assert.Equal(t, women.SQL(), s.Predicate("A").SQL())
	assert.Equal(t, swim.SQL(), s.Predicate("B").SQL())
	assert.Equal(t, sqlexpr.And(swim, women).SQL(), s.Predicate("").SQL())
}

func TestCrossfilterUsesOwner(t *testing.T) {
	s := NewCrossfilter("cf")
	s.Update(Clause{Source: "tbl#filter", Owner: "tbl", Predicate: swim})
	s.Update(Clause{Source: "facet", Predicate: women})
	assert.Equal(t, women.SQL(), s.Predicate("tbl").SQL())
}

func TestIntersectIgnoresRequester(t *testing.T) {
	s := NewIntersect("q")
	s.Update(Clause{Source: "A", Predicate: swim})
	assert.Equal(t, swim.SQL(), s.Predicate("A").SQL())
}

func TestEmptyResolvesFalse(t *testing.T) {
	s := New("e", Intersect, Options{Empty: true})
	assert.True(t, sqlexpr.IsFalse(s.Predicate("")))
	s.Update(Clause{Source: "x", Predicate: swim})
	assert.Equal(t, swim.SQL(), s.Predicate("").SQL())
}

func TestIncludeFoldsAndForwards(t *testing.T) {
	inner := NewIntersect("inner")
	outer := New("outer", Intersect, Options{Include: []*Selection{inner}})
	outer.Update(Clause{Source: "x", Predicate: swim})

	var events []Event
	outer.OnChange(func(ev Event) { events = append(events, ev) })

	inner.Update(Clause{Source: "y", Predicate: women})
	require.Len(t, events, 1)
	assert.Equal(t, sqlexpr.And(swim, women).SQL(), events[0].Predicate.SQL())
}

func TestListenerSeesFinalState(t *testing.T) {
	s := NewIntersect("q")
	var got sqlexpr.Expr
	var gotValue any
	s.OnChange(func(ev Event) {
		got = ev.Selection.Predicate("")
		gotValue = ev.Value
	})
	s.Update(Clause{Source: "dropdown", Value: "Swimming", Predicate: swim})
	assert.Equal(t, swim.SQL(), got.SQL())
	assert.Equal(t, "Swimming", gotValue)
}

func TestResetSingleNotification(t *testing.T) {
	s := NewIntersect("q")
	s.Update(Clause{Source: "a", Predicate: swim})
	s.Update(Clause{Source: "b", Predicate: tall})

	n := 0
	s.OnChange(func(ev Event) {
		n++
		assert.Nil(t, ev.Predicate)
	})
	s.Reset()
	assert.Equal(t, 1, n)
	assert.Empty(t, s.Clauses())
}

func TestUnsubscribe(t *testing.T) {
	s := NewIntersect("q")
	n := 0
	off := s.OnChange(func(Event) { n++ })
	s.Update(Clause{Source: "a", Predicate: swim})
	off()
	off()
	s.Update(Clause{Source: "a"})
	assert.Equal(t, 1, n)
}

func TestEndToEndDropdown(t *testing.T) {
	q := NewIntersect("Q")
	assert.Nil(t, q.Predicate("clientA"))

	q.Update(Clause{Source: "dropdown", Value: "Swimming", Predicate: swim})
	assert.Contains(t, q.Predicate("clientA").SQL(), `"sport" = 'Swimming'`)

	q.Update(Clause{Source: "dropdown", Value: nil, Predicate: nil})
	assert.Nil(t, q.Predicate("clientA"))
}

func TestBuildGraphOutOfOrder(t *testing.T) {
	g, err := BuildGraph([]Definition{
		{Name: "x", Type: "intersect", Options: DefinitionOptions{Include: []string{"y"}}},
		{Name: "y", Type: "union"},
	})
	require.NoError(t, err)
	require.Len(t, g, 2)
	require.Len(t, g["x"].Includes(), 1)
	assert.Same(t, g["y"], g["x"].Includes()[0])
	assert.Equal(t, Union, g["y"].Mode())
}

func TestBuildGraphCycle(t *testing.T) {
	_, err := BuildGraph([]Definition{
		{Name: "x", Type: "intersect", Options: DefinitionOptions{Include: []string{"y"}}},
		{Name: "y", Type: "intersect", Options: DefinitionOptions{Include: []string{"x"}}},
	})
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, []string{"x", "y"}, cfgErr.Unresolved)
	assert.Contains(t, err.Error(), "x, y")
}

func TestBuildGraphMissingName(t *testing.T) {
	_, err := BuildGraph([]Definition{
		{Name: "ok", Type: "single"},
		{Name: "x", Type: "intersect", Options: DefinitionOptions{Include: []string{"typo"}}},
	})
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, []string{"x"}, cfgErr.Unresolved)
}

func TestBuildGraphRejectsBadDefinitions(t *testing.T) {
	_, err := BuildGraph([]Definition{{Name: "a", Type: "bogus"}})
	assert.Error(t, err)
	_, err = BuildGraph([]Definition{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)
}

func TestBuildGraphEmptyAndCross(t *testing.T) {
	g, err := BuildGraph([]Definition{
		{Name: "brush", Type: "intersect", Options: DefinitionOptions{Empty: true, Cross: true}},
	})
	require.NoError(t, err)
	b := g["brush"]
	assert.Equal(t, Crossfilter, b.Mode())
	assert.True(t, sqlexpr.IsFalse(b.Predicate("")))
	assert.Nil(t, b.Value())
}

func TestRegistryResetAll(t *testing.T) {
	r := NewRegistry()
	a, b := NewIntersect("a"), NewUnion("b")
	offA := r.Register(a)
	r.Register(b)
	a.Update(Clause{Source: "s", Predicate: swim})
	b.Update(Clause{Source: "s", Predicate: women})

	r.ResetAll()
	assert.Nil(t, a.Predicate(""))
	assert.Nil(t, b.Predicate(""))

	offA()
	assert.Equal(t, 1, r.Len())
	a.Update(Clause{Source: "s", Predicate: swim})
	r.ResetAll()
	assert.NotNil(t, a.Predicate(""), "unregistered selection must survive ResetAll")
}

func TestPredicateWithoutSkipsOneWriter(t *testing.T) {
	s := NewUnion("u")
	s.Update(Clause{Source: "x", Predicate: swim})
	s.Update(Clause{Source: "bridge", Predicate: tall})
	assert.Equal(t, swim.SQL(), s.PredicateWithout("", "bridge").SQL())

	e := New("e", Intersect, Options{Empty: true})
	e.Update(Clause{Source: "bridge", Predicate: tall})
	assert.True(t, sqlexpr.IsFalse(e.PredicateWithout("", "bridge")))
}
