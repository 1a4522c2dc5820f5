package grouped_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/grouped"
	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/internal/reactive/reactivetest"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sqlexpr"
)

var (
	sports = reactivetest.Rows([]string{"sport", "medals"},
		[]any{"Swimming", int64(30)},
		[]any{"Diving", int64(12)},
	)
	countries = reactivetest.Rows([]string{"country", "medals"},
		[]any{"NO", int64(9)},
		[]any{"SE", int64(3)},
	)
)

type fixture struct {
	conn   *reactivetest.Connector
	coord  *reactive.Coordinator
	filter *selection.Selection
	b      *grouped.Builder
}

func newFixture(t *testing.T, leaf *grouped.Leaf) *fixture {
	t.Helper()
	conn := reactivetest.New()
	conn.On(`GROUP BY "country"`, countries).On(`GROUP BY "sport"`, sports)
	co := reactive.NewCoordinator(conn, reactive.WithLogger(zap.NewNop()), reactive.WithCacheSize(0))
	filter := selection.NewCrossfilter("filters")
	b, err := grouped.New(grouped.Config{
		ID:          "medals",
		From:        "results",
		GroupBy:     []string{"sport", "country"},
		Metrics:     []grouped.Metric{{Name: "medals", Expr: sqlexpr.Count()}},
		Leaf:        leaf,
		FilterBy:    filter,
		Coordinator: co,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Close)
	return &fixture{conn: conn, coord: co, filter: filter, b: b}
}

func ids(nodes []grouped.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestRootLevel(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t,
		[]string{`SELECT "sport", COUNT(*) AS "medals" FROM "results" GROUP BY "sport" ORDER BY "medals" DESC LIMIT 200`},
		f.conn.Queries())
	assert.Equal(t, []string{"Swimming", "Diving"}, ids(f.b.Rows()))
	assert.True(t, f.b.Rows()[0].Expandable)
}

func TestExpandIssuesOneConstrainedQuery(t *testing.T) {
	f := newFixture(t, nil)
	f.conn.ResetQueries()

	require.NoError(t, f.b.Expand(context.Background(), "Swimming"))
	qs := f.conn.Queries()
	require.Len(t, qs, 1)
	assert.Contains(t, qs[0], `WHERE ("sport" = 'Swimming') GROUP BY "country"`)
	assert.Equal(t, []string{"Swimming", "Swimming|NO", "Swimming|SE", "Diving"}, ids(f.b.Rows()))

	// the last level has no leaf rows configured
	assert.ErrorIs(t, f.b.Expand(context.Background(), "Swimming|NO"), grouped.ErrUnknownNode)
	assert.ErrorIs(t, f.b.Expand(context.Background(), "Rowing"), grouped.ErrUnknownNode)
}

func TestCollapseEvictsDescendants(t *testing.T) {
	f := newFixture(t, &grouped.Leaf{SelectAll: true})
	ctx := context.Background()
	require.NoError(t, f.b.Expand(ctx, "Swimming"))
	require.NoError(t, f.b.Expand(ctx, "Swimming|NO"))
	assert.Equal(t, []string{"Swimming", "Swimming|NO"}, f.b.Expanded())
	assert.Contains(t, f.conn.Last(), `SELECT * FROM "results" WHERE (("sport" = 'Swimming') AND ("country" = 'NO')) LIMIT 50`)

	f.b.Collapse("Swimming")
	assert.Empty(t, f.b.Expanded())
	assert.Equal(t, []string{"Swimming", "Diving"}, ids(f.b.Rows()))
}

func TestFilterChangeRefreshesAndPrunes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.b.Expand(ctx, "Swimming"))
	require.NoError(t, f.b.Expand(ctx, "Diving"))

	f.conn.ClearRules()
	f.conn.On(`GROUP BY "country"`, countries).
		On(`GROUP BY "sport"`, reactivetest.Rows([]string{"sport", "medals"}, []any{"Diving", int64(2)}))
	f.conn.ResetQueries()

	f.filter.Update(selection.Clause{Source: "year", Predicate: sqlexpr.Eq(sqlexpr.Column("year"), 2024)})
	f.coord.Idle()

	// root plus both expansions
	assert.Len(t, f.conn.Queries(), 3)
	for _, q := range f.conn.Queries() {
		assert.Contains(t, q, `("year" = 2024)`)
	}
	assert.Equal(t, []string{"Diving"}, f.b.Expanded())
	assert.Equal(t, []string{"Diving", "Diving|NO", "Diving|SE"}, ids(f.b.Rows()))
}

func TestRefreshRunsLevelsInParallel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.b.Expand(ctx, "Swimming"))
	require.NoError(t, f.b.Expand(ctx, "Diving"))
	f.conn.ResetQueries()

	f.conn.Hold()
	done := make(chan error, 1)
	go func() { done <- f.b.Refresh(ctx) }()
	assert.Eventually(t, func() bool { return len(f.conn.Queries()) == 3 }, time.Second, 5*time.Millisecond)
	f.conn.Release()
	require.NoError(t, <-done)
}

func TestStaleRefreshIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.conn.Hold()
	first := make(chan error, 1)
	go func() { first <- f.b.Refresh(ctx) }()
	assert.Eventually(t, func() bool { return len(f.conn.Queries()) == 2 }, time.Second, 5*time.Millisecond)

	f.conn.ClearRules()
	f.conn.On(`GROUP BY "sport"`, reactivetest.Rows([]string{"sport", "medals"}, []any{"Rowing", int64(1)}))
	second := make(chan error, 1)
	go func() { second <- f.b.Refresh(ctx) }()
	assert.Eventually(t, func() bool { return len(f.conn.Queries()) == 3 }, time.Second, 5*time.Millisecond)

	f.conn.Release()
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, []string{"Rowing"}, ids(f.b.Rows()))
}

func TestLevelErrorsAreCombined(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.b.Expand(ctx, "Swimming"))

	f.conn.ClearRules()
	f.conn.Fail(`GROUP BY "country"`, errors.New("child down")).On(`GROUP BY "sport"`, sports)
	err := f.b.Refresh(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "child down")
	// the root still refreshed and the expansion kept its previous rows
	assert.Equal(t, []string{"Swimming", "Swimming|NO", "Swimming|SE", "Diving"}, ids(f.b.Rows()))
}

func TestInvalidationRefreshes(t *testing.T) {
	f := newFixture(t, nil)
	f.conn.ResetQueries()
	f.coord.Invalidate("public.results")
	f.coord.Idle()
	assert.Len(t, f.conn.Matching(`GROUP BY "sport"`), 1)
}
