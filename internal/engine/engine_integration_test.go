//go:build integration

package engine_test

import (
	"context"
	"embed"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoravur/crossview/internal/config"
	"github.com/zoravur/crossview/internal/engine"
	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sidecar"
	"github.com/zoravur/crossview/pkg/fixgres"
)

//go:embed testdata/migrations/*.sql
var migrations embed.FS

func TestMain(m *testing.M) {
	sub, err := fs.Sub(migrations, "testdata/migrations")
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := fixgres.Boot(ctx, fixgres.WithGooseUp(sub)); err != nil {
		cancel()
		panic(err)
	}
	cancel()
	code := m.Run()
	_ = fixgres.ShutdownNow()
	os.Exit(code)
}

type result struct {
	AthleteID int    `faker:"boundary_start=1, boundary_end=1000"`
	Event     string `faker:"oneof: 100m, 200m, relay"`
	Medal     string `faker:"oneof: gold, silver, bronze"`
}

func TestPoolDescribesSchema(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	sbx.Exec(t,
		`CREATE TABLE results (athlete_id INT, year INT, medal TEXT, PRIMARY KEY (athlete_id, year))`,
		`INSERT INTO athletes (name, sport, nationality, weight, gold, born) VALUES
			('Ana', 'Swimming', 'ESP', 61.5, 2, '1990-04-01T00:00:00Z'),
			('Ben', 'Rowing', 'GBR', 90, 0, NULL)`,
	)
	t.Cleanup(func() { sbx.Exec(t, `TRUNCATE athletes RESTART IDENTITY`) })

	ctx := context.Background()
	p, err := engine.OpenPool(ctx, sbx.DSN, 4, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Close()

	cols, err := p.Describe(ctx, "athletes")
	require.NoError(t, err)
	require.Len(t, cols, 7)
	assert.Equal(t, reactive.ColumnInfo{Name: "id", Type: "integer", Nullable: false}, cols[0])
	assert.Equal(t, "numeric", cols[4].Type)

	pk, err := p.PrimaryKey(ctx, "athletes")
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, pk)

	// created after the first lookup loaded the catalog
	pk, err = p.PrimaryKey(ctx, "results")
	require.NoError(t, err)
	assert.Equal(t, []string{"athlete_id", "year"}, pk)

	res, err := p.Query(ctx, `SELECT "name", "weight", "gold", "born" FROM "athletes" ORDER BY "id"`)
	require.NoError(t, err)
	require.Equal(t, 2, res.NumRows())
	assert.Equal(t, 61.5, res.Get(0)["weight"])
	assert.Equal(t, int64(2), res.Get(0)["gold"])
	assert.Equal(t, time.Date(1990, 4, 1, 0, 0, 0, 0, time.UTC), res.Get(0)["born"])
	assert.Nil(t, res.Get(1)["born"])
}

func TestStdlibDriverMatchesPool(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	sbx.Exec(t, `CREATE TABLE results (athlete_id INT, event TEXT, medal TEXT)`)
	for i := 0; i < 20; i++ {
		var r result
		require.NoError(t, sbx.Fake(&r))
		_, err := sbx.DB.Exec(`INSERT INTO results VALUES ($1, $2, $3)`, r.AthleteID, r.Event, r.Medal)
		require.NoError(t, err)
	}

	ctx := context.Background()
	for _, driver := range []string{"pgx", "postgres", "pgxpool"} {
		t.Run(driver, func(t *testing.T) {
			conn, err := engine.Open(ctx, config.Engine{Driver: driver, DSN: sbx.DSN}, zaptest.NewLogger(t))
			require.NoError(t, err)
			defer conn.Close()

			res, err := conn.Query(ctx, `SELECT COUNT(*) AS "n" FROM "results"`)
			require.NoError(t, err)
			assert.Equal(t, int64(20), res.Get(0)["n"])

			cols, err := conn.Describe(ctx, "results")
			require.NoError(t, err)
			assert.Len(t, cols, 3)
		})
	}
}

func TestFacetOverPostgres(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	sbx.Exec(t,
		`CREATE TABLE athletes (id INT PRIMARY KEY, sport TEXT, tags TEXT[])`,
		`INSERT INTO athletes VALUES
			(1, 'Swimming', '{water,pool}'),
			(2, 'Rowing', '{water}'),
			(3, 'Swimming', '{pool}')`,
	)

	ctx := context.Background()
	p, err := engine.OpenPool(ctx, sbx.DSN, 2, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer p.Close()

	coord := reactive.NewCoordinator(p, reactive.WithLogger(zaptest.NewLogger(t)))
	out := selection.NewIntersect("tags")
	f, err := sidecar.NewFacet(sidecar.FacetConfig{
		ID: "tags", Table: "athletes", Column: "tags", Array: true,
		Output: out, Coordinator: coord,
	})
	require.NoError(t, err)
	require.NoError(t, f.Start(ctx))
	defer f.Close()
	coord.Idle()

	opts := f.Options()
	require.Len(t, opts, 2)
	assert.Equal(t, sidecar.Option{Value: "pool", Count: 2}, opts[0])
	assert.Equal(t, sidecar.Option{Value: "water", Count: 2}, opts[1])

	f.Toggle("water")
	assert.Equal(t, `('water' = ANY("tags"))`, out.Predicate("").SQL())
}
