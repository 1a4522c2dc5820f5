package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/config"
	"github.com/zoravur/crossview/internal/engine"
	"github.com/zoravur/crossview/internal/protocol"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sqlexpr"
)

const seed = `
CREATE TABLE athletes (id INTEGER PRIMARY KEY, name TEXT, sport TEXT, nationality TEXT, gold INTEGER);
INSERT INTO athletes VALUES
	(1, 'Ana', 'Swimming', 'ESP', 2),
	(2, 'Ben', 'Rowing', 'GBR', 0),
	(3, 'Cai', 'Swimming', 'CHN', 1);
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg, err := config.Load(filepath.Join("testdata", "app.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	conn, err := engine.Open(ctx, cfg.Engine, zap.NewNop())
	require.NoError(t, err)
	_, err = conn.(*engine.SQL).DB().Exec(seed)
	require.NoError(t, err)

	s, err := NewServer(ctx, cfg, Options{Logger: zap.NewNop(), Connector: conn})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	s.Coord.Idle()
	return s
}

func TestServerBuildsViews(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, []protocol.ViewInfo{
		{ID: "athletes", Kind: "table"},
		{ID: "by-nation", Kind: "grouped"},
		{ID: "gold", Kind: "histogram"},
		{ID: "sport", Kind: "facet"},
	}, s.Views.List())
	assert.Equal(t, 3, s.Selections.Len())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/views/athletes", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap struct {
		Data struct {
			TotalRowCount int64 `json:"totalRowCount"`
		} `json:"data"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Empty(t, snap.Error)
	assert.Equal(t, int64(3), snap.Data.TotalRowCount)
}

func TestServerCommandFlow(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/views/sport/commands",
		strings.NewReader(`{"action":"toggle","args":{"value":"Swimming"}}`)))
	require.Equal(t, http.StatusNoContent, rec.Code)
	s.Coord.Idle()

	v, ok := s.Views.Get("athletes")
	require.True(t, ok)
	data, err := v.Snapshot()
	require.NoError(t, err)
	b, err := json.Marshal(data)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"totalRowCount":2`)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/selections/reset", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, s.Graph["filters"].Predicate(""))
	s.Coord.Idle()
}

func TestServerBridge(t *testing.T) {
	s := newTestServer(t)
	s.Graph["medals"].Update(selection.Clause{
		Source:    "medal-table",
		Predicate: sqlexpr.Raw(`SUM("gold") > 1`),
	})
	assert.Equal(t,
		`("nationality" IN (SELECT "nationality" FROM "athletes" GROUP BY "nationality" HAVING SUM("gold") > 1))`,
		s.Graph["nations"].Predicate("").SQL())
}
