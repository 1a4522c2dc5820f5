package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/api"
	"github.com/zoravur/crossview/internal/protocol"
	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/internal/reactive/reactivetest"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sidecar"
)

type env struct {
	srv   *httptest.Server
	conn  *reactivetest.Connector
	coord *reactive.Coordinator
	sel   *selection.Selection
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn := reactivetest.New().On(`COUNT(*) AS "count"`, &reactive.Table{
		Columns: []string{"value", "count"},
		Rows:    []reactive.Row{{"value": "Swimming", "count": int64(3)}},
	})
	coord := reactive.NewCoordinator(conn, reactive.WithLogger(zap.NewNop()), reactive.WithCacheSize(0))
	sel := selection.NewCrossfilter("filters")
	sels := selection.NewRegistry()
	sels.Register(sel)

	facet, err := sidecar.NewFacet(sidecar.FacetConfig{
		ID: "sport", Table: "athletes", Column: "sport",
		FilterBy: sel, Output: sel, Coordinator: coord, Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, facet.Start(context.Background()))
	coord.Idle()

	views := protocol.NewRegistry()
	views.Add(protocol.FacetView{F: facet})

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(reactive.QueriesCounter)

	srv := httptest.NewServer(api.SetupRoutes(api.Deps{
		Views:       views,
		Selections:  sels,
		Coordinator: coord,
		Gatherer:    metrics,
		Logger:      zap.NewNop(),
	}))
	t.Cleanup(func() {
		srv.Close()
		facet.Close()
		coord.Idle()
	})
	return &env{srv: srv, conn: conn, coord: coord, sel: sel}
}

func (e *env) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(b)
}

func TestViews(t *testing.T) {
	e := newEnv(t)

	res, body := e.do(t, http.MethodGet, "/api/views", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `[{"id":"sport","kind":"facet"}]`, body)
	assert.NotEmpty(t, res.Header.Get("X-Request-ID"))

	res, body = e.do(t, http.MethodGet, "/api/views/sport", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var snap protocol.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, "snapshot", snap.Type)
	assert.Contains(t, body, `"Swimming"`)

	res, _ = e.do(t, http.MethodGet, "/api/views/nope", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestCommandsAndReset(t *testing.T) {
	e := newEnv(t)

	res, _ := e.do(t, http.MethodPost, "/api/views/sport/commands", `{"action":"toggle","args":{"value":"Swimming"}}`)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, `("sport" = 'Swimming')`, e.sel.Predicate("").SQL())

	res, _ = e.do(t, http.MethodPost, "/api/views/sport/commands", `{"action":"explode"}`)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = e.do(t, http.MethodPost, "/api/views/sport/commands", `{`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = e.do(t, http.MethodPost, "/api/selections/reset", "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Nil(t, e.sel.Predicate(""))
	e.coord.Idle()
}

func TestInvalidateRequeries(t *testing.T) {
	e := newEnv(t)
	before := len(e.conn.Queries())
	res, _ := e.do(t, http.MethodPost, "/api/invalidate", `{"tables":["public.athletes"]}`)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	e.coord.Idle()
	assert.Len(t, e.conn.Queries(), before+1)

	res, body := e.do(t, http.MethodGet, "/api/clients", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, `"id":"sport"`)
	assert.Contains(t, body, `"kind":"facet"`)
}

func TestMetrics(t *testing.T) {
	e := newEnv(t)
	res, body := e.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "crossview_coordinator_queries_total")
}

func TestWebsocketSession(t *testing.T) {
	e := newEnv(t)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "subscribe", "id": "s1", "view": "sport"}))

	seen := map[string]map[string]any{}
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(seen) < 2 {
		var m map[string]any
		require.NoError(t, ws.ReadJSON(&m))
		seen[m["type"].(string)] = m
	}
	assert.Equal(t, "s1", seen["subscribed"]["id"])
	assert.Equal(t, "sport", seen["snapshot"]["view"])
}
