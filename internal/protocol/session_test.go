package protocol_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/protocol"
	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/internal/reactive/reactivetest"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sidecar"
	"github.com/zoravur/crossview/internal/table"
)

type fixture struct {
	conn  *reactivetest.Connector
	coord *reactive.Coordinator
	sel   *selection.Selection
	views *protocol.Registry
	sess  *protocol.Session
	msgs  chan map[string]any
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := reactivetest.New().On(`COUNT(*) AS "count"`, &reactive.Table{
		Columns: []string{"value", "count"},
		Rows: []reactive.Row{
			{"value": "Swimming", "count": int64(12)},
			{"value": "Rowing", "count": int64(7)},
		},
	})
	coord := reactive.NewCoordinator(conn, reactive.WithLogger(zap.NewNop()), reactive.WithCacheSize(0))
	sel := selection.NewCrossfilter("filters")

	facet, err := sidecar.NewFacet(sidecar.FacetConfig{
		ID: "sport", Table: "athletes", Column: "sport",
		FilterBy: sel, Output: sel, Coordinator: coord, Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, facet.Start(context.Background()))

	tbl, err := table.New(table.Config{
		ID: "athletes", From: "athletes",
		Columns:     []table.Column{{ID: "name"}, {ID: "weight"}},
		FilterBy:    sel,
		Coordinator: coord,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, tbl.Connect(context.Background()))
	coord.Idle()

	views := protocol.NewRegistry()
	views.Add(protocol.FacetView{F: facet})
	views.Add(protocol.TableView{T: tbl})

	f := &fixture{
		conn: conn, coord: coord, sel: sel, views: views,
		sess: protocol.NewSession(views, zap.NewNop()),
		msgs: make(chan map[string]any, 64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go f.sess.Run(ctx, func(v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		f.msgs <- m
		return nil
	})
	t.Cleanup(func() {
		cancel()
		f.sess.Close()
		facet.Close()
		tbl.Close()
		coord.Idle()
	})
	return f
}

func (f *fixture) send(t *testing.T, msg string) {
	t.Helper()
	f.sess.HandleMessage(context.Background(), []byte(msg))
}

// next returns the next message of type typ, skipping others.
func (f *fixture) next(t *testing.T, typ string) map[string]any {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-f.msgs:
			if m["type"] == typ {
				return m
			}
		case <-timeout:
			t.Fatalf("no %q message", typ)
			return nil
		}
	}
}

// until returns every message up to and including the first of type typ.
func (f *fixture) until(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-f.msgs:
			out = append(out, m)
			if m["type"] == typ {
				return out
			}
		case <-timeout:
			t.Fatalf("no %q message", typ)
			return nil
		}
	}
}

func (f *fixture) lastTableQuery(t *testing.T) string {
	t.Helper()
	qs := f.conn.Matching("__total_rows")
	require.NotEmpty(t, qs)
	return qs[len(qs)-1]
}

func TestSubscribePushesSnapshot(t *testing.T) {
	f := newFixture(t)
	f.send(t, `{"type":"subscribe","id":"1","view":"sport"}`)

	ack := f.next(t, protocol.TypeSubscribed)
	assert.Equal(t, "1", ack["id"])

	snap := f.next(t, protocol.TypeSnapshot)
	assert.Equal(t, "sport", snap["view"])
	assert.Equal(t, "facet", snap["kind"])
	opts := snap["data"].(map[string]any)["options"].([]any)
	require.Len(t, opts, 2)
	assert.Equal(t, "Swimming", opts[0].(map[string]any)["value"])
	assert.Equal(t, 1, f.sess.Subscriptions())
}

func TestCommandUpdatesSelectionAndPushes(t *testing.T) {
	f := newFixture(t)
	f.send(t, `{"type":"subscribe","view":"sport"}`)
	f.next(t, protocol.TypeSnapshot)

	f.send(t, `{"type":"command","id":"c1","view":"sport","action":"toggle","args":{"value":"Rowing"}}`)
	msgs := f.until(t, protocol.TypeAck)
	assert.Equal(t, "c1", msgs[len(msgs)-1]["id"])
	assert.Equal(t, `("sport" = 'Rowing')`, f.sel.Predicate("").SQL())

	// the toggle notifies before the ack is queued
	var snap map[string]any
	for _, m := range msgs {
		if m["type"] == protocol.TypeSnapshot {
			snap = m
		}
	}
	require.NotNil(t, snap)
	selected := snap["data"].(map[string]any)["selected"].([]any)
	assert.Equal(t, []any{"Rowing"}, selected)
	f.coord.Idle()
	assert.Contains(t, f.lastTableQuery(t), `("sport" = 'Rowing')`)
}

func TestRangeColumnFilter(t *testing.T) {
	f := newFixture(t)
	f.send(t, `{"type":"command","view":"athletes","action":"setColumnFilter","args":{"column":"weight","value":{"min":50,"max":60}}}`)
	f.next(t, protocol.TypeAck)
	f.coord.Idle()
	assert.Contains(t, f.lastTableQuery(t), `("weight" BETWEEN 50 AND 60)`)
}

func TestErrors(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		msg  string
		want string
	}{
		{`{"type":"subscribe","view":"nope"}`, "unknown view"},
		{`{"type":"command","view":"nope","action":"toggle"}`, "unknown view"},
		{`{"type":"command","view":"sport","action":"explode"}`, `unknown action "explode"`},
		{`{"type":"command","view":"athletes","action":"setColumnFilter","args":{"column":"height","value":1}}`, "unknown column"},
		{`{"type":"dance"}`, "unknown message type"},
		{`not json`, "invalid JSON"},
	}
	for _, tc := range cases {
		f.send(t, tc.msg)
		m := f.next(t, protocol.TypeError)
		assert.Contains(t, m["error"], tc.want, tc.msg)
	}
}

func TestUnsubscribeStopsPushes(t *testing.T) {
	f := newFixture(t)
	f.send(t, `{"type":"subscribe","view":"sport"}`)
	f.next(t, protocol.TypeSnapshot)
	f.send(t, `{"type":"unsubscribe","view":"sport"}`)
	f.next(t, protocol.TypeUnsubscribed)
	assert.Equal(t, 0, f.sess.Subscriptions())
}

func TestListViews(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []protocol.ViewInfo{
		{ID: "athletes", Kind: "table"},
		{ID: "sport", Kind: "facet"},
	}, f.views.List())
}
