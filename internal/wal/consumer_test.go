package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type recorder struct{ calls [][]string }

func (r *recorder) Invalidate(tables ...string) { r.calls = append(r.calls, tables) }

func TestOnMessage(t *testing.T) {
	cases := []struct {
		name string
		line string
		want [][]string
	}{
		{
			name: "dedups tables of one transaction",
			line: `{"change":[
				{"kind":"update","schema":"public","table":"athletes","oldkeys":{"keynames":["id"],"keyvalues":[1]}},
				{"kind":"delete","schema":"public","table":"athletes","oldkeys":{"keynames":["id"],"keyvalues":[2]}},
				{"kind":"insert","schema":"stats","table":"results"}
			]}`,
			want: [][]string{{"public.athletes", "stats.results"}},
		},
		{name: "empty transaction", line: `{"change":[]}`},
		{name: "garbage", line: `not json`},
		{
			name: "missing schema",
			line: `{"change":[{"kind":"insert","table":"athletes"}]}`,
			want: [][]string{{"public.athletes"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &recorder{}
			c := &Consumer{Target: r, Log: zaptest.NewLogger(t)}
			c.OnMessage([]byte(tc.line))
			assert.Equal(t, tc.want, r.calls)
		})
	}
}
