package reactive

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/logutil"
	"github.com/zoravur/crossview/pkg/sqlinfo"
)

// Go runs fn on a goroutine tracked by Idle and cancelled by Close.
func (c *Coordinator) Go(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// OnInvalidate registers fn to run after Invalidate and returns its remover.
func (c *Coordinator) OnInvalidate(fn func(tables []string)) func() {
	c.lmu.Lock()
	id := c.listenerID
	c.listenerID++
	c.listeners[id] = fn
	c.lmu.Unlock()
	return func() {
		c.lmu.Lock()
		delete(c.listeners, id)
		c.lmu.Unlock()
	}
}

// Invalidate reacts to data changes: it drops cached results and re-queries
// every client whose last statement reads one of tables ("schema.table").
// With no tables every client is re-queried.
func (c *Coordinator) Invalidate(tables ...string) {
	c.cache.clear()

	affected := 0
	for _, e := range c.reg.snapshot() {
		if len(tables) > 0 && !e.reads(tables) {
			continue
		}
		affected++
		c.RequestQuery(e.client)
	}
	c.log.Info("invalidated", logutil.Values(
		zap.Strings("tables", tables),
		zap.Int("clients", affected),
	))

	c.lmu.Lock()
	fns := make([]func([]string), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()
	for _, fn := range fns {
		fn(tables)
	}
}

// reads reports whether the entry's last statement touches any of tables.
// Statements that cannot be analysed count as touching everything.
func (e *entry) reads(tables []string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastSQL == "" {
		return false
	}
	if e.tables == nil {
		ts, err := sqlinfo.Tables(e.lastSQL)
		if err != nil {
			return true
		}
		e.tables = ts
	}
	for _, want := range tables {
		want = strings.ToLower(want)
		if !strings.Contains(want, ".") {
			want = "public." + want
		}
		for _, have := range e.tables {
			if have == want {
				return true
			}
		}
	}
	return false
}
