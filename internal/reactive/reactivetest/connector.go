// Package reactivetest provides an in-memory Connector for tests.
package reactivetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zoravur/crossview/internal/reactive"
)

// Rule answers queries containing Match.
type Rule struct {
	Match string
	Table *reactive.Table
	Err   error
}

// Connector records every statement and answers from rules. The first
// matching rule wins; unmatched statements get an empty table.
type Connector struct {
	mu      sync.Mutex
	rules   []Rule
	queries []string
	schemas map[string][]reactive.ColumnInfo
	hold    chan struct{}
	blocks  []block
	closed  bool
}

type block struct {
	match string
	ch    chan struct{}
}

func New() *Connector {
	return &Connector{schemas: map[string][]reactive.ColumnInfo{}}
}

// On adds a rule returning t for statements containing match.
func (c *Connector) On(match string, t *reactive.Table) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, Rule{Match: match, Table: t})
	return c
}

// Fail adds a rule failing statements containing match.
func (c *Connector) Fail(match string, err error) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, Rule{Match: match, Err: err})
	return c
}

// ClearRules drops every rule.
func (c *Connector) ClearRules() {
	c.mu.Lock()
	c.rules = nil
	c.mu.Unlock()
}

// Schema declares the columns Describe returns for table.
func (c *Connector) Schema(table string, cols ...reactive.ColumnInfo) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas[table] = cols
	return c
}

// Hold makes subsequent queries block until Release.
func (c *Connector) Hold() {
	c.mu.Lock()
	if c.hold == nil {
		c.hold = make(chan struct{})
	}
	c.mu.Unlock()
}

// Release unblocks held queries.
func (c *Connector) Release() {
	c.mu.Lock()
	h := c.hold
	c.hold = nil
	c.mu.Unlock()
	if h != nil {
		close(h)
	}
}

// Block makes the next statement containing match wait until the returned
// release is called. Unlike Hold it lets a test choose the order in which
// concurrent statements complete.
func (c *Connector) Block(match string) (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.blocks = append(c.blocks, block{match: match, ch: ch})
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (c *Connector) Query(ctx context.Context, sql string) (*reactive.Table, error) {
	c.mu.Lock()
	c.queries = append(c.queries, sql)
	hold := c.hold
	for i, b := range c.blocks {
		if strings.Contains(sql, b.match) {
			c.blocks = append(c.blocks[:i], c.blocks[i+1:]...)
			hold = b.ch
			break
		}
	}
	rules := append([]Rule(nil), c.rules...)
	c.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for _, r := range rules {
		if strings.Contains(sql, r.Match) {
			if r.Err != nil {
				return nil, r.Err
			}
			return r.Table, nil
		}
	}
	return &reactive.Table{Rows: []reactive.Row{}}, nil
}

func (c *Connector) Describe(_ context.Context, table string) ([]reactive.ColumnInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cols, ok := c.schemas[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	return cols, nil
}

func (c *Connector) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Queries returns the recorded statements.
func (c *Connector) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queries...)
}

// Matching returns recorded statements containing s.
func (c *Connector) Matching(s string) []string {
	var out []string
	for _, q := range c.Queries() {
		if strings.Contains(q, s) {
			out = append(out, q)
		}
	}
	return out
}

// Last returns the most recent statement.
func (c *Connector) Last() string {
	qs := c.Queries()
	if len(qs) == 0 {
		return ""
	}
	return qs[len(qs)-1]
}

// ResetQueries forgets recorded statements.
func (c *Connector) ResetQueries() {
	c.mu.Lock()
	c.queries = nil
	c.mu.Unlock()
}

// Rows builds a table from column names and positional rows.
func Rows(cols []string, rows ...[]any) *reactive.Table {
	t := &reactive.Table{Columns: cols, Rows: []reactive.Row{}}
	for _, r := range rows {
		t.Rows = append(t.Rows, reactive.MakeRow(cols, r))
	}
	return t
}
