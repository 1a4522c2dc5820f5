// Package bridge translates a filter over summarized values into a filter at
// detail granularity. It runs no query of its own.
package bridge

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sqlexpr"
)

// ResolveFunc maps an aggregate-level predicate and the detail-level context
// to a detail-level predicate.
type ResolveFunc func(input, context sqlexpr.Expr) (sqlexpr.Expr, error)

// Config wires a bridge between selections.
type Config struct {
	// Source tags the output clause; defaults to "bridge:<output name>".
	Source  selection.Source
	Input   *selection.Selection
	Context *selection.Selection
	Output  *selection.Selection
	Resolve ResolveFunc
	Logger  *zap.Logger
}

type Bridge struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	err    error
	unsubs []func()
	closed bool
}

// New subscribes to the input and context selections and publishes the
// current translation.
func New(cfg Config) (*Bridge, error) {
	if cfg.Input == nil || cfg.Output == nil || cfg.Resolve == nil {
		return nil, errors.New("bridge: input, output and resolve are required")
	}
	if cfg.Source == "" {
		cfg.Source = selection.Source("bridge:" + cfg.Output.Name())
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	b := &Bridge{cfg: cfg, log: cfg.Logger.Named("bridge").With(zap.String("source", string(cfg.Source)))}
	b.unsubs = append(b.unsubs, cfg.Input.OnChange(b.onChange))
	if cfg.Context != nil {
		b.unsubs = append(b.unsubs, cfg.Context.OnChange(b.onChange))
	}
	b.sync()
	return b, nil
}

// onChange ignores the bridge's own writes, which reach it when the context
// is, or includes, the output.
func (b *Bridge) onChange(ev selection.Event) {
	if ev.Source == b.cfg.Source {
		return
	}
	b.sync()
}

func (b *Bridge) sync() {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	input := b.cfg.Input.PredicateWithout(b.cfg.Source, b.cfg.Source)
	if sqlexpr.IsTrivial(input) {
		b.setErr(nil)
		b.publish(nil, nil)
		return
	}
	var ctx sqlexpr.Expr
	if b.cfg.Context != nil {
		ctx = b.cfg.Context.PredicateWithout(b.cfg.Source, b.cfg.Source)
	}
	out, err := b.cfg.Resolve(input, ctx)
	if err == nil && out == nil {
		err = errors.New("resolve returned no predicate")
	}
	if err != nil {
		b.log.Warn("resolve failed", zap.Error(err))
		b.setErr(fmt.Errorf("bridge %s: %w", b.cfg.Source, err))
		b.publish(nil, nil)
		return
	}
	b.setErr(nil)
	b.publish(input.SQL(), out)
}

// publish writes pred to the output unless the output already holds it. A
// nil pred clears the bridge's clause.
func (b *Bridge) publish(value any, pred sqlexpr.Expr) {
	var current sqlexpr.Expr
	for _, c := range b.cfg.Output.Clauses() {
		if c.Source == b.cfg.Source {
			current = c.Predicate
			break
		}
	}
	if sqlexpr.Equal(current, pred) {
		return
	}
	b.cfg.Output.Update(selection.Clause{Source: b.cfg.Source, Value: value, Predicate: pred})
}

func (b *Bridge) setErr(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

// Err returns the last resolve failure.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close unsubscribes and clears the output clause.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	b.cfg.Output.Clear(b.cfg.Source)
}

// KeyInSubquery resolves to
// key IN (SELECT key FROM table WHERE context GROUP BY key HAVING input).
func KeyInSubquery(table, key string) ResolveFunc {
	return func(input, context sqlexpr.Expr) (sqlexpr.Expr, error) {
		k := sqlexpr.Column(key)
		sub := sqlexpr.Select(sqlexpr.Col(key)).
			From(table).
			Where(context).
			GroupBy(k).
			Having(input)
		return sqlexpr.InQuery(k, sub), nil
	}
}
