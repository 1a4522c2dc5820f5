// Package sidecar holds the narrow clients that sit next to a table: a
// facet menu of distinct values and a binned histogram. Each publishes its
// own clause and keeps its own error.
package sidecar

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sqlexpr"
)

type base struct {
	id     selection.Source
	log    *zap.Logger
	coord  *reactive.Coordinator
	filter *selection.Selection
	output *selection.Selection

	mu        sync.Mutex
	err       error
	fetching  bool
	connected bool
	closed    bool
	listeners map[int]func()
	nextID    int
}

func (b *base) init(id string, coord *reactive.Coordinator, filter, output *selection.Selection, log *zap.Logger, name string) {
	if log == nil {
		log = zap.L()
	}
	b.id = selection.Source(id)
	b.log = log.Named(name).With(zap.String("client", id))
	b.coord = coord
	b.filter = filter
	b.output = output
	b.listeners = map[int]func(){}
}

func (b *base) ID() selection.Source           { return b.id }
func (b *base) FilterBy() *selection.Selection { return b.filter }

func (b *base) QueryPending() {
	b.mu.Lock()
	b.fetching = true
	b.mu.Unlock()
	b.notify()
}

func (b *base) QueryError(err error) {
	b.mu.Lock()
	b.fetching = false
	b.err = err
	b.mu.Unlock()
	b.notify()
}

// Err returns the last query failure, cleared by the next success.
func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Subscribe registers fn to run after every state change.
func (b *base) Subscribe(fn func()) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *base) notify() {
	b.mu.Lock()
	fns := make([]func(), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (b *base) connect(ctx context.Context, cl reactive.Client) error {
	b.mu.Lock()
	if b.connected || b.closed {
		b.mu.Unlock()
		return nil
	}
	b.connected = true
	b.mu.Unlock()
	if err := b.coord.Connect(ctx, cl); err != nil {
		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *base) disconnect(cl reactive.Client) {
	b.mu.Lock()
	was := b.connected
	b.connected = false
	b.fetching = false
	b.mu.Unlock()
	if was {
		b.coord.Disconnect(cl)
	}
}

func (b *base) isConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *base) publish(value any, pred sqlexpr.Expr) {
	if b.output == nil {
		return
	}
	b.output.Update(selection.Clause{Source: b.id, Owner: b.id, Value: value, Predicate: pred})
}

// close marks the client closed and clears its clause.
func (b *base) close(cl reactive.Client) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.disconnect(cl)
	if b.output != nil {
		b.output.Clear(b.id)
	}
}
