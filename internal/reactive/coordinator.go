// Package reactive connects clients to the analytical engine: it runs the
// metadata round trip, re-queries clients when the selections they filter
// by change, and drops results that a newer request has superseded.
package reactive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/logutil"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sqlexpr"
)

var (
	ErrAlreadyConnected = errors.New("client already connected")
	ErrNotConnected     = errors.New("client not connected")
)

const defaultCacheSize = 256

var tracer = otel.Tracer("github.com/zoravur/crossview/internal/reactive")

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithCacheSize sets the result cache capacity; 0 disables caching.
func WithCacheSize(n int) Option { return func(c *Coordinator) { c.cacheSize = n } }

// WithQueryTimeout bounds every engine round trip.
func WithQueryTimeout(d time.Duration) Option { return func(c *Coordinator) { c.timeout = d } }

// Coordinator dispatches client queries to a Connector.
type Coordinator struct {
	conn      Connector
	log       *zap.Logger
	reg       *Registry
	cacheSize int
	cache     *resultCache
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lmu        sync.Mutex
	listeners  map[int]func(tables []string)
	listenerID int
}

func NewCoordinator(conn Connector, opts ...Option) *Coordinator {
	c := &Coordinator{
		conn:      conn,
		log:       zap.L(),
		reg:       NewRegistry(),
		cacheSize: defaultCacheSize,
		listeners: map[int]func([]string){},
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("coord")
	c.cache = newResultCache(c.cacheSize)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Registry exposes the dispatch table for inspection.
func (c *Coordinator) Registry() *Registry { return c.reg }

// Connect registers cl, runs the fields round trip when the client kind asks
// for it, subscribes to the client's filter selection and issues the
// initial query. Metadata failures are reported through QueryError.
func (c *Coordinator) Connect(ctx context.Context, cl Client) error {
	e, ok := c.reg.register(cl)
	if !ok {
		return fmt.Errorf("connect %s: %w", cl.ID(), ErrAlreadyConnected)
	}
	c.log.Debug("client connected", logutil.Source("client", cl.ID()), zap.Stringer("kind", cl.Kind()))

	if cl.Kind().wantsFields() && len(cl.Fields()) > 0 {
		c.loadFields(ctx, e)
	}

	if sel := cl.FilterBy(); sel != nil {
		unsub := sel.OnChange(func(selection.Event) { c.RequestQuery(cl) })
		e.mu.Lock()
		e.unsub = unsub
		e.mu.Unlock()
	}

	c.RequestQuery(cl)
	return nil
}

// Disconnect removes cl. Results still in flight are ignored on arrival.
func (c *Coordinator) Disconnect(cl Client) {
	e, ok := c.reg.unregister(cl.ID())
	if !ok {
		return
	}
	e.mu.Lock()
	e.state = Disconnected
	unsub := e.unsub
	e.unsub = nil
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	c.log.Debug("client disconnected", logutil.Source("client", cl.ID()))
}

// State reports the connection state of cl.
func (c *Coordinator) State(cl Client) State {
	e, ok := c.reg.get(cl.ID())
	if !ok {
		return Unconnected
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RequestQuery asks for a fresh query of cl. At most one query per client is
// in flight; a request made meanwhile is coalesced and served with the latest
// state once the in-flight query returns, whose result is then dropped.
func (c *Coordinator) RequestQuery(cl Client) {
	e, ok := c.reg.get(cl.ID())
	if !ok {
		return
	}
	e.mu.Lock()
	if e.state == Disconnected {
		e.mu.Unlock()
		return
	}
	if e.inflight {
		e.dirty = true
		e.mu.Unlock()
		return
	}
	e.inflight = true
	e.gen++
	gen := e.gen
	e.mu.Unlock()

	c.issue(e, gen)
}

// loadFields runs the fields round trip for e's client. A failure is
// reported through QueryError and the round trip is retried before the
// client's next query.
func (c *Coordinator) loadFields(ctx context.Context, e *entry) {
	cl := e.client
	info, err := c.fieldInfo(ctx, cl.Fields())
	e.mu.Lock()
	e.needFields = err != nil
	e.mu.Unlock()
	if err != nil {
		c.log.Warn("field info failed", logutil.Source("client", cl.ID()), zap.Error(err))
		cl.QueryError(err)
		return
	}
	cl.FieldInfo(info)
}

func (c *Coordinator) issue(e *entry, gen uint64) {
	e.mu.Lock()
	retry := e.needFields && e.state != Disconnected
	e.mu.Unlock()
	if !retry {
		c.query(e, gen)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loadFields(c.ctx, e)
		c.query(e, gen)
	}()
}

func (c *Coordinator) query(e *entry, gen uint64) {
	cl := e.client
	var filter sqlexpr.Expr
	if sel := cl.FilterBy(); sel != nil {
		filter = sel.Predicate(cl.ID())
	}
	q := cl.Query(filter)

	if q == nil {
		e.mu.Lock()
		if e.dirty && e.state != Disconnected {
			e.dirty = false
			e.gen++
			next := e.gen
			e.mu.Unlock()
			c.issue(e, next)
			return
		}
		e.inflight = false
		if e.state != Disconnected {
			e.state = Idle
		}
		e.mu.Unlock()
		return
	}

	sql := q.String()
	e.mu.Lock()
	if e.state == Disconnected {
		e.mu.Unlock()
		return
	}
	if e.lastSQL != sql {
		e.lastSQL = sql
		e.tables = nil
	}
	e.state = Pending
	e.mu.Unlock()

	cl.QueryPending()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t, err := c.exec(c.ctx, cl.Kind(), sql)
		c.complete(e, gen, t, err)
	}()
}

func (c *Coordinator) complete(e *entry, gen uint64, t *Table, err error) {
	cl := e.client
	e.mu.Lock()
	if e.state == Disconnected {
		e.mu.Unlock()
		return
	}
	if gen != e.gen {
		e.mu.Unlock()
		StaleCounter.WithLabelValues(cl.Kind().String()).Inc()
		return
	}
	if e.dirty {
		e.dirty = false
		e.gen++
		next := e.gen
		e.mu.Unlock()
		StaleCounter.WithLabelValues(cl.Kind().String()).Inc()
		c.issue(e, next)
		return
	}
	e.inflight = false
	e.state = Idle
	e.mu.Unlock()

	if err != nil {
		c.log.Warn("query failed", logutil.Source("client", cl.ID()), zap.Error(err))
		cl.QueryError(err)
		return
	}
	cl.QueryResult(t)
}

// Query runs sql outside of any client's lifecycle.
func (c *Coordinator) Query(ctx context.Context, sql string) (*Table, error) {
	return c.exec(ctx, KindCustom, sql)
}

func (c *Coordinator) exec(ctx context.Context, kind Kind, sql string) (*Table, error) {
	if t, ok := c.cache.get(sql); ok {
		CacheHitsCounter.Inc()
		return t, nil
	}

	ctx, span := tracer.Start(ctx, "engine.query", trace.WithAttributes(
		attribute.String("db.statement", sql),
		attribute.String("client.kind", kind.String()),
	))
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	label := kind.String()
	QueriesCounter.WithLabelValues(label).Inc()
	start := time.Now()
	t, err := c.conn.Query(ctx, sql)
	QueryHistogram.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		ErrorsCounter.WithLabelValues(label).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query: %w", err)
	}
	c.log.Debug("query done", zap.String("kind", label), zap.Int("rows", t.NumRows()), zap.Duration("took", time.Since(start)))
	c.cache.put(sql, t)
	return t, nil
}

func (c *Coordinator) fieldInfo(ctx context.Context, reqs []FieldRequest) ([]FieldInfo, error) {
	described := map[string][]ColumnInfo{}
	out := make([]FieldInfo, 0, len(reqs))
	for _, r := range reqs {
		cols, ok := described[r.Table]
		if !ok {
			var err error
			cols, err = c.conn.Describe(ctx, r.Table)
			if err != nil {
				return nil, fmt.Errorf("describe %s: %w", r.Table, err)
			}
			described[r.Table] = cols
		}
		info := FieldInfo{Table: r.Table, Column: r.Column}
		found := false
		for _, col := range cols {
			if col.Name == r.Column {
				info.Type, info.Nullable, found = col.Type, col.Nullable, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("describe %s: unknown column %q", r.Table, r.Column)
		}
		if r.Stats {
			if err := c.stats(ctx, &info); err != nil {
				return nil, err
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *Coordinator) stats(ctx context.Context, info *FieldInfo) error {
	col := sqlexpr.Column(info.Column)
	q := sqlexpr.Select(
		sqlexpr.As(sqlexpr.Func("MIN", col), "min"),
		sqlexpr.As(sqlexpr.Func("MAX", col), "max"),
		sqlexpr.As(sqlexpr.Raw("COUNT(DISTINCT "+col.SQL()+")"), "n_distinct"),
	).From(info.Table)
	t, err := c.exec(ctx, KindCustom, q.String())
	if err != nil {
		return fmt.Errorf("stats %s.%s: %w", info.Table, info.Column, err)
	}
	if r := t.Get(0); r != nil {
		info.Min, info.Max = r["min"], r["max"]
		if n, ok := toInt64(r["n_distinct"]); ok {
			info.Distinct = n
		}
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case float64:
		return int64(t), true
	}
	return 0, false
}

// Idle blocks until no query issued through a client is in flight.
func (c *Coordinator) Idle() { c.wg.Wait() }

// Close cancels outstanding queries, waits for them and closes the connector.
func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()
	return c.conn.Close()
}
