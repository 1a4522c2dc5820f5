package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/bridge"
	"github.com/zoravur/crossview/internal/config"
	"github.com/zoravur/crossview/internal/grouped"
	"github.com/zoravur/crossview/internal/protocol"
	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sidecar"
	"github.com/zoravur/crossview/internal/sqlexpr"
	"github.com/zoravur/crossview/internal/table"
)

// primaryKeyer is implemented by engines that know primary keys.
type primaryKeyer interface {
	PrimaryKey(ctx context.Context, table string) ([]string, error)
}

// builder instantiates configured views against one coordinator.
type builder struct {
	coord *reactive.Coordinator
	conn  reactive.Connector
	graph selection.Graph
	views *protocol.Registry
	log   *zap.Logger

	closers []func()
}

func (b *builder) sel(name string) *selection.Selection {
	if name == "" {
		return nil
	}
	return b.graph[name]
}

func (b *builder) build(ctx context.Context, cfg *config.Config) error {
	for _, bc := range cfg.Bridges {
		br, err := bridge.New(bridge.Config{
			Input:   b.sel(bc.Input),
			Context: b.sel(bc.Context),
			Output:  b.sel(bc.Output),
			Resolve: bridge.KeyInSubquery(bc.Table, bc.Key),
			Logger:  b.log,
		})
		if err != nil {
			return err
		}
		b.closers = append(b.closers, br.Close)
	}
	for _, v := range cfg.Views {
		if err := b.view(ctx, v); err != nil {
			return fmt.Errorf("view %s: %w", v.ID, err)
		}
	}
	return nil
}

func (b *builder) view(ctx context.Context, v config.View) error {
	switch v.Kind {
	case config.ViewTable:
		return b.table(ctx, v)
	case config.ViewFacet:
		f, err := sidecar.NewFacet(sidecar.FacetConfig{
			ID:          v.ID,
			Table:       v.From,
			Column:      v.Column,
			Array:       v.Array,
			Limit:       v.Limit,
			Debounce:    v.DebounceInterval(),
			Deferred:    v.Deferred,
			FilterBy:    b.sel(v.FilterBy),
			Output:      b.sel(v.Output),
			Coordinator: b.coord,
			Logger:      b.log,
		})
		if err != nil {
			return err
		}
		if err := f.Start(ctx); err != nil {
			return err
		}
		b.closers = append(b.closers, f.Close)
		b.views.Add(protocol.FacetView{F: f})
	case config.ViewHistogram:
		h, err := sidecar.NewHistogram(sidecar.HistogramConfig{
			ID:          v.ID,
			Table:       v.From,
			Column:      v.Column,
			Step:        v.Step,
			Bins:        v.Bins,
			FilterBy:    b.sel(v.FilterBy),
			Output:      b.sel(v.Output),
			Coordinator: b.coord,
			Logger:      b.log,
		})
		if err != nil {
			return err
		}
		if err := h.Start(ctx); err != nil {
			return err
		}
		b.closers = append(b.closers, h.Close)
		b.views.Add(protocol.HistogramView{H: h})
	case config.ViewGrouped:
		metrics := make([]grouped.Metric, len(v.Metrics))
		for i, m := range v.Metrics {
			metrics[i] = grouped.Metric{Name: m.Name, Expr: sqlexpr.Raw(m.Expr)}
		}
		var leaf *grouped.Leaf
		if v.Leaf.Limit > 0 || v.Leaf.SelectAll || len(v.Leaf.Columns) > 0 {
			leaf = &grouped.Leaf{Limit: v.Leaf.Limit, SelectAll: v.Leaf.SelectAll, Columns: v.Leaf.Columns}
		}
		g, err := grouped.New(grouped.Config{
			ID:            v.ID,
			From:          v.From,
			GroupBy:       v.GroupBy,
			Metrics:       metrics,
			PrimaryMetric: v.PrimaryMetric,
			RowLimit:      v.RowLimit,
			Leaf:          leaf,
			FilterBy:      b.sel(v.FilterBy),
			Coordinator:   b.coord,
			Logger:        b.log,
		})
		if err != nil {
			return err
		}
		// a failed first refresh is kept on the view, not fatal
		if err := g.Start(ctx); err != nil {
			b.log.Warn("grouped refresh failed", zap.String("view", v.ID), zap.Error(err))
		}
		b.closers = append(b.closers, g.Close)
		b.views.Add(protocol.GroupedView{B: g})
	}
	return nil
}

func (b *builder) table(ctx context.Context, v config.View) error {
	cols := make([]table.Column, len(v.Columns))
	for i, c := range v.Columns {
		cols[i] = table.Column{ID: c.ID, Aggregate: c.Aggregate}
		if c.Expr != "" {
			cols[i].Expr = sqlexpr.Raw(c.Expr)
		}
	}
	pk := v.PrimaryKey
	if len(pk) == 0 {
		if pker, ok := b.conn.(primaryKeyer); ok {
			found, err := pker.PrimaryKey(ctx, v.From)
			if err != nil {
				b.log.Warn("primary key lookup failed", zap.String("table", v.From), zap.Error(err))
			}
			pk = found
		}
	}
	t, err := table.New(table.Config{
		ID:                  v.ID,
		Columns:             cols,
		From:                v.From,
		PrimaryKey:          pk,
		Grouping:            v.Grouping,
		PageSize:            v.PageSize,
		EnableRowSelection:  v.RowSelection,
		GlobalFilterColumns: v.GlobalColumns,
		FilterBy:            b.sel(v.FilterBy),
		InternalFilter:      b.sel(v.InternalFilter),
		RowSelection:        b.sel(v.SelectionOut),
		Hover:               b.sel(v.Hover),
		Click:               b.sel(v.Click),
		Coordinator:         b.coord,
		Logger:              b.log,
	})
	if err != nil {
		return err
	}
	if err := t.Connect(ctx); err != nil {
		return err
	}
	b.closers = append(b.closers, t.Close)
	b.views.Add(protocol.TableView{T: t})
	return nil
}

// close tears views down in reverse order.
func (b *builder) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
