package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/pkg/catalog"
)

// schema answers Describe and primary key lookups from information_schema,
// loading the catalog on first use.
type schema struct {
	db *sql.DB

	mu  sync.Mutex
	cat *catalog.Catalog
}

func (s *schema) table(ctx context.Context, name string) (catalog.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cat == nil {
		c, err := catalog.Load(ctx, s.db)
		if err != nil {
			return catalog.Table{}, err
		}
		s.cat = c
	}
	t, ok := s.cat.Table(name)
	if !ok {
		// the table may have been created after the catalog was loaded
		if err := s.cat.Refresh(ctx, s.db); err != nil {
			return catalog.Table{}, err
		}
		if t, ok = s.cat.Table(name); !ok {
			return catalog.Table{}, fmt.Errorf("unknown table %q", name)
		}
	}
	return t, nil
}

func (s *schema) describe(ctx context.Context, name string) ([]reactive.ColumnInfo, error) {
	t, err := s.table(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]reactive.ColumnInfo, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = reactive.ColumnInfo{Name: c.Name, Type: c.Type, Nullable: c.Nullable}
	}
	return out, nil
}

func (s *schema) primaryKey(ctx context.Context, name string) ([]string, error) {
	t, err := s.table(ctx, name)
	if err != nil {
		return nil, err
	}
	return t.PK, nil
}
