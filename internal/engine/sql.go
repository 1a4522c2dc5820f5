// Package engine holds the Connector implementations the coordinator
// talks to.
package engine

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/internal/sqlexpr"
)

// SQL is a Connector over database/sql.
type SQL struct {
	db     *sql.DB
	driver string
	log    *zap.Logger
	schema *schema
}

// NewSQL wraps an open handle. driver selects how tables are described:
// "postgres" and "pgx" read information_schema, anything else probes the
// table with a zero-row select.
func NewSQL(db *sql.DB, driver string, log *zap.Logger) *SQL {
	if log == nil {
		log = zap.L()
	}
	s := &SQL{db: db, driver: driver, log: log.Named("engine")}
	if driver == "postgres" || driver == "pgx" {
		s.schema = &schema{db: db}
	}
	return s
}

func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Query(ctx context.Context, q string) (*reactive.Table, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return reactive.ScanRows(rows)
}

func (s *SQL) Describe(ctx context.Context, table string) ([]reactive.ColumnInfo, error) {
	if s.schema != nil {
		return s.schema.describe(ctx, table)
	}
	return s.probe(ctx, table)
}

// PrimaryKey returns table's primary key columns. Engines without a
// catalog report none.
func (s *SQL) PrimaryKey(ctx context.Context, table string) ([]string, error) {
	if s.schema == nil {
		return nil, nil
	}
	return s.schema.primaryKey(ctx, table)
}

func (s *SQL) probe(ctx context.Context, table string) ([]reactive.ColumnInfo, error) {
	q := sqlexpr.Select().From(table).Limit(0).String()
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	out := make([]reactive.ColumnInfo, len(types))
	for i, t := range types {
		nullable, ok := t.Nullable()
		out[i] = reactive.ColumnInfo{
			Name:     t.Name(),
			Type:     strings.ToLower(t.DatabaseTypeName()),
			Nullable: nullable || !ok,
		}
	}
	return out, nil
}

func (s *SQL) Close() error {
	s.log.Debug("closing", zap.String("driver", s.driver))
	return s.db.Close()
}

var _ reactive.Connector = (*SQL)(nil)
