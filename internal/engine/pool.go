package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/reactive"
)

// Pool is a Connector over a pgx connection pool.
type Pool struct {
	pool   *pgxpool.Pool
	log    *zap.Logger
	schema *schema
}

// OpenPool connects to dsn. maxConns of zero keeps the pgx default.
func OpenPool(ctx context.Context, dsn string, maxConns int32, log *zap.Logger) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if log == nil {
		log = zap.L()
	}
	return &Pool{
		pool:   pool,
		log:    log.Named("engine"),
		schema: &schema{db: stdlib.OpenDBFromPool(pool)},
	}, nil
}

func (p *Pool) Query(ctx context.Context, q string) (*reactive.Table, error) {
	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}
	out := &reactive.Table{Columns: cols, Rows: []reactive.Row{}}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		for i, v := range values {
			values[i] = normalize(v)
		}
		out.Rows = append(out.Rows, reactive.MakeRow(cols, values))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pool) Describe(ctx context.Context, table string) ([]reactive.ColumnInfo, error) {
	return p.schema.describe(ctx, table)
}

func (p *Pool) PrimaryKey(ctx context.Context, table string) ([]string, error) {
	return p.schema.primaryKey(ctx, table)
}

func (p *Pool) Close() error {
	p.log.Debug("closing pool")
	err := p.schema.db.Close()
	p.pool.Close()
	return err
}

// normalize maps pgx value types onto the plain Go types clients expect.
func normalize(v any) any {
	switch t := v.(type) {
	case pgtype.Numeric:
		if !t.Valid {
			return nil
		}
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return numericString(t)
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(t).String()
	case time.Time:
		return t.UTC()
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	case float32:
		return float64(t)
	}
	return v
}

func numericString(n pgtype.Numeric) string {
	if n.Int == nil {
		return "0"
	}
	r := new(big.Rat).SetInt(n.Int)
	if n.Exp > 0 {
		r.Mul(r, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil)))
	} else if n.Exp < 0 {
		r.Quo(r, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-n.Exp)), nil)))
	}
	return r.FloatString(int(max(-n.Exp, 0)))
}

var _ reactive.Connector = (*Pool)(nil)
