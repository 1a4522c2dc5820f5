package engine

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/config"
	"github.com/zoravur/crossview/internal/reactive"
)

// Open connects the configured engine.
func Open(ctx context.Context, cfg config.Engine, log *zap.Logger) (reactive.Connector, error) {
	if cfg.Driver == "pgxpool" {
		return OpenPool(ctx, cfg.DSN, cfg.MaxConns, log)
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite" {
		// an in-memory database lives on one connection
		db.SetMaxOpenConns(1)
	} else if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(int(cfg.MaxConns))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	return NewSQL(db, cfg.Driver, log), nil
}
