// Package app assembles the server from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/api"
	"github.com/zoravur/crossview/internal/config"
	"github.com/zoravur/crossview/internal/engine"
	"github.com/zoravur/crossview/internal/protocol"
	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/wal"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	cfg *config.Config
	log *zap.Logger

	httpServer *http.Server
	Coord      *reactive.Coordinator
	Selections *selection.Registry
	Views      *protocol.Registry
	Graph      selection.Graph

	views      *builder
	unregister func()

	closeOnce sync.Once
	closeErr  error
}

// Options carry what the configuration file does not.
type Options struct {
	StaticDir string
	Logger    *zap.Logger
	// Connector replaces the configured engine.
	Connector reactive.Connector
}

// NewServer connects the engine and builds the selection graph and views.
func NewServer(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}

	graph, err := selection.BuildGraph(cfg.Selections)
	if err != nil {
		return nil, err
	}

	conn := opts.Connector
	if conn == nil {
		if conn, err = engine.Open(ctx, cfg.Engine, log); err != nil {
			return nil, err
		}
	}
	coord := reactive.NewCoordinator(conn,
		reactive.WithLogger(log),
		reactive.WithCacheSize(cfg.Cache.Size),
		reactive.WithQueryTimeout(cfg.Engine.QueryTimeout()),
	)

	sels := selection.NewRegistry()
	views := protocol.NewRegistry()
	s := &Server{
		cfg:        cfg,
		log:        log,
		Coord:      coord,
		Selections: sels,
		Views:      views,
		Graph:      graph,
		unregister: sels.RegisterGraph(graph),
		views:      &builder{coord: coord, conn: conn, graph: graph, views: views, log: log},
	}
	if err := s.views.build(ctx, cfg); err != nil {
		return nil, multierr.Append(err, s.Close())
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(reactive.Metrics...)
	metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s.httpServer = &http.Server{
		Addr: cfg.Listen,
		Handler: api.SetupRoutes(api.Deps{
			Views:       views,
			Selections:  sels,
			Coordinator: coord,
			Gatherer:    metrics,
			StaticDir:   opts.StaticDir,
			Logger:      log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves HTTP and, when enabled, follows the change feed until ctx is
// done or the process receives SIGINT or SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	if s.cfg.WAL.Enabled {
		go s.listenWAL(ctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("shutting down")
	case runErr = <-errc:
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Combine(runErr, s.httpServer.Shutdown(sctx), s.Close())
}

// listenWAL consumes wal2json change events and invalidates the tables
// they touch.
func (s *Server) listenWAL(ctx context.Context) {
	log := s.log.Named("wal")
	consumer := &wal.Consumer{Target: s.Coord, Log: log}
	stream := &wal.Stream{
		DSN:    s.cfg.WAL.DSN,
		Slot:   s.cfg.WAL.Slot,
		Plugin: s.cfg.WAL.Plugin,
		Handle: consumer.OnMessage,
		Log:    log,
	}
	if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("change feed stopped", zap.Error(err))
	}
}

// Close tears down views and the coordinator, which closes the engine.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.views.close()
		s.unregister()
		for _, name := range s.Graph.Names() {
			s.Graph[name].Detach()
		}
		s.closeErr = s.Coord.Close()
	})
	return s.closeErr
}
