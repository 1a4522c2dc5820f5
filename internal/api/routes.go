package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zoravur/crossview/internal/protocol"
	"github.com/zoravur/crossview/internal/reactive"
	"github.com/zoravur/crossview/internal/selection"
)

// Deps are the shared resources the handlers serve.
type Deps struct {
	Views       *protocol.Registry
	Selections  *selection.Registry
	Coordinator *reactive.Coordinator
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// StaticDir, when set, is served at the root.
	StaticDir string
	Logger    *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.L()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	h := &handlers{Deps: d}
	ws := &WSHandler{Views: d.Views, Logger: d.Logger}

	r := chi.NewRouter()
	r.Use(LoggingMiddleware(d.Logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/views", h.listViews)
		r.Get("/views/{id}", h.getView)
		r.Post("/views/{id}/commands", h.postCommand)
		r.Post("/selections/reset", h.resetSelections)
		r.Post("/invalidate", h.invalidate)
		r.Get("/clients", h.listClients)
		r.Get("/ws", ws.HandleWS)
	})
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	if d.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(d.StaticDir)))
	}
	return r
}
