package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/l0p7/offlinegate/internal/runtime"
	"github.com/l0p7/offlinegate/internal/runtime/notify"
)

// ControlPrefix roots the management API. Every other path is intercepted.
const ControlPrefix = "/_offlinegate"

// RouterOptions wires the HTTP surface to the worker. Metrics and Online are
// optional.
type RouterOptions struct {
	Worker        *runtime.Worker
	Notifications *notify.Center
	Windows       *notify.Registry
	Metrics       http.Handler
	Online        func() bool
	Logger        *slog.Logger
}

// NewRouter mounts the control API, the metrics endpoint, and the catch-all
// interception handler.
func NewRouter(opts RouterOptions) (http.Handler, error) {
	switch {
	case opts.Worker == nil:
		return nil, errors.New("server: worker required")
	case opts.Notifications == nil:
		return nil, errors.New("server: notification center required")
	case opts.Windows == nil:
		return nil, errors.New("server: window registry required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &control{
		worker:        opts.Worker,
		notifications: opts.Notifications,
		windows:       opts.Windows,
		online:        opts.Online,
		logger:        logger.With(slog.String("agent", "control")),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route(ControlPrefix, func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(c.requestLogger)

		r.Get("/healthz", c.health)
		r.Get("/generation", c.generation)
		r.Post("/install", c.install)
		r.Post("/activate", c.activate)
		r.Post("/sync", c.sync)
		r.Get("/queue", c.pending)
		r.Get("/queue/parked", c.parked)
		r.Post("/push", c.push)
		r.Get("/notifications", c.listNotifications)
		r.Post("/notifications/{id}/click", c.click)
		r.Get("/clients", c.listClients)
		r.Post("/clients", c.openClient)
		r.Delete("/clients/{id}", c.closeClient)
	})

	r.HandleFunc("/*", opts.Worker.ServeFetch)
	return r, nil
}

func (c *control) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		c.logger.LogAttrs(r.Context(), slog.LevelInfo, "control request completed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("http_status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
		)
	})
}
