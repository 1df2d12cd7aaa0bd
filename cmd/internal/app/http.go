package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// readinessCheck reports whether one dependency can serve traffic.
type readinessCheck struct {
	name  string
	check func(ctx context.Context) error
}

type routes struct {
	log     Logger
	gateway http.Handler
	// metrics is nil when the endpoint is disabled.
	metrics http.Handler
	ready   []readinessCheck
}

// newRouter mounts the reserved endpoints and routes every other path to the document gateway.
func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		for _, c := range rt.ready {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			err := c.check(ctx)
			cancel()
			if err != nil {
				rt.log.Info("readyz.not_ready", "check", c.name, "err", err)
				http.Error(w, c.name+" not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics)
	}

	r.Handle("/*", rt.gateway)
	return r
}
