package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shuttle/pkg/platform/middleware/auth"
	"shuttle/pkg/platform/middleware/requestid"
	"shuttle/pkg/platform/middleware/requesttime"
)

// NewRouter assembles the engine's HTTP surface. Everything under /v1
// requires a bearer token; health and metrics stay open for probes and
// scrapers.
func NewRouter(h *Handler, verifier *auth.Verifier, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(requesttime.Middleware)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(verifier, logger))
		h.Register(r)
	})
	return r
}
