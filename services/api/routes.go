package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	if a.config.Middleware != nil {
		r.Use(a.config.Middleware)
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Range"},
		ExposedHeaders: []string{"Content-Length", "Content-Range"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if a.config.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(a.config.RateLimitPerMinute, time.Minute))
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(a.config.RequestTimeout))
			r.Get("/jobs/{id}", a.handleJobStatus)
		})

		// Submission may run a job inline when the queue is unavailable, so it
		// is not bounded by the request timeout either.
		r.Post("/archives", a.handleSubmit)

		// File bodies can be large; they are not bounded by the request timeout.
		r.Get("/files/{session}/*", a.handleFile)
		r.Head("/files/{session}/*", a.handleFile)
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	failed := map[string]string{}
	for _, rc := range a.config.ReadyChecks {
		if err := rc.Check(ctx); err != nil {
			failed[rc.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		a.config.Logger.Warn().Interface("failed", failed).Msg("not ready")
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
