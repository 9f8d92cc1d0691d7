package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"unpackd/services/ingest/gateway"
	"unpackd/services/ingest/jobs"
)

// Jobs accepts submissions and reports job state.
type Jobs interface {
	Submit(ctx context.Context, rawURL string) (jobs.Handle, error)
	Status(ctx context.Context, id string) (jobs.Job, error)
}

// Files resolves retrieval requests to files on disk.
type Files interface {
	Resolve(sessionID, relPath string) (gateway.File, error)
	RedirectPath(sessionID string, f gateway.File) string
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins     []string
	RateLimitPerMinute int
	RequestTimeout     time.Duration
	// Middleware wraps every request, typically tracing and request logging.
	Middleware  func(http.Handler) http.Handler
	ReadyChecks []ReadyCheck
	Logger      zerolog.Logger
}

// API wires the job service and retrieval gateway to HTTP.
type API struct {
	jobs   Jobs
	files  Files
	config Config
}

// New initialises the API layer with defaults applied to cfg.
func New(j Jobs, f Files, cfg Config) (*API, error) {
	if j == nil {
		return nil, errors.New("job service is required")
	}
	if f == nil {
		return nil, errors.New("file gateway is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &API{jobs: j, files: f, config: cfg}, nil
}
