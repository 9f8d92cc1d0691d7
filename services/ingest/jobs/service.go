package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"unpackd/services/ingest/cache"
	"unpackd/services/ingest/errs"
	"unpackd/services/ingest/session"
	"unpackd/services/ingest/source"
	"unpackd/services/ingest/tree"
)

// Handle is returned to a submitter. A cached handle already carries the
// structure and has no job in flight.
type Handle struct {
	JobID     string     `json:"job_id,omitempty"`
	SessionID string     `json:"session_id"`
	State     State      `json:"state"`
	Cached    bool       `json:"cached"`
	Structure *tree.Node `json:"structure,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// ServiceDeps wires a Service. Fallback runs tasks when Executor reports
// ErrQueueUnavailable; it may be nil.
type ServiceDeps struct {
	Jobs     Store
	Cache    cache.Store
	Layout   session.Layout
	Executor Executor
	Fallback Executor
	Logger   zerolog.Logger
}

// Service accepts submissions and answers status queries.
type Service struct {
	jobs     Store
	cache    cache.Store
	layout   session.Layout
	executor Executor
	fallback Executor
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(d ServiceDeps) (*Service, error) {
	switch {
	case d.Jobs == nil:
		return nil, errors.New("job store is required")
	case d.Cache == nil:
		return nil, errors.New("cache store is required")
	case d.Executor == nil:
		return nil, errors.New("executor is required")
	}
	return &Service{
		jobs:     d.Jobs,
		cache:    d.Cache,
		layout:   d.Layout,
		executor: d.Executor,
		fallback: d.Fallback,
		logger:   d.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Submit answers from the cache when possible and otherwise records a new
// job and hands it to the executor. It never waits for a pooled job.
func (s *Service) Submit(ctx context.Context, rawURL string) (Handle, error) {
	req, err := source.NewRequest(rawURL)
	if err != nil {
		return Handle{}, err
	}
	logger := s.logger.With().Str("fingerprint", req.Fingerprint).Logger()

	if h, ok := s.fromCache(ctx, logger, req); ok {
		return h, nil
	}

	sess, err := s.layout.New()
	if err != nil {
		return Handle{}, errs.New(errs.KindFilesystem, "submit", err)
	}
	jobID, err := uuid.NewV7()
	if err != nil {
		return Handle{}, fmt.Errorf("generate job id: %w", err)
	}

	job := Job{
		ID:          jobID.String(),
		Fingerprint: req.Fingerprint,
		URL:         req.URL,
		SessionID:   sess.ID,
		State:       StatePending,
		CreatedAt:   s.now(),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return Handle{}, fmt.Errorf("create job: %w", err)
	}
	if err := s.cache.Upsert(ctx, cache.Record{
		Fingerprint: req.Fingerprint,
		SessionID:   sess.ID,
		Status:      cache.StatusPending,
		JobID:       job.ID,
	}); err != nil {
		return Handle{}, fmt.Errorf("record pending cache entry: %w", err)
	}

	task := Task{JobID: job.ID, URL: req.URL, Fingerprint: req.Fingerprint, SessionID: sess.ID}
	// Processing outlives the submitting request.
	runCtx := context.WithoutCancel(ctx)
	if err := s.executor.Execute(runCtx, task); err != nil {
		if !errors.Is(err, ErrQueueUnavailable) || s.fallback == nil {
			return Handle{}, err
		}
		queueFallbacks.Inc()
		logger.Warn().Err(err).Str("job", job.ID).Msg("queue unavailable, running inline")
		if err := s.fallback.Execute(runCtx, task); err != nil {
			return Handle{}, err
		}
	}

	current, err := s.jobs.Get(ctx, job.ID)
	if err != nil {
		return Handle{}, err
	}
	logger.Info().Str("job", job.ID).Str("session", sess.ID).Str("state", string(current.State)).Msg("job submitted")
	return Handle{JobID: job.ID, SessionID: sess.ID, State: current.State}, nil
}

func (s *Service) fromCache(ctx context.Context, logger zerolog.Logger, req source.Request) (Handle, bool) {
	rec, ok, err := s.cache.Lookup(ctx, req.Fingerprint)
	if err != nil {
		logger.Error().Err(err).Msg("cache lookup failed, processing anew")
		return Handle{}, false
	}
	if !ok {
		return Handle{}, false
	}
	if !cache.Usable(rec) {
		logger.Info().Str("status", string(rec.Status)).Msg("cache record not usable, reprocessing")
		return Handle{}, false
	}
	structure, err := tree.Load(rec.StructurePath)
	if err != nil {
		logger.Warn().Err(err).Msg("cached structure unreadable, reprocessing")
		return Handle{}, false
	}
	cacheHits.Inc()
	return Handle{
		JobID:     rec.JobID,
		SessionID: rec.SessionID,
		State:     StateSuccess,
		Cached:    true,
		Structure: structure,
		Message:   MessageCached,
	}, true
}

// Status returns the job with the given id.
func (s *Service) Status(ctx context.Context, id string) (Job, error) {
	if id == "" {
		return Job{}, errs.Newf(errs.KindInvalidRequest, "status", "job id is required")
	}
	return s.jobs.Get(ctx, id)
}
