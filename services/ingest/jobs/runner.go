package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"unpackd/services/ingest/cache"
	"unpackd/services/ingest/errs"
	"unpackd/services/ingest/extract"
	"unpackd/services/ingest/format"
	"unpackd/services/ingest/session"
	"unpackd/services/ingest/source"
	"unpackd/services/ingest/tree"
)

// Resolver fetches a source URL into a directory.
type Resolver interface {
	Resolve(ctx context.Context, rawURL, destDir string) (source.Download, error)
}

// RunnerDeps wires a Runner.
type RunnerDeps struct {
	Jobs      Store
	Cache     cache.Store
	Layout    session.Layout
	Resolver  Resolver
	Extractor *extract.Extractor
	Indexer   *tree.Indexer
	Logger    zerolog.Logger
}

// Runner executes the ingestion pipeline for one task.
type Runner struct {
	jobs      Store
	cache     cache.Store
	layout    session.Layout
	resolver  Resolver
	extractor *extract.Extractor
	indexer   *tree.Indexer
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func NewRunner(d RunnerDeps) (*Runner, error) {
	switch {
	case d.Jobs == nil:
		return nil, errors.New("job store is required")
	case d.Cache == nil:
		return nil, errors.New("cache store is required")
	case d.Resolver == nil:
		return nil, errors.New("resolver is required")
	case d.Layout.TempRoot == "" || d.Layout.ExtractRoot == "":
		return nil, errors.New("session layout is required")
	}
	if d.Extractor == nil {
		d.Extractor = extract.New(d.Logger)
	}
	if d.Indexer == nil {
		d.Indexer = tree.NewIndexer(d.Logger)
	}
	return &Runner{
		jobs:      d.Jobs,
		cache:     d.Cache,
		layout:    d.Layout,
		resolver:  d.Resolver,
		extractor: d.Extractor,
		indexer:   d.Indexer,
		logger:    d.Logger,
		tracer:    otel.Tracer("unpackd/jobs"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run claims the job, runs the pipeline and records the outcome. A task whose
// job was already claimed is acknowledged without doing anything.
func (r *Runner) Run(ctx context.Context, task Task) error {
	logger := r.logger.With().Str("job", task.JobID).Str("session", task.SessionID).Logger()

	started := r.now()
	if err := r.jobs.MarkStarted(ctx, task.JobID, started); err != nil {
		if errors.Is(err, ErrStateConflict) {
			logger.Info().Msg("job already claimed, skipping")
			return nil
		}
		return fmt.Errorf("claim job %s: %w", task.JobID, err)
	}
	r.writeCache(ctx, logger, task, cache.StatusStarted, "")
	logger.Info().Str("url", task.URL).Msg("job started")

	state, result, errMsg := r.execute(ctx, logger, task)

	status, structurePath := cache.StatusFailed, ""
	if state == StateSuccess && result != nil && result.Outcome == OutcomeSuccess {
		status = cache.StatusCompleted
		structurePath = tree.StructurePath(r.layout.Open(task.SessionID).ExtractDir)
	}
	r.writeCache(ctx, logger, task, status, structurePath)

	if err := r.jobs.Finish(ctx, task.JobID, state, result, errMsg, r.now()); err != nil {
		return fmt.Errorf("finish job %s: %w", task.JobID, err)
	}
	observeJob(state, result, time.Since(started))

	ev := logger.Info().Str("state", string(state))
	if result != nil {
		ev = ev.Str("outcome", string(result.Outcome)).Str("kind", string(result.ErrorKind))
	}
	ev.Msg("job finished")
	return nil
}

// ReapStale fails jobs that have been STARTED for longer than olderThan,
// which only happens when the process running them died. The cache record
// is marked FAILED only while it still belongs to the reaped job.
func (r *Runner) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := r.jobs.ListStale(ctx, r.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, job := range stale {
		logger := r.logger.With().Str("job", job.ID).Str("session", job.SessionID).Logger()
		fault := errs.Newf(errs.KindJobRuntimeFault, "reap", "job abandoned, started at %s", job.StartedAt.Format(time.RFC3339))
		if err := r.jobs.Finish(ctx, job.ID, StateFailure, nil, fault.Error(), r.now()); err != nil {
			if errors.Is(err, ErrStateConflict) {
				continue
			}
			return reaped, fmt.Errorf("reap job %s: %w", job.ID, err)
		}
		reaped++
		observeJob(StateFailure, nil, r.now().Sub(*job.StartedAt))

		rec, ok, err := r.cache.Lookup(ctx, job.Fingerprint)
		if err != nil {
			logger.Error().Err(err).Msg("look up cache record")
		} else if ok && rec.JobID == job.ID && rec.Status != cache.StatusCompleted {
			r.writeCache(ctx, logger, Task{JobID: job.ID, URL: job.URL, Fingerprint: job.Fingerprint, SessionID: job.SessionID}, cache.StatusFailed, "")
		}
		logger.Warn().Msg("stale job failed")
	}
	return reaped, nil
}

// Reap runs ReapStale every interval until ctx is done.
func (r *Runner) Reap(ctx context.Context, olderThan, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.ReapStale(ctx, olderThan); err != nil {
			r.logger.Error().Err(err).Msg("reap stale jobs")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) writeCache(ctx context.Context, logger zerolog.Logger, task Task, status cache.Status, structurePath string) {
	err := r.cache.Upsert(ctx, cache.Record{
		Fingerprint:   task.Fingerprint,
		SessionID:     task.SessionID,
		StructurePath: structurePath,
		Status:        status,
		JobID:         task.JobID,
	})
	if err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("update cache record")
	}
}

// execute never panics. Expected stage failures become a FAILURE outcome
// inside a SUCCESS job; anything else fails the job.
func (r *Runner) execute(ctx context.Context, logger zerolog.Logger, task Task) (state State, result *Result, errMsg string) {
	sess := r.layout.Open(task.SessionID)
	defer func() {
		if err := os.RemoveAll(sess.TempDir); err != nil {
			logger.Warn().Err(err).Msg("remove temp dir")
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("job panicked")
			fault := errs.Newf(errs.KindJobRuntimeFault, "run", "panic: %v", p)
			state, result, errMsg = StateFailure, nil, fault.Error()
		}
	}()

	res, err := r.pipeline(ctx, logger, task, sess)
	if err == nil {
		return StateSuccess, res, ""
	}
	kind := errs.KindOf(err)
	if kind == errs.KindJobRuntimeFault {
		logger.Error().Err(err).Msg("job failed")
		return StateFailure, nil, errs.New(errs.KindJobRuntimeFault, "run", err).Error()
	}
	logger.Warn().Err(err).Str("kind", string(kind)).Msg("pipeline stage failed")
	return StateSuccess, &Result{
		Outcome:   OutcomeFailure,
		SessionID: task.SessionID,
		Message:   err.Error(),
		ErrorKind: kind,
	}, ""
}

func (r *Runner) pipeline(ctx context.Context, logger zerolog.Logger, task Task, sess session.Session) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "ingest.pipeline", trace.WithAttributes(
		attribute.String("job.id", task.JobID),
		attribute.String("session.id", task.SessionID),
	))
	defer span.End()

	if err := os.MkdirAll(sess.TempDir, 0o755); err != nil {
		return nil, errs.New(errs.KindFilesystem, "session", err)
	}

	var dl source.Download
	if err := r.stage(ctx, "resolve", func(ctx context.Context) (err error) {
		dl, err = r.resolver.Resolve(ctx, task.URL, sess.TempDir)
		return err
	}); err != nil {
		return nil, err
	}

	var kind format.Kind
	if err := r.stage(ctx, "detect", func(context.Context) error {
		detected, path, renameErr := format.DetectWithRename(dl.Path, task.URL)
		if renameErr != nil {
			logger.Warn().Err(renameErr).Msg("rename download for detection")
		}
		if path != dl.Path {
			logger.Info().Str("from", dl.Path).Str("to", path).Msg("renamed download")
			dl.Path = path
		}
		if detected == format.KindUnknown {
			return errs.Newf(errs.KindFormatUndetermined, "detect", "cannot identify archive %s", dl.Filename)
		}
		kind = detected
		return nil
	}); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("archive.kind", string(kind)))

	if err := r.stage(ctx, "extract", func(ctx context.Context) error {
		stats, err := r.extractor.Extract(ctx, dl.Path, kind, sess.ExtractDir)
		logger.Info().Str("archive", string(kind)).Int("files", stats.Files).Int("skipped", stats.Skipped).Msg("extracted")
		return err
	}); err != nil {
		return nil, err
	}

	var structure *tree.Node
	if err := r.stage(ctx, "index", func(context.Context) (err error) {
		structure, err = r.indexer.Build(sess.ExtractDir, task.SessionID)
		return err
	}); err != nil {
		return nil, err
	}

	message := MessageProcessed
	if len(structure.Children) == 0 {
		message = MessageEmpty
	}
	return &Result{
		Outcome:   OutcomeSuccess,
		SessionID: task.SessionID,
		Structure: structure,
		Message:   message,
	}, nil
}

func (r *Runner) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "ingest."+name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.KindOf(err)))
		return err
	}
	return nil
}
