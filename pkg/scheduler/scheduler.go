// Package scheduler decides when classification passes and imports start, and
// runs classification passes in the background.
//
// Single-flight is enforced through a lease persisted on the job record
// rather than an in-memory flag, so it holds across processes and a worker
// that dies mid-pass only blocks the job until the lease expires.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jdziat/importflow/pkg/classify"
	"github.com/jdziat/importflow/pkg/core"
	"github.com/jdziat/importflow/pkg/security"
	"github.com/jdziat/importflow/pkg/store"
)

// DefaultLeaseTTL is how long a classification pass may hold the job's check
// lease before another worker may take over.
const DefaultLeaseTTL = 10 * time.Minute

// FileClassifier produces a compatibility verdict for one staged file.
type FileClassifier interface {
	Classify(ctx context.Context, stagedPath string) classify.Result
}

// ImportRunner executes the import pass for a job.
type ImportRunner func(ctx context.Context, jobID string)

// Scheduler owns the classification lifecycle for jobs.
type Scheduler struct {
	store      *store.Store
	classifier FileClassifier
	supervisor *Supervisor
	logger     *slog.Logger

	leaseTTL time.Duration
	now      func() time.Time
	emit     func(core.Event)
	importFn ImportRunner
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLeaseTTL overrides the classification lease duration.
func WithLeaseTTL(d time.Duration) Option {
	return func(s *Scheduler) { s.leaseTTL = d }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithEvents registers an event sink. The sink must not block.
func WithEvents(emit func(core.Event)) Option {
	return func(s *Scheduler) { s.emit = emit }
}

// WithImportRunner registers the import pass to trigger when a job becomes
// ready with no further classification work.
func WithImportRunner(fn ImportRunner) Option {
	return func(s *Scheduler) { s.importFn = fn }
}

// New creates a Scheduler.
func New(st *store.Store, classifier FileClassifier, sup *Supervisor, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      st,
		classifier: classifier,
		supervisor: sup,
		logger:     logger,
		leaseTTL:   DefaultLeaseTTL,
		now:        time.Now,
		emit:       func(core.Event) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaybeStartClassification starts a background classification pass for the
// job when one is due: there are unclassified uploaded entries, no other pass
// holds the lease, and either a full batch is waiting or uploads have
// finished. The decision and lease acquisition happen in one atomic update,
// so concurrent callers cannot both start a pass.
func (s *Scheduler) MaybeStartClassification(ctx context.Context, jobID string) (bool, error) {
	started := false
	pendingCount := 0

	_, err := s.store.Update(ctx, jobID, func(j *core.Job) error {
		if j.Terminal() || j.Status == core.StatusImporting || j.Confirmed {
			// A confirmed job is import-bound; reclassifying it could race
			// the import pass and flip the status back to checking.
			return nil
		}
		if j.CheckLeaseActive(s.now()) {
			return nil
		}

		pending := j.CompatibilityPending()
		if len(pending) == 0 {
			core.RecomputeCompatibility(j)
			core.RefreshStatus(j)
			return nil
		}

		batch := security.ClampBatchSize(j.BatchSize, security.DefaultBatchSize)
		if len(pending) < batch && j.HasPendingUploads() {
			// Not enough for a batch yet and more uploads are coming.
			return nil
		}

		j.CheckLease = s.now().Add(s.leaseTTL)
		j.CompatibilityStatus = core.CompatStatusChecking
		j.Status = core.StatusChecking
		started = true
		pendingCount = len(pending)
		return nil
	})
	if err != nil {
		return false, err
	}
	if !started {
		return false, nil
	}

	// The pass outlives the request that triggered it.
	ok := s.supervisor.Go(context.WithoutCancel(ctx), "classification", func(ctx context.Context) {
		s.runPass(ctx, jobID)
	})
	if !ok {
		// Shutting down. Release the lease so another process (or the next
		// trigger) can run the pass instead of waiting out the TTL.
		_, _ = s.store.Update(ctx, jobID, func(j *core.Job) error {
			j.CheckLease = time.Time{}
			return nil
		})
		return false, nil
	}

	s.emit(&core.ClassificationStarted{JobID: jobID, Pending: pendingCount, Timestamp: s.now()})
	return true, nil
}

// runPass classifies one batch of entries, applies the verdicts, releases the
// lease, and chains the next step (another pass, or the import).
func (s *Scheduler) runPass(ctx context.Context, jobID string) {
	job, err := s.store.Load(ctx, jobID)
	if err != nil {
		// The lease expires on its own; a later trigger retries.
		s.logger.Error("classification pass aborted", "job_id", jobID, "error", err)
		return
	}

	pending := job.CompatibilityPending()
	batch := security.ClampBatchSize(job.BatchSize, security.DefaultBatchSize)
	if len(pending) > batch {
		pending = pending[:batch]
	}

	type verdict struct {
		rel string
		res classify.Result
	}
	results := make([]verdict, len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(security.ClampWaveWorkers(len(pending)))
	for i, idx := range pending {
		entry := job.Entries[idx]
		g.Go(func() error {
			results[i] = verdict{rel: entry.RelativePath, res: s.classifier.Classify(gctx, entry.StagedPath)}
			return nil
		})
	}
	_ = g.Wait()

	updated, err := s.store.Update(ctx, jobID, func(j *core.Job) error {
		for _, v := range results {
			e := j.EntryByPath(v.rel)
			if e == nil || e.Compatibility != core.CompatUnset {
				continue
			}
			switch v.res.Status {
			case classify.StatusCompatible:
				e.Compatibility = core.CompatCompatible
			case classify.StatusIncompatible:
				e.Compatibility = core.CompatIncompatible
				e.CompatibilityErrors = append(e.CompatibilityErrors, security.SanitizeMessage(v.res.Details))
			default:
				e.Compatibility = core.CompatError
				e.CompatibilityErrors = append(e.CompatibilityErrors, security.SanitizeMessage(v.res.Details))
			}
		}
		j.CheckLease = time.Time{}
		core.RecomputeCompatibility(j)
		core.RefreshStatus(j)
		return nil
	})
	if err != nil {
		s.logger.Error("applying classification results failed", "job_id", jobID, "error", err)
		return
	}

	s.emit(&core.ClassificationCompleted{JobID: jobID, Checked: len(results), Timestamp: s.now()})
	s.logger.Info("classification pass finished",
		"job_id", jobID, "checked", len(results), "status", string(updated.Status))

	if len(updated.CompatibilityPending()) > 0 {
		if _, err := s.MaybeStartClassification(ctx, jobID); err != nil {
			s.logger.Error("chaining classification pass failed", "job_id", jobID, "error", err)
		}
		return
	}
	if updated.Status == core.StatusReady {
		if _, err := s.MaybeStartImport(ctx, jobID); err != nil {
			s.logger.Error("starting import after classification failed", "job_id", jobID, "error", err)
		}
	}
}

// MaybeStartImport starts the import pass for a ready job exactly once. The
// one-shot flag flips inside the same atomic update that checks it, so
// concurrent callers cannot double-start an import.
func (s *Scheduler) MaybeStartImport(ctx context.Context, jobID string) (bool, error) {
	started := false
	_, err := s.store.Update(ctx, jobID, func(j *core.Job) error {
		if j.Status != core.StatusReady || j.ImportStarted {
			return nil
		}
		j.ImportStarted = true
		started = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !started {
		return false, nil
	}

	if s.importFn != nil {
		ok := s.supervisor.Go(context.WithoutCancel(ctx), "import", func(ctx context.Context) {
			s.importFn(ctx, jobID)
		})
		if !ok {
			// Shutting down. Unset the one-shot flag so the job is not stuck
			// with an import that never ran.
			_, _ = s.store.Update(ctx, jobID, func(j *core.Job) error {
				j.ImportStarted = false
				return nil
			})
			return false, nil
		}
	}

	s.emit(&core.ImportStarted{JobID: jobID, Timestamp: s.now()})
	return true, nil
}
