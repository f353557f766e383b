// Package importer executes the import pass for ready jobs: importing staged
// files into the remote store dataset by dataset, with per-entry failure
// isolation, and running the bundle post-processing phase (plots and
// attachments) when enabled.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jdziat/importflow/pkg/core"
	"github.com/jdziat/importflow/pkg/remote"
	"github.com/jdziat/importflow/pkg/security"
	"github.com/jdziat/importflow/pkg/store"
)

// Orchestrator runs import passes.
type Orchestrator struct {
	store      *store.Store
	dialer     remote.Dialer
	service    remote.ConnParams
	uploadRoot string
	logger     *slog.Logger

	now   func() time.Time
	emit  func(core.Event)
	locks *ownerLocks
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithServiceParams sets the privileged connection used for the attachment
// phase. Without it, bundle attachments are skipped with a job error.
func WithServiceParams(p remote.ConnParams) Option {
	return func(o *Orchestrator) { o.service = p }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithEvents registers an event sink. The sink must not block.
func WithEvents(emit func(core.Event)) Option {
	return func(o *Orchestrator) { o.emit = emit }
}

// New creates an Orchestrator. uploadRoot is the staging area holding one
// directory per job.
func New(st *store.Store, dialer remote.Dialer, uploadRoot string, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		dialer:     dialer,
		uploadRoot: uploadRoot,
		logger:     logger,
		now:        time.Now,
		emit:       func(core.Event) {},
		locks:      newOwnerLocks(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StagingDir returns the staging directory for a job.
func (o *Orchestrator) StagingDir(jobID string) string {
	return filepath.Join(o.uploadRoot, jobID)
}

// ImportJob runs the full import pass for the job. It serializes with other
// imports of the same owner, isolates per-entry failures, and always leaves
// the job in a terminal state. A panic anywhere in the pass is recorded on
// the job instead of crashing the worker.
func (o *Orchestrator) ImportJob(ctx context.Context, jobID string) (err error) {
	job, err := o.store.Load(ctx, jobID)
	if err != nil {
		return err
	}

	unlock := o.locks.acquire(job.Owner)
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("import pass panicked", "job_id", jobID, "panic", r)
			o.failJob(ctx, jobID, fmt.Sprintf("import crashed: %v", r))
			err = fmt.Errorf("import pass panicked: %v", r)
		}
	}()

	// Another worker may have finished the job while we waited on the owner
	// lock.
	job, err = o.store.Update(ctx, jobID, func(j *core.Job) error {
		if j.Terminal() {
			return core.ErrJobTerminal
		}
		j.Status = core.StatusImporting
		j.AppendMessage("import started")
		return nil
	})
	if errors.Is(err, core.ErrJobTerminal) {
		o.logger.Info("import skipped, job already finished", "job_id", jobID)
		return nil
	}
	if err != nil {
		return err
	}

	params := remote.ConnParams{
		Host:       job.Host,
		Port:       job.Port,
		SessionKey: job.SessionKey,
		GroupID:    job.GroupID,
	}
	if !params.Valid() {
		o.failJob(ctx, jobID, core.ErrMissingConnection.Error())
		return core.ErrMissingConnection
	}
	if _, statErr := os.Stat(o.StagingDir(jobID)); statErr != nil {
		o.failJob(ctx, jobID, core.ErrStagingMissing.Error())
		return core.ErrStagingMissing
	}

	conn, err := o.dialer.Dial(ctx, params)
	if err != nil {
		o.failJob(ctx, jobID, fmt.Sprintf("connecting to remote store: %v", err))
		return err
	}
	defer conn.Close()

	if job.SpecialUpload == core.SpecialUploadBundle {
		job, err = o.prepareBundle(ctx, jobID)
		if err != nil {
			o.failJob(ctx, jobID, fmt.Sprintf("preparing bundle associations: %v", err))
			return err
		}
	}

	resolver := newDatasetResolver(conn, job)
	o.runImportWaves(ctx, conn, resolver, job)

	if job.SpecialUpload == core.SpecialUploadBundle {
		o.runBundlePhase(ctx, conn, resolver, jobID)
	}

	final, err := o.store.Update(ctx, jobID, func(j *core.Job) error {
		failed := 0
		for i := range j.Entries {
			if j.Entries[i].Status == core.EntryError {
				failed++
			}
		}
		if failed == 0 && len(j.Errors) == 0 {
			j.Status = core.StatusDone
		} else {
			j.Status = core.StatusError
			if failed > 0 {
				j.AppendError(fmt.Sprintf("%d file(s) failed to import", failed))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	o.emit(&core.JobFinished{JobID: jobID, Status: final.Status, Timestamp: o.now()})
	o.logger.Info("import pass finished",
		"job_id", jobID, "status", string(final.Status), "imported_bytes", final.ImportedBytes)
	return nil
}

// prepareBundle derives and persists the primary-to-auxiliary associations
// when the request did not supply them, and excludes auxiliaries from the
// import waves. Auxiliaries are handled by the attachment phase instead.
func (o *Orchestrator) prepareBundle(ctx context.Context, jobID string) (*core.Job, error) {
	return o.store.Update(ctx, jobID, func(j *core.Job) error {
		if len(j.BundleAssociations) == 0 {
			j.BundleAssociations = deriveBundleAssociations(j.Entries)
		}
		aux := auxiliaryPaths(j.BundleAssociations)
		for i := range j.Entries {
			if aux[j.Entries[i].RelativePath] {
				j.Entries[i].ImportSkip = true
			}
		}
		return nil
	})
}

// runImportWaves imports the job's eligible entries in waves of the batch
// size, with bounded concurrency inside each wave. A failed entry is recorded
// and the pass continues with the rest.
func (o *Orchestrator) runImportWaves(ctx context.Context, conn remote.Conn, resolver *datasetResolver, job *core.Job) {
	var eligible []int
	for i := range job.Entries {
		e := &job.Entries[i]
		if e.Status == core.EntryUploaded && !e.ImportSkip {
			eligible = append(eligible, i)
		}
	}

	batch := security.ClampBatchSize(job.BatchSize, security.DefaultBatchSize)
	for start := 0; start < len(eligible); start += batch {
		end := min(start+batch, len(eligible))
		wave := eligible[start:end]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(security.ClampWaveWorkers(len(wave)))
		for _, idx := range wave {
			entry := job.Entries[idx]
			g.Go(func() error {
				o.importEntry(gctx, conn, resolver, job.ID, entry)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// importEntry imports one file and records the outcome on the job. Failures
// never propagate: they are written to the entry and the job log.
func (o *Orchestrator) importEntry(ctx context.Context, conn remote.Conn, resolver *datasetResolver, jobID string, entry core.Entry) {
	datasetID, err := resolver.resolve(ctx, &entry)
	if err == nil {
		err = conn.ImportFile(ctx, entry.StagedPath, datasetID)
	}

	if err != nil {
		msg := security.SanitizeMessage(err.Error())
		o.logger.Warn("entry import failed",
			"job_id", jobID, "path", entry.RelativePath, "error", msg)
		if _, uerr := o.store.Update(ctx, jobID, func(j *core.Job) error {
			e := j.EntryByPath(entry.RelativePath)
			if e == nil {
				return nil
			}
			e.Status = core.EntryError
			e.Errors = append(e.Errors, msg)
			j.AppendError(fmt.Sprintf("import failed for %s: %s", entry.RelativePath, msg))
			return nil
		}); uerr != nil {
			o.logger.Error("recording entry failure failed", "job_id", jobID, "error", uerr)
		}
		return
	}

	if _, uerr := o.store.Update(ctx, jobID, func(j *core.Job) error {
		e := j.EntryByPath(entry.RelativePath)
		if e == nil {
			return nil
		}
		e.Status = core.EntryImported
		j.ImportedBytes += e.Size
		j.AppendMessage(fmt.Sprintf("imported %s", entry.RelativePath))
		return nil
	}); uerr != nil {
		o.logger.Error("recording entry success failed", "job_id", jobID, "error", uerr)
		return
	}

	// The staged copy is no longer needed once the remote store has it.
	if entry.StagedPath != "" {
		_ = os.Remove(entry.StagedPath)
	}
	o.emit(&core.FileImported{
		JobID:        jobID,
		RelativePath: entry.RelativePath,
		Bytes:        entry.Size,
		Timestamp:    o.now(),
	})
}

// failJob forces the job into the error state with the given message.
func (o *Orchestrator) failJob(ctx context.Context, jobID, msg string) {
	if _, err := o.store.Update(ctx, jobID, func(j *core.Job) error {
		j.Status = core.StatusError
		j.AppendError(security.SanitizeMessage(msg))
		return nil
	}); err != nil {
		o.logger.Error("marking job failed", "job_id", jobID, "error", err)
		return
	}
	o.emit(&core.JobFinished{JobID: jobID, Status: core.StatusError, Timestamp: o.now()})
}
