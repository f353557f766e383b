// Package importflow orchestrates durable multi-file import jobs: files are
// staged by an upload frontend, classified for compatibility by a dry run of
// the remote store's import tool, and imported in batches once the job is
// ready. All job state lives in a single persisted record per job, so the
// orchestrator survives restarts and can run in several processes at once.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages and provides the Service facade.
//
// Basic usage:
//
//	cfg, _ := config.Load("importflow.yaml")
//	svc, _ := importflow.Open(context.Background(), cfg, logger)
//	defer svc.Close()
//
//	job, _ := svc.NewJob(ctx, importflow.NewJobRequest{
//	    Owner: "alice",
//	    Files: []importflow.NewFile{{RelativePath: "run1/scan.tiff", Size: 1 << 20}},
//	    Connection: importflow.Connection{Host: "imaging.example.org", SessionKey: key},
//	})
//	// ... frontend streams bytes into svc.StagedPath(job.ID, rel) ...
//	svc.RecordUpload(ctx, job.ID, "run1/scan.tiff")
package importflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jdziat/importflow/pkg/classify"
	"github.com/jdziat/importflow/pkg/cleanup"
	"github.com/jdziat/importflow/pkg/config"
	"github.com/jdziat/importflow/pkg/core"
	"github.com/jdziat/importflow/pkg/importer"
	"github.com/jdziat/importflow/pkg/remote"
	"github.com/jdziat/importflow/pkg/scheduler"
	"github.com/jdziat/importflow/pkg/security"
	"github.com/jdziat/importflow/pkg/store"
)

// Type aliases re-exported for a clean API surface.
type (
	// Job is the persisted state of one import job.
	Job = core.Job

	// Entry is one file within a job.
	Entry = core.Entry

	// JobStatus is the job-level state.
	JobStatus = core.JobStatus

	// BundleSettings controls bundle-mode artifact handling.
	BundleSettings = core.BundleSettings

	// Event is the interface for all orchestration events.
	Event = core.Event

	// ClassificationStarted is emitted when a classification pass begins.
	ClassificationStarted = core.ClassificationStarted

	// ClassificationCompleted is emitted when a classification pass finishes.
	ClassificationCompleted = core.ClassificationCompleted

	// ImportStarted is emitted when the import pass for a job is scheduled.
	ImportStarted = core.ImportStarted

	// FileImported is emitted when a single entry is imported successfully.
	FileImported = core.FileImported

	// JobFinished is emitted when a job reaches a terminal status.
	JobFinished = core.JobFinished

	// Config holds all tunable settings.
	Config = config.Config
)

// Re-exported status values.
const (
	StatusUploading            = core.StatusUploading
	StatusChecking             = core.StatusChecking
	StatusAwaitingConfirmation = core.StatusAwaitingConfirmation
	StatusReady                = core.StatusReady
	StatusImporting            = core.StatusImporting
	StatusDone                 = core.StatusDone
	StatusError                = core.StatusError
)

// Re-exported sentinel errors.
var (
	ErrNotFound          = core.ErrNotFound
	ErrCorruptRecord     = core.ErrCorruptRecord
	ErrLockTimeout       = core.ErrLockTimeout
	ErrInvalidJobID      = core.ErrInvalidJobID
	ErrJobTerminal       = core.ErrJobTerminal
	ErrMissingConnection = core.ErrMissingConnection
)

// NewFile declares one file of a new job.
type NewFile struct {
	RelativePath string
	Size         int64
}

// Connection carries the requester's remote-store session.
type Connection struct {
	Host       string
	Port       int
	SessionKey string
	GroupID    int64
}

// NewJobRequest declares a new import job.
type NewJobRequest struct {
	Owner      string
	Files      []NewFile
	Connection Connection

	// BatchSize overrides the configured default when non-zero.
	BatchSize int

	// DatasetMap routes derived dataset names to existing dataset ids. Names
	// are the backslash-joined directory parts of an entry's relative path,
	// so "run1/day2/scan.tiff" resolves under the key `run1\day2`.
	DatasetMap map[string]int64

	// OrphanDataset names the dataset for files without a directory.
	OrphanDataset string

	// SpecialUpload selects a special workflow, e.g. core.SpecialUploadBundle.
	SpecialUpload string

	BundleSettings BundleSettings
}

// Service wires the store, classifier, scheduler and importer into one
// facade.
type Service struct {
	cfg        config.Config
	store      *store.Store
	supervisor *scheduler.Supervisor
	scheduler  *scheduler.Scheduler
	importer   *importer.Orchestrator
	sweeper    *cleanup.Sweeper
	logger     *slog.Logger
}

// ServiceOption configures Open.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	emit   func(core.Event)
	dialer remote.Dialer
}

// WithEvents registers an event sink for all components. The sink must not
// block.
func WithEvents(emit func(core.Event)) ServiceOption {
	return func(o *serviceOptions) { o.emit = emit }
}

// WithDialer overrides the remote-store dialer, for tests and alternative
// backends.
func WithDialer(d remote.Dialer) ServiceOption {
	return func(o *serviceOptions) { o.dialer = d }
}

// Open creates the service: it opens (and migrates) the job database,
// prepares the staging area, and wires the components together. Background
// work starts lazily as jobs progress; only the cleanup sweeper needs an
// explicit RunCleanup.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	so := serviceOptions{emit: func(core.Event) {}}
	for _, opt := range opts {
		opt(&so)
	}
	if so.dialer == nil {
		so.dialer = remote.NewCLIDialer(cfg.Tool,
			remote.WithImportTimeout(cfg.ImportTimeout),
			remote.WithLogger(logger))
	}

	db, err := gorm.Open(sqlite.Open(store.DSN(cfg.DatabasePath)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening job database: %w", err)
	}
	st := store.New(db)
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating job database: %w", err)
	}

	if err := os.MkdirAll(cfg.UploadRoot, 0o755); err != nil {
		return nil, fmt.Errorf("preparing upload root: %w", err)
	}

	classifier := classify.New(cfg.Tool,
		classify.WithTimeout(cfg.ClassifyTimeout),
		classify.WithLogger(logger))

	sup := scheduler.NewSupervisor(logger)

	orch := importer.New(st, so.dialer, cfg.UploadRoot, logger,
		importer.WithServiceParams(remote.ConnParams{
			Host:     cfg.Service.Host,
			Port:     cfg.Service.Port,
			Username: cfg.Service.Username,
			Password: cfg.Service.Password,
			GroupID:  cfg.Service.GroupID,
			Secure:   cfg.Service.Secure,
		}),
		importer.WithEvents(so.emit))

	sched := scheduler.New(st, classifier, sup, logger,
		scheduler.WithLeaseTTL(cfg.CheckLeaseTTL),
		scheduler.WithEvents(so.emit),
		scheduler.WithImportRunner(func(ctx context.Context, jobID string) {
			if err := orch.ImportJob(ctx, jobID); err != nil {
				logger.Error("import pass failed", "job_id", jobID, "error", err)
			}
		}))

	return &Service{
		cfg:        cfg,
		store:      st,
		supervisor: sup,
		scheduler:  sched,
		importer:   orch,
		sweeper:    cleanup.New(st, cfg.UploadRoot, cfg.Cleanup, logger),
		logger:     logger,
	}, nil
}

// NewJob creates a job with all declared files pending upload and prepares
// its staging directory.
func (s *Service) NewJob(ctx context.Context, req NewJobRequest) (*Job, error) {
	if req.Owner == "" {
		return nil, fmt.Errorf("importflow: job owner is required")
	}
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("importflow: a job needs at least one file")
	}

	id := store.NewJobID()
	entries := make([]core.Entry, 0, len(req.Files))
	for _, f := range req.Files {
		entries = append(entries, core.Entry{
			RelativePath: f.RelativePath,
			StagedPath:   s.StagedPath(id, f.RelativePath),
			Status:       core.EntryPending,
			Size:         f.Size,
		})
	}

	job := &core.Job{
		ID:                  id,
		Owner:               req.Owner,
		Status:              core.StatusUploading,
		Entries:             entries,
		CompatibilityStatus: core.CompatStatusPending,
		BatchSize:           security.ClampBatchSize(req.BatchSize, s.cfg.BatchSize),
		DatasetMap:          req.DatasetMap,
		OrphanDataset:       req.OrphanDataset,
		SpecialUpload:       req.SpecialUpload,
		BundleSettings:      req.BundleSettings,
		Host:                req.Connection.Host,
		Port:                req.Connection.Port,
		SessionKey:          req.Connection.SessionKey,
		GroupID:             req.Connection.GroupID,
	}

	if err := os.MkdirAll(filepath.Join(s.cfg.UploadRoot, id), 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("job created", "job_id", id, "owner", req.Owner, "files", len(entries))
	return job, nil
}

// StagedPath returns where a file of the job must be staged.
func (s *Service) StagedPath(jobID, relativePath string) string {
	return filepath.Join(s.cfg.UploadRoot, jobID, filepath.FromSlash(relativePath))
}

// RecordUpload marks one file as fully staged and nudges the scheduler: once
// a batch is complete, or all uploads are in, classification starts in the
// background.
func (s *Service) RecordUpload(ctx context.Context, jobID, relativePath string) (*Job, error) {
	job, err := s.store.Update(ctx, jobID, func(j *core.Job) error {
		e := j.EntryByPath(relativePath)
		if e == nil {
			return fmt.Errorf("importflow: job %s has no file %q", jobID, relativePath)
		}
		if e.Status == core.EntryPending {
			e.Status = core.EntryUploaded
			j.UploadedBytes += e.Size
		}
		core.RecomputeCompatibility(j)
		core.RefreshStatus(j)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.scheduler.MaybeStartClassification(ctx, jobID); err != nil {
		return job, err
	}
	return job, nil
}

// Status returns the current job record.
func (s *Service) Status(ctx context.Context, jobID string) (*Job, error) {
	return s.store.Load(ctx, jobID)
}

// Confirm records the owner's decision to import despite incompatible files
// and lets the job proceed.
func (s *Service) Confirm(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.store.Update(ctx, jobID, func(j *core.Job) error {
		j.Confirmed = true
		core.RefreshStatus(j)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.scheduler.MaybeStartImport(ctx, jobID); err != nil {
		return job, err
	}
	return job, nil
}

// Poke re-evaluates a job's status and restarts any work that is due. Status
// polls route through here, so a job whose worker died resumes as soon as its
// lease expires and someone looks at it.
func (s *Service) Poke(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.store.Update(ctx, jobID, func(j *core.Job) error {
		core.RecomputeCompatibility(j)
		core.RefreshStatus(j)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.scheduler.MaybeStartClassification(ctx, jobID); err != nil {
		return job, err
	}
	if _, err := s.scheduler.MaybeStartImport(ctx, jobID); err != nil {
		return job, err
	}
	return s.store.Load(ctx, jobID)
}

// Delete removes the job record and its staged files.
func (s *Service) Delete(ctx context.Context, jobID string) error {
	if err := s.store.Delete(ctx, jobID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.cfg.UploadRoot, jobID))
}

// RunCleanup runs the retention sweeper until the context is cancelled.
// Callers typically run it on its own goroutine.
func (s *Service) RunCleanup(ctx context.Context) {
	s.sweeper.Run(ctx)
}

// Sweep runs one cleanup pass immediately.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.sweeper.Sweep(ctx)
}

// Wait blocks until all background passes finish. Mainly for tests and
// graceful drains.
func (s *Service) Wait() {
	s.supervisor.Wait()
}

// Close drains background work and shuts the service down.
func (s *Service) Close() error {
	s.supervisor.Shutdown()
	return nil
}

// DefaultConfig returns the built-in configuration defaults.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig loads configuration from the YAML file at path, .env, and the
// environment.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// Deadline values re-exported for convenience.
const (
	DefaultClassifyTimeout = classify.DefaultTimeout
	DefaultImportTimeout   = remote.DefaultImportTimeout
)
