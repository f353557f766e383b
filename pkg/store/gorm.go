// Package store persists job records with exclusive-access atomic updates.
//
// Each job is one row keyed by job id, with the full record held in a JSON
// document column so it stays human-diagnosable (inspectable with the sqlite3
// CLI). All mutations go through Update, which performs the read-modify-write
// inside a single transaction so concurrent updates serialize; contention is
// retried with jittered backoff and surfaces as ErrLockTimeout when the
// budget is exhausted.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/jdziat/importflow/pkg/core"
	"github.com/jdziat/importflow/pkg/security"
)

// record is the persisted row shape. Scalar columns mirror the fields the
// cleanup sweeper queries; Document carries the complete job as JSON.
// The timestamp columns deliberately avoid GORM's auto-tracked field names:
// the store stamps them from its own clock so the values always match the
// document.
type record struct {
	ID       string    `gorm:"primaryKey;size:36"`
	Owner    string    `gorm:"index;size:255"`
	Status   string    `gorm:"index;size:32"`
	Document []byte    `gorm:"type:text"`
	Created  time.Time `gorm:"column:created_at"`
	Updated  time.Time `gorm:"column:updated_at;index"`
}

func (record) TableName() string { return "import_jobs" }

// Snapshot is a lightweight view of a stored job, used by the retention
// sweeper without decoding full documents.
type Snapshot struct {
	ID      string
	Owner   string
	Status  core.JobStatus
	Updated time.Time
}

// Store is a GORM-backed job store.
type Store struct {
	db    *gorm.DB
	retry RetryConfig
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRetryConfig overrides the lock-retry configuration.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(s *Store) { s.retry = cfg }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a job store on the given database handle.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:    db,
		retry: DefaultRetryConfig(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Migrate creates the necessary tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&record{})
}

// DSN builds the SQLite connection string for a database file. Transactions
// open immediate so the read-modify-write in Update takes the write lock up
// front instead of failing on upgrade, and lock waits get a driver-side busy
// timeout before surfacing as contention.
func DSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate&_busy_timeout=5000"
}

// NewJobID generates a job id in the fixed 32-hex format.
func NewJobID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Create persists a new job record. The job id must already be set and valid.
func (s *Store) Create(ctx context.Context, job *core.Job) error {
	if err := security.ValidateJobID(job.ID); err != nil {
		return err
	}
	now := s.now()
	if job.Created.IsZero() {
		job.Created = now
	}
	job.Updated = now

	rec, err := encode(job)
	if err != nil {
		return err
	}
	return s.withLockRetry(ctx, func() error {
		return s.db.WithContext(ctx).Create(rec).Error
	})
}

// Save replaces the persisted record for the job in one atomic write.
func (s *Store) Save(ctx context.Context, job *core.Job) error {
	if err := security.ValidateJobID(job.ID); err != nil {
		return err
	}
	job.Updated = s.now()

	rec, err := encode(job)
	if err != nil {
		return err
	}
	return s.withLockRetry(ctx, func() error {
		return s.db.WithContext(ctx).Save(rec).Error
	})
}

// Load reads the current persisted job. When locked access keeps failing it
// falls back to a best-effort unserialized read, prioritizing availability
// for read-only status polling.
func (s *Store) Load(ctx context.Context, id string) (*core.Job, error) {
	if err := security.ValidateJobID(id); err != nil {
		return nil, err
	}

	var rec record
	err := s.withLockRetry(ctx, func() error {
		return s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	})
	if errors.Is(err, core.ErrLockTimeout) {
		// Best-effort fallback read.
		err = s.db.WithContext(ctx).Session(&gorm.Session{}).First(&rec, "id = ?", id).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(&rec)
}

// Update atomically applies fn to the persisted job: it reads the current
// record, applies fn, and writes the result back inside one transaction, so
// concurrent updates serialize and a reader never observes a partial write.
// Lock contention is retried with backoff; after exhaustion the call fails
// with ErrLockTimeout and the update is NOT applied. A record that cannot be
// decoded fails immediately with ErrCorruptRecord.
func (s *Store) Update(ctx context.Context, id string, fn func(*core.Job) error) (*core.Job, error) {
	if err := security.ValidateJobID(id); err != nil {
		return nil, err
	}

	var out *core.Job
	err := s.withLockRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rec record
			if err := tx.First(&rec, "id = ?", id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return core.ErrNotFound
				}
				return err
			}

			job, err := decode(&rec)
			if err != nil {
				return err
			}
			if err := fn(job); err != nil {
				return err
			}
			job.Updated = s.now()

			updated, err := encode(job)
			if err != nil {
				return err
			}
			if err := tx.Save(updated).Error; err != nil {
				return err
			}
			out = job
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the job record.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := security.ValidateJobID(id); err != nil {
		return err
	}
	return s.withLockRetry(ctx, func() error {
		return s.db.WithContext(ctx).Delete(&record{}, "id = ?", id).Error
	})
}

// List returns lightweight snapshots of all stored jobs, oldest first.
func (s *Store) List(ctx context.Context) ([]Snapshot, error) {
	var recs []record
	err := s.db.WithContext(ctx).
		Select("id", "owner", "status", "updated_at").
		Order("updated_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	snaps := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		snaps = append(snaps, Snapshot{
			ID:      rec.ID,
			Owner:   rec.Owner,
			Status:  core.JobStatus(rec.Status),
			Updated: rec.Updated,
		})
	}
	return snaps, nil
}

func (s *Store) withLockRetry(ctx context.Context, op func() error) error {
	err := retryWithBackoff(ctx, s.retry, isLockContention, op)
	if err != nil && isLockContention(err) {
		return fmt.Errorf("%w: %v", core.ErrLockTimeout, err)
	}
	return err
}

// isLockContention reports whether the error is transient database lock
// contention worth retrying. Corruption and not-found are never retried.
func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func encode(job *core.Job) (*record, error) {
	doc, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	return &record{
		ID:       job.ID,
		Owner:    job.Owner,
		Status:   string(job.Status),
		Document: doc,
		Created:  job.Created,
		Updated:  job.Updated,
	}, nil
}

func decode(rec *record) (*core.Job, error) {
	var job core.Job
	if err := json.Unmarshal(rec.Document, &job); err != nil {
		return nil, fmt.Errorf("%w: job %s: %v", core.ErrCorruptRecord, rec.ID, err)
	}
	return &job, nil
}
