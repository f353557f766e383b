package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/importflow/pkg/core"
)

// newTestStore creates a fresh in-memory SQLite store for each test, fully
// migrated and ready for use.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")

	s := New(db)
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "/var/lib/jobs.db?_txlock=immediate&_busy_timeout=5000",
		DSN("/var/lib/jobs.db"))
	assert.Equal(t, "jobs.db?cache=shared&_txlock=immediate&_busy_timeout=5000",
		DSN("jobs.db?cache=shared"))
}

// newFileStore backs the store with a file database so concurrent
// connections see the same data.
func newFileStore(t *testing.T) *Store {
	t.Helper()
	dsn := DSN(filepath.Join(t.TempDir(), "jobs.db"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s := New(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestJob(id string) *core.Job {
	return &core.Job{
		ID:     id,
		Owner:  "alice",
		Status: core.StatusUploading,
		Entries: []core.Entry{
			{RelativePath: "run/a.tiff", Status: core.EntryPending, Size: 100},
		},
	}
}

func TestNewJobID_Format(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewJobID()
		assert.Regexp(t, `^[0-9a-f]{32}$`, id)
		assert.False(t, seen[id], "ids must be unique")
		seen[id] = true
	}
}

func TestCreateAndLoad_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := newTestJob(NewJobID())
	job.DatasetMap = map[string]int64{"run": 42}
	job.BundleSettings = core.BundleSettings{CreatePlotImages: true}
	require.NoError(t, s.Create(ctx, job))
	assert.False(t, job.Created.IsZero(), "create stamps the record")

	got, err := s.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Owner, got.Owner)
	assert.Equal(t, job.Status, got.Status)
	assert.Equal(t, job.Entries, got.Entries)
	assert.Equal(t, job.DatasetMap, got.DatasetMap)
	assert.Equal(t, job.BundleSettings, got.BundleSettings)
}

func TestLoad_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Load(context.Background(), NewJobID())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCreate_RejectsInvalidID(t *testing.T) {
	s := newTestStore(t)

	err := s.Create(context.Background(), newTestJob("not-a-job-id"))
	assert.ErrorIs(t, err, core.ErrInvalidJobID)
}

func TestUpdate_AppliesAtomically(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := newTestJob(NewJobID())
	require.NoError(t, s.Create(ctx, job))

	updated, err := s.Update(ctx, job.ID, func(j *core.Job) error {
		j.Entries[0].Status = core.EntryUploaded
		j.UploadedBytes += j.Entries[0].Size
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), updated.UploadedBytes)

	got, err := s.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.EntryUploaded, got.Entries[0].Status)
}

func TestUpdate_FnErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := newTestJob(NewJobID())
	require.NoError(t, s.Create(ctx, job))

	boom := errors.New("boom")
	_, err := s.Update(ctx, job.ID, func(j *core.Job) error {
		j.Status = core.StatusError
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusUploading, got.Status, "failed update must not persist")
}

func TestUpdate_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Update(context.Background(), NewJobID(), func(j *core.Job) error { return nil })
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestUpdate_ConcurrentIncrements_NoLostWrites(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	job := newTestJob(NewJobID())
	require.NoError(t, s.Create(ctx, job))

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, job.ID, func(j *core.Job) error {
				j.UploadedBytes++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), got.UploadedBytes, "every increment must survive")
}

func TestLoad_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := newTestJob(NewJobID())
	require.NoError(t, s.Create(ctx, job))

	require.NoError(t, s.db.Model(&record{}).
		Where("id = ?", job.ID).
		Update("document", []byte("{not json")).Error)

	_, err := s.Load(ctx, job.ID)
	assert.ErrorIs(t, err, core.ErrCorruptRecord)

	_, err = s.Update(ctx, job.ID, func(j *core.Job) error { return nil })
	assert.ErrorIs(t, err, core.ErrCorruptRecord, "corruption is fatal, never retried")
}

func TestErrorsAreDistinct(t *testing.T) {
	sentinels := []error{core.ErrNotFound, core.ErrCorruptRecord, core.ErrLockTimeout, core.ErrInvalidJobID}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j {
				assert.False(t, errors.Is(a, b), "%v must not match %v", a, b)
			}
		}
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := newTestJob(NewJobID())
	require.NoError(t, s.Create(ctx, job))
	require.NoError(t, s.Delete(ctx, job.ID))

	_, err := s.Load(ctx, job.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestList_OldestFirst(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	s := newTestStore(t)
	s.now = func() time.Time { return clock }

	var ids []string
	for i := 0; i < 3; i++ {
		clock = base.Add(time.Duration(i) * time.Hour)
		job := newTestJob(NewJobID())
		require.NoError(t, s.Create(ctx, job))
		ids = append(ids, job.ID)
	}

	snaps, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for i, snap := range snaps {
		assert.Equal(t, ids[i], snap.ID)
		assert.Equal(t, "alice", snap.Owner)
		assert.Equal(t, core.StatusUploading, snap.Status)
	}
}

func TestRetryWithBackoff_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	fatal := errors.New("fatal")
	err := retryWithBackoff(context.Background(), DefaultRetryConfig(),
		func(err error) bool { return false },
		func() error { calls++; return fatal })

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls, "non-retryable errors fail immediately")
}

func TestRetryWithBackoff_RetriesUntilSuccess(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
	calls := 0
	err := retryWithBackoff(context.Background(), cfg,
		func(err error) bool { return true },
		func() error {
			calls++
			if calls < 3 {
				return fmt.Errorf("transient %d", calls)
			}
			return nil
		})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_ExhaustionMapsToLockTimeout(t *testing.T) {
	s := newTestStore(t)
	s.retry = RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1.0,
	}

	err := s.withLockRetry(context.Background(), func() error {
		return errors.New("database is locked")
	})
	assert.ErrorIs(t, err, core.ErrLockTimeout)
}
