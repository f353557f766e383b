package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/importflow/pkg/config"
	"github.com/jdziat/importflow/pkg/core"
	"github.com/jdziat/importflow/pkg/store"
)

type harness struct {
	store      *store.Store
	sweeper    *Sweeper
	uploadRoot string
	now        time.Time
	setClock   func(time.Time)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	st := store.New(db)
	require.NoError(t, st.Migrate(context.Background()))

	h := &harness{
		store:      st,
		uploadRoot: t.TempDir(),
		now:        time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC),
	}
	cfg := config.Cleanup{
		MaxAge:    7 * 24 * time.Hour,
		StaleAge:  48 * time.Hour,
		MaxDelete: 100,
	}
	h.sweeper = New(st, h.uploadRoot, cfg, slog.New(slog.DiscardHandler),
		WithClock(func() time.Time { return h.now }))
	h.setClock = func(tm time.Time) { h.now = tm }
	return h
}

// seed creates a job record whose updated_at is age in the past, plus a
// staging directory with one file.
func (h *harness) seed(t *testing.T, status core.JobStatus, age time.Duration) string {
	t.Helper()
	id := store.NewJobID()
	job := &core.Job{ID: id, Owner: "alice", Status: status}
	job.Created = h.now.Add(-age)
	job.Updated = h.now.Add(-age)

	// The store stamps Updated itself, so backdate via its clock.
	backdated := store.New(dbOf(h.store), store.WithClock(func() time.Time { return h.now.Add(-age) }))
	require.NoError(t, backdated.Create(context.Background(), job))

	dir := filepath.Join(h.uploadRoot, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.tiff"), []byte("x"), 0o644))
	return id
}

func dbOf(s *store.Store) *gorm.DB { return s.DB() }

func TestSweep_DeletesOldFinishedJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	oldDone := h.seed(t, core.StatusDone, 8*24*time.Hour)
	freshDone := h.seed(t, core.StatusDone, time.Hour)

	removed, err := h.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = h.store.Load(ctx, oldDone)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NoDirExists(t, filepath.Join(h.uploadRoot, oldDone))

	_, err = h.store.Load(ctx, freshDone)
	assert.NoError(t, err, "recent jobs are retained")
	assert.DirExists(t, filepath.Join(h.uploadRoot, freshDone))
}

func TestSweep_DeletesAbandonedUnfinishedJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	stale := h.seed(t, core.StatusUploading, 72*time.Hour)
	active := h.seed(t, core.StatusUploading, time.Hour)

	removed, err := h.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = h.store.Load(ctx, stale)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = h.store.Load(ctx, active)
	assert.NoError(t, err)
}

func TestSweep_BoundedPerPass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sweeper.cfg.MaxDelete = 2

	for i := 0; i < 5; i++ {
		h.seed(t, core.StatusDone, 30*24*time.Hour)
	}

	removed, err := h.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	snaps, err := h.store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
}

func TestSweep_RemovesOrphanedStaging(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// A staging directory with no job record, old enough to reap.
	orphan := store.NewJobID()
	dir := filepath.Join(h.uploadRoot, orphan)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	old := h.now.Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(dir, old, old))

	// A directory that is not a job id must be left alone.
	other := filepath.Join(h.uploadRoot, "not-a-job")
	require.NoError(t, os.MkdirAll(other, 0o755))
	require.NoError(t, os.Chtimes(other, old, old))

	removed, err := h.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, dir)
	assert.DirExists(t, other)
}

func TestSweep_RefusesSymlinkedStaging(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	victim := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(victim, "precious"), []byte("x"), 0o644))

	id := h.seed(t, core.StatusDone, 30*24*time.Hour)
	dir := filepath.Join(h.uploadRoot, id)
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.Symlink(victim, dir))

	_, err := h.sweeper.Sweep(ctx)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(victim, "precious"),
		"a planted symlink must not redirect the removal")
}
