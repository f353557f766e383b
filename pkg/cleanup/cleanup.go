// Package cleanup reclaims storage from finished and abandoned jobs: old job
// records are deleted and their staging directories removed.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jdziat/importflow/pkg/config"
	"github.com/jdziat/importflow/pkg/core"
	"github.com/jdziat/importflow/pkg/schedule"
	"github.com/jdziat/importflow/pkg/security"
	"github.com/jdziat/importflow/pkg/store"
)

// Sweeper deletes expired job records and their staged files.
type Sweeper struct {
	store      *store.Store
	uploadRoot string
	cfg        config.Cleanup
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a Sweeper.
func New(st *store.Store, uploadRoot string, cfg config.Cleanup, logger *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:      st,
		uploadRoot: uploadRoot,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep performs one pass: finished jobs past the retention age and
// unfinished jobs with no recent update are deleted, oldest first, bounded by
// the per-sweep limit. Staging directories with no job record at all are
// removed as well.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	snaps, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	known := make(map[string]bool, len(snaps))
	deleted := 0

	for _, snap := range snaps {
		known[snap.ID] = true
		if s.cfg.MaxDelete > 0 && deleted >= s.cfg.MaxDelete {
			break
		}

		age := now.Sub(snap.Updated)
		terminal := snap.Status == core.StatusDone || snap.Status == core.StatusError
		expired := (terminal && age > s.cfg.MaxAge) || (!terminal && age > s.cfg.StaleAge)
		if !expired {
			continue
		}

		if err := s.store.Delete(ctx, snap.ID); err != nil {
			s.logger.Warn("deleting expired job failed", "job_id", snap.ID, "error", err)
			continue
		}
		s.removeStaging(snap.ID)
		s.logger.Info("deleted expired job",
			"job_id", snap.ID, "status", string(snap.Status), "age", age.String())
		deleted++
	}

	deleted += s.sweepOrphanedStaging(known, now)
	return deleted, nil
}

// sweepOrphanedStaging removes staging directories whose job record is gone,
// once they have been untouched longer than the stale age.
func (s *Sweeper) sweepOrphanedStaging(known map[string]bool, now time.Time) int {
	entries, err := os.ReadDir(s.uploadRoot)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || known[name] {
			continue
		}
		if security.ValidateJobID(name) != nil {
			// Not one of ours; leave it alone.
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) <= s.cfg.StaleAge {
			continue
		}
		s.removeStaging(name)
		s.logger.Info("removed orphaned staging directory", "job_id", name)
		removed++
	}
	return removed
}

// removeStaging deletes a job's staging directory. The path is verified to
// stay inside the upload root and must not itself be a symlink, so a planted
// link cannot redirect the removal outside the staging area.
func (s *Sweeper) removeStaging(jobID string) {
	dir := filepath.Join(s.uploadRoot, jobID)

	rootAbs, err := filepath.Abs(s.uploadRoot)
	if err != nil {
		return
	}
	dirAbs, err := filepath.Abs(dir)
	if err != nil {
		return
	}
	if !strings.HasPrefix(dirAbs, rootAbs+string(filepath.Separator)) {
		s.logger.Warn("refusing to remove path outside upload root", "path", dir)
		return
	}

	info, err := os.Lstat(dirAbs)
	if err != nil {
		return
	}
	if info.Mode()&os.ModeSymlink != 0 {
		s.logger.Warn("refusing to remove symlinked staging directory", "path", dir)
		return
	}

	if err := os.RemoveAll(dirAbs); err != nil {
		s.logger.Warn("removing staging directory failed", "path", dir, "error", err)
	}
}

// Run sweeps on the configured interval until the context is cancelled. A
// zero interval disables the sweeper.
func (s *Sweeper) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	schedule.Run(ctx, schedule.Every(s.cfg.Interval), func(ctx context.Context) {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("cleanup sweep failed", "error", err)
		}
	})
}
