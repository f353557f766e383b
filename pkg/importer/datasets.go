package importer

import (
	"context"
	"path"
	"strings"
	"sync"

	"github.com/jdziat/importflow/pkg/core"
	"github.com/jdziat/importflow/pkg/remote"
)

// datasetNameForPath derives the target dataset name from an entry's relative
// path: the directory parts joined with backslashes, mirroring how the upload
// client displays folder structure. Files at the top level go to the orphan
// dataset name.
func datasetNameForPath(rel, orphan string) string {
	dir := path.Dir(strings.ReplaceAll(rel, `\`, "/"))
	if dir == "." || dir == "/" || dir == "" {
		return orphan
	}
	parts := strings.Split(strings.Trim(dir, "/"), "/")
	return strings.Join(parts, `\`)
}

// datasetResolver maps entries to remote dataset ids. Resolution order: an
// explicit per-entry override, then the job's dataset-name map, then
// EnsureDataset on the derived name. Names resolve remotely at most once
// per run.
type datasetResolver struct {
	conn   remote.Conn
	job    *core.Job
	orphan string

	mu    sync.Mutex
	cache map[string]int64
}

func newDatasetResolver(conn remote.Conn, job *core.Job) *datasetResolver {
	orphan := job.OrphanDataset
	if orphan == "" {
		orphan = "orphaned"
	}
	return &datasetResolver{
		conn:   conn,
		job:    job,
		orphan: orphan,
		cache:  make(map[string]int64),
	}
}

// resolve returns the dataset id for the entry. Zero means import as orphan.
func (r *datasetResolver) resolve(ctx context.Context, e *core.Entry) (int64, error) {
	if e.DatasetIDOverride != nil {
		return *e.DatasetIDOverride, nil
	}

	// The map is keyed by the same derived names the entries resolve to, so
	// a mapped name pins its files without a remote lookup.
	name := datasetNameForPath(e.RelativePath, r.orphan)
	if id, ok := r.job.DatasetMap[name]; ok {
		return id, nil
	}

	return r.ensure(ctx, name)
}

// ensure holds the lock across the remote call so concurrent wave workers
// cannot create the same dataset twice.
func (r *datasetResolver) ensure(ctx context.Context, name string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.cache[name]; ok {
		return id, nil
	}
	id, err := r.conn.EnsureDataset(ctx, name)
	if err != nil {
		return 0, err
	}
	r.cache[name] = id
	return id, nil
}
