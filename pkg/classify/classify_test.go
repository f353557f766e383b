package classify

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTool writes an executable shell script standing in for the import tool.
func fakeTool(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tool scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func stagedFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.tiff")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))
	return path
}

func TestClassify_CompatibleFile(t *testing.T) {
	tool := fakeTool(t, `echo "$3"`)
	c := New(tool, WithScratchDir(t.TempDir()))

	res := c.Classify(context.Background(), stagedFile(t))
	assert.Equal(t, StatusCompatible, res.Status)
}

func TestClassify_IncompatibleDespiteZeroExit(t *testing.T) {
	// The dry-run flag exits zero even for unsupported formats; the verdict
	// must come from the output.
	tool := fakeTool(t, `echo "no suitable reader for $3" >&2; exit 0`)
	c := New(tool, WithScratchDir(t.TempDir()))

	res := c.Classify(context.Background(), stagedFile(t))
	assert.Equal(t, StatusIncompatible, res.Status)
	assert.Contains(t, res.Details, "no suitable reader")
}

func TestClassify_MissingStagedFile(t *testing.T) {
	tool := fakeTool(t, `echo should-not-run; exit 0`)
	c := New(tool, WithScratchDir(t.TempDir()))

	res := c.Classify(context.Background(), filepath.Join(t.TempDir(), "gone.tiff"))
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Details, "missing staged file")
}

func TestClassify_ToolNotFound(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "does-not-exist"), WithScratchDir(t.TempDir()))

	res := c.Classify(context.Background(), stagedFile(t))
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Details, "import tool not available")
}

func TestClassify_TimeoutIsError(t *testing.T) {
	// The sleep runs as a child of the script, so killing the script leaves
	// an orphan holding the output pipes; the deadline must hold regardless.
	tool := fakeTool(t, "sleep 10 &\nwait $!")
	c := New(tool, WithScratchDir(t.TempDir()), WithTimeout(100*time.Millisecond))

	start := time.Now()
	res := c.Classify(context.Background(), stagedFile(t))

	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Details, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second, "must not wait for the tool")
}

func TestClassify_IsolatedWorkdir(t *testing.T) {
	// The tool runs in a private scratch directory, named via OMERODIR, and
	// the directory is removed afterwards.
	tool := fakeTool(t, `test -n "$OMERODIR" || exit 1; touch sidecar.lock; echo /data/a.tiff`)
	scratch := t.TempDir()
	c := New(tool, WithScratchDir(scratch))

	res := c.Classify(context.Background(), stagedFile(t))
	assert.Equal(t, StatusCompatible, res.Status)

	leftovers, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, leftovers, "scratch directory must be cleaned up")
}
