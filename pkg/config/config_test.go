package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/importflow/pkg/security"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, security.DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, 45*time.Second, cfg.ClassifyTimeout)
	assert.Equal(t, 600*time.Second, cfg.ImportTimeout)
	assert.Equal(t, 4064, cfg.Service.Port)
	assert.True(t, cfg.Service.Secure)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "importflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_path: /var/lib/importflow/jobs.db
upload_root: /srv/uploads
batch_size: 8
classify_timeout: 30s
service:
  host: imaging.example.org
  username: importer
cleanup:
  max_age: 48h
  max_delete: 25
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/importflow/jobs.db", cfg.DatabasePath)
	assert.Equal(t, "/srv/uploads", cfg.UploadRoot)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.ClassifyTimeout)
	assert.Equal(t, "imaging.example.org", cfg.Service.Host)
	assert.Equal(t, 48*time.Hour, cfg.Cleanup.MaxAge)
	assert.Equal(t, 25, cfg.Cleanup.MaxDelete)
	// Untouched keys keep their defaults.
	assert.Equal(t, 600*time.Second, cfg.ImportTimeout)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().DatabasePath, cfg.DatabasePath)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: [not an int"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "importflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: 3\ntool: /usr/bin/omero\n"), 0o644))

	t.Setenv("IMPORTFLOW_BATCH_FILES", "7")
	t.Setenv("IMPORTFLOW_TOOL", "/opt/omero/bin/omero")
	t.Setenv("IMPORTFLOW_CLASSIFY_TIMEOUT", "90s")
	t.Setenv("IMPORTFLOW_SERVICE_SECURE", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.BatchSize)
	assert.Equal(t, "/opt/omero/bin/omero", cfg.Tool)
	assert.Equal(t, 90*time.Second, cfg.ClassifyTimeout)
	assert.False(t, cfg.Service.Secure)
}

func TestLoad_BatchSizeClamped(t *testing.T) {
	t.Setenv("IMPORTFLOW_BATCH_FILES", "100")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, security.MaxBatchSize, cfg.BatchSize)

	t.Setenv("IMPORTFLOW_BATCH_FILES", "garbage")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, security.DefaultBatchSize, cfg.BatchSize, "unparseable values are ignored")
}

func TestCached_RefreshesAfterTTL(t *testing.T) {
	loads := 0
	c := NewCached(time.Minute, func() (int, error) {
		loads++
		return loads, nil
	})
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	v, err := c.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// Within TTL: cached.
	now = now.Add(30 * time.Second)
	v, _ = c.Get()
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, loads)

	// Past TTL: reloaded.
	now = now.Add(time.Minute)
	v, _ = c.Get()
	assert.Equal(t, 2, v)
}

func TestCached_KeepsStaleValueOnFailedRefresh(t *testing.T) {
	fail := false
	c := NewCached(time.Minute, func() (string, error) {
		if fail {
			return "", errors.New("remote unavailable")
		}
		return "fresh", nil
	})
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	v, err := c.Get()
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)

	fail = true
	now = now.Add(2 * time.Minute)
	v, err = c.Get()
	assert.Error(t, err)
	assert.Equal(t, "fresh", v, "previous value survives a failed refresh")
}

func TestCached_Invalidate(t *testing.T) {
	loads := 0
	c := NewCached(time.Hour, func() (int, error) {
		loads++
		return loads, nil
	})

	_, err := c.Get()
	require.NoError(t, err)
	c.Invalidate()
	v, err := c.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
