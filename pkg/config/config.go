// Package config loads importflow settings from a YAML file, a .env file and
// process environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jdziat/importflow/pkg/security"
)

// Config holds all tunable settings.
type Config struct {
	// DatabasePath is the SQLite database file for job records.
	DatabasePath string `yaml:"database_path"`

	// UploadRoot is the staging area for uploaded files.
	UploadRoot string `yaml:"upload_root"`

	// Tool is the remote store's command-line tool binary.
	Tool string `yaml:"tool"`

	// BatchSize is the default classification batch size per job.
	BatchSize int `yaml:"batch_size"`

	// ClassifyTimeout bounds a single dry-run compatibility check.
	ClassifyTimeout time.Duration `yaml:"classify_timeout"`

	// ImportTimeout bounds a single file import.
	ImportTimeout time.Duration `yaml:"import_timeout"`

	// CheckLeaseTTL bounds how long a classification pass may hold its lease
	// before another worker may take over.
	CheckLeaseTTL time.Duration `yaml:"check_lease_ttl"`

	Service Service `yaml:"service"`
	Cleanup Cleanup `yaml:"cleanup"`

	// LogPath appends structured logs to a file in addition to stderr when
	// set.
	LogPath string `yaml:"log_path"`
}

// Service holds credentials for the privileged service connection used for
// attachments and lookups.
type Service struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	GroupID  int64  `yaml:"group_id"`
	Secure   bool   `yaml:"secure"`
}

// Cleanup holds retention sweeper settings.
type Cleanup struct {
	// Interval between sweeps. Zero disables the sweeper.
	Interval time.Duration `yaml:"interval"`

	// MaxAge is how long finished jobs are retained.
	MaxAge time.Duration `yaml:"max_age"`

	// StaleAge is how long an unfinished job may go without an update before
	// it is considered abandoned.
	StaleAge time.Duration `yaml:"stale_age"`

	// MaxDelete bounds deletions per sweep.
	MaxDelete int `yaml:"max_delete"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		DatabasePath:    "importflow.db",
		UploadRoot:      "uploads",
		Tool:            "omero",
		BatchSize:       security.DefaultBatchSize,
		ClassifyTimeout: 45 * time.Second,
		ImportTimeout:   600 * time.Second,
		CheckLeaseTTL:   10 * time.Minute,
		Service: Service{
			Port:   4064,
			Secure: true,
		},
		Cleanup: Cleanup{
			Interval:  time.Hour,
			MaxAge:    7 * 24 * time.Hour,
			StaleAge:  48 * time.Hour,
			MaxDelete: 100,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (when
// non-empty and present), then a .env file in the working directory, then
// process environment variables. Missing files are not errors.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	// .env is a convenience for development setups; the real environment
	// always wins over it.
	_ = godotenv.Load()

	cfg.applyEnv()
	cfg.BatchSize = security.ClampBatchSize(cfg.BatchSize, security.DefaultBatchSize)
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.DatabasePath, "IMPORTFLOW_DATABASE")
	envString(&c.UploadRoot, "IMPORTFLOW_UPLOAD_ROOT")
	envString(&c.Tool, "IMPORTFLOW_TOOL")
	envInt(&c.BatchSize, "IMPORTFLOW_BATCH_FILES")
	envDuration(&c.ClassifyTimeout, "IMPORTFLOW_CLASSIFY_TIMEOUT")
	envDuration(&c.ImportTimeout, "IMPORTFLOW_IMPORT_TIMEOUT")
	envDuration(&c.CheckLeaseTTL, "IMPORTFLOW_CHECK_LEASE_TTL")
	envString(&c.LogPath, "IMPORTFLOW_LOG_PATH")

	envString(&c.Service.Host, "IMPORTFLOW_SERVICE_HOST")
	envInt(&c.Service.Port, "IMPORTFLOW_SERVICE_PORT")
	envString(&c.Service.Username, "IMPORTFLOW_SERVICE_USER")
	envString(&c.Service.Password, "IMPORTFLOW_SERVICE_PASSWORD")
	envInt64(&c.Service.GroupID, "IMPORTFLOW_SERVICE_GROUP")
	envBool(&c.Service.Secure, "IMPORTFLOW_SERVICE_SECURE")

	envDuration(&c.Cleanup.Interval, "IMPORTFLOW_CLEANUP_INTERVAL")
	envDuration(&c.Cleanup.MaxAge, "IMPORTFLOW_CLEANUP_MAX_AGE")
	envDuration(&c.Cleanup.StaleAge, "IMPORTFLOW_CLEANUP_STALE_AGE")
	envInt(&c.Cleanup.MaxDelete, "IMPORTFLOW_CLEANUP_MAX_DELETE")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			*dst = d
		}
	}
}
