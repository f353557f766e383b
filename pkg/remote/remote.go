// Package remote defines the fixed surface the orchestrator needs from the
// remote image store, plus a CLI-backed implementation of it. Keeping the
// surface to a small explicit interface means alternative backends (a native
// gateway client, a test fake) plug in without the orchestrator changing.
package remote

import (
	"context"
)

// Image is a minimal view of a remote image object.
type Image struct {
	ID        int64
	Name      string
	DatasetID int64
}

// ConnParams carries everything needed to open a remote session.
type ConnParams struct {
	Host       string
	Port       int
	SessionKey string
	Username   string
	Password   string
	GroupID    int64
	Secure     bool
}

// Valid reports whether the params are sufficient to dial: a host plus either
// a session key or username credentials.
func (p ConnParams) Valid() bool {
	if p.Host == "" {
		return false
	}
	return p.SessionKey != "" || (p.Username != "" && p.Password != "")
}

// Conn is one open session against the remote store. Implementations must be
// safe for concurrent use: the orchestrator imports several files at once
// over the same connection.
type Conn interface {
	// ImportFile imports one staged file into the given dataset. A datasetID
	// of zero imports as orphan.
	ImportFile(ctx context.Context, stagedPath string, datasetID int64) error

	// EnsureDataset returns the id of the dataset with the given name,
	// creating it if absent.
	EnsureDataset(ctx context.Context, name string) (int64, error)

	// FindImagesByName looks up images by name within a dataset. A datasetID
	// of zero searches across all datasets the session can see. Names with no
	// match are simply absent from the result.
	FindImagesByName(ctx context.Context, names []string, datasetID int64) (map[string]Image, error)

	// AttachFile uploads the file at path and links it to the image as a file
	// annotation.
	AttachFile(ctx context.Context, imageID int64, path, mimetype string) error

	// ValidateSession reports whether the session is still usable.
	ValidateSession(ctx context.Context) bool

	Close() error
}

// Dialer opens sessions. The orchestrator redials through the same Dialer
// when a long-lived session goes stale mid-run.
type Dialer interface {
	Dial(ctx context.Context, params ConnParams) (Conn, error)
}
