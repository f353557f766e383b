package core

import (
	"errors"
)

var (
	// ErrNotFound is returned when no record exists for a job id.
	ErrNotFound = errors.New("importflow: job not found")

	// ErrCorruptRecord is returned when a persisted job record cannot be
	// decoded. It signals fatal corruption: callers must surface it as a
	// job-level error rather than retry.
	ErrCorruptRecord = errors.New("importflow: job record is corrupt")

	// ErrLockTimeout is returned when the store could not acquire exclusive
	// access within the retry budget. The update was not applied.
	ErrLockTimeout = errors.New("importflow: timed out locking job record")

	// ErrInvalidJobID is returned for job ids that do not match the required
	// format.
	ErrInvalidJobID = errors.New("importflow: invalid job id")

	// ErrJobTerminal is returned when an operation is requested on a job that
	// already reached done or error.
	ErrJobTerminal = errors.New("importflow: job already finished")

	// ErrMissingConnection is returned when a job lacks the remote-store
	// connection parameters required for import.
	ErrMissingConnection = errors.New("importflow: missing remote connection details")

	// ErrStagingMissing is returned when a job's staging directory is absent.
	ErrStagingMissing = errors.New("importflow: staging directory missing on server")
)
