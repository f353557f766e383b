package core

import "time"

// Event is the interface for all orchestration events.
type Event interface {
	eventMarker()
}

// ClassificationStarted is emitted when a classification pass begins.
type ClassificationStarted struct {
	JobID     string
	Pending   int
	Timestamp time.Time
}

func (*ClassificationStarted) eventMarker() {}

// ClassificationCompleted is emitted when a classification pass finishes.
type ClassificationCompleted struct {
	JobID     string
	Checked   int
	Timestamp time.Time
}

func (*ClassificationCompleted) eventMarker() {}

// ImportStarted is emitted when the import pass for a job is scheduled.
type ImportStarted struct {
	JobID     string
	Timestamp time.Time
}

func (*ImportStarted) eventMarker() {}

// FileImported is emitted when a single entry is imported successfully.
type FileImported struct {
	JobID        string
	RelativePath string
	Bytes        int64
	Timestamp    time.Time
}

func (*FileImported) eventMarker() {}

// JobFinished is emitted when a job reaches a terminal status.
type JobFinished struct {
	JobID     string
	Status    JobStatus
	Timestamp time.Time
}

func (*JobFinished) eventMarker() {}
