// Package core provides the domain models and interfaces for the importflow module.
package core

import (
	"time"
)

// JobStatus represents the current state of an import job.
type JobStatus string

const (
	StatusUploading            JobStatus = "uploading"
	StatusChecking             JobStatus = "checking"
	StatusAwaitingConfirmation JobStatus = "awaiting_confirmation"
	StatusReady                JobStatus = "ready"
	StatusImporting            JobStatus = "importing"
	StatusDone                 JobStatus = "done"
	StatusError                JobStatus = "error"
)

// EntryStatus represents the current state of a single file entry.
type EntryStatus string

const (
	EntryPending  EntryStatus = "pending"
	EntryUploaded EntryStatus = "uploaded"
	EntryImported EntryStatus = "imported"
	EntryError    EntryStatus = "error"
)

// Compatibility is the per-entry classification verdict. The empty string
// means the entry has not been classified yet.
type Compatibility string

const (
	CompatUnset        Compatibility = ""
	CompatCompatible   Compatibility = "compatible"
	CompatIncompatible Compatibility = "incompatible"
	CompatError        Compatibility = "error"
)

// CompatibilityStatus is the job-level classification aggregate.
type CompatibilityStatus string

const (
	CompatStatusPending      CompatibilityStatus = "pending"
	CompatStatusChecking     CompatibilityStatus = "checking"
	CompatStatusCompatible   CompatibilityStatus = "compatible"
	CompatStatusIncompatible CompatibilityStatus = "incompatible"
	CompatStatusError        CompatibilityStatus = "error"
)

// SpecialUploadBundle enables the bundle workflow: after the primary import,
// auxiliary data files are associated with a primary file per directory,
// derived plots are imported as siblings, and auxiliaries are attached to the
// primary object in the remote store.
const SpecialUploadBundle = "bundle"

// MaxLogLines bounds the messages and errors logs on a job record.
const MaxLogLines = 1000

// Entry is one file within a job, tracked through upload, classification and
// import.
type Entry struct {
	RelativePath        string        `json:"relative_path"`
	StagedPath          string        `json:"staged_path,omitempty"`
	Status              EntryStatus   `json:"status"`
	Size                int64         `json:"size"`
	Compatibility       Compatibility `json:"compatibility,omitempty"`
	CompatibilityErrors []string      `json:"compatibility_errors,omitempty"`
	ImportSkip          bool          `json:"import_skip,omitempty"`
	CompatibilitySkip   bool          `json:"compatibility_skip,omitempty"`
	DatasetIDOverride   *int64        `json:"dataset_id_override,omitempty"`
	Errors              []string      `json:"errors,omitempty"`
}

// BundleSettings controls optional bundle-mode artifact handling.
type BundleSettings struct {
	CreatePlotAttachments bool `json:"create_plot_attachments"`
	CreatePlotImages      bool `json:"create_plot_images"`
}

// Job is the unit of orchestration: an ordered batch of entries plus
// aggregate state. Jobs are persisted as a single self-describing record and
// mutated exclusively through the store's atomic update.
type Job struct {
	ID     string    `json:"job_id"`
	Owner  string    `json:"owner"`
	Status JobStatus `json:"status"`

	Entries []Entry `json:"files"`

	CompatibilityStatus CompatibilityStatus `json:"compatibility_status,omitempty"`
	IncompatibleFiles   []string            `json:"incompatible_files,omitempty"`
	Confirmed           bool                `json:"confirmed,omitempty"`

	ImportedBytes int64 `json:"imported_bytes"`
	UploadedBytes int64 `json:"uploaded_bytes"`
	BatchSize     int   `json:"batch_size,omitempty"`

	// CheckLease marks an active classification pass. The zero time means no
	// pass is running; an expired lease is treated the same, so a worker that
	// died without clearing it cannot wedge the job.
	CheckLease    time.Time `json:"check_lease,omitempty"`
	ImportStarted bool      `json:"import_started,omitempty"`

	Messages []string `json:"messages,omitempty"`
	Errors   []string `json:"errors,omitempty"`

	DatasetMap    map[string]int64 `json:"dataset_map,omitempty"`
	OrphanDataset string           `json:"orphan_dataset,omitempty"`

	SpecialUpload      string              `json:"special_upload,omitempty"`
	BundleAssociations map[string][]string `json:"bundle_associations,omitempty"`
	BundleSettings     BundleSettings      `json:"bundle_settings"`

	// Remote-store connection parameters supplied by the request layer.
	SessionKey string `json:"session_key,omitempty"`
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	GroupID    int64  `json:"group_id,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusDone || j.Status == StatusError
}

// HasPendingUploads reports whether any entry is still being uploaded.
func (j *Job) HasPendingUploads() bool {
	for i := range j.Entries {
		if j.Entries[i].Status == EntryPending {
			return true
		}
	}
	return false
}

// CompatibilityPending returns the indices of entries that still await
// classification: uploaded, unclassified, and not explicitly skipped.
// Indices are returned in stable entry order.
func (j *Job) CompatibilityPending() []int {
	var pending []int
	for i := range j.Entries {
		e := &j.Entries[i]
		if e.Status == EntryUploaded && e.Compatibility == CompatUnset && !e.CompatibilitySkip {
			pending = append(pending, i)
		}
	}
	return pending
}

// CheckLeaseActive reports whether a classification pass currently holds the
// lease, as of now.
func (j *Job) CheckLeaseActive(now time.Time) bool {
	return !j.CheckLease.IsZero() && j.CheckLease.After(now)
}

// AppendMessage appends a human-readable message to the job log, keeping the
// log bounded.
func (j *Job) AppendMessage(msg string) {
	if msg == "" {
		return
	}
	j.Messages = append(j.Messages, msg)
	if len(j.Messages) > MaxLogLines {
		j.Messages = j.Messages[len(j.Messages)-MaxLogLines:]
	}
}

// AppendError appends an error message to the job log, keeping the log
// bounded.
func (j *Job) AppendError(msg string) {
	if msg == "" {
		return
	}
	j.Errors = append(j.Errors, msg)
	if len(j.Errors) > MaxLogLines {
		j.Errors = j.Errors[len(j.Errors)-MaxLogLines:]
	}
}

// EntryByPath returns the entry with the given relative path, or nil.
func (j *Job) EntryByPath(rel string) *Entry {
	for i := range j.Entries {
		if j.Entries[i].RelativePath == rel {
			return &j.Entries[i]
		}
	}
	return nil
}
