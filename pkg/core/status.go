package core

// RefreshStatus recomputes the job-level status from the current entry set
// and the explicit confirmation flag. It is a pure function of the record: it
// never consults the clock or any external state, so two workers refreshing
// the same record always agree.
//
// Terminal statuses (done, error) and the transient importing status are
// owned by the import orchestrator and are left untouched here.
func RefreshStatus(j *Job) {
	if j.Terminal() || j.Status == StatusImporting {
		return
	}

	if j.HasPendingUploads() {
		j.Status = StatusUploading
		return
	}

	// Bundle mode: when nothing requires classification (e.g. only auxiliary
	// data files, or everything skipped), do not get stuck in "checking".
	if j.SpecialUpload == SpecialUploadBundle && len(j.CompatibilityPending()) == 0 {
		switch j.CompatibilityStatus {
		case CompatStatusCompatible, CompatStatusIncompatible, CompatStatusError:
		default:
			j.CompatibilityStatus = CompatStatusCompatible
		}
	}

	switch j.CompatibilityStatus {
	case CompatStatusIncompatible:
		if j.Confirmed {
			j.Status = StatusReady
		} else {
			j.Status = StatusAwaitingConfirmation
		}
	case CompatStatusError:
		// Classification errors must not block import; the import step
		// produces the authoritative errors.
		j.Status = StatusReady
	case CompatStatusCompatible:
		j.Status = StatusReady
	default:
		j.Status = StatusChecking
	}
}

// RecomputeCompatibility derives the job-level classification aggregate from
// the entry set. Called after classification results are applied and after
// entry uploads complete.
func RecomputeCompatibility(j *Job) {
	j.IncompatibleFiles = j.IncompatibleFiles[:0]
	hasErrors := false
	for i := range j.Entries {
		switch j.Entries[i].Compatibility {
		case CompatIncompatible:
			j.IncompatibleFiles = append(j.IncompatibleFiles, j.Entries[i].RelativePath)
		case CompatError:
			hasErrors = true
		}
	}

	switch {
	case len(j.IncompatibleFiles) > 0:
		j.CompatibilityStatus = CompatStatusIncompatible
	case len(j.CompatibilityPending()) > 0:
		j.CompatibilityStatus = CompatStatusChecking
	case hasErrors:
		j.CompatibilityStatus = CompatStatusError
	default:
		hasUploaded := false
		for i := range j.Entries {
			if j.Entries[i].Status == EntryUploaded || j.Entries[i].Status == EntryImported {
				hasUploaded = true
				break
			}
		}
		if hasUploaded {
			j.CompatibilityStatus = CompatStatusCompatible
		} else if j.CompatibilityStatus == "" {
			j.CompatibilityStatus = CompatStatusPending
		}
	}
}
