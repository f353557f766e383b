package importer

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/jdziat/importflow/pkg/core"
	"github.com/jdziat/importflow/pkg/remote"
	"github.com/jdziat/importflow/pkg/security"
)

// revalidateEvery is how many attachments to make before checking that the
// privileged session is still alive. Attachment phases can run long enough
// for the session to expire server-side.
const revalidateEvery = 10

// runBundlePhase performs bundle post-processing after the import waves:
// derived plot images are imported next to their primaries, and auxiliary
// data files are attached to the primary's remote image. Failures are
// recorded on the job; only losing the privileged session aborts the phase.
func (o *Orchestrator) runBundlePhase(ctx context.Context, userConn remote.Conn, resolver *datasetResolver, jobID string) {
	job, err := o.store.Load(ctx, jobID)
	if err != nil {
		o.logger.Error("bundle phase aborted", "job_id", jobID, "error", err)
		return
	}
	if len(job.BundleAssociations) == 0 {
		return
	}

	primaries := make([]string, 0, len(job.BundleAssociations))
	for primary := range job.BundleAssociations {
		primaries = append(primaries, primary)
	}
	sort.Strings(primaries)

	if job.BundleSettings.CreatePlotImages {
		o.importPlots(ctx, userConn, resolver, job, primaries)
	}

	o.attachAuxiliaries(ctx, resolver, job, primaries)
}

// importPlots renders each auxiliary data file into a PNG and imports it into
// the same dataset as its primary.
func (o *Orchestrator) importPlots(ctx context.Context, conn remote.Conn, resolver *datasetResolver, job *core.Job, primaries []string) {
	for _, primary := range primaries {
		pe := job.EntryByPath(primary)
		if pe == nil || pe.Status != core.EntryImported {
			continue
		}
		datasetID, err := resolver.resolve(ctx, pe)
		if err != nil {
			o.recordJobError(ctx, job.ID, fmt.Sprintf("resolving dataset for plots of %s: %v", primary, err))
			continue
		}

		for _, aux := range job.BundleAssociations[primary] {
			ae := job.EntryByPath(aux)
			if ae == nil || ae.StagedPath == "" {
				continue
			}
			plotPath, err := ensurePlot(ae.StagedPath)
			if err != nil {
				o.recordJobError(ctx, job.ID, fmt.Sprintf("plotting %s: %v", aux, err))
				continue
			}
			if err := conn.ImportFile(ctx, plotPath, datasetID); err != nil {
				o.recordJobError(ctx, job.ID, fmt.Sprintf("importing plot for %s: %v", aux, err))
				continue
			}
			o.recordJobMessage(ctx, job.ID, fmt.Sprintf("imported plot for %s", aux))
		}
	}
}

// attachAuxiliaries links each auxiliary data file to its primary's remote
// image through the privileged service connection, revalidating the session
// periodically and redialing (with a cache rebuild) when it goes stale.
// When plot attachments are enabled, the rendered plot is attached next to
// its data file.
func (o *Orchestrator) attachAuxiliaries(ctx context.Context, resolver *datasetResolver, job *core.Job, primaries []string) {
	if !o.service.Valid() {
		o.recordJobError(ctx, job.ID, "attachment phase skipped: no service connection configured")
		return
	}

	conn, err := o.dialer.Dial(ctx, o.service)
	if err != nil {
		o.recordJobError(ctx, job.ID, fmt.Sprintf("attachment phase skipped: %v", err))
		return
	}
	defer func() { _ = conn.Close() }()

	cache, err := o.buildImageCache(ctx, conn, resolver, job, primaries)
	if err != nil {
		o.recordJobError(ctx, job.ID, fmt.Sprintf("looking up imported images: %v", err))
		return
	}

	attached := 0
	for _, primary := range primaries {
		img, ok := cache[primary]
		if !ok {
			o.recordJobError(ctx, job.ID, fmt.Sprintf("no remote image found for %s, skipping its attachments", primary))
			continue
		}

		for _, aux := range job.BundleAssociations[primary] {
			ae := job.EntryByPath(aux)
			if ae == nil || ae.StagedPath == "" || ae.Status == core.EntryImported {
				continue
			}

			if attached > 0 && attached%revalidateEvery == 0 && !conn.ValidateSession(ctx) {
				o.logger.Warn("service session went stale, redialing", "job_id", job.ID)
				_ = conn.Close()
				conn, err = o.dialer.Dial(ctx, o.service)
				if err != nil {
					o.recordJobError(ctx, job.ID, fmt.Sprintf("attachment phase aborted, reconnect failed: %v", err))
					return
				}
				cache, err = o.buildImageCache(ctx, conn, resolver, job, primaries)
				if err != nil {
					o.recordJobError(ctx, job.ID, fmt.Sprintf("attachment phase aborted, lookup failed after reconnect: %v", err))
					return
				}
				if img, ok = cache[primary]; !ok {
					break
				}
			}

			if aerr := conn.AttachFile(ctx, img.ID, ae.StagedPath, "text/plain"); aerr != nil {
				o.recordEntryError(ctx, job.ID, aux, fmt.Sprintf("attaching to %s: %v", primary, aerr))
				attached++
				continue
			}
			o.recordEntryAttached(ctx, job.ID, aux, primary)
			attached++

			if !job.BundleSettings.CreatePlotAttachments {
				continue
			}
			plotPath, perr := ensurePlot(ae.StagedPath)
			if perr != nil {
				o.recordJobError(ctx, job.ID, fmt.Sprintf("plotting %s for attachment: %v", aux, perr))
				continue
			}
			if aerr := conn.AttachFile(ctx, img.ID, plotPath, "image/png"); aerr != nil {
				o.recordJobError(ctx, job.ID, fmt.Sprintf("attaching plot for %s: %v", aux, aerr))
				continue
			}
			o.recordJobMessage(ctx, job.ID, fmt.Sprintf("attached plot for %s to %s", aux, primary))
			attached++
		}
	}
}

// buildImageCache resolves primary paths to remote images. Lookups are
// batched per dataset; names missing from their dataset are retried with one
// global lookup, since an image may have been moved after import.
func (o *Orchestrator) buildImageCache(ctx context.Context, conn remote.Conn, resolver *datasetResolver, job *core.Job, primaries []string) (map[string]remote.Image, error) {
	byDataset := make(map[int64][]string)
	nameToPaths := make(map[string][]string)
	for _, primary := range primaries {
		pe := job.EntryByPath(primary)
		if pe == nil || pe.Status != core.EntryImported {
			continue
		}
		datasetID, err := resolver.resolve(ctx, pe)
		if err != nil {
			return nil, err
		}
		name := imageNameFor(primary)
		byDataset[datasetID] = append(byDataset[datasetID], name)
		nameToPaths[name] = append(nameToPaths[name], primary)
	}

	cache := make(map[string]remote.Image)
	var missing []string
	for datasetID, names := range byDataset {
		found, err := conn.FindImagesByName(ctx, names, datasetID)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if img, ok := found[name]; ok {
				for _, primary := range nameToPaths[name] {
					cache[primary] = img
				}
			} else {
				missing = append(missing, name)
			}
		}
	}

	if len(missing) > 0 {
		found, err := conn.FindImagesByName(ctx, missing, 0)
		if err != nil {
			return nil, err
		}
		for name, img := range found {
			for _, primary := range nameToPaths[name] {
				if _, ok := cache[primary]; !ok {
					cache[primary] = img
				}
			}
		}
	}
	return cache, nil
}

// imageNameFor is the remote image name the import tool assigns: the base
// file name.
func imageNameFor(rel string) string {
	return path.Base(strings.ReplaceAll(rel, `\`, "/"))
}

// plotPathFor places the rendered plot next to the data file.
func plotPathFor(dataPath string) string {
	return strings.TrimSuffix(dataPath, path.Ext(dataPath)) + "_plot.png"
}

func (o *Orchestrator) recordJobMessage(ctx context.Context, jobID, msg string) {
	if _, err := o.store.Update(ctx, jobID, func(j *core.Job) error {
		j.AppendMessage(security.SanitizeMessage(msg))
		return nil
	}); err != nil {
		o.logger.Error("recording job message failed", "job_id", jobID, "error", err)
	}
}

func (o *Orchestrator) recordJobError(ctx context.Context, jobID, msg string) {
	o.logger.Warn("bundle phase error", "job_id", jobID, "error", msg)
	if _, err := o.store.Update(ctx, jobID, func(j *core.Job) error {
		j.AppendError(security.SanitizeMessage(msg))
		return nil
	}); err != nil {
		o.logger.Error("recording job error failed", "job_id", jobID, "error", err)
	}
}

func (o *Orchestrator) recordEntryError(ctx context.Context, jobID, rel, msg string) {
	if _, err := o.store.Update(ctx, jobID, func(j *core.Job) error {
		e := j.EntryByPath(rel)
		if e != nil {
			e.Status = core.EntryError
			e.Errors = append(e.Errors, security.SanitizeMessage(msg))
		}
		j.AppendError(security.SanitizeMessage(fmt.Sprintf("%s: %s", rel, msg)))
		return nil
	}); err != nil {
		o.logger.Error("recording entry error failed", "job_id", jobID, "error", err)
	}
}

func (o *Orchestrator) recordEntryAttached(ctx context.Context, jobID, rel, primary string) {
	if _, err := o.store.Update(ctx, jobID, func(j *core.Job) error {
		e := j.EntryByPath(rel)
		if e != nil {
			e.Status = core.EntryImported
			j.ImportedBytes += e.Size
		}
		j.AppendMessage(fmt.Sprintf("attached %s to %s", rel, primary))
		return nil
	}); err != nil {
		o.logger.Error("recording attachment failed", "job_id", jobID, "error", err)
	}
}
