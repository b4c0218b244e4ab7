// Package app runs one incremental harvest: collect listing references, drop
// the ones the ledger already knows, claim the rest as seen, fetch their
// details and hand the resulting files to the sink.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mwardle-data/jobs-scraper-project/internal/config"
	apperrors "github.com/mwardle-data/jobs-scraper-project/internal/errors"
	"github.com/mwardle-data/jobs-scraper-project/internal/jsonl"
	"github.com/mwardle-data/jobs-scraper-project/internal/ledger"
	"github.com/mwardle-data/jobs-scraper-project/internal/logger"
	"github.com/mwardle-data/jobs-scraper-project/internal/metrics"
	"github.com/mwardle-data/jobs-scraper-project/internal/models"
	"github.com/mwardle-data/jobs-scraper-project/internal/paginator"
	"github.com/mwardle-data/jobs-scraper-project/internal/sink"
	"github.com/mwardle-data/jobs-scraper-project/internal/utils"
)

// ReferenceCollector returns every listing reference for the configured search.
type ReferenceCollector interface {
	FetchAll(ctx context.Context) ([]string, error)
}

type DetailFetcher interface {
	FetchDetail(ctx context.Context, ref models.Reference) (models.JobRecord, error)
}

type RunReport struct {
	RunID     string
	Stage     Stage
	Collected int
	Known     int
	Skipped   int
	New       int
	Emitted   int
	Failed    int
	Pending   int
	Uploaded  []string
}

type Harvester struct {
	refs    ReferenceCollector
	details DetailFetcher
	ledger  *ledger.Ledger
	sink    sink.Sink
	metrics *metrics.Run

	outputPath      string
	newURLsPath     string
	source          string
	isolateFailures bool

	now func() time.Time
	log *slog.Logger
}

// NewHarvester wires a run. snk may be nil, in which case UPLOAD is skipped.
func NewHarvester(cfg *config.Config, refs ReferenceCollector, details DetailFetcher, led *ledger.Ledger, snk sink.Sink, m *metrics.Run) *Harvester {
	if m == nil {
		m = metrics.New()
	}
	return &Harvester{
		refs:            refs,
		details:         details,
		ledger:          led,
		sink:            snk,
		metrics:         m,
		outputPath:      cfg.Storage.OutputPath,
		newURLsPath:     cfg.Storage.NewURLsPath,
		source:          cfg.SourceLabel(),
		isolateFailures: cfg.Harvest.IsolateFailures,
		now:             time.Now,
		log:             logger.WithComponent("harvester"),
	}
}

// Run executes the pipeline once. The ledger lock is held for the whole run.
// On error the report carries StageFailed and the counts reached so far;
// nothing already appended to the ledger or the logs is rolled back.
func (h *Harvester) Run(ctx context.Context) (report RunReport, err error) {
	report.RunID = uuid.NewString()
	report.Stage = StageStart
	log := h.log.With("run_id", report.RunID)

	if err := h.ledger.Lock(); err != nil {
		report.Stage = StageFailed
		return report, err
	}
	defer func() {
		if uerr := h.ledger.Unlock(); uerr != nil {
			log.WarnContext(ctx, "failed to release ledger lock", "error", uerr)
		}
	}()

	var failedAt Stage
	defer func() {
		if err != nil {
			log.ErrorContext(ctx, "run failed", "stage", failedAt.String(), "error", err)
			report.Stage = StageFailed
		} else {
			report.Stage = StageDone
		}
		h.metrics.Finish(err == nil, h.now())
	}()

	step := func(stage Stage, fn func() error) error {
		report.Stage = stage
		start := time.Now()
		stepErr := fn()
		h.metrics.ObserveStage(stage.String(), time.Since(start))
		if stepErr != nil {
			failedAt = stage
		}
		return stepErr
	}

	runTime := h.now()
	log.InfoContext(ctx, "run started", "source", h.source, "isolate_failures", h.isolateFailures)

	var raw []string
	if err := step(StageCollectReferences, func() error {
		var cerr error
		raw, cerr = h.refs.FetchAll(ctx)
		return cerr
	}); err != nil {
		return report, fmt.Errorf("collecting references: %w", err)
	}
	report.Collected = len(raw)
	h.metrics.ReferencesCollected.Add(float64(len(raw)))
	log.InfoContext(ctx, "references collected", "collected", len(raw))

	var seen map[string]struct{}
	if err := step(StageLoadLedger, func() error {
		var stats ledger.LoadStats
		var lerr error
		seen, stats, lerr = h.ledger.Load(ctx)
		if lerr == nil {
			log.InfoContext(ctx, "ledger loaded", "known", stats.Loaded, "lines", stats.Lines, "skipped_lines", stats.Skipped)
		}
		return lerr
	}); err != nil {
		return report, fmt.Errorf("loading ledger: %w", err)
	}

	var fresh []models.Reference
	_ = step(StageFilterNew, func() error {
		var known, skipped int
		fresh, known, skipped = filterNew(raw, seen)
		report.Known = known
		report.Skipped = skipped
		return nil
	})
	report.New = len(fresh)
	h.metrics.ReferencesKnown.Add(float64(report.Known))
	h.metrics.ReferencesNew.Add(float64(report.New))
	log.InfoContext(ctx, "references filtered", "collected", report.Collected, "known", report.Known, "new", report.New, "no_identity", report.Skipped)

	if err := step(StageRecordSeen, func() error {
		return h.recordSeen(ctx, fresh, runTime)
	}); err != nil {
		return report, fmt.Errorf("recording seen listings: %w", err)
	}

	// Records are appended as they are fetched, so a fail-fast abort keeps
	// everything fetched before the failing listing.
	var out *jsonl.Writer
	if err := step(StageFetchNew, func() error {
		var oerr error
		out, oerr = jsonl.OpenWriter(h.outputPath)
		if oerr != nil {
			return oerr
		}
		return h.fetchNew(ctx, log, fresh, out, &report)
	}); err != nil {
		if out != nil {
			if cerr := out.Close(); cerr != nil {
				log.WarnContext(ctx, "failed to close output log", "error", cerr)
			}
		}
		return report, err
	}

	if err := step(StageEmit, func() error {
		return out.Close()
	}); err != nil {
		return report, fmt.Errorf("emitting records: %w", err)
	}
	log.InfoContext(ctx, "records emitted", "emitted", report.Emitted, "failed", report.Failed, "path", h.outputPath)

	if err := step(StageUpload, func() error {
		var uerr error
		report.Uploaded, uerr = h.upload(ctx, runTime)
		return uerr
	}); err != nil {
		return report, fmt.Errorf("uploading: %w", err)
	}

	for _, ref := range fresh {
		seen[ref.JobID] = struct{}{}
	}
	pending, perr := Pending(seen, h.outputPath)
	if perr != nil {
		log.WarnContext(ctx, "reconciliation skipped", "error", perr)
	} else if len(pending) > 0 {
		report.Pending = len(pending)
		log.WarnContext(ctx, "seen listings without a record", "pending", len(pending))
	}

	log.InfoContext(ctx, "run finished",
		"collected", report.Collected,
		"known", report.Known,
		"new", report.New,
		"emitted", report.Emitted,
		"failed", report.Failed,
		"uploaded", len(report.Uploaded),
	)
	return report, nil
}

// filterNew keeps references whose identity is not in seen, in input order.
// Identities chosen earlier in the same batch count as seen. seen itself is
// not modified.
func filterNew(raw []string, seen map[string]struct{}) (fresh []models.Reference, known, skipped int) {
	chosen := make(map[string]struct{})
	for _, ref := range raw {
		id := utils.JobID(ref)
		if id == "" {
			skipped++
			continue
		}
		if _, ok := seen[id]; ok {
			known++
			continue
		}
		if _, ok := chosen[id]; ok {
			known++
			continue
		}
		chosen[id] = struct{}{}
		fresh = append(fresh, models.Reference{JobID: id, URL: ref})
	}
	return fresh, known, skipped
}

// recordSeen claims refs in the ledger and then appends them to the new-URLs
// log. Both are fsynced before any detail fetch starts.
func (h *Harvester) recordSeen(ctx context.Context, refs []models.Reference, now time.Time) error {
	if err := h.ledger.Append(ctx, refs, now); err != nil {
		return err
	}

	w, err := jsonl.OpenWriter(h.newURLsPath)
	if err != nil {
		return err
	}
	stamp := ledger.FormatTimestamp(now)
	batch := make([]any, 0, len(refs))
	for _, ref := range refs {
		batch = append(batch, models.URLRecord{JobID: ref.JobID, URL: ref.URL, Source: h.source, FirstSeenAt: stamp})
	}
	if err := w.WriteBatch(batch); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// fetchNew fetches each reference in order and appends its record to out
// before moving on. The output file is created even when there is nothing to
// write so UPLOAD always has it.
func (h *Harvester) fetchNew(ctx context.Context, log *slog.Logger, refs []models.Reference, out *jsonl.Writer, report *RunReport) error {
	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := h.details.FetchDetail(ctx, ref)
		if err != nil {
			reason := failureReason(err)
			h.metrics.ItemFailures.WithLabelValues(reason).Inc()
			report.Failed++

			if !h.isolateFailures || !apperrors.IsItemFailure(err) {
				return fmt.Errorf("fetching details for %s: %w", ref.JobID, err)
			}
			log.WarnContext(ctx, "skipping listing", "job_id", ref.JobID, "url", ref.URL, "reason", reason, "error", err)
			continue
		}

		// The record identity is the one that produced the fetch.
		rec.Fields.Set(models.FieldJobID, ref.JobID)
		if err := out.Write(rec); err != nil {
			return fmt.Errorf("emitting %s: %w", ref.JobID, err)
		}
		report.Emitted++
		h.metrics.RecordsEmitted.Inc()
		log.DebugContext(ctx, "listing emitted", "job_id", ref.JobID, "n", i+1, "of", len(refs))
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrExtraction):
		return "extraction"
	case errors.Is(err, apperrors.ErrDisallowed):
		return "disallowed"
	default:
		return "fetch"
	}
}

func (h *Harvester) upload(ctx context.Context, runTime time.Time) ([]string, error) {
	if h.sink == nil {
		return nil, nil
	}
	files := []struct {
		kind string
		path string
	}{
		{sink.KindURLs, h.newURLsPath},
		{sink.KindJobs, h.outputPath},
	}

	var keys []string
	for _, f := range files {
		key := sink.Key(f.kind, runTime, filepath.Base(f.path))
		if err := h.sink.Upload(ctx, f.path, key); err != nil {
			return keys, fmt.Errorf("%s -> %s: %w", f.path, key, err)
		}
		keys = append(keys, key)
		h.log.InfoContext(ctx, "file uploaded", "path", f.path, "key", key)
	}
	return keys, nil
}

// CountingSource counts every page request made through it.
type CountingSource struct {
	paginator.PageSource
	Metrics *metrics.Run
}

func (c CountingSource) FetchPage(ctx context.Context, page int) ([]string, error) {
	c.Metrics.PagesFetched.Inc()
	return c.PageSource.FetchPage(ctx, page)
}
