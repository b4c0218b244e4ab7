package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mwardle-data/jobs-scraper-project/internal/config"
	apperrors "github.com/mwardle-data/jobs-scraper-project/internal/errors"
	"github.com/mwardle-data/jobs-scraper-project/internal/ledger"
	"github.com/mwardle-data/jobs-scraper-project/internal/metrics"
	"github.com/mwardle-data/jobs-scraper-project/internal/models"
)

type fakeCollector struct {
	refs []string
	err  error
}

func (f *fakeCollector) FetchAll(context.Context) ([]string, error) {
	return f.refs, f.err
}

type fakeDetails struct {
	fail  map[string]error
	calls []string
}

func (f *fakeDetails) FetchDetail(_ context.Context, ref models.Reference) (models.JobRecord, error) {
	f.calls = append(f.calls, ref.JobID)
	if err := f.fail[ref.JobID]; err != nil {
		return models.JobRecord{}, err
	}
	rec := models.NewJobRecord(ref.JobID)
	rec.Fields.Set(models.FieldTitle, "X")
	return rec, nil
}

type recordingSink struct {
	keys   []string
	bodies map[string]string
	err    error
}

func (s *recordingSink) Upload(_ context.Context, localPath, key string) error {
	if s.err != nil {
		return s.err
	}
	body, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	if s.bodies == nil {
		s.bodies = make(map[string]string)
	}
	s.keys = append(s.keys, key)
	s.bodies[key] = string(body)
	return nil
}

func (s *recordingSink) Close() error { return nil }

type harness struct {
	cfg     *config.Config
	ledger  *ledger.Ledger
	details *fakeDetails
	metrics *metrics.Run
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.LedgerPath = filepath.Join(dir, "jobs_seen.jsonl")
	cfg.Storage.OutputPath = filepath.Join(dir, "jobs.jsonl")
	cfg.Storage.NewURLsPath = filepath.Join(dir, "urls.jsonl")
	return &harness{
		cfg:     cfg,
		ledger:  ledger.New(cfg.Storage.LedgerPath),
		details: &fakeDetails{},
		metrics: metrics.New(),
	}
}

var fixedNow = time.Date(2026, 3, 9, 8, 15, 0, 0, time.UTC)

func (h *harness) harvester(refs []string, snk *recordingSink) *Harvester {
	var hv *Harvester
	if snk == nil {
		hv = NewHarvester(h.cfg, &fakeCollector{refs: refs}, h.details, h.ledger, nil, h.metrics)
	} else {
		hv = NewHarvester(h.cfg, &fakeCollector{refs: refs}, h.details, h.ledger, snk, h.metrics)
	}
	hv.now = func() time.Time { return fixedNow }
	return hv
}

func readLines(t *testing.T, path string) []map[string]string {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	var out []map[string]string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]string
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad line %q in %s: %v", line, path, err)
		}
		out = append(out, m)
	}
	return out
}

func ids(lines []map[string]string) []string {
	var out []string
	for _, l := range lines {
		out = append(out, l["job_id"])
	}
	return out
}

var threeListings = []string{
	"https://findajob.dwp.gov.uk/details/A",
	"https://findajob.dwp.gov.uk/details/B/",
	"https://findajob.dwp.gov.uk/details/C",
}

func TestRunEndToEnd(t *testing.T) {
	h := newHarness(t)
	report, err := h.harvester(threeListings, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.Stage != StageDone || report.Collected != 3 || report.New != 3 || report.Emitted != 3 {
		t.Fatalf("unexpected report %+v", report)
	}

	seen := readLines(t, h.cfg.Storage.LedgerPath)
	if got := ids(seen); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Fatalf("ledger ids = %v", got)
	}
	for _, rec := range seen {
		if rec["first_seen_at"] != "2026-03-09T08:15:00.000000" {
			t.Fatalf("unexpected timestamp %q", rec["first_seen_at"])
		}
	}
	if seen[1]["url"] != "https://findajob.dwp.gov.uk/details/B/" {
		t.Fatalf("ledger must keep the reference as collected, got %q", seen[1]["url"])
	}

	out := readLines(t, h.cfg.Storage.OutputPath)
	if got := ids(out); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Fatalf("output ids = %v", got)
	}
	if out[0]["Job title"] != "X" {
		t.Fatalf("unexpected record %v", out[0])
	}

	urls := readLines(t, h.cfg.Storage.NewURLsPath)
	if len(urls) != 3 || urls[0]["source"] != "findajob.dwp.gov.uk" {
		t.Fatalf("unexpected new-URLs log %v", urls)
	}

	if got := testutil.ToFloat64(h.metrics.RecordsEmitted); got != 3 {
		t.Fatalf("emitted metric = %v", got)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.harvester(threeListings, nil).Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := h.harvester(threeListings, nil).Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.New != 0 || report.Emitted != 0 || report.Known != 3 {
		t.Fatalf("second run should find nothing new: %+v", report)
	}
	if len(h.details.calls) != 3 {
		t.Fatalf("expected 3 detail fetches across both runs, got %v", h.details.calls)
	}
	if n := len(readLines(t, h.cfg.Storage.OutputPath)); n != 3 {
		t.Fatalf("expected 3 output records, got %d", n)
	}
	if n := len(readLines(t, h.cfg.Storage.LedgerPath)); n != 3 {
		t.Fatalf("expected 3 ledger records, got %d", n)
	}
}

func TestRunDeduplicatesWithinBatch(t *testing.T) {
	h := newHarness(t)
	refs := []string{
		"https://findajob.dwp.gov.uk/details/A",
		"https://findajob.dwp.gov.uk/details/B",
		"https://findajob.dwp.gov.uk/details/A/",
	}
	report, err := h.harvester(refs, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.New != 2 || report.Known != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if !reflect.DeepEqual(h.details.calls, []string{"A", "B"}) {
		t.Fatalf("detail calls = %v", h.details.calls)
	}
	if got := ids(readLines(t, h.cfg.Storage.LedgerPath)); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("ledger ids = %v", got)
	}
}

func TestRunSkipsKnownIdentities(t *testing.T) {
	h := newHarness(t)
	known := []models.Reference{{JobID: "B", URL: "https://old.example/details/B"}}
	if err := h.ledger.Append(context.Background(), known, fixedNow.Add(-24*time.Hour)); err != nil {
		t.Fatal(err)
	}

	report, err := h.harvester(threeListings, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !reflect.DeepEqual(h.details.calls, []string{"A", "C"}) {
		t.Fatalf("known identity must not be fetched, calls = %v", h.details.calls)
	}
	if report.Known != 1 || report.New != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	// B was claimed by an earlier run but never emitted.
	if report.Pending != 1 {
		t.Fatalf("expected 1 pending identity, got %d", report.Pending)
	}
}

func TestRunSkipsReferencesWithoutIdentity(t *testing.T) {
	h := newHarness(t)
	refs := []string{"https://findajob.dwp.gov.uk/", "https://findajob.dwp.gov.uk/details/A"}
	report, err := h.harvester(refs, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Skipped != 1 || report.New != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunRecordsSeenBeforeFetchFailure(t *testing.T) {
	h := newHarness(t)
	h.details.fail = map[string]error{
		"B": apperrors.NewFetchError("https://findajob.dwp.gov.uk/details/B/", 500, nil),
	}

	report, err := h.harvester(threeListings, nil).Run(context.Background())
	if !errors.Is(err, apperrors.ErrFetch) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if report.Stage != StageFailed {
		t.Fatalf("expected failed stage, got %s", report.Stage)
	}
	if !reflect.DeepEqual(h.details.calls, []string{"A", "B"}) {
		t.Fatalf("fetching must stop at the first failure, calls = %v", h.details.calls)
	}

	seen, _, err := h.ledger.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"A", "B", "C"} {
		if _, ok := seen[id]; !ok {
			t.Fatalf("ledger should already hold %s", id)
		}
	}
	if got := ids(readLines(t, h.cfg.Storage.OutputPath)); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("records fetched before the failure must stay emitted, got %v", got)
	}
	if report.Emitted != 1 {
		t.Fatalf("expected 1 emitted record, got %d", report.Emitted)
	}
	if got := testutil.ToFloat64(h.metrics.LastRunSuccess); got != 0 {
		t.Fatalf("last run success = %v", got)
	}
}

func TestRunKeepsFetchedRecordsWhenLastListingFails(t *testing.T) {
	h := newHarness(t)
	h.details.fail = map[string]error{
		"C": apperrors.NewFetchError("https://findajob.dwp.gov.uk/details/C", 500, nil),
	}
	ctx := context.Background()

	if _, err := h.harvester(threeListings, nil).Run(ctx); !errors.Is(err, apperrors.ErrFetch) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if got := ids(readLines(t, h.cfg.Storage.OutputPath)); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("output ids = %v", got)
	}

	h.details.fail = nil
	report, err := h.harvester(threeListings, nil).Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.New != 0 || len(h.details.calls) != 3 {
		t.Fatalf("second run must not refetch, report = %+v, calls = %v", report, h.details.calls)
	}
	// Only the failed listing is left without a record.
	if report.Pending != 1 {
		t.Fatalf("expected 1 pending identity, got %d", report.Pending)
	}
}

func TestRunCreatesStorageDirectories(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Join(t.TempDir(), "data")
	h.cfg.Storage.LedgerPath = filepath.Join(dir, "jobs_seen.jsonl")
	h.cfg.Storage.OutputPath = filepath.Join(dir, "jobs.jsonl")
	h.cfg.Storage.NewURLsPath = filepath.Join(dir, "urls.jsonl")
	h.ledger = ledger.New(h.cfg.Storage.LedgerPath)

	report, err := h.harvester(threeListings, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run on a fresh directory: %v", err)
	}
	if report.Emitted != 3 {
		t.Fatalf("expected 3 emitted records, got %+v", report)
	}
	if n := len(readLines(t, h.cfg.Storage.LedgerPath)); n != 3 {
		t.Fatalf("expected 3 ledger records, got %d", n)
	}
}

func TestRunIsolatesItemFailures(t *testing.T) {
	h := newHarness(t)
	h.cfg.Harvest.IsolateFailures = true
	h.details.fail = map[string]error{
		"B": apperrors.NewExtractionError("https://findajob.dwp.gov.uk/details/B/", "details table"),
	}

	report, err := h.harvester(threeListings, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Emitted != 2 || report.Failed != 1 || report.Pending != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := ids(readLines(t, h.cfg.Storage.OutputPath)); !reflect.DeepEqual(got, []string{"A", "C"}) {
		t.Fatalf("output ids = %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.ItemFailures.WithLabelValues("extraction")); got != 1 {
		t.Fatalf("extraction failures = %v", got)
	}
}

func TestRunIsolateStillAbortsOnOtherErrors(t *testing.T) {
	h := newHarness(t)
	h.cfg.Harvest.IsolateFailures = true
	h.details.fail = map[string]error{"A": errors.New("disk full")}

	if _, err := h.harvester(threeListings, nil).Run(context.Background()); err == nil {
		t.Fatal("expected non-item failure to abort the run")
	}
}

func TestRunCollectFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	collectErr := apperrors.NewFetchError("https://findajob.dwp.gov.uk/search?p=2", 503, nil)
	hv := NewHarvester(h.cfg, &fakeCollector{refs: threeListings[:1], err: collectErr}, h.details, h.ledger, nil, h.metrics)

	report, err := hv.Run(context.Background())
	if !errors.Is(err, apperrors.ErrFetch) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if report.Stage != StageFailed {
		t.Fatalf("expected failed stage, got %s", report.Stage)
	}
	if len(h.details.calls) != 0 {
		t.Fatalf("nothing downstream may run, calls = %v", h.details.calls)
	}
	if _, err := os.Stat(h.cfg.Storage.LedgerPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("ledger must not be written, stat err = %v", err)
	}
}

func TestRunUploadsBothFiles(t *testing.T) {
	h := newHarness(t)
	snk := &recordingSink{}

	report, err := h.harvester(threeListings, snk).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"urls/2026-03-09/urls.jsonl", "jobs/2026-03-09/jobs.jsonl"}
	if !reflect.DeepEqual(snk.keys, want) || !reflect.DeepEqual(report.Uploaded, want) {
		t.Fatalf("uploaded keys = %v, report = %v", snk.keys, report.Uploaded)
	}
	if strings.Count(snk.bodies[want[1]], "\n") != 3 {
		t.Fatalf("unexpected jobs body %q", snk.bodies[want[1]])
	}
}

func TestRunUploadsEmptyOutputWhenNothingNew(t *testing.T) {
	h := newHarness(t)
	snk := &recordingSink{}

	report, err := h.harvester(nil, snk).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Uploaded) != 2 || snk.bodies["jobs/2026-03-09/jobs.jsonl"] != "" {
		t.Fatalf("expected both files uploaded empty, got %v", snk.bodies)
	}
}

func TestRunUploadFailureFailsRun(t *testing.T) {
	h := newHarness(t)
	snk := &recordingSink{err: errors.New("bucket unavailable")}

	report, err := h.harvester(threeListings, snk).Run(context.Background())
	if err == nil || report.Stage != StageFailed {
		t.Fatalf("expected upload failure, got %v (%s)", err, report.Stage)
	}
	if n := len(readLines(t, h.cfg.Storage.OutputPath)); n != 3 {
		t.Fatalf("records must stay emitted locally, got %d", n)
	}
}

func TestRunRefusesConcurrentRun(t *testing.T) {
	h := newHarness(t)
	other := ledger.New(h.cfg.Storage.LedgerPath)
	if err := other.Lock(); err != nil {
		t.Fatal(err)
	}
	defer other.Unlock()

	_, err := h.harvester(threeListings, nil).Run(context.Background())
	if !errors.Is(err, apperrors.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if len(h.details.calls) != 0 {
		t.Fatal("a locked-out run must not fetch")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.harvester(threeListings, nil).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(h.details.calls) != 0 {
		t.Fatalf("no fetch expected after cancellation, calls = %v", h.details.calls)
	}
}

func TestPending(t *testing.T) {
	out := filepath.Join(t.TempDir(), "jobs.jsonl")
	body := "{\"job_id\":\"A\",\"Job title\":\"X\"}\nnot json\n{\"job_id\":\"C\"}\n"
	if err := os.WriteFile(out, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	ledgerIDs := map[string]struct{}{"A": {}, "B": {}, "C": {}, "D": {}}

	got, err := Pending(ledgerIDs, out)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"B", "D"}) {
		t.Fatalf("pending = %v", got)
	}

	got, err = Pending(ledgerIDs, filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil || len(got) != 4 {
		t.Fatalf("missing output: pending = %v, err = %v", got, err)
	}
}

func TestStageString(t *testing.T) {
	if StageRecordSeen.String() != "record_seen" || StageFailed.String() != "failed" {
		t.Fatal("unexpected stage names")
	}
	if Stage(42).String() != "unknown" {
		t.Fatal("out of range stage should be unknown")
	}
}
