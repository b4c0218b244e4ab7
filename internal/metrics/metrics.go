// Package metrics holds the Prometheus collectors for one harvest run. A run
// is a short-lived process, so the values are written to a node-exporter
// textfile at the end instead of being served over HTTP.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Run struct {
	registry *prometheus.Registry

	PagesFetched        prometheus.Counter
	ReferencesCollected prometheus.Counter
	ReferencesKnown     prometheus.Counter
	ReferencesNew       prometheus.Counter
	RecordsEmitted      prometheus.Counter
	ItemFailures        *prometheus.CounterVec
	StageDuration       *prometheus.GaugeVec
	LastRunSuccess      prometheus.Gauge
	LastRunTimestamp    prometheus.Gauge
}

func New() *Run {
	m := &Run{
		registry: prometheus.NewRegistry(),
		PagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_search_pages_fetched_total",
			Help: "Search result pages fetched, including the terminating empty page.",
		}),
		ReferencesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_references_collected_total",
			Help: "Listing references collected from search pages.",
		}),
		ReferencesKnown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_references_known_total",
			Help: "Collected references already present in the seen ledger or repeated within the run.",
		}),
		ReferencesNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_references_new_total",
			Help: "References recorded as seen for the first time.",
		}),
		RecordsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_records_emitted_total",
			Help: "Job records appended to the output log.",
		}),
		ItemFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_item_failures_total",
			Help: "Detail fetches that failed, by reason (fetch, extraction, disallowed).",
		}, []string{"reason"}),
		StageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvest_stage_duration_seconds",
			Help: "Wall time spent in each stage of the last run.",
		}, []string{"stage"}),
		LastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_last_run_success",
			Help: "1 if the last run completed, 0 if it failed.",
		}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_last_run_timestamp_seconds",
			Help: "Unix time the last run finished.",
		}),
	}

	m.registry.MustRegister(
		m.PagesFetched,
		m.ReferencesCollected,
		m.ReferencesKnown,
		m.ReferencesNew,
		m.RecordsEmitted,
		m.ItemFailures,
		m.StageDuration,
		m.LastRunSuccess,
		m.LastRunTimestamp,
	)
	return m
}

func (m *Run) Registry() *prometheus.Registry { return m.registry }

// ObserveStage records how long stage took.
func (m *Run) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Set(d.Seconds())
}

// Finish stamps the outcome of the run.
func (m *Run) Finish(ok bool, at time.Time) {
	if ok {
		m.LastRunSuccess.Set(1)
	} else {
		m.LastRunSuccess.Set(0)
	}
	m.LastRunTimestamp.Set(float64(at.Unix()))
}

// WriteTextfile writes the registry in text exposition format. The file is
// replaced atomically.
func (m *Run) WriteTextfile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating metrics directory: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile %s: %w", path, err)
	}
	return nil
}
