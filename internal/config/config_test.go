package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Search.PageSize != 50 {
		t.Fatalf("expected default page size 50, got %d", cfg.Search.PageSize)
	}
	if cfg.Storage.LedgerPath != "jobs_seen.jsonl" {
		t.Fatalf("expected default ledger path, got %q", cfg.Storage.LedgerPath)
	}
	if cfg.Sink.Kind != SinkNone {
		t.Fatalf("expected no sink by default, got %q", cfg.Sink.Kind)
	}
	if cfg.SourceLabel() != "findajob.dwp.gov.uk" {
		t.Fatalf("expected source label from base url host, got %q", cfg.SourceLabel())
	}
}

func TestLoadConfigFileReplacesQuery(t *testing.T) {
	path := writeConfig(t, `
search:
  base_url: https://jobs.example.com/search
  query:
    q: platform engineer
  page_size: 20
  request_delay_ms: 250
storage:
  ledger_path: /tmp/seen.jsonl
sink:
  kind: local
  target: /tmp/out
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Search.Query) != 1 || cfg.Search.Query["q"] != "platform engineer" {
		t.Fatalf("expected file query to replace defaults, got %v", cfg.Search.Query)
	}
	if cfg.Search.PageSize != 20 {
		t.Fatalf("expected page size 20, got %d", cfg.Search.PageSize)
	}
	if cfg.RequestDelay().Milliseconds() != 250 {
		t.Fatalf("expected 250ms delay, got %v", cfg.RequestDelay())
	}
	if cfg.Storage.OutputPath != "jobs.jsonl" {
		t.Fatalf("expected output path default to survive, got %q", cfg.Storage.OutputPath)
	}
	if cfg.Sink.Kind != SinkLocal || cfg.Sink.Target != "/tmp/out" {
		t.Fatalf("unexpected sink config %+v", cfg.Sink)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("JOBS_PAGE_SIZE", "10")
	t.Setenv("JOBS_QUERY", "q=go developer, w=London")
	t.Setenv("JOBS_ISOLATE_FAILURES", "true")
	t.Setenv("JOBS_SINK_KIND", "sqlite")
	t.Setenv("JOBS_SINK_TARGET", "objects.db")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Search.PageSize != 10 {
		t.Fatalf("expected page size 10, got %d", cfg.Search.PageSize)
	}
	if cfg.Search.Query["q"] != "go developer" || cfg.Search.Query["w"] != "London" {
		t.Fatalf("unexpected query %v", cfg.Search.Query)
	}
	if !cfg.Harvest.IsolateFailures {
		t.Fatal("expected isolate_failures from env")
	}
	if cfg.Sink.Kind != SinkSQLite || cfg.Sink.Target != "objects.db" {
		t.Fatalf("unexpected sink config %+v", cfg.Sink)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Search.BaseURL = "not a url"
	cfg.Search.PageSize = 0
	cfg.Search.RequestDelayMS = -1
	cfg.Sink.Kind = "s3"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"search.base_url", "search.page_size", "request_delay_ms", `unknown sink.kind "s3"`} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestValidateSinkNeedsTarget(t *testing.T) {
	cfg := Default()
	cfg.Sink.Kind = SinkLocal
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "sink.target") {
		t.Fatalf("expected sink.target error, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
