package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mwardle-data/jobs-scraper-project/internal/app"
	"github.com/mwardle-data/jobs-scraper-project/internal/config"
	"github.com/mwardle-data/jobs-scraper-project/internal/extract"
	"github.com/mwardle-data/jobs-scraper-project/internal/fetcher"
	"github.com/mwardle-data/jobs-scraper-project/internal/ledger"
	"github.com/mwardle-data/jobs-scraper-project/internal/logger"
	"github.com/mwardle-data/jobs-scraper-project/internal/metrics"
	"github.com/mwardle-data/jobs-scraper-project/internal/paginator"
	"github.com/mwardle-data/jobs-scraper-project/internal/sink"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file (empty for defaults)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("harvest failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()
	if cfg.Metrics.TextfilePath != "" {
		defer func() {
			if err := m.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
				slog.Warn("failed to write metrics", "error", err)
			}
		}()
	}

	client := fetcher.NewClient(cfg)
	search, err := fetcher.NewSearchPages(cfg, client)
	if err != nil {
		return err
	}
	pages := paginator.New(app.CountingSource{PageSource: search, Metrics: m}, cfg.RequestDelay())
	details := extract.NewListingFetcher(client, cfg.Selectors)

	snk, err := sink.New(cfg)
	if err != nil {
		return err
	}
	if snk != nil {
		defer snk.Close()
	}

	harvester := app.NewHarvester(cfg, pages, details, ledger.New(cfg.Storage.LedgerPath), snk, m)
	report, err := harvester.Run(ctx)
	if err != nil {
		return err
	}

	slog.Info("harvest complete",
		"run_id", report.RunID,
		"new", report.New,
		"emitted", report.Emitted,
		"pending", report.Pending,
	)
	return nil
}
