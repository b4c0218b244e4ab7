package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	SinkNone   = "none"
	SinkLocal  = "local"
	SinkSQLite = "sqlite"
	SinkMongo  = "mongo"
)

type SearchConfig struct {
	BaseURL        string            `yaml:"base_url"`
	Query          map[string]string `yaml:"query"`
	PageParam      string            `yaml:"page_param"`
	PageSizeParam  string            `yaml:"page_size_param"`
	PageSize       int               `yaml:"page_size"`
	RequestDelayMS int               `yaml:"request_delay_ms"`
}

type HTTPConfig struct {
	UserAgent     string  `yaml:"user_agent"`
	TimeoutSec    int     `yaml:"timeout_sec"`
	DetailRPS     float64 `yaml:"detail_rps"`
	RespectRobots bool    `yaml:"respect_robots"`
}

// SelectorConfig holds the CSS selectors the extractors look for.
type SelectorConfig struct {
	ListingLink    string `yaml:"listing_link"`
	Title          string `yaml:"title"`
	DetailsTable   string `yaml:"details_table"`
	SummaryHeading string `yaml:"summary_heading"`
	Description    string `yaml:"description"`
}

type StorageConfig struct {
	LedgerPath  string `yaml:"ledger_path"`
	OutputPath  string `yaml:"output_path"`
	NewURLsPath string `yaml:"new_urls_path"`
}

type HarvestConfig struct {
	IsolateFailures bool   `yaml:"isolate_failures"`
	Source          string `yaml:"source"`
}

type MongoConfig struct {
	Connection string `yaml:"connection"`
	Database   string `yaml:"database"`
	Uploads    string `yaml:"uploads_collection"`
}

// SinkConfig selects where the run's files go after EMIT. Target is the
// directory for "local", the database file for "sqlite" and the GridFS bucket
// name for "mongo".
type SinkConfig struct {
	Kind   string      `yaml:"kind"`
	Target string      `yaml:"target"`
	Mongo  MongoConfig `yaml:"mongo"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path"`
}

type Config struct {
	Search    SearchConfig   `yaml:"search"`
	HTTP      HTTPConfig     `yaml:"http"`
	Selectors SelectorConfig `yaml:"selectors"`
	Storage   StorageConfig  `yaml:"storage"`
	Harvest   HarvestConfig  `yaml:"harvest"`
	Sink      SinkConfig     `yaml:"sink"`
	Logging   LoggingConfig  `yaml:"logging"`
	Metrics   MetricsConfig  `yaml:"metrics"`
}

func Default() *Config {
	return &Config{
		Search: SearchConfig{
			BaseURL:        "https://findajob.dwp.gov.uk/search",
			Query:          map[string]string{"q": "data engineer", "w": "UK"},
			PageParam:      "p",
			PageSizeParam:  "pp",
			PageSize:       50,
			RequestDelayMS: 1000,
		},
		HTTP: HTTPConfig{
			UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:145.0) Gecko/20100101 Firefox/145.0",
			TimeoutSec:    30,
			RespectRobots: true,
		},
		Selectors: SelectorConfig{
			ListingLink:    "a.govuk-link[href*='/details/']",
			Title:          "h1",
			DetailsTable:   "table",
			SummaryHeading: "h2",
			Description:    "div.govuk-body[itemprop='description']",
		},
		Storage: StorageConfig{
			LedgerPath:  "jobs_seen.jsonl",
			OutputPath:  "jobs.jsonl",
			NewURLsPath: "urls.jsonl",
		},
		Sink: SinkConfig{
			Kind: SinkNone,
			Mongo: MongoConfig{
				Connection: "mongodb://localhost:27017",
				Database:   "scraped_jobs",
				Uploads:    "uploads",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults and then applies
// JOBS_* environment overrides. An empty path skips the file. A .env file in
// the working directory is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		// yaml.v2 merges into a non-nil map, so a file query replaces the defaults.
		defaultQuery := cfg.Search.Query
		cfg.Search.Query = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		if cfg.Search.Query == nil {
			cfg.Search.Query = defaultQuery
		}
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JOBS_BASE_URL"); v != "" {
		cfg.Search.BaseURL = v
	}
	if v := os.Getenv("JOBS_QUERY"); v != "" {
		cfg.Search.Query = parseQuery(v)
	}
	if v := os.Getenv("JOBS_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Search.PageSize = n
		}
	}
	if v := os.Getenv("JOBS_REQUEST_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Search.RequestDelayMS = n
		}
	}
	if v := os.Getenv("JOBS_USER_AGENT"); v != "" {
		cfg.HTTP.UserAgent = v
	}
	if v := os.Getenv("JOBS_RESPECT_ROBOTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.HTTP.RespectRobots = b
		}
	}
	if v := os.Getenv("JOBS_LEDGER_PATH"); v != "" {
		cfg.Storage.LedgerPath = v
	}
	if v := os.Getenv("JOBS_OUTPUT_PATH"); v != "" {
		cfg.Storage.OutputPath = v
	}
	if v := os.Getenv("JOBS_NEW_URLS_PATH"); v != "" {
		cfg.Storage.NewURLsPath = v
	}
	if v := os.Getenv("JOBS_ISOLATE_FAILURES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Harvest.IsolateFailures = b
		}
	}
	if v := os.Getenv("JOBS_SINK_KIND"); v != "" {
		cfg.Sink.Kind = v
	}
	if v := os.Getenv("JOBS_SINK_TARGET"); v != "" {
		cfg.Sink.Target = v
	}
	if v := os.Getenv("JOBS_MONGO_URI"); v != "" {
		cfg.Sink.Mongo.Connection = v
	}
	if v := os.Getenv("JOBS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("JOBS_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("JOBS_METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.TextfilePath = v
	}
}

// parseQuery reads "k=v,k2=v2".
func parseQuery(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		pair := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(pair) != 2 {
			continue
		}
		key := strings.TrimSpace(pair[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(pair[1])
	}
	return out
}

func (c *Config) Validate() error {
	var errs []string

	u, err := url.Parse(c.Search.BaseURL)
	if c.Search.BaseURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "search.base_url must be an absolute http(s) URL")
	}
	if c.Search.PageSize <= 0 {
		errs = append(errs, "search.page_size must be > 0")
	}
	if c.Search.PageParam == "" {
		errs = append(errs, "search.page_param is required")
	}
	if c.Search.RequestDelayMS < 0 {
		errs = append(errs, "search.request_delay_ms must be >= 0")
	}
	if c.HTTP.TimeoutSec <= 0 {
		errs = append(errs, "http.timeout_sec must be > 0")
	}
	if c.HTTP.DetailRPS < 0 {
		errs = append(errs, "http.detail_rps must be >= 0")
	}
	if c.Selectors.ListingLink == "" || c.Selectors.DetailsTable == "" {
		errs = append(errs, "selectors.listing_link and selectors.details_table are required")
	}
	if c.Storage.LedgerPath == "" {
		errs = append(errs, "storage.ledger_path is required")
	}
	if c.Storage.OutputPath == "" {
		errs = append(errs, "storage.output_path is required")
	}
	if c.Storage.NewURLsPath == "" {
		errs = append(errs, "storage.new_urls_path is required")
	}

	switch c.Sink.Kind {
	case "", SinkNone:
	case SinkLocal, SinkSQLite, SinkMongo:
		if strings.TrimSpace(c.Sink.Target) == "" {
			errs = append(errs, fmt.Sprintf("sink.target is required for sink.kind=%s", c.Sink.Kind))
		}
		if c.Sink.Kind == SinkMongo && (c.Sink.Mongo.Connection == "" || c.Sink.Mongo.Database == "") {
			errs = append(errs, "sink.mongo.connection and sink.mongo.database are required for sink.kind=mongo")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown sink.kind %q", c.Sink.Kind))
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n- " + strings.Join(errs, "\n- "))
	}
	return nil
}

func (c *Config) RequestDelay() time.Duration {
	return time.Duration(c.Search.RequestDelayMS) * time.Millisecond
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSec) * time.Second
}

// SourceLabel is written into the new-URLs log; it falls back to the search host.
func (c *Config) SourceLabel() string {
	if c.Harvest.Source != "" {
		return c.Harvest.Source
	}
	if u, err := url.Parse(c.Search.BaseURL); err == nil {
		return u.Host
	}
	return ""
}
