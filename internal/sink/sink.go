// Package sink makes a finished run's files durable under a destination key
// of the form <kind>/<YYYY-MM-DD>/<filename>.
package sink

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/mwardle-data/jobs-scraper-project/internal/config"
)

const (
	KindJobs = "jobs"
	KindURLs = "urls"
)

type Sink interface {
	Upload(ctx context.Context, localPath, key string) error
	Close() error
}

// Key builds the destination key for filename. The date is taken in UTC.
func Key(kind string, date time.Time, filename string) string {
	return path.Join(kind, date.UTC().Format("2006-01-02"), path.Base(filename))
}

// New builds the sink selected by cfg.Sink.Kind. Kind "none" returns a nil
// Sink and no error.
func New(cfg *config.Config) (Sink, error) {
	switch cfg.Sink.Kind {
	case "", config.SinkNone:
		return nil, nil
	case config.SinkLocal:
		return NewLocal(cfg.Sink.Target)
	case config.SinkSQLite:
		return OpenSQLite(cfg.Sink.Target)
	case config.SinkMongo:
		return NewMongo(cfg.Sink.Mongo, cfg.Sink.Target)
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Sink.Kind)
	}
}
