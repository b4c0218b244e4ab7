// Package ledger keeps the durable set of listing identities already seen.
//
// The ledger is an append-only JSON-lines file; each line is a
// models.SeenRecord. Lines are never rewritten or removed, so the identities a
// Load returns are the union of every batch ever appended. A malformed line is
// skipped and counted, it never blocks the rest of the file.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	apperrors "github.com/mwardle-data/jobs-scraper-project/internal/errors"
	"github.com/mwardle-data/jobs-scraper-project/internal/jsonl"
	"github.com/mwardle-data/jobs-scraper-project/internal/logger"
	"github.com/mwardle-data/jobs-scraper-project/internal/models"
)

type LoadStats struct {
	Lines   int
	Loaded  int
	Skipped int
}

type Ledger struct {
	path string
	lock *flock.Flock
	log  *slog.Logger
}

func New(path string) *Ledger {
	return &Ledger{
		path: path,
		lock: flock.New(path + ".lock"),
		log:  logger.WithComponent("ledger"),
	}
}

func (l *Ledger) Path() string { return l.path }

// Lock takes the single-writer lock for a run. It does not wait: a second run
// gets apperrors.ErrLocked. The ledger directory is created if needed.
func (l *Ledger) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating ledger directory for %s: %w", l.path, err)
	}
	ok, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking ledger %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.path, apperrors.ErrLocked)
	}
	return nil
}

func (l *Ledger) Unlock() error {
	return l.lock.Unlock()
}

// Load rebuilds the identity set. A missing file yields an empty set.
func (l *Ledger) Load(ctx context.Context) (map[string]struct{}, LoadStats, error) {
	seen := make(map[string]struct{})
	var stats LoadStats

	err := jsonl.Scan(l.path, func(lineNo int, line []byte) {
		stats.Lines++
		var rec models.SeenRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.JobID == "" {
			stats.Skipped++
			l.log.WarnContext(ctx, "skipping malformed ledger line", "path", l.path, "line", lineNo)
			return
		}
		seen[rec.JobID] = struct{}{}
	})
	if err != nil {
		return seen, stats, err
	}
	stats.Loaded = len(seen)
	return seen, stats, nil
}

// Append writes one SeenRecord per reference, all stamped with the same time,
// and fsyncs before returning.
func (l *Ledger) Append(ctx context.Context, refs []models.Reference, now time.Time) error {
	if len(refs) == 0 {
		return nil
	}
	w, err := jsonl.OpenWriter(l.path)
	if err != nil {
		return err
	}

	stamp := FormatTimestamp(now)
	batch := make([]any, 0, len(refs))
	for _, ref := range refs {
		batch = append(batch, models.SeenRecord{JobID: ref.JobID, URL: ref.URL, FirstSeenAt: stamp})
	}
	if err := w.WriteBatch(batch); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	l.log.DebugContext(ctx, "ledger appended", "records", len(refs))
	return nil
}

// FormatTimestamp renders t as an ISO-8601 UTC timestamp with microseconds.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000")
}
