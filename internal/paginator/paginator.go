// Package paginator walks numbered search pages until one comes back empty.
package paginator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mwardle-data/jobs-scraper-project/internal/logger"
)

// PageSource returns the listing references on one search page. Pages are
// numbered from 1.
type PageSource interface {
	FetchPage(ctx context.Context, page int) ([]string, error)
}

type Paginator struct {
	source PageSource
	delay  time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	log    *slog.Logger
}

func New(source PageSource, delay time.Duration) *Paginator {
	return &Paginator{
		source: source,
		delay:  delay,
		sleep:  sleepContext,
		log:    logger.WithComponent("paginator"),
	}
}

// FetchAll requests page 1, 2, ... and stops at the first page with no
// references. Any page error aborts the sweep; the references accumulated so
// far are returned alongside it.
func (p *Paginator) FetchAll(ctx context.Context) ([]string, error) {
	var all []string
	for page := 1; ; page++ {
		refs, err := p.source.FetchPage(ctx, page)
		if err != nil {
			return all, fmt.Errorf("search page %d: %w", page, err)
		}
		if len(refs) == 0 {
			p.log.DebugContext(ctx, "empty page, stopping", "page", page, "references", len(all))
			return all, nil
		}
		all = append(all, refs...)
		p.log.DebugContext(ctx, "page collected", "page", page, "references", len(refs))

		if err := p.sleep(ctx, p.delay); err != nil {
			return all, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
