package fetcher

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// detailThrottle spaces detail page requests per host at http.detail_rps.
// Search pages are paced by the paginator's fixed delay instead. A nil
// throttle never waits.
type detailThrottle struct {
	limit rate.Limit
	log   *slog.Logger

	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

func newDetailThrottle(rps float64, log *slog.Logger) *detailThrottle {
	if rps <= 0 {
		return nil
	}
	return &detailThrottle{
		limit: rate.Limit(rps),
		log:   log,
		hosts: make(map[string]*rate.Limiter),
	}
}

func (t *detailThrottle) forHost(host string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	lim, ok := t.hosts[host]
	if !ok {
		lim = rate.NewLimiter(t.limit, 1)
		t.hosts[host] = lim
	}
	return lim
}

// wait blocks until u's host may be requested again. A cancelled wait gives
// its slot back.
func (t *detailThrottle) wait(ctx context.Context, u *url.URL) error {
	if t == nil {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	res := t.forHost(host).Reserve()
	delay := res.Delay()
	if delay == 0 {
		return nil
	}
	t.log.DebugContext(ctx, "throttling detail request", "host", host, "wait", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
