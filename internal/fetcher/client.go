package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/temoto/robotstxt"
	"golang.org/x/net/html/charset"

	"github.com/mwardle-data/jobs-scraper-project/internal/config"
	apperrors "github.com/mwardle-data/jobs-scraper-project/internal/errors"
	"github.com/mwardle-data/jobs-scraper-project/internal/logger"
)

const MaxHops = 15

// Client fetches HTML pages with a browser-like user agent. Non-2xx answers
// and transport faults come back as *apperrors.FetchError.
type Client struct {
	http          *http.Client
	userAgent     string
	respectRobots bool
	throttle      *detailThrottle

	mu     sync.Mutex
	robots map[string]*robotstxt.Group

	log *slog.Logger
}

func NewClient(cfg *config.Config) *Client {
	jar, _ := cookiejar.New(nil)

	log := logger.WithComponent("fetcher")
	return &Client{
		http: &http.Client{
			Jar:     jar,
			Timeout: cfg.Timeout(),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= MaxHops {
					return fmt.Errorf("stopped after %d redirects (MaxHops exceeded)", MaxHops)
				}
				return nil
			},
		},
		userAgent:     cfg.HTTP.UserAgent,
		respectRobots: cfg.HTTP.RespectRobots,
		throttle:      newDetailThrottle(cfg.HTTP.DetailRPS, log),
		robots:        make(map[string]*robotstxt.Group),
		log:           log,
	}
}

func (c *Client) UserAgent() string { return c.userAgent }

// Fetch downloads rawURL and decodes the body to UTF-8.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := c.Allowed(ctx, rawURL); err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.NewFetchError(rawURL, 0, err)
	}
	if err := c.throttle.wait(ctx, u); err != nil {
		return nil, apperrors.NewFetchError(rawURL, 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, apperrors.NewFetchError(rawURL, 0, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.NewFetchError(rawURL, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, apperrors.NewFetchError(rawURL, resp.StatusCode, nil)
	}

	utf8Reader, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		utf8Reader = resp.Body
	}
	body, err := io.ReadAll(utf8Reader)
	if err != nil {
		return nil, apperrors.NewFetchError(rawURL, resp.StatusCode, err)
	}
	return body, nil
}

// FetchDocument fetches rawURL and parses it into a goquery document whose
// base URL is the request URL.
func (c *Client) FetchDocument(ctx context.Context, rawURL string) (*goquery.Document, error) {
	body, err := c.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", rawURL, err)
	}
	if u, err := url.Parse(rawURL); err == nil {
		doc.Url = u
	}
	return doc, nil
}

// Allowed checks rawURL against the host's robots.txt when enabled. The
// robots file is fetched once per host; an unreachable or unparsable robots
// file allows everything.
func (c *Client) Allowed(ctx context.Context, rawURL string) error {
	if !c.respectRobots {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return apperrors.NewFetchError(rawURL, 0, fmt.Errorf("invalid url: %w", err))
	}

	group := c.robotsGroup(ctx, u)
	if group == nil {
		return nil
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if !group.Test(path) {
		return fmt.Errorf("%s: %w", rawURL, apperrors.ErrDisallowed)
	}
	return nil
}

func (c *Client) robotsGroup(ctx context.Context, u *url.URL) *robotstxt.Group {
	key := u.Scheme + "://" + u.Host

	c.mu.Lock()
	group, ok := c.robots[key]
	c.mu.Unlock()
	if ok {
		return group
	}

	group = c.loadRobots(ctx, key)

	c.mu.Lock()
	c.robots[key] = group
	c.mu.Unlock()
	return group
}

func (c *Client) loadRobots(ctx context.Context, origin string) *robotstxt.Group {
	robotsURL := origin + "/robots.txt"
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WarnContext(ctx, "robots.txt unavailable, ignoring", "url", robotsURL, "error", err)
		return nil
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		c.log.WarnContext(ctx, "robots.txt unparsable, ignoring", "url", robotsURL, "error", err)
		return nil
	}
	c.log.DebugContext(ctx, "robots.txt loaded", "url", robotsURL)
	return data.FindGroup(c.userAgent)
}
