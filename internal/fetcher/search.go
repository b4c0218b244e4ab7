package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly"

	"github.com/mwardle-data/jobs-scraper-project/internal/config"
	apperrors "github.com/mwardle-data/jobs-scraper-project/internal/errors"
	"github.com/mwardle-data/jobs-scraper-project/internal/utils"
)

// SearchPages requests numbered search result pages and returns the listing
// links found on each.
type SearchPages struct {
	base          *url.URL
	query         map[string]string
	pageParam     string
	pageSizeParam string
	pageSize      int
	linkSelector  string

	userAgent string
	timeout   time.Duration
	client    *Client
}

func NewSearchPages(cfg *config.Config, client *Client) (*SearchPages, error) {
	base, err := url.Parse(cfg.Search.BaseURL)
	if err != nil {
		return nil, err
	}

	return &SearchPages{
		base:          base,
		query:         cfg.Search.Query,
		pageParam:     cfg.Search.PageParam,
		pageSizeParam: cfg.Search.PageSizeParam,
		pageSize:      cfg.Search.PageSize,
		linkSelector:  cfg.Selectors.ListingLink,
		userAgent:     cfg.HTTP.UserAgent,
		timeout:       cfg.Timeout(),
		client:        client,
	}, nil
}

// newCollector builds a collector whose requests are bound to ctx. colly v1
// has no context API, so ctx is attached at the transport.
func (s *SearchPages) newCollector(ctx context.Context) *colly.Collector {
	c := colly.NewCollector(colly.UserAgent(s.userAgent))
	c.AllowURLRevisit = true
	// Status codes are judged here, not by colly, so every 2xx counts as success.
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(s.timeout)
	c.WithTransport(contextTransport{ctx: ctx, base: http.DefaultTransport})
	return c
}

// contextTransport cancels a request when either its own context (which
// carries the client timeout) or the page context ends. The merged context
// lives until the response body is closed.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancelCause(req.Context())
	stop := context.AfterFunc(t.ctx, func() { cancel(context.Cause(t.ctx)) })
	done := func() {
		stop()
		cancel(nil)
	}

	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		done()
		return nil, err
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: done}
	return resp, nil
}

type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}

func (s *SearchPages) PageURL(page int) string {
	u := *s.base
	q := u.Query()
	for k, v := range s.query {
		q.Set(k, v)
	}
	if s.pageSizeParam != "" {
		q.Set(s.pageSizeParam, strconv.Itoa(s.pageSize))
	}
	q.Set(s.pageParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

// FetchPage returns the absolute listing URLs on one search page, in page order.
func (s *SearchPages) FetchPage(ctx context.Context, page int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pageURL := s.PageURL(page)
	if err := s.client.Allowed(ctx, pageURL); err != nil {
		return nil, err
	}

	var (
		links  []string
		status int
	)
	c := s.newCollector(ctx)
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
	})
	c.OnHTML(s.linkSelector, func(e *colly.HTMLElement) {
		href := strings.TrimSpace(e.Attr("href"))
		if href == "" {
			return
		}
		links = append(links, utils.NormalizeURL(e.Request.AbsoluteURL(href)))
	})

	if err := c.Visit(pageURL); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.NewFetchError(pageURL, 0, err)
	}
	if status < 200 || status > 299 {
		return nil, apperrors.NewFetchError(pageURL, status, nil)
	}
	return links, nil
}
