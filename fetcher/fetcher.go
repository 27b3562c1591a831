// Package fetcher retrieves single wiki revisions and classifies the result.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/ChillzonToast/nitc-chatbot/models"
	"github.com/ChillzonToast/nitc-chatbot/parser"
)

// Config controls fetch behavior.
type Config struct {
	BaseURL       string
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
}

// Fetcher issues one HTTP GET per revision identifier. It holds no mutable
// per-request state and is safe for concurrent use. Retry policy belongs to
// the caller.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher for the configured wiki.
func New(cfg Config) (*Fetcher, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(cfg.Timeout)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.WithTransport(newHTTPTransport(cfg.Timeout))

	return &Fetcher{
		cfg:  cfg,
		base: c,
	}, nil
}

// WithTransport replaces the HTTP transport. Clones share the collector's
// HTTP backend, so this must be called before any Fetch is in flight.
// Tests install mock transports through this.
func (f *Fetcher) WithTransport(rt http.RoundTripper) {
	f.base.WithTransport(rt)
}

// URLFor returns the revision URL for an identifier.
func (f *Fetcher) URLFor(id int) string {
	return fmt.Sprintf("%s/index.php?oldid=%d", strings.TrimRight(f.cfg.BaseURL, "/"), id)
}

// Fetch retrieves one revision and resolves it to an outcome. A single
// network call, no internal retry.
func (f *Fetcher) Fetch(ctx context.Context, id int) models.FetchOutcome {
	var (
		body       []byte
		statusCode int
		finalURL   string
		fetchErr   error
	)

	collector := f.base.Clone()
	collector.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		finalURL = r.Request.URL.String()
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(f.URLFor(id))
	}()

	select {
	case <-ctx.Done():
		return models.FetchOutcome{
			ID:   id,
			Kind: models.OutcomeTransient,
			Err:  fmt.Errorf("fetch oldid %d: %w", id, ctx.Err()),
		}
	case err := <-done:
		if fetchErr == nil {
			fetchErr = err
		}
	}

	if fetchErr != nil || statusCode >= http.StatusBadRequest {
		classified := classifyError(fetchErr, statusCode)
		return models.FetchOutcome{ID: id, Kind: kindFor(classified), Err: classified}
	}

	return extract(id, finalURL, body)
}

func extract(id int, finalURL string, body []byte) models.FetchOutcome {
	rec, err := parser.Extract(body, id, finalURL)
	switch {
	case err == nil:
		return models.FetchOutcome{ID: id, Kind: models.OutcomeSuccess, Page: rec}
	case errors.Is(err, parser.ErrRevisionMissing):
		return models.FetchOutcome{ID: id, Kind: models.OutcomeNotFound, Err: err}
	case errors.Is(err, parser.ErrMalformed):
		return models.FetchOutcome{ID: id, Kind: models.OutcomePermanent, Err: err}
	default:
		return models.FetchOutcome{ID: id, Kind: models.OutcomeTransient, Err: err}
	}
}

func kindFor(err error) models.OutcomeKind {
	var notFound ErrNotFound
	if errors.As(err, &notFound) {
		return models.OutcomeNotFound
	}
	var forbidden ErrForbidden
	if errors.As(err, &forbidden) {
		return models.OutcomePermanent
	}
	return models.OutcomeTransient
}

func newHTTPTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}
