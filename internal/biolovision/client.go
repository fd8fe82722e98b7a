// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

/*
client.go - Biolovision/VisioNature REST Client Core

This file implements the transport layer shared by all controler methods:

  - Chunked pagination: responses larger than the server's page size
    arrive in chunks linked by a pagination_key response header. Pages
    are aggregated transparently, bounded by max_chunks per call.
  - Rate limiting: a token-bucket limiter paces outgoing requests so a
    run never hammers the (shared, volunteer-operated) remote sites.
  - Circuit breaker: repeated failures trip the breaker and fail calls
    fast while the remote recovers.
  - Request budget: an atomic counter enforces max_requests per run.
  - Error taxonomy: HTTP statuses are classified into transient and
    fatal errors for the retry layer (see errors.go).

Credentials (consumer key/secret and the download account) are attached
as query parameters on every request; the server validates them.
*/

//nolint:staticcheck // File documentation, not package doc
package biolovision

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/naturdata/obsync/internal/cache"
	"github.com/naturdata/obsync/internal/logging"
	"github.com/naturdata/obsync/internal/metrics"
)

const (
	// maxErrorBodySize limits how much of an error response is read
	// for diagnostics.
	maxErrorBodySize = 64 * 1024

	// paginationHeader links successive response chunks.
	paginationHeader = "pagination_key"

	// apiDateLayout is the date format the API expects in search bodies.
	apiDateLayout = "02.01.2006"

	// apiTimeLayout is the timestamp format of diff queries.
	apiTimeLayout = "15:04:05 02.01.2006"
)

// Config configures a Client for one remote site.
type Config struct {
	// Site is the short site name used in logs and metrics.
	Site string

	// BaseURL is the API root, e.g. https://www.faune-isere.org/api/.
	BaseURL string

	// ClientKey and ClientSecret are the API consumer credentials.
	ClientKey    string
	ClientSecret string

	// UserEmail and UserPassword identify the download account.
	UserEmail    string
	UserPassword string

	// MaxChunks bounds the pages aggregated per call (min 1).
	MaxChunks int

	// MaxRequests caps requests per client lifetime; 0 = unlimited.
	MaxRequests int64

	// RequestsPerSecond paces outgoing requests; 0 disables pacing.
	RequestsPerSecond float64

	// Timeout is the per-request timeout (default 60s).
	Timeout time.Duration
}

// Client is a Biolovision/VisioNature REST API client for one site.
// It is safe for concurrent use by multiple pipelines.
type Client struct {
	cfg      Config
	base     *url.URL
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[*http.Response]
	refs     *cache.Reference
	requests atomic.Int64
}

// New creates a client for the configured site. refs may be nil to
// disable reference list caching.
func New(cfg Config, refs *cache.Reference) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		refs:    refs,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "biolovision-" + cfg.Site,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("site", cfg.Site).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			metrics.BreakerState.WithLabelValues(cfg.Site).Set(breakerStateValue(to))
		},
	})

	return c, nil
}

// Site returns the short site name this client talks to.
func (c *Client) Site() string { return c.cfg.Site }

// Requests returns how many requests have been issued so far.
func (c *Client) Requests() int64 { return c.requests.Load() }

// BudgetExhausted reports whether the request budget is used up.
func (c *Client) BudgetExhausted() bool {
	return c.cfg.MaxRequests > 0 && c.requests.Load() >= c.cfg.MaxRequests
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// page is one aggregated response chunk.
type page struct {
	body          []byte
	paginationKey string
}

// do issues a single HTTP request through the budget counter, rate
// limiter, and circuit breaker, and classifies any failure.
func (c *Client) do(ctx context.Context, method, controler string, query url.Values, body []byte) (*page, error) {
	if c.BudgetExhausted() {
		return nil, fmt.Errorf("%w (%d requests issued)", ErrRequestLimit, c.requests.Load())
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := *c.base
	u.Path += controler
	q := url.Values{}
	for k, vs := range query {
		q[k] = vs
	}
	q.Set("user_email", c.cfg.UserEmail)
	q.Set("user_pw", c.cfg.UserPassword)
	q.Set("client_key", c.cfg.ClientKey)
	u.RawQuery = q.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.requests.Add(1)
	start := time.Now()

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req) //nolint:bodyclose // closed by caller paths below
		if err != nil {
			return nil, &TransientError{Err: err}
		}
		if resp.StatusCode >= 400 {
			defer resp.Body.Close() //nolint:errcheck
			return nil, c.classifyStatus(resp)
		}
		return resp, nil
	})
	metrics.APIRequestDuration.WithLabelValues(c.cfg.Site).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.APIRequests.WithLabelValues(c.cfg.Site, "error").Inc()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &TransientError{Err: fmt.Errorf("circuit breaker: %w", err)}
		}
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	metrics.APIRequests.WithLabelValues(c.cfg.Site, "ok").Inc()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	return &page{
		body:          data,
		paginationKey: resp.Header.Get(paginationHeader),
	}, nil
}

// classifyStatus maps a non-2xx response to the error taxonomy.
// The response body is consumed (bounded) for diagnostics.
func (c *Client) classifyStatus(resp *http.Response) error {
	snippet := readBodyForError(resp.Body)
	err := fmt.Errorf("%s: %s", resp.Status, snippet)

	switch {
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return &FatalError{Status: resp.StatusCode, Err: err}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        err,
		}
	default:
		// 408, 5xx, and anything unexpected: worth retrying.
		return &TransientError{Status: resp.StatusCode, Err: err}
	}
}

// readBodyForError reads a bounded prefix of an error response body.
func readBodyForError(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil || len(data) == 0 {
		return "<no body>"
	}
	return strings.TrimSpace(string(data))
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// listResponse is the envelope of reference list pages.
type listResponse struct {
	Data []json.RawMessage `json:"data"`
}

// list fetches all pages of a controler listing and aggregates the data
// arrays, following pagination_key up to MaxChunks pages.
func (c *Client) list(ctx context.Context, controler string, query url.Values) ([]json.RawMessage, error) {
	var out []json.RawMessage
	paginationKey := ""

	for chunk := 0; ; chunk++ {
		if chunk >= c.cfg.MaxChunks {
			return nil, fmt.Errorf("%w: %s needed more than %d pages", ErrMaxChunks, controler, c.cfg.MaxChunks)
		}

		q := url.Values{}
		for k, vs := range query {
			q[k] = vs
		}
		if paginationKey != "" {
			q.Set(paginationHeader, paginationKey)
		}

		p, err := c.do(ctx, http.MethodGet, controler, q, nil)
		if err != nil {
			return nil, err
		}

		var envelope listResponse
		if err := json.Unmarshal(p.body, &envelope); err != nil {
			return nil, &TransientError{Err: fmt.Errorf("failed to decode %s page: %w", controler, err)}
		}
		out = append(out, envelope.Data...)

		if p.paginationKey == "" || len(envelope.Data) == 0 {
			break
		}
		paginationKey = p.paginationKey
	}

	logging.Debug().
		Str("site", c.cfg.Site).
		Str("controler", controler).
		Int("items", len(out)).
		Msg("List aggregated")

	return out, nil
}
