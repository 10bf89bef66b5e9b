// Package tracker is the HTTP client for the Yandex Tracker API: scroll
// search, batched issue fetch, and changelog retrieval, behind a shared
// rate gate with bounded retries.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// DefaultBaseURL is the production API endpoint.
	DefaultBaseURL = "https://api.tracker.yandex.net/v2/"

	// batchMax is the largest issue page the search endpoint accepts.
	batchMax = 50

	// changelogPerPage is the changelog page size.
	changelogPerPage = 50

	// changelogPageCap bounds changelog pagination for pathological
	// issues.
	changelogPageCap = 100
)

// ErrRetriesExhausted marks a request that failed after all retry
// attempts.
var ErrRetriesExhausted = errors.New("retries exhausted")

// APIError is a non-2xx response from the tracker.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Query      string
	Snippet    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker api: %s %s?%s: status %d: %s",
		e.Method, e.Path, e.Query, e.StatusCode, e.Snippet)
}

// Config holds client settings.
type Config struct {
	BaseURL        string
	Token          string
	OrgID          string
	RequestDelay   time.Duration // minimum delay between requests
	ScrollPageSize int           // per-scroll page size; the server 504s on large pages
	ScrollTTL      time.Duration // server-side scroll cursor lifetime
	MaxRetries     int           // retry attempts for 429/5xx/timeouts
	Timeout        time.Duration // per-request HTTP timeout
	MaxConns       int           // connection pool cap, workers + slack
	Logger         *slog.Logger
}

// Validate checks required settings and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("tracker config: api token is required")
	}
	if c.OrgID == "" {
		return fmt.Errorf("tracker config: organization id is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}
	if c.RequestDelay <= 0 {
		c.RequestDelay = 100 * time.Millisecond
	}
	if c.ScrollPageSize <= 0 || c.ScrollPageSize > 100 {
		c.ScrollPageSize = 100
	}
	if c.ScrollTTL <= 0 {
		c.ScrollTTL = time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 12
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Client talks to the tracker API.
type Client struct {
	cfg    Config
	httpc  *http.Client
	gate   *Gate
	logger *slog.Logger

	mu       sync.Mutex
	seen429s int
}

// New creates a client from config.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxConns,
		MaxConnsPerHost:     cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxConns,
	}
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		gate:   NewGate(cfg.RequestDelay),
		logger: cfg.Logger,
	}, nil
}

// Gate exposes the shared rate gate, for tests and diagnostics.
func (c *Client) Gate() *Gate {
	return c.gate
}

// GetIssue fetches one issue with its links expanded.
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	q := url.Values{"expand": {"links"}}
	data, _, err := c.do(ctx, http.MethodGet, "issues/"+key, q, nil)
	if err != nil {
		return nil, err
	}
	iss := parseIssue(gjson.ParseBytes(data))
	return &iss, nil
}

// GetIssuesBatch fetches many issues keyed by issue key, chunked at the
// server's maximum page size.
func (c *Client) GetIssuesBatch(ctx context.Context, keys []string) (map[string]*Issue, error) {
	result := make(map[string]*Issue, len(keys))
	for start := 0; start < len(keys); start += batchMax {
		end := start + batchMax
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		q := url.Values{
			"expand":  {"links"},
			"perPage": {strconv.Itoa(batchMax)},
		}
		body := map[string]any{"keys": chunk}
		data, _, err := c.do(ctx, http.MethodPost, "issues/_search", q, body)
		if err != nil {
			return nil, err
		}
		gjson.ParseBytes(data).ForEach(func(_, v gjson.Result) bool {
			iss := parseIssue(v)
			if iss.Key != "" {
				result[iss.Key] = &iss
			}
			return true
		})
	}
	return result, nil
}

// GetChangelog fetches the full changelog for an issue, page by page,
// bounded by the page cap. It returns the parsed events in server order
// and the count of malformed events skipped.
func (c *Client) GetChangelog(ctx context.Context, key string) ([]ChangeEvent, int, error) {
	var events []ChangeEvent
	skipped := 0
	totalPages := 1
	for page := 1; page <= totalPages && page <= changelogPageCap; page++ {
		q := url.Values{
			"perPage": {strconv.Itoa(changelogPerPage)},
			"page":    {strconv.Itoa(page)},
		}
		data, hdr, err := c.do(ctx, http.MethodGet, "issues/"+key+"/changelog", q, nil)
		if err != nil {
			return nil, skipped, err
		}
		if tp, err := strconv.Atoi(hdr.Get("X-Total-Pages")); err == nil && tp > 0 {
			totalPages = tp
		}
		pageEvents, pageSkipped := parseChangelog(gjson.ParseBytes(data))
		events = append(events, pageEvents...)
		skipped += pageSkipped
	}
	return events, skipped, nil
}

// Search opens a scroll over the search endpoint and returns a lazy
// iterator of issue keys. limit <= 0 means unbounded.
func (c *Client) Search(query string, limit int) *SearchIter {
	return &SearchIter{c: c, query: query, limit: limit}
}

// SearchIter pages through scroll results. Not safe for concurrent use;
// the sync producer is the only consumer.
type SearchIter struct {
	c        *Client
	query    string
	limit    int
	buf      []string
	pos      int
	scrollID string
	opened   bool
	done     bool
	emitted  int
}

// Next returns the next issue key. ok is false when the scroll is
// exhausted or the limit is reached.
func (it *SearchIter) Next(ctx context.Context) (key string, ok bool, err error) {
	if it.limit > 0 && it.emitted >= it.limit {
		return "", false, nil
	}
	for it.pos >= len(it.buf) {
		if it.done {
			return "", false, nil
		}
		if err := it.fetch(ctx); err != nil {
			return "", false, err
		}
	}
	key = it.buf[it.pos]
	it.pos++
	it.emitted++
	return key, true, nil
}

// Close stops the iteration; subsequent Next calls report exhaustion
// without touching the network. The server has no release endpoint for
// scroll cursors, an abandoned one expires by TTL. Safe to call more than
// once.
func (it *SearchIter) Close() {
	it.done = true
	it.scrollID = ""
	it.buf = nil
	it.pos = 0
}

func (it *SearchIter) fetch(ctx context.Context) error {
	c := it.c
	q := url.Values{
		"scrollType":      {"unsorted"},
		"perScroll":       {strconv.Itoa(c.cfg.ScrollPageSize)},
		"scrollTTLMillis": {strconv.FormatInt(c.cfg.ScrollTTL.Milliseconds(), 10)},
		"expand":          {"links"},
	}
	if it.opened {
		if it.scrollID == "" {
			it.done = true
			return nil
		}
		q.Set("scrollId", it.scrollID)
	}

	body := map[string]any{"query": it.query}
	data, hdr, err := c.do(ctx, http.MethodPost, "issues/_search", q, body)
	if err != nil {
		return err
	}
	it.opened = true
	it.scrollID = hdr.Get("X-Scroll-Id")

	it.buf = it.buf[:0]
	it.pos = 0
	gjson.ParseBytes(data).ForEach(func(_, v gjson.Result) bool {
		if k := v.Get("key").String(); k != "" {
			it.buf = append(it.buf, k)
		}
		return true
	})
	if len(it.buf) < c.cfg.ScrollPageSize || it.scrollID == "" {
		it.done = true
	}
	return nil
}

// retryable reports whether a status warrants another attempt. The scroll
// endpoint 504s intermittently at larger page sizes.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// do issues one API request through the rate gate with retries.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, http.Header, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
		if err := c.gate.Wait(ctx); err != nil {
			return nil, nil, err
		}

		data, hdr, err := c.doOnce(ctx, method, path, query, payload)
		if err == nil {
			return data, hdr, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == http.StatusTooManyRequests {
				c.noteThrottle()
			}
			if !retryable(apiErr.StatusCode) {
				return nil, nil, err
			}
		}
		lastErr = err
		c.logger.Warn("tracker request failed, retrying",
			"method", method, "path", path, "query", query.Encode(),
			"body", snippet(payload),
			"attempt", attempt+1, "error", err)
	}
	return nil, nil, fmt.Errorf("%w: %s %s: %v", ErrRetriesExhausted, method, path, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, http.Header, error) {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+c.cfg.Token)
	req.Header.Set("X-Org-ID", c.cfg.OrgID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Query:      query.Encode(),
			Snippet:    snippet(data),
		}
	}
	return data, resp.Header, nil
}

// noteThrottle doubles the gate delay once 429s repeat.
func (c *Client) noteThrottle() {
	c.mu.Lock()
	c.seen429s++
	repeated := c.seen429s >= 2
	c.mu.Unlock()
	if repeated {
		c.gate.Slow()
		c.logger.Warn("repeated rate limiting, slowing down", "delay", c.gate.Delay())
	}
}

func snippet(data []byte) string {
	s := string(data)
	if len(s) > 200 {
		s = s[:200]
	}
	return strings.TrimSpace(s)
}
