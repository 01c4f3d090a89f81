// Package scoutly is a client for the Scoutly lead-scraping API.
//
// Scoutly owns the actual scraping: searches are registered remotely, scrape
// runs are triggered per search subject to a server-enforced cooldown window,
// and discovered leads are read back through a paginated listing endpoint.
package scoutly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Default base URL for the Scoutly API.
const defaultBaseURL = "https://api.scoutly.dev"

// Client defines the Scoutly API operations.
type Client interface {
	// CreateSearch registers a keyword search and returns its id.
	CreateSearch(ctx context.Context, cfg SearchConfig) (*Search, error)
	// GetSearch fetches a search by id; ErrSearchNotFound if it was deleted.
	GetSearch(ctx context.Context, id string) (*Search, error)
	// GetStatus reports the scrape state and cooldown bookkeeping for a search.
	GetStatus(ctx context.Context, id string) (*ScrapeStatus, error)
	// TriggerScrape requests a new scrape run. A cooldown-active or
	// already-running rejection surfaces as *ConflictError.
	TriggerScrape(ctx context.Context, id string) error
	// ListLeads returns one page of leads for a search.
	ListLeads(ctx context.Context, id string, limit, offset int) (*LeadPage, error)
}

// ErrSearchNotFound is returned when the remote search record does not exist.
var ErrSearchNotFound = eris.New("scoutly: search not found")

// RedditConfig holds the reddit-specific scrape parameters.
type RedditConfig struct {
	Subreddits      []string `json:"subreddits"`
	Limit           int      `json:"limit"`
	IncludeComments bool     `json:"include_comments"`
	Sort            string   `json:"sort"`
	TimeFilter      string   `json:"time_filter"`
}

// SearchConfig is the body for POST /api/v1/keyword-searches.
type SearchConfig struct {
	Name         string       `json:"name"`
	Keywords     []string     `json:"keywords"`
	Patterns     []string     `json:"patterns,omitempty"`
	Platforms    []string     `json:"platforms"`
	RedditConfig RedditConfig `json:"reddit_config"`
	ScrapingMode string       `json:"scraping_mode"`
	Enabled      bool         `json:"enabled"`
}

// Search is a provider-side keyword search record.
type Search struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// ScrapeStatus is the response from GET /api/v1/keyword-searches/{id}/status.
type ScrapeStatus struct {
	Status               string     `json:"status"`
	LastScrapeAt         *time.Time `json:"last_scrape_at"`
	TimeSinceLastMinutes *float64   `json:"time_since_last_minutes"`
	CooldownRemaining    *float64   `json:"cooldown_remaining"`
	Error                string     `json:"error,omitempty"`
}

// Running reports whether a scrape run is currently in progress.
func (s *ScrapeStatus) Running() bool {
	return s.Status == "running" || s.Status == "processing"
}

// Terminal reports whether polling can stop: the run finished, failed, or
// the search returned to idle.
func (s *ScrapeStatus) Terminal() bool {
	switch s.Status {
	case "completed", "failed", "idle":
		return true
	}
	return false
}

// Lead is a raw provider record. Scoutly's lead schema has drifted across
// versions, so leads are kept schema-flexible and field resolution happens
// at conversion time.
type Lead map[string]any

// LeadPage is one page from GET /api/v1/leads.
type LeadPage struct {
	Items   []Lead `json:"items"`
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"has_more"`
}

// ConflictKind distinguishes the two soft-conflict causes that Scoutly
// reports on trigger: the cooldown window has not elapsed, or a scrape run
// is already in progress. The right follow-up differs (serve existing leads
// immediately vs. wait for the run), so they are kept apart.
type ConflictKind string

const (
	ConflictCooldown       ConflictKind = "cooldown"
	ConflictAlreadyRunning ConflictKind = "already_running"
)

// ConflictError is the soft (non-fatal) rejection of a scrape trigger.
type ConflictError struct {
	Kind   ConflictKind
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("scoutly: scrape trigger rejected (%s): %s", e.Kind, e.Reason)
}

// APIError is returned when Scoutly responds with an unexpected status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("scoutly: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new Scoutly client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(5, 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) CreateSearch(ctx context.Context, cfg SearchConfig) (*Search, error) {
	var resp Search
	if err := c.post(ctx, "/api/v1/keyword-searches", cfg, &resp); err != nil {
		return nil, eris.Wrap(err, "scoutly: create search")
	}
	if resp.ID == "" {
		return nil, eris.New("scoutly: create search: response missing search id")
	}
	return &resp, nil
}

func (c *httpClient) GetSearch(ctx context.Context, id string) (*Search, error) {
	var resp Search
	err := c.get(ctx, "/api/v1/keyword-searches/"+id, &resp)
	if err != nil {
		var apiErr *APIError
		if eris.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrSearchNotFound
		}
		return nil, eris.Wrap(err, fmt.Sprintf("scoutly: get search %s", id))
	}
	return &resp, nil
}

func (c *httpClient) GetStatus(ctx context.Context, id string) (*ScrapeStatus, error) {
	var resp ScrapeStatus
	if err := c.get(ctx, "/api/v1/keyword-searches/"+id+"/status", &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("scoutly: get status %s", id))
	}
	if resp.Status == "" {
		resp.Status = "idle"
	}
	return &resp, nil
}

func (c *httpClient) TriggerScrape(ctx context.Context, id string) error {
	err := c.post(ctx, "/api/v1/keyword-searches/"+id+"/scrape", nil, nil)
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if eris.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return parseConflict(apiErr.Body)
	}
	return eris.Wrap(err, fmt.Sprintf("scoutly: trigger scrape %s", id))
}

func (c *httpClient) ListLeads(ctx context.Context, id string, limit, offset int) (*LeadPage, error) {
	q := url.Values{}
	q.Set("keyword_search_id", id)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var resp LeadPage
	if err := c.get(ctx, "/api/v1/leads?"+q.Encode(), &resp); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("scoutly: list leads %s", id))
	}
	return &resp, nil
}

// parseConflict maps the 409 body onto a tagged ConflictError. Older API
// versions omit the reason field, so the detail text is sniffed as fallback.
func parseConflict(body string) *ConflictError {
	var payload struct {
		Detail string `json:"detail"`
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal([]byte(body), &payload)

	detail := payload.Detail
	if detail == "" {
		detail = body
	}
	if detail == "" {
		detail = "cooldown period not met or scraping already in progress"
	}

	kind := ConflictCooldown
	switch payload.Reason {
	case "in_progress", "already_running":
		kind = ConflictAlreadyRunning
	case "cooldown":
		kind = ConflictCooldown
	default:
		lower := strings.ToLower(detail)
		if strings.Contains(lower, "in progress") || strings.Contains(lower, "already running") {
			kind = ConflictAlreadyRunning
		}
	}
	return &ConflictError{Kind: kind, Reason: detail}
}

func (c *httpClient) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("X-API-Key", c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return eris.Wrap(err, "rate limit wait")
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}

	return nil
}
