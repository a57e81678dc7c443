package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Sentinel errors for the upstream failure taxonomy. Callers distinguish
// "retries exhausted" from "response undecodable", as the latter is never
// retried.
var (
	ErrUpstreamUnavailable = errors.New("crm: upstream unavailable")
	ErrUpstreamProtocol    = errors.New("crm: malformed upstream response")
)

// Default resilience settings, overridable via Options.
const (
	defaultRequestTimeout = 60 * time.Second
	defaultRetryAttempts  = 3
	defaultMaxInFlight    = 2
	defaultRosterTTL      = 30 * time.Minute

	// retryBaseDelay is doubled per attempt for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond
)

// Options configures a Client's resilience behaviour. Zero values select
// the defaults above.
type Options struct {
	RequestTimeout time.Duration
	RetryAttempts  int
	MaxInFlight    int64
	RosterTTL      time.Duration
	Username       string // basic auth; leave empty when the http client carries auth
	Password       string
}

// Client is a wrapper for making authenticated calls to the upstream CRM API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	timeout    time.Duration
	retries    int
	sem        *semaphore.Weighted
	log        *slog.Logger

	// Employee roster cache. The roster changes far less often than
	// invoices so it is memoized for rosterTTL.
	rosterMu      sync.Mutex
	roster        []RawEmployee
	rosterFetched time.Time
	rosterTTL     time.Duration
}

// NewClient creates a new CRM API client. If no httpClient is provided
// http.DefaultClient is used.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger, opts Options) *Client {

	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(
			os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelDebug},
		))
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = defaultRetryAttempts
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	if opts.RosterTTL <= 0 {
		opts.RosterTTL = defaultRosterTTL
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		username:   opts.Username,
		password:   opts.Password,
		timeout:    opts.RequestTimeout,
		retries:    opts.RetryAttempts,
		sem:        semaphore.NewWeighted(opts.MaxInFlight),
		rosterTTL:  opts.RosterTTL,
		log:        logger,
	}
}

// FetchInvoicePage fetches one page of invoices. Pages are 1-based and
// pageSize must be positive. The returned boolean reports whether more
// pages follow.
func (c *Client) FetchInvoicePage(ctx context.Context, page, pageSize int) ([]RawInvoice, bool, error) {
	if page < 1 {
		return nil, false, fmt.Errorf("page must be 1 or greater, got %d", page)
	}
	if pageSize < 1 {
		return nil, false, fmt.Errorf("pageSize must be positive, got %d", pageSize)
	}

	params := url.Values{}
	params.Set("page", fmt.Sprintf("%d", page))
	params.Set("pageSize", fmt.Sprintf("%d", pageSize))
	requestURL := fmt.Sprintf("%s/invoices?%s", c.baseURL, params.Encode())

	c.log.Debug(fmt.Sprintf("FetchInvoicePage request %v", requestURL))

	response, err := doJSON[invoicePageResponse](ctx, c, requestURL)
	if err != nil {
		c.log.Error(fmt.Sprintf("FetchInvoicePage: failed to fetch page %d: %v", page, err))
		return nil, false, fmt.Errorf("failed to fetch invoice page %d: %w", page, err)
	}

	c.log.Info(fmt.Sprintf("FetchInvoicePage: retrieved %d invoices for page %d", len(response.Invoices), page))

	// Some deployments omit hasMore; a full page implies a next page may
	// exist and the orchestrator terminates on the first empty one.
	hasMore := response.HasMore || len(response.Invoices) == pageSize
	if len(response.Invoices) == 0 {
		hasMore = false
	}
	return response.Invoices, hasMore, nil
}

// FetchEmployees retrieves the full salesperson roster. The result is
// memoized for the configured roster TTL to avoid re-fetching per invoice
// batch.
func (c *Client) FetchEmployees(ctx context.Context) ([]RawEmployee, error) {
	c.rosterMu.Lock()
	defer c.rosterMu.Unlock()

	if c.roster != nil && time.Since(c.rosterFetched) < c.rosterTTL {
		c.log.Debug("FetchEmployees: serving roster from cache")
		return c.roster, nil
	}

	requestURL := fmt.Sprintf("%s/employees", c.baseURL)
	response, err := doJSON[employeesResponse](ctx, c, requestURL)
	if err != nil {
		c.log.Error(fmt.Sprintf("FetchEmployees: failed to fetch roster: %v", err))
		return nil, fmt.Errorf("failed to fetch employees: %w", err)
	}

	c.log.Info(fmt.Sprintf("FetchEmployees: retrieved %d employees", len(response.Employees)))
	c.roster = response.Employees
	c.rosterFetched = time.Now()
	return c.roster, nil
}

// InvalidateRoster drops the memoized employee roster.
func (c *Client) InvalidateRoster() {
	c.rosterMu.Lock()
	defer c.rosterMu.Unlock()
	c.roster = nil
	c.rosterFetched = time.Time{}
}

// newRequest is a helper to create a new HTTP GET request with common headers.
func (c *Client) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

// doJSON executes a GET request against the upstream with the client's
// concurrency cap, per-request timeout and bounded retry with exponential
// backoff. Timeouts, connection errors and 5xx responses are retried;
// other 4xx responses fail immediately; undecodable bodies surface as
// ErrUpstreamProtocol and are not retried since retrying a parse failure
// will not help.
func doJSON[T any](ctx context.Context, c *Client, url string) (*T, error) {

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire request slot: %w", err)
	}
	defer c.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			c.log.Debug(fmt.Sprintf("retrying %s in %s (attempt %d of %d)", url, delay, attempt+1, c.retries))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		target := new(T)
		retryable, err := c.attempt(ctx, url, target)
		if err == nil {
			return target, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %d attempts failed, last error: %v", ErrUpstreamUnavailable, c.retries, lastErr)
}

// attempt makes a single request, reporting whether a failure is worth
// retrying.
func (c *Client) attempt(ctx context.Context, url string, v any) (retryable bool, err error) {

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, url)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection errors and timeouts are transient.
		return true, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return true, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	case resp.StatusCode >= 400:
		// Authorization and validation errors will not improve on retry.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, fmt.Errorf("%w: failed to decode response: %v", ErrUpstreamProtocol, err)
	}
	return false, nil
}
