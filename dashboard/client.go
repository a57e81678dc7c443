// Package dashboard is the display-side consumer of the query API: an
// HTTP client with a two-tier response cache in front, plus the
// background computation of derived aggregates.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	qstr "github.com/google/go-querystring/query"

	"salesdash/cache"
	"salesdash/db"
	"salesdash/query"
)

// slimOver is the list length above which invoice payloads are slimmed
// to list-rendering fields before caching. Slimming is lossy; callers
// needing full records use FullFidelity.
const slimOver = 1000

// defaultClientTimeout bounds dashboard calls against the query API.
const defaultClientTimeout = 30 * time.Second

// Client calls the dashboard web API, reading through the response
// cache. Cached reads never call the API; misses populate the cache on
// the way back.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *cache.Cache
	log        *slog.Logger
}

// NewClient returns a dashboard Client for the API at baseURL, caching
// responses in responseCache. A nil httpClient gets a default with a
// sensible timeout.
func NewClient(baseURL string, httpClient *http.Client, responseCache *cache.Cache, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultClientTimeout}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		cache:      responseCache,
		log:        logger.With("component", "dashboard"),
	}
}

// invoiceParams are the invoice listing query parameters.
type invoiceParams struct {
	Page     int    `url:"page"`
	PageSize int    `url:"pageSize"`
	SortBy   string `url:"sortBy"`
}

// performanceParams are the salesperson performance query parameters.
type performanceParams struct {
	Period  string `url:"period"`
	Year    int    `url:"year,omitempty"`
	Month   int    `url:"month,omitempty"`
	Quarter int    `url:"quarter,omitempty"`
}

// InvoicesFirstPage fetches the first page of invoices for immediate
// display, cached in the short-TTL memory tier. Progressive loading
// starts here; the full set arrives separately via AllInvoices.
func (c *Client) InvoicesFirstPage(ctx context.Context, pageSize int, sortBy string) (*query.InvoicePage, error) {
	params, err := qstr.Values(invoiceParams{Page: 1, PageSize: pageSize, SortBy: sortBy})
	if err != nil {
		return nil, fmt.Errorf("invoice parameter encoding error: %w", err)
	}
	var page query.InvoicePage
	if err := c.getJSON(ctx, "/api/invoices", params, cache.TierMemory, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// AllInvoices fetches every invoice in one call, cached in the
// session-persisted tier. Results longer than the slimming threshold are
// reduced to list-rendering fields before caching unless fullFidelity is
// set, which also bypasses the cache entirely.
func (c *Client) AllInvoices(ctx context.Context, sortBy string, fullFidelity bool) (*query.InvoicePage, error) {

	params, err := qstr.Values(invoiceParams{Page: 1, PageSize: query.AllRecords, SortBy: sortBy})
	if err != nil {
		return nil, fmt.Errorf("invoice parameter encoding error: %w", err)
	}

	var page query.InvoicePage
	if fullFidelity {
		// Slimmed cache entries must never satisfy a full-fidelity read.
		body, err := c.fetch(ctx, "/api/invoices", params)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("response decoding error: %w", err)
		}
		return &page, nil
	}

	key := cache.Key("/api/invoices", params)
	if cached, ok := c.cache.Get(key, cache.TierSession); ok {
		if err := json.Unmarshal(cached, &page); err == nil {
			return &page, nil
		}
		_ = c.cache.Delete(key, cache.TierSession)
	}

	body, err := c.fetch(ctx, "/api/invoices", params)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("response decoding error: %w", err)
	}

	if len(page.Invoices) > slimOver {
		slimInvoices(page.Invoices)
		body, err = json.Marshal(&page)
		if err != nil {
			return &page, nil
		}
		c.log.Debug("caching slimmed invoice set", "invoices", len(page.Invoices))
	}
	if err := c.cache.Set(key, body, cache.TierSession); err != nil {
		c.log.Warn("invoice set caching failed", "error", err)
	}
	return &page, nil
}

// slimInvoices strips fields not needed for list rendering in place.
func slimInvoices(invoices []db.Invoice) {
	for i := range invoices {
		invoices[i].Description = ""
		invoices[i].SalespersonName = ""
		invoices[i].CreatedAt = time.Time{}
		invoices[i].UpdatedAt = time.Time{}
	}
}

// Salespersons fetches the per-salesperson performance figures, cached
// in the memory tier.
func (c *Client) Salespersons(ctx context.Context, period string, year, month, quarter int) ([]query.Performance, error) {
	params, err := qstr.Values(performanceParams{Period: period, Year: year, Month: month, Quarter: quarter})
	if err != nil {
		return nil, fmt.Errorf("performance parameter encoding error: %w", err)
	}
	var response struct {
		Salespersons []query.Performance `json:"salespersons"`
	}
	if err := c.getJSON(ctx, "/api/salespersons", params, cache.TierMemory, &response); err != nil {
		return nil, err
	}
	return response.Salespersons, nil
}

// Stats fetches the store summary, cached in the memory tier.
func (c *Client) Stats(ctx context.Context) (*db.Stats, error) {
	var stats db.Stats
	if err := c.getJSON(ctx, "/api/stats", nil, cache.TierMemory, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// getJSON reads an endpoint through the cache, fetching and populating
// on a miss.
func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, tier cache.Tier, target any) error {

	key := cache.Key(endpoint, params)
	if cached, ok := c.cache.Get(key, tier); ok {
		if err := json.Unmarshal(cached, target); err == nil {
			return nil
		}
		_ = c.cache.Delete(key, tier)
	}

	body, err := c.fetch(ctx, endpoint, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("response decoding error for %s: %w", endpoint, err)
	}
	if err := c.cache.Set(key, body, tier); err != nil {
		c.log.Warn("response caching failed", "endpoint", endpoint, "error", err)
	}
	return nil
}

// fetch performs one GET against the API and returns the body.
func (c *Client) fetch(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {

	requestURL := c.baseURL + endpoint
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("could not build request for %s: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query api call failed for %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("query api read failed for %s: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query api call for %s returned %s: %s",
			endpoint, resp.Status, string(body))
	}
	return body, nil
}
