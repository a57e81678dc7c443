// Package query translates dashboard questions into store calls and
// shapes the results for the web layer.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"salesdash/db"
)

// AllRecords is the pageSize sentinel requesting every invoice in one
// page. It is an explicit, intentional override because of its cost;
// out-of-range page sizes fall back to the default instead.
const AllRecords = -1

// Service answers dashboard queries from the local store.
type Service struct {
	db              *db.DB
	log             *slog.Logger
	defaultPageSize int
}

// NewService returns a query Service reading from database.
func NewService(database *db.DB, logger *slog.Logger, defaultPageSize int) *Service {
	return &Service{
		db:              database,
		log:             logger.With("component", "query"),
		defaultPageSize: defaultPageSize,
	}
}

// InvoicePage is one page of invoices with its paging metadata.
type InvoicePage struct {
	Invoices     []db.Invoice `json:"invoices"`
	Page         int          `json:"page"`
	PageSize     int          `json:"pageSize"`
	TotalRecords int          `json:"totalRecords"`
	TotalPages   int          `json:"totalPages"`
}

// InvoicesPage returns the 1-based page of invoices sorted by sortBy. A
// pageSize of AllRecords returns every record as a single page; any other
// out-of-range pageSize falls back to the configured default.
func (s *Service) InvoicesPage(ctx context.Context, page, pageSize int, sortBy string) (*InvoicePage, error) {

	if page < 1 {
		page = 1
	}
	if pageSize < 1 && pageSize != AllRecords {
		pageSize = s.defaultPageSize
	}

	total, err := s.db.InvoicesCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("invoice page query failed: %w", err)
	}

	skip, limit := 0, pageSize
	totalPages := 1
	if pageSize == AllRecords {
		page = 1
	} else {
		skip = (page - 1) * pageSize
		totalPages = (total + pageSize - 1) / pageSize
	}

	invoices, err := s.db.InvoicesGet(ctx, skip, limit, sortBy)
	if err != nil {
		return nil, fmt.Errorf("invoice page query failed: %w", err)
	}
	// No data is an empty page, not an error.
	if invoices == nil {
		invoices = []db.Invoice{}
	}

	return &InvoicePage{
		Invoices:     invoices,
		Page:         page,
		PageSize:     pageSize,
		TotalRecords: total,
		TotalPages:   totalPages,
	}, nil
}

// Performance reports one salesperson's sales figures over a period.
type Performance struct {
	SalespersonID int64   `json:"salespersonId"`
	Name          string  `json:"name"`
	TotalSales    float64 `json:"totalSales"`
	InvoiceCount  int     `json:"invoiceCount"`
	AverageSale   float64 `json:"averageSale"`
}

// SalespersonPerformance returns per-employee sales totals, counts and
// averages for the requested period. The period set is closed (all,
// yearly, quarterly, monthly); anything else falls back to all-time.
// Year, month and quarter select the window within the period type and
// default to the current one when out of range.
func (s *Service) SalespersonPerformance(ctx context.Context, period string, year, month, quarter int) ([]Performance, error) {

	from, to := periodBounds(period, year, month, quarter, time.Now().UTC())
	rows, err := s.db.AggregateBySalesperson(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("salesperson performance query failed: %w", err)
	}

	results := make([]Performance, 0, len(rows))
	for _, row := range rows {
		p := Performance{
			SalespersonID: row.EmployeeID,
			Name:          row.FullName,
			TotalSales:    row.TotalSales,
			InvoiceCount:  row.InvoiceCount,
		}
		if row.InvoiceCount > 0 {
			p.AverageSale = row.TotalSales / float64(row.InvoiceCount)
		}
		results = append(results, p)
	}
	return results, nil
}

// periodBounds resolves a period selector to the half-open invoice date
// window [from, to).
func periodBounds(period string, year, month, quarter int, now time.Time) (time.Time, time.Time) {

	if year < 1 {
		year = now.Year()
	}

	switch strings.ToLower(period) {
	case "yearly":
		from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(1, 0, 0)
	case "quarterly":
		if quarter < 1 || quarter > 4 {
			quarter = (int(now.Month())-1)/3 + 1
		}
		from := time.Date(year, time.Month((quarter-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(0, 3, 0)
	case "monthly":
		if month < 1 || month > 12 {
			month = int(now.Month())
		}
		from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(0, 1, 0)
	default:
		// all-time, including unrecognized period values.
		return time.Time{}, time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)
	}
}

// Stats returns the store summary.
func (s *Service) Stats(ctx context.Context) (*db.Stats, error) {
	return s.db.StatsGet(ctx)
}

// cancelledStatus marks invoices excluded from revenue conversion.
const cancelledStatus = "cancelled"

// RevenueInReferenceCurrency converts the given invoice totals to the
// reference currency using the fixed rate table and sums them. Cancelled
// invoices are excluded, matching status case-insensitively; invoices in
// a currency without a rate are skipped. The function is pure: the same
// invoice snapshot and rates always produce the same figure.
func RevenueInReferenceCurrency(invoices []db.Invoice, rates map[string]float64, reference string) float64 {

	var revenue float64
	for _, inv := range invoices {
		if strings.EqualFold(inv.Status, cancelledStatus) {
			continue
		}
		if strings.EqualFold(inv.Currency, reference) {
			revenue += inv.Total
			continue
		}
		rate, ok := rates[strings.ToUpper(inv.Currency)]
		if !ok {
			continue
		}
		revenue += inv.Total * rate
	}
	return revenue
}
