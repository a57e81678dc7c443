package db

// invoices.go deals with invoice-related database calls.

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UnknownCustomer is the sentinel customer name used when the upstream
// record carries no usable customer details.
const UnknownCustomer = "Unknown Customer"

// Invoice is the locally stored shape of one CRM invoice.
type Invoice struct {
	SourceID        int64     `db:"source_id" json:"id"`
	Number          string    `db:"invoice_number" json:"invoiceNumber"`
	Date            time.Time `db:"invoice_date" json:"invoiceDate"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	CustomerName    string    `db:"customer_name" json:"customerName"`
	Total           float64   `db:"total" json:"total"`
	Currency        string    `db:"currency" json:"currency"`
	SalespersonID   *int64    `db:"salesperson_id" json:"salespersonId,omitempty"`
	SalespersonName string    `db:"salesperson_name" json:"salespersonName"`
	Description     string    `db:"description" json:"description"`
	Status          string    `db:"status" json:"status"`
	SyncedAt        time.Time `db:"synced_at" json:"syncedAt"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
}

// invoiceSortColumns whitelists the sort keys accepted by InvoicesGet.
var invoiceSortColumns = map[string]string{
	"date":     "invoice_date DESC",
	"total":    "total DESC",
	"number":   "invoice_number ASC",
	"customer": "customer_name ASC",
	"synced":   "synced_at DESC",
}

// InvoicesUpsert performs upserts for a slice of Invoices in one
// transaction. Applying the same batch twice yields the same final state;
// a failure rolls back the whole batch so the orchestrator can retry or
// abort at the page boundary.
func (db *DB) InvoicesUpsert(ctx context.Context, invoices []Invoice) error {
	if len(invoices) == 0 {
		return nil
	}

	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback() // no-op after a commit.

	for _, inv := range invoices {
		if _, err := tx.NamedExecContext(ctx, invoiceUpsertSQL, inv); err != nil {
			return fmt.Errorf("failed to upsert invoice %d: %w", inv.SourceID, err)
		}
	}
	return tx.Commit()
}

// InvoiceBySourceID retrieves a single invoice by its upstream id,
// returning sql.ErrNoRows if absent.
func (db *DB) InvoiceBySourceID(ctx context.Context, sourceID int64) (*Invoice, error) {
	var inv Invoice
	err := db.GetContext(ctx, &inv, "SELECT * FROM invoices WHERE source_id = ?", sourceID)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// InvoicesGet returns invoices ordered by the whitelisted sortKey. A
// negative limit means "all rows": SQLite treats LIMIT -1 as unbounded.
// Callers wanting only a summary should prefer the aggregate queries.
func (db *DB) InvoicesGet(ctx context.Context, skip, limit int, sortKey string) ([]Invoice, error) {

	orderBy, ok := invoiceSortColumns[sortKey]
	if !ok {
		orderBy = invoiceSortColumns["date"]
	}
	if skip < 0 {
		skip = 0
	}
	if limit < 0 {
		limit = -1
	}

	query := fmt.Sprintf("SELECT * FROM invoices ORDER BY %s LIMIT ? OFFSET ?", orderBy)

	var invoices []Invoice
	err := db.SelectContext(ctx, &invoices, query, limit, skip)
	if err != nil {
		db.log.Warn(fmt.Sprintf("invoices select error: %v", err))
		return nil, fmt.Errorf("invoices select error: %w", err)
	}
	return invoices, nil
}

// InvoicesCount returns the number of stored invoices.
func (db *DB) InvoicesCount(ctx context.Context) (int, error) {
	var count int
	if err := db.GetContext(ctx, &count, "SELECT COUNT(*) FROM invoices"); err != nil {
		return 0, fmt.Errorf("invoices count error: %w", err)
	}
	return count, nil
}

// CurrencyAggregate is one row of the per-currency breakdown.
type CurrencyAggregate struct {
	Currency     string  `db:"currency" json:"currency"`
	InvoiceCount int     `db:"invoice_count" json:"invoiceCount"`
	Total        float64 `db:"total" json:"total"`
}

// AggregateByCurrency groups invoices by currency, summing server-side.
func (db *DB) AggregateByCurrency(ctx context.Context) ([]CurrencyAggregate, error) {
	const query = `
		SELECT currency,
		       COUNT(*)   AS invoice_count,
		       SUM(total) AS total
		FROM invoices
		GROUP BY currency
		ORDER BY currency;`

	var aggregates []CurrencyAggregate
	if err := db.SelectContext(ctx, &aggregates, query); err != nil {
		return nil, fmt.Errorf("currency aggregate error: %w", err)
	}
	return aggregates, nil
}

// SalespersonAggregate is one row of the per-salesperson totals. Employees
// with no invoices in the period appear with zero counts.
type SalespersonAggregate struct {
	EmployeeID   int64   `db:"employee_id" json:"employeeId"`
	FullName     string  `db:"full_name" json:"fullName"`
	TotalSales   float64 `db:"total_sales" json:"totalSales"`
	InvoiceCount int     `db:"invoice_count" json:"invoiceCount"`
}

// AggregateBySalesperson groups invoice totals per employee for invoices
// dated in [from, to). The LEFT JOIN keeps employees with no matching
// invoices in the result with zeroed figures.
func (db *DB) AggregateBySalesperson(ctx context.Context, from, to time.Time) ([]SalespersonAggregate, error) {
	const query = `
		SELECT e.source_id                 AS employee_id,
		       e.full_name                 AS full_name,
		       COALESCE(SUM(i.total), 0)   AS total_sales,
		       COUNT(i.source_id)          AS invoice_count
		FROM employees e
		LEFT JOIN invoices i
		       ON i.salesperson_id = e.source_id
		      AND i.invoice_date >= ?
		      AND i.invoice_date <  ?
		GROUP BY e.source_id, e.full_name
		ORDER BY total_sales DESC, e.full_name;`

	var aggregates []SalespersonAggregate
	if err := db.SelectContext(ctx, &aggregates, query, from, to); err != nil {
		return nil, fmt.Errorf("salesperson aggregate error: %w", err)
	}
	return aggregates, nil
}

// Stats summarizes the state of the local store.
type Stats struct {
	InvoiceCount  int                 `json:"invoiceCount"`
	EmployeeCount int                 `json:"employeeCount"`
	EarliestDate  *time.Time          `json:"earliestInvoiceDate,omitempty"`
	LatestDate    *time.Time          `json:"latestInvoiceDate,omitempty"`
	Currencies    []CurrencyAggregate `json:"currencies"`
}

// StatsGet returns store counts, the invoice date range and the currency
// breakdown.
func (db *DB) StatsGet(ctx context.Context) (*Stats, error) {
	var stats Stats

	var err error
	stats.InvoiceCount, err = db.InvoicesCount(ctx)
	if err != nil {
		return nil, err
	}
	stats.EmployeeCount, err = db.EmployeesCount(ctx)
	if err != nil {
		return nil, err
	}

	if stats.InvoiceCount > 0 {
		// Bare column selection keeps the declared DATETIME type so the
		// driver converts values back to time.Time; MIN()/MAX() would not.
		var earliest, latest time.Time
		err = db.GetContext(ctx, &earliest,
			"SELECT invoice_date FROM invoices ORDER BY invoice_date ASC LIMIT 1")
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("invoice date range error: %w", err)
		}
		err = db.GetContext(ctx, &latest,
			"SELECT invoice_date FROM invoices ORDER BY invoice_date DESC LIMIT 1")
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("invoice date range error: %w", err)
		}
		if !earliest.IsZero() {
			stats.EarliestDate = &earliest
			stats.LatestDate = &latest
		}
	}

	stats.Currencies, err = db.AggregateByCurrency(ctx)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
