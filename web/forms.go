package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/schema"

	"salesdash/query"
)

// ------------------------------------------------------------------------------
// Helpers
// ------------------------------------------------------------------------------

// Validator holds a map of validation errors, keyed by the query
// parameter name.
type Validator struct {
	Errors map[string]string `json:"errors"`
}

// NewValidator creates a new, initialized Validator.
func NewValidator() *Validator {
	return &Validator{Errors: make(map[string]string)}
}

// Valid returns true if the Errors map is empty.
func (v *Validator) Valid() bool {
	return len(v.Errors) == 0
}

// AddError adds an error message to the map for a given field if one
// doesn't already exist for that field.
func (v *Validator) AddError(key, message string) {
	if _, exists := v.Errors[key]; !exists {
		v.Errors[key] = message
	}
}

// Check is a helper for conditional validation. If `ok` is false, it
// calls AddError with the provided key and message.
func (v *Validator) Check(ok bool, key, message string) {
	if !ok {
		v.AddError(key, message)
	}
}

// ------------------------------------------------------------------------------
// URL query parsing
// ------------------------------------------------------------------------------

// newSchemaDecoder builds a gorilla/schema decoder tolerant of unknown
// query parameters.
func newSchemaDecoder() *schema.Decoder {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	return decoder
}

// DecodeURLParams is a helper that decodes URL query parameters from a
// request into a destination struct (dst).
func DecodeURLParams(r *http.Request, dst any) error {
	decoder := newSchemaDecoder()
	if err := decoder.Decode(dst, r.URL.Query()); err != nil {
		return fmt.Errorf("url parameter decoding error: %v", err)
	}
	return nil
}

// ------------------------------------------------------------------------------
// Forms
// ------------------------------------------------------------------------------

// InvoiceListForm represents the URL query parameters for the invoice
// listing endpoint.
type InvoiceListForm struct {
	Page     int    `schema:"page"`
	PageSize int    `schema:"pageSize"`
	SortBy   string `schema:"sortBy"`
}

// NewInvoiceListForm creates an InvoiceListForm with defaults.
func NewInvoiceListForm(defaultPageSize int) *InvoiceListForm {
	return &InvoiceListForm{
		Page:     1, // 1-based pagination.
		PageSize: defaultPageSize,
		SortBy:   "date",
	}
}

// Validate checks InvoiceListForm fields and populates Validator with
// any errors. Note that the `Check` is like an assertion of truth; if
// that fails, the provided message is recorded against the field.
func (f *InvoiceListForm) Validate(v *Validator) {

	allowedSorts := map[string]bool{
		"date": true, "total": true, "number": true, "customer": true, "synced": true,
	}
	v.Check(allowedSorts[f.SortBy], "sortBy", "Invalid sortBy value provided.")

	// A pageSize of -1 deliberately requests all records.
	v.Check(f.PageSize >= 1 || f.PageSize == query.AllRecords,
		"pageSize", "Page size must be positive, or -1 for all records.")

	if f.Page < 1 {
		f.Page = 1
	}
}

// PerformanceForm represents the URL query parameters for the
// salesperson performance endpoint.
type PerformanceForm struct {
	Period  string `schema:"period"`
	Year    int    `schema:"year"`
	Month   int    `schema:"month"`
	Quarter int    `schema:"quarter"`
}

// NewPerformanceForm creates a PerformanceForm with defaults.
func NewPerformanceForm() *PerformanceForm {
	return &PerformanceForm{Period: "all"}
}

// Validate checks PerformanceForm fields and populates Validator with
// any errors. An unrecognized period is not an error: the query layer
// treats it as all-time.
func (f *PerformanceForm) Validate(v *Validator) {
	f.Period = strings.ToLower(f.Period)
	v.Check(f.Month >= 0 && f.Month <= 12, "month", "Month must be between 1 and 12.")
	v.Check(f.Quarter >= 0 && f.Quarter <= 4, "quarter", "Quarter must be between 1 and 4.")
	v.Check(f.Year >= 0, "year", "Year cannot be negative.")
}

// HistoryForm represents the URL query parameters for the sync history
// endpoint.
type HistoryForm struct {
	Limit int `schema:"limit"`
}

// Validate checks HistoryForm fields.
func (f *HistoryForm) Validate(v *Validator) {
	v.Check(f.Limit >= 0, "limit", "Limit cannot be negative.")
}
