package crm

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// The upstream CRM is loose about field typing: ids and totals arrive as
// numbers or numeric strings, customer details arrive nested or flat, and
// dates are ISO-8601 in several flavours. Parsing failures are data here,
// not errors: every field except the id decodes to its zero value when the
// payload is unusable, and the reconciler substitutes sensible fallbacks.

// FlexInt accepts integer or integer-string JSON values. Unparseable values
// decode to zero.
type FlexInt int64

// UnmarshalJSON implements the json.Unmarshaler interface for FlexInt.
func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = FlexInt(v)
	return nil
}

// FlexFloat accepts numeric or numeric-string JSON values. Unparseable
// values decode to zero.
type FlexFloat float64

// UnmarshalJSON implements the json.Unmarshaler interface for FlexFloat.
func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = FlexFloat(v)
	return nil
}

// flexTimeFormats are tried in order when parsing upstream timestamps.
var flexTimeFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// FlexTime accepts ISO-8601 timestamps or bare dates. Unparseable values
// are left as the zero time for the reconciler to substitute.
type FlexTime struct {
	time.Time
}

// UnmarshalJSON implements the json.Unmarshaler interface for FlexTime.
func (ft *FlexTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		return nil
	}
	for _, format := range flexTimeFormats {
		if t, err := time.Parse(format, s); err == nil {
			ft.Time = t
			return nil
		}
	}
	return nil
}

// CustomerName flattens the upstream customer field, which may be a nested
// object holding a name, or a plain string.
type CustomerName string

// UnmarshalJSON implements the json.Unmarshaler interface for CustomerName.
func (cn *CustomerName) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*cn = ""
		return nil
	}
	// Plain string form.
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*cn = CustomerName(strings.TrimSpace(s))
		return nil
	}
	// Nested object form. Accept both lower and title-cased keys.
	var helper struct {
		Name     string `json:"name"`
		AltName  string `json:"Name"`
		FullName string `json:"fullName"`
	}
	if err := json.Unmarshal(b, &helper); err != nil {
		*cn = ""
		return nil
	}
	switch {
	case helper.Name != "":
		*cn = CustomerName(strings.TrimSpace(helper.Name))
	case helper.AltName != "":
		*cn = CustomerName(strings.TrimSpace(helper.AltName))
	default:
		*cn = CustomerName(strings.TrimSpace(helper.FullName))
	}
	return nil
}

// RawInvoice represents a single invoice record as sent by the upstream CRM.
type RawInvoice struct {
	ID              FlexInt      `json:"id"`
	Number          string       `json:"invoiceNumber"`
	Date            FlexTime     `json:"invoiceDate"`
	CreatedAt       FlexTime     `json:"createdAt"`
	Customer        CustomerName `json:"customer"`
	Total           FlexFloat    `json:"totalAmount"`
	Currency        string       `json:"currency"`
	SalespersonID   *int64       `json:"salespersonId"`
	SalespersonName string       `json:"salespersonName"`
	Description     string       `json:"description"`
	Status          string       `json:"status"`
}

// RawEmployee represents a single salesperson record as sent by the
// upstream CRM.
type RawEmployee struct {
	ID         FlexInt `json:"id"`
	FirstName  string  `json:"firstName"`
	LastName   string  `json:"lastName"`
	Email      string  `json:"email"`
	Phone      string  `json:"phone"`
	Department string  `json:"department"`
	Position   string  `json:"position"`
	Active     *bool   `json:"active"`
}

// invoicePageResponse is the top-level structure of the paginated
// /invoices API response.
type invoicePageResponse struct {
	Invoices []RawInvoice `json:"data"`
	HasMore  bool         `json:"hasMore"`
	Total    int          `json:"total"`
}

// employeesResponse is the top-level structure of the /employees API
// response.
type employeesResponse struct {
	Employees []RawEmployee `json:"data"`
}
