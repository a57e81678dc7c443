// Package sync reconciles upstream CRM records into the local store and
// drives complete synchronization runs.
package sync

import (
	"fmt"
	"strings"
	"time"

	"salesdash/apiclients/crm"
	"salesdash/db"
)

// SkipError reports a single raw record that could not be minimally
// reconciled. Skips never abort a run; the orchestrator counts and logs
// them and continues.
type SkipError struct {
	Reason string
}

// Error implements the error interface.
func (e *SkipError) Error() string {
	return fmt.Sprintf("record skipped: %s", e.Reason)
}

// ReconcileInvoice transforms one raw upstream invoice into the local
// entity shape, merging with the existing local record if one exists. The
// returned boolean reports whether the record is new (insert) rather than
// an update. A record without an id cannot be reconciled and returns a
// SkipError.
//
// On update, fields the upstream omits keep their existing local value so
// a sparse upstream payload cannot null out locally-held data. All other
// fields are overwritten by the upstream values.
func ReconcileInvoice(raw crm.RawInvoice, existing *db.Invoice, now time.Time) (db.Invoice, bool, error) {

	if raw.ID == 0 {
		return db.Invoice{}, false, &SkipError{Reason: "missing invoice id"}
	}

	inserted := existing == nil
	if existing == nil {
		existing = &db.Invoice{}
	}

	inv := db.Invoice{
		SourceID:  int64(raw.ID),
		Number:    raw.Number,
		Total:     float64(raw.Total),
		SyncedAt:  now,
		UpdatedAt: now,
	}

	// Unparseable or absent invoice dates fall back to now rather than
	// failing the record.
	inv.Date = raw.Date.Time
	if inv.Date.IsZero() {
		if !existing.Date.IsZero() {
			inv.Date = existing.Date
		} else {
			inv.Date = now
		}
	}

	inv.CreatedAt = raw.CreatedAt.Time
	if inv.CreatedAt.IsZero() {
		if !existing.CreatedAt.IsZero() {
			inv.CreatedAt = existing.CreatedAt
		} else {
			inv.CreatedAt = now
		}
	}

	inv.CustomerName = strings.TrimSpace(string(raw.Customer))
	if inv.CustomerName == "" {
		if existing.CustomerName != "" {
			inv.CustomerName = existing.CustomerName
		} else {
			inv.CustomerName = db.UnknownCustomer
		}
	}

	inv.Currency = strings.ToUpper(strings.TrimSpace(raw.Currency))
	if inv.Currency == "" {
		if existing.Currency != "" {
			inv.Currency = existing.Currency
		} else {
			inv.Currency = "USD"
		}
	}

	inv.SalespersonID = raw.SalespersonID
	if inv.SalespersonID == nil {
		inv.SalespersonID = existing.SalespersonID
	}
	inv.SalespersonName = strings.TrimSpace(raw.SalespersonName)
	if inv.SalespersonName == "" {
		inv.SalespersonName = existing.SalespersonName
	}

	inv.Description = raw.Description
	if inv.Description == "" {
		inv.Description = existing.Description
	}
	inv.Status = raw.Status
	if inv.Status == "" {
		inv.Status = existing.Status
	}

	return inv, inserted, nil
}

// ReconcileEmployee transforms one raw upstream employee into the local
// entity shape. The full name is always recomputed from the trimmed
// first and last names; the stored value is a denormalized convenience,
// never authoritative. A record without an id returns a SkipError.
func ReconcileEmployee(raw crm.RawEmployee, now time.Time) (db.Employee, error) {

	if raw.ID == 0 {
		return db.Employee{}, &SkipError{Reason: "missing employee id"}
	}

	first := strings.TrimSpace(raw.FirstName)
	last := strings.TrimSpace(raw.LastName)

	active := true
	if raw.Active != nil {
		active = *raw.Active
	}

	return db.Employee{
		SourceID:   int64(raw.ID),
		FirstName:  first,
		LastName:   last,
		FullName:   strings.TrimSpace(first + " " + last),
		Email:      strings.TrimSpace(raw.Email),
		Phone:      strings.TrimSpace(raw.Phone),
		Department: strings.TrimSpace(raw.Department),
		Position:   strings.TrimSpace(raw.Position),
		Active:     active,
		SyncedAt:   now,
		UpdatedAt:  now,
	}, nil
}
