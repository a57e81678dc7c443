package db

// employees.go deals with salesperson-related database calls.

import (
	"context"
	"fmt"
	"time"
)

// Employee is the locally stored shape of one CRM salesperson.
type Employee struct {
	SourceID   int64     `db:"source_id" json:"id"`
	FirstName  string    `db:"first_name" json:"firstName"`
	LastName   string    `db:"last_name" json:"lastName"`
	FullName   string    `db:"full_name" json:"fullName"`
	Email      string    `db:"email" json:"email,omitempty"`
	Phone      string    `db:"phone" json:"phone,omitempty"`
	Department string    `db:"department" json:"department,omitempty"`
	Position   string    `db:"position" json:"position,omitempty"`
	Active     bool      `db:"active" json:"active"`
	SyncedAt   time.Time `db:"synced_at" json:"syncedAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// EmployeesUpsert performs upserts for a slice of Employees in one
// transaction.
func (db *DB) EmployeesUpsert(ctx context.Context, employees []Employee) error {
	if len(employees) == 0 {
		return nil
	}

	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback() // no-op after a commit.

	for _, emp := range employees {
		if _, err := tx.NamedExecContext(ctx, employeeUpsertSQL, emp); err != nil {
			return fmt.Errorf("failed to upsert employee %d: %w", emp.SourceID, err)
		}
	}
	return tx.Commit()
}

// EmployeesGet returns all employees ordered by name.
func (db *DB) EmployeesGet(ctx context.Context) ([]Employee, error) {
	var employees []Employee
	err := db.SelectContext(ctx, &employees,
		"SELECT * FROM employees ORDER BY full_name, source_id")
	if err != nil {
		return nil, fmt.Errorf("employees select error: %w", err)
	}
	return employees, nil
}

// EmployeesCount returns the number of stored employees.
func (db *DB) EmployeesCount(ctx context.Context) (int, error) {
	var count int
	if err := db.GetContext(ctx, &count, "SELECT COUNT(*) FROM employees"); err != nil {
		return 0, fmt.Errorf("employees count error: %w", err)
	}
	return count, nil
}
