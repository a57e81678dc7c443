package db

import (
	"context"
	"testing"
	"time"
)

func Test_EmployeesUpsert(t *testing.T) {

	testDB := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Round(time.Second)

	employees := testEmployees(now)
	if err := testDB.EmployeesUpsert(ctx, employees); err != nil {
		t.Fatalf("unexpected employees upsert error: %v", err)
	}
	// Upserting again with a change updates in place.
	employees[0].Department = "Sales"
	if err := testDB.EmployeesUpsert(ctx, employees); err != nil {
		t.Fatalf("unexpected employees upsert error: %v", err)
	}

	count, err := testDB.EmployeesCount(ctx)
	if err != nil || count != 2 {
		t.Fatalf("expected 2 employees, got %d, err: %v", count, err)
	}

	stored, err := testDB.EmployeesGet(ctx)
	if err != nil {
		t.Fatalf("unexpected employees get error: %v", err)
	}
	// Ordered by full name.
	if stored[0].FullName != "Ada Lovelace" || stored[1].FullName != "Charles Babbage" {
		t.Errorf("unexpected employee ordering: %q, %q", stored[0].FullName, stored[1].FullName)
	}
	if stored[0].Department != "Sales" {
		t.Errorf("expected updated department, got %q", stored[0].Department)
	}
}
