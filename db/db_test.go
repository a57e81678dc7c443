package db

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func ptrInt64(i int64) *int64 { return &i }

// testDBCounter gives each test database a unique name so shared-cache
// in-memory databases do not leak between tests.
var testDBCounter atomic.Int64

// setupTestDB sets up a test database connection with the schema loaded.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", testDBCounter.Add(1))

	logger := slog.New(slog.NewTextHandler(
		os.Stdout,
		&slog.HandlerOptions{Level: slog.LevelWarn},
	))

	testDB, err := NewConnection(dsn, logger)
	if err != nil {
		t.Fatalf("in-memory test database opening error: %v", err)
	}
	if err := testDB.InitSchema(); err != nil {
		t.Fatalf("schema initialization error: %v", err)
	}

	t.Cleanup(func() {
		if err := testDB.Close(); err != nil {
			t.Fatalf("unexpected db close error: %v", err)
		}
	})
	return testDB
}

// testInvoices returns a small deterministic invoice set for tests.
func testInvoices(now time.Time) []Invoice {
	return []Invoice{
		{
			SourceID:        1,
			Number:          "INV-001",
			Date:            now.Add(-72 * time.Hour),
			CreatedAt:       now.Add(-72 * time.Hour),
			CustomerName:    "Acme Corp",
			Total:           100.50,
			Currency:        "USD",
			SalespersonID:   ptrInt64(10),
			SalespersonName: "Ada Lovelace",
			Status:          "paid",
			SyncedAt:        now,
			UpdatedAt:       now,
		},
		{
			SourceID:        2,
			Number:          "INV-002",
			Date:            now.Add(-48 * time.Hour),
			CreatedAt:       now.Add(-48 * time.Hour),
			CustomerName:    "Bluebird Ltd",
			Total:           250.00,
			Currency:        "USD",
			SalespersonID:   ptrInt64(10),
			SalespersonName: "Ada Lovelace",
			Status:          "sent",
			SyncedAt:        now,
			UpdatedAt:       now,
		},
		{
			SourceID:     3,
			Number:       "INV-003",
			Date:         now.Add(-24 * time.Hour),
			CreatedAt:    now.Add(-24 * time.Hour),
			CustomerName: UnknownCustomer,
			Total:        75.25,
			Currency:     "USD",
			Status:       "paid",
			SyncedAt:     now,
			UpdatedAt:    now,
		},
	}
}

// testEmployees returns a small deterministic employee set for tests.
func testEmployees(now time.Time) []Employee {
	return []Employee{
		{
			SourceID:  10,
			FirstName: "Ada",
			LastName:  "Lovelace",
			FullName:  "Ada Lovelace",
			Email:     "ada@example.com",
			Active:    true,
			SyncedAt:  now,
			UpdatedAt: now,
		},
		{
			SourceID:  11,
			FirstName: "Charles",
			LastName:  "Babbage",
			FullName:  "Charles Babbage",
			Email:     "charles@example.com",
			Active:    true,
			SyncedAt:  now,
			UpdatedAt: now,
		},
	}
}
