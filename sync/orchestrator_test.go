package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"salesdash/apiclients/crm"
	"salesdash/db"
)

var testDBCounter atomic.Int64

// setupTestDB opens an isolated in-memory database with the schema
// loaded.
func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:synctest%d?mode=memory&cache=shared", testDBCounter.Add(1))
	testDB, err := db.NewConnection(dsn, testLogger())
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(
		os.Stdout,
		&slog.HandlerOptions{Level: slog.LevelWarn},
	))
}

// fakeUpstream serves scripted invoice pages and a fixed roster, and can
// fail or stall on demand.
type fakeUpstream struct {
	pages     [][]crm.RawInvoice
	employees []crm.RawEmployee

	employeesErr error
	failOnPage   int // 1-based, 0 disables
	pageErr      error

	// blockOnPage makes the fetch of that page close blocked and then
	// wait for ctx cancellation, for cancellation tests. 0 disables.
	blockOnPage int
	blocked     chan struct{}

	invoiceCalls  atomic.Int64
	employeeCalls atomic.Int64
}

func (f *fakeUpstream) FetchInvoicePage(ctx context.Context, page, pageSize int) ([]crm.RawInvoice, bool, error) {
	f.invoiceCalls.Add(1)
	if f.failOnPage != 0 && page == f.failOnPage {
		return nil, false, f.pageErr
	}
	if f.blockOnPage != 0 && page == f.blockOnPage {
		close(f.blocked)
		<-ctx.Done()
		return nil, false, ctx.Err()
	}
	if page > len(f.pages) {
		return nil, false, nil
	}
	return f.pages[page-1], page < len(f.pages), nil
}

func (f *fakeUpstream) FetchEmployees(ctx context.Context) ([]crm.RawEmployee, error) {
	f.employeeCalls.Add(1)
	if f.employeesErr != nil {
		return nil, f.employeesErr
	}
	return f.employees, nil
}

// threeInvoiceUpstream is the standard fixture: two pages holding three
// invoices in total, plus a two-person roster.
func threeInvoiceUpstream() *fakeUpstream {
	return &fakeUpstream{
		pages: [][]crm.RawInvoice{
			{
				{ID: 1, Number: "INV-001", Customer: "Acme Corp", Total: 100.50,
					Currency: "USD", SalespersonID: ptrInt64(10), Status: "paid"},
				{ID: 2, Number: "INV-002", Customer: "Bluebird Ltd", Total: 250.00,
					Currency: "USD", SalespersonID: ptrInt64(10), Status: "sent"},
			},
			{
				{ID: 3, Number: "INV-003", Total: 75.25, Currency: "USD", Status: "paid"},
			},
		},
		employees: []crm.RawEmployee{
			{ID: 10, FirstName: "Ada", LastName: "Lovelace"},
			{ID: 11, FirstName: "Charles", LastName: "Babbage"},
		},
	}
}

func TestRunCompletes(t *testing.T) {

	testDB := setupTestDB(t)
	upstream := threeInvoiceUpstream()
	orchestrator := NewOrchestrator(testDB, upstream, testLogger(), 2, time.Hour)
	ctx := context.Background()

	entry, err := orchestrator.Run(ctx, "test run")
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	if entry.Status != db.SyncStatusCompleted {
		t.Errorf("expected completed status, got %q (error %q)", entry.Status, entry.Error)
	}
	if entry.TotalRecords != 3 || entry.ProcessedRecords != 3 {
		t.Errorf("expected 3/3 records, got %d/%d", entry.TotalRecords, entry.ProcessedRecords)
	}
	// One roster call plus two invoice pages.
	if entry.APICalls != 3 {
		t.Errorf("expected 3 api calls, got %d", entry.APICalls)
	}
	if entry.LastPageProcessed != 2 {
		t.Errorf("expected last page 2, got %d", entry.LastPageProcessed)
	}
	if entry.EndTime == nil || entry.DurationSeconds == nil {
		t.Errorf("expected a finalized entry, got %+v", entry)
	}
	if entry.Notes != "test run" {
		t.Errorf("expected notes to record the trigger, got %q", entry.Notes)
	}

	count, err := testDB.InvoicesCount(ctx)
	if err != nil || count != 3 {
		t.Errorf("expected 3 stored invoices, got %d, err: %v", count, err)
	}
	employees, err := testDB.EmployeesCount(ctx)
	if err != nil || employees != 2 {
		t.Errorf("expected 2 stored employees, got %d, err: %v", employees, err)
	}

	// The currency breakdown after the canonical three-invoice run.
	stats, err := testDB.StatsGet(ctx)
	if err != nil {
		t.Fatalf("unexpected stats error: %v", err)
	}
	if len(stats.Currencies) != 1 || stats.Currencies[0].Currency != "USD" ||
		stats.Currencies[0].InvoiceCount != 3 {
		t.Errorf("expected currency breakdown USD:3, got %+v", stats.Currencies)
	}
}

func TestRunIsIdempotent(t *testing.T) {

	testDB := setupTestDB(t)
	upstream := threeInvoiceUpstream()
	orchestrator := NewOrchestrator(testDB, upstream, testLogger(), 2, time.Hour)
	ctx := context.Background()

	if _, err := orchestrator.Run(ctx, "first"); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	// Re-sync with a changed total: same row count, updated value.
	upstream.pages[0][1].Total = 300.00
	entry, err := orchestrator.Run(ctx, "second")
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if entry.Status != db.SyncStatusCompleted {
		t.Fatalf("expected completed status, got %q", entry.Status)
	}

	count, err := testDB.InvoicesCount(ctx)
	if err != nil || count != 3 {
		t.Errorf("expected 3 invoices after re-sync, got %d, err: %v", count, err)
	}
	updated, err := testDB.InvoiceBySourceID(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if updated.Total != 300.00 {
		t.Errorf("expected re-synced total 300.00, got %v", updated.Total)
	}
}

func TestRunSkipsBadRecords(t *testing.T) {

	testDB := setupTestDB(t)
	upstream := threeInvoiceUpstream()
	// An id-less record is skipped without aborting the run.
	upstream.pages[0] = append(upstream.pages[0], crm.RawInvoice{Number: "INV-BAD"})
	orchestrator := NewOrchestrator(testDB, upstream, testLogger(), 3, time.Hour)
	ctx := context.Background()

	entry, err := orchestrator.Run(ctx, "")
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if entry.Status != db.SyncStatusCompleted {
		t.Errorf("expected completed status, got %q", entry.Status)
	}
	if entry.TotalRecords != 4 || entry.ProcessedRecords != 3 {
		t.Errorf("expected 4 seen and 3 processed, got %d/%d",
			entry.TotalRecords, entry.ProcessedRecords)
	}
}

func TestRunFailsOnUpstreamError(t *testing.T) {

	testDB := setupTestDB(t)
	upstream := threeInvoiceUpstream()
	upstream.failOnPage = 2
	upstream.pageErr = fmt.Errorf("failed to fetch invoice page 2: %w", crm.ErrUpstreamUnavailable)
	orchestrator := NewOrchestrator(testDB, upstream, testLogger(), 2, time.Hour)
	ctx := context.Background()

	entry, err := orchestrator.Run(ctx, "")
	if err != nil {
		t.Fatalf("expected the run itself to finalize, got %v", err)
	}
	if entry.Status != db.SyncStatusFailed {
		t.Fatalf("expected failed status, got %q", entry.Status)
	}
	if entry.Error == "" {
		t.Errorf("expected the error message to be recorded")
	}
	if entry.EndTime == nil {
		t.Errorf("expected a finalized entry even on failure")
	}

	// The first page was committed and checkpointed before the failure.
	if entry.LastPageProcessed != 1 {
		t.Errorf("expected checkpoint at page 1, got %d", entry.LastPageProcessed)
	}
	count, err := testDB.InvoicesCount(ctx)
	if err != nil || count != 2 {
		t.Errorf("expected the committed first page to survive, got %d invoices, err: %v", count, err)
	}

	// The lease is released: a new run can start.
	if _, err := testDB.SyncLogStart(ctx, "invoices", "", time.Hour); err != nil {
		t.Errorf("expected the lease to be free after a failed run, got %v", err)
	}
}

func TestRunFailsOnRosterError(t *testing.T) {

	testDB := setupTestDB(t)
	upstream := threeInvoiceUpstream()
	upstream.employeesErr = errors.New("roster endpoint down")
	orchestrator := NewOrchestrator(testDB, upstream, testLogger(), 2, time.Hour)

	entry, err := orchestrator.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("expected the run itself to finalize, got %v", err)
	}
	if entry.Status != db.SyncStatusFailed {
		t.Errorf("expected failed status, got %q", entry.Status)
	}
}

func TestRunRejectedWhileActive(t *testing.T) {

	testDB := setupTestDB(t)
	upstream := threeInvoiceUpstream()
	orchestrator := NewOrchestrator(testDB, upstream, testLogger(), 2, time.Hour)
	ctx := context.Background()

	// Hold the lease as a concurrent run would.
	if _, err := testDB.SyncLogStart(ctx, "invoices", "held elsewhere", time.Hour); err != nil {
		t.Fatalf("unexpected lease error: %v", err)
	}

	if _, err := orchestrator.Run(ctx, ""); !errors.Is(err, db.ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}
	if _, err := orchestrator.Start(ctx, ""); !errors.Is(err, db.ErrRunActive) {
		t.Fatalf("expected ErrRunActive from Start, got %v", err)
	}

	// No second running entry was created.
	var running int
	err := testDB.GetContext(ctx, &running,
		"SELECT COUNT(*) FROM sync_logs WHERE status = 'running'")
	if err != nil || running != 1 {
		t.Errorf("expected exactly 1 running entry, got %d, err: %v", running, err)
	}
}

func TestRunCancelledBetweenPages(t *testing.T) {

	testDB := setupTestDB(t)
	upstream := threeInvoiceUpstream()
	upstream.blockOnPage = 2
	upstream.blocked = make(chan struct{})
	orchestrator := NewOrchestrator(testDB, upstream, testLogger(), 2, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-upstream.blocked
		cancel()
	}()

	entry, err := orchestrator.Run(ctx, "")
	if err != nil {
		t.Fatalf("expected the run itself to finalize, got %v", err)
	}
	if entry.Status != db.SyncStatusCancelled {
		t.Errorf("expected cancelled status, got %q", entry.Status)
	}
	if entry.EndTime == nil {
		t.Errorf("expected a finalized entry on cancellation")
	}
	// The cancelled run keeps the first page's committed progress.
	if entry.LastPageProcessed != 1 {
		t.Errorf("expected checkpoint at page 1, got %d", entry.LastPageProcessed)
	}
	count, err := testDB.InvoicesCount(context.Background())
	if err != nil || count != 2 {
		t.Errorf("expected the first page to survive, got %d invoices, err: %v", count, err)
	}
}

func TestStop(t *testing.T) {

	testDB := setupTestDB(t)
	upstream := threeInvoiceUpstream()
	upstream.blockOnPage = 2
	upstream.blocked = make(chan struct{})
	orchestrator := NewOrchestrator(testDB, upstream, testLogger(), 2, time.Hour)

	// Nothing running yet.
	if orchestrator.Stop() {
		t.Errorf("expected Stop to report no active run")
	}

	runID, err := orchestrator.Start(context.Background(), "stop test")
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	// Wait until the run is blocked inside the page loop, then stop it.
	<-upstream.blocked
	if id, running := orchestrator.Running(); !running || id != runID {
		t.Errorf("expected run %d to be active, got %d %v", runID, id, running)
	}
	if !orchestrator.Stop() {
		t.Errorf("expected Stop to find the active run")
	}

	// The run finalizes in the background; poll for the terminal status.
	deadline := time.Now().Add(5 * time.Second)
	for {
		entry, err := testDB.SyncLogByID(context.Background(), runID)
		if err != nil {
			t.Fatalf("unexpected fetch error: %v", err)
		}
		if entry.Status != db.SyncStatusRunning {
			if entry.Status != db.SyncStatusCancelled {
				t.Errorf("expected cancelled status, got %q", entry.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %d did not finalize", runID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
