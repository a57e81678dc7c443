package sync

// orchestrator.go drives complete synchronization runs: acquire the run
// lease, refresh the salesperson roster, then walk the upstream invoice
// pages reconciling and upserting each page before checkpointing.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"salesdash/apiclients/crm"
	"salesdash/db"
)

// Upstream is the slice of the CRM client the orchestrator needs. The
// concrete *crm.Client satisfies it.
type Upstream interface {
	FetchInvoicePage(ctx context.Context, page, pageSize int) ([]crm.RawInvoice, bool, error)
	FetchEmployees(ctx context.Context) ([]crm.RawEmployee, error)
}

// syncTypeInvoices tags sync_logs rows written by full runs.
const syncTypeInvoices = "invoices"

// Orchestrator runs at most one synchronization at a time, guarded by the
// database run lease. It is safe for concurrent use; a second Run while
// one is active returns db.ErrRunActive.
type Orchestrator struct {
	db       *db.DB
	upstream Upstream
	log      *slog.Logger
	pageSize int
	lease    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	runID  int64
}

// NewOrchestrator returns an Orchestrator syncing from upstream into
// database, fetching pageSize invoices per upstream call and holding the
// run lease for at most lease.
func NewOrchestrator(database *db.DB, upstream Upstream, logger *slog.Logger, pageSize int, lease time.Duration) *Orchestrator {
	return &Orchestrator{
		db:       database,
		upstream: upstream,
		log:      logger.With("component", "sync"),
		pageSize: pageSize,
		lease:    lease,
	}
}

// Run performs one complete synchronization and returns the finalized run
// record. The lease is acquired first; if another run holds it the error
// is db.ErrRunActive and no work happens. Every acquired lease is
// released with a terminal status: completed, failed (with the error
// message recorded) or cancelled when Stop or context cancellation
// interrupts the run between pages. Notes typically record what triggered
// the run.
func (o *Orchestrator) Run(ctx context.Context, notes string) (*db.SyncLog, error) {
	entry, err := o.db.SyncLogStart(ctx, syncTypeInvoices, notes, o.lease)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, entry)
}

// Start acquires the run lease synchronously, so callers see
// db.ErrRunActive immediately, then performs the run in the background.
// It returns the run id. The background run detaches from ctx; it is
// interrupted via Stop.
func (o *Orchestrator) Start(ctx context.Context, notes string) (int64, error) {
	entry, err := o.db.SyncLogStart(ctx, syncTypeInvoices, notes, o.lease)
	if err != nil {
		return 0, err
	}
	go func() {
		if _, err := o.execute(context.Background(), entry); err != nil {
			o.log.Error("background sync run error", "run", entry.ID, "error", err)
		}
	}()
	return entry.ID, nil
}

// execute performs an already-leased run through to finalization.
func (o *Orchestrator) execute(ctx context.Context, entry *db.SyncLog) (*db.SyncLog, error) {

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.runID = entry.ID
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		o.cancel = nil
		o.runID = 0
		o.mu.Unlock()
	}()

	o.log.Info("sync run started", "run", entry.ID, "notes", entry.Notes)

	status, errMsg := o.runPages(runCtx, entry.ID)

	// Finalization must happen even when runCtx is already cancelled.
	finCtx, finCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finCancel()
	if ferr := o.db.SyncLogFinish(finCtx, entry.ID, status, errMsg); ferr != nil {
		return nil, fmt.Errorf("sync run %d: finalize failed: %w", entry.ID, ferr)
	}

	final, err := o.db.SyncLogByID(finCtx, entry.ID)
	if err != nil {
		return nil, err
	}
	o.log.Info("sync run finished",
		"run", final.ID,
		"status", final.Status,
		"processed", final.ProcessedRecords,
		"apiCalls", final.APICalls)
	return final, nil
}

// runPages does the actual work of a run and reports the terminal status
// plus an error message for failed runs.
func (o *Orchestrator) runPages(ctx context.Context, runID int64) (status, errMsg string) {

	var (
		total     int
		processed int
		apiCalls  int
		skipped   int
	)

	// Roster first so invoice pages can be joined against fresh
	// salesperson rows.
	rawEmployees, err := o.upstream.FetchEmployees(ctx)
	apiCalls++
	if err != nil {
		return o.classify(ctx, err)
	}
	employees := make([]db.Employee, 0, len(rawEmployees))
	now := time.Now().UTC()
	for _, raw := range rawEmployees {
		emp, err := ReconcileEmployee(raw, now)
		if err != nil {
			skipped++
			o.log.Warn("employee skipped", "run", runID, "reason", err)
			continue
		}
		employees = append(employees, emp)
	}
	if err := o.db.EmployeesUpsert(ctx, employees); err != nil {
		return o.classify(ctx, err)
	}
	o.log.Debug("roster synced", "run", runID, "employees", len(employees))

	for page := 1; ; page++ {
		// Cancellation is observed between pages; a page already
		// upserted and checkpointed stays.
		select {
		case <-ctx.Done():
			return db.SyncStatusCancelled, ""
		default:
		}

		raws, hasMore, err := o.upstream.FetchInvoicePage(ctx, page, o.pageSize)
		apiCalls++
		if err != nil {
			return o.classify(ctx, err)
		}
		total += len(raws)

		now := time.Now().UTC()
		batch := make([]db.Invoice, 0, len(raws))
		for _, raw := range raws {
			existing, err := o.db.InvoiceBySourceID(ctx, int64(raw.ID))
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return o.classify(ctx, err)
			}
			inv, _, err := ReconcileInvoice(raw, existing, now)
			if err != nil {
				skipped++
				o.log.Warn("invoice skipped", "run", runID, "page", page, "reason", err)
				continue
			}
			batch = append(batch, inv)
		}

		if err := o.db.InvoicesUpsert(ctx, batch); err != nil {
			return o.classify(ctx, err)
		}
		processed += len(batch)

		if err := o.db.SyncLogCheckpoint(ctx, runID, total, processed, apiCalls, page); err != nil {
			return o.classify(ctx, err)
		}
		o.log.Debug("page synced", "run", runID, "page", page, "invoices", len(batch), "hasMore", hasMore)

		if !hasMore || len(raws) == 0 {
			break
		}
	}

	if skipped > 0 {
		o.log.Warn("records skipped during run", "run", runID, "skipped", skipped)
	}
	return db.SyncStatusCompleted, ""
}

// classify maps a mid-run error to its terminal status. Interruption via
// Stop or a parent context deadline is a cancellation, not a failure.
func (o *Orchestrator) classify(ctx context.Context, err error) (string, string) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return db.SyncStatusCancelled, ""
	}
	return db.SyncStatusFailed, err.Error()
}

// Stop requests cooperative cancellation of the active run and reports
// whether one was running. The run finalizes itself with the cancelled
// status at the next page boundary.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return false
	}
	o.log.Info("sync stop requested", "run", o.runID)
	o.cancel()
	return true
}

// Running reports whether a run is currently active and, if so, its id.
func (o *Orchestrator) Running() (int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID, o.cancel != nil
}
