package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func Test_SyncLogLease(t *testing.T) {

	testDB := setupTestDB(t)
	ctx := context.Background()

	entry, err := testDB.SyncLogStart(ctx, "invoices", "first run", time.Hour)
	if err != nil {
		t.Fatalf("unexpected sync log start error: %v", err)
	}
	if entry.ID == 0 || entry.Status != SyncStatusRunning {
		t.Errorf("unexpected start entry %+v", entry)
	}

	// A second start while the first is running and within the lease must
	// be rejected with no second running entry created.
	_, err = testDB.SyncLogStart(ctx, "invoices", "second run", time.Hour)
	if !errors.Is(err, ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}
	var running int
	err = testDB.GetContext(ctx, &running,
		"SELECT COUNT(*) FROM sync_logs WHERE status = 'running'")
	if err != nil || running != 1 {
		t.Errorf("expected exactly 1 running entry, got %d, err: %v", running, err)
	}

	// Finalizing releases the lease for the next run.
	if err := testDB.SyncLogFinish(ctx, entry.ID, SyncStatusCompleted, ""); err != nil {
		t.Fatalf("unexpected finish error: %v", err)
	}
	if _, err := testDB.SyncLogStart(ctx, "invoices", "third run", time.Hour); err != nil {
		t.Errorf("expected start to succeed after finish, got %v", err)
	}
}

func Test_SyncLogLeaseExpiry(t *testing.T) {

	testDB := setupTestDB(t)
	ctx := context.Background()

	// An orphaned running entry older than the lease does not block.
	if _, err := testDB.SyncLogStart(ctx, "invoices", "orphan", time.Hour); err != nil {
		t.Fatalf("unexpected sync log start error: %v", err)
	}
	stale := time.Now().UTC().Add(-2 * time.Hour)
	if _, err := testDB.ExecContext(ctx,
		"UPDATE sync_logs SET start_time = ?", stale); err != nil {
		t.Fatalf("unexpected backdating error: %v", err)
	}

	if _, err := testDB.SyncLogStart(ctx, "invoices", "after lease", time.Hour); err != nil {
		t.Errorf("expected start to succeed past the lease window, got %v", err)
	}
}

func Test_SyncLogFinishDuration(t *testing.T) {

	testDB := setupTestDB(t)
	ctx := context.Background()

	entry, err := testDB.SyncLogStart(ctx, "invoices", "", time.Hour)
	if err != nil {
		t.Fatalf("unexpected sync log start error: %v", err)
	}

	// Backdate the start so the run has a measurable duration.
	started := time.Now().UTC().Add(-90 * time.Second)
	if _, err := testDB.ExecContext(ctx,
		"UPDATE sync_logs SET start_time = ? WHERE id = ?", started, entry.ID); err != nil {
		t.Fatalf("unexpected backdating error: %v", err)
	}

	if err := testDB.SyncLogFinish(ctx, entry.ID, SyncStatusFailed, "upstream gone"); err != nil {
		t.Fatalf("unexpected finish error: %v", err)
	}

	finished, err := testDB.SyncLogByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if finished.Status != SyncStatusFailed || finished.Error != "upstream gone" {
		t.Errorf("unexpected finished entry %+v", finished)
	}
	if finished.EndTime == nil || finished.DurationSeconds == nil {
		t.Fatalf("expected end time and duration, got %+v", finished)
	}

	// duration == endTime - startTime, rounded to seconds.
	want := int64(finished.EndTime.Sub(finished.StartTime).Round(time.Second).Seconds())
	if *finished.DurationSeconds != want {
		t.Errorf("expected duration %d, got %d", want, *finished.DurationSeconds)
	}
	if *finished.DurationSeconds < 89 || *finished.DurationSeconds > 92 {
		t.Errorf("expected duration of about 90s, got %d", *finished.DurationSeconds)
	}
}

func Test_SyncLogFinishValidation(t *testing.T) {

	testDB := setupTestDB(t)
	ctx := context.Background()

	entry, err := testDB.SyncLogStart(ctx, "invoices", "", time.Hour)
	if err != nil {
		t.Fatalf("unexpected sync log start error: %v", err)
	}

	if err := testDB.SyncLogFinish(ctx, entry.ID, "running", ""); err == nil {
		t.Errorf("expected an error finishing with a non-terminal status")
	}

	if err := testDB.SyncLogFinish(ctx, entry.ID, SyncStatusCancelled, ""); err != nil {
		t.Fatalf("unexpected finish error: %v", err)
	}
	// Finalizing twice is a no-op, not an error.
	if err := testDB.SyncLogFinish(ctx, entry.ID, SyncStatusCompleted, ""); err != nil {
		t.Fatalf("unexpected second finish error: %v", err)
	}
	finished, err := testDB.SyncLogByID(ctx, entry.ID)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if finished.Status != SyncStatusCancelled {
		t.Errorf("expected the first terminal status to stick, got %q", finished.Status)
	}
}

func Test_SyncLogCheckpointAndHistory(t *testing.T) {

	testDB := setupTestDB(t)
	ctx := context.Background()

	latest, err := testDB.SyncLogLatest(ctx)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows before any run, got %v %+v", err, latest)
	}

	entry, err := testDB.SyncLogStart(ctx, "invoices", "", time.Hour)
	if err != nil {
		t.Fatalf("unexpected sync log start error: %v", err)
	}

	if err := testDB.SyncLogCheckpoint(ctx, entry.ID, 200, 150, 3, 2); err != nil {
		t.Fatalf("unexpected checkpoint error: %v", err)
	}

	latest, err = testDB.SyncLogLatest(ctx)
	if err != nil {
		t.Fatalf("unexpected latest error: %v", err)
	}
	if latest.TotalRecords != 200 || latest.ProcessedRecords != 150 ||
		latest.APICalls != 3 || latest.LastPageProcessed != 2 {
		t.Errorf("unexpected checkpointed entry %+v", latest)
	}

	if err := testDB.SyncLogFinish(ctx, entry.ID, SyncStatusCompleted, ""); err != nil {
		t.Fatalf("unexpected finish error: %v", err)
	}
	if _, err := testDB.SyncLogStart(ctx, "invoices", "", time.Hour); err != nil {
		t.Fatalf("unexpected second start error: %v", err)
	}

	history, err := testDB.SyncLogHistory(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	// Newest first.
	if history[0].ID < history[1].ID {
		t.Errorf("expected newest-first history, got ids %d, %d", history[0].ID, history[1].ID)
	}
}
