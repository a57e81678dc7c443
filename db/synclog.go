package db

// synclog.go deals with sync run provenance records and the single-writer
// run lease.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sync run statuses. A run is finalized exactly once with one of the
// terminal statuses.
const (
	SyncStatusRunning   = "running"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
	SyncStatusCancelled = "cancelled"
)

// ErrRunActive reports that a sync run lease is already held.
var ErrRunActive = errors.New("db: a sync run is already active")

// SyncLog records one run of the sync orchestrator.
type SyncLog struct {
	ID                int64      `db:"id" json:"id"`
	SyncType          string     `db:"sync_type" json:"syncType"`
	Status            string     `db:"status" json:"status"`
	StartTime         time.Time  `db:"start_time" json:"startTime"`
	EndTime           *time.Time `db:"end_time" json:"endTime,omitempty"`
	DurationSeconds   *int64     `db:"duration_seconds" json:"durationSeconds,omitempty"`
	TotalRecords      int        `db:"total_records" json:"totalRecords"`
	ProcessedRecords  int        `db:"processed_records" json:"processedRecords"`
	APICalls          int        `db:"api_calls" json:"apiCalls"`
	LastPageProcessed int        `db:"last_page_processed" json:"lastPageProcessed"`
	Error             string     `db:"error" json:"error,omitempty"`
	Notes             string     `db:"notes" json:"notes,omitempty"`
}

// SyncLogStart acquires the run lease by creating a "running" log entry.
// The insert succeeds only when no running entry younger than
// leaseDuration exists; running entries older than the lease are treated
// as orphaned by a crashed process and do not block new runs. Returns
// ErrRunActive when the lease is held.
func (db *DB) SyncLogStart(ctx context.Context, syncType, notes string, leaseDuration time.Duration) (*SyncLog, error) {

	now := time.Now().UTC()
	namedArgs := map[string]any{
		"sync_type":    syncType,
		"start_time":   now,
		"notes":        notes,
		"lease_cutoff": now.Add(-leaseDuration),
	}

	result, err := db.NamedExecContext(ctx, syncLogStartSQL, namedArgs)
	if err != nil {
		return nil, fmt.Errorf("sync log start error: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sync log start rows affected error: %w", err)
	}
	if affected == 0 {
		return nil, ErrRunActive
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sync log start insert id error: %w", err)
	}

	return &SyncLog{
		ID:        id,
		SyncType:  syncType,
		Status:    SyncStatusRunning,
		StartTime: now,
		Notes:     notes,
	}, nil
}

// SyncLogCheckpoint persists per-page progress for a running entry. The
// checkpoint is the unit of crash recoverability: a crash loses at most
// one page of progress.
func (db *DB) SyncLogCheckpoint(ctx context.Context, id int64, totalRecords, processedRecords, apiCalls, lastPageProcessed int) error {

	namedArgs := map[string]any{
		"id":                  id,
		"total_records":       totalRecords,
		"processed_records":   processedRecords,
		"api_calls":           apiCalls,
		"last_page_processed": lastPageProcessed,
	}
	_, err := db.NamedExecContext(ctx, syncLogCheckpointSQL, namedArgs)
	if err != nil {
		return fmt.Errorf("sync log checkpoint error: %w", err)
	}
	return nil
}

// SyncLogFinish finalizes a running entry with a terminal status, end
// time and duration. Finalizing an already-terminal entry is a no-op so a
// run can never be finalized twice.
func (db *DB) SyncLogFinish(ctx context.Context, id int64, status, errMsg string) error {

	switch status {
	case SyncStatusCompleted, SyncStatusFailed, SyncStatusCancelled:
	default:
		return fmt.Errorf("status must be a terminal value, got %q", status)
	}

	var startTime time.Time
	err := db.GetContext(ctx, &startTime, "SELECT start_time FROM sync_logs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sync log finish lookup error: %w", err)
	}

	endTime := time.Now().UTC()
	duration := int64(endTime.Sub(startTime).Round(time.Second).Seconds())

	namedArgs := map[string]any{
		"id":               id,
		"status":           status,
		"end_time":         endTime,
		"duration_seconds": duration,
		"error":            errMsg,
	}
	_, err = db.NamedExecContext(ctx, syncLogFinishSQL, namedArgs)
	if err != nil {
		return fmt.Errorf("sync log finish error: %w", err)
	}
	return nil
}

// SyncLogLatest returns the most recent log entry, or sql.ErrNoRows when
// no sync has ever run.
func (db *DB) SyncLogLatest(ctx context.Context) (*SyncLog, error) {
	var entry SyncLog
	err := db.GetContext(ctx, &entry,
		"SELECT * FROM sync_logs ORDER BY start_time DESC, id DESC LIMIT 1")
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("sync log latest error: %w", err)
	}
	return &entry, nil
}

// SyncLogByID returns one log entry by id.
func (db *DB) SyncLogByID(ctx context.Context, id int64) (*SyncLog, error) {
	var entry SyncLog
	err := db.GetContext(ctx, &entry, "SELECT * FROM sync_logs WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// SyncLogHistory returns up to limit log entries, newest first.
func (db *DB) SyncLogHistory(ctx context.Context, limit int) ([]SyncLog, error) {
	if limit < 1 {
		limit = 20
	}
	var entries []SyncLog
	err := db.SelectContext(ctx, &entries,
		"SELECT * FROM sync_logs ORDER BY start_time DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("sync log history error: %w", err)
	}
	return entries, nil
}
