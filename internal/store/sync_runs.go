package store

import (
	"database/sql"
	"fmt"
	"time"
)

// BeginSyncRun records the start of a sync pass and returns its id for
// use with FinishSyncRun.
func (s *Store) BeginSyncRun(syncType SyncType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO sync_runs (started_at, sync_type) VALUES (?, ?)`,
		time.Now().UTC().Format(time.RFC3339), string(syncType),
	)
	if err != nil {
		return 0, fmt.Errorf("begin sync run: %w", err)
	}
	return res.LastInsertId()
}

// FinishSyncRun records the outcome of a completed sync pass.
func (s *Store) FinishSyncRun(id int64, synced, skipped, errs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE sync_runs SET finished_at = ?, synced = ?, skipped = ?, errors = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), synced, skipped, errs, id,
	)
	if err != nil {
		return fmt.Errorf("finish sync run: %w", err)
	}
	return nil
}

// MaxDateSent returns the most recent date_sent across all mirrored
// emails, used by SyncNew to derive an incremental "since" bound.
func (s *Store) MaxDateSent() (time.Time, error) {
	var maxStr sql.NullString
	if err := s.db.QueryRow(`SELECT MAX(date_sent) FROM emails`).Scan(&maxStr); err != nil {
		return time.Time{}, fmt.Errorf("max date_sent: %w", err)
	}
	if !maxStr.Valid || maxStr.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, maxStr.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse max date_sent: %w", err)
	}
	return t, nil
}

// LastSyncRun returns the most recently begun sync run (highest id),
// or sql.ErrNoRows if none has ever run. Used by the HTTP
// surface's GET /api/sync/status.
func (s *Store) LastSyncRun() (*SyncRun, error) {
	return s.lastSyncRun()
}

func (s *Store) lastSyncRun() (*SyncRun, error) {
	var run SyncRun
	var finishedAt sql.NullString
	var syncType string

	err := s.db.QueryRow(`
		SELECT id, started_at, finished_at, synced, skipped, errors, sync_type
		FROM sync_runs ORDER BY id DESC LIMIT 1
	`).Scan(&run.ID, &run.StartedAt, &finishedAt, &run.Synced, &run.Skipped, &run.Errors, &syncType)
	if err != nil {
		return nil, err
	}

	run.Type = SyncType(syncType)
	if finishedAt.Valid {
		run.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt.String)
	}
	return &run, nil
}
