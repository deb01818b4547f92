package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpdateEmailFlags applies only the provided fields of update to the
// email identified by messageID and touches updated_at. This is the
// single local write path for post-upsert mutation; listener-driven
// changes go through it rather than touching emails directly.
func (s *Store) UpdateEmailFlags(messageID string, update FlagUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sets []string
	var args []any

	if update.IsRead != nil {
		sets = append(sets, "is_read = ?")
		args = append(args, boolToInt(*update.IsRead))
	}
	if update.IsStarred != nil {
		sets = append(sets, "is_starred = ?")
		args = append(args, boolToInt(*update.IsStarred))
	}
	if update.IsImportant != nil {
		sets = append(sets, "is_important = ?")
		args = append(args, boolToInt(*update.IsImportant))
	}
	if update.Folder != nil {
		sets = append(sets, "folder = ?")
		args = append(args, *update.Folder)
	}
	if update.Labels != nil {
		labelsJSON, _ := json.Marshal(update.Labels)
		sets = append(sets, "labels = ?")
		args = append(args, string(labelsJSON))
	}

	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC().Format(time.RFC3339))
	args = append(args, messageID)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := "UPDATE emails SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE message_id = ?"

	res, err := tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update flags: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("email not found: %s", messageID)
	}

	if update.Labels != nil {
		var emailID int64
		if err := tx.QueryRow(`SELECT id FROM emails WHERE message_id = ?`, messageID).Scan(&emailID); err != nil {
			return fmt.Errorf("lookup email id: %w", err)
		}
		if err := replaceLabels(tx, emailID, update.Labels); err != nil {
			return fmt.Errorf("replace labels: %w", err)
		}
	}

	return tx.Commit()
}

// Statistics returns counts and aggregates over the current store
// contents for observability. Not load-bearing for correctness.
func (s *Store) Statistics() (*Statistics, error) {
	stats := &Statistics{
		ByFolder: make(map[string]int),
		ByLabel:  make(map[string]int),
	}

	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), COALESCE(SUM(1 - is_read), 0) FROM emails`).
		Scan(&stats.TotalEmails, &stats.TotalSizeByte, &stats.UnreadCount)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	rows, err := s.db.Query(`SELECT folder, COUNT(*) FROM emails GROUP BY folder`)
	if err != nil {
		return nil, fmt.Errorf("by folder: %w", err)
	}
	for rows.Next() {
		var folder string
		var count int
		if err := rows.Scan(&folder, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByFolder[folder] = count
	}
	rows.Close()

	labelRows, err := s.db.Query(`SELECT label, COUNT(*) FROM email_labels GROUP BY label`)
	if err != nil {
		return nil, fmt.Errorf("by label: %w", err)
	}
	for labelRows.Next() {
		var label string
		var count int
		if err := labelRows.Scan(&label, &count); err != nil {
			labelRows.Close()
			return nil, err
		}
		stats.ByLabel[label] = count
	}
	labelRows.Close()

	run, err := s.lastSyncRun()
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("last sync run: %w", err)
	}
	if err == nil {
		stats.LastSyncRun = run
	}

	return stats, nil
}
