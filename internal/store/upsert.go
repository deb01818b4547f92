package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

const maxSnippetLen = 200

// UpsertEmail inserts a new row or, if a row with the same Message-ID
// already exists, updates all mutable fields and fully replaces its
// recipients and attachments. The whole operation — email row,
// recipients, attachments, and the FTS mutation (via trigger) — is one
// transaction: a failure rolls back the entire batch. Returns the
// row's integer surrogate key.
func (s *Store) UpsertEmail(e *Email) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	e.Snippet = truncateSnippet(e.Snippet, e.TextBody)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRow(`SELECT id FROM emails WHERE message_id = ?`, e.MessageID).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		id, err = insertEmail(tx, e, now)
		if err != nil {
			return 0, fmt.Errorf("insert email: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("lookup existing email: %w", err)
	default:
		if err := updateEmail(tx, id, e, now); err != nil {
			return 0, fmt.Errorf("update email: %w", err)
		}
	}

	if err := replaceRecipients(tx, id, e.Recipients); err != nil {
		return 0, fmt.Errorf("replace recipients: %w", err)
	}
	if err := replaceAttachments(tx, id, e.Attachments); err != nil {
		return 0, fmt.Errorf("replace attachments: %w", err)
	}
	if err := replaceLabels(tx, id, e.Labels); err != nil {
		return 0, fmt.Errorf("replace labels: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	e.ID = id
	return id, nil
}

func insertEmail(tx *sql.Tx, e *Email, now time.Time) (int64, error) {
	labelsJSON, _ := json.Marshal(e.Labels)
	refsJSON, _ := json.Marshal(e.References)

	res, err := tx.Exec(`
		INSERT INTO emails (
			message_id, uid, folder, thread_id, in_reply_to, references_json,
			date_sent, date_received, from_address, from_name,
			to_addresses, cc_addresses, bcc_addresses,
			subject, text_body, html_body, snippet,
			is_read, is_starred, is_important, is_draft, is_sent, is_trash, is_spam,
			labels, size_bytes, attachment_count, raw_headers,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.MessageID, nullUID(e.UID), e.Folder, nullStr(e.ThreadID), nullStr(e.InReplyTo), string(refsJSON),
		formatTime(e.DateSent), formatTime(e.DateReceived), e.FromAddress, nullStr(e.FromName),
		strings.Join(e.To, ", "), strings.Join(e.Cc, ", "), strings.Join(e.Bcc, ", "),
		e.Subject, e.TextBody, e.HTMLBody, e.Snippet,
		boolToInt(e.IsRead), boolToInt(e.IsStarred), boolToInt(e.IsImportant),
		boolToInt(e.IsDraft), boolToInt(e.IsSent), boolToInt(e.IsTrash), boolToInt(e.IsSpam),
		string(labelsJSON), e.SizeBytes, len(e.Attachments), nullStr(e.RawHeaders),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func updateEmail(tx *sql.Tx, id int64, e *Email, now time.Time) error {
	labelsJSON, _ := json.Marshal(e.Labels)
	refsJSON, _ := json.Marshal(e.References)

	_, err := tx.Exec(`
		UPDATE emails SET
			uid = ?, folder = ?, thread_id = ?, in_reply_to = ?, references_json = ?,
			date_sent = ?, date_received = ?, from_address = ?, from_name = ?,
			to_addresses = ?, cc_addresses = ?, bcc_addresses = ?,
			subject = ?, text_body = ?, html_body = ?, snippet = ?,
			is_read = ?, is_starred = ?, is_important = ?, is_draft = ?, is_sent = ?, is_trash = ?, is_spam = ?,
			labels = ?, size_bytes = ?, attachment_count = ?, raw_headers = ?,
			updated_at = ?
		WHERE id = ?
	`,
		nullUID(e.UID), e.Folder, nullStr(e.ThreadID), nullStr(e.InReplyTo), string(refsJSON),
		formatTime(e.DateSent), formatTime(e.DateReceived), e.FromAddress, nullStr(e.FromName),
		strings.Join(e.To, ", "), strings.Join(e.Cc, ", "), strings.Join(e.Bcc, ", "),
		e.Subject, e.TextBody, e.HTMLBody, e.Snippet,
		boolToInt(e.IsRead), boolToInt(e.IsStarred), boolToInt(e.IsImportant),
		boolToInt(e.IsDraft), boolToInt(e.IsSent), boolToInt(e.IsTrash), boolToInt(e.IsSpam),
		string(labelsJSON), e.SizeBytes, len(e.Attachments), nullStr(e.RawHeaders),
		now.Format(time.RFC3339), id,
	)
	return err
}

func replaceRecipients(tx *sql.Tx, emailID int64, recipients []Recipient) error {
	if _, err := tx.Exec(`DELETE FROM recipients WHERE email_id = ?`, emailID); err != nil {
		return err
	}
	for _, r := range recipients {
		domain := r.Domain
		if domain == "" {
			domain = domainOf(r.Address)
		}
		_, err := tx.Exec(
			`INSERT INTO recipients (email_id, type, address, name, domain) VALUES (?, ?, ?, ?, ?)`,
			emailID, string(r.Type), strings.ToLower(r.Address), nullStr(r.Name), domain,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func replaceAttachments(tx *sql.Tx, emailID int64, attachments []Attachment) error {
	if _, err := tx.Exec(`DELETE FROM attachments WHERE email_id = ?`, emailID); err != nil {
		return err
	}
	for _, a := range attachments {
		ext := a.Extension
		if ext == "" {
			ext = strings.TrimPrefix(path.Ext(a.Filename), ".")
		}
		_, err := tx.Exec(
			`INSERT INTO attachments (email_id, filename, mime_type, size, content_id, inline, extension) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			emailID, a.Filename, a.MimeType, a.Size, nullStr(a.ContentID), boolToInt(a.Inline), ext,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func replaceLabels(tx *sql.Tx, emailID int64, labels []string) error {
	if _, err := tx.Exec(`DELETE FROM email_labels WHERE email_id = ?`, emailID); err != nil {
		return err
	}
	for _, l := range labels {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO email_labels (email_id, label) VALUES (?, ?)`, emailID, l); err != nil {
			return err
		}
	}
	return nil
}

func truncateSnippet(existing, textBody string) string {
	s := existing
	if s == "" {
		s = strings.TrimSpace(textBody)
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxSnippetLen {
		return s[:maxSnippetLen]
	}
	return s
}

func domainOf(address string) string {
	i := strings.LastIndex(address, "@")
	if i < 0 || i == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[i+1:])
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullUID(uid uint32) sql.NullInt64 {
	if uid == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(uid), Valid: true}
}
