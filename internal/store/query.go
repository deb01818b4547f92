package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const emailColumns = `id, message_id, uid, folder, thread_id, in_reply_to, references_json,
	date_sent, date_received, from_address, from_name, to_addresses, cc_addresses, bcc_addresses,
	subject, text_body, html_body, snippet,
	is_read, is_starred, is_important, is_draft, is_sent, is_trash, is_spam,
	labels, size_bytes, attachment_count, raw_headers, created_at, updated_at`

// GetByMessageID returns the email with the given Message-ID, or
// sql.ErrNoRows if absent. Used by the Dispatcher to resolve a
// listener-visible id to a UID before IMAP operations.
func (s *Store) GetByMessageID(messageID string) (*Email, error) {
	row := s.db.QueryRow(`SELECT `+emailColumns+` FROM emails WHERE message_id = ?`, messageID)
	e, err := scanEmail(row)
	if err != nil {
		return nil, err
	}
	if err := s.attachChildren(e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetByIDs returns the emails with the given surrogate keys, ordered
// by send date descending. Missing ids are silently omitted.
func (s *Store) GetByIDs(ids []int64) ([]*Email, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := `SELECT ` + emailColumns + ` FROM emails WHERE id IN (` + strings.Join(placeholders, ",") + `) ORDER BY date_sent DESC`
	return s.queryEmails(query, args...)
}

// GetByMessageIDs returns the emails with the given Message-IDs,
// ordered by send date descending. Missing ids are silently omitted.
func (s *Store) GetByMessageIDs(messageIDs []string) ([]*Email, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(messageIDs))
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := `SELECT ` + emailColumns + ` FROM emails WHERE message_id IN (` + strings.Join(placeholders, ",") + `) ORDER BY date_sent DESC`
	return s.queryEmails(query, args...)
}

// RecentEmails returns the newest-first emails across INBOX and All
// Mail, optionally excluding already-read messages.
func (s *Store) RecentEmails(limit int, includeRead bool) ([]*Email, error) {
	if limit <= 0 {
		limit = 30
	}
	query := `SELECT ` + emailColumns + ` FROM emails WHERE folder IN ('INBOX', '[Gmail]/All Mail') AND is_trash = 0 AND is_spam = 0`
	if !includeRead {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY date_sent DESC LIMIT ?`
	return s.queryEmails(query, limit)
}

func (s *Store) queryEmails(query string, args ...any) ([]*Email, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var emails []*Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		emails = append(emails, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range emails {
		if err := s.attachChildren(e); err != nil {
			return nil, err
		}
	}
	return emails, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmail(row rowScanner) (*Email, error) {
	var e Email
	var uid sql.NullInt64
	var threadID, inReplyTo, fromName, rawHeaders sql.NullString
	var dateSent, dateReceived sql.NullString
	var toAddrs, ccAddrs, bccAddrs, refsJSON, labelsJSON string
	var createdAt, updatedAt string

	err := row.Scan(
		&e.ID, &e.MessageID, &uid, &e.Folder, &threadID, &inReplyTo, &refsJSON,
		&dateSent, &dateReceived, &e.FromAddress, &fromName, &toAddrs, &ccAddrs, &bccAddrs,
		&e.Subject, &e.TextBody, &e.HTMLBody, &e.Snippet,
		&e.IsRead, &e.IsStarred, &e.IsImportant, &e.IsDraft, &e.IsSent, &e.IsTrash, &e.IsSpam,
		&labelsJSON, &e.SizeBytes, &e.AttachmentCount, &rawHeaders, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if uid.Valid {
		e.UID = uint32(uid.Int64)
	}
	e.ThreadID = threadID.String
	e.InReplyTo = inReplyTo.String
	e.FromName = fromName.String
	e.RawHeaders = rawHeaders.String

	if dateSent.Valid {
		e.DateSent, _ = time.Parse(time.RFC3339, dateSent.String)
	}
	if dateReceived.Valid {
		e.DateReceived, _ = time.Parse(time.RFC3339, dateReceived.String)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	e.To = splitAddresses(toAddrs)
	e.Cc = splitAddresses(ccAddrs)
	e.Bcc = splitAddresses(bccAddrs)

	_ = json.Unmarshal([]byte(refsJSON), &e.References)
	_ = json.Unmarshal([]byte(labelsJSON), &e.Labels)

	return &e, nil
}

func splitAddresses(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ", ")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) attachChildren(e *Email) error {
	recipients, err := s.recipientsFor(e.ID)
	if err != nil {
		return fmt.Errorf("load recipients: %w", err)
	}
	e.Recipients = recipients

	attachments, err := s.attachmentsFor(e.ID)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	e.Attachments = attachments

	return nil
}

func (s *Store) recipientsFor(emailID int64) ([]Recipient, error) {
	rows, err := s.db.Query(`SELECT type, address, name, domain FROM recipients WHERE email_id = ?`, emailID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recipient
	for rows.Next() {
		var r Recipient
		var typ string
		var name sql.NullString
		if err := rows.Scan(&typ, &r.Address, &name, &r.Domain); err != nil {
			return nil, err
		}
		r.Type = RecipientType(typ)
		r.Name = name.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) attachmentsFor(emailID int64) ([]Attachment, error) {
	rows, err := s.db.Query(`SELECT filename, mime_type, size, content_id, inline, extension FROM attachments WHERE email_id = ?`, emailID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		var contentID, ext sql.NullString
		var inline int
		if err := rows.Scan(&a.Filename, &a.MimeType, &a.Size, &contentID, &inline, &ext); err != nil {
			return nil, err
		}
		a.ContentID = contentID.String
		a.Extension = ext.String
		a.Inline = inline != 0
		out = append(out, a)
	}
	return out, rows.Err()
}
