package store

import (
	"fmt"
	"strings"
)

const defaultSearchLimit = 30

// SearchEmails returns a finite, paginated list of emails matching
// criteria, ordered by send-date descending. Free-text Query runs
// through the FTS5 index when available; every other field composes
// as an additional SQL predicate over the base table.
func (s *Store) SearchEmails(c SearchCriteria) ([]*Email, error) {
	limit := c.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	offset := c.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		conds []string
		args  []any
		from  = "emails"
	)

	if c.Query != "" && s.ftsEnabled {
		sanitized := sanitizeFTS5Query(c.Query)
		if sanitized != "" {
			from = "emails JOIN emails_fts ON emails_fts.rowid = emails.id"
			conds = append(conds, "emails_fts MATCH ?")
			args = append(args, sanitized)
		}
	} else if c.Query != "" {
		conds = append(conds, "(subject LIKE ? OR text_body LIKE ? OR html_body LIKE ?)")
		pattern := "%" + c.Query + "%"
		args = append(args, pattern, pattern, pattern)
	}

	if len(c.From) > 0 {
		conds = append(conds, "("+orLike("from_address", len(c.From))+")")
		for _, f := range c.From {
			args = append(args, "%"+f+"%")
		}
	}
	if len(c.To) > 0 {
		sub := `EXISTS (SELECT 1 FROM recipients r WHERE r.email_id = emails.id AND r.type = 'to' AND (` + orLike("r.address", len(c.To)) + `))`
		conds = append(conds, sub)
		for _, t := range c.To {
			args = append(args, "%"+t+"%")
		}
	}
	if c.Subject != "" {
		conds = append(conds, "subject LIKE ?")
		args = append(args, "%"+c.Subject+"%")
	}
	if !c.Since.IsZero() {
		conds = append(conds, "date_sent >= ?")
		args = append(args, c.Since.Format("2006-01-02T15:04:05Z07:00"))
	}
	if !c.Before.IsZero() {
		conds = append(conds, "date_sent <= ?")
		args = append(args, c.Before.Format("2006-01-02T15:04:05Z07:00"))
	}
	if c.HasAttachments {
		conds = append(conds, "attachment_count > 0")
	}
	if c.IsUnread {
		conds = append(conds, "is_read = 0")
	}
	if c.IsStarred {
		conds = append(conds, "is_starred = 1")
	}
	if c.Folder != "" {
		conds = append(conds, "folder = ?")
		args = append(args, c.Folder)
	}
	if len(c.Folders) > 0 {
		conds = append(conds, "("+orEq("folder", len(c.Folders))+")")
		for _, f := range c.Folders {
			args = append(args, f)
		}
	}
	if c.ThreadID != "" {
		conds = append(conds, "thread_id = ?")
		args = append(args, c.ThreadID)
	}
	if len(c.Labels) > 0 {
		// Subset match: every requested label must have a matching
		// row in the normalized join table.
		for _, l := range c.Labels {
			conds = append(conds, `EXISTS (SELECT 1 FROM email_labels el WHERE el.email_id = emails.id AND el.label = ?)`)
			args = append(args, l)
		}
	}
	if c.MinSize > 0 {
		conds = append(conds, "size_bytes >= ?")
		args = append(args, c.MinSize)
	}
	if c.MaxSize > 0 {
		conds = append(conds, "size_bytes <= ?")
		args = append(args, c.MaxSize)
	}

	query := `SELECT ` + qualify(emailColumns) + ` FROM ` + from
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY emails.date_sent DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	return s.queryEmails(query, args...)
}

// qualify prefixes each bare column name with "emails." so the query
// remains unambiguous when joined against emails_fts.
func qualify(columns string) string {
	parts := strings.Split(columns, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = "emails." + strings.TrimSpace(p)
	}
	return strings.Join(out, ", ")
}

func orLike(column string, n int) string {
	clauses := make([]string, n)
	for i := range clauses {
		clauses[i] = fmt.Sprintf("%s LIKE ?", column)
	}
	return strings.Join(clauses, " OR ")
}

func orEq(column string, n int) string {
	clauses := make([]string, n)
	for i := range clauses {
		clauses[i] = fmt.Sprintf("%s = ?", column)
	}
	return strings.Join(clauses, " OR ")
}

// sanitizeFTS5Query quotes each term so user input can't break FTS5
// query syntax (unbalanced quotes, bare operators like AND/OR/NOT).
func sanitizeFTS5Query(query string) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		w = strings.ReplaceAll(w, `"`, `""`)
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " ")
}
