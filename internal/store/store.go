// Package store provides the persistent, indexed mailbox mirror: a
// SQLite database holding emails, their recipients and attachments, a
// full-text index, and sync run bookkeeping. It is the single local
// write path for post-sync and post-listener mutation.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed mailbox mirror. All write methods serialize
// on mu even though database/sql itself pools connections, so that
// sync and listener writers never race into SQLITE_BUSY under WAL.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	mu         sync.Mutex
	ftsEnabled bool
}

// Open opens (creating if necessary) the SQLite database at dbPath and
// runs migrations. WAL mode and a busy timeout keep concurrent readers
// and the single writer from blocking each other; foreign keys are
// enabled per connection since SQLite defaults them off.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS emails (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			uid INTEGER,
			folder TEXT NOT NULL,
			thread_id TEXT,
			in_reply_to TEXT,
			references_json TEXT,
			date_sent TEXT,
			date_received TEXT,
			from_address TEXT,
			from_name TEXT,
			to_addresses TEXT,
			cc_addresses TEXT,
			bcc_addresses TEXT,
			subject TEXT,
			text_body TEXT,
			html_body TEXT,
			snippet TEXT,
			is_read INTEGER NOT NULL DEFAULT 0,
			is_starred INTEGER NOT NULL DEFAULT 0,
			is_important INTEGER NOT NULL DEFAULT 0,
			is_draft INTEGER NOT NULL DEFAULT 0,
			is_sent INTEGER NOT NULL DEFAULT 0,
			is_trash INTEGER NOT NULL DEFAULT 0,
			is_spam INTEGER NOT NULL DEFAULT 0,
			labels TEXT NOT NULL DEFAULT '[]',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			attachment_count INTEGER NOT NULL DEFAULT 0,
			raw_headers TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_emails_folder_uid ON emails(folder, uid) WHERE uid IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_emails_date_sent ON emails(date_sent);
		CREATE INDEX IF NOT EXISTS idx_emails_folder ON emails(folder);
		CREATE INDEX IF NOT EXISTS idx_emails_thread ON emails(thread_id);
		CREATE INDEX IF NOT EXISTS idx_emails_is_read ON emails(is_read);
		CREATE INDEX IF NOT EXISTS idx_emails_is_starred ON emails(is_starred);

		CREATE TABLE IF NOT EXISTS recipients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email_id INTEGER NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			address TEXT NOT NULL,
			name TEXT,
			domain TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_recipients_email_id ON recipients(email_id);
		CREATE INDEX IF NOT EXISTS idx_recipients_address ON recipients(address);

		CREATE TABLE IF NOT EXISTS attachments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email_id INTEGER NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
			filename TEXT,
			mime_type TEXT,
			size INTEGER NOT NULL DEFAULT 0,
			content_id TEXT,
			inline INTEGER NOT NULL DEFAULT 0,
			extension TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_email_id ON attachments(email_id);

		CREATE TABLE IF NOT EXISTS email_labels (
			email_id INTEGER NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
			label TEXT NOT NULL,
			PRIMARY KEY (email_id, label)
		);
		CREATE INDEX IF NOT EXISTS idx_email_labels_label ON email_labels(label);

		CREATE TABLE IF NOT EXISTS sync_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			synced INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			errors INTEGER NOT NULL DEFAULT 0,
			sync_type TEXT NOT NULL DEFAULT 'manual'
		);
		CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);
	`)
	if err != nil {
		return err
	}

	if err := s.migrateFTS(); err != nil {
		s.logger.Warn("FTS5 unavailable, full-text search will use LIKE fallback", "error", err)
	}

	return nil
}

// migrateFTS creates the emails_fts virtual table and the triggers
// that keep it synchronized with emails and attachments. Unlike the
// teacher's application-rebuilt contacts_fts, the index here is
// trigger-driven: every insert/update/delete of emails produces the
// corresponding FTS mutation in the same statement, so consistency
// holds even for rows touched outside UpsertEmail (UpdateEmailFlags).
//
// emails_ai writes an empty attachment_names, and emails_au copies it
// from the attachments table as it stands, which keeps the names
// across flag-only updates. Within UpsertEmail, replaceAttachments
// (upsert.go) runs after the emails INSERT/UPDATE in the same
// transaction, so when those triggers fire the attachments table still
// reflects the previous sync. A second trigger set on attachments
// recomputes attachment_names for the owning email's FTS row whenever
// attachments actually change, which is where the new filenames
// become visible.
func (s *Store) migrateFTS() error {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS emails_fts USING fts5(
			message_id UNINDEXED,
			subject,
			from_address,
			from_name,
			body,
			recipients,
			attachment_names,
			tokenize = 'porter unicode61'
		);
	`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS emails_ai AFTER INSERT ON emails BEGIN
			INSERT INTO emails_fts(rowid, message_id, subject, from_address, from_name, body, recipients, attachment_names)
			VALUES (new.id, new.message_id, new.subject, new.from_address, new.from_name,
				coalesce(new.text_body, '') || ' ' || coalesce(new.html_body, ''),
				coalesce(new.to_addresses, '') || ' ' || coalesce(new.cc_addresses, '') || ' ' || coalesce(new.bcc_addresses, ''),
				'');
		END;

		CREATE TRIGGER IF NOT EXISTS emails_ad AFTER DELETE ON emails BEGIN
			INSERT INTO emails_fts(emails_fts, rowid, message_id, subject, from_address, from_name, body, recipients, attachment_names)
			VALUES ('delete', old.id, old.message_id, old.subject, old.from_address, old.from_name,
				coalesce(old.text_body, '') || ' ' || coalesce(old.html_body, ''),
				coalesce(old.to_addresses, '') || ' ' || coalesce(old.cc_addresses, '') || ' ' || coalesce(old.bcc_addresses, ''),
				'');
		END;

		CREATE TRIGGER IF NOT EXISTS emails_au AFTER UPDATE ON emails BEGIN
			INSERT INTO emails_fts(emails_fts, rowid, message_id, subject, from_address, from_name, body, recipients, attachment_names)
			VALUES ('delete', old.id, old.message_id, old.subject, old.from_address, old.from_name,
				coalesce(old.text_body, '') || ' ' || coalesce(old.html_body, ''),
				coalesce(old.to_addresses, '') || ' ' || coalesce(old.cc_addresses, '') || ' ' || coalesce(old.bcc_addresses, ''),
				'');
			INSERT INTO emails_fts(rowid, message_id, subject, from_address, from_name, body, recipients, attachment_names)
			VALUES (new.id, new.message_id, new.subject, new.from_address, new.from_name,
				coalesce(new.text_body, '') || ' ' || coalesce(new.html_body, ''),
				coalesce(new.to_addresses, '') || ' ' || coalesce(new.cc_addresses, '') || ' ' || coalesce(new.bcc_addresses, ''),
				coalesce((SELECT group_concat(filename, ' ') FROM attachments WHERE email_id = new.id), ''));
		END;

		CREATE TRIGGER IF NOT EXISTS attachments_ai AFTER INSERT ON attachments BEGIN
			INSERT INTO emails_fts(emails_fts, rowid, message_id, subject, from_address, from_name, body, recipients, attachment_names)
			SELECT 'delete', rowid, message_id, subject, from_address, from_name, body, recipients, attachment_names
			FROM emails_fts WHERE rowid = new.email_id;

			INSERT INTO emails_fts(rowid, message_id, subject, from_address, from_name, body, recipients, attachment_names)
			SELECT e.id, e.message_id, e.subject, e.from_address, e.from_name,
				coalesce(e.text_body, '') || ' ' || coalesce(e.html_body, ''),
				coalesce(e.to_addresses, '') || ' ' || coalesce(e.cc_addresses, '') || ' ' || coalesce(e.bcc_addresses, ''),
				coalesce((SELECT group_concat(filename, ' ') FROM attachments WHERE email_id = e.id), '')
			FROM emails e WHERE e.id = new.email_id;
		END;

		CREATE TRIGGER IF NOT EXISTS attachments_ad AFTER DELETE ON attachments BEGIN
			INSERT INTO emails_fts(emails_fts, rowid, message_id, subject, from_address, from_name, body, recipients, attachment_names)
			SELECT 'delete', rowid, message_id, subject, from_address, from_name, body, recipients, attachment_names
			FROM emails_fts WHERE rowid = old.email_id;

			INSERT INTO emails_fts(rowid, message_id, subject, from_address, from_name, body, recipients, attachment_names)
			SELECT e.id, e.message_id, e.subject, e.from_address, e.from_name,
				coalesce(e.text_body, '') || ' ' || coalesce(e.html_body, ''),
				coalesce(e.to_addresses, '') || ' ' || coalesce(e.cc_addresses, '') || ' ' || coalesce(e.bcc_addresses, ''),
				coalesce((SELECT group_concat(filename, ' ') FROM attachments WHERE email_id = e.id), '')
			FROM emails e WHERE e.id = old.email_id;
		END;

		CREATE TRIGGER IF NOT EXISTS attachments_au AFTER UPDATE ON attachments BEGIN
			INSERT INTO emails_fts(emails_fts, rowid, message_id, subject, from_address, from_name, body, recipients, attachment_names)
			SELECT 'delete', rowid, message_id, subject, from_address, from_name, body, recipients, attachment_names
			FROM emails_fts WHERE rowid = old.email_id;

			INSERT INTO emails_fts(rowid, message_id, subject, from_address, from_name, body, recipients, attachment_names)
			SELECT e.id, e.message_id, e.subject, e.from_address, e.from_name,
				coalesce(e.text_body, '') || ' ' || coalesce(e.html_body, ''),
				coalesce(e.to_addresses, '') || ' ' || coalesce(e.cc_addresses, '') || ' ' || coalesce(e.bcc_addresses, ''),
				coalesce((SELECT group_concat(filename, ' ') FROM attachments WHERE email_id = e.id), '')
			FROM emails e WHERE e.id = new.email_id;
		END;
	`)
	if err != nil {
		return fmt.Errorf("create FTS triggers: %w", err)
	}

	s.ftsEnabled = true
	return nil
}
