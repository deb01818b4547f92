package store

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "quillmail-store-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	s, err := Open(tmpFile.Name(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEmail(messageID string) *Email {
	return &Email{
		MessageID:   messageID,
		Folder:      "INBOX",
		DateSent:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		FromAddress: "alice@example.com",
		FromName:    "Alice",
		To:          []string{"bob@example.com"},
		Subject:     "Quarterly report",
		TextBody:    "Please find the quarterly report attached.",
		Labels:      []string{"Work"},
		Recipients: []Recipient{
			{Type: RecipientTo, Address: "bob@example.com", Name: "Bob"},
		},
		Attachments: []Attachment{
			{Filename: "report.pdf", MimeType: "application/pdf", Size: 1024},
		},
	}
}

func TestUpsertEmail_InsertThenGet(t *testing.T) {
	s := newTestStore(t)

	e := sampleEmail("msg-1@example.com")
	id, err := s.UpsertEmail(e)
	if err != nil {
		t.Fatalf("UpsertEmail() error = %v", err)
	}
	if id == 0 {
		t.Error("expected non-zero id")
	}

	got, err := s.GetByMessageID("msg-1@example.com")
	if err != nil {
		t.Fatalf("GetByMessageID() error = %v", err)
	}
	if got.Subject != "Quarterly report" {
		t.Errorf("Subject = %q", got.Subject)
	}
	if got.Snippet != "Please find the quarterly report attached." {
		t.Errorf("Snippet = %q", got.Snippet)
	}
	if len(got.Recipients) != 1 || got.Recipients[0].Address != "bob@example.com" {
		t.Errorf("Recipients = %+v", got.Recipients)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Filename != "report.pdf" {
		t.Errorf("Attachments = %+v", got.Attachments)
	}
	if len(got.Labels) != 1 || got.Labels[0] != "Work" {
		t.Errorf("Labels = %+v", got.Labels)
	}
}

func TestUpsertEmail_UpdateReplacesChildren(t *testing.T) {
	s := newTestStore(t)

	e := sampleEmail("msg-2@example.com")
	firstID, err := s.UpsertEmail(e)
	if err != nil {
		t.Fatalf("UpsertEmail() error = %v", err)
	}

	e.Subject = "Quarterly report (revised)"
	e.Attachments = []Attachment{
		{Filename: "report-v2.pdf", MimeType: "application/pdf", Size: 2048},
	}
	secondID, err := s.UpsertEmail(e)
	if err != nil {
		t.Fatalf("UpsertEmail() second call error = %v", err)
	}
	if secondID != firstID {
		t.Errorf("expected stable id across upserts, got %d then %d", firstID, secondID)
	}

	got, err := s.GetByMessageID("msg-2@example.com")
	if err != nil {
		t.Fatalf("GetByMessageID() error = %v", err)
	}
	if got.Subject != "Quarterly report (revised)" {
		t.Errorf("Subject = %q", got.Subject)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Filename != "report-v2.pdf" {
		t.Errorf("expected attachments fully replaced, got %+v", got.Attachments)
	}
}

func TestGetByMessageID_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetByMessageID("nonexistent"); err == nil {
		t.Error("expected error for missing message id")
	}
}

func TestUpdateEmailFlags_AppliesOnlyProvidedFields(t *testing.T) {
	s := newTestStore(t)
	e := sampleEmail("msg-3@example.com")
	if _, err := s.UpsertEmail(e); err != nil {
		t.Fatalf("UpsertEmail() error = %v", err)
	}

	isRead := true
	if err := s.UpdateEmailFlags("msg-3@example.com", FlagUpdate{IsRead: &isRead}); err != nil {
		t.Fatalf("UpdateEmailFlags() error = %v", err)
	}

	got, err := s.GetByMessageID("msg-3@example.com")
	if err != nil {
		t.Fatalf("GetByMessageID() error = %v", err)
	}
	if !got.IsRead {
		t.Error("expected is_read true")
	}
	if got.IsStarred {
		t.Error("expected is_starred unchanged (false)")
	}
	if got.Subject != "Quarterly report" {
		t.Error("expected subject unaffected by flag update")
	}
}

func TestUpdateEmailFlags_UnknownMessageID(t *testing.T) {
	s := newTestStore(t)
	isRead := true
	if err := s.UpdateEmailFlags("missing", FlagUpdate{IsRead: &isRead}); err == nil {
		t.Error("expected error for unknown message id")
	}
}

func TestRecentEmails_ExcludesReadByDefault(t *testing.T) {
	s := newTestStore(t)

	unread := sampleEmail("unread@example.com")
	if _, err := s.UpsertEmail(unread); err != nil {
		t.Fatal(err)
	}

	read := sampleEmail("read@example.com")
	read.IsRead = true
	if _, err := s.UpsertEmail(read); err != nil {
		t.Fatal(err)
	}

	emails, err := s.RecentEmails(10, false)
	if err != nil {
		t.Fatalf("RecentEmails() error = %v", err)
	}
	for _, e := range emails {
		if e.MessageID == "read@example.com" {
			t.Error("expected read email excluded when includeRead=false")
		}
	}

	all, err := s.RecentEmails(10, true)
	if err != nil {
		t.Fatalf("RecentEmails(includeRead=true) error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected both emails with includeRead=true, got %d", len(all))
	}
}

func TestSearchEmails_BySubjectLike(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.UpsertEmail(sampleEmail("search-1@example.com")); err != nil {
		t.Fatal(err)
	}

	results, err := s.SearchEmails(SearchCriteria{Subject: "quarterly"})
	if err != nil {
		t.Fatalf("SearchEmails() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestSearchEmails_MatchesAttachmentFilename(t *testing.T) {
	s := newTestStore(t)
	e := sampleEmail("attach-1@example.com")
	e.Attachments = []Attachment{
		{Filename: "invoice-march.pdf", MimeType: "application/pdf", Size: 4096},
	}
	if _, err := s.UpsertEmail(e); err != nil {
		t.Fatal(err)
	}

	results, err := s.SearchEmails(SearchCriteria{Query: "invoice-march"})
	if err != nil {
		t.Fatalf("SearchEmails() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected attachment filename search to find the owning email, got %d results", len(results))
	}
	if results[0].MessageID != "attach-1@example.com" {
		t.Errorf("MessageID = %q", results[0].MessageID)
	}
}

func TestSearchEmails_LabelSubset(t *testing.T) {
	s := newTestStore(t)
	e := sampleEmail("label-1@example.com")
	e.Labels = []string{"Work", "Invoices"}
	if _, err := s.UpsertEmail(e); err != nil {
		t.Fatal(err)
	}

	results, err := s.SearchEmails(SearchCriteria{Labels: []string{"Invoices"}})
	if err != nil {
		t.Fatalf("SearchEmails() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result for label subset match, got %d", len(results))
	}

	none, err := s.SearchEmails(SearchCriteria{Labels: []string{"Personal"}})
	if err != nil {
		t.Fatalf("SearchEmails() error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected 0 results for non-matching label, got %d", len(none))
	}
}

func TestStatistics(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.UpsertEmail(sampleEmail("stats-1@example.com")); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Statistics()
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}
	if stats.TotalEmails != 1 {
		t.Errorf("TotalEmails = %d, want 1", stats.TotalEmails)
	}
	if stats.ByFolder["INBOX"] != 1 {
		t.Errorf("ByFolder[INBOX] = %d, want 1", stats.ByFolder["INBOX"])
	}
	if stats.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", stats.UnreadCount)
	}
}

func TestSyncRuns_BeginAndFinish(t *testing.T) {
	s := newTestStore(t)

	id, err := s.BeginSyncRun(SyncManual)
	if err != nil {
		t.Fatalf("BeginSyncRun() error = %v", err)
	}
	if err := s.FinishSyncRun(id, 5, 1, 0); err != nil {
		t.Fatalf("FinishSyncRun() error = %v", err)
	}

	stats, err := s.Statistics()
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}
	if stats.LastSyncRun == nil {
		t.Fatal("expected LastSyncRun populated")
	}
	if stats.LastSyncRun.Synced != 5 || stats.LastSyncRun.Skipped != 1 {
		t.Errorf("LastSyncRun = %+v", stats.LastSyncRun)
	}
}

func TestMaxDateSent_EmptyStoreReturnsZero(t *testing.T) {
	s := newTestStore(t)
	got, err := s.MaxDateSent()
	if err != nil {
		t.Fatalf("MaxDateSent() error = %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero time on empty store, got %v", got)
	}
}

func TestMaxDateSent_ReturnsNewest(t *testing.T) {
	s := newTestStore(t)
	older := sampleEmail("older@example.com")
	older.DateSent = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := sampleEmail("newer@example.com")
	newer.DateSent = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.UpsertEmail(older); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertEmail(newer); err != nil {
		t.Fatal(err)
	}

	got, err := s.MaxDateSent()
	if err != nil {
		t.Fatalf("MaxDateSent() error = %v", err)
	}
	if !got.Equal(newer.DateSent) {
		t.Errorf("MaxDateSent() = %v, want %v", got, newer.DateSent)
	}
}
