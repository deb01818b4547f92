package imapclient

import (
	"context"
	"errors"
	"testing"
)

func TestGmailLabelFlag(t *testing.T) {
	got := gmailLabelFlag("Work/Invoices")
	want := "X-GM-LABELS (Work/Invoices)"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestArchiveEmail_NoopWhenAlreadyInAllMail(t *testing.T) {
	c := New(Config{}, nil)
	// Must short-circuit before touching the connection when the
	// source folder is already AllMailFolder.
	if err := c.ArchiveEmail(context.Background(), AllMailFolder, []uint32{1, 2, 3}); err != nil {
		t.Errorf("expected no-op nil error, got %v", err)
	}
}

func TestStoreFlags_RejectsEmptyUIDs(t *testing.T) {
	c := New(Config{}, nil)
	err := c.MarkAsRead(context.Background(), "INBOX", nil)
	if err == nil {
		t.Error("expected error for empty UID set")
	}
}

// TestStoreLabels_UnsupportedWithoutDialing guards against StoreLabels
// being silently rewired through storeFlags: it calls StoreLabels with
// a disconnected client (no Host configured) and a non-empty UID set.
// If StoreLabels routed through storeFlags, storeFlags would call
// ensureConnected and either hang or return a dial error; instead this
// asserts the specific ErrGmailLabelStoreUnsupported sentinel comes
// back immediately.
func TestStoreLabels_UnsupportedWithoutDialing(t *testing.T) {
	c := New(Config{}, nil)
	err := c.StoreLabels(context.Background(), "INBOX", []uint32{1}, "Work", true)
	if !errors.Is(err, ErrGmailLabelStoreUnsupported) {
		t.Errorf("StoreLabels error = %v, want ErrGmailLabelStoreUnsupported", err)
	}
}
