package dispatch

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/corvidhollow/quillmail/internal/events"
	"github.com/corvidhollow/quillmail/internal/listeners"
	"github.com/corvidhollow/quillmail/internal/store"
)

func newTestContext(t *testing.T, st *fakeStore, im *fakeIMAP) *Context {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := listeners.New(t.TempDir(), logger, nil)
	d := New(logger, reg, st, im, &fakeClassifier{}, events.New())
	return newContext(context.Background(), d, "test_listener", "Test Listener")
}

func TestContext_ResolveFailsWithoutUID(t *testing.T) {
	st := newFakeStore()
	st.emails["no-uid@x"] = &store.Email{MessageID: "no-uid@x", Folder: "INBOX"}
	c := newTestContext(t, st, &fakeIMAP{})

	if err := c.StarEmail("no-uid@x"); err == nil {
		t.Error("expected error for a message with no recorded UID")
	}
}

func TestContext_ResolveFailsWhenUnknown(t *testing.T) {
	c := newTestContext(t, newFakeStore(), &fakeIMAP{})

	if err := c.ArchiveEmail("ghost@x"); err == nil {
		t.Error("expected error for an unresolvable message id")
	}
}

func TestContext_RemoteFailureAbortsBeforeLocalMutation(t *testing.T) {
	st := newFakeStore()
	st.emails["msg@x"] = &store.Email{MessageID: "msg@x", UID: 5, Folder: "INBOX"}
	im := &fakeIMAP{failMutate: true}
	c := newTestContext(t, st, im)

	if err := c.ArchiveEmail("msg@x"); err == nil {
		t.Fatal("expected archive to fail when the remote call errors")
	}
	if st.emails["msg@x"].Folder != "INBOX" {
		t.Error("local folder must not change when the remote archive failed")
	}
}

func TestContext_AddLabelThenRemoveLabel(t *testing.T) {
	st := newFakeStore()
	st.emails["msg@x"] = &store.Email{MessageID: "msg@x", UID: 1, Folder: "INBOX", Labels: []string{"existing"}}
	im := &fakeIMAP{}
	c := newTestContext(t, st, im)

	if err := c.AddLabel("msg@x", "Important"); err != nil {
		t.Fatalf("AddLabel: %v", err)
	}
	if !hasLabel(st.emails["msg@x"].Labels, "Important") || !hasLabel(st.emails["msg@x"].Labels, "existing") {
		t.Errorf("labels = %v, want both existing and Important", st.emails["msg@x"].Labels)
	}

	if err := c.RemoveLabel("msg@x", "existing"); err != nil {
		t.Fatalf("RemoveLabel: %v", err)
	}
	if hasLabel(st.emails["msg@x"].Labels, "existing") {
		t.Errorf("labels = %v, want existing removed", st.emails["msg@x"].Labels)
	}
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

func TestContext_MarkAsReadThenUnread(t *testing.T) {
	st := newFakeStore()
	st.emails["msg@x"] = &store.Email{MessageID: "msg@x", UID: 2, Folder: "INBOX", IsRead: false}
	c := newTestContext(t, st, &fakeIMAP{})

	if err := c.MarkAsRead("msg@x"); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	if !st.emails["msg@x"].IsRead {
		t.Error("expected IsRead = true")
	}

	if err := c.MarkAsUnread("msg@x"); err != nil {
		t.Fatalf("MarkAsUnread: %v", err)
	}
	if st.emails["msg@x"].IsRead {
		t.Error("expected IsRead = false")
	}
}

func TestContext_NotifyCarriesMessageID(t *testing.T) {
	st := newFakeStore()
	im := &fakeIMAP{}
	c := newTestContext(t, st, im)

	var got Notification
	c.notify = func(n Notification) { got = n }

	c.NotifyAbout("msg@x", "hello", PriorityHigh)

	if got.MessageID != "msg@x" || got.Message != "hello" || got.Priority != PriorityHigh {
		t.Errorf("notification = %+v", got)
	}
}
