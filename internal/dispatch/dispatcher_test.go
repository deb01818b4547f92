package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/corvidhollow/quillmail/internal/events"
	"github.com/corvidhollow/quillmail/internal/listeners"
	"github.com/corvidhollow/quillmail/internal/store"
)

type fakeStore struct {
	emails map[string]*store.Email
	flagCalls []store.FlagUpdate
	failUpdate bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{emails: make(map[string]*store.Email)}
}

func (f *fakeStore) GetByMessageID(messageID string) (*store.Email, error) {
	e, ok := f.emails[messageID]
	if !ok {
		return nil, fmt.Errorf("not found: %s", messageID)
	}
	return e, nil
}

func (f *fakeStore) UpdateEmailFlags(messageID string, update store.FlagUpdate) error {
	if f.failUpdate {
		return fmt.Errorf("simulated local mutation failure")
	}
	f.flagCalls = append(f.flagCalls, update)
	e := f.emails[messageID]
	if update.IsRead != nil {
		e.IsRead = *update.IsRead
	}
	if update.IsStarred != nil {
		e.IsStarred = *update.IsStarred
	}
	if update.Folder != nil {
		e.Folder = *update.Folder
	}
	if update.Labels != nil {
		e.Labels = update.Labels
	}
	return nil
}

type fakeIMAP struct {
	archived  []string
	starred   []string
	labeled   []string
	failMutate bool
}

func (f *fakeIMAP) MarkAsRead(ctx context.Context, folder string, uids []uint32) error { return nil }
func (f *fakeIMAP) MarkAsUnread(ctx context.Context, folder string, uids []uint32) error { return nil }
func (f *fakeIMAP) StarEmail(ctx context.Context, folder string, uids []uint32) error {
	if f.failMutate {
		return fmt.Errorf("simulated remote failure")
	}
	f.starred = append(f.starred, folder)
	return nil
}
func (f *fakeIMAP) UnstarEmail(ctx context.Context, folder string, uids []uint32) error { return nil }
func (f *fakeIMAP) ArchiveEmail(ctx context.Context, folder string, uids []uint32) error {
	if f.failMutate {
		return fmt.Errorf("simulated remote failure")
	}
	f.archived = append(f.archived, folder)
	return nil
}
func (f *fakeIMAP) AddLabel(ctx context.Context, folder string, uids []uint32, label string) error {
	f.labeled = append(f.labeled, label)
	return nil
}
func (f *fakeIMAP) RemoveLabel(ctx context.Context, folder string, uids []uint32, label string) error {
	return nil
}

type fakeClassifier struct {
	result map[string]any
	err    error
}

func (f *fakeClassifier) CallAgent(ctx context.Context, prompt string, schema map[string]any, model string) (map[string]any, error) {
	return f.result, f.err
}

func writeListenerFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestDispatcher(t *testing.T, dir string, st *fakeStore, im *fakeIMAP, cl *fakeClassifier) *Dispatcher {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := listeners.New(dir, logger, nil)
	if err := reg.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	return New(logger, reg, st, im, cl, events.New())
}

func TestCheckEvent_ArchivesOnMatch(t *testing.T) {
	dir := t.TempDir()
	writeListenerFile(t, dir, "newsletters.yaml", `
config:
  id: auto_archive_newsletters
  name: Auto-archive newsletters
  enabled: true
  event: email_received
handler:
  - when:
      from_contains: "news@noreply.site"
    then:
      - action: archive
      - action: notify
        message: "Auto-archived newsletter: {{.subject}}"
        priority: low
`)

	st := newFakeStore()
	st.emails["msg-1@x"] = &store.Email{MessageID: "msg-1@x", UID: 42, Folder: "INBOX", Subject: "Weekly digest", FromAddress: "news@noreply.site"}
	im := &fakeIMAP{}
	cl := &fakeClassifier{}
	d := newTestDispatcher(t, dir, st, im, cl)

	d.CheckEvent(context.Background(), "email_received", map[string]any{"email": st.emails["msg-1@x"]})

	if len(im.archived) != 1 {
		t.Fatalf("expected 1 archive call, got %d", len(im.archived))
	}
	if st.emails["msg-1@x"].Folder != AllMailFolder {
		t.Errorf("Folder = %q, want %q", st.emails["msg-1@x"].Folder, AllMailFolder)
	}

	select {
	case n := <-d.Notifications():
		if n.Priority != PriorityLow {
			t.Errorf("Priority = %q, want low", n.Priority)
		}
		if n.Message != "Auto-archived newsletter: Weekly digest" {
			t.Errorf("Message = %q", n.Message)
		}
	default:
		t.Error("expected a notification enqueued")
	}
}

func TestCheckEvent_NoMatchingListenerIsNoop(t *testing.T) {
	dir := t.TempDir()
	st := newFakeStore()
	im := &fakeIMAP{}
	cl := &fakeClassifier{}
	d := newTestDispatcher(t, dir, st, im, cl)

	d.CheckEvent(context.Background(), "email_received", map[string]any{})

	if len(im.archived) != 0 {
		t.Error("expected no archive calls with no listeners loaded")
	}
}

func TestCheckEvent_CallAgentBranchesOnResult(t *testing.T) {
	dir := t.TempDir()
	writeListenerFile(t, dir, "boss.yaml", `
config:
  id: boss_urgent_watcher
  name: Boss urgent watcher
  enabled: true
  event: email_received
handler:
  - call_agent:
      prompt: "Classify"
      bind_as: classification
      schema:
        type: object
    when:
      bool_field: classification.isUrgent
    then:
      - action: star
      - action: notify
        message: "{{.classification.reason}}"
        priority: "{{.classification.priority}}"
`)

	st := newFakeStore()
	st.emails["msg-2@x"] = &store.Email{MessageID: "msg-2@x", UID: 7, Folder: "INBOX", FromAddress: "boss@company.com"}
	im := &fakeIMAP{}
	cl := &fakeClassifier{result: map[string]any{
		"isUrgent": true,
		"priority": "high",
		"reason":   "production outage",
	}}
	d := newTestDispatcher(t, dir, st, im, cl)

	d.CheckEvent(context.Background(), "email_received", map[string]any{"email": st.emails["msg-2@x"]})

	if len(im.starred) != 1 {
		t.Fatalf("expected star call, got %d", len(im.starred))
	}
	if !st.emails["msg-2@x"].IsStarred {
		t.Error("expected IsStarred = true locally")
	}

	n := <-d.Notifications()
	if n.Priority != "high" {
		t.Errorf("Priority = %q, want high", n.Priority)
	}
	if n.Message != "production outage" {
		t.Errorf("Message = %q", n.Message)
	}
}

func TestCheckEvent_CallAgentFalseTakesElseBranch(t *testing.T) {
	dir := t.TempDir()
	writeListenerFile(t, dir, "boss.yaml", `
config:
  id: boss_urgent_watcher
  name: Boss urgent watcher
  enabled: true
  event: email_received
handler:
  - call_agent:
      prompt: "Classify"
      bind_as: classification
      schema:
        type: object
    when:
      bool_field: classification.isUrgent
    then:
      - action: star
    else:
      - action: notify
        message: "Not urgent"
        priority: low
`)

	st := newFakeStore()
	st.emails["msg-3@x"] = &store.Email{MessageID: "msg-3@x", UID: 9, Folder: "INBOX"}
	im := &fakeIMAP{}
	cl := &fakeClassifier{result: map[string]any{"isUrgent": false}}
	d := newTestDispatcher(t, dir, st, im, cl)

	d.CheckEvent(context.Background(), "email_received", map[string]any{"email": st.emails["msg-3@x"]})

	if len(im.starred) != 0 {
		t.Error("expected no star call on the else branch")
	}
	n := <-d.Notifications()
	if n.Message != "Not urgent" {
		t.Errorf("Message = %q", n.Message)
	}
}

func TestCheckEvent_FailureIsolationBetweenListeners(t *testing.T) {
	dir := t.TempDir()
	// L1's callAgent step fails, so its star never runs; L2 archives successfully.
	writeListenerFile(t, dir, "l1.yaml", `
config:
  id: l1_throws
  name: L1
  enabled: true
  event: email_received
handler:
  - call_agent:
      prompt: "Classify"
      bind_as: classification
      schema:
        type: object
    when:
      always: true
    then:
      - action: star
`)
	writeListenerFile(t, dir, "l2.yaml", `
config:
  id: l2_archives
  name: L2
  enabled: true
  event: email_received
handler:
  - when:
      always: true
    then:
      - action: archive
`)

	st := newFakeStore()
	// The message resolves, so the only failure is L1's callAgent error.
	st.emails["msg-4@x"] = &store.Email{MessageID: "msg-4@x", UID: 11, Folder: "INBOX"}
	im := &fakeIMAP{failMutate: false}
	cl := &fakeClassifier{err: fmt.Errorf("simulated classifier failure")}
	d := newTestDispatcher(t, dir, st, im, cl)

	d.CheckEvent(context.Background(), "email_received", map[string]any{"email": st.emails["msg-4@x"]})

	// l1 fails before acting (no star); the dispatcher logs the failure and
	// still runs l2, whose archive goes through.
	if len(im.starred) != 0 {
		t.Errorf("expected l1's star to be skipped after its callAgent failed, got %d", len(im.starred))
	}
	if len(im.archived) != 1 {
		t.Errorf("expected l2's archive to run, got %d", len(im.archived))
	}
}

func TestCheckEvent_LocalMutationFailureIsLoggedNotFatal(t *testing.T) {
	dir := t.TempDir()
	writeListenerFile(t, dir, "l.yaml", `
config:
  id: starrer
  name: Starrer
  enabled: true
  event: email_received
handler:
  - when:
      always: true
    then:
      - action: star
`)

	st := newFakeStore()
	st.emails["msg-5@x"] = &store.Email{MessageID: "msg-5@x", UID: 3, Folder: "INBOX"}
	st.failUpdate = true
	im := &fakeIMAP{}
	cl := &fakeClassifier{}
	d := newTestDispatcher(t, dir, st, im, cl)

	// Must not panic even though the local mutation fails after the
	// remote call succeeds.
	d.CheckEvent(context.Background(), "email_received", map[string]any{"email": st.emails["msg-5@x"]})

	if len(im.starred) != 1 {
		t.Errorf("expected remote star to still succeed, got %d", len(im.starred))
	}
}
