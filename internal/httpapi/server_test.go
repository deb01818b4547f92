package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/corvidhollow/quillmail/internal/dispatch"
	"github.com/corvidhollow/quillmail/internal/listeners"
	"github.com/corvidhollow/quillmail/internal/store"
	"github.com/corvidhollow/quillmail/internal/sync"
)

type fakeStore struct {
	recent      []*store.Email
	searchCalls []store.SearchCriteria
	searchResp  []*store.Email
	byMessageID map[string]*store.Email
	batch       []*store.Email
	stats       *store.Statistics
	lastRun     *store.SyncRun
	lastRunErr  error
}

func (f *fakeStore) RecentEmails(limit int, includeRead bool) ([]*store.Email, error) {
	return f.recent, nil
}

func (f *fakeStore) SearchEmails(c store.SearchCriteria) ([]*store.Email, error) {
	f.searchCalls = append(f.searchCalls, c)
	return f.searchResp, nil
}

func (f *fakeStore) GetByMessageID(messageID string) (*store.Email, error) {
	e, ok := f.byMessageID[messageID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return e, nil
}

func (f *fakeStore) GetByMessageIDs(messageIDs []string) ([]*store.Email, error) {
	return f.batch, nil
}

func (f *fakeStore) Statistics() (*store.Statistics, error) { return f.stats, nil }

func (f *fakeStore) LastSyncRun() (*store.SyncRun, error) {
	if f.lastRunErr != nil {
		return nil, f.lastRunErr
	}
	return f.lastRun, nil
}

type fakeSync struct {
	lastOpts sync.Options
	lastType store.SyncType
	result   *sync.Result
	err      error
}

func (f *fakeSync) Sync(ctx context.Context, opts sync.Options, syncType store.SyncType) (*sync.Result, error) {
	f.lastOpts = opts
	f.lastType = syncType
	return f.result, f.err
}

type fakeDispatcher struct {
	ch chan dispatch.Notification
}

func (f *fakeDispatcher) Notifications() <-chan dispatch.Notification { return f.ch }

func newTestServer(t *testing.T, st *fakeStore, sv *fakeSync) (*Server, *listeners.Registry) {
	t.Helper()
	dir := t.TempDir()
	reg := listeners.New(dir, slog.Default(), nil)
	if err := reg.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	s := New("127.0.0.1", 0, st, sv, reg, &fakeDispatcher{ch: make(chan dispatch.Notification, 1)}, nil, slog.Default())
	return s, reg
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func testMux(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("GET /api/sync/status", s.handleSyncStatus)
	mux.HandleFunc("GET /api/emails/inbox", s.handleInbox)
	mux.HandleFunc("POST /api/emails/search", s.handleSearch)
	mux.HandleFunc("GET /api/email/{messageId}", s.handleGetEmail)
	mux.HandleFunc("POST /api/emails/batch", s.handleBatch)
	mux.HandleFunc("GET /api/listeners", s.handleListListeners)
	mux.HandleFunc("GET /api/listener/{filename}", s.handleGetListener)
	return mux
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{}, &fakeSync{})
	rec := doRequest(t, testMux(s), "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleInbox_ReturnsRecentEmails(t *testing.T) {
	st := &fakeStore{recent: []*store.Email{{MessageID: "m1", Subject: "hi"}}}
	s, _ := newTestServer(t, st, &fakeSync{})

	rec := doRequest(t, testMux(s), "GET", "/api/emails/inbox?limit=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Emails []*store.Email `json:"emails"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Emails) != 1 || body.Emails[0].MessageID != "m1" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestHandleSearch_MapsRequestToCriteria(t *testing.T) {
	st := &fakeStore{}
	s, _ := newTestServer(t, st, &fakeSync{})

	rec := doRequest(t, testMux(s), "POST", "/api/emails/search", searchRequest{
		Query:     "invoice",
		From:      []string{"billing@example.com"},
		IsStarred: true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(st.searchCalls) != 1 {
		t.Fatalf("expected one SearchEmails call, got %d", len(st.searchCalls))
	}
	c := st.searchCalls[0]
	if c.Query != "invoice" || len(c.From) != 1 || c.From[0] != "billing@example.com" || !c.IsStarred {
		t.Fatalf("unexpected criteria: %+v", c)
	}
}

func TestHandleSearch_InvalidSinceIsBadRequest(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{}, &fakeSync{})
	rec := doRequest(t, testMux(s), "POST", "/api/emails/search", map[string]any{"since": "not-a-time"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetEmail_NotFoundBecomes404(t *testing.T) {
	st := &fakeStore{byMessageID: map[string]*store.Email{}}
	s, _ := newTestServer(t, st, &fakeSync{})

	rec := doRequest(t, testMux(s), "GET", "/api/email/missing-id", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var e apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Error == "" {
		t.Fatal("expected non-empty error message")
	}
}

func TestHandleGetEmail_Found(t *testing.T) {
	st := &fakeStore{byMessageID: map[string]*store.Email{
		"m1": {MessageID: "m1", Subject: "hello"},
	}}
	s, _ := newTestServer(t, st, &fakeSync{})

	rec := doRequest(t, testMux(s), "GET", "/api/email/m1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var e store.Email
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Subject != "hello" {
		t.Fatalf("unexpected email: %+v", e)
	}
}

func TestHandleBatch_ReturnsMatches(t *testing.T) {
	st := &fakeStore{batch: []*store.Email{{MessageID: "a"}, {MessageID: "b"}}}
	s, _ := newTestServer(t, st, &fakeSync{})

	rec := doRequest(t, testMux(s), "POST", "/api/emails/batch", batchRequest{IDs: []string{"a", "b"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSync_RunsAndReturnsCounts(t *testing.T) {
	sv := &fakeSync{result: &sync.Result{Folder: "INBOX", Synced: 3, Skipped: 1}}
	s, _ := newTestServer(t, &fakeStore{}, sv)

	rec := doRequest(t, testMux(s), "POST", "/api/sync", syncRequest{Folder: "INBOX", Limit: 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if sv.lastType != store.SyncManual {
		t.Fatalf("expected SyncManual, got %v", sv.lastType)
	}
	if sv.lastOpts.Folder != "INBOX" || sv.lastOpts.Limit != 10 {
		t.Fatalf("unexpected opts passed through: %+v", sv.lastOpts)
	}

	var result sync.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Synced != 3 || result.Skipped != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestHandleSync_EmptyBodyUsesDefaults(t *testing.T) {
	sv := &fakeSync{result: &sync.Result{}}
	s, _ := newTestServer(t, &fakeStore{}, sv)

	req := httptest.NewRequest("POST", "/api/sync", nil)
	rec := httptest.NewRecorder()
	testMux(s).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSync_ServiceErrorBecomes500(t *testing.T) {
	sv := &fakeSync{err: context.DeadlineExceeded}
	s, _ := newTestServer(t, &fakeStore{}, sv)

	rec := doRequest(t, testMux(s), "POST", "/api/sync", syncRequest{})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHandleSyncStatus_NoRunsYetReturnsNilRun(t *testing.T) {
	st := &fakeStore{lastRunErr: sql.ErrNoRows}
	s, _ := newTestServer(t, st, &fakeSync{})

	rec := doRequest(t, testMux(s), "GET", "/api/sync/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Run *store.SyncRun `json:"run"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Run != nil {
		t.Fatalf("expected nil run, got %+v", body.Run)
	}
}

func TestHandleSyncStatus_ReturnsLastRun(t *testing.T) {
	st := &fakeStore{lastRun: &store.SyncRun{ID: 7, Synced: 2, Type: store.SyncIdle}}
	s, _ := newTestServer(t, st, &fakeSync{})

	rec := doRequest(t, testMux(s), "GET", "/api/sync/status", nil)
	var body struct {
		Run *store.SyncRun `json:"run"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Run == nil || body.Run.ID != 7 {
		t.Fatalf("unexpected run: %+v", body.Run)
	}
}

func TestHandleListListeners_EmptyRegistry(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{}, &fakeSync{})
	rec := doRequest(t, testMux(s), "GET", "/api/listeners", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

const sampleListenerYAML = `
config:
  id: archive_newsletters
  name: Archive newsletters
  event: email_received
  enabled: true
handler:
  - when:
      from_contains: "newsletter@"
    then:
      - action: archive
`

func TestHandleGetListener_FoundByFilename(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "archive-newsletters.yaml"), []byte(sampleListenerYAML), 0o644); err != nil {
		t.Fatalf("write listener file: %v", err)
	}
	reg := listeners.New(dir, slog.Default(), nil)
	if err := reg.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	s := New("127.0.0.1", 0, &fakeStore{}, &fakeSync{}, reg, &fakeDispatcher{ch: make(chan dispatch.Notification, 1)}, nil, slog.Default())

	rec := doRequest(t, testMux(s), "GET", "/api/listener/archive-newsletters.yaml", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var detail listenerDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if detail.SourceText == "" {
		t.Fatal("expected non-empty source text")
	}
}

func TestHandleGetListener_UnknownFilenameIs404(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{}, &fakeSync{})
	rec := doRequest(t, testMux(s), "GET", "/api/listener/does-not-exist.yaml", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestShutdown_WithoutStartIsNoop(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{}, &fakeSync{})
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
