package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/corvidhollow/quillmail/internal/events"
	"github.com/corvidhollow/quillmail/internal/imapclient"
	"github.com/corvidhollow/quillmail/internal/store"
)

// IMAP is the slice of the IMAP client the sync service needs: a
// search producing a UID list, and a bounded full-body fetch.
type IMAP interface {
	Search(ctx context.Context, folder string, criteria imapclient.SearchCriteria) ([]uint32, error)
	FetchFull(ctx context.Context, folder string, uids []uint32, batchSize int) (map[uint32]*imapclient.Message, error)
}

// Store is the slice of the mail store the sync service needs.
type Store interface {
	GetByMessageID(messageID string) (*store.Email, error)
	UpsertEmail(e *store.Email) (int64, error)
	MaxDateSent() (time.Time, error)
	BeginSyncRun(syncType store.SyncType) (int64, error)
	FinishSyncRun(id int64, synced, skipped, errs int) error
}

// Dispatcher is the slice of the listener dispatcher the sync service
// fans out to after each successful upsert.
type Dispatcher interface {
	CheckEvent(ctx context.Context, kind string, payload map[string]any)
}

// Service runs sync passes against one IMAP account and mail store.
type Service struct {
	logger     *slog.Logger
	imap       IMAP
	store      Store
	dispatcher Dispatcher
	bus        *events.Bus
}

// New builds a sync service bound to the IMAP client, the store, the
// listener dispatcher, and the event bus.
func New(logger *slog.Logger, imap IMAP, st Store, dispatcher Dispatcher, bus *events.Bus) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger, imap: imap, store: st, dispatcher: dispatcher, bus: bus}
}

// Sync runs one full sync pass: select → search → UID list → bounded
// iterate → fetch → parse → dedup-skip → filter → upsert → dispatch.
// A connection-level search or fetch failure aborts the run and is
// returned; a single message's fetch, parse, or upsert failure only
// increments Errors and the run continues.
func (s *Service) Sync(ctx context.Context, opts Options, syncType store.SyncType) (*Result, error) {
	opts = opts.withDefaults()
	result := &Result{Folder: opts.Folder}

	if opts.folderExcluded() {
		s.logger.Debug("folder excluded from sync, skipping", "folder", opts.Folder)
		return result, nil
	}

	start := time.Now()
	s.bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourceSync,
		Kind:      events.KindSyncStart,
		Data:      map[string]any{"folder": opts.Folder, "sync_type": string(syncType)},
	})

	runID, err := s.store.BeginSyncRun(syncType)
	if err != nil {
		return nil, fmt.Errorf("begin sync run: %w", err)
	}

	defer func() {
		result.Duration = time.Since(start)
		if err := s.store.FinishSyncRun(runID, result.Synced, result.Skipped, result.Errors); err != nil {
			s.logger.Error("failed to record sync run completion", "error", err)
		}
		s.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceSync,
			Kind:      events.KindSyncComplete,
			Data: map[string]any{
				"folder": opts.Folder, "sync_type": string(syncType),
				"synced": result.Synced, "skipped": result.Skipped, "errors": result.Errors,
			},
		})
	}()

	uids, err := s.imap.Search(ctx, opts.Folder, opts.searchCriteria())
	if err != nil {
		return result, fmt.Errorf("search %s: %w", opts.Folder, err)
	}
	uids = boundByLimit(uids, opts.Limit)
	if len(uids) == 0 {
		return result, nil
	}

	messages, err := s.imap.FetchFull(ctx, opts.Folder, uids, 0)
	if err != nil {
		return result, fmt.Errorf("fetch %s: %w", opts.Folder, err)
	}

	for _, uid := range uids {
		msg, ok := messages[uid]
		if !ok {
			result.Errors++
			continue
		}
		s.processMessage(ctx, opts, msg, result)
	}

	return result, nil
}

func (s *Service) processMessage(ctx context.Context, opts Options, msg *imapclient.Message, result *Result) {
	if msg.MessageID == "" {
		s.logger.Warn("fetched message has no Message-ID, skipping", "uid", msg.UID)
		result.Errors++
		return
	}

	_, err := s.store.GetByMessageID(msg.MessageID)
	if err == nil {
		result.Skipped++
		return
	}
	if !errors.Is(err, sql.ErrNoRows) {
		s.logger.Error("dedup lookup failed, skipping message", "message_id", msg.MessageID, "error", err)
		result.Errors++
		return
	}

	if !passesPostFetchFilter(msg, opts) {
		result.Skipped++
		return
	}

	email := toStoreEmail(msg, opts.Folder)
	if _, err := s.store.UpsertEmail(email); err != nil {
		s.logger.Error("upsert failed, skipping message", "message_id", msg.MessageID, "error", err)
		result.Errors++
		return
	}
	result.Synced++

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSync,
		Kind:      events.KindEmailReceived,
		Data:      map[string]any{"message_id": email.MessageID, "folder": email.Folder, "subject": email.Subject},
	})
	s.dispatcher.CheckEvent(ctx, "email_received", map[string]any{"email": email})
}

// SyncNew runs an incremental sync seeded from the store's current
// high-water mark: since = MAX(date_sent) across mirrored emails (or
// the 30-day default when the store is empty).
func (s *Service) SyncNew(ctx context.Context, folder string) (*Result, error) {
	since, err := s.store.MaxDateSent()
	if err != nil {
		return nil, fmt.Errorf("max date sent: %w", err)
	}
	return s.Sync(ctx, Options{Folder: folder, Since: since}, store.SyncScheduled)
}

// SyncFromIdle re-enters the sync service from the IMAP IDLE
// new-mail callback. Since is pulled back 60s to absorb clock/timing
// skew between the IDLE notification and this call, and Limit is set
// to count+5 headroom; the message-id dedup in processMessage makes
// the resulting overlap idempotent.
func (s *Service) SyncFromIdle(ctx context.Context, folder string, count uint32) (*Result, error) {
	opts := Options{
		Folder: folder,
		Since:  time.Now().Add(-60 * time.Second),
		Limit:  int(count) + 5,
	}
	return s.Sync(ctx, opts, store.SyncIdle)
}

func boundByLimit(uids []uint32, limit int) []uint32 {
	if limit <= 0 || len(uids) <= limit {
		return uids
	}
	return uids[len(uids)-limit:]
}

func (o Options) searchCriteria() imapclient.SearchCriteria {
	return imapclient.SearchCriteria{
		Query:          o.Query,
		From:           o.From,
		To:             o.To,
		Subject:        o.Subject,
		Since:          o.Since,
		Before:         o.Before,
		Unread:         o.UnreadOnly,
		Starred:        o.StarredOnly,
		HasAttachments: o.HasAttachments,
	}
}

// passesPostFetchFilter applies predicates the server's search never
// expresses: HasAttachments (imapclient's buildCriteria sends no
// predicate for it) and size bounds.
func passesPostFetchFilter(msg *imapclient.Message, opts Options) bool {
	if opts.HasAttachments && len(msg.Attachments) == 0 {
		return false
	}
	if opts.MinSize > 0 && int64(msg.Size) < opts.MinSize {
		return false
	}
	if opts.MaxSize > 0 && int64(msg.Size) > opts.MaxSize {
		return false
	}
	return true
}

func toStoreEmail(msg *imapclient.Message, folder string) *store.Email {
	fromName, fromAddress := splitNameAddress(msg.From)

	var threadID string
	if len(msg.References) > 0 {
		threadID = msg.References[0]
	}

	var inReplyTo string
	if len(msg.InReplyTo) > 0 {
		inReplyTo = msg.InReplyTo[0]
	}

	return &store.Email{
		MessageID:  msg.MessageID,
		UID:        msg.UID,
		Folder:     folder,
		ThreadID:   threadID,
		InReplyTo:  inReplyTo,
		References: msg.References,

		DateSent:     msg.Date,
		DateReceived: msg.Date,

		FromAddress: fromAddress,
		FromName:    fromName,
		To:          msg.To,
		Cc:          msg.Cc,

		Subject:  msg.Subject,
		TextBody: msg.TextBody,
		HTMLBody: msg.HTMLBody,

		IsRead:    hasFlag(msg.Flags, "\\Seen"),
		IsStarred: hasFlag(msg.Flags, "\\Flagged"),

		SizeBytes:   int64(msg.Size),
		Recipients:  buildRecipients(msg),
		Attachments: mapAttachments(msg.Attachments),
	}
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func splitNameAddress(formatted string) (name, address string) {
	if i := strings.Index(formatted, " <"); i >= 0 && strings.HasSuffix(formatted, ">") {
		return formatted[:i], formatted[i+2 : len(formatted)-1]
	}
	return "", formatted
}

func buildRecipients(msg *imapclient.Message) []store.Recipient {
	var out []store.Recipient
	for _, addr := range msg.To {
		name, address := splitNameAddress(addr)
		out = append(out, store.Recipient{Type: store.RecipientTo, Address: address, Name: name})
	}
	for _, addr := range msg.Cc {
		name, address := splitNameAddress(addr)
		out = append(out, store.Recipient{Type: store.RecipientCc, Address: address, Name: name})
	}
	return out
}

func mapAttachments(attachments []imapclient.Attachment) []store.Attachment {
	out := make([]store.Attachment, 0, len(attachments))
	for _, a := range attachments {
		out = append(out, store.Attachment{
			Filename:  a.Filename,
			MimeType:  a.ContentType,
			Size:      int64(a.Size),
			ContentID: a.ContentID,
			Inline:    a.Inline,
		})
	}
	return out
}
