package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/corvidhollow/quillmail/internal/store"
)

// Store is the slice of the mail store a capability context needs.
type Store interface {
	GetByMessageID(messageID string) (*store.Email, error)
	UpdateEmailFlags(messageID string, update store.FlagUpdate) error
}

// IMAP is the slice of the IMAP client a capability context needs. All
// methods take the message's folder and the single server UID they
// act on.
type IMAP interface {
	MarkAsRead(ctx context.Context, folder string, uids []uint32) error
	MarkAsUnread(ctx context.Context, folder string, uids []uint32) error
	StarEmail(ctx context.Context, folder string, uids []uint32) error
	UnstarEmail(ctx context.Context, folder string, uids []uint32) error
	ArchiveEmail(ctx context.Context, folder string, uids []uint32) error
	AddLabel(ctx context.Context, folder string, uids []uint32, label string) error
	RemoveLabel(ctx context.Context, folder string, uids []uint32, label string) error
}

// AllMailFolder is the destination of archiveEmail, duplicated here
// (rather than imported from internal/imapclient) to keep this package
// bound only to the narrow IMAP interface above, not the concrete client.
const AllMailFolder = "[Gmail]/All Mail"

// Classifier is the slice of the callAgent gateway (C6) a context
// exposes to listeners.
type Classifier interface {
	CallAgent(ctx context.Context, prompt string, schema map[string]any, model string) (map[string]any, error)
}

// NotifyFunc is the host callback a context.notify call enqueues onto.
// It must not block; the dispatcher wires this to a generously sized
// notification queue plus the event bus's own non-blocking Publish.
// Both are drop-on-full: the queue logs an error when it drops (a sign
// the queue is misconfigured, not an expected steady state), while the
// bus drops for a full subscriber without logging. See Dispatcher.notify.
type NotifyFunc func(Notification)

// Context is the capability object handed to a listener rule. Every
// mutation follows the coherence contract: resolve message-id → issue
// the remote IMAP op → apply the local mutation, tolerating (and
// logging) a local-mutation failure after a successful remote op.
type Context struct {
	ctx          context.Context
	store        Store
	imap         IMAP
	classifier   Classifier
	notify       NotifyFunc
	listenerID   string
	listenerName string
	logger       *slog.Logger
}

func newContext(ctx context.Context, d *Dispatcher, listenerID, listenerName string) *Context {
	return &Context{
		ctx:          ctx,
		store:        d.store,
		imap:         d.imap,
		classifier:   d.classifier,
		notify:       d.notify,
		listenerID:   listenerID,
		listenerName: listenerName,
		logger:       d.logger,
	}
}

// resolve looks up the stored email and fails if it is not found or
// has no server UID, per the coherence contract's first step.
func (c *Context) resolve(messageID string) (*store.Email, error) {
	e, err := c.store.GetByMessageID(messageID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", messageID, err)
	}
	if e.UID == 0 {
		return nil, fmt.Errorf("resolve %s: no server UID recorded", messageID)
	}
	return e, nil
}

// applyLocal runs a local store mutation after a successful remote op
// and logs, without failing the caller, if it errors: the mirror is
// then divergent but the next sync converges it.
func (c *Context) applyLocal(messageID string, update store.FlagUpdate) {
	if err := c.store.UpdateEmailFlags(messageID, update); err != nil {
		c.logger.Error("local mutation failed after remote op succeeded; mirror is divergent until next sync",
			"listener", c.listenerID, "message_id", messageID, "error", err)
	}
}

// Notify emits a notification via the host callback. Never blocks on I/O.
func (c *Context) Notify(msg string, priority Priority) {
	c.notify(Notification{
		ListenerID:   c.listenerID,
		ListenerName: c.listenerName,
		Priority:     priority,
		Message:      msg,
		Timestamp:    time.Now(),
	})
}

// NotifyAbout emits a notification tagged with a specific message id,
// used by rules that want the UI to link the notification to a mail.
func (c *Context) NotifyAbout(messageID, msg string, priority Priority) {
	c.notify(Notification{
		ListenerID:   c.listenerID,
		ListenerName: c.listenerName,
		Priority:     priority,
		Message:      msg,
		MessageID:    messageID,
		Timestamp:    time.Now(),
	})
}

// ArchiveEmail moves the message to All Mail remotely, then updates
// the local folder.
func (c *Context) ArchiveEmail(messageID string) error {
	e, err := c.resolve(messageID)
	if err != nil {
		return err
	}
	if err := c.imap.ArchiveEmail(c.ctx, e.Folder, []uint32{e.UID}); err != nil {
		return fmt.Errorf("archive %s: %w", messageID, err)
	}
	folder := AllMailFolder
	c.applyLocal(messageID, store.FlagUpdate{Folder: &folder})
	return nil
}

// StarEmail sets \Flagged remotely, then isStarred locally.
func (c *Context) StarEmail(messageID string) error {
	return c.toggleFlag(messageID, true, c.imap.StarEmail, func(b *bool) store.FlagUpdate {
		return store.FlagUpdate{IsStarred: b}
	})
}

// UnstarEmail clears \Flagged remotely, then isStarred locally.
func (c *Context) UnstarEmail(messageID string) error {
	return c.toggleFlag(messageID, false, c.imap.UnstarEmail, func(b *bool) store.FlagUpdate {
		return store.FlagUpdate{IsStarred: b}
	})
}

// MarkAsRead sets \Seen remotely, then isRead locally.
func (c *Context) MarkAsRead(messageID string) error {
	return c.toggleFlag(messageID, true, c.imap.MarkAsRead, func(b *bool) store.FlagUpdate {
		return store.FlagUpdate{IsRead: b}
	})
}

// MarkAsUnread clears \Seen remotely, then isRead locally.
func (c *Context) MarkAsUnread(messageID string) error {
	return c.toggleFlag(messageID, false, c.imap.MarkAsUnread, func(b *bool) store.FlagUpdate {
		return store.FlagUpdate{IsRead: b}
	})
}

func (c *Context) toggleFlag(messageID string, value bool, remote func(context.Context, string, []uint32) error, update func(*bool) store.FlagUpdate) error {
	e, err := c.resolve(messageID)
	if err != nil {
		return err
	}
	if err := remote(c.ctx, e.Folder, []uint32{e.UID}); err != nil {
		return fmt.Errorf("toggle flag for %s: %w", messageID, err)
	}
	v := value
	c.applyLocal(messageID, update(&v))
	return nil
}

// AddLabel adds a Gmail label remotely, then to the local labels set.
func (c *Context) AddLabel(messageID, label string) error {
	return c.toggleLabel(messageID, label, true, c.imap.AddLabel)
}

// RemoveLabel removes a Gmail label remotely, then from the local labels set.
func (c *Context) RemoveLabel(messageID, label string) error {
	return c.toggleLabel(messageID, label, false, c.imap.RemoveLabel)
}

func (c *Context) toggleLabel(messageID, label string, add bool, remote func(context.Context, string, []uint32, string) error) error {
	e, err := c.resolve(messageID)
	if err != nil {
		return err
	}
	if err := remote(c.ctx, e.Folder, []uint32{e.UID}, label); err != nil {
		return fmt.Errorf("toggle label %s for %s: %w", label, messageID, err)
	}
	c.applyLocal(messageID, store.FlagUpdate{Labels: applyLabelSet(e.Labels, label, add)})
	return nil
}

func applyLabelSet(existing []string, label string, add bool) []string {
	set := make(map[string]struct{}, len(existing))
	for _, l := range existing {
		set[l] = struct{}{}
	}
	if add {
		set[label] = struct{}{}
	} else {
		delete(set, label)
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return out
}

// CallAgent delegates to the C6 gateway.
func (c *Context) CallAgent(prompt string, schema map[string]any, model string) (map[string]any, error) {
	return c.classifier.CallAgent(c.ctx, prompt, schema, model)
}
