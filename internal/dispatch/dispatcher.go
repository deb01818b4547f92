package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/corvidhollow/quillmail/internal/events"
	"github.com/corvidhollow/quillmail/internal/listeners"
	"github.com/corvidhollow/quillmail/internal/store"
)

// defaultNotifyQueueSize is generous on purpose: notify() drops (and
// logs) a notification when the queue is full, so the queue is sized
// well above any realistic per-run notification burst. A full queue is
// a configuration bug, not an expected steady state.
const defaultNotifyQueueSize = 1024

// Dispatcher collects matching listener rules for an event and
// invokes them with per-handler failure isolation.
type Dispatcher struct {
	logger     *slog.Logger
	registry   *listeners.Registry
	store      Store
	imap       IMAP
	classifier Classifier
	bus        *events.Bus

	notifyQueue chan Notification
}

// New builds a dispatcher bound to the listener registry, the store,
// the IMAP client, the classify gateway, and the event bus.
func New(logger *slog.Logger, registry *listeners.Registry, st Store, imap IMAP, classifier Classifier, bus *events.Bus) *Dispatcher {
	return &Dispatcher{
		logger:      logger,
		registry:    registry,
		store:       st,
		imap:        imap,
		classifier:  classifier,
		bus:         bus,
		notifyQueue: make(chan Notification, defaultNotifyQueueSize),
	}
}

// Notifications returns the channel notify() enqueues onto. The HTTP
// surface (C9) drains this to broadcast listener_notification frames.
func (d *Dispatcher) Notifications() <-chan Notification {
	return d.notifyQueue
}

func (d *Dispatcher) notify(n Notification) {
	select {
	case d.notifyQueue <- n:
	default:
		d.logger.Error("notification queue full; dropping notification (this indicates a misconfigured queue size, not expected steady state)",
			"listener", n.ListenerID)
	}
	d.bus.Publish(events.Event{
		Source: events.SourceListener,
		Kind:   events.KindListenerNotification,
		Data: map[string]any{
			"listener_id":   n.ListenerID,
			"listener_name": n.ListenerName,
			"priority":      string(n.Priority),
			"message":       n.Message,
			"message_id":    n.MessageID,
		},
	})
}

// CheckEvent collects every active listener subscribed to kind,
// builds a fresh capability context for each, and invokes its rule
// pipeline. A panicking or erroring rule is logged and does not stop
// the remaining listeners: the dispatcher never raises.
func (d *Dispatcher) CheckEvent(ctx context.Context, kind string, payload map[string]any) {
	ek := listeners.EventKind(kind)
	matched := d.registry.ForEvent(ek)
	if len(matched) == 0 {
		return
	}

	scope := buildScope(kind, payload)

	for _, l := range matched {
		d.runListener(ctx, l, scope)
	}
}

func (d *Dispatcher) runListener(ctx context.Context, l *listeners.Listener, scope map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("listener handler panicked", "listener", l.Config.ID, "panic", r)
		}
	}()

	cctx := newContext(ctx, d, l.Config.ID, l.Config.Name)

	for _, rule := range l.Handler {
		ruleScope := scope
		if rule.CallAgent != nil {
			result, err := cctx.CallAgent(rule.CallAgent.Prompt, rule.CallAgent.Schema, rule.CallAgent.Model)
			if err != nil {
				d.logger.Error("listener callAgent failed", "listener", l.Config.ID, "error", err)
				continue
			}
			ruleScope = withBinding(scope, rule.CallAgent.BindAs, result)
		}

		actions := rule.Else
		if rule.When.Matches(ruleScope) {
			actions = rule.Then
		}

		for _, action := range actions {
			if err := runAction(cctx, action, ruleScope); err != nil {
				d.logger.Error("listener action failed", "listener", l.Config.ID, "action", action.Op, "error", err)
			}
		}
	}
}

func withBinding(scope map[string]any, key string, value map[string]any) map[string]any {
	out := make(map[string]any, len(scope)+1)
	for k, v := range scope {
		out[k] = v
	}
	out[key] = value
	return out
}

func runAction(c *Context, a listeners.Action, scope map[string]any) error {
	messageID, _ := scope["messageId"].(string)

	switch a.Op {
	case listeners.ActionNotify:
		msg, err := listeners.Render(a.Message, scope)
		if err != nil {
			return err
		}
		priority := Priority(a.Priority)
		if priority == "" {
			priority = PriorityNormal
		}
		if messageID != "" {
			c.NotifyAbout(messageID, msg, priority)
		} else {
			c.Notify(msg, priority)
		}
		return nil
	case listeners.ActionArchive:
		return c.ArchiveEmail(messageID)
	case listeners.ActionStar:
		return c.StarEmail(messageID)
	case listeners.ActionUnstar:
		return c.UnstarEmail(messageID)
	case listeners.ActionMarkRead:
		return c.MarkAsRead(messageID)
	case listeners.ActionMarkUnread:
		return c.MarkAsUnread(messageID)
	case listeners.ActionAddLabel:
		label, err := listeners.Render(a.Label, scope)
		if err != nil {
			return err
		}
		return c.AddLabel(messageID, label)
	case listeners.ActionRemoveLabel:
		label, err := listeners.Render(a.Label, scope)
		if err != nil {
			return err
		}
		return c.RemoveLabel(messageID, label)
	default:
		return fmt.Errorf("unrecognized action %q", a.Op)
	}
}

// buildScope flattens the event kind and payload into the map
// condition/action evaluation runs against. For the common case the
// payload carries an "email" key holding a *store.Email; its fields
// are promoted to the top level so rules can write "subject" and
// "fromAddress" directly.
func buildScope(kind string, payload map[string]any) map[string]any {
	scope := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		scope[k] = v
	}
	scope["eventKind"] = kind

	if e, ok := payload["email"].(*store.Email); ok && e != nil {
		scope["messageId"] = e.MessageID
		scope["subject"] = e.Subject
		scope["fromAddress"] = e.FromAddress
		scope["fromName"] = e.FromName
		scope["folder"] = e.Folder
		scope["labels"] = e.Labels
		scope["isRead"] = e.IsRead
		scope["isStarred"] = e.IsStarred
	}
	return scope
}
