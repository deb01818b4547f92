package imapclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// ErrGmailLabelStoreUnsupported is returned by StoreLabels. Gmail
// labels are applied through the non-standard X-GM-LABELS STORE data
// item, not FLAGS, but go-imap/v2's Store only encodes imap.StoreFlags
// (a hardcoded FLAGS/+FLAGS/-FLAGS item) and exposes no way to name a
// different STORE item. There is no supported way to issue this
// command through the client as currently wired.
var ErrGmailLabelStoreUnsupported = errors.New("imapclient: gmail label STORE (X-GM-LABELS) is not supported by go-imap/v2's typed Store API")

func (c *Client) storeFlags(ctx context.Context, folder string, uids []uint32, flag imap.Flag, add bool) error {
	if len(uids) == 0 {
		return fmt.Errorf("no UIDs specified")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	if _, err := c.selectFolder(folder, true); err != nil {
		return err
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	op := imap.StoreFlagsAdd
	if !add {
		op = imap.StoreFlagsDel
	}

	storeCmd := c.conn.Store(uidSet, &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{flag},
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("store flags in %s: %w", folder, err)
	}
	return nil
}

// MarkAsRead sets the \Seen flag on the given messages.
func (c *Client) MarkAsRead(ctx context.Context, folder string, uids []uint32) error {
	return c.storeFlags(ctx, folder, uids, imap.FlagSeen, true)
}

// MarkAsUnread clears the \Seen flag on the given messages.
func (c *Client) MarkAsUnread(ctx context.Context, folder string, uids []uint32) error {
	return c.storeFlags(ctx, folder, uids, imap.FlagSeen, false)
}

// StarEmail sets the \Flagged flag.
func (c *Client) StarEmail(ctx context.Context, folder string, uids []uint32) error {
	return c.storeFlags(ctx, folder, uids, imap.FlagFlagged, true)
}

// UnstarEmail clears the \Flagged flag.
func (c *Client) UnstarEmail(ctx context.Context, folder string, uids []uint32) error {
	return c.storeFlags(ctx, folder, uids, imap.FlagFlagged, false)
}

// ArchiveEmail moves the given messages to AllMailFolder. Uses the
// IMAP MOVE extension when the server advertises it, falling back to
// COPY + STORE \Deleted + EXPUNGE automatically (go-imap/v2's Move
// handles the fallback transparently). Moving a message already in
// AllMailFolder is a no-op: MOVE to the currently-selected mailbox is
// rejected by most servers, so the source/destination equality is
// checked first and short-circuited, matching the idempotence law in
// spec.md §8.
func (c *Client) ArchiveEmail(ctx context.Context, folder string, uids []uint32) error {
	if folder == AllMailFolder {
		return nil
	}
	if len(uids) == 0 {
		return fmt.Errorf("no UIDs specified")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	if _, err := c.selectFolder(folder, true); err != nil {
		return err
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	moveCmd := c.conn.Move(uidSet, AllMailFolder)
	if _, err := moveCmd.Wait(); err != nil {
		return fmt.Errorf("archive to %s: %w", AllMailFolder, err)
	}
	return nil
}

// gmailLabelFlag documents the wire shape Gmail's IMAP extension wants
// for a label STORE: the string form is kept only so callers and tests
// can see what the unsupported command would have looked like. It must
// never be passed to storeFlags — "X-GM-LABELS (label)" is not a legal
// IMAP flag atom (flags cannot contain parentheses or spaces), so
// sending it through the regular FLAGS STORE item would either be
// rejected by the server or silently misinterpreted, not accepted as a
// label change.
func gmailLabelFlag(label string) imap.Flag {
	return imap.Flag("X-GM-LABELS (" + label + ")")
}

// StoreLabels adds or removes a single Gmail label on the given
// messages. Gmail labels are not IMAP flags: they ride the
// non-standard X-GM-LABELS STORE data item, distinct from FLAGS.
// go-imap/v2's Store only knows how to encode imap.StoreFlags, so
// there is no code path here that can issue that command — StoreLabels
// fails loudly with ErrGmailLabelStoreUnsupported rather than routing
// the label through storeFlags and producing a STORE the server will
// reject or misread as a flag mutation.
func (c *Client) StoreLabels(ctx context.Context, folder string, uids []uint32, label string, add bool) error {
	return fmt.Errorf("store labels in %s: %w", folder, ErrGmailLabelStoreUnsupported)
}

// AddLabel adds a Gmail label to the given messages.
func (c *Client) AddLabel(ctx context.Context, folder string, uids []uint32, label string) error {
	return c.StoreLabels(ctx, folder, uids, label, true)
}

// RemoveLabel removes a Gmail label from the given messages.
func (c *Client) RemoveLabel(ctx context.Context, folder string, uids []uint32, label string) error {
	return c.StoreLabels(ctx, folder, uids, label, false)
}
