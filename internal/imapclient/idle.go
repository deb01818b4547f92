package imapclient

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
)

// IdleHandler is invoked for each "mail" notification received while
// idling, with the folder and the message count from the server's
// EXISTS response (the mailbox total, not the number of new messages).
// The handler must not block — long work belongs on a separate
// goroutine, since the handler runs on the IDLE read loop and blocking
// it delays the next server push.
type IdleHandler func(folder string, count uint32)

// StartIdleMonitoring begins watching folder for new mail, invoking
// handler on each push notification. The state machine is:
//
//	Disconnected -> Connecting -> Selected -> Idling -> Disconnected
//
// On any error, state drops to Disconnected; after a 5s backoff the
// loop reconnects and re-enters Idling on the same folder. Calling
// StartIdleMonitoring while already idling is a no-op — the watcher is
// idempotent.
func (c *Client) StartIdleMonitoring(ctx context.Context, folder string, handler IdleHandler) {
	c.idleMu.Lock()
	if c.idleActive {
		c.idleMu.Unlock()
		return
	}
	c.idleActive = true
	c.idleHandler = handler
	c.idleFolder = folder
	notify := make(chan mailboxUpdate, 16)
	c.idleNotify = notify
	stop := make(chan struct{})
	c.idleStop = stop
	c.idleMu.Unlock()

	go c.idleDispatch(notify, stop)
	go c.idleLoop(ctx, folder, stop)
}

// idleDispatch drains notify and invokes the registered handler for
// each update until stop fires. Runs on its own goroutine so a slow
// handler never blocks the IDLE read loop.
func (c *Client) idleDispatch(notify <-chan mailboxUpdate, stop <-chan struct{}) {
	for {
		select {
		case u := <-notify:
			c.idleMu.Lock()
			handler := c.idleHandler
			c.idleMu.Unlock()
			if handler != nil {
				handler(u.folder, u.count)
			}
		case <-stop:
			return
		}
	}
}

// handleMailboxUpdate is registered as the imapclient.Options
// UnilateralDataHandler.Mailbox callback and is invoked by the
// underlying library on its own read goroutine whenever the server
// pushes an unsolicited mailbox update (the IDLE "* n EXISTS" case).
// It must not block, so delivery to idleDispatch is non-blocking: a
// full buffer means the dispatch goroutine is behind, in which case
// the update is dropped and logged rather than stalling the IMAP
// connection's read loop.
func (c *Client) handleMailboxUpdate(data *imapclient.UnilateralDataMailbox) {
	if data == nil || data.NumMessages == nil {
		return
	}

	c.idleMu.Lock()
	notify := c.idleNotify
	folder := c.idleFolder
	c.idleMu.Unlock()
	if notify == nil {
		return
	}

	select {
	case notify <- mailboxUpdate{folder: folder, count: *data.NumMessages}:
	default:
		c.logger.Warn("dropped IDLE mailbox update, dispatch backlog full", "folder", folder)
	}
}

// IsIdleActive reports whether the IDLE watch loop is currently
// running (it may be between backoff and reconnect, which still
// counts as active — only an explicit Stop or a parent context
// cancellation clears this).
func (c *Client) IsIdleActive() bool {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	return c.idleActive
}

// StopIdleMonitoring removes the handler and stops the watch loop.
// Safe to call when not idling.
func (c *Client) StopIdleMonitoring() {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	if !c.idleActive {
		return
	}
	close(c.idleStop)
	c.idleActive = false
	c.idleHandler = nil
	c.idleStop = nil
	c.idleNotify = nil
	c.idleFolder = ""
}

const idleReconnectBackoff = 5 * time.Second

func (c *Client) idleLoop(ctx context.Context, folder string, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := c.idleOnce(ctx, folder, stop); err != nil {
			c.logger.Warn("IDLE session ended, reconnecting", "folder", folder, "error", err)
			select {
			case <-time.After(idleReconnectBackoff):
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// idleOnce selects folder, enters IDLE, and blocks until stop fires,
// ctx is canceled, or IdleRenewInterval elapses, when it closes the
// IDLE command so the loop re-issues it (RFC 2177 requires renewal
// well before 30 minutes; we renew much sooner). It does not watch the
// connection while waiting: a dropped connection is noticed at the
// next renewal.
func (c *Client) idleOnce(ctx context.Context, folder string, stop <-chan struct{}) error {
	c.mu.Lock()
	if err := c.ensureConnected(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	if _, err := c.selectFolder(folder, false); err != nil {
		c.mu.Unlock()
		return err
	}

	idleCmd, err := c.conn.Idle()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	renew := time.NewTicker(c.cfg.IdleRenewInterval)
	defer renew.Stop()

	for {
		select {
		case <-stop:
			return idleCmd.Close()
		case <-ctx.Done():
			_ = idleCmd.Close()
			return ctx.Err()
		case <-renew.C:
			if err := idleCmd.Close(); err != nil {
				return err
			}
			return nil // loop will reselect and re-issue IDLE
		}
	}
}
