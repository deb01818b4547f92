package imapclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Client is a single-account IMAP client with automatic reconnection,
// mutex-serialized access, and a folder cursor that tracks which
// mailbox is currently selected and in which mode.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	conn       *imapclient.Client
	selected   string
	selectedRW bool
	dialing    chan struct{} // non-nil while a connect is in flight; closed when settled
	dialErr    error

	idleMu      sync.Mutex
	idleStop    chan struct{}
	idleHandler func(folder string, count uint32)
	idleActive  bool
	idleFolder  string
	idleNotify  chan mailboxUpdate

	keepaliveMu     sync.Mutex
	keepaliveStop   chan struct{}
	keepaliveActive bool
}

type mailboxUpdate struct {
	folder string
	count  uint32
}

// New creates an IMAP client for the given account. The connection is
// established lazily on first use.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Connect establishes the connection and authenticates, coalescing
// concurrent callers onto a single in-flight dial.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.dialing != nil {
		wait := c.dialing
		c.mu.Unlock()
		select {
		case <-wait:
			c.mu.Lock()
			err := c.dialErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.dialing = make(chan struct{})
	c.mu.Unlock()

	err := c.connectWithTimeout(ctx)

	c.mu.Lock()
	c.dialErr = err
	close(c.dialing)
	c.dialing = nil
	c.mu.Unlock()

	return err
}

// connectWithTimeout performs the dial+login with the configured
// connect/auth timeouts. Caller must not hold c.mu.
func (c *Client) connectWithTimeout(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))

	var opts imapclient.Options
	if c.cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: c.cfg.Host}
	}
	opts.UnilateralDataHandler = &imapclient.UnilateralDataHandler{
		Mailbox: c.handleMailboxUpdate,
	}

	c.logger.Debug("connecting to IMAP server", "host", c.cfg.Host, "port", c.cfg.Port, "tls", c.cfg.TLS)

	type dialResult struct {
		conn *imapclient.Client
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		var conn *imapclient.Client
		var err error
		if c.cfg.TLS {
			conn, err = imapclient.DialTLS(addr, &opts)
		} else {
			conn, err = imapclient.DialInsecure(addr, &opts)
		}
		resultCh <- dialResult{conn, err}
	}()

	var conn *imapclient.Client
	select {
	case res := <-resultCh:
		if res.err != nil {
			return fmt.Errorf("dial IMAP %s: %w", addr, res.err)
		}
		conn = res.conn
	case <-dialCtx.Done():
		return fmt.Errorf("dial IMAP %s: %w", addr, dialCtx.Err())
	}

	authCtx, authCancel := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	defer authCancel()

	loginDone := make(chan error, 1)
	go func() {
		loginDone <- conn.Login(c.cfg.Username, c.cfg.Password).Wait()
	}()

	select {
	case err := <-loginDone:
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("login as %s: %w", c.cfg.Username, err)
		}
	case <-authCtx.Done():
		_ = conn.Close()
		return fmt.Errorf("login as %s: %w", c.cfg.Username, authCtx.Err())
	}

	c.mu.Lock()
	c.conn = conn
	c.selected = ""
	c.mu.Unlock()

	c.logger.Info("IMAP connected", "host", c.cfg.Host, "user", c.cfg.Username)
	return nil
}

// ensureConnected checks liveness via NOOP and reconnects if the
// connection is absent or stale. Caller must hold c.mu; it releases
// and re-acquires the lock around the actual reconnect.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.conn != nil {
		if err := c.conn.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting", "host", c.cfg.Host)
		_ = c.conn.Close()
		c.conn = nil
		c.selected = ""
	}
	c.mu.Unlock()
	err := c.connectWithTimeout(ctx)
	c.mu.Lock()
	return err
}

// Ping reports whether the connection is alive, reconnecting if not.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnected(ctx)
}

// StartKeepalive issues a NOOP every cfg.KeepaliveInterval so the
// connection is not dropped by a server-side or middlebox idle timeout
// while the client is connected but not in an IDLE session (IDLE
// itself keeps the connection alive via its own traffic). Calling
// StartKeepalive while already running is a no-op.
func (c *Client) StartKeepalive(ctx context.Context) {
	c.keepaliveMu.Lock()
	if c.keepaliveActive {
		c.keepaliveMu.Unlock()
		return
	}
	c.keepaliveActive = true
	stop := make(chan struct{})
	c.keepaliveStop = stop
	c.keepaliveMu.Unlock()

	go c.keepaliveLoop(ctx, stop)
}

// StopKeepalive stops the background NOOP loop. Safe to call when not
// running.
func (c *Client) StopKeepalive() {
	c.keepaliveMu.Lock()
	defer c.keepaliveMu.Unlock()
	if !c.keepaliveActive {
		return
	}
	close(c.keepaliveStop)
	c.keepaliveActive = false
	c.keepaliveStop = nil
}

func (c *Client) keepaliveLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				c.logger.Warn("keepalive ping failed", "host", c.cfg.Host, "error", err)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close logs out and closes the connection, stopping any active IDLE
// and keepalive loop.
func (c *Client) Close() error {
	c.StopIdleMonitoring()
	c.StopKeepalive()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// selectFolder selects a mailbox in the requested mode if it is not
// already selected that way. Caller must hold c.mu.
func (c *Client) selectFolder(folder string, readWrite bool) (*imap.SelectData, error) {
	if folder == "" {
		folder = "INBOX"
	}
	if c.selected == folder && (c.selectedRW || !readWrite) {
		return nil, nil
	}

	var opts *imap.SelectOptions
	if !readWrite {
		opts = &imap.SelectOptions{ReadOnly: true}
	}

	cmd := c.conn.Select(folder, opts)
	data, err := cmd.Wait()
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}
	c.selected = folder
	c.selectedRW = readWrite
	return data, nil
}
