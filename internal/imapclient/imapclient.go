// Package imapclient wraps github.com/emersion/go-imap/v2 with
// connection lifecycle management, batched search/fetch, flag and
// label mutation, and an IDLE-driven new-mail watch loop. All public
// methods are goroutine-safe; the underlying IMAP connection is
// serialized behind a single mutex, matching the single-folder-cursor
// model real IMAP servers impose.
package imapclient

import (
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Config holds the connection parameters for a single IMAP account.
type Config struct {
	// Host is the IMAP server hostname (e.g. "imap.gmail.com").
	Host string

	// Port is the IMAP server port. Default: 993.
	Port int

	// Username is the IMAP login username, typically the email address.
	Username string

	// Password is the IMAP login password or app password.
	Password string

	// TLS controls whether the connection uses implicit TLS. Always
	// true in practice — plaintext IMAP is not supported.
	TLS bool

	// ConnectTimeout bounds the initial TCP/TLS dial. Default: 30s.
	ConnectTimeout time.Duration

	// AuthTimeout bounds the LOGIN round-trip. Default: 30s.
	AuthTimeout time.Duration

	// KeepaliveInterval is how often a NOOP is issued to keep the
	// connection alive outside of IDLE. Default: 10s.
	KeepaliveInterval time.Duration

	// IdleRenewInterval bounds how long a single IDLE command is held
	// open before it is renewed. Default: 5m (RFC 2177 recommends
	// re-issuing IDLE at least every 29 minutes; we renew far more
	// aggressively to bound staleness).
	IdleRenewInterval time.Duration
}

// withDefaults fills zero-value fields with the documented defaults.
func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 993
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 30 * time.Second
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 10 * time.Second
	}
	if c.IdleRenewInterval == 0 {
		c.IdleRenewInterval = 5 * time.Minute
	}
	return c
}

// Envelope is summary metadata for a message, suitable for search
// results and list views without fetching the body.
type Envelope struct {
	UID     uint32
	Date    time.Time
	From    string
	To      []string
	Cc      []string
	Subject string
	Flags   []string
	Size    uint32
}

// Message is a fully fetched message with the MIME body parsed out.
type Message struct {
	Envelope

	MessageID  string
	InReplyTo  []string
	References []string
	ReplyTo    string

	TextBody string
	HTMLBody string

	Attachments []Attachment
}

// Attachment describes one non-inline (or inline-with-content-id) MIME
// part discovered while parsing a message body.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
	ContentID   string
	Inline      bool
}

// Folder describes one mailbox with its status counters.
type Folder struct {
	Name       string
	Attributes []string
	Messages   uint32
	Unseen     uint32
}

// AllMailFolder is the Gmail "All Mail" mailbox name, the destination
// of ArchiveEmail moves.
const AllMailFolder = "[Gmail]/All Mail"

// drainLiteral reads and discards an IMAP literal so the connection
// stream stays in sync even when the caller does not want the bytes.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}
