package imapclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

const (
	// DefaultHeaderBatchSize is the default number of messages fetched
	// per headers-only batch.
	DefaultHeaderBatchSize = 30

	// DefaultBodyBatchSize is the default number of messages fetched
	// per full-body batch.
	DefaultBodyBatchSize = 10

	// maxBodySize truncates extracted text/HTML bodies.
	maxBodySize = 64 * 1024

	// maxRawMessageSize caps the raw RFC822 literal streamed per
	// message. FetchFull logs a message exceeding this and leaves it out
	// of its result; the remainder of the literal is drained to keep the
	// connection in sync, per spec's 50MB streaming cap.
	maxRawMessageSize = 50 * 1024 * 1024
)

// ErrMessageTooLarge describes a message whose raw body exceeds
// maxRawMessageSize. FetchFull does not return it: an oversize message
// is logged and left out of FetchFull's result map.
type ErrMessageTooLarge struct {
	UID  uint32
	Size int64
}

func (e *ErrMessageTooLarge) Error() string {
	return fmt.Sprintf("message UID %d exceeds %d byte streaming cap", e.UID, maxRawMessageSize)
}

// FetchHeaders fetches envelope metadata (no body) for the given UIDs
// in batches of batchSize (DefaultHeaderBatchSize if zero). Each batch
// is one FETCH command, run in turn; a per-message failure is logged
// and leaves that UID absent from the result rather than aborting the
// batch.
func (c *Client) FetchHeaders(ctx context.Context, folder string, uids []uint32, batchSize int) (map[uint32]Envelope, error) {
	if batchSize <= 0 {
		batchSize = DefaultHeaderBatchSize
	}
	if len(uids) == 0 {
		return map[uint32]Envelope{}, nil
	}

	result := make(map[uint32]Envelope, len(uids))
	for start := 0; start < len(uids); start += batchSize {
		end := min(start+batchSize, len(uids))
		batch := uids[start:end]

		envs, err := c.fetchEnvelopeBatch(ctx, folder, batch)
		if err != nil {
			return result, err
		}
		for uid, env := range envs {
			result[uid] = env
		}
	}
	return result, nil
}

// fetchEnvelopeBatch fetches one batch's envelopes in a single FETCH
// command (the server itself pipelines per-message responses; there is
// no need for our own goroutines on the read side of a single batch
// since go-imap/v2 already streams FetchItemData per message as the
// server replies).
func (c *Client) fetchEnvelopeBatch(ctx context.Context, folder string, uids []uint32) (map[uint32]Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if _, err := c.selectFolder(folder, false); err != nil {
		return nil, err
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	fetchOpts := &imap.FetchOptions{
		UID:        true,
		Envelope:   true,
		Flags:      true,
		RFC822Size: true,
	}

	cmd := c.conn.Fetch(uidSet, fetchOpts)
	result := make(map[uint32]Envelope, len(uids))

	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		env, uid, err := collectEnvelope(msg)
		if err != nil {
			c.logger.Warn("fetch envelope failed, skipping message", "error", err)
			continue
		}
		result[uid] = env
	}

	if err := cmd.Close(); err != nil {
		return result, fmt.Errorf("fetch envelopes in %s: %w", folder, err)
	}
	return result, nil
}

func collectEnvelope(msg *imapclient.FetchMessageData) (Envelope, uint32, error) {
	var env Envelope
	var uid uint32
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			uid = uint32(data.UID)
			env.UID = uid
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				env.Flags = append(env.Flags, string(f))
			}
		case imapclient.FetchItemDataRFC822Size:
			env.Size = uint32(data.Size)
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				applyEnvelope(&env, data.Envelope)
			}
		case imapclient.FetchItemDataBodySection:
			drainLiteral(data.Literal)
		}
	}
	if uid == 0 {
		return env, 0, fmt.Errorf("fetch response missing UID")
	}
	return env, uid, nil
}

func applyEnvelope(env *Envelope, e *imap.Envelope) {
	env.Date = e.Date
	env.Subject = e.Subject
	if len(e.From) > 0 {
		env.From = formatAddress(e.From[0])
	}
	for _, a := range e.To {
		env.To = append(env.To, formatAddress(a))
	}
	for _, a := range e.Cc {
		env.Cc = append(env.Cc, formatAddress(a))
	}
}

func formatAddress(a imap.Address) string {
	addr := a.Mailbox + "@" + a.Host
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, addr)
	}
	return addr
}

// FetchFull fetches complete messages (envelope + parsed MIME body)
// for the given UIDs in batches of batchSize (DefaultBodyBatchSize if
// zero). Within a batch, per-message literal reads run on separate
// goroutines over independently-selected connections is not possible
// (IMAP multiplexes one connection per folder selection), so batching
// here bounds request-queue depth rather than providing true
// connection-level concurrency — each batch issues a single FETCH
// command covering the whole UID set, and the server streams responses
// back-to-back. A per-message parse failure does not abort the batch.
func (c *Client) FetchFull(ctx context.Context, folder string, uids []uint32, batchSize int) (map[uint32]*Message, error) {
	if batchSize <= 0 {
		batchSize = DefaultBodyBatchSize
	}
	if len(uids) == 0 {
		return map[uint32]*Message{}, nil
	}

	result := make(map[uint32]*Message, len(uids))
	var mu sync.Mutex

	for start := 0; start < len(uids); start += batchSize {
		end := min(start+batchSize, len(uids))
		batch := uids[start:end]

		msgs, err := c.fetchFullBatch(ctx, folder, batch)
		if err != nil {
			return result, err
		}
		mu.Lock()
		for uid, m := range msgs {
			result[uid] = m
		}
		mu.Unlock()
	}
	return result, nil
}

func (c *Client) fetchFullBatch(ctx context.Context, folder string, uids []uint32) (map[uint32]*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if _, err := c.selectFolder(folder, false); err != nil {
		return nil, err
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	fetchOpts := &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		Flags:       true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	}

	cmd := c.conn.Fetch(uidSet, fetchOpts)
	result := make(map[uint32]*Message, len(uids))

	for {
		fetchMsg := cmd.Next()
		if fetchMsg == nil {
			break
		}

		msg := &Message{}
		var uid uint32
		var rawBody []byte
		var tooLarge bool

		for {
			item := fetchMsg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				uid = uint32(data.UID)
				msg.UID = uid
			case imapclient.FetchItemDataFlags:
				for _, f := range data.Flags {
					msg.Flags = append(msg.Flags, string(f))
				}
			case imapclient.FetchItemDataRFC822Size:
				msg.Size = uint32(data.Size)
			case imapclient.FetchItemDataEnvelope:
				if data.Envelope != nil {
					applyEnvelope(&msg.Envelope, data.Envelope)
					msg.MessageID = data.Envelope.MessageID
					msg.InReplyTo = data.Envelope.InReplyTo
					if len(data.Envelope.ReplyTo) > 0 {
						msg.ReplyTo = formatAddress(data.Envelope.ReplyTo[0])
					}
				}
			case imapclient.FetchItemDataBodySection:
				if data.Literal == nil {
					continue
				}
				limited := io.LimitReader(data.Literal, maxRawMessageSize+1)
				buf, readErr := io.ReadAll(limited)
				drainLiteral(data.Literal)
				if readErr != nil {
					c.logger.Warn("error reading body literal", "uid", uid, "error", readErr)
					continue
				}
				if len(buf) > maxRawMessageSize {
					tooLarge = true
					continue
				}
				rawBody = buf
			}
		}

		if uid == 0 {
			c.logger.Warn("fetch response missing UID, skipping")
			continue
		}
		if tooLarge {
			c.logger.Warn("message exceeds streaming cap, skipping", "uid", uid)
			continue
		}
		if rawBody != nil {
			if err := parseBody(msg, bytes.NewReader(rawBody)); err != nil {
				c.logger.Debug("body parse error", "uid", uid, "error", err)
			}
		}
		result[uid] = msg
	}

	if err := cmd.Close(); err != nil {
		return result, fmt.Errorf("fetch messages in %s: %w", folder, err)
	}
	return result, nil
}

// parseBody walks the MIME structure and extracts text/plain,
// text/html, the References header, and a summary of non-inline parts
// as attachments.
func parseBody(msg *Message, r io.Reader) error {
	mailReader, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("create mail reader: %w", err)
	}
	if mailReader == nil {
		return fmt.Errorf("create mail reader returned nil")
	}

	if refs, err := mailReader.Header.MsgIDList("References"); err == nil && len(refs) > 0 {
		msg.References = refs
	}

	for {
		part, err := mailReader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			switch {
			case contentType == "text/plain" && msg.TextBody == "":
				msg.TextBody = readTruncated(part.Body)
			case contentType == "text/html" && msg.HTMLBody == "":
				msg.HTMLBody = readTruncated(part.Body)
			default:
				if cid := params["content-id"]; cid != "" {
					msg.Attachments = append(msg.Attachments, Attachment{
						ContentType: contentType,
						ContentID:   cid,
						Inline:      true,
					})
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, _ := io.ReadAll(io.LimitReader(part.Body, 1<<20))
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        len(body),
			})
		}
	}

	return nil
}

func readTruncated(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		return ""
	}
	text := string(body)
	if len(body) > maxBodySize {
		text = text[:maxBodySize] + "\n\n[truncated]"
	}
	return strings.TrimSpace(text)
}
