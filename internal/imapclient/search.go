package imapclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
)

// ErrGmailRawSearchUnsupported is returned by Search when criteria.
// GmailQuery is set. go-imap/v2's typed imap.SearchCriteria and
// imap.SearchOptions have no raw/vendor search-key field, so there is
// no way to place an X-GM-RAW query on the wire through the client as
// currently wired — issuing UIDSearch with an empty criteria would
// silently execute SEARCH ALL instead, which is worse than failing.
var ErrGmailRawSearchUnsupported = errors.New("imapclient: gmail X-GM-RAW search is not supported by go-imap/v2's typed SearchCriteria")

// SearchCriteria describes a mailbox search. When GmailQuery is set it
// is the sole authoritative criterion — every other field is ignored,
// matching Gmail's native X-GM-RAW search syntax.
type SearchCriteria struct {
	// GmailQuery, when non-empty, bypasses all other fields. It is not
	// sent to the server: Search fails with ErrGmailRawSearchUnsupported
	// instead of issuing an X-GM-RAW search.
	GmailQuery string

	// Query is free text matched against message content (IMAP TEXT).
	Query string

	// From and To are sender/recipient substrings; multiple values
	// compose as OR.
	From []string
	To   []string

	// Subject is matched as a substring.
	Subject string

	// Since/Before bound the message date, inclusive.
	Since  time.Time
	Before time.Time

	// Unread and Starred, when true, restrict to \Unseen / \Flagged.
	Unread  bool
	Starred bool

	// HasAttachments is not part of the server-side search:
	// buildCriteria adds no predicate for it, so callers filter after
	// fetch (see internal/sync, which does).
	HasAttachments bool
}

// searchKey records a raw IMAP search-key extension (like X-GM-RAW)
// that SearchCriteria asked for but that imap.SearchCriteria has no
// field to express. buildCriteria still reports it so Search can fail
// with a precise error instead of silently dropping the criterion.
type searchKey struct {
	name string
	args []string
}

// buildCriteria translates a SearchCriteria into the go-imap/v2 search
// criteria plus any extension keys (currently only X-GM-RAW) that the
// typed builder cannot express.
func buildCriteria(c SearchCriteria) (*imap.SearchCriteria, []searchKey) {
	if c.GmailQuery != "" {
		return &imap.SearchCriteria{}, []searchKey{{name: "X-GM-RAW", args: []string{c.GmailQuery}}}
	}

	criteria := &imap.SearchCriteria{}

	if c.Query != "" {
		criteria.Text = append(criteria.Text, c.Query)
	}
	if c.Subject != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{Key: "Subject", Value: c.Subject})
	}
	for _, h := range []struct {
		key    string
		values []string
	}{{"From", c.From}, {"To", c.To}} {
		if len(h.values) == 0 {
			continue
		}
		acc := imap.SearchCriteria{Header: []imap.SearchCriteriaHeaderField{{Key: h.key, Value: h.values[0]}}}
		for _, v := range h.values[1:] {
			next := imap.SearchCriteria{Header: []imap.SearchCriteriaHeaderField{{Key: h.key, Value: v}}}
			acc = imap.SearchCriteria{Or: [][2]imap.SearchCriteria{{acc, next}}}
		}
		criteria.Header = append(criteria.Header, acc.Header...)
		criteria.Or = append(criteria.Or, acc.Or...)
	}
	if !c.Since.IsZero() {
		criteria.Since = c.Since
	}
	if !c.Before.IsZero() {
		criteria.Before = c.Before
	}
	if c.Unread {
		criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
	}
	if c.Starred {
		criteria.Flag = append(criteria.Flag, imap.FlagFlagged)
	}

	return criteria, nil
}

// Search returns the UIDs of messages matching the criteria in the
// given folder, in ascending (server) order. An empty criteria matches
// ALL messages in the folder, per spec.
func (c *Client) Search(ctx context.Context, folder string, criteria SearchCriteria) ([]uint32, error) {
	imapCriteria, extra := buildCriteria(criteria)
	if len(extra) > 0 {
		return nil, fmt.Errorf("search %s: %w", folder, ErrGmailRawSearchUnsupported)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if _, err := c.selectFolder(folder, false); err != nil {
		return nil, err
	}

	cmd := c.conn.UIDSearch(imapCriteria, nil)
	searchData, err := cmd.Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder, err)
	}

	uids := searchData.AllUIDs()
	out := make([]uint32, len(uids))
	for i, u := range uids {
		out[i] = uint32(u)
	}
	return out, nil
}
