package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/corvidhollow/quillmail/internal/store"
)

// handleInbox implements GET /api/emails/inbox?limit=N&includeRead=bool:
// newest-first across INBOX and All Mail, unread-only unless
// includeRead is set.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	limit := 30
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	includeRead := r.URL.Query().Get("includeRead") == "true"

	emails, err := s.store.RecentEmails(limit, includeRead)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "failed to list inbox", err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"emails": emails})
}

// searchRequest is the POST /api/emails/search body, mirroring
// store.SearchCriteria field-for-field.
type searchRequest struct {
	Query          string   `json:"query"`
	From           []string `json:"from"`
	To             []string `json:"to"`
	Subject        string   `json:"subject"`
	Since          string   `json:"since"`
	Before         string   `json:"before"`
	HasAttachments bool     `json:"hasAttachments"`
	IsUnread       bool     `json:"isUnread"`
	IsStarred      bool     `json:"isStarred"`
	Folder         string   `json:"folder"`
	Folders        []string `json:"folders"`
	ThreadID       string   `json:"threadId"`
	Labels         []string `json:"labels"`
	MinSize        int64    `json:"minSize"`
	MaxSize        int64    `json:"maxSize"`
	Limit          int      `json:"limit"`
	Offset         int      `json:"offset"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid search request body", err)
		return
	}

	criteria := store.SearchCriteria{
		Query:          req.Query,
		From:           req.From,
		To:             req.To,
		Subject:        req.Subject,
		HasAttachments: req.HasAttachments,
		IsUnread:       req.IsUnread,
		IsStarred:      req.IsStarred,
		Folder:         req.Folder,
		Folders:        req.Folders,
		ThreadID:       req.ThreadID,
		Labels:         req.Labels,
		MinSize:        req.MinSize,
		MaxSize:        req.MaxSize,
		Limit:          req.Limit,
		Offset:         req.Offset,
	}
	var err error
	if criteria.Since, err = parseOptionalTime(req.Since); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid since timestamp", err)
		return
	}
	if criteria.Before, err = parseOptionalTime(req.Before); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid before timestamp", err)
		return
	}

	emails, err := s.store.SearchEmails(criteria)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "search failed", err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"emails": emails})
}

// handleGetEmail implements GET /api/email/:messageId: one record
// with its attachments and recipients, or 404 if unknown.
func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("messageId")
	email, err := s.store.GetByMessageID(messageID)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(s.logger, w, http.StatusNotFound, "email not found", nil)
		return
	}
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "lookup failed", err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, email)
}

type batchRequest struct {
	IDs []string `json:"ids"`
}

// handleBatch implements POST /api/emails/batch: ids[] (message-ids)
// → records, missing ids silently omitted (per store.GetByMessageIDs).
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid batch request body", err)
		return
	}
	emails, err := s.store.GetByMessageIDs(req.IDs)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "batch lookup failed", err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"emails": emails})
}
