package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/corvidhollow/quillmail/internal/store"
	"github.com/corvidhollow/quillmail/internal/sync"
)

// syncRequest is the POST /api/sync body, mirroring sync.Options.
type syncRequest struct {
	Folder string `json:"folder"`

	Since  string `json:"since"`
	Before string `json:"before"`

	From    []string `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Query   string   `json:"query"`

	UnreadOnly     bool  `json:"unreadOnly"`
	StarredOnly    bool  `json:"starredOnly"`
	HasAttachments bool  `json:"hasAttachments"`
	MinSize        int64 `json:"minSize"`
	MaxSize        int64 `json:"maxSize"`

	Limit int `json:"limit"`
}

// handleSync implements POST /api/sync: runs one sync pass to
// completion against the given options and returns its counts.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(s.logger, w, http.StatusBadRequest, "invalid sync request body", err)
			return
		}
	}

	opts := sync.Options{
		Folder:         req.Folder,
		From:           req.From,
		To:             req.To,
		Subject:        req.Subject,
		Query:          req.Query,
		UnreadOnly:     req.UnreadOnly,
		StarredOnly:    req.StarredOnly,
		HasAttachments: req.HasAttachments,
		MinSize:        req.MinSize,
		MaxSize:        req.MaxSize,
		Limit:          req.Limit,
	}
	var err error
	if opts.Since, err = parseOptionalTime(req.Since); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid since timestamp", err)
		return
	}
	if opts.Before, err = parseOptionalTime(req.Before); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid before timestamp", err)
		return
	}

	result, err := s.syncSvc.Sync(r.Context(), opts, store.SyncManual)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "sync failed", err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, result)
}

// handleSyncStatus implements GET /api/sync/status: the last
// completed (or in-flight) run's summary.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.LastSyncRun()
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(s.logger, w, http.StatusOK, map[string]any{"run": nil})
		return
	}
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "failed to load sync status", err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"run": run})
}

// parseOptionalTime parses an RFC3339 timestamp, returning the zero
// time for an empty string (meaning "unconstrained").
func parseOptionalTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
