package httpapi

import (
	"net/http"
)

// handleListListeners implements GET /api/listeners: the active
// config set plus registry stats.
func (s *Server) handleListListeners(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"listeners": s.registry.GetAll(),
		"stats":     s.registry.Stats(),
	})
}

// listenerDetail is GET /api/listener/:filename's response: config
// plus the listener's raw source text, for the editor view.
type listenerDetail struct {
	Config     any    `json:"config"`
	SourcePath string `json:"sourcePath"`
	SourceText string `json:"sourceText"`
}

func (s *Server) handleGetListener(w http.ResponseWriter, r *http.Request) {
	filename := r.PathValue("filename")
	l, ok := s.registry.GetByFilename(filename)
	if !ok {
		writeError(s.logger, w, http.StatusNotFound, "listener not found", nil)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, listenerDetail{
		Config:     l.Config,
		SourcePath: l.SourcePath,
		SourceText: l.SourceText,
	})
}
