package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kabili207/zeta-go/device/node"
)

// maxBodyBytes bounds POST /api/post bodies.
const maxBodyBytes = 64 << 10

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	view, err := s.cfg.Core.Snapshot()
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, networkResponse(view))
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CreatePostRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	post, err := s.cfg.Core.SubmitLocalPost(req.Author, req.AuthorName, req.Content)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}

	s.log.Info("post created",
		zap.String("id", post.ID),
		zap.String("author", post.Author))
	writeJSON(w, http.StatusCreated, post)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	view, err := s.cfg.Core.Snapshot()
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	resp := StatsResponse{
		LocalPeerID: view.LocalPeerID,
		FeedSize:    len(view.Posts),
		Peers:       len(view.Peers),
		Counters:    s.cfg.Core.Counters().Snapshot(),
	}
	if s.cfg.Relay != nil {
		resp.Sessions = s.cfg.Relay.Sessions()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) writeCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, node.ErrEmptyContent):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, node.ErrNotInitialized):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, "Internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
		Code:    code,
	})
}
