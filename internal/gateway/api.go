// ABOUTME: Control API handlers: session lifecycle, answers, and the SSE event stream
// ABOUTME: Streams events with id/event/data framing and Last-Event-ID resume

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/symposium/internal/auth"
	"github.com/2389/symposium/internal/events"
	"github.com/2389/symposium/internal/session"
	"github.com/2389/symposium/internal/store"
)

// registerRoutes registers the control API on the given ServeMux
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", s.protect(s.handleCreateSession))
	mux.HandleFunc("GET /sessions/{id}/status", s.protect(s.handleSessionStatus))
	mux.HandleFunc("POST /sessions/{id}/answers", s.protect(s.handleAnswer))
	mux.HandleFunc("DELETE /sessions/{id}", s.protect(s.handleCancelSession))
	mux.HandleFunc("GET /sessions/{id}/events", s.protect(s.handleEvents))
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.config.Metrics.Enabled {
		path := s.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.Handler())
	}
}

// protect applies the JWT middleware when an auth secret is configured
func (s *Server) protect(h http.HandlerFunc) http.HandlerFunc {
	if s.verifier == nil {
		return h
	}
	wrapped := auth.HTTPAuthMiddleware(s.verifier)(h)
	return wrapped.ServeHTTP
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Create(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create session")
		s.logger.Error("session create failed", "error", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.ID,
		"status":     sess.Status,
		"expires_at": sess.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	resp := map[string]any{
		"session_id": sess.ID,
		"status":     sess.Status,
		"created_at": sess.CreatedAt.Format(time.RFC3339),
		"expires_at": sess.ExpiresAt.Format(time.RFC3339),
	}
	if sess.Reason != "" {
		resp["reason"] = sess.Reason
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type answerRequest struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
	AnsweredBy string `json:"answered_by"`
}

// handleAnswer records a human answer. Re-submitting an answered question
// returns the recorded answer without releasing the gate again.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.QuestionID == "" {
		s.writeError(w, http.StatusBadRequest, "question_id is required")
		return
	}
	if req.AnsweredBy == "" {
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
			req.AnsweredBy = principal
		}
	}

	if _, err := s.registry.Get(r.Context(), sessionID); err != nil {
		s.writeSessionError(w, err)
		return
	}

	q, already, err := s.store.AnswerQuestion(r.Context(), sessionID, req.QuestionID, req.Answer, req.AnsweredBy)
	if err != nil {
		if errors.Is(err, store.ErrQuestionNotFound) {
			s.writeError(w, http.StatusNotFound, "unknown question")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to record answer")
		s.logger.Error("answer failed", "session_id", sessionID, "error", err)
		return
	}

	if !already {
		s.bus.Publish(sessionID, events.KindQuestionAnswered, map[string]any{
			"question_id": q.ID,
			"answered_by": q.AnsweredBy,
		})
		if q.Blocking {
			s.gate.Release(sessionID)
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"question_id":      q.ID,
		"answer":           q.Answer,
		"answered_by":      q.AnsweredBy,
		"already_answered": already,
	})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	err := s.registry.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "unknown session")
	case errors.Is(err, session.ErrTerminal):
		s.writeError(w, http.StatusConflict, "session already finished")
	default:
		s.writeError(w, http.StatusInternalServerError, "failed to cancel session")
		s.logger.Error("cancel failed", "error", err)
	}
}

// handleEvents streams a session's events over SSE. Resume with either
// the Last-Event-ID header or ?from_seq=; both name the last seq the
// client has already seen.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if _, err := s.registry.Get(r.Context(), sessionID); err != nil {
		s.writeSessionError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	fromSeq, err := resumeSeq(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, subID := s.bus.Subscribe(r.Context(), sessionID, fromSeq)
	defer s.bus.Unsubscribe(sessionID, subID)

	s.logger.Debug("event stream opened",
		"session_id", sessionID,
		"from_seq", fromSeq)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				// Session dropped; tell the client not to reconnect blindly
				fmt.Fprint(w, "event: stream_closed\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// resumeSeq reads the client's resume point. Last-Event-ID wins over the
// from_seq query parameter; absent both, the full retained ring replays.
func resumeSeq(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("from_seq")
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid resume seq %q", raw)
	}
	return seq, nil
}

// writeSSE frames one event as id/event/data lines
func writeSSE(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
	return err
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	s.writeError(w, http.StatusInternalServerError, "session lookup failed")
	s.logger.Error("session lookup failed", "error", err)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
