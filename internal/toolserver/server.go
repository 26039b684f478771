// ABOUTME: HTTP tool server exposing the shared workspace operations to agents
// ABOUTME: Session scope comes from the X-Session-ID header; body args never override it

package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/symposium/internal/events"
	"github.com/2389/symposium/internal/gate"
	"github.com/2389/symposium/internal/session"
	"github.com/2389/symposium/internal/store"
)

// MaxRequestBodySize is the maximum allowed size for tool argument bodies (1MB)
const MaxRequestBodySize = 1 << 20

// Server serves the workspace tools over HTTP. Every request is scoped by
// the X-Session-ID header the gateway injects; an agent-supplied session_id
// in the body is ignored.
type Server struct {
	store    store.Store
	registry *session.Registry
	bus      *events.Bus
	gate     *gate.Gate
	markdown goldmark.Markdown
	logger   *slog.Logger
}

// NewServer creates a tool server backed by the given store and registry.
func NewServer(st store.Store, registry *session.Registry, bus *events.Bus, g *gate.Gate, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    st,
		registry: registry,
		bus:      bus,
		gate:     g,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:   logger.With("component", "toolserver"),
	}
}

// RegisterRoutes registers the tool endpoint on the given ServeMux
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /tools/{tool}", s.handleTool)
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")

	sessionID := r.Header.Get("X-Session-ID")
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, "missing X-Session-ID header")
		return
	}
	agentID := r.Header.Get("X-Agent-ID")

	if _, err := s.registry.Validate(r.Context(), sessionID); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "unknown session")
		default:
			s.writeError(w, http.StatusGone, err.Error())
		}
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.writeError(w, http.StatusBadRequest, "request body too large")
		return
	}

	args := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON arguments")
			return
		}
	}
	// The header is authoritative; a session_id argument is dead weight
	delete(args, "session_id")

	s.logger.Debug("tool call",
		"tool", tool,
		"session_id", sessionID,
		"agent_id", agentID)

	result, err := s.dispatch(r.Context(), tool, sessionID, agentID, args)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// dispatch routes a tool call to its workspace operation
func (s *Server) dispatch(ctx context.Context, tool, sessionID, agentID string, args map[string]any) (any, error) {
	switch tool {
	case "append_note":
		return s.appendNote(ctx, sessionID, agentID, args)
	case "list_notes":
		return s.listNotes(ctx, sessionID, args)
	case "read_section":
		return s.readSection(ctx, sessionID, args)
	case "write_section":
		return s.writeSection(ctx, sessionID, agentID, args)
	case "list_sections":
		return s.listSections(ctx, sessionID)
	case "render_section":
		return s.renderSection(ctx, sessionID, args)
	case "add_task":
		return s.addTask(ctx, sessionID, args)
	case "update_task_status":
		return s.updateTaskStatus(ctx, sessionID, args)
	case "add_question":
		return s.addQuestion(ctx, sessionID, agentID, args)
	case "answer_question":
		return s.answerQuestion(ctx, sessionID, args)
	default:
		return nil, errUnknownTool
	}
}

var errUnknownTool = errors.New("unknown tool")

func (s *Server) appendNote(ctx context.Context, sessionID, agentID string, args map[string]any) (any, error) {
	content := stringArg(args, "content")
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", errBadArgs)
	}
	note, err := s.store.AppendNote(ctx, sessionID, agentID, content, stringSliceArg(args, "tags"))
	if err != nil {
		return nil, err
	}

	s.bus.Publish(sessionID, events.KindWorkspaceUpdated, map[string]any{
		"summary": fmt.Sprintf("note %d appended by %s", note.Seq, agentID),
	})
	return noteJSON(note), nil
}

func (s *Server) listNotes(ctx context.Context, sessionID string, args map[string]any) (any, error) {
	notes, err := s.store.ListNotes(ctx, sessionID, store.NoteFilter{
		Author: stringArg(args, "author"),
		Tag:    stringArg(args, "tag"),
	})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(notes))
	for i, n := range notes {
		out[i] = noteJSON(n)
	}
	return map[string]any{"notes": out}, nil
}

func (s *Server) readSection(ctx context.Context, sessionID string, args map[string]any) (any, error) {
	sec, err := s.store.ReadSection(ctx, sessionID, stringArg(args, "section_id"))
	if err != nil {
		return nil, err
	}
	return sectionJSON(sec), nil
}

func (s *Server) writeSection(ctx context.Context, sessionID, agentID string, args map[string]any) (any, error) {
	sectionID := stringArg(args, "section_id")
	if sectionID == "" {
		return nil, fmt.Errorf("%w: section_id is required", errBadArgs)
	}
	expected := int64Arg(args, "expected_version")

	version, err := s.store.WriteSection(ctx, sessionID, sectionID, expected, stringArg(args, "content"), agentID)
	if err != nil {
		return nil, err
	}

	s.bus.Publish(sessionID, events.KindWorkspaceUpdated, map[string]any{
		"summary": fmt.Sprintf("section %s -> v%d by %s", sectionID, version, agentID),
	})
	return map[string]any{"section_id": sectionID, "version": version}, nil
}

func (s *Server) listSections(ctx context.Context, sessionID string) (any, error) {
	secs, err := s.store.ListSections(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(secs))
	for i, sec := range secs {
		out[i] = sectionJSON(sec)
	}
	return map[string]any{"sections": out}, nil
}

// renderSection converts a markdown section to HTML for the observer UI
func (s *Server) renderSection(ctx context.Context, sessionID string, args map[string]any) (any, error) {
	sec, err := s.store.ReadSection(ctx, sessionID, stringArg(args, "section_id"))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(sec.Content), &buf); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}
	return map[string]any{
		"section_id": sec.ID,
		"version":    sec.Version,
		"html":       buf.String(),
	}, nil
}

func (s *Server) addTask(ctx context.Context, sessionID string, args map[string]any) (any, error) {
	description := stringArg(args, "description")
	if description == "" {
		return nil, fmt.Errorf("%w: description is required", errBadArgs)
	}
	task, err := s.store.AddTask(ctx, sessionID, description, stringArg(args, "assigned_to"))
	if err != nil {
		return nil, err
	}

	s.bus.Publish(sessionID, events.KindWorkspaceUpdated, map[string]any{
		"summary": fmt.Sprintf("task %s added", task.ID),
	})
	return taskJSON(task), nil
}

func (s *Server) updateTaskStatus(ctx context.Context, sessionID string, args map[string]any) (any, error) {
	taskID := stringArg(args, "task_id")
	to := store.TaskStatus(stringArg(args, "status"))

	task, err := s.store.UpdateTaskStatus(ctx, sessionID, taskID, to)
	if err != nil {
		return nil, err
	}

	s.bus.Publish(sessionID, events.KindWorkspaceUpdated, map[string]any{
		"summary": fmt.Sprintf("task %s -> %s", taskID, to),
	})
	return taskJSON(task), nil
}

func (s *Server) addQuestion(ctx context.Context, sessionID, agentID string, args map[string]any) (any, error) {
	text := stringArg(args, "text")
	if text == "" {
		return nil, fmt.Errorf("%w: text is required", errBadArgs)
	}
	q := &store.Question{
		SessionID: sessionID,
		Text:      text,
		Context:   stringArg(args, "context"),
		Priority:  stringArg(args, "priority"),
		Blocking:  boolArg(args, "blocking"),
	}
	if err := s.store.AddQuestion(ctx, q); err != nil {
		return nil, err
	}

	s.bus.Publish(sessionID, events.KindQuestionRaised, map[string]any{
		"question_id": q.ID,
		"agent":       agentID,
		"text":        q.Text,
		"priority":    q.Priority,
		"blocking":    q.Blocking,
	})
	return questionJSON(q), nil
}

func (s *Server) answerQuestion(ctx context.Context, sessionID string, args map[string]any) (any, error) {
	questionID := stringArg(args, "question_id")

	q, already, err := s.store.AnswerQuestion(ctx, sessionID, questionID,
		stringArg(args, "answer"), stringArg(args, "answered_by"))
	if err != nil {
		return nil, err
	}

	// Only the first answer fires the side effects; replays return the
	// recorded answer without a second gate release
	if !already {
		s.bus.Publish(sessionID, events.KindQuestionAnswered, map[string]any{
			"question_id": q.ID,
			"answered_by": q.AnsweredBy,
		})
		if q.Blocking {
			s.gate.Release(sessionID)
		}
	}
	return questionJSON(q), nil
}

var errBadArgs = errors.New("invalid arguments")

// statusFor maps workspace errors onto HTTP status codes the scoped
// gateway translates back into typed errors
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrIllegalTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrSectionNotFound),
		errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrQuestionNotFound),
		errors.Is(err, errUnknownTool):
		return http.StatusNotFound
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadArgs):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
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

// Argument and serialization helpers

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func int64Arg(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func noteJSON(n *store.Note) map[string]any {
	return map[string]any{
		"id":         n.ID,
		"seq":        n.Seq,
		"author":     n.Author,
		"content":    n.Content,
		"tags":       n.Tags,
		"created_at": n.CreatedAt,
	}
}

func sectionJSON(sec *store.Section) map[string]any {
	return map[string]any{
		"section_id": sec.ID,
		"content":    sec.Content,
		"version":    sec.Version,
		"updated_by": sec.UpdatedBy,
		"updated_at": sec.UpdatedAt,
	}
}

func taskJSON(t *store.Task) map[string]any {
	return map[string]any{
		"id":          t.ID,
		"description": t.Description,
		"status":      t.Status,
		"assigned_to": t.AssignedTo,
	}
}

func questionJSON(q *store.Question) map[string]any {
	out := map[string]any{
		"id":       q.ID,
		"text":     q.Text,
		"context":  q.Context,
		"priority": q.Priority,
		"blocking": q.Blocking,
		"answered": q.Answered(),
	}
	if q.Answered() {
		out["answer"] = q.Answer
		out["answered_by"] = q.AnsweredBy
	}
	return out
}
