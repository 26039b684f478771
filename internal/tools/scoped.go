// ABOUTME: Scoped tool gateway: binds a validated session and role allow-list to tool calls
// ABOUTME: Injects session identity server-side so agents can never reach across sessions

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/symposium/internal/events"
	"github.com/2389/symposium/internal/store"
)

// Gateway errors
var (
	// ErrSessionInvalid wraps the registry's verdict when a call's bound
	// session is no longer usable
	ErrSessionInvalid = errors.New("session invalid")

	// ErrToolNotAllowed is returned when the bound role's allow-list does
	// not include the requested tool
	ErrToolNotAllowed = errors.New("tool not allowed for role")

	// ErrToolTimeout is returned when a tool call exceeds the call timeout
	ErrToolTimeout = errors.New("tool call timed out")

	// ErrToolCall carries a remote tool failure; the server's message is
	// preserved verbatim
	ErrToolCall = errors.New("tool call failed")
)

const (
	// DefaultCallTimeout bounds a single tool call round trip
	DefaultCallTimeout = 30 * time.Second

	// resultPreviewRunes caps the result excerpt carried on
	// tool_call_completed events
	resultPreviewRunes = 200
)

// Validator revalidates a session before each tool call. Satisfied by
// *session.Registry.
type Validator interface {
	Validate(ctx context.Context, id string) (*store.Session, error)
}

// Gateway constructs per-agent scoped tool handles. It owns the tool
// server endpoint and bearer credential; neither ever reaches agent code.
type Gateway struct {
	registry    Validator
	bus         *events.Bus
	endpoint    string
	token       string
	callTimeout time.Duration
	client      *http.Client
	logger      *slog.Logger
}

// NewGateway creates a gateway for the given tool server endpoint.
// callTimeout of 0 falls back to DefaultCallTimeout.
func NewGateway(registry Validator, bus *events.Bus, endpoint, token string, callTimeout time.Duration, logger *slog.Logger) *Gateway {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		registry:    registry,
		bus:         bus,
		endpoint:    endpoint,
		token:       token,
		callTimeout: callTimeout,
		client:      &http.Client{},
		logger:      logger.With("component", "tools"),
	}
}

// Bind returns a tool handle scoped to one session and agent. The handle
// carries the session ID internally; nothing the agent passes as arguments
// can redirect a call to another session.
func (g *Gateway) Bind(sessionID, agentName string, allowed []string) *ScopedTools {
	allowSet := make(map[string]bool, len(allowed))
	for _, t := range allowed {
		allowSet[t] = true
	}
	return &ScopedTools{
		gateway:   g,
		sessionID: sessionID,
		agentName: agentName,
		allowed:   allowSet,
	}
}

// ScopedTools is the only tool surface handed to agent code
type ScopedTools struct {
	gateway   *Gateway
	sessionID string
	agentName string
	allowed   map[string]bool
}

// SessionID returns the bound session's ID (read-only; calls never take one)
func (s *ScopedTools) SessionID() string {
	return s.sessionID
}

// Call invokes a named tool with the given arguments. The bound session is
// revalidated first, the role allow-list checked second; only then does the
// request go over the wire with the session identity injected as headers.
// Any session_id key inside args is discarded. No automatic retry.
func (s *ScopedTools) Call(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	g := s.gateway

	if _, err := g.registry.Validate(ctx, s.sessionID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionInvalid, err)
	}
	if !s.allowed[tool] {
		return nil, fmt.Errorf("%w: agent %s, tool %s", ErrToolNotAllowed, s.agentName, tool)
	}

	// The header is the sole session carrier
	cleaned := make(map[string]any, len(args))
	for k, v := range args {
		if k == "session_id" {
			continue
		}
		cleaned[k] = v
	}

	g.bus.Publish(s.sessionID, events.KindToolCallStarted, map[string]any{
		"agent": s.agentName,
		"tool":  tool,
	})

	start := time.Now()
	result, err := g.post(ctx, s.sessionID, s.agentName, tool, cleaned)
	duration := time.Since(start)

	if err != nil {
		kind := "remote"
		if errors.Is(err, ErrToolTimeout) {
			kind = "timeout"
		}
		g.bus.Publish(s.sessionID, events.KindToolCallFailed, map[string]any{
			"agent": s.agentName,
			"tool":  tool,
			"kind":  kind,
			"error": err.Error(),
		})
		return nil, err
	}

	g.bus.Publish(s.sessionID, events.KindToolCallCompleted, map[string]any{
		"agent":       s.agentName,
		"tool":        tool,
		"duration_ms": duration.Milliseconds(),
		"preview":     preview(result),
	})
	return result, nil
}

// post performs the HTTP round trip to the tool server
func (g *Gateway) post(ctx context.Context, sessionID, agentName, tool string, args map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshaling arguments: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		g.endpoint+"/tools/"+tool, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", sessionID)
	req.Header.Set("X-Agent-ID", agentName)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s after %s", ErrToolTimeout, tool, g.callTimeout)
		}
		return nil, fmt.Errorf("%w: %w", ErrToolCall, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, remoteError(resp.StatusCode, data)
	}
	return json.RawMessage(data), nil
}

// remoteError maps tool server status codes back onto the typed errors the
// caller would have seen from a local store call
func remoteError(status int, body []byte) error {
	msg := string(body)
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}

	switch status {
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", store.ErrVersionConflict, msg)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", store.ErrIllegalTransition, msg)
	default:
		return fmt.Errorf("%w: %s", ErrToolCall, msg)
	}
}

// preview truncates a result to the rune budget carried on events
func preview(raw json.RawMessage) string {
	runes := []rune(string(raw))
	if len(runes) <= resultPreviewRunes {
		return string(runes)
	}
	return string(runes[:resultPreviewRunes]) + "…"
}

// Typed wrappers over Call for the workspace tools agents use most.

// AppendNote records an immutable note in the shared workspace
func (s *ScopedTools) AppendNote(ctx context.Context, content string, tags []string) (json.RawMessage, error) {
	args := map[string]any{"content": content}
	if len(tags) > 0 {
		args["tags"] = tags
	}
	return s.Call(ctx, "append_note", args)
}

// ListNotes lists workspace notes, optionally filtered by author or tag
func (s *ScopedTools) ListNotes(ctx context.Context, author, tag string) (json.RawMessage, error) {
	args := map[string]any{}
	if author != "" {
		args["author"] = author
	}
	if tag != "" {
		args["tag"] = tag
	}
	return s.Call(ctx, "list_notes", args)
}

// ReadSection fetches a draft section with its current version
func (s *ScopedTools) ReadSection(ctx context.Context, sectionID string) (json.RawMessage, error) {
	return s.Call(ctx, "read_section", map[string]any{"section_id": sectionID})
}

// WriteSection writes a draft section at the expected version.
// A stale version surfaces as store.ErrVersionConflict.
func (s *ScopedTools) WriteSection(ctx context.Context, sectionID string, expectedVersion int64, content string) (json.RawMessage, error) {
	return s.Call(ctx, "write_section", map[string]any{
		"section_id":       sectionID,
		"expected_version": expectedVersion,
		"content":          content,
	})
}

// AddQuestion raises a question for the human observer. Blocking questions
// suspend the session until answered.
func (s *ScopedTools) AddQuestion(ctx context.Context, text, qctx, priority string, blocking bool) (json.RawMessage, error) {
	return s.Call(ctx, "add_question", map[string]any{
		"text":     text,
		"context":  qctx,
		"priority": priority,
		"blocking": blocking,
	})
}

// UpdateTaskStatus moves a task along the forward-only machine
func (s *ScopedTools) UpdateTaskStatus(ctx context.Context, taskID, status string) (json.RawMessage, error) {
	return s.Call(ctx, "update_task_status", map[string]any{
		"task_id": taskID,
		"status":  status,
	})
}
