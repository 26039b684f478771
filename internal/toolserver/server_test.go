// ABOUTME: Tests for the HTTP tool server
// ABOUTME: Covers header scoping, status mappings, markdown rendering, and question flow

package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/symposium/internal/events"
	"github.com/2389/symposium/internal/gate"
	"github.com/2389/symposium/internal/session"
	"github.com/2389/symposium/internal/store"
)

type testServer struct {
	store    store.Store
	registry *session.Registry
	bus      *events.Bus
	gate     *gate.Gate
	http     *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(64, 0, nil)
	t.Cleanup(bus.Close)
	g := gate.New(0, nil)
	registry := session.NewRegistry(st, bus, g, time.Hour, nil)

	mux := http.NewServeMux()
	NewServer(st, registry, bus, g, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testServer{store: st, registry: registry, bus: bus, gate: g, http: srv}
}

func (ts *testServer) newSession(t *testing.T) string {
	t.Helper()
	sess, err := ts.registry.Create(t.Context())
	require.NoError(t, err)
	return sess.ID
}

func (ts *testServer) call(t *testing.T, sessionID, agentID, tool string, args map[string]any) (*http.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(args)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.http.URL+"/tools/"+tool, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	req.Header.Set("X-Agent-ID", agentID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestToolServer_MissingSessionHeader(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.call(t, "", "a", "list_notes", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "X-Session-ID")
}

func TestToolServer_UnknownSession(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.call(t, "rs_forged", "a", "list_notes", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestToolServer_CancelledSession(t *testing.T) {
	ts := newTestServer(t)
	id := ts.newSession(t)
	require.NoError(t, ts.registry.Cancel(t.Context(), id))

	resp, _ := ts.call(t, id, "a", "list_notes", nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestToolServer_UnknownTool(t *testing.T) {
	ts := newTestServer(t)
	id := ts.newSession(t)

	resp, _ := ts.call(t, id, "a", "launch_rockets", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestToolServer_AppendAndListNotes(t *testing.T) {
	ts := newTestServer(t)
	id := ts.newSession(t)

	evCh, _ := ts.bus.Subscribe(t.Context(), id, 0)

	resp, body := ts.call(t, id, "market-analyst", "append_note", map[string]any{
		"content": "Market size €450M",
		"tags":    []string{"market"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["seq"])
	assert.Equal(t, "market-analyst", body["author"])

	ev := <-evCh
	assert.Equal(t, events.KindWorkspaceUpdated, ev.Kind)
	assert.Contains(t, ev.Payload["summary"], "note 1 appended by market-analyst")

	resp, body = ts.call(t, id, "writer", "list_notes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	notes := body["notes"].([]any)
	require.Len(t, notes, 1)
	assert.Equal(t, "Market size €450M", notes[0].(map[string]any)["content"])
}

func TestToolServer_BodySessionIDIsIgnored(t *testing.T) {
	ts := newTestServer(t)
	victim := ts.newSession(t)
	attacker := ts.newSession(t)

	resp, _ := ts.call(t, attacker, "rogue", "append_note", map[string]any{
		"content":    "poisoned",
		"session_id": victim,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The note landed in the header's session, not the forged one
	victimNotes, err := ts.store.ListNotes(t.Context(), victim, store.NoteFilter{})
	require.NoError(t, err)
	assert.Empty(t, victimNotes)

	attackerNotes, err := ts.store.ListNotes(t.Context(), attacker, store.NoteFilter{})
	require.NoError(t, err)
	assert.Len(t, attackerNotes, 1)
}

func TestToolServer_WriteSectionConflict(t *testing.T) {
	ts := newTestServer(t)
	id := ts.newSession(t)

	resp, body := ts.call(t, id, "analyst", "write_section", map[string]any{
		"section_id":       "summary",
		"expected_version": 0,
		"content":          "v1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["version"])

	resp, body = ts.call(t, id, "writer", "write_section", map[string]any{
		"section_id":       "summary",
		"expected_version": 0,
		"content":          "clobber",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "version conflict")
}

func TestToolServer_IllegalTaskTransition(t *testing.T) {
	ts := newTestServer(t)
	id := ts.newSession(t)

	_, body := ts.call(t, id, "coordinator", "add_task", map[string]any{
		"description": "size the market",
	})
	taskID := body["id"].(string)

	resp, _ := ts.call(t, id, "coordinator", "update_task_status", map[string]any{
		"task_id": taskID,
		"status":  "completed",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.call(t, id, "coordinator", "update_task_status", map[string]any{
		"task_id": taskID,
		"status":  "pending",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["error"], "illegal task transition")
}

func TestToolServer_RenderSection(t *testing.T) {
	ts := newTestServer(t)
	id := ts.newSession(t)

	_, err := ts.store.WriteSection(t.Context(), id, "summary", 0, "# Findings\n\nMarket is **growing**.", "writer")
	require.NoError(t, err)

	resp, body := ts.call(t, id, "writer", "render_section", map[string]any{
		"section_id": "summary",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	html := body["html"].(string)
	assert.Contains(t, html, "<h1>Findings</h1>")
	assert.Contains(t, html, "<strong>growing</strong>")
	assert.EqualValues(t, 1, body["version"])
}

func TestToolServer_QuestionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.newSession(t)

	evCh, _ := ts.bus.Subscribe(t.Context(), id, 0)

	_, body := ts.call(t, id, "analyst", "add_question", map[string]any{
		"text":     "Which region first?",
		"priority": "high",
		"blocking": true,
	})
	questionID := body["id"].(string)

	raised := <-evCh
	assert.Equal(t, events.KindQuestionRaised, raised.Kind)
	assert.Equal(t, true, raised.Payload["blocking"])

	// A loop parked on the gate wakes when the answer lands
	gateDone := make(chan error, 1)
	go func() {
		gateDone <- ts.gate.Wait(context.Background(), id)
	}()
	time.Sleep(10 * time.Millisecond)

	resp, body := ts.call(t, id, "operator", "answer_question", map[string]any{
		"question_id": questionID,
		"answer":      "EU",
		"answered_by": "operator",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "EU", body["answer"])

	answered := <-evCh
	assert.Equal(t, events.KindQuestionAnswered, answered.Kind)

	select {
	case err := <-gateDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("gate not released by answer")
	}

	// Replay: recorded answer comes back, no second release
	resp, body = ts.call(t, id, "operator", "answer_question", map[string]any{
		"question_id": questionID,
		"answer":      "US",
		"answered_by": "someone-else",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "EU", body["answer"])
	assert.Equal(t, "operator", body["answered_by"])

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	err := ts.gate.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "replayed answer must not release the gate again")
}

func TestToolServer_MissingRequiredArg(t *testing.T) {
	ts := newTestServer(t)
	id := ts.newSession(t)

	resp, body := ts.call(t, id, "a", "append_note", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "content is required")
}
