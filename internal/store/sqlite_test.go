// ABOUTME: Tests for SQLite session persistence and TTL expiry
// ABOUTME: Covers CRUD, status updates, expiry sweep, and cascade deletion

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func makeSession(id string, ttl time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		Status:    SessionCreated,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		UpdatedAt: now,
	}
}

func TestSQLiteStore_CreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	sess := makeSession("rs_test_1", time.Hour)
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, "rs_test_1")
	require.NoError(t, err)
	assert.Equal(t, "rs_test_1", got.ID)
	assert.Equal(t, SessionCreated, got.Status)
	assert.WithinDuration(t, sess.ExpiresAt, got.ExpiresAt, time.Millisecond)
}

func TestSQLiteStore_GetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(t.Context(), "rs_missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSQLiteStore_UpdateSessionStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.CreateSession(ctx, makeSession("rs_test_2", time.Hour)))
	require.NoError(t, s.UpdateSessionStatus(ctx, "rs_test_2", SessionFailed, "tool exploded"))

	got, err := s.GetSession(ctx, "rs_test_2")
	require.NoError(t, err)
	assert.Equal(t, SessionFailed, got.Status)
	assert.Equal(t, "tool exploded", got.Reason)
}

func TestSQLiteStore_UpdateSessionStatusNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateSessionStatus(t.Context(), "rs_missing", SessionActive, "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSQLiteStore_ExpireSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.CreateSession(ctx, makeSession("rs_stale", -time.Minute)))
	require.NoError(t, s.CreateSession(ctx, makeSession("rs_fresh", time.Hour)))

	// Terminal sessions are left alone even when timed out
	done := makeSession("rs_done", -time.Minute)
	require.NoError(t, s.CreateSession(ctx, done))
	require.NoError(t, s.UpdateSessionStatus(ctx, "rs_done", SessionCompleted, ""))

	expired, err := s.ExpireSessions(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"rs_stale"}, expired)

	got, err := s.GetSession(ctx, "rs_stale")
	require.NoError(t, err)
	assert.Equal(t, SessionExpired, got.Status)

	got, err = s.GetSession(ctx, "rs_fresh")
	require.NoError(t, err)
	assert.Equal(t, SessionCreated, got.Status)

	got, err = s.GetSession(ctx, "rs_done")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, got.Status)
}

func TestSQLiteStore_DeleteSessionCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.CreateSession(ctx, makeSession("rs_cascade", time.Hour)))

	_, err := s.AppendNote(ctx, "rs_cascade", "market-analyst", "note", nil)
	require.NoError(t, err)
	_, err = s.WriteSection(ctx, "rs_cascade", "summary", 0, "draft", "writer")
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, "rs_cascade"))

	_, err = s.GetSession(ctx, "rs_cascade")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	notes, err := s.ListNotes(ctx, "rs_cascade", NoteFilter{})
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestSessionStatus_Terminal(t *testing.T) {
	assert.True(t, SessionCompleted.Terminal())
	assert.True(t, SessionFailed.Terminal())
	assert.True(t, SessionExpired.Terminal())
	assert.False(t, SessionCreated.Terminal())
	assert.False(t, SessionActive.Terminal())
	assert.False(t, SessionAwaitingInput.Terminal())
}
