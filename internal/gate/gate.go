// ABOUTME: Level-triggered per-session gate that parks agent loops on human input
// ABOUTME: A release arriving before the wait is remembered once, never lost

package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrInputTimeout is returned when a blocking question goes unanswered for
// longer than the configured answer timeout.
var ErrInputTimeout = errors.New("timed out waiting for human input")

// Gate coordinates session loops that must pause for a human answer.
// It is level-triggered: releasing a session nobody is waiting on sets a
// single pending slot that the next Wait consumes immediately, so the
// answer-arrives-before-the-wait race cannot strand a session. Double
// releases collapse into the one slot.
type Gate struct {
	mu            sync.Mutex
	pending       map[string]bool
	waiters       map[string]chan struct{}
	answerTimeout time.Duration // 0 = unbounded
	logger        *slog.Logger
}

// New creates a gate. answerTimeout of 0 means waits never time out.
func New(answerTimeout time.Duration, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		pending:       make(map[string]bool),
		waiters:       make(map[string]chan struct{}),
		answerTimeout: answerTimeout,
		logger:        logger.With("component", "gate"),
	}
}

// Wait parks until the session is released, the context is cancelled, or
// the answer timeout elapses. A release recorded before the call returns
// immediately. Concurrent waiters on one session share the release.
func (g *Gate) Wait(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	if g.pending[sessionID] {
		delete(g.pending, sessionID)
		g.mu.Unlock()
		return nil
	}
	ch, ok := g.waiters[sessionID]
	if !ok {
		ch = make(chan struct{})
		g.waiters[sessionID] = ch
	}
	g.mu.Unlock()

	g.logger.Debug("waiting for input", "session_id", sessionID)

	var timeout <-chan time.Time
	if g.answerTimeout > 0 {
		timer := time.NewTimer(g.answerTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		g.forget(sessionID, ch)
		return ctx.Err()
	case <-timeout:
		g.forget(sessionID, ch)
		return ErrInputTimeout
	}
}

// Release wakes the session's waiters, or records a pending release when
// nobody is waiting yet.
func (g *Gate) Release(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ch, ok := g.waiters[sessionID]; ok {
		close(ch)
		delete(g.waiters, sessionID)
		g.logger.Debug("released waiting session", "session_id", sessionID)
		return
	}
	g.pending[sessionID] = true
	g.logger.Debug("recorded pending release", "session_id", sessionID)
}

// Clear drops all gate state for a session: pending releases are discarded
// and current waiters are woken. Used when a session is cancelled or expires.
func (g *Gate) Clear(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.pending, sessionID)
	if ch, ok := g.waiters[sessionID]; ok {
		close(ch)
		delete(g.waiters, sessionID)
	}
}

// forget removes our waiter entry after a cancelled or timed-out wait,
// unless a Release already consumed and replaced it.
func (g *Gate) forget(sessionID string, ch chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cur, ok := g.waiters[sessionID]; ok && cur == ch {
		delete(g.waiters, sessionID)
	}
}
