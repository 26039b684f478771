// ABOUTME: Session registry: mints unguessable session IDs and owns the lifecycle machine
// ABOUTME: Validates on every tool call, lazily expires, and tears sessions down on cancel

package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/symposium/internal/events"
	"github.com/2389/symposium/internal/gate"
	"github.com/2389/symposium/internal/store"
)

// Registry errors. Validate returns exactly one of the first three so
// callers can distinguish a forged ID from a session that once existed.
var (
	ErrNotFound          = errors.New("session not found")
	ErrExpired           = errors.New("session expired")
	ErrCancelled         = errors.New("session cancelled")
	ErrTerminal          = errors.New("session is in a terminal state")
	ErrIllegalTransition = errors.New("illegal session transition")
)

// DefaultTTL is how long a session lives without an explicit expiry config
const DefaultTTL = 24 * time.Hour

// cancelReason marks sessions failed by explicit operator cancellation,
// letting Validate tell ErrCancelled apart from ordinary failures.
const cancelReason = "cancelled"

// statusTransitions enumerates the legal forward moves of the session
// lifecycle. Terminal states have no entry and are immutable.
var statusTransitions = map[store.SessionStatus]map[store.SessionStatus]bool{
	store.SessionCreated: {
		store.SessionActive:  true,
		store.SessionFailed:  true,
		store.SessionExpired: true,
	},
	store.SessionActive: {
		store.SessionAwaitingInput: true,
		store.SessionCompleted:     true,
		store.SessionFailed:        true,
		store.SessionExpired:       true,
	},
	store.SessionAwaitingInput: {
		store.SessionActive:  true,
		store.SessionFailed:  true,
		store.SessionExpired: true,
	},
}

// Registry owns session identity and lifecycle. All state lives in the
// store; the registry adds ID minting, transition legality, lazy expiry,
// and the teardown plumbing (event stream, gate, in-flight contexts) that
// a dying session needs.
type Registry struct {
	store  store.Store
	bus    *events.Bus
	gate   *gate.Gate
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRegistry creates a registry. ttl of 0 falls back to DefaultTTL.
func NewRegistry(st store.Store, bus *events.Bus, g *gate.Gate, ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   st,
		bus:     bus,
		gate:    g,
		ttl:     ttl,
		logger:  logger.With("component", "session"),
		cancels: make(map[string]context.CancelFunc),
	}
}

// newID mints an unguessable session ID: "rs_" plus 32 random bytes,
// base64url without padding. Never derived from agent-supplied input.
func newID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return "rs_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create mints and persists a new session in status created
func (r *Registry) Create(ctx context.Context) (*store.Session, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:        id,
		Status:    store.SessionCreated,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
		UpdatedAt: now,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	r.logger.Info("session created", "session_id", id, "expires_at", sess.ExpiresAt)
	return sess, nil
}

// Get returns the session without lifecycle checks
func (r *Registry) Get(ctx context.Context, id string) (*store.Session, error) {
	sess, err := r.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, ErrNotFound
	}
	return sess, err
}

// Validate checks that a session exists and is usable for work. It always
// consults the store so revocation takes effect immediately. A session
// past its expiry is lazily expired here. Returns the session on success.
func (r *Registry) Validate(ctx context.Context, id string) (*store.Session, error) {
	sess, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case store.SessionExpired:
		return nil, ErrExpired
	case store.SessionFailed:
		if sess.Reason == cancelReason {
			return nil, ErrCancelled
		}
		return nil, ErrTerminal
	case store.SessionCompleted:
		return nil, ErrTerminal
	}

	if time.Now().After(sess.ExpiresAt) {
		r.expire(ctx, id)
		return nil, ErrExpired
	}

	return sess, nil
}

// SetStatus applies a lifecycle transition, rejecting backward or
// terminal-escaping moves
func (r *Registry) SetStatus(ctx context.Context, id string, to store.SessionStatus, reason string) error {
	sess, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	if sess.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, sess.Status)
	}
	if !statusTransitions[sess.Status][to] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, sess.Status, to)
	}

	if err := r.store.UpdateSessionStatus(ctx, id, to, reason); err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}

	r.logger.Info("session status changed",
		"session_id", id, "from", sess.Status, "to", to)
	return nil
}

// RegisterCancel records the cancel func for a session's run context so
// Cancel can abort in-flight tool waits. The returned func deregisters.
func (r *Registry) RegisterCancel(id string, cancel context.CancelFunc) func() {
	r.mu.Lock()
	r.cancels[id] = cancel
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if r.cancels[id] != nil {
			delete(r.cancels, id)
		}
		r.mu.Unlock()
	}
}

// Cancel marks a session failed with reason "cancelled", aborts its
// in-flight work, releases its input gate, and closes its event stream.
// Cancelling an already-terminal session returns ErrTerminal.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	sess, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, sess.Status)
	}

	if err := r.store.UpdateSessionStatus(ctx, id, store.SessionFailed, cancelReason); err != nil {
		return fmt.Errorf("cancelling session: %w", err)
	}

	r.abort(id)
	if r.gate != nil {
		r.gate.Clear(id)
	}
	if r.bus != nil {
		r.bus.Publish(id, events.KindSessionFailed, map[string]any{
			"reason": cancelReason,
		})
		r.bus.Drop(id)
	}

	r.logger.Info("session cancelled", "session_id", id)
	return nil
}

// Sweep expires every timed-out session and frees its resources.
// Returns the expired session IDs.
func (r *Registry) Sweep(ctx context.Context) ([]string, error) {
	ids, err := r.store.ExpireSessions(ctx, time.Now())
	if err != nil {
		return nil, fmt.Errorf("expiring sessions: %w", err)
	}
	for _, id := range ids {
		r.teardown(id)
	}
	return ids, nil
}

// RunSweeper runs Sweep on the given interval until ctx is cancelled
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// expire lazily marks one session expired during validation
func (r *Registry) expire(ctx context.Context, id string) {
	if err := r.store.UpdateSessionStatus(ctx, id, store.SessionExpired, "ttl elapsed"); err != nil {
		r.logger.Error("lazy expiry failed", "session_id", id, "error", err)
		return
	}
	r.teardown(id)
	r.logger.Info("session expired on access", "session_id", id)
}

// abort fires and removes the session's registered cancel func
func (r *Registry) abort(id string) {
	r.mu.Lock()
	cancel := r.cancels[id]
	delete(r.cancels, id)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// teardown frees the gate slot, run context, and event ring of a dead session
func (r *Registry) teardown(id string) {
	r.abort(id)
	if r.gate != nil {
		r.gate.Clear(id)
	}
	if r.bus != nil {
		r.bus.Drop(id)
	}
}
