// ABOUTME: Agent invoker: drives one session's turn loop against opaque agent functions
// ABOUTME: Binds scoped tools per turn, retries once, parks on blocking questions

package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/symposium/internal/events"
	"github.com/2389/symposium/internal/gate"
	"github.com/2389/symposium/internal/roles"
	"github.com/2389/symposium/internal/session"
	"github.com/2389/symposium/internal/store"
	"github.com/2389/symposium/internal/tools"
)

const (
	// DefaultTurnTimeout bounds a single agent turn
	DefaultTurnTimeout = 5 * time.Minute

	// DefaultMaxRetries is how many times a failed turn is retried
	DefaultMaxRetries = 1
)

// Turn is everything an agent receives for one invocation. Tools is the
// only way back into the workspace; it is already bound to the session
// and the agent's role allow-list.
type Turn struct {
	SessionID string
	Agent     Agent
	Round     int
	Tools     *tools.ScopedTools
}

// Result is what an agent returns from a successful turn
type Result struct {
	Text      string
	ToolCalls int
}

// AgentFunc is the opaque agent body. The invoker treats it as a black
// box: it gets a context, a turn, and nothing else.
type AgentFunc func(ctx context.Context, turn *Turn) (*Result, error)

// Agent pairs a name and role with its body
type Agent struct {
	Name string
	Role string
	Run  AgentFunc
}

// View is the read surface a strategy plans from
type View struct {
	SessionID string
	Store     store.Store
	Round     int
}

// Strategy decides which agents act next. Returning an empty slice ends
// the session successfully. More than one agent means the turns fan out
// concurrently; workspace safety comes from section version checks, not
// from the invoker serializing them.
type Strategy interface {
	NextTurns(ctx context.Context, view *View) ([]Agent, error)
}

// Invoker runs session loops. Each session gets its own goroutine and
// shares nothing with other sessions beyond the store, so a parked or
// slow session never blocks the rest.
type Invoker struct {
	registry    *session.Registry
	store       store.Store
	bus         *events.Bus
	gateway     *tools.Gateway
	gate        *gate.Gate
	roles       *roles.Manifest
	turnTimeout time.Duration
	maxRetries  int
	logger      *slog.Logger
}

// New creates an invoker. Zero turnTimeout and negative maxRetries fall
// back to the defaults.
func New(registry *session.Registry, st store.Store, bus *events.Bus, gw *tools.Gateway, g *gate.Gate, manifest *roles.Manifest, turnTimeout time.Duration, maxRetries int, logger *slog.Logger) *Invoker {
	if turnTimeout <= 0 {
		turnTimeout = DefaultTurnTimeout
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if manifest == nil {
		manifest = roles.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		registry:    registry,
		store:       st,
		bus:         bus,
		gateway:     gw,
		gate:        g,
		roles:       manifest,
		turnTimeout: turnTimeout,
		maxRetries:  maxRetries,
		logger:      logger.With("component", "invoker"),
	}
}

// Run drives one session from created to a terminal state. Blocks until
// the session ends; callers start it on its own goroutine. The session's
// run context is registered with the registry so Cancel can abort
// in-flight turns and tool waits.
func (inv *Invoker) Run(ctx context.Context, sessionID string, strategy Strategy) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	deregister := inv.registry.RegisterCancel(sessionID, cancel)
	defer deregister()

	if err := inv.registry.SetStatus(runCtx, sessionID, store.SessionActive, ""); err != nil {
		return fmt.Errorf("activating session: %w", err)
	}
	inv.bus.Publish(sessionID, events.KindSessionStarted, nil)
	inv.logger.Info("session loop started", "session_id", sessionID)

	for round := 0; ; round++ {
		if err := runCtx.Err(); err != nil {
			// Cancelled out from under us; the registry already owns the
			// terminal state and teardown
			return err
		}

		agents, err := strategy.NextTurns(runCtx, &View{
			SessionID: sessionID,
			Store:     inv.store,
			Round:     round,
		})
		if err != nil {
			return inv.fail(ctx, sessionID, fmt.Sprintf("strategy error: %v", err), err)
		}
		if len(agents) == 0 {
			return inv.complete(ctx, sessionID)
		}

		if err := inv.runTurns(runCtx, sessionID, round, agents); err != nil {
			if runCtx.Err() != nil {
				return runCtx.Err()
			}
			return inv.fail(ctx, sessionID, fmt.Sprintf("agent turn failed: %v", err), err)
		}

		if err := inv.awaitAnswers(runCtx, sessionID); err != nil {
			if errors.Is(err, gate.ErrInputTimeout) {
				return inv.fail(ctx, sessionID, "timed out waiting for human input", err)
			}
			return err
		}
	}
}

// runTurns executes one round of turns, fanning out when the strategy
// returned more than one agent
func (inv *Invoker) runTurns(ctx context.Context, sessionID string, round int, agents []Agent) error {
	if len(agents) == 1 {
		return inv.runTurn(ctx, sessionID, round, agents[0])
	}

	var wg sync.WaitGroup
	errs := make([]error, len(agents))
	for i, agent := range agents {
		wg.Add(1)
		go func(i int, agent Agent) {
			defer wg.Done()
			errs[i] = inv.runTurn(ctx, sessionID, round, agent)
		}(i, agent)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// runTurn runs one agent with retry. A failed attempt is retried up to
// maxRetries times unless the error is non-retryable.
func (inv *Invoker) runTurn(ctx context.Context, sessionID string, round int, agent Agent) error {
	allowed, err := inv.roles.Allowed(agent.Role)
	if err != nil {
		return fmt.Errorf("binding tools for %s: %w", agent.Name, err)
	}

	var lastErr error
	for attempt := 0; attempt <= inv.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > 0 {
			inv.logger.Warn("retrying agent turn",
				"session_id", sessionID,
				"agent", agent.Name,
				"attempt", attempt,
				"error", lastErr)
		}

		inv.bus.Publish(sessionID, events.KindAgentStarted, map[string]any{
			"agent": agent.Name,
			"role":  agent.Role,
			"round": round,
		})

		start := time.Now()
		result, err := inv.invoke(ctx, sessionID, round, agent, allowed)
		duration := time.Since(start)

		payload := map[string]any{
			"agent":       agent.Name,
			"success":     err == nil,
			"duration_ms": duration.Milliseconds(),
		}
		if result != nil {
			payload["tool_calls"] = result.ToolCalls
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		inv.bus.Publish(sessionID, events.KindAgentCompleted, payload)

		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("agent %s exhausted retries: %w", agent.Name, lastErr)
}

// invoke runs the agent body once under the per-turn timeout
func (inv *Invoker) invoke(ctx context.Context, sessionID string, round int, agent Agent, allowed []string) (*Result, error) {
	turnCtx, cancel := context.WithTimeout(ctx, inv.turnTimeout)
	defer cancel()

	return agent.Run(turnCtx, &Turn{
		SessionID: sessionID,
		Agent:     agent,
		Round:     round,
		Tools:     inv.gateway.Bind(sessionID, agent.Name, allowed),
	})
}

// awaitAnswers parks the loop while any blocking question is open.
// Every open blocking question must be answered before the loop resumes;
// each answer releases the gate once.
func (inv *Invoker) awaitAnswers(ctx context.Context, sessionID string) error {
	for {
		open, err := inv.store.ListOpenQuestions(ctx, sessionID, true)
		if err != nil {
			return fmt.Errorf("listing blocking questions: %w", err)
		}
		if len(open) == 0 {
			return nil
		}

		if err := inv.registry.SetStatus(ctx, sessionID, store.SessionAwaitingInput, ""); err != nil && !errors.Is(err, session.ErrIllegalTransition) {
			return err
		}
		inv.logger.Info("session awaiting input",
			"session_id", sessionID,
			"open_questions", len(open))

		if err := inv.gate.Wait(ctx, sessionID); err != nil {
			return err
		}

		if err := inv.registry.SetStatus(ctx, sessionID, store.SessionActive, ""); err != nil {
			return err
		}
	}
}

// complete marks the session done. Status writes use a detached context
// so a cancelled run context cannot strand the terminal state.
func (inv *Invoker) complete(ctx context.Context, sessionID string) error {
	endCtx := context.WithoutCancel(ctx)
	if err := inv.registry.SetStatus(endCtx, sessionID, store.SessionCompleted, ""); err != nil {
		return fmt.Errorf("completing session: %w", err)
	}
	inv.bus.Publish(sessionID, events.KindSessionCompleted, nil)
	inv.logger.Info("session completed", "session_id", sessionID)
	return nil
}

// fail marks the session failed and reports the cause. If the session
// already reached a terminal state (cancelled underneath us), the
// existing verdict stands.
func (inv *Invoker) fail(ctx context.Context, sessionID, reason string, cause error) error {
	endCtx := context.WithoutCancel(ctx)
	if err := inv.registry.SetStatus(endCtx, sessionID, store.SessionFailed, reason); err != nil {
		if errors.Is(err, session.ErrTerminal) {
			return cause
		}
		return errors.Join(cause, err)
	}
	inv.bus.Publish(sessionID, events.KindSessionFailed, map[string]any{
		"reason": reason,
	})
	inv.logger.Warn("session failed", "session_id", sessionID, "reason", reason)
	return cause
}

// retryable reports whether a turn error is worth one more attempt.
// Configuration and validation failures repeat identically, so they are
// surfaced immediately.
func retryable(err error) bool {
	switch {
	case errors.Is(err, tools.ErrToolNotAllowed),
		errors.Is(err, tools.ErrSessionInvalid),
		errors.Is(err, roles.ErrUnknownRole),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
