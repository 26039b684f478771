// ABOUTME: Scenario tests for the agent invoker loop
// ABOUTME: Wires real store, bus, gate, tool server, and scoped gateway end to end

package invoker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/symposium/internal/events"
	"github.com/2389/symposium/internal/gate"
	"github.com/2389/symposium/internal/roles"
	"github.com/2389/symposium/internal/session"
	"github.com/2389/symposium/internal/store"
	"github.com/2389/symposium/internal/toolserver"
	"github.com/2389/symposium/internal/tools"
)

type env struct {
	store    store.Store
	bus      *events.Bus
	gate     *gate.Gate
	registry *session.Registry
	gateway  *tools.Gateway
	invoker  *Invoker
}

func newEnv(t *testing.T, answerTimeout time.Duration) *env {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(256, 0, nil)
	t.Cleanup(bus.Close)
	g := gate.New(answerTimeout, nil)
	registry := session.NewRegistry(st, bus, g, time.Hour, nil)

	mux := http.NewServeMux()
	toolserver.NewServer(st, registry, bus, g, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	gateway := tools.NewGateway(registry, bus, srv.URL, "", 5*time.Second, nil)

	return &env{
		store:    st,
		bus:      bus,
		gate:     g,
		registry: registry,
		gateway:  gateway,
		invoker:  New(registry, st, bus, gateway, g, roles.Default(), 2*time.Second, 1, nil),
	}
}

func (e *env) newSession(t *testing.T) string {
	t.Helper()
	sess, err := e.registry.Create(t.Context())
	require.NoError(t, err)
	return sess.ID
}

func (e *env) status(t *testing.T, id string) store.SessionStatus {
	t.Helper()
	sess, err := e.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return sess.Status
}

// drainKinds collects event kinds currently buffered for the subscriber
func drainKinds(ch <-chan events.Event) []string {
	var kinds []string
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return kinds
			}
			kinds = append(kinds, ev.Kind)
		case <-time.After(100 * time.Millisecond):
			return kinds
		}
	}
}

func noteTaker(content string) Agent {
	return Agent{
		Name: "researcher-1",
		Role: "researcher",
		Run: func(ctx context.Context, turn *Turn) (*Result, error) {
			if _, err := turn.Tools.AppendNote(ctx, content, nil); err != nil {
				return nil, err
			}
			return &Result{Text: "noted", ToolCalls: 1}, nil
		},
	}
}

func TestInvoker_FixedSequenceCompletes(t *testing.T) {
	e := newEnv(t, 0)
	id := e.newSession(t)

	evCh, _ := e.bus.Subscribe(t.Context(), id, 0)

	writer := Agent{
		Name: "writer-1",
		Role: "writer",
		Run: func(ctx context.Context, turn *Turn) (*Result, error) {
			if _, err := turn.Tools.WriteSection(ctx, "summary", 0, "# Findings"); err != nil {
				return nil, err
			}
			return &Result{Text: "drafted", ToolCalls: 1}, nil
		},
	}

	err := e.invoker.Run(t.Context(), id, FixedSequence(noteTaker("Market size €450M"), writer))
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, e.status(t, id))

	notes, err := e.store.ListNotes(t.Context(), id, store.NoteFilter{})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "researcher-1", notes[0].Author)

	sec, err := e.store.ReadSection(t.Context(), id, "summary")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sec.Version)

	kinds := drainKinds(evCh)
	assert.Equal(t, events.KindSessionStarted, kinds[0])
	assert.Equal(t, events.KindSessionCompleted, kinds[len(kinds)-1])
	assert.Contains(t, kinds, events.KindAgentStarted)
	assert.Contains(t, kinds, events.KindToolCallCompleted)
	assert.Contains(t, kinds, events.KindWorkspaceUpdated)
}

func TestInvoker_RetriesOnceThenSucceeds(t *testing.T) {
	e := newEnv(t, 0)
	id := e.newSession(t)

	var attempts atomic.Int32
	flaky := Agent{
		Name: "flaky",
		Role: "researcher",
		Run: func(ctx context.Context, turn *Turn) (*Result, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("transient upstream hiccup")
			}
			return &Result{}, nil
		},
	}

	err := e.invoker.Run(t.Context(), id, FixedSequence(flaky))
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, store.SessionCompleted, e.status(t, id))
}

func TestInvoker_RetryExhaustionFailsSession(t *testing.T) {
	e := newEnv(t, 0)
	id := e.newSession(t)

	var attempts atomic.Int32
	broken := Agent{
		Name: "broken",
		Role: "researcher",
		Run: func(ctx context.Context, turn *Turn) (*Result, error) {
			attempts.Add(1)
			return nil, errors.New("model unavailable")
		},
	}

	err := e.invoker.Run(t.Context(), id, FixedSequence(broken))
	require.Error(t, err)
	assert.Equal(t, int32(2), attempts.Load()) // first attempt + one retry
	assert.Equal(t, store.SessionFailed, e.status(t, id))
}

func TestInvoker_PermissionErrorIsNotRetried(t *testing.T) {
	e := newEnv(t, 0)
	id := e.newSession(t)

	var attempts atomic.Int32
	overreacher := Agent{
		Name: "overreacher",
		Role: "researcher", // researchers cannot write sections
		Run: func(ctx context.Context, turn *Turn) (*Result, error) {
			attempts.Add(1)
			_, err := turn.Tools.WriteSection(ctx, "summary", 0, "sneaky")
			return nil, err
		},
	}

	err := e.invoker.Run(t.Context(), id, FixedSequence(overreacher))
	require.ErrorIs(t, err, tools.ErrToolNotAllowed)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, store.SessionFailed, e.status(t, id))
}

func TestInvoker_UnknownRoleFailsFast(t *testing.T) {
	e := newEnv(t, 0)
	id := e.newSession(t)

	err := e.invoker.Run(t.Context(), id, FixedSequence(Agent{
		Name: "ghost",
		Role: "archbishop",
		Run:  func(ctx context.Context, turn *Turn) (*Result, error) { return &Result{}, nil },
	}))
	require.ErrorIs(t, err, roles.ErrUnknownRole)
	assert.Equal(t, store.SessionFailed, e.status(t, id))
}

func TestInvoker_BlockingQuestionParksAndResumes(t *testing.T) {
	e := newEnv(t, 0)
	id := e.newSession(t)

	asker := Agent{
		Name: "analyst-1",
		Role: "analyst",
		Run: func(ctx context.Context, turn *Turn) (*Result, error) {
			_, err := turn.Tools.AddQuestion(ctx, "Which region first?", "", "high", true)
			return &Result{ToolCalls: 1}, err
		},
	}

	done := make(chan error, 1)
	go func() {
		done <- e.invoker.Run(context.Background(), id, FixedSequence(asker, noteTaker("resumed")))
	}()

	// The loop parks after the asking turn
	require.Eventually(t, func() bool {
		return e.status(t, id) == store.SessionAwaitingInput
	}, 2*time.Second, 10*time.Millisecond)

	open, err := e.store.ListOpenQuestions(context.Background(), id, true)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Answer through the store path the control API uses
	q, already, err := e.store.AnswerQuestion(context.Background(), id, open[0].ID, "EU", "operator")
	require.NoError(t, err)
	require.False(t, already)
	require.True(t, q.Blocking)
	e.gate.Release(id)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not resume after answer")
	}
	assert.Equal(t, store.SessionCompleted, e.status(t, id))

	// The post-answer turn ran
	notes, err := e.store.ListNotes(context.Background(), id, store.NoteFilter{})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "resumed", notes[0].Content)
}

func TestInvoker_InputTimeoutFailsOnlyThatSession(t *testing.T) {
	e := newEnv(t, 50*time.Millisecond)
	blocked := e.newSession(t)
	healthy := e.newSession(t)

	asker := Agent{
		Name: "analyst-1",
		Role: "analyst",
		Run: func(ctx context.Context, turn *Turn) (*Result, error) {
			_, err := turn.Tools.AddQuestion(ctx, "Anyone there?", "", "high", true)
			return &Result{}, err
		},
	}

	blockedDone := make(chan error, 1)
	go func() {
		blockedDone <- e.invoker.Run(context.Background(), blocked, FixedSequence(asker))
	}()

	// A second session completes while the first is starving for input
	require.NoError(t, e.invoker.Run(t.Context(), healthy, FixedSequence(noteTaker("independent"))))
	assert.Equal(t, store.SessionCompleted, e.status(t, healthy))

	select {
	case err := <-blockedDone:
		assert.ErrorIs(t, err, gate.ErrInputTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("blocked session did not time out")
	}
	assert.Equal(t, store.SessionFailed, e.status(t, blocked))

	sess, err := e.store.GetSession(context.Background(), blocked)
	require.NoError(t, err)
	assert.Contains(t, sess.Reason, "human input")
}

func TestInvoker_CancelAbortsInFlightTurn(t *testing.T) {
	e := newEnv(t, 0)
	id := e.newSession(t)

	started := make(chan struct{})
	sleeper := Agent{
		Name: "sleeper",
		Role: "researcher",
		Run: func(ctx context.Context, turn *Turn) (*Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	done := make(chan error, 1)
	go func() {
		done <- e.invoker.Run(context.Background(), id, FixedSequence(sleeper))
	}()

	<-started
	require.NoError(t, e.registry.Cancel(context.Background(), id))

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("cancel did not abort the turn")
	}

	sess, err := e.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.SessionFailed, sess.Status)
	assert.Equal(t, "cancelled", sess.Reason)
}

func TestInvoker_FanOutRunsConcurrently(t *testing.T) {
	e := newEnv(t, 0)
	id := e.newSession(t)

	barrier := make(chan struct{})
	meet := func(name string) Agent {
		return Agent{
			Name: name,
			Role: "researcher",
			Run: func(ctx context.Context, turn *Turn) (*Result, error) {
				// Both turns must be in flight at once to pass the barrier
				select {
				case barrier <- struct{}{}:
				case <-barrier:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				_, err := turn.Tools.AppendNote(ctx, "from "+name, nil)
				return &Result{ToolCalls: 1}, err
			},
		}
	}

	pair := strategyFunc(func(ctx context.Context, view *View) ([]Agent, error) {
		if view.Round > 0 {
			return nil, nil
		}
		return []Agent{meet("left"), meet("right")}, nil
	})

	require.NoError(t, e.invoker.Run(t.Context(), id, pair))
	assert.Equal(t, store.SessionCompleted, e.status(t, id))

	notes, err := e.store.ListNotes(t.Context(), id, store.NoteFilter{})
	require.NoError(t, err)
	assert.Len(t, notes, 2)
}

type strategyFunc func(ctx context.Context, view *View) ([]Agent, error)

func (f strategyFunc) NextTurns(ctx context.Context, view *View) ([]Agent, error) {
	return f(ctx, view)
}

func TestInvoker_TaskDrivenStrategy(t *testing.T) {
	e := newEnv(t, 0)
	id := e.newSession(t)

	_, err := e.store.AddTask(t.Context(), id, "collect market notes", "scout")
	require.NoError(t, err)
	_, err = e.store.AddTask(t.Context(), id, "assigned to nobody", "phantom")
	require.NoError(t, err)

	worker := Agent{
		Name: "scout",
		Role: "coordinator",
		Run: func(ctx context.Context, turn *Turn) (*Result, error) {
			tasks, err := turn.Tools.Call(ctx, "list_notes", nil)
			_ = tasks
			if err != nil {
				return nil, err
			}
			// Complete our pending task so the strategy winds down
			pending, err := e.store.ListTasks(ctx, id, store.TaskPending)
			if err != nil {
				return nil, err
			}
			for _, task := range pending {
				if task.AssignedTo != "scout" {
					continue
				}
				if _, err := turn.Tools.UpdateTaskStatus(ctx, task.ID, "in_progress"); err != nil {
					return nil, err
				}
				if _, err := turn.Tools.UpdateTaskStatus(ctx, task.ID, "completed"); err != nil {
					return nil, err
				}
			}
			return &Result{}, nil
		},
	}

	strategy := &TaskDriven{Agents: map[string]Agent{"scout": worker}}
	require.NoError(t, e.invoker.Run(t.Context(), id, strategy))
	assert.Equal(t, store.SessionCompleted, e.status(t, id))

	completed, err := e.store.ListTasks(t.Context(), id, store.TaskCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 1)

	skipped, err := e.store.ListTasks(t.Context(), id, store.TaskSkipped)
	require.NoError(t, err)
	assert.Len(t, skipped, 1, "unassignable task should be skipped, not wedge the session")
}

func TestInvoker_ConcurrentSectionWritersExactlyOneWins(t *testing.T) {
	e := newEnv(t, 0)
	id := e.newSession(t)

	_, err := e.store.WriteSection(t.Context(), id, "market_analysis", 0, "base", "seed")
	require.NoError(t, err)

	var conflicts atomic.Int32
	contender := func(name string) Agent {
		return Agent{
			Name: name,
			Role: "analyst",
			Run: func(ctx context.Context, turn *Turn) (*Result, error) {
				_, err := turn.Tools.WriteSection(ctx, "market_analysis", 1, "rewrite by "+name)
				if errors.Is(err, store.ErrVersionConflict) {
					conflicts.Add(1)
					return &Result{}, nil // losing the race is fine
				}
				return &Result{}, err
			},
		}
	}

	both := strategyFunc(func(ctx context.Context, view *View) ([]Agent, error) {
		if view.Round > 0 {
			return nil, nil
		}
		return []Agent{contender("a"), contender("b")}, nil
	})

	require.NoError(t, e.invoker.Run(t.Context(), id, both))

	sec, err := e.store.ReadSection(t.Context(), id, "market_analysis")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sec.Version)
	assert.Equal(t, int32(1), conflicts.Load())
}
