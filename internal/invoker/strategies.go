// ABOUTME: Built-in turn strategies: fixed agent sequences and task-list-driven planning
// ABOUTME: Strategies only decide who acts next; the invoker owns execution

package invoker

import (
	"context"
	"fmt"

	"github.com/2389/symposium/internal/store"
)

// FixedSequence runs the given agents once each, in order, one per round,
// then ends the session.
func FixedSequence(agents ...Agent) Strategy {
	return &fixedSequence{agents: agents}
}

type fixedSequence struct {
	agents []Agent
}

func (s *fixedSequence) NextTurns(_ context.Context, view *View) ([]Agent, error) {
	if view.Round >= len(s.agents) {
		return nil, nil
	}
	return []Agent{s.agents[view.Round]}, nil
}

// TaskDriven assigns pending workspace tasks to agents by name. Each round
// dispatches every pending task whose assignee is known, concurrently; the
// session ends when no pending or in-progress tasks remain. Tasks assigned
// to nobody we know are skipped so a typo cannot wedge the session.
type TaskDriven struct {
	// Agents maps task assignee names to agent definitions
	Agents map[string]Agent
}

func (s *TaskDriven) NextTurns(ctx context.Context, view *View) ([]Agent, error) {
	pending, err := view.Store.ListTasks(ctx, view.SessionID, store.TaskPending)
	if err != nil {
		return nil, fmt.Errorf("listing pending tasks: %w", err)
	}

	var turns []Agent
	seen := map[string]bool{}
	for _, task := range pending {
		agent, ok := s.Agents[task.AssignedTo]
		if !ok {
			if _, err := view.Store.UpdateTaskStatus(ctx, view.SessionID, task.ID, store.TaskSkipped); err != nil {
				return nil, fmt.Errorf("skipping unassignable task %s: %w", task.ID, err)
			}
			continue
		}
		// One turn per agent per round, even with several of its tasks pending
		if seen[agent.Name] {
			continue
		}
		seen[agent.Name] = true
		turns = append(turns, agent)
	}
	if len(turns) > 0 {
		return turns, nil
	}

	// Nothing pending we can act on; wait out in-progress work if any
	inProgress, err := view.Store.ListTasks(ctx, view.SessionID, store.TaskInProgress)
	if err != nil {
		return nil, fmt.Errorf("listing in-progress tasks: %w", err)
	}
	if len(inProgress) > 0 {
		return nil, fmt.Errorf("%d tasks stuck in progress with no pending work", len(inProgress))
	}
	return nil, nil
}
