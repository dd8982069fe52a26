package eval

import (
	"sync"

	"github.com/dshills/complianceq/internal/domain"
	"github.com/dshills/complianceq/internal/render"
	"github.com/google/uuid"
)

// RelationResolver supplies the task relationships needed to expand an
// invalidation: tasks whose templates read a changed task's answers, and
// sibling tasks in the same project (templates can read upward into project
// and organization scope).
type RelationResolver interface {
	DependentTasks(ids []uuid.UUID) []uuid.UUID
	ProjectSiblings(id uuid.UUID) []uuid.UUID
}

// stateCache memoizes evaluation results per task. Correctness depends on
// the storage layer calling InvalidateTasks after every answer mutation.
type stateCache struct {
	mu        sync.Mutex
	relations RelationResolver
	states    map[uuid.UUID]*domain.EvaluationResult
}

func newStateCache(relations RelationResolver) *stateCache {
	return &stateCache{relations: relations, states: map[uuid.UUID]*domain.EvaluationResult{}}
}

// EvaluateTask is Evaluate with per-task memoization. Callers use it for
// repeated reads within and across page loads; writers must invalidate.
func (e *Evaluator) EvaluateTask(current *domain.ModuleAnswers, parent *render.Context) (*domain.EvaluationResult, error) {
	if current.Task == nil {
		return e.Evaluate(current, parent)
	}
	e.states.mu.Lock()
	if res, ok := e.states.states[current.Task.ID]; ok {
		e.states.mu.Unlock()
		return res, nil
	}
	e.states.mu.Unlock()

	res, err := e.Evaluate(current, parent)
	if err != nil {
		return nil, err
	}
	e.states.mu.Lock()
	e.states.states[current.Task.ID] = res
	e.states.mu.Unlock()
	return res, nil
}

// InvalidateTasks clears cached state for the given tasks, every task
// depending on them transitively, and their project siblings.
func (e *Evaluator) InvalidateTasks(ids ...uuid.UUID) {
	set := map[uuid.UUID]bool{}
	for _, id := range ids {
		set[id] = true
	}
	if rel := e.states.relations; rel != nil {
		for _, id := range rel.DependentTasks(ids) {
			set[id] = true
		}
		for _, id := range ids {
			for _, sib := range rel.ProjectSiblings(id) {
				set[sib] = true
			}
		}
	}
	e.states.mu.Lock()
	defer e.states.mu.Unlock()
	for id := range set {
		delete(e.states.states, id)
	}
}

// InvalidateAll clears every cached task state.
func (e *Evaluator) InvalidateAll() {
	e.states.mu.Lock()
	defer e.states.mu.Unlock()
	e.states.states = map[uuid.UUID]*domain.EvaluationResult{}
}
