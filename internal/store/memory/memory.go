// Package memory provides an in-memory Store for tests and single-run tools.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/complianceq/internal/domain"
	"github.com/dshills/complianceq/internal/store"
)

// Store implements store.Store with in-process maps.
type Store struct {
	mu      sync.RWMutex
	tasks   map[uuid.UUID]*domain.TaskInfo
	order   []uuid.UUID
	answers map[uuid.UUID][]*domain.AnswerRecord // per task, append order
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tasks:   map[uuid.UUID]*domain.TaskInfo{},
		answers: map[uuid.UUID][]*domain.AnswerRecord{},
	}
}

func (s *Store) CreateTask(_ context.Context, task *domain.TaskInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return domain.ErrConflict
	}
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	return nil
}

func (s *Store) GetTask(_ context.Context, id uuid.UUID) (*domain.TaskInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return task, nil
}

func (s *Store) ListTasks(_ context.Context) ([]*domain.TaskInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.TaskInfo, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id])
	}
	return out, nil
}

func (s *Store) ProjectTasks(_ context.Context, projectID uuid.UUID) ([]*domain.TaskInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.TaskInfo
	for _, id := range s.order {
		if s.tasks[id].ProjectID == projectID {
			out = append(out, s.tasks[id])
		}
	}
	return out, nil
}

func (s *Store) AppendAnswer(_ context.Context, rec *domain.AnswerRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[rec.TaskID]; !ok {
		return false, domain.ErrNotFound
	}
	if store.SameAnswer(s.latest(rec.TaskID, rec.QuestionID), rec) {
		return false, nil
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.answers[rec.TaskID] = append(s.answers[rec.TaskID], rec)
	return true, nil
}

func (s *Store) latest(taskID uuid.UUID, questionID string) *domain.AnswerRecord {
	records := s.answers[taskID]
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].QuestionID == questionID {
			return records[i]
		}
	}
	return nil
}

func (s *Store) CurrentAnswers(_ context.Context, taskID uuid.UUID) ([]*domain.AnswerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, domain.ErrNotFound
	}
	records := s.answers[taskID]
	latest := map[string]*domain.AnswerRecord{}
	for _, rec := range records {
		latest[rec.QuestionID] = rec
	}
	var out []*domain.AnswerRecord
	for _, rec := range records {
		if latest[rec.QuestionID] == rec && !rec.Cleared {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) AnswerHistory(_ context.Context, taskID uuid.UUID, questionID string) ([]*domain.AnswerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AnswerRecord
	for _, rec := range s.answers[taskID] {
		if rec.QuestionID == questionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DependentTasks returns every task that transitively answers a module
// question with one of the given tasks.
func (s *Store) DependentTasks(ids []uuid.UUID) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[uuid.UUID]bool{}
	frontier := ids
	var out []uuid.UUID
	for len(frontier) > 0 {
		targets := map[uuid.UUID]bool{}
		for _, id := range frontier {
			targets[id] = true
		}
		var next []uuid.UUID
		for taskID, records := range s.answers {
			if seen[taskID] {
				continue
			}
			if answersAnyOf(records, targets) {
				seen[taskID] = true
				out = append(out, taskID)
				next = append(next, taskID)
			}
		}
		frontier = next
	}
	return out
}

func answersAnyOf(records []*domain.AnswerRecord, targets map[uuid.UUID]bool) bool {
	for _, rec := range records {
		for _, sub := range rec.AnsweredByTasks {
			if targets[sub] {
				return true
			}
		}
	}
	return false
}

// ProjectSiblings returns the other tasks in the given task's project.
func (s *Store) ProjectSiblings(id uuid.UUID) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok || task.ProjectID == uuid.Nil {
		return nil
	}
	var out []uuid.UUID
	for _, other := range s.order {
		if other != id && s.tasks[other].ProjectID == task.ProjectID {
			out = append(out, other)
		}
	}
	return out
}

func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)
