package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/dshills/complianceq/internal/domain"
	"github.com/dshills/complianceq/internal/eval"
	"github.com/dshills/complianceq/internal/render"
)

// Store defines the interface for persistent task and answer storage. Answers
// are append-only: editing a question appends a record, clearing appends a
// record with Cleared set, and history is never rewritten.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *domain.TaskInfo) error
	GetTask(ctx context.Context, id uuid.UUID) (*domain.TaskInfo, error)
	ListTasks(ctx context.Context) ([]*domain.TaskInfo, error)
	ProjectTasks(ctx context.Context, projectID uuid.UUID) ([]*domain.TaskInfo, error)

	// Answers
	// AppendAnswer records a new answer state. It reports false without
	// writing when the record matches the question's current state, so
	// re-submitting an unchanged form does not grow history or invalidate
	// caches.
	AppendAnswer(ctx context.Context, rec *domain.AnswerRecord) (bool, error)
	// CurrentAnswers returns the latest non-cleared record per question.
	CurrentAnswers(ctx context.Context, taskID uuid.UUID) ([]*domain.AnswerRecord, error)
	// AnswerHistory returns every record for a question, oldest first.
	AnswerHistory(ctx context.Context, taskID uuid.UUID, questionID string) ([]*domain.AnswerRecord, error)

	// Relations, for cache invalidation fan-out. Any Store satisfies
	// eval.RelationResolver.
	DependentTasks(ids []uuid.UUID) []uuid.UUID
	ProjectSiblings(id uuid.UUID) []uuid.UUID

	// Lifecycle
	Close() error
}

// SameAnswer reports whether two records describe the same answer state.
// Values compare by their canonical JSON form; answering tasks compare as
// sets.
func SameAnswer(prev, next *domain.AnswerRecord) bool {
	if prev == nil || next == nil {
		return prev == next
	}
	if prev.Cleared != next.Cleared || prev.SkippedReason != next.SkippedReason || prev.Unsure != next.Unsure {
		return false
	}
	pv, err1 := json.Marshal(prev.Value)
	nv, err2 := json.Marshal(next.Value)
	if err1 != nil || err2 != nil || string(pv) != string(nv) {
		return false
	}
	if len(prev.AnsweredByTasks) != len(next.AnsweredByTasks) {
		return false
	}
	set := make(map[uuid.UUID]bool, len(prev.AnsweredByTasks))
	for _, id := range prev.AnsweredByTasks {
		set[id] = true
	}
	for _, id := range next.AnsweredByTasks {
		if !set[id] {
			return false
		}
	}
	return true
}

// LoadModuleAnswers assembles the current answer set for a task. Records for
// questions the module no longer defines are dropped; they stay in history
// but cannot participate in evaluation.
func LoadModuleAnswers(ctx context.Context, s Store, m *domain.ModuleSpec, task *domain.TaskInfo) (*domain.ModuleAnswers, error) {
	records, err := s.CurrentAnswers(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("load answers for task %s: %w", task.ID, err)
	}
	ma := domain.NewModuleAnswers(m, task)
	for _, rec := range records {
		q := m.Question(rec.QuestionID)
		if q == nil {
			continue
		}
		answered := rec.Value != nil || len(rec.AnsweredByTasks) > 0
		ma.Set(&domain.Answer{Question: q, Answered: answered, Record: rec, Value: rec.Value})
	}
	return ma, nil
}

// Resolver evaluates tasks on demand for template rendering. It implements
// render.TaskResolver; bind it to the evaluator it wraps so module answers
// inside rendered output resolve through the same caches.
type Resolver struct {
	Store     Store
	Catalog   render.ModuleCatalog
	Evaluator *eval.Evaluator
}

func (r *Resolver) ResolveTask(id uuid.UUID) (*domain.EvaluationResult, error) {
	ctx := context.Background()
	task, err := r.Store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	m, err := r.Catalog.Module(task.ModuleID)
	if err != nil {
		return nil, err
	}
	current, err := LoadModuleAnswers(ctx, r.Store, m, task)
	if err != nil {
		return nil, err
	}
	return r.Evaluator.EvaluateTask(current, nil)
}

var _ render.TaskResolver = (*Resolver)(nil)
