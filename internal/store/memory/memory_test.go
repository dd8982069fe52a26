package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/complianceq/internal/domain"
)

func newTask(projectID uuid.UUID) *domain.TaskInfo {
	return &domain.TaskInfo{ID: uuid.New(), ModuleID: "mod", Title: "Task", ProjectID: projectID}
}

func record(taskID uuid.UUID, questionID string, value any) *domain.AnswerRecord {
	return &domain.AnswerRecord{TaskID: taskID, QuestionID: questionID, Value: value, Method: domain.AnswerMethodWeb}
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	task := newTask(uuid.Nil)

	require.NoError(t, s.CreateTask(ctx, task))
	assert.ErrorIs(t, s.CreateTask(ctx, task), domain.ErrConflict)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task, got)

	_, err = s.GetTask(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := s.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAppendAnswerDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := New()
	task := newTask(uuid.Nil)
	require.NoError(t, s.CreateTask(ctx, task))

	changed, err := s.AppendAnswer(ctx, record(task.ID, "q1", "first"))
	require.NoError(t, err)
	assert.True(t, changed)

	// Resubmitting the same state writes nothing.
	changed, err = s.AppendAnswer(ctx, record(task.ID, "q1", "first"))
	require.NoError(t, err)
	assert.False(t, changed)

	history, err := s.AnswerHistory(ctx, task.ID, "q1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.NotEqual(t, uuid.Nil, history[0].ID)
	assert.False(t, history[0].CreatedAt.IsZero())
}

func TestAppendAnswerRequiresTask(t *testing.T) {
	s := New()
	_, err := s.AppendAnswer(context.Background(), record(uuid.New(), "q1", "x"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEditAppendsAndCurrentTracksLatest(t *testing.T) {
	ctx := context.Background()
	s := New()
	task := newTask(uuid.Nil)
	require.NoError(t, s.CreateTask(ctx, task))

	_, err := s.AppendAnswer(ctx, record(task.ID, "q1", "first"))
	require.NoError(t, err)
	changed, err := s.AppendAnswer(ctx, record(task.ID, "q1", "second"))
	require.NoError(t, err)
	assert.True(t, changed)

	history, err := s.AnswerHistory(ctx, task.ID, "q1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Value)
	assert.Equal(t, "second", history[1].Value)

	current, err := s.CurrentAnswers(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "second", current[0].Value)
}

func TestClearedAnswerLeavesCurrent(t *testing.T) {
	ctx := context.Background()
	s := New()
	task := newTask(uuid.Nil)
	require.NoError(t, s.CreateTask(ctx, task))

	_, err := s.AppendAnswer(ctx, record(task.ID, "q1", "x"))
	require.NoError(t, err)
	cleared := record(task.ID, "q1", nil)
	cleared.Cleared = true
	_, err = s.AppendAnswer(ctx, cleared)
	require.NoError(t, err)

	current, err := s.CurrentAnswers(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, current)

	// History keeps both records.
	history, err := s.AnswerHistory(ctx, task.ID, "q1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCurrentAnswersUnknownTask(t *testing.T) {
	s := New()
	_, err := s.CurrentAnswers(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDependentTasksTransitive(t *testing.T) {
	ctx := context.Background()
	s := New()
	leaf := newTask(uuid.Nil)
	mid := newTask(uuid.Nil)
	top := newTask(uuid.Nil)
	other := newTask(uuid.Nil)
	for _, task := range []*domain.TaskInfo{leaf, mid, top, other} {
		require.NoError(t, s.CreateTask(ctx, task))
	}

	// top answers via mid, mid answers via leaf.
	midRec := record(mid.ID, "sub", nil)
	midRec.AnsweredByTasks = []uuid.UUID{leaf.ID}
	_, err := s.AppendAnswer(ctx, midRec)
	require.NoError(t, err)
	topRec := record(top.ID, "sub", nil)
	topRec.AnsweredByTasks = []uuid.UUID{mid.ID}
	_, err = s.AppendAnswer(ctx, topRec)
	require.NoError(t, err)

	deps := s.DependentTasks([]uuid.UUID{leaf.ID})
	assert.ElementsMatch(t, []uuid.UUID{mid.ID, top.ID}, deps)
	assert.Empty(t, s.DependentTasks([]uuid.UUID{other.ID}))
}

func TestProjectSiblings(t *testing.T) {
	ctx := context.Background()
	s := New()
	project := uuid.New()
	a := newTask(project)
	b := newTask(project)
	lone := newTask(uuid.Nil)
	for _, task := range []*domain.TaskInfo{a, b, lone} {
		require.NoError(t, s.CreateTask(ctx, task))
	}

	assert.Equal(t, []uuid.UUID{b.ID}, s.ProjectSiblings(a.ID))
	assert.Empty(t, s.ProjectSiblings(lone.ID))
	assert.Empty(t, s.ProjectSiblings(uuid.New()))
}

func TestProjectTasks(t *testing.T) {
	ctx := context.Background()
	s := New()
	project := uuid.New()
	a := newTask(project)
	b := newTask(uuid.Nil)
	require.NoError(t, s.CreateTask(ctx, a))
	require.NoError(t, s.CreateTask(ctx, b))

	tasks, err := s.ProjectTasks(ctx, project)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, a.ID, tasks[0].ID)
}
