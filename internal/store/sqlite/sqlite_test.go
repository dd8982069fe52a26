package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/complianceq/internal/domain"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(projectID uuid.UUID) *domain.TaskInfo {
	return &domain.TaskInfo{
		ID:               uuid.New(),
		ModuleID:         "mod",
		Title:            "Task",
		Link:             "/tasks/x",
		ProjectID:        projectID,
		OrganizationName: "ACME",
		Assets:           map[string]string{"logo.png": "https://cdn.example.com/logo.png"},
	}
}

func record(taskID uuid.UUID, questionID string, value any) *domain.AnswerRecord {
	return &domain.AnswerRecord{TaskID: taskID, QuestionID: questionID, Value: value, Method: domain.AnswerMethodWeb}
}

func TestTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	task := newTask(uuid.New())
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task, got)

	_, err = s.GetTask(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// A duplicate id violates the primary key.
	assert.Error(t, s.CreateTask(ctx, task))
}

func TestListAndProjectTasks(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project := uuid.New()
	a := newTask(project)
	b := newTask(uuid.Nil)
	require.NoError(t, s.CreateTask(ctx, a))
	require.NoError(t, s.CreateTask(ctx, b))

	all, err := s.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)

	scoped, err := s.ProjectTasks(ctx, project)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, a.ID, scoped[0].ID)
}

func TestAppendAnswerDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	task := newTask(uuid.Nil)
	require.NoError(t, s.CreateTask(ctx, task))

	changed, err := s.AppendAnswer(ctx, record(task.ID, "q1", "first"))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.AppendAnswer(ctx, record(task.ID, "q1", "first"))
	require.NoError(t, err)
	assert.False(t, changed, "resubmitting the same state wrote a record")

	history, err := s.AnswerHistory(ctx, task.ID, "q1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestAppendAnswerRequiresTask(t *testing.T) {
	s := newStore(t)
	_, err := s.AppendAnswer(context.Background(), record(uuid.New(), "q1", "x"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAnswerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	task := newTask(uuid.Nil)
	require.NoError(t, s.CreateTask(ctx, task))

	sub := uuid.New()
	rec := record(task.ID, "q1", nil)
	rec.AnsweredByTasks = []uuid.UUID{sub}
	rec.SkippedReason = "dont-know"
	rec.Unsure = true
	_, err := s.AppendAnswer(ctx, rec)
	require.NoError(t, err)

	current, err := s.CurrentAnswers(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, current, 1)
	got := current[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, task.ID, got.TaskID)
	assert.Nil(t, got.Value)
	assert.Equal(t, []uuid.UUID{sub}, got.AnsweredByTasks)
	assert.Equal(t, "dont-know", got.SkippedReason)
	assert.True(t, got.Unsure)
	assert.Equal(t, domain.AnswerMethodWeb, got.Method)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCurrentAnswersTracksLatest(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	task := newTask(uuid.Nil)
	require.NoError(t, s.CreateTask(ctx, task))

	_, err := s.AppendAnswer(ctx, record(task.ID, "q1", "first"))
	require.NoError(t, err)
	_, err = s.AppendAnswer(ctx, record(task.ID, "q1", "second"))
	require.NoError(t, err)
	_, err = s.AppendAnswer(ctx, record(task.ID, "q2", "other"))
	require.NoError(t, err)

	current, err := s.CurrentAnswers(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, current, 2)
	assert.Equal(t, "second", current[0].Value)
	assert.Equal(t, "other", current[1].Value)

	history, err := s.AnswerHistory(ctx, task.ID, "q1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Value)
	assert.Equal(t, "second", history[1].Value)
}

func TestClearedAnswerLeavesCurrent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
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

	history, err := s.AnswerHistory(ctx, task.ID, "q1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCurrentAnswersUnknownTask(t *testing.T) {
	s := newStore(t)
	_, err := s.CurrentAnswers(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDependentTasksTransitive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	leaf := newTask(uuid.Nil)
	mid := newTask(uuid.Nil)
	top := newTask(uuid.Nil)
	for _, task := range []*domain.TaskInfo{leaf, mid, top} {
		require.NoError(t, s.CreateTask(ctx, task))
	}

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
	assert.Empty(t, s.DependentTasks([]uuid.UUID{top.ID}))
}

func TestProjectSiblings(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	project := uuid.New()
	a := newTask(project)
	b := newTask(project)
	lone := newTask(uuid.Nil)
	for _, task := range []*domain.TaskInfo{a, b, lone} {
		require.NoError(t, s.CreateTask(ctx, task))
	}

	assert.Equal(t, []uuid.UUID{b.ID}, s.ProjectSiblings(a.ID))
	assert.Empty(t, s.ProjectSiblings(lone.ID))
}
