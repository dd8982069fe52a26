// Package sqlite implements Store using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dshills/complianceq/internal/domain"
	"github.com/dshills/complianceq/internal/store"
)

// SQLiteStore implements store.Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (and if necessary creates) a SQLite store at dbPath.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		module_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		link TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL DEFAULT '',
		project_title TEXT NOT NULL DEFAULT '',
		organization_name TEXT NOT NULL DEFAULT '',
		assets TEXT NOT NULL DEFAULT '{}' -- JSON object: path -> URL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);

	CREATE TABLE IF NOT EXISTS answers (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		question_id TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT 'null', -- JSON value; null means skipped
		answered_by_tasks TEXT NOT NULL DEFAULT '[]', -- JSON array of task ids
		cleared INTEGER NOT NULL DEFAULT 0,
		skipped_reason TEXT NOT NULL DEFAULT '',
		unsure INTEGER NOT NULL DEFAULT 0,
		method TEXT NOT NULL DEFAULT 'web',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_answers_task ON answers(task_id);
	CREATE INDEX IF NOT EXISTS idx_answers_question ON answers(task_id, question_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Tasks

func (s *SQLiteStore) CreateTask(ctx context.Context, t *domain.TaskInfo) error {
	assetsJSON, _ := json.Marshal(t.Assets)
	projectID := ""
	if t.ProjectID != uuid.Nil {
		projectID = t.ProjectID.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, module_id, title, link, project_id, project_title, organization_name, assets)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.ModuleID, t.Title, t.Link, projectID,
		t.ProjectTitle, t.OrganizationName, string(assetsJSON))
	return err
}

func (s *SQLiteStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.TaskInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, module_id, title, link, project_id, project_title, organization_name, assets
		 FROM tasks WHERE id = ?`, id.String())
	return scanTask(row.Scan)
}

func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*domain.TaskInfo, error) {
	return s.queryTasks(ctx,
		`SELECT id, module_id, title, link, project_id, project_title, organization_name, assets
		 FROM tasks ORDER BY rowid ASC`)
}

func (s *SQLiteStore) ProjectTasks(ctx context.Context, projectID uuid.UUID) ([]*domain.TaskInfo, error) {
	return s.queryTasks(ctx,
		`SELECT id, module_id, title, link, project_id, project_title, organization_name, assets
		 FROM tasks WHERE project_id = ? ORDER BY rowid ASC`, projectID.String())
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.TaskInfo, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.TaskInfo
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(scan func(...any) error) (*domain.TaskInfo, error) {
	var t domain.TaskInfo
	var idStr, projStr, assetsJSON string
	if err := scan(&idStr, &t.ModuleID, &t.Title, &t.Link, &projStr, &t.ProjectTitle, &t.OrganizationName, &assetsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var err error
	t.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	if projStr != "" {
		t.ProjectID, err = uuid.Parse(projStr)
		if err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal([]byte(assetsJSON), &t.Assets); err != nil {
		return nil, err
	}
	return &t, nil
}

// Answers

const answerColumns = `id, task_id, question_id, value, answered_by_tasks, cleared, skipped_reason, unsure, method, created_at`

func (s *SQLiteStore) AppendAnswer(ctx context.Context, rec *domain.AnswerRecord) (bool, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, rec.TaskID.String()).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, domain.ErrNotFound
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE task_id = ? AND question_id = ? ORDER BY seq DESC LIMIT 1`,
		rec.TaskID.String(), rec.QuestionID)
	prev, err := scanAnswer(row.Scan)
	if err != nil && err != domain.ErrNotFound {
		return false, err
	}
	if prev != nil && store.SameAnswer(prev, rec) {
		return false, nil
	}

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	valueJSON, err := json.Marshal(rec.Value)
	if err != nil {
		return false, fmt.Errorf("encode answer value: %w", err)
	}
	tasksJSON, _ := json.Marshal(uuidStrings(rec.AnsweredByTasks))

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO answers (id, task_id, question_id, value, answered_by_tasks, cleared, skipped_reason, unsure, method, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.TaskID.String(), rec.QuestionID, string(valueJSON),
		string(tasksJSON), boolInt(rec.Cleared), rec.SkippedReason, boolInt(rec.Unsure),
		string(rec.Method), rec.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) CurrentAnswers(ctx context.Context, taskID uuid.UUID) ([]*domain.AnswerRecord, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, taskID.String()).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, domain.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.task_id, a.question_id, a.value, a.answered_by_tasks, a.cleared, a.skipped_reason, a.unsure, a.method, a.created_at
		FROM answers a
		INNER JOIN (
			SELECT question_id, MAX(seq) AS max_seq
			FROM answers WHERE task_id = ?
			GROUP BY question_id
		) latest ON a.question_id = latest.question_id AND a.seq = latest.max_seq
		WHERE a.task_id = ? AND a.cleared = 0
		ORDER BY a.seq ASC`,
		taskID.String(), taskID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAnswers(rows)
}

func (s *SQLiteStore) AnswerHistory(ctx context.Context, taskID uuid.UUID, questionID string) ([]*domain.AnswerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+answerColumns+` FROM answers WHERE task_id = ? AND question_id = ? ORDER BY seq ASC`,
		taskID.String(), questionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAnswers(rows)
}

func collectAnswers(rows *sql.Rows) ([]*domain.AnswerRecord, error) {
	var records []*domain.AnswerRecord
	for rows.Next() {
		rec, err := scanAnswer(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanAnswer(scan func(...any) error) (*domain.AnswerRecord, error) {
	var rec domain.AnswerRecord
	var idStr, taskStr, valueJSON, tasksJSON, methodStr, createdStr string
	var cleared, unsure int

	if err := scan(&idStr, &taskStr, &rec.QuestionID, &valueJSON, &tasksJSON, &cleared, &rec.SkippedReason, &unsure, &methodStr, &createdStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var err error
	rec.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	rec.TaskID, err = uuid.Parse(taskStr)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(valueJSON), &rec.Value); err != nil {
		return nil, err
	}
	var taskIDs []string
	if err := json.Unmarshal([]byte(tasksJSON), &taskIDs); err != nil {
		return nil, err
	}
	for _, s := range taskIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		rec.AnsweredByTasks = append(rec.AnsweredByTasks, id)
	}
	rec.Cleared = cleared != 0
	rec.Unsure = unsure != 0
	rec.Method = domain.AnswerMethod(methodStr)
	rec.CreatedAt, err = time.Parse(time.RFC3339, createdStr)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Relations

// DependentTasks returns every task that transitively answers a module
// question with one of the given tasks. Lookup failures degrade to a smaller
// invalidation set; correctness-critical callers re-evaluate from storage
// anyway.
func (s *SQLiteStore) DependentTasks(ids []uuid.UUID) []uuid.UUID {
	ctx := context.Background()
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	frontier := ids
	for len(frontier) > 0 {
		var next []uuid.UUID
		for _, id := range frontier {
			rows, err := s.db.QueryContext(ctx,
				`SELECT DISTINCT task_id FROM answers WHERE answered_by_tasks LIKE ?`,
				`%"`+id.String()+`"%`)
			if err != nil {
				continue
			}
			for rows.Next() {
				var taskStr string
				if rows.Scan(&taskStr) != nil {
					continue
				}
				taskID, err := uuid.Parse(taskStr)
				if err != nil || seen[taskID] {
					continue
				}
				seen[taskID] = true
				out = append(out, taskID)
				next = append(next, taskID)
			}
			rows.Close()
		}
		frontier = next
	}
	return out
}

// ProjectSiblings returns the other tasks in the given task's project.
func (s *SQLiteStore) ProjectSiblings(id uuid.UUID) []uuid.UUID {
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE project_id != '' AND project_id = (SELECT project_id FROM tasks WHERE id = ?) AND id != ?`,
		id.String(), id.String())
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var idStr string
		if rows.Scan(&idStr) != nil {
			continue
		}
		sib, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		out = append(out, sib)
	}
	return out
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ store.Store = (*SQLiteStore)(nil)
