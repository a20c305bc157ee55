package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/squadflow/squadflow/internal/common/errors"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// SQLiteRepository provides SQLite-based task and execution storage.
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// initSchema creates the database tables if they don't exist.
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		external_id TEXT DEFAULT '',
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT DEFAULT 'pending',
		priority TEXT DEFAULT 'medium',
		assigned_to TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		squad_id TEXT NOT NULL,
		workflow_state TEXT NOT NULL DEFAULT 'PENDING',
		prev_state TEXT DEFAULT '',
		progress_pct INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_executions_task_id ON task_executions(task_id);
	CREATE INDEX IF NOT EXISTS idx_executions_squad_id ON task_executions(squad_id);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// CreateTask creates a new task.
func (r *SQLiteRepository) CreateTask(ctx context.Context, task *v1.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = v1.TaskStatusPending
	}
	if task.Priority == "" {
		task.Priority = v1.PriorityMedium
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, external_id, title, description, status, priority, assigned_to, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ProjectID, task.ExternalID, task.Title, task.Description,
		string(task.Status), string(task.Priority), task.AssignedTo, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (r *SQLiteRepository) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, external_id, title, description, status, priority, assigned_to, created_at, updated_at
		FROM tasks WHERE id = ?`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("task", id)
	}
	return task, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*v1.Task, error) {
	var (
		task             v1.Task
		status, priority string
	)
	err := row.Scan(&task.ID, &task.ProjectID, &task.ExternalID, &task.Title, &task.Description,
		&status, &priority, &task.AssignedTo, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.Status = v1.TaskStatus(status)
	task.Priority = v1.TaskPriority(priority)
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return &task, nil
}

// UpdateTaskStatus updates the status of a task.
func (r *SQLiteRepository) UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.NotFound("task", id)
	}
	return nil
}

// ListTasks returns all tasks of a project.
func (r *SQLiteRepository) ListTasks(ctx context.Context, projectID string) ([]*v1.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, external_id, title, description, status, priority, assigned_to, created_at, updated_at
		FROM tasks WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var result []*v1.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// CreateExecution creates a new task execution in state PENDING.
func (r *SQLiteRepository) CreateExecution(ctx context.Context, exec *v1.TaskExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.WorkflowState == "" {
		exec.WorkflowState = v1.StatePending
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO task_executions (id, task_id, squad_id, workflow_state, prev_state, progress_pct, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.TaskID, exec.SquadID, string(exec.WorkflowState), string(exec.PrevState),
		exec.ProgressPct, exec.Error, exec.StartedAt, exec.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (r *SQLiteRepository) GetExecution(ctx context.Context, id string) (*v1.TaskExecution, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, task_id, squad_id, workflow_state, prev_state, progress_pct, error, started_at, completed_at
		FROM task_executions WHERE id = ?`, id)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("execution", id)
	}
	return exec, err
}

func scanExecution(row rowScanner) (*v1.TaskExecution, error) {
	var (
		exec        v1.TaskExecution
		state, prev string
		completedAt sql.NullTime
	)
	err := row.Scan(&exec.ID, &exec.TaskID, &exec.SquadID, &state, &prev,
		&exec.ProgressPct, &exec.Error, &exec.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	exec.WorkflowState = v1.WorkflowState(state)
	exec.PrevState = v1.WorkflowState(prev)
	exec.StartedAt = exec.StartedAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		exec.CompletedAt = &t
	}
	return &exec, nil
}

// UpdateExecution applies a workflow-engine update and returns the new row.
func (r *SQLiteRepository) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) (*v1.TaskExecution, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	set := "progress_pct = progress_pct"
	args := []interface{}{}
	if update.WorkflowState != nil {
		set += ", workflow_state = ?"
		args = append(args, string(*update.WorkflowState))
	}
	if update.PrevState != nil {
		set += ", prev_state = ?"
		args = append(args, string(*update.PrevState))
	}
	if update.ProgressPct != nil {
		set += ", progress_pct = ?"
		args = append(args, *update.ProgressPct)
	}
	if update.Error != nil {
		set += ", error = ?"
		args = append(args, *update.Error)
	}
	if update.Completed {
		set += ", completed_at = ?"
		args = append(args, time.Now().UTC())
	}
	args = append(args, id)

	result, err := tx.ExecContext(ctx, "UPDATE task_executions SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update execution: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, errors.NotFound("execution", id)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, task_id, squad_id, workflow_state, prev_state, progress_pct, error, started_at, completed_at
		FROM task_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit execution update: %w", err)
	}
	return exec, nil
}

// ListExecutionsBySquad returns all executions owned by a squad.
func (r *SQLiteRepository) ListExecutionsBySquad(ctx context.Context, squadID string) ([]*v1.TaskExecution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, task_id, squad_id, workflow_state, prev_state, progress_pct, error, started_at, completed_at
		FROM task_executions WHERE squad_id = ? ORDER BY started_at`, squadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var result []*v1.TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}
