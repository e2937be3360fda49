package repo

import (
	"context"
	"database/sql"

	"intakeline/internal/domain"
)

const taskColumns = `id,project_id,title,COALESCE(description,''),estimated_hours,priority,status,created_at,updated_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var estHours sql.NullFloat64
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &estHours, &t.Priority, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.EstimatedHours = floatPtr(estHours)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(project_id,title,description,estimated_hours,priority,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		t.ProjectID, t.Title, nullable(t.Description), nullableFloatPtr(t.EstimatedHours), t.Priority, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) ListTasks(ctx context.Context, projectID int64) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id=? ORDER BY priority DESC, created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTaskStatus(ctx context.Context, id int64, status, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID int64) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
