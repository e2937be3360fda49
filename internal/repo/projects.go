package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"intakeline/internal/domain"
)

const projectColumns = `id,client_id,title,COALESCE(description,''),COALESCE(category,''),COALESCE(complexity,''),
tech_stack_json,is_familiar_stack,budget_min,budget_max,estimated_hours,quoted_price,final_price,
current_state,is_scam,is_illegal,scam_score,COALESCE(rejection_reason,''),COALESCE(requirements_doc,''),
COALESCE(spec_doc,''),COALESCE(source_channel,''),COALESCE(source_message_id,''),created_at,updated_at`

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var p domain.Project
	var techStack sql.NullString
	var budgetMin, budgetMax, estHours, quoted, final, scamScore sql.NullFloat64
	err := row.Scan(&p.ID, &p.ClientID, &p.Title, &p.Description, &p.Category, &p.Complexity,
		&techStack, &p.IsFamiliarStack, &budgetMin, &budgetMax, &estHours, &quoted, &final,
		&p.CurrentState, &p.IsScam, &p.IsIllegal, &scamScore, &p.RejectionReason, &p.RequirementsDoc,
		&p.SpecDoc, &p.SourceChannel, &p.SourceMessageID, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if techStack.Valid {
		p.TechStackJSON = &techStack.String
	}
	p.BudgetMin = floatPtr(budgetMin)
	p.BudgetMax = floatPtr(budgetMax)
	p.EstimatedHours = floatPtr(estHours)
	p.QuotedPrice = floatPtr(quoted)
	p.FinalPrice = floatPtr(final)
	p.ScamScore = floatPtr(scamScore)
	return p, nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO projects(client_id,title,description,category,complexity,tech_stack_json,is_familiar_stack,
budget_min,budget_max,estimated_hours,quoted_price,final_price,current_state,is_scam,is_illegal,scam_score,
rejection_reason,requirements_doc,spec_doc,source_channel,source_message_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ClientID, p.Title, nullable(p.Description), nullable(p.Category), nullable(p.Complexity),
		nullableStringPtr(p.TechStackJSON), p.IsFamiliarStack,
		nullableFloatPtr(p.BudgetMin), nullableFloatPtr(p.BudgetMax), nullableFloatPtr(p.EstimatedHours),
		nullableFloatPtr(p.QuotedPrice), nullableFloatPtr(p.FinalPrice), p.CurrentState,
		p.IsScam, p.IsIllegal, nullableFloatPtr(p.ScamScore), nullable(p.RejectionReason),
		nullable(p.RequirementsDoc), nullable(p.SpecDoc), nullable(p.SourceChannel),
		nullable(p.SourceMessageID), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return 0, mapConflict(err)
	}
	return res.LastInsertId()
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// GetProjectTx reads a project inside a write transaction so the cached state
// seen by a transition is the serialized one.
func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

type ProjectFilters struct {
	ClientID        int64
	State           string
	Limit           int
	CursorUpdatedAt string
	CursorID        int64
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.ClientID != 0 {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.State != "" {
		clauses = append(clauses, "current_state=?")
		args = append(args, f.State)
	}
	if f.CursorUpdatedAt != "" && f.CursorID > 0 {
		// Cursor pairs the sort key with the id so rows touched between
		// pages are not re-served.
		clauses = append(clauses, "(updated_at < ? OR (updated_at = ? AND id < ?))")
		args = append(args, f.CursorUpdatedAt, f.CursorUpdatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + projectColumns + ` FROM projects ` + where + ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListProjectsInStates returns the oldest projects sitting in any of the given
// states, for the workflow scheduler's polling pass.
func (r Repo) ListProjectsInStates(ctx context.Context, states []string, limit int) ([]domain.Project, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(states))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(states)+1)
	for _, s := range states {
		args = append(args, s)
	}
	query := fmt.Sprintf(`SELECT %s FROM projects WHERE current_state IN (%s) ORDER BY created_at ASC, id ASC`, projectColumns, placeholders)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectAnalysis writes the fields agents fill in as a project moves
// through the pipeline. Lifecycle state is owned by the transition path.
func (r Repo) UpdateProjectAnalysis(ctx context.Context, p domain.Project) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET title=?, description=?, category=?, complexity=?, tech_stack_json=?,
is_familiar_stack=?, budget_min=?, budget_max=?, estimated_hours=?, quoted_price=?, final_price=?,
requirements_doc=?, spec_doc=?, updated_at=? WHERE id=?`,
		p.Title, nullable(p.Description), nullable(p.Category), nullable(p.Complexity),
		nullableStringPtr(p.TechStackJSON), p.IsFamiliarStack,
		nullableFloatPtr(p.BudgetMin), nullableFloatPtr(p.BudgetMax), nullableFloatPtr(p.EstimatedHours),
		nullableFloatPtr(p.QuotedPrice), nullableFloatPtr(p.FinalPrice),
		nullable(p.RequirementsDoc), nullable(p.SpecDoc), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProjectStateTx updates the cached current_state pointer. Must run in the
// same transaction as the project_states append.
func (r Repo) SetProjectStateTx(ctx context.Context, tx *sql.Tx, id int64, state, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET current_state=?, updated_at=? WHERE id=?`, state, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProjectFlagsTx records scam/illegality findings alongside a transition.
func (r Repo) SetProjectFlagsTx(ctx context.Context, tx *sql.Tx, id int64, isScam, isIllegal bool, scamScore *float64, rejectionReason, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET is_scam=?, is_illegal=?, scam_score=?, rejection_reason=?, updated_at=? WHERE id=?`,
		isScam, isIllegal, nullableFloatPtr(scamScore), nullable(rejectionReason), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Dashboard aggregates the per-project reporting view, most recently updated
// first.
func (r Repo) Dashboard(ctx context.Context, limit int) ([]domain.DashboardRow, error) {
	query := `SELECT p.id, p.title, p.current_state,
	COALESCE(c.name,''), c.email, c.reputation_score,
	(SELECT COUNT(*) FROM project_messages m WHERE m.project_id = p.id),
	(SELECT COUNT(*) FROM tasks t WHERE t.project_id = p.id),
	p.updated_at
FROM projects p
JOIN clients c ON c.id = p.client_id
ORDER BY p.updated_at DESC, p.id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DashboardRow
	for rows.Next() {
		var d domain.DashboardRow
		if err := rows.Scan(&d.ProjectID, &d.Title, &d.CurrentState, &d.ClientName, &d.ClientEmail,
			&d.ReputationScore, &d.MessageCount, &d.TaskCount, &d.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
