package repo

import (
	"context"
	"database/sql"

	"intakeline/internal/domain"
)

// The three append-only logs share a read contract: scoped by foreign key,
// ordered by insertion time with the row id breaking ties.

func orderClause(desc bool) string {
	if desc {
		return " ORDER BY created_at DESC, id DESC"
	}
	return " ORDER BY created_at ASC, id ASC"
}

const transitionColumns = `id,project_id,from_state,to_state,changed_by,COALESCE(reason,''),COALESCE(metadata_json,''),created_at`

func scanTransition(row interface{ Scan(...any) error }) (domain.StateTransition, error) {
	var t domain.StateTransition
	var from sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &from, &t.ToState, &t.ChangedBy, &t.Reason, &t.MetadataJSON, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if from.Valid {
		t.FromState = &from.String
	}
	return t, nil
}

func (r Repo) ListTransitions(ctx context.Context, projectID int64, desc bool, limit int) ([]domain.StateTransition, error) {
	query := `SELECT ` + transitionColumns + ` FROM project_states WHERE project_id=?` + orderClause(desc)
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StateTransition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LatestTransition returns the most recent history row for a project.
func (r Repo) LatestTransition(ctx context.Context, projectID int64) (domain.StateTransition, error) {
	return scanTransition(r.DB.QueryRowContext(ctx,
		`SELECT `+transitionColumns+` FROM project_states WHERE project_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, projectID))
}

const messageColumns = `id,project_id,direction,COALESCE(sender_email,''),COALESCE(recipient_email,''),COALESCE(subject,''),
COALESCE(body,''),COALESCE(body_html,''),COALESCE(message_id,''),in_reply_to,is_processed,COALESCE(metadata_json,''),created_at`

func scanMessage(row interface{ Scan(...any) error }) (domain.Message, error) {
	var m domain.Message
	var inReplyTo sql.NullInt64
	err := row.Scan(&m.ID, &m.ProjectID, &m.Direction, &m.SenderEmail, &m.RecipientEmail, &m.Subject,
		&m.Body, &m.BodyHTML, &m.MessageID, &inReplyTo, &m.IsProcessed, &m.MetadataJSON, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if inReplyTo.Valid {
		v := inReplyTo.Int64
		m.InReplyTo = &v
	}
	return m, nil
}

func (r Repo) InsertMessage(ctx context.Context, m domain.Message) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO project_messages(project_id,direction,sender_email,recipient_email,subject,body,body_html,message_id,in_reply_to,is_processed,metadata_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ProjectID, m.Direction, nullable(m.SenderEmail), nullable(m.RecipientEmail), nullable(m.Subject),
		nullable(m.Body), nullable(m.BodyHTML), nullable(m.MessageID), nullableIntPtr(m.InReplyTo),
		m.IsProcessed, nullable(m.MetadataJSON), m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetMessage(ctx context.Context, id int64) (domain.Message, error) {
	return scanMessage(r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM project_messages WHERE id=?`, id))
}

func (r Repo) ListMessages(ctx context.Context, projectID int64, desc bool, limit int) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM project_messages WHERE project_id=?` + orderClause(desc)
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MarkMessageProcessed flips the processing cursor. The only mutation the
// message log exposes; content stays immutable.
func (r Repo) MarkMessageProcessed(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE project_messages SET is_processed=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const agentLogColumns = `id,agent_name,project_id,action,COALESCE(input_json,''),COALESCE(output_json,''),success,
COALESCE(error_message,''),execution_time_ms,tokens_used,cost,created_at`

func scanAgentLog(row interface{ Scan(...any) error }) (domain.AgentLog, error) {
	var l domain.AgentLog
	var projectID, execMS, tokens sql.NullInt64
	var cost sql.NullFloat64
	err := row.Scan(&l.ID, &l.AgentName, &projectID, &l.Action, &l.InputJSON, &l.OutputJSON, &l.Success,
		&l.ErrorMessage, &execMS, &tokens, &cost, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if projectID.Valid {
		v := projectID.Int64
		l.ProjectID = &v
	}
	if execMS.Valid {
		v := execMS.Int64
		l.ExecutionTimeMS = &v
	}
	if tokens.Valid {
		v := tokens.Int64
		l.TokensUsed = &v
	}
	l.Cost = floatPtr(cost)
	return l, nil
}

func (r Repo) InsertAgentLog(ctx context.Context, l domain.AgentLog) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO agent_logs(agent_name,project_id,action,input_json,output_json,success,error_message,execution_time_ms,tokens_used,cost,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		l.AgentName, nullableIntPtr(l.ProjectID), l.Action, nullable(l.InputJSON), nullable(l.OutputJSON),
		l.Success, nullable(l.ErrorMessage), nullableIntPtr(l.ExecutionTimeMS), nullableIntPtr(l.TokensUsed),
		nullableFloatPtr(l.Cost), l.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type AgentLogFilters struct {
	ProjectID int64
	AgentName string
	Desc      bool
	Limit     int
}

func (r Repo) ListAgentLogs(ctx context.Context, f AgentLogFilters) ([]domain.AgentLog, error) {
	query := `SELECT ` + agentLogColumns + ` FROM agent_logs`
	var clauses []string
	var args []any
	if f.ProjectID != 0 {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.AgentName != "" {
		clauses = append(clauses, "agent_name=?")
		args = append(args, f.AgentName)
	}
	if len(clauses) > 0 {
		query += " WHERE " + clauses[0]
		for _, c := range clauses[1:] {
			query += " AND " + c
		}
	}
	query += orderClause(f.Desc)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentLog
	for rows.Next() {
		l, err := scanAgentLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// AgentCosts aggregates call counts, failures, tokens and spend per agent.
func (r Repo) AgentCosts(ctx context.Context) ([]domain.AgentCost, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_name, COUNT(*),
	SUM(CASE WHEN success=0 THEN 1 ELSE 0 END),
	COALESCE(SUM(tokens_used),0), COALESCE(SUM(cost),0)
FROM agent_logs GROUP BY agent_name ORDER BY agent_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentCost
	for rows.Next() {
		var c domain.AgentCost
		if err := rows.Scan(&c.AgentName, &c.Calls, &c.Failures, &c.TokensUsed, &c.TotalCost); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
