package repo

import (
	"context"
	"database/sql"

	"intakeline/internal/domain"
)

const instructionColumns = `id,agent_name,COALESCE(instruction_text,''),COALESCE(system_prompt,''),version,is_active,created_at,updated_at`

func scanInstruction(row interface{ Scan(...any) error }) (domain.AgentInstruction, error) {
	var a domain.AgentInstruction
	err := row.Scan(&a.ID, &a.AgentName, &a.InstructionText, &a.SystemPrompt, &a.Version, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// InsertInstruction creates a new agent definition at version 1. Duplicate
// agent names are a Conflict, never a silent upsert.
func (r Repo) InsertInstruction(ctx context.Context, a domain.AgentInstruction) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO agent_instructions(agent_name,instruction_text,system_prompt,version,is_active,created_at,updated_at)
VALUES (?,?,?,1,?,?,?)`,
		a.AgentName, nullable(a.InstructionText), nullable(a.SystemPrompt), a.IsActive, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return 0, mapConflict(err)
	}
	return res.LastInsertId()
}

func (r Repo) GetInstruction(ctx context.Context, agentName string) (domain.AgentInstruction, error) {
	return scanInstruction(r.DB.QueryRowContext(ctx, `SELECT `+instructionColumns+` FROM agent_instructions WHERE agent_name=?`, agentName))
}

func (r Repo) ListInstructions(ctx context.Context) ([]domain.AgentInstruction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+instructionColumns+` FROM agent_instructions ORDER BY agent_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentInstruction
	for rows.Next() {
		a, err := scanInstruction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateInstruction replaces prompt text and bumps the version by exactly one
// in a single statement, so text and version can never diverge.
func (r Repo) UpdateInstruction(ctx context.Context, agentName, instructionText, systemPrompt, updatedAt string) (domain.AgentInstruction, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE agent_instructions
SET instruction_text=?, system_prompt=?, version=version+1, updated_at=?
WHERE agent_name=?`,
		nullable(instructionText), nullable(systemPrompt), updatedAt, agentName)
	if err != nil {
		return domain.AgentInstruction{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.AgentInstruction{}, ErrNotFound
	}
	return r.GetInstruction(ctx, agentName)
}

// ToggleInstruction flips the active flag without touching version or text.
func (r Repo) ToggleInstruction(ctx context.Context, agentName string, isActive bool, updatedAt string) (domain.AgentInstruction, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE agent_instructions SET is_active=?, updated_at=? WHERE agent_name=?`,
		isActive, updatedAt, agentName)
	if err != nil {
		return domain.AgentInstruction{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.AgentInstruction{}, ErrNotFound
	}
	return r.GetInstruction(ctx, agentName)
}
