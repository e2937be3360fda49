package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"intakeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// mapConflict turns sqlite uniqueness violations into ErrConflict so callers
// can retry with corrected input.
func mapConflict(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrConflict, err.Error())
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

const clientColumns = `id,email,COALESCE(name,''),COALESCE(company,''),COALESCE(country,''),COALESCE(timezone,''),
total_projects,successful_projects,total_paid,reputation_score,is_blacklisted,COALESCE(blacklist_reason,''),created_at,updated_at`

func scanClient(row interface{ Scan(...any) error }) (domain.Client, error) {
	var c domain.Client
	err := row.Scan(&c.ID, &c.Email, &c.Name, &c.Company, &c.Country, &c.Timezone,
		&c.TotalProjects, &c.SuccessfulProjects, &c.TotalPaid, &c.ReputationScore,
		&c.IsBlacklisted, &c.BlacklistReason, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertClient(ctx context.Context, c domain.Client) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO clients(email,name,company,country,timezone,total_projects,successful_projects,total_paid,reputation_score,is_blacklisted,blacklist_reason,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.Email, nullable(c.Name), nullable(c.Company), nullable(c.Country), nullable(c.Timezone),
		c.TotalProjects, c.SuccessfulProjects, c.TotalPaid, c.ReputationScore,
		c.IsBlacklisted, nullable(c.BlacklistReason), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return 0, mapConflict(err)
	}
	return res.LastInsertId()
}

func (r Repo) GetClient(ctx context.Context, id int64) (domain.Client, error) {
	return scanClient(r.DB.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id=?`, id))
}

func (r Repo) GetClientByEmail(ctx context.Context, email string) (domain.Client, error) {
	return scanClient(r.DB.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE email=?`, email))
}

func (r Repo) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateClientProfile updates identity attributes only; counters are owned by
// RecomputeClientCounters.
func (r Repo) UpdateClientProfile(ctx context.Context, c domain.Client) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE clients SET name=?, company=?, country=?, timezone=?, reputation_score=?, updated_at=? WHERE id=?`,
		nullable(c.Name), nullable(c.Company), nullable(c.Country), nullable(c.Timezone), c.ReputationScore, c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetClientBlacklist(ctx context.Context, id int64, blacklisted bool, reason, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE clients SET is_blacklisted=?, blacklist_reason=?, updated_at=? WHERE id=?`,
		blacklisted, nullable(reason), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteClient(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM clients WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecomputeClientCounters derives the client aggregates from the projects
// table inside the caller's transaction. Recompute keeps corrective or
// replayed transitions from skewing counts.
func (r Repo) RecomputeClientCounters(ctx context.Context, tx *sql.Tx, clientID int64, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE clients SET
	total_projects = (SELECT COUNT(*) FROM projects WHERE client_id=?),
	successful_projects = (SELECT COUNT(*) FROM projects WHERE client_id=? AND current_state=?),
	total_paid = (SELECT COALESCE(SUM(final_price),0) FROM projects WHERE client_id=? AND current_state=?),
	updated_at = ?
WHERE id=?`, clientID, clientID, domain.StateClosed, clientID, domain.StateClosed, updatedAt, clientID)
	return err
}
