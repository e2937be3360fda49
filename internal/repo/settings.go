package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"intakeline/internal/domain"
)

const settingColumns = `id,setting_key,setting_value,value_type,COALESCE(description,''),updated_at`

func scanSetting(row interface{ Scan(...any) error }) (domain.Setting, error) {
	var s domain.Setting
	err := row.Scan(&s.ID, &s.Key, &s.Value, &s.ValueType, &s.Description, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) GetSetting(ctx context.Context, key string) (domain.Setting, error) {
	return scanSetting(r.DB.QueryRowContext(ctx, `SELECT `+settingColumns+` FROM system_settings WHERE setting_key=?`, key))
}

func (r Repo) ListSettings(ctx context.Context) ([]domain.Setting, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+settingColumns+` FROM system_settings ORDER BY setting_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Setting
	for rows.Next() {
		s, err := scanSetting(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpsertSetting inserts or replaces a setting by unique key. No history is
// retained; AgentInstruction carries versions, settings do not.
func (r Repo) UpsertSetting(ctx context.Context, key, value, valueType, description, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO system_settings(setting_key,setting_value,value_type,description,updated_at)
VALUES (?,?,?,?,?)
ON CONFLICT(setting_key) DO UPDATE SET setting_value=excluded.setting_value, value_type=excluded.value_type,
	description=COALESCE(NULLIF(excluded.description,''),system_settings.description), updated_at=excluded.updated_at`,
		key, value, valueType, nullable(description), updatedAt)
	return err
}

// SettingInt decodes an integer-typed setting.
func (r Repo) SettingInt(ctx context.Context, key string) (int64, error) {
	s, err := r.GetSetting(ctx, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	return v, nil
}

// SettingFloat decodes a float-typed setting.
func (r Repo) SettingFloat(ctx context.Context, key string) (float64, error) {
	s, err := r.GetSetting(ctx, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	return v, nil
}

// SettingBool decodes a boolean-typed setting.
func (r Repo) SettingBool(ctx context.Context, key string) (bool, error) {
	s, err := r.GetSetting(ctx, key)
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(s.Value)
	if err != nil {
		return false, fmt.Errorf("setting %s: %w", key, err)
	}
	return v, nil
}
