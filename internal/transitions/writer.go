package transitions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends project_states rows. It only writes inside a caller-owned
// transaction so the history append and the current_state cache update commit
// or roll back together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Metadata is the opaque payload stored with a transition. The core never
// interprets its contents.
type Metadata map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, projectID int64, fromState *string, toState, changedBy, reason string, metadata Metadata) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if metadata == nil {
		metadata = Metadata{}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal transition metadata: %w", err)
	}
	var from any
	if fromState != nil && *fromState != "" {
		from = *fromState
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO project_states(project_id,from_state,to_state,changed_by,reason,metadata_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		projectID, from, toState, changedBy, nullable(reason), string(data), ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
