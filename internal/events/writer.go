package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit events inside the caller's transaction.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry is one audit log line. GoalID and EntityID may be empty and are
// stored as NULL.
type Entry struct {
	Type       string
	GoalID     string
	EntityKind string
	EntityID   string
	UserID     string
	Payload    map[string]any
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	body := "{}"
	if len(e.Payload) > 0 {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		body = string(data)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,goal_id,entity_kind,entity_id,user_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), e.Type, orNull(e.GoalID), e.EntityKind, orNull(e.EntityID), e.UserID, body)
	return err
}

func orNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
