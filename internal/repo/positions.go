package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"stride/internal/domain"
)

func scanPosition(scan func(dest ...any) error) (domain.Position, error) {
	var pos domain.Position
	var goalID, phaseID, actionID sql.NullString
	err := scan(&pos.UserID, &goalID, &phaseID, &actionID, &pos.UpdatedAt)
	if err == sql.ErrNoRows {
		return pos, ErrNotFound
	}
	if err != nil {
		return pos, err
	}
	if goalID.Valid {
		pos.CurrentGoalID = &goalID.String
	}
	if phaseID.Valid {
		pos.CurrentPhaseID = &phaseID.String
	}
	if actionID.Valid {
		pos.CurrentActionID = &actionID.String
	}
	return pos, nil
}

func (r Repo) GetPosition(ctx context.Context, userID string) (domain.Position, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT user_id,current_goal_id,current_phase_id,current_action_id,updated_at FROM positions WHERE user_id=?`, userID)
	return scanPosition(row.Scan)
}

func (r Repo) GetPositionTx(ctx context.Context, tx *sql.Tx, userID string) (domain.Position, error) {
	row := tx.QueryRowContext(ctx, `SELECT user_id,current_goal_id,current_phase_id,current_action_id,updated_at FROM positions WHERE user_id=?`, userID)
	return scanPosition(row.Scan)
}

// EnsurePosition creates the all-null pointer row if absent. Idempotent.
func (r Repo) EnsurePosition(ctx context.Context, tx *sql.Tx, userID string) (domain.Position, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO positions(user_id,current_goal_id,current_phase_id,current_action_id,updated_at)
VALUES (?,NULL,NULL,NULL,?)
ON CONFLICT(user_id) DO NOTHING`, userID, now); err != nil {
		return domain.Position{}, err
	}
	return r.GetPositionTx(ctx, tx, userID)
}

// PositionPatch is a merge-patch of the three pointer fields. Nil fields are
// left untouched; Clear* forces the field to NULL.
type PositionPatch struct {
	GoalID      *string
	PhaseID     *string
	ActionID    *string
	ClearAction bool
}

// UpdatePosition applies a merge-patch to the user's pointer row. Only the
// completion workflow and goal start should call this.
func (r Repo) UpdatePosition(ctx context.Context, tx *sql.Tx, userID string, patch PositionPatch, updatedAt string) error {
	var fields []string
	var args []any
	if patch.GoalID != nil {
		fields = append(fields, "current_goal_id=?")
		args = append(args, *patch.GoalID)
	}
	if patch.PhaseID != nil {
		fields = append(fields, "current_phase_id=?")
		args = append(args, *patch.PhaseID)
	}
	switch {
	case patch.ClearAction:
		fields = append(fields, "current_action_id=NULL")
	case patch.ActionID != nil:
		fields = append(fields, "current_action_id=?")
		args = append(args, *patch.ActionID)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, userID)
	query := `UPDATE positions SET ` + strings.Join(fields, ", ") + ` WHERE user_id=?`
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
