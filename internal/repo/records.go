package repo

import (
	"context"
	"database/sql"
	"strings"

	"stride/internal/domain"
)

// UpsertExecutionRecord writes the ledger row for (action, user, date). A
// retry for the same key overwrites the existing row instead of duplicating.
func (r Repo) UpsertExecutionRecord(ctx context.Context, tx *sql.Tx, rec domain.ExecutionRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO execution_records(id,action_id,user_id,date,completed,difficulty,energy,created_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(action_id, date, user_id) DO UPDATE SET completed=excluded.completed, difficulty=excluded.difficulty, energy=excluded.energy`,
		rec.ID, rec.ActionID, rec.UserID, rec.Date, boolToInt(rec.Completed), nullableIntPtr(rec.Difficulty), nullableIntPtr(rec.Energy), rec.CreatedAt)
	return err
}

func (r Repo) GetExecutionRecord(ctx context.Context, actionID, userID, date string) (domain.ExecutionRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,action_id,user_id,date,completed,difficulty,energy,created_at
FROM execution_records WHERE action_id=? AND user_id=? AND date=?`, actionID, userID, date)
	return scanRecord(row.Scan)
}

type RecordFilters struct {
	UserID   string
	ActionID string
	Limit    int
}

// ListExecutionRecords returns ledger rows, newest date first.
func (r Repo) ListExecutionRecords(ctx context.Context, f RecordFilters) ([]domain.ExecutionRecord, error) {
	clauses := []string{"user_id=?"}
	args := []any{f.UserID}
	if f.ActionID != "" {
		clauses = append(clauses, "action_id=?")
		args = append(args, f.ActionID)
	}
	query := `SELECT id,action_id,user_id,date,completed,difficulty,energy,created_at FROM execution_records WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY date DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func scanRecord(scan func(dest ...any) error) (domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	var completed int
	var difficulty, energy sql.NullInt64
	err := scan(&rec.ID, &rec.ActionID, &rec.UserID, &rec.Date, &completed, &difficulty, &energy, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Completed = completed != 0
	if difficulty.Valid {
		v := int(difficulty.Int64)
		rec.Difficulty = &v
	}
	if energy.Valid {
		v := int(energy.Int64)
		rec.Energy = &v
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
