package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"stride/internal/config"
	"stride/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const (
	goalColumns   = `id,owner,category,start_date,end_date,status,created_at`
	phaseColumns  = `id,goal_id,order_index,name,description,created_at`
	actionColumns = `id,phase_id,order_index,title,definition,estimated_time,completed_at,created_at`
)

func (r Repo) InsertGoal(ctx context.Context, tx *sql.Tx, g domain.Goal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO goals(id,owner,category,start_date,end_date,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		g.ID, g.Owner, g.Category, g.StartDate, nullableStringPtr(g.EndDate), g.Status, g.CreatedAt)
	return err
}

func scanGoal(scan func(dest ...any) error) (domain.Goal, error) {
	var g domain.Goal
	var endDate sql.NullString
	err := scan(&g.ID, &g.Owner, &g.Category, &g.StartDate, &endDate, &g.Status, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if endDate.Valid {
		g.EndDate = &endDate.String
	}
	return g, nil
}

func (r Repo) GetGoal(ctx context.Context, id string) (domain.Goal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id=?`, id)
	return scanGoal(row.Scan)
}

type GoalFilters struct {
	Owner  string
	Status string
}

func (r Repo) ListGoals(ctx context.Context, f GoalFilters) ([]domain.Goal, error) {
	var clauses []string
	var args []any
	if f.Owner != "" {
		clauses = append(clauses, "owner=?")
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+goalColumns+` FROM goals `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		g, err := scanGoal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) UpdateGoalStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE goals SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteGoal(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM goals WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertPhase(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(id,goal_id,order_index,name,description,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.GoalID, p.OrderIndex, p.Name, nullable(p.Description), p.CreatedAt)
	return err
}

func scanPhase(scan func(dest ...any) error) (domain.Phase, error) {
	var p domain.Phase
	var desc sql.NullString
	err := scan(&p.ID, &p.GoalID, &p.OrderIndex, &p.Name, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, nil
}

func (r Repo) GetPhase(ctx context.Context, id string) (domain.Phase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE id=?`, id)
	return scanPhase(row.Scan)
}

func (r Repo) GetPhaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Phase, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE id=?`, id)
	return scanPhase(row.Scan)
}

// ListPhases returns the goal's phases in traversal order.
func (r Repo) ListPhases(ctx context.Context, goalID string) ([]domain.Phase, error) {
	return r.listPhases(ctx, r.DB.QueryContext, goalID)
}

func (r Repo) ListPhasesTx(ctx context.Context, tx *sql.Tx, goalID string) ([]domain.Phase, error) {
	return r.listPhases(ctx, tx.QueryContext, goalID)
}

type queryFn func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) listPhases(ctx context.Context, query queryFn, goalID string) ([]domain.Phase, error) {
	rows, err := query(ctx, `SELECT `+phaseColumns+` FROM phases WHERE goal_id=? ORDER BY order_index ASC`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		p, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// NextPhaseOrder returns the next free order_index within a goal.
func (r Repo) NextPhaseOrder(ctx context.Context, tx *sql.Tx, goalID string) (int, error) {
	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(order_index) FROM phases WHERE goal_id=?`, goalID).Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actions(id,phase_id,order_index,title,definition,estimated_time,completed_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.PhaseID, a.OrderIndex, a.Title, a.Definition, nullableIntPtr(a.EstimatedTime), nullableStringPtr(a.CompletedAt), a.CreatedAt)
	return err
}

func scanAction(scan func(dest ...any) error) (domain.Action, error) {
	var a domain.Action
	var estimated sql.NullInt64
	var completedAt sql.NullString
	err := scan(&a.ID, &a.PhaseID, &a.OrderIndex, &a.Title, &a.Definition, &estimated, &completedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if estimated.Valid {
		v := int(estimated.Int64)
		a.EstimatedTime = &v
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	return a, nil
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Action, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

// ListActions returns the phase's actions in traversal order.
func (r Repo) ListActions(ctx context.Context, phaseID string) ([]domain.Action, error) {
	return r.listActions(ctx, r.DB.QueryContext, phaseID)
}

func (r Repo) ListActionsTx(ctx context.Context, tx *sql.Tx, phaseID string) ([]domain.Action, error) {
	return r.listActions(ctx, tx.QueryContext, phaseID)
}

func (r Repo) listActions(ctx context.Context, query queryFn, phaseID string) ([]domain.Action, error) {
	rows, err := query(ctx, `SELECT `+actionColumns+` FROM actions WHERE phase_id=? ORDER BY order_index ASC`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// NextActionOrder returns the next free order_index within a phase.
func (r Repo) NextActionOrder(ctx context.Context, tx *sql.Tx, phaseID string) (int, error) {
	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(order_index) FROM actions WHERE phase_id=?`, phaseID).Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

// MarkActionCompleted is the serialization point for completions: the
// conditional write succeeds for exactly one caller per action. Returns
// false when the row was already completed.
func (r Repo) MarkActionCompleted(ctx context.Context, tx *sql.Tx, actionID, date string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE actions SET completed_at=? WHERE id=? AND completed_at IS NULL`, date, actionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) UpsertTrackerConfig(ctx context.Context, trackerID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Tracker.ID = trackerID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO tracker_configs(tracker_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(tracker_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, trackerID, string(payload), now, now)
	return err
}

func (r Repo) GetTrackerConfig(ctx context.Context, trackerID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM tracker_configs WHERE tracker_id=?`, trackerID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Tracker.ID == "" {
		cfg.Tracker.ID = trackerID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, goalID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if goalID != "" {
		clauses = append(clauses, "goal_id=?")
		args = append(args, goalID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,goal_id,entity_kind,entity_id,user_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var goal, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &goal, &e.EntityKind, &entity, &e.UserID, &payload); err != nil {
			return nil, err
		}
		if goal.Valid {
			e.GoalID = goal.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
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

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
