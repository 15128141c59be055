package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fabline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const unitColumns = `id,serial_number,COALESCE(machine_type,''),COALESCE(client_name,''),COALESCE(client_society,''),status,current_stage,current_stage_label,assignee_user_id,assignee_username,stage_started_at,COALESCE(remarks,''),created_by,created_at,updated_at,completed_at`

func scanUnit(scan func(dest ...any) error) (domain.Unit, error) {
	var u domain.Unit
	var currentStage, assigneeID, assigneeName, stageStarted, completedAt sql.NullString
	err := scan(&u.ID, &u.SerialNumber, &u.MachineType, &u.ClientName, &u.ClientSociety,
		&u.Status, &currentStage, &u.CurrentStageLabel, &assigneeID, &assigneeName,
		&stageStarted, &u.Remarks, &u.CreatedBy, &u.CreatedAt, &u.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.CurrentStage = fromNull(currentStage)
	u.AssigneeUserID = fromNull(assigneeID)
	u.AssigneeUsername = fromNull(assigneeName)
	u.StageStartedAt = fromNull(stageStarted)
	u.CompletedAt = fromNull(completedAt)
	return u, nil
}

// InsertUnit writes a full unit row. Runs on tx when given so unit
// creation and its assignment resolution share one transaction.
func (r Repo) InsertUnit(ctx context.Context, tx *sql.Tx, u domain.Unit) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO units(id,serial_number,machine_type,client_name,client_society,status,current_stage,current_stage_label,assignee_user_id,assignee_username,stage_started_at,remarks,created_by,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.SerialNumber, u.MachineType, u.ClientName, u.ClientSociety, u.Status,
		nullableStringPtr(u.CurrentStage), u.CurrentStageLabel, nullableStringPtr(u.AssigneeUserID),
		nullableStringPtr(u.AssigneeUsername), nullableStringPtr(u.StageStartedAt), u.Remarks,
		u.CreatedBy, u.CreatedAt, u.UpdatedAt, nullableStringPtr(u.CompletedAt))
	return err
}

func (r Repo) GetUnit(ctx context.Context, id string) (domain.Unit, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id=?`, id)
	return scanUnit(row.Scan)
}

func (r Repo) GetUnitTx(ctx context.Context, tx *sql.Tx, id string) (domain.Unit, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id=?`, id)
	return scanUnit(row.Scan)
}

// UnitFilters narrows ListUnits. Empty fields match everything.
type UnitFilters struct {
	Status     string
	Stage      string
	AssigneeID string
}

func (r Repo) ListUnits(ctx context.Context, f UnitFilters) ([]domain.Unit, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Stage != "" {
		clauses = append(clauses, "current_stage=?")
		args = append(args, f.Stage)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_user_id=?")
		args = append(args, f.AssigneeID)
	}
	query := `SELECT ` + unitColumns + ` FROM units`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Unit
	for rows.Next() {
		u, err := scanUnit(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// AdvanceUnit moves a unit to its next stage. The WHERE clause is the
// optimistic precondition: zero rows affected means another writer
// moved the unit first and the caller must roll back.
func (r Repo) AdvanceUnit(ctx context.Context, tx *sql.Tx, id, fromStage string, next domain.Stage, assignee domain.User, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE units
SET current_stage=?, current_stage_label=?, assignee_user_id=?, assignee_username=?, stage_started_at=?, updated_at=?
WHERE id=? AND current_stage=? AND status=?`,
		next.Name, next.Label, assignee.ID, assignee.Username, now, now,
		id, fromStage, domain.UnitStatusActive)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CompleteUnit closes a unit out after its last stage, under the same
// precondition as AdvanceUnit.
func (r Repo) CompleteUnit(ctx context.Context, tx *sql.Tx, id, fromStage, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE units
SET status=?, current_stage=NULL, current_stage_label='Completed', assignee_user_id=NULL, assignee_username=NULL, stage_started_at=NULL, completed_at=?, updated_at=?
WHERE id=? AND current_stage=? AND status=?`,
		domain.UnitStatusCompleted, now, now,
		id, fromStage, domain.UnitStatusActive)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnitUpdate carries the admin-editable fields. Pipeline state is
// never updated through here.
type UnitUpdate struct {
	SerialNumber  *string
	MachineType   *string
	ClientName    *string
	ClientSociety *string
	Remarks       *string
}

func (r Repo) UpdateUnitInfo(ctx context.Context, id string, upd UnitUpdate, now string) error {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v *string) {
		if v != nil {
			fields = append(fields, col+"=?")
			args = append(args, *v)
		}
	}
	set("serial_number", upd.SerialNumber)
	set("machine_type", upd.MachineType)
	set("client_name", upd.ClientName)
	set("client_society", upd.ClientSociety)
	set("remarks", upd.Remarks)
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, now, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE units SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteUnitTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM units WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StageCount is one row of the per-stage unit distribution. Completed
// units report under the pseudo-stage "completed".
type StageCount struct {
	Stage string
	Count int
}

func (r Repo) CountUnitsByStage(ctx context.Context) ([]StageCount, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT COALESCE(current_stage,'completed') AS stage, COUNT(*) FROM units GROUP BY stage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StageCount
	for rows.Next() {
		var sc StageCount
		if err := rows.Scan(&sc.Stage, &sc.Count); err != nil {
			return nil, err
		}
		res = append(res, sc)
	}
	return res, rows.Err()
}

func (r Repo) CountUnitsByStatus(ctx context.Context, f UnitFilters) (active, completed int, err error) {
	var (
		clauses []string
		args    []any
	)
	if f.Stage != "" {
		clauses = append(clauses, "current_stage=?")
		args = append(args, f.Stage)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_user_id=?")
		args = append(args, f.AssigneeID)
	}
	query := `SELECT status, COUNT(*) FROM units`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " GROUP BY status"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, err
		}
		switch status {
		case domain.UnitStatusActive:
			active = count
		case domain.UnitStatusCompleted:
			completed = count
		}
	}
	return active, completed, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
