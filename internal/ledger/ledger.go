package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"fabline/internal/domain"
)

// Writer appends to and reads the unit history ledger. Appends are
// insert-only and run inside the caller's transaction so a failed
// transition never leaves a stray entry.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append inserts one history entry. ID, Status and CreatedAt are
// filled when empty.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e domain.HistoryEntry) (domain.HistoryEntry, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = domain.UnitStatusCompleted
	}
	if e.CreatedAt == "" {
		e.CreatedAt = w.Now().UTC().Format(time.RFC3339)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO unit_history(id,unit_id,unit_serial,stage_name,stage_label,status,assignee_user_id,assignee_username,started_at,completed_at,remarks,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.UnitID, e.UnitSerial, e.StageName, e.StageLabel, e.Status,
		e.AssigneeUserID, e.AssigneeUsername, e.StartedAt, e.CompletedAt, e.Remarks, e.CreatedAt)
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	return e, nil
}

const historyColumns = `id,unit_id,COALESCE(unit_serial,''),stage_name,stage_label,status,assignee_user_id,assignee_username,started_at,completed_at,COALESCE(remarks,''),created_at`

func scanEntries(rows *sql.Rows) ([]domain.HistoryEntry, error) {
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		if err := rows.Scan(&e.ID, &e.UnitID, &e.UnitSerial, &e.StageName, &e.StageLabel, &e.Status,
			&e.AssigneeUserID, &e.AssigneeUsername, &e.StartedAt, &e.CompletedAt, &e.Remarks, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListForUnit returns a unit's entries in completion order. Timestamps
// are second resolution, so rowid breaks ties by insertion order.
func (w Writer) ListForUnit(ctx context.Context, unitID string) ([]domain.HistoryEntry, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT `+historyColumns+` FROM unit_history WHERE unit_id=? ORDER BY completed_at ASC, rowid ASC`, unitID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// ListByAssignee returns the most recent entries written by one user.
func (w Writer) ListByAssignee(ctx context.Context, userID string, limit int) ([]domain.HistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM unit_history WHERE assignee_user_id=? ORDER BY completed_at DESC, rowid DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// Recent returns the most recent entries across all units.
func (w Writer) Recent(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM unit_history ORDER BY completed_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// CountForUnit returns how many entries a unit has.
func (w Writer) CountForUnit(ctx context.Context, unitID string) (int, error) {
	var n int
	err := w.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM unit_history WHERE unit_id=?`, unitID).Scan(&n)
	return n, err
}

// DeleteForUnitTx removes a unit's entries inside the caller's
// transaction. Only the admin unit-delete cascade uses this.
func (w Writer) DeleteForUnitTx(ctx context.Context, tx *sql.Tx, unitID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM unit_history WHERE unit_id=?`, unitID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
