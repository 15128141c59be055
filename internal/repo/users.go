package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fabline/internal/domain"
)

const userColumns = `id,username,COALESCE(email,''),role,stage_access,is_active,created_at`

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var u domain.User
	var active int
	err := scan(&u.ID, &u.Username, &u.Email, &u.Role, &u.StageAccess, &active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.IsActive = active != 0
	return u, nil
}

// InsertUser stores a user. Runs on tx when given.
func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	if u.ID == "" {
		return errors.New("id required")
	}
	if u.Username == "" {
		return errors.New("username required")
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	active := 0
	if u.IsActive {
		active = 1
	}
	_, err := exec(ctx, `INSERT INTO users(id,username,email,role,stage_access,is_active,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.Username, u.Email, u.Role, u.StageAccess, active, u.CreatedAt)
	return err
}

// EnsureUser inserts a user unless the id already exists. Bootstrap
// uses this to seed the admin without clobbering edits.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	active := 0
	if u.IsActive {
		active = 1
	}
	_, err := exec(ctx, `INSERT INTO users(id,username,email,role,stage_access,is_active,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`,
		u.ID, u.Username, u.Email, u.Role, u.StageAccess, active, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id)
	return scanUser(row.Scan)
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// ListUsersByStage returns users whose stage_access names the given
// stage. Users with access "all" are not included; they belong to no
// single stage roster.
func (r Repo) ListUsersByStage(ctx context.Context, stage string) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE stage_access=? ORDER BY id ASC`, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// UserUpdate carries admin-editable user fields. Role and StageAccess
// travel together so a role change always re-derives access.
type UserUpdate struct {
	Email       *string
	Role        *string
	StageAccess *string
	IsActive    *bool
}

func (r Repo) UpdateUser(ctx context.Context, id string, upd UserUpdate) error {
	var (
		fields []string
		args   []any
	)
	if upd.Email != nil {
		fields = append(fields, "email=?")
		args = append(args, *upd.Email)
	}
	if upd.Role != nil {
		fields = append(fields, "role=?")
		args = append(args, *upd.Role)
	}
	if upd.StageAccess != nil {
		fields = append(fields, "stage_access=?")
		args = append(args, *upd.StageAccess)
	}
	if upd.IsActive != nil {
		active := 0
		if *upd.IsActive {
			active = 1
		}
		fields = append(fields, "is_active=?")
		args = append(args, active)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE users SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
