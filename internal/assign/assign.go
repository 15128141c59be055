package assign

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fabline/internal/domain"
)

// ErrUnassignable means no active user can own the target stage. The
// transition that hit it rolls back; unit state is untouched.
var ErrUnassignable = errors.New("no eligible assignee")

// UnassignableError carries the stage that could not be staffed. It
// unwraps to ErrUnassignable.
type UnassignableError struct {
	Stage string
	Role  string
}

func (e UnassignableError) Error() string {
	return fmt.Sprintf("no active user for stage %s (role %s)", e.Stage, e.Role)
}

func (e UnassignableError) Unwrap() error {
	return ErrUnassignable
}

// Resolver picks the owner for a stage. Resolution is deterministic:
// among active users whose stage_access names the stage (or is "all"),
// exact stage matches win over "all", then the smallest user id.
type Resolver struct {
	DB *sql.DB
}

// ResolveOwner runs on the caller's transaction so the picked user is
// consistent with the rest of the transition.
func (r Resolver) ResolveOwner(ctx context.Context, tx *sql.Tx, stage domain.Stage) (domain.User, error) {
	q := `SELECT id,username,COALESCE(email,''),role,stage_access,is_active,created_at
FROM users
WHERE is_active=1 AND (stage_access=? OR stage_access='all')
ORDER BY CASE WHEN stage_access=? THEN 0 ELSE 1 END, id ASC
LIMIT 1`
	var row *sql.Row
	if tx != nil {
		row = tx.QueryRowContext(ctx, q, stage.Name, stage.Name)
	} else {
		row = r.DB.QueryRowContext(ctx, q, stage.Name, stage.Name)
	}
	var u domain.User
	var active int
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Role, &u.StageAccess, &active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.User{}, UnassignableError{Stage: stage.Name, Role: stage.RequiredRole}
	}
	if err != nil {
		return domain.User{}, err
	}
	u.IsActive = active != 0
	return u, nil
}
