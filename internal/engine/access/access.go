package access

import (
	"fmt"

	"fabline/internal/domain"
)

const (
	RoleAdmin      = "admin"
	StageAccessAll = "all"
)

// Actor is the authenticated identity a request acts as.
type Actor struct {
	UserID      string
	Username    string
	Role        string
	StageAccess string
}

// IsAdmin reports whether the actor has cross-stage rights.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin || a.StageAccess == StageAccessAll
}

// ForbiddenError indicates the actor may not touch the unit.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("access denied: %s", e.Reason)
}

// CanView reports whether the actor may read the unit. Non-admins see
// units in their accessible stage or assigned to them.
func CanView(a Actor, u domain.Unit) bool {
	if a.IsAdmin() {
		return true
	}
	if u.CurrentStage != nil && a.StageAccess == *u.CurrentStage {
		return true
	}
	return u.AssigneeUserID != nil && *u.AssigneeUserID == a.UserID
}

// CanMutate reports whether the actor may complete the unit's current
// stage. Non-admins must both hold access to that stage and be the
// unit's assignee.
func CanMutate(a Actor, u domain.Unit) bool {
	if a.IsAdmin() {
		return true
	}
	if u.CurrentStage == nil || a.StageAccess != *u.CurrentStage {
		return false
	}
	return u.AssigneeUserID != nil && *u.AssigneeUserID == a.UserID
}
