package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fabline/internal/assign"
	"fabline/internal/catalog"
	"fabline/internal/config"
	"fabline/internal/domain"
	"fabline/internal/engine/access"
	"fabline/internal/ledger"
	"fabline/internal/repo"
)

var (
	// ErrAlreadyCompleted rejects transitions on terminal units.
	ErrAlreadyCompleted = errors.New("unit already completed")
	// ErrConflict means a concurrent writer won the transition.
	ErrConflict = errors.New("concurrent transition conflict")
	// ErrInvalid marks bad caller input.
	ErrInvalid = errors.New("invalid input")
)

const maxTransitionAttempts = 3

// Engine owns every state change of the pipeline. Reads go through
// Repo and Ledger; each mutation is one SQLite transaction.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Ledger  ledger.Writer
	Assign  assign.Resolver
	Catalog *catalog.Catalog
	Config  *config.Config
	Now     func() time.Time
}

// New wires an engine over an open database and a validated catalog.
func New(conn *sql.DB, cat *catalog.Catalog, cfg *config.Config) Engine {
	return Engine{
		DB:      conn,
		Repo:    repo.Repo{DB: conn},
		Ledger:  ledger.Writer{DB: conn, Now: time.Now},
		Assign:  assign.Resolver{DB: conn},
		Catalog: cat,
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() string {
	if e.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return e.Now().UTC().Format(time.RFC3339)
}

// UnitInput carries the fields an admin provides at unit creation.
type UnitInput struct {
	SerialNumber  string
	MachineType   string
	ClientName    string
	ClientSociety string
	Remarks       string
}

// CreateUnit registers a machine at the first pipeline stage with a
// resolved assignee. Admin only.
func (e Engine) CreateUnit(ctx context.Context, actor access.Actor, in UnitInput) (domain.Unit, error) {
	if !actor.IsAdmin() {
		return domain.Unit{}, access.ForbiddenError{Reason: "admin role required"}
	}
	if strings.TrimSpace(in.SerialNumber) == "" {
		return domain.Unit{}, fmt.Errorf("serial_number required: %w", ErrInvalid)
	}
	first := e.Catalog.First()
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Unit{}, err
	}
	defer tx.Rollback()

	owner, err := e.Assign.ResolveOwner(ctx, tx, first)
	if err != nil {
		return domain.Unit{}, err
	}
	u := domain.Unit{
		ID:                uuid.NewString(),
		SerialNumber:      strings.TrimSpace(in.SerialNumber),
		MachineType:       in.MachineType,
		ClientName:        in.ClientName,
		ClientSociety:     in.ClientSociety,
		Status:            domain.UnitStatusActive,
		CurrentStage:      &first.Name,
		CurrentStageLabel: first.Label,
		AssigneeUserID:    &owner.ID,
		AssigneeUsername:  &owner.Username,
		StageStartedAt:    &now,
		Remarks:           in.Remarks,
		CreatedBy:         actor.UserID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.Repo.InsertUnit(ctx, tx, u); err != nil {
		return domain.Unit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Unit{}, err
	}
	return u, nil
}

// TransitionResult reports where a completed stage left the unit.
type TransitionResult struct {
	UnitID          string
	FromStage       string
	FromStageLabel  string
	NewStage        *string
	NewStageLabel   string
	NewAssigneeID   *string
	NewAssigneeName *string
	Completed       bool
	Entry           domain.HistoryEntry
}

// CompleteStage records the unit's current stage as done and either
// advances it or closes it out after the last stage. The ledger write
// and the state change commit or roll back together. A precondition
// miss retries against fresh state; if the stage changed underneath
// the caller the call fails with ErrConflict.
func (e Engine) CompleteStage(ctx context.Context, unitID string, actor access.Actor, remarks string) (TransitionResult, error) {
	var expected string
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		u, err := e.Repo.GetUnit(ctx, unitID)
		if err != nil {
			return TransitionResult{}, err
		}
		if u.Status == domain.UnitStatusCompleted {
			return TransitionResult{}, ErrAlreadyCompleted
		}
		if u.CurrentStage == nil {
			return TransitionResult{}, fmt.Errorf("active unit %s has no current stage: %w", u.ID, catalog.ErrInconsistent)
		}
		cur := *u.CurrentStage
		if attempt == 0 {
			expected = cur
		} else if cur != expected {
			return TransitionResult{}, ErrConflict
		}
		if !access.CanMutate(actor, u) {
			return TransitionResult{}, access.ForbiddenError{Reason: fmt.Sprintf("user %s cannot complete stage %s of unit %s", actor.UserID, cur, u.ID)}
		}
		stage, ok := e.Catalog.ByName(cur)
		if !ok {
			return TransitionResult{}, fmt.Errorf("unit %s references unknown stage %s: %w", u.ID, cur, catalog.ErrInconsistent)
		}
		res, retry, err := e.applyTransition(ctx, u, stage, actor, remarks)
		if err != nil {
			return TransitionResult{}, err
		}
		if retry {
			continue
		}
		return res, nil
	}
	return TransitionResult{}, ErrConflict
}

// applyTransition runs one attempt. retry=true means the conditional
// update matched nothing and the caller should re-read.
func (e Engine) applyTransition(ctx context.Context, u domain.Unit, stage domain.Stage, actor access.Actor, remarks string) (TransitionResult, bool, error) {
	now := e.now()
	started := now
	if u.StageStartedAt != nil {
		started = *u.StageStartedAt
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, false, err
	}
	defer tx.Rollback()

	entry, err := e.Ledger.Append(ctx, tx, domain.HistoryEntry{
		UnitID:           u.ID,
		UnitSerial:       u.SerialNumber,
		StageName:        stage.Name,
		StageLabel:       stage.Label,
		AssigneeUserID:   actor.UserID,
		AssigneeUsername: actor.Username,
		StartedAt:        started,
		CompletedAt:      now,
		Remarks:          remarks,
	})
	if err != nil {
		return TransitionResult{}, false, err
	}

	res := TransitionResult{
		UnitID:         u.ID,
		FromStage:      stage.Name,
		FromStageLabel: stage.Label,
		Entry:          entry,
	}
	if next, ok := e.Catalog.Next(stage.Name); ok {
		owner, err := e.Assign.ResolveOwner(ctx, tx, next)
		if err != nil {
			return TransitionResult{}, false, err
		}
		n, err := e.Repo.AdvanceUnit(ctx, tx, u.ID, stage.Name, next, owner, now)
		if err != nil {
			return TransitionResult{}, false, err
		}
		if n == 0 {
			return TransitionResult{}, true, nil
		}
		name := next.Name
		res.NewStage = &name
		res.NewStageLabel = next.Label
		res.NewAssigneeID = &owner.ID
		res.NewAssigneeName = &owner.Username
	} else {
		n, err := e.Repo.CompleteUnit(ctx, tx, u.ID, stage.Name, now)
		if err != nil {
			return TransitionResult{}, false, err
		}
		if n == 0 {
			return TransitionResult{}, true, nil
		}
		res.Completed = true
		res.NewStageLabel = "Completed"
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, false, err
	}
	return res, false, nil
}

// UnitDetail bundles a unit with its ledger and stage definition.
type UnitDetail struct {
	Unit      domain.Unit
	History   []domain.HistoryEntry
	StageInfo *domain.Stage
}

// GetUnitDetail returns a unit with history, gated by CanView.
func (e Engine) GetUnitDetail(ctx context.Context, actor access.Actor, unitID string) (UnitDetail, error) {
	u, err := e.Repo.GetUnit(ctx, unitID)
	if err != nil {
		return UnitDetail{}, err
	}
	if !access.CanView(actor, u) {
		return UnitDetail{}, access.ForbiddenError{Reason: fmt.Sprintf("user %s cannot view unit %s", actor.UserID, u.ID)}
	}
	history, err := e.Ledger.ListForUnit(ctx, u.ID)
	if err != nil {
		return UnitDetail{}, err
	}
	detail := UnitDetail{Unit: u, History: history}
	if u.CurrentStage != nil {
		if stage, ok := e.Catalog.ByName(*u.CurrentStage); ok {
			detail.StageInfo = &stage
		}
	}
	return detail, nil
}

// ListUnits returns units visible to the actor, optionally filtered.
func (e Engine) ListUnits(ctx context.Context, actor access.Actor, f repo.UnitFilters) ([]domain.Unit, error) {
	units, err := e.Repo.ListUnits(ctx, f)
	if err != nil {
		return nil, err
	}
	if actor.IsAdmin() {
		return units, nil
	}
	visible := units[:0]
	for _, u := range units {
		if access.CanView(actor, u) {
			visible = append(visible, u)
		}
	}
	return visible, nil
}

// MyTasks returns the active units the actor is responsible for.
// Admins get every active unit.
func (e Engine) MyTasks(ctx context.Context, actor access.Actor) ([]domain.Unit, error) {
	f := repo.UnitFilters{Status: domain.UnitStatusActive}
	if !actor.IsAdmin() {
		f.AssigneeID = actor.UserID
	}
	return e.Repo.ListUnits(ctx, f)
}

// UpdateUnit edits non-pipeline fields. Admin only.
func (e Engine) UpdateUnit(ctx context.Context, actor access.Actor, unitID string, upd repo.UnitUpdate) (domain.Unit, error) {
	if !actor.IsAdmin() {
		return domain.Unit{}, access.ForbiddenError{Reason: "admin role required"}
	}
	if err := e.Repo.UpdateUnitInfo(ctx, unitID, upd, e.now()); err != nil {
		return domain.Unit{}, err
	}
	return e.Repo.GetUnit(ctx, unitID)
}

// DeleteUnit removes a unit and its history in one transaction.
// Admin only. Returns the number of history entries removed.
func (e Engine) DeleteUnit(ctx context.Context, actor access.Actor, unitID string) (int64, error) {
	if !actor.IsAdmin() {
		return 0, access.ForbiddenError{Reason: "admin role required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetUnitTx(ctx, tx, unitID); err != nil {
		return 0, err
	}
	removed, err := e.Ledger.DeleteForUnitTx(ctx, tx, unitID)
	if err != nil {
		return 0, err
	}
	if err := e.Repo.DeleteUnitTx(ctx, tx, unitID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return removed, nil
}

// Dashboard summarizes unit counts in the actor's scope.
type Dashboard struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

func (e Engine) GetDashboard(ctx context.Context, actor access.Actor) (Dashboard, error) {
	if actor.IsAdmin() {
		active, completed, err := e.Repo.CountUnitsByStatus(ctx, repo.UnitFilters{})
		if err != nil {
			return Dashboard{}, err
		}
		return Dashboard{Pending: active, Completed: completed, Total: active + completed}, nil
	}
	units, err := e.Repo.ListUnits(ctx, repo.UnitFilters{})
	if err != nil {
		return Dashboard{}, err
	}
	var d Dashboard
	for _, u := range units {
		if !access.CanView(actor, u) {
			continue
		}
		d.Total++
		if u.Status == domain.UnitStatusCompleted {
			d.Completed++
		} else {
			d.Pending++
		}
	}
	return d, nil
}

// StageStat is one row of the per-stage distribution.
type StageStat struct {
	Stage      string  `json:"stage"`
	Label      string  `json:"label"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Statistics is the admin production overview.
type Statistics struct {
	TotalUnits     int         `json:"total_units"`
	ActiveUnits    int         `json:"active_units"`
	CompletedUnits int         `json:"completed_units"`
	Distribution   []StageStat `json:"stage_distribution"`
}

// GetStatistics returns the per-stage unit distribution. Admin only.
func (e Engine) GetStatistics(ctx context.Context, actor access.Actor) (Statistics, error) {
	if !actor.IsAdmin() {
		return Statistics{}, access.ForbiddenError{Reason: "admin role required"}
	}
	counts, err := e.Repo.CountUnitsByStage(ctx)
	if err != nil {
		return Statistics{}, err
	}
	labels := e.Catalog.Labels()
	labels[domain.UnitStatusCompleted] = "Completed"
	var stats Statistics
	for _, c := range counts {
		stats.TotalUnits += c.Count
		if c.Stage == domain.UnitStatusCompleted {
			stats.CompletedUnits += c.Count
		}
	}
	stats.ActiveUnits = stats.TotalUnits - stats.CompletedUnits
	for _, c := range counts {
		label, ok := labels[c.Stage]
		if !ok {
			label = c.Stage
		}
		pct := 0.0
		if stats.TotalUnits > 0 {
			pct = float64(c.Count) / float64(stats.TotalUnits) * 100
		}
		stats.Distribution = append(stats.Distribution, StageStat{
			Stage:      c.Stage,
			Label:      label,
			Count:      c.Count,
			Percentage: pct,
		})
	}
	return stats, nil
}

// RecentActivities returns recent ledger entries: the whole plant for
// admins, the actor's own work otherwise.
func (e Engine) RecentActivities(ctx context.Context, actor access.Actor, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	if actor.IsAdmin() {
		return e.Ledger.Recent(ctx, limit)
	}
	return e.Ledger.ListByAssignee(ctx, actor.UserID, limit)
}

// UserInput carries the fields an admin provides when adding a user.
type UserInput struct {
	ID       string
	Username string
	Email    string
	Role     string
}

// CreateUser adds a user, deriving stage_access from the role. Admin
// only.
func (e Engine) CreateUser(ctx context.Context, actor access.Actor, in UserInput) (domain.User, error) {
	if !actor.IsAdmin() {
		return domain.User{}, access.ForbiddenError{Reason: "admin role required"}
	}
	if strings.TrimSpace(in.Username) == "" {
		return domain.User{}, fmt.Errorf("username required: %w", ErrInvalid)
	}
	stageAccess, err := e.stageAccessForRole(in.Role)
	if err != nil {
		return domain.User{}, err
	}
	u := domain.User{
		ID:          strings.TrimSpace(in.ID),
		Username:    strings.TrimSpace(in.Username),
		Email:       in.Email,
		Role:        in.Role,
		StageAccess: stageAccess,
		IsActive:    true,
		CreatedAt:   e.now(),
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if err := e.Repo.InsertUser(ctx, nil, u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// UserPatch carries admin-editable user fields. A role change always
// re-derives stage_access.
type UserPatch struct {
	Email    *string
	Role     *string
	IsActive *bool
}

func (e Engine) UpdateUser(ctx context.Context, actor access.Actor, userID string, patch UserPatch) (domain.User, error) {
	if !actor.IsAdmin() {
		return domain.User{}, access.ForbiddenError{Reason: "admin role required"}
	}
	upd := repo.UserUpdate{Email: patch.Email, IsActive: patch.IsActive}
	if patch.Role != nil {
		stageAccess, err := e.stageAccessForRole(*patch.Role)
		if err != nil {
			return domain.User{}, err
		}
		upd.Role = patch.Role
		upd.StageAccess = &stageAccess
	}
	if err := e.Repo.UpdateUser(ctx, userID, upd); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, userID)
}

func (e Engine) stageAccessForRole(role string) (string, error) {
	if role == access.RoleAdmin {
		return access.StageAccessAll, nil
	}
	for _, s := range e.Catalog.List() {
		if s.RequiredRole == role {
			return s.Name, nil
		}
	}
	return "", fmt.Errorf("role %q matches no pipeline stage: %w", role, ErrInvalid)
}

// CreateAPIKey mints a key for a user and stores only its hash. The
// plaintext is returned once. Admins may mint for anyone; users only
// for themselves.
func (e Engine) CreateAPIKey(ctx context.Context, actor access.Actor, userID, name string) (string, domain.APIKey, error) {
	if userID == "" {
		userID = actor.UserID
	}
	if !actor.IsAdmin() && userID != actor.UserID {
		return "", domain.APIKey{}, access.ForbiddenError{Reason: "admin role required to mint keys for other users"}
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return "", domain.APIKey{}, err
	}
	plaintext := "fab_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plaintext, key, nil
}

// ListAPIKeys returns stored keys (hashes, never plaintext). Admins may
// list anyone's; users only their own.
func (e Engine) ListAPIKeys(ctx context.Context, actor access.Actor, userID string) ([]domain.APIKey, error) {
	if !actor.IsAdmin() {
		userID = actor.UserID
	}
	return e.Repo.ListAPIKeys(ctx, userID)
}

// DeleteAPIKey revokes a key. Admins may revoke any key; users only
// keys they own.
func (e Engine) DeleteAPIKey(ctx context.Context, actor access.Actor, keyID string) error {
	k, err := e.Repo.GetAPIKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("api key %s: %w", keyID, repo.ErrNotFound)
		}
		return err
	}
	if !actor.IsAdmin() && k.UserID != actor.UserID {
		return access.ForbiddenError{Reason: "cannot revoke another user's key"}
	}
	return e.Repo.DeleteAPIKey(ctx, keyID)
}
