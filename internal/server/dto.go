package server

import (
	"fabline/internal/domain"
	"fabline/internal/engine"
)

// Request payloads

type CreateUnitRequest struct {
	SerialNumber  string  `json:"serial_number" example:"SN-1042"`
	MachineType   *string `json:"machine_type,omitempty" example:"X200"`
	ClientName    *string `json:"client_name,omitempty"`
	ClientSociety *string `json:"client_society,omitempty"`
	Remarks       *string `json:"remarks,omitempty"`
}

type UpdateUnitRequest struct {
	SerialNumber  *string `json:"serial_number,omitempty"`
	MachineType   *string `json:"machine_type,omitempty"`
	ClientName    *string `json:"client_name,omitempty"`
	ClientSociety *string `json:"client_society,omitempty"`
	Remarks       *string `json:"remarks,omitempty"`
}

type CompleteStageRequest struct {
	Remarks string `json:"remarks,omitempty"`
}

type CreateUserRequest struct {
	ID       *string `json:"id,omitempty"`
	Username string  `json:"username"`
	Email    *string `json:"email,omitempty"`
	Role     string  `json:"role" example:"assembly_tech"`
}

type UpdateUserRequest struct {
	Email    *string `json:"email,omitempty"`
	Role     *string `json:"role,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type StageResponse struct {
	Name                   string `json:"name"`
	Label                  string `json:"label"`
	Order                  int    `json:"order"`
	DependsOn              string `json:"depends_on,omitempty"`
	RequiredRole           string `json:"required_role"`
	EstimatedDurationHours int    `json:"estimated_duration_hours"`
}

type UnitResponse struct {
	ID                string  `json:"id"`
	SerialNumber      string  `json:"serial_number"`
	MachineType       string  `json:"machine_type,omitempty"`
	ClientName        string  `json:"client_name,omitempty"`
	ClientSociety     string  `json:"client_society,omitempty"`
	Status            string  `json:"status" enum:"active,completed"`
	CurrentStage      *string `json:"current_stage,omitempty"`
	CurrentStageLabel string  `json:"current_stage_label"`
	AssigneeUserID    *string `json:"assignee_user_id,omitempty"`
	AssigneeUsername  *string `json:"assignee_username,omitempty"`
	StageStartedAt    *string `json:"stage_started_at,omitempty" format:"date-time"`
	Remarks           string  `json:"remarks,omitempty"`
	CreatedBy         string  `json:"created_by"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
	CompletedAt       *string `json:"completed_at,omitempty" format:"date-time"`
}

type HistoryEntryResponse struct {
	ID               string `json:"id"`
	UnitID           string `json:"unit_id"`
	UnitSerial       string `json:"unit_serial,omitempty"`
	StageName        string `json:"stage_name"`
	StageLabel       string `json:"stage_label"`
	Status           string `json:"status"`
	AssigneeUserID   string `json:"assignee_user_id"`
	AssigneeUsername string `json:"assignee_username"`
	StartedAt        string `json:"started_at" format:"date-time"`
	CompletedAt      string `json:"completed_at" format:"date-time"`
	Remarks          string `json:"remarks,omitempty"`
}

type UnitDetailResponse struct {
	Unit      UnitResponse           `json:"unit"`
	History   []HistoryEntryResponse `json:"history"`
	StageInfo *StageResponse         `json:"current_stage_info,omitempty"`
}

type TransitionResponse struct {
	UnitID          string               `json:"unit_id"`
	FromStage       string               `json:"from_stage"`
	FromStageLabel  string               `json:"from_stage_label"`
	NewStage        *string              `json:"new_stage,omitempty"`
	NewStageLabel   string               `json:"new_stage_label"`
	NewAssigneeID   *string              `json:"new_assignee_id,omitempty"`
	NewAssigneeName *string              `json:"new_assignee_username,omitempty"`
	Completed       bool                 `json:"completed"`
	HistoryEntry    HistoryEntryResponse `json:"history_entry"`
}

type UserResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role"`
	StageAccess string `json:"stage_access"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DeleteUnitResponse struct {
	DeletedHistoryEntries int64 `json:"deleted_history_entries"`
}

type MeResponse struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	StageAccess string `json:"stage_access"`
	IsAdmin     bool   `json:"is_admin"`
	Source      string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Converters

func stageResponse(s domain.Stage) StageResponse {
	return StageResponse{
		Name:                   s.Name,
		Label:                  s.Label,
		Order:                  s.Order,
		DependsOn:              s.DependsOn,
		RequiredRole:           s.RequiredRole,
		EstimatedDurationHours: s.EstimatedDurationHours,
	}
}

func mapStages(items []domain.Stage) []StageResponse {
	res := make([]StageResponse, 0, len(items))
	for _, s := range items {
		res = append(res, stageResponse(s))
	}
	return res
}

func unitResponse(u domain.Unit) UnitResponse {
	return UnitResponse{
		ID:                u.ID,
		SerialNumber:      u.SerialNumber,
		MachineType:       u.MachineType,
		ClientName:        u.ClientName,
		ClientSociety:     u.ClientSociety,
		Status:            u.Status,
		CurrentStage:      u.CurrentStage,
		CurrentStageLabel: u.CurrentStageLabel,
		AssigneeUserID:    u.AssigneeUserID,
		AssigneeUsername:  u.AssigneeUsername,
		StageStartedAt:    u.StageStartedAt,
		Remarks:           u.Remarks,
		CreatedBy:         u.CreatedBy,
		CreatedAt:         u.CreatedAt,
		UpdatedAt:         u.UpdatedAt,
		CompletedAt:       u.CompletedAt,
	}
}

func mapUnits(items []domain.Unit) []UnitResponse {
	res := make([]UnitResponse, 0, len(items))
	for _, u := range items {
		res = append(res, unitResponse(u))
	}
	return res
}

func historyResponse(e domain.HistoryEntry) HistoryEntryResponse {
	return HistoryEntryResponse{
		ID:               e.ID,
		UnitID:           e.UnitID,
		UnitSerial:       e.UnitSerial,
		StageName:        e.StageName,
		StageLabel:       e.StageLabel,
		Status:           e.Status,
		AssigneeUserID:   e.AssigneeUserID,
		AssigneeUsername: e.AssigneeUsername,
		StartedAt:        e.StartedAt,
		CompletedAt:      e.CompletedAt,
		Remarks:          e.Remarks,
	}
}

func mapHistory(items []domain.HistoryEntry) []HistoryEntryResponse {
	res := make([]HistoryEntryResponse, 0, len(items))
	for _, e := range items {
		res = append(res, historyResponse(e))
	}
	return res
}

func transitionResponse(t engine.TransitionResult) TransitionResponse {
	return TransitionResponse{
		UnitID:          t.UnitID,
		FromStage:       t.FromStage,
		FromStageLabel:  t.FromStageLabel,
		NewStage:        t.NewStage,
		NewStageLabel:   t.NewStageLabel,
		NewAssigneeID:   t.NewAssigneeID,
		NewAssigneeName: t.NewAssigneeName,
		Completed:       t.Completed,
		HistoryEntry:    historyResponse(t.Entry),
	}
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		Role:        u.Role,
		StageAccess: u.StageAccess,
		IsActive:    u.IsActive,
		CreatedAt:   u.CreatedAt,
	}
}

func mapUsers(items []domain.User) []UserResponse {
	res := make([]UserResponse, 0, len(items))
	for _, u := range items {
		res = append(res, userResponse(u))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
