package domain

const (
	UnitStatusActive    = "active"
	UnitStatusCompleted = "completed"
)

// Stage is one step of the fixed pipeline. Orders form a contiguous
// sequence starting at 1; DependsOn names the stage at order-1 and is
// empty for the first stage.
type Stage struct {
	Name                   string `json:"name"`
	Label                  string `json:"label"`
	Order                  int    `json:"order"`
	DependsOn              string `json:"depends_on,omitempty"`
	RequiredRole           string `json:"required_role"`
	EstimatedDurationHours int    `json:"estimated_duration_hours"`
}

// Unit is a tracked machine moving through the pipeline. CurrentStage
// is nil exactly when Status is completed.
type Unit struct {
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

// HistoryEntry records one completed stage for one unit. Entries are
// write-once; Status is always "completed".
type HistoryEntry struct {
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
	CreatedAt        string `json:"created_at" format:"date-time"`
}

// User feeds assignment resolution and access checks. StageAccess is
// "all" or a single stage name.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role"`
	StageAccess string `json:"stage_access"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
