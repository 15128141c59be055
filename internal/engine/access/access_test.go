package access

import (
	"testing"

	"fabline/internal/domain"
)

func stagePtr(s string) *string { return &s }

func TestIsAdmin(t *testing.T) {
	if !(Actor{Role: RoleAdmin}).IsAdmin() {
		t.Fatalf("admin role must be admin")
	}
	if !(Actor{StageAccess: StageAccessAll}).IsAdmin() {
		t.Fatalf("all access must be admin")
	}
	if (Actor{Role: "assembly_tech", StageAccess: "assembly"}).IsAdmin() {
		t.Fatalf("stage tech must not be admin")
	}
}

func TestCanView(t *testing.T) {
	unit := domain.Unit{
		CurrentStage:   stagePtr("assembly"),
		AssigneeUserID: stagePtr("asm-1"),
	}
	cases := []struct {
		name  string
		actor Actor
		unit  domain.Unit
		want  bool
	}{
		{"admin sees everything", Actor{Role: RoleAdmin}, unit, true},
		{"stage match", Actor{UserID: "asm-2", StageAccess: "assembly"}, unit, true},
		{"assignee without stage access", Actor{UserID: "asm-1", StageAccess: "testing"}, unit, true},
		{"no relation", Actor{UserID: "del-1", StageAccess: "delivery"}, unit, false},
		{"completed unit hidden from techs", Actor{UserID: "asm-2", StageAccess: "assembly"}, domain.Unit{Status: domain.UnitStatusCompleted}, false},
		{"completed unit visible to admin", Actor{Role: RoleAdmin}, domain.Unit{Status: domain.UnitStatusCompleted}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanView(tc.actor, tc.unit); got != tc.want {
				t.Fatalf("CanView = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCanMutate(t *testing.T) {
	unit := domain.Unit{
		CurrentStage:   stagePtr("assembly"),
		AssigneeUserID: stagePtr("asm-1"),
	}
	cases := []struct {
		name  string
		actor Actor
		want  bool
	}{
		{"admin", Actor{Role: RoleAdmin}, true},
		{"assignee with stage access", Actor{UserID: "asm-1", StageAccess: "assembly"}, true},
		{"stage access but not assignee", Actor{UserID: "asm-2", StageAccess: "assembly"}, false},
		{"assignee without stage access", Actor{UserID: "asm-1", StageAccess: "testing"}, false},
		{"unrelated", Actor{UserID: "del-1", StageAccess: "delivery"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanMutate(tc.actor, unit); got != tc.want {
				t.Fatalf("CanMutate = %v, want %v", got, tc.want)
			}
		})
	}
	if CanMutate(Actor{UserID: "asm-1", StageAccess: "assembly"}, domain.Unit{AssigneeUserID: stagePtr("asm-1")}) {
		t.Fatalf("unit without a current stage must not be mutable by techs")
	}
}
