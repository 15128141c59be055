package catalog

import (
	"errors"
	"testing"

	"fabline/internal/domain"
)

func validStages() []domain.Stage {
	return []domain.Stage{
		{Name: "material_collection", Label: "Collecte", Order: 1, RequiredRole: "supervisor"},
		{Name: "assembly", Label: "Assemblage", Order: 2, DependsOn: "material_collection", RequiredRole: "assembly_tech"},
		{Name: "testing", Label: "Tests", Order: 3, DependsOn: "assembly", RequiredRole: "testing_tech"},
	}
}

func TestNewValidCatalog(t *testing.T) {
	c, err := New(validStages())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	if c.First().Name != "material_collection" {
		t.Fatalf("first = %s", c.First().Name)
	}
}

func TestNewSortsByOrder(t *testing.T) {
	stages := validStages()
	stages[0], stages[2] = stages[2], stages[0]
	c, err := New(stages)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.First().Name != "material_collection" {
		t.Fatalf("first = %s, want material_collection", c.First().Name)
	}
}

func TestNewRejectsInvalid(t *testing.T) {
	cases := map[string]func([]domain.Stage) []domain.Stage{
		"empty": func(s []domain.Stage) []domain.Stage {
			return nil
		},
		"order gap": func(s []domain.Stage) []domain.Stage {
			s[2].Order = 5
			return s
		},
		"duplicate name": func(s []domain.Stage) []domain.Stage {
			s[2].Name = "assembly"
			s[2].DependsOn = "assembly"
			return s
		},
		"first stage with dependency": func(s []domain.Stage) []domain.Stage {
			s[0].DependsOn = "testing"
			return s
		},
		"wrong dependency": func(s []domain.Stage) []domain.Stage {
			s[2].DependsOn = "material_collection"
			return s
		},
		"empty name": func(s []domain.Stage) []domain.Stage {
			s[1].Name = ""
			return s
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(mutate(validStages()))
			if !errors.Is(err, ErrInconsistent) {
				t.Fatalf("expected ErrInconsistent, got %v", err)
			}
		})
	}
}

func TestNextAndByName(t *testing.T) {
	c, err := New(validStages())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	next, ok := c.Next("material_collection")
	if !ok || next.Name != "assembly" {
		t.Fatalf("next = %v, %v", next.Name, ok)
	}
	if _, ok := c.Next("testing"); ok {
		t.Fatalf("last stage must have no next")
	}
	if _, ok := c.Next("unknown"); ok {
		t.Fatalf("unknown stage must have no next")
	}
	s, ok := c.ByName("assembly")
	if !ok || s.Order != 2 {
		t.Fatalf("by name = %+v, %v", s, ok)
	}
	if _, ok := c.ByName("unknown"); ok {
		t.Fatalf("unknown stage must not resolve")
	}
}

func TestListReturnsCopy(t *testing.T) {
	c, err := New(validStages())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	list := c.List()
	list[0].Name = "mutated"
	if c.First().Name != "material_collection" {
		t.Fatalf("List must not expose internal state")
	}
}
