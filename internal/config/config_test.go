package config

import (
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	stages := cfg.Stages()
	if len(stages) != 5 {
		t.Fatalf("stages = %d, want 5", len(stages))
	}
	if stages[0].Name != "material_collection" || stages[4].Name != "installation" {
		t.Fatalf("unexpected pipeline: %s .. %s", stages[0].Name, stages[4].Name)
	}
	for i := 1; i < len(stages); i++ {
		if stages[i].DependsOn != stages[i-1].Name {
			t.Fatalf("stage %s depends on %q, want %s", stages[i].Name, stages[i].DependsOn, stages[i-1].Name)
		}
	}
}

func TestValidateRejectsBadPipelines(t *testing.T) {
	cases := map[string]func(*Config){
		"no stages": func(c *Config) {
			c.Pipeline.Stages = nil
		},
		"order gap": func(c *Config) {
			c.Pipeline.Stages[2].Order = 7
		},
		"duplicate name": func(c *Config) {
			c.Pipeline.Stages[1].Name = c.Pipeline.Stages[0].Name
		},
		"first stage depends": func(c *Config) {
			c.Pipeline.Stages[0].DependsOn = "assembly"
		},
		"wrong dependency": func(c *Config) {
			c.Pipeline.Stages[2].DependsOn = "material_collection"
		},
		"missing role": func(c *Config) {
			c.Pipeline.Stages[1].RequiredRole = ""
		},
		"missing admin": func(c *Config) {
			c.Admin.UserID = ""
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestFromYAMLValidates(t *testing.T) {
	if _, err := FromYAML([]byte("pipeline: {stages: []}")); err == nil {
		t.Fatalf("expected error for empty pipeline")
	}
	if _, err := FromYAML([]byte(":::")); err == nil {
		t.Fatalf("expected error for bad yaml")
	}
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("default template must parse: %v", err)
	}
	if cfg.Admin.UserID != "admin" {
		t.Fatalf("admin = %s", cfg.Admin.UserID)
	}
}

func TestStageAccessForRole(t *testing.T) {
	cfg := Default()
	got, err := cfg.StageAccessForRole(RoleAdmin)
	if err != nil || got != StageAccessAll {
		t.Fatalf("admin access = %s, %v", got, err)
	}
	got, err = cfg.StageAccessForRole("assembly_tech")
	if err != nil || got != "assembly" {
		t.Fatalf("assembly access = %s, %v", got, err)
	}
	if _, err := cfg.StageAccessForRole("janitor"); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}
