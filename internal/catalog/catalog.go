package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"fabline/internal/domain"
	"fabline/internal/repo"
)

// ErrInconsistent marks a stage catalog that violates the pipeline
// invariants. The service refuses transitions until the catalog is
// repaired via config import.
var ErrInconsistent = errors.New("stage catalog inconsistent")

// Catalog is the immutable, validated pipeline definition. Build one
// at bootstrap and share it; it is safe for concurrent reads.
type Catalog struct {
	stages []domain.Stage
	byName map[string]int
}

// New validates stage definitions and builds a catalog. Orders must
// run contiguously from 1 and each stage must depend on exactly its
// predecessor.
func New(stages []domain.Stage) (*Catalog, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: no stages defined", ErrInconsistent)
	}
	sorted := make([]domain.Stage, len(stages))
	copy(sorted, stages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	byName := make(map[string]int, len(sorted))
	for i, s := range sorted {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: stage at order %d has empty name", ErrInconsistent, s.Order)
		}
		if _, ok := byName[s.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate stage %s", ErrInconsistent, s.Name)
		}
		if s.Order != i+1 {
			return nil, fmt.Errorf("%w: order gap at %s (order %d, expected %d)", ErrInconsistent, s.Name, s.Order, i+1)
		}
		if i == 0 {
			if s.DependsOn != "" {
				return nil, fmt.Errorf("%w: first stage %s declares depends_on %s", ErrInconsistent, s.Name, s.DependsOn)
			}
		} else if s.DependsOn != sorted[i-1].Name {
			return nil, fmt.Errorf("%w: stage %s depends on %q, expected %s", ErrInconsistent, s.Name, s.DependsOn, sorted[i-1].Name)
		}
		byName[s.Name] = i
	}
	return &Catalog{stages: sorted, byName: byName}, nil
}

// Load reads the catalog from the DB and validates it.
func Load(ctx context.Context, r repo.Repo) (*Catalog, error) {
	stages, err := r.ListStages(ctx)
	if err != nil {
		return nil, err
	}
	return New(stages)
}

// List returns the stages in pipeline order.
func (c *Catalog) List() []domain.Stage {
	out := make([]domain.Stage, len(c.stages))
	copy(out, c.stages)
	return out
}

// Len returns the number of stages.
func (c *Catalog) Len() int {
	return len(c.stages)
}

// First returns the entry stage of the pipeline.
func (c *Catalog) First() domain.Stage {
	return c.stages[0]
}

// ByName looks a stage up by name.
func (c *Catalog) ByName(name string) (domain.Stage, bool) {
	i, ok := c.byName[name]
	if !ok {
		return domain.Stage{}, false
	}
	return c.stages[i], true
}

// Next returns the stage after the named one, or false when the named
// stage is the last (or unknown).
func (c *Catalog) Next(name string) (domain.Stage, bool) {
	i, ok := c.byName[name]
	if !ok || i == len(c.stages)-1 {
		return domain.Stage{}, false
	}
	return c.stages[i+1], true
}

// Labels returns a name to label map for display.
func (c *Catalog) Labels() map[string]string {
	out := make(map[string]string, len(c.stages))
	for _, s := range c.stages {
		out[s.Name] = s.Label
	}
	return out
}
