package planner

import (
	"fmt"
	"os"

	"github.com/taskweave/taskweave"
	"github.com/taskweave/taskweave/internal/registry"
	"gopkg.in/yaml.v3"
)

// PlanFile is a canned plan on disk. It lets known-good workflows run
// without consulting a model; loaded plans pass the same validation gate
// as generated ones.
type PlanFile struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Steps       []PlanFileStep `yaml:"steps"`
}

// PlanFileStep is one step entry of a plan file.
type PlanFileStep struct {
	ID          string         `yaml:"id"`
	Description string         `yaml:"description"`
	Tool        string         `yaml:"tool"`
	Params      map[string]any `yaml:"params"`
	DependsOn   []string       `yaml:"depends_on"`
}

// LoadPlanFile parses a YAML plan file.
func LoadPlanFile(path string) (*PlanFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan file: %w", err)
	}
	defer f.Close()

	var pf PlanFile
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse plan YAML: %w", err)
	}
	return &pf, nil
}

// ToPlan converts the file into a validated Plan.
func (pf *PlanFile) ToPlan(reg *registry.Registry, maxSteps int) (*taskweave.Plan, error) {
	raw := make([]planStep, 0, len(pf.Steps))
	for _, s := range pf.Steps {
		raw = append(raw, planStep{
			ID:          s.ID,
			Description: s.Description,
			Tool:        s.Tool,
			Params:      s.Params,
			DependsOn:   s.DependsOn,
		})
	}
	return buildPlan(raw, reg, maxSteps)
}

// LoadAndValidatePlan loads a YAML plan file and runs it through the
// validation gate.
func LoadAndValidatePlan(path string, reg *registry.Registry, maxSteps int) (*taskweave.Plan, error) {
	pf, err := LoadPlanFile(path)
	if err != nil {
		return nil, err
	}
	return pf.ToPlan(reg, maxSteps)
}
