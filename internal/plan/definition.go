package plan

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// PlanDefinition is the consumed plan description supplied at registration.
type PlanDefinition struct {
	// ID is the caller-supplied plan identifier.
	ID string `yaml:"id" json:"id"`

	// Query is the free-text research question driving the plan.
	Query string `yaml:"query" json:"query"`

	// Steps is the ordered sequence of step descriptors.
	Steps []StepDefinition `yaml:"steps" json:"steps"`
}

// StepDefinition describes one step in a plan definition.
type StepDefinition struct {
	// ID is the step identifier, unique within the plan.
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable label.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Action names the operation for the step executor.
	Action string `yaml:"action,omitempty" json:"action,omitempty"`

	// Params carries executor-specific parameters.
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Validate checks the definition for the fields the controller requires.
func (d *PlanDefinition) Validate() error {
	if d.ID == "" {
		return NewValidationError("plan id is required")
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		if step.ID == "" {
			return NewValidationError(fmt.Sprintf("step %d: id is required", i))
		}
		if _, dup := seen[step.ID]; dup {
			return NewValidationError(fmt.Sprintf("duplicate step id: %s", step.ID))
		}
		seen[step.ID] = struct{}{}
	}

	return nil
}

// Materialize builds the ordered step sequence from the definition.
func (d *PlanDefinition) Materialize() []Step {
	steps := make([]Step, len(d.Steps))
	for i, sd := range d.Steps {
		name := sd.Name
		if name == "" {
			name = sd.ID
		}
		steps[i] = Step{
			ID:       sd.ID,
			Sequence: i,
			Name:     name,
			Action:   sd.Action,
			Params:   sd.Params,
		}
	}
	return steps
}

// LoadDefinition loads a plan definition from a YAML file.
func LoadDefinition(path string) (*PlanDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan definition: %w", err)
	}
	defer f.Close()

	return LoadDefinitionFromReader(f)
}

// LoadDefinitionFromReader loads and validates a plan definition from YAML.
func LoadDefinitionFromReader(r io.Reader) (*PlanDefinition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan definition: %w", err)
	}

	var def PlanDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse plan definition YAML: %w", err)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return &def, nil
}
