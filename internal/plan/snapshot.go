package plan

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atlas-research/atlas/internal/types"
)

// Snapshot is a fully-materialized, point-in-time copy of a plan's entire
// observable state. It owns independent copies of every collection, so later
// mutation of the live plan cannot corrupt a snapshot already handed out.
// Callers can serialize or transmit it without further synchronization.
type Snapshot struct {
	// ID is the unique snapshot identifier.
	ID types.ID `json:"id" yaml:"id"`

	// PlanID is the snapshotted plan.
	PlanID string `json:"plan_id" yaml:"plan_id"`

	// Query is the plan's research question.
	Query string `json:"query" yaml:"query"`

	// Status is the orchestration state at capture time.
	Status PlanStatus `json:"status" yaml:"status"`

	// CurrentIndex is the execution pointer at capture time.
	CurrentIndex int `json:"current_index" yaml:"current_index"`

	// TotalSteps is the live step count at capture time.
	TotalSteps int `json:"total_steps" yaml:"total_steps"`

	// Steps is a copy of the step sequence.
	Steps []Step `json:"steps" yaml:"steps"`

	// Completed lists the completed step identifiers.
	Completed []string `json:"completed" yaml:"completed"`

	// Skipped lists the skipped step identifiers.
	Skipped []string `json:"skipped" yaml:"skipped"`

	// Checkpoints is the full checkpoint history in capture order.
	Checkpoints []Checkpoint `json:"checkpoints" yaml:"checkpoints"`

	// Interventions is the full intervention log in arrival order.
	Interventions []Intervention `json:"interventions" yaml:"interventions"`

	// CapturedAt is when the snapshot was assembled.
	CapturedAt time.Time `json:"captured_at" yaml:"captured_at"`
}

// GetSnapshot assembles a snapshot of the plan's complete observable state.
// Fails with a plan not found error for unknown identifiers.
func (c *Controller) GetSnapshot(planID string) (*Snapshot, error) {
	e, err := c.registry.entry(planID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	snap := &Snapshot{
		ID:           types.NewID(),
		PlanID:       e.plan.ID,
		Query:        e.plan.Query,
		Status:       e.plan.Status,
		CurrentIndex: e.plan.CurrentIndex,
		TotalSteps:   e.plan.TotalSteps(),
		Steps:        copySteps(e.plan.Steps),
		Completed:    sortedKeys(e.plan.Completed),
		Skipped:      sortedKeys(e.plan.Skipped),
		CapturedAt:   time.Now(),
	}

	snap.Checkpoints = make([]Checkpoint, 0, len(e.checkpoints))
	for i := range e.checkpoints {
		snap.Checkpoints = append(snap.Checkpoints, e.checkpoints[i].clone())
	}

	snap.Interventions = make([]Intervention, 0, len(e.interventions))
	for i := range e.interventions {
		snap.Interventions = append(snap.Interventions, e.interventions[i].clone())
	}

	return snap, nil
}

// ToJSON serializes the snapshot as indented JSON.
func (s *Snapshot) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot to JSON: %w", err)
	}
	return data, nil
}

// ToYAML serializes the snapshot as YAML.
func (s *Snapshot) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot to YAML: %w", err)
	}
	return data, nil
}

// Summary returns a one-glance description for logs and CLI output.
func (s *Snapshot) Summary() string {
	return fmt.Sprintf(
		"Plan %s (%s): step %d/%d, %d completed, %d skipped, %d checkpoints, %d interventions (captured %s)",
		s.PlanID,
		s.Status,
		s.CurrentIndex,
		s.TotalSteps,
		len(s.Completed),
		len(s.Skipped),
		len(s.Checkpoints),
		len(s.Interventions),
		s.CapturedAt.Format(time.RFC3339),
	)
}

func copySteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	for i := range out {
		if steps[i].Params != nil {
			params := make(map[string]any, len(steps[i].Params))
			for k, v := range steps[i].Params {
				params[k] = v
			}
			out[i].Params = params
		}
	}
	return out
}
