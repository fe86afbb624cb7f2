package plan

import (
	"time"

	"github.com/atlas-research/atlas/internal/types"
)

// InterventionKind identifies the closed set of operator interventions.
type InterventionKind string

const (
	InterventionSkipStep   InterventionKind = "skip_step"
	InterventionAddStep    InterventionKind = "add_step"
	InterventionRemoveStep InterventionKind = "remove_step"
	InterventionRetryStep  InterventionKind = "retry_step"
)

// String returns the string representation of the intervention kind.
func (k InterventionKind) String() string {
	return string(k)
}

// InterventionStatus tracks whether an intervention took effect.
type InterventionStatus string

const (
	// InterventionApplied indicates the structural change was applied.
	InterventionApplied InterventionStatus = "applied"

	// InterventionPending is reserved for kinds requiring confirmation.
	InterventionPending InterventionStatus = "pending"

	// InterventionRejected indicates the change was refused.
	InterventionRejected InterventionStatus = "rejected"
)

// Intervention is an immutable audit record of one operator-issued change.
// The log is append-only per plan, ordered by call arrival.
type Intervention struct {
	// ID is the unique intervention identifier.
	ID types.ID `json:"id"`

	// PlanID is the plan the intervention targets.
	PlanID string `json:"plan_id"`

	// Kind is the intervention type.
	Kind InterventionKind `json:"kind"`

	// Status records whether the change was applied.
	Status InterventionStatus `json:"status"`

	// User is the acting operator identifier.
	User string `json:"user"`

	// Timestamp is when the intervention was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Payload carries kind-specific detail, e.g. the skipped step id or the
	// inserted step plus its insertion point.
	Payload map[string]any `json:"payload,omitempty"`
}

// newIntervention builds an applied intervention record for the given plan.
func newIntervention(planID string, kind InterventionKind, user string, payload map[string]any) Intervention {
	return Intervention{
		ID:        types.NewID(),
		PlanID:    planID,
		Kind:      kind,
		Status:    InterventionApplied,
		User:      user,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// clone returns an independent copy of the intervention record.
func (iv *Intervention) clone() Intervention {
	cp := *iv
	if iv.Payload != nil {
		cp.Payload = make(map[string]any, len(iv.Payload))
		for k, v := range iv.Payload {
			cp.Payload[k] = v
		}
	}
	return cp
}
