package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/atlas-research/atlas/internal/types"
)

// Checkpoint is an immutable record of a plan's progress indices, captured
// automatically when execution starts and after every step boundary.
// Checkpoints are only ever appended; restoring rewinds the plan's mutable
// indices and sets, never the checkpoint history itself.
type Checkpoint struct {
	// ID is the unique checkpoint identifier.
	ID types.ID `json:"id"`

	// PlanID is the plan this checkpoint belongs to.
	PlanID string `json:"plan_id"`

	// StepIndex is the plan's current index at capture time.
	StepIndex int `json:"step_index"`

	// Completed is a copy of the completed step identifiers at capture time.
	Completed []string `json:"completed"`

	// Skipped is a copy of the skipped step identifiers at capture time.
	Skipped []string `json:"skipped"`

	// CapturedAt is when the checkpoint was taken.
	CapturedAt time.Time `json:"captured_at"`

	// Checksum is a SHA-256 digest over the captured fields, used to detect
	// corruption when checkpoints round-trip through external storage.
	Checksum string `json:"checksum"`
}

// captureCheckpoint snapshots the plan's indices into a new checkpoint.
// Caller must hold the registry entry lock.
func captureCheckpoint(p *Plan) Checkpoint {
	cp := Checkpoint{
		ID:         types.NewID(),
		PlanID:     p.ID,
		StepIndex:  p.CurrentIndex,
		Completed:  sortedKeys(p.Completed),
		Skipped:    sortedKeys(p.Skipped),
		CapturedAt: time.Now(),
	}
	cp.Checksum = cp.computeChecksum()
	return cp
}

// Verify recomputes the checksum and reports whether the checkpoint is intact.
func (c *Checkpoint) Verify() error {
	if c.Checksum == "" {
		return fmt.Errorf("checkpoint %s has no checksum", c.ID)
	}
	if computed := c.computeChecksum(); computed != c.Checksum {
		return fmt.Errorf("checkpoint %s checksum mismatch: expected %s, got %s",
			c.ID, c.Checksum, computed)
	}
	return nil
}

func (c *Checkpoint) computeChecksum() string {
	payload := struct {
		ID         types.ID  `json:"id"`
		PlanID     string    `json:"plan_id"`
		StepIndex  int       `json:"step_index"`
		Completed  []string  `json:"completed"`
		Skipped    []string  `json:"skipped"`
		CapturedAt time.Time `json:"captured_at"`
	}{c.ID, c.PlanID, c.StepIndex, c.Completed, c.Skipped, c.CapturedAt}

	// Field order is fixed by the struct, so marshalling is deterministic.
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// clone returns an independent copy of the checkpoint. Empty sets stay
// non-nil so the checksum payload re-marshals identically.
func (c *Checkpoint) clone() Checkpoint {
	cp := *c
	cp.Completed = make([]string, len(c.Completed))
	copy(cp.Completed, c.Completed)
	cp.Skipped = make([]string, len(c.Skipped))
	copy(cp.Skipped, c.Skipped)
	return cp
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func setFromSlice(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
