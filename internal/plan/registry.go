package plan

import (
	"sync"
	"time"
)

// planEntry holds everything the controller tracks for one registered plan:
// the live plan, its append-only checkpoint and intervention histories, and
// the control flags the execution loop observes at step boundaries.
//
// mu guards every field. cond is signalled by resume and cancel so a paused
// loop wakes without polling. Locking is strictly per plan; operations on
// different plans never contend.
type planEntry struct {
	mu   sync.Mutex
	cond *sync.Cond

	plan          *Plan
	checkpoints   []Checkpoint
	interventions []Intervention

	// pauseRequested suspends the loop at its next boundary.
	pauseRequested bool

	// cancelRequested stops the loop at its next boundary. The in-flight
	// step executor call is allowed to finish.
	cancelRequested bool

	// executing guards against a second Execute call for the same plan.
	executing bool
}

func newPlanEntry(p *Plan) *planEntry {
	e := &planEntry{plan: p}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Registry owns the per-plan entries for one controller instance. It is an
// explicit owned store, never ambient global state, so multiple controllers
// can coexist in one process.
type Registry struct {
	mu    sync.RWMutex
	plans map[string]*planEntry
}

// NewRegistry creates an empty plan registry.
func NewRegistry() *Registry {
	return &Registry{
		plans: make(map[string]*planEntry),
	}
}

// Register creates an entry for the definition. It fails with a duplicate
// plan error when the identifier is already registered.
func (r *Registry) Register(def *PlanDefinition) (*Plan, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plans[def.ID]; exists {
		return nil, NewDuplicatePlanError(def.ID)
	}

	p := &Plan{
		ID:        def.ID,
		Query:     def.Query,
		Steps:     def.Materialize(),
		Status:    PlanStatusIdle,
		Completed: make(map[string]struct{}),
		Skipped:   make(map[string]struct{}),
		CreatedAt: time.Now(),
	}

	r.plans[def.ID] = newPlanEntry(p)
	return p, nil
}

// entry looks up the entry for planID.
func (r *Registry) entry(planID string) (*planEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.plans[planID]
	if !ok {
		return nil, NewNotFoundError(planID)
	}
	return e, nil
}

// Remove drops the entry for planID. Used by the eviction policy.
func (r *Registry) Remove(planID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plans, planID)
}

// PlanIDs returns the identifiers of all registered plans.
func (r *Registry) PlanIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.plans))
	for id := range r.plans {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registered plans.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plans)
}
