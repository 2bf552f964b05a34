// Package shadowstate keeps a bounded history of the coordinator's refresh
// decisions so they can be inspected over HTTP.
package shadowstate

import (
	"sync"

	"github.com/dskrypa/hass-nest-web/internal/coordinator"
)

// DefaultCapacity is the number of decisions kept when none is configured.
const DefaultCapacity = 50

// Tracker records coordinator decisions in a ring buffer. It implements
// coordinator.Observer.
type Tracker struct {
	mu        sync.RWMutex
	decisions []Decision
	next      int
	full      bool

	current      map[string]interface{}
	atLastAction map[string]interface{}
	counts       map[string]int
	outputs      CoordinatorOutputs
	metadata     StateMetadata
}

// NewTracker creates a tracker holding at most capacity decisions.
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{
		decisions:    make([]Decision, capacity),
		current:      map[string]interface{}{},
		atLastAction: map[string]interface{}{},
		counts:       map[string]int{},
		metadata:     StateMetadata{Name: "coordinator", Capacity: capacity},
	}
}

// ObserveRefresh records e. Called with the coordinator's refresh lock held.
func (t *Tracker) ObserveRefresh(e coordinator.RefreshEvent) {
	d := decide(e)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.decisions[t.next] = d
	t.next = (t.next + 1) % len(t.decisions)
	if t.next == 0 {
		t.full = true
	}

	t.current = d.Inputs
	t.counts[d.Action]++
	switch d.Action {
	case ActionRefresh:
		t.atLastAction = d.Inputs
		t.outputs.LastRefreshTime = e.Time
	case ActionFail:
		t.outputs.LastFailureTime = e.Time
	}
	t.metadata.LastUpdated = e.Time
}

func decide(e coordinator.RefreshEvent) Decision {
	d := Decision{
		Timestamp: e.Time,
		Inputs: map[string]interface{}{
			"elapsed":        e.Elapsed.String(),
			"commandPending": e.CommandPending,
		},
	}
	switch {
	case e.Skipped:
		d.Action = ActionSkip
		d.Reason = "refreshed recently and no command since"
	case e.Err != nil:
		d.Action = ActionFail
		d.Reason = "refresh request failed"
		d.Error = e.Err.Error()
	case e.CommandPending:
		d.Action = ActionRefresh
		d.Reason = "command issued since last refresh"
	default:
		d.Action = ActionRefresh
		d.Reason = "refresh interval elapsed"
	}
	if !e.Skipped {
		d.Duration = e.Duration.String()
	}
	return d
}

// Decisions returns the recorded decisions, oldest first.
func (t *Tracker) Decisions() []Decision {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.decisionsLocked()
}

func (t *Tracker) decisionsLocked() []Decision {
	if !t.full {
		return append([]Decision(nil), t.decisions[:t.next]...)
	}
	out := make([]Decision, 0, len(t.decisions))
	out = append(out, t.decisions[t.next:]...)
	return append(out, t.decisions[:t.next]...)
}

// GetState returns the current shadow state (thread-safe copy)
func (t *Tracker) GetState() *CoordinatorShadowState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state := &CoordinatorShadowState{
		Inputs: CoordinatorInputs{
			Current:      copyMap(t.current),
			AtLastAction: copyMap(t.atLastAction),
		},
		Outputs:  t.outputs,
		Metadata: t.metadata,
	}
	state.Outputs.Decisions = t.decisionsLocked()
	state.Outputs.Counts = make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		state.Outputs.Counts[k] = v
	}
	return state
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
