package shadowstate

import "time"

// Actions a refresh decision can take.
const (
	ActionRefresh = "refresh"
	ActionSkip    = "skip"
	ActionFail    = "fail"
)

// StateMetadata contains metadata about the shadow state
type StateMetadata struct {
	LastUpdated time.Time `json:"lastUpdated"`
	Name        string    `json:"name"`
	Capacity    int       `json:"capacity"`
}

// Decision is one pass through the coordinator's refresh.
type Decision struct {
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Reason    string                 `json:"reason"`
	Inputs    map[string]interface{} `json:"inputs"`
	Duration  string                 `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// CoordinatorShadowState is what /api/coordinator serves alongside the
// coordinator's own status.
type CoordinatorShadowState struct {
	Inputs   CoordinatorInputs  `json:"inputs"`
	Outputs  CoordinatorOutputs `json:"outputs"`
	Metadata StateMetadata      `json:"metadata"`
}

// CoordinatorInputs tracks the latest decision inputs and those seen when
// the last network refresh happened.
type CoordinatorInputs struct {
	Current      map[string]interface{} `json:"current"`
	AtLastAction map[string]interface{} `json:"atLastAction"`
}

// CoordinatorOutputs holds the decision history, oldest first.
type CoordinatorOutputs struct {
	Decisions       []Decision     `json:"decisions"`
	Counts          map[string]int `json:"counts"`
	LastRefreshTime time.Time      `json:"lastRefreshTime"`
	LastFailureTime time.Time      `json:"lastFailureTime"`
}
