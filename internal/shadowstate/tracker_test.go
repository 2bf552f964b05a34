package shadowstate

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dskrypa/hass-nest-web/internal/coordinator"
)

var t0 = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

func TestNewTracker(t *testing.T) {
	tracker := NewTracker(0)
	if tracker == nil {
		t.Fatal("NewTracker returned nil")
	}
	if got := len(tracker.decisions); got != DefaultCapacity {
		t.Errorf("Expected capacity %d, got %d", DefaultCapacity, got)
	}
	if len(tracker.Decisions()) != 0 {
		t.Error("Expected no decisions on a new tracker")
	}
}

func TestTrackerClassifiesDecisions(t *testing.T) {
	tests := []struct {
		name   string
		event  coordinator.RefreshEvent
		action string
		reason string
	}{
		{
			name:   "skipped",
			event:  coordinator.RefreshEvent{Time: t0, Elapsed: 10 * time.Second, Skipped: true},
			action: ActionSkip,
			reason: "refreshed recently and no command since",
		},
		{
			name:   "interval",
			event:  coordinator.RefreshEvent{Time: t0, Elapsed: 3 * time.Minute, Duration: time.Second},
			action: ActionRefresh,
			reason: "refresh interval elapsed",
		},
		{
			name:   "command",
			event:  coordinator.RefreshEvent{Time: t0, Elapsed: 5 * time.Second, CommandPending: true},
			action: ActionRefresh,
			reason: "command issued since last refresh",
		},
		{
			name:   "failed",
			event:  coordinator.RefreshEvent{Time: t0, Elapsed: 3 * time.Minute, Err: errors.New("boom")},
			action: ActionFail,
			reason: "refresh request failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(4)
			tracker.ObserveRefresh(tt.event)

			decisions := tracker.Decisions()
			if len(decisions) != 1 {
				t.Fatalf("Expected 1 decision, got %d", len(decisions))
			}
			d := decisions[0]
			if d.Action != tt.action {
				t.Errorf("Expected action %q, got %q", tt.action, d.Action)
			}
			if d.Reason != tt.reason {
				t.Errorf("Expected reason %q, got %q", tt.reason, d.Reason)
			}
			if d.Inputs["elapsed"] != tt.event.Elapsed.String() {
				t.Errorf("Expected elapsed input %s, got %v", tt.event.Elapsed, d.Inputs["elapsed"])
			}
			if d.Inputs["commandPending"] != tt.event.CommandPending {
				t.Errorf("Expected commandPending %v, got %v", tt.event.CommandPending, d.Inputs["commandPending"])
			}
		})
	}
}

func TestTrackerFailureKeepsError(t *testing.T) {
	tracker := NewTracker(4)
	tracker.ObserveRefresh(coordinator.RefreshEvent{Time: t0, Err: errors.New("connection refused")})

	state := tracker.GetState()
	if got := state.Outputs.Decisions[0].Error; got != "connection refused" {
		t.Errorf("Expected error to be recorded, got %q", got)
	}
	if !state.Outputs.LastFailureTime.Equal(t0) {
		t.Errorf("Expected last failure at %v, got %v", t0, state.Outputs.LastFailureTime)
	}
	if !state.Outputs.LastRefreshTime.IsZero() {
		t.Error("A failed refresh must not set the last refresh time")
	}
}

func TestTrackerRingDropsOldest(t *testing.T) {
	tracker := NewTracker(3)
	for i := 0; i < 5; i++ {
		tracker.ObserveRefresh(coordinator.RefreshEvent{Time: t0.Add(time.Duration(i) * time.Minute), Skipped: true})
	}

	decisions := tracker.Decisions()
	if len(decisions) != 3 {
		t.Fatalf("Expected 3 decisions, got %d", len(decisions))
	}
	for i, d := range decisions {
		want := t0.Add(time.Duration(i+2) * time.Minute)
		if !d.Timestamp.Equal(want) {
			t.Errorf("Decision %d: expected timestamp %v, got %v", i, want, d.Timestamp)
		}
	}
	if got := tracker.GetState().Outputs.Counts[ActionSkip]; got != 5 {
		t.Errorf("Expected counts to include evicted decisions, got %d", got)
	}
}

func TestTrackerSnapshotsInputsAtLastRefresh(t *testing.T) {
	tracker := NewTracker(8)
	tracker.ObserveRefresh(coordinator.RefreshEvent{Time: t0, Elapsed: 3 * time.Minute})
	tracker.ObserveRefresh(coordinator.RefreshEvent{Time: t0.Add(5 * time.Second), Elapsed: 5 * time.Second, Skipped: true})

	state := tracker.GetState()
	if state.Inputs.Current["elapsed"] != "5s" {
		t.Errorf("Expected current elapsed 5s, got %v", state.Inputs.Current["elapsed"])
	}
	if state.Inputs.AtLastAction["elapsed"] != "3m0s" {
		t.Errorf("Expected elapsed at last refresh 3m0s, got %v", state.Inputs.AtLastAction["elapsed"])
	}
	if !state.Outputs.LastRefreshTime.Equal(t0) {
		t.Errorf("Expected last refresh at %v, got %v", t0, state.Outputs.LastRefreshTime)
	}
	if !state.Metadata.LastUpdated.Equal(t0.Add(5 * time.Second)) {
		t.Errorf("Expected metadata updated at the latest decision, got %v", state.Metadata.LastUpdated)
	}
}

func TestGetStateReturnsCopy(t *testing.T) {
	tracker := NewTracker(4)
	tracker.ObserveRefresh(coordinator.RefreshEvent{Time: t0})

	state := tracker.GetState()
	state.Inputs.Current["elapsed"] = "modified"
	state.Outputs.Counts[ActionRefresh] = 99
	state.Outputs.Decisions[0].Action = "modified"

	fresh := tracker.GetState()
	if fresh.Inputs.Current["elapsed"] == "modified" {
		t.Error("Current inputs were modified through the copy")
	}
	if fresh.Outputs.Counts[ActionRefresh] != 1 {
		t.Error("Counts were modified through the copy")
	}
	if fresh.Outputs.Decisions[0].Action != ActionRefresh {
		t.Error("Decisions were modified through the copy")
	}
}

func TestGetStateJSON(t *testing.T) {
	tracker := NewTracker(4)
	tracker.ObserveRefresh(coordinator.RefreshEvent{Time: t0, Duration: 250 * time.Millisecond})

	data, err := json.Marshal(tracker.GetState())
	if err != nil {
		t.Fatalf("Failed to marshal state: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal state: %v", err)
	}
	for _, key := range []string{"inputs", "outputs", "metadata"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("Missing %q in JSON", key)
		}
	}
	outputs := decoded["outputs"].(map[string]interface{})
	decisions := outputs["decisions"].([]interface{})
	first := decisions[0].(map[string]interface{})
	if first["duration"] != "250ms" {
		t.Errorf("Expected duration 250ms, got %v", first["duration"])
	}
}

func TestTrackerConcurrentAccess(t *testing.T) {
	tracker := NewTracker(16)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			tracker.ObserveRefresh(coordinator.RefreshEvent{Time: t0, Elapsed: time.Duration(i) * time.Second})
		}(i)
		go func() {
			defer wg.Done()
			_ = tracker.GetState()
		}()
	}
	wg.Wait()

	if got := len(tracker.Decisions()); got != 10 {
		t.Errorf("Expected 10 decisions, got %d", got)
	}
}
