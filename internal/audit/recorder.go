package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dskrypa/hass-nest-web/internal/coordinator"
	"github.com/dskrypa/hass-nest-web/internal/hass"
)

// Recorder turns refresh outcomes and commands into events and writes them
// from its own goroutine, so observers never wait on the database.
// Skipped refreshes are not recorded.
type Recorder struct {
	store  *Store
	logger *zap.Logger
	events chan Event
}

// NewRecorder creates a recorder buffering up to size events.
func NewRecorder(store *Store, size int, logger *zap.Logger) *Recorder {
	if size <= 0 {
		size = 256
	}
	return &Recorder{
		store:  store,
		logger: logger.Named("audit"),
		events: make(chan Event, size),
	}
}

func (r *Recorder) ObserveRefresh(e coordinator.RefreshEvent) {
	meta := map[string]any{
		"elapsed_seconds":  e.Elapsed.Seconds(),
		"duration_seconds": e.Duration.Seconds(),
		"command_pending":  e.CommandPending,
	}
	switch e.Result() {
	case "refreshed":
		r.enqueue(Event{OccurredAt: e.Time, Type: TypeRefresh, Message: "Refreshed known objects", Meta: meta})
	case "failed":
		meta["error"] = e.Err.Error()
		r.enqueue(Event{OccurredAt: e.Time, Type: TypeRefreshFailed, Message: "Refresh failed", Meta: meta})
	}
}

func (r *Recorder) RecordCommand(_ context.Context, rec hass.CommandRecord) {
	ev := Event{
		OccurredAt: rec.Time,
		Type:       TypeCommand,
		EntityID:   rec.EntityID,
		Message:    fmt.Sprintf("%s %s", rec.Command, rec.Payload),
		Meta:       map[string]any{"command": rec.Command, "payload": rec.Payload, "result": rec.Result()},
	}
	if rec.Err != nil {
		ev.Type = TypeCommandFailed
		ev.Meta.(map[string]any)["error"] = rec.Err.Error()
	}
	r.enqueue(ev)
}

func (r *Recorder) enqueue(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("Audit buffer full, dropping event", zap.String("type", ev.Type))
	}
}

// Run writes queued events until ctx is cancelled, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-r.events:
			r.write(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.events:
					r.write(context.Background(), ev)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev Event) {
	if err := r.store.Append(ctx, ev); err != nil {
		r.logger.Error("Failed to write audit event", zap.String("type", ev.Type), zap.Error(err))
	}
}
