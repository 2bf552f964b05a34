package coordinator

import "time"

// RefreshEvent describes one pass through Refresh.
type RefreshEvent struct {
	Time    time.Time
	Elapsed time.Duration
	// CommandPending is true when a command was registered after the previous refresh.
	CommandPending bool
	Skipped        bool
	Duration       time.Duration
	Err            error
}

// Result classifies the event as "skipped", "failed" or "refreshed".
func (e RefreshEvent) Result() string {
	switch {
	case e.Skipped:
		return "skipped"
	case e.Err != nil:
		return "failed"
	default:
		return "refreshed"
	}
}

// Observer is told about every refresh decision. It is called while the
// refresh lock is held and must not call Refresh.
type Observer interface {
	ObserveRefresh(RefreshEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(RefreshEvent)

func (f ObserverFunc) ObserveRefresh(e RefreshEvent) { f(e) }
