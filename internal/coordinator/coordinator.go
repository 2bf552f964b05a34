// Package coordinator serializes and throttles bulk refreshes of the Nest
// object graph on behalf of every entity polling it.
//
// Entities call MaybeRefresh on each poll. Only one refresh runs at a time,
// and callers that queued behind a refresh that just finished skip their own
// network call unless a command was issued since. Commands mark the graph
// stale through RegisterCommand so the next poll refreshes regardless of the
// configured interval.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dskrypa/hass-nest-web/internal/clock"
	"github.com/dskrypa/hass-nest-web/internal/nest"
)

const (
	// MinRefreshInterval is the floor for the configured interval and the
	// window within which queued refreshes are skipped.
	MinRefreshInterval = 15 * time.Second

	// DefaultRefreshInterval replaces intervals below the floor.
	DefaultRefreshInterval = 180 * time.Second
)

// RemoteClient is the Nest web client as seen by the coordinator.
type RemoteClient interface {
	Initialize(ctx context.Context) (nest.Objects, error)
	RefreshKnownObjects(ctx context.Context) error
	Objects() nest.Objects
	Close() error
}

// Config is the coordinator's slice of the integration config.
type Config struct {
	RefreshInterval time.Duration
	// Structures limits the managed structures by name. Empty means all.
	Structures []string
}

// Group is a thermostat with its shared state and owning structure.
type Group struct {
	Structure *nest.Structure
	Device    *nest.ThermostatDevice
	Shared    *nest.Shared
}

// Graph is an immutable view of the managed objects. A successful refresh
// publishes a new Graph with a higher Generation.
type Graph struct {
	Generation uint64
	Structures []*nest.Structure
	Groups     []Group
}

// Group returns the group for the thermostat with the given serial.
func (g *Graph) Group(serial string) (Group, bool) {
	if g == nil {
		return Group{}, false
	}
	for _, grp := range g.Groups {
		if grp.Device.Serial == serial {
			return grp, true
		}
	}
	return Group{}, false
}

// Coordinator owns the object graph and the refresh schedule.
type Coordinator struct {
	client    RemoteClient
	clock     clock.Clock
	logger    *zap.Logger
	interval  time.Duration
	allowed   map[string]bool
	observers []Observer

	// mu serializes Refresh. Timestamp and graph reads never take it.
	mu          sync.Mutex
	lastRefresh atomic.Int64
	lastCommand atomic.Int64
	graph       atomic.Pointer[Graph]
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithObserver registers an observer of refresh outcomes.
func WithObserver(o Observer) Option {
	return func(co *Coordinator) { co.observers = append(co.observers, o) }
}

// New creates a coordinator. An interval below MinRefreshInterval is replaced
// with DefaultRefreshInterval.
func New(client RemoteClient, cfg Config, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:   client,
		clock:    clock.New(),
		logger:   logger.Named("coordinator"),
		interval: cfg.RefreshInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.interval < MinRefreshInterval {
		c.logger.Warn("Invalid refresh interval, using default",
			zap.Duration("configured", cfg.RefreshInterval),
			zap.Duration("minimum", MinRefreshInterval),
			zap.Duration("default", DefaultRefreshInterval))
		c.interval = DefaultRefreshInterval
	}

	if len(cfg.Structures) > 0 {
		c.allowed = make(map[string]bool, len(cfg.Structures))
		for _, name := range cfg.Structures {
			c.allowed[name] = true
		}
	}

	now := c.clock.Now().UnixNano()
	c.lastRefresh.Store(now)
	c.lastCommand.Store(now)
	return c
}

// Initialize discovers the managed structures and thermostats. An error
// means setup failed and no entities should be created.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.logger.Info("Initializing Nest web coordinator")

	objects, err := c.client.Initialize(ctx)
	if err != nil {
		c.logger.Error("Connection error while accessing the Nest web service", zap.Error(err))
		return fmt.Errorf("failed to initialize nest client: %w", err)
	}

	for _, s := range objects.Structures() {
		if !c.manages(s) {
			c.logger.Debug("Ignoring structure not in allow-list",
				zap.String("structure", s.Name),
				zap.Strings("allowed", c.allowedNames()))
		}
	}

	graph := c.buildGraph(objects, 1)
	c.graph.Store(graph)

	c.logger.Info("Finished initializing Nest web coordinator",
		zap.Int("structures", len(graph.Structures)),
		zap.Int("thermostats", len(graph.Groups)))
	return nil
}

// NeedsRefresh reports whether the refresh interval has elapsed or a command
// was issued since the last refresh.
func (c *Coordinator) NeedsRefresh() bool {
	lastRefresh := c.LastRefresh()
	return c.clock.Since(lastRefresh) >= c.interval || c.LastCommand().After(lastRefresh)
}

// MaybeRefresh refreshes if NeedsRefresh and reports whether it tried to.
// The error is the refresh error, if any.
func (c *Coordinator) MaybeRefresh(ctx context.Context) (bool, error) {
	if !c.NeedsRefresh() {
		return false, nil
	}
	return true, c.Refresh(ctx)
}

// Refresh re-fetches the object graph. If no command was issued since the
// last refresh and that refresh is less than MinRefreshInterval old, it
// returns without a network call. On failure the last refresh time is kept.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	lastRefresh := c.LastRefresh()
	lastCommand := c.LastCommand()
	elapsed := now.Sub(lastRefresh)
	tooSoon := elapsed < MinRefreshInterval
	commandPending := lastCommand.After(lastRefresh)

	event := RefreshEvent{Time: now, Elapsed: elapsed, CommandPending: commandPending}

	if lastCommand.Before(lastRefresh) && tooSoon {
		event.Skipped = true
		c.notify(event)
		return nil
	}

	fields := []zap.Field{zap.Duration("since_last_refresh", elapsed)}
	if tooSoon {
		fields = append(fields, zap.Time("last_command", lastCommand))
	}
	c.logger.Info("Refreshing known objects", fields...)

	if err := c.client.RefreshKnownObjects(ctx); err != nil {
		event.Duration = c.clock.Since(now)
		event.Err = err
		c.notify(event)
		return fmt.Errorf("failed to refresh nest objects: %w", err)
	}

	var generation uint64 = 1
	if prev := c.graph.Load(); prev != nil {
		generation = prev.Generation + 1
	}
	c.graph.Store(c.buildGraph(c.client.Objects(), generation))

	finished := c.clock.Now()
	storeMax(&c.lastRefresh, finished.UnixNano())

	event.Duration = finished.Sub(now)
	c.notify(event)
	return nil
}

// RegisterCommand records that a command was just sent to a Nest object.
func (c *Coordinator) RegisterCommand() {
	storeMax(&c.lastCommand, c.clock.Now().UnixNano())
}

// LastRefresh is the time of the last successful refresh, or construction time.
func (c *Coordinator) LastRefresh() time.Time {
	return time.Unix(0, c.lastRefresh.Load())
}

// LastCommand is the time of the last registered command, or construction time.
func (c *Coordinator) LastCommand() time.Time {
	return time.Unix(0, c.lastCommand.Load())
}

// RefreshInterval is the effective refresh interval.
func (c *Coordinator) RefreshInterval() time.Duration {
	return c.interval
}

// Graph returns the current graph, or nil before Initialize.
func (c *Coordinator) Graph() *Graph {
	return c.graph.Load()
}

// Groups returns the managed (structure, device, shared) groups.
func (c *Coordinator) Groups() []Group {
	g := c.graph.Load()
	if g == nil {
		return nil
	}
	return g.Groups
}

// Clock is the clock driving the coordinator, shared with its entities.
func (c *Coordinator) Clock() clock.Clock {
	return c.clock
}

// Close releases the Nest client.
func (c *Coordinator) Close() error {
	c.logger.Info("Closing Nest web coordinator")
	return c.client.Close()
}

// Status is a point-in-time summary for diagnostics.
type Status struct {
	RefreshInterval string    `json:"refreshInterval"`
	LastRefresh     time.Time `json:"lastRefresh"`
	LastCommand     time.Time `json:"lastCommand"`
	NeedsRefresh    bool      `json:"needsRefresh"`
	Generation      uint64    `json:"generation"`
	Structures      []string  `json:"structures"`
	Thermostats     []string  `json:"thermostats"`
}

// Status summarizes the coordinator's schedule and graph.
func (c *Coordinator) Status() Status {
	s := Status{
		RefreshInterval: c.interval.String(),
		LastRefresh:     c.LastRefresh(),
		LastCommand:     c.LastCommand(),
		NeedsRefresh:    c.NeedsRefresh(),
		Structures:      []string{},
		Thermostats:     []string{},
	}
	if g := c.graph.Load(); g != nil {
		s.Generation = g.Generation
		for _, st := range g.Structures {
			s.Structures = append(s.Structures, st.Name)
		}
		for _, grp := range g.Groups {
			s.Thermostats = append(s.Thermostats, grp.Device.Serial)
		}
	}
	return s
}

func (c *Coordinator) manages(s *nest.Structure) bool {
	return c.allowed == nil || c.allowed[s.Name]
}

func (c *Coordinator) allowedNames() []string {
	names := make([]string, 0, len(c.allowed))
	for name := range c.allowed {
		names = append(names, name)
	}
	return names
}

func (c *Coordinator) buildGraph(objects nest.Objects, generation uint64) *Graph {
	g := &Graph{Generation: generation}
	for _, s := range objects.Structures() {
		if !c.manages(s) {
			continue
		}
		g.Structures = append(g.Structures, s)
		for _, pair := range s.ThermostatsAndShared() {
			g.Groups = append(g.Groups, Group{Structure: s, Device: pair.Device, Shared: pair.Shared})
		}
	}
	return g
}

func (c *Coordinator) notify(event RefreshEvent) {
	for _, o := range c.observers {
		o.ObserveRefresh(event)
	}
}

// storeMax raises v to n, never lowering it.
func storeMax(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}
