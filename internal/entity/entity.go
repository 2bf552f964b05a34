// Package entity adapts the coordinator's Nest object graph to Home Assistant
// entities: one climate entity per thermostat plus display-only sensors.
//
// Each entity renders from a snapshot taken during its own Update, so reads
// never observe a graph that is being replaced mid-render.
package entity

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dskrypa/hass-nest-web/internal/clock"
	"github.com/dskrypa/hass-nest-web/internal/coordinator"
)

// Domain is the integration's identifier prefix.
const Domain = "nest_web"

// Kind is the Home Assistant platform an entity belongs to.
type Kind string

const (
	KindClimate      Kind = "climate"
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
)

var (
	ErrUnsupportedMode    = errors.New("unsupported mode")
	ErrInvalidTemperature = errors.New("invalid temperature")
)

// DeviceInfo describes the physical device an entity belongs to.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// Entity is what the host polls and renders.
type Entity interface {
	UniqueID() string
	Name() string
	Kind() Kind
	DeviceInfo() DeviceInfo

	// Update gives the coordinator a chance to refresh and re-derives the
	// snapshot when the graph changed. It reports whether the snapshot was
	// re-derived. Refresh failures are logged and the last snapshot is kept.
	Update(ctx context.Context) bool

	// State returns the JSON-encodable rendering of the current snapshot.
	State() any
}

// UpdateRequester asks the host to update an entity soon.
type UpdateRequester interface {
	RequestUpdate(e Entity)
}

// Deps are the collaborators every entity is built with.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Updates     UpdateRequester
	Logger      *zap.Logger
	// FanDuration is how long the fan runs when turned on. Zero means 15 minutes.
	FanDuration time.Duration
}

// base tracks which thermostat an entity renders and the graph generation its
// snapshot came from.
type base struct {
	coord  *coordinator.Coordinator
	clock  clock.Clock
	logger *zap.Logger
	serial string

	mu         sync.RWMutex
	generation uint64
	info       DeviceInfo
}

func (b *base) init(deps Deps, grp coordinator.Group, name string) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b.coord = deps.Coordinator
	b.clock = deps.Coordinator.Clock()
	b.logger = logger.Named("entity").With(zap.String("entity", name))
	b.serial = grp.Device.Serial
	b.info = deviceInfo(grp)
	if g := deps.Coordinator.Graph(); g != nil {
		b.generation = g.Generation
	}
}

func deviceInfo(grp coordinator.Group) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{Domain + "_" + grp.Device.Serial},
		Manufacturer: "Nest",
		Model:        "Thermostat",
		Name:         grp.Device.Description(),
		SWVersion:    grp.Device.SoftwareVersion,
	}
}

func (b *base) DeviceInfo() DeviceInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info
}

// poll runs the coordinator refresh and returns the group to re-derive from
// along with its graph generation, or false when the snapshot should be kept.
func (b *base) poll(ctx context.Context) (coordinator.Group, uint64, bool) {
	refreshed, err := b.coord.MaybeRefresh(ctx)
	if err != nil {
		b.logger.Warn("Refresh failed, keeping last known state", zap.Error(err))
		return coordinator.Group{}, 0, false
	}

	graph := b.coord.Graph()
	if graph == nil {
		return coordinator.Group{}, 0, false
	}

	b.mu.RLock()
	stale := graph.Generation != b.generation
	b.mu.RUnlock()
	if !refreshed && !stale {
		return coordinator.Group{}, 0, false
	}

	grp, ok := graph.Group(b.serial)
	if !ok {
		b.logger.Warn("Thermostat missing from refreshed graph, keeping last known state",
			zap.String("serial", b.serial))
		return coordinator.Group{}, 0, false
	}
	return grp, graph.Generation, true
}

// commitLocked records where a new snapshot came from. Callers hold b.mu.
func (b *base) commitLocked(grp coordinator.Group, generation uint64) {
	b.generation = generation
	b.info = deviceInfo(grp)
}
