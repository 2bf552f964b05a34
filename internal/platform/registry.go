// Package platform groups entity construction by Home Assistant platform
// (climate, sensor, binary_sensor). A Registry is built explicitly in main and
// passed the coordinator through a Context; there is no package-level state.
package platform

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dskrypa/hass-nest-web/internal/entity"
)

// Priority constants for platform registration.
// Higher priority values override lower priority platforms with the same name.
const (
	PriorityDefault  = 0
	PriorityOverride = 100
)

// DefaultOrder is used when PlatformInfo.Order is zero.
const DefaultOrder = 50

// Factory builds a platform's entities for every managed thermostat.
type Factory func(ctx *Context) ([]entity.Entity, error)

// PlatformInfo contains metadata about a registered platform.
type PlatformInfo struct {
	// Name is the Home Assistant platform, e.g. "climate".
	Name string

	// Description is a human-readable description of the platform.
	Description string

	// Priority determines which registration wins for a duplicate name.
	Priority int

	// Factory creates the platform's entities.
	Factory Factory

	// Order specifies the setup order. Lower values are created first.
	Order int
}

// Registry manages platform registration and entity creation.
type Registry struct {
	logger *zap.Logger

	mu        sync.RWMutex
	platforms map[string]PlatformInfo
	order     []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger.Named("platform"),
		platforms: make(map[string]PlatformInfo),
		order:     make([]string, 0),
	}
}

// Register adds a platform. If one with the same name already exists, the one
// with higher priority wins; equal priorities let the later registration win.
func (r *Registry) Register(info PlatformInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("platform name cannot be empty")
	}
	if info.Factory == nil {
		return fmt.Errorf("platform %s: factory cannot be nil", info.Name)
	}
	if info.Order == 0 {
		info.Order = DefaultOrder
	}

	existing, exists := r.platforms[info.Name]
	if exists {
		if info.Priority < existing.Priority {
			r.logger.Debug("Platform registration skipped",
				zap.String("platform", info.Name),
				zap.Int("priority", info.Priority),
				zap.Int("existing_priority", existing.Priority))
			return nil
		}
		r.logger.Info("Platform being overridden",
			zap.String("platform", info.Name),
			zap.Int("from_priority", existing.Priority),
			zap.Int("to_priority", info.Priority))
	}

	r.platforms[info.Name] = info
	if !exists {
		r.order = append(r.order, info.Name)
	}

	r.logger.Debug("Platform registered",
		zap.String("platform", info.Name),
		zap.Int("priority", info.Priority),
		zap.Int("order", info.Order),
		zap.String("description", info.Description))
	return nil
}

// Get returns the platform info for a given name, or nil if not found.
func (r *Registry) Get(name string) *PlatformInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.platforms[name]
	if !ok {
		return nil
	}
	return &info
}

// List returns all registered platforms sorted by setup order.
func (r *Registry) List() []PlatformInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]PlatformInfo, 0, len(r.platforms))
	for _, name := range r.order {
		result = append(result, r.platforms[name])
	}

	// Sort by order (lower first), then by name for stability
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// Names returns the names of all registered platforms in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

type closer interface {
	Close()
}

// CreateAll builds every platform's entities in order. If any factory fails,
// entities created so far are closed and nothing is returned.
func (r *Registry) CreateAll(ctx *Context) ([]entity.Entity, error) {
	var result []entity.Entity

	for _, info := range r.List() {
		entities, err := info.Factory(ctx)
		if err != nil {
			for _, e := range result {
				if c, ok := e.(closer); ok {
					c.Close()
				}
			}
			return nil, fmt.Errorf("failed to set up platform %s: %w", info.Name, err)
		}
		r.logger.Info("Platform set up",
			zap.String("platform", info.Name),
			zap.Int("entities", len(entities)))
		result = append(result, entities...)
	}
	return result, nil
}
