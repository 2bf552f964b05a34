package platform

import (
	"time"

	"go.uber.org/zap"

	"github.com/dskrypa/hass-nest-web/internal/coordinator"
	"github.com/dskrypa/hass-nest-web/internal/entity"
)

// Context provides dependencies to platform factories. It is built once in
// main after the coordinator has initialized.
type Context struct {
	// Coordinator owns the object graph every entity renders from.
	Coordinator *coordinator.Coordinator

	// Updates receives re-poll requests scheduled after commands.
	Updates entity.UpdateRequester

	// Logger is a structured logger. Factories should use logger.Named.
	Logger *zap.Logger

	// FanDuration is how long "fan on" commands run.
	FanDuration time.Duration
}

// NewContext creates a platform context.
func NewContext(coord *coordinator.Coordinator, updates entity.UpdateRequester, logger *zap.Logger, fanDuration time.Duration) *Context {
	return &Context{
		Coordinator: coord,
		Updates:     updates,
		Logger:      logger,
		FanDuration: fanDuration,
	}
}

// Deps converts the context to entity dependencies.
func (c *Context) Deps() entity.Deps {
	return entity.Deps{
		Coordinator: c.Coordinator,
		Updates:     c.Updates,
		Logger:      c.Logger,
		FanDuration: c.FanDuration,
	}
}
