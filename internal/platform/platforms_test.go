package platform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dskrypa/hass-nest-web/internal/coordinator"
	"github.com/dskrypa/hass-nest-web/internal/entity"
	"github.com/dskrypa/hass-nest-web/internal/nest"
	"github.com/dskrypa/hass-nest-web/pkg/testutil"
)

func TestBuiltinPlatformsCreateEntitiesPerThermostat(t *testing.T) {
	server := testutil.NewNestServer("jwt-token", "user-1")
	t.Cleanup(server.Close)
	server.SeedThermostat("s1", "Home", "AAA111", "Living Room")
	server.SeedThermostat("s2", "Cabin", "BBB222", "Den")

	logger := zap.NewNop()
	client := nest.NewClient(nest.StaticSession{Token: "jwt-token", UserID: "user-1"},
		nest.Options{BaseURL: server.URL()}, logger)
	coord := coordinator.New(client, coordinator.Config{
		RefreshInterval: time.Minute,
		Structures:      []string{"Home"},
	}, logger)
	require.NoError(t, coord.Initialize(context.Background()))

	registry := NewRegistry(logger)
	require.NoError(t, RegisterBuiltin(registry))
	assert.Equal(t, []string{"climate", "sensor", "binary_sensor"}, registry.Names())

	entities, err := registry.CreateAll(NewContext(coord, entity.NewQueue(4), logger, 0))
	require.NoError(t, err)
	require.Len(t, entities, 1+4+5)

	assert.Equal(t, entity.KindClimate, entities[0].Kind())
	assert.Equal(t, "AAA111", entities[0].UniqueID())

	counts := make(map[entity.Kind]int)
	for _, e := range entities {
		counts[e.Kind()]++
		assert.Contains(t, e.UniqueID(), "AAA111", "Cabin is outside the allow-list")
	}
	assert.Equal(t, map[entity.Kind]int{
		entity.KindClimate:      1,
		entity.KindSensor:       4,
		entity.KindBinarySensor: 5,
	}, counts)
}
