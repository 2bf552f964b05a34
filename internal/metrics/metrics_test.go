package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dskrypa/hass-nest-web/internal/coordinator"
	"github.com/dskrypa/hass-nest-web/internal/entity"
	"github.com/dskrypa/hass-nest-web/internal/hass"
	"github.com/dskrypa/hass-nest-web/internal/nest"
)

type staticGraph struct{ g *coordinator.Graph }

func (s staticGraph) Graph() *coordinator.Graph { return s.g }

func testGraph(mode string) *coordinator.Graph {
	structure := &nest.Structure{ID: "s1", Name: "Home", Away: true}
	return &coordinator.Graph{
		Generation: 3,
		Structures: []*nest.Structure{structure},
		Groups: []coordinator.Group{{
			Structure: structure,
			Device:    &nest.ThermostatDevice{Serial: "ABC123", Name: "Living Room", Humidity: 41},
			Shared: &nest.Shared{
				Serial:                "ABC123",
				TargetTemperatureType: mode,
				TargetTemperature:     20,
				TargetTemperatureLow:  19,
				TargetTemperatureHigh: 24,
				CurrentTemperature:    19.5,
			},
		}},
	}
}

func TestObserveRefresh(t *testing.T) {
	c := NewCollector(nil)
	t0 := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	c.ObserveRefresh(coordinator.RefreshEvent{Time: t0, Duration: 2 * time.Second})
	c.ObserveRefresh(coordinator.RefreshEvent{Time: t0, Skipped: true})
	c.ObserveRefresh(coordinator.RefreshEvent{Time: t0, Skipped: true})
	c.ObserveRefresh(coordinator.RefreshEvent{Time: t0.Add(time.Hour), Err: errors.New("down")})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.refreshes.WithLabelValues("refreshed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.refreshes.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.refreshes.WithLabelValues("failed")))
	assert.Equal(t, float64(t0.Add(2*time.Second).Unix()), testutil.ToFloat64(c.lastRefresh))
	assert.Equal(t, 1, testutil.CollectAndCount(c.refreshDuration))
}

func TestRecordCommand(t *testing.T) {
	c := NewCollector(nil)
	ctx := context.Background()

	c.RecordCommand(ctx, hass.CommandRecord{Command: "mode"})
	c.RecordCommand(ctx, hass.CommandRecord{Command: "mode", Err: entity.ErrUnsupportedMode})
	c.RecordCommand(ctx, hass.CommandRecord{Command: "temperature", Err: errors.New("timeout")})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.commands.WithLabelValues("mode", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commands.WithLabelValues("mode", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commands.WithLabelValues("temperature", "failed")))
}

func TestCollectReadsGraph(t *testing.T) {
	c := NewCollector(staticGraph{g: testGraph(nest.ModeHeat)})

	expected := `
# HELP nest_web_current_temperature_celsius Current temperature per thermostat
# TYPE nest_web_current_temperature_celsius gauge
nest_web_current_temperature_celsius{name="Living Room",serial="ABC123"} 19.5
# HELP nest_web_humidity_percent Humidity per thermostat
# TYPE nest_web_humidity_percent gauge
nest_web_humidity_percent{name="Living Room",serial="ABC123"} 41
# HELP nest_web_structure_away_bool Structure away flag (1=away, 0=home)
# TYPE nest_web_structure_away_bool gauge
nest_web_structure_away_bool{structure="Home"} 1
# HELP nest_web_target_temperature_celsius Target temperature per thermostat and bound (single, low, high)
# TYPE nest_web_target_temperature_celsius gauge
nest_web_target_temperature_celsius{bound="single",name="Living Room",serial="ABC123"} 20
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"nest_web_current_temperature_celsius",
		"nest_web_humidity_percent",
		"nest_web_structure_away_bool",
		"nest_web_target_temperature_celsius")
	assert.NoError(t, err)
}

func TestCollectRangeBounds(t *testing.T) {
	c := NewCollector(staticGraph{g: testGraph(nest.ModeRange)})

	assert.Equal(t, 2, testutil.CollectAndCount(c, "nest_web_target_temperature_celsius"))
	assert.Equal(t, 19.0, testutil.ToFloat64(c.targetTemp.WithLabelValues("ABC123", "Living Room", "low")))
	assert.Equal(t, 24.0, testutil.ToFloat64(c.targetTemp.WithLabelValues("ABC123", "Living Room", "high")))
}

func TestCollectWithoutGraph(t *testing.T) {
	c := NewCollector(GraphFunc(func() *coordinator.Graph { return nil }))
	assert.Equal(t, 0, testutil.CollectAndCount(c, "nest_web_current_temperature_celsius"))
}

func TestHandlerServesRegistry(t *testing.T) {
	c := NewCollector(nil)
	c.RecordCommand(context.Background(), hass.CommandRecord{Command: "fan_mode"})

	rec := httptest.NewRecorder()
	Handler(NewRegistry(c)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `nest_web_commands_total{command="fan_mode",result="ok"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
