package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dskrypa/hass-nest-web/internal/api"
	"github.com/dskrypa/hass-nest-web/internal/audit"
	"github.com/dskrypa/hass-nest-web/internal/shadowstate"
)

// TestScenario_CommandForcesRefresh follows a Home Assistant command from the
// MQTT topic to the Nest service and back to the published state.
func TestScenario_CommandForcesRefresh(t *testing.T) {
	s := setupStack(t)
	launches := s.nest.Launches()

	t.Log("WHEN: Home Assistant sets the temperature one second after startup")
	s.clock.Advance(time.Second)
	require.True(t, s.broker.Deliver(topics.Base+"/"+serial+"/temperature/set", "22.5"))

	t.Log("THEN: the write reaches Nest and is audited")
	s.waitForCommands(t, 1)
	cmd := s.events(t, audit.TypeCommand)[0]
	assert.Equal(t, serial, cmd.EntityID)
	assert.Equal(t, "temperature 22.5", cmd.Message)

	puts := s.nest.Puts()
	require.Len(t, puts, 1)
	assert.Equal(t, "shared."+serial, puts[0].ObjectKey)
	assert.Equal(t, 22.5, puts[0].Value["target_temperature"])

	t.Log("WHEN: the settle delay passes, well inside the 15 second floor")
	s.clock.Advance(5 * time.Second)

	t.Log("THEN: the command forces a refresh and the new setpoint is published")
	s.waitForState(t, serial, func(st map[string]any) bool { return st["target_temperature"] == 22.5 })
	assert.Equal(t, launches+1, s.nest.Launches())

	var coord api.CoordinatorResponse
	s.getJSON(t, "/api/coordinator", &coord)
	require.NotNil(t, coord.Decisions)
	var refreshes []shadowstate.Decision
	for _, d := range coord.Decisions.Outputs.Decisions {
		if d.Action == shadowstate.ActionRefresh {
			refreshes = append(refreshes, d)
		}
	}
	require.Len(t, refreshes, 1)
	assert.Equal(t, "command issued since last refresh", refreshes[0].Reason)
	assert.True(t, refreshes[0].Timestamp.Equal(t0.Add(6*time.Second)))

	t.Log("WHEN: the next scan runs")
	s.clock.Advance(scan)

	t.Log("THEN: the sensors pick up the refreshed data without another request")
	s.waitForState(t, serial+"-target_temperature", func(st map[string]any) bool { return st["value"] == "22.5" })
	assert.Equal(t, launches+1, s.nest.Launches())

	assert.Contains(t, s.getText(t, "/metrics"), `nest_web_commands_total{command="temperature",result="ok"} 1`)
}

// TestScenario_RangeModeFromHomeAssistant switches to heat-cool and sets both
// bounds through separate topics.
func TestScenario_RangeModeFromHomeAssistant(t *testing.T) {
	s := setupStack(t)

	s.clock.Advance(time.Second)
	require.True(t, s.broker.Deliver(topics.Base+"/"+serial+"/mode/set", "auto"))
	s.waitForCommands(t, 1)
	s.clock.Advance(5 * time.Second)
	s.waitForState(t, serial, func(st map[string]any) bool { return st["hvac_mode"] == "auto" })

	climate := s.broker.RetainedJSON(topics.Base + "/" + serial + "/state")
	assert.Nil(t, climate["target_temperature"])
	assert.Equal(t, 19.0, climate["target_temperature_low"])
	assert.Equal(t, 24.0, climate["target_temperature_high"])

	s.clock.Advance(time.Second)
	require.True(t, s.broker.Deliver(topics.Base+"/"+serial+"/temperature_low/set", "18"))
	s.waitForCommands(t, 2)
	s.clock.Advance(5 * time.Second)
	s.waitForState(t, serial, func(st map[string]any) bool { return st["target_temperature_low"] == 18.0 })
	assert.Equal(t, 24.0, s.broker.RetainedJSON(topics.Base + "/" + serial + "/state")["target_temperature_high"])

	s.clock.Advance(scan)
	s.waitForState(t, serial+"-target_temperature", func(st map[string]any) bool { return st["value"] == "18.0-24.0" })
}

// TestScenario_RejectedCommandIsNotSent checks that invalid requests never
// reach Nest and do not force a refresh.
func TestScenario_RejectedCommandIsNotSent(t *testing.T) {
	s := setupStack(t)
	launches := s.nest.Launches()

	require.True(t, s.broker.Deliver(topics.Base+"/"+serial+"/temperature/set", "45"))
	require.Eventually(t, func() bool { return len(s.events(t, audit.TypeCommandFailed)) == 1 },
		5*time.Second, 20*time.Millisecond)

	assert.Empty(t, s.nest.Puts())
	s.clock.Advance(10 * time.Second)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, launches, s.nest.Launches())
	assert.False(t, s.coord.NeedsRefresh())

	var entities []api.EntitySnapshot
	s.getJSON(t, "/api/entities", &entities)
	require.Len(t, entities, 10)
	assert.Equal(t, serial, entities[0].ID)
}
