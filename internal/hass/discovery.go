package hass

import (
	"encoding/json"
	"fmt"

	"github.com/dskrypa/hass-nest-web/internal/entity"
)

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Climate command names, used as topic segments and in command records.
const (
	CommandMode            = "mode"
	CommandTemperature     = "temperature"
	CommandTemperatureLow  = "temperature_low"
	CommandTemperatureHigh = "temperature_high"
	CommandFanMode         = "fan_mode"
	CommandPresetMode      = "preset_mode"
)

var climateCommands = []string{
	CommandMode,
	CommandTemperature,
	CommandTemperatureLow,
	CommandTemperatureHigh,
	CommandFanMode,
	CommandPresetMode,
}

// Topics derives every topic the host uses.
type Topics struct {
	DiscoveryPrefix string
	Base            string
}

// Availability is where the bridge announces itself online or offline.
func (t Topics) Availability() string {
	return t.Base + "/status"
}

// HassStatus is where Home Assistant announces its own restarts.
func (t Topics) HassStatus() string {
	return t.DiscoveryPrefix + "/status"
}

func (t Topics) Config(e entity.Entity) string {
	return fmt.Sprintf("%s/%s/%s/config", t.DiscoveryPrefix, e.Kind(), e.UniqueID())
}

func (t Topics) State(e entity.Entity) string {
	return fmt.Sprintf("%s/%s/state", t.Base, e.UniqueID())
}

func (t Topics) Command(e entity.Entity, command string) string {
	return fmt.Sprintf("%s/%s/%s/set", t.Base, e.UniqueID(), command)
}

type availability struct {
	Topic string `json:"topic"`
}

// discoveryBase holds the fields shared by every discovery payload.
type discoveryBase struct {
	Name         string            `json:"name"`
	UniqueID     string            `json:"unique_id"`
	ObjectID     string            `json:"object_id"`
	Device       entity.DeviceInfo `json:"device"`
	Availability []availability    `json:"availability"`
}

type sensorConfig struct {
	discoveryBase
	StateTopic        string `json:"state_topic"`
	ValueTemplate     string `json:"value_template"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
}

type climateConfig struct {
	discoveryBase

	ModeStateTopic    string   `json:"mode_state_topic"`
	ModeStateTemplate string   `json:"mode_state_template"`
	ModeCommandTopic  string   `json:"mode_command_topic"`
	Modes             []string `json:"modes"`

	ActionTopic    string `json:"action_topic"`
	ActionTemplate string `json:"action_template"`

	CurrentTemperatureTopic    string `json:"current_temperature_topic"`
	CurrentTemperatureTemplate string `json:"current_temperature_template"`
	CurrentHumidityTopic       string `json:"current_humidity_topic"`
	CurrentHumidityTemplate    string `json:"current_humidity_template"`

	TemperatureStateTopic    string `json:"temperature_state_topic"`
	TemperatureStateTemplate string `json:"temperature_state_template"`
	TemperatureCommandTopic  string `json:"temperature_command_topic"`

	TemperatureLowStateTopic     string `json:"temperature_low_state_topic,omitempty"`
	TemperatureLowStateTemplate  string `json:"temperature_low_state_template,omitempty"`
	TemperatureLowCommandTopic   string `json:"temperature_low_command_topic,omitempty"`
	TemperatureHighStateTopic    string `json:"temperature_high_state_topic,omitempty"`
	TemperatureHighStateTemplate string `json:"temperature_high_state_template,omitempty"`
	TemperatureHighCommandTopic  string `json:"temperature_high_command_topic,omitempty"`

	FanModeStateTopic    string   `json:"fan_mode_state_topic,omitempty"`
	FanModeStateTemplate string   `json:"fan_mode_state_template,omitempty"`
	FanModeCommandTopic  string   `json:"fan_mode_command_topic,omitempty"`
	FanModes             []string `json:"fan_modes,omitempty"`

	PresetModeStateTopic    string   `json:"preset_mode_state_topic"`
	PresetModeValueTemplate string   `json:"preset_mode_value_template"`
	PresetModeCommandTopic  string   `json:"preset_mode_command_topic"`
	PresetModes             []string `json:"preset_modes"`

	MinTemp         float64 `json:"min_temp"`
	MaxTemp         float64 `json:"max_temp"`
	TempStep        float64 `json:"temp_step"`
	TemperatureUnit string  `json:"temperature_unit"`
}

func template(field string) string {
	return "{{ value_json." + field + " }}"
}

// DiscoveryPayload builds the MQTT discovery config for e.
func (t Topics) DiscoveryPayload(e entity.Entity) ([]byte, error) {
	base := discoveryBase{
		Name:         e.Name(),
		UniqueID:     entity.Domain + "_" + e.UniqueID(),
		ObjectID:     entity.Domain + "_" + e.UniqueID(),
		Device:       e.DeviceInfo(),
		Availability: []availability{{Topic: t.Availability()}},
	}
	state := t.State(e)

	var cfg any
	switch e := e.(type) {
	case *entity.Thermostat:
		cfg = t.climateConfig(base, e)
	case *entity.Sensor:
		cfg = sensorConfig{
			discoveryBase:     base,
			StateTopic:        state,
			ValueTemplate:     template("value"),
			UnitOfMeasurement: e.Unit(),
			DeviceClass:       e.DeviceClass(),
		}
	case *entity.BinarySensor:
		cfg = sensorConfig{
			discoveryBase: base,
			StateTopic:    state,
			ValueTemplate: "{{ 'ON' if value_json.value else 'OFF' }}",
			DeviceClass:   e.DeviceClass(),
		}
	default:
		return nil, fmt.Errorf("no discovery config for %s entity %s", e.Kind(), e.UniqueID())
	}
	return json.Marshal(cfg)
}

func (t Topics) climateConfig(base discoveryBase, th *entity.Thermostat) climateConfig {
	state := t.State(th)
	features := th.SupportedFeatures()

	cfg := climateConfig{
		discoveryBase: base,

		ModeStateTopic:    state,
		ModeStateTemplate: template("hvac_mode"),
		ModeCommandTopic:  t.Command(th, CommandMode),
		Modes:             th.HVACModes(),

		ActionTopic:    state,
		ActionTemplate: template("hvac_action"),

		CurrentTemperatureTopic:    state,
		CurrentTemperatureTemplate: template("current_temperature"),
		CurrentHumidityTopic:       state,
		CurrentHumidityTemplate:    template("current_humidity"),

		TemperatureStateTopic:    state,
		TemperatureStateTemplate: template("target_temperature"),
		TemperatureCommandTopic:  t.Command(th, CommandTemperature),

		PresetModeStateTopic:    state,
		PresetModeValueTemplate: template("preset_mode"),
		PresetModeCommandTopic:  t.Command(th, CommandPresetMode),
		// "none" is implied by Home Assistant and must not be listed.
		PresetModes: []string{entity.PresetAway},

		MinTemp:         entity.MinTemp,
		MaxTemp:         entity.MaxTemp,
		TempStep:        0.5,
		TemperatureUnit: "C",
	}
	if features&entity.FeatureTargetTemperatureRange != 0 {
		cfg.TemperatureLowStateTopic = state
		cfg.TemperatureLowStateTemplate = template("target_temperature_low")
		cfg.TemperatureLowCommandTopic = t.Command(th, CommandTemperatureLow)
		cfg.TemperatureHighStateTopic = state
		cfg.TemperatureHighStateTemplate = template("target_temperature_high")
		cfg.TemperatureHighCommandTopic = t.Command(th, CommandTemperatureHigh)
	}
	if features&entity.FeatureFanMode != 0 {
		cfg.FanModeStateTopic = state
		cfg.FanModeStateTemplate = template("fan_mode")
		cfg.FanModeCommandTopic = t.Command(th, CommandFanMode)
		cfg.FanModes = []string{entity.FanOn, entity.FanAuto, entity.FanOff}
	}
	return cfg
}
