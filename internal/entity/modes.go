package entity

import "github.com/dskrypa/hass-nest-web/internal/nest"

// Home Assistant climate vocabulary.
const (
	HVACModeAuto = "auto"
	HVACModeHeat = "heat"
	HVACModeCool = "cool"
	HVACModeOff  = "off"

	ActionIdle = "idle"
	ActionHeat = "heating"
	ActionCool = "cooling"
	ActionFan  = "fan"

	FanOn   = "on"
	FanAuto = "auto"
	FanOff  = "off"

	PresetNone = "none"
	PresetAway = "away"
)

var modeHassToNest = map[string]string{
	HVACModeAuto: nest.ModeRange,
	HVACModeHeat: nest.ModeHeat,
	HVACModeCool: nest.ModeCool,
	HVACModeOff:  nest.ModeOff,
}

var modeNestToHass = map[string]string{
	nest.ModeRange: HVACModeAuto,
	nest.ModeHeat:  HVACModeHeat,
	nest.ModeCool:  HVACModeCool,
	nest.ModeOff:   HVACModeOff,
}

var actionNestToHass = map[string]string{
	nest.StateOff:        ActionIdle,
	nest.StateHeating:    ActionHeat,
	nest.StateCooling:    ActionCool,
	nest.StateFanRunning: ActionFan,
}

var fanNestToHass = map[string]string{
	"auto": FanAuto,
	"off":  FanOff,
	"on":   FanOn,
}

var (
	fanModes    = []string{FanOn, FanAuto, FanOff}
	presetModes = []string{PresetNone, PresetAway}
)

// hvacModesFor lists the modes a thermostat offers given its equipment.
func hvacModesFor(canHeat, canCool bool) []string {
	switch {
	case canHeat && canCool:
		return []string{HVACModeAuto, HVACModeHeat, HVACModeCool, HVACModeOff}
	case canHeat:
		return []string{HVACModeHeat, HVACModeOff}
	case canCool:
		return []string{HVACModeCool, HVACModeOff}
	default:
		return []string{HVACModeOff}
	}
}
