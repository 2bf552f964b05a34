package platform

import (
	"github.com/dskrypa/hass-nest-web/internal/entity"
)

// Setup order of the built-in platforms.
const (
	OrderClimate      = 10
	OrderSensor       = 20
	OrderBinarySensor = 30
)

// Builtin lists the climate, sensor and binary_sensor platforms.
func Builtin() []PlatformInfo {
	return []PlatformInfo{
		{
			Name:        string(entity.KindClimate),
			Description: "One climate entity per thermostat",
			Order:       OrderClimate,
			Factory:     climateFactory,
		},
		{
			Name:        string(entity.KindSensor),
			Description: "Humidity, HVAC state and temperature sensors",
			Order:       OrderSensor,
			Factory:     sensorFactory,
		},
		{
			Name:        string(entity.KindBinarySensor),
			Description: "Fan, leaf, presence and heating/cooling indicators",
			Order:       OrderBinarySensor,
			Factory:     binarySensorFactory,
		},
	}
}

// RegisterBuiltin adds the built-in platforms to r.
func RegisterBuiltin(r *Registry) error {
	for _, info := range Builtin() {
		if err := r.Register(info); err != nil {
			return err
		}
	}
	return nil
}

func climateFactory(ctx *Context) ([]entity.Entity, error) {
	deps := ctx.Deps()
	var out []entity.Entity
	for _, grp := range ctx.Coordinator.Groups() {
		out = append(out, entity.NewThermostat(deps, grp))
	}
	return out, nil
}

func sensorFactory(ctx *Context) ([]entity.Entity, error) {
	deps := ctx.Deps()
	var out []entity.Entity
	for _, grp := range ctx.Coordinator.Groups() {
		for _, s := range entity.NewSensors(deps, grp) {
			out = append(out, s)
		}
	}
	return out, nil
}

func binarySensorFactory(ctx *Context) ([]entity.Entity, error) {
	deps := ctx.Deps()
	var out []entity.Entity
	for _, grp := range ctx.Coordinator.Groups() {
		sensors, err := entity.NewBinarySensors(deps, grp)
		if err != nil {
			return nil, err
		}
		for _, s := range sensors {
			out = append(out, s)
		}
	}
	return out, nil
}
