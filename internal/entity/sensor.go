package entity

import (
	"context"
	"fmt"
	"strings"

	"github.com/dskrypa/hass-nest-web/internal/coordinator"
	"github.com/dskrypa/hass-nest-web/internal/nest"
)

// SensorState is the rendered state of a sensor or binary sensor.
type SensorState struct {
	Value       any    `json:"value"`
	Unit        string `json:"unit_of_measurement,omitempty"`
	DeviceClass string `json:"device_class,omitempty"`
}

type sensorDescription struct {
	key         string
	deviceClass string
	unit        string
	value       func(coordinator.Group) any
}

var sensorDescriptions = []sensorDescription{
	{
		key:         "humidity",
		deviceClass: "humidity",
		unit:        "%",
		value:       func(g coordinator.Group) any { return g.Device.Humidity },
	},
	{
		key:   "hvac_state",
		value: func(g coordinator.Group) any { return g.Shared.HVACState() },
	},
	{
		key:         "temperature",
		deviceClass: "temperature",
		unit:        "°C",
		value:       func(g coordinator.Group) any { return formatTemp(g.Shared.CurrentTemperature) },
	},
	{
		key:         "target_temperature",
		deviceClass: "temperature",
		unit:        "°C",
		value: func(g coordinator.Group) any {
			if g.Shared.TargetTemperatureType == nest.ModeRange {
				low, high := g.Shared.TargetRange()
				return formatTemp(low) + "-" + formatTemp(high)
			}
			return formatTemp(g.Shared.TargetTemperature)
		},
	},
}

func formatTemp(v float64) string {
	return fmt.Sprintf("%.1f", v)
}

func sensorName(grp coordinator.Group, key string) string {
	return grp.Device.Description() + " " + strings.ReplaceAll(key, "_", " ")
}

// Sensor exposes one scalar thermostat attribute.
type Sensor struct {
	base
	desc sensorDescription
	name string

	// guarded by base.mu
	value any
}

// NewSensors builds every scalar sensor for grp.
func NewSensors(deps Deps, grp coordinator.Group) []*Sensor {
	sensors := make([]*Sensor, 0, len(sensorDescriptions))
	for _, desc := range sensorDescriptions {
		s := &Sensor{desc: desc, name: sensorName(grp, desc.key), value: desc.value(grp)}
		s.init(deps, grp, s.name)
		sensors = append(sensors, s)
	}
	return sensors
}

func (s *Sensor) UniqueID() string { return s.serial + "-" + s.desc.key }
func (s *Sensor) Name() string     { return s.name }
func (s *Sensor) Kind() Kind       { return KindSensor }

// Key is the attribute the sensor renders.
func (s *Sensor) Key() string { return s.desc.key }

func (s *Sensor) Unit() string        { return s.desc.unit }
func (s *Sensor) DeviceClass() string { return s.desc.deviceClass }

func (s *Sensor) Update(ctx context.Context) bool {
	grp, generation, ok := s.poll(ctx)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.value = s.desc.value(grp)
	s.commitLocked(grp, generation)
	s.mu.Unlock()
	return true
}

// Value is the rendered value: a number for humidity, text otherwise.
func (s *Sensor) Value() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

func (s *Sensor) State() any {
	return SensorState{Value: s.Value(), Unit: s.desc.unit, DeviceClass: s.desc.deviceClass}
}
