package entity

import (
	"context"
	"fmt"

	"github.com/dskrypa/hass-nest-web/internal/coordinator"
	"github.com/dskrypa/hass-nest-web/internal/nest"
)

// Owner names the object a binary sensor reads from.
type Owner int

const (
	OwnerStructure Owner = iota
	OwnerDevice
	OwnerShared
)

func (o Owner) String() string {
	switch o {
	case OwnerStructure:
		return "structure"
	case OwnerDevice:
		return "device"
	case OwnerShared:
		return "shared"
	default:
		return fmt.Sprintf("Owner(%d)", int(o))
	}
}

type binarySensorDescription struct {
	key         string
	owner       Owner
	attribute   string
	negate      bool
	deviceClass string
}

var binarySensorDescriptions = []binarySensorDescription{
	{key: "fan", owner: OwnerShared, attribute: "hvac_fan_state", deviceClass: "running"},
	{key: "has_leaf", owner: OwnerDevice, attribute: "leaf"},
	{key: "home", owner: OwnerStructure, attribute: "away", negate: true, deviceClass: "presence"},
	{key: "ac_running", owner: OwnerShared, attribute: "hvac_ac_state", deviceClass: "cold"},
	{key: "heat_running", owner: OwnerShared, attribute: "hvac_heater_state", deviceClass: "heat"},
}

var structureAttributes = map[string]func(*nest.Structure) bool{
	"away": func(s *nest.Structure) bool { return s.Away },
}

var deviceAttributes = map[string]func(*nest.ThermostatDevice) bool{
	"leaf":    func(d *nest.ThermostatDevice) bool { return d.Leaf },
	"has_fan": func(d *nest.ThermostatDevice) bool { return d.HasFan },
}

var sharedAttributes = map[string]func(*nest.Shared) bool{
	"hvac_fan_state":    func(s *nest.Shared) bool { return s.FanState },
	"hvac_ac_state":     func(s *nest.Shared) bool { return s.ACState },
	"hvac_heater_state": func(s *nest.Shared) bool { return s.HeaterState },
	"can_heat":          func(s *nest.Shared) bool { return s.CanHeat },
	"can_cool":          func(s *nest.Shared) bool { return s.CanCool },
}

// resolve turns the description into an accessor over a group.
func (d binarySensorDescription) resolve() (func(coordinator.Group) bool, error) {
	var read func(coordinator.Group) bool
	switch d.owner {
	case OwnerStructure:
		if f, ok := structureAttributes[d.attribute]; ok {
			read = func(g coordinator.Group) bool { return f(g.Structure) }
		}
	case OwnerDevice:
		if f, ok := deviceAttributes[d.attribute]; ok {
			read = func(g coordinator.Group) bool { return f(g.Device) }
		}
	case OwnerShared:
		if f, ok := sharedAttributes[d.attribute]; ok {
			read = func(g coordinator.Group) bool { return f(g.Shared) }
		}
	}
	if read == nil {
		return nil, fmt.Errorf("binary sensor %q: no %s attribute %q", d.key, d.owner, d.attribute)
	}
	if d.negate {
		return func(g coordinator.Group) bool { return !read(g) }, nil
	}
	return read, nil
}

// BinarySensor exposes one boolean thermostat or structure attribute.
type BinarySensor struct {
	base
	desc binarySensorDescription
	read func(coordinator.Group) bool
	name string

	// guarded by base.mu
	on bool
}

// NewBinarySensors builds every binary sensor for grp.
func NewBinarySensors(deps Deps, grp coordinator.Group) ([]*BinarySensor, error) {
	sensors := make([]*BinarySensor, 0, len(binarySensorDescriptions))
	for _, desc := range binarySensorDescriptions {
		read, err := desc.resolve()
		if err != nil {
			return nil, err
		}
		s := &BinarySensor{desc: desc, read: read, name: sensorName(grp, desc.key), on: read(grp)}
		s.init(deps, grp, s.name)
		sensors = append(sensors, s)
	}
	return sensors, nil
}

func (s *BinarySensor) UniqueID() string    { return s.serial + "-" + s.desc.key }
func (s *BinarySensor) Name() string        { return s.name }
func (s *BinarySensor) Kind() Kind          { return KindBinarySensor }
func (s *BinarySensor) Key() string         { return s.desc.key }
func (s *BinarySensor) DeviceClass() string { return s.desc.deviceClass }

func (s *BinarySensor) Update(ctx context.Context) bool {
	grp, generation, ok := s.poll(ctx)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.on = s.read(grp)
	s.commitLocked(grp, generation)
	s.mu.Unlock()
	return true
}

func (s *BinarySensor) IsOn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.on
}

func (s *BinarySensor) State() any {
	return SensorState{Value: s.IsOn(), DeviceClass: s.desc.deviceClass}
}
