package nest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Bucket types requested from the Nest web service.
const (
	BucketStructure = "structure"
	BucketDevice    = "device"
	BucketShared    = "shared"
	BucketWhere     = "where"
)

// KnownBucketTypes are the bucket types fetched on launch and on every refresh.
var KnownBucketTypes = []string{BucketStructure, BucketDevice, BucketShared, BucketWhere}

// Target temperature types reported by shared.target_temperature_type.
const (
	ModeHeat  = "heat"
	ModeCool  = "cool"
	ModeRange = "range"
	ModeOff   = "off"
)

// HVAC running states derived from the shared bucket.
const (
	StateHeating    = "heating"
	StateCooling    = "cooling"
	StateFanRunning = "fan running"
	StateOff        = "off"
)

// Writer merges values into a Nest object. *Client implements it.
type Writer interface {
	Put(ctx context.Context, objectKey string, value map[string]any) error
}

// Bucket is one object as transported by the Nest web API.
type Bucket struct {
	ObjectKey       string          `json:"object_key"`
	ObjectRevision  int64           `json:"object_revision"`
	ObjectTimestamp int64           `json:"object_timestamp"`
	Value           json.RawMessage `json:"value"`
}

// Object is any decoded Nest bucket. Objects are immutable snapshots; a
// refresh produces new ones instead of mutating these.
type Object interface {
	Key() string
	BucketType() string
}

// Objects maps object keys ("device.<serial>") to decoded objects.
type Objects map[string]Object

// Structures returns every structure sorted by name.
func (o Objects) Structures() []*Structure {
	var out []*Structure
	for _, obj := range o {
		if s, ok := obj.(*Structure); ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Structure returns the structure with the given id.
func (o Objects) Structure(id string) (*Structure, bool) {
	s, ok := o[BucketStructure+"."+id].(*Structure)
	return s, ok
}

// Device returns the thermostat with the given serial.
func (o Objects) Device(serial string) (*ThermostatDevice, bool) {
	d, ok := o[BucketDevice+"."+serial].(*ThermostatDevice)
	return d, ok
}

// Shared returns the shared state of the thermostat with the given serial.
func (o Objects) Shared(serial string) (*Shared, bool) {
	s, ok := o[BucketShared+"."+serial].(*Shared)
	return s, ok
}

// Structure is a named group of devices (a home) with an away flag.
type Structure struct {
	w       Writer
	objects Objects

	ID            string
	Name          string
	Away          bool
	AwayTimestamp int64
	DeviceKeys    []string
}

func (s *Structure) Key() string        { return BucketStructure + "." + s.ID }
func (s *Structure) BucketType() string { return BucketStructure }

// Pair is a thermostat with its shared state, taken from the same snapshot.
type Pair struct {
	Device *ThermostatDevice
	Shared *Shared
}

// ThermostatsAndShared returns the structure's thermostats that have a shared
// bucket, in the order the structure lists them.
func (s *Structure) ThermostatsAndShared() []Pair {
	var pairs []Pair
	for _, key := range s.DeviceKeys {
		_, serial, ok := splitKey(key)
		if !ok {
			continue
		}
		device, ok := s.objects.Device(serial)
		if !ok {
			continue
		}
		shared, ok := s.objects.Shared(serial)
		if !ok {
			continue
		}
		pairs = append(pairs, Pair{Device: device, Shared: shared})
	}
	return pairs
}

// SetAway changes the structure's away flag.
func (s *Structure) SetAway(ctx context.Context, away bool, now time.Time) error {
	return s.w.Put(ctx, s.Key(), map[string]any{
		"away":           away,
		"away_timestamp": now.Unix(),
		"away_setter":    0,
	})
}

// ThermostatDevice holds a thermostat's identity and hardware state.
type ThermostatDevice struct {
	w Writer

	Serial           string
	Name             string
	Where            string
	StructureID      string
	SoftwareVersion  string
	Humidity         float64
	FanMode          string
	HasFan           bool
	FanTimerTimeout  int64
	Leaf             bool
	TemperatureScale string
}

func (d *ThermostatDevice) Key() string        { return BucketDevice + "." + d.Serial }
func (d *ThermostatDevice) BucketType() string { return BucketDevice }

// Description is the label shown for the thermostat.
func (d *ThermostatDevice) Description() string {
	switch {
	case d.Name != "" && d.Where != "" && d.Name != d.Where:
		return fmt.Sprintf("%s (%s)", d.Name, d.Where)
	case d.Name != "":
		return d.Name
	case d.Where != "":
		return d.Where + " Thermostat"
	default:
		return "Thermostat " + d.Serial
	}
}

// StartFan runs the fan until now+duration.
func (d *ThermostatDevice) StartFan(ctx context.Context, now time.Time, duration time.Duration) error {
	if !d.HasFan {
		return fmt.Errorf("thermostat %s has no fan", d.Serial)
	}
	return d.w.Put(ctx, d.Key(), map[string]any{
		"fan_timer_timeout": now.Add(duration).Unix(),
	})
}

// StopFan cancels a running fan timer.
func (d *ThermostatDevice) StopFan(ctx context.Context) error {
	if !d.HasFan {
		return fmt.Errorf("thermostat %s has no fan", d.Serial)
	}
	return d.w.Put(ctx, d.Key(), map[string]any{"fan_timer_timeout": 0})
}

// Shared is the mutable control state of a thermostat. Temperatures are Celsius.
type Shared struct {
	w Writer

	Serial                string
	Name                  string
	TargetTemperatureType string
	TargetTemperature     float64
	TargetTemperatureLow  float64
	TargetTemperatureHigh float64
	CurrentTemperature    float64
	CanHeat               bool
	CanCool               bool
	HeaterState           bool
	ACState               bool
	FanState              bool
}

func (s *Shared) Key() string        { return BucketShared + "." + s.Serial }
func (s *Shared) BucketType() string { return BucketShared }

// HVACState summarizes what the system is doing right now.
func (s *Shared) HVACState() string {
	switch {
	case s.HeaterState:
		return StateHeating
	case s.ACState:
		return StateCooling
	case s.FanState:
		return StateFanRunning
	default:
		return StateOff
	}
}

// TargetRange returns the low/high setpoints used in range mode.
func (s *Shared) TargetRange() (low, high float64) {
	return s.TargetTemperatureLow, s.TargetTemperatureHigh
}

// SetTemp sets the single setpoint used in heat or cool mode.
func (s *Shared) SetTemp(ctx context.Context, temp float64) error {
	if math.IsNaN(temp) || math.IsInf(temp, 0) {
		return fmt.Errorf("invalid temperature %v", temp)
	}
	return s.w.Put(ctx, s.Key(), map[string]any{
		"target_temperature":    temp,
		"target_change_pending": true,
	})
}

// SetTempRange sets the low/high setpoints used in range mode.
func (s *Shared) SetTempRange(ctx context.Context, low, high float64) error {
	if math.IsNaN(low) || math.IsNaN(high) || low >= high {
		return fmt.Errorf("invalid temperature range %v-%v", low, high)
	}
	return s.w.Put(ctx, s.Key(), map[string]any{
		"target_temperature_low":  low,
		"target_temperature_high": high,
		"target_change_pending":   true,
	})
}

// SetMode changes the target temperature type.
func (s *Shared) SetMode(ctx context.Context, mode string) error {
	switch mode {
	case ModeOff:
	case ModeHeat:
		if !s.CanHeat {
			return fmt.Errorf("thermostat %s cannot heat", s.Serial)
		}
	case ModeCool:
		if !s.CanCool {
			return fmt.Errorf("thermostat %s cannot cool", s.Serial)
		}
	case ModeRange:
		if !s.CanHeat || !s.CanCool {
			return fmt.Errorf("thermostat %s does not support range mode", s.Serial)
		}
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	return s.w.Put(ctx, s.Key(), map[string]any{
		"target_temperature_type": mode,
		"target_change_pending":   true,
	})
}

type structureValue struct {
	Name          string   `json:"name"`
	Away          bool     `json:"away"`
	AwayTimestamp int64    `json:"away_timestamp"`
	Devices       []string `json:"devices"`
}

type deviceValue struct {
	SerialNumber     string  `json:"serial_number"`
	CurrentVersion   string  `json:"current_version"`
	CurrentHumidity  float64 `json:"current_humidity"`
	FanMode          string  `json:"fan_mode"`
	HasFan           bool    `json:"has_fan"`
	FanTimerTimeout  int64   `json:"fan_timer_timeout"`
	Leaf             bool    `json:"leaf"`
	TemperatureScale string  `json:"temperature_scale"`
	WhereID          string  `json:"where_id"`
	StructureID      string  `json:"structure_id"`
}

type sharedValue struct {
	Name                  string  `json:"name"`
	TargetTemperatureType string  `json:"target_temperature_type"`
	TargetTemperature     float64 `json:"target_temperature"`
	TargetTemperatureLow  float64 `json:"target_temperature_low"`
	TargetTemperatureHigh float64 `json:"target_temperature_high"`
	CurrentTemperature    float64 `json:"current_temperature"`
	CanHeat               bool    `json:"can_heat"`
	CanCool               bool    `json:"can_cool"`
	HVACHeaterState       bool    `json:"hvac_heater_state"`
	HVACACState           bool    `json:"hvac_ac_state"`
	HVACFanState          bool    `json:"hvac_fan_state"`
}

type whereValue struct {
	Wheres []struct {
		WhereID string `json:"where_id"`
		Name    string `json:"name"`
	} `json:"wheres"`
}

// ParseObjects decodes buckets into a linked object graph whose setters
// write through w. Bucket types other than the known ones are ignored.
func ParseObjects(w Writer, buckets []Bucket) (Objects, error) {
	objects := make(Objects, len(buckets))
	whereNames := make(map[string]string)
	deviceWhere := make(map[string]string)

	for _, b := range buckets {
		kind, id, ok := splitKey(b.ObjectKey)
		if !ok {
			return nil, fmt.Errorf("malformed object key %q", b.ObjectKey)
		}

		switch kind {
		case BucketStructure:
			var v structureValue
			if err := json.Unmarshal(b.Value, &v); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", b.ObjectKey, err)
			}
			objects[b.ObjectKey] = &Structure{
				w:             w,
				ID:            id,
				Name:          v.Name,
				Away:          v.Away,
				AwayTimestamp: v.AwayTimestamp,
				DeviceKeys:    v.Devices,
			}

		case BucketDevice:
			var v deviceValue
			if err := json.Unmarshal(b.Value, &v); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", b.ObjectKey, err)
			}
			objects[b.ObjectKey] = &ThermostatDevice{
				w:                w,
				Serial:           id,
				StructureID:      v.StructureID,
				SoftwareVersion:  v.CurrentVersion,
				Humidity:         v.CurrentHumidity,
				FanMode:          v.FanMode,
				HasFan:           v.HasFan,
				FanTimerTimeout:  v.FanTimerTimeout,
				Leaf:             v.Leaf,
				TemperatureScale: strings.ToUpper(v.TemperatureScale),
			}
			deviceWhere[id] = v.WhereID

		case BucketShared:
			var v sharedValue
			if err := json.Unmarshal(b.Value, &v); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", b.ObjectKey, err)
			}
			objects[b.ObjectKey] = &Shared{
				w:                     w,
				Serial:                id,
				Name:                  v.Name,
				TargetTemperatureType: v.TargetTemperatureType,
				TargetTemperature:     v.TargetTemperature,
				TargetTemperatureLow:  v.TargetTemperatureLow,
				TargetTemperatureHigh: v.TargetTemperatureHigh,
				CurrentTemperature:    v.CurrentTemperature,
				CanHeat:               v.CanHeat,
				CanCool:               v.CanCool,
				HeaterState:           v.HVACHeaterState,
				ACState:               v.HVACACState,
				FanState:              v.HVACFanState,
			}

		case BucketWhere:
			var v whereValue
			if err := json.Unmarshal(b.Value, &v); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", b.ObjectKey, err)
			}
			for _, where := range v.Wheres {
				whereNames[where.WhereID] = where.Name
			}
		}
	}

	// Link in a second pass; buckets arrive in no particular order.
	for _, obj := range objects {
		switch o := obj.(type) {
		case *Structure:
			o.objects = objects
		case *ThermostatDevice:
			o.Where = whereNames[deviceWhere[o.Serial]]
			if shared, ok := objects.Shared(o.Serial); ok {
				o.Name = shared.Name
			}
		}
	}

	return objects, nil
}

func splitKey(key string) (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(key, ".")
	if !ok || kind == "" || id == "" {
		return "", "", false
	}
	return kind, id, true
}
