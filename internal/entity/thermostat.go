package entity

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dskrypa/hass-nest-web/internal/clock"
	"github.com/dskrypa/hass-nest-web/internal/coordinator"
	"github.com/dskrypa/hass-nest-web/internal/nest"
)

const (
	MinTemp = 9.0
	MaxTemp = 32.0

	// DefaultFanDuration is how long "fan on" runs when Deps.FanDuration is unset.
	DefaultFanDuration = 15 * time.Minute

	// commandSettleDelay is the first re-poll after a command, long enough for
	// the thermostat to acknowledge the write.
	commandSettleDelay = 5 * time.Second
	// afterIntervalSlack pushes the second re-poll just past the refresh interval.
	afterIntervalSlack = 500 * time.Millisecond
)

// Feature is the climate supported-features bitmask Home Assistant expects.
type Feature int

const (
	FeatureTargetTemperature      Feature = 1
	FeatureTargetTemperatureRange Feature = 2
	FeatureFanMode                Feature = 8
	FeaturePresetMode             Feature = 16
)

// TemperatureRequest carries the arguments of a set-temperature command. In
// range mode Low and High are used when both are set; otherwise Temperature.
type TemperatureRequest struct {
	Temperature *float64
	Low         *float64
	High        *float64
}

// ClimateState is the rendered state of a thermostat.
type ClimateState struct {
	HVACMode              string   `json:"hvac_mode"`
	HVACModes             []string `json:"hvac_modes"`
	HVACAction            string   `json:"hvac_action"`
	PresetMode            string   `json:"preset_mode"`
	PresetModes           []string `json:"preset_modes"`
	FanMode               *string  `json:"fan_mode"`
	FanModes              []string `json:"fan_modes,omitempty"`
	TargetTemperature     *float64 `json:"target_temperature"`
	TargetTemperatureLow  *float64 `json:"target_temperature_low"`
	TargetTemperatureHigh *float64 `json:"target_temperature_high"`
	CurrentTemperature    float64  `json:"current_temperature"`
	CurrentHumidity       float64  `json:"current_humidity"`
	MinTemp               float64  `json:"min_temp"`
	MaxTemp               float64  `json:"max_temp"`
	SupportedFeatures     Feature  `json:"supported_features"`
}

type climateSnapshot struct {
	name      string
	mode      string
	target    float64
	low, high float64
	away      bool
	hvacState string
	fanMode   string
	humidity  float64
	current   float64
	canHeat   bool
	canCool   bool
}

func deriveClimate(grp coordinator.Group) climateSnapshot {
	low, high := grp.Shared.TargetRange()
	name := grp.Device.Name
	if name == "" {
		name = grp.Device.Description()
	}
	return climateSnapshot{
		name:      name,
		mode:      grp.Shared.TargetTemperatureType,
		target:    grp.Shared.TargetTemperature,
		low:       low,
		high:      high,
		away:      grp.Structure.Away,
		hvacState: grp.Shared.HVACState(),
		fanMode:   grp.Device.FanMode,
		humidity:  grp.Device.Humidity,
		current:   grp.Shared.CurrentTemperature,
		canHeat:   grp.Shared.CanHeat,
		canCool:   grp.Shared.CanCool,
	}
}

// Thermostat is the climate entity for one Nest thermostat.
type Thermostat struct {
	base

	updates     UpdateRequester
	fanDuration time.Duration
	hvacModes   []string
	features    Feature
	hasFan      bool

	// guarded by base.mu
	snap  climateSnapshot
	group coordinator.Group

	timersMu  sync.Mutex
	timers    map[uint64]clock.Timer
	nextTimer uint64
	closed    bool
}

// NewThermostat builds the climate entity for grp.
func NewThermostat(deps Deps, grp coordinator.Group) *Thermostat {
	t := &Thermostat{
		updates:     deps.Updates,
		fanDuration: deps.FanDuration,
		hvacModes:   hvacModesFor(grp.Shared.CanHeat, grp.Shared.CanCool),
		features:    FeatureTargetTemperature | FeaturePresetMode,
		hasFan:      grp.Device.HasFan,
		timers:      make(map[uint64]clock.Timer),
		group:       grp,
	}
	if t.fanDuration <= 0 {
		t.fanDuration = DefaultFanDuration
	}
	if grp.Shared.CanHeat && grp.Shared.CanCool {
		t.features |= FeatureTargetTemperatureRange
	}
	if t.hasFan {
		t.features |= FeatureFanMode
	}
	t.snap = deriveClimate(grp)
	t.init(deps, grp, t.snap.name)
	return t
}

func (t *Thermostat) UniqueID() string { return t.serial }
func (t *Thermostat) Kind() Kind       { return KindClimate }

func (t *Thermostat) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap.name
}

func (t *Thermostat) Update(ctx context.Context) bool {
	grp, generation, ok := t.poll(ctx)
	if !ok {
		return false
	}
	t.mu.Lock()
	t.snap = deriveClimate(grp)
	t.group = grp
	t.commitLocked(grp, generation)
	t.mu.Unlock()
	return true
}

func (t *Thermostat) snapshot() climateSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

func (t *Thermostat) HVACModes() []string        { return slices.Clone(t.hvacModes) }
func (t *Thermostat) SupportedFeatures() Feature { return t.features }

func (t *Thermostat) CurrentTemperature() float64 { return t.snapshot().current }
func (t *Thermostat) CurrentHumidity() float64    { return t.snapshot().humidity }

// TargetTemperature is the single setpoint, or nil in range mode.
func (t *Thermostat) TargetTemperature() *float64 {
	s := t.snapshot()
	if s.mode == nest.ModeRange {
		return nil
	}
	return &s.target
}

// TargetTemperatureLow is the lower setpoint in range mode, nil otherwise.
func (t *Thermostat) TargetTemperatureLow() *float64 {
	s := t.snapshot()
	if s.mode != nest.ModeRange {
		return nil
	}
	return &s.low
}

// TargetTemperatureHigh is the upper setpoint in range mode, nil otherwise.
func (t *Thermostat) TargetTemperatureHigh() *float64 {
	s := t.snapshot()
	if s.mode != nest.ModeRange {
		return nil
	}
	return &s.high
}

func (t *Thermostat) HVACMode() string {
	return modeNestToHass[t.snapshot().mode]
}

func (t *Thermostat) HVACAction() string {
	return actionNestToHass[t.snapshot().hvacState]
}

func (t *Thermostat) PresetMode() string {
	return presetFor(t.snapshot().away)
}

// FanMode is "on" while the fan runs, the configured fan mode otherwise, and
// nil for thermostats without a fan.
func (t *Thermostat) FanMode() *string {
	return t.fanModeOf(t.snapshot())
}

func (t *Thermostat) fanModeOf(s climateSnapshot) *string {
	if !t.hasFan {
		return nil
	}
	if s.hvacState == nest.StateFanRunning {
		mode := FanOn
		return &mode
	}
	mode, ok := fanNestToHass[s.fanMode]
	if !ok {
		return nil
	}
	return &mode
}

func presetFor(away bool) string {
	if away {
		return PresetAway
	}
	return PresetNone
}

func (t *Thermostat) State() any {
	s := t.snapshot()
	state := ClimateState{
		HVACMode:           modeNestToHass[s.mode],
		HVACModes:          t.HVACModes(),
		HVACAction:         actionNestToHass[s.hvacState],
		PresetMode:         presetFor(s.away),
		PresetModes:        slices.Clone(presetModes),
		FanMode:            t.fanModeOf(s),
		CurrentTemperature: s.current,
		CurrentHumidity:    s.humidity,
		MinTemp:            MinTemp,
		MaxTemp:            MaxTemp,
		SupportedFeatures:  t.features,
	}
	if t.hasFan {
		state.FanModes = slices.Clone(fanModes)
	}
	if s.mode == nest.ModeRange {
		state.TargetTemperatureLow = &s.low
		state.TargetTemperatureHigh = &s.high
	} else {
		state.TargetTemperature = &s.target
	}
	return state
}

// current returns the freshest objects for writes, falling back to the ones
// the snapshot came from.
func (t *Thermostat) current() (coordinator.Group, climateSnapshot) {
	t.mu.RLock()
	grp, snap := t.group, t.snap
	t.mu.RUnlock()
	if latest, ok := t.coord.Graph().Group(t.serial); ok {
		grp = latest
	}
	return grp, snap
}

// SetTemperature writes a new setpoint or range.
func (t *Thermostat) SetTemperature(ctx context.Context, req TemperatureRequest) error {
	grp, snap := t.current()

	var write func() error
	switch {
	case snap.mode == nest.ModeRange && req.Low != nil && req.High != nil:
		low, high := *req.Low, *req.High
		if !validTemp(low) || !validTemp(high) || low >= high {
			return fmt.Errorf("%w: range %v-%v", ErrInvalidTemperature, low, high)
		}
		write = func() error { return grp.Shared.SetTempRange(ctx, low, high) }
	case req.Temperature != nil:
		temp := *req.Temperature
		if !validTemp(temp) {
			return fmt.Errorf("%w: %v", ErrInvalidTemperature, temp)
		}
		write = func() error { return grp.Shared.SetTemp(ctx, temp) }
	default:
		t.logger.Debug("Invalid set_temperature args",
			zap.String("mode", snap.mode),
			zap.Any("low", req.Low),
			zap.Any("high", req.High),
			zap.Any("temperature", req.Temperature))
		t.commandIssued()
		return fmt.Errorf("%w: no usable temperature for mode %s", ErrInvalidTemperature, snap.mode)
	}

	err := write()
	if err != nil {
		t.logger.Error("An error occurred while setting temperature", zap.Error(err))
		err = fmt.Errorf("failed to set temperature: %w", err)
	}
	t.commandIssued()
	return err
}

// SetHVACMode switches between heat, cool, auto (range) and off.
func (t *Thermostat) SetHVACMode(ctx context.Context, mode string) error {
	nestMode, ok := modeHassToNest[mode]
	if !ok || !slices.Contains(t.hvacModes, mode) {
		return fmt.Errorf("%w: hvac mode %q", ErrUnsupportedMode, mode)
	}
	grp, _ := t.current()

	err := grp.Shared.SetMode(ctx, nestMode)
	if err != nil {
		t.logger.Error("An error occurred while setting hvac mode", zap.String("mode", mode), zap.Error(err))
		err = fmt.Errorf("failed to set hvac mode: %w", err)
	}
	t.commandIssued()
	return err
}

// SetPresetMode toggles the structure's away flag. Selecting the current
// preset does nothing.
func (t *Thermostat) SetPresetMode(ctx context.Context, preset string) error {
	if !slices.Contains(presetModes, preset) {
		return fmt.Errorf("%w: preset %q", ErrUnsupportedMode, preset)
	}
	grp, snap := t.current()
	if preset == presetFor(snap.away) {
		return nil
	}

	err := grp.Structure.SetAway(ctx, preset == PresetAway, t.clock.Now())
	if err != nil {
		t.logger.Error("An error occurred while setting preset", zap.String("preset", preset), zap.Error(err))
		err = fmt.Errorf("failed to set preset: %w", err)
	}
	t.commandIssued()
	return err
}

// SetFanMode starts the fan timer for "on" and stops it otherwise. Thermostats
// without a fan ignore it.
func (t *Thermostat) SetFanMode(ctx context.Context, mode string) error {
	if !t.hasFan {
		t.logger.Debug("Ignoring fan mode for thermostat without a fan", zap.String("fan_mode", mode))
		return nil
	}
	if !slices.Contains(fanModes, mode) {
		return fmt.Errorf("%w: fan mode %q", ErrUnsupportedMode, mode)
	}
	grp, _ := t.current()

	var err error
	if mode == FanOn {
		err = grp.Device.StartFan(ctx, t.clock.Now(), t.fanDuration)
	} else {
		err = grp.Device.StopFan(ctx)
	}
	if err != nil {
		t.logger.Error("An error occurred while setting fan mode", zap.String("fan_mode", mode), zap.Error(err))
		err = fmt.Errorf("failed to set fan mode: %w", err)
	}
	t.commandIssued()
	return err
}

func validTemp(v float64) bool {
	return !math.IsNaN(v) && v >= MinTemp && v <= MaxTemp
}

// commandIssued marks the graph stale and schedules two re-polls: one after
// the thermostat has had time to apply the write, and one just past the next
// interval boundary.
func (t *Thermostat) commandIssued() {
	t.coord.RegisterCommand()
	t.schedulePoll(commandSettleDelay)
	t.schedulePoll(t.coord.RefreshInterval() + afterIntervalSlack)
}

func (t *Thermostat) schedulePoll(d time.Duration) {
	if t.updates == nil {
		return
	}
	t.timersMu.Lock()
	defer t.timersMu.Unlock()
	if t.closed {
		return
	}
	id := t.nextTimer
	t.nextTimer++
	t.timers[id] = t.clock.AfterFunc(d, func() {
		t.timersMu.Lock()
		delete(t.timers, id)
		closed := t.closed
		t.timersMu.Unlock()
		if !closed {
			t.updates.RequestUpdate(t)
		}
	})
}

// PendingPolls is the number of scheduled re-polls that have not fired.
func (t *Thermostat) PendingPolls() int {
	t.timersMu.Lock()
	defer t.timersMu.Unlock()
	return len(t.timers)
}

// Close cancels scheduled re-polls.
func (t *Thermostat) Close() {
	t.timersMu.Lock()
	defer t.timersMu.Unlock()
	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
