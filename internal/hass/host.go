// Package hass plays the Home Assistant side of the integration over MQTT.
//
// The host announces every entity through MQTT discovery, polls the entities
// on the scan interval (each poll lets the coordinator decide whether to
// refresh), publishes state that changed, and turns command topic messages
// into thermostat commands.
package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dskrypa/hass-nest-web/internal/clock"
	"github.com/dskrypa/hass-nest-web/internal/entity"
)

// Config controls the host.
type Config struct {
	Topics       Topics
	ScanInterval time.Duration
	// Concurrency bounds how many entities are updated at once.
	Concurrency int
}

// CommandRecord describes one executed command.
type CommandRecord struct {
	Time     time.Time
	EntityID string
	Command  string
	Payload  string
	Err      error
}

// Result classifies the command as "ok", "rejected" or "failed".
func (r CommandRecord) Result() string {
	switch {
	case r.Err == nil:
		return "ok"
	case errors.Is(r.Err, entity.ErrInvalidTemperature), errors.Is(r.Err, entity.ErrUnsupportedMode):
		return "rejected"
	default:
		return "failed"
	}
}

// CommandRecorder is told about every executed command.
type CommandRecorder interface {
	RecordCommand(ctx context.Context, rec CommandRecord)
}

// PayloadError is returned for command payloads that cannot be parsed.
type PayloadError struct {
	Command string
	Payload string
	Err     error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload %q: %v", e.Command, e.Payload, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

type command struct {
	thermostat *entity.Thermostat
	name       string
	payload    string
}

// Host bridges entities to Home Assistant.
type Host struct {
	broker    Broker
	entities  []entity.Entity
	queue     *entity.Queue
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
	recorders []CommandRecorder

	commands chan command
	announce chan struct{}
}

// Option customizes a Host.
type Option func(*Host)

// WithRecorder adds a command recorder.
func WithRecorder(r CommandRecorder) Option {
	return func(h *Host) { h.recorders = append(h.recorders, r) }
}

// WithClock replaces the wall clock used for command timestamps and the scan ticker.
func WithClock(c clock.Clock) Option {
	return func(h *Host) { h.clock = c }
}

// NewHost creates a host for entities. queue delivers the re-poll requests
// entities schedule after commands.
func NewHost(broker Broker, entities []entity.Entity, queue *entity.Queue, cfg Config, logger *zap.Logger, opts ...Option) *Host {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	h := &Host{
		broker:   broker,
		entities: entities,
		queue:    queue,
		cfg:      cfg,
		clock:    clock.New(),
		logger:   logger.Named("hass"),
		commands: make(chan command, 16),
		announce: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Entities returns the entities the host manages.
func (h *Host) Entities() []entity.Entity {
	return h.entities
}

// Run subscribes, announces and polls until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	ticker := h.clock.NewTicker(h.cfg.ScanInterval)
	defer ticker.Stop()

	if err := h.subscribe(); err != nil {
		return err
	}

	// Entities are updated once before they are announced.
	h.pollAll(ctx, true)
	if err := h.announceAll(); err != nil {
		return err
	}
	h.logger.Info("Home Assistant bridge started",
		zap.Int("entities", len(h.entities)),
		zap.Duration("scan_interval", h.cfg.ScanInterval))

	var pokes <-chan entity.Entity
	if h.queue != nil {
		pokes = h.queue.C()
	}

	for {
		select {
		case <-ctx.Done():
			if err := h.broker.Publish(h.cfg.Topics.Availability(), []byte(PayloadOffline), true); err != nil {
				h.logger.Warn("Failed to publish offline status", zap.Error(err))
			}
			h.logger.Info("Home Assistant bridge stopped")
			return nil

		case <-ticker.C():
			h.pollAll(ctx, false)

		case e := <-pokes:
			h.queue.Done(e)
			if e.Update(ctx) {
				h.publishState(e)
			}

		case cmd := <-h.commands:
			h.execute(ctx, cmd)

		case <-h.announce:
			if err := h.announceAll(); err != nil {
				h.logger.Warn("Failed to re-announce entities", zap.Error(err))
			}
		}
	}
}

func (h *Host) subscribe() error {
	err := h.broker.Subscribe(h.cfg.Topics.HassStatus(), func(_ string, payload []byte) {
		if string(payload) != PayloadOnline {
			return
		}
		select {
		case h.announce <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}

	for _, e := range h.entities {
		th, ok := e.(*entity.Thermostat)
		if !ok {
			continue
		}
		for _, name := range climateCommands {
			name := name
			err := h.broker.Subscribe(h.cfg.Topics.Command(th, name), func(_ string, payload []byte) {
				select {
				case h.commands <- command{thermostat: th, name: name, payload: string(payload)}:
				default:
					h.logger.Warn("Command queue full, dropping command",
						zap.String("entity", th.UniqueID()),
						zap.String("command", name))
				}
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// announceAll publishes availability, discovery configs and current state.
func (h *Host) announceAll() error {
	topics := h.cfg.Topics
	if err := h.broker.Publish(topics.Availability(), []byte(PayloadOnline), true); err != nil {
		return err
	}
	for _, e := range h.entities {
		payload, err := topics.DiscoveryPayload(e)
		if err != nil {
			return err
		}
		if err := h.broker.Publish(topics.Config(e), payload, true); err != nil {
			return err
		}
		h.publishState(e)
	}
	return nil
}

// pollAll updates every entity concurrently and publishes those that changed.
// With force set nothing is published; the caller announces everything next.
func (h *Host) pollAll(ctx context.Context, force bool) {
	var g errgroup.Group
	g.SetLimit(h.cfg.Concurrency)

	for _, e := range h.entities {
		e := e
		g.Go(func() error {
			if e.Update(ctx) && !force {
				h.publishState(e)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Host) publishState(e entity.Entity) {
	payload, err := json.Marshal(e.State())
	if err != nil {
		h.logger.Error("Failed to encode entity state", zap.String("entity", e.UniqueID()), zap.Error(err))
		return
	}
	if err := h.broker.Publish(h.cfg.Topics.State(e), payload, true); err != nil {
		h.logger.Warn("Failed to publish entity state", zap.String("entity", e.UniqueID()), zap.Error(err))
	}
}

func (h *Host) execute(ctx context.Context, cmd command) {
	logger := h.logger.With(
		zap.String("entity", cmd.thermostat.UniqueID()),
		zap.String("command", cmd.name),
		zap.String("payload", cmd.payload))

	err := h.dispatch(ctx, cmd)

	var payloadErr *PayloadError
	if errors.As(err, &payloadErr) {
		logger.Warn("Dropping unparseable command", zap.Error(err))
		return
	}

	rec := CommandRecord{
		Time:     h.clock.Now(),
		EntityID: cmd.thermostat.UniqueID(),
		Command:  cmd.name,
		Payload:  cmd.payload,
		Err:      err,
	}
	switch rec.Result() {
	case "ok":
		logger.Info("Command executed")
	case "rejected":
		logger.Warn("Command rejected", zap.Error(err))
	default:
		logger.Error("Command failed", zap.Error(err))
	}
	for _, r := range h.recorders {
		r.RecordCommand(ctx, rec)
	}
}

func (h *Host) dispatch(ctx context.Context, cmd command) error {
	th := cmd.thermostat
	payload := strings.TrimSpace(cmd.payload)

	switch cmd.name {
	case CommandMode:
		return th.SetHVACMode(ctx, payload)
	case CommandPresetMode:
		return th.SetPresetMode(ctx, payload)
	case CommandFanMode:
		return th.SetFanMode(ctx, payload)
	}

	v, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		return &PayloadError{Command: cmd.name, Payload: cmd.payload, Err: err}
	}

	var req entity.TemperatureRequest
	switch cmd.name {
	case CommandTemperature:
		req.Temperature = &v
	case CommandTemperatureLow:
		req.Low, req.High = &v, th.TargetTemperatureHigh()
	case CommandTemperatureHigh:
		req.Low, req.High = th.TargetTemperatureLow(), &v
	default:
		return &PayloadError{Command: cmd.name, Payload: cmd.payload, Err: errors.New("unknown command")}
	}
	return th.SetTemperature(ctx, req)
}
