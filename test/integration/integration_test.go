package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/dskrypa/hass-nest-web/internal/api"
	"github.com/dskrypa/hass-nest-web/internal/audit"
	"github.com/dskrypa/hass-nest-web/internal/clock"
	"github.com/dskrypa/hass-nest-web/internal/coordinator"
	"github.com/dskrypa/hass-nest-web/internal/entity"
	"github.com/dskrypa/hass-nest-web/internal/hass"
	"github.com/dskrypa/hass-nest-web/internal/metrics"
	"github.com/dskrypa/hass-nest-web/internal/nest"
	"github.com/dskrypa/hass-nest-web/internal/platform"
	"github.com/dskrypa/hass-nest-web/internal/shadowstate"
	"github.com/dskrypa/hass-nest-web/pkg/testutil"
)

const (
	testToken  = "jwt-token"
	testUserID = "user-1"
	serial     = "ABC123"
	interval   = 180 * time.Second
	scan       = 30 * time.Second
)

var (
	t0     = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	topics = hass.Topics{DiscoveryPrefix: "homeassistant", Base: "nest_web"}
)

// stack is the whole bridge wired the way main wires it, against a fake Nest
// service and a fake MQTT broker.
type stack struct {
	nest     *testutil.NestServer
	broker   *testutil.Broker
	clock    *clock.Mock
	coord    *coordinator.Coordinator
	tracker  *shadowstate.Tracker
	store    *audit.Store
	entities []entity.Entity
	api      *httptest.Server
}

func setupStack(t *testing.T) *stack {
	t.Helper()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))

	server := testutil.NewNestServer(testToken, testUserID)
	t.Cleanup(server.Close)
	server.SeedThermostat("s1", "Home", serial, "Living Room")

	db, err := audit.OpenDB(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := audit.NewStore(db)
	recorder := audit.NewRecorder(store, 64, logger)

	mock := clock.NewMock(t0)
	var coord *coordinator.Coordinator
	tracker := shadowstate.NewTracker(16)
	collector := metrics.NewCollector(metrics.GraphFunc(func() *coordinator.Graph { return coord.Graph() }))

	client := nest.NewClient(nest.StaticSession{Token: testToken, UserID: testUserID},
		nest.Options{BaseURL: server.URL()}, logger)
	coord = coordinator.New(client, coordinator.Config{RefreshInterval: interval}, logger,
		coordinator.WithClock(mock),
		coordinator.WithObserver(collector),
		coordinator.WithObserver(tracker),
		coordinator.WithObserver(recorder))
	require.NoError(t, coord.Initialize(context.Background()))

	queue := entity.NewQueue(32)
	registry := platform.NewRegistry(logger)
	require.NoError(t, platform.RegisterBuiltin(registry))
	entities, err := registry.CreateAll(platform.NewContext(coord, queue, logger, 0))
	require.NoError(t, err)

	broker := testutil.NewBroker()
	host := hass.NewHost(broker, entities, queue, hass.Config{Topics: topics, ScanInterval: scan}, logger,
		hass.WithRecorder(recorder),
		hass.WithRecorder(collector),
		hass.WithClock(mock))

	apiServer := api.NewServer(api.Options{
		Entities:    entities,
		Coordinator: coord,
		Decisions:   tracker,
		Events:      store,
		Metrics:     metrics.Handler(metrics.NewRegistry(collector)),
	}, logger)
	httpServer := httptest.NewServer(apiServer.Handler())
	t.Cleanup(httpServer.Close)

	ctx, cancel := context.WithCancel(context.Background())
	hostDone := make(chan error, 1)
	recorderDone := make(chan error, 1)
	go func() { hostDone <- host.Run(ctx) }()
	go func() { recorderDone <- recorder.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		for _, done := range []chan error{hostDone, recorderDone} {
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("component did not stop")
			}
		}
		for _, e := range entities {
			if th, ok := e.(*entity.Thermostat); ok {
				th.Close()
			}
		}
	})

	_, ok := broker.WaitFor(topics.Base+"/"+serial+"-heat_running/state", 5*time.Second,
		func([]byte) bool { return true })
	require.True(t, ok, "bridge did not announce entities")

	return &stack{
		nest:     server,
		broker:   broker,
		clock:    mock,
		coord:    coord,
		tracker:  tracker,
		store:    store,
		entities: entities,
		api:      httpServer,
	}
}

func (s *stack) waitForState(t *testing.T, id string, match func(map[string]any) bool) {
	t.Helper()
	_, ok := s.broker.WaitFor(topics.Base+"/"+id+"/state", 5*time.Second, func(payload []byte) bool {
		var state map[string]any
		return json.Unmarshal(payload, &state) == nil && match(state)
	})
	require.True(t, ok, "state of %s never matched", id)
}

func (s *stack) getJSON(t *testing.T, path string, out any) {
	t.Helper()
	resp, err := http.Get(s.api.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, path)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (s *stack) getText(t *testing.T, path string) string {
	t.Helper()
	resp, err := http.Get(s.api.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

// events may be called from Eventually conditions, so it must not FailNow.
func (s *stack) events(t *testing.T, typ string) []audit.Event {
	t.Helper()
	events, err := s.store.List(context.Background(), time.Time{}, time.Time{}, typ)
	assert.NoError(t, err)
	return events
}

// decisions returns the refresh decisions with the given action.
func (s *stack) decisions(action string) []shadowstate.Decision {
	var out []shadowstate.Decision
	for _, d := range s.tracker.Decisions() {
		if d.Action == action {
			out = append(out, d)
		}
	}
	return out
}

// waitForCommands waits until n successful commands have been audited. The
// audit record is written after the entity has scheduled its re-polls.
func (s *stack) waitForCommands(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.events(t, audit.TypeCommand)) == n },
		5*time.Second, 20*time.Millisecond)
}

func TestStartupAnnouncesEveryEntity(t *testing.T) {
	s := setupStack(t)

	// One thermostat: climate, four sensors, five binary sensors.
	require.Len(t, s.entities, 10)
	for _, e := range s.entities {
		assert.NotNil(t, s.broker.Retained(topics.Config(e)), "no discovery config for %s", e.UniqueID())
		assert.NotNil(t, s.broker.Retained(topics.State(e)), "no state for %s", e.UniqueID())
	}
	assert.Equal(t, hass.PayloadOnline, string(s.broker.Retained(topics.Availability())))

	climate := s.broker.RetainedJSON(topics.Base + "/" + serial + "/state")
	assert.Equal(t, "heat", climate["hvac_mode"])
	assert.Equal(t, 20.0, climate["target_temperature"])
	assert.Nil(t, climate["target_temperature_low"])
}
