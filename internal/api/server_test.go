package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dskrypa/hass-nest-web/internal/audit"
	"github.com/dskrypa/hass-nest-web/internal/coordinator"
	"github.com/dskrypa/hass-nest-web/internal/entity"
	"github.com/dskrypa/hass-nest-web/internal/shadowstate"
)

type stubEntity struct {
	id    string
	kind  entity.Kind
	state any
}

func (s stubEntity) UniqueID() string              { return s.id }
func (s stubEntity) Name() string                  { return "Living Room " + s.id }
func (s stubEntity) Kind() entity.Kind             { return s.kind }
func (s stubEntity) DeviceInfo() entity.DeviceInfo { return entity.DeviceInfo{Name: "Living Room"} }
func (s stubEntity) Update(context.Context) bool   { return false }
func (s stubEntity) State() any                    { return s.state }

type stubStatus struct{ status coordinator.Status }

func (s stubStatus) Status() coordinator.Status { return s.status }

type stubEvents struct {
	events   []audit.Event
	err      error
	from, to time.Time
	typ      string
}

func (s *stubEvents) List(_ context.Context, from, to time.Time, typ string) ([]audit.Event, error) {
	s.from, s.to, s.typ = from, to, typ
	return s.events, s.err
}

func newTestServer(opts Options) *Server {
	if opts.Entities == nil {
		opts.Entities = []entity.Entity{
			stubEntity{id: "ABC123", kind: entity.KindClimate, state: map[string]any{"hvac_mode": "heat"}},
			stubEntity{id: "ABC123-humidity", kind: entity.KindSensor, state: entity.SensorState{Value: 41.0, Unit: "%"}},
		}
	}
	return NewServer(opts, zap.NewNop())
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHandleEntities(t *testing.T) {
	s := newTestServer(Options{})

	rec := serve(s, http.MethodGet, "/api/entities")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, "ABC123", got[0]["id"])
	assert.Equal(t, "climate", got[0]["kind"])
	assert.Equal(t, map[string]any{"hvac_mode": "heat"}, got[0]["state"])
	assert.Equal(t, map[string]any{"value": 41.0, "unit_of_measurement": "%"}, got[1]["state"])
}

func TestHandleEntitiesMethodNotAllowed(t *testing.T) {
	s := newTestServer(Options{})
	assert.Equal(t, http.StatusMethodNotAllowed, serve(s, http.MethodPost, "/api/entities").Code)
}

func TestHandleCoordinator(t *testing.T) {
	tracker := shadowstate.NewTracker(4)
	tracker.ObserveRefresh(coordinator.RefreshEvent{Time: time.Now(), Skipped: true})

	s := newTestServer(Options{
		Coordinator: stubStatus{status: coordinator.Status{RefreshInterval: "3m0s", Generation: 2, Structures: []string{"Home"}}},
		Decisions:   tracker,
	})

	rec := serve(s, http.MethodGet, "/api/coordinator")
	require.Equal(t, http.StatusOK, rec.Code)

	var got CoordinatorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "3m0s", got.Status.RefreshInterval)
	assert.Equal(t, uint64(2), got.Status.Generation)
	require.NotNil(t, got.Decisions)
	require.Len(t, got.Decisions.Outputs.Decisions, 1)
	assert.Equal(t, shadowstate.ActionSkip, got.Decisions.Outputs.Decisions[0].Action)
}

func TestHandleCoordinatorUnavailable(t *testing.T) {
	s := newTestServer(Options{})
	assert.Equal(t, http.StatusServiceUnavailable, serve(s, http.MethodGet, "/api/coordinator").Code)
}

func TestHandleEvents(t *testing.T) {
	events := &stubEvents{events: []audit.Event{{ID: "1", Type: audit.TypeCommand, Message: "mode heat"}}}
	s := newTestServer(Options{Events: events})

	rec := serve(s, http.MethodGet, "/api/events?from=2024-01-15T00:00:00Z&to=2024-01-16T00:00:00Z&type=command")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []audit.Event
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "mode heat", got[0].Message)

	assert.True(t, events.from.Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)))
	assert.True(t, events.to.Equal(time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "command", events.typ)
}

func TestHandleEventsBadQuery(t *testing.T) {
	s := newTestServer(Options{Events: &stubEvents{}})

	tests := []struct {
		name  string
		query string
	}{
		{name: "bad from", query: "from=yesterday"},
		{name: "bad to", query: "to=2024-13-01"},
		{name: "inverted", query: "from=2024-01-16T00:00:00Z&to=2024-01-15T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, serve(s, http.MethodGet, "/api/events?"+tt.query).Code)
		})
	}
}

func TestHandleEventsStoreError(t *testing.T) {
	s := newTestServer(Options{Events: &stubEvents{err: errors.New("database is locked")}})
	assert.Equal(t, http.StatusInternalServerError, serve(s, http.MethodGet, "/api/events").Code)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(Options{})

	rec := serve(s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleSitemap(t *testing.T) {
	s := newTestServer(Options{Port: 8081})

	rec := serve(s, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	for _, ep := range endpoints {
		assert.Contains(t, rec.Body.String(), ep.Path)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `<a href="/api/entities">`)

	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/nope").Code)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("nest_web_refresh_total 1\n"))
	})
	s := newTestServer(Options{Metrics: metrics})

	rec := serve(s, http.MethodGet, "/metrics")
	assert.Equal(t, "nest_web_refresh_total 1\n", rec.Body.String())
}

func TestParseInterval(t *testing.T) {
	s := newTestServer(Options{StreamInterval: time.Second})

	cases := []struct {
		name string
		u    string
		want time.Duration
	}{
		{"default_when_missing", "/api/stream", time.Second},
		{"interval_string_valid", "/api/stream?interval=200ms", 200 * time.Millisecond},
		{"interval_ms_valid", "/api/stream?interval_ms=150", 150 * time.Millisecond},
		{"interval_too_small", "/api/stream?interval=1ms", time.Second},
		{"interval_too_large", "/api/stream?interval=2m", time.Second},
		{"interval_ms_invalid", "/api/stream?interval_ms=NaN", time.Second},
		{"both_present_interval_wins", "/api/stream?interval=2s&interval_ms=150", 2 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := s.parseInterval(httptest.NewRequest(http.MethodGet, tc.u, nil))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestStreamPushesSnapshots(t *testing.T) {
	s := newTestServer(Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream?interval=100ms"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg struct {
			Type string           `json:"type"`
			Data []EntitySnapshot `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "entities", msg.Type)
		require.Len(t, msg.Data, 2)
		assert.Equal(t, "ABC123-humidity", msg.Data[1].ID)
	}
}
