// Package testutil provides testing utilities for the Nest web integration.
// It contains a fake Nest web service and a fake MQTT broker for wiring the
// whole bridge together in tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
)

// Put is one object merge received by the fake Nest service.
type Put struct {
	ObjectKey string
	Value     map[string]any
}

// NestServer simulates the parts of the Nest web API used by the client:
// app_launch for discovery and refresh, and the transport put endpoint.
type NestServer struct {
	server *httptest.Server
	token  string
	userID string

	mu           sync.Mutex
	buckets      map[string]map[string]any
	revisions    map[string]int64
	puts         []Put
	launches     int
	launchStatus int
	putStatus    int
}

// NewNestServer starts a fake Nest service that accepts the given session token.
func NewNestServer(token, userID string) *NestServer {
	s := &NestServer{
		token:     token,
		userID:    userID,
		buckets:   make(map[string]map[string]any),
		revisions: make(map[string]int64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/0.1/user/", s.handleAppLaunch)
	mux.HandleFunc("/v5/put", s.handlePut)
	s.server = httptest.NewServer(mux)
	return s
}

// URL is the base URL of the fake service.
func (s *NestServer) URL() string {
	return s.server.URL
}

// Close stops the fake service.
func (s *NestServer) Close() {
	s.server.Close()
}

// SetObject replaces the value stored under key.
func (s *NestServer) SetObject(key string, value map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]any, len(value))
	for k, v := range value {
		copied[k] = v
	}
	s.buckets[key] = copied
	s.revisions[key]++
}

// MergeObject updates fields of the value stored under key.
func (s *NestServer) MergeObject(key string, value map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeLocked(key, value)
}

func (s *NestServer) mergeLocked(key string, value map[string]any) {
	existing, ok := s.buckets[key]
	if !ok {
		existing = make(map[string]any)
		s.buckets[key] = existing
	}
	for k, v := range value {
		existing[k] = v
	}
	s.revisions[key]++
}

// Object returns a copy of the value stored under key.
func (s *NestServer) Object(key string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.buckets[key]))
	for k, v := range s.buckets[key] {
		out[k] = v
	}
	return out
}

// Launches is the number of app_launch calls served, failed ones included.
func (s *NestServer) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

// Puts returns every merge received so far.
func (s *NestServer) Puts() []Put {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Put, len(s.puts))
	copy(out, s.puts)
	return out
}

// FailLaunches makes app_launch answer with status until reset with 0.
func (s *NestServer) FailLaunches(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launchStatus = status
}

// FailPuts makes the put endpoint answer with status until reset with 0.
func (s *NestServer) FailPuts(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putStatus = status
}

// SeedThermostat stores a structure with one thermostat that can heat and cool.
// The thermostat starts in heat mode at 20°C with the room at 19.5°C.
func (s *NestServer) SeedThermostat(structureID, structureName, serial, name string) {
	s.SetObject("structure."+structureID, map[string]any{
		"name":    structureName,
		"away":    false,
		"devices": []any{"device." + serial},
	})
	s.SetObject("device."+serial, map[string]any{
		"serial_number":     serial,
		"current_version":   "6.2-10",
		"current_humidity":  41.0,
		"fan_mode":          "auto",
		"has_fan":           true,
		"fan_timer_timeout": 0,
		"leaf":              false,
		"temperature_scale": "C",
		"where_id":          "where-" + serial,
		"structure_id":      structureID,
	})
	s.SetObject("shared."+serial, map[string]any{
		"name":                    name,
		"target_temperature_type": "heat",
		"target_temperature":      20.0,
		"target_temperature_low":  19.0,
		"target_temperature_high": 24.0,
		"current_temperature":     19.5,
		"can_heat":                true,
		"can_cool":                true,
		"hvac_heater_state":       true,
		"hvac_ac_state":           false,
		"hvac_fan_state":          false,
	})
	s.SetObject("where."+structureID, map[string]any{
		"wheres": []any{map[string]any{"where_id": "where-" + serial, "name": "Hallway"}},
	})
}

func (s *NestServer) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Basic "+s.token &&
		r.Header.Get("X-nl-user-id") == s.userID
}

func (s *NestServer) handleAppLaunch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/app_launch") {
		http.NotFound(w, r)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		KnownBucketTypes []string `json:"known_bucket_types"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	wanted := make(map[string]bool, len(req.KnownBucketTypes))
	for _, t := range req.KnownBucketTypes {
		wanted[t] = true
	}

	s.mu.Lock()
	s.launches++
	if s.launchStatus != 0 {
		status := s.launchStatus
		s.mu.Unlock()
		http.Error(w, "launch failed", status)
		return
	}

	keys := make([]string, 0, len(s.buckets))
	for key := range s.buckets {
		kind, _, _ := strings.Cut(key, ".")
		if wanted[kind] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	buckets := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		buckets = append(buckets, map[string]any{
			"object_key":       key,
			"object_revision":  s.revisions[key],
			"object_timestamp": 0,
			"value":            s.buckets[key],
		})
	}
	resp := map[string]any{
		"updated_buckets": buckets,
		"service_urls": map[string]any{
			"urls": map[string]any{"transport_url": s.server.URL},
		},
	}
	data, err := json.Marshal(resp)
	s.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *NestServer) handlePut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Objects []struct {
			ObjectKey string         `json:"object_key"`
			Op        string         `json:"op"`
			Value     map[string]any `json:"value"`
		} `json:"objects"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.putStatus != 0 {
		http.Error(w, "put failed", s.putStatus)
		return
	}
	for _, obj := range req.Objects {
		if obj.Op != "MERGE" {
			http.Error(w, "unsupported op "+obj.Op, http.StatusBadRequest)
			return
		}
		s.puts = append(s.puts, Put{ObjectKey: obj.ObjectKey, Value: obj.Value})
		s.mergeLocked(obj.ObjectKey, obj.Value)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"objects":[]}`))
}
