// Package api serves read-only diagnostics for the bridge over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dskrypa/hass-nest-web/internal/audit"
	"github.com/dskrypa/hass-nest-web/internal/coordinator"
	"github.com/dskrypa/hass-nest-web/internal/entity"
	"github.com/dskrypa/hass-nest-web/internal/shadowstate"
)

// StatusSource reports the coordinator's schedule.
type StatusSource interface {
	Status() coordinator.Status
}

// DecisionSource reports recent refresh decisions.
type DecisionSource interface {
	GetState() *shadowstate.CoordinatorShadowState
}

// EventLister reads the audit log.
type EventLister interface {
	List(ctx context.Context, from, to time.Time, typ string) ([]audit.Event, error)
}

// Options wires the server to the rest of the bridge. Nil sources disable
// their endpoints with 503.
type Options struct {
	Port           int
	Entities       []entity.Entity
	Coordinator    StatusSource
	Decisions      DecisionSource
	Events         EventLister
	Metrics        http.Handler
	StreamInterval time.Duration
}

// Server provides HTTP API endpoints for the Nest bridge
type Server struct {
	opts   Options
	logger *zap.Logger
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a new API server
func NewServer(opts Options, logger *zap.Logger) *Server {
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = defaultInterval
	}
	s := &Server{
		opts:   opts,
		logger: logger.Named("api"),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("/", s.handleSitemap)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/entities", s.handleEntities)
	s.mux.HandleFunc("/api/coordinator", s.handleCoordinator)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/stream", s.handleStream)
	if opts.Metrics != nil {
		s.mux.Handle("/metrics", opts.Metrics)
	}

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", opts.Port),
		Handler:     s.mux,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /api/stream holds its connection open.
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler exposes the routes for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// EntitySnapshot is one entity as served by /api/entities and /api/stream.
type EntitySnapshot struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Kind   entity.Kind       `json:"kind"`
	Device entity.DeviceInfo `json:"device"`
	State  any               `json:"state"`
}

func (s *Server) snapshots() []EntitySnapshot {
	out := make([]EntitySnapshot, 0, len(s.opts.Entities))
	for _, e := range s.opts.Entities {
		out = append(out, EntitySnapshot{
			ID:     e.UniqueID(),
			Name:   e.Name(),
			Kind:   e.Kind(),
			Device: e.DeviceInfo(),
			State:  e.State(),
		})
	}
	return out
}

// CoordinatorResponse is served by /api/coordinator.
type CoordinatorResponse struct {
	Status    coordinator.Status                  `json:"status"`
	Decisions *shadowstate.CoordinatorShadowState `json:"decisions,omitempty"`
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.snapshots())
}

func (s *Server) handleCoordinator(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Coordinator == nil {
		http.Error(w, "Coordinator not available", http.StatusServiceUnavailable)
		return
	}

	resp := CoordinatorResponse{Status: s.opts.Coordinator.Status()}
	if s.opts.Decisions != nil {
		resp.Decisions = s.opts.Decisions.GetState()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleEvents lists audit events. Query: from, to (RFC 3339), type.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Events == nil {
		http.Error(w, "Audit log not available", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		http.Error(w, "invalid from: "+err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		http.Error(w, "invalid to: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		http.Error(w, "to is before from", http.StatusBadRequest)
		return
	}

	events, err := s.opts.Events.List(r.Context(), from, to, q.Get("type"))
	if err != nil {
		s.logger.Error("Failed to list audit events", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: `Health check endpoint - returns {"status": "ok"}`},
	{Path: "/api/entities", Method: "GET", Description: "Current state of every entity"},
	{Path: "/api/coordinator", Method: "GET", Description: "Refresh schedule and recent refresh decisions"},
	{Path: "/api/events", Method: "GET", Description: "Audit log (?from=&to= RFC 3339, ?type=COMMAND)"},
	{Path: "/api/stream", Method: "GET", Description: "WebSocket stream of entity states (?interval=2s)"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>Nest Web Bridge API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .description { color: #9cdcfe; margin-top: 5px; }
        a { color: #ce9178; text-decoration: none; }
    </style>
</head>
<body>
    <h1>Nest Web Bridge API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <a href="%s">%s</a></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Nest Web Bridge API\n")
		fmt.Fprintf(w, "===================\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-10s %-20s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExample:\n\n")
		fmt.Fprintf(w, "  curl http://localhost:%d/api/entities | jq\n", s.opts.Port)
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
