package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMsgSize       = 1 << 12
	defaultInterval  = 2 * time.Second
	minInterval      = 100 * time.Millisecond
	maxInterval      = time.Minute
	maxIntervalMilli = 60_000
)

// streamMessage is the envelope written to /api/stream clients.
type streamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream pushes entity snapshots every interval until the client goes
// away. The interval comes from ?interval=2s or ?interval_ms=2000.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	interval := s.parseInterval(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go s.readUntilClosed(conn, done)

	ticker := time.NewTicker(interval)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ping.Stop()
	}()

	if err := s.sendSnapshots(conn); err != nil {
		s.logger.Debug("Initial stream write failed", zap.Error(err))
		return
	}

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("Stream ping failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.sendSnapshots(conn); err != nil {
				s.logger.Debug("Stream write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) parseInterval(r *http.Request) time.Duration {
	q := r.URL.Query()
	if v := q.Get("interval"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= minInterval && d <= maxInterval {
			return d
		}
	}
	if v := q.Get("interval_ms"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 && ms <= maxIntervalMilli {
			if d := time.Duration(ms) * time.Millisecond; d >= minInterval {
				return d
			}
		}
	}
	return s.opts.StreamInterval
}

// readUntilClosed drains client frames so pongs and close frames are handled.
func (s *Server) readUntilClosed(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) sendSnapshots(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(streamMessage{Type: "entities", Data: s.snapshots()})
}
