// Package boundary exposes the position stream to downstream clients
// over websocket. Each client gets its own broadcast subscription and
// drain goroutine; a dead or slow client never touches the hot path.
package boundary

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seanbearden/kalshi-analysis-sub000/internal/broadcast"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/event"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
)

// Server upgrades client connections and streams broadcast events.
type Server struct {
	manager      *broadcast.Manager
	pingInterval time.Duration
	log          *slog.Logger
	upgrader     websocket.Upgrader
}

// NewServer creates a websocket server over the given broadcast manager.
func NewServer(manager *broadcast.Manager, pingInterval time.Duration, log *slog.Logger) *Server {
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		manager:      manager,
		pingInterval: pingInterval,
		log:          log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes: /ws for the stream, /healthz for
// liveness probes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sub := s.manager.Attach()
	defer s.manager.Detach(sub)
	defer conn.Close()

	s.log.Info("client connected", "id", sub.ID(), "remote", r.RemoteAddr)

	// Reader goroutine: consume control frames and detect the client
	// hanging up. Inbound data frames are ignored; this is a one-way
	// stream.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			s.log.Info("client disconnected", "id", sub.ID(), "dropped", sub.Dropped())
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				s.log.Info("client ping failed", "id", sub.ID(), "error", err)
				return
			}

		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(encodeEvent(ev)); err != nil {
				s.log.Info("client write failed", "id", sub.ID(), "error", err)
				return
			}
			sub.MarkDelivered(time.Now())
			if st, terminal := ev.(event.ConnectionStatus); terminal && st.Terminal() {
				// Nothing will ever follow; close cleanly.
				deadline := time.Now().Add(writeTimeout)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(st.State)),
					deadline)
				return
			}
		}
	}
}
