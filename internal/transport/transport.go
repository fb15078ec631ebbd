// Package transport provides the reference WebSocket transport (spec.md §6)
// that the core is not required to depend on exclusively, but that this
// hub ships as its default accept-side implementation of
// session.Transport. Grounded on the teacher's gorilla/websocket usage in
// overseer.Client, adapted from dial-out to accept-side.
package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trailsd/trails/internal/session"
	"github.com/trailsd/trails/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsTransport adapts a *websocket.Conn to session.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (w *wsTransport) ReadMessage() ([]byte, error) {
	_, raw, err := w.conn.ReadMessage()
	return raw, err
}

func (w *wsTransport) WriteMessage(payload []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsTransport) Close() error {
	w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return w.conn.Close()
}

var (
	connectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trails_connections_accepted_total",
		Help: "Total WebSocket transports accepted by the Session Handler.",
	})
	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trails_connections_active",
		Help: "Currently open WebSocket transports.",
	})
)

func init() {
	prometheus.MustRegister(connectionsAccepted, connectionsActive)
}

// Server mounts the reference transport and ancillary endpoints on a
// net/http ServeMux.
type Server struct {
	Handler *session.Handler
	Addr    string

	httpServer *http.Server
}

// Mux builds the ServeMux for /v1/sessions/connect, /healthz, and /metrics.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/connect", s.handleConnect)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: upgrade failed: %v", err)
		return
	}

	connectionsAccepted.Inc()
	connectionsActive.Inc()
	defer connectionsActive.Dec()

	s.Handler.HandleConnection(r.Context(), &wsTransport{conn: conn})
}

// handleHealthz reports session-registry occupancy and the Durable Store's
// circuit-breaker state, mirroring the teacher's router.health handler
// (overseer_connected + a conditional 503) generalized from a single
// upstream connection flag to this hub's own backing store.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	breakerState := "unknown"
	if reporter, ok := s.Handler.Store.(store.BreakerStateReporter); ok {
		breakerState = reporter.BreakerState()
	}

	code := http.StatusOK
	status := "ok"
	if breakerState == "open" {
		code = http.StatusServiceUnavailable
		status = "store_unavailable"
	}

	liveSessions := 0
	if s.Handler.Registry != nil {
		liveSessions = s.Handler.Registry.Count()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":        status,
		"breaker_state": breakerState,
		"live_sessions": liveSessions,
	})
}

// ListenAndServe starts the HTTP server and blocks until it returns (on
// Shutdown or a fatal listen error).
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.Addr,
		Handler:      s.Mux(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived WS connections
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops accepting new transports per spec.md §5's
// graceful-shutdown discipline: "stop accepting new transports" is this
// call; the caller is responsible for broadcasting hub_shutting_down and
// bounding the drain interval after it returns.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
