package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamrelay/backend/internal/config"
	"github.com/streamrelay/backend/internal/relay"
	"github.com/streamrelay/backend/internal/session"
	"github.com/streamrelay/backend/internal/stats"
)

// Server is the HTTP/WebSocket front door. It parses routes and JSON
// envelopes and hands everything stateful to the relay coordinator.
type Server struct {
	cfg      *config.Config
	coord    *relay.Coordinator
	stats    *stats.Collector
	logger   *slog.Logger
	metrics  http.Handler
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, coord *relay.Coordinator, collector *stats.Collector, logger *slog.Logger, gatherer prometheus.Gatherer) *Server {
	return &Server{
		cfg:     cfg,
		coord:   coord,
		stats:   collector,
		logger:  logger,
		metrics: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		upgrader: websocket.Upgrader{
			// The relay is origin-agnostic by design; CORS is equally
			// permissive on the JSON routes.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the full route tree wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return corsMiddleware(mux)
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/create-relay", s.handleCreateRelay)
	mux.HandleFunc("/relay/", s.handleRelay)
	mux.HandleFunc("/stream/", s.handleStream)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", s.metrics)
	mux.HandleFunc("/", s.handleNotFound)
}

// corsMiddleware stamps permissive cross-origin headers on every response
// and short-circuits preflight requests with a 200.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreateRelay(w http.ResponseWriter, r *http.Request) {
	sourceURL := r.URL.Query().Get("url")
	if sourceURL == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "url query parameter is required"})
		return
	}
	id := r.URL.Query().Get("sessionId")

	sess, err := s.coord.CreateSession(id, sourceURL)
	if err != nil {
		if errors.Is(err, session.ErrSourceMismatch) {
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, CreateRelayResponse{
		SessionID:   sess.ID,
		RelayURL:    "/relay/" + sess.ID,
		HTTPURL:     "/stream/" + sess.ID,
		ClientCount: sess.SubscriberCount(),
	})
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/relay/")
	if id == "" || strings.Contains(id, "/") {
		s.handleNotFound(w, r)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "websocket upgrade required"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	sink := newSink(conn, s.cfg.Relay.SinkBuffer)
	sess, err := s.coord.Join(id, sink)
	if err != nil {
		// Unknown session: the handshake succeeded, so the rejection
		// travels as a policy-violation close frame.
		sink.Close(websocket.ClosePolicyViolation, err.Error())
		return
	}

	// Reader loop: subscribers send nothing meaningful, but reading is
	// what detects the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.coord.Leave(sess, sink)
	sink.Close(websocket.CloseNormalClosure, "")
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/stream/")
	if id == "" || strings.Contains(id, "/") {
		s.handleNotFound(w, r)
		return
	}

	sess, ok := s.coord.Registry().Get(id)
	if !ok || sess.State() != session.Active {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "session not found or not active"})
		return
	}

	writeJSON(w, http.StatusOK, StreamInfoResponse{
		SessionID:     sess.ID,
		SourceURL:     sess.SourceURL(),
		ClientCount:   sess.SubscriberCount(),
		IsActive:      true,
		HTTPStreamURL: "/stream/" + sess.ID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summaries := s.coord.Registry().Summaries()

	resp := StatusResponse{
		ActiveSessions: summaries,
		TotalSessions:  len(summaries),
	}
	if s.stats != nil {
		snap := s.stats.Snapshot()
		resp.System = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not found"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
