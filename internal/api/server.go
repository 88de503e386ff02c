// Package api is the read surface of the telemetry daemon: channel history
// and live points, rates, the thermal snapshot, the dashboard summary, an
// event stream and a push ingest endpoint for sensors that speak HTTP
// instead of Kafka.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/peterbutler/sagrada/internal/hub"
	"github.com/peterbutler/sagrada/internal/metrics"
)

// Server holds the handler dependencies.
type Server struct {
	hub     *hub.Hub
	metrics *metrics.Metrics
	log     *slog.Logger
	start   time.Time

	// heartbeat keeps idle stream connections alive through proxies
	heartbeat time.Duration
}

// NewServer wires the HTTP surface to the hub. metrics may be nil, which
// drops the /metrics route.
func NewServer(h *hub.Hub, m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{
		hub:       h,
		metrics:   m,
		log:       log,
		start:     time.Now(),
		heartbeat: 15 * time.Second,
	}
}

// Routes builds the router with request logging and permissive CORS so a
// browser dashboard on another origin can read the API directly.
func (s *Server) Routes() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST"}),
	)
	return handlers.LoggingHandler(os.Stdout, cors(s.router()))
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/channels", s.handleChannels).Methods("GET")
	r.HandleFunc("/channels/{id}/history", s.handleHistory).Methods("GET")
	r.HandleFunc("/channels/{id}/live", s.handleLive).Methods("GET")
	r.HandleFunc("/channels/{id}/rate", s.handleRate).Methods("GET")
	r.HandleFunc("/thermal", s.handleThermal).Methods("GET")
	r.HandleFunc("/devices", s.handleDevices).Methods("GET")
	r.HandleFunc("/summary", s.handleSummary).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ingest", s.handleIngest).Methods("POST")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		s.log.Error("error encoding JSON response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"error": msg})
}
