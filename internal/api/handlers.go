package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/peterbutler/sagrada/internal/devices"
	"github.com/peterbutler/sagrada/internal/hub"
	"github.com/peterbutler/sagrada/internal/telemetry"
)

// /healthz reports liveness plus the ingest watermark so an operator can see
// at a glance whether readings are still arriving.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"uptime_s": int(time.Since(s.start).Seconds()),
		"channels": s.hub.Catalog().Len(),
	}
	if last := s.hub.LastIngest(); !last.IsZero() {
		body["last_ingest"] = last.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, body)
}

// /channels lists the catalog.
func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Catalog().All())
}

// /channels/{id}/history returns the finalized minute buckets, oldest first.
// Minutes with no readings are simply not present.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	buckets, err := s.hub.History(id)
	if err != nil {
		s.channelError(w, err)
		return
	}
	if buckets == nil {
		buckets = []telemetry.Bucket{}
	}
	s.writeJSON(w, http.StatusOK, buckets)
}

// /channels/{id}/live returns the open minute bucket with its running
// average, 404 until the channel's first reading arrives.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	live, err := s.hub.Live(id)
	if err != nil {
		s.channelError(w, err)
		return
	}
	if live == nil {
		s.writeError(w, http.StatusNotFound, "no data for channel yet")
		return
	}
	s.writeJSON(w, http.StatusOK, live)
}

// /channels/{id}/rate returns the freshest rate estimate and its display
// form. perHour is null while the estimator is warming up.
func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := s.hub.Rate(id)
	if err != nil {
		s.channelError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// /thermal returns the current energy-flow snapshot.
func (s *Server) handleThermal(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Thermal())
}

// /devices lists every device that has reported.
func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	list := s.hub.Devices()
	if list == nil {
		list = []devices.State{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

// /summary is the one-call dashboard view.
func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Summary())
}

func (s *Server) channelError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hub.ErrUnknownChannel):
		s.writeError(w, http.StatusNotFound, "unknown channel")
	case errors.Is(err, hub.ErrNoSeries):
		s.writeError(w, http.StatusNotFound, "channel has no numeric series")
	default:
		s.log.Error("channel query failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
