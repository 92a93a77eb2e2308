// Package handlers exposes the emulator over a small HTTP monitoring and
// control surface: status, signal, MT injection, ring alerts, an SSE event
// stream and Prometheus metrics.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/emulator"
	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/events"
)

// Server wires one emulator instance into HTTP handlers.
type Server struct {
	emu *emulator.Emulator
	bus *events.Bus
}

// NewServer creates the handler set for an emulator.
func NewServer(emu *emulator.Emulator) *Server {
	return &Server{emu: emu, bus: emu.Bus()}
}

// Routes mounts all emulator endpoints on a fresh router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.Health)
	r.Route("/emulator", func(r chi.Router) {
		r.Get("/status", s.GetStatus)
		r.Get("/signal", s.GetSignal)
		r.Put("/signal", s.SetSignal)
		r.Post("/mt", s.SetMT)
		r.Post("/ring", s.RaiseRing)
		r.Get("/events", s.StreamEvents)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Response helpers
func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{
		"error": message,
		"code":  status,
	})
}

func successResponse(w http.ResponseWriter, message string) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"message": message,
	})
}

// Health is the liveness probe.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok","service":"iridium-sbd-emulator"}`))
}

// GetStatus returns a snapshot of the emulator state.
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.emu.Status())
}

// signalDescriptions maps signal strength to the wording shown by signal
// endpoints.
var signalDescriptions = map[int]string{
	0: "No signal",
	1: "Poor (~-110 dBm, minimum for TX)",
	2: "Fair (~-108 dBm)",
	3: "Good (~-106 dBm)",
	4: "Very good (~-104 dBm)",
	5: "Excellent (~-102 dBm)",
}

// GetSignal returns the current signal strength.
func (s *Server) GetSignal(w http.ResponseWriter, r *http.Request) {
	strength := s.emu.Signal()
	desc, ok := signalDescriptions[strength]
	if !ok {
		desc = "Unknown"
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"quality": strength,
		"bars":    strength,
		"status":  desc,
	})
}

// SetSignal pins the signal strength to the requested value.
func (s *Server) SetSignal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value int `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Value < 0 || req.Value > 5 {
		errorResponse(w, http.StatusBadRequest, "signal value must be 0-5")
		return
	}
	s.emu.ForceSignal(req.Value)
	successResponse(w, "signal strength set")
}

// SetMT injects a mobile-terminated text message into the MT buffer.
func (s *Server) SetMT(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.emu.SetMTBuffer(req.Message)
	successResponse(w, "MT buffer set")
}

// RaiseRing raises a ring alert, announcing SBDRING to the DTE when ring
// alerts are enabled.
func (s *Server) RaiseRing(w http.ResponseWriter, r *http.Request) {
	s.emu.RaiseRingAlert()
	successResponse(w, "ring alert raised")
}
