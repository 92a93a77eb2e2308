package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sunstone-advisory/iridium-sbd-emulator/internal/events"
)

// sseEvent is one frame on the event stream.
type sseEvent struct {
	Type    string      `json:"type"` // "log", "sbd-message", "signer-key-generated"
	Payload interface{} `json:"payload"`
}

// StreamEvents streams bus events to the client as Server-Sent Events. A
// slow client drops events rather than blocking the emulator.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		errorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan sseEvent, 64)
	send := func(ev sseEvent) {
		select {
		case ch <- ev:
		default:
			// Client is slow; drop the event rather than blocking
		}
	}

	unsubLog := s.bus.SubscribeLog(func(ev events.LogEvent) {
		send(sseEvent{Type: "log", Payload: ev})
	})
	defer unsubLog()
	unsubMsg := s.bus.SubscribeSBDMessage(func(ev events.SBDMessage) {
		send(sseEvent{Type: "sbd-message", Payload: ev})
	})
	defer unsubMsg()
	unsubKey := s.bus.SubscribeSignerKey(func(ev events.SignerKeyDetails) {
		send(sseEvent{Type: "signer-key-generated", Payload: ev})
	})
	defer unsubKey()

	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
