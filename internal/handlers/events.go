package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-notify/internal/listener"
)

const maxEventBody = 1 << 20

// EventHandler lets upstream modules without Kafka publish over HTTP.
type EventHandler struct {
	publisher listener.Publisher
	logger    zerolog.Logger
}

func NewEventHandler(publisher listener.Publisher, logger zerolog.Logger) *EventHandler {
	return &EventHandler{
		publisher: publisher,
		logger:    logger.With().Str("handler", "events").Logger(),
	}
}

func (h *EventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var env listener.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&env); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	evt, err := env.Event()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !evt.Type.IsKnown() {
		h.logger.Warn().Str("event_type", string(evt.Type)).Msg("publishing event type with no built-in title")
	}

	h.publisher.Publish(evt)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":   evt.ID,
		"type": evt.Type,
	})
}
