// Package listener feeds events produced by other modules into the bus.
package listener

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stanstork/stratum-notify/internal/models"
)

// Envelope is the wire form of an event on Kafka and on POST /api/events.
type Envelope struct {
	ID           string               `json:"id" validate:"omitempty,max=64"`
	Type         models.EventType     `json:"type" validate:"required,max=64"`
	Source       string               `json:"source" validate:"max=64"`
	Timestamp    time.Time            `json:"timestamp"`
	Payload      map[string]any       `json:"payload"`
	Priority     models.Priority      `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH"`
	UserID       string               `json:"user_id" validate:"max=64"`
	Notification *models.Notification `json:"notification,omitempty"`
}

var envelopeValidator = validator.New()

// Decode parses an envelope and turns it into an event. Missing id, timestamp,
// priority and payload are filled in. Unknown event types are accepted; the
// bus simply has no subscribers for them.
func Decode(data []byte) (*models.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	return env.Event()
}

// Event validates the envelope and converts it.
func (e Envelope) Event() (*models.Event, error) {
	if err := envelopeValidator.Struct(e); err != nil {
		return nil, fmt.Errorf("invalid event envelope: %w", err)
	}

	opts := []models.EventOption{models.WithUser(e.UserID), models.WithNotification(e.Notification)}
	if !e.Timestamp.IsZero() {
		opts = append(opts, models.WithTimestamp(e.Timestamp.UTC()))
	}
	if e.Priority != "" {
		opts = append(opts, models.WithPriority(e.Priority))
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	evt := models.NewEvent(e.Type, e.Source, payload, opts...)
	if e.ID != "" {
		evt.ID = e.ID
	}
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return evt, nil
}
