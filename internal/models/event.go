package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type EventType string

const (
	EventTripCreated            EventType = "TRIP_CREATED"
	EventTripAccepted           EventType = "TRIP_ACCEPTED"
	EventTripCancelled          EventType = "TRIP_CANCELLED"
	EventTripCompleted          EventType = "TRIP_COMPLETED"
	EventPaymentConfirmed       EventType = "PAYMENT_CONFIRMED"
	EventPaymentFailed          EventType = "PAYMENT_FAILED"
	EventPaymentRefunded        EventType = "PAYMENT_REFUNDED"
	EventUserRegistered         EventType = "USER_REGISTERED"
	EventPasswordRecovery       EventType = "PASSWORD_RECOVERY"
	EventLoginAlert             EventType = "LOGIN_ALERT"
	EventSecurityIncident       EventType = "SECURITY_INCIDENT"
	EventEmergencyButtonPressed EventType = "EMERGENCY_BUTTON_PRESSED"
)

// KnownEventTypes lists every event type the upstream modules emit, in a stable order.
var KnownEventTypes = []EventType{
	EventTripCreated,
	EventTripAccepted,
	EventTripCancelled,
	EventTripCompleted,
	EventPaymentConfirmed,
	EventPaymentFailed,
	EventPaymentRefunded,
	EventUserRegistered,
	EventPasswordRecovery,
	EventLoginAlert,
	EventSecurityIncident,
	EventEmergencyButtonPressed,
}

func (t EventType) IsKnown() bool {
	for _, known := range KnownEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// Event is a fact observed by an upstream module. It is not mutated after
// construction; every subscriber receives the same instance read-only.
type Event struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type" validate:"required"`
	SourceModule string         `json:"source_module,omitempty"`
	Timestamp    time.Time      `json:"timestamp" validate:"required"`
	Payload      map[string]any `json:"payload" validate:"required"`
	Priority     Priority       `json:"priority"`
	UserID       string         `json:"user_id,omitempty"`
	// Notification is set when the producer already rendered the user-facing content.
	Notification *Notification `json:"notification,omitempty"`
}

type EventOption func(*Event)

func WithUser(userID string) EventOption {
	return func(e *Event) { e.UserID = userID }
}

func WithPriority(p Priority) EventOption {
	return func(e *Event) { e.Priority = p }
}

func WithTimestamp(ts time.Time) EventOption {
	return func(e *Event) { e.Timestamp = ts }
}

func WithNotification(n *Notification) EventOption {
	return func(e *Event) { e.Notification = n }
}

// NewEvent stamps a new event with a fresh id and the current time.
func NewEvent(eventType EventType, source string, payload map[string]any, opts ...EventOption) *Event {
	evt := &Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		SourceModule: source,
		Timestamp:    time.Now().UTC(),
		Payload:      payload,
		Priority:     PriorityNormal,
	}
	for _, opt := range opts {
		opt(evt)
	}
	return evt
}

var eventValidator = validator.New()

// Validate reports whether the event carries a type, a timestamp and a payload.
func (e *Event) Validate() error {
	return eventValidator.Struct(e)
}
