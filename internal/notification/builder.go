package notification

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stanstork/stratum-notify/internal/lifecycle"
	"github.com/stanstork/stratum-notify/internal/models"
)

const fallbackTitle = "Notificación"

var titles = map[models.EventType]string{
	models.EventTripCreated:            "Nuevo viaje creado",
	models.EventTripAccepted:           "Viaje aceptado",
	models.EventTripCancelled:          "Viaje cancelado",
	models.EventTripCompleted:          "Viaje completado",
	models.EventPaymentConfirmed:       "Pago confirmado",
	models.EventPaymentFailed:          "Error en el pago",
	models.EventPaymentRefunded:        "Reembolso procesado",
	models.EventUserRegistered:         "Bienvenido",
	models.EventPasswordRecovery:       "Recuperación de contraseña",
	models.EventLoginAlert:             "Nuevo inicio de sesión",
	models.EventSecurityIncident:       "Incidente de seguridad",
	models.EventEmergencyButtonPressed: "Alerta de seguridad",
}

// TitleFor returns the user-facing title for an event type.
func TitleFor(eventType models.EventType) string {
	if title, ok := titles[eventType]; ok {
		return title
	}
	return fallbackTitle
}

// Builder turns events into initialized UNREAD notifications.
type Builder struct {
	lifecycle *lifecycle.Lifecycle
	ttl       time.Duration
	newID     func() string
}

type BuilderOption func(*Builder)

// WithTTL sets ExpiresAt to CreatedAt+ttl on every built notification.
func WithTTL(ttl time.Duration) BuilderOption {
	return func(b *Builder) { b.ttl = ttl }
}

func WithLifecycle(l *lifecycle.Lifecycle) BuilderOption {
	return func(b *Builder) { b.lifecycle = l }
}

func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		lifecycle: lifecycle.New(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build derives a notification from evt. A notification carried on the event
// supplies the id, recipient, title, message and expiry when it sets them.
// evt is never modified.
func (b *Builder) Build(evt *models.Event) (*models.Notification, error) {
	if evt == nil {
		return nil, errors.Wrap(lifecycle.ErrInvalidArgument, "build notification: event is nil")
	}

	n := &models.Notification{
		UserID:    evt.UserID,
		Title:     TitleFor(evt.Type),
		EventType: evt.Type,
		Priority:  evt.Priority,
		CreatedAt: evt.Timestamp,
	}
	if n.Priority == "" {
		n.Priority = models.PriorityNormal
	}

	var carried models.Notification
	if evt.Notification != nil {
		carried = *evt.Notification
	}
	n.ID = carried.ID
	if n.ID == "" {
		n.ID = b.newID()
	}
	if carried.UserID != "" {
		n.UserID = carried.UserID
	}
	if t := strings.TrimSpace(carried.Title); t != "" {
		n.Title = t
	}
	n.Message = messageFor(evt, carried.Message)

	if _, err := b.lifecycle.Initialize(n); err != nil {
		return nil, err
	}

	switch {
	case carried.ExpiresAt != nil:
		t := *carried.ExpiresAt
		n.ExpiresAt = &t
	case b.ttl > 0:
		t := n.CreatedAt.Add(b.ttl)
		n.ExpiresAt = &t
	}
	return n, nil
}

// messageFor prefers the producer's rendered message, then the payload's
// free-text "message", and otherwise the whole event as JSON.
func messageFor(evt *models.Event, carried string) string {
	if strings.TrimSpace(carried) != "" {
		return carried
	}
	if msg, ok := evt.Payload["message"].(string); ok && strings.TrimSpace(msg) != "" {
		return msg
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Sprintf("%+v", *evt)
	}
	return string(raw)
}
