package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-notify/internal/models"
)

var errNilEvent = fmt.Errorf("event is nil")

// DefaultEmailEventTypes are mailed when email.event_types is not configured.
var DefaultEmailEventTypes = []models.EventType{
	models.EventTripCreated,
	models.EventTripCancelled,
	models.EventPaymentConfirmed,
	models.EventPaymentFailed,
	models.EventPaymentRefunded,
	models.EventPasswordRecovery,
	models.EventSecurityIncident,
	models.EventEmergencyButtonPressed,
}

// InAppSubscriber stores a notification for every event and pushes it to the
// live feed. Events without a user id become broadcasts.
type InAppSubscriber struct {
	builder *Builder
	store   Store
	pusher  Pusher
	logger  zerolog.Logger
}

func NewInAppSubscriber(builder *Builder, store Store, pusher Pusher, logger zerolog.Logger) *InAppSubscriber {
	return &InAppSubscriber{
		builder: builder,
		store:   store,
		pusher:  pusher,
		logger:  logger.With().Str("subscriber", "in_app").Logger(),
	}
}

func (s *InAppSubscriber) Name() string {
	return "in_app"
}

func (s *InAppSubscriber) EventTypes() []models.EventType {
	return models.KnownEventTypes
}

func (s *InAppSubscriber) Handle(ctx context.Context, evt *models.Event) error {
	if evt == nil {
		return errNilEvent
	}
	notif, err := s.builder.Build(evt)
	if err != nil {
		return err
	}
	if err := s.store.Save(ctx, notif); err != nil {
		return fmt.Errorf("store notification for event %s: %w", evt.ID, err)
	}
	if s.pusher != nil {
		s.pusher.Push(*notif)
	}
	s.logger.Debug().
		Str("notification_id", notif.ID).
		Str("user_id", notif.UserID).
		Str("event_type", string(notif.EventType)).
		Msg("notification stored")
	return nil
}

// EmailSubscriber mails a notification to the user named by the event.
type EmailSubscriber struct {
	builder   *Builder
	directory UserDirectory
	sender    Sender
	types     []models.EventType
	logger    zerolog.Logger
}

func NewEmailSubscriber(builder *Builder, directory UserDirectory, sender Sender, types []models.EventType, logger zerolog.Logger) *EmailSubscriber {
	if len(types) == 0 {
		types = DefaultEmailEventTypes
	}
	return &EmailSubscriber{
		builder:   builder,
		directory: directory,
		sender:    sender,
		types:     types,
		logger:    logger.With().Str("subscriber", "email").Logger(),
	}
}

func (s *EmailSubscriber) Name() string {
	return "email"
}

func (s *EmailSubscriber) EventTypes() []models.EventType {
	return s.types
}

func (s *EmailSubscriber) Handle(ctx context.Context, evt *models.Event) error {
	if evt == nil {
		return errNilEvent
	}
	userID := strings.TrimSpace(evt.UserID)
	if userID == "" {
		return fmt.Errorf("email for event %s: user id is required", evt.ID)
	}
	address, err := s.directory.EmailFor(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve email for user %s: %w", userID, err)
	}
	notif, err := s.builder.Build(evt)
	if err != nil {
		return err
	}
	if err := s.sender.Send(ctx, *notif, address); err != nil {
		logNotifyError(s.logger, err, senderName(s.sender), *notif)
		return fmt.Errorf("send email for event %s: %w", evt.ID, err)
	}
	return nil
}

// AuditSubscriber writes one structured log line per event.
type AuditSubscriber struct {
	logger zerolog.Logger
}

func NewAuditSubscriber(logger zerolog.Logger) *AuditSubscriber {
	return &AuditSubscriber{logger: logger.With().Str("subscriber", "audit").Logger()}
}

func (s *AuditSubscriber) Name() string {
	return "audit"
}

func (s *AuditSubscriber) EventTypes() []models.EventType {
	return models.KnownEventTypes
}

func (s *AuditSubscriber) Handle(_ context.Context, evt *models.Event) error {
	if evt == nil {
		return errNilEvent
	}
	s.logger.Info().
		Str("event_id", evt.ID).
		Str("event_type", string(evt.Type)).
		Str("source", evt.SourceModule).
		Str("user_id", evt.UserID).
		Str("priority", string(evt.Priority)).
		Time("timestamp", evt.Timestamp).
		Msg("event received")
	return nil
}

// ContactSubscriber keeps the user directory in step with USER_REGISTERED
// events whose payload carries an "email".
type ContactSubscriber struct {
	contacts ContactStore
}

func NewContactSubscriber(contacts ContactStore) *ContactSubscriber {
	return &ContactSubscriber{contacts: contacts}
}

func (s *ContactSubscriber) Name() string {
	return "contacts"
}

func (s *ContactSubscriber) EventTypes() []models.EventType {
	return []models.EventType{models.EventUserRegistered}
}

func (s *ContactSubscriber) Handle(ctx context.Context, evt *models.Event) error {
	if evt == nil {
		return errNilEvent
	}
	userID := strings.TrimSpace(evt.UserID)
	if userID == "" {
		userID, _ = evt.Payload["user_id"].(string)
	}
	email, _ := evt.Payload["email"].(string)
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(email) == "" {
		return fmt.Errorf("register contact for event %s: user id and email are required", evt.ID)
	}
	return s.contacts.UpsertUser(ctx, models.User{
		ID:       strings.TrimSpace(userID),
		Email:    strings.TrimSpace(email),
		IsActive: true,
	})
}
