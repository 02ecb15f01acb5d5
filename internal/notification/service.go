package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-notify/internal/lifecycle"
	"github.com/stanstork/stratum-notify/internal/models"
	"github.com/stanstork/stratum-notify/internal/repository"
)

// ErrNotFound is returned for unknown notifications and for notifications the
// caller may not see.
var ErrNotFound = repository.ErrNotFound

// ErrBroadcast is returned when a single user tries to change a broadcast.
var ErrBroadcast = errors.New("broadcast notifications are shared and cannot be changed by one user")

// ErrInvalidTransition is returned when a notification is already ARCHIVED or
// EXPIRED, or past its ExpiresAt, and the requested change would revive it.
var ErrInvalidTransition = errors.New("notification status does not allow this change")

type Service interface {
	// ListForUser returns the user's notifications and broadcasts, newest
	// first. Archived and expired ones are left out unless includeHidden.
	ListForUser(ctx context.Context, userID string, limit int, includeHidden bool) ([]models.Notification, error)
	Get(ctx context.Context, userID, notificationID string) (models.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) (models.Notification, error)
	Archive(ctx context.Context, userID, notificationID string) (models.Notification, error)
	// ExpireDue moves up to limit notifications past their ExpiresAt to
	// EXPIRED and reports how many were changed.
	ExpireDue(ctx context.Context, limit int) (int, error)
}

type service struct {
	store     Store
	lifecycle *lifecycle.Lifecycle
	logger    zerolog.Logger
}

func NewService(store Store, lc *lifecycle.Lifecycle, logger zerolog.Logger) Service {
	if lc == nil {
		lc = lifecycle.New()
	}
	return &service{
		store:     store,
		lifecycle: lc,
		logger:    logger.With().Str("component", "notification_service").Logger(),
	}
}

func (s *service) ListForUser(ctx context.Context, userID string, limit int, includeHidden bool) ([]models.Notification, error) {
	userID = strings.TrimSpace(userID)

	var (
		notifications []models.Notification
		err           error
	)
	if includeHidden {
		notifications, err = s.store.FindByUser(ctx, userID, limit)
	} else {
		notifications, err = s.store.FindVisibleByUser(ctx, userID, s.lifecycle.Now(), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list notifications for user %s: %w", userID, err)
	}
	return notifications, nil
}

func (s *service) Get(ctx context.Context, userID, notificationID string) (models.Notification, error) {
	notif, err := s.store.FindByID(ctx, strings.TrimSpace(notificationID))
	if err != nil {
		return models.Notification{}, err
	}
	if !notif.VisibleTo(strings.TrimSpace(userID)) {
		return models.Notification{}, ErrNotFound
	}
	return notif, nil
}

func (s *service) MarkRead(ctx context.Context, userID, notificationID string) (models.Notification, error) {
	return s.transition(ctx, userID, notificationID, s.lifecycle.MarkAsRead)
}

func (s *service) Archive(ctx context.Context, userID, notificationID string) (models.Notification, error) {
	return s.transition(ctx, userID, notificationID, s.lifecycle.Archive)
}

func (s *service) transition(ctx context.Context, userID, notificationID string, apply func(*models.Notification) (*models.Notification, error)) (models.Notification, error) {
	notif, err := s.Get(ctx, userID, notificationID)
	if err != nil {
		return models.Notification{}, err
	}
	if notif.IsBroadcast() {
		return models.Notification{}, ErrBroadcast
	}
	if !s.mutable(notif) {
		return models.Notification{}, ErrInvalidTransition
	}
	if _, err := apply(&notif); err != nil {
		return models.Notification{}, err
	}
	if err := s.store.Save(ctx, &notif); err != nil {
		s.logger.Error().Err(err).Str("notification_id", notif.ID).Msg("failed to persist notification status")
		return models.Notification{}, err
	}
	return notif, nil
}

// mutable reports whether a user may still mark or archive n. Only UNREAD and
// READ notifications that have not reached their ExpiresAt qualify.
func (s *service) mutable(n models.Notification) bool {
	switch n.Status {
	case models.NotificationStatusUnread, models.NotificationStatusRead:
		return !n.IsExpiredAt(s.lifecycle.Now())
	}
	return false
}

func (s *service) ExpireDue(ctx context.Context, limit int) (int, error) {
	due, err := s.store.FindExpirable(ctx, s.lifecycle.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("find expirable notifications: %w", err)
	}

	expired := 0
	for i := range due {
		notif := &due[i]
		if _, err := s.lifecycle.Expire(notif); err != nil {
			return expired, err
		}
		if err := s.store.Save(ctx, notif); err != nil {
			return expired, fmt.Errorf("expire notification %s: %w", notif.ID, err)
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info().Int("count", expired).Msg("expired notifications")
	}
	return expired, nil
}
