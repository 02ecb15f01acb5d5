package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-notify/internal/models"
	"github.com/stanstork/stratum-notify/internal/repository"
)

// Store persists notifications.
type Store = repository.NotificationRepository

// Sender delivers one notification to one address over an external channel.
type Sender interface {
	Send(ctx context.Context, notification models.Notification, address string) error
}

// UserDirectory resolves the delivery address of a user.
type UserDirectory interface {
	EmailFor(ctx context.Context, userID string) (string, error)
}

// Pusher fans a stored notification out to live connections.
type Pusher interface {
	Push(notification models.Notification)
}

// ContactStore records the addresses announced by USER_REGISTERED events.
type ContactStore interface {
	UpsertUser(ctx context.Context, user models.User) error
}

func logNotifyError(logger zerolog.Logger, err error, channel string, notif models.Notification) {
	if err == nil {
		return
	}
	logger.Warn().
		Err(err).
		Str("notification_id", notif.ID).
		Str("event_type", string(notif.EventType)).
		Str("channel", channel).
		Msg("failed to deliver notification")
}

func senderName(s Sender) string {
	type named interface {
		String() string
	}
	if v, ok := s.(named); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", s)
}
