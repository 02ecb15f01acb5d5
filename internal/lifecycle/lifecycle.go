// Package lifecycle owns every legal status transition of a notification.
// Subscribers and services never assign Notification.Status themselves.
package lifecycle

import (
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-notify/internal/models"
)

// ErrInvalidArgument is returned when an operation receives a nil notification.
var ErrInvalidArgument = errors.New("invalid argument")

type Lifecycle struct {
	now func() time.Time
}

type Option func(*Lifecycle)

// WithClock replaces the time source used to stamp CreatedAt, ReadAt and ExpiresAt.
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) { l.now = now }
}

func New(opts ...Option) *Lifecycle {
	l := &Lifecycle{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Initialize puts the notification in UNREAD. CreatedAt is stamped only when
// unset, so calling it again is the retry path: status resets, creation time stays.
func (l *Lifecycle) Initialize(n *models.Notification) (*models.Notification, error) {
	if n == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "initialize: notification is nil")
	}
	n.Status = models.NotificationStatusUnread
	n.ReadAt = nil
	if n.CreatedAt.IsZero() {
		n.CreatedAt = l.now()
	}
	return n, nil
}

// MarkAsRead always refreshes ReadAt, including on an already READ notification.
func (l *Lifecycle) MarkAsRead(n *models.Notification) (*models.Notification, error) {
	if n == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "mark as read: notification is nil")
	}
	now := l.now()
	n.Status = models.NotificationStatusRead
	n.ReadAt = &now
	return n, nil
}

func (l *Lifecycle) Archive(n *models.Notification) (*models.Notification, error) {
	if n == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "archive: notification is nil")
	}
	n.Status = models.NotificationStatusArchived
	return n, nil
}

// Expire overwrites any configured ExpiresAt with the current time.
func (l *Lifecycle) Expire(n *models.Notification) (*models.Notification, error) {
	if n == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "expire: notification is nil")
	}
	now := l.now()
	n.Status = models.NotificationStatusExpired
	n.ExpiresAt = &now
	return n, nil
}

func (l *Lifecycle) IsExpired(n *models.Notification) bool {
	if n == nil {
		return false
	}
	return n.IsExpiredAt(l.now())
}

// Now reads the lifecycle clock.
func (l *Lifecycle) Now() time.Time {
	return l.now()
}
