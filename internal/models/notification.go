package models

import (
	"time"
)

type NotificationStatus string

const (
	NotificationStatusUnread   NotificationStatus = "UNREAD"
	NotificationStatusRead     NotificationStatus = "READ"
	NotificationStatusArchived NotificationStatus = "ARCHIVED"
	NotificationStatusExpired  NotificationStatus = "EXPIRED"
)

// Notification is a unit of user-facing communication derived from one Event.
// Status changes go through the lifecycle package.
type Notification struct {
	ID        string             `json:"id" db:"id"`
	UserID    string             `json:"user_id,omitempty" db:"user_id"`
	Title     string             `json:"title" db:"title"`
	Message   string             `json:"message" db:"message"`
	EventType EventType          `json:"event_type" db:"event_type"`
	Priority  Priority           `json:"priority" db:"priority"`
	Status    NotificationStatus `json:"status" db:"status"`
	CreatedAt time.Time          `json:"created_at" db:"created_at"`
	ReadAt    *time.Time         `json:"read_at,omitempty" db:"read_at"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty" db:"expires_at"`
}

// IsBroadcast reports whether the notification has no single recipient.
func (n *Notification) IsBroadcast() bool {
	return n.UserID == ""
}

func (n *Notification) IsExpired() bool {
	return n.IsExpiredAt(time.Now())
}

// IsExpiredAt is true iff ExpiresAt is set and strictly before now. It never
// changes Status; the lifecycle Expire operation does that.
func (n *Notification) IsExpiredAt(now time.Time) bool {
	return n.ExpiresAt != nil && n.ExpiresAt.Before(now)
}

func (n *Notification) CanBeDisplayed() bool {
	return n.CanBeDisplayedAt(time.Now())
}

func (n *Notification) CanBeDisplayedAt(now time.Time) bool {
	if n.IsExpiredAt(now) {
		return false
	}
	return n.Status != NotificationStatusArchived && n.Status != NotificationStatusExpired
}

// VisibleTo reports whether userID may read the notification: its own or a broadcast.
func (n *Notification) VisibleTo(userID string) bool {
	return n.IsBroadcast() || n.UserID == userID
}
