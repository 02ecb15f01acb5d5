package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stanstork/stratum-notify/internal/models"
)

// MemoryNotificationRepository keeps notifications in process memory. It backs
// the `storage: memory` mode and the package tests of its callers.
type MemoryNotificationRepository struct {
	mu    sync.RWMutex
	items map[string]models.Notification
}

func NewMemoryNotificationRepository() *MemoryNotificationRepository {
	return &MemoryNotificationRepository{items: make(map[string]models.Notification)}
}

func (r *MemoryNotificationRepository) Save(_ context.Context, n *models.Notification) error {
	if n == nil {
		return fmt.Errorf("save notification: nil notification")
	}
	r.mu.Lock()
	r.items[n.ID] = clone(*n)
	r.mu.Unlock()
	return nil
}

func (r *MemoryNotificationRepository) FindByID(_ context.Context, id string) (models.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.items[id]
	if !ok {
		return models.Notification{}, ErrNotFound
	}
	return clone(n), nil
}

func (r *MemoryNotificationRepository) FindByUser(_ context.Context, userID string, limit int) ([]models.Notification, error) {
	return r.filter(normalizeLimit(limit), func(n models.Notification) bool {
		return n.VisibleTo(userID)
	}, func(a, b models.Notification) bool {
		return a.CreatedAt.After(b.CreatedAt)
	}), nil
}

func (r *MemoryNotificationRepository) FindVisibleByUser(_ context.Context, userID string, now time.Time, limit int) ([]models.Notification, error) {
	return r.filter(normalizeLimit(limit), func(n models.Notification) bool {
		return n.VisibleTo(userID) && n.CanBeDisplayedAt(now)
	}, func(a, b models.Notification) bool {
		return a.CreatedAt.After(b.CreatedAt)
	}), nil
}

func (r *MemoryNotificationRepository) FindExpirable(_ context.Context, before time.Time, limit int) ([]models.Notification, error) {
	return r.filter(normalizeLimit(limit), func(n models.Notification) bool {
		return expirable(n.Status) && n.IsExpiredAt(before)
	}, func(a, b models.Notification) bool {
		return a.ExpiresAt.Before(*b.ExpiresAt)
	}), nil
}

// Len returns the number of stored notifications.
func (r *MemoryNotificationRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *MemoryNotificationRepository) filter(limit int, keep func(models.Notification) bool, less func(a, b models.Notification) bool) []models.Notification {
	r.mu.RLock()
	var out []models.Notification
	for _, n := range r.items {
		if keep(n) {
			out = append(out, clone(n))
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func clone(n models.Notification) models.Notification {
	if n.ReadAt != nil {
		t := *n.ReadAt
		n.ReadAt = &t
	}
	if n.ExpiresAt != nil {
		t := *n.ExpiresAt
		n.ExpiresAt = &t
	}
	return n
}

// expirable reports whether the status may still move to EXPIRED.
func expirable(status models.NotificationStatus) bool {
	return status == models.NotificationStatusUnread || status == models.NotificationStatusRead
}
