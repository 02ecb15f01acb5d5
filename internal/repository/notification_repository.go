package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stanstork/stratum-notify/internal/models"
)

// ErrNotFound is returned when a notification or user does not exist.
var ErrNotFound = errors.New("not found")

type NotificationRepository interface {
	// Save inserts the notification or overwrites the stored copy with the same id.
	Save(ctx context.Context, n *models.Notification) error
	FindByID(ctx context.Context, id string) (models.Notification, error)
	// FindByUser returns the user's notifications and broadcasts, newest first.
	FindByUser(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	// FindVisibleByUser is FindByUser restricted to notifications that can be
	// displayed at now: not ARCHIVED or EXPIRED and not past their ExpiresAt.
	FindVisibleByUser(ctx context.Context, userID string, now time.Time, limit int) ([]models.Notification, error)
	// FindExpirable returns UNREAD and READ notifications whose ExpiresAt is
	// before the given instant.
	FindExpirable(ctx context.Context, before time.Time, limit int) ([]models.Notification, error)
}

const (
	defaultListLimit = 25
	maxListLimit     = 100
)

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return defaultListLimit
	}
	return limit
}

type notificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(db *sql.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

const notificationColumns = `id, user_id, title, message, event_type, priority, status, created_at, read_at, expires_at`

func (r *notificationRepository) Save(ctx context.Context, n *models.Notification) error {
	if n == nil {
		return fmt.Errorf("save notification: nil notification")
	}
	const query = `
		INSERT INTO notify.notifications (` + notificationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			title = EXCLUDED.title,
			message = EXCLUDED.message,
			event_type = EXCLUDED.event_type,
			priority = EXCLUDED.priority,
			status = EXCLUDED.status,
			read_at = EXCLUDED.read_at,
			expires_at = EXCLUDED.expires_at
	`

	var userID interface{}
	if uid := strings.TrimSpace(n.UserID); uid != "" {
		userID = uid
	}

	_, err := r.db.ExecContext(ctx, query,
		n.ID,
		userID,
		n.Title,
		n.Message,
		n.EventType,
		n.Priority,
		n.Status,
		n.CreatedAt,
		nullableTime(n.ReadAt),
		nullableTime(n.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("save notification %s: %w", n.ID, err)
	}
	return nil
}

func (r *notificationRepository) FindByID(ctx context.Context, id string) (models.Notification, error) {
	const query = `SELECT ` + notificationColumns + ` FROM notify.notifications WHERE id = $1`

	notif, err := scanNotification(r.db.QueryRowContext(ctx, query, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Notification{}, ErrNotFound
	}
	return notif, err
}

func (r *notificationRepository) FindByUser(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	const query = `
		SELECT ` + notificationColumns + `
		FROM notify.notifications
		WHERE user_id IS NULL OR user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return r.query(ctx, query, strings.TrimSpace(userID), normalizeLimit(limit))
}

func (r *notificationRepository) FindVisibleByUser(ctx context.Context, userID string, now time.Time, limit int) ([]models.Notification, error) {
	const query = `
		SELECT ` + notificationColumns + `
		FROM notify.notifications
		WHERE (user_id IS NULL OR user_id = $1)
			AND status NOT IN ('ARCHIVED', 'EXPIRED')
			AND (expires_at IS NULL OR expires_at >= $2)
		ORDER BY created_at DESC
		LIMIT $3
	`
	return r.query(ctx, query, strings.TrimSpace(userID), now, normalizeLimit(limit))
}

func (r *notificationRepository) FindExpirable(ctx context.Context, before time.Time, limit int) ([]models.Notification, error) {
	const query = `
		SELECT ` + notificationColumns + `
		FROM notify.notifications
		WHERE expires_at IS NOT NULL AND expires_at < $1 AND status IN ('UNREAD', 'READ')
		ORDER BY expires_at ASC
		LIMIT $2
	`
	return r.query(ctx, query, before, normalizeLimit(limit))
}

func (r *notificationRepository) query(ctx context.Context, query string, args ...interface{}) ([]models.Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, notif)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notifications, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func scanNotification(scanner interface {
	Scan(dest ...interface{}) error
}) (models.Notification, error) {
	var (
		notif     models.Notification
		userID    sql.NullString
		readAt    sql.NullTime
		expiresAt sql.NullTime
	)

	if err := scanner.Scan(
		&notif.ID,
		&userID,
		&notif.Title,
		&notif.Message,
		&notif.EventType,
		&notif.Priority,
		&notif.Status,
		&notif.CreatedAt,
		&readAt,
		&expiresAt,
	); err != nil {
		return models.Notification{}, err
	}

	if userID.Valid {
		notif.UserID = userID.String
	}
	if readAt.Valid {
		t := readAt.Time
		notif.ReadAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		notif.ExpiresAt = &t
	}

	return notif, nil
}
