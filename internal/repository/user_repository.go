package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/stanstork/stratum-notify/internal/models"
)

// UserRepository stores the delivery contacts of users. Rows are written from
// USER_REGISTERED events and read when an email has to be addressed.
type UserRepository interface {
	UpsertUser(ctx context.Context, user models.User) error
	GetUserByID(ctx context.Context, userID string) (models.User, error)
	// EmailFor resolves the delivery address of an active user.
	EmailFor(ctx context.Context, userID string) (string, error)
}

type userRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

func (u *userRepository) UpsertUser(ctx context.Context, user models.User) error {
	const query = `
		INSERT INTO notify.user_contacts (user_id, email, is_active, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`
	_, err := u.db.ExecContext(ctx, query, strings.TrimSpace(user.ID), strings.TrimSpace(user.Email), user.IsActive)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", user.ID, err)
	}
	return nil
}

func (u *userRepository) GetUserByID(ctx context.Context, userID string) (models.User, error) {
	const query = `
		SELECT user_id, email, is_active
		FROM notify.user_contacts
		WHERE user_id = $1`

	var user models.User
	err := u.db.QueryRowContext(ctx, query, strings.TrimSpace(userID)).Scan(&user.ID, &user.Email, &user.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, err
	}
	return user, nil
}

func (u *userRepository) EmailFor(ctx context.Context, userID string) (string, error) {
	user, err := u.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return activeEmail(user)
}

func activeEmail(user models.User) (string, error) {
	if !user.IsActive || strings.TrimSpace(user.Email) == "" {
		return "", ErrNotFound
	}
	return user.Email, nil
}

// MemoryUserRepository is the in-process counterpart of the Postgres user store.
type MemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]models.User
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{users: make(map[string]models.User)}
}

func (m *MemoryUserRepository) UpsertUser(_ context.Context, user models.User) error {
	m.mu.Lock()
	m.users[user.ID] = user
	m.mu.Unlock()
	return nil
}

func (m *MemoryUserRepository) GetUserByID(_ context.Context, userID string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[userID]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return user, nil
}

func (m *MemoryUserRepository) EmailFor(ctx context.Context, userID string) (string, error) {
	user, err := m.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return activeEmail(user)
}
