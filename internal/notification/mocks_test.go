package notification

import (
	"context"
	"errors"
	"sync"

	"github.com/stanstork/stratum-notify/internal/models"
	"github.com/stanstork/stratum-notify/internal/repository"
)

type sentMail struct {
	notification models.Notification
	address      string
}

type mockSender struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *mockSender) Send(_ context.Context, n models.Notification, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{notification: n, address: address})
	return nil
}

type mockDirectory map[string]string

func (m mockDirectory) EmailFor(_ context.Context, userID string) (string, error) {
	if email, ok := m[userID]; ok {
		return email, nil
	}
	return "", repository.ErrNotFound
}

type mockPusher struct {
	pushed []models.Notification
}

func (m *mockPusher) Push(n models.Notification) {
	m.pushed = append(m.pushed, n)
}

// failingStore fails every Save after the first failAfter calls.
type failingStore struct {
	*repository.MemoryNotificationRepository
	failAfter int
	saves     int
}

var errStoreDown = errors.New("store down")

func (f *failingStore) Save(ctx context.Context, n *models.Notification) error {
	f.saves++
	if f.saves > f.failAfter {
		return errStoreDown
	}
	return f.MemoryNotificationRepository.Save(ctx, n)
}
