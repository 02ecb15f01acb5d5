package eventbus

import (
	"context"
	"reflect"

	"github.com/stanstork/stratum-notify/internal/models"
)

// Subscriber reacts to events of the types it declares. Handle must treat the
// event as read-only. Implementations should be pointer types so that
// Unsubscribe can match them.
type Subscriber interface {
	Name() string
	EventTypes() []models.EventType
	Handle(ctx context.Context, event *models.Event) error
}

// FuncSubscriber adapts a plain function to Subscriber.
type FuncSubscriber struct {
	name   string
	types  []models.EventType
	handle func(ctx context.Context, event *models.Event) error
}

func NewFuncSubscriber(name string, types []models.EventType, fn func(ctx context.Context, event *models.Event) error) *FuncSubscriber {
	return &FuncSubscriber{name: name, types: types, handle: fn}
}

func (s *FuncSubscriber) Name() string {
	return s.name
}

func (s *FuncSubscriber) EventTypes() []models.EventType {
	return s.types
}

func (s *FuncSubscriber) Handle(ctx context.Context, event *models.Event) error {
	return s.handle(ctx, event)
}

// sameSubscriber compares two subscribers without panicking on
// non-comparable dynamic types.
func sameSubscriber(a, b Subscriber) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func subscriberName(s Subscriber) string {
	if s == nil {
		return "<nil>"
	}
	if name := s.Name(); name != "" {
		return name
	}
	return reflect.TypeOf(s).String()
}
