// Package eventbus is the in-process publish/subscribe dispatcher that sits
// between the inbound listeners and the notification subscribers.
//
// Publish appends to an unbounded FIFO queue and returns at once. A single
// dispatch goroutine drains the queue and calls every subscriber registered
// for the event type, one after the other, in registration order. A failing or
// panicking subscriber is logged and skipped; it never stops the loop. Delivery
// is at-most-once: there is no acknowledgement and no retry.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-notify/internal/models"
)

// ErrStopping is returned by Start while a previous dispatch loop is still
// finishing its in-flight event.
var ErrStopping = errors.New("eventbus: previous dispatch loop has not exited yet")

type Bus struct {
	logger  zerolog.Logger
	metrics *Metrics
	ctx     context.Context

	regMu       sync.RWMutex
	subscribers map[models.EventType][]Subscriber

	queueMu sync.Mutex
	queue   []*models.Event
	wake    chan struct{}

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

type Option func(*Bus)

func WithMetrics(m *Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

func New(logger zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger:      logger.With().Str("component", "eventbus").Logger(),
		subscribers: make(map[models.EventType][]Subscriber),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	// handlers can pick the bus logger up with zerolog.Ctx
	b.ctx = b.logger.WithContext(context.Background())
	return b
}

// Subscribe registers s for eventType. Registering the same subscriber twice
// results in two deliveries per event.
func (b *Bus) Subscribe(eventType models.EventType, s Subscriber) {
	if s == nil {
		return
	}
	b.regMu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], s)
	b.regMu.Unlock()

	b.logger.Debug().
		Str("subscriber", subscriberName(s)).
		Str("event_type", string(eventType)).
		Msg("subscriber registered")
}

// Register subscribes s to every event type it declares.
func (b *Bus) Register(s Subscriber) {
	if s == nil {
		return
	}
	for _, eventType := range s.EventTypes() {
		b.Subscribe(eventType, s)
	}
}

// Unsubscribe removes one registration of s for eventType. It is a no-op when
// the pair is not registered.
func (b *Bus) Unsubscribe(eventType models.EventType, s Subscriber) {
	b.regMu.Lock()
	defer b.regMu.Unlock()

	current := b.subscribers[eventType]
	for i, registered := range current {
		if !sameSubscriber(registered, s) {
			continue
		}
		remaining := make([]Subscriber, 0, len(current)-1)
		remaining = append(remaining, current[:i]...)
		remaining = append(remaining, current[i+1:]...)
		if len(remaining) == 0 {
			delete(b.subscribers, eventType)
		} else {
			b.subscribers[eventType] = remaining
		}
		return
	}
}

// Publish enqueues event for asynchronous delivery. It never waits for
// subscribers. A nil event is ignored.
func (b *Bus) Publish(event *models.Event) {
	if event == nil {
		return
	}

	b.queueMu.Lock()
	b.queue = append(b.queue, event)
	b.metrics.recordPublish(event.Type, len(b.queue))
	b.queueMu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// QueueSize returns the number of events published but not yet taken by the
// dispatch loop.
func (b *Bus) QueueSize() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return len(b.queue)
}

func (b *Bus) Running() bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.running
}

// Start launches the dispatch loop. Calling it on a running bus does nothing.
// Events queued while the bus was stopped are delivered first.
func (b *Bus) Start() error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.running {
		return nil
	}
	if b.done != nil {
		select {
		case <-b.done:
		default:
			return ErrStopping
		}
	}

	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.loop(b.stop, b.done)

	b.logger.Info().Int("queued", b.QueueSize()).Msg("dispatch loop started")
	return nil
}

// Stop asks the loop to exit once the in-flight event has been delivered to
// all of its subscribers. Queued events stay in the queue. Stop waits for the
// loop to exit or for ctx to end, whichever comes first.
func (b *Bus) Stop(ctx context.Context) error {
	b.runMu.Lock()
	if !b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = false
	close(b.stop)
	done := b.done
	b.runMu.Unlock()

	select {
	case <-done:
		b.logger.Info().Int("queued", b.QueueSize()).Msg("dispatch loop stopped")
		return nil
	case <-ctx.Done():
		b.logger.Warn().Err(ctx.Err()).Msg("dispatch loop still busy with a subscriber")
		return ctx.Err()
	}
}

func (b *Bus) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		event, ok := b.next()
		if !ok {
			select {
			case <-stop:
				return
			case <-b.wake:
				continue
			}
		}
		b.dispatch(event)
	}
}

func (b *Bus) next() (*models.Event, bool) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if len(b.queue) == 0 {
		return nil, false
	}
	event := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	if len(b.queue) == 0 {
		b.queue = nil
	}
	b.metrics.recordDequeue(len(b.queue))
	return event, true
}

func (b *Bus) subscribersFor(eventType models.EventType) []Subscriber {
	b.regMu.RLock()
	defer b.regMu.RUnlock()

	registered := b.subscribers[eventType]
	if len(registered) == 0 {
		return nil
	}
	snapshot := make([]Subscriber, len(registered))
	copy(snapshot, registered)
	return snapshot
}

func (b *Bus) dispatch(event *models.Event) {
	start := time.Now()
	subscribers := b.subscribersFor(event.Type)

	for _, s := range subscribers {
		b.deliver(s, event)
	}

	elapsed := time.Since(start)
	b.metrics.recordDispatch(event.Type, elapsed)
	b.logger.Debug().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Int("subscribers", len(subscribers)).
		Dur("elapsed", elapsed).
		Msg("event dispatched")
}

// deliver invokes one subscriber. Errors and panics stop here.
func (b *Bus) deliver(s Subscriber, event *models.Event) {
	name := fmt.Sprintf("%T", s)
	defer func() {
		if r := recover(); r != nil {
			b.metrics.recordDelivery(name, resultPanic)
			b.logger.Error().
				Str("subscriber", name).
				Str("event_id", event.ID).
				Str("event_type", string(event.Type)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("subscriber panicked")
		}
	}()
	name = subscriberName(s)

	if err := s.Handle(b.ctx, event); err != nil {
		b.metrics.recordDelivery(name, resultError)
		b.logger.Error().
			Err(err).
			Str("subscriber", name).
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg("subscriber failed")
		return
	}
	b.metrics.recordDelivery(name, resultSuccess)
}
