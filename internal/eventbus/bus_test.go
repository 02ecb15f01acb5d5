package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/stratum-notify/internal/models"
)

const waitTimeout = 2 * time.Second

// recordingSubscriber keeps every event it receives, in order.
type recordingSubscriber struct {
	name  string
	types []models.EventType
	err   error

	mu     sync.Mutex
	events []*models.Event
}

func newRecorder(name string, types ...models.EventType) *recordingSubscriber {
	return &recordingSubscriber{name: name, types: types}
}

func (r *recordingSubscriber) Name() string { return r.name }

func (r *recordingSubscriber) EventTypes() []models.EventType { return r.types }

func (r *recordingSubscriber) Handle(_ context.Context, event *models.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return r.err
}

func (r *recordingSubscriber) received() []*models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// valueSubscriber has a non-comparable dynamic type.
type valueSubscriber struct {
	types []models.EventType
}

func (v valueSubscriber) Name() string { return "value" }

func (v valueSubscriber) EventTypes() []models.EventType { return v.types }

func (v valueSubscriber) Handle(context.Context, *models.Event) error { return nil }

func newTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	b := New(zerolog.Nop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

func newEvent(eventType models.EventType, seq int) *models.Event {
	return models.NewEvent(eventType, "test", map[string]any{"seq": seq})
}

func TestBus_FIFODelivery(t *testing.T) {
	bus := newTestBus(t)
	rec := newRecorder("fifo", models.EventTripCreated, models.EventTripCompleted)
	bus.Register(rec)
	require.NoError(t, bus.Start())

	const n = 200
	published := make([]*models.Event, 0, n)
	for i := 0; i < n; i++ {
		eventType := models.EventTripCreated
		if i%3 == 0 {
			eventType = models.EventTripCompleted
		}
		evt := newEvent(eventType, i)
		published = append(published, evt)
		bus.Publish(evt)
	}

	require.Eventually(t, func() bool { return rec.count() == n }, waitTimeout, 5*time.Millisecond)
	got := rec.received()
	for i := range published {
		assert.Same(t, published[i], got[i], "event %d out of order", i)
	}
}

func TestBus_FanOutCompleteness(t *testing.T) {
	bus := newTestBus(t)
	const k = 4
	recorders := make([]*recordingSubscriber, k)
	for i := range recorders {
		recorders[i] = newRecorder(fmt.Sprintf("sub-%d", i), models.EventPaymentConfirmed)
		bus.Register(recorders[i])
	}
	other := newRecorder("other", models.EventTripCancelled)
	bus.Register(other)
	require.NoError(t, bus.Start())

	evt := models.NewEvent(models.EventPaymentConfirmed, "payments", map[string]any{"amount": 1250}, models.WithUser("u9"))
	want := *evt
	bus.Publish(evt)

	for _, rec := range recorders {
		rec := rec
		require.Eventually(t, func() bool { return rec.count() == 1 }, waitTimeout, 5*time.Millisecond)
	}
	// give a late duplicate delivery a chance to show up
	time.Sleep(20 * time.Millisecond)

	for _, rec := range recorders {
		got := rec.received()
		require.Len(t, got, 1)
		assert.Equal(t, want, *got[0])
	}
	assert.Zero(t, other.count())
}

func TestBus_PaymentFailedTwoSubscribersInRegistrationOrder(t *testing.T) {
	bus := newTestBus(t)

	var mu sync.Mutex
	var calls []string
	var seen []*models.Event
	record := func(name string) *FuncSubscriber {
		return NewFuncSubscriber(name, []models.EventType{models.EventPaymentFailed}, func(_ context.Context, e *models.Event) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
			seen = append(seen, e)
			return nil
		})
	}
	bus.Register(record("in-app"))
	bus.Register(record("email"))
	require.NoError(t, bus.Start())

	evt := models.NewEvent(models.EventPaymentFailed, "payments", map[string]any{"reason": "card declined"})
	bus.Publish(evt)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, waitTimeout, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"in-app", "email"}, calls)
	assert.Same(t, evt, seen[0])
	assert.Same(t, evt, seen[1])
}

func TestBus_IsolatesFailingSubscribers(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	bus := newTestBus(t, WithMetrics(metrics))

	failing := newRecorder("failing", models.EventSecurityIncident)
	failing.err = errors.New("smtp unavailable")
	panicking := NewFuncSubscriber("panicking", []models.EventType{models.EventSecurityIncident}, func(context.Context, *models.Event) error {
		panic("boom")
	})
	healthy := newRecorder("healthy", models.EventSecurityIncident)

	bus.Register(failing)
	bus.Register(panicking)
	bus.Register(healthy)
	require.NoError(t, bus.Start())

	bus.Publish(newEvent(models.EventSecurityIncident, 1))
	bus.Publish(newEvent(models.EventSecurityIncident, 2))

	require.Eventually(t, func() bool { return healthy.count() == 2 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, 2, failing.count())
	assert.True(t, bus.Running())

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.deliveries.WithLabelValues("failing", "error")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.deliveries.WithLabelValues("panicking", "panic")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.deliveries.WithLabelValues("healthy", "success")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.published.WithLabelValues(string(models.EventSecurityIncident))))
}

func TestBus_UnsubscribeNotRegisteredIsNoop(t *testing.T) {
	bus := newTestBus(t)
	rec := newRecorder("registered", models.EventLoginAlert)
	bus.Register(rec)

	assert.NotPanics(t, func() {
		bus.Unsubscribe(models.EventLoginAlert, newRecorder("stranger", models.EventLoginAlert))
		bus.Unsubscribe(models.EventPaymentFailed, rec)
		bus.Unsubscribe(models.EventLoginAlert, valueSubscriber{})
		bus.Unsubscribe(models.EventLoginAlert, nil)
	})

	require.NoError(t, bus.Start())
	bus.Publish(newEvent(models.EventLoginAlert, 1))
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitTimeout, 5*time.Millisecond)
}

func TestBus_DuplicateSubscribeDeliversTwice(t *testing.T) {
	bus := newTestBus(t)
	rec := newRecorder("twice", models.EventTripAccepted)
	bus.Subscribe(models.EventTripAccepted, rec)
	bus.Subscribe(models.EventTripAccepted, rec)
	require.NoError(t, bus.Start())

	bus.Publish(newEvent(models.EventTripAccepted, 1))
	require.Eventually(t, func() bool { return rec.count() == 2 }, waitTimeout, 5*time.Millisecond)
}

func TestBus_UnsubscribeRemovesOneRegistration(t *testing.T) {
	bus := newTestBus(t)
	rec := newRecorder("twice", models.EventTripAccepted)
	bus.Subscribe(models.EventTripAccepted, rec)
	bus.Subscribe(models.EventTripAccepted, rec)
	bus.Unsubscribe(models.EventTripAccepted, rec)
	require.NoError(t, bus.Start())

	bus.Publish(newEvent(models.EventTripAccepted, 1))
	bus.Publish(newEvent(models.EventTripAccepted, 2))
	require.Eventually(t, func() bool { return rec.count() == 2 }, waitTimeout, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, rec.count())

	bus.Unsubscribe(models.EventTripAccepted, rec)
	assert.Empty(t, bus.subscribersFor(models.EventTripAccepted))
}

func TestBus_PublishNilIsIgnored(t *testing.T) {
	bus := newTestBus(t)
	assert.NotPanics(t, func() { bus.Publish(nil) })
	assert.Zero(t, bus.QueueSize())
}

func TestBus_PublishDoesNotWaitForSubscribers(t *testing.T) {
	bus := newTestBus(t)
	release := make(chan struct{})
	blocker := NewFuncSubscriber("blocker", []models.EventType{models.EventTripCreated}, func(context.Context, *models.Event) error {
		<-release
		return nil
	})
	bus.Register(blocker)
	require.NoError(t, bus.Start())
	defer close(release)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(newEvent(models.EventTripCreated, i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("publish blocked on a slow subscriber")
	}
	// one event is held by the blocked subscriber, the rest wait in the queue
	require.Eventually(t, func() bool { return bus.QueueSize() == 9 }, waitTimeout, 5*time.Millisecond)
}

func TestBus_DrainsEventsWithoutSubscribers(t *testing.T) {
	bus := newTestBus(t)

	for i := 0; i < 50; i++ {
		bus.Publish(newEvent(models.EventUserRegistered, i))
	}
	assert.Equal(t, 50, bus.QueueSize())

	require.NoError(t, bus.Start())
	require.Eventually(t, func() bool { return bus.QueueSize() == 0 }, waitTimeout, 5*time.Millisecond)
}

func TestBus_StopKeepsQueuedEvents(t *testing.T) {
	bus := newTestBus(t)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	var handled []int
	bus.Register(NewFuncSubscriber("slow", []models.EventType{models.EventTripCompleted}, func(_ context.Context, e *models.Event) error {
		seq := e.Payload["seq"].(int)
		if seq == 0 {
			entered <- struct{}{}
			<-release
		}
		mu.Lock()
		handled = append(handled, seq)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, bus.Start())

	for i := 0; i < 3; i++ {
		bus.Publish(newEvent(models.EventTripCompleted, i))
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := bus.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, bus.Running())
	assert.ErrorIs(t, bus.Start(), ErrStopping)

	close(release)
	select {
	case <-bus.done:
	case <-time.After(waitTimeout):
		t.Fatal("dispatch loop did not exit after the in-flight event")
	}

	mu.Lock()
	assert.Equal(t, []int{0}, handled)
	mu.Unlock()
	assert.Equal(t, 2, bus.QueueSize())

	require.NoError(t, bus.Start())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 3
	}, waitTimeout, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2}, handled)
	mu.Unlock()
}

func TestBus_StartStopIdempotent(t *testing.T) {
	bus := newTestBus(t)
	assert.NoError(t, bus.Stop(context.Background()))
	require.NoError(t, bus.Start())
	require.NoError(t, bus.Start())
	assert.True(t, bus.Running())
	assert.NoError(t, bus.Stop(context.Background()))
	assert.NoError(t, bus.Stop(context.Background()))
	assert.False(t, bus.Running())
}

func TestBus_ConcurrentPublishersKeepPerProducerOrder(t *testing.T) {
	bus := newTestBus(t)
	rec := newRecorder("collector", models.EventPaymentConfirmed)
	bus.Register(rec)
	require.NoError(t, bus.Start())

	const producers, perProducer = 8, 100
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				bus.Publish(models.NewEvent(models.EventPaymentConfirmed, "payments", map[string]any{"producer": p, "seq": i}))
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return rec.count() == producers*perProducer }, waitTimeout, 5*time.Millisecond)

	last := make(map[int]int)
	for _, evt := range rec.received() {
		p := evt.Payload["producer"].(int)
		seq := evt.Payload["seq"].(int)
		if prev, ok := last[p]; ok {
			assert.Greater(t, seq, prev, "producer %d delivered out of order", p)
		}
		last[p] = seq
	}
}

func TestBus_SubscribeWhileDispatching(t *testing.T) {
	bus := newTestBus(t)
	require.NoError(t, bus.Start())

	stop := make(chan struct{})
	go func() {
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				bus.Publish(newEvent(models.EventLoginAlert, i))
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	late := newRecorder("late", models.EventLoginAlert)
	bus.Register(late)
	require.Eventually(t, func() bool { return late.count() > 0 }, waitTimeout, 5*time.Millisecond)
	close(stop)
}
