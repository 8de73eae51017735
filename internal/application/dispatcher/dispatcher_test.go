package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/approvalflow/internal/domain/event"
)

// mockLogger implements Logger for testing
type mockLogger struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, msg)
}

func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, msg)
}

func (m *mockLogger) HasError(msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.errors {
		if e == msg {
			return true
		}
	}
	return false
}

func newEvent(t event.Type) *event.Event {
	return event.NewEvent(t, event.Subject{TenantID: "tenant-1", AggregateID: "inst-1", DisplayID: "WF-1", Version: 2}, "user-1", time.Now(), nil)
}

func TestSubscribe(t *testing.T) {
	t.Run("auto-generated names stay unique after unsubscribe", func(t *testing.T) {
		d := NewDispatcher()
		noop := func(ctx context.Context, evt *event.Event) error { return nil }

		d.Subscribe(event.TypeInstanceSubmitted, noop)
		d.Subscribe(event.TypeInstanceSubmitted, noop)
		first := d.ListHandlers(event.TypeInstanceSubmitted)[0].Name
		d.Unsubscribe(event.TypeInstanceSubmitted, first)
		d.Subscribe(event.TypeInstanceSubmitted, noop)

		handlers := d.ListHandlers(event.TypeInstanceSubmitted)
		require.Len(t, handlers, 2)
		assert.NotEqual(t, handlers[0].Name, handlers[1].Name)
	})

	t.Run("runs handlers in subscription order", func(t *testing.T) {
		d := NewDispatcher()
		var order []string
		d.SubscribeNamed(event.TypeStepDecided, "first", func(ctx context.Context, evt *event.Event) error {
			order = append(order, "first")
			return nil
		})
		d.SubscribeNamed(event.TypeStepDecided, "second", func(ctx context.Context, evt *event.Event) error {
			order = append(order, "second")
			return nil
		})

		require.NoError(t, d.Dispatch(context.Background(), newEvent(event.TypeStepDecided)))
		assert.Equal(t, []string{"first", "second"}, order)
	})

	t.Run("wildcard handlers see every type after specific ones", func(t *testing.T) {
		d := NewDispatcher()
		var seen []string
		d.SubscribeNamed(AnyType, "audit", func(ctx context.Context, evt *event.Event) error {
			seen = append(seen, "audit:"+evt.Type.String())
			return nil
		})
		d.SubscribeNamed(event.TypeInstanceApproved, "notify", func(ctx context.Context, evt *event.Event) error {
			seen = append(seen, "notify")
			return nil
		})

		require.NoError(t, d.Dispatch(context.Background(), newEvent(event.TypeInstanceApproved)))
		require.NoError(t, d.Dispatch(context.Background(), newEvent(event.TypeInstanceCreated)))
		assert.Equal(t, []string{"notify", "audit:instance.approved", "audit:instance.created"}, seen)
	})
}

func TestUnsubscribe(t *testing.T) {
	d := NewDispatcher(WithLogger(&mockLogger{}))
	var called1, called2 bool
	d.SubscribeNamed(event.TypeInstanceCreated, "h1", func(ctx context.Context, evt *event.Event) error {
		called1 = true
		return nil
	})
	d.SubscribeNamed(event.TypeInstanceCreated, "h2", func(ctx context.Context, evt *event.Event) error {
		called2 = true
		return nil
	})

	d.Unsubscribe(event.TypeInstanceCreated, "h1")

	require.NoError(t, d.Dispatch(context.Background(), newEvent(event.TypeInstanceCreated)))
	assert.False(t, called1)
	assert.True(t, called2)
}

func TestDispatch(t *testing.T) {
	t.Run("returns first error and stops", func(t *testing.T) {
		d := NewDispatcher()
		boom := errors.New("boom")
		var reached bool
		d.SubscribeNamed(event.TypeInstanceRejected, "failing", func(ctx context.Context, evt *event.Event) error {
			return boom
		})
		d.SubscribeNamed(event.TypeInstanceRejected, "after", func(ctx context.Context, evt *event.Event) error {
			reached = true
			return nil
		})

		err := d.Dispatch(context.Background(), newEvent(event.TypeInstanceRejected))
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "failing")
		assert.False(t, reached)
	})

	t.Run("recovers from handler panic", func(t *testing.T) {
		logger := &mockLogger{}
		d := NewDispatcher(WithLogger(logger))
		d.Subscribe(event.TypeInstanceCancelled, func(ctx context.Context, evt *event.Event) error {
			panic("handler exploded")
		})

		err := d.Dispatch(context.Background(), newEvent(event.TypeInstanceCancelled))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler panic")
		assert.True(t, logger.HasError("Handler panic recovered"))
	})

	t.Run("returns ErrClosed after close", func(t *testing.T) {
		d := NewDispatcher()
		require.NoError(t, d.Close())
		assert.ErrorIs(t, d.Dispatch(context.Background(), newEvent(event.TypeInstanceCreated)), ErrClosed)
	})
}

func TestDispatchAsync(t *testing.T) {
	t.Run("handlers survive caller cancellation", func(t *testing.T) {
		d := NewDispatcher()
		release := make(chan struct{})
		var ctxErr atomic.Value

		d.Subscribe(event.TypeInstanceSubmitted, func(ctx context.Context, evt *event.Event) error {
			<-release
			ctxErr.Store(fmt.Sprint(ctx.Err()))
			return nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		d.DispatchAsync(ctx, newEvent(event.TypeInstanceSubmitted))
		cancel()
		close(release)

		require.NoError(t, d.Close())
		assert.Equal(t, "<nil>", ctxErr.Load())
	})

	t.Run("logs handler errors without blocking", func(t *testing.T) {
		logger := &mockLogger{}
		d := NewDispatcher(WithLogger(logger))
		d.Subscribe(event.TypeStepDecided, func(ctx context.Context, evt *event.Event) error {
			return errors.New("downstream unavailable")
		})

		d.DispatchAsync(context.Background(), newEvent(event.TypeStepDecided))
		require.NoError(t, d.Close())
		assert.True(t, logger.HasError("Async handler error"))
	})

	t.Run("drops events after close", func(t *testing.T) {
		logger := &mockLogger{}
		d := NewDispatcher(WithLogger(logger))
		var calls atomic.Int32
		d.Subscribe(event.TypeInstanceCreated, func(ctx context.Context, evt *event.Event) error {
			calls.Add(1)
			return nil
		})
		require.NoError(t, d.Close())

		d.DispatchAsync(context.Background(), newEvent(event.TypeInstanceCreated))
		assert.Zero(t, calls.Load())
		assert.True(t, logger.HasError("Cannot dispatch async event, dispatcher is closed"))
	})
}

func TestListHandlers(t *testing.T) {
	d := NewDispatcher()
	assert.Empty(t, d.ListHandlers(event.TypeDefinitionPublished))

	d.SubscribeNamed(event.TypeDefinitionPublished, "cache-warmer", func(ctx context.Context, evt *event.Event) error { return nil })

	handlers := d.ListHandlers(event.TypeDefinitionPublished)
	require.Len(t, handlers, 1)
	assert.Equal(t, "cache-warmer", handlers[0].Name)
	assert.Nil(t, handlers[0].Handler)
}

func TestClose(t *testing.T) {
	t.Run("waits for async handlers", func(t *testing.T) {
		d := NewDispatcher()
		var done atomic.Bool
		d.Subscribe(event.TypeInstanceApproved, func(ctx context.Context, evt *event.Event) error {
			time.Sleep(20 * time.Millisecond)
			done.Store(true)
			return nil
		})

		d.DispatchAsync(context.Background(), newEvent(event.TypeInstanceApproved))
		require.NoError(t, d.Close())
		assert.True(t, done.Load())
	})

	t.Run("double close fails", func(t *testing.T) {
		d := NewDispatcher()
		require.NoError(t, d.Close())
		assert.Error(t, d.Close())
	})
}

func TestConcurrentSubscribeAndDispatch(t *testing.T) {
	d := NewDispatcher()
	var calls atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.Subscribe(event.TypeStepDecided, func(ctx context.Context, evt *event.Event) error {
				calls.Add(1)
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			d.DispatchAsync(context.Background(), newEvent(event.TypeStepDecided))
		}()
	}

	wg.Wait()
	require.NoError(t, d.Close())
	assert.Len(t, d.ListHandlers(event.TypeStepDecided), 20)
}
