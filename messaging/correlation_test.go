package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationEntry(t *testing.T) {
	t.Run("Wait returns the reply", func(t *testing.T) {
		entry := NewCorrelationEntry("c1", time.Second)
		reply := &Message{CorrelationID: "c1", Body: []byte("ok")}

		assert.True(t, entry.resolve(reply))
		assert.False(t, entry.resolve(&Message{}), "only the first resolution counts")

		got, err := entry.Wait(context.Background())
		require.NoError(t, err)
		assert.Same(t, reply, got)
	})

	t.Run("Wait times out", func(t *testing.T) {
		entry := NewCorrelationEntry("c2", 20*time.Millisecond)

		_, err := entry.Wait(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)

		var corrErr *CorrelationError
		require.True(t, errors.As(err, &corrErr))
		assert.Equal(t, "c2", corrErr.CorrelationID)
		assert.Equal(t, "await", corrErr.Op)
	})

	t.Run("Wait is cancelled by retraction", func(t *testing.T) {
		entry := NewCorrelationEntry("c3", time.Second)
		go entry.cancel()

		_, err := entry.Wait(context.Background())
		assert.ErrorIs(t, err, ErrCancelled)
	})

	t.Run("Wait is cancelled by the context", func(t *testing.T) {
		entry := NewCorrelationEntry("c4", time.Second)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := entry.Wait(ctx)
		assert.ErrorIs(t, err, ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("Default timeout", func(t *testing.T) {
		entry := NewCorrelationEntry("c5", 0)
		assert.Equal(t, DefaultRequestTimeout, entry.Timeout)
	})

	t.Run("Expiry applies the grace factor to unconsumed replies", func(t *testing.T) {
		entry := NewCorrelationEntry("c6", 100*time.Millisecond)
		base := entry.Created

		assert.False(t, entry.expired(base.Add(50*time.Millisecond), 3))
		assert.True(t, entry.expired(base.Add(150*time.Millisecond), 3))

		entry.resolve(&Message{})
		assert.False(t, entry.expired(base.Add(250*time.Millisecond), 3))
		assert.True(t, entry.expired(base.Add(350*time.Millisecond), 3))

		_, err := entry.Wait(context.Background())
		require.NoError(t, err)
		assert.True(t, entry.expired(base.Add(150*time.Millisecond), 3), "consumed replies lose the grace")
	})
}

func TestCorrelationRegistry(t *testing.T) {
	t.Run("Register and resolve", func(t *testing.T) {
		registry := newCorrelationRegistry(2, time.Second, 3)
		entry := NewCorrelationEntry("a", time.Second)

		require.NoError(t, registry.register(context.Background(), entry))
		assert.True(t, registry.contains("a"))

		assert.True(t, registry.resolve(&Message{CorrelationID: "a"}))
		assert.True(t, registry.contains("a"), "resolved entries wait for their retraction")
		assert.True(t, entry.Delivered())

		assert.False(t, registry.resolve(&Message{CorrelationID: "a"}), "only the first reply counts")
		assert.False(t, registry.resolve(&Message{}))

		assert.True(t, registry.retract("a"))
		assert.False(t, registry.contains("a"))
		reply, err := entry.Wait(context.Background())
		require.NoError(t, err, "retracting a resolved entry keeps its reply")
		assert.Equal(t, "a", reply.CorrelationID)
	})

	t.Run("Duplicate id is rejected", func(t *testing.T) {
		registry := newCorrelationRegistry(2, time.Second, 3)
		require.NoError(t, registry.register(context.Background(), NewCorrelationEntry("a", time.Second)))

		err := registry.register(context.Background(), NewCorrelationEntry("a", time.Second))
		assert.ErrorIs(t, err, ErrDuplicateCorrelation)
	})

	t.Run("Retract is idempotent", func(t *testing.T) {
		registry := newCorrelationRegistry(2, time.Second, 3)
		entry := NewCorrelationEntry("a", time.Second)
		require.NoError(t, registry.register(context.Background(), entry))

		assert.True(t, registry.retract("a"))
		assert.False(t, registry.retract("a"))
		assert.Equal(t, 0, registry.size())

		select {
		case <-entry.Done():
		default:
			t.Fatal("retracted entry must be woken")
		}
	})

	t.Run("Cap waits for a free slot", func(t *testing.T) {
		registry := newCorrelationRegistry(1, time.Second, 3)
		require.NoError(t, registry.register(context.Background(), NewCorrelationEntry("a", time.Second)))

		done := make(chan error, 1)
		go func() {
			done <- registry.register(context.Background(), NewCorrelationEntry("b", time.Second))
		}()

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, registry.size())
		registry.retract("a")

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiter was not released")
		}
		assert.True(t, registry.contains("b"))
	})

	t.Run("Cap wait gives up", func(t *testing.T) {
		registry := newCorrelationRegistry(1, 30*time.Millisecond, 3)
		require.NoError(t, registry.register(context.Background(), NewCorrelationEntry("a", time.Second)))

		err := registry.register(context.Background(), NewCorrelationEntry("b", time.Second))
		assert.ErrorIs(t, err, ErrTooManyPending)
		assert.Equal(t, 1, registry.size())
	})

	t.Run("Size never exceeds the cap", func(t *testing.T) {
		registry := newCorrelationRegistry(3, 20*time.Millisecond, 3)
		results := make(chan error, 10)
		for i := 0; i < 10; i++ {
			go func(i int) {
				results <- registry.register(context.Background(), NewCorrelationEntry(fmt.Sprintf("id-%d", i), time.Second))
			}(i)
		}

		rejected := 0
		for i := 0; i < 10; i++ {
			if err := <-results; err != nil {
				assert.ErrorIs(t, err, ErrTooManyPending)
				rejected++
			}
		}
		assert.Equal(t, 7, rejected)
		assert.Equal(t, 3, registry.size())
	})

	t.Run("Expire removes stale entries", func(t *testing.T) {
		registry := newCorrelationRegistry(5, time.Second, 3)
		stale := NewCorrelationEntry("stale", 10*time.Millisecond)
		fresh := NewCorrelationEntry("fresh", time.Hour)
		require.NoError(t, registry.register(context.Background(), stale))
		require.NoError(t, registry.register(context.Background(), fresh))

		expired := registry.expire(time.Now().Add(time.Second))
		require.Len(t, expired, 1)
		assert.Equal(t, "stale", expired[0].ID)
		assert.False(t, registry.contains("stale"))
		assert.True(t, registry.contains("fresh"))

		_, err := stale.Wait(context.Background())
		assert.ErrorIs(t, err, ErrCancelled)
	})

	t.Run("Cancel all", func(t *testing.T) {
		registry := newCorrelationRegistry(5, time.Second, 3)
		a := NewCorrelationEntry("a", time.Second)
		b := NewCorrelationEntry("b", time.Second)
		require.NoError(t, registry.register(context.Background(), a))
		require.NoError(t, registry.register(context.Background(), b))

		assert.Equal(t, 2, registry.cancelAll())
		assert.Equal(t, 0, registry.size())
		assert.False(t, a.Delivered())
		assert.False(t, b.Delivered())
	})
}
