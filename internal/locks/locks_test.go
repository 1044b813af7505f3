package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameKey(t *testing.T) {
	k := New()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := k.With(ctx, "component-a", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.False(t, k.Held("component-a"))
	k.mu.Lock()
	assert.Empty(t, k.slots, "idle keys are dropped")
	k.mu.Unlock()
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	k := New()
	ctx := context.Background()

	unlockA, err := k.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := k.Lock(ctx, "b")
		assert.NoError(t, err)
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestLockHonoursContext(t *testing.T) {
	k := New()

	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is harmless

	unlock2, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlock2()
}

func TestHeld(t *testing.T) {
	k := New()
	assert.False(t, k.Held("a"))

	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, k.Held("a"))
	assert.False(t, k.Held("b"))

	unlock()
	assert.False(t, k.Held("a"))
}

func TestWithReleasesOnError(t *testing.T) {
	k := New()
	boom := errors.New("boom")

	err := k.With(context.Background(), "a", func(context.Context) error {
		assert.True(t, k.Held("a"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, k.Held("a"))
}
