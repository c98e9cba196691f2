package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workmesh/exo/errors"
)

func TestKeyedLocksMutualExclusion(t *testing.T) {
	locks := newKeyedLocks()

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(context.Background(), "project:p1")
			require.NoError(t, err)
			defer release()

			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "two goroutines held the same key at once")
	assert.Empty(t, locks.entries, "lock table should be empty after all releases")
}

func TestKeyedLocksIndependentKeys(t *testing.T) {
	locks := newKeyedLocks()

	releaseA, err := locks.Acquire(context.Background(), "project:a")
	require.NoError(t, err)
	defer releaseA()

	// A held lock on a different key must not block this acquire.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := locks.Acquire(ctx, "project:b")
	require.NoError(t, err)
	releaseB()
}

func TestKeyedLocksBoundedWait(t *testing.T) {
	locks := newKeyedLocks()

	release, err := locks.Acquire(context.Background(), "project:p1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = locks.Acquire(ctx, "project:p1")
	require.Error(t, err)
	assert.True(t, errors.IsTimeoutError(err))
}

func TestKeyedLocksCancellation(t *testing.T) {
	locks := newKeyedLocks()

	release, err := locks.Acquire(context.Background(), "project:p1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = locks.Acquire(ctx, "project:p1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
