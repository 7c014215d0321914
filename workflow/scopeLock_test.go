package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests are DB-free; the MySQL and Redis lockers need live servers.

func TestLocalLocker_SerializesSameKey(t *testing.T) {
	locker := NewLocalLocker(0)
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Lock(ctx, "merge:a")
			require.NoError(t, err)
			defer release()

			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestLocalLocker_DifferentKeysDoNotBlock(t *testing.T) {
	locker := NewLocalLocker(50 * time.Millisecond)
	ctx := context.Background()

	releaseA, err := locker.Lock(ctx, "merge:a")
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := locker.Lock(ctx, "merge:b")
	require.NoError(t, err)
	releaseB()
}

func TestLocalLocker_TimesOut(t *testing.T) {
	locker := NewLocalLocker(20 * time.Millisecond)
	ctx := context.Background()

	release, err := locker.Lock(ctx, "classification:a")
	require.NoError(t, err)

	_, err = locker.Lock(ctx, "classification:a")
	assert.ErrorIs(t, err, ErrLockTimeout)

	release()
	release()
	again, err := locker.Lock(ctx, "classification:a")
	require.NoError(t, err)
	again()
}

func TestLocalLocker_HonoursContext(t *testing.T) {
	locker := NewLocalLocker(0)
	release, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = locker.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

type failingLocker struct{}

func (failingLocker) Lock(context.Context, string) (func(), error) {
	return nil, errors.New("unavailable")
}

func TestChainLocker_ReleasesAcquiredOnFailure(t *testing.T) {
	local := NewLocalLocker(20 * time.Millisecond)
	chain := ChainLocker{local, failingLocker{}}

	_, err := chain.Lock(context.Background(), "k")
	require.Error(t, err)

	release, err := local.Lock(context.Background(), "k")
	require.NoError(t, err)
	release()
}

func TestAdvisoryLockName_FitsMySQLLimit(t *testing.T) {
	assert.Equal(t, "po_layers:merge:a", advisoryLockName("merge:a"))

	long := advisoryLockName("merge:" + strings.Repeat("x", 100))
	assert.LessOrEqual(t, len(long), 64)
	assert.Equal(t, long, advisoryLockName("merge:"+strings.Repeat("x", 100)))
}
