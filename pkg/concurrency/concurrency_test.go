package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSlotPool_FullPoolWaitsAndCancelReleases(t *testing.T) {
	pool := NewSlotPool(2)
	ctx := context.Background()

	r1, err := pool.Acquire(ctx, "u1", "chat")
	require.NoError(t, err)
	r2, err := pool.Acquire(ctx, "u2", "chat")
	require.NoError(t, err)
	assert.Equal(t, 2, pool.InUse())

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(waitCtx, "u3", "chat")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, pool.InUse())

	got := make(chan error, 1)
	go func() {
		release, err := pool.Acquire(ctx, "u3", "chat")
		if err == nil {
			release()
		}
		got <- err
	}()
	select {
	case <-got:
		t.Fatal("third acquire should wait while the pool is full")
	case <-time.After(20 * time.Millisecond):
	}

	r1()
	r1()
	require.NoError(t, <-got)
	r2()
	assert.Equal(t, 0, pool.InUse())
}

func TestSlotPool_ActiveTracksHolders(t *testing.T) {
	pool := NewSlotPool(3)
	err := pool.WithSlot(context.Background(), "u1", "handle", func(context.Context) error {
		active := pool.Active()
		require.Len(t, active, 1)
		assert.Equal(t, "u1", active[0].UserID)
		assert.Equal(t, "handle", active[0].Op)
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.Empty(t, pool.Active())
}

func TestVoiceLocks_ExclusivePerScope(t *testing.T) {
	locks := NewVoiceLocks(50 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, locks.Acquire(ctx, "guild-1", "alice"))
	require.NoError(t, locks.Acquire(ctx, "guild-1", "alice"), "re-acquire by holder is a no-op")

	err := locks.Acquire(ctx, "guild-1", "bob")
	var busy *VoiceBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "alice", busy.Holder)
	assert.Equal(t, "voice busy with alice", err.Error())

	require.NoError(t, locks.Acquire(ctx, "guild-2", "bob"), "scopes are independent")

	assert.False(t, locks.Release("guild-1", "bob"))
	assert.True(t, locks.Release("guild-1", "alice"))
	assert.Equal(t, "", locks.Holder("guild-1"))
	require.NoError(t, locks.Acquire(ctx, "guild-1", "bob"))
	assert.True(t, locks.Holds("guild-1", "bob"))
}

func TestVoiceLocks_AtMostOneHolderUnderContention(t *testing.T) {
	locks := NewVoiceLocks(20 * time.Millisecond)
	var winners atomic.Int32
	var wg sync.WaitGroup
	for _, user := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if locks.Acquire(context.Background(), "scope", user) == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, winners.Load())
	assert.NotEmpty(t, locks.Holder("scope"))
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := km.Lock(ctx, "u1")
	require.NoError(t, err)

	other, err := km.Lock(ctx, "u2")
	require.NoError(t, err)
	other()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(waitCtx, "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock, err = km.Lock(ctx, "u1")
	require.NoError(t, err)
	unlock()
	assert.Equal(t, 0, km.Len())
}

func TestWithTimeout(t *testing.T) {
	v, err := WithTimeout(context.Background(), time.Second, "fast", func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	_, err = WithTimeout(context.Background(), 20*time.Millisecond, "slow", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "slow", te.Op)

	parent, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = WithTimeout(parent, time.Second, "cancelled", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, 0, 1))
	assert.Equal(t, 2*time.Second, Backoff(time.Second, 0, 2))
	assert.Equal(t, 4*time.Second, Backoff(time.Second, 0, 3))
	assert.Equal(t, 3*time.Second, Backoff(time.Second, 3*time.Second, 3))
	assert.Equal(t, time.Duration(0), Backoff(time.Second, 0, 0))
}

var errTransient = errors.New("503")
var errAuth = errors.New("401")

func TestWithRetry_RetriesTransientOnly(t *testing.T) {
	retryable := func(err error) bool { return errors.Is(err, errTransient) }

	calls := 0
	var delays []time.Duration
	err := WithRetry(context.Background(), RetryOptions{
		Attempts:  3,
		Base:      time.Millisecond,
		Retryable: retryable,
		OnRetry:   func(_ int, d time.Duration, _ error) { delays = append(delays, d) },
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)

	calls = 0
	err = WithRetry(context.Background(), RetryOptions{Base: time.Millisecond, Retryable: retryable}, func(context.Context) error {
		calls++
		return errAuth
	})
	assert.ErrorIs(t, err, errAuth)
	assert.Equal(t, 1, calls)

	calls = 0
	err = WithRetry(context.Background(), RetryOptions{Attempts: 2, Base: time.Millisecond}, func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_StopsWhenDeadlineTooClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	calls := 0
	err := WithRetry(ctx, RetryOptions{Attempts: 5, Base: time.Second}, func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestSerial_OrdersPerKey(t *testing.T) {
	q := NewSerial()
	var mu sync.Mutex
	got := map[string][]int{}
	for i := 0; i < 50; i++ {
		key := "a"
		if i%2 == 1 {
			key = "b"
		}
		i := i
		q.Submit(key, func() {
			mu.Lock()
			got[key] = append(got[key], i)
			mu.Unlock()
		})
	}
	q.Wait()

	assert.Equal(t, 0, q.Keys())
	require.Len(t, got["a"], 25)
	require.Len(t, got["b"], 25)
	for _, seq := range got {
		for j := 1; j < len(seq); j++ {
			assert.Less(t, seq[j-1], seq[j])
		}
	}
}
