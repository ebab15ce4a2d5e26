package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerializesSameKey(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	inside, maxInside := 0, 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, orderLockKey(1), time.Second)
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Empty(t, l.slots)
}

func TestLocalLockerTimesOut(t *testing.T) {
	l := NewLocalLocker()

	unlock, err := l.Lock(context.Background(), "lock:order:1", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "lock:order:1", time.Second)
	assert.ErrorIs(t, err, ErrLockTimeout)

	// other keys are independent
	other, err := l.Lock(context.Background(), "lock:order:2", time.Second)
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := l.Lock(context.Background(), "lock:order:1", time.Second)
	require.NoError(t, err)
	again()
}
