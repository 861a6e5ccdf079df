//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package locktest is the behavioral suite every lock.Locker passes.
package locktest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-dag/lock"
)

// Run runs the suite against l. Keys are unique per run, so l may be shared.
func Run(t *testing.T, l lock.Locker) {
	t.Run("contention", func(t *testing.T) { testContention(t, l) })
	t.Run("release_then_reacquire", func(t *testing.T) { testReacquire(t, l) })
	t.Run("independent_keys", func(t *testing.T) { testIndependentKeys(t, l) })
	t.Run("concurrent_single_winner", func(t *testing.T) { testConcurrent(t, l) })
}

func key() string {
	return lock.TickKey(uuid.NewString())
}

func testContention(t *testing.T, l lock.Locker) {
	ctx := context.Background()
	k := key()
	held, ok, err := l.TryLock(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, k, held.Key())

	other, ok, err := l.TryLock(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, other)
	require.NoError(t, held.Release(ctx))
}

func testReacquire(t *testing.T, l lock.Locker) {
	ctx := context.Background()
	k := key()
	first, ok, err := l.TryLock(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, first.Release(ctx))
	require.NoError(t, first.Release(ctx), "second release is a no-op")

	second, ok, err := l.TryLock(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	// A stale lease must not release its successor's lock.
	require.NoError(t, first.Release(ctx))
	_, ok, err = l.TryLock(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, second.Release(ctx))
}

func testIndependentKeys(t *testing.T, l lock.Locker) {
	ctx := context.Background()
	a, ok, err := l.TryLock(ctx, key())
	require.NoError(t, err)
	require.True(t, ok)
	b, ok, err := l.TryLock(ctx, key())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Release(ctx))
}

func testConcurrent(t *testing.T, l lock.Locker) {
	ctx := context.Background()
	k := key()
	var (
		wins  int32
		wg    sync.WaitGroup
		mu    sync.Mutex
		lease lock.Lease
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok, err := l.TryLock(ctx, k)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
				mu.Lock()
				lease = got
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins)
	require.NoError(t, lease.Release(ctx))
}
