//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package lock defines the non-blocking, scoped mutual exclusion used to make
// at most one tick run per graph at a time across all workers.
package lock

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds how long a lease outlives a crashed holder.
const DefaultTTL = 30 * time.Second

// ErrNotHeld is returned by Release when the lease expired or was taken over.
var ErrNotHeld = errors.New("lock: lease not held")

// Lease is a held lock.
type Lease interface {
	// Key returns the locked key.
	Key() string
	// Release gives the lock up. Releasing twice is a no-op.
	Release(ctx context.Context) error
}

// Locker acquires leases without waiting.
type Locker interface {
	// TryLock returns ok == false, with a nil error, when another holder owns key.
	TryLock(ctx context.Context, key string) (lease Lease, ok bool, err error)
}

// TickKey returns the lock key serializing ticks of a graph.
func TickKey(graphID string) string {
	return "dag:tick:" + graphID
}
