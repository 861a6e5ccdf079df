//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides a process-local lock.Locker for single-process
// deployments and tests.
package inmemory

import (
	"context"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-agent-dag/lock"
)

var _ lock.Locker = (*Locker)(nil)

type holder struct {
	token     uint64
	expiresAt time.Time
}

// Locker is a lock.Locker backed by a map.
type Locker struct {
	mu    sync.Mutex
	held  map[string]holder
	seq   uint64
	ttl   time.Duration
	nowFn func() time.Time
}

// Option configures a Locker.
type Option func(*Locker)

// WithTTL sets the lease duration; a non-positive ttl never expires.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		l.ttl = ttl
	}
}

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) {
		l.nowFn = now
	}
}

// New creates a Locker.
func New(opts ...Option) *Locker {
	l := &Locker{held: make(map[string]holder), ttl: lock.DefaultTTL, nowFn: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryLock implements lock.Locker.
func (l *Locker) TryLock(ctx context.Context, key string) (lock.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	if h, ok := l.held[key]; ok && (h.expiresAt.IsZero() || now.Before(h.expiresAt)) {
		return nil, false, nil
	}
	l.seq++
	h := holder{token: l.seq}
	if l.ttl > 0 {
		h.expiresAt = now.Add(l.ttl)
	}
	l.held[key] = h
	return &lease{locker: l, key: key, token: h.token}, true, nil
}

type lease struct {
	locker   *Locker
	key      string
	token    uint64
	released bool
}

func (le *lease) Key() string { return le.key }

func (le *lease) Release(ctx context.Context) error {
	l := le.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	if le.released {
		return nil
	}
	le.released = true
	if h, ok := l.held[le.key]; ok && h.token == le.token {
		delete(l.held, le.key)
		return nil
	}
	return lock.ErrNotHeld
}
