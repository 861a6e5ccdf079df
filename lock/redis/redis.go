//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a lock.Locker on Redis: SET NX PX to acquire, and a
// compare-and-delete script so a holder only ever releases its own lease.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-agent-dag/lock"
	storage "trpc.group/trpc-go/trpc-agent-dag/storage/redis"
)

var _ lock.Locker = (*Locker)(nil)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type options struct {
	url          string
	instanceName string
	client       redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// Option configures a Locker.
type Option func(*options)

// WithRedisClientURL connects to the Redis server at url through the client builder.
func WithRedisClientURL(url string) Option {
	return func(o *options) {
		o.url = url
	}
}

// WithRedisInstance uses a redis instance registered in storage/redis.
func WithRedisInstance(name string) Option {
	return func(o *options) {
		o.instanceName = name
	}
}

// WithClient uses an existing client.
func WithClient(c redis.UniversalClient) Option {
	return func(o *options) {
		o.client = c
	}
}

// WithTTL sets the lease duration.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithKeyPrefix prefixes every lock key.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// Locker is a lock.Locker over Redis.
type Locker struct {
	client redis.UniversalClient
	opts   options
}

// New creates a Locker.
func New(opts ...Option) (*Locker, error) {
	o := options{ttl: lock.DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	client := o.client
	if client == nil {
		if o.url == "" && o.instanceName == "" {
			return nil, errors.New("lock/redis: client, instance or url is required")
		}
		var err error
		client, err = storage.NewClient(o.instanceName, o.url)
		if err != nil {
			return nil, fmt.Errorf("lock/redis: create client: %w", err)
		}
	}
	if o.ttl <= 0 {
		return nil, fmt.Errorf("lock/redis: ttl must be positive, got %s", o.ttl)
	}
	return &Locker{client: client, opts: o}, nil
}

// TryLock implements lock.Locker.
func (l *Locker) TryLock(ctx context.Context, key string) (lock.Lease, bool, error) {
	token := uuid.NewString()
	k := l.opts.prefix + key
	ok, err := l.client.SetNX(ctx, k, token, l.opts.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock/redis: set %s: %w", k, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &lease{client: l.client, key: key, redisKey: k, token: token}, true, nil
}

type lease struct {
	client   redis.UniversalClient
	key      string
	redisKey string
	token    string
	released bool
}

func (le *lease) Key() string { return le.key }

func (le *lease) Release(ctx context.Context) error {
	if le.released {
		return nil
	}
	le.released = true
	n, err := releaseScript.Run(ctx, le.client, []string{le.redisKey}, le.token).Int()
	if err != nil {
		return fmt.Errorf("lock/redis: release %s: %w", le.redisKey, err)
	}
	if n == 0 {
		return lock.ErrNotHeld
	}
	return nil
}
