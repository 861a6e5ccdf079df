//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package redis dispatches jobs through a Redis list shared by all workers:
// Dispatch pushes to the head and consumers pop from the tail. A job lost with a
// crashed consumer is recovered by lease reclaim and dispatched again.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-agent-dag/dispatch"
	"trpc.group/trpc-go/trpc-agent-dag/log"
	storage "trpc.group/trpc-go/trpc-agent-dag/storage/redis"
)

// DefaultQueue is the default list key.
const DefaultQueue = "dag:dispatch"

const defaultPollTimeout = time.Second

var _ dispatch.Dispatcher = (*Queue)(nil)

type options struct {
	url          string
	instanceName string
	client       redis.UniversalClient
	queue        string
	pollTimeout  time.Duration
}

// Option configures a Queue.
type Option func(*options)

// WithRedisClientURL connects to the Redis server at url.
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

// WithQueue sets the list key.
func WithQueue(key string) Option {
	return func(o *options) {
		o.queue = key
	}
}

// WithPollTimeout sets how long a consumer blocks on an empty queue before it
// rechecks its context.
func WithPollTimeout(d time.Duration) Option {
	return func(o *options) {
		o.pollTimeout = d
	}
}

// Queue is a Redis list job queue.
type Queue struct {
	client redis.UniversalClient
	opts   options
}

// New creates a Queue.
func New(opts ...Option) (*Queue, error) {
	o := options{queue: DefaultQueue, pollTimeout: defaultPollTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	client := o.client
	if client == nil {
		if o.url == "" && o.instanceName == "" {
			return nil, errors.New("dispatch/redis: client, instance or url is required")
		}
		var err error
		if client, err = storage.NewClient(o.instanceName, o.url); err != nil {
			return nil, fmt.Errorf("dispatch/redis: create client: %w", err)
		}
	}
	return &Queue{client: client, opts: o}, nil
}

// Dispatch implements dispatch.Dispatcher.
func (q *Queue) Dispatch(ctx context.Context, job dispatch.Job) error {
	data, err := job.Encode()
	if err != nil {
		return fmt.Errorf("dispatch/redis: encode %s: %w", job, err)
	}
	if err := q.client.LPush(ctx, q.opts.queue, data).Err(); err != nil {
		return fmt.Errorf("dispatch/redis: push %s: %w", job, err)
	}
	return nil
}

// Len returns the number of queued jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.opts.queue).Result()
}

// Consume pops jobs and forwards them to sink until ctx is done, then returns
// nil. Malformed entries are dropped. A job the sink refuses is pushed back.
func (q *Queue) Consume(ctx context.Context, sink dispatch.Dispatcher) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := q.client.BRPop(ctx, q.opts.pollTimeout, q.opts.queue).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warnf("dispatch/redis: pop %s: %v", q.opts.queue, err)
			if !sleep(ctx, q.opts.pollTimeout) {
				return nil
			}
			continue
		}
		// BRPOP returns the key and the value.
		job, err := dispatch.DecodeJob([]byte(res[1]))
		if err != nil {
			log.Errorf("dispatch/redis: drop entry: %v", err)
			continue
		}
		if err := sink.Dispatch(ctx, job); err != nil {
			log.Warnf("dispatch/redis: hand off %s: %v, requeueing", job, err)
			if err := q.client.RPush(context.WithoutCancel(ctx), q.opts.queue, res[1]).Err(); err != nil {
				log.Errorf("dispatch/redis: requeue %s: %v", job, err)
			}
			if !sleep(ctx, q.opts.pollTimeout) {
				return nil
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Close closes the client.
func (q *Queue) Close() error {
	return q.client.Close()
}
