//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package pool dispatches jobs onto an in-process goroutine pool.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-agent-dag/dispatch"
	"trpc.group/trpc-go/trpc-agent-dag/log"
)

// DefaultSize is the default number of concurrently running jobs.
const DefaultSize = 16

var _ dispatch.Dispatcher = (*Dispatcher)(nil)

type options struct {
	size        int
	nonblocking bool
	timeout     time.Duration
}

// Option configures a Dispatcher.
type Option func(*options)

// WithSize sets the number of concurrently running jobs.
func WithSize(n int) Option {
	return func(o *options) {
		o.size = n
	}
}

// WithNonblocking makes Dispatch fail instead of waiting when the pool is full.
func WithNonblocking(nonblocking bool) Option {
	return func(o *options) {
		o.nonblocking = nonblocking
	}
}

// WithJobTimeout bounds each job; zero means no bound beyond the lease.
func WithJobTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// Dispatcher runs jobs on an ants pool. Jobs are detached from the dispatching
// context: a tick that returns does not cancel the runs it started.
type Dispatcher struct {
	pool    *ants.Pool
	handler dispatch.Handler
	opts    options
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Dispatcher running h.
func New(h dispatch.Handler, opts ...Option) (*Dispatcher, error) {
	o := options{size: DefaultSize}
	for _, opt := range opts {
		opt(&o)
	}
	p, err := ants.NewPool(o.size, ants.WithNonblocking(o.nonblocking))
	if err != nil {
		return nil, fmt.Errorf("dispatch/pool: create pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{pool: p, handler: h, opts: o, ctx: ctx, cancel: cancel}, nil
}

// Dispatch implements dispatch.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, job dispatch.Job) error {
	if d.pool.IsClosed() {
		return dispatch.ErrClosed
	}
	d.wg.Add(1)
	err := d.pool.Submit(func() {
		defer d.wg.Done()
		d.run(job)
	})
	if err != nil {
		d.wg.Done()
		if err == ants.ErrPoolClosed {
			return dispatch.ErrClosed
		}
		return fmt.Errorf("dispatch/pool: submit %s: %w", job, err)
	}
	return nil
}

func (d *Dispatcher) run(job dispatch.Job) {
	ctx := d.ctx
	if d.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("dispatch/pool: job %s panicked: %v", job, r)
		}
	}()
	if err := d.handler(ctx, job); err != nil {
		log.Errorf("dispatch/pool: job %s: %v", job, err)
	}
}

// Running returns the number of jobs currently executing.
func (d *Dispatcher) Running() int { return d.pool.Running() }

// Wait blocks until every dispatched job has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Close stops accepting jobs and waits for running ones until ctx is done, after
// which their contexts are canceled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.pool.Release()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
