//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package tick drives one scheduling round of a graph: under a non-blocking
// per-graph lock it propagates failures, reclaims stale claims, claims ready
// nodes and dispatches them. A tick that finds the lock taken is skipped, since
// the holder's round observes the same state.
package tick

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-agent-dag/dispatch"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
	itelemetry "trpc.group/trpc-go/trpc-agent-dag/internal/telemetry"
	"trpc.group/trpc-go/trpc-agent-dag/lock"
	"trpc.group/trpc-go/trpc-agent-dag/log"
	"trpc.group/trpc-go/trpc-agent-dag/scheduler"
	"trpc.group/trpc-go/trpc-agent-dag/telemetry/metric"
	"trpc.group/trpc-go/trpc-agent-dag/telemetry/trace"
)

// DefaultClaimLimit is the number of nodes claimed per tick by default.
const DefaultClaimLimit = 32

// Result reports what a tick did.
type Result struct {
	GraphID string
	// Skipped is set when another tick of the graph held the lock.
	Skipped    bool
	Propagated []*graph.Node
	Reclaimed  []*graph.Node
	Claimed    []*graph.Node
	// Dispatched counts the claimed nodes handed to the dispatcher.
	Dispatched int
}

type options struct {
	claimLimit int
	workerID   string
}

// Option configures a Coordinator.
type Option func(*options)

// WithClaimLimit sets the maximum number of nodes claimed per tick. A
// non-positive limit claims every ready node.
func WithClaimLimit(n int) Option {
	return func(o *options) {
		o.claimLimit = n
	}
}

// WithWorkerID sets the claimant recorded on claimed nodes.
func WithWorkerID(id string) Option {
	return func(o *options) {
		o.workerID = id
	}
}

// DefaultWorkerID returns "<hostname>-<pid>".
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Coordinator runs ticks.
type Coordinator struct {
	sched      *scheduler.Scheduler
	locker     lock.Locker
	dispatcher dispatch.Dispatcher
	opts       options
}

// New creates a Coordinator.
func New(sched *scheduler.Scheduler, locker lock.Locker, dispatcher dispatch.Dispatcher,
	opts ...Option) *Coordinator {
	o := options{claimLimit: DefaultClaimLimit}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workerID == "" {
		o.workerID = DefaultWorkerID()
	}
	return &Coordinator{sched: sched, locker: locker, dispatcher: dispatcher, opts: o}
}

// WorkerID returns the claimant recorded on claimed nodes.
func (c *Coordinator) WorkerID() string { return c.opts.workerID }

// Tick runs one scheduling round of graphID. Dispatch failures do not stop the
// round; they are returned joined, with the nodes left running for reclaim.
func (c *Coordinator) Tick(ctx context.Context, graphID string) (res *Result, err error) {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameTick)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	attrs := itelemetry.GraphAttributes(graphID)
	span.SetAttributes(attrs...)
	span.SetAttributes(attribute.String(itelemetry.KeyWorkerID, c.opts.workerID))

	res = &Result{GraphID: graphID}
	lease, ok, err := c.locker.TryLock(ctx, lock.TickKey(graphID))
	if err != nil {
		return nil, fmt.Errorf("tick: lock graph %s: %w", graphID, err)
	}
	if !ok {
		res.Skipped = true
		span.SetAttributes(attribute.Bool("trpc.agent.dag.skipped", true))
		itelemetry.Count(ctx, metric.Meter, itelemetry.MetricTicksSkipped, 1, attrs...)
		log.Debugf("tick: graph %s busy, skipped", graphID)
		return res, nil
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			log.Warnf("tick: release lock of graph %s: %v", graphID, rerr)
		}
	}()
	itelemetry.Count(ctx, metric.Meter, itelemetry.MetricTicks, 1, attrs...)

	if res.Propagated, err = c.sched.Propagate(ctx, graphID); err != nil {
		return nil, err
	}
	if res.Reclaimed, err = c.sched.Reclaim(ctx, graphID); err != nil {
		return nil, err
	}
	if res.Claimed, err = c.sched.Claim(ctx, graphID, c.opts.claimLimit, c.opts.workerID); err != nil {
		return nil, err
	}

	var errs []error
	for _, n := range res.Claimed {
		job := dispatch.Job{GraphID: graphID, NodeID: n.ID}
		if derr := c.dispatcher.Dispatch(ctx, job); derr != nil {
			log.Errorf("tick: dispatch %s: %v", job, derr)
			errs = append(errs, fmt.Errorf("dispatch %s: %w", job, derr))
			continue
		}
		res.Dispatched++
	}
	if len(res.Claimed) > 0 || len(res.Reclaimed) > 0 || len(res.Propagated) > 0 {
		log.Debugf("tick: graph %s: propagated=%d reclaimed=%d claimed=%d dispatched=%d",
			graphID, len(res.Propagated), len(res.Reclaimed), len(res.Claimed), res.Dispatched)
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("tick: graph %s: %w", graphID, errors.Join(errs...))
	}
	return res, nil
}
