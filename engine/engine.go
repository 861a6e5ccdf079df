//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package engine wires the conversation graph components into one facade.
//
// An Engine owns a scheduler, a tick coordinator, a runner, a history builder and
// a compressor over a single store. Every mutation it commits requests ticks
// through the engine itself, so work created by a mutation or unblocked by a run
// is picked up without an external trigger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-agent-dag/compress"
	"trpc.group/trpc-go/trpc-agent-dag/dispatch"
	"trpc.group/trpc-go/trpc-agent-dag/event"
	"trpc.group/trpc-go/trpc-agent-dag/executor"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/history"
	"trpc.group/trpc-go/trpc-agent-dag/lock"
	"trpc.group/trpc-go/trpc-agent-dag/lock/inmemory"
	"trpc.group/trpc-go/trpc-agent-dag/log"
	"trpc.group/trpc-go/trpc-agent-dag/mutation"
	"trpc.group/trpc-go/trpc-agent-dag/runner"
	"trpc.group/trpc-go/trpc-agent-dag/scheduler"
	"trpc.group/trpc-go/trpc-agent-dag/tick"
)

var (
	// ErrClosed is returned when a tick is requested after Close.
	ErrClosed = errors.New("engine: closed")
	// ErrNoPlanner is returned by Compact when no summarizer is configured.
	ErrNoPlanner = errors.New("engine: compaction is not configured")
)

// DispatcherFactory builds the dispatcher claimed nodes are handed to. The
// handler runs one node and is what the dispatcher must eventually call.
type DispatcherFactory func(h dispatch.Handler) (dispatch.Dispatcher, error)

// InlineDispatcher runs claimed nodes synchronously inside the tick.
func InlineDispatcher(h dispatch.Handler) (dispatch.Dispatcher, error) {
	return dispatch.Inline(h), nil
}

// Option is a function that configures an Engine.
type Option func(*options)

type options struct {
	locker     lock.Locker
	dispatcher DispatcherFactory
	leaseTTL   time.Duration
	claimLimit *int
	workerID   string
	listener   event.Listener
	now        func() time.Time
	history    []history.Option
	previewLen int
	summarizer compress.Summarizer
	planner    []compress.PlannerOption
}

// WithLocker sets the per-graph tick lock. Defaults to an in-process locker,
// which only serializes ticks of a single engine.
func WithLocker(l lock.Locker) Option {
	return func(o *options) {
		o.locker = l
	}
}

// WithDispatcher sets how claimed nodes reach the runner. Defaults to
// InlineDispatcher.
func WithDispatcher(f DispatcherFactory) Option {
	return func(o *options) {
		o.dispatcher = f
	}
}

// WithLeaseTTL sets how long a claim may stay running before it is reclaimed.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.leaseTTL = ttl
	}
}

// WithClaimLimit sets the number of nodes claimed per tick; see tick.WithClaimLimit.
func WithClaimLimit(n int) Option {
	return func(o *options) {
		o.claimLimit = &n
	}
}

// WithWorkerID sets the claimant recorded on nodes claimed by this engine.
func WithWorkerID(id string) Option {
	return func(o *options) {
		o.workerID = id
	}
}

// WithListener receives the audit events of every committed mutation.
func WithListener(l event.Listener) Option {
	return func(o *options) {
		o.listener = l
	}
}

// WithClock sets the clock of every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithHistoryOptions sets the options executors' history is built with.
func WithHistoryOptions(opts ...history.Option) Option {
	return func(o *options) {
		o.history = append(o.history, opts...)
	}
}

// WithPreviewLength sets the length of derived output previews.
func WithPreviewLength(n int) Option {
	return func(o *options) {
		o.previewLen = n
	}
}

// WithSummarizer enables Compact, summarizing old turns with s.
func WithSummarizer(s compress.Summarizer, opts ...compress.PlannerOption) Option {
	return func(o *options) {
		o.summarizer = s
		o.planner = opts
	}
}

// Engine is the entry point of a conversation graph deployment.
type Engine struct {
	store      graph.Store
	sched      *scheduler.Scheduler
	ticker     *tick.Coordinator
	runner     *runner.Runner
	history    *history.Builder
	compressor *compress.Compressor
	planner    *compress.Planner
	dispatcher dispatch.Dispatcher
	opts       options

	// mu guards ticking and closed, and orders wg.Add before Close waits.
	mu      sync.Mutex
	ticking map[string]*tickState
	wg      sync.WaitGroup
	closed  bool
}

type tickState struct {
	again bool
}

// New creates an Engine over store, running nodes with the executors of registry.
func New(store graph.Store, registry *executor.Registry, opts ...Option) (*Engine, error) {
	o := options{dispatcher: InlineDispatcher, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locker == nil {
		o.locker = inmemory.New()
	}
	e := &Engine{store: store, opts: o, ticking: make(map[string]*tickState)}
	mopts := e.mutationOptions()

	schedOpts := []scheduler.Option{scheduler.WithClock(o.now), scheduler.WithMutationOptions(mopts...)}
	if o.leaseTTL > 0 {
		schedOpts = append(schedOpts, scheduler.WithLeaseTTL(o.leaseTTL))
	}
	e.sched = scheduler.New(store, schedOpts...)

	runOpts := []runner.Option{
		runner.WithClock(o.now),
		runner.WithMutationOptions(mopts...),
		runner.WithHistoryOptions(o.history...),
	}
	if o.previewLen > 0 {
		runOpts = append(runOpts, runner.WithPreviewLength(o.previewLen))
	}
	e.runner = runner.New(store, registry, runOpts...)

	d, err := o.dispatcher(e.runner.Handler())
	if err != nil {
		return nil, fmt.Errorf("engine: create dispatcher: %w", err)
	}
	e.dispatcher = d

	tickOpts := []tick.Option{tick.WithWorkerID(o.workerID)}
	if o.claimLimit != nil {
		tickOpts = append(tickOpts, tick.WithClaimLimit(*o.claimLimit))
	}
	e.ticker = tick.New(e.sched, o.locker, d, tickOpts...)

	e.history = history.NewBuilder(store)
	e.compressor = compress.New(store, compress.WithClock(o.now), compress.WithMutationOptions(mopts...))
	if o.summarizer != nil {
		e.planner = compress.NewPlanner(store, e.compressor, o.summarizer, o.planner...)
	}
	return e, nil
}

func (e *Engine) mutationOptions() []mutation.Option {
	opts := []mutation.Option{
		mutation.WithEnqueuer(mutation.EnqueuerFunc(e.EnqueueTick)),
		mutation.WithClock(e.opts.now),
	}
	if e.opts.listener != nil {
		opts = append(opts, mutation.WithListener(e.opts.listener))
	}
	return opts
}

// Store returns the store of the engine.
func (e *Engine) Store() graph.Store { return e.store }

// Scheduler returns the scheduler of the engine.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// WorkerID returns the claimant this engine records on claimed nodes.
func (e *Engine) WorkerID() string { return e.ticker.WorkerID() }

// Handler returns the function that runs one dispatched node, for consumers
// of queue dispatchers.
func (e *Engine) Handler() dispatch.Handler { return e.runner.Handler() }

// Begin opens an explicit mutation of graphID. The caller must Commit or
// Rollback it; ticks it requests go through the engine.
func (e *Engine) Begin(ctx context.Context, graphID string) (*mutation.Mutation, error) {
	return mutation.Begin(ctx, e.store, graphID, e.mutationOptions()...)
}

// Mutate runs fn in a mutation of graphID and commits it unless fn fails.
func (e *Engine) Mutate(ctx context.Context, graphID string, fn func(*mutation.Mutation) error) error {
	return mutation.Do(ctx, e.store, graphID, fn, e.mutationOptions()...)
}

// EnqueueTick requests a tick of graphID in the background. It never blocks
// on the tick itself; errors of the tick are logged.
func (e *Engine) EnqueueTick(ctx context.Context, graphID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if st, ok := e.ticking[graphID]; ok {
		st.again = true
		e.mu.Unlock()
		return nil
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if _, err := e.Tick(context.WithoutCancel(ctx), graphID); err != nil {
			log.Warnf("engine: background tick of graph %s: %v", graphID, err)
		}
	}()
	return nil
}

// Tick runs a scheduling round of graphID. A tick requested while this engine
// is already ticking the graph is folded into the running one, which replays
// once more before returning; the caller then gets a skipped result.
func (e *Engine) Tick(ctx context.Context, graphID string) (*tick.Result, error) {
	e.mu.Lock()
	if st, ok := e.ticking[graphID]; ok {
		st.again = true
		e.mu.Unlock()
		return &tick.Result{GraphID: graphID, Skipped: true}, nil
	}
	st := &tickState{}
	e.ticking[graphID] = st
	e.mu.Unlock()

	total := &tick.Result{GraphID: graphID, Skipped: true}
	for {
		res, err := e.ticker.Tick(ctx, graphID)
		if res != nil {
			merge(total, res)
		}
		e.mu.Lock()
		if err != nil || !st.again || ctx.Err() != nil {
			delete(e.ticking, graphID)
			e.mu.Unlock()
			return total, err
		}
		st.again = false
		e.mu.Unlock()
	}
}

func merge(total, res *tick.Result) {
	total.Skipped = total.Skipped && res.Skipped
	total.Propagated = append(total.Propagated, res.Propagated...)
	total.Reclaimed = append(total.Reclaimed, res.Reclaimed...)
	total.Claimed = append(total.Claimed, res.Claimed...)
	total.Dispatched += res.Dispatched
}

// Run executes one claimed node and persists its outcome.
func (e *Engine) Run(ctx context.Context, nodeID string) (*graph.Node, error) {
	return e.runner.Run(ctx, nodeID)
}

// ContextFor returns the ordered history a node is executed with.
func (e *Engine) ContextFor(ctx context.Context, nodeID string, opts ...history.Option) ([]history.Entry, error) {
	return e.history.ContextFor(ctx, nodeID, opts...)
}

// Compress replaces a settled single-entry single-exit subgraph with a summary node.
func (e *Engine) Compress(ctx context.Context, graphID string, nodeIDs []string, content string,
	metadata map[string]any) (*graph.Node, error) {
	return e.compressor.Compress(ctx, graphID, nodeIDs, content, metadata)
}

// Compact summarizes and compresses the oldest closed turns of a lane when the
// configured checker asks for it. It returns nil when nothing was compacted.
func (e *Engine) Compact(ctx context.Context, graphID, laneID string) (*graph.Node, error) {
	if e.planner == nil {
		return nil, ErrNoPlanner
	}
	return e.planner.Compact(ctx, graphID, laneID)
}

// Retry creates a pending copy of an errored node that supersedes it.
func (e *Engine) Retry(ctx context.Context, nodeID string) (*graph.Node, error) {
	n, err := e.node(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	var retry *graph.Node
	err = e.Mutate(ctx, n.GraphID, func(m *mutation.Mutation) error {
		var rerr error
		retry, rerr = m.Retry(ctx, nodeID)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return retry, nil
}

func (e *Engine) node(ctx context.Context, id string) (*graph.Node, error) {
	var n *graph.Node
	err := graph.View(ctx, e.store, func(r graph.Reader) error {
		var err error
		n, err = r.GetNode(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return n, nil
}

// Wait blocks until every background tick has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops accepting tick requests, waits for background ticks and closes
// the dispatcher when it can be closed.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
	switch d := e.dispatcher.(type) {
	case interface{ Close(context.Context) error }:
		return d.Close(ctx)
	case interface{ Close() error }:
		return d.Close()
	}
	return nil
}
