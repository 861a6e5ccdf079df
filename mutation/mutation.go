//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package mutation provides the transactional editor of a conversation graph.
//
// A Mutation holds the graph lock and a store transaction. Writes go through the
// handle, which keeps an in-memory index of the graph current so that cycle checks
// and the leaf invariant can be evaluated before commit. Commit repairs invalid
// leaves, commits, and requests at most one tick for the whole transaction.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-agent-dag/event"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
	itelemetry "trpc.group/trpc-go/trpc-agent-dag/internal/telemetry"
	"trpc.group/trpc-go/trpc-agent-dag/log"
	"trpc.group/trpc-go/trpc-agent-dag/telemetry/metric"
)

// Errors.
var (
	ErrNilBody      = errors.New("mutation: nil mutation body")
	ErrNotRetryable = errors.New("mutation: node cannot be retried")
)

// Enqueuer requests a tick for a graph.
type Enqueuer interface {
	EnqueueTick(ctx context.Context, graphID string) error
}

// EnqueuerFunc adapts a function to Enqueuer.
type EnqueuerFunc func(ctx context.Context, graphID string) error

// EnqueueTick calls f.
func (f EnqueuerFunc) EnqueueTick(ctx context.Context, graphID string) error {
	return f(ctx, graphID)
}

type options struct {
	enqueuer  Enqueuer
	listeners []event.Listener
	now       func() time.Time
}

// Option configures a Mutation.
type Option func(*options)

// WithEnqueuer sets where post-commit ticks are requested.
func WithEnqueuer(e Enqueuer) Option {
	return func(o *options) {
		o.enqueuer = e
	}
}

// WithListener registers a listener receiving the events recorded by a committed
// mutation.
func WithListener(l event.Listener) Option {
	return func(o *options) {
		o.listeners = append(o.listeners, l)
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Mutation is an open, locked transaction over one graph.
type Mutation struct {
	tx      graph.Tx
	graphID string
	ix      *graph.Index
	opts    options

	events     []*event.Event
	repairs    []*graph.Node
	signalled  bool
	executable bool
	ticked     bool
	done       bool
}

// Begin opens a transaction, locks the graph and loads its index.
func Begin(ctx context.Context, store graph.Store, graphID string, opts ...Option) (*Mutation, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("mutation: begin: %w", err)
	}
	if err := tx.LockGraph(ctx, graphID); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("mutation: lock graph: %w", err)
	}
	ix, err := graph.LoadIndex(ctx, tx, graphID)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("mutation: %w", err)
	}
	return &Mutation{tx: tx, graphID: graphID, ix: ix, opts: o}, nil
}

// Do runs fn inside a mutation, committing when it returns nil and rolling back
// when it returns an error or panics. A nil fn fails before any transaction opens.
func Do(ctx context.Context, store graph.Store, graphID string, fn func(*Mutation) error,
	opts ...Option) (err error) {
	if fn == nil {
		return ErrNilBody
	}
	m, err := Begin(ctx, store, graphID, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = m.Rollback()
			panic(p)
		}
		if err != nil {
			_ = m.Rollback()
		}
	}()
	if err = fn(m); err != nil {
		return err
	}
	return m.Commit(ctx)
}

// GraphID returns the graph being mutated.
func (m *Mutation) GraphID() string { return m.graphID }

// Index returns the live index of the graph, including writes made so far.
// Callers must not modify it.
func (m *Mutation) Index() *graph.Index { return m.ix }

// Reader exposes the underlying transaction for reads the index does not cover.
func (m *Mutation) Reader() graph.Reader { return m.tx }

// Now returns the mutation clock.
func (m *Mutation) Now() time.Time { return m.opts.now() }

// Node returns a copy of the node with the given id.
func (m *Mutation) Node(id string) (*graph.Node, error) {
	n := m.ix.Node(id)
	if n == nil {
		return nil, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id)
	}
	return n.Clone(), nil
}

// Edge returns a copy of the edge with the given id.
func (m *Mutation) Edge(id string) (*graph.Edge, error) {
	e := m.ix.Edge(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", graph.ErrEdgeNotFound, id)
	}
	return e.Clone(), nil
}

func (m *Mutation) check() error {
	if m.done {
		return graph.ErrTxDone
	}
	return nil
}

func (m *Mutation) checkGraph(graphID *string) error {
	if *graphID == "" {
		*graphID = m.graphID
	}
	if *graphID != m.graphID {
		return fmt.Errorf("%w: %s is not %s", graph.ErrCrossGraph, *graphID, m.graphID)
	}
	return nil
}

func (m *Mutation) noteExecutable(n *graph.Node) {
	if n.State == graph.StatePending && n.Type.Executable() && n.Active() {
		m.executable = true
	}
}

// AddNode creates a node. Empty ID, GraphID, State and CreatedAt are filled in.
func (m *Mutation) AddNode(ctx context.Context, n *graph.Node) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := m.checkGraph(&n.GraphID); err != nil {
		return err
	}
	if n.ID == "" {
		n.ID = graph.NewID()
	}
	if n.State == "" {
		n.State = graph.StatePending
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.Now()
	}
	if err := m.tx.CreateNode(ctx, n); err != nil {
		return fmt.Errorf("mutation: add node: %w", err)
	}
	m.ix.PutNode(n.Clone())
	m.noteExecutable(n)
	return nil
}

// AddEdge creates an edge after checking its endpoints and acyclicity.
func (m *Mutation) AddEdge(ctx context.Context, e *graph.Edge) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := m.checkGraph(&e.GraphID); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = graph.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.Now()
	}
	if err := m.ix.CheckEdge(e); err != nil {
		return fmt.Errorf("mutation: add edge: %w", err)
	}
	if err := m.tx.CreateEdge(ctx, e); err != nil {
		return fmt.Errorf("mutation: add edge: %w", err)
	}
	m.ix.AddEdge(e.Clone())
	return nil
}

// Connect adds an edge of the given type between two nodes and returns it.
func (m *Mutation) Connect(ctx context.Context, from, to string, typ graph.EdgeType,
	metadata map[string]any) (*graph.Edge, error) {
	e := &graph.Edge{FromNodeID: from, ToNodeID: to, Type: typ, Metadata: metadata}
	if err := m.AddEdge(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateNode overwrites a node unconditionally.
func (m *Mutation) UpdateNode(ctx context.Context, n *graph.Node) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := m.checkGraph(&n.GraphID); err != nil {
		return err
	}
	if err := m.tx.UpdateNode(ctx, n); err != nil {
		return fmt.Errorf("mutation: update node: %w", err)
	}
	m.ix.PutNode(n.Clone())
	m.noteExecutable(n)
	return nil
}

// TransitionNode writes n only if the stored node is still in state expected at
// n.Version, and reports whether it did. A state change records a
// node_state_changed event.
func (m *Mutation) TransitionNode(ctx context.Context, n *graph.Node, expected graph.NodeState) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	if err := m.checkGraph(&n.GraphID); err != nil {
		return false, err
	}
	ok, err := m.tx.SwapNode(ctx, n, expected)
	if err != nil {
		return false, fmt.Errorf("mutation: transition node: %w", err)
	}
	if !ok {
		return false, nil
	}
	m.ix.PutNode(n.Clone())
	m.noteExecutable(n)
	if n.State != expected {
		if err := m.RecordEvent(ctx, StateChanged(n, expected, m.Now())); err != nil {
			return false, err
		}
	}
	return true, nil
}

// StateChanged builds the node_state_changed event of a transition.
func StateChanged(n *graph.Node, from graph.NodeState, at time.Time) *event.Event {
	opts := []event.Option{
		event.WithTimestamp(at),
		event.WithParticular(event.KeyFromState, string(from)),
		event.WithParticular(event.KeyToState, string(n.State)),
	}
	if n.ClaimedBy != "" {
		opts = append(opts, event.WithParticular(event.KeyClaimedBy, n.ClaimedBy))
	}
	if n.Error != nil {
		opts = append(opts,
			event.WithParticular(event.KeyErrorType, n.Error.Type),
			event.WithParticular(event.KeyErrorMessage, n.Error.Message))
	}
	return event.New(n.GraphID, event.TypeNodeStateChanged, n.ID, opts...)
}

// UpdateEdge overwrites an edge. Endpoint changes are cycle-checked.
func (m *Mutation) UpdateEdge(ctx context.Context, e *graph.Edge) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := m.checkGraph(&e.GraphID); err != nil {
		return err
	}
	old := m.ix.Edge(e.ID)
	if old == nil {
		return fmt.Errorf("%w: %s", graph.ErrEdgeNotFound, e.ID)
	}
	if old.FromNodeID != e.FromNodeID || old.ToNodeID != e.ToNodeID {
		// Check against the graph without the edge being moved.
		m.ix.RemoveEdge(old.ID)
		err := m.ix.CheckEdge(e)
		m.ix.AddEdge(old)
		if err != nil {
			return fmt.Errorf("mutation: update edge: %w", err)
		}
	}
	if err := m.tx.UpdateEdge(ctx, e); err != nil {
		return fmt.Errorf("mutation: update edge: %w", err)
	}
	m.ix.AddEdge(e.Clone())
	return nil
}

// AddLane creates a lane. Empty ID, GraphID and CreatedAt are filled in.
func (m *Mutation) AddLane(ctx context.Context, l *graph.Lane) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := m.checkGraph(&l.GraphID); err != nil {
		return err
	}
	if l.ID == "" {
		l.ID = graph.NewID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = m.Now()
	}
	if err := m.tx.CreateLane(ctx, l); err != nil {
		return fmt.Errorf("mutation: add lane: %w", err)
	}
	return nil
}

// AddTurn creates a turn and assigns its sequence number.
func (m *Mutation) AddTurn(ctx context.Context, t *graph.Turn) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := m.checkGraph(&t.GraphID); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = graph.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.Now()
	}
	if err := m.tx.CreateTurn(ctx, t); err != nil {
		return fmt.Errorf("mutation: add turn: %w", err)
	}
	return nil
}

// RecordEvent appends an audit event in the transaction.
func (m *Mutation) RecordEvent(ctx context.Context, e *event.Event) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := m.tx.RecordEvent(ctx, e); err != nil {
		return fmt.Errorf("mutation: record event: %w", err)
	}
	m.events = append(m.events, e)
	return nil
}

// MarkExecutable signals that the mutation may have made work runnable, so a
// tick is requested on commit.
func (m *Mutation) MarkExecutable() {
	m.signalled = true
}

// Events returns the events recorded so far.
func (m *Mutation) Events() []*event.Event { return m.events }

// Repairs returns the agent-message nodes synthesized by leaf repair on commit.
func (m *Mutation) Repairs() []*graph.Node { return m.repairs }

// TickRequested reports whether commit requested a tick.
func (m *Mutation) TickRequested() bool { return m.ticked }

// Commit repairs invalid leaves, commits and requests one tick when runnable
// work may exist. On failure everything, partial repair included, is rolled back.
func (m *Mutation) Commit(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := m.repairLeaves(ctx); err != nil {
		_ = m.Rollback()
		return err
	}
	m.done = true
	if err := m.tx.Commit(); err != nil {
		_ = m.tx.Rollback()
		return fmt.Errorf("mutation: commit: %w", err)
	}
	itelemetry.Count(ctx, metric.Meter, itelemetry.MetricLeafRepairs, int64(len(m.repairs)),
		itelemetry.GraphAttributes(m.graphID)...)
	event.Notify(ctx, m.opts.listeners, m.events)
	if len(m.repairs) == 0 && !m.signalled && !m.executable {
		return nil
	}
	m.ticked = true
	if m.opts.enqueuer == nil {
		return nil
	}
	if err := m.opts.enqueuer.EnqueueTick(ctx, m.graphID); err != nil {
		// The periodic worker sweep picks the graph up later.
		log.Warnf("mutation: enqueue tick for graph %s: %v", m.graphID, err)
	}
	return nil
}

// Rollback discards the transaction. It is a no-op after Commit or Rollback.
func (m *Mutation) Rollback() error {
	if m.done {
		return nil
	}
	m.done = true
	m.events = nil
	m.repairs = nil
	if err := m.tx.Rollback(); err != nil {
		return fmt.Errorf("mutation: rollback: %w", err)
	}
	return nil
}
