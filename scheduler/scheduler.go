//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package scheduler selects and exclusively claims ready nodes, cascades
// failures to dependent pending nodes and recovers stale claims.
//
// Every state change is a conditional write on the node's state and version, so
// any number of schedulers may share a store: a node that changed underneath a
// scheduler is skipped, never overwritten.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"trpc.group/trpc-go/trpc-agent-dag/event"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
	itelemetry "trpc.group/trpc-go/trpc-agent-dag/internal/telemetry"
	"trpc.group/trpc-go/trpc-agent-dag/log"
	"trpc.group/trpc-go/trpc-agent-dag/mutation"
	"trpc.group/trpc-go/trpc-agent-dag/telemetry/metric"
	"trpc.group/trpc-go/trpc-agent-dag/telemetry/trace"
)

const (
	// DefaultLeaseTTL is how long a claim stays valid before it can be reclaimed.
	DefaultLeaseTTL = 10 * time.Minute
)

type options struct {
	leaseTTL  time.Duration
	now       func() time.Time
	mutations []mutation.Option
}

// Option configures a Scheduler.
type Option func(*options)

// WithLeaseTTL sets the claim lease. A non-positive ttl disables reclaiming.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.leaseTTL = ttl
	}
}

// WithClock overrides the clock used for claim timestamps and lease ages.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithMutationOptions sets options for the mutations opened by Propagate, such as
// the tick enqueuer used when leaf repair runs.
func WithMutationOptions(opts ...mutation.Option) Option {
	return func(o *options) {
		o.mutations = append(o.mutations, opts...)
	}
}

// Scheduler claims, propagates and reclaims over a store.
type Scheduler struct {
	store graph.Store
	opts  options
}

// New creates a Scheduler.
func New(store graph.Store, opts ...Option) *Scheduler {
	o := options{leaseTTL: DefaultLeaseTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Scheduler{store: store, opts: o}
}

// LeaseTTL returns the configured lease.
func (s *Scheduler) LeaseTTL() time.Duration { return s.opts.leaseTTL }

// ReadyNodes returns the ready nodes of a graph in claim order, without claiming.
func (s *Scheduler) ReadyNodes(ctx context.Context, graphID string) ([]*graph.Node, error) {
	var ready []*graph.Node
	err := graph.View(ctx, s.store, func(r graph.Reader) error {
		ix, err := graph.LoadIndex(ctx, r, graphID)
		if err != nil {
			return err
		}
		ready = ix.ReadyNodes()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: ready nodes of graph %s: %w", graphID, err)
	}
	return ready, nil
}

// Claim transitions up to limit ready nodes from pending to running on behalf of
// claimedBy, in ascending id order, and returns the nodes it won. A node another
// claimant moved first is left out. A non-positive limit claims every ready node.
func (s *Scheduler) Claim(ctx context.Context, graphID string, limit int, claimedBy string) ([]*graph.Node, error) {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameClaim)
	defer span.End()
	span.SetAttributes(itelemetry.GraphAttributes(graphID)...)

	ready, err := s.ReadyNodes(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	var claimed []*graph.Node
	for _, n := range ready {
		won, err := s.claimOne(ctx, n, claimedBy)
		if err != nil {
			return claimed, fmt.Errorf("scheduler: claim node %s: %w", n.ID, err)
		}
		if won != nil {
			claimed = append(claimed, won)
		}
	}
	span.SetAttributes(attribute.Int(itelemetry.KeyCount, len(claimed)))
	itelemetry.Count(ctx, metric.Meter, itelemetry.MetricClaims, int64(len(claimed)),
		itelemetry.GraphAttributes(graphID)...)
	return claimed, nil
}

func (s *Scheduler) claimOne(ctx context.Context, n *graph.Node, claimedBy string) (*graph.Node, error) {
	now := s.opts.now()
	next := n.Clone()
	next.State = graph.StateRunning
	next.ClaimedBy = claimedBy
	next.ClaimedAt = now
	var won bool
	err := graph.Update(ctx, s.store, func(tx graph.Tx) error {
		if err := tx.LockGraph(ctx, n.GraphID); err != nil {
			return err
		}
		ready, err := stillReady(ctx, tx, n)
		if err != nil || !ready {
			return err
		}
		ok, err := tx.SwapNode(ctx, next, graph.StatePending)
		if err != nil || !ok {
			return err
		}
		won = true
		return tx.RecordEvent(ctx, mutation.StateChanged(next, graph.StatePending, now))
	})
	if err != nil || !won {
		if err == nil {
			log.Debugf("scheduler: node %s claimed elsewhere", n.ID)
		}
		return nil, err
	}
	return next, nil
}

// stillReady re-evaluates readiness of n against its current inbound edges, so a
// gating edge added after the ready scan holds the claim back.
func stillReady(ctx context.Context, r graph.Reader, n *graph.Node) (bool, error) {
	cur, err := r.GetNode(ctx, n.ID)
	if err != nil {
		return false, err
	}
	if cur.Version != n.Version {
		return false, nil
	}
	edges, err := r.ListEdges(ctx, graph.EdgeFilter{GraphID: n.GraphID, ToNodeIDs: []string{n.ID}})
	if err != nil {
		return false, err
	}
	nodes := []*graph.Node{cur}
	for _, e := range edges {
		src, err := r.GetNode(ctx, e.FromNodeID)
		if err != nil {
			return false, err
		}
		nodes = append(nodes, src)
	}
	return graph.NewIndex(n.GraphID, nodes, edges).Ready(cur), nil
}

// Propagate errors every pending node reachable from an errored node along active
// sequence and dependency edges, walking through the nodes it errors, and
// returns them in visit order. It runs as one mutation, so leaf repair applies.
func (s *Scheduler) Propagate(ctx context.Context, graphID string) ([]*graph.Node, error) {
	var failed []*graph.Node
	opts := append([]mutation.Option{mutation.WithClock(s.opts.now)}, s.opts.mutations...)
	err := mutation.Do(ctx, s.store, graphID, func(m *mutation.Mutation) error {
		failed = nil
		ix := m.Index()
		var roots []string
		for _, n := range ix.ActiveNodes() {
			if n.State == graph.StateErrored {
				roots = append(roots, n.ID)
			}
		}
		if len(roots) == 0 {
			return nil
		}
		reached := ix.Descendants(roots, func(n *graph.Node) bool {
			return n.State == graph.StatePending && n.Active()
		})
		for _, n := range reached {
			upstream := erroredPredecessor(ix, n.ID)
			next := n.Clone()
			next.State = graph.StateErrored
			next.FinishedAt = m.Now()
			next.Error = &graph.NodeError{
				Type:    graph.ErrorTypeUpstream,
				Message: fmt.Sprintf("upstream node %s errored", upstream),
			}
			ok, err := m.TransitionNode(ctx, next, graph.StatePending)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := m.RecordEvent(ctx, event.New(graphID, event.TypeFailurePropagated, n.ID,
				event.WithTimestamp(m.Now()),
				event.WithParticular(event.KeyUpstreamNode, upstream),
			)); err != nil {
				return err
			}
			failed = append(failed, next)
		}
		return nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: propagate failures in graph %s: %w", graphID, err)
	}
	if len(failed) > 0 {
		log.Infof("scheduler: graph %s: %d pending nodes errored by upstream failures", graphID, len(failed))
	}
	itelemetry.Count(ctx, metric.Meter, itelemetry.MetricPropagated, int64(len(failed)),
		itelemetry.GraphAttributes(graphID)...)
	return failed, nil
}

// erroredPredecessor returns the first errored source of an active gating edge
// into id.
func erroredPredecessor(ix *graph.Index, id string) string {
	for _, e := range ix.ActiveIncoming(id) {
		if !e.Type.Gating() {
			continue
		}
		if src := ix.Node(e.FromNodeID); src != nil && src.State == graph.StateErrored {
			return src.ID
		}
	}
	return ""
}

// Reclaim resets running nodes whose claim is older than the lease back to
// pending, clearing the claim. A node that left running in the meantime is left
// untouched. It returns the reclaimed nodes.
func (s *Scheduler) Reclaim(ctx context.Context, graphID string) ([]*graph.Node, error) {
	if s.opts.leaseTTL <= 0 {
		return nil, nil
	}
	var running []*graph.Node
	err := graph.View(ctx, s.store, func(r graph.Reader) error {
		var err error
		running, err = r.ListNodes(ctx, graph.NodeFilter{
			GraphID: graphID,
			States:  []graph.NodeState{graph.StateRunning},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: list running nodes of graph %s: %w", graphID, err)
	}
	now := s.opts.now()
	var reclaimed []*graph.Node
	for _, n := range running {
		if n.ClaimedAt.IsZero() {
			continue
		}
		age := now.Sub(n.ClaimedAt)
		if age <= s.opts.leaseTTL {
			continue
		}
		next, err := s.reclaimOne(ctx, n, age, now)
		if err != nil {
			return reclaimed, fmt.Errorf("scheduler: reclaim node %s: %w", n.ID, err)
		}
		if next != nil {
			log.Warnf("scheduler: reclaimed node %s of graph %s from %s after %s",
				n.ID, graphID, n.ClaimedBy, age)
			reclaimed = append(reclaimed, next)
		}
	}
	itelemetry.Count(ctx, metric.Meter, itelemetry.MetricReclaims, int64(len(reclaimed)),
		itelemetry.GraphAttributes(graphID)...)
	return reclaimed, nil
}

func (s *Scheduler) reclaimOne(ctx context.Context, n *graph.Node, age time.Duration,
	now time.Time) (*graph.Node, error) {
	next := n.Clone()
	next.State = graph.StatePending
	next.ClearClaim()
	var won bool
	err := graph.Update(ctx, s.store, func(tx graph.Tx) error {
		ok, err := tx.SwapNode(ctx, next, graph.StateRunning)
		if err != nil || !ok {
			return err
		}
		won = true
		return tx.RecordEvent(ctx, event.New(n.GraphID, event.TypeNodeReclaimed, n.ID,
			event.WithTimestamp(now),
			event.WithParticular(event.KeyFromState, string(graph.StateRunning)),
			event.WithParticular(event.KeyToState, string(graph.StatePending)),
			event.WithParticular(event.KeyClaimedBy, n.ClaimedBy),
			event.WithParticular(event.KeyLeaseAge, age.Milliseconds()),
		))
	})
	if err != nil || !won {
		return nil, err
	}
	return next, nil
}
