//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package compress replaces a contiguous part of a conversation graph with a
// single summary node.
//
// Compression is lossy for traversal but not for storage: members and the edges
// among them are tagged as compressed into the summary and stay in the store.
// Edges leaving the region are rewired to start at the summary, and the region's
// predecessors gain an edge into it, so the active graph stays connected and
// acyclic.
package compress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-agent-dag/event"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
	itelemetry "trpc.group/trpc-go/trpc-agent-dag/internal/telemetry"
	"trpc.group/trpc-go/trpc-agent-dag/log"
	"trpc.group/trpc-go/trpc-agent-dag/mutation"
	"trpc.group/trpc-go/trpc-agent-dag/telemetry/metric"
	"trpc.group/trpc-go/trpc-agent-dag/telemetry/trace"
)

// Errors.
var (
	// ErrNotReplaceable is returned when the node set is not a contiguous,
	// settled region with a single entry and a single exit.
	ErrNotReplaceable = errors.New("compress: node set is not replaceable")
	// ErrAlreadyCompressed is returned when a member was absorbed before.
	ErrAlreadyCompressed = errors.New("compress: node already compressed")
)

// Summary node metadata keys.
const (
	MetaCompressedCount = "compressed_count"
	MetaEntryNode       = "entry_node_id"
	MetaExitNode        = "exit_node_id"
)

type options struct {
	mutations []mutation.Option
	now       func() time.Time
}

// Option configures a Compressor.
type Option func(*options)

// WithMutationOptions sets options for the compressing mutation.
func WithMutationOptions(opts ...mutation.Option) Option {
	return func(o *options) {
		o.mutations = append(o.mutations, opts...)
	}
}

// WithClock overrides the clock used for compression timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Compressor compresses node sets of a store.
type Compressor struct {
	store graph.Store
	opts  options
}

// New creates a Compressor.
func New(store graph.Store, opts ...Option) *Compressor {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Compressor{store: store, opts: o}
}

// Compress replaces nodeIDs with a finished summary node carrying content and
// returns it. Nothing is written when validation fails.
func (c *Compressor) Compress(ctx context.Context, graphID string, nodeIDs []string, content string,
	metadata map[string]any) (*graph.Node, error) {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameCompress)
	defer span.End()
	span.SetAttributes(itelemetry.GraphAttributes(graphID)...)
	span.SetAttributes(attribute.Int(itelemetry.KeyCount, len(nodeIDs)))

	var summary *graph.Node
	err := mutation.Do(ctx, c.store, graphID, func(m *mutation.Mutation) error {
		r, err := validate(m.Index(), nodeIDs)
		if err != nil {
			return err
		}
		summary, err = c.apply(ctx, m, r, content, metadata)
		return err
	}, c.opts.mutations...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	log.Infof("compress: graph %s: %d nodes compressed into %s", graphID, len(nodeIDs), summary.ID)
	itelemetry.Count(ctx, metric.Meter, itelemetry.MetricCompressions, 1, itelemetry.GraphAttributes(graphID)...)
	return summary, nil
}

// region is a validated node set.
type region struct {
	members  map[string]*graph.Node
	order    []*graph.Node
	entry    *graph.Node
	exit     *graph.Node
	internal []*graph.Edge
	inbound  []*graph.Edge
	outbound []*graph.Edge
}

func validate(ix *graph.Index, nodeIDs []string) (*region, error) {
	if len(nodeIDs) == 0 {
		return nil, fmt.Errorf("%w: empty node set", ErrNotReplaceable)
	}
	r := &region{members: make(map[string]*graph.Node, len(nodeIDs))}
	for _, id := range nodeIDs {
		n := ix.Node(id)
		if n == nil {
			return nil, fmt.Errorf("%w: %w: %s", ErrNotReplaceable, graph.ErrNodeNotFound, id)
		}
		if n.Compression.IsCompressed() {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyCompressed, id)
		}
		if !n.State.Terminal() {
			return nil, fmt.Errorf("%w: node %s is %s", ErrNotReplaceable, id, n.State)
		}
		if _, dup := r.members[id]; !dup {
			r.members[id] = n
			r.order = append(r.order, n)
		}
	}
	graph.SortNodes(r.order)

	var entries, exits []*graph.Node
	for _, n := range r.order {
		hasInternalIn, hasInternalOut := false, false
		for _, e := range ix.ActiveIncoming(n.ID) {
			if _, ok := r.members[e.FromNodeID]; ok {
				hasInternalIn = true
				r.internal = append(r.internal, e)
			} else {
				r.inbound = append(r.inbound, e)
			}
		}
		for _, e := range ix.ActiveOutgoing(n.ID) {
			if _, ok := r.members[e.ToNodeID]; ok {
				hasInternalOut = true
			} else {
				r.outbound = append(r.outbound, e)
			}
		}
		if !hasInternalIn {
			entries = append(entries, n)
		}
		if !hasInternalOut {
			exits = append(exits, n)
		}
	}
	if len(entries) != 1 {
		return nil, fmt.Errorf("%w: %d entry nodes", ErrNotReplaceable, len(entries))
	}
	if len(exits) != 1 {
		return nil, fmt.Errorf("%w: %d exit nodes", ErrNotReplaceable, len(exits))
	}
	r.entry, r.exit = entries[0], exits[0]

	if reached := reach(r); reached != len(r.members) {
		return nil, fmt.Errorf("%w: %d of %d nodes reachable from entry %s",
			ErrNotReplaceable, reached, len(r.members), r.entry.ID)
	}
	for _, e := range r.inbound {
		if e.ToNodeID != r.entry.ID {
			return nil, fmt.Errorf("%w: edge %s enters interior node %s", ErrNotReplaceable, e.ID, e.ToNodeID)
		}
	}
	for _, e := range r.outbound {
		if e.FromNodeID != r.exit.ID {
			return nil, fmt.Errorf("%w: edge %s leaves interior node %s", ErrNotReplaceable, e.ID, e.FromNodeID)
		}
		// The summary is finished, so it must not release work an errored exit holds back.
		if r.exit.State != graph.StateFinished && e.Type.Gating() {
			if to := ix.Node(e.ToNodeID); to != nil && !to.State.Terminal() {
				return nil, fmt.Errorf("%w: errored exit %s gates unsettled node %s",
					ErrNotReplaceable, r.exit.ID, to.ID)
			}
		}
	}
	return r, nil
}

// reach counts the members reachable from the entry along internal edges.
func reach(r *region) int {
	succ := make(map[string][]string)
	for _, e := range r.internal {
		succ[e.FromNodeID] = append(succ[e.FromNodeID], e.ToNodeID)
	}
	seen := map[string]bool{r.entry.ID: true}
	stack := []string{r.entry.ID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range succ[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return len(seen)
}

func (c *Compressor) apply(ctx context.Context, m *mutation.Mutation, r *region, content string,
	metadata map[string]any) (*graph.Node, error) {
	now := c.opts.now()
	summary := &graph.Node{
		LaneID:     r.exit.LaneID,
		Type:       graph.NodeTypeSummary,
		State:      graph.StateFinished,
		Payload:    graph.Payload{Output: content},
		CreatedAt:  now,
		FinishedAt: now,
	}
	for k, v := range metadata {
		summary.SetMetadata(k, v)
	}
	summary.SetMetadata(MetaCompressedCount, len(r.order))
	summary.SetMetadata(MetaEntryNode, r.entry.ID)
	summary.SetMetadata(MetaExitNode, r.exit.ID)
	if err := m.AddNode(ctx, summary); err != nil {
		return nil, err
	}
	tag := graph.CompressedInto(summary.ID, now)

	for _, n := range r.order {
		cur := n.Clone()
		cur.Compression = tag
		if err := m.UpdateNode(ctx, cur); err != nil {
			return nil, err
		}
		if err := m.RecordEvent(ctx, event.New(m.GraphID(), event.TypeNodeCompressed, n.ID,
			event.WithTimestamp(now),
			event.WithParticular(event.KeySummaryNode, summary.ID),
		)); err != nil {
			return nil, err
		}
	}
	for _, e := range r.internal {
		cur := e.Clone()
		cur.Compression = tag
		if err := m.UpdateEdge(ctx, cur); err != nil {
			return nil, err
		}
	}
	for _, e := range r.inbound {
		if _, err := m.Connect(ctx, e.FromNodeID, summary.ID, e.Type, copyMap(e.Metadata)); err != nil {
			return nil, err
		}
	}
	for _, e := range r.outbound {
		cur := e.Clone()
		cur.FromNodeID = summary.ID
		if cur.Metadata == nil {
			cur.Metadata = make(map[string]any)
		}
		cur.Metadata[graph.MetaRewiredFrom] = e.FromNodeID
		if err := m.UpdateEdge(ctx, cur); err != nil {
			return nil, err
		}
	}
	return summary, nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
