//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package mutation

import (
	"context"
	"fmt"

	"trpc.group/trpc-go/trpc-agent-dag/event"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
)

// MetaRetryOf is the metadata key on a retry node naming the node it replaces.
const MetaRetryOf = "retry_of"

// Retry supersedes an errored executable node with a fresh pending copy. The copy
// gets the original's inbound sequence and dependency edges, and a branch edge of
// kind retry links the original to it. The original is kept for history.
func (m *Mutation) Retry(ctx context.Context, nodeID string) (*graph.Node, error) {
	orig := m.ix.Node(nodeID)
	switch {
	case orig == nil:
		return nil, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, nodeID)
	case !orig.Active():
		return nil, fmt.Errorf("%w: %s is compressed", ErrNotRetryable, nodeID)
	case orig.State != graph.StateErrored:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, nodeID, orig.State)
	case !orig.Type.Executable():
		return nil, fmt.Errorf("%w: %s has type %s", ErrNotRetryable, nodeID, orig.Type)
	case m.ix.Superseded(orig):
		return nil, fmt.Errorf("%w: %s was already retried", ErrNotRetryable, nodeID)
	}

	retry := &graph.Node{
		LaneID:  orig.LaneID,
		TurnID:  orig.TurnID,
		Type:    orig.Type,
		State:   graph.StatePending,
		Payload: graph.Payload{Input: orig.Payload.Input},
	}
	for k, v := range orig.Metadata {
		retry.SetMetadata(k, v)
	}
	retry.SetMetadata(MetaRetryOf, orig.ID)
	if err := m.AddNode(ctx, retry); err != nil {
		return nil, err
	}
	for _, in := range m.ix.ActiveIncoming(orig.ID) {
		if !in.Type.Gating() {
			continue
		}
		if _, err := m.Connect(ctx, in.FromNodeID, retry.ID, in.Type, nil); err != nil {
			return nil, err
		}
	}
	if _, err := m.Connect(ctx, orig.ID, retry.ID, graph.EdgeTypeBranch,
		map[string]any{graph.MetaBranchKind: graph.BranchKindRetry}); err != nil {
		return nil, err
	}
	if err := m.RecordEvent(ctx, event.New(m.graphID, event.TypeNodeRetried, orig.ID,
		event.WithTimestamp(m.Now()),
		event.WithParticular(event.KeyRetryNode, retry.ID),
	)); err != nil {
		return nil, err
	}
	return retry, nil
}
