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
	"trpc.group/trpc-go/trpc-agent-dag/log"
)

// repairLeaves appends a pending agent-message node after every leaf violating
// the leaf invariant, so that no conversation branch ends in a settled node that
// is not an agent response.
func (m *Mutation) repairLeaves(ctx context.Context) error {
	for _, leaf := range m.ix.InvalidLeaves() {
		reply := &graph.Node{
			LaneID: leaf.LaneID,
			TurnID: leaf.TurnID,
			Type:   graph.NodeTypeAgentMessage,
			State:  graph.StatePending,
		}
		if err := m.AddNode(ctx, reply); err != nil {
			return fmt.Errorf("mutation: repair leaf %s: %w", leaf.ID, err)
		}
		edge, err := m.Connect(ctx, leaf.ID, reply.ID, graph.EdgeTypeSequence, nil)
		if err != nil {
			return fmt.Errorf("mutation: repair leaf %s: %w", leaf.ID, err)
		}
		if err := m.RecordEvent(ctx, event.New(m.graphID, event.TypeLeafInvariantRepaired, leaf.ID,
			event.WithTimestamp(m.Now()),
			event.WithParticular(event.KeyRepairNode, reply.ID),
			event.WithParticular(event.KeyRepairEdge, edge.ID),
			event.WithParticular(event.KeyPreviousState, string(leaf.State)),
		)); err != nil {
			return err
		}
		log.Debugf("mutation: graph %s leaf %s (%s, %s) repaired with node %s",
			m.graphID, leaf.ID, leaf.Type, leaf.State, reply.ID)
		m.repairs = append(m.repairs, reply)
	}
	return nil
}
