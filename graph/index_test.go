//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id string, typ NodeType, state NodeState) *Node {
	return &Node{ID: id, GraphID: "g", Type: typ, State: state}
}

func edge(id, from, to string, typ EdgeType) *Edge {
	return &Edge{ID: id, GraphID: "g", FromNodeID: from, ToNodeID: to, Type: typ}
}

func ids(nodes []*Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestIndex_Ready(t *testing.T) {
	tests := []struct {
		name  string
		nodes []*Node
		edges []*Edge
		want  []string
	}{
		{
			name:  "no_inbound_edges_is_ready",
			nodes: []*Node{node("a", NodeTypeTask, StatePending)},
			want:  []string{"a"},
		},
		{
			name: "finished_predecessor_releases",
			nodes: []*Node{
				node("u", NodeTypeUserMessage, StateFinished),
				node("a", NodeTypeAgentMessage, StatePending),
			},
			edges: []*Edge{edge("e1", "u", "a", EdgeTypeSequence)},
			want:  []string{"a"},
		},
		{
			name: "running_dependency_gates",
			nodes: []*Node{
				node("t", NodeTypeTask, StateRunning),
				node("a", NodeTypeAgentMessage, StatePending),
			},
			edges: []*Edge{edge("e1", "t", "a", EdgeTypeDependency)},
		},
		{
			name: "errored_sequence_predecessor_gates",
			nodes: []*Node{
				node("t", NodeTypeTask, StateErrored),
				node("a", NodeTypeAgentMessage, StatePending),
			},
			edges: []*Edge{edge("e1", "t", "a", EdgeTypeSequence)},
		},
		{
			name: "errored_branch_source_releases_retry",
			nodes: []*Node{
				node("t", NodeTypeTask, StateErrored),
				node("r", NodeTypeTask, StatePending),
			},
			edges: []*Edge{{
				ID: "e1", GraphID: "g", FromNodeID: "t", ToNodeID: "r", Type: EdgeTypeBranch,
				Metadata: map[string]any{MetaBranchKind: BranchKindRetry},
			}},
			want: []string{"r"},
		},
		{
			name: "non_executable_types_never_ready",
			nodes: []*Node{
				node("u", NodeTypeUserMessage, StatePending),
				node("s", NodeTypeSummary, StatePending),
			},
		},
		{
			name: "compressed_predecessor_is_satisfied",
			nodes: []*Node{
				{ID: "p", GraphID: "g", Type: NodeTypeTask, State: StateRunning,
					Compression: CompressedInto("s", time.Now())},
				node("a", NodeTypeAgentMessage, StatePending),
			},
			edges: []*Edge{edge("e1", "p", "a", EdgeTypeSequence)},
			want:  []string{"a"},
		},
		{
			name: "compressed_edge_is_ignored",
			nodes: []*Node{
				node("t", NodeTypeTask, StateRunning),
				node("a", NodeTypeAgentMessage, StatePending),
			},
			edges: []*Edge{{ID: "e1", GraphID: "g", FromNodeID: "t", ToNodeID: "a",
				Type: EdgeTypeSequence, Compression: CompressedInto("s", time.Now())}},
			want: []string{"a"},
		},
		{
			name: "ordered_by_id",
			nodes: []*Node{
				node("c", NodeTypeTask, StatePending),
				node("a", NodeTypeTask, StatePending),
				node("b", NodeTypeAgentMessage, StatePending),
			},
			want: []string{"a", "b", "c"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix := NewIndex("g", tt.nodes, tt.edges)
			got := ids(ix.ReadyNodes())
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIndex_InvalidLeaves(t *testing.T) {
	ix := NewIndex("g",
		[]*Node{
			node("u", NodeTypeUserMessage, StateFinished),
			node("a", NodeTypeAgentMessage, StateFinished),
			node("t", NodeTypeTask, StateFinished),
			node("p", NodeTypeTask, StatePending),
			node("x", NodeTypeTask, StateErrored),
			node("r", NodeTypeTask, StateRunning),
			node("s", NodeTypeSummary, StateFinished),
		},
		[]*Edge{
			edge("e1", "u", "a", EdgeTypeSequence),
			edge("e2", "a", "t", EdgeTypeDependency),
			{ID: "e3", GraphID: "g", FromNodeID: "x", ToNodeID: "r", Type: EdgeTypeBranch,
				Metadata: map[string]any{MetaBranchKind: BranchKindRetry}},
		},
	)

	assert.False(t, ix.IsLeaf(ix.Node("u")))
	assert.True(t, ix.IsLeaf(ix.Node("a")), "dependency edges do not end a leaf")
	assert.True(t, ix.Superseded(ix.Node("x")))
	assert.Equal(t, []string{"t"}, ids(ix.InvalidLeaves()))
}

func TestIndex_InvalidLeaves_IgnoresCompressed(t *testing.T) {
	now := time.Now()
	ix := NewIndex("g",
		[]*Node{
			{ID: "t", GraphID: "g", Type: NodeTypeTask, State: StateFinished,
				Compression: CompressedInto("s", now)},
			node("u", NodeTypeUserMessage, StateFinished),
		},
		[]*Edge{{ID: "e1", GraphID: "g", FromNodeID: "u", ToNodeID: "t",
			Type: EdgeTypeSequence, Compression: CompressedInto("s", now)}},
	)
	assert.Equal(t, []string{"u"}, ids(ix.InvalidLeaves()))
}

func TestIndex_CheckEdge(t *testing.T) {
	ix := NewIndex("g",
		[]*Node{
			node("a", NodeTypeUserMessage, StateFinished),
			node("b", NodeTypeAgentMessage, StatePending),
			node("c", NodeTypeTask, StatePending),
			{ID: "z", GraphID: "other", Type: NodeTypeTask, State: StatePending},
		},
		[]*Edge{
			edge("e1", "a", "b", EdgeTypeSequence),
			edge("e2", "b", "c", EdgeTypeDependency),
		},
	)

	require.NoError(t, ix.CheckEdge(edge("e3", "a", "c", EdgeTypeDependency)))
	assert.ErrorIs(t, ix.CheckEdge(edge("e4", "c", "a", EdgeTypeSequence)), ErrCycle)
	assert.ErrorIs(t, ix.CheckEdge(edge("e5", "a", "a", EdgeTypeSequence)), ErrCycle)
	assert.ErrorIs(t, ix.CheckEdge(edge("e6", "a", "missing", EdgeTypeSequence)), ErrNodeNotFound)
	assert.ErrorIs(t, ix.CheckEdge(edge("e7", "a", "z", EdgeTypeSequence)), ErrCrossGraph)
	assert.ErrorIs(t, ix.CheckEdge(edge("e8", "a", "b", "weird")), ErrInvalidEdgeType)
}

func TestIndex_AddEdgeRefreshesAdjacency(t *testing.T) {
	ix := NewIndex("g",
		[]*Node{
			node("a", NodeTypeAgentMessage, StateFinished),
			node("s", NodeTypeSummary, StateFinished),
			node("x", NodeTypeAgentMessage, StatePending),
		},
		[]*Edge{edge("e1", "a", "x", EdgeTypeSequence)},
	)
	rewired := ix.Edge("e1").Clone()
	rewired.FromNodeID = "s"
	ix.AddEdge(rewired)

	assert.Empty(t, ix.Outgoing("a"))
	require.Len(t, ix.Outgoing("s"), 1)
	require.Len(t, ix.Incoming("x"), 1)
	assert.Equal(t, "s", ix.Incoming("x")[0].FromNodeID)
}

func TestIndex_Descendants(t *testing.T) {
	ix := NewIndex("g",
		[]*Node{
			node("a", NodeTypeTask, StateErrored),
			node("b", NodeTypeAgentMessage, StatePending),
			node("c", NodeTypeTask, StatePending),
			node("d", NodeTypeTask, StateFinished),
			node("e", NodeTypeTask, StatePending),
			node("f", NodeTypeTask, StatePending),
		},
		[]*Edge{
			edge("e1", "a", "b", EdgeTypeSequence),
			edge("e2", "b", "c", EdgeTypeDependency),
			edge("e3", "a", "d", EdgeTypeSequence),
			edge("e4", "d", "e", EdgeTypeSequence),
			{ID: "e5", GraphID: "g", FromNodeID: "a", ToNodeID: "f", Type: EdgeTypeBranch},
		},
	)
	pending := func(n *Node) bool { return n.State == StatePending }
	assert.Equal(t, []string{"b", "c"}, ids(ix.Descendants([]string{"a"}, pending)))
}

func TestEdgeType_SatisfiedBy(t *testing.T) {
	assert.True(t, EdgeTypeSequence.SatisfiedBy(StateFinished))
	assert.False(t, EdgeTypeSequence.SatisfiedBy(StateErrored))
	assert.False(t, EdgeTypeDependency.SatisfiedBy(StateRunning))
	assert.True(t, EdgeTypeBranch.SatisfiedBy(StateErrored))
	assert.False(t, EdgeTypeBranch.SatisfiedBy(StatePending))
}

func TestNode_CloneAndValidate(t *testing.T) {
	n := &Node{ID: "n", GraphID: "g", Type: NodeTypeTask, State: StatePending,
		Metadata: map[string]any{"k": "v"}, Error: &NodeError{Type: "t", Message: "m"}}
	c := n.Clone()
	c.Metadata["k"] = "changed"
	c.Error.Message = "changed"
	assert.Equal(t, "v", n.Metadata["k"])
	assert.Equal(t, "m", n.Error.Message)
	assert.Equal(t, "t: m", n.Error.Error())

	require.NoError(t, n.Validate())
	assert.ErrorIs(t, (&Node{GraphID: "g"}).Validate(), ErrFieldRequired)
	assert.ErrorIs(t, (&Node{ID: "n", GraphID: "g", Type: "x", State: StatePending}).Validate(), ErrInvalidNodeType)
	assert.ErrorIs(t, (&Node{ID: "n", GraphID: "g", Type: NodeTypeTask, State: "x"}).Validate(), ErrInvalidNodeState)
}

func TestNewID_Sortable(t *testing.T) {
	prev := NewID()
	for i := 0; i < 1000; i++ {
		next := NewID()
		require.Less(t, prev, next)
		prev = next
	}
}
