//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/graph/store/inmemory"
	"trpc.group/trpc-go/trpc-agent-dag/model"
	"trpc.group/trpc-go/trpc-agent-dag/mutation"
)

const g = "g1"

type fixture struct {
	nodes []*graph.Node
	edges []*graph.Edge
}

func (f *fixture) node(id, turn string, typ graph.NodeType, state graph.NodeState, content string) *graph.Node {
	n := &graph.Node{ID: id, GraphID: g, TurnID: turn, Type: typ, State: state}
	if typ == graph.NodeTypeUserMessage {
		n.Payload.Input = content
	} else {
		n.Payload.Output = content
	}
	f.nodes = append(f.nodes, n)
	return n
}

func (f *fixture) edge(id, from, to string, typ graph.EdgeType) *graph.Edge {
	e := &graph.Edge{ID: id, GraphID: g, FromNodeID: from, ToNodeID: to, Type: typ}
	f.edges = append(f.edges, e)
	return e
}

func (f *fixture) index() *graph.Index {
	return graph.NewIndex(g, f.nodes, f.edges)
}

func roles(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Role) + ":" + e.Content
	}
	return out
}

var seqs = map[string]int64{"t1": 1, "t2": 2, "t3": 3}

func TestAssemble_Linear(t *testing.T) {
	f := &fixture{}
	f.node("n1", "t1", graph.NodeTypeUserMessage, graph.StateFinished, "Hi")
	f.node("n2", "t1", graph.NodeTypeAgentMessage, graph.StateFinished, "Hello")
	f.node("n3", "t2", graph.NodeTypeUserMessage, graph.StateFinished, "More")
	f.node("n4", "t2", graph.NodeTypeAgentMessage, graph.StatePending, "")
	f.edge("e1", "n1", "n2", graph.EdgeTypeSequence)
	f.edge("e2", "n2", "n3", graph.EdgeTypeSequence)
	f.edge("e3", "n3", "n4", graph.EdgeTypeSequence)

	entries, err := Assemble(f.index(), seqs, "n4")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:Hi", "assistant:Hello", "user:More"}, roles(entries))
	assert.Equal(t, []model.Message{
		model.NewUserMessage("Hi"),
		model.NewAssistantMessage("Hello"),
		model.NewUserMessage("More"),
	}, Messages(entries))
}

func TestAssemble_TaskAndRetry(t *testing.T) {
	f := &fixture{}
	f.node("n1", "t1", graph.NodeTypeUserMessage, graph.StateFinished, "Search")
	failed := f.node("n2", "t1", graph.NodeTypeTask, graph.StateErrored, "")
	failed.Error = &graph.NodeError{Type: graph.ErrorTypeExecutor, Message: "timeout"}
	retry := f.node("n3", "t1", graph.NodeTypeTask, graph.StateFinished, "3 results")
	retry.Metadata = map[string]any{MetaToolName: "search"}
	f.node("n4", "t1", graph.NodeTypeAgentMessage, graph.StatePending, "")
	f.edge("e1", "n1", "n2", graph.EdgeTypeSequence)
	f.edge("e2", "n1", "n3", graph.EdgeTypeSequence)
	retryEdge := f.edge("e3", "n2", "n3", graph.EdgeTypeBranch)
	retryEdge.Metadata = map[string]any{graph.MetaBranchKind: graph.BranchKindRetry}
	f.edge("e4", "n3", "n4", graph.EdgeTypeDependency)

	entries, err := Assemble(f.index(), seqs, "n4", WithErrored(true))
	require.NoError(t, err)
	assert.Equal(t, []string{"user:Search", "tool:3 results"}, roles(entries))
	assert.Equal(t, "search", entries[1].Name)
}

func TestAssemble_Errored(t *testing.T) {
	f := &fixture{}
	f.node("n1", "t1", graph.NodeTypeUserMessage, graph.StateFinished, "Go")
	failed := f.node("n2", "t1", graph.NodeTypeTask, graph.StateErrored, "")
	failed.Error = &graph.NodeError{Type: graph.ErrorTypeExecutor, Message: "boom"}
	f.node("n3", "t1", graph.NodeTypeTask, graph.StateRunning, "")
	f.node("n4", "t1", graph.NodeTypeAgentMessage, graph.StatePending, "")
	f.edge("e1", "n1", "n2", graph.EdgeTypeSequence)
	f.edge("e2", "n1", "n3", graph.EdgeTypeSequence)
	f.edge("e3", "n2", "n4", graph.EdgeTypeBranch)
	f.edge("e4", "n3", "n4", graph.EdgeTypeBranch)

	entries, err := Assemble(f.index(), seqs, "n4")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:Go"}, roles(entries))

	entries, err = Assemble(f.index(), seqs, "n4", WithErrored(true))
	require.NoError(t, err)
	assert.Equal(t, []string{"user:Go", "tool:error: boom"}, roles(entries))
}

func TestAssemble_CompressedSubgraph(t *testing.T) {
	f := &fixture{}
	at := time.Now()
	n1 := f.node("n1", "t1", graph.NodeTypeUserMessage, graph.StateFinished, "Hi")
	n2 := f.node("n2", "t1", graph.NodeTypeAgentMessage, graph.StateFinished, "Hello")
	n1.Compression = graph.CompressedInto("s1", at)
	n2.Compression = graph.CompressedInto("s1", at)
	f.node("s1", "", graph.NodeTypeSummary, graph.StateFinished, "greeted")
	f.node("n3", "t2", graph.NodeTypeUserMessage, graph.StateFinished, "More")
	f.node("n4", "t2", graph.NodeTypeAgentMessage, graph.StatePending, "")
	internal := f.edge("e1", "n1", "n2", graph.EdgeTypeSequence)
	internal.Compression = graph.CompressedInto("s1", at)
	f.edge("e2", "s1", "n3", graph.EdgeTypeSequence)
	f.edge("e3", "n3", "n4", graph.EdgeTypeSequence)

	entries, err := Assemble(f.index(), seqs, "n4")
	require.NoError(t, err)
	assert.Equal(t, []string{"system:greeted", "user:More"}, roles(entries))

	// A compressed target sees what its summary sees.
	entries, err = Assemble(f.index(), seqs, "n2", WithIncludeTarget(true))
	require.NoError(t, err)
	assert.Equal(t, []string{"system:greeted"}, roles(entries))
}

func TestAssemble_MaxTurns(t *testing.T) {
	f := &fixture{}
	f.node("s0", "", graph.NodeTypeSummary, graph.StateFinished, "earlier")
	f.node("n1", "t1", graph.NodeTypeUserMessage, graph.StateFinished, "one")
	f.node("n2", "t1", graph.NodeTypeAgentMessage, graph.StateFinished, "1")
	f.node("n3", "t2", graph.NodeTypeUserMessage, graph.StateFinished, "two")
	f.node("n4", "t2", graph.NodeTypeAgentMessage, graph.StateFinished, "2")
	f.node("n5", "t3", graph.NodeTypeUserMessage, graph.StateFinished, "three")
	f.node("n6", "t3", graph.NodeTypeAgentMessage, graph.StatePending, "")
	prev := "s0"
	for i, id := range []string{"n1", "n2", "n3", "n4", "n5", "n6"} {
		f.edge("e"+string(rune('a'+i)), prev, id, graph.EdgeTypeSequence)
		prev = id
	}

	entries, err := Assemble(f.index(), seqs, "n6", WithMaxTurns(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"system:earlier", "user:two", "assistant:2", "user:three"}, roles(entries))

	entries, err = Assemble(f.index(), seqs, "n6", WithMaxTurns(0))
	require.NoError(t, err)
	assert.Len(t, entries, 6)
}

func TestAssemble_DeterministicOrder(t *testing.T) {
	f := &fixture{}
	f.node("n1", "t1", graph.NodeTypeUserMessage, graph.StateFinished, "Go")
	// Sibling tasks: the later turn sorts last even with a smaller id.
	f.node("n3", "t1", graph.NodeTypeTask, graph.StateFinished, "b")
	f.node("n2", "t2", graph.NodeTypeTask, graph.StateFinished, "a")
	f.node("n4", "t1", graph.NodeTypeTask, graph.StateFinished, "c")
	f.node("n9", "t2", graph.NodeTypeAgentMessage, graph.StatePending, "")
	f.edge("e1", "n1", "n3", graph.EdgeTypeSequence)
	f.edge("e2", "n1", "n2", graph.EdgeTypeSequence)
	f.edge("e3", "n1", "n4", graph.EdgeTypeSequence)
	f.edge("e4", "n3", "n9", graph.EdgeTypeDependency)
	f.edge("e5", "n2", "n9", graph.EdgeTypeDependency)
	f.edge("e6", "n4", "n9", graph.EdgeTypeDependency)

	want := []string{"user:Go", "tool:b", "tool:c", "tool:a"}
	for i := 0; i < 5; i++ {
		entries, err := Assemble(f.index(), seqs, "n9")
		require.NoError(t, err)
		assert.Equal(t, want, roles(entries))
	}
}

func TestAssemble_IncludeTarget(t *testing.T) {
	f := &fixture{}
	f.node("n1", "t1", graph.NodeTypeUserMessage, graph.StateFinished, "Hi")
	f.node("n2", "t1", graph.NodeTypeAgentMessage, graph.StateFinished, "Hello")
	f.edge("e1", "n1", "n2", graph.EdgeTypeSequence)

	entries, err := Assemble(f.index(), seqs, "n2", WithIncludeTarget(true))
	require.NoError(t, err)
	assert.Equal(t, []string{"user:Hi", "assistant:Hello"}, roles(entries))

	_, err = Assemble(f.index(), seqs, "missing")
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestRoleOf(t *testing.T) {
	assert.Equal(t, model.RoleUser, RoleOf(graph.NodeTypeUserMessage))
	assert.Equal(t, model.RoleAssistant, RoleOf(graph.NodeTypeAgentMessage))
	assert.Equal(t, model.RoleTool, RoleOf(graph.NodeTypeTask))
	assert.Equal(t, model.RoleSystem, RoleOf(graph.NodeTypeSummary))
}

func TestBuilder_ContextFor(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	graphID := graph.NewID()
	require.NoError(t, graph.Update(ctx, s, func(tx graph.Tx) error {
		return tx.CreateGraph(ctx, &graph.Graph{ID: graphID, CreatedAt: time.Now()})
	}))

	var reply *graph.Node
	require.NoError(t, mutation.Do(ctx, s, graphID, func(m *mutation.Mutation) error {
		turn := &graph.Turn{}
		if err := m.AddTurn(ctx, turn); err != nil {
			return err
		}
		user := &graph.Node{TurnID: turn.ID, Type: graph.NodeTypeUserMessage,
			State: graph.StateFinished, Payload: graph.Payload{Input: "Hi"}}
		if err := m.AddNode(ctx, user); err != nil {
			return err
		}
		reply = &graph.Node{TurnID: turn.ID, Type: graph.NodeTypeAgentMessage}
		if err := m.AddNode(ctx, reply); err != nil {
			return err
		}
		_, err := m.Connect(ctx, user.ID, reply.ID, graph.EdgeTypeSequence, nil)
		return err
	}))

	entries, err := NewBuilder(s).ContextFor(ctx, reply.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:Hi"}, roles(entries))

	_, err = NewBuilder(s).ContextFor(ctx, "nope")
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}
