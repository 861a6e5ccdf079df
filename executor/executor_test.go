//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/history"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	echo := Func(func(_ context.Context, n *graph.Node, _ []history.Entry) (*Result, error) {
		return Finished(n.Payload.Input), nil
	})
	require.NoError(t, r.Register(graph.NodeTypeTask, echo))

	node := &graph.Node{Type: graph.NodeTypeTask, Payload: graph.Payload{Input: "x"}}
	res, err := r.Resolve(graph.NodeTypeTask).Execute(context.Background(), node, nil)
	require.NoError(t, err)
	assert.Equal(t, graph.StateFinished, res.State)
	assert.Equal(t, "x", res.Output)

	assert.ErrorIs(t, r.Register("robot", echo), graph.ErrInvalidNodeType)
	assert.Error(t, r.Register(graph.NodeTypeTask, nil))
}

func TestRegistry_Unregistered(t *testing.T) {
	r := NewRegistry()
	node := &graph.Node{Type: graph.NodeTypeAgentMessage}
	res, err := r.Resolve(node.Type).Execute(context.Background(), node, nil)
	require.NoError(t, err)
	assert.Equal(t, graph.StateErrored, res.State)
	require.NotNil(t, res.Error)
	assert.Equal(t, graph.ErrorTypeUnregistered, res.Error.Type)
	assert.Contains(t, res.Error.Message, "agent_message")
}

func TestErrored(t *testing.T) {
	res := Errored(graph.ErrorTypeExecutor, "tool %s failed", "search")
	assert.Equal(t, graph.StateErrored, res.State)
	assert.Equal(t, "tool search failed", res.Error.Message)
}
