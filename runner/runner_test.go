//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package runner

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-dag/dispatch"
	"trpc.group/trpc-go/trpc-agent-dag/event"
	"trpc.group/trpc-go/trpc-agent-dag/executor"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/graph/store/inmemory"
	"trpc.group/trpc-go/trpc-agent-dag/history"
	"trpc.group/trpc-go/trpc-agent-dag/internal/storetest"
	"trpc.group/trpc-go/trpc-agent-dag/model"
	"trpc.group/trpc-go/trpc-agent-dag/mutation"
	"trpc.group/trpc-go/trpc-agent-dag/scheduler"
)

type setup struct {
	store *inmemory.Store
	graph string
	ticks atomic.Int32
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	s := inmemory.NewStore()
	g, _ := storetest.Seed(t, s)
	return &setup{store: s, graph: g}
}

func (su *setup) runner(reg *executor.Registry, opts ...Option) *Runner {
	opts = append([]Option{WithMutationOptions(mutation.WithEnqueuer(
		mutation.EnqueuerFunc(func(context.Context, string) error {
			su.ticks.Add(1)
			return nil
		})))}, opts...)
	return New(su.store, reg, opts...)
}

// conversation stores "user Hi -> pending reply" and claims the reply.
func (su *setup) conversation(t *testing.T) (user, reply *graph.Node) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mutation.Do(ctx, su.store, su.graph, func(m *mutation.Mutation) error {
		user = &graph.Node{Type: graph.NodeTypeUserMessage, State: graph.StateFinished,
			Payload: graph.Payload{Input: "Hi"}}
		if err := m.AddNode(ctx, user); err != nil {
			return err
		}
		reply = &graph.Node{Type: graph.NodeTypeAgentMessage}
		if err := m.AddNode(ctx, reply); err != nil {
			return err
		}
		_, err := m.Connect(ctx, user.ID, reply.ID, graph.EdgeTypeSequence, nil)
		return err
	}))
	claimed, err := scheduler.New(su.store).Claim(ctx, su.graph, 0, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return user, claimed[0]
}

func registry(t *testing.T, typ graph.NodeType, e executor.Func) *executor.Registry {
	t.Helper()
	reg := executor.NewRegistry()
	require.NoError(t, reg.Register(typ, e))
	return reg
}

func TestRun_Finished(t *testing.T) {
	su := newSetup(t)
	_, reply := su.conversation(t)

	var seen []history.Entry
	reg := registry(t, graph.NodeTypeAgentMessage, func(_ context.Context, n *graph.Node,
		h []history.Entry) (*executor.Result, error) {
		seen = h
		res := executor.Finished("Hello")
		res.Metadata = map[string]any{"model": "fake"}
		return res, nil
	})

	final, err := su.runner(reg).Run(context.Background(), reply.ID)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, graph.StateFinished, final.State)

	stored := storetest.GetNode(t, su.store, reply.ID)
	assert.Equal(t, graph.StateFinished, stored.State)
	assert.Equal(t, "Hello", stored.Payload.Output)
	assert.Equal(t, "Hello", stored.Payload.OutputPreview)
	assert.Equal(t, "fake", stored.Metadata["model"])
	assert.False(t, stored.FinishedAt.IsZero())
	assert.Nil(t, stored.Error)

	require.Len(t, seen, 1)
	assert.Equal(t, model.RoleUser, seen[0].Role)
	assert.Equal(t, "Hi", seen[0].Content)

	evs := storetest.Events(t, su.store, su.graph, event.TypeNodeStateChanged)
	last := evs[len(evs)-1]
	assert.Equal(t, reply.ID, last.SubjectNodeID)
	assert.Equal(t, string(graph.StateRunning), last.Particulars[event.KeyFromState])
	assert.Equal(t, string(graph.StateFinished), last.Particulars[event.KeyToState])

	// The reply is a valid leaf with nothing downstream.
	assert.Zero(t, su.ticks.Load())
}

func TestRun_FailureModes(t *testing.T) {
	nodeErr := &graph.NodeError{Type: "rate_limited", Message: "slow down"}
	tests := []struct {
		name     string
		exec     executor.Func
		register bool
		errType  string
	}{
		{
			name: "error",
			exec: func(context.Context, *graph.Node, []history.Entry) (*executor.Result, error) {
				return nil, errors.New("boom")
			},
			register: true,
			errType:  graph.ErrorTypeExecutor,
		},
		{
			name: "node error",
			exec: func(context.Context, *graph.Node, []history.Entry) (*executor.Result, error) {
				return nil, nodeErr
			},
			register: true,
			errType:  "rate_limited",
		},
		{
			name: "panic",
			exec: func(context.Context, *graph.Node, []history.Entry) (*executor.Result, error) {
				panic("kaboom")
			},
			register: true,
			errType:  graph.ErrorTypePanic,
		},
		{
			name: "nil result",
			exec: func(context.Context, *graph.Node, []history.Entry) (*executor.Result, error) {
				return nil, nil
			},
			register: true,
			errType:  graph.ErrorTypeInvalid,
		},
		{
			name: "non terminal",
			exec: func(context.Context, *graph.Node, []history.Entry) (*executor.Result, error) {
				return &executor.Result{State: graph.StateRunning}, nil
			},
			register: true,
			errType:  graph.ErrorTypeInvalid,
		},
		{
			name: "errored without detail",
			exec: func(context.Context, *graph.Node, []history.Entry) (*executor.Result, error) {
				return &executor.Result{State: graph.StateErrored}, nil
			},
			register: true,
			errType:  graph.ErrorTypeExecutor,
		},
		{
			name:    "unregistered",
			errType: graph.ErrorTypeUnregistered,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			su := newSetup(t)
			_, reply := su.conversation(t)
			reg := executor.NewRegistry()
			if tt.register {
				require.NoError(t, reg.Register(graph.NodeTypeAgentMessage, tt.exec))
			}
			final, err := su.runner(reg).Run(context.Background(), reply.ID)
			require.NoError(t, err)
			require.NotNil(t, final)

			stored := storetest.GetNode(t, su.store, reply.ID)
			assert.Equal(t, graph.StateErrored, stored.State)
			require.NotNil(t, stored.Error)
			assert.Equal(t, tt.errType, stored.Error.Type)
			// An errored agent reply is a valid leaf with nothing downstream.
			assert.Zero(t, su.ticks.Load())
		})
	}
}

func TestRun_NotRunning(t *testing.T) {
	su := newSetup(t)
	pending := storetest.CreateNode(t, su.store, su.graph, graph.NodeTypeTask, graph.StatePending)
	called := false
	reg := registry(t, graph.NodeTypeTask, func(context.Context, *graph.Node, []history.Entry) (*executor.Result, error) {
		called = true
		return executor.Finished("x"), nil
	})
	final, err := su.runner(reg).Run(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Nil(t, final)
	assert.False(t, called)

	_, err = su.runner(reg).Run(context.Background(), "missing")
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestRun_LostClaim(t *testing.T) {
	su := newSetup(t)
	_, reply := su.conversation(t)
	ctx := context.Background()

	reg := registry(t, graph.NodeTypeAgentMessage, func(_ context.Context, n *graph.Node,
		_ []history.Entry) (*executor.Result, error) {
		// The lease expires and another worker claims the node meanwhile.
		require.NoError(t, graph.Update(ctx, su.store, func(tx graph.Tx) error {
			cur, err := tx.GetNode(ctx, n.ID)
			if err != nil {
				return err
			}
			cur.ClaimedBy = "w2"
			return tx.UpdateNode(ctx, cur)
		}))
		return executor.Finished("late"), nil
	})
	final, err := su.runner(reg).Run(ctx, reply.ID)
	require.NoError(t, err)
	assert.Nil(t, final)

	stored := storetest.GetNode(t, su.store, reply.ID)
	assert.Equal(t, graph.StateRunning, stored.State)
	assert.Equal(t, "w2", stored.ClaimedBy)
	assert.Empty(t, stored.Payload.Output)
}

func TestRun_UnblocksDownstream(t *testing.T) {
	su := newSetup(t)
	ctx := context.Background()
	var task *graph.Node
	require.NoError(t, mutation.Do(ctx, su.store, su.graph, func(m *mutation.Mutation) error {
		task = &graph.Node{Type: graph.NodeTypeTask}
		if err := m.AddNode(ctx, task); err != nil {
			return err
		}
		reply := &graph.Node{Type: graph.NodeTypeAgentMessage}
		if err := m.AddNode(ctx, reply); err != nil {
			return err
		}
		_, err := m.Connect(ctx, task.ID, reply.ID, graph.EdgeTypeDependency, nil)
		return err
	}))
	claimed, err := scheduler.New(su.store).Claim(ctx, su.graph, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, task.ID, claimed[0].ID)

	reg := registry(t, graph.NodeTypeTask, func(context.Context, *graph.Node, []history.Entry) (*executor.Result, error) {
		return executor.Finished(strings.Repeat("é", 10)), nil
	})
	r := su.runner(reg, WithPreviewLength(4))
	require.NoError(t, r.Handler()(ctx, dispatch.Job{GraphID: su.graph, NodeID: task.ID}))

	stored := storetest.GetNode(t, su.store, task.ID)
	assert.Equal(t, graph.StateFinished, stored.State)
	assert.Equal(t, "éééé...", stored.Payload.OutputPreview)
	assert.Equal(t, int32(1), su.ticks.Load())
}
