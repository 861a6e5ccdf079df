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
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-dag/event"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/graph/store/inmemory"
	"trpc.group/trpc-go/trpc-agent-dag/internal/storetest"
)

type countingEnqueuer struct {
	calls int32
	err   error
}

func (c *countingEnqueuer) EnqueueTick(ctx context.Context, graphID string) error {
	atomic.AddInt32(&c.calls, 1)
	return c.err
}

type countingStore struct {
	graph.Store
	begins int32
}

func (s *countingStore) Begin(ctx context.Context) (graph.Tx, error) {
	atomic.AddInt32(&s.begins, 1)
	return s.Store.Begin(ctx)
}

func listNodes(t *testing.T, s graph.Store, graphID string) []*graph.Node {
	t.Helper()
	var out []*graph.Node
	require.NoError(t, graph.View(context.Background(), s, func(r graph.Reader) error {
		var err error
		out, err = r.ListNodes(context.Background(), graph.NodeFilter{GraphID: graphID})
		return err
	}))
	return out
}

func listEdges(t *testing.T, s graph.Store, graphID string) []*graph.Edge {
	t.Helper()
	var out []*graph.Edge
	require.NoError(t, graph.View(context.Background(), s, func(r graph.Reader) error {
		var err error
		out, err = r.ListEdges(context.Background(), graph.EdgeFilter{GraphID: graphID})
		return err
	}))
	return out
}

func TestDo_NilBody(t *testing.T) {
	s := &countingStore{Store: inmemory.NewStore()}
	err := Do(context.Background(), s, "g", nil)
	assert.ErrorIs(t, err, ErrNilBody)
	assert.Equal(t, int32(0), s.begins)
}

func TestCommit_RepairsFinishedTaskLeaf(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	graphID, laneID := storetest.Seed(t, s)
	enq := &countingEnqueuer{}

	var task *graph.Node
	m, err := Begin(ctx, s, graphID, WithEnqueuer(enq))
	require.NoError(t, err)
	user := &graph.Node{LaneID: laneID, Type: graph.NodeTypeUserMessage, State: graph.StateFinished}
	require.NoError(t, m.AddNode(ctx, user))
	task = &graph.Node{LaneID: laneID, Type: graph.NodeTypeTask, State: graph.StateFinished}
	require.NoError(t, m.AddNode(ctx, task))
	_, err = m.Connect(ctx, user.ID, task.ID, graph.EdgeTypeSequence, nil)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx))

	require.Len(t, m.Repairs(), 1)
	reply := m.Repairs()[0]
	assert.Equal(t, graph.NodeTypeAgentMessage, reply.Type)
	assert.Equal(t, graph.StatePending, reply.State)
	assert.Equal(t, laneID, reply.LaneID)
	assert.True(t, m.TickRequested())
	assert.Equal(t, int32(1), enq.calls)

	nodes := listNodes(t, s, graphID)
	assert.Len(t, nodes, 3)
	edges := listEdges(t, s, graphID)
	require.Len(t, edges, 2)
	fromTask := 0
	for _, e := range edges {
		if e.FromNodeID == task.ID {
			fromTask++
			assert.Equal(t, reply.ID, e.ToNodeID)
			assert.Equal(t, graph.EdgeTypeSequence, e.Type)
		}
	}
	assert.Equal(t, 1, fromTask)

	repaired := storetest.Events(t, s, graphID, event.TypeLeafInvariantRepaired)
	require.Len(t, repaired, 1)
	assert.Equal(t, task.ID, repaired[0].SubjectNodeID)
	assert.Equal(t, reply.ID, repaired[0].Particulars[event.KeyRepairNode])

	// The graph is now valid, so an empty mutation repairs nothing.
	m, err = Begin(ctx, s, graphID, WithEnqueuer(enq))
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx))
	assert.Empty(t, m.Repairs())
	assert.Equal(t, int32(1), enq.calls)
}

func TestCommit_ValidLeafRequestsSingleTick(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	graphID, _ := storetest.Seed(t, s)
	enq := &countingEnqueuer{}

	err := Do(ctx, s, graphID, func(m *Mutation) error {
		for i := 0; i < 3; i++ {
			user := &graph.Node{Type: graph.NodeTypeUserMessage, State: graph.StateFinished}
			if err := m.AddNode(ctx, user); err != nil {
				return err
			}
			reply := &graph.Node{Type: graph.NodeTypeAgentMessage}
			if err := m.AddNode(ctx, reply); err != nil {
				return err
			}
			if _, err := m.Connect(ctx, user.ID, reply.ID, graph.EdgeTypeSequence, nil); err != nil {
				return err
			}
		}
		return nil
	}, WithEnqueuer(enq))
	require.NoError(t, err)
	assert.Equal(t, int32(1), enq.calls)
	assert.Empty(t, storetest.Events(t, s, graphID, event.TypeLeafInvariantRepaired))
}

func TestCommit_ListenerPanicKeepsCommitAndTick(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	graphID, _ := storetest.Seed(t, s)
	enq := &countingEnqueuer{}
	listener := func(context.Context, []*event.Event) { panic("listener failed") }

	var n *graph.Node
	err := Do(ctx, s, graphID, func(m *Mutation) error {
		n = &graph.Node{Type: graph.NodeTypeAgentMessage}
		if err := m.AddNode(ctx, n); err != nil {
			return err
		}
		m.MarkExecutable()
		return m.RecordEvent(ctx, event.New(graphID, event.TypeNodeStateChanged, n.ID))
	}, WithEnqueuer(enq), WithListener(listener))
	require.NoError(t, err)
	assert.Equal(t, int32(1), enq.calls)
	assert.Equal(t, graph.StatePending, storetest.GetNode(t, s, n.ID).State)
}

func TestCommit_NoTickWithoutRunnableWork(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	graphID, _ := storetest.Seed(t, s)
	enq := &countingEnqueuer{}

	err := Do(ctx, s, graphID, func(m *Mutation) error {
		return m.AddNode(ctx, &graph.Node{Type: graph.NodeTypeAgentMessage, State: graph.StateFinished})
	}, WithEnqueuer(enq))
	require.NoError(t, err)
	assert.Equal(t, int32(0), enq.calls)

	err = Do(ctx, s, graphID, func(m *Mutation) error {
		m.MarkExecutable()
		return nil
	}, WithEnqueuer(enq))
	require.NoError(t, err)
	assert.Equal(t, int32(1), enq.calls)
}

func TestCommit_EnqueueFailureKeepsCommit(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	graphID, _ := storetest.Seed(t, s)
	enq := &countingEnqueuer{err: errors.New("queue down")}

	err := Do(ctx, s, graphID, func(m *Mutation) error {
		return m.AddNode(ctx, &graph.Node{Type: graph.NodeTypeTask})
	}, WithEnqueuer(enq))
	require.NoError(t, err)
	assert.Len(t, listNodes(t, s, graphID), 1)
}

func TestDo_ErrorRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	graphID, _ := storetest.Seed(t, s)
	enq := &countingEnqueuer{}
	boom := errors.New("boom")

	err := Do(ctx, s, graphID, func(m *Mutation) error {
		if err := m.AddNode(ctx, &graph.Node{Type: graph.NodeTypeTask, State: graph.StateFinished}); err != nil {
			return err
		}
		return boom
	}, WithEnqueuer(enq))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, listNodes(t, s, graphID))
	assert.Empty(t, storetest.Events(t, s, graphID))
	assert.Equal(t, int32(0), enq.calls)
}

func TestDo_PanicRollsBack(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	graphID, _ := storetest.Seed(t, s)

	assert.Panics(t, func() {
		_ = Do(ctx, s, graphID, func(m *Mutation) error {
			_ = m.AddNode(ctx, &graph.Node{Type: graph.NodeTypeTask})
			panic("bad body")
		})
	})
	assert.Empty(t, listNodes(t, s, graphID))

	// The store is usable again.
	require.NoError(t, Do(ctx, s, graphID, func(m *Mutation) error { return nil }))
}

func TestAddEdge_RejectsCycle(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	graphID, _ := storetest.Seed(t, s)

	err := Do(ctx, s, graphID, func(m *Mutation) error {
		a := &graph.Node{Type: graph.NodeTypeAgentMessage}
		b := &graph.Node{Type: graph.NodeTypeAgentMessage}
		if err := m.AddNode(ctx, a); err != nil {
			return err
		}
		if err := m.AddNode(ctx, b); err != nil {
			return err
		}
		if _, err := m.Connect(ctx, a.ID, b.ID, graph.EdgeTypeSequence, nil); err != nil {
			return err
		}
		_, err := m.Connect(ctx, b.ID, a.ID, graph.EdgeTypeDependency, nil)
		return err
	})
	assert.ErrorIs(t, err, graph.ErrCycle)
	assert.Empty(t, listNodes(t, s, graphID))
}

func TestAddNode_CrossGraph(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	graphID, _ := storetest.Seed(t, s)

	err := Do(ctx, s, graphID, func(m *Mutation) error {
		return m.AddNode(ctx, &graph.Node{GraphID: "other", Type: graph.NodeTypeTask})
	})
	assert.ErrorIs(t, err, graph.ErrCrossGraph)
}

func TestBegin_UnknownGraph(t *testing.T) {
	_, err := Begin(context.Background(), inmemory.NewStore(), "missing")
	assert.ErrorIs(t, err, graph.ErrGraphNotFound)
}

func TestTransitionNode(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	graphID, _ := storetest.Seed(t, s)
	n := storetest.CreateNode(t, s, graphID, graph.NodeTypeTask, graph.StateRunning)

	stale := n.Clone()
	err := Do(ctx, s, graphID, func(m *Mutation) error {
		cur, err := m.Node(n.ID)
		if err != nil {
			return err
		}
		cur.State = graph.StateErrored
		cur.Error = &graph.NodeError{Type: graph.ErrorTypeExecutor, Message: "boom"}
		ok, err := m.TransitionNode(ctx, cur, graph.StateRunning)
		assert.True(t, ok)
		return err
	})
	require.NoError(t, err)

	changed := storetest.Events(t, s, graphID, event.TypeNodeStateChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "running", changed[0].Particulars[event.KeyFromState])
	assert.Equal(t, "errored", changed[0].Particulars[event.KeyToState])
	assert.Equal(t, graph.ErrorTypeExecutor, changed[0].Particulars[event.KeyErrorType])

	err = Do(ctx, s, graphID, func(m *Mutation) error {
		stale.State = graph.StateFinished
		ok, err := m.TransitionNode(ctx, stale, graph.StateRunning)
		assert.False(t, ok)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, graph.StateErrored, storetest.GetNode(t, s, n.ID).State)
}

func TestUpdateEdge_RewireChecksCycles(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	graphID, _ := storetest.Seed(t, s)

	err := Do(ctx, s, graphID, func(m *Mutation) error {
		a := &graph.Node{Type: graph.NodeTypeUserMessage, State: graph.StateFinished}
		b := &graph.Node{Type: graph.NodeTypeAgentMessage, State: graph.StateFinished}
		c := &graph.Node{Type: graph.NodeTypeAgentMessage, State: graph.StateFinished}
		for _, n := range []*graph.Node{a, b, c} {
			if err := m.AddNode(ctx, n); err != nil {
				return err
			}
		}
		ab, err := m.Connect(ctx, a.ID, b.ID, graph.EdgeTypeSequence, nil)
		require.NoError(t, err)
		bc, err := m.Connect(ctx, b.ID, c.ID, graph.EdgeTypeSequence, nil)
		require.NoError(t, err)

		moved := bc.Clone()
		moved.FromNodeID = a.ID
		require.NoError(t, m.UpdateEdge(ctx, moved))
		assert.Len(t, m.Index().Outgoing(a.ID), 2)

		back := ab.Clone()
		back.FromNodeID, back.ToNodeID = c.ID, a.ID
		assert.ErrorIs(t, m.UpdateEdge(ctx, back), graph.ErrCycle)
		assert.Equal(t, b.ID, m.Index().Edge(ab.ID).ToNodeID)
		return nil
	})
	require.NoError(t, err)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	graphID, laneID := storetest.Seed(t, s)
	enq := &countingEnqueuer{}

	var user, task *graph.Node
	require.NoError(t, Do(ctx, s, graphID, func(m *Mutation) error {
		user = &graph.Node{LaneID: laneID, Type: graph.NodeTypeUserMessage, State: graph.StateFinished}
		task = &graph.Node{LaneID: laneID, Type: graph.NodeTypeTask, State: graph.StateErrored,
			Payload: graph.Payload{Input: `{"q":"go"}`}}
		reply := &graph.Node{LaneID: laneID, Type: graph.NodeTypeAgentMessage, State: graph.StateErrored}
		for _, n := range []*graph.Node{user, task, reply} {
			if err := m.AddNode(ctx, n); err != nil {
				return err
			}
		}
		if _, err := m.Connect(ctx, user.ID, task.ID, graph.EdgeTypeSequence, nil); err != nil {
			return err
		}
		_, err := m.Connect(ctx, task.ID, reply.ID, graph.EdgeTypeSequence, nil)
		return err
	}))

	var retry *graph.Node
	require.NoError(t, Do(ctx, s, graphID, func(m *Mutation) error {
		var err error
		retry, err = m.Retry(ctx, task.ID)
		return err
	}, WithEnqueuer(enq)))

	assert.Equal(t, graph.NodeTypeTask, retry.Type)
	assert.Equal(t, graph.StatePending, retry.State)
	assert.Equal(t, `{"q":"go"}`, retry.Payload.Input)
	assert.Equal(t, task.ID, retry.Metadata[MetaRetryOf])
	assert.Equal(t, int32(1), enq.calls)

	var kinds []string
	for _, e := range listEdges(t, s, graphID) {
		if e.ToNodeID != retry.ID {
			continue
		}
		switch e.FromNodeID {
		case user.ID:
			kinds = append(kinds, string(e.Type))
		case task.ID:
			kinds = append(kinds, e.BranchKind())
		}
	}
	assert.ElementsMatch(t, []string{"sequence", "retry"}, kinds)

	// A pending task leaf is valid, so no repair ran.
	assert.Empty(t, storetest.Events(t, s, graphID, event.TypeLeafInvariantRepaired))
	retried := storetest.Events(t, s, graphID, event.TypeNodeRetried)
	require.Len(t, retried, 1)
	assert.Equal(t, retry.ID, retried[0].Particulars[event.KeyRetryNode])

	err := Do(ctx, s, graphID, func(m *Mutation) error {
		_, err := m.Retry(ctx, task.ID)
		return err
	})
	assert.ErrorIs(t, err, ErrNotRetryable)

	err = Do(ctx, s, graphID, func(m *Mutation) error {
		_, err := m.Retry(ctx, user.ID)
		return err
	})
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestMutation_DoneHandle(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	graphID, _ := storetest.Seed(t, s)

	var got []*event.Event
	m, err := Begin(ctx, s, graphID, WithListener(func(ctx context.Context, events []*event.Event) {
		got = append(got, events...)
	}))
	require.NoError(t, err)
	n := &graph.Node{Type: graph.NodeTypeAgentMessage, State: graph.StateFinished}
	require.NoError(t, m.AddNode(ctx, n))
	require.NoError(t, m.RecordEvent(ctx, event.New(graphID, event.TypeNodeStateChanged, n.ID)))
	require.NoError(t, m.Commit(ctx))
	require.NoError(t, m.Rollback())
	assert.ErrorIs(t, m.Commit(ctx), graph.ErrTxDone)
	assert.ErrorIs(t, m.AddNode(ctx, &graph.Node{Type: graph.NodeTypeTask}), graph.ErrTxDone)
	require.Len(t, got, 1)
	assert.Equal(t, n.ID, got[0].SubjectNodeID)
}
