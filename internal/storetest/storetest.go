//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package storetest holds the behavior suite every graph.Store implementation
// must pass.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-dag/event"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) graph.Store

// Run runs the whole suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, graph.Store)
	}{
		{"graph_lane_turn", testGraphLaneTurn},
		{"node_round_trip", testNodeRoundTrip},
		{"list_nodes_filters", testListNodesFilters},
		{"swap_node", testSwapNode},
		{"edges", testEdges},
		{"events", testEvents},
		{"rollback_discards_writes", testRollback},
		{"tx_done", testTxDone},
		{"list_graph_ids", testListGraphIDs},
		{"concurrent_swap_single_winner", testConcurrentSwap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

// Seed creates a graph with a main lane and returns their ids.
func Seed(t *testing.T, s graph.Store) (graphID, laneID string) {
	t.Helper()
	graphID, laneID = graph.NewID(), graph.NewID()
	require.NoError(t, graph.Update(context.Background(), s, func(tx graph.Tx) error {
		ctx := context.Background()
		if err := tx.CreateGraph(ctx, &graph.Graph{ID: graphID, CreatedAt: time.Now()}); err != nil {
			return err
		}
		return tx.CreateLane(ctx, &graph.Lane{
			ID: laneID, GraphID: graphID, Name: graph.DefaultLaneName, CreatedAt: time.Now(),
		})
	}))
	return graphID, laneID
}

// CreateNode stores a node of the given type and state and returns it.
func CreateNode(t *testing.T, s graph.Store, graphID string, typ graph.NodeType,
	state graph.NodeState) *graph.Node {
	t.Helper()
	n := &graph.Node{
		ID:        graph.NewID(),
		GraphID:   graphID,
		Type:      typ,
		State:     state,
		CreatedAt: time.Now(),
	}
	require.NoError(t, graph.Update(context.Background(), s, func(tx graph.Tx) error {
		return tx.CreateNode(context.Background(), n)
	}))
	return n
}

// CreateEdge stores an edge between two nodes and returns it.
func CreateEdge(t *testing.T, s graph.Store, graphID, from, to string, typ graph.EdgeType) *graph.Edge {
	t.Helper()
	e := &graph.Edge{
		ID:         graph.NewID(),
		GraphID:    graphID,
		FromNodeID: from,
		ToNodeID:   to,
		Type:       typ,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, graph.Update(context.Background(), s, func(tx graph.Tx) error {
		return tx.CreateEdge(context.Background(), e)
	}))
	return e
}

// GetNode reads a node outside of any caller transaction.
func GetNode(t *testing.T, s graph.Store, id string) *graph.Node {
	t.Helper()
	var n *graph.Node
	require.NoError(t, graph.View(context.Background(), s, func(r graph.Reader) error {
		var err error
		n, err = r.GetNode(context.Background(), id)
		return err
	}))
	return n
}

// Events lists the events of a graph, optionally restricted to some types.
func Events(t *testing.T, s graph.Store, graphID string, types ...event.Type) []*event.Event {
	t.Helper()
	var out []*event.Event
	require.NoError(t, graph.View(context.Background(), s, func(r graph.Reader) error {
		var err error
		out, err = r.ListEvents(context.Background(), graph.EventFilter{GraphID: graphID, Types: types})
		return err
	}))
	return out
}

func testGraphLaneTurn(t *testing.T, s graph.Store) {
	ctx := context.Background()
	graphID, laneID := Seed(t, s)

	require.NoError(t, graph.Update(ctx, s, func(tx graph.Tx) error {
		err := tx.CreateGraph(ctx, &graph.Graph{ID: graphID})
		assert.ErrorIs(t, err, graph.ErrAlreadyExists)
		return nil
	}))

	var seqs []int64
	require.NoError(t, graph.Update(ctx, s, func(tx graph.Tx) error {
		for i := 0; i < 3; i++ {
			turn := &graph.Turn{ID: graph.NewID(), GraphID: graphID, LaneID: laneID}
			if err := tx.CreateTurn(ctx, turn); err != nil {
				return err
			}
			seqs = append(seqs, turn.Seq)
		}
		return nil
	}))
	assert.Equal(t, []int64{1, 2, 3}, seqs)

	require.NoError(t, graph.View(ctx, s, func(r graph.Reader) error {
		g, err := r.GetGraph(ctx, graphID)
		require.NoError(t, err)
		assert.Equal(t, graphID, g.ID)

		_, err = r.GetGraph(ctx, "missing")
		assert.ErrorIs(t, err, graph.ErrGraphNotFound)

		lane, err := r.GetLane(ctx, laneID)
		require.NoError(t, err)
		assert.Equal(t, graph.DefaultLaneName, lane.Name)

		_, err = r.GetLane(ctx, "missing")
		assert.ErrorIs(t, err, graph.ErrLaneNotFound)

		lanes, err := r.ListLanes(ctx, graphID)
		require.NoError(t, err)
		assert.Len(t, lanes, 1)

		turns, err := r.ListTurns(ctx, graphID, laneID)
		require.NoError(t, err)
		require.Len(t, turns, 3)
		assert.Equal(t, int64(3), turns[2].Seq)
		return nil
	}))

	err := graph.Update(ctx, s, func(tx graph.Tx) error {
		return tx.CreateLane(ctx, &graph.Lane{ID: graph.NewID(), GraphID: "missing"})
	})
	assert.ErrorIs(t, err, graph.ErrGraphNotFound)
}

func testNodeRoundTrip(t *testing.T, s graph.Store) {
	ctx := context.Background()
	graphID, laneID := Seed(t, s)
	claimedAt := time.Now().Add(-time.Second)
	n := &graph.Node{
		ID:        graph.NewID(),
		GraphID:   graphID,
		LaneID:    laneID,
		Type:      graph.NodeTypeTask,
		State:     graph.StateRunning,
		Payload:   graph.Payload{Input: "in", Output: "out", OutputPreview: "o"},
		Metadata:  map[string]any{"tool": "search"},
		Error:     &graph.NodeError{Type: graph.ErrorTypeExecutor, Message: "boom"},
		ClaimedBy: "worker-1",
		ClaimedAt: claimedAt,
		CreatedAt: time.Now(),
	}
	require.NoError(t, graph.Update(ctx, s, func(tx graph.Tx) error {
		return tx.CreateNode(ctx, n)
	}))
	assert.Equal(t, int64(1), n.Version)

	got := GetNode(t, s, n.ID)
	assert.Equal(t, n.GraphID, got.GraphID)
	assert.Equal(t, n.LaneID, got.LaneID)
	assert.Equal(t, n.Type, got.Type)
	assert.Equal(t, n.State, got.State)
	assert.Equal(t, n.Payload, got.Payload)
	assert.Equal(t, "search", got.Metadata["tool"])
	require.NotNil(t, got.Error)
	assert.Equal(t, *n.Error, *got.Error)
	assert.Equal(t, "worker-1", got.ClaimedBy)
	assert.WithinDuration(t, claimedAt, got.ClaimedAt, time.Millisecond)
	assert.True(t, got.FinishedAt.IsZero())
	assert.True(t, got.Active())
	assert.Equal(t, int64(1), got.Version)

	got.State = graph.StateFinished
	got.Error = nil
	got.ClearClaim()
	require.NoError(t, graph.Update(ctx, s, func(tx graph.Tx) error {
		return tx.UpdateNode(ctx, got)
	}))
	assert.Equal(t, int64(2), got.Version)

	again := GetNode(t, s, n.ID)
	assert.Equal(t, graph.StateFinished, again.State)
	assert.Nil(t, again.Error)
	assert.Empty(t, again.ClaimedBy)
	assert.True(t, again.ClaimedAt.IsZero())
	assert.Equal(t, int64(2), again.Version)

	err := graph.Update(ctx, s, func(tx graph.Tx) error {
		return tx.CreateNode(ctx, n)
	})
	assert.ErrorIs(t, err, graph.ErrAlreadyExists)

	err = graph.View(ctx, s, func(r graph.Reader) error {
		_, err := r.GetNode(ctx, "missing")
		return err
	})
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)

	err = graph.Update(ctx, s, func(tx graph.Tx) error {
		return tx.UpdateNode(ctx, &graph.Node{ID: "missing", GraphID: graphID,
			Type: graph.NodeTypeTask, State: graph.StatePending})
	})
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func testListNodesFilters(t *testing.T, s graph.Store) {
	ctx := context.Background()
	graphID, _ := Seed(t, s)
	otherID, _ := Seed(t, s)
	a := CreateNode(t, s, graphID, graph.NodeTypeUserMessage, graph.StateFinished)
	b := CreateNode(t, s, graphID, graph.NodeTypeAgentMessage, graph.StatePending)
	c := CreateNode(t, s, graphID, graph.NodeTypeTask, graph.StatePending)
	CreateNode(t, s, otherID, graph.NodeTypeTask, graph.StatePending)

	c.Compression = graph.CompressedInto(a.ID, time.Now())
	require.NoError(t, graph.Update(ctx, s, func(tx graph.Tx) error {
		return tx.UpdateNode(ctx, c)
	}))

	list := func(f graph.NodeFilter) []string {
		var out []string
		require.NoError(t, graph.View(ctx, s, func(r graph.Reader) error {
			nodes, err := r.ListNodes(ctx, f)
			for _, n := range nodes {
				out = append(out, n.ID)
			}
			return err
		}))
		return out
	}

	assert.Equal(t, []string{a.ID, b.ID}, list(graph.NodeFilter{GraphID: graphID}))
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, list(graph.NodeFilter{GraphID: graphID, IncludeCompressed: true}))
	assert.Equal(t, []string{b.ID}, list(graph.NodeFilter{GraphID: graphID, States: []graph.NodeState{graph.StatePending}}))
	assert.Equal(t, []string{a.ID}, list(graph.NodeFilter{GraphID: graphID, Types: []graph.NodeType{graph.NodeTypeUserMessage}}))
	assert.Equal(t, []string{b.ID}, list(graph.NodeFilter{IDs: []string{b.ID, "missing"}}))
}

func testSwapNode(t *testing.T, s graph.Store) {
	ctx := context.Background()
	graphID, _ := Seed(t, s)
	n := CreateNode(t, s, graphID, graph.NodeTypeTask, graph.StatePending)

	stale := n.Clone()
	n.State = graph.StateRunning
	n.ClaimedBy = "w1"
	require.NoError(t, graph.Update(ctx, s, func(tx graph.Tx) error {
		ok, err := tx.SwapNode(ctx, n, graph.StatePending)
		assert.True(t, ok)
		return err
	}))
	assert.Equal(t, int64(2), n.Version)

	// Same expected state, stale version.
	stale.ClaimedBy = "w2"
	require.NoError(t, graph.Update(ctx, s, func(tx graph.Tx) error {
		stale.State = graph.StateRunning
		ok, err := tx.SwapNode(ctx, stale, graph.StatePending)
		assert.False(t, ok)
		return err
	}))
	assert.Equal(t, "w1", GetNode(t, s, n.ID).ClaimedBy)

	// Current version, wrong expected state.
	cur := GetNode(t, s, n.ID)
	cur.State = graph.StateFinished
	require.NoError(t, graph.Update(ctx, s, func(tx graph.Tx) error {
		ok, err := tx.SwapNode(ctx, cur, graph.StatePending)
		assert.False(t, ok)
		return err
	}))

	err := graph.Update(ctx, s, func(tx graph.Tx) error {
		_, err := tx.SwapNode(ctx, &graph.Node{ID: "missing", GraphID: graphID,
			Type: graph.NodeTypeTask, State: graph.StateRunning}, graph.StatePending)
		return err
	})
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func testEdges(t *testing.T, s graph.Store) {
	ctx := context.Background()
	graphID, _ := Seed(t, s)
	a := CreateNode(t, s, graphID, graph.NodeTypeUserMessage, graph.StateFinished)
	b := CreateNode(t, s, graphID, graph.NodeTypeAgentMessage, graph.StatePending)
	c := CreateNode(t, s, graphID, graph.NodeTypeTask, graph.StatePending)
	ab := CreateEdge(t, s, graphID, a.ID, b.ID, graph.EdgeTypeSequence)
	bc := CreateEdge(t, s, graphID, b.ID, c.ID, graph.EdgeTypeDependency)

	list := func(f graph.EdgeFilter) []string {
		var out []string
		require.NoError(t, graph.View(ctx, s, func(r graph.Reader) error {
			edges, err := r.ListEdges(ctx, f)
			for _, e := range edges {
				out = append(out, e.ID)
			}
			return err
		}))
		return out
	}
	assert.Equal(t, []string{ab.ID, bc.ID}, list(graph.EdgeFilter{GraphID: graphID}))
	assert.Equal(t, []string{bc.ID}, list(graph.EdgeFilter{GraphID: graphID, FromNodeIDs: []string{b.ID}}))
	assert.Equal(t, []string{ab.ID}, list(graph.EdgeFilter{GraphID: graphID, ToNodeIDs: []string{b.ID}}))
	assert.Equal(t, []string{bc.ID}, list(graph.EdgeFilter{GraphID: graphID,
		Types: []graph.EdgeType{graph.EdgeTypeDependency}}))

	ab.Compression = graph.CompressedInto(c.ID, time.Now())
	ab.Metadata = map[string]any{graph.MetaRewiredFrom: a.ID}
	require.NoError(t, graph.Update(ctx, s, func(tx graph.Tx) error {
		return tx.UpdateEdge(ctx, ab)
	}))
	assert.Equal(t, []string{bc.ID}, list(graph.EdgeFilter{GraphID: graphID}))
	assert.Equal(t, []string{ab.ID, bc.ID}, list(graph.EdgeFilter{GraphID: graphID, IncludeCompressed: true}))

	require.NoError(t, graph.View(ctx, s, func(r graph.Reader) error {
		got, err := r.GetEdge(ctx, ab.ID)
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.Compression.SummaryNodeID)
		assert.Equal(t, a.ID, got.Metadata[graph.MetaRewiredFrom])
		_, err = r.GetEdge(ctx, "missing")
		assert.ErrorIs(t, err, graph.ErrEdgeNotFound)
		return nil
	}))

	err := graph.Update(ctx, s, func(tx graph.Tx) error {
		return tx.CreateEdge(ctx, &graph.Edge{ID: graph.NewID(), GraphID: graphID,
			FromNodeID: a.ID, ToNodeID: "missing", Type: graph.EdgeTypeSequence})
	})
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func testEvents(t *testing.T, s graph.Store) {
	ctx := context.Background()
	graphID, _ := Seed(t, s)
	n := CreateNode(t, s, graphID, graph.NodeTypeTask, graph.StateErrored)
	require.NoError(t, graph.Update(ctx, s, func(tx graph.Tx) error {
		if err := tx.RecordEvent(ctx, event.New(graphID, event.TypeNodeStateChanged, n.ID,
			event.WithParticular(event.KeyToState, "running"))); err != nil {
			return err
		}
		return tx.RecordEvent(ctx, event.New(graphID, event.TypeFailurePropagated, n.ID,
			event.WithParticular(event.KeyUpstreamNode, "up")))
	}))

	all := Events(t, s, graphID)
	require.Len(t, all, 2)
	assert.Equal(t, event.TypeNodeStateChanged, all[0].Type)
	assert.Equal(t, "running", all[0].Particulars[event.KeyToState])
	assert.Equal(t, n.ID, all[1].SubjectNodeID)

	propagated := Events(t, s, graphID, event.TypeFailurePropagated)
	require.Len(t, propagated, 1)
	assert.Equal(t, "up", propagated[0].Particulars[event.KeyUpstreamNode])
}

func testRollback(t *testing.T, s graph.Store) {
	ctx := context.Background()
	graphID, laneID := Seed(t, s)
	existing := CreateNode(t, s, graphID, graph.NodeTypeTask, graph.StatePending)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	created := &graph.Node{ID: graph.NewID(), GraphID: graphID, Type: graph.NodeTypeTask, State: graph.StatePending}
	require.NoError(t, tx.CreateNode(ctx, created))
	updated := existing.Clone()
	updated.State = graph.StateRunning
	require.NoError(t, tx.UpdateNode(ctx, updated))
	require.NoError(t, tx.CreateTurn(ctx, &graph.Turn{ID: graph.NewID(), GraphID: graphID, LaneID: laneID}))
	require.NoError(t, tx.RecordEvent(ctx, event.New(graphID, event.TypeNodeStateChanged, existing.ID)))
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())

	require.NoError(t, graph.View(ctx, s, func(r graph.Reader) error {
		_, err := r.GetNode(ctx, created.ID)
		assert.ErrorIs(t, err, graph.ErrNodeNotFound)
		n, err := r.GetNode(ctx, existing.ID)
		require.NoError(t, err)
		assert.Equal(t, graph.StatePending, n.State)
		assert.Equal(t, int64(1), n.Version)
		turns, err := r.ListTurns(ctx, graphID, "")
		require.NoError(t, err)
		assert.Empty(t, turns)
		return nil
	}))
	assert.Empty(t, Events(t, s, graphID))

	// Turn numbering is unaffected by the rolled back turn.
	require.NoError(t, graph.Update(ctx, s, func(tx graph.Tx) error {
		turn := &graph.Turn{ID: graph.NewID(), GraphID: graphID, LaneID: laneID}
		err := tx.CreateTurn(ctx, turn)
		assert.Equal(t, int64(1), turn.Seq)
		return err
	}))
}

func testTxDone(t *testing.T, s graph.Store) {
	ctx := context.Background()
	graphID, _ := Seed(t, s)
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.LockGraph(ctx, graphID))
	require.NoError(t, tx.Commit())
	assert.NoError(t, tx.Rollback())
	assert.ErrorIs(t, tx.Commit(), graph.ErrTxDone)
	_, err = tx.GetGraph(ctx, graphID)
	assert.ErrorIs(t, err, graph.ErrTxDone)

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	assert.ErrorIs(t, tx.LockGraph(ctx, "missing"), graph.ErrGraphNotFound)
}

func testListGraphIDs(t *testing.T, s graph.Store) {
	ctx := context.Background()
	idle, _ := Seed(t, s)
	busy, _ := Seed(t, s)
	CreateNode(t, s, idle, graph.NodeTypeUserMessage, graph.StateFinished)
	CreateNode(t, s, busy, graph.NodeTypeTask, graph.StatePending)

	require.NoError(t, graph.View(ctx, s, func(r graph.Reader) error {
		all, err := r.ListGraphIDs(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{idle, busy}, all)

		pending, err := r.ListGraphIDs(ctx, graph.StatePending, graph.StateRunning)
		require.NoError(t, err)
		assert.Equal(t, []string{busy}, pending)
		return nil
	}))
}

func testConcurrentSwap(t *testing.T, s graph.Store) {
	ctx := context.Background()
	graphID, _ := Seed(t, s)
	n := CreateNode(t, s, graphID, graph.NodeTypeTask, graph.StatePending)

	const workers = 8
	var (
		wins int32
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := graph.Update(ctx, s, func(tx graph.Tx) error {
				cur, err := tx.GetNode(ctx, n.ID)
				if err != nil {
					return err
				}
				if cur.State != graph.StatePending {
					return nil
				}
				cur.State = graph.StateRunning
				ok, err := tx.SwapNode(ctx, cur, graph.StatePending)
				if ok {
					atomic.AddInt32(&wins, 1)
				}
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&wins))
	assert.Equal(t, graph.StateRunning, GetNode(t, s, n.ID).State)
}
