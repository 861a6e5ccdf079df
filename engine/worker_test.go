//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-dag/compress"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/mutation"
)

// stage writes a user message and a pending reply without requesting a tick.
func stage(t *testing.T, e *Engine, graphID, laneID, text string) string {
	t.Helper()
	var reply string
	require.NoError(t, mutation.Do(context.Background(), e.Store(), graphID, func(m *mutation.Mutation) error {
		ex, err := appendExchange(context.Background(), m, &graph.Lane{ID: laneID, GraphID: graphID}, text)
		if err != nil {
			return err
		}
		reply = ex.Reply.ID
		return nil
	}))
	return reply
}

func TestWorker_Sweep(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, &chatModel{})
	g1, l1, err := e.CreateGraph(ctx, nil)
	require.NoError(t, err)
	g2, l2, err := e.CreateGraph(ctx, nil)
	require.NoError(t, err)
	r1 := stage(t, e, g1.ID, l1.ID, "Hi")
	r2 := stage(t, e, g2.ID, l2.ID, "Yo")

	require.NoError(t, e.NewWorker().Sweep(ctx))
	e.Wait()
	assert.Equal(t, "Hello", nodeOf(t, e, r1).Payload.Output)
	assert.Equal(t, "echo: Yo", nodeOf(t, e, r2).Payload.Output)

	// Nothing left to do.
	require.NoError(t, e.NewWorker().Sweep(ctx))
}

func TestWorker_SweepCompacts(t *testing.T) {
	ctx := context.Background()
	m := &chatModel{}
	e := newEngine(t, m, WithSummarizer(compress.NewModelSummarizer(m),
		compress.WithKeepTurns(1), compress.WithChecker(compress.CheckTurnThreshold(1))))
	g, lane, err := e.CreateGraph(ctx, nil)
	require.NoError(t, err)
	for _, text := range []string{"one", "two"} {
		_, err := e.AppendUserMessage(ctx, g.ID, lane.ID, text)
		require.NoError(t, err)
		e.Wait()
	}
	// A pending reply keeps the graph in the sweep.
	stage(t, e, g.ID, lane.ID, "three")

	require.NoError(t, e.NewWorker(WithCompaction(true)).Sweep(ctx))
	e.Wait()
	tr, err := e.Transcript(ctx, g.ID, lane.ID, Page{})
	require.NoError(t, err)
	assert.Len(t, tr.Summaries, 1)
}

func TestWorker_Run(t *testing.T) {
	e := newEngine(t, &chatModel{})
	g, lane, err := e.CreateGraph(context.Background(), nil)
	require.NoError(t, err)
	reply := stage(t, e, g.ID, lane.ID, "Hi")

	consumed := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	w := e.NewWorker(WithSweepInterval(10*time.Millisecond), WithConsumer(func(ctx context.Context) error {
		close(consumed)
		<-ctx.Done()
		return ctx.Err()
	}))
	go func() { done <- w.Run(ctx) }()

	<-consumed
	require.Eventually(t, func() bool {
		return nodeOf(t, e, reply).State == graph.StateFinished
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_ConsumerFailure(t *testing.T) {
	e := newEngine(t, &chatModel{})
	boom := errors.New("queue gone")
	w := e.NewWorker(WithSweepInterval(time.Hour), WithConsumer(func(context.Context) error {
		return boom
	}))
	assert.ErrorIs(t, w.Run(context.Background()), boom)
}
