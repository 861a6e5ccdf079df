//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package compress

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/graph/store/inmemory"
	"trpc.group/trpc-go/trpc-agent-dag/history"
	"trpc.group/trpc-go/trpc-agent-dag/internal/storetest"
	"trpc.group/trpc-go/trpc-agent-dag/model"
	"trpc.group/trpc-go/trpc-agent-dag/mutation"
)

type recordingSummarizer struct {
	calls   int
	entries []history.Entry
	err     error
}

func (r *recordingSummarizer) Summarize(_ context.Context, entries []history.Entry) (string, error) {
	r.calls++
	r.entries = entries
	if r.err != nil {
		return "", r.err
	}
	return fmt.Sprintf("summary #%d", r.calls), nil
}

// addTurn appends a user message and a reply after prev and returns the reply id.
// An empty reply leaves the reply pending.
func addTurn(t *testing.T, s graph.Store, g, lane, prev, text, replyText string) string {
	t.Helper()
	ctx := context.Background()
	var replyID string
	require.NoError(t, mutation.Do(ctx, s, g, func(m *mutation.Mutation) error {
		turn := &graph.Turn{LaneID: lane}
		if err := m.AddTurn(ctx, turn); err != nil {
			return err
		}
		user := &graph.Node{LaneID: lane, TurnID: turn.ID, Type: graph.NodeTypeUserMessage,
			State: graph.StateFinished, Payload: graph.Payload{Input: text}}
		if err := m.AddNode(ctx, user); err != nil {
			return err
		}
		if prev != "" {
			if _, err := m.Connect(ctx, prev, user.ID, graph.EdgeTypeSequence, nil); err != nil {
				return err
			}
		}
		reply := &graph.Node{LaneID: lane, TurnID: turn.ID, Type: graph.NodeTypeAgentMessage,
			State: graph.StatePending}
		if replyText != "" {
			reply.State = graph.StateFinished
			reply.Payload.Output = replyText
		}
		if err := m.AddNode(ctx, reply); err != nil {
			return err
		}
		replyID = reply.ID
		_, err := m.Connect(ctx, user.ID, reply.ID, graph.EdgeTypeSequence, nil)
		return err
	}))
	return replyID
}

func TestCheckers(t *testing.T) {
	s := Stats{Turns: 10, ClosedTurns: 6, ActiveNodes: 30}
	assert.True(t, CheckTurnThreshold(5)(s))
	assert.False(t, CheckTurnThreshold(6)(s))
	assert.True(t, CheckNodeThreshold(20)(s))
	assert.False(t, CheckNodeThreshold(30)(s))

	assert.True(t, ChecksAll(CheckTurnThreshold(5), CheckNodeThreshold(20))(s))
	assert.False(t, ChecksAll(CheckTurnThreshold(5), CheckNodeThreshold(40))(s))
	assert.False(t, ChecksAll()(s))
	assert.True(t, ChecksAny(CheckTurnThreshold(50), CheckNodeThreshold(20))(s))
	assert.False(t, ChecksAny()(s))
}

func TestPlanner_Compact(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	g, lane := storetest.Seed(t, s)
	prev := ""
	for i := 1; i <= 5; i++ {
		prev = addTurn(t, s, g, lane, prev, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}
	pending := addTurn(t, s, g, lane, prev, "q6", "")

	sum := &recordingSummarizer{}
	p := NewPlanner(s, New(s), sum, WithKeepTurns(2), WithChecker(CheckTurnThreshold(2)))

	plan, err := p.Plan(ctx, g, lane)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Len(t, plan.NodeIDs, 8)
	assert.Equal(t, Stats{Turns: 6, ClosedTurns: 5, ActiveNodes: 12}, plan.Stats)

	summary, err := p.Compact(ctx, g, lane)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, "summary #1", summary.Payload.Output)
	assert.Equal(t, lane, summary.LaneID)
	require.Len(t, sum.entries, 8)
	assert.Equal(t, "user:q1", string(sum.entries[0].Role)+":"+sum.entries[0].Content)
	assert.Equal(t, "assistant:a4", string(sum.entries[7].Role)+":"+sum.entries[7].Content)

	entries, err := history.NewBuilder(s).ContextFor(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, []string{"system:summary #1", "user:q5", "assistant:a5", "user:q6"}, roles(entries))

	// Only two live turns remain, both inside the keep window.
	again, err := p.Compact(ctx, g, lane)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, 1, sum.calls)

	// Settle turn six and add two more; the next compaction folds the first summary in.
	require.NoError(t, graph.Update(ctx, s, func(tx graph.Tx) error {
		n, err := tx.GetNode(ctx, pending)
		if err != nil {
			return err
		}
		n.State = graph.StateFinished
		n.Payload.Output = "a6"
		return tx.UpdateNode(ctx, n)
	}))
	prev = addTurn(t, s, g, lane, pending, "q7", "a7")
	last := addTurn(t, s, g, lane, prev, "q8", "")

	second, err := p.Compact(ctx, g, lane)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "system:summary #1", string(sum.entries[0].Role)+":"+sum.entries[0].Content)

	entries, err = history.NewBuilder(s).ContextFor(ctx, last)
	require.NoError(t, err)
	assert.Equal(t, []string{"system:summary #2", "user:q7", "assistant:a7", "user:q8"}, roles(entries))
}

func TestPlanner_NotTriggered(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	g, lane := storetest.Seed(t, s)
	prev := ""
	for i := 0; i < 3; i++ {
		prev = addTurn(t, s, g, lane, prev, "q", "a")
	}
	sum := &recordingSummarizer{}
	summary, err := NewPlanner(s, New(s), sum).Compact(ctx, g, lane)
	require.NoError(t, err)
	assert.Nil(t, summary)
	assert.Zero(t, sum.calls)
}

func TestPlanner_SummarizerError(t *testing.T) {
	ctx := context.Background()
	s := inmemory.NewStore()
	g, lane := storetest.Seed(t, s)
	prev := ""
	for i := 0; i < 4; i++ {
		prev = addTurn(t, s, g, lane, prev, "q", "a")
	}
	boom := errors.New("model down")
	p := NewPlanner(s, New(s), &recordingSummarizer{err: boom},
		WithKeepTurns(1), WithChecker(CheckNodeThreshold(1)))
	_, err := p.Compact(ctx, g, lane)
	assert.ErrorIs(t, err, boom)
}

type cannedModel struct{ seen *model.Request }

func (c *cannedModel) GenerateContent(_ context.Context, req *model.Request) (<-chan *model.Response, error) {
	c.seen = req
	ch := make(chan *model.Response, 1)
	ch <- &model.Response{Done: true, Choices: []model.Choice{{Message: model.NewAssistantMessage("short")}}}
	close(ch)
	return ch, nil
}

func (c *cannedModel) Info() model.Info { return model.Info{Name: "canned"} }

func TestModelSummarizer(t *testing.T) {
	m := &cannedModel{}
	out, err := NewModelSummarizer(m, WithSummaryInstruction("tl;dr")).Summarize(context.Background(),
		[]history.Entry{{Role: model.RoleUser, Content: "long story"}})
	require.NoError(t, err)
	assert.Equal(t, "short", out)
	require.Len(t, m.seen.Messages, 2)
	assert.Equal(t, model.NewSystemMessage("tl;dr"), m.seen.Messages[0])
}
