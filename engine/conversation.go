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
	"fmt"

	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/mutation"
)

// ErrEmptyMessage is returned when a user message has no content.
var ErrEmptyMessage = errors.New("engine: empty message")

// Exchange is one user message and the pending reply created for it.
type Exchange struct {
	LaneID string
	Turn   *graph.Turn
	User   *graph.Node
	Reply  *graph.Node
}

// CreateGraph creates a graph together with its main lane.
func (e *Engine) CreateGraph(ctx context.Context, metadata map[string]any) (*graph.Graph, *graph.Lane, error) {
	now := e.opts.now()
	g := &graph.Graph{ID: graph.NewID(), Metadata: metadata, CreatedAt: now}
	l := &graph.Lane{ID: graph.NewID(), GraphID: g.ID, Name: graph.DefaultLaneName, CreatedAt: now}
	err := graph.Update(ctx, e.store, func(tx graph.Tx) error {
		if err := tx.CreateGraph(ctx, g); err != nil {
			return err
		}
		return tx.CreateLane(ctx, l)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("engine: create graph: %w", err)
	}
	return g, l, nil
}

// AppendUserMessage opens a new turn on a lane: a finished user message
// continuing the lane tail, followed by a pending agent reply.
func (e *Engine) AppendUserMessage(ctx context.Context, graphID, laneID, text string) (*Exchange, error) {
	if text == "" {
		return nil, ErrEmptyMessage
	}
	var ex *Exchange
	err := e.Mutate(ctx, graphID, func(m *mutation.Mutation) error {
		lane, err := m.Reader().GetLane(ctx, laneID)
		if err != nil {
			return err
		}
		if lane.GraphID != graphID {
			return fmt.Errorf("%w: lane %s", graph.ErrCrossGraph, laneID)
		}
		ex, err = appendExchange(ctx, m, lane, text)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("engine: append user message: %w", err)
	}
	return ex, nil
}

// ForkLane opens a lane branching off forkNodeID and starts it with a user
// message. The first message of the lane hangs off the fork node by a fork
// branch edge, so its context includes everything up to the fork.
func (e *Engine) ForkLane(ctx context.Context, forkNodeID, name, text string) (*graph.Lane, *Exchange, error) {
	if text == "" {
		return nil, nil, ErrEmptyMessage
	}
	fork, err := e.node(ctx, forkNodeID)
	if err != nil {
		return nil, nil, err
	}
	lane := &graph.Lane{Name: name, ParentLaneID: fork.LaneID, ForkNodeID: fork.ID}
	var ex *Exchange
	err = e.Mutate(ctx, fork.GraphID, func(m *mutation.Mutation) error {
		if err := m.AddLane(ctx, lane); err != nil {
			return err
		}
		var err error
		ex, err = appendExchange(ctx, m, lane, text)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("engine: fork lane: %w", err)
	}
	return lane, ex, nil
}

func appendExchange(ctx context.Context, m *mutation.Mutation, lane *graph.Lane, text string) (*Exchange, error) {
	turns, err := m.Reader().ListTurns(ctx, m.GraphID(), "")
	if err != nil {
		return nil, err
	}
	seqs := make(map[string]int64, len(turns))
	for _, t := range turns {
		seqs[t.ID] = t.Seq
	}
	tail := laneTail(m.Index(), lane.ID, seqs)

	turn := &graph.Turn{LaneID: lane.ID}
	if err := m.AddTurn(ctx, turn); err != nil {
		return nil, err
	}
	user := &graph.Node{
		LaneID:     lane.ID,
		TurnID:     turn.ID,
		Type:       graph.NodeTypeUserMessage,
		State:      graph.StateFinished,
		Payload:    graph.Payload{Input: text},
		FinishedAt: m.Now(),
	}
	if err := m.AddNode(ctx, user); err != nil {
		return nil, err
	}
	switch {
	case tail != nil:
		if _, err := m.Connect(ctx, tail.ID, user.ID, graph.EdgeTypeSequence, nil); err != nil {
			return nil, err
		}
	case lane.ForkNodeID != "":
		if _, err := m.Connect(ctx, lane.ForkNodeID, user.ID, graph.EdgeTypeBranch,
			map[string]any{graph.MetaBranchKind: graph.BranchKindFork}); err != nil {
			return nil, err
		}
	}
	reply := &graph.Node{LaneID: lane.ID, TurnID: turn.ID, Type: graph.NodeTypeAgentMessage}
	if err := m.AddNode(ctx, reply); err != nil {
		return nil, err
	}
	if _, err := m.Connect(ctx, user.ID, reply.ID, graph.EdgeTypeSequence, nil); err != nil {
		return nil, err
	}
	return &Exchange{LaneID: lane.ID, Turn: turn, User: user, Reply: reply}, nil
}

// laneTail returns the latest active node of the lane that nothing in the same
// lane continues from, ordered by turn then id.
func laneTail(ix *graph.Index, laneID string, seqs map[string]int64) *graph.Node {
	var tail *graph.Node
	for _, n := range ix.ActiveNodes() {
		if n.LaneID != laneID || continued(ix, n) {
			continue
		}
		if tail == nil || later(n, tail, seqs) {
			tail = n
		}
	}
	return tail
}

func continued(ix *graph.Index, n *graph.Node) bool {
	for _, e := range ix.ActiveOutgoing(n.ID) {
		if to := ix.Node(e.ToNodeID); to != nil && to.LaneID == n.LaneID {
			return true
		}
	}
	return false
}

func later(a, b *graph.Node, seqs map[string]int64) bool {
	if sa, sb := seqs[a.TurnID], seqs[b.TurnID]; sa != sb {
		return sa > sb
	}
	return a.ID > b.ID
}

// Page selects a window of turns, by ascending sequence.
type Page struct {
	// AfterSeq skips turns up to and including this sequence number.
	AfterSeq int64
	// Limit caps the number of turns returned. Zero or less returns every turn.
	Limit int
}

// TurnView is one turn of a transcript with every node recorded in it,
// compressed ones included.
type TurnView struct {
	Turn  *graph.Turn
	Nodes []*graph.Node
}

// Transcript is a page of a lane's turns.
type Transcript struct {
	GraphID string
	LaneID  string
	Turns   []TurnView
	// Summaries are the active summary nodes of the lane.
	Summaries []*graph.Node
	// NextSeq is the AfterSeq of the next page.
	NextSeq int64
	More    bool
}

// Transcript lists the turns of a lane page by page.
func (e *Engine) Transcript(ctx context.Context, graphID, laneID string, page Page) (*Transcript, error) {
	tr := &Transcript{GraphID: graphID, LaneID: laneID, NextSeq: page.AfterSeq}
	err := graph.View(ctx, e.store, func(r graph.Reader) error {
		lane, err := r.GetLane(ctx, laneID)
		if err != nil {
			return err
		}
		if lane.GraphID != graphID {
			return fmt.Errorf("%w: lane %s", graph.ErrCrossGraph, laneID)
		}
		turns, err := r.ListTurns(ctx, graphID, laneID)
		if err != nil {
			return err
		}
		var window []*graph.Turn
		for _, t := range turns {
			if t.Seq <= page.AfterSeq {
				continue
			}
			if page.Limit > 0 && len(window) == page.Limit {
				tr.More = true
				break
			}
			window = append(window, t)
		}
		nodes, err := r.ListNodes(ctx, graph.NodeFilter{GraphID: graphID, LaneID: laneID, IncludeCompressed: true})
		if err != nil {
			return err
		}
		byTurn := make(map[string][]*graph.Node)
		for _, n := range nodes {
			if n.TurnID == "" {
				if n.Type == graph.NodeTypeSummary && n.Active() {
					tr.Summaries = append(tr.Summaries, n)
				}
				continue
			}
			byTurn[n.TurnID] = append(byTurn[n.TurnID], n)
		}
		for _, t := range window {
			tr.Turns = append(tr.Turns, TurnView{Turn: t, Nodes: byTurn[t.ID]})
			tr.NextSeq = t.Seq
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("engine: transcript: %w", err)
	}
	return tr, nil
}
