//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package history assembles the ordered, role-tagged transcript a node sees.
//
// The walk goes backward from the target along active edges, skipping retry
// branches so that a superseded attempt never leaks into the context of its
// replacement. Compressed nodes resolve to their summary node. The output is a
// deterministic topological order of the ancestors, ties broken by turn sequence
// and then by node id.
package history

import (
	"context"
	"fmt"
	"sort"

	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/model"
)

// MetaToolName is the node metadata key holding the tool a task node calls.
const MetaToolName = "tool"

// Entry is one role-tagged item of a transcript.
type Entry struct {
	NodeID   string          `json:"nodeId"`
	NodeType graph.NodeType  `json:"nodeType"`
	State    graph.NodeState `json:"state"`
	TurnID   string          `json:"turnId,omitempty"`
	Role     model.Role      `json:"role"`
	// Name is the tool name of task entries.
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// Message converts the entry into a model message.
func (e Entry) Message() model.Message {
	return model.Message{Role: e.Role, Content: e.Content, Name: e.Name}
}

// Messages converts entries into model messages.
func Messages(entries []Entry) []model.Message {
	out := make([]model.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message()
	}
	return out
}

// RoleOf maps a node type to the role of its transcript entry.
func RoleOf(t graph.NodeType) model.Role {
	switch t {
	case graph.NodeTypeUserMessage:
		return model.RoleUser
	case graph.NodeTypeAgentMessage:
		return model.RoleAssistant
	case graph.NodeTypeTask:
		return model.RoleTool
	default:
		return model.RoleSystem
	}
}

type options struct {
	maxTurns      int
	errored       bool
	includeTarget bool
}

// Option configures a context query.
type Option func(*options)

// WithMaxTurns keeps only the entries of the last n turns. Summary entries and
// entries outside any turn are always kept. n <= 0 means unbounded.
func WithMaxTurns(n int) Option {
	return func(o *options) {
		o.maxTurns = n
	}
}

// WithErrored includes errored ancestors, rendered with their error message.
func WithErrored(include bool) Option {
	return func(o *options) {
		o.errored = include
	}
}

// WithIncludeTarget appends the target itself when it has content.
func WithIncludeTarget(include bool) Option {
	return func(o *options) {
		o.includeTarget = include
	}
}

// Builder assembles contexts from a store.
type Builder struct {
	store graph.Store
}

// NewBuilder creates a Builder reading from store.
func NewBuilder(store graph.Store) *Builder {
	return &Builder{store: store}
}

// ContextFor returns the transcript the target node sees.
func (b *Builder) ContextFor(ctx context.Context, targetID string, opts ...Option) ([]Entry, error) {
	var entries []Entry
	err := graph.View(ctx, b.store, func(r graph.Reader) error {
		target, err := r.GetNode(ctx, targetID)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		ix, err := graph.LoadIndex(ctx, r, target.GraphID)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		turns, err := r.ListTurns(ctx, target.GraphID, "")
		if err != nil {
			return fmt.Errorf("history: list turns: %w", err)
		}
		seqs := make(map[string]int64, len(turns))
		for _, t := range turns {
			seqs[t.ID] = t.Seq
		}
		entries, err = Assemble(ix, seqs, targetID, opts...)
		return err
	})
	return entries, err
}

// Assemble computes the transcript of targetID over an index. turnSeq maps turn
// ids to their sequence numbers.
func Assemble(ix *graph.Index, turnSeq map[string]int64, targetID string, opts ...Option) ([]Entry, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	target := resolve(ix, ix.Node(targetID))
	if target == nil {
		return nil, fmt.Errorf("history: %w: %s", graph.ErrNodeNotFound, targetID)
	}

	nodes := ancestors(ix, target)
	if o.includeTarget {
		nodes[target.ID] = target
	}
	ordered := topoSort(ix, nodes, turnSeq)

	var entries []Entry
	for _, n := range ordered {
		e, ok := entryOf(n, o, n.ID == target.ID)
		if ok {
			entries = append(entries, e)
		}
	}
	if o.maxTurns > 0 {
		entries = lastTurns(entries, turnSeq, o.maxTurns)
	}
	return entries, nil
}

// Select returns the entries of exactly the given nodes, in transcript order.
// Unknown ids are ignored.
func Select(ix *graph.Index, turnSeq map[string]int64, nodeIDs []string, opts ...Option) []Entry {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	nodes := make(map[string]*graph.Node, len(nodeIDs))
	for _, id := range nodeIDs {
		if n := ix.Node(id); n != nil {
			nodes[id] = n
		}
	}
	var entries []Entry
	for _, n := range topoSort(ix, nodes, turnSeq) {
		if e, ok := entryOf(n, o, false); ok {
			entries = append(entries, e)
		}
	}
	return entries
}

// resolve follows compression to the summary node standing in for n.
func resolve(ix *graph.Index, n *graph.Node) *graph.Node {
	for n != nil && n.Compression.IsCompressed() {
		n = ix.Node(n.Compression.SummaryNodeID)
	}
	return n
}

// ancestors collects every node the target transitively depends on, retry
// branches excluded.
func ancestors(ix *graph.Index, target *graph.Node) map[string]*graph.Node {
	out := make(map[string]*graph.Node)
	stack := []*graph.Node{target}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range ix.Incoming(cur.ID) {
			if !e.Active() || e.IsRetry() {
				continue
			}
			src := resolve(ix, ix.Node(e.FromNodeID))
			if src == nil || src.ID == target.ID {
				continue
			}
			if _, seen := out[src.ID]; seen {
				continue
			}
			out[src.ID] = src
			stack = append(stack, src)
		}
	}
	return out
}

type sortKey struct {
	seq int64
	id  string
}

func keyOf(n *graph.Node, turnSeq map[string]int64) sortKey {
	return sortKey{seq: turnSeq[n.TurnID], id: n.ID}
}

func (k sortKey) less(o sortKey) bool {
	if k.seq != o.seq {
		return k.seq < o.seq
	}
	return k.id < o.id
}

// topoSort orders nodes so every node follows its predecessors within the set,
// picking the smallest (turn seq, id) among the available nodes at each step.
func topoSort(ix *graph.Index, nodes map[string]*graph.Node, turnSeq map[string]int64) []*graph.Node {
	indegree := make(map[string]int, len(nodes))
	succ := make(map[string][]string, len(nodes))
	for id := range nodes {
		indegree[id] += 0
		for _, e := range ix.Incoming(id) {
			if !e.Active() || e.IsRetry() {
				continue
			}
			src := resolve(ix, ix.Node(e.FromNodeID))
			if src == nil || src.ID == id {
				continue
			}
			if _, ok := nodes[src.ID]; !ok {
				continue
			}
			indegree[id]++
			succ[src.ID] = append(succ[src.ID], id)
		}
	}
	var ready []*graph.Node
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, nodes[id])
		}
	}
	out := make([]*graph.Node, 0, len(nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return keyOf(ready[i], turnSeq).less(keyOf(ready[j], turnSeq))
		})
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, next := range succ[n.ID] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, nodes[next])
			}
		}
	}
	return out
}

func entryOf(n *graph.Node, o options, isTarget bool) (Entry, bool) {
	e := Entry{
		NodeID:   n.ID,
		NodeType: n.Type,
		State:    n.State,
		TurnID:   n.TurnID,
		Role:     RoleOf(n.Type),
	}
	if n.Type == graph.NodeTypeTask {
		e.Name, _ = n.Metadata[MetaToolName].(string)
	}
	switch {
	case n.State == graph.StateFinished:
		e.Content = n.Payload.Content()
	case n.State == graph.StateErrored && o.errored:
		e.Content = n.Payload.Output
		if n.Error != nil {
			e.Content = "error: " + n.Error.Message
		}
	case isTarget:
		e.Content = n.Payload.Input
	default:
		return Entry{}, false
	}
	if e.Content == "" {
		return Entry{}, false
	}
	return e, true
}

func lastTurns(entries []Entry, turnSeq map[string]int64, n int) []Entry {
	var seqs []int64
	seen := make(map[int64]bool)
	for _, e := range entries {
		if e.TurnID == "" || e.NodeType == graph.NodeTypeSummary {
			continue
		}
		s := turnSeq[e.TurnID]
		if !seen[s] {
			seen[s] = true
			seqs = append(seqs, s)
		}
	}
	if len(seqs) <= n {
		return entries
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	floor := seqs[len(seqs)-n]
	out := entries[:0:0]
	for _, e := range entries {
		if e.TurnID == "" || e.NodeType == graph.NodeTypeSummary || turnSeq[e.TurnID] >= floor {
			out = append(out, e)
		}
	}
	return out
}
