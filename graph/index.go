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
	"context"
	"fmt"
	"sort"
)

// Index is an in-memory adjacency view over a snapshot of one graph, including
// compressed entities. It is not safe for concurrent mutation.
type Index struct {
	graphID string
	nodes   map[string]*Node
	edges   map[string]*Edge
	out     map[string][]*Edge
	in      map[string][]*Edge
}

// NewIndex builds an index from the given nodes and edges.
func NewIndex(graphID string, nodes []*Node, edges []*Edge) *Index {
	ix := &Index{
		graphID: graphID,
		nodes:   make(map[string]*Node, len(nodes)),
		edges:   make(map[string]*Edge, len(edges)),
		out:     make(map[string][]*Edge),
		in:      make(map[string][]*Edge),
	}
	for _, n := range nodes {
		ix.nodes[n.ID] = n
	}
	for _, e := range edges {
		ix.AddEdge(e)
	}
	return ix
}

// LoadIndex reads every node and edge of the graph, compressed ones included.
func LoadIndex(ctx context.Context, r Reader, graphID string) (*Index, error) {
	nodes, err := r.ListNodes(ctx, NodeFilter{GraphID: graphID, IncludeCompressed: true})
	if err != nil {
		return nil, fmt.Errorf("list nodes of graph %s: %w", graphID, err)
	}
	edges, err := r.ListEdges(ctx, EdgeFilter{GraphID: graphID, IncludeCompressed: true})
	if err != nil {
		return nil, fmt.Errorf("list edges of graph %s: %w", graphID, err)
	}
	return NewIndex(graphID, nodes, edges), nil
}

// GraphID returns the indexed graph id.
func (ix *Index) GraphID() string { return ix.graphID }

// Node returns the node with the given id, or nil.
func (ix *Index) Node(id string) *Node { return ix.nodes[id] }

// Edge returns the edge with the given id, or nil.
func (ix *Index) Edge(id string) *Edge { return ix.edges[id] }

// PutNode adds or replaces a node.
func (ix *Index) PutNode(n *Node) { ix.nodes[n.ID] = n }

// AddEdge adds an edge, or refreshes it when its id is already indexed.
func (ix *Index) AddEdge(e *Edge) {
	if old, ok := ix.edges[e.ID]; ok {
		ix.out[old.FromNodeID] = removeEdge(ix.out[old.FromNodeID], old.ID)
		ix.in[old.ToNodeID] = removeEdge(ix.in[old.ToNodeID], old.ID)
	}
	ix.edges[e.ID] = e
	ix.out[e.FromNodeID] = append(ix.out[e.FromNodeID], e)
	ix.in[e.ToNodeID] = append(ix.in[e.ToNodeID], e)
}

// RemoveEdge drops an edge from the index. Stored edges are never deleted; this
// only serves what-if checks.
func (ix *Index) RemoveEdge(id string) {
	old, ok := ix.edges[id]
	if !ok {
		return
	}
	ix.out[old.FromNodeID] = removeEdge(ix.out[old.FromNodeID], id)
	ix.in[old.ToNodeID] = removeEdge(ix.in[old.ToNodeID], id)
	delete(ix.edges, id)
}

func removeEdge(edges []*Edge, id string) []*Edge {
	out := edges[:0]
	for _, e := range edges {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

// Nodes returns every indexed node ordered by id.
func (ix *Index) Nodes() []*Node {
	out := make([]*Node, 0, len(ix.nodes))
	for _, n := range ix.nodes {
		out = append(out, n)
	}
	SortNodes(out)
	return out
}

// ActiveNodes returns the non-compressed nodes ordered by id.
func (ix *Index) ActiveNodes() []*Node {
	var out []*Node
	for _, n := range ix.nodes {
		if n.Active() {
			out = append(out, n)
		}
	}
	SortNodes(out)
	return out
}

// Outgoing returns the edges leaving id, compressed ones included, ordered by id.
func (ix *Index) Outgoing(id string) []*Edge {
	return sortedEdges(ix.out[id])
}

// Incoming returns the edges entering id, compressed ones included, ordered by id.
func (ix *Index) Incoming(id string) []*Edge {
	return sortedEdges(ix.in[id])
}

// ActiveOutgoing returns the active edges leaving id towards active nodes.
func (ix *Index) ActiveOutgoing(id string) []*Edge {
	var out []*Edge
	for _, e := range ix.Outgoing(id) {
		if e.Active() && ix.activeNode(e.ToNodeID) {
			out = append(out, e)
		}
	}
	return out
}

// ActiveIncoming returns the active edges entering id from active nodes.
func (ix *Index) ActiveIncoming(id string) []*Edge {
	var out []*Edge
	for _, e := range ix.Incoming(id) {
		if e.Active() && ix.activeNode(e.FromNodeID) {
			out = append(out, e)
		}
	}
	return out
}

func (ix *Index) activeNode(id string) bool {
	n := ix.nodes[id]
	return n != nil && n.Active()
}

func sortedEdges(edges []*Edge) []*Edge {
	out := make([]*Edge, len(edges))
	copy(out, edges)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SortNodes orders nodes by ascending id, i.e. creation order.
func SortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// IsLeaf reports whether n has no outgoing, non-compressed sequence edge.
func (ix *Index) IsLeaf(n *Node) bool {
	for _, e := range ix.out[n.ID] {
		if e.Type == EdgeTypeSequence && e.Active() {
			return false
		}
	}
	return true
}

// Superseded reports whether n has an active retry branch leaving it.
func (ix *Index) Superseded(n *Node) bool {
	for _, e := range ix.out[n.ID] {
		if e.Active() && e.IsRetry() {
			return true
		}
	}
	return false
}

// ValidLeaf reports whether n may terminate a conversation branch: an agent
// response, a summary standing in for compressed history, in-flight work, or a
// node superseded by a retry.
func (ix *Index) ValidLeaf(n *Node) bool {
	switch {
	case n.Type == NodeTypeAgentMessage, n.Type == NodeTypeSummary:
		return true
	case n.State.InFlight():
		return true
	}
	return ix.Superseded(n)
}

// InvalidLeaves returns the active leaves violating the leaf invariant, ordered by id.
func (ix *Index) InvalidLeaves() []*Node {
	var out []*Node
	for _, n := range ix.ActiveNodes() {
		if ix.IsLeaf(n) && !ix.ValidLeaf(n) {
			out = append(out, n)
		}
	}
	return out
}

// Ready reports whether n can be claimed: it is pending, active, of an executable
// type, and every active inbound edge from an active source is satisfied. Edges
// from compressed sources count as satisfied, since only settled nodes are absorbed.
func (ix *Index) Ready(n *Node) bool {
	if n.State != StatePending || !n.Active() || !n.Type.Executable() {
		return false
	}
	for _, e := range ix.in[n.ID] {
		if !e.Active() {
			continue
		}
		src := ix.nodes[e.FromNodeID]
		if src == nil || !src.Active() {
			continue
		}
		if !e.Type.SatisfiedBy(src.State) {
			return false
		}
	}
	return true
}

// ReadyNodes returns every ready node ordered by id.
func (ix *Index) ReadyNodes() []*Node {
	var out []*Node
	for _, n := range ix.ActiveNodes() {
		if ix.Ready(n) {
			out = append(out, n)
		}
	}
	return out
}

// Reachable reports whether to can be reached from from along stored edges,
// compressed ones included.
func (ix *Index) Reachable(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range ix.out[cur] {
			if e.ToNodeID == to {
				return true
			}
			if !seen[e.ToNodeID] {
				seen[e.ToNodeID] = true
				stack = append(stack, e.ToNodeID)
			}
		}
	}
	return false
}

// CheckEdge verifies that e may be added: both endpoints exist in the graph and
// the edge does not close a cycle.
func (ix *Index) CheckEdge(e *Edge) error {
	if err := e.Validate(); err != nil {
		return err
	}
	from, to := ix.nodes[e.FromNodeID], ix.nodes[e.ToNodeID]
	if from == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, e.FromNodeID)
	}
	if to == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, e.ToNodeID)
	}
	if from.GraphID != e.GraphID || to.GraphID != e.GraphID {
		return fmt.Errorf("%w: edge %s", ErrCrossGraph, e.ID)
	}
	if ix.Reachable(e.ToNodeID, e.FromNodeID) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, e.FromNodeID, e.ToNodeID)
	}
	return nil
}

// Descendants walks active gating edges from the given roots breadth first and
// returns every reached node in visit order, roots excluded. follow decides whether
// the walk continues through a reached node.
func (ix *Index) Descendants(roots []string, follow func(*Node) bool) []*Node {
	seen := make(map[string]bool, len(roots))
	queue := make([]string, 0, len(roots))
	for _, r := range roots {
		seen[r] = true
		queue = append(queue, r)
	}
	var out []*Node
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range ix.ActiveOutgoing(cur) {
			if !e.Type.Gating() || seen[e.ToNodeID] {
				continue
			}
			next := ix.nodes[e.ToNodeID]
			if !follow(next) {
				continue
			}
			seen[next.ID] = true
			out = append(out, next)
			queue = append(queue, next.ID)
		}
	}
	return out
}
