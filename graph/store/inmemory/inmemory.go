//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory graph store.
// Transactions are fully serialized, which makes it suitable for tests, local
// development and single-process deployments, but not for multiple workers.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-agent-dag/event"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
)

var _ graph.Store = (*Store)(nil)

// Store is an in-memory implementation of graph.Store.
type Store struct {
	// sem admits one transaction at a time.
	sem chan struct{}

	graphs  map[string]*graph.Graph
	lanes   map[string]*graph.Lane
	turns   map[string]*graph.Turn
	turnSeq map[string]int64
	nodes   map[string]*graph.Node
	edges   map[string]*graph.Edge
	events  []*event.Event

	// byGraph indexes node and edge ids per graph.
	nodesByGraph map[string]map[string]struct{}
	edgesByGraph map[string]map[string]struct{}

	closeOnce sync.Once
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		sem:          make(chan struct{}, 1),
		graphs:       make(map[string]*graph.Graph),
		lanes:        make(map[string]*graph.Lane),
		turns:        make(map[string]*graph.Turn),
		turnSeq:      make(map[string]int64),
		nodes:        make(map[string]*graph.Node),
		edges:        make(map[string]*graph.Edge),
		nodesByGraph: make(map[string]map[string]struct{}),
		edgesByGraph: make(map[string]map[string]struct{}),
	}
}

// Begin starts a transaction, waiting until every other transaction has ended.
func (s *Store) Begin(ctx context.Context) (graph.Tx, error) {
	select {
	case s.sem <- struct{}{}:
		return &tx{s: s}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the store. The in-memory store holds no external resources.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {})
	return nil
}

// tx applies writes in place and keeps an undo log for rollback.
type tx struct {
	s    *Store
	undo []func()
	done bool
}

func (t *tx) check() error {
	if t.done {
		return graph.ErrTxDone
	}
	return nil
}

func (t *tx) end() {
	t.done = true
	t.undo = nil
	<-t.s.sem
}

// Commit keeps the applied writes.
func (t *tx) Commit() error {
	if err := t.check(); err != nil {
		return err
	}
	t.end()
	return nil
}

// Rollback reverts the applied writes in reverse order.
func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.end()
	return nil
}

// LockGraph is a no-op: transactions are already serialized.
func (t *tx) LockGraph(ctx context.Context, graphID string) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, ok := t.s.graphs[graphID]; !ok {
		return fmt.Errorf("%w: %s", graph.ErrGraphNotFound, graphID)
	}
	return nil
}

func (t *tx) CreateGraph(ctx context.Context, g *graph.Graph) error {
	if err := t.check(); err != nil {
		return err
	}
	if g.ID == "" {
		return fmt.Errorf("%w: graph id", graph.ErrFieldRequired)
	}
	if _, ok := t.s.graphs[g.ID]; ok {
		return fmt.Errorf("%w: graph %s", graph.ErrAlreadyExists, g.ID)
	}
	cp := *g
	t.s.graphs[g.ID] = &cp
	t.undo = append(t.undo, func() { delete(t.s.graphs, g.ID) })
	return nil
}

func (t *tx) GetGraph(ctx context.Context, id string) (*graph.Graph, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	g, ok := t.s.graphs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", graph.ErrGraphNotFound, id)
	}
	cp := *g
	return &cp, nil
}

func (t *tx) ListGraphIDs(ctx context.Context, states ...graph.NodeState) ([]string, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var out []string
	for id := range t.s.graphs {
		if len(states) == 0 || t.hasNodeIn(id, states) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *tx) hasNodeIn(graphID string, states []graph.NodeState) bool {
	for id := range t.s.nodesByGraph[graphID] {
		n := t.s.nodes[id]
		if n.Active() && containsState(states, n.State) {
			return true
		}
	}
	return false
}

func (t *tx) CreateLane(ctx context.Context, l *graph.Lane) error {
	if err := t.check(); err != nil {
		return err
	}
	if l.ID == "" || l.GraphID == "" {
		return fmt.Errorf("%w: lane id and graph id", graph.ErrFieldRequired)
	}
	if _, ok := t.s.graphs[l.GraphID]; !ok {
		return fmt.Errorf("%w: %s", graph.ErrGraphNotFound, l.GraphID)
	}
	if _, ok := t.s.lanes[l.ID]; ok {
		return fmt.Errorf("%w: lane %s", graph.ErrAlreadyExists, l.ID)
	}
	cp := *l
	t.s.lanes[l.ID] = &cp
	t.undo = append(t.undo, func() { delete(t.s.lanes, l.ID) })
	return nil
}

func (t *tx) GetLane(ctx context.Context, id string) (*graph.Lane, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	l, ok := t.s.lanes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", graph.ErrLaneNotFound, id)
	}
	cp := *l
	return &cp, nil
}

func (t *tx) ListLanes(ctx context.Context, graphID string) ([]*graph.Lane, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var out []*graph.Lane
	for _, l := range t.s.lanes {
		if l.GraphID == graphID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) CreateTurn(ctx context.Context, turn *graph.Turn) error {
	if err := t.check(); err != nil {
		return err
	}
	if turn.ID == "" || turn.GraphID == "" {
		return fmt.Errorf("%w: turn id and graph id", graph.ErrFieldRequired)
	}
	if _, ok := t.s.graphs[turn.GraphID]; !ok {
		return fmt.Errorf("%w: %s", graph.ErrGraphNotFound, turn.GraphID)
	}
	if _, ok := t.s.turns[turn.ID]; ok {
		return fmt.Errorf("%w: turn %s", graph.ErrAlreadyExists, turn.ID)
	}
	prevSeq := t.s.turnSeq[turn.GraphID]
	turn.Seq = prevSeq + 1
	t.s.turnSeq[turn.GraphID] = turn.Seq
	cp := *turn
	t.s.turns[turn.ID] = &cp
	t.undo = append(t.undo, func() {
		delete(t.s.turns, turn.ID)
		t.s.turnSeq[turn.GraphID] = prevSeq
	})
	return nil
}

func (t *tx) ListTurns(ctx context.Context, graphID, laneID string) ([]*graph.Turn, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var out []*graph.Turn
	for _, turn := range t.s.turns {
		if turn.GraphID == graphID && (laneID == "" || turn.LaneID == laneID) {
			cp := *turn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (t *tx) CreateNode(ctx context.Context, n *graph.Node) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := n.Validate(); err != nil {
		return err
	}
	if _, ok := t.s.graphs[n.GraphID]; !ok {
		return fmt.Errorf("%w: %s", graph.ErrGraphNotFound, n.GraphID)
	}
	if _, ok := t.s.nodes[n.ID]; ok {
		return fmt.Errorf("%w: node %s", graph.ErrAlreadyExists, n.ID)
	}
	n.Version = 1
	t.s.nodes[n.ID] = n.Clone()
	addMember(t.s.nodesByGraph, n.GraphID, n.ID)
	t.undo = append(t.undo, func() {
		delete(t.s.nodes, n.ID)
		delete(t.s.nodesByGraph[n.GraphID], n.ID)
	})
	return nil
}

func (t *tx) GetNode(ctx context.Context, id string) (*graph.Node, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	n, ok := t.s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id)
	}
	return n.Clone(), nil
}

func (t *tx) ListNodes(ctx context.Context, f graph.NodeFilter) ([]*graph.Node, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	candidates := t.candidateNodes(f)
	var out []*graph.Node
	for _, id := range candidates {
		n, ok := t.s.nodes[id]
		if !ok || !matchNode(n, f) {
			continue
		}
		out = append(out, n.Clone())
	}
	graph.SortNodes(out)
	return out, nil
}

func (t *tx) candidateNodes(f graph.NodeFilter) []string {
	if len(f.IDs) > 0 {
		return f.IDs
	}
	var ids []string
	if f.GraphID != "" {
		for id := range t.s.nodesByGraph[f.GraphID] {
			ids = append(ids, id)
		}
		return ids
	}
	for id := range t.s.nodes {
		ids = append(ids, id)
	}
	return ids
}

func matchNode(n *graph.Node, f graph.NodeFilter) bool {
	switch {
	case f.GraphID != "" && n.GraphID != f.GraphID:
		return false
	case f.LaneID != "" && n.LaneID != f.LaneID:
		return false
	case f.TurnID != "" && n.TurnID != f.TurnID:
		return false
	case !f.IncludeCompressed && !n.Active():
		return false
	case len(f.States) > 0 && !containsState(f.States, n.State):
		return false
	case len(f.Types) > 0 && !containsType(f.Types, n.Type):
		return false
	}
	return true
}

func (t *tx) UpdateNode(ctx context.Context, n *graph.Node) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := n.Validate(); err != nil {
		return err
	}
	old, ok := t.s.nodes[n.ID]
	if !ok {
		return fmt.Errorf("%w: %s", graph.ErrNodeNotFound, n.ID)
	}
	t.writeNode(n, old)
	return nil
}

func (t *tx) SwapNode(ctx context.Context, n *graph.Node, expected graph.NodeState) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	if err := n.Validate(); err != nil {
		return false, err
	}
	old, ok := t.s.nodes[n.ID]
	if !ok {
		return false, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, n.ID)
	}
	if old.State != expected || old.Version != n.Version {
		return false, nil
	}
	t.writeNode(n, old)
	return true, nil
}

func (t *tx) writeNode(n, old *graph.Node) {
	n.Version = old.Version + 1
	t.s.nodes[n.ID] = n.Clone()
	t.undo = append(t.undo, func() { t.s.nodes[old.ID] = old })
}

func (t *tx) CreateEdge(ctx context.Context, e *graph.Edge) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if _, ok := t.s.edges[e.ID]; ok {
		return fmt.Errorf("%w: edge %s", graph.ErrAlreadyExists, e.ID)
	}
	for _, id := range []string{e.FromNodeID, e.ToNodeID} {
		if _, ok := t.s.nodes[id]; !ok {
			return fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id)
		}
	}
	t.s.edges[e.ID] = e.Clone()
	addMember(t.s.edgesByGraph, e.GraphID, e.ID)
	t.undo = append(t.undo, func() {
		delete(t.s.edges, e.ID)
		delete(t.s.edgesByGraph[e.GraphID], e.ID)
	})
	return nil
}

func (t *tx) GetEdge(ctx context.Context, id string) (*graph.Edge, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	e, ok := t.s.edges[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", graph.ErrEdgeNotFound, id)
	}
	return e.Clone(), nil
}

func (t *tx) UpdateEdge(ctx context.Context, e *graph.Edge) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	old, ok := t.s.edges[e.ID]
	if !ok {
		return fmt.Errorf("%w: %s", graph.ErrEdgeNotFound, e.ID)
	}
	t.s.edges[e.ID] = e.Clone()
	t.undo = append(t.undo, func() { t.s.edges[old.ID] = old })
	return nil
}

func (t *tx) ListEdges(ctx context.Context, f graph.EdgeFilter) ([]*graph.Edge, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var ids []string
	if f.GraphID != "" {
		for id := range t.s.edgesByGraph[f.GraphID] {
			ids = append(ids, id)
		}
	} else {
		for id := range t.s.edges {
			ids = append(ids, id)
		}
	}
	var out []*graph.Edge
	for _, id := range ids {
		e := t.s.edges[id]
		if matchEdge(e, f) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matchEdge(e *graph.Edge, f graph.EdgeFilter) bool {
	switch {
	case f.GraphID != "" && e.GraphID != f.GraphID:
		return false
	case !f.IncludeCompressed && !e.Active():
		return false
	case len(f.FromNodeIDs) > 0 && !containsString(f.FromNodeIDs, e.FromNodeID):
		return false
	case len(f.ToNodeIDs) > 0 && !containsString(f.ToNodeIDs, e.ToNodeID):
		return false
	case len(f.Types) > 0 && !containsEdgeType(f.Types, e.Type):
		return false
	}
	return true
}

func (t *tx) RecordEvent(ctx context.Context, e *event.Event) error {
	if err := t.check(); err != nil {
		return err
	}
	if e.ID == "" || e.GraphID == "" {
		return fmt.Errorf("%w: event id and graph id", graph.ErrFieldRequired)
	}
	t.s.events = append(t.s.events, e.Clone())
	n := len(t.s.events) - 1
	t.undo = append(t.undo, func() { t.s.events = t.s.events[:n] })
	return nil
}

func (t *tx) ListEvents(ctx context.Context, f graph.EventFilter) ([]*event.Event, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var out []*event.Event
	for _, e := range t.s.events {
		if f.GraphID != "" && e.GraphID != f.GraphID {
			continue
		}
		if f.SubjectNodeID != "" && e.SubjectNodeID != f.SubjectNodeID {
			continue
		}
		if len(f.Types) > 0 && !containsEventType(f.Types, e.Type) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func addMember(index map[string]map[string]struct{}, graphID, id string) {
	members, ok := index[graphID]
	if !ok {
		members = make(map[string]struct{})
		index[graphID] = members
	}
	members[id] = struct{}{}
}

func containsState(states []graph.NodeState, s graph.NodeState) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

func containsType(types []graph.NodeType, typ graph.NodeType) bool {
	for _, v := range types {
		if v == typ {
			return true
		}
	}
	return false
}

func containsEdgeType(types []graph.EdgeType, typ graph.EdgeType) bool {
	for _, v := range types {
		if v == typ {
			return true
		}
	}
	return false
}

func containsEventType(types []event.Type, typ event.Type) bool {
	for _, v := range types {
		if v == typ {
			return true
		}
	}
	return false
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
