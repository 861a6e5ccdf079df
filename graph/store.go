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

	"trpc.group/trpc-go/trpc-agent-dag/event"
)

// NodeFilter selects nodes. Empty fields do not filter.
// Results are always ordered by ascending node id.
type NodeFilter struct {
	GraphID string
	IDs     []string
	States  []NodeState
	Types   []NodeType
	LaneID  string
	TurnID  string
	// IncludeCompressed includes nodes absorbed by compression.
	IncludeCompressed bool
}

// EdgeFilter selects edges. Empty fields do not filter.
// Results are always ordered by ascending edge id.
type EdgeFilter struct {
	GraphID     string
	FromNodeIDs []string
	ToNodeIDs   []string
	Types       []EdgeType
	// IncludeCompressed includes edges absorbed by compression.
	IncludeCompressed bool
}

// EventFilter selects audit events, ordered by ascending event id.
type EventFilter struct {
	GraphID       string
	SubjectNodeID string
	Types         []event.Type
}

// Reader is the read side of a store transaction.
type Reader interface {
	// GetGraph returns ErrGraphNotFound when the graph does not exist.
	GetGraph(ctx context.Context, id string) (*Graph, error)
	// ListGraphIDs lists graphs holding at least one active node in one of the
	// given states, or every graph when no state is given.
	ListGraphIDs(ctx context.Context, states ...NodeState) ([]string, error)
	// GetLane returns ErrLaneNotFound when the lane does not exist.
	GetLane(ctx context.Context, id string) (*Lane, error)
	ListLanes(ctx context.Context, graphID string) ([]*Lane, error)
	// ListTurns lists turns by ascending Seq; an empty laneID lists every lane.
	ListTurns(ctx context.Context, graphID, laneID string) ([]*Turn, error)
	// GetNode returns ErrNodeNotFound when the node does not exist.
	GetNode(ctx context.Context, id string) (*Node, error)
	ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error)
	// GetEdge returns ErrEdgeNotFound when the edge does not exist.
	GetEdge(ctx context.Context, id string) (*Edge, error)
	ListEdges(ctx context.Context, filter EdgeFilter) ([]*Edge, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*event.Event, error)
}

// Writer is the write side of a store transaction.
type Writer interface {
	// LockGraph serializes writers of the graph until the transaction ends.
	LockGraph(ctx context.Context, graphID string) error
	CreateGraph(ctx context.Context, g *Graph) error
	CreateLane(ctx context.Context, l *Lane) error
	// CreateTurn assigns t.Seq.
	CreateTurn(ctx context.Context, t *Turn) error
	// CreateNode stores a new node and sets n.Version to 1.
	CreateNode(ctx context.Context, n *Node) error
	// UpdateNode overwrites the stored node and bumps n.Version.
	UpdateNode(ctx context.Context, n *Node) error
	// SwapNode overwrites the stored node only if it is still in state expected at
	// n.Version. It reports whether the write applied and bumps n.Version if so.
	SwapNode(ctx context.Context, n *Node, expected NodeState) (bool, error)
	CreateEdge(ctx context.Context, e *Edge) error
	// UpdateEdge overwrites the stored edge.
	UpdateEdge(ctx context.Context, e *Edge) error
	// RecordEvent appends an audit event; it is discarded if the transaction rolls back.
	RecordEvent(ctx context.Context, e *event.Event) error
}

// Tx is a store transaction. Rollback after Commit is a no-op.
type Tx interface {
	Reader
	Writer
	Commit() error
	Rollback() error
}

// Store is the persistent home of conversation graphs and the single source of
// truth every scheduler synchronizes through.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// View runs fn in a transaction that is always rolled back.
func View(ctx context.Context, store Store, fn func(Reader) error) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn in a transaction that commits when fn returns nil and rolls back
// when it returns an error or panics.
func Update(ctx context.Context, store Store, fn func(Tx) error) (err error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
