//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package graph provides the conversation graph data model: graphs, lanes, turns,
// typed nodes and typed edges, the structural invariants over them, and the
// transactional storage contract every store implements.
//
// A conversation is a persistent, append-mostly directed acyclic graph. Nodes are
// created pending by a mutation, claimed by a scheduler, finalized by a runner, and
// may later be superseded by a retry or absorbed into a summary node by compression.
package graph

import (
	"time"

	"github.com/google/uuid"
)

// DefaultLaneName is the name of the lane every graph starts with.
const DefaultLaneName = "main"

// NewID returns a globally unique, creation-time-sortable identifier.
// Identifiers compare lexicographically in creation order within a process.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Graph is the container of one conversation.
type Graph struct {
	ID        string         `json:"id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Lane is a sub-thread scope of a graph, such as the main thread or a branch topic.
type Lane struct {
	ID      string `json:"id"`
	GraphID string `json:"graphId"`
	Name    string `json:"name"`
	// ParentLaneID is the lane this lane was forked from, empty for the main lane.
	ParentLaneID string `json:"parentLaneId,omitempty"`
	// ForkNodeID is the node the lane branches off, empty for the main lane.
	ForkNodeID string    `json:"forkNodeId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Turn anchors one exchange, typically one user input and its eventual agent response.
type Turn struct {
	ID      string `json:"id"`
	GraphID string `json:"graphId"`
	LaneID  string `json:"laneId"`
	// Seq is assigned by the store and increases monotonically within a graph.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
