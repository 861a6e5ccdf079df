//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package schema defines the JSON payloads of the debug HTTP server.
// These types are internal; they only exist to shape responses.
package schema

import (
	"trpc.group/trpc-go/trpc-agent-dag/graph"
)

// Error is the body of every failed request.
type Error struct {
	Error string `json:"error"`
}

// Health is the body of /healthz.
type Health struct {
	Status   string `json:"status"`
	WorkerID string `json:"workerId"`
}

// GraphList lists graph ids.
type GraphList struct {
	GraphIDs []string `json:"graphIds"`
}

// GraphDetail is a graph with its lanes.
type GraphDetail struct {
	Graph *graph.Graph  `json:"graph"`
	Lanes []*graph.Lane `json:"lanes"`
}

// ContextEntry is one message of a node's assembled history.
type ContextEntry struct {
	NodeID   string `json:"nodeId"`
	NodeType string `json:"nodeType"`
	Role     string `json:"role"`
	Name     string `json:"name,omitempty"`
	Content  string `json:"content"`
}

// NodeContext is the history a node is executed with.
type NodeContext struct {
	NodeID  string         `json:"nodeId"`
	Entries []ContextEntry `json:"entries"`
}

// TickResult summarizes a manual tick.
type TickResult struct {
	GraphID    string   `json:"graphId"`
	Skipped    bool     `json:"skipped"`
	Propagated []string `json:"propagated"`
	Reclaimed  []string `json:"reclaimed"`
	Claimed    []string `json:"claimed"`
	Dispatched int      `json:"dispatched"`
	Error      string   `json:"error,omitempty"`
}

// Turn is one turn of a transcript.
type Turn struct {
	Turn  *graph.Turn   `json:"turn"`
	Nodes []*graph.Node `json:"nodes"`
}

// Transcript is a page of a lane's turns.
type Transcript struct {
	GraphID   string        `json:"graphId"`
	LaneID    string        `json:"laneId"`
	Turns     []Turn        `json:"turns"`
	Summaries []*graph.Node `json:"summaries"`
	NextSeq   int64         `json:"nextSeq"`
	More      bool          `json:"more"`
}
