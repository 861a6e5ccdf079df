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
	"fmt"
	"time"
)

// NodeType is the closed set of node kinds.
type NodeType string

// Node types.
const (
	NodeTypeUserMessage  NodeType = "user_message"
	NodeTypeAgentMessage NodeType = "agent_message"
	NodeTypeTask         NodeType = "task"
	NodeTypeSummary      NodeType = "summary"
)

// NodeTypes lists every node type.
var NodeTypes = []NodeType{
	NodeTypeUserMessage,
	NodeTypeAgentMessage,
	NodeTypeTask,
	NodeTypeSummary,
}

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeUserMessage, NodeTypeAgentMessage, NodeTypeTask, NodeTypeSummary:
		return true
	}
	return false
}

// Executable reports whether nodes of this type are claimed and run by executors.
// User messages and summaries are authored finished and never claimed.
func (t NodeType) Executable() bool {
	return t == NodeTypeAgentMessage || t == NodeTypeTask
}

// NodeState is the execution state of a node.
type NodeState string

// Node states.
const (
	StatePending  NodeState = "pending"
	StateRunning  NodeState = "running"
	StateFinished NodeState = "finished"
	StateErrored  NodeState = "errored"
)

// Valid reports whether s is one of the known states.
func (s NodeState) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateFinished, StateErrored:
		return true
	}
	return false
}

// Terminal reports whether s is finished or errored.
func (s NodeState) Terminal() bool {
	return s == StateFinished || s == StateErrored
}

// InFlight reports whether s is pending or running.
func (s NodeState) InFlight() bool {
	return s == StatePending || s == StateRunning
}

// Payload holds the content of a node.
type Payload struct {
	// Input is the content handed to the node, e.g. the user text or tool arguments.
	Input string `json:"input,omitempty"`
	// Output is the content produced by the node.
	Output string `json:"output,omitempty"`
	// OutputPreview is a short rendition of Output for listings.
	OutputPreview string `json:"outputPreview,omitempty"`
}

// Content returns Output when present, Input otherwise.
func (p Payload) Content() string {
	if p.Output != "" {
		return p.Output
	}
	return p.Input
}

// Error types recorded on errored nodes.
const (
	ErrorTypeExecutor     = "executor_error"
	ErrorTypePanic        = "executor_panic"
	ErrorTypeUnregistered = "executor_unregistered"
	ErrorTypeInvalid      = "invalid_result"
	ErrorTypeUpstream     = "upstream_failed"
)

// NodeError is the normalized, structured error of an errored node.
type NodeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error implements error.
func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Node is a vertex of the conversation graph.
type Node struct {
	ID       string         `json:"id"`
	GraphID  string         `json:"graphId"`
	LaneID   string         `json:"laneId,omitempty"`
	TurnID   string         `json:"turnId,omitempty"`
	Type     NodeType       `json:"type"`
	State    NodeState      `json:"state"`
	Payload  Payload        `json:"payload"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    *NodeError     `json:"error,omitempty"`

	Compression Compression `json:"compression"`

	ClaimedBy string    `json:"claimedBy,omitempty"`
	ClaimedAt time.Time `json:"claimedAt,omitempty"`

	CreatedAt  time.Time `json:"createdAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	// Version is bumped by the store on every write and guards conditional writes.
	Version int64 `json:"version"`
}

// Clone returns a copy of n that shares no mutable state with it.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	clone := *n
	clone.Metadata = cloneMap(n.Metadata)
	if n.Error != nil {
		e := *n.Error
		clone.Error = &e
	}
	return &clone
}

// Active reports whether the node takes part in traversal.
func (n *Node) Active() bool {
	return !n.Compression.IsCompressed()
}

// ClearClaim removes the claim metadata.
func (n *Node) ClearClaim() {
	n.ClaimedBy = ""
	n.ClaimedAt = time.Time{}
}

// SetMetadata sets one metadata entry.
func (n *Node) SetMetadata(key string, value any) {
	if n.Metadata == nil {
		n.Metadata = make(map[string]any)
	}
	n.Metadata[key] = value
}

// Validate checks the fields every stored node must carry.
func (n *Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("%w: node id", ErrFieldRequired)
	}
	if n.GraphID == "" {
		return fmt.Errorf("%w: node graph id", ErrFieldRequired)
	}
	if !n.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidNodeType, n.Type)
	}
	if !n.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidNodeState, n.State)
	}
	return nil
}
