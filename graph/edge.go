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

// EdgeType is the closed set of edge kinds.
type EdgeType string

// Edge types.
const (
	// EdgeTypeSequence is turn continuation.
	EdgeTypeSequence EdgeType = "sequence"
	// EdgeTypeDependency means the source must finish before the target runs.
	EdgeTypeDependency EdgeType = "dependency"
	// EdgeTypeBranch links an alternate path, such as a retry or a forked lane.
	EdgeTypeBranch EdgeType = "branch"
)

// Valid reports whether t is one of the known edge types.
func (t EdgeType) Valid() bool {
	switch t {
	case EdgeTypeSequence, EdgeTypeDependency, EdgeTypeBranch:
		return true
	}
	return false
}

// Gating reports whether the edge carries completion semantics, i.e. failures
// propagate along it and context is assembled through it.
func (t EdgeType) Gating() bool {
	return t == EdgeTypeSequence || t == EdgeTypeDependency
}

// SatisfiedBy reports whether a source node in state s releases the target of an
// edge of this type. Branch edges only wait for the source to settle so that a
// retry of an errored node can run.
func (t EdgeType) SatisfiedBy(s NodeState) bool {
	if t == EdgeTypeBranch {
		return s.Terminal()
	}
	return s == StateFinished
}

// Edge metadata keys.
const (
	// MetaBranchKind carries the kind of a branch edge.
	MetaBranchKind = "kind"
	// MetaRewiredFrom records the original source of an edge rewired by compression.
	MetaRewiredFrom = "rewired_from"
)

// Branch kinds.
const (
	BranchKindRetry = "retry"
	BranchKindFork  = "fork"
)

// Edge is a typed connection between two nodes of the same graph.
type Edge struct {
	ID          string         `json:"id"`
	GraphID     string         `json:"graphId"`
	FromNodeID  string         `json:"fromNodeId"`
	ToNodeID    string         `json:"toNodeId"`
	Type        EdgeType       `json:"type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Compression Compression    `json:"compression"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Clone returns a copy of e that shares no mutable state with it.
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Metadata = cloneMap(e.Metadata)
	return &clone
}

// Active reports whether the edge takes part in traversal.
func (e *Edge) Active() bool {
	return !e.Compression.IsCompressed()
}

// BranchKind returns the branch kind of a branch edge, empty otherwise.
func (e *Edge) BranchKind() string {
	if e.Type != EdgeTypeBranch || e.Metadata == nil {
		return ""
	}
	kind, _ := e.Metadata[MetaBranchKind].(string)
	return kind
}

// IsRetry reports whether e links an errored node to its retry.
func (e *Edge) IsRetry() bool {
	return e.BranchKind() == BranchKindRetry
}

// Validate checks the fields every stored edge must carry.
func (e *Edge) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: edge id", ErrFieldRequired)
	}
	if e.GraphID == "" {
		return fmt.Errorf("%w: edge graph id", ErrFieldRequired)
	}
	if e.FromNodeID == "" || e.ToNodeID == "" {
		return fmt.Errorf("%w: edge endpoints", ErrFieldRequired)
	}
	if e.FromNodeID == e.ToNodeID {
		return fmt.Errorf("%w: self loop on %s", ErrCycle, e.FromNodeID)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEdgeType, e.Type)
	}
	return nil
}
