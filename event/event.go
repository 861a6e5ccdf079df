//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package event provides the append-only audit events emitted by the graph engine.
package event

import (
	"context"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-agent-dag/log"
)

// Type is the audit event type.
type Type string

// Audit event types.
const (
	// TypeLeafInvariantRepaired is emitted when a commit synthesizes an agent-message
	// node after an invalid leaf.
	TypeLeafInvariantRepaired Type = "leaf_invariant_repaired"
	// TypeNodeStateChanged is emitted for every claim and finalization.
	TypeNodeStateChanged Type = "node_state_changed"
	// TypeFailurePropagated is emitted for every pending node errored by an upstream failure.
	TypeFailurePropagated Type = "failure_propagated"
	// TypeNodeReclaimed is emitted when a stale running node is returned to pending.
	TypeNodeReclaimed Type = "node_reclaimed"
	// TypeNodeCompressed is emitted for every node absorbed into a summary node.
	TypeNodeCompressed Type = "node_compressed"
	// TypeNodeRetried is emitted when an errored node is superseded by a retry.
	TypeNodeRetried Type = "node_retried"
)

// Particular keys shared by the engine components.
const (
	KeyFromState     = "from_state"
	KeyToState       = "to_state"
	KeyClaimedBy     = "claimed_by"
	KeyErrorType     = "error_type"
	KeyErrorMessage  = "error_message"
	KeyUpstreamNode  = "upstream_node_id"
	KeyRepairNode    = "repair_node_id"
	KeyRepairEdge    = "repair_edge_id"
	KeySummaryNode   = "summary_node_id"
	KeyRetryNode     = "retry_node_id"
	KeyLeaseAge      = "lease_age_ms"
	KeyPreviousState = "previous_state"
)

// Event is one audit record about a graph node.
type Event struct {
	// ID is the unique, time-sortable identifier of the event.
	ID string `json:"id"`

	// GraphID is the graph the subject node belongs to.
	GraphID string `json:"graphId"`

	// Type is the event type.
	Type Type `json:"type"`

	// SubjectNodeID is the node the event is about.
	SubjectNodeID string `json:"subjectNodeId"`

	// Particulars carries type specific details.
	Particulars map[string]any `json:"particulars,omitempty"`

	// Timestamp is the time the event was recorded.
	Timestamp time.Time `json:"timestamp"`
}

// Clone creates a copy of the event with its own particulars map.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Particulars != nil {
		clone.Particulars = make(map[string]any, len(e.Particulars))
		for k, v := range e.Particulars {
			clone.Particulars[k] = v
		}
	}
	return &clone
}

// Option is a function that can be used to configure the Event.
type Option func(*Event)

// WithParticular sets one particular on the event.
func WithParticular(key string, value any) Option {
	return func(e *Event) {
		if e.Particulars == nil {
			e.Particulars = make(map[string]any)
		}
		e.Particulars[key] = value
	}
}

// WithParticulars merges the given particulars into the event.
func WithParticulars(particulars map[string]any) Option {
	return func(e *Event) {
		for k, v := range particulars {
			WithParticular(k, v)(e)
		}
	}
}

// WithTimestamp overrides the event timestamp.
func WithTimestamp(ts time.Time) Option {
	return func(e *Event) {
		e.Timestamp = ts
	}
}

// New creates a new Event with generated ID and timestamp.
func New(graphID string, typ Type, subjectNodeID string, opts ...Option) *Event {
	e := &Event{
		ID:            uuid.Must(uuid.NewV7()).String(),
		GraphID:       graphID,
		Type:          typ,
		SubjectNodeID: subjectNodeID,
		Timestamp:     time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Listener receives events after the transaction that recorded them commits.
// Listeners must not block; delivery to realtime transports happens outside the engine.
type Listener func(ctx context.Context, events []*Event)

// Notify calls every listener with the committed events. A panicking listener is
// logged and does not stop the others.
func Notify(ctx context.Context, listeners []Listener, events []*Event) {
	if len(events) == 0 {
		return
	}
	for _, l := range listeners {
		if l != nil {
			notify(ctx, l, events)
		}
	}
}

func notify(ctx context.Context, l Listener, events []*Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("event: listener panic on %d events of graph %s: %v", len(events), events[0].GraphID, r)
		}
	}()
	l(ctx, events)
}
