//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package executor defines the boundary between the engine and the code that
// actually performs a node's work, and the registry resolving node types to it.
package executor

import (
	"context"
	"fmt"
	"sync"

	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/history"
)

// Result is the outcome of executing a node.
type Result struct {
	// State is graph.StateFinished or graph.StateErrored. Empty means finished.
	State graph.NodeState
	// Output is the content produced by the node.
	Output string
	// OutputPreview is optional; the runner derives one from Output when empty.
	OutputPreview string
	// Metadata is merged into the node metadata.
	Metadata map[string]any
	// Error describes an errored result.
	Error *graph.NodeError
}

// Finished returns a finished result carrying output.
func Finished(output string) *Result {
	return &Result{State: graph.StateFinished, Output: output}
}

// Errored returns an errored result.
func Errored(errType, format string, args ...any) *Result {
	return &Result{
		State: graph.StateErrored,
		Error: &graph.NodeError{Type: errType, Message: fmt.Sprintf(format, args...)},
	}
}

// Executor performs the work of one node. Side effects are the executor's own
// concern; a node may be executed more than once when its lease expires.
type Executor interface {
	Execute(ctx context.Context, node *graph.Node, history []history.Entry) (*Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, node *graph.Node, history []history.Entry) (*Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, node *graph.Node, history []history.Entry) (*Result, error) {
	return f(ctx, node, history)
}

// Unregistered is the executor resolved for node types without a registration.
// It errors the node immediately.
var Unregistered Executor = Func(func(_ context.Context, node *graph.Node, _ []history.Entry) (*Result, error) {
	return Errored(graph.ErrorTypeUnregistered, "no executor registered for node type %q", node.Type), nil
})

// Registry maps node types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[graph.NodeType]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[graph.NodeType]Executor)}
}

// Register binds an executor to a node type, replacing any previous binding.
func (r *Registry) Register(t graph.NodeType, e Executor) error {
	if !t.Valid() {
		return fmt.Errorf("executor: %w: %q", graph.ErrInvalidNodeType, t)
	}
	if e == nil {
		return fmt.Errorf("executor: nil executor for %q", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = e
	return nil
}

// Resolve returns the executor of a node type, or Unregistered.
func (r *Registry) Resolve(t graph.NodeType) Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.executors[t]; ok {
		return e
	}
	return Unregistered
}
