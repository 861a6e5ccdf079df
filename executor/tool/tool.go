//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package tool executes task nodes by calling a named tool with the node input
// as JSON arguments.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"trpc.group/trpc-go/trpc-agent-dag/executor"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/history"
	dagtool "trpc.group/trpc-go/trpc-agent-dag/tool"
)

// Executor calls tools from a set.
type Executor struct {
	tools *dagtool.Set
}

// New creates a task executor over tools.
func New(tools *dagtool.Set) *Executor {
	return &Executor{tools: tools}
}

var _ executor.Executor = (*Executor)(nil)

// Execute implements executor.Executor. The tool name is read from the node's
// history.MetaToolName metadata. Tool errors error the node.
func (e *Executor) Execute(ctx context.Context, node *graph.Node, _ []history.Entry) (*executor.Result, error) {
	name, _ := node.Metadata[history.MetaToolName].(string)
	if name == "" {
		return executor.Errored(graph.ErrorTypeInvalid, "task %s names no tool", node.ID), nil
	}
	t, ok := e.tools.Get(name)
	if !ok {
		return executor.Errored(graph.ErrorTypeExecutor, "unknown tool %q", name), nil
	}
	out, err := t.Call(ctx, []byte(node.Payload.Input))
	if err != nil {
		return executor.Errored(graph.ErrorTypeExecutor, "tool %s: %v", name, err), nil
	}
	text, err := render(out)
	if err != nil {
		return executor.Errored(graph.ErrorTypeInvalid, "tool %s: %v", name, err), nil
	}
	res := executor.Finished(text)
	res.Metadata = map[string]any{history.MetaToolName: name}
	return res, nil
}

func render(out any) (string, error) {
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}
