//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package agent executes agent-message nodes by asking a language model to
// continue the node's transcript.
package agent

import (
	"context"
	"errors"

	"trpc.group/trpc-go/trpc-agent-dag/executor"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/history"
	"trpc.group/trpc-go/trpc-agent-dag/model"
)

// Metadata keys written on executed nodes.
const (
	MetaModel            = "model"
	MetaPromptTokens     = "prompt_tokens"
	MetaCompletionTokens = "completion_tokens"
)

// Executor calls a model with the node's history.
type Executor struct {
	model        model.Model
	instruction  string
	genConfig    model.GenerationConfig
	historyLimit int
}

// Option configures an Executor.
type Option func(*Executor)

// WithInstruction sets a system message placed before the history.
func WithInstruction(instruction string) Option {
	return func(e *Executor) {
		e.instruction = instruction
	}
}

// WithGenerationConfig sets the generation parameters of every request.
func WithGenerationConfig(cfg model.GenerationConfig) Option {
	return func(e *Executor) {
		e.genConfig = cfg
	}
}

// WithHistoryLimit sends at most the last n history entries. n <= 0 sends all.
func WithHistoryLimit(n int) Option {
	return func(e *Executor) {
		e.historyLimit = n
	}
}

// New creates an agent executor.
func New(m model.Model, opts ...Option) *Executor {
	e := &Executor{model: m}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ executor.Executor = (*Executor)(nil)

// Execute implements executor.Executor. A node input, when present, is sent as
// a trailing user message.
func (e *Executor) Execute(ctx context.Context, node *graph.Node, h []history.Entry) (*executor.Result, error) {
	if e.historyLimit > 0 && len(h) > e.historyLimit {
		h = h[len(h)-e.historyLimit:]
	}
	var messages []model.Message
	if e.instruction != "" {
		messages = append(messages, model.NewSystemMessage(e.instruction))
	}
	messages = append(messages, history.Messages(h)...)
	if node.Payload.Input != "" {
		messages = append(messages, model.NewUserMessage(node.Payload.Input))
	}
	if len(messages) == 0 {
		return executor.Errored(graph.ErrorTypeInvalid, "agent message %s has no context", node.ID), nil
	}

	text, usage, err := model.Generate(ctx, e.model, &model.Request{
		Messages:         messages,
		GenerationConfig: e.genConfig,
	})
	if errors.Is(err, model.ErrEmptyResponse) {
		return executor.Errored(graph.ErrorTypeInvalid, "model %s returned no content", e.model.Info().Name), nil
	}
	if err != nil {
		return nil, err
	}
	res := executor.Finished(text)
	res.Metadata = map[string]any{MetaModel: e.model.Info().Name}
	if usage != nil {
		res.Metadata[MetaPromptTokens] = usage.PromptTokens
		res.Metadata[MetaCompletionTokens] = usage.CompletionTokens
	}
	return res, nil
}
