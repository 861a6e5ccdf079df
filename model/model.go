//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package model provides the language model interface used by the agent
// executor and the compaction summarizer.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Model is the interface for all language models.
//
// Errors come in two layers. A returned error is a system-level failure that
// prevented communication (nil request, network). Response.Error is an API-level
// failure delivered on the channel (rate limit, content filter).
type Model interface {
	// GenerateContent generates content from the given request. The channel is
	// closed after the final response, whose Done is set.
	GenerateContent(ctx context.Context, request *Request) (<-chan *Response, error)

	// Info returns basic information about the model.
	Info() Info
}

// Info contains basic information about a Model.
type Info struct {
	Name string
}

// Generate runs a request to completion and returns the concatenated content of
// the first choice. API-level errors are returned as errors.
func Generate(ctx context.Context, m Model, req *Request) (string, *Usage, error) {
	ch, err := m.GenerateContent(ctx, req)
	if err != nil {
		return "", nil, err
	}
	var (
		b     strings.Builder
		usage *Usage
	)
	for resp := range ch {
		if resp.Error != nil {
			return "", nil, fmt.Errorf("model %s: %w", m.Info().Name, resp.Error)
		}
		if resp.Usage != nil {
			usage = resp.Usage
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if resp.IsPartial {
			b.WriteString(resp.Choices[0].Delta.Content)
		} else {
			b.WriteString(resp.Choices[0].Message.Content)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	if b.Len() == 0 {
		return "", usage, ErrEmptyResponse
	}
	return b.String(), usage, nil
}

// ErrEmptyResponse is returned by Generate when the model produced no content.
var ErrEmptyResponse = errors.New("model: empty response")
