//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package model

import (
	"fmt"
	"time"
)

// Error type constants for ResponseError.Type field.
const (
	ErrorTypeAPIError = "api_error"
)

// ResponseError is an API-level error.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Error implements error.
func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Choice is one completion alternative.
type Choice struct {
	// Index is the index of the choice.
	Index int `json:"index"`

	// Message is the message content.
	Message Message `json:"message,omitempty"`

	// Delta is the delta message content of a partial response.
	Delta Message `json:"delta,omitempty"`

	// FinishReason is the reason the choice was finished.
	// "stop", "length", "content_filter", etc.
	FinishReason *string `json:"finish_reason,omitempty"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is one response from the model.
type Response struct {
	ID        string         `json:"id"`
	Model     string         `json:"model"`
	Created   int64          `json:"created"`
	Choices   []Choice       `json:"choices"`
	Usage     *Usage         `json:"usage,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	// Done is set on the final response.
	Done bool `json:"done"`
	// IsPartial marks a streaming delta.
	IsPartial bool `json:"is_partial"`
}
