//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package openai provides an OpenAI-compatible chat completion model.
package openai

import (
	"context"
	"errors"
	"net/http"
	"time"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"trpc.group/trpc-go/trpc-agent-dag/log"
	"trpc.group/trpc-go/trpc-agent-dag/model"
)

const defaultTimeout = 2 * time.Minute

// Model implements model.Model over the chat completions endpoint.
type Model struct {
	client      openai.Client
	name        string
	baseURL     string
	extraFields map[string]any
}

type options struct {
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	openAIOptions []openaiopt.RequestOption
	extraFields   map[string]any
}

// Option is a function that configures an OpenAI model.
type Option func(*options)

// WithAPIKey sets the API key for the OpenAI client.
func WithAPIKey(key string) Option {
	return func(opts *options) {
		opts.apiKey = key
	}
}

// WithBaseURL sets the base URL for the OpenAI client. It is optional for
// OpenAI-compatible APIs.
func WithBaseURL(url string) Option {
	return func(opts *options) {
		opts.baseURL = url
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(opts *options) {
		opts.httpClient = c
	}
}

// WithOpenAIOptions appends raw openai-go request options, e.g. a middleware.
func WithOpenAIOptions(openaiOpts ...openaiopt.RequestOption) Option {
	return func(opts *options) {
		opts.openAIOptions = append(opts.openAIOptions, openaiOpts...)
	}
}

// WithExtraFields sets extra fields added to every request body.
func WithExtraFields(extraFields map[string]any) Option {
	return func(opts *options) {
		if opts.extraFields == nil {
			opts.extraFields = make(map[string]any)
		}
		for k, v := range extraFields {
			opts.extraFields[k] = v
		}
	}
}

// New creates a new OpenAI-like model.
func New(name string, opts ...Option) *Model {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	var clientOpts []openaiopt.RequestOption
	if o.apiKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(o.apiKey))
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(o.baseURL))
	}
	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	clientOpts = append(clientOpts, openaiopt.WithHTTPClient(httpClient))
	clientOpts = append(clientOpts, o.openAIOptions...)

	return &Model{
		client:      openai.NewClient(clientOpts...),
		name:        name,
		baseURL:     o.baseURL,
		extraFields: o.extraFields,
	}
}

// Info implements the model.Model interface.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.name}
}

// GenerateContent implements the model.Model interface. It sends one
// non-streaming request and delivers a single final response.
func (m *Model) GenerateContent(
	ctx context.Context,
	request *model.Request,
) (<-chan *model.Response, error) {
	if request == nil {
		return nil, errors.New("request cannot be nil")
	}
	chatRequest := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.name),
		Messages: convertMessages(request.Messages),
	}
	// MaxTokens is deprecated and not compatible with o-series models.
	if request.MaxTokens != nil {
		chatRequest.MaxCompletionTokens = openai.Int(int64(*request.MaxTokens))
	}
	if request.Temperature != nil {
		chatRequest.Temperature = openai.Float(*request.Temperature)
	}
	if request.TopP != nil {
		chatRequest.TopP = openai.Float(*request.TopP)
	}
	if len(request.Stop) > 0 {
		chatRequest.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: request.Stop,
		}
	}
	var opts []openaiopt.RequestOption
	for key, value := range m.extraFields {
		opts = append(opts, openaiopt.WithJSONSet(key, value))
	}

	responseChan := make(chan *model.Response, 1)
	go func() {
		defer close(responseChan)
		responseChan <- m.complete(ctx, chatRequest, opts...)
	}()
	return responseChan, nil
}

func (m *Model) complete(
	ctx context.Context,
	chatRequest openai.ChatCompletionNewParams,
	opts ...openaiopt.RequestOption,
) *model.Response {
	chatCompletion, err := m.client.Chat.Completions.New(ctx, chatRequest, opts...)
	if err != nil {
		log.Debugf("openai model %s: chat completion failed: %v", m.name, err)
		return &model.Response{
			Error: &model.ResponseError{
				Message: err.Error(),
				Type:    model.ErrorTypeAPIError,
			},
			Timestamp: time.Now(),
			Done:      true,
		}
	}
	response := &model.Response{
		ID:        chatCompletion.ID,
		Created:   chatCompletion.Created,
		Model:     chatCompletion.Model,
		Timestamp: time.Now(),
		Done:      true,
	}
	response.Choices = make([]model.Choice, len(chatCompletion.Choices))
	for i, choice := range chatCompletion.Choices {
		response.Choices[i] = model.Choice{
			Index:   int(choice.Index),
			Message: model.NewAssistantMessage(choice.Message.Content),
		}
		if choice.FinishReason != "" {
			finishReason := choice.FinishReason
			response.Choices[i].FinishReason = &finishReason
		}
	}
	if chatCompletion.Usage.PromptTokens > 0 || chatCompletion.Usage.CompletionTokens > 0 {
		response.Usage = &model.Usage{
			PromptTokens:     int(chatCompletion.Usage.PromptTokens),
			CompletionTokens: int(chatCompletion.Usage.CompletionTokens),
			TotalTokens:      int(chatCompletion.Usage.TotalTokens),
		}
	}
	return response
}

// convertMessages converts messages to OpenAI's format. Tool results have no
// matching tool call in a history, so they are sent as user messages.
func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result[i] = openai.SystemMessage(msg.Content)
		case model.RoleAssistant:
			result[i] = openai.AssistantMessage(msg.Content)
		case model.RoleTool:
			content := msg.Content
			if msg.Name != "" {
				content = "[" + msg.Name + "] " + content
			}
			result[i] = openai.UserMessage(content)
		default:
			result[i] = openai.UserMessage(msg.Content)
		}
	}
	return result
}
