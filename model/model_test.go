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
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	responses []*Response
	err       error
}

func (f *fakeModel) GenerateContent(ctx context.Context, req *Request) (<-chan *Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan *Response, len(f.responses))
	for _, r := range f.responses {
		ch <- r
	}
	close(ch)
	return ch, nil
}

func (f *fakeModel) Info() Info { return Info{Name: "fake"} }

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	req := &Request{Messages: []Message{NewUserMessage("Hi")}}

	tests := []struct {
		name    string
		model   *fakeModel
		want    string
		wantErr error
	}{
		{
			name: "final",
			model: &fakeModel{responses: []*Response{{
				Choices: []Choice{{Message: NewAssistantMessage("Hello")}},
				Usage:   &Usage{TotalTokens: 3},
				Done:    true,
			}}},
			want: "Hello",
		},
		{
			name: "deltas",
			model: &fakeModel{responses: []*Response{
				{IsPartial: true, Choices: []Choice{{Delta: Message{Content: "Hel"}}}},
				{IsPartial: true, Choices: []Choice{{Delta: Message{Content: "lo"}}}},
				{Done: true},
			}},
			want: "Hello",
		},
		{
			name:    "empty",
			model:   &fakeModel{responses: []*Response{{Done: true}}},
			wantErr: ErrEmptyResponse,
		},
		{
			name:    "system error",
			model:   &fakeModel{err: errors.New("dial tcp")},
			wantErr: errors.New("dial tcp"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := Generate(ctx, tt.model, req)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerate_APIError(t *testing.T) {
	m := &fakeModel{responses: []*Response{{
		Error: &ResponseError{Type: ErrorTypeAPIError, Message: "rate limited"},
		Done:  true,
	}}}
	_, _, err := Generate(context.Background(), m, &Request{})
	var rerr *ResponseError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "rate limited", rerr.Message)
}

func TestRole_IsValid(t *testing.T) {
	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool} {
		assert.True(t, r.IsValid(), r.String())
	}
	assert.False(t, Role("robot").IsValid())
}
