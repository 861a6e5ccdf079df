//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package tool_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-dag/tool"
)

type echoTool struct{ name string }

func (e echoTool) Declaration() *tool.Declaration { return &tool.Declaration{Name: e.name} }

func (e echoTool) Call(_ context.Context, args []byte) (any, error) { return string(args), nil }

func TestSet(t *testing.T) {
	s, err := tool.NewSet(echoTool{"b"}, echoTool{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, s.Names())

	got, ok := s.Get("a")
	require.True(t, ok)
	out, err := got.Call(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "{}", out)

	_, ok = s.Get("missing")
	assert.False(t, ok)

	assert.Error(t, s.Add(echoTool{"a"}))
	assert.Error(t, s.Add(echoTool{""}))
}

func TestNewSet_Duplicate(t *testing.T) {
	_, err := tool.NewSet(echoTool{"x"}, echoTool{"x"})
	assert.Error(t, err)
}
