//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestSetGetClientBuilder(t *testing.T) {
	oldBuilder := GetClientBuilder()
	defer func() { SetClientBuilder(oldBuilder) }()

	invoked := false
	SetClientBuilder(func(opts ...ClientBuilderOpt) (redis.UniversalClient, error) {
		invoked = true
		return nil, nil
	})
	_, err := GetClientBuilder()(WithClientBuilderURL("redis://localhost:6379"))
	require.NoError(t, err)
	require.True(t, invoked)
}

func TestDefaultClientBuilder_Errors(t *testing.T) {
	_, err := DefaultClientBuilder()
	require.EqualError(t, err, "redis: url is empty")

	_, err = DefaultClientBuilder(WithClientBuilderURL("127.0.0.1:6379"))
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "redis: parse url 127.0.0.1:6379:"))
}

func TestNewClient_URL(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient("", "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestNewClient_Instance(t *testing.T) {
	oldRegistry := redisRegistry
	redisRegistry = make(map[string][]ClientBuilderOpt)
	defer func() { redisRegistry = oldRegistry }()

	mr := miniredis.RunT(t)
	RegisterRedisInstance("queue", WithClientBuilderURL("redis://"+mr.Addr()+"/0"))
	opts, ok := GetRedisInstance("queue")
	require.True(t, ok)
	require.Len(t, opts, 1)

	client, err := NewClient("queue", "")
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", got)

	_, err = NewClient("missing", "")
	require.Error(t, err)
}
