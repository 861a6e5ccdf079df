//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"

	"trpc.group/trpc-go/trpc-agent-dag/graph"
)

func TestSpanNameHelpers(t *testing.T) {
	assert.Equal(t, "run_node task", NewRunNodeSpanName(graph.NodeTypeTask))
	assert.Equal(t, "run_node", NewRunNodeSpanName(""))
	assert.Equal(t, "execute agent", NewExecuteSpanName("agent"))
}

func TestNodeAttributes(t *testing.T) {
	n := &graph.Node{ID: "n", GraphID: "g", Type: graph.NodeTypeTask, State: graph.StateErrored,
		Error: &graph.NodeError{Type: graph.ErrorTypePanic}}
	attrs := NodeAttributes(n)
	require.Len(t, attrs, 4)
	assert.Equal(t, "g", attrs[0].Value.AsString())
	assert.Equal(t, "errored", attrs[3].Value.AsString())

	_, span := noop.NewTracerProvider().Tracer("test").Start(context.Background(), "test")
	assert.NotPanics(t, func() { TraceNode(span, n) })
}

func TestCount(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("test")
	ctx := context.Background()

	Count(ctx, meter, MetricClaims, 2)
	Count(ctx, meter, MetricClaims, 3)
	Count(ctx, meter, MetricReclaims, 0)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)
	m := rm.ScopeMetrics[0].Metrics[0]
	assert.Equal(t, MetricClaims, m.Name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(5), sum.DataPoints[0].Value)
}
