//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the names, attributes and helpers shared by the
// tracing and metric packages and the engine components they instrument.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"trpc.group/trpc-go/trpc-agent-dag/graph"
)

// telemetry service constants.
const (
	ServiceName      = "graphworker"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-agent-dag"
	InstrumentName   = "trpc.agent.dag"

	SpanNameTick              = "tick"
	SpanNameClaim             = "claim"
	SpanNameCompress          = "compress"
	SpanNamePrefixRunNode     = "run_node"
	SpanNamePrefixExecuteNode = "execute"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// telemetry attributes constants.
var (
	KeyGraphID   = "trpc.agent.dag.graph_id"
	KeyNodeID    = "trpc.agent.dag.node_id"
	KeyNodeType  = "trpc.agent.dag.node_type"
	KeyNodeState = "trpc.agent.dag.node_state"
	KeyWorkerID  = "trpc.agent.dag.worker_id"
	KeyOutcome   = "trpc.agent.dag.outcome"
	KeyCount     = "trpc.agent.dag.count"
)

// Metric names.
const (
	MetricTicks        = "dag.ticks"
	MetricTicksSkipped = "dag.ticks.skipped"
	MetricClaims       = "dag.nodes.claimed"
	MetricReclaims     = "dag.nodes.reclaimed"
	MetricPropagated   = "dag.nodes.failure_propagated"
	MetricLeafRepairs  = "dag.leaf_repairs"
	MetricNodeRuns     = "dag.node.runs"
	MetricCompressions = "dag.compressions"
)

// NewRunNodeSpanName returns the span name of a node run, e.g. "run_node task".
func NewRunNodeSpanName(nodeType graph.NodeType) string {
	return joinName(SpanNamePrefixRunNode, string(nodeType))
}

// NewExecuteSpanName returns the span name of an executor call.
func NewExecuteSpanName(executor string) string {
	return joinName(SpanNamePrefixExecuteNode, executor)
}

func joinName(prefix, name string) string {
	if name == "" {
		return prefix
	}
	return prefix + " " + name
}

// GraphAttributes returns the attributes identifying a graph.
func GraphAttributes(graphID string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(KeyGraphID, graphID)}
}

// NodeAttributes returns the attributes identifying a node.
func NodeAttributes(n *graph.Node) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyGraphID, n.GraphID),
		attribute.String(KeyNodeID, n.ID),
		attribute.String(KeyNodeType, string(n.Type)),
		attribute.String(KeyNodeState, string(n.State)),
	}
}

// TraceNode records a node on a span.
func TraceNode(span trace.Span, n *graph.Node) {
	span.SetAttributes(NodeAttributes(n)...)
	if n.Error != nil {
		span.SetAttributes(attribute.String("trpc.agent.dag.error_type", n.Error.Type))
	}
}

// Count adds n to the named counter of meter. Instrument errors are ignored so
// that telemetry never fails the engine.
func Count(ctx context.Context, meter metric.Meter, name string, n int64, attrs ...attribute.KeyValue) {
	if n == 0 {
		return
	}
	counter, err := meter.Int64Counter(name)
	if err != nil {
		return
	}
	counter.Add(ctx, n, metric.WithAttributes(attrs...))
}

// NewGRPCConn creates a new gRPC connection to the OpenTelemetry Collector.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	// Note the use of insecure transport here. TLS is recommended in production.
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
