//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package runner executes claimed nodes and persists their outcome.
//
// A run loads the node, resolves its executor, assembles its history and calls
// the executor with every failure mode, panics included, normalized into an
// errored result. The outcome is written by a conditional transition from
// running, so a run whose claim was reclaimed in the meantime changes nothing.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-agent-dag/dispatch"
	"trpc.group/trpc-go/trpc-agent-dag/executor"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/history"
	itelemetry "trpc.group/trpc-go/trpc-agent-dag/internal/telemetry"
	"trpc.group/trpc-go/trpc-agent-dag/log"
	"trpc.group/trpc-go/trpc-agent-dag/mutation"
	"trpc.group/trpc-go/trpc-agent-dag/telemetry/metric"
	"trpc.group/trpc-go/trpc-agent-dag/telemetry/trace"
)

// DefaultPreviewLength is the number of runes kept in a derived output preview.
const DefaultPreviewLength = 200

// Run outcomes reported in metrics.
const (
	OutcomeFinished = "finished"
	OutcomeErrored  = "errored"
	OutcomeLost     = "lost"
	OutcomeSkipped  = "skipped"
)

// Option is a function that configures a Runner.
type Option func(*options)

type options struct {
	mutations  []mutation.Option
	history    []history.Option
	previewLen int
	now        func() time.Time
}

// WithMutationOptions sets options for the finalizing mutation, such as the tick
// enqueuer.
func WithMutationOptions(opts ...mutation.Option) Option {
	return func(o *options) {
		o.mutations = append(o.mutations, opts...)
	}
}

// WithHistoryOptions sets the options of the history handed to executors.
func WithHistoryOptions(opts ...history.Option) Option {
	return func(o *options) {
		o.history = append(o.history, opts...)
	}
}

// WithPreviewLength sets the length of derived output previews.
func WithPreviewLength(n int) Option {
	return func(o *options) {
		o.previewLen = n
	}
}

// WithClock overrides the clock used for finish timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Runner runs claimed nodes.
type Runner struct {
	store    graph.Store
	registry *executor.Registry
	history  *history.Builder
	opts     options
}

// New creates a Runner.
func New(store graph.Store, registry *executor.Registry, opts ...Option) *Runner {
	o := options{previewLen: DefaultPreviewLength, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Runner{
		store:    store,
		registry: registry,
		history:  history.NewBuilder(store),
		opts:     o,
	}
}

// Handler returns a dispatch handler running the job's node.
func (r *Runner) Handler() dispatch.Handler {
	return func(ctx context.Context, job dispatch.Job) error {
		_, err := r.Run(ctx, job.NodeID)
		return err
	}
}

// Run executes a running node and returns it as finalized. It returns nil
// without error when the node is not running, or when the node was reclaimed
// while the executor ran.
func (r *Runner) Run(ctx context.Context, nodeID string) (*graph.Node, error) {
	var node *graph.Node
	if err := graph.View(ctx, r.store, func(rd graph.Reader) error {
		var err error
		node, err = rd.GetNode(ctx, nodeID)
		return err
	}); err != nil {
		return nil, fmt.Errorf("runner: load node %s: %w", nodeID, err)
	}

	ctx, span := trace.Tracer.Start(ctx, itelemetry.NewRunNodeSpanName(node.Type))
	defer span.End()
	itelemetry.TraceNode(span, node)

	if node.State != graph.StateRunning {
		log.Debugf("runner: node %s is %s, nothing to run", node.ID, node.State)
		r.count(ctx, node, OutcomeSkipped)
		return nil, nil
	}

	entries, err := r.history.ContextFor(ctx, node.ID, r.opts.history...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("runner: history of node %s: %w", node.ID, err)
	}
	res := r.execute(ctx, r.registry.Resolve(node.Type), node, entries)

	final, err := r.finalize(ctx, node, res)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if final == nil {
		log.Warnf("runner: node %s lost its claim while running, result dropped", node.ID)
		r.count(ctx, node, OutcomeLost)
		return nil, nil
	}
	itelemetry.TraceNode(span, final)
	r.count(ctx, final, string(final.State))
	return final, nil
}

func (r *Runner) count(ctx context.Context, n *graph.Node, outcome string) {
	itelemetry.Count(ctx, metric.Meter, itelemetry.MetricNodeRuns, 1,
		attribute.String(itelemetry.KeyGraphID, n.GraphID),
		attribute.String(itelemetry.KeyNodeType, string(n.Type)),
		attribute.String(itelemetry.KeyOutcome, outcome))
}

// execute calls the executor and normalizes whatever it does into a terminal result.
func (r *Runner) execute(ctx context.Context, e executor.Executor, node *graph.Node,
	entries []history.Entry) (res *executor.Result) {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.NewExecuteSpanName(string(node.Type)))
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("runner: executor for node %s panicked: %v", node.ID, p)
			res = executor.Errored(graph.ErrorTypePanic, "panic: %v", p)
		}
		if res.Error != nil {
			span.SetStatus(codes.Error, res.Error.Error())
		}
	}()
	out, err := e.Execute(ctx, node.Clone(), append([]history.Entry(nil), entries...))
	return normalize(out, err)
}

func normalize(res *executor.Result, err error) *executor.Result {
	switch {
	case err != nil:
		var nerr *graph.NodeError
		if errors.As(err, &nerr) {
			return &executor.Result{State: graph.StateErrored, Error: nerr}
		}
		return executor.Errored(graph.ErrorTypeExecutor, "%v", err)
	case res == nil:
		return executor.Errored(graph.ErrorTypeInvalid, "executor returned no result")
	}
	out := *res
	switch out.State {
	case "":
		out.State = graph.StateFinished
	case graph.StateFinished, graph.StateErrored:
	default:
		return executor.Errored(graph.ErrorTypeInvalid, "executor returned non-terminal state %q", res.State)
	}
	if out.State == graph.StateErrored && out.Error == nil {
		out.Error = &graph.NodeError{Type: graph.ErrorTypeExecutor, Message: "executor reported a failure"}
	}
	if out.State == graph.StateFinished {
		out.Error = nil
	}
	return &out
}

// finalize writes the result if the node still holds the claim it ran under.
// It returns nil when the claim was lost.
func (r *Runner) finalize(ctx context.Context, claimed *graph.Node, res *executor.Result) (*graph.Node, error) {
	var final *graph.Node
	err := mutation.Do(ctx, r.store, claimed.GraphID, func(m *mutation.Mutation) error {
		cur, err := m.Node(claimed.ID)
		if err != nil {
			return err
		}
		if cur.State != graph.StateRunning || cur.ClaimedBy != claimed.ClaimedBy ||
			!cur.ClaimedAt.Equal(claimed.ClaimedAt) {
			return nil
		}
		cur.State = res.State
		cur.Payload.Output = res.Output
		cur.Payload.OutputPreview = res.OutputPreview
		if cur.Payload.OutputPreview == "" {
			cur.Payload.OutputPreview = preview(res.Output, r.opts.previewLen)
		}
		for k, v := range res.Metadata {
			cur.SetMetadata(k, v)
		}
		cur.Error = res.Error
		cur.FinishedAt = r.opts.now()
		ok, err := m.TransitionNode(ctx, cur, graph.StateRunning)
		if err != nil || !ok {
			return err
		}
		final = cur
		for _, e := range m.Index().ActiveOutgoing(cur.ID) {
			if next := m.Index().Node(e.ToNodeID); next != nil && next.State == graph.StatePending {
				m.MarkExecutable()
				break
			}
		}
		return nil
	}, r.opts.mutations...)
	if err != nil {
		return nil, fmt.Errorf("runner: finalize node %s: %w", claimed.ID, err)
	}
	return final, nil
}

func preview(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
