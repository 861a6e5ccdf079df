//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/log"
)

// DefaultSweepInterval is how often a worker ticks every graph with work left.
const DefaultSweepInterval = 5 * time.Second

// Consumer pulls jobs from an external queue until ctx is done.
type Consumer func(ctx context.Context) error

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithSweepInterval sets the period of the sweep. Zero or less disables it.
func WithSweepInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.interval = d
	}
}

// WithConsumer adds a queue consumer run alongside the sweep.
func WithConsumer(c Consumer) WorkerOption {
	return func(w *Worker) {
		w.consumers = append(w.consumers, c)
	}
}

// WithCompaction makes each sweep compact the lanes of the graphs it ticks.
// It requires WithSummarizer on the engine.
func WithCompaction(enabled bool) WorkerOption {
	return func(w *Worker) {
		w.compact = enabled
	}
}

// Worker keeps an engine's graphs moving. The sweep catches what no mutation
// asked for: expired claims and ticks lost with a crashed process.
type Worker struct {
	engine    *Engine
	interval  time.Duration
	consumers []Consumer
	compact   bool
}

// NewWorker creates a Worker for the engine.
func (e *Engine) NewWorker(opts ...WorkerOption) *Worker {
	w := &Worker{engine: e, interval: DefaultSweepInterval}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps and consumes until ctx is done or a consumer fails.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if w.interval > 0 {
		g.Go(func() error {
			t := time.NewTicker(w.interval)
			defer t.Stop()
			for {
				if err := w.Sweep(gctx); err != nil {
					log.Warnf("engine: sweep: %v", err)
				}
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
				}
			}
		})
	}
	for _, c := range w.consumers {
		g.Go(func() error {
			return c(gctx)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return err
}

// Sweep ticks every graph holding pending or running nodes once.
func (w *Worker) Sweep(ctx context.Context) error {
	var ids []string
	err := graph.View(ctx, w.engine.store, func(r graph.Reader) error {
		var err error
		ids, err = r.ListGraphIDs(ctx, graph.StatePending, graph.StateRunning)
		return err
	})
	if err != nil {
		return fmt.Errorf("list graphs: %w", err)
	}
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := w.engine.Tick(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("tick graph %s: %w", id, err))
			continue
		}
		if w.compact {
			if err := w.compactGraph(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (w *Worker) compactGraph(ctx context.Context, graphID string) error {
	var lanes []*graph.Lane
	err := graph.View(ctx, w.engine.store, func(r graph.Reader) error {
		var err error
		lanes, err = r.ListLanes(ctx, graphID)
		return err
	})
	if err != nil {
		return fmt.Errorf("list lanes of graph %s: %w", graphID, err)
	}
	for _, l := range lanes {
		summary, err := w.engine.Compact(ctx, graphID, l.ID)
		if err != nil {
			return fmt.Errorf("compact lane %s: %w", l.ID, err)
		}
		if summary != nil {
			log.Infof("engine: compacted lane %s of graph %s into %s", l.ID, graphID, summary.ID)
		}
	}
	return nil
}
