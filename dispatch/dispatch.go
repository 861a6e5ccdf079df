//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package dispatch hands claimed nodes to runners "soon", at least once. A job
// delivered twice is harmless: the runner only acts on a node still running.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatch: dispatcher closed")

// Job asks a runner to execute one claimed node.
type Job struct {
	GraphID string `json:"graphId"`
	NodeID  string `json:"nodeId"`
}

// String implements fmt.Stringer.
func (j Job) String() string {
	return fmt.Sprintf("%s/%s", j.GraphID, j.NodeID)
}

// Encode serializes a job for queue transports.
func (j Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob parses a job serialized by Encode.
func DecodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("dispatch: decode job: %w", err)
	}
	if j.GraphID == "" || j.NodeID == "" {
		return Job{}, fmt.Errorf("dispatch: decode job: incomplete job %q", data)
	}
	return j, nil
}

// Handler runs a job.
type Handler func(ctx context.Context, job Job) error

// Dispatcher schedules jobs for asynchronous execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// Func adapts a function to a Dispatcher.
type Func func(ctx context.Context, job Job) error

// Dispatch implements Dispatcher.
func (f Func) Dispatch(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Inline returns a Dispatcher that runs h synchronously on the caller.
func Inline(h Handler) Dispatcher {
	return Func(func(ctx context.Context, job Job) error {
		return h(ctx, job)
	})
}
