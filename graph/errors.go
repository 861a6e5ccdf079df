//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package graph

import "errors"

// Errors.
var (
	ErrGraphNotFound    = errors.New("graph not found")
	ErrLaneNotFound     = errors.New("lane not found")
	ErrNodeNotFound     = errors.New("node not found")
	ErrEdgeNotFound     = errors.New("edge not found")
	ErrAlreadyExists    = errors.New("entity already exists")
	ErrFieldRequired    = errors.New("required field missing")
	ErrInvalidNodeType  = errors.New("invalid node type")
	ErrInvalidNodeState = errors.New("invalid node state")
	ErrInvalidEdgeType  = errors.New("invalid edge type")
	ErrCrossGraph       = errors.New("entities belong to different graphs")
	ErrCycle            = errors.New("edge would create a cycle")
	ErrTxDone           = errors.New("transaction already committed or rolled back")
)
