//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package sqldb

import (
	"encoding/json"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-agent-dag/event"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
)

const (
	nodeColumns = "id, graph_id, lane_id, turn_id, type, state, payload, metadata, error, " +
		"compressed_into, compressed_at, claimed_by, claimed_at, created_at, finished_at, version"

	edgeColumns  = "id, graph_id, from_node_id, to_node_id, type, metadata, compressed_into, compressed_at, created_at"
	eventColumns = "id, graph_id, type, subject_node_id, particulars, ts"
	laneColumns  = "id, graph_id, name, parent_lane_id, fork_node_id, created_at"
	turnColumns  = "id, graph_id, lane_id, seq, created_at"
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Times are stored as unix nanoseconds, zero meaning unset.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// encodeJSON stores nil values as the empty string.
func encodeJSON(v any) (string, error) {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 0 {
			return "", nil
		}
	case *graph.NodeError:
		if x == nil {
			return "", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sqldb: encode json: %w", err)
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("sqldb: decode json: %w", err)
	}
	return nil
}

// nodeArgs returns the column values of n in nodeColumns order, id first.
func nodeArgs(n *graph.Node) ([]any, error) {
	payload, err := encodeJSON(n.Payload)
	if err != nil {
		return nil, err
	}
	meta, err := encodeJSON(n.Metadata)
	if err != nil {
		return nil, err
	}
	nodeErr, err := encodeJSON(n.Error)
	if err != nil {
		return nil, err
	}
	return []any{
		n.ID, n.GraphID, n.LaneID, n.TurnID, string(n.Type), string(n.State), payload, meta, nodeErr,
		n.Compression.SummaryNodeID, toNanos(n.Compression.At), n.ClaimedBy, toNanos(n.ClaimedAt),
		toNanos(n.CreatedAt), toNanos(n.FinishedAt), n.Version,
	}, nil
}

func scanNode(s scanner) (*graph.Node, error) {
	var (
		n                                          graph.Node
		typ, state, payload, meta, nodeErr         string
		compressedAt, claimedAt, created, finished int64
	)
	if err := s.Scan(&n.ID, &n.GraphID, &n.LaneID, &n.TurnID, &typ, &state, &payload, &meta, &nodeErr,
		&n.Compression.SummaryNodeID, &compressedAt, &n.ClaimedBy, &claimedAt, &created, &finished,
		&n.Version); err != nil {
		return nil, err
	}
	n.Type = graph.NodeType(typ)
	n.State = graph.NodeState(state)
	n.Compression.At = fromNanos(compressedAt)
	n.ClaimedAt = fromNanos(claimedAt)
	n.CreatedAt = fromNanos(created)
	n.FinishedAt = fromNanos(finished)
	if err := decodeJSON(payload, &n.Payload); err != nil {
		return nil, err
	}
	if err := decodeJSON(meta, &n.Metadata); err != nil {
		return nil, err
	}
	if nodeErr != "" {
		n.Error = &graph.NodeError{}
		if err := decodeJSON(nodeErr, n.Error); err != nil {
			return nil, err
		}
	}
	return &n, nil
}

func edgeArgs(e *graph.Edge) ([]any, error) {
	meta, err := encodeJSON(e.Metadata)
	if err != nil {
		return nil, err
	}
	return []any{
		e.ID, e.GraphID, e.FromNodeID, e.ToNodeID, string(e.Type), meta,
		e.Compression.SummaryNodeID, toNanos(e.Compression.At), toNanos(e.CreatedAt),
	}, nil
}

func scanEdge(s scanner) (*graph.Edge, error) {
	var (
		e                     graph.Edge
		typ, meta             string
		compressedAt, created int64
	)
	if err := s.Scan(&e.ID, &e.GraphID, &e.FromNodeID, &e.ToNodeID, &typ, &meta,
		&e.Compression.SummaryNodeID, &compressedAt, &created); err != nil {
		return nil, err
	}
	e.Type = graph.EdgeType(typ)
	e.Compression.At = fromNanos(compressedAt)
	e.CreatedAt = fromNanos(created)
	if err := decodeJSON(meta, &e.Metadata); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEvent(s scanner) (*event.Event, error) {
	var (
		e                event.Event
		typ, particulars string
		ts               int64
	)
	if err := s.Scan(&e.ID, &e.GraphID, &typ, &e.SubjectNodeID, &particulars, &ts); err != nil {
		return nil, err
	}
	e.Type = event.Type(typ)
	e.Timestamp = fromNanos(ts)
	if err := decodeJSON(particulars, &e.Particulars); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanLane(s scanner) (*graph.Lane, error) {
	var (
		l       graph.Lane
		created int64
	)
	if err := s.Scan(&l.ID, &l.GraphID, &l.Name, &l.ParentLaneID, &l.ForkNodeID, &created); err != nil {
		return nil, err
	}
	l.CreatedAt = fromNanos(created)
	return &l, nil
}

func scanTurn(s scanner) (*graph.Turn, error) {
	var (
		t       graph.Turn
		created int64
	)
	if err := s.Scan(&t.ID, &t.GraphID, &t.LaneID, &t.Seq, &created); err != nil {
		return nil, err
	}
	t.CreatedAt = fromNanos(created)
	return &t, nil
}
