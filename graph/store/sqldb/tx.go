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
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"trpc.group/trpc-go/trpc-agent-dag/event"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
)

type tx struct {
	tx   *sql.Tx
	d    Dialect
	done bool
}

func (t *tx) check() error {
	if t.done {
		return graph.ErrTxDone
	}
	return nil
}

func (t *tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.d.Rebind(query), args...)
}

func (t *tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.d.Rebind(query), args...)
}

// query runs a query and hands every row to fn, closing the rows afterwards.
func (t *tx) query(ctx context.Context, fn func(scanner) error, query string, args ...any) error {
	rows, err := t.tx.QueryContext(ctx, t.d.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("sqldb: query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqldb: rows iteration: %w", err)
	}
	return nil
}

func (t *tx) exists(ctx context.Context, table, id string) (bool, error) {
	var got string
	err := t.queryRow(ctx, "SELECT id FROM "+table+" WHERE id = ?", id).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqldb: lookup %s %s: %w", table, id, err)
	}
	return true, nil
}

// Commit commits the transaction.
func (t *tx) Commit() error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("sqldb: commit: %w", err)
	}
	return nil
}

// Rollback rolls back the transaction; it is a no-op once the transaction ended.
func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("sqldb: rollback: %w", err)
	}
	return nil
}

func (t *tx) LockGraph(ctx context.Context, graphID string) error {
	if err := t.check(); err != nil {
		return err
	}
	var got string
	err := t.queryRow(ctx, t.d.lockGraphQuery(), graphID).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", graph.ErrGraphNotFound, graphID)
	}
	if err != nil {
		return fmt.Errorf("sqldb: lock graph %s: %w", graphID, err)
	}
	return nil
}

func (t *tx) CreateGraph(ctx context.Context, g *graph.Graph) error {
	if err := t.check(); err != nil {
		return err
	}
	if g.ID == "" {
		return fmt.Errorf("%w: graph id", graph.ErrFieldRequired)
	}
	if ok, err := t.exists(ctx, TableGraphs, g.ID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: graph %s", graph.ErrAlreadyExists, g.ID)
	}
	meta, err := encodeJSON(g.Metadata)
	if err != nil {
		return err
	}
	if _, err := t.exec(ctx, "INSERT INTO graphs (id, metadata, created_at) VALUES (?, ?, ?)",
		g.ID, meta, toNanos(g.CreatedAt)); err != nil {
		return fmt.Errorf("sqldb: insert graph: %w", err)
	}
	return nil
}

func (t *tx) GetGraph(ctx context.Context, id string) (*graph.Graph, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var (
		g       graph.Graph
		meta    string
		created int64
	)
	err := t.queryRow(ctx, "SELECT id, metadata, created_at FROM graphs WHERE id = ?", id).
		Scan(&g.ID, &meta, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", graph.ErrGraphNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqldb: get graph: %w", err)
	}
	g.CreatedAt = fromNanos(created)
	if err := decodeJSON(meta, &g.Metadata); err != nil {
		return nil, err
	}
	return &g, nil
}

func (t *tx) ListGraphIDs(ctx context.Context, states ...graph.NodeState) ([]string, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	query := "SELECT id FROM graphs ORDER BY id"
	var args []any
	if len(states) > 0 {
		query = "SELECT DISTINCT graph_id FROM nodes WHERE compressed_into = '' AND state IN (" +
			placeholders(len(states)) + ") ORDER BY graph_id"
		for _, s := range states {
			args = append(args, string(s))
		}
	}
	var out []string
	err := t.query(ctx, func(s scanner) error {
		var id string
		if err := s.Scan(&id); err != nil {
			return err
		}
		out = append(out, id)
		return nil
	}, query, args...)
	return out, err
}

func (t *tx) CreateLane(ctx context.Context, l *graph.Lane) error {
	if err := t.check(); err != nil {
		return err
	}
	if l.ID == "" || l.GraphID == "" {
		return fmt.Errorf("%w: lane id and graph id", graph.ErrFieldRequired)
	}
	if err := t.requireGraph(ctx, l.GraphID); err != nil {
		return err
	}
	if ok, err := t.exists(ctx, TableLanes, l.ID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: lane %s", graph.ErrAlreadyExists, l.ID)
	}
	if _, err := t.exec(ctx, "INSERT INTO lanes ("+laneColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		l.ID, l.GraphID, l.Name, l.ParentLaneID, l.ForkNodeID, toNanos(l.CreatedAt)); err != nil {
		return fmt.Errorf("sqldb: insert lane: %w", err)
	}
	return nil
}

func (t *tx) requireGraph(ctx context.Context, graphID string) error {
	ok, err := t.exists(ctx, TableGraphs, graphID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", graph.ErrGraphNotFound, graphID)
	}
	return nil
}

func (t *tx) GetLane(ctx context.Context, id string) (*graph.Lane, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	l, err := scanLane(t.queryRow(ctx, "SELECT "+laneColumns+" FROM lanes WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", graph.ErrLaneNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqldb: get lane: %w", err)
	}
	return l, nil
}

func (t *tx) ListLanes(ctx context.Context, graphID string) ([]*graph.Lane, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var out []*graph.Lane
	err := t.query(ctx, func(s scanner) error {
		l, err := scanLane(s)
		if err != nil {
			return err
		}
		out = append(out, l)
		return nil
	}, "SELECT "+laneColumns+" FROM lanes WHERE graph_id = ? ORDER BY id", graphID)
	return out, err
}

func (t *tx) CreateTurn(ctx context.Context, turn *graph.Turn) error {
	if err := t.check(); err != nil {
		return err
	}
	if turn.ID == "" || turn.GraphID == "" {
		return fmt.Errorf("%w: turn id and graph id", graph.ErrFieldRequired)
	}
	if err := t.requireGraph(ctx, turn.GraphID); err != nil {
		return err
	}
	if ok, err := t.exists(ctx, TableTurns, turn.ID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: turn %s", graph.ErrAlreadyExists, turn.ID)
	}
	var seq int64
	if err := t.queryRow(ctx, "SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE graph_id = ?",
		turn.GraphID).Scan(&seq); err != nil {
		return fmt.Errorf("sqldb: next turn seq: %w", err)
	}
	if _, err := t.exec(ctx, "INSERT INTO turns ("+turnColumns+") VALUES (?, ?, ?, ?, ?)",
		turn.ID, turn.GraphID, turn.LaneID, seq, toNanos(turn.CreatedAt)); err != nil {
		return fmt.Errorf("sqldb: insert turn: %w", err)
	}
	turn.Seq = seq
	return nil
}

func (t *tx) ListTurns(ctx context.Context, graphID, laneID string) ([]*graph.Turn, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	query := "SELECT " + turnColumns + " FROM turns WHERE graph_id = ?"
	args := []any{graphID}
	if laneID != "" {
		query += " AND lane_id = ?"
		args = append(args, laneID)
	}
	query += " ORDER BY seq"
	var out []*graph.Turn
	err := t.query(ctx, func(s scanner) error {
		turn, err := scanTurn(s)
		if err != nil {
			return err
		}
		out = append(out, turn)
		return nil
	}, query, args...)
	return out, err
}

func (t *tx) CreateNode(ctx context.Context, n *graph.Node) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := n.Validate(); err != nil {
		return err
	}
	if err := t.requireGraph(ctx, n.GraphID); err != nil {
		return err
	}
	if ok, err := t.exists(ctx, TableNodes, n.ID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: node %s", graph.ErrAlreadyExists, n.ID)
	}
	n.Version = 1
	args, err := nodeArgs(n)
	if err != nil {
		return err
	}
	if _, err := t.exec(ctx, "INSERT INTO nodes ("+nodeColumns+") VALUES ("+placeholders(len(args))+")",
		args...); err != nil {
		return fmt.Errorf("sqldb: insert node: %w", err)
	}
	return nil
}

func (t *tx) GetNode(ctx context.Context, id string) (*graph.Node, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	n, err := scanNode(t.queryRow(ctx, "SELECT "+nodeColumns+" FROM nodes WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqldb: get node: %w", err)
	}
	return n, nil
}

func (t *tx) ListNodes(ctx context.Context, f graph.NodeFilter) ([]*graph.Node, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var w where
	w.eq("graph_id", f.GraphID)
	w.eq("lane_id", f.LaneID)
	w.eq("turn_id", f.TurnID)
	w.in("id", f.IDs)
	w.in("state", stateStrings(f.States))
	w.in("type", typeStrings(f.Types))
	if !f.IncludeCompressed {
		w.raw("compressed_into = ''")
	}
	var out []*graph.Node
	err := t.query(ctx, func(s scanner) error {
		n, err := scanNode(s)
		if err != nil {
			return err
		}
		out = append(out, n)
		return nil
	}, "SELECT "+nodeColumns+" FROM nodes"+w.String()+" ORDER BY id", w.args...)
	return out, err
}

// nodeUpdate sets every mutable column and bumps the version.
const nodeUpdate = "UPDATE nodes SET lane_id = ?, turn_id = ?, type = ?, state = ?, payload = ?, " +
	"metadata = ?, error = ?, compressed_into = ?, compressed_at = ?, claimed_by = ?, claimed_at = ?, " +
	"created_at = ?, finished_at = ?, version = version + 1 WHERE id = ?"

// updateArgs returns the nodeUpdate arguments, the node id last.
func updateArgs(n *graph.Node) ([]any, error) {
	args, err := nodeArgs(n)
	if err != nil {
		return nil, err
	}
	// Drop id, graph_id and version; move id to the end.
	out := append([]any{}, args[2:len(args)-1]...)
	return append(out, n.ID), nil
}

func (t *tx) UpdateNode(ctx context.Context, n *graph.Node) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := n.Validate(); err != nil {
		return err
	}
	args, err := updateArgs(n)
	if err != nil {
		return err
	}
	var version int64
	err = t.queryRow(ctx, nodeUpdate+" RETURNING version", args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", graph.ErrNodeNotFound, n.ID)
	}
	if err != nil {
		return fmt.Errorf("sqldb: update node: %w", err)
	}
	n.Version = version
	return nil
}

func (t *tx) SwapNode(ctx context.Context, n *graph.Node, expected graph.NodeState) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	if err := n.Validate(); err != nil {
		return false, err
	}
	args, err := updateArgs(n)
	if err != nil {
		return false, err
	}
	args = append(args, string(expected), n.Version)
	var version int64
	err = t.queryRow(ctx, nodeUpdate+" AND state = ? AND version = ? RETURNING version", args...).
		Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		ok, lookupErr := t.exists(ctx, TableNodes, n.ID)
		if lookupErr != nil {
			return false, lookupErr
		}
		if !ok {
			return false, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, n.ID)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqldb: swap node: %w", err)
	}
	n.Version = version
	return true, nil
}

func (t *tx) CreateEdge(ctx context.Context, e *graph.Edge) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if ok, err := t.exists(ctx, TableEdges, e.ID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: edge %s", graph.ErrAlreadyExists, e.ID)
	}
	for _, id := range []string{e.FromNodeID, e.ToNodeID} {
		ok, err := t.exists(ctx, TableNodes, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id)
		}
	}
	args, err := edgeArgs(e)
	if err != nil {
		return err
	}
	if _, err := t.exec(ctx, "INSERT INTO edges ("+edgeColumns+") VALUES ("+placeholders(len(args))+")",
		args...); err != nil {
		return fmt.Errorf("sqldb: insert edge: %w", err)
	}
	return nil
}

func (t *tx) GetEdge(ctx context.Context, id string) (*graph.Edge, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	e, err := scanEdge(t.queryRow(ctx, "SELECT "+edgeColumns+" FROM edges WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", graph.ErrEdgeNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqldb: get edge: %w", err)
	}
	return e, nil
}

func (t *tx) UpdateEdge(ctx context.Context, e *graph.Edge) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	meta, err := encodeJSON(e.Metadata)
	if err != nil {
		return err
	}
	res, err := t.exec(ctx, "UPDATE edges SET from_node_id = ?, to_node_id = ?, type = ?, metadata = ?, "+
		"compressed_into = ?, compressed_at = ? WHERE id = ?",
		e.FromNodeID, e.ToNodeID, string(e.Type), meta, e.Compression.SummaryNodeID,
		toNanos(e.Compression.At), e.ID)
	if err != nil {
		return fmt.Errorf("sqldb: update edge: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", graph.ErrEdgeNotFound, e.ID)
	}
	return nil
}

func (t *tx) ListEdges(ctx context.Context, f graph.EdgeFilter) ([]*graph.Edge, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var w where
	w.eq("graph_id", f.GraphID)
	w.in("from_node_id", f.FromNodeIDs)
	w.in("to_node_id", f.ToNodeIDs)
	w.in("type", edgeTypeStrings(f.Types))
	if !f.IncludeCompressed {
		w.raw("compressed_into = ''")
	}
	var out []*graph.Edge
	err := t.query(ctx, func(s scanner) error {
		e, err := scanEdge(s)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	}, "SELECT "+edgeColumns+" FROM edges"+w.String()+" ORDER BY id", w.args...)
	return out, err
}

func (t *tx) RecordEvent(ctx context.Context, e *event.Event) error {
	if err := t.check(); err != nil {
		return err
	}
	if e.ID == "" || e.GraphID == "" {
		return fmt.Errorf("%w: event id and graph id", graph.ErrFieldRequired)
	}
	particulars, err := encodeJSON(e.Particulars)
	if err != nil {
		return err
	}
	if _, err := t.exec(ctx, "INSERT INTO events ("+eventColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		e.ID, e.GraphID, string(e.Type), e.SubjectNodeID, particulars, toNanos(e.Timestamp)); err != nil {
		return fmt.Errorf("sqldb: insert event: %w", err)
	}
	return nil
}

func (t *tx) ListEvents(ctx context.Context, f graph.EventFilter) ([]*event.Event, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var w where
	w.eq("graph_id", f.GraphID)
	w.eq("subject_node_id", f.SubjectNodeID)
	types := make([]string, 0, len(f.Types))
	for _, typ := range f.Types {
		types = append(types, string(typ))
	}
	w.in("type", types)
	var out []*event.Event
	err := t.query(ctx, func(s scanner) error {
		e, err := scanEvent(s)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	}, "SELECT "+eventColumns+" FROM events"+w.String()+" ORDER BY id", w.args...)
	return out, err
}

// where accumulates AND-ed conditions with '?' placeholders.
type where struct {
	conds []string
	args  []any
}

func (w *where) eq(col, v string) {
	if v == "" {
		return
	}
	w.conds = append(w.conds, col+" = ?")
	w.args = append(w.args, v)
}

func (w *where) in(col string, vs []string) {
	if len(vs) == 0 {
		return
	}
	w.conds = append(w.conds, col+" IN ("+placeholders(len(vs))+")")
	for _, v := range vs {
		w.args = append(w.args, v)
	}
}

func (w *where) raw(cond string) {
	w.conds = append(w.conds, cond)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func stateStrings(states []graph.NodeState) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, string(s))
	}
	return out
}

func typeStrings(types []graph.NodeType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}

func edgeTypeStrings(types []graph.EdgeType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}
