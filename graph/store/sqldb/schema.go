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
	"fmt"
)

// Table names.
const (
	TableGraphs     = "graphs"
	TableLanes      = "lanes"
	TableTurns      = "turns"
	TableNodes      = "nodes"
	TableEdges      = "edges"
	TableEvents     = "events"
	TableGraphLocks = "graph_locks"
)

// schema returns the DDL statements for the dialect, in creation order.
func schema(d Dialect) []string {
	bigint := d.bigint()
	return []string{
		"CREATE TABLE IF NOT EXISTS graphs (" +
			"id TEXT PRIMARY KEY, " +
			"metadata TEXT NOT NULL DEFAULT '', " +
			"created_at " + bigint + " NOT NULL DEFAULT 0)",

		"CREATE TABLE IF NOT EXISTS lanes (" +
			"id TEXT PRIMARY KEY, " +
			"graph_id TEXT NOT NULL, " +
			"name TEXT NOT NULL DEFAULT '', " +
			"parent_lane_id TEXT NOT NULL DEFAULT '', " +
			"fork_node_id TEXT NOT NULL DEFAULT '', " +
			"created_at " + bigint + " NOT NULL DEFAULT 0)",

		"CREATE TABLE IF NOT EXISTS turns (" +
			"id TEXT PRIMARY KEY, " +
			"graph_id TEXT NOT NULL, " +
			"lane_id TEXT NOT NULL DEFAULT '', " +
			"seq " + bigint + " NOT NULL, " +
			"created_at " + bigint + " NOT NULL DEFAULT 0, " +
			"UNIQUE (graph_id, seq))",

		"CREATE TABLE IF NOT EXISTS nodes (" +
			"id TEXT PRIMARY KEY, " +
			"graph_id TEXT NOT NULL, " +
			"lane_id TEXT NOT NULL DEFAULT '', " +
			"turn_id TEXT NOT NULL DEFAULT '', " +
			"type TEXT NOT NULL, " +
			"state TEXT NOT NULL, " +
			"payload TEXT NOT NULL DEFAULT '', " +
			"metadata TEXT NOT NULL DEFAULT '', " +
			"error TEXT NOT NULL DEFAULT '', " +
			"compressed_into TEXT NOT NULL DEFAULT '', " +
			"compressed_at " + bigint + " NOT NULL DEFAULT 0, " +
			"claimed_by TEXT NOT NULL DEFAULT '', " +
			"claimed_at " + bigint + " NOT NULL DEFAULT 0, " +
			"created_at " + bigint + " NOT NULL DEFAULT 0, " +
			"finished_at " + bigint + " NOT NULL DEFAULT 0, " +
			"version " + bigint + " NOT NULL DEFAULT 1)",

		"CREATE INDEX IF NOT EXISTS idx_nodes_graph_state ON nodes (graph_id, state)",

		"CREATE TABLE IF NOT EXISTS edges (" +
			"id TEXT PRIMARY KEY, " +
			"graph_id TEXT NOT NULL, " +
			"from_node_id TEXT NOT NULL, " +
			"to_node_id TEXT NOT NULL, " +
			"type TEXT NOT NULL, " +
			"metadata TEXT NOT NULL DEFAULT '', " +
			"compressed_into TEXT NOT NULL DEFAULT '', " +
			"compressed_at " + bigint + " NOT NULL DEFAULT 0, " +
			"created_at " + bigint + " NOT NULL DEFAULT 0)",

		"CREATE INDEX IF NOT EXISTS idx_edges_graph ON edges (graph_id)",

		"CREATE TABLE IF NOT EXISTS events (" +
			"id TEXT PRIMARY KEY, " +
			"graph_id TEXT NOT NULL, " +
			"type TEXT NOT NULL, " +
			"subject_node_id TEXT NOT NULL DEFAULT '', " +
			"particulars TEXT NOT NULL DEFAULT '', " +
			"ts " + bigint + " NOT NULL DEFAULT 0)",

		"CREATE INDEX IF NOT EXISTS idx_events_graph ON events (graph_id)",

		"CREATE TABLE IF NOT EXISTS graph_locks (" +
			"graph_id TEXT PRIMARY KEY, " +
			"owner TEXT NOT NULL, " +
			"expires_at " + bigint + " NOT NULL)",
	}
}

// Migrate creates the tables and indexes used by the store and the sql graph
// locker. It is idempotent.
func Migrate(ctx context.Context, db DB, d Dialect) error {
	for _, stmt := range schema(d) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqldb: migrate: %w", err)
		}
	}
	return nil
}
