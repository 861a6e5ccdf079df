//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package sqlite opens SQLite databases configured for the SQL graph store:
// write transactions take the database lock up front, readers wait for writers
// instead of failing, and the journal runs in WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver for database/sql
)

// DriverName is the database/sql driver registered by go-sqlite3.
const DriverName = "sqlite3"

// DefaultBusyTimeout is how long a connection waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

type options struct {
	busyTimeout time.Duration
	memory      bool
}

// Option configures Open.
type Option func(*options)

// WithBusyTimeout sets how long a connection waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		o.busyTimeout = d
	}
}

// DSN returns the go-sqlite3 data source name of the database file at path.
func DSN(path string, opts ...Option) string {
	o := options{busyTimeout: DefaultBusyTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("_busy_timeout", strconv.FormatInt(o.busyTimeout.Milliseconds(), 10))
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	return "file:" + path + "?" + q.Encode()
}

// Open opens and pings the database file at path.
func Open(ctx context.Context, path string, opts ...Option) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is empty")
	}
	db, err := sql.Open(DriverName, DSN(path, opts...))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}
	return db, nil
}
