//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package postgres provides a lock.Locker on PostgreSQL session advisory locks.
// Each lease pins one pooled connection; the server drops the lock when that
// connection dies, so a crashed holder never blocks a graph.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"

	"trpc.group/trpc-go/trpc-agent-dag/lock"
)

var _ lock.Locker = (*Locker)(nil)

// Conner pins pooled connections. *sql.DB implements it.
type Conner interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// Locker is an advisory lock.Locker.
type Locker struct {
	db Conner
}

// New creates a Locker over db.
func New(db Conner) (*Locker, error) {
	if db == nil {
		return nil, fmt.Errorf("lock/postgres: db is nil")
	}
	return &Locker{db: db}, nil
}

// LockID maps a key onto the 64-bit advisory lock space.
func LockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// TryLock implements lock.Locker.
func (l *Locker) TryLock(ctx context.Context, key string) (lock.Lease, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("lock/postgres: acquire connection: %w", err)
	}
	id := LockID(key)
	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("lock/postgres: try lock %s: %w", key, err)
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}
	return &lease{conn: conn, key: key, id: id}, true, nil
}

type lease struct {
	conn *sql.Conn
	key  string
	id   int64
}

func (le *lease) Key() string { return le.key }

func (le *lease) Release(ctx context.Context) error {
	if le.conn == nil {
		return nil
	}
	conn := le.conn
	le.conn = nil
	defer conn.Close()
	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", le.id).Scan(&ok); err != nil {
		return fmt.Errorf("lock/postgres: unlock %s: %w", le.key, err)
	}
	if !ok {
		return lock.ErrNotHeld
	}
	return nil
}
