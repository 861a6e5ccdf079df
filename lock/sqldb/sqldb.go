//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package sqldb provides a lock.Locker for databases without advisory locks: a
// lease row in the graph_locks table, created by the SQL graph store migration.
// An expired row is deleted by the next contender; the insert decides the winner.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-agent-dag/graph/store/sqldb"
	"trpc.group/trpc-go/trpc-agent-dag/lock"
)

var _ lock.Locker = (*Locker)(nil)

const (
	deleteExpired = "DELETE FROM " + sqldb.TableGraphLocks + " WHERE graph_id = ? AND expires_at < ?"
	insertLease   = "INSERT INTO " + sqldb.TableGraphLocks + " (graph_id, owner, expires_at) VALUES (?, ?, ?) " +
		"ON CONFLICT (graph_id) DO NOTHING"
	deleteLease = "DELETE FROM " + sqldb.TableGraphLocks + " WHERE graph_id = ? AND owner = ?"
)

// Execer is the subset of *sql.DB used by the locker.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type options struct {
	dialect sqldb.Dialect
	ttl     time.Duration
	owner   string
	now     func() time.Time
}

// Option configures a Locker.
type Option func(*options)

// WithDialect sets the SQL dialect. Defaults to SQLite.
func WithDialect(d sqldb.Dialect) Option {
	return func(o *options) {
		o.dialect = d
	}
}

// WithTTL sets the lease duration.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithOwner prefixes lease owners with a worker identity, for inspection.
func WithOwner(owner string) Option {
	return func(o *options) {
		o.owner = owner
	}
}

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Locker is a lease-row lock.Locker.
type Locker struct {
	db   Execer
	opts options
}

// New creates a Locker over db.
func New(db Execer, opts ...Option) (*Locker, error) {
	if db == nil {
		return nil, fmt.Errorf("lock/sqldb: db is nil")
	}
	o := options{dialect: sqldb.DialectSQLite, ttl: lock.DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		return nil, fmt.Errorf("lock/sqldb: ttl must be positive, got %s", o.ttl)
	}
	return &Locker{db: db, opts: o}, nil
}

// TryLock implements lock.Locker.
func (l *Locker) TryLock(ctx context.Context, key string) (lock.Lease, bool, error) {
	now := l.opts.now()
	if _, err := l.db.ExecContext(ctx, l.opts.dialect.Rebind(deleteExpired), key, now.UnixNano()); err != nil {
		return nil, false, fmt.Errorf("lock/sqldb: expire %s: %w", key, err)
	}
	owner := uuid.NewString()
	if l.opts.owner != "" {
		owner = l.opts.owner + "/" + owner
	}
	res, err := l.db.ExecContext(ctx, l.opts.dialect.Rebind(insertLease),
		key, owner, now.Add(l.opts.ttl).UnixNano())
	if err != nil {
		return nil, false, fmt.Errorf("lock/sqldb: insert %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("lock/sqldb: insert %s: %w", key, err)
	}
	if n == 0 {
		return nil, false, nil
	}
	return &lease{locker: l, key: key, owner: owner}, true, nil
}

type lease struct {
	locker   *Locker
	key      string
	owner    string
	released bool
}

func (le *lease) Key() string { return le.key }

func (le *lease) Release(ctx context.Context) error {
	if le.released {
		return nil
	}
	le.released = true
	l := le.locker
	res, err := l.db.ExecContext(ctx, l.opts.dialect.Rebind(deleteLease), le.key, le.owner)
	if err != nil {
		return fmt.Errorf("lock/sqldb: release %s: %w", le.key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return lock.ErrNotHeld
	}
	return nil
}
