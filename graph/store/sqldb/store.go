//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package sqldb provides a database/sql backed graph store for SQLite and
// PostgreSQL. Conditional writes are expressed as
// UPDATE ... WHERE id = ? AND state = ? AND version = ?, so any number of
// processes can share one database.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"trpc.group/trpc-go/trpc-agent-dag/graph"
)

var _ graph.Store = (*Store)(nil)

// DB is the subset of *sql.DB used by the store.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Close() error
}

// Options is the options for the sql store.
type Options struct {
	dialect     Dialect
	skipMigrate bool
	txOptions   *sql.TxOptions
}

// Option is the option for the sql store.
type Option func(*Options)

// WithDialect sets the SQL dialect. Defaults to DialectSQLite.
func WithDialect(d Dialect) Option {
	return func(o *Options) {
		o.dialect = d
	}
}

// WithSkipMigrate disables schema creation on construction.
func WithSkipMigrate(skip bool) Option {
	return func(o *Options) {
		o.skipMigrate = skip
	}
}

// WithTxOptions sets the options passed to BeginTx.
func WithTxOptions(txOpts *sql.TxOptions) Option {
	return func(o *Options) {
		o.txOptions = txOpts
	}
}

// Store is a graph.Store over database/sql.
type Store struct {
	db   DB
	opts Options
}

// New creates a store over db and, unless disabled, creates the schema.
func New(ctx context.Context, db DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqldb: db is nil")
	}
	o := Options{dialect: DialectSQLite}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.skipMigrate {
		if err := Migrate(ctx, db, o.dialect); err != nil {
			return nil, err
		}
	}
	return &Store{db: db, opts: o}, nil
}

// Dialect returns the store dialect.
func (s *Store) Dialect() Dialect { return s.opts.dialect }

// Begin starts a database transaction.
func (s *Store) Begin(ctx context.Context) (graph.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, s.opts.txOptions)
	if err != nil {
		return nil, fmt.Errorf("sqldb: begin: %w", err)
	}
	return &tx{tx: sqlTx, d: s.opts.dialect}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
