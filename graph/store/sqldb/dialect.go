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
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between supported databases.
type Dialect string

const (
	// DialectSQLite targets SQLite through github.com/mattn/go-sqlite3.
	DialectSQLite Dialect = "sqlite3"
	// DialectPostgres targets PostgreSQL through github.com/jackc/pgx/v5/stdlib.
	DialectPostgres Dialect = "postgres"
)

// ParseDialect maps a driver or dialect name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("sqldb: unsupported dialect %q", name)
}

// Rebind rewrites '?' placeholders into the dialect's bind syntax.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// bigint is the column type used for integers holding unix nanoseconds.
func (d Dialect) bigint() string {
	if d == DialectPostgres {
		return "BIGINT"
	}
	return "INTEGER"
}

// lockGraphQuery returns the statement that takes the per-graph row lock.
// SQLite locks the whole database when a write transaction begins.
func (d Dialect) lockGraphQuery() string {
	if d == DialectPostgres {
		return "SELECT id FROM graphs WHERE id = ? FOR UPDATE"
	}
	return "SELECT id FROM graphs WHERE id = ?"
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
