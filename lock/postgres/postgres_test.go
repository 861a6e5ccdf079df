//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-dag/lock"
)

var (
	tryLockQuery = regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")
	unlockQuery  = regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")
)

func TestLockID_Stable(t *testing.T) {
	assert.Equal(t, LockID(lock.TickKey("g1")), LockID(lock.TickKey("g1")))
	assert.NotEqual(t, LockID(lock.TickKey("g1")), LockID(lock.TickKey("g2")))
}

func TestLocker_AcquireAndRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	l, err := New(db)
	require.NoError(t, err)

	id := LockID("k")
	mock.ExpectQuery(tryLockQuery).WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(unlockQuery).WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	lease, ok, err := l.TryLock(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "k", lease.Key())
	require.NoError(t, lease.Release(context.Background()))
	require.NoError(t, lease.Release(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Contended(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	l, err := New(db)
	require.NoError(t, err)

	mock.ExpectQuery(tryLockQuery).WithArgs(LockID("k")).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	lease, ok, err := l.TryLock(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, lease)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Errors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	l, err := New(db)
	require.NoError(t, err)

	mock.ExpectQuery(tryLockQuery).WillReturnError(errors.New("connection reset"))
	_, ok, err := l.TryLock(context.Background(), "k")
	assert.False(t, ok)
	assert.Error(t, err)

	mock.ExpectQuery(tryLockQuery).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(unlockQuery).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(false))
	lease, ok, err := l.TryLock(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.ErrorIs(t, lease.Release(context.Background()), lock.ErrNotHeld)

	_, err = New(nil)
	assert.Error(t, err)
}
