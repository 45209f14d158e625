package lockmgr_test

import (
	"context"
	"testing"
	"time"

	"github.com/empicore/empi/pkg/apperrors"
	"github.com/empicore/empi/pkg/lockmgr"
	"github.com/empicore/empi/test/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireExclusive_NonBlockingFailsFastWhenHeld(t *testing.T) {
	client := dbtest.NewClient(t)
	ctx := context.Background()

	tx1, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx1.Rollback() }()

	require.NoError(t, lockmgr.New(tx1).AcquireExclusive(ctx, lockmgr.LockMatchUpdate, true))

	tx2, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx2.Rollback() }()

	err = lockmgr.New(tx2).AcquireExclusive(ctx, lockmgr.LockMatchUpdate, false)
	assert.ErrorIs(t, err, apperrors.ErrConcurrentMatchUpdates)
}

func TestTryShared_FailsFastWhenExclusiveHeld(t *testing.T) {
	client := dbtest.NewClient(t)
	ctx := context.Background()

	tx1, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx1.Rollback() }()
	require.NoError(t, lockmgr.New(tx1).AcquireExclusive(ctx, lockmgr.LockMatchUpdate, true))

	tx2, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx2.Rollback() }()

	err = lockmgr.New(tx2).TryShared(ctx, lockmgr.LockMatchUpdate)
	assert.ErrorIs(t, err, apperrors.ErrConcurrentMatchUpdates)
}

func TestTryShared_SucceedsWhenUncontended(t *testing.T) {
	client := dbtest.NewClient(t)
	ctx := context.Background()

	tx, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	assert.NoError(t, lockmgr.New(tx).TryShared(ctx, lockmgr.LockMatchUpdate))
}

func TestLocksReleaseOnTransactionEnd(t *testing.T) {
	client := dbtest.NewClient(t)
	ctx := context.Background()

	tx1, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, lockmgr.New(tx1).AcquireExclusive(ctx, lockmgr.LockMatchingJob, true))
	require.NoError(t, tx1.Rollback())

	tx2, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx2.Rollback() }()

	done := make(chan error, 1)
	go func() {
		done <- lockmgr.New(tx2).AcquireExclusive(ctx, lockmgr.LockMatchingJob, true)
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lock was not released when tx1 ended")
	}
}
