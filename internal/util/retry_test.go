package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDatabaseLocked(t *testing.T) {
	t.Parallel()

	assert.False(t, IsDatabaseLocked(nil))
	assert.False(t, IsDatabaseLocked(errors.New("no such table")))
	assert.True(t, IsDatabaseLocked(errors.New("insert name: database is locked")))
	assert.True(t, IsDatabaseLocked(errors.New("SQLITE_BUSY")))
}

func TestRetryDatabaseLocked(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	}, DatabaseRetryOptions(context.Background())...)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryDatabaseOtherErrorNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	boom := errors.New("constraint failed")
	err := Retry(context.Background(), func() error {
		calls++
		return boom
	}, DatabaseRetryOptions(context.Background())...)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryWithResult(t *testing.T) {
	t.Parallel()

	calls := 0
	v, err := RetryWithResult(context.Background(), func() (int32, error) {
		calls++
		if calls < 3 {
			return 0, ErrLockBusy
		}
		return 42, nil
	}, FileLockRetryOptions(context.Background(), 500*time.Millisecond)...)
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)
	assert.Equal(t, 3, calls)
}

func TestFileLockRetryGivesUp(t *testing.T) {
	t.Parallel()

	err := Retry(context.Background(), func() error {
		return ErrLockBusy
	}, FileLockRetryOptions(context.Background(), 100*time.Millisecond)...)
	require.ErrorIs(t, err, ErrLockBusy)
}
