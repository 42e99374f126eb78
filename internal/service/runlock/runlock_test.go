package runlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/config"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	l := NewLocker(&config.RunLockConfig{Addr: mr.Addr(), Key: "storyrelay:run", TTL: "1m"}, zap.NewNop())
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLocker(t)

	lease, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists("storyrelay:run"))
	assert.Equal(t, time.Minute, mr.TTL("storyrelay:run"))

	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("storyrelay:run"))

	again, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestReleaseDoesNotStealForeignLock(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLocker(t)

	lease, err := l.Acquire(ctx)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	require.NoError(t, mr.Set("storyrelay:run", "someone-else"))

	require.NoError(t, lease.Release(ctx))
	got, err := mr.Get("storyrelay:run")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestExpiredLockCanBeRetaken(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLocker(t)

	_, err := l.Acquire(ctx)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	_, err = l.Acquire(ctx)
	assert.NoError(t, err)
}

func TestAcquireUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	l := NewLocker(&config.RunLockConfig{Addr: addr, Key: "k", TTL: "1m"}, zap.NewNop())
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := l.Acquire(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLocked)
}
