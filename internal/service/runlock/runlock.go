// Package runlock guards against two invocations working on the same ledger
// at once, using a Redis key with an owner token and a TTL.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/config"
)

// ErrLocked is returned when another invocation holds the lock
var ErrLocked = errors.New("another run is in progress")

// releaseScript deletes the key only if it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// Lease is a held lock
type Lease struct {
	locker *Locker
	token  string
}

func NewLocker(cfg *config.RunLockConfig, logger *zap.Logger) *Locker {
	var opt *redis.Options
	if strings.HasPrefix(cfg.Addr, "redis://") || strings.HasPrefix(cfg.Addr, "rediss://") {
		parsed, err := redis.ParseURL(cfg.Addr)
		if err == nil {
			opt = parsed
		}
	}
	if opt == nil {
		opt = &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	}

	return &Locker{
		client: redis.NewClient(opt),
		key:    cfg.Key,
		ttl:    config.Duration(cfg.TTL, 30*time.Minute),
		logger: logger,
	}
}

// Acquire takes the lock or returns ErrLocked
func (l *Locker) Acquire(ctx context.Context) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		holder, _ := l.client.Get(ctx, l.key).Result()
		l.logger.Warn("Run lock is held", zap.String("key", l.key), zap.String("holder", holder))
		return nil, ErrLocked
	}

	l.logger.Debug("Run lock acquired", zap.String("key", l.key), zap.Duration("ttl", l.ttl))
	return &Lease{locker: l, token: token}, nil
}

// Release gives the lock back. Releasing an expired or stolen lock is a no-op.
func (s *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, s.locker.client, []string{s.locker.key}, s.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	if n == 0 {
		s.locker.logger.Warn("Run lock was no longer ours at release", zap.String("key", s.locker.key))
	}
	return nil
}

func (l *Locker) Close() error {
	return l.client.Close()
}
