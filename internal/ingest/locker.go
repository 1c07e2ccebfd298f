package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultLockWait bounds how long a job queues behind another job for the
// same estimation before giving up with ErrJobInProgress.
const DefaultLockWait = 2 * time.Minute

const lockRetryInterval = 250 * time.Millisecond

// Locker serializes jobs per estimation id. Acquire waits for a held id to
// be released and returns ErrJobInProgress when the wait runs out.
type Locker interface {
	Acquire(ctx context.Context, estimationID string) (release func(), err error)
}

// LocalLocker serializes jobs inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
	wait time.Duration
}

// NewLocalLocker creates a locker whose Acquire waits up to wait for a held
// id. A zero wait fails at once.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{held: make(map[string]chan struct{}), wait: wait}
}

func (l *LocalLocker) Acquire(ctx context.Context, estimationID string) (func(), error) {
	var timeout <-chan time.Time
	if l.wait > 0 {
		t := time.NewTimer(l.wait)
		defer t.Stop()
		timeout = t.C
	}
	for {
		l.mu.Lock()
		released, busy := l.held[estimationID]
		if !busy {
			mine := make(chan struct{})
			l.held[estimationID] = mine
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, estimationID)
					l.mu.Unlock()
					close(mine)
				})
			}, nil
		}
		l.mu.Unlock()

		if timeout == nil {
			return nil, ErrJobInProgress
		}
		select {
		case <-released:
		case <-timeout:
			return nil, ErrJobInProgress
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// RedisLocker serializes jobs across workers with a redis lock that is
// refreshed for as long as the job runs.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
	logger logrus.FieldLogger
}

// NewRedisLocker creates a locker on rdb. ttl bounds how long a crashed
// worker can hold an id; wait bounds how long Acquire polls a held id.
func NewRedisLocker(rdb redis.UniversalClient, ttl, wait time.Duration, logger logrus.FieldLogger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisLocker{client: redislock.New(rdb), ttl: ttl, wait: wait, logger: logger}
}

func lockKey(estimationID string) string {
	return fmt.Sprintf("lock:ingest:%s", estimationID)
}

func (l *RedisLocker) Acquire(ctx context.Context, estimationID string) (func(), error) {
	var opts *redislock.Options
	obtainCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		obtainCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
		opts = &redislock.Options{RetryStrategy: redislock.LinearBackoff(lockRetryInterval)}
	}

	lock, err := l.client.Obtain(obtainCtx, lockKey(estimationID), l.ttl, opts)
	switch {
	case err == nil:
	case errors.Is(err, redislock.ErrNotObtained):
		return nil, ErrJobInProgress
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case obtainCtx.Err() != nil:
		return nil, ErrJobInProgress
	default:
		return nil, fmt.Errorf("obtain lock: %w", err)
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := lock.Refresh(context.Background(), l.ttl, nil); err != nil {
					l.logger.WithField("estimation_id", estimationID).WithError(err).Warn("[ingest.lock] Failed to refresh lock")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.logger.WithField("estimation_id", estimationID).WithError(err).Warn("[ingest.lock] Failed to release lock")
			}
		})
	}, nil
}
