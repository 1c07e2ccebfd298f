// Package jobs tracks ingestion runs for status polling and pushes state
// changes to subscribers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/pkg/pipeline"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Tracker stores the latest status of each run.
type Tracker interface {
	Save(ctx context.Context, status pipeline.RunStatus) error
	Get(ctx context.Context, runID string) (*pipeline.RunStatus, error)
}

// MemoryTracker keeps statuses in process memory.
type MemoryTracker struct {
	mu   sync.RWMutex
	runs map[string]pipeline.RunStatus
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{runs: make(map[string]pipeline.RunStatus)}
}

func (t *MemoryTracker) Save(ctx context.Context, status pipeline.RunStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[status.RunID] = status
	return nil
}

func (t *MemoryTracker) Get(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return &s, nil
}

// DefaultStatusTTL is how long run statuses stay in redis.
const DefaultStatusTTL = 7 * 24 * time.Hour

// RedisTracker shares statuses between workers and API replicas.
type RedisTracker struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisTracker(rdb redis.UniversalClient, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &RedisTracker{rdb: rdb, ttl: ttl}
}

func statusKey(runID string) string {
	return "trojan:run:" + runID
}

func (t *RedisTracker) Save(ctx context.Context, status pipeline.RunStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := t.rdb.Set(ctx, statusKey(status.RunID), data, t.ttl).Err(); err != nil {
		return fmt.Errorf("save run status: %w", err)
	}
	return nil
}

func (t *RedisTracker) Get(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	data, err := t.rdb.Get(ctx, statusKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run status: %w", err)
	}
	var s pipeline.RunStatus
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode run status: %w", err)
	}
	return &s, nil
}
