// Package narrative persists per-job narration entries so that reconnecting
// streams can replay them before attaching to live events.
package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"jobrelay/internal/models"
)

// Log is an append-only, ordered list of narration entries per job.
type Log interface {
	// Append stores evt and returns its sequence number, starting at 1.
	Append(ctx context.Context, jobID string, evt models.NarrativeEvent) (int64, error)
	// List returns every entry for the job in append order with Seq set.
	List(ctx context.Context, jobID string) ([]models.NarrativeEvent, error)
}

// RedisLog stores entries in a Redis list that expires with the job's TTL.
type RedisLog struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Log = (*RedisLog)(nil)

// NewRedisLog builds a log; ttl <= 0 disables expiry.
func NewRedisLog(client *redis.Client, ttl time.Duration) *RedisLog {
	return &RedisLog{client: client, prefix: "narrative:", ttl: ttl}
}

func (l *RedisLog) key(jobID string) string {
	return l.prefix + jobID
}

func (l *RedisLog) Append(ctx context.Context, jobID string, evt models.NarrativeEvent) (int64, error) {
	evt.Seq = 0
	payload, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("marshal narrative event: %w", err)
	}
	pipe := l.client.TxPipeline()
	push := pipe.RPush(ctx, l.key(jobID), payload)
	if l.ttl > 0 {
		pipe.Expire(ctx, l.key(jobID), l.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("append narrative %s: %w", jobID, err)
	}
	return push.Val(), nil
}

func (l *RedisLog) List(ctx context.Context, jobID string) ([]models.NarrativeEvent, error) {
	raw, err := l.client.LRange(ctx, l.key(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list narrative %s: %w", jobID, err)
	}
	out := make([]models.NarrativeEvent, 0, len(raw))
	for i, item := range raw {
		var evt models.NarrativeEvent
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			return nil, fmt.Errorf("decode narrative %s: %w", jobID, err)
		}
		evt.Seq = int64(i + 1)
		out = append(out, evt)
	}
	return out, nil
}

// MemoryLog is an in-process Log used by tests and single-process setups.
type MemoryLog struct {
	mu      sync.Mutex
	entries map[string][]models.NarrativeEvent
}

var _ Log = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: make(map[string][]models.NarrativeEvent)}
}

func (l *MemoryLog) Append(_ context.Context, jobID string, evt models.NarrativeEvent) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	evt.Seq = int64(len(l.entries[jobID]) + 1)
	l.entries[jobID] = append(l.entries[jobID], evt)
	return evt.Seq, nil
}

func (l *MemoryLog) List(_ context.Context, jobID string) ([]models.NarrativeEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.NarrativeEvent(nil), l.entries[jobID]...), nil
}
