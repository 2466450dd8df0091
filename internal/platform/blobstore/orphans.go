package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// OrphanCandidate is a stored object that may no longer be referenced by any
// patient record, typically because a step-4 submission failed after its
// uploads succeeded.
type OrphanCandidate struct {
	Key        string    `json:"key"`
	Reason     string    `json:"reason"`
	ReportedBy string    `json:"reportedBy"`
	ReportedAt time.Time `json:"reportedAt"`
}

// OrphanLedger records candidates until reconciliation resolves them.
// Re-reporting a key keeps its first report time.
type OrphanLedger interface {
	Add(ctx context.Context, candidates ...OrphanCandidate) error
	// Due returns up to limit candidates reported at or before cutoff, oldest first.
	Due(ctx context.Context, cutoff time.Time, limit int) ([]OrphanCandidate, error)
	Remove(ctx context.Context, keys ...string) error
}

// ---------------------------------------------------------------------------
// In-memory ledger
// ---------------------------------------------------------------------------

type MemoryOrphanLedger struct {
	mu         sync.Mutex
	candidates map[string]OrphanCandidate
}

func NewMemoryOrphanLedger() *MemoryOrphanLedger {
	return &MemoryOrphanLedger{candidates: make(map[string]OrphanCandidate)}
}

func (l *MemoryOrphanLedger) Add(_ context.Context, candidates ...OrphanCandidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range candidates {
		if _, ok := l.candidates[c.Key]; ok {
			continue
		}
		l.candidates[c.Key] = c
	}
	return nil
}

func (l *MemoryOrphanLedger) Due(_ context.Context, cutoff time.Time, limit int) ([]OrphanCandidate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []OrphanCandidate
	for _, c := range l.candidates {
		if !c.ReportedAt.After(cutoff) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReportedAt.Equal(out[j].ReportedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].ReportedAt.Before(out[j].ReportedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryOrphanLedger) Remove(_ context.Context, keys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		delete(l.candidates, k)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Redis ledger
// ---------------------------------------------------------------------------

// RedisOrphanLedger keeps candidates in a sorted set scored by report time
// plus a hash of candidate details, both under prefix.
type RedisOrphanLedger struct {
	rdb    goredis.Cmdable
	dueKey string
	infoKy string
}

func NewRedisOrphanLedger(rdb goredis.Cmdable, prefix string) *RedisOrphanLedger {
	if prefix == "" {
		prefix = "aligner:orphans"
	}
	return &RedisOrphanLedger{rdb: rdb, dueKey: prefix + ":due", infoKy: prefix + ":info"}
}

func (l *RedisOrphanLedger) Add(ctx context.Context, candidates ...OrphanCandidate) error {
	if len(candidates) == 0 {
		return nil
	}
	_, err := l.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, c := range candidates {
			info, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("encode orphan candidate: %w", err)
			}
			pipe.ZAddNX(ctx, l.dueKey, goredis.Z{Score: float64(c.ReportedAt.Unix()), Member: c.Key})
			pipe.HSetNX(ctx, l.infoKy, c.Key, info)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record orphan candidates: %w", err)
	}
	return nil
}

func (l *RedisOrphanLedger) Due(ctx context.Context, cutoff time.Time, limit int) ([]OrphanCandidate, error) {
	rng := &goredis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(cutoff.Unix(), 10)}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	keys, err := l.rdb.ZRangeByScore(ctx, l.dueKey, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("list orphan candidates: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	infos, err := l.rdb.HMGet(ctx, l.infoKy, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load orphan candidates: %w", err)
	}

	out := make([]OrphanCandidate, 0, len(keys))
	for i, key := range keys {
		c := OrphanCandidate{Key: key}
		if s, ok := infos[i].(string); ok {
			_ = json.Unmarshal([]byte(s), &c)
		}
		out = append(out, c)
	}
	return out, nil
}

func (l *RedisOrphanLedger) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	_, err := l.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, l.dueKey, members...)
		pipe.HDel(ctx, l.infoKy, keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove orphan candidates: %w", err)
	}
	return nil
}
