package store

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when a key doesn't exist
var ErrKeyNotFound = errors.New("key not found")

// ScoredMember represents a member with its score in sorted set operations
type ScoredMember struct {
	Member []byte
	Score  float64
}

// ScoreRange defines range parameters for sorted set queries
type ScoreRange struct {
	Min    *float64 // nil = -inf
	Max    *float64 // nil = +inf
	Offset int64    // 0 = start from beginning
	Count  int64    // 0 = all (default), positive = limit
}

// KV represents a key-value pair for scan operations
type KV struct {
	Key   []byte
	Value []byte
}

// Store provides the key-value and sorted-set operations the chat domain
// needs: record storage, time-ordered collections, and id sequences.
type Store interface {
	// KV Operations
	Get(ctx context.Context, key []byte) ([]byte, error)
	Set(ctx context.Context, key, value []byte) error
	Del(ctx context.Context, key []byte) error
	Scan(ctx context.Context, prefix []byte, limit int) ([]KV, error)

	// Incr atomically increments the counter at key and returns the new value.
	Incr(ctx context.Context, key []byte) (int64, error)

	// Sorted Set Operations - for time-ordered collections
	ZAdd(ctx context.Context, key []byte, members ...ScoredMember) error
	ZRem(ctx context.Context, key []byte, members ...[]byte) error
	ZRange(ctx context.Context, key []byte, scoreRange ScoreRange) ([]ScoredMember, error)
	ZRevRange(ctx context.Context, key []byte, scoreRange ScoreRange) ([]ScoredMember, error)
	ZCard(ctx context.Context, key []byte) (int64, error)

	Close() error
}

// TimeScore returns a sort score for the given creation time.
// Unix timestamp with nanosecond precision as the fractional part; float64
// carries ~15-16 significant digits, so sub-second ordering survives for
// current timestamps.
func TimeScore(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
