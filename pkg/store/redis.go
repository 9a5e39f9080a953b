package store

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// RedisConfig holds Redis-specific configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NewRedisStore creates a new Redis-backed Store
func NewRedisStore(cfg *RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	logger.Info("connected to Redis", "addr", cfg.Addr, "db", cfg.DB)

	return &RedisStore{
		client: client,
		logger: logger,
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// KV Operations

func (s *RedisStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	val, err := s.client.Get(ctx, string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value []byte) error {
	return s.client.Set(ctx, string(key), value, 0).Err()
}

func (s *RedisStore) Del(ctx context.Context, key []byte) error {
	return s.client.Del(ctx, string(key)).Err()
}

func (s *RedisStore) Scan(ctx context.Context, prefix []byte, limit int) ([]KV, error) {
	var results []KV
	var cursor uint64
	pattern := string(prefix) + "*"

	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}

		for _, k := range keys {
			if limit > 0 && len(results) >= limit {
				return results, nil
			}
			val, err := s.client.Get(ctx, k).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, err
			}
			results = append(results, KV{Key: []byte(k), Value: val})
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	if results == nil {
		results = []KV{}
	}
	return results, nil
}

func (s *RedisStore) Incr(ctx context.Context, key []byte) (int64, error) {
	return s.client.Incr(ctx, string(key)).Result()
}

// Sorted Set Operations

func (s *RedisStore) ZAdd(ctx context.Context, key []byte, members ...ScoredMember) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: string(m.Member)}
	}
	return s.client.ZAdd(ctx, string(key), zs...).Err()
}

func (s *RedisStore) ZRem(ctx context.Context, key []byte, members ...[]byte) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = string(m)
	}
	return s.client.ZRem(ctx, string(key), args...).Err()
}

func (s *RedisStore) ZRange(ctx context.Context, key []byte, scoreRange ScoreRange) ([]ScoredMember, error) {
	return s.zRangeInternal(ctx, key, scoreRange, false)
}

func (s *RedisStore) ZRevRange(ctx context.Context, key []byte, scoreRange ScoreRange) ([]ScoredMember, error) {
	return s.zRangeInternal(ctx, key, scoreRange, true)
}

func (s *RedisStore) zRangeInternal(ctx context.Context, key []byte, scoreRange ScoreRange, reverse bool) ([]ScoredMember, error) {
	min := "-inf"
	max := "+inf"
	if scoreRange.Min != nil {
		min = strconv.FormatFloat(*scoreRange.Min, 'f', -1, 64)
	}
	if scoreRange.Max != nil {
		max = strconv.FormatFloat(*scoreRange.Max, 'f', -1, 64)
	}

	count := scoreRange.Count
	if count == 0 {
		count = math.MaxInt64
	}

	opt := &redis.ZRangeBy{
		Min:    min,
		Max:    max,
		Offset: scoreRange.Offset,
		Count:  count,
	}

	var zs []redis.Z
	var err error
	if reverse {
		zs, err = s.client.ZRevRangeByScoreWithScores(ctx, string(key), opt).Result()
	} else {
		zs, err = s.client.ZRangeByScoreWithScores(ctx, string(key), opt).Result()
	}
	if err != nil {
		return nil, err
	}

	members := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		members = append(members, ScoredMember{
			Member: []byte(member),
			Score:  z.Score,
		})
	}
	return members, nil
}

func (s *RedisStore) ZCard(ctx context.Context, key []byte) (int64, error) {
	return s.client.ZCard(ctx, string(key)).Result()
}
