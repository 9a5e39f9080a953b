package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// expandPath expands ~ to the user's home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}
	return path
}

// Key prefixes for different data types
var (
	prefixZSetScore  = []byte("zset:score:")
	prefixZSetMember = []byte("zset:member:")
	prefixCounter    = []byte("counter:")
)

// maxRetries is the number of times to retry a transaction on conflict
const maxRetries = 10

// BadgerStore implements Store using BadgerDB
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// update wraps db.Update with retry logic for transaction conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	for i := 0; i < maxRetries; i++ {
		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return badger.ErrConflict
}

// slogAdapter adapts slog.Logger to badger.Logger interface
type slogAdapter struct {
	logger *slog.Logger
}

func (s *slogAdapter) Errorf(format string, args ...interface{}) {
	s.logger.Error(fmt.Sprintf(format, args...))
}

func (s *slogAdapter) Warningf(format string, args ...interface{}) {
	s.logger.Warn(fmt.Sprintf(format, args...))
}

func (s *slogAdapter) Infof(format string, args ...interface{}) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

func (s *slogAdapter) Debugf(format string, args ...interface{}) {
	s.logger.Debug(fmt.Sprintf(format, args...))
}

// NewBadgerStore creates a new BadgerDB-backed Store from config.
func NewBadgerStore(cfg *BadgerConfig, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	path := expandPath(cfg.Path)

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if path == "" {
			return nil, fmt.Errorf("path required for disk-based storage")
		}
		opts = badger.DefaultOptions(path)
	}

	opts = opts.WithLogger(&slogAdapter{logger: logger})

	logger.Info("opening BadgerDB", "path", path, "inMemory", cfg.InMemory)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	return &BadgerStore{
		db:     db,
		logger: logger,
	}, nil
}

func (s *BadgerStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Key construction helpers

func counterKey(key []byte) []byte {
	buf := make([]byte, 0, len(prefixCounter)+len(key))
	buf = append(buf, prefixCounter...)
	buf = append(buf, key...)
	return buf
}

func zsetScoreKey(key []byte, score float64, member []byte) []byte {
	buf := make([]byte, 0, len(prefixZSetScore)+len(key)+1+8+1+len(member))
	buf = append(buf, prefixZSetScore...)
	buf = append(buf, key...)
	buf = append(buf, ':')
	buf = append(buf, encodeFloat64(score)...)
	buf = append(buf, ':')
	buf = append(buf, member...)
	return buf
}

func zsetScorePrefix(key []byte) []byte {
	buf := make([]byte, 0, len(prefixZSetScore)+len(key)+1)
	buf = append(buf, prefixZSetScore...)
	buf = append(buf, key...)
	buf = append(buf, ':')
	return buf
}

func zsetMemberKey(key, member []byte) []byte {
	buf := make([]byte, 0, len(prefixZSetMember)+len(key)+1+len(member))
	buf = append(buf, prefixZSetMember...)
	buf = append(buf, key...)
	buf = append(buf, ':')
	buf = append(buf, member...)
	return buf
}

func zsetMemberPrefix(key []byte) []byte {
	buf := make([]byte, 0, len(prefixZSetMember)+len(key)+1)
	buf = append(buf, prefixZSetMember...)
	buf = append(buf, key...)
	buf = append(buf, ':')
	return buf
}

// Float64 sortable encoding

func encodeFloat64(f float64) []byte {
	bits := math.Float64bits(f)
	if f >= 0 {
		bits ^= 1 << 63
	} else {
		bits ^= 0xFFFFFFFFFFFFFFFF
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return buf
}

func decodeFloat64(b []byte) float64 {
	if len(b) != 8 {
		return 0
	}
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits ^= 0xFFFFFFFFFFFFFFFF
	}
	return math.Float64frombits(bits)
}

// KV Operations

func (s *BadgerStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = bytes.Clone(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (s *BadgerStore) Set(ctx context.Context, key, value []byte) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStore) Del(ctx context.Context, key []byte) error {
	return s.update(func(txn *badger.Txn) error {
		err := txn.Delete(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (s *BadgerStore) Scan(ctx context.Context, prefix []byte, limit int) ([]KV, error) {
	var results []KV

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(results) >= limit {
				break
			}
			item := it.Item()
			key := bytes.Clone(item.Key())
			err := item.Value(func(val []byte) error {
				results = append(results, KV{Key: key, Value: bytes.Clone(val)})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []KV{}
	}
	return results, nil
}

func (s *BadgerStore) Incr(ctx context.Context, key []byte) (int64, error) {
	var next int64
	err := s.update(func(txn *badger.Txn) error {
		ck := counterKey(key)
		var current int64

		item, err := txn.Get(ck)
		if err == nil {
			err = item.Value(func(val []byte) error {
				if len(val) == 8 {
					current = int64(binary.BigEndian.Uint64(val))
				}
				return nil
			})
			if err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		next = current + 1
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(next))
		return txn.Set(ck, buf)
	})
	return next, err
}

// Sorted Set Operations

func (s *BadgerStore) ZAdd(ctx context.Context, key []byte, members ...ScoredMember) error {
	return s.update(func(txn *badger.Txn) error {
		for _, m := range members {
			memberKey := zsetMemberKey(key, m.Member)

			item, err := txn.Get(memberKey)
			if err == nil {
				var oldScore float64
				err = item.Value(func(val []byte) error {
					oldScore = decodeFloat64(val)
					return nil
				})
				if err != nil {
					return err
				}
				oldScoreKey := zsetScoreKey(key, oldScore, m.Member)
				if err := txn.Delete(oldScoreKey); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			newScoreKey := zsetScoreKey(key, m.Score, m.Member)
			if err := txn.Set(newScoreKey, nil); err != nil {
				return err
			}

			if err := txn.Set(memberKey, encodeFloat64(m.Score)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) ZRem(ctx context.Context, key []byte, members ...[]byte) error {
	return s.update(func(txn *badger.Txn) error {
		for _, member := range members {
			memberKey := zsetMemberKey(key, member)

			item, err := txn.Get(memberKey)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			var oldScore float64
			err = item.Value(func(val []byte) error {
				oldScore = decodeFloat64(val)
				return nil
			})
			if err != nil {
				return err
			}

			oldScoreKey := zsetScoreKey(key, oldScore, member)
			if err := txn.Delete(oldScoreKey); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Delete(memberKey); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) ZRange(ctx context.Context, key []byte, scoreRange ScoreRange) ([]ScoredMember, error) {
	return s.zRangeInternal(ctx, key, scoreRange, false)
}

func (s *BadgerStore) ZRevRange(ctx context.Context, key []byte, scoreRange ScoreRange) ([]ScoredMember, error) {
	return s.zRangeInternal(ctx, key, scoreRange, true)
}

func (s *BadgerStore) zRangeInternal(ctx context.Context, key []byte, scoreRange ScoreRange, reverse bool) ([]ScoredMember, error) {
	var members []ScoredMember
	prefix := zsetScorePrefix(key)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		opts.Reverse = reverse

		it := txn.NewIterator(opts)
		defer it.Close()

		var skipped int64
		var collected int64

		if reverse {
			// Reverse iteration needs a seek past the end of the prefix range
			seek := append(bytes.Clone(prefix), 0xFF)
			it.Seek(seek)
		} else {
			it.Rewind()
		}

		for ; it.Valid(); it.Next() {
			item := it.Item()
			k := item.Key()

			afterPrefix := k[len(prefix):]
			if len(afterPrefix) < 9 {
				continue
			}

			score := decodeFloat64(afterPrefix[:8])
			member := bytes.Clone(afterPrefix[9:])

			if scoreRange.Min != nil && score < *scoreRange.Min {
				continue
			}
			if scoreRange.Max != nil && score > *scoreRange.Max {
				continue
			}

			if skipped < scoreRange.Offset {
				skipped++
				continue
			}

			if scoreRange.Count > 0 && collected >= scoreRange.Count {
				break
			}

			members = append(members, ScoredMember{
				Member: member,
				Score:  score,
			})
			collected++
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []ScoredMember{}
	}
	return members, nil
}

func (s *BadgerStore) ZCard(ctx context.Context, key []byte) (int64, error) {
	var count int64
	prefix := zsetMemberPrefix(key)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})

	return count, err
}
