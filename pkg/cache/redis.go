package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/varunsripad123/sentineldf/pkg/ml"
)

const redisKeyPrefix = "sentineldf:result:"

// RedisStore is the shared-cache Store for multi-process deployments.
// Expiry is enforced server-side via key TTL; the integrity digest is still
// recomputed client-side on every read, so a corrupted value in Redis is
// evicted and recomputed exactly like a corrupted in-memory entry.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	opTTL  time.Duration

	hits    atomic.Int64
	misses  atomic.Int64
	repairs atomic.Int64
}

// NewRedisStore connects to the Redis URL and verifies the connection.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}

	return &RedisStore{
		client: client,
		ttl:    ttl,
		opTTL:  3 * time.Second,
	}, nil
}

// Get fetches and integrity-checks a cached result. Corruption and absence
// are both misses; only transport failures surface as errors.
func (s *RedisStore) Get(fingerprint string) (ml.DetectionResult, bool, error) {
	return s.lookup(fingerprint, true)
}

// Peek is Get without hit/miss accounting.
func (s *RedisStore) Peek(fingerprint string) (ml.DetectionResult, bool, error) {
	return s.lookup(fingerprint, false)
}

func (s *RedisStore) lookup(fingerprint string, count bool) (ml.DetectionResult, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTTL)
	defer cancel()

	data, err := s.client.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if err == redis.Nil {
		if count {
			s.misses.Add(1)
		}
		return ml.DetectionResult{}, false, nil
	}
	if err != nil {
		return ml.DetectionResult{}, false, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Undecodable payload is corruption, not a caller error.
		s.evict(fingerprint)
		s.repairs.Add(1)
		if count {
			s.misses.Add(1)
		}
		log.Printf("[WARN] cache integrity repair: evicting undecodable entry %s", fingerprint)
		return ml.DetectionResult{}, false, nil
	}

	if ResultDigest(entry.Result) != entry.IntegrityDigest {
		s.evict(fingerprint)
		s.repairs.Add(1)
		if count {
			s.misses.Add(1)
		}
		log.Printf("[WARN] cache integrity repair: evicting corrupted entry %s", fingerprint)
		return ml.DetectionResult{}, false, nil
	}

	if count {
		s.hits.Add(1)
	}
	return entry.Result, true, nil
}

// Put stores a result with its integrity digest under the configured TTL.
func (s *RedisStore) Put(fingerprint string, result ml.DetectionResult) error {
	entry := Entry{
		Fingerprint:     fingerprint,
		Result:          result,
		IntegrityDigest: ResultDigest(result),
		CreatedAt:       time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opTTL)
	defer cancel()
	if err := s.client.Set(ctx, redisKeyPrefix+fingerprint, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) evict(fingerprint string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTTL)
	defer cancel()
	if err := s.client.Del(ctx, redisKeyPrefix+fingerprint).Err(); err != nil {
		log.Printf("[WARN] failed to evict corrupted entry %s: %v", fingerprint, err)
	}
}

// Stats returns client-side counters. Entries counts this store's keys on
// the server; byte occupancy is left to the server's own accounting.
func (s *RedisStore) Stats() Stats {
	stats := Stats{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Repairs: s.repairs.Load(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opTTL)
	defer cancel()
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		stats.Entries++
	}
	return stats
}

// Purge deletes every key this store owns, leaving unrelated keys on the
// shared server untouched.
func (s *RedisStore) Purge() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
