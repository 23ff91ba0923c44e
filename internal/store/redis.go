package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore is a multi-process Store backed by github.com/redis/go-redis/v9.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials redisURL and verifies connectivity with a bounded
// Ping.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an already-constructed client, used by tests
// wiring a miniredis-backed client directly.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, window time.Duration) (int64, time.Duration, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}
	if ttl < 0 {
		ttl = window
	}
	return incr.Val(), ttl, nil
}

func (s *RedisStore) PeekCounter(ctx context.Context, key string) (int64, time.Duration, bool, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, 0, false, err
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, 0, false, err
	}
	return count, ttl, true, nil
}

func (s *RedisStore) PeekTimestampCount(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)
	return s.client.ZCount(ctx, key, "("+cutoff, "+inf").Result()
}

func (s *RedisStore) AddTimestamp(ctx context.Context, key string, ts time.Time, window time.Duration) (int64, error) {
	score := float64(ts.UnixNano())
	cutoff := float64(ts.Add(-window).UnixNano())

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: memberFor(ts)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatFloat(cutoff, 'f', -1, 64))
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (s *RedisStore) RemoveTimestamp(ctx context.Context, key string, ts time.Time) error {
	return s.client.ZRem(ctx, key, memberFor(ts)).Err()
}

func (s *RedisStore) OldestTimestamp(ctx context.Context, key string) (time.Time, bool, error) {
	res, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return time.Time{}, false, err
	}
	if len(res) == 0 {
		return time.Time{}, false, nil
	}
	// The member holds the exact nanosecond timestamp; the float64 score
	// does not, so it is only the fallback.
	if ns, err := strconv.ParseInt(fmt.Sprint(res[0].Member), 10, 64); err == nil {
		return time.Unix(0, ns), true, nil
	}
	return time.Unix(0, int64(res[0].Score)), true, nil
}

func memberFor(ts time.Time) string {
	return fmt.Sprintf("%d", ts.UnixNano())
}

type bucketWire struct {
	Balance    float64 `json:"balance"`
	LastUpdate int64   `json:"last_update_ns"`
}

func (s *RedisStore) GetBucket(ctx context.Context, key string) (Bucket, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Bucket{}, false, nil
	}
	if err != nil {
		return Bucket{}, false, err
	}
	var w bucketWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Bucket{}, false, err
	}
	return Bucket{Balance: w.Balance, LastUpdate: time.Unix(0, w.LastUpdate)}, true, nil
}

// setBucketScript performs the compare-and-set atomically: it only writes
// the new value when the stored lastUpdate matches the caller's expectation
// (or the key is absent and the expectation is zero), returning 1 on
// success and 0 on a CAS mismatch.
const setBucketScript = `
local current = redis.call("GET", KEYS[1])
local prev = ARGV[1]
if current then
  local decoded = cjson.decode(current)
  if tostring(decoded.last_update_ns) ~= prev then
    return 0
  end
else
  if prev ~= "0" then
    return 0
  end
end
redis.call("SET", KEYS[1], ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`

func (s *RedisStore) SetBucket(ctx context.Context, key string, bucket Bucket, prevLastUpdate time.Time, ttl time.Duration) (bool, error) {
	wire := bucketWire{Balance: bucket.Balance, LastUpdate: bucket.LastUpdate.UnixNano()}
	encoded, err := json.Marshal(wire)
	if err != nil {
		return false, err
	}
	prev := "0"
	if !prevLastUpdate.IsZero() {
		prev = strconv.FormatInt(prevLastUpdate.UnixNano(), 10)
	}
	res, err := s.client.Eval(ctx, setBucketScript, []string{key}, prev, encoded, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	ok, _ := res.(int64)
	return ok == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// queueScore packs priority (descending) and enqueue time (ascending) into
// a single sortable score: higher priority sorts first because it is
// negated, ties broken by earlier enqueue time.
func queueScore(priority int, enqueueTime time.Time) float64 {
	return float64(-priority)*1e15 + float64(enqueueTime.UnixNano()%1e15)
}

func (s *RedisStore) Enqueue(ctx context.Context, queueName string, entry QueueEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	score := queueScore(entry.Priority, entry.EnqueueTime)
	return s.client.ZAdd(ctx, queueName, redis.Z{Score: score, Member: payload}).Err()
}

func (s *RedisStore) Dequeue(ctx context.Context, queueName string) (QueueEntry, bool, error) {
	res, err := s.client.ZRangeWithScores(ctx, queueName, 0, 0).Result()
	if err != nil {
		return QueueEntry{}, false, err
	}
	if len(res) == 0 {
		return QueueEntry{}, false, nil
	}
	member := res[0].Member.(string)
	removed, err := s.client.ZRem(ctx, queueName, member).Result()
	if err != nil {
		return QueueEntry{}, false, err
	}
	if removed == 0 {
		// Lost the race to another dequeuer; caller may retry.
		return QueueEntry{}, false, nil
	}
	var entry QueueEntry
	if err := json.Unmarshal([]byte(member), &entry); err != nil {
		return QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (s *RedisStore) QueueLen(ctx context.Context, queueName string) (int64, error) {
	return s.client.ZCard(ctx, queueName).Result()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
