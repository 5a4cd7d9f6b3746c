package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/fault"

	"github.com/redis/go-redis/v9"
)

// begin claims the key unless a live in-progress or completed record holds it.
// Returns nil when claimed, otherwise the existing hash as a flat array.
var beginScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status and status ~= 'failed' then
	return redis.call('HGETALL', KEYS[1])
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'status', 'in_progress', 'created_at', ARGV[1])
if tonumber(ARGV[2]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return false
`)

// settle moves an in-progress record to a terminal status, keeping its TTL.
var settleScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'in_progress' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], ARGV[2], ARGV[3])
return 1
`)

// RedisClient is the minimal client surface used by RedisStore.
type RedisClient interface {
	redis.Scripter
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
}

// RedisStore keeps records as Redis hashes with a TTL equal to the retention window.
type RedisStore struct {
	client    RedisClient
	keyPrefix string
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client RedisClient, keyPrefix string, retention time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "idempotency:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		retention: retention,
		now:       time.Now,
	}
}

func (s *RedisStore) Begin(ctx context.Context, key string) (BeginResult, error) {
	if key == "" {
		return BeginResult{}, ErrKeyRequired
	}
	if err := ctx.Err(); err != nil {
		return BeginResult{}, err
	}

	now := s.now().UTC()
	res, err := beginScript.Run(ctx, s.client, []string{s.keyPrefix + key},
		now.Format(time.RFC3339Nano), s.retention.Milliseconds()).Result()
	if errors.Is(err, redis.Nil) {
		rec := Record{Key: key, Status: StatusInProgress, CreatedAt: now}
		if s.retention > 0 {
			rec.ExpiresAt = now.Add(s.retention)
		}
		return BeginResult{Outcome: Started, Record: rec}, nil
	}
	if err != nil {
		return BeginResult{}, Unavailable(err)
	}

	fields, err := pairs(res)
	if err != nil {
		return BeginResult{}, Unavailable(err)
	}
	rec, err := decodeRecord(key, fields)
	if err != nil {
		return BeginResult{}, Unavailable(err)
	}
	if rec.Status == StatusCompleted {
		return BeginResult{Outcome: AlreadyCompleted, Record: rec}, nil
	}
	return BeginResult{Outcome: AlreadyInProgress, Record: rec}, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, result json.RawMessage) error {
	return s.settle(ctx, key, StatusCompleted, "result", string(result))
}

func (s *RedisStore) Fail(ctx context.Context, key string, cause *fault.Failure) error {
	payload, err := json.Marshal(cause)
	if err != nil {
		return err
	}
	return s.settle(ctx, key, StatusFailed, "cause", string(payload))
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.keyPrefix+key).Result()
	if err != nil {
		return Record{}, false, Unavailable(err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	rec, err := decodeRecord(key, fields)
	if err != nil {
		return Record{}, false, Unavailable(err)
	}
	if ttl, err := s.client.PTTL(ctx, s.keyPrefix+key).Result(); err == nil && ttl > 0 {
		rec.ExpiresAt = s.now().UTC().Add(ttl)
	}
	return rec, true, nil
}

func (s *RedisStore) settle(ctx context.Context, key string, status Status, field, value string) error {
	if key == "" {
		return ErrKeyRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	updated, err := settleScript.Run(ctx, s.client, []string{s.keyPrefix + key}, string(status), field, value).Int()
	if err != nil {
		return Unavailable(err)
	}
	if updated == 0 {
		return ErrNotInProgress
	}
	return nil
}

func pairs(res any) (map[string]string, error) {
	items, ok := res.([]any)
	if !ok || len(items)%2 != 0 {
		return nil, fmt.Errorf("unexpected reply %T", res)
	}
	out := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		k, kok := items[i].(string)
		v, vok := items[i+1].(string)
		if !kok || !vok {
			return nil, fmt.Errorf("unexpected field types %T/%T", items[i], items[i+1])
		}
		out[k] = v
	}
	return out, nil
}

func decodeRecord(key string, fields map[string]string) (Record, error) {
	rec := Record{Key: key, Status: Status(fields["status"])}
	if raw := fields["created_at"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Record{}, fmt.Errorf("created_at: %w", err)
		}
		rec.CreatedAt = ts
	}
	if raw := fields["result"]; raw != "" {
		rec.Result = json.RawMessage(raw)
	}
	if raw := fields["cause"]; raw != "" {
		var cause fault.Failure
		if err := json.Unmarshal([]byte(raw), &cause); err != nil {
			return Record{}, fmt.Errorf("cause: %w", err)
		}
		rec.Cause = &cause
	}
	return rec, nil
}
