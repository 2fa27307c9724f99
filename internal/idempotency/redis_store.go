package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"execution-gateway/internal/order"
)

const defaultKeyPrefix = "exgw:idem:"

// reserveScript creates the record unless it exists; returns HGETALL of an existing record.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('HGETALL', KEYS[1])
end
redis.call('HSET', KEYS[1], 'key', ARGV[1], 'order_id', ARGV[2], 'payload_hash', ARGV[3], 'state', 'IN_FLIGHT', 'created_at', ARGV[4], 'expires_at', ARGV[5])
return {}
`)

// completeScript returns 1 on transition, 0 on equal repeat, -1 missing, -2 conflicting outcome.
var completeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state == 'COMPLETED' then
  if redis.call('HGET', KEYS[1], 'outcome') == ARGV[1] then
    return 0
  end
  return -2
end
redis.call('HSET', KEYS[1], 'state', 'COMPLETED', 'outcome', ARGV[1], 'completed_at', ARGV[2], 'expires_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// RedisStore keeps records in Redis hashes so several gateway instances share them.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed store. prefix may be empty.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) Reserve(ctx context.Context, key, orderID, payloadHash string) (Reservation, error) {
	now := s.now()
	res, err := reserveScript.Run(ctx, s.client, []string{s.prefix + key},
		key, orderID, payloadHash, now.UnixMilli(), now.Add(s.ttl).UnixMilli()).Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}

	if len(res) == 0 {
		return Reservation{Kind: Fresh, Record: Record{
			Key:         key,
			OrderID:     orderID,
			PayloadHash: payloadHash,
			State:       StateInFlight,
			CreatedAt:   time.UnixMilli(now.UnixMilli()),
			ExpiresAt:   time.UnixMilli(now.Add(s.ttl).UnixMilli()),
		}}, nil
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[fmt.Sprint(res[i])] = fmt.Sprint(res[i+1])
	}
	rec, err := decodeRecord(fields)
	if err != nil {
		return Reservation{}, err
	}
	return classify(rec, payloadHash)
}

func (s *RedisStore) Complete(ctx context.Context, key string, outcome order.Outcome) error {
	if !outcome.IsFinal() {
		return ErrNotFinal
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	now := s.now()
	code, err := completeScript.Run(ctx, s.client, []string{s.prefix + key},
		string(data), now.UnixMilli(), s.ttl.Milliseconds(), now.Add(s.ttl).UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	switch code {
	case -1:
		return ErrNotFound
	case -2:
		return ErrOutcomeConflict
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	rec, err := decodeRecord(fields)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) ListInFlight(ctx context.Context, olderThan time.Time) ([]Record, error) {
	var out []Record
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		fields, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load idempotency record: %w", err)
		}
		if len(fields) == 0 || State(fields["state"]) != StateInFlight {
			continue
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		if rec.CreatedAt.Before(olderThan) {
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan idempotency records: %w", err)
	}
	return out, nil
}

// Purge is a no-op: completed records carry a Redis TTL.
func (s *RedisStore) Purge(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func decodeRecord(fields map[string]string) (Record, error) {
	rec := Record{
		Key:         fields["key"],
		OrderID:     fields["order_id"],
		PayloadHash: fields["payload_hash"],
		State:       State(fields["state"]),
	}
	var err error
	if rec.CreatedAt, err = parseMillis(fields["created_at"]); err != nil {
		return Record{}, err
	}
	if rec.ExpiresAt, err = parseMillis(fields["expires_at"]); err != nil {
		return Record{}, err
	}
	if v := fields["completed_at"]; v != "" {
		if rec.CompletedAt, err = parseMillis(v); err != nil {
			return Record{}, err
		}
	}
	if v := fields["outcome"]; v != "" {
		var o order.Outcome
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			return Record{}, fmt.Errorf("failed to unmarshal outcome: %w", err)
		}
		rec.Outcome = &o
	}
	return rec, nil
}

func parseMillis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms), nil
}
