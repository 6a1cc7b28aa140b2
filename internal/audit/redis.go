package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tkingovr/txguard/api"
)

const defaultRedisPrefix = "txguard"

// redisPutScript stores a record, its index entry and its stats contribution
// in one step. Stats are counted only when the record is new.
// KEYS[1] = record key, KEYS[2] = index zset, KEYS[3] = stats hash
// ARGV[1] = record JSON, ARGV[2] = score, ARGV[3] = digest, ARGV[4] = ttl seconds (0 = none)
// ARGV[5..] = stats fields to increment
var redisPutScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
    redis.call("SET", KEYS[1], ARGV[1], "EX", ttl)
else
    redis.call("SET", KEYS[1], ARGV[1])
end
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
for i = 5, #ARGV do
    redis.call("HINCRBY", KEYS[3], ARGV[i], 1)
end
return 1
`)

// RedisOptions configure a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisStore keeps records in Redis:
//
//	<prefix>:record:<digest>  record JSON
//	<prefix>:index            sorted set of digests scored by creation time
//	<prefix>:stats            counters
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("audit: redis ping %s: %w", opts.Addr, err)
	}
	return NewRedisStoreFromClient(client, opts.Prefix, opts.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) recordKey(digest string) string { return s.prefix + ":record:" + digest }
func (s *RedisStore) indexKey() string               { return s.prefix + ":index" }
func (s *RedisStore) statsKey() string               { return s.prefix + ":stats" }

func statsFields(r *api.AttestationRecord) []any {
	fields := []any{"total", "disposition:" + string(r.Transcript.Verdict.Disposition)}
	if r.Transcript.Verdict.Incomplete {
		fields = append(fields, "incomplete")
	}
	if a := r.Action(); a != "" {
		fields = append(fields, "action:"+string(a))
	}
	if c := r.Transcript.Request.Transaction.ChainID; c != 0 {
		fields = append(fields, "chain:"+strconv.FormatUint(c, 10))
	}
	return fields
}

func (s *RedisStore) Put(ctx context.Context, record *api.AttestationRecord) error {
	if record.Digest == "" {
		return fmt.Errorf("audit: record has no digest")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("audit: marshaling record: %w", err)
	}

	args := []any{string(data), record.CreatedAt.UnixNano(), record.Digest, int64(s.ttl / time.Second)}
	args = append(args, statsFields(record)...)
	keys := []string{s.recordKey(record.Digest), s.indexKey(), s.statsKey()}
	if err := redisPutScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("audit: redis put: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, digest string) (*api.AttestationRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(strings.ToLower(digest))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("audit: redis get: %w", err)
	}
	return decodeRecord(data)
}

// Query walks the index newest first. Records whose TTL has expired are
// skipped.
func (s *RedisStore) Query(ctx context.Context, f api.QueryFilter) ([]*api.AttestationRecord, error) {
	lo, hi := "-inf", "+inf"
	if !f.Since.IsZero() {
		lo = strconv.FormatInt(f.Since.UnixNano(), 10)
	}
	if !f.Until.IsZero() {
		hi = strconv.FormatInt(f.Until.UnixNano(), 10)
	}
	digests, err := s.client.ZRevRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("audit: redis index: %w", err)
	}

	var out []*api.AttestationRecord
	const batch = 100
	for start := 0; start < len(digests); start += batch {
		end := min(start+batch, len(digests))
		keys := make([]string, 0, end-start)
		for _, d := range digests[start:end] {
			keys = append(keys, s.recordKey(d))
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("audit: redis mget: %w", err)
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			rec, err := decodeRecord(str)
			if err != nil {
				return nil, err
			}
			if f.Matches(rec) {
				out = append(out, rec)
			}
		}
		if f.Limit > 0 && len(out) >= f.Offset+f.Limit {
			break
		}
	}
	newestFirst(out)
	return page(out, f), nil
}

func (s *RedisStore) Stats(ctx context.Context) (*api.AuditStats, error) {
	fields, err := s.client.HGetAll(ctx, s.statsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("audit: redis stats: %w", err)
	}
	stats := newStats()
	for k, v := range fields {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		switch {
		case k == "total":
			stats.Total = n
		case k == "incomplete":
			stats.Incomplete = n
		case k == "disposition:"+string(api.DispositionPass):
			stats.Pass = n
		case k == "disposition:"+string(api.DispositionAdvise):
			stats.Advise = n
		case k == "disposition:"+string(api.DispositionStop):
			stats.Stop = n
		case strings.HasPrefix(k, "action:"):
			stats.ByAction[strings.TrimPrefix(k, "action:")] = n
		case strings.HasPrefix(k, "chain:"):
			stats.ByChain[strings.TrimPrefix(k, "chain:")] = n
		}
	}
	return stats, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
