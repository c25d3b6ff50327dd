package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// saveScript performs the compare-and-swap save atomically, index update
// included. It returns 0 on success or the current stored version on a
// version mismatch. A single script avoids the first-ever-insert race a
// read-then-write sequence would have.
var saveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) ~= tonumber(ARGV[1]) then
  return tonumber(cur)
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'version', ARGV[3], 'state', ARGV[4], 'created', ARGV[5], 'updated', ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[6], ARGV[7])
if tonumber(ARGV[8]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[8])
end
return 0
`)

// RedisStore implements Store using Redis. It provides distributed session
// storage suitable for multi-node deployments; the optimistic-locking save
// runs as a Lua script so concurrent writers from separate processes race
// safely on the version field.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "agentcore:").
	Prefix string
	// SessionTTL is the session expiry duration (0 = never expire).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore creates a new Redis storage backend.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentcore:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.SessionTTL,
	}, nil
}

// NewRedisStoreFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "agentcore:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Key helpers
func (b *RedisStore) sessionKey(id string) string {
	return b.prefix + "session:" + id
}

func (b *RedisStore) indexKey() string {
	return b.prefix + "sessions"
}

func (b *RedisStore) valueKey(key string) string {
	return b.prefix + "kv:" + key
}

func (b *RedisStore) checkClosed() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// HealthCheck pings the Redis connection.
func (b *RedisStore) HealthCheck(ctx context.Context) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	return storageErr("redis", "ping", b.client.Ping(ctx).Err())
}

// SaveSession persists a session via the atomic compare-and-swap script.
func (b *RedisStore) SaveSession(ctx context.Context, s *Session) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	data, err := MarshalSession(s)
	if err != nil {
		return err
	}

	res, err := saveScript.Run(ctx, b.client,
		[]string{b.sessionKey(s.ID), b.indexKey()},
		s.Version-1,
		string(data),
		s.Version,
		string(s.State),
		s.CreatedAt.UnixNano(),
		s.UpdatedAt.UnixNano(),
		s.ID,
		b.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return storageErr("redis", "save session", err)
	}
	if res != 0 {
		return &ConflictError{SessionID: s.ID, Expected: s.Version - 1, Actual: res}
	}
	return nil
}

// GetSession retrieves a session by ID.
func (b *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	data, err := b.client.HGet(ctx, b.sessionKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, storageErr("redis", "get session", err)
	}
	return UnmarshalSession(data)
}

// DeleteSession removes a session and its index entry.
func (b *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	del := pipe.Del(ctx, b.sessionKey(id))
	pipe.ZRem(ctx, b.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("redis", "delete session", err)
	}
	if del.Val() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// HasSession reports whether a session exists.
func (b *RedisStore) HasSession(ctx context.Context, id string) (bool, error) {
	if err := b.checkClosed(); err != nil {
		return false, err
	}

	n, err := b.client.Exists(ctx, b.sessionKey(id)).Result()
	if err != nil {
		return false, storageErr("redis", "check session", err)
	}
	return n > 0, nil
}

// ListSessions walks the updatedAt index in descending order, applies the
// filters against record fields, and paginates the result.
func (b *RedisStore) ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	ids, err := b.client.ZRevRange(ctx, b.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, storageErr("redis", "list sessions", err)
	}

	var matched []string
	for _, id := range ids {
		fields, err := b.client.HMGet(ctx, b.sessionKey(id), "state", "created").Result()
		if err != nil {
			return nil, storageErr("redis", "list sessions", err)
		}
		state, _ := fields[0].(string)
		if state == "" {
			// Session expired or deleted since the index read; drop the entry.
			b.client.ZRem(ctx, b.indexKey(), id)
			continue
		}
		if opts.State != "" && State(state) != opts.State {
			continue
		}
		if !opts.CreatedAfter.IsZero() {
			createdStr, _ := fields[1].(string)
			created, err := strconv.ParseInt(createdStr, 10, 64)
			if err != nil || !time.Unix(0, created).After(opts.CreatedAfter) {
				continue
			}
		}
		matched = append(matched, id)
	}

	matched = paginate(matched, opts.Offset, opts.Limit)

	sessions := make([]*Session, 0, len(matched))
	for _, id := range matched {
		s, err := b.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// SaveSessions saves a batch, aborting on the first failure.
func (b *RedisStore) SaveSessions(ctx context.Context, sessions []*Session) error {
	for _, s := range sessions {
		if err := b.SaveSession(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// GetSessions retrieves a batch concurrently, skipping missing sessions.
func (b *RedisStore) GetSessions(ctx context.Context, ids []string) ([]*Session, error) {
	out := make([]*Session, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			s, err := b.GetSession(ctx, id)
			if err != nil {
				if errors.Is(err, ErrSessionNotFound) {
					return nil
				}
				return err
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(ids))
	for _, s := range out {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	return sessions, nil
}

// DeleteSessions removes a batch by ID, ignoring missing sessions.
func (b *RedisStore) DeleteSessions(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := b.DeleteSession(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return err
		}
	}
	return nil
}

// SetValue stores a keyed blob.
func (b *RedisStore) SetValue(ctx context.Context, key string, value []byte) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	return storageErr("redis", "set value", b.client.Set(ctx, b.valueKey(key), value, 0).Err())
}

// GetValue retrieves a keyed blob.
func (b *RedisStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	data, err := b.client.Get(ctx, b.valueKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrValueNotFound
		}
		return nil, storageErr("redis", "get value", err)
	}
	return data, nil
}

// DeleteValue removes a keyed blob.
func (b *RedisStore) DeleteValue(ctx context.Context, key string) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	return storageErr("redis", "delete value", b.client.Del(ctx, b.valueKey(key)).Err())
}

// HasValue reports whether a keyed blob exists.
func (b *RedisStore) HasValue(ctx context.Context, key string) (bool, error) {
	if err := b.checkClosed(); err != nil {
		return false, err
	}

	n, err := b.client.Exists(ctx, b.valueKey(key)).Result()
	if err != nil {
		return false, storageErr("redis", "check value", err)
	}
	return n > 0, nil
}

// Clear removes sessions last updated before olderThan. A zero olderThan
// removes all sessions and key-value blobs.
func (b *RedisStore) Clear(ctx context.Context, olderThan time.Time) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	maxScore := "+inf"
	if !olderThan.IsZero() {
		maxScore = "(" + strconv.FormatInt(olderThan.UnixNano(), 10)
	}

	ids, err := b.client.ZRangeByScore(ctx, b.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return storageErr("redis", "clear", err)
	}
	if err := b.DeleteSessions(ctx, ids); err != nil {
		return err
	}

	if olderThan.IsZero() {
		iter := b.client.Scan(ctx, 0, b.prefix+"kv:*", 0).Iterator()
		for iter.Next(ctx) {
			if err := b.client.Del(ctx, iter.Val()).Err(); err != nil {
				return storageErr("redis", "clear value", err)
			}
		}
		if err := iter.Err(); err != nil {
			return storageErr("redis", "clear values", err)
		}
	}
	return nil
}

// Stats reports per-state counts and stored record size.
func (b *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	ids, err := b.client.ZRange(ctx, b.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, storageErr("redis", "stats", err)
	}

	stats := &Stats{
		Backend: "redis",
		ByState: make(map[State]int),
	}
	for _, id := range ids {
		fields, err := b.client.HMGet(ctx, b.sessionKey(id), "state", "data").Result()
		if err != nil {
			return nil, storageErr("redis", "stats", err)
		}
		state, _ := fields[0].(string)
		if state == "" {
			continue
		}
		data, _ := fields[1].(string)
		stats.Sessions++
		stats.ByState[State(state)]++
		stats.TotalBytes += int64(len(data))
	}
	return stats, nil
}

// Close releases resources held by the backend.
func (b *RedisStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
