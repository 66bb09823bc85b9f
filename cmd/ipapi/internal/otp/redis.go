package otp

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRetention keeps expired records around long enough for Verify to
// report ErrCodeExpired instead of ErrCodeNotFound.
const DefaultRetention = time.Hour

const defaultKeyPrefix = "ipapi:otp:"

// KEYS[1] code key; ARGV code, expiry ms, now ms, redis ttl ms.
var requestScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'exp')
if exp and tonumber(exp) > tonumber(ARGV[3]) then
  return 0
end
redis.call('HSET', KEYS[1], 'code', ARGV[1], 'exp', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// KEYS[1] code key; ARGV candidate, now ms.
var verifyScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'code', 'exp')
if not v[1] then
  return 'not_found'
end
if tonumber(v[2]) <= tonumber(ARGV[2]) then
  redis.call('DEL', KEYS[1])
  return 'expired'
end
if v[1] ~= ARGV[1] then
  return 'mismatch'
end
redis.call('DEL', KEYS[1])
return 'ok'
`)

// RedisRegistry stores codes in redis so several API replicas share them.
// Each operation is a single Lua script, which redis runs atomically.
type RedisRegistry struct {
	client    redis.Scripter
	opts      options
	retention time.Duration
	prefix    string
}

var _ Registry = (*RedisRegistry)(nil)

// RedisOption configures a RedisRegistry beyond the common options.
type RedisOption func(*RedisRegistry)

// WithRetention sets how long expired records survive in redis.
func WithRetention(d time.Duration) RedisOption {
	return func(r *RedisRegistry) {
		if d >= 0 {
			r.retention = d
		}
	}
}

// WithKeyPrefix namespaces registry keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisRegistry) { r.prefix = prefix }
}

// NewRedisRegistry creates a registry backed by client.
func NewRedisRegistry(client redis.Scripter, opts []Option, ropts ...RedisOption) *RedisRegistry {
	r := &RedisRegistry{
		client:    client,
		opts:      buildOptions(opts),
		retention: DefaultRetention,
		prefix:    defaultKeyPrefix,
	}
	for _, o := range ropts {
		o(r)
	}
	return r
}

func (r *RedisRegistry) key(identity string) string { return r.prefix + identity }

// Request issues a new code for identity.
func (r *RedisRegistry) Request(ctx context.Context, identity string) (string, error) {
	code, err := r.opts.generate()
	if err != nil {
		return "", err
	}
	now := r.opts.now()
	expiresAt := now.Add(r.opts.ttl)
	keep := r.opts.ttl + r.retention

	stored, err := requestScript.Run(ctx, r.client, []string{r.key(identity)},
		code, expiresAt.UnixMilli(), now.UnixMilli(), keep.Milliseconds()).Int64()
	if err != nil {
		return "", fmt.Errorf("store login code: %w", err)
	}
	if stored == 0 {
		return "", ErrCodeAlreadyOutstanding
	}
	return code, nil
}

// Verify checks code against the outstanding code for identity.
func (r *RedisRegistry) Verify(ctx context.Context, identity, code string) error {
	result, err := verifyScript.Run(ctx, r.client, []string{r.key(identity)},
		code, r.opts.now().UnixMilli()).Text()
	if err != nil {
		return fmt.Errorf("verify login code: %w", err)
	}
	switch result {
	case "ok":
		return nil
	case "not_found":
		return ErrCodeNotFound
	case "expired":
		return ErrCodeExpired
	case "mismatch":
		return ErrCodeMismatch
	default:
		return fmt.Errorf("verify login code: unexpected script result %q", result)
	}
}
