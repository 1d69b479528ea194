// Package redis provides a Redis-backed store.Store.
//
// Each user is a hash; every token mutation runs as a Lua script so the
// existence check, eligibility test and write happen atomically on the
// server. Times are stored as unix milliseconds (0 = never) so Lua number
// arithmetic stays exact.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pario-ai/tokengate/pkg/models"
	"github.com/pario-ai/tokengate/pkg/store"
)

// Store is a Redis-backed store.Store.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	now       func() time.Time
	closer    func() error
}

var _ store.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "tokengate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithClock overrides the time source used for replenishment.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store on an existing client. The caller keeps ownership
// of the client.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "tokengate:",
		now:       func() time.Time { return time.Now().UTC() },
		closer:    func() error { return nil },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to addr and returns a Store that owns the client.
func Open(ctx context.Context, addr string, db int, opts ...Option) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("tokengate/redis: ping %s: %w", addr, err)
	}
	s := New(client, opts...)
	s.closer = client.Close
	return s, nil
}

func (s *Store) userKey(id string) string     { return s.keyPrefix + "user:" + id }
func (s *Store) apiKeyKey(hash string) string { return s.keyPrefix + "apikey:" + hash }
func (s *Store) usersKey() string             { return s.keyPrefix + "users" }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// createScript inserts a user unless the id or API key is taken.
// KEYS[1] = user hash, KEYS[2] = api key index, KEYS[3] = user id set
// ARGV = id, name, role, api_key_hash, balance, used, replenish_ms, created_ms
//
// Returns 1 on success, -1 when the user or key already exists.
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return -1
end
if ARGV[4] ~= "" then
    if redis.call("SET", KEYS[2], ARGV[1], "NX") == false then
        return -1
    end
end
redis.call("HSET", KEYS[1],
    "id", ARGV[1], "name", ARGV[2], "role", ARGV[3], "api_key_hash", ARGV[4],
    "token_balance", ARGV[5], "total_tokens_used", ARGV[6],
    "last_replenish_ms", ARGV[7], "created_ms", ARGV[8])
redis.call("SADD", KEYS[3], ARGV[1])
return 1
`)

// probeScript is the atomic replenish probe.
// KEYS[1] = user hash
// ARGV = amount, now_ms, interval_ms, replenish
//
// Returns {can_consume, replenished}, or {-1, 0} when the user is missing.
var probeScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {-1, 0}
end
local amount = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local balance = tonumber(redis.call("HGET", KEYS[1], "token_balance") or "0")
local last = tonumber(redis.call("HGET", KEYS[1], "last_replenish_ms") or "0")

local replenished = 0
if balance < amount and (last == 0 or now - last >= interval) then
    balance = redis.call("HINCRBY", KEYS[1], "token_balance", ARGV[4])
    redis.call("HSET", KEYS[1], "last_replenish_ms", ARGV[2])
    replenished = 1
end

local ok = 0
if balance >= amount then
    ok = 1
end
return {ok, replenished}
`)

// deductScript debits the balance and bumps the used counter.
// KEYS[1] = user hash, ARGV[1] = -amount, ARGV[2] = amount
var deductScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
redis.call("HINCRBY", KEYS[1], "token_balance", ARGV[1])
redis.call("HINCRBY", KEYS[1], "total_tokens_used", ARGV[2])
return 1
`)

// setScript sets field/value pairs on an existing user hash.
// KEYS[1] = user hash, ARGV = field, value, ...
var setScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

// GetUserByID returns the user or store.ErrNotFound.
func (s *Store) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	vals, err := s.client.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("tokengate/redis: get user: %w", err)
	}
	if len(vals) == 0 {
		return nil, store.ErrNotFound
	}
	return parseUser(vals)
}

func parseUser(vals map[string]string) (*models.User, error) {
	ints := make(map[string]int64, 4)
	for _, f := range []string{"token_balance", "total_tokens_used", "last_replenish_ms", "created_ms"} {
		n, err := strconv.ParseInt(vals[f], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("tokengate/redis: parse %s: %w", f, err)
		}
		ints[f] = n
	}
	return &models.User{
		ID:                     vals["id"],
		Name:                   vals["name"],
		Role:                   models.Role(vals["role"]),
		APIKeyHash:             vals["api_key_hash"],
		TokenBalance:           ints["token_balance"],
		TotalTokensUsed:        ints["total_tokens_used"],
		LastTokenReplenishTime: fromMillis(ints["last_replenish_ms"]),
		CreatedAt:              fromMillis(ints["created_ms"]),
	}, nil
}

// GetUserByAPIKey returns the user owning apiKey.
func (s *Store) GetUserByAPIKey(ctx context.Context, apiKey string) (*models.User, error) {
	id, err := s.client.Get(ctx, s.apiKeyKey(store.HashAPIKey(apiKey))).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tokengate/redis: get api key: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

// CreateUser inserts u.
func (s *Store) CreateUser(ctx context.Context, u models.User) error {
	created := u.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	res, err := createScript.Run(ctx, s.client,
		[]string{s.userKey(u.ID), s.apiKeyKey(u.APIKeyHash), s.usersKey()},
		u.ID, u.Name, string(u.Role), u.APIKeyHash,
		u.TokenBalance, u.TotalTokensUsed, toMillis(u.LastTokenReplenishTime), toMillis(created),
	).Int64()
	if err != nil {
		return fmt.Errorf("tokengate/redis: create user: %w", err)
	}
	if res < 0 {
		return store.ErrExists
	}
	return nil
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	ids, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("tokengate/redis: list users: %w", err)
	}
	sort.Strings(ids)

	users := make([]models.User, 0, len(ids))
	for _, id := range ids {
		u, err := s.GetUserByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, nil
}

// InitializeUserTokens sets the balance and stamps the replenish time.
func (s *Store) InitializeUserTokens(ctx context.Context, id string, amount int64) error {
	return s.set(ctx, "initialize tokens", id,
		"token_balance", amount, "last_replenish_ms", toMillis(s.now()))
}

// CanUserConsumeTokens replenishes a due account and reports coverage.
func (s *Store) CanUserConsumeTokens(ctx context.Context, id string, amount int64, interval time.Duration, replenish int64) (bool, bool, error) {
	res, err := probeScript.Run(ctx, s.client,
		[]string{s.userKey(id)},
		amount, toMillis(s.now()), interval.Milliseconds(), replenish,
	).Int64Slice()
	if err != nil {
		return false, false, fmt.Errorf("tokengate/redis: replenish tokens: %w", err)
	}
	if len(res) != 2 {
		return false, false, fmt.Errorf("tokengate/redis: unexpected probe result: %v", res)
	}
	if res[0] < 0 {
		return false, false, store.ErrNotFound
	}
	return res[0] == 1, res[1] == 1, nil
}

// DeductUserTokens debits amount without a floor.
func (s *Store) DeductUserTokens(ctx context.Context, id string, amount int64) error {
	res, err := deductScript.Run(ctx, s.client, []string{s.userKey(id)}, -amount, amount).Int64()
	if err != nil {
		return fmt.Errorf("tokengate/redis: deduct tokens: %w", err)
	}
	if res < 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateUserTokenBalance sets the balance.
func (s *Store) UpdateUserTokenBalance(ctx context.Context, id string, balance int64) error {
	return s.set(ctx, "update balance", id, "token_balance", balance)
}

func (s *Store) set(ctx context.Context, op, id string, pairs ...any) error {
	res, err := setScript.Run(ctx, s.client, []string{s.userKey(id)}, pairs...).Int64()
	if err != nil {
		return fmt.Errorf("tokengate/redis: %s: %w", op, err)
	}
	if res < 0 {
		return store.ErrNotFound
	}
	return nil
}

// Close closes the client when the Store owns it.
func (s *Store) Close() error {
	return s.closer()
}
