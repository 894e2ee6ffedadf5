// Package redisstore keeps refresh records in Redis so sessions survive restarts and are
// shared across processes. Every read-modify-write runs as a Lua script, which Redis
// executes atomically.
//
// Layout, with a configurable prefix p:
//
//	{p}:rt:<tokenID>      hash {account, exp, revoked, created} (times in unix ms)
//	{p}:acct:<accountID>  set of token ids
//	{p}:exp               sorted set of token ids scored by exp
//
// The {p} hash tag puts every key of one store in the same cluster slot. RevokeAll and
// Sweep reach token hashes they only learn about from a set, so those keys cannot be
// declared up front; sharing the slot is what keeps the scripts valid on Redis Cluster.
// The price is that one store lives on one shard.
//
// Records carry no Redis TTL; Sweep is responsible for removal.
package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/jrsteele09/go-session-authority/token/refresh"
)

const (
	consumeStatusNotFound int64 = 0
	consumeStatusConsumed int64 = 1
	consumeStatusRevoked  int64 = 2
	consumeStatusExpired  int64 = 3
	// Rotate only.
	consumeStatusOwnerMismatch int64 = 4
)

const consumeScript = `
local h = redis.call("HMGET", KEYS[1], "account", "exp", "revoked", "created")
if not h[1] then
  return {0}
end
if h[3] == "1" then
  return {2}
end
if tonumber(h[2]) <= tonumber(ARGV[1]) then
  return {3}
end
redis.call("HSET", KEYS[1], "revoked", "1")
return {1, h[1], h[2], h[4]}
`

// KEYS: old token, new token, account set, expiry index.
// ARGV: now, account, new id, new exp, new created, new revoked.
const rotateScript = `
local h = redis.call("HMGET", KEYS[1], "account", "exp", "revoked", "created")
if not h[1] then
  return {0}
end
if h[1] ~= ARGV[2] then
  return {4}
end
if h[3] == "1" then
  return {2}
end
if tonumber(h[2]) <= tonumber(ARGV[1]) then
  return {3}
end
redis.call("HSET", KEYS[1], "revoked", "1")
redis.call("HSET", KEYS[2], "account", ARGV[2], "exp", ARGV[4], "revoked", ARGV[6], "created", ARGV[5])
redis.call("SADD", KEYS[3], ARGV[3])
redis.call("ZADD", KEYS[4], ARGV[4], ARGV[3])
return {1, h[1], h[2], h[4]}
`

const revokeScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  redis.call("HSET", KEYS[1], "revoked", "1")
end
return 0
`

const revokeAllScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local n = 0
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  if redis.call("HGET", key, "revoked") == "0" then
    redis.call("HSET", key, "revoked", "1")
    n = n + 1
  end
end
return n
`

const sweepScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  local account = redis.call("HGET", key, "account")
  redis.call("DEL", key)
  if account then
    redis.call("SREM", ARGV[3] .. account, id)
  end
  redis.call("ZREM", KEYS[1], id)
end
return #ids
`

var (
	consumeLua   = redis.NewScript(consumeScript)
	rotateLua    = redis.NewScript(rotateScript)
	revokeLua    = redis.NewScript(revokeScript)
	revokeAllLua = redis.NewScript(revokeAllScript)
	sweepLua     = redis.NewScript(sweepScript)
)

var _ refresh.Repo = (*Store)(nil)

// Store implements refresh.Repo on Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// New returns a store keyed under the hash tag {prefix}. An empty prefix defaults to "sa".
func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "sa"
	}
	return &Store{rdb: rdb, prefix: "{" + prefix + "}"}
}

func (s *Store) tokenPrefix() string   { return s.prefix + ":rt:" }
func (s *Store) accountPrefix() string { return s.prefix + ":acct:" }
func (s *Store) expiryKey() string     { return s.prefix + ":exp" }

func (s *Store) tokenKey(id string) string   { return s.tokenPrefix() + id }
func (s *Store) accountKey(id string) string { return s.accountPrefix() + id }

func revokedFlag(r *refresh.Record) string {
	if r.Revoked {
		return "1"
	}
	return "0"
}

func (s *Store) Create(ctx context.Context, record *refresh.Record) error {
	revoked := revokedFlag(record)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.tokenKey(record.TokenID),
			"account", record.AccountID,
			"exp", record.ExpiresAt.UnixMilli(),
			"revoked", revoked,
			"created", record.CreatedAt.UnixMilli(),
		)
		pipe.SAdd(ctx, s.accountKey(record.AccountID), record.TokenID)
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(record.ExpiresAt.UnixMilli()), Member: record.TokenID})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "[redisstore.Create] TxPipelined")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, tokenID string) (*refresh.Record, error) {
	fields, err := s.rdb.HGetAll(ctx, s.tokenKey(tokenID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore.Get] HGetAll")
	}
	if len(fields) == 0 {
		return nil, refresh.ErrNotFound
	}
	return decodeRecord(tokenID, fields)
}

func (s *Store) Consume(ctx context.Context, tokenID string, now time.Time) (*refresh.Record, error) {
	res, err := consumeLua.Run(ctx, s.rdb, []string{s.tokenKey(tokenID)}, now.UnixMilli()).Slice()
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore.Consume] script")
	}
	return decodeConsumed("[redisstore.Consume]", tokenID, res)
}

func (s *Store) Rotate(ctx context.Context, tokenID string, next *refresh.Record, now time.Time) (*refresh.Record, error) {
	keys := []string{s.tokenKey(tokenID), s.tokenKey(next.TokenID), s.accountKey(next.AccountID), s.expiryKey()}
	res, err := rotateLua.Run(ctx, s.rdb, keys,
		now.UnixMilli(),
		next.AccountID,
		next.TokenID,
		next.ExpiresAt.UnixMilli(),
		next.CreatedAt.UnixMilli(),
		revokedFlag(next),
	).Slice()
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore.Rotate] script")
	}
	return decodeConsumed("[redisstore.Rotate]", tokenID, res)
}

// decodeConsumed turns a consume or rotate script reply into the record as it was.
func decodeConsumed(op, tokenID string, res []any) (*refresh.Record, error) {
	if len(res) == 0 {
		return nil, errors.New(op + " empty script result")
	}
	status, _ := res[0].(int64)
	switch status {
	case consumeStatusNotFound:
		return nil, refresh.ErrNotFound
	case consumeStatusRevoked:
		return nil, refresh.ErrRevoked
	case consumeStatusExpired:
		return nil, refresh.ErrExpired
	case consumeStatusOwnerMismatch:
		return nil, refresh.ErrOwnerMismatch
	case consumeStatusConsumed:
	default:
		return nil, errors.Errorf("%s unknown status %d", op, status)
	}
	if len(res) != 4 {
		return nil, errors.New(op + " malformed script result")
	}

	account, _ := res[1].(string)
	exp, _ := res[2].(string)
	created, _ := res[3].(string)
	return decodeRecord(tokenID, map[string]string{
		"account": account,
		"exp":     exp,
		"created": created,
		"revoked": "0",
	})
}

func (s *Store) Revoke(ctx context.Context, tokenID string) error {
	if err := revokeLua.Run(ctx, s.rdb, []string{s.tokenKey(tokenID)}).Err(); err != nil {
		return errors.Wrap(err, "[redisstore.Revoke] script")
	}
	return nil
}

func (s *Store) RevokeAll(ctx context.Context, accountID string) (int, error) {
	n, err := revokeAllLua.Run(ctx, s.rdb, []string{s.accountKey(accountID)}, s.tokenPrefix()).Int()
	if err != nil {
		return 0, errors.Wrap(err, "[redisstore.RevokeAll] script")
	}
	return n, nil
}

func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := sweepLua.Run(ctx, s.rdb, []string{s.expiryKey()},
		now.UnixMilli(), s.tokenPrefix(), s.accountPrefix()).Int()
	if err != nil {
		return 0, errors.Wrap(err, "[redisstore.Sweep] script")
	}
	return n, nil
}

func (s *Store) ListByAccount(ctx context.Context, accountID string) ([]*refresh.Record, error) {
	ids, err := s.rdb.SMembers(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore.ListByAccount] SMembers")
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.tokenKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore.ListByAccount] Pipelined")
	}

	records := make([]*refresh.Record, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(ids[i], fields)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeRecord(tokenID string, fields map[string]string) (*refresh.Record, error) {
	exp, err := strconv.ParseInt(fields["exp"], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore] decode exp")
	}
	created, err := strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore] decode created")
	}
	return &refresh.Record{
		TokenID:   tokenID,
		AccountID: fields["account"],
		ExpiresAt: time.UnixMilli(exp).UTC(),
		Revoked:   fields["revoked"] == "1",
		CreatedAt: time.UnixMilli(created).UTC(),
	}, nil
}
