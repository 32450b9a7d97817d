// Package redis provides a Redis-backed budget.Store.
//
// Each budget is a hash. Money is kept as integer ten-thousandths so spend and
// reservations can be changed atomically with HINCRBY inside Lua scripts,
// which makes the store safe for multi-instance deployments.
//
// Keys carry the period as a hash tag, so a budget and its period index
// always share a cluster slot.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/budget"
)

// Store is a Redis-backed budget.Store.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	now       func() time.Time
}

var _ budget.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "imagegate:budget:").
// The prefix must not contain braces.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a Redis-backed store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "imagegate:budget:",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) budgetKey(subject budget.Subject, period budget.Period) string {
	return s.keyPrefix + "{" + period.String() + "}:" + subject.String()
}

func (s *Store) indexKey(period budget.Period) string {
	return s.keyPrefix + "index:{" + period.String() + "}"
}

// fields is the HMGET projection decode expects.
var fields = []string{"allocated", "spent", "mode", "alert_threshold", "updated_at", "reserved"}

// Every script returns the budget hash as
// {allocated, spent, mode, alert_threshold, updated_at, reserved}, or nil.

// ensureScript inserts the budget when absent.
// KEYS[1] = budget hash, KEYS[2] = period index set
// ARGV = allocated, spent, mode, alert_threshold, now, member
var ensureScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    redis.call("HSET", KEYS[1],
        "allocated", ARGV[1], "spent", ARGV[2], "mode", ARGV[3],
        "alert_threshold", ARGV[4], "updated_at", ARGV[5], "reserved", "0")
    redis.call("SADD", KEYS[2], ARGV[6])
end
return redis.call("HMGET", KEYS[1], "allocated", "spent", "mode", "alert_threshold", "updated_at", "reserved")
`)

// saveScript upserts allocation settings, keeping spend when the budget exists.
// KEYS and ARGV as ensureScript.
var saveScript = goredis.NewScript(`
redis.call("HSET", KEYS[1],
    "allocated", ARGV[1], "mode", ARGV[3],
    "alert_threshold", ARGV[4], "updated_at", ARGV[5])
redis.call("HSETNX", KEYS[1], "spent", ARGV[2])
redis.call("HSETNX", KEYS[1], "reserved", "0")
redis.call("SADD", KEYS[2], ARGV[6])
return redis.call("HMGET", KEYS[1], "allocated", "spent", "mode", "alert_threshold", "updated_at", "reserved")
`)

// addSpendScript increments spend.
// KEYS[1] = budget hash
// ARGV[1] = amount (ten-thousandths), ARGV[2] = now
var addSpendScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return false
end
redis.call("HINCRBY", KEYS[1], "spent", ARGV[1])
redis.call("HSET", KEYS[1], "updated_at", ARGV[2])
return redis.call("HMGET", KEYS[1], "allocated", "spent", "mode", "alert_threshold", "updated_at", "reserved")
`)

// reserveScript holds an amount unless a hard, capped budget would overflow.
// KEYS[1] = budget hash
// ARGV[1] = amount (ten-thousandths), ARGV[2] = now
// Returns the budget hash followed by 1 (held) or 0 (refused).
var reserveScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return false
end
local allocated = tonumber(redis.call("HGET", KEYS[1], "allocated") or "0")
local spent = tonumber(redis.call("HGET", KEYS[1], "spent") or "0")
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved") or "0")
local mode = redis.call("HGET", KEYS[1], "mode")
local amount = tonumber(ARGV[1])

local held = 1
if mode == "hard" and allocated > 0 and spent + reserved + amount > allocated then
    held = 0
else
    redis.call("HINCRBY", KEYS[1], "reserved", amount)
    redis.call("HSET", KEYS[1], "updated_at", ARGV[2])
end

local vals = redis.call("HMGET", KEYS[1], "allocated", "spent", "mode", "alert_threshold", "updated_at", "reserved")
vals[7] = held
return vals
`)

// settleScript releases a hold and records the actual spend.
// KEYS[1] = budget hash
// ARGV[1] = held, ARGV[2] = actual (ten-thousandths), ARGV[3] = now
var settleScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return false
end
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved") or "0") - tonumber(ARGV[1])
if reserved < 0 then
    reserved = 0
end
redis.call("HSET", KEYS[1], "reserved", tostring(reserved), "updated_at", ARGV[3])
redis.call("HINCRBY", KEYS[1], "spent", ARGV[2])
return redis.call("HMGET", KEYS[1], "allocated", "spent", "mode", "alert_threshold", "updated_at", "reserved")
`)

func (s *Store) Load(ctx context.Context, subject budget.Subject, period budget.Period) (budget.Budget, error) {
	vals, err := s.client.HMGet(ctx, s.budgetKey(subject, period), fields...).Result()
	if err != nil {
		return budget.Budget{}, fmt.Errorf("imagegate/redis: load: %w", err)
	}
	return decode(subject, period, vals)
}

func (s *Store) Save(ctx context.Context, b budget.Budget) (budget.Budget, error) {
	return s.write(ctx, saveScript, "save", b)
}

func (s *Store) Ensure(ctx context.Context, b budget.Budget) (budget.Budget, error) {
	return s.write(ctx, ensureScript, "ensure", b)
}

func (s *Store) write(ctx context.Context, script *goredis.Script, op string, b budget.Budget) (budget.Budget, error) {
	res, err := script.Run(ctx, s.client,
		[]string{s.budgetKey(b.Subject, b.Period), s.indexKey(b.Period)},
		toUnits(b.Allocated), toUnits(b.Spent), string(b.Mode), b.AlertThresholdPercent,
		s.now().UTC().Unix(), b.Subject.String(),
	).Slice()
	if err != nil {
		return budget.Budget{}, fmt.Errorf("imagegate/redis: %s: %w", op, err)
	}
	return decode(b.Subject, b.Period, res)
}

func (s *Store) AddSpend(ctx context.Context, subject budget.Subject, period budget.Period, amount decimal.Decimal) (budget.Budget, error) {
	res, err := addSpendScript.Run(ctx, s.client,
		[]string{s.budgetKey(subject, period)},
		toUnits(amount), s.now().UTC().Unix(),
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return budget.Budget{}, budget.ErrNotFound
	}
	if err != nil {
		return budget.Budget{}, fmt.Errorf("imagegate/redis: add spend: %w", err)
	}
	return decode(subject, period, res)
}

func (s *Store) Reserve(ctx context.Context, subject budget.Subject, period budget.Period, amount decimal.Decimal) (budget.Budget, bool, error) {
	res, err := reserveScript.Run(ctx, s.client,
		[]string{s.budgetKey(subject, period)},
		toUnits(amount), s.now().UTC().Unix(),
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return budget.Budget{}, false, budget.ErrNotFound
	}
	if err != nil {
		return budget.Budget{}, false, fmt.Errorf("imagegate/redis: reserve: %w", err)
	}
	if len(res) < 7 {
		return budget.Budget{}, false, fmt.Errorf("imagegate/redis: reserve: unexpected reply of %d values", len(res))
	}
	held, _ := res[6].(int64)
	b, err := decode(subject, period, res[:6])
	if err != nil {
		return budget.Budget{}, false, err
	}
	return b, held == 1, nil
}

func (s *Store) Settle(ctx context.Context, subject budget.Subject, period budget.Period, held, actual decimal.Decimal) (budget.Budget, error) {
	res, err := settleScript.Run(ctx, s.client,
		[]string{s.budgetKey(subject, period)},
		toUnits(held), toUnits(actual), s.now().UTC().Unix(),
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return budget.Budget{}, budget.ErrNotFound
	}
	if err != nil {
		return budget.Budget{}, fmt.Errorf("imagegate/redis: settle: %w", err)
	}
	return decode(subject, period, res)
}

func (s *Store) List(ctx context.Context, period budget.Period) ([]budget.Budget, error) {
	members, err := s.client.SMembers(ctx, s.indexKey(period)).Result()
	if err != nil {
		return nil, fmt.Errorf("imagegate/redis: list: %w", err)
	}
	sort.Strings(members)

	out := make([]budget.Budget, 0, len(members))
	for _, m := range members {
		subject, err := budget.ParseSubject(m)
		if err != nil {
			return nil, fmt.Errorf("imagegate/redis: list: %w", err)
		}
		b, err := s.Load(ctx, subject, period)
		if errors.Is(err, budget.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	budget.SortBySubject(out)
	return out, nil
}

func toUnits(d decimal.Decimal) int64 {
	return imagegate.RoundMoney(d).Shift(imagegate.MoneyPlaces).IntPart()
}

func fromUnits(n int64) decimal.Decimal {
	return decimal.New(n, -imagegate.MoneyPlaces)
}

func decode(subject budget.Subject, period budget.Period, vals []interface{}) (budget.Budget, error) {
	if len(vals) < 6 || vals[0] == nil {
		return budget.Budget{}, budget.ErrNotFound
	}

	str := func(i int) string {
		if v, ok := vals[i].(string); ok {
			return v
		}
		return ""
	}

	allocated, err := strconv.ParseInt(str(0), 10, 64)
	if err != nil {
		return budget.Budget{}, fmt.Errorf("imagegate/redis: corrupt allocated for %s: %w", subject, err)
	}
	spent, err := strconv.ParseInt(str(1), 10, 64)
	if err != nil {
		return budget.Budget{}, fmt.Errorf("imagegate/redis: corrupt spent for %s: %w", subject, err)
	}
	threshold, _ := strconv.Atoi(str(3))
	updated, _ := strconv.ParseInt(str(4), 10, 64)
	// Hashes written before reservations existed have no reserved field.
	reserved, _ := strconv.ParseInt(str(5), 10, 64)

	return budget.Budget{
		Subject:               subject,
		Period:                period,
		Allocated:             fromUnits(allocated),
		Spent:                 fromUnits(spent),
		Reserved:              fromUnits(reserved),
		Mode:                  budget.Mode(str(2)),
		AlertThresholdPercent: threshold,
		UpdatedAt:             time.Unix(updated, 0).UTC(),
	}, nil
}
