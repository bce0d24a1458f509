// Package redis is the shared-coordination store backend. It keeps the hot
// pipeline state (dedup, pending turns, locks, rate and breaker windows) in
// Redis so several gateway instances can share one ledger.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/turnbot/internal/bus"
	"github.com/nextlevelbuilder/turnbot/internal/store"
)

const (
	dedupPrefix   = "turnbot:dedup:"
	pendingPrefix = "turnbot:pending:"
	lockPrefix    = "turnbot:lock:"
	ratePrefix    = "turnbot:rate:"
	historyPrefix = "turnbot:history:"
	breakerKey    = "turnbot:breaker"
	killSwitchKey = "turnbot:killswitch"
	manualKey     = "turnbot:manual"
)

// acquireScript grants the lock to the caller when it is free or already
// theirs, refreshing the lease either way.
var acquireScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false or v == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// releaseScript deletes the lock only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// drainScript reads and clears the pending list in one step.
var drainScript = redis.NewScript(`
local msgs = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return msgs
`)

// rateScript trims the rolling windows and records the event only when both
// caps still have room. ARGV: now, dailyCutoff, hourlyCutoff, hourlyMax,
// dailyMax, member.
var rateScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local daily = redis.call('ZCARD', KEYS[1])
local hourly = redis.call('ZCOUNT', KEYS[1], '(' .. ARGV[3], '+inf')
if hourly >= tonumber(ARGV[4]) or daily >= tonumber(ARGV[5]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[6])
return 1
`)

// breakerScript trims the window, records the event, and returns the count.
// ARGV: now, cutoff, member.
var breakerScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[3])
return redis.call('ZCARD', KEYS[1])
`)

// historyScript appends two entries and trims the list to the newest N.
// ARGV: user, assistant, keep.
var historyScript = redis.NewScript(`
redis.call('RPUSH', KEYS[1], ARGV[1], ARGV[2])
local keep = tonumber(ARGV[3])
if keep > 0 then
	redis.call('LTRIM', KEYS[1], -keep, -1)
end
return redis.call('LLEN', KEYS[1])
`)

// Store implements every store interface on one Redis database.
type Store struct {
	rdb *redis.Client
}

// Open connects and verifies the connection.
func Open(ctx context.Context, addr string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// New wraps an existing client.
func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Close releases the client.
func (s *Store) Close() error { return s.rdb.Close() }

// Stores returns a store.Stores with every field backed by s.
func (s *Store) Stores() *store.Stores {
	return &store.Stores{
		Dedup:         s,
		Turns:         s,
		Locks:         s,
		Rates:         s,
		Breaker:       s,
		Flags:         s,
		Conversations: s,
	}
}

func (s *Store) Admit(ctx context.Context, deliveryID string, now time.Time, retention time.Duration) (bool, error) {
	// SET NX with the retention as TTL: expiry doubles as the reclaim,
	// so a delivery id admits again once the window has passed.
	return s.rdb.SetNX(ctx, dedupPrefix+deliveryID, now.UnixMilli(), retention).Result()
}

// PruneDedup is a no-op: dedup entries carry a TTL and expire on their own.
func (s *Store) PruneDedup(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (s *Store) AppendPending(ctx context.Context, conversationID string, msg bus.PendingMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, pendingPrefix+conversationID, payload).Err()
}

func (s *Store) DrainPending(ctx context.Context, conversationID string) ([]bus.PendingMessage, error) {
	raw, err := drainScript.Run(ctx, s.rdb, []string{pendingPrefix + conversationID}).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	var msgs []bus.PendingMessage
	for _, item := range raw {
		var msg bus.PendingMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode pending message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *Store) PendingCount(ctx context.Context, conversationID string) (int, error) {
	n, err := s.rdb.LLen(ctx, pendingPrefix+conversationID).Result()
	return int(n), err
}

func (s *Store) AcquireLock(ctx context.Context, conversationID, holder string, now time.Time, lease time.Duration) (bool, error) {
	res, err := acquireScript.Run(ctx, s.rdb,
		[]string{lockPrefix + conversationID},
		holder, lease.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *Store) ReleaseLock(ctx context.Context, conversationID, holder string) error {
	return releaseScript.Run(ctx, s.rdb,
		[]string{lockPrefix + conversationID}, holder).Err()
}

// PruneLocks is a no-op: leases carry a TTL and expire on their own.
func (s *Store) PruneLocks(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (s *Store) RecordIfUnder(ctx context.Context, conversationID string, now time.Time, hourly, daily store.Limit) (bool, error) {
	res, err := rateScript.Run(ctx, s.rdb,
		[]string{ratePrefix + conversationID},
		now.UnixMilli(),
		now.Add(-daily.Window).UnixMilli(),
		now.Add(-hourly.Window).UnixMilli(),
		hourly.Max,
		daily.Max,
		uuid.NewString()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *Store) ClearRate(ctx context.Context, conversationID string) error {
	return s.rdb.Del(ctx, ratePrefix+conversationID).Err()
}

// PruneRates walks the per-conversation windows and trims aged-out events.
func (s *Store) PruneRates(ctx context.Context, before time.Time) (int64, error) {
	var pruned int64
	iter := s.rdb.Scan(ctx, 0, ratePrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		n, err := s.rdb.ZRemRangeByScore(ctx, iter.Val(),
			"-inf", fmt.Sprintf("(%d", before.UnixMilli())).Result()
		if err != nil {
			return pruned, err
		}
		pruned += n
	}
	return pruned, iter.Err()
}

func (s *Store) RecordAndCount(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	return breakerScript.Run(ctx, s.rdb,
		[]string{breakerKey},
		now.UnixMilli(),
		now.Add(-window).UnixMilli(),
		uuid.NewString()).Int()
}

func (s *Store) ResetBreaker(ctx context.Context) error {
	return s.rdb.Del(ctx, breakerKey).Err()
}

func (s *Store) BreakerCount(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	n, err := s.rdb.ZCount(ctx, breakerKey,
		fmt.Sprintf("(%d", now.Add(-window).UnixMilli()), "+inf").Result()
	return int(n), err
}

func (s *Store) KillSwitch(ctx context.Context) (store.KillSwitchState, error) {
	raw, err := s.rdb.Get(ctx, killSwitchKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.KillSwitchState{}, nil
	}
	if err != nil {
		return store.KillSwitchState{}, err
	}
	var state store.KillSwitchState
	if err := json.Unmarshal(raw, &state); err != nil {
		return store.KillSwitchState{}, fmt.Errorf("decode kill switch: %w", err)
	}
	return state, nil
}

func (s *Store) SetKillSwitch(ctx context.Context, state store.KillSwitchState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, killSwitchKey, raw, 0).Err()
}

func (s *Store) ManualMode(ctx context.Context, conversationID string) (bool, error) {
	return s.rdb.SIsMember(ctx, manualKey, conversationID).Result()
}

func (s *Store) SetManualMode(ctx context.Context, conversationID string, enabled bool) error {
	if enabled {
		return s.rdb.SAdd(ctx, manualKey, conversationID).Err()
	}
	return s.rdb.SRem(ctx, manualKey, conversationID).Err()
}

func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]store.Entry, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.rdb.LRange(ctx, historyPrefix+conversationID, start, -1).Result()
	if err != nil {
		return nil, err
	}
	var entries []store.Entry
	for _, item := range raw {
		var e store.Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) AppendExchange(ctx context.Context, conversationID string, user, assistant store.Entry, keep int) error {
	userRaw, err := json.Marshal(user)
	if err != nil {
		return err
	}
	assistantRaw, err := json.Marshal(assistant)
	if err != nil {
		return err
	}
	return historyScript.Run(ctx, s.rdb,
		[]string{historyPrefix + conversationID},
		userRaw, assistantRaw, keep).Err()
}
