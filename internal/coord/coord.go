// Marketwatch is a Steam Community Market monitoring service.
// Copyright (C) 2026 Marketwatch Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package coord wraps Redis for cross-process coordination: per-task
// execution locks, proxy block markers, the active-proxy snapshot, and
// the found-item event channel. Every piece of state here is advisory
// and expiring; the relational store stays the source of truth.
package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"marketwatch/pkg/market"
)

const (
	lockKeyPrefix    = "task_running:"
	blockKeyPrefix   = "proxy:blocked:"
	activeProxiesKey = "proxies:active"

	// foundItemsChannel carries one JSON event per newly found item.
	foundItemsChannel = "found_items"

	defaultLockTTL     = time.Hour
	defaultSnapshotTTL = 60 * time.Second
)

// Options configures the Redis connection and coordination TTLs.
type Options struct {
	Addr     string
	Password string
	DB       int

	// LockTTL bounds how long a crashed worker can hold a task lock.
	LockTTL time.Duration

	// SnapshotTTL bounds staleness of the active-proxy snapshot.
	SnapshotTTL time.Duration
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	rdb         *redis.Client
	logger      *slog.Logger
	lockTTL     time.Duration
	snapshotTTL time.Duration
	now         func() time.Time
}

// New connects to Redis and returns a Coordinator.
func New(opts Options, logger *slog.Logger) *Coordinator {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(rdb, opts, logger)
}

// NewWithClient wraps an existing client. Tests pass one backed by
// miniredis.
func NewWithClient(rdb *redis.Client, opts Options, logger *slog.Logger) *Coordinator {
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = defaultSnapshotTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		rdb:         rdb,
		logger:      logger,
		lockTTL:     opts.LockTTL,
		snapshotTTL: opts.SnapshotTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Close releases the underlying connection.
func (c *Coordinator) Close() error {
	return c.rdb.Close()
}

// Ping verifies connectivity for readiness checks.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// LockTTL reports the configured lock lifetime.
func (c *Coordinator) LockTTL() time.Duration {
	return c.lockTTL
}

func lockKey(taskID int64) string {
	return fmt.Sprintf("%s%d", lockKeyPrefix, taskID)
}

func blockKey(proxyID int64) string {
	return fmt.Sprintf("%s%d", blockKeyPrefix, proxyID)
}

// --------------- Task execution locks ---------------

// LockInfo describes the state of a task execution lock. AcquiredAt is
// zero when the stored timestamp could not be parsed; Elapsed is then
// estimated from the key's remaining TTL.
type LockInfo struct {
	Held       bool
	AcquiredAt time.Time
	Elapsed    time.Duration
}

// AcquireLock takes the per-task execution lock. The stored value is
// the acquisition timestamp so other processes can judge staleness.
// Returns false without error when another holder already owns it.
func (c *Coordinator) AcquireLock(ctx context.Context, taskID int64) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey(taskID), c.now().Format(time.RFC3339Nano), c.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock task=%d: %w", taskID, err)
	}
	return ok, nil
}

// ReleaseLock drops the per-task execution lock. Releasing a lock that
// is not held is not an error.
func (c *Coordinator) ReleaseLock(ctx context.Context, taskID int64) error {
	if err := c.rdb.Del(ctx, lockKey(taskID)).Err(); err != nil {
		return fmt.Errorf("release lock task=%d: %w", taskID, err)
	}
	return nil
}

// ExtendLock resets the lock TTL to its full lifetime. Returns false
// when the lock no longer exists, which a running job must treat as a
// signal to abort.
func (c *Coordinator) ExtendLock(ctx context.Context, taskID int64) (bool, error) {
	ok, err := c.rdb.Expire(ctx, lockKey(taskID), c.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("extend lock task=%d: %w", taskID, err)
	}
	return ok, nil
}

// InspectLock reads the lock without touching it.
func (c *Coordinator) InspectLock(ctx context.Context, taskID int64) (LockInfo, error) {
	key := lockKey(taskID)

	var getCmd *redis.StringCmd
	var ttlCmd *redis.DurationCmd
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		getCmd = pipe.Get(ctx, key)
		ttlCmd = pipe.TTL(ctx, key)
		return nil
	})
	if err != nil && err != redis.Nil {
		return LockInfo{}, fmt.Errorf("inspect lock task=%d: %w", taskID, err)
	}

	val, err := getCmd.Result()
	if err == redis.Nil {
		return LockInfo{}, nil
	}
	if err != nil {
		return LockInfo{}, fmt.Errorf("inspect lock task=%d: %w", taskID, err)
	}

	info := LockInfo{Held: true}
	if at, perr := time.Parse(time.RFC3339Nano, val); perr == nil {
		info.AcquiredAt = at
		info.Elapsed = c.now().Sub(at)
		return info, nil
	}

	// Unparseable value, likely written by hand or a different build.
	// Estimate age from how much of the TTL has burned down.
	if ttl := ttlCmd.Val(); ttl > 0 && ttl <= c.lockTTL {
		info.Elapsed = c.lockTTL - ttl
	}
	return info, nil
}

// --------------- Proxy block markers ---------------

// BlockProxy marks a proxy unusable for the given duration. The value
// records when the block was placed, for operators poking at Redis.
func (c *Coordinator) BlockProxy(ctx context.Context, proxyID int64, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if err := c.rdb.Set(ctx, blockKey(proxyID), c.now().Format(time.RFC3339Nano), d).Err(); err != nil {
		return fmt.Errorf("block proxy=%d: %w", proxyID, err)
	}
	return nil
}

// UnblockProxy clears a block marker ahead of its expiry.
func (c *Coordinator) UnblockProxy(ctx context.Context, proxyID int64) error {
	if err := c.rdb.Del(ctx, blockKey(proxyID)).Err(); err != nil {
		return fmt.Errorf("unblock proxy=%d: %w", proxyID, err)
	}
	return nil
}

// ProxyBlocked reports whether a single proxy is currently blocked.
func (c *Coordinator) ProxyBlocked(ctx context.Context, proxyID int64) (bool, error) {
	n, err := c.rdb.Exists(ctx, blockKey(proxyID)).Result()
	if err != nil {
		return false, fmt.Errorf("check block proxy=%d: %w", proxyID, err)
	}
	return n > 0, nil
}

// BlockedSet reports which of the given proxies are blocked, in a
// single round trip.
func (c *Coordinator) BlockedSet(ctx context.Context, proxyIDs []int64) (map[int64]bool, error) {
	if len(proxyIDs) == 0 {
		return map[int64]bool{}, nil
	}
	cmds := make([]*redis.IntCmd, len(proxyIDs))
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range proxyIDs {
			cmds[i] = pipe.Exists(ctx, blockKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check blocks: %w", err)
	}
	out := make(map[int64]bool, len(proxyIDs))
	for i, id := range proxyIDs {
		out[id] = cmds[i].Val() > 0
	}
	return out, nil
}

// --------------- Active proxy snapshot ---------------

// SnapshotActiveProxies publishes the current active proxy id list
// with a short TTL. Consumers fall back to the store when it expires.
func (c *Coordinator) SnapshotActiveProxies(ctx context.Context, proxyIDs []int64) error {
	if proxyIDs == nil {
		proxyIDs = []int64{}
	}
	data, err := json.Marshal(proxyIDs)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := c.rdb.Set(ctx, activeProxiesKey, data, c.snapshotTTL).Err(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ActiveProxies reads the snapshot. ok is false when the snapshot is
// missing or expired.
func (c *Coordinator) ActiveProxies(ctx context.Context) (ids []int64, ok bool, err error) {
	data, err := c.rdb.Get(ctx, activeProxiesKey).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &ids); err != nil {
		// A corrupt snapshot is the same as a missing one.
		return nil, false, nil
	}
	return ids, true, nil
}

// --------------- Found item events ---------------

// PublishFoundItem emits a found-item event. Delivery is fire and
// forget: subscribers that are offline miss the event, and the sweeper
// re-drives rows whose notification flag never flipped.
func (c *Coordinator) PublishFoundItem(ctx context.Context, ev market.FoundItemEvent) error {
	if ev.Type == "" {
		ev.Type = market.EventTypeFoundItem
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := c.rdb.Publish(ctx, foundItemsChannel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// FoundItemEvents subscribes to the found-item channel and returns a
// typed event stream. The returned stop function closes the
// subscription and, eventually, the channel. Messages that fail to
// decode are logged and dropped.
func (c *Coordinator) FoundItemEvents(ctx context.Context) (<-chan market.FoundItemEvent, func(), error) {
	sub := c.rdb.Subscribe(ctx, foundItemsChannel)

	// Confirm the subscription before handing out the channel.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", foundItemsChannel, err)
	}

	out := make(chan market.FoundItemEvent)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev market.FoundItemEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				c.logger.Warn("dropping undecodable event",
					slog.String("channel", foundItemsChannel),
					slog.String("error", err.Error()))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { _ = sub.Close() }
	return out, stop, nil
}
