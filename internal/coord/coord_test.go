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

package coord

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"marketwatch/pkg/market"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewWithClient(rdb, Options{LockTTL: time.Hour, SnapshotTTL: time.Minute}, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestAcquireAndReleaseLock(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, 7)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to win")
	}

	ok, err = c.AcquireLock(ctx, 7)
	if err != nil {
		t.Fatalf("AcquireLock (second) failed: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to lose")
	}

	info, err := c.InspectLock(ctx, 7)
	if err != nil {
		t.Fatalf("InspectLock failed: %v", err)
	}
	if !info.Held {
		t.Fatal("expected lock held")
	}
	if info.AcquiredAt.IsZero() {
		t.Fatal("expected acquisition timestamp to parse")
	}
	if info.Elapsed < 0 || info.Elapsed > time.Minute {
		t.Fatalf("unexpected elapsed: %v", info.Elapsed)
	}

	if err := c.ReleaseLock(ctx, 7); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	ok, err = c.AcquireLock(ctx, 7)
	if err != nil {
		t.Fatalf("AcquireLock (after release) failed: %v", err)
	}
	if !ok {
		t.Fatal("expected acquire to win after release")
	}

	// Releasing an unheld lock is fine.
	if err := c.ReleaseLock(ctx, 99); err != nil {
		t.Fatalf("ReleaseLock (unheld) failed: %v", err)
	}
}

func TestExtendLockResetsTTL(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.AcquireLock(ctx, 3); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	mr.FastForward(30 * time.Minute)

	ok, err := c.ExtendLock(ctx, 3)
	if err != nil {
		t.Fatalf("ExtendLock failed: %v", err)
	}
	if !ok {
		t.Fatal("expected extend to find the lock")
	}
	if ttl := mr.TTL(lockKey(3)); ttl != time.Hour {
		t.Fatalf("expected TTL reset to 1h, got %v", ttl)
	}

	// Extending a missing lock reports false, the abort signal.
	ok, err = c.ExtendLock(ctx, 404)
	if err != nil {
		t.Fatalf("ExtendLock (missing) failed: %v", err)
	}
	if ok {
		t.Fatal("expected extend of missing lock to report false")
	}
}

func TestInspectLockEstimatesFromTTL(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	// A lock value this build cannot parse. Age must be estimated from
	// the burned-down TTL instead.
	mr.Set(lockKey(5), "not-a-timestamp")
	mr.SetTTL(lockKey(5), 30*time.Minute)

	info, err := c.InspectLock(ctx, 5)
	if err != nil {
		t.Fatalf("InspectLock failed: %v", err)
	}
	if !info.Held {
		t.Fatal("expected lock held")
	}
	if !info.AcquiredAt.IsZero() {
		t.Fatalf("expected zero AcquiredAt, got %v", info.AcquiredAt)
	}
	if info.Elapsed != 30*time.Minute {
		t.Fatalf("expected 30m elapsed from TTL, got %v", info.Elapsed)
	}

	info, err = c.InspectLock(ctx, 6)
	if err != nil {
		t.Fatalf("InspectLock (missing) failed: %v", err)
	}
	if info.Held {
		t.Fatal("expected missing lock to report not held")
	}
}

func TestProxyBlockMarkers(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.BlockProxy(ctx, 1, 600*time.Second); err != nil {
		t.Fatalf("BlockProxy failed: %v", err)
	}
	blocked, err := c.ProxyBlocked(ctx, 1)
	if err != nil {
		t.Fatalf("ProxyBlocked failed: %v", err)
	}
	if !blocked {
		t.Fatal("expected proxy 1 blocked")
	}

	set, err := c.BlockedSet(ctx, []int64{1, 2})
	if err != nil {
		t.Fatalf("BlockedSet failed: %v", err)
	}
	if !set[1] || set[2] {
		t.Fatalf("unexpected blocked set: %v", set)
	}

	// The marker expires on its own.
	mr.FastForward(601 * time.Second)
	blocked, err = c.ProxyBlocked(ctx, 1)
	if err != nil {
		t.Fatalf("ProxyBlocked (after expiry) failed: %v", err)
	}
	if blocked {
		t.Fatal("expected block to expire")
	}

	// Manual unblock clears it early.
	if err := c.BlockProxy(ctx, 2, time.Hour); err != nil {
		t.Fatalf("BlockProxy (2) failed: %v", err)
	}
	if err := c.UnblockProxy(ctx, 2); err != nil {
		t.Fatalf("UnblockProxy failed: %v", err)
	}
	blocked, err = c.ProxyBlocked(ctx, 2)
	if err != nil {
		t.Fatalf("ProxyBlocked (after unblock) failed: %v", err)
	}
	if blocked {
		t.Fatal("expected proxy 2 unblocked")
	}

	// Zero-duration blocks are ignored.
	if err := c.BlockProxy(ctx, 3, 0); err != nil {
		t.Fatalf("BlockProxy (zero) failed: %v", err)
	}
	if blocked, _ := c.ProxyBlocked(ctx, 3); blocked {
		t.Fatal("expected zero-duration block to be a no-op")
	}

	empty, err := c.BlockedSet(ctx, nil)
	if err != nil {
		t.Fatalf("BlockedSet (empty) failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty set, got %v", empty)
	}
}

func TestActiveProxySnapshot(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	_, ok, err := c.ActiveProxies(ctx)
	if err != nil {
		t.Fatalf("ActiveProxies (empty) failed: %v", err)
	}
	if ok {
		t.Fatal("expected no snapshot initially")
	}

	if err := c.SnapshotActiveProxies(ctx, []int64{3, 1, 8}); err != nil {
		t.Fatalf("SnapshotActiveProxies failed: %v", err)
	}
	ids, ok, err := c.ActiveProxies(ctx)
	if err != nil {
		t.Fatalf("ActiveProxies failed: %v", err)
	}
	if !ok || len(ids) != 3 || ids[0] != 3 || ids[1] != 1 || ids[2] != 8 {
		t.Fatalf("unexpected snapshot: ok=%v ids=%v", ok, ids)
	}

	// A nil list still writes a valid, empty snapshot.
	if err := c.SnapshotActiveProxies(ctx, nil); err != nil {
		t.Fatalf("SnapshotActiveProxies (nil) failed: %v", err)
	}
	ids, ok, err = c.ActiveProxies(ctx)
	if err != nil {
		t.Fatalf("ActiveProxies (nil snapshot) failed: %v", err)
	}
	if !ok || len(ids) != 0 {
		t.Fatalf("expected empty snapshot, got ok=%v ids=%v", ok, ids)
	}

	// Snapshots expire.
	mr.FastForward(61 * time.Second)
	_, ok, err = c.ActiveProxies(ctx)
	if err != nil {
		t.Fatalf("ActiveProxies (expired) failed: %v", err)
	}
	if ok {
		t.Fatal("expected snapshot to expire")
	}
}

func TestPublishAndSubscribeFoundItems(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, stop, err := c.FoundItemEvents(ctx)
	if err != nil {
		t.Fatalf("FoundItemEvents failed: %v", err)
	}
	defer stop()

	// Undecodable payloads are dropped, not fatal.
	if err := c.rdb.Publish(ctx, foundItemsChannel, "not json").Err(); err != nil {
		t.Fatalf("publish garbage failed: %v", err)
	}

	url := "https://steamcommunity.com/market/listings/730/AK-47"
	want := market.FoundItemEvent{
		ItemID:    11,
		TaskID:    7,
		ItemName:  "AK-47 | Redline (Field-Tested)",
		Price:     42.10,
		MarketURL: &url,
		ItemData:  `{"listingid":"5021"}`,
		TaskName:  "redline watch",
	}
	if err := c.PublishFoundItem(ctx, want); err != nil {
		t.Fatalf("PublishFoundItem failed: %v", err)
	}

	select {
	case got := <-events:
		if got.Type != market.EventTypeFoundItem {
			t.Fatalf("expected type %q, got %q", market.EventTypeFoundItem, got.Type)
		}
		if got.ItemID != want.ItemID || got.TaskID != want.TaskID || got.ItemName != want.ItemName || got.Price != want.Price {
			t.Fatalf("event mismatch:\n got: %+v\nwant: %+v", got, want)
		}
		if got.MarketURL == nil || *got.MarketURL != url {
			t.Fatalf("market url mismatch: %v", got.MarketURL)
		}
		if got.TaskName != want.TaskName {
			t.Fatalf("task name mismatch: %q", got.TaskName)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	// Stopping the subscription closes the channel.
	stop()
	select {
	case _, open := <-events:
		if open {
			// A buffered event may still arrive; drain one more.
			select {
			case _, open = <-events:
				if open {
					t.Fatal("expected channel to close after stop")
				}
			case <-time.After(5 * time.Second):
				t.Fatal("timed out waiting for channel close")
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
