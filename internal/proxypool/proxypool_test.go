package proxypool

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

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"marketwatch/internal/coord"
	"marketwatch/internal/fetch"
	"marketwatch/internal/store"
)

// stubProber returns canned outcomes per proxy URL. A non-nil gate makes
// every probe wait until the channel is closed.
type stubProber struct {
	mu       sync.Mutex
	outcomes map[string]fetch.Outcome
	gate     chan struct{}
	calls    int
}

func (s *stubProber) Probe(ctx context.Context, proxyURL string) fetch.Outcome {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if o, ok := s.outcomes[proxyURL]; ok {
		return o
	}
	return fetch.OutcomeOK
}

func newTestPool(t *testing.T, prober Prober) (*Pool, *store.Store, *coord.Coordinator, *miniredis.Miniredis) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	st, err := store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	co := coord.NewWithClient(rdb, coord.Options{LockTTL: time.Hour, SnapshotTTL: time.Minute}, nil)
	t.Cleanup(func() { _ = co.Close() })

	pool := New(st, co, prober, Options{BlockBase: 10 * time.Minute, BlockMax: time.Hour}, nil)
	return pool, st, co, mr
}

func blockKey(id int64) string {
	return fmt.Sprintf("proxy:blocked:%d", id)
}

func addProxies(t *testing.T, pool *Pool, urls ...string) []int64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, len(urls))
	for _, raw := range urls {
		id, _, err := pool.Add(ctx, raw)
		if err != nil {
			t.Fatalf("Add(%q) failed: %v", raw, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestAddCanonicalizesAndDeduplicates(t *testing.T) {
	pool, st, co, _ := newTestPool(t, &stubProber{})
	ctx := context.Background()

	id, added, err := pool.Add(ctx, "  1.2.3.4:8080:DE  ")
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !added {
		t.Fatal("Add reported an existing proxy for a fresh URL")
	}

	p, err := st.GetProxy(ctx, id)
	if err != nil {
		t.Fatalf("GetProxy failed: %v", err)
	}
	if p.URL != "http://1.2.3.4:8080" {
		t.Fatalf("stored URL = %q, want canonical form", p.URL)
	}

	// A different spelling of the same proxy resolves to the existing row.
	again, added, err := pool.Add(ctx, "HTTP://1.2.3.4:8080")
	if err != nil {
		t.Fatalf("Add duplicate failed: %v", err)
	}
	if added || again != id {
		t.Fatalf("duplicate Add = (%d, %v), want (%d, false)", again, added, id)
	}

	if _, _, err := pool.Add(ctx, "ftp://1.2.3.4:21"); !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("Add with bad scheme returned %v, want ErrInvalid", err)
	}

	ids, ok, err := co.ActiveProxies(ctx)
	if err != nil || !ok {
		t.Fatalf("ActiveProxies = (ok=%v, err=%v), want a snapshot", ok, err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("snapshot = %v, want [%d]", ids, id)
	}
}

func TestLeaseRotatesAndSkipsUnusable(t *testing.T) {
	pool, st, co, _ := newTestPool(t, &stubProber{})
	ctx := context.Background()

	ids := addProxies(t, pool,
		"http://10.0.0.1:3128",
		"http://10.0.0.2:3128",
		"http://10.0.0.3:3128")

	lease := func() int64 {
		t.Helper()
		p, err := pool.Lease(ctx)
		if err != nil {
			t.Fatalf("Lease failed: %v", err)
		}
		return p.ID
	}

	got := []int64{lease(), lease(), lease(), lease()}
	want := []int64{ids[0], ids[1], ids[2], ids[0]}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lease order = %v, want %v", got, want)
		}
	}

	// Blocked proxies are skipped.
	if err := co.BlockProxy(ctx, ids[1], time.Minute); err != nil {
		t.Fatalf("BlockProxy failed: %v", err)
	}
	if got := lease(); got != ids[2] {
		t.Fatalf("lease after block = %d, want %d", got, ids[2])
	}

	// Deactivated proxies are skipped even while the snapshot still lists
	// them.
	if err := st.DeactivateProxy(ctx, ids[0], "operator disabled"); err != nil {
		t.Fatalf("DeactivateProxy failed: %v", err)
	}
	if got := lease(); got != ids[2] {
		t.Fatalf("lease after deactivation = %d, want %d", got, ids[2])
	}

	if err := co.BlockProxy(ctx, ids[2], time.Minute); err != nil {
		t.Fatalf("BlockProxy failed: %v", err)
	}
	if _, err := pool.Lease(ctx); !errors.Is(err, ErrNoProxy) {
		t.Fatalf("Lease with no usable proxies returned %v, want ErrNoProxy", err)
	}
}

func TestLeaseFallsBackToStoreWithoutSnapshot(t *testing.T) {
	pool, _, co, mr := newTestPool(t, &stubProber{})
	ctx := context.Background()

	ids := addProxies(t, pool, "http://10.0.1.1:3128")
	mr.Del("proxies:active")

	p, err := pool.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if p.ID != ids[0] {
		t.Fatalf("leased proxy %d, want %d", p.ID, ids[0])
	}

	// The fallback rebuilds the snapshot for the next caller.
	if _, ok, err := co.ActiveProxies(ctx); err != nil || !ok {
		t.Fatalf("ActiveProxies after fallback = (ok=%v, err=%v), want a snapshot", ok, err)
	}
}

func TestReportVerdictBookkeeping(t *testing.T) {
	pool, st, _, mr := newTestPool(t, &stubProber{})
	ctx := context.Background()

	ids := addProxies(t, pool, "http://10.1.1.1:3128")
	id := ids[0]
	key := blockKey(id)

	if err := pool.Report(ctx, id, VerdictOK, ""); err != nil {
		t.Fatalf("Report ok failed: %v", err)
	}
	p, err := st.GetProxy(ctx, id)
	if err != nil {
		t.Fatalf("GetProxy failed: %v", err)
	}
	if p.SuccessCount != 1 {
		t.Fatalf("success count = %d, want 1", p.SuccessCount)
	}

	if err := pool.Report(ctx, id, VerdictTransientFail, "connection reset"); err != nil {
		t.Fatalf("Report transient failed: %v", err)
	}
	p, err = st.GetProxy(ctx, id)
	if err != nil {
		t.Fatalf("GetProxy failed: %v", err)
	}
	if p.FailCount != 1 {
		t.Fatalf("fail count = %d, want 1", p.FailCount)
	}
	if p.DelaySeconds != 2.0 {
		t.Fatalf("delay = %v, want 2.0 after one failure", p.DelaySeconds)
	}
	if p.LastError == nil || *p.LastError != "connection reset" {
		t.Fatalf("last error = %v, want the reported detail", p.LastError)
	}

	// Rate limits set an escalating block marker.
	if err := pool.Report(ctx, id, VerdictRateLimited, ""); err != nil {
		t.Fatalf("Report rate limited failed: %v", err)
	}
	if ttl := mr.TTL(key); ttl != 10*time.Minute {
		t.Fatalf("first block TTL = %v, want 10m", ttl)
	}
	if err := pool.Report(ctx, id, VerdictRateLimited, ""); err != nil {
		t.Fatalf("Report rate limited failed: %v", err)
	}
	if ttl := mr.TTL(key); ttl != 20*time.Minute {
		t.Fatalf("second block TTL = %v, want 20m", ttl)
	}

	// Success clears the marker and resets the ladder.
	if err := pool.Report(ctx, id, VerdictOK, ""); err != nil {
		t.Fatalf("Report ok failed: %v", err)
	}
	if mr.Exists(key) {
		t.Fatal("block marker survived a successful report")
	}
	if err := pool.Report(ctx, id, VerdictRateLimited, ""); err != nil {
		t.Fatalf("Report rate limited failed: %v", err)
	}
	if ttl := mr.TTL(key); ttl != 10*time.Minute {
		t.Fatalf("block TTL after ladder reset = %v, want 10m", ttl)
	}
}

func TestSustainedFailuresDeactivate(t *testing.T) {
	pool, st, co, _ := newTestPool(t, &stubProber{})
	ctx := context.Background()

	ids := addProxies(t, pool, "http://10.2.2.2:3128")
	id := ids[0]

	for i := 0; i < 21; i++ {
		if err := pool.Report(ctx, id, VerdictHardFail, "proxyconnect tcp: connection refused"); err != nil {
			t.Fatalf("Report %d failed: %v", i, err)
		}
	}

	p, err := st.GetProxy(ctx, id)
	if err != nil {
		t.Fatalf("GetProxy failed: %v", err)
	}
	if p.IsActive {
		t.Fatalf("proxy still active after %d hard failures", p.FailCount)
	}

	snapshot, ok, err := co.ActiveProxies(ctx)
	if err != nil || !ok {
		t.Fatalf("ActiveProxies = (ok=%v, err=%v), want a snapshot", ok, err)
	}
	for _, got := range snapshot {
		if got == id {
			t.Fatal("deactivated proxy still in the active snapshot")
		}
	}
}

func TestRateLimitErrorsNeverDeactivate(t *testing.T) {
	pool, st, _, _ := newTestPool(t, &stubProber{})
	ctx := context.Background()

	ids := addProxies(t, pool, "http://10.3.3.3:3128")
	id := ids[0]

	for i := 0; i < 25; i++ {
		if err := pool.Report(ctx, id, VerdictTransientFail, "HTTP 429 from upstream"); err != nil {
			t.Fatalf("Report %d failed: %v", i, err)
		}
	}

	p, err := st.GetProxy(ctx, id)
	if err != nil {
		t.Fatalf("GetProxy failed: %v", err)
	}
	if !p.IsActive {
		t.Fatal("proxy deactivated despite rate-limit errors")
	}
	if p.DelaySeconds != 20.0 {
		t.Fatalf("delay = %v, want capped at 20.0", p.DelaySeconds)
	}
}

func TestHealthScan(t *testing.T) {
	prober := &stubProber{outcomes: map[string]fetch.Outcome{
		"http://10.4.4.1:3128": fetch.OutcomeOK,
		"http://10.4.4.2:3128": fetch.OutcomeRateLimited,
		"http://10.4.4.3:3128": fetch.OutcomeTransient,
	}}
	pool, st, co, mr := newTestPool(t, prober)
	ctx := context.Background()

	ids := addProxies(t, pool,
		"http://10.4.4.1:3128",
		"http://10.4.4.2:3128",
		"http://10.4.4.3:3128")

	// The healthy proxy starts out blocked; the scan must lift the block.
	if err := co.BlockProxy(ctx, ids[0], time.Hour); err != nil {
		t.Fatalf("BlockProxy failed: %v", err)
	}

	report, err := pool.HealthScan(ctx, 3)
	if err != nil {
		t.Fatalf("HealthScan failed: %v", err)
	}
	want := ScanReport{Scanned: 3, Healthy: 1, RateLimited: 1, Failed: 1, Unblocked: 1}
	if report != want {
		t.Fatalf("scan report = %+v, want %+v", report, want)
	}

	if mr.Exists(blockKey(ids[0])) {
		t.Fatal("healthy proxy still blocked after scan")
	}
	if !mr.Exists(blockKey(ids[1])) {
		t.Fatal("rate-limited proxy not blocked by scan")
	}

	p, err := st.GetProxy(ctx, ids[2])
	if err != nil {
		t.Fatalf("GetProxy failed: %v", err)
	}
	if p.FailCount != 1 {
		t.Fatalf("failing proxy fail count = %d, want 1", p.FailCount)
	}
}

func TestHealthScanSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	prober := &stubProber{gate: gate}
	pool, _, _, _ := newTestPool(t, prober)
	ctx := context.Background()

	addProxies(t, pool, "http://10.5.5.1:3128")

	done := make(chan error, 1)
	go func() {
		_, err := pool.HealthScan(ctx, 1)
		done <- err
	}()

	deadline := time.After(5 * time.Second)
	for {
		pool.mu.Lock()
		running := pool.scanning
		pool.mu.Unlock()
		if running {
			break
		}
		select {
		case <-deadline:
			t.Fatal("scan never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := pool.HealthScan(ctx, 1); !errors.Is(err, ErrScanRunning) {
		t.Fatalf("concurrent scan returned %v, want ErrScanRunning", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("HealthScan failed: %v", err)
	}

	prober.mu.Lock()
	calls := prober.calls
	prober.mu.Unlock()
	if calls != 1 {
		t.Fatalf("probe calls = %d, want 1 (rejected scan must not probe)", calls)
	}
}

func TestDeduplicateKeepsLowestID(t *testing.T) {
	pool, st, _, _ := newTestPool(t, &stubProber{})
	ctx := context.Background()

	// Rows inserted directly, bypassing Add's canonicalization, stand in
	// for imports from before URL normalization existed.
	keeper, err := st.InsertProxy(ctx, "http://10.6.6.1:3128")
	if err != nil {
		t.Fatalf("InsertProxy failed: %v", err)
	}
	dupA, err := st.InsertProxy(ctx, "HTTP://10.6.6.1:3128")
	if err != nil {
		t.Fatalf("InsertProxy failed: %v", err)
	}
	dupB, err := st.InsertProxy(ctx, "10.6.6.1:3128:US")
	if err != nil {
		t.Fatalf("InsertProxy failed: %v", err)
	}
	other, err := st.InsertProxy(ctx, "http://10.6.6.2:3128")
	if err != nil {
		t.Fatalf("InsertProxy failed: %v", err)
	}

	removed, err := pool.Deduplicate(ctx)
	if err != nil {
		t.Fatalf("Deduplicate failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	if _, err := st.GetProxy(ctx, keeper.ID); err != nil {
		t.Fatalf("keeper was removed: %v", err)
	}
	for _, id := range []int64{dupA.ID, dupB.ID} {
		if _, err := st.GetProxy(ctx, id); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("duplicate %d still present, err = %v", id, err)
		}
	}
	if _, err := st.GetProxy(ctx, other.ID); err != nil {
		t.Fatalf("unrelated proxy was removed: %v", err)
	}
}

func TestMostlyBlocked(t *testing.T) {
	pool, _, co, _ := newTestPool(t, &stubProber{})
	ctx := context.Background()

	ids := addProxies(t, pool,
		"http://10.7.7.1:3128",
		"http://10.7.7.2:3128",
		"http://10.7.7.3:3128")

	if pool.mostlyBlocked(ctx) {
		t.Fatal("mostlyBlocked = true with no blocks")
	}
	if err := co.BlockProxy(ctx, ids[0], time.Hour); err != nil {
		t.Fatalf("BlockProxy failed: %v", err)
	}
	if pool.mostlyBlocked(ctx) {
		t.Fatal("mostlyBlocked = true with 1 of 3 blocked")
	}
	if err := co.BlockProxy(ctx, ids[1], time.Hour); err != nil {
		t.Fatalf("BlockProxy failed: %v", err)
	}
	if !pool.mostlyBlocked(ctx) {
		t.Fatal("mostlyBlocked = false with 2 of 3 blocked")
	}
}
