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

// Package proxypool manages the outbound proxy fleet. Durable identity and
// statistics live in the relational store; volatile block markers and the
// active-id snapshot live in Redis. A proxy is leased only when it is
// active in the store and carries no block marker.
package proxypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"marketwatch/internal/fetch"
	"marketwatch/internal/metrics"
	"marketwatch/internal/store"
	"marketwatch/pkg/models"
)

// ErrNoProxy is returned by Lease when no proxy is usable. Callers treat
// it as "run without matches", never as a reason to block.
var ErrNoProxy = errors.New("proxypool: no usable proxy")

// Verdict is the caller's judgement of one use of a leased proxy.
type Verdict string

const (
	VerdictOK            Verdict = "ok"
	VerdictTransientFail Verdict = "transient_fail"
	VerdictRateLimited   Verdict = "rate_limited"
	VerdictHardFail      Verdict = "hard_fail"
)

// VerdictFor maps a fetch outcome to the verdict the pool should hear.
// A parse error still means the proxy moved bytes, so it counts as ok.
// The second return is false when no report should be made at all.
func VerdictFor(o fetch.Outcome) (Verdict, bool) {
	switch o {
	case fetch.OutcomeOK, fetch.OutcomeParseError:
		return VerdictOK, true
	case fetch.OutcomeTransient:
		return VerdictTransientFail, true
	case fetch.OutcomeRateLimited:
		return VerdictRateLimited, true
	case fetch.OutcomeHardFail:
		return VerdictHardFail, true
	default:
		return "", false
	}
}

const (
	defaultBlockBase       = 10 * time.Minute
	defaultBlockMax        = time.Hour
	defaultScanConcurrency = 20

	// A proxy is deactivated once failures dominate this hard, unless
	// the latest error was a rate limit (Steam blocks are temporary and
	// say nothing about the proxy itself).
	deactivateFailFloor = 20
	deactivateFailRatio = 3
)

// Store is the slice of the relational store the pool depends on.
type Store interface {
	ListProxies(ctx context.Context, activeOnly bool) ([]*models.Proxy, error)
	GetProxy(ctx context.Context, id int64) (*models.Proxy, error)
	GetProxyByURL(ctx context.Context, url string) (*models.Proxy, error)
	InsertProxy(ctx context.Context, url string) (*models.Proxy, error)
	DeleteProxy(ctx context.Context, id int64) error
	TouchProxyUsed(ctx context.Context, id int64) error
	ProxySuccess(ctx context.Context, id int64) error
	ProxyFailure(ctx context.Context, id int64, lastErr string) error
	DeactivateProxy(ctx context.Context, id int64, lastErr string) error
	ActivateProxy(ctx context.Context, id int64) error
}

// Coordinator is the slice of the Redis coordination layer the pool uses
// for block markers and the active snapshot.
type Coordinator interface {
	BlockProxy(ctx context.Context, proxyID int64, d time.Duration) error
	UnblockProxy(ctx context.Context, proxyID int64) error
	BlockedSet(ctx context.Context, ids []int64) (map[int64]bool, error)
	SnapshotActiveProxies(ctx context.Context, ids []int64) error
	ActiveProxies(ctx context.Context) ([]int64, bool, error)
}

// Prober checks whether a single proxy can still reach the market.
type Prober interface {
	Probe(ctx context.Context, proxyURL string) fetch.Outcome
}

// Options tunes block escalation and health scanning.
type Options struct {
	BlockBase       time.Duration
	BlockMax        time.Duration
	ScanConcurrency int
}

// Pool coordinates leases, verdicts and health scans over the proxy fleet.
type Pool struct {
	store  Store
	coord  Coordinator
	prober Prober
	logger *slog.Logger

	blockBase       time.Duration
	blockMax        time.Duration
	scanConcurrency int

	mu          sync.Mutex
	rr          int
	blockCounts map[int64]int
	scanning    bool
}

// New builds a pool with defaults applied. A nil logger falls back to
// slog.Default().
func New(st Store, coord Coordinator, prober Prober, opts Options, logger *slog.Logger) *Pool {
	if opts.BlockBase <= 0 {
		opts.BlockBase = defaultBlockBase
	}
	if opts.BlockMax <= 0 {
		opts.BlockMax = defaultBlockMax
	}
	if opts.ScanConcurrency <= 0 {
		opts.ScanConcurrency = defaultScanConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:           st,
		coord:           coord,
		prober:          prober,
		logger:          logger,
		blockBase:       opts.BlockBase,
		blockMax:        opts.BlockMax,
		scanConcurrency: opts.ScanConcurrency,
		blockCounts:     make(map[int64]int),
	}
}

// Lease picks the next usable proxy, least recently used first, and stamps
// its last_used. It returns ErrNoProxy instead of waiting when the fleet
// is exhausted.
func (p *Pool) Lease(ctx context.Context) (*models.Proxy, error) {
	ids, err := p.candidates(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoProxy
	}
	blocked := p.blockedSet(ctx, ids)

	p.mu.Lock()
	start := p.rr
	p.mu.Unlock()

	for i := 0; i < len(ids); i++ {
		pos := (start + i) % len(ids)
		id := ids[pos]
		if blocked[id] {
			continue
		}
		proxy, err := p.store.GetProxy(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lease proxy %d: %w", id, err)
		}
		if !proxy.IsActive {
			continue
		}
		p.mu.Lock()
		p.rr = pos + 1
		p.mu.Unlock()
		if err := p.store.TouchProxyUsed(ctx, proxy.ID); err != nil {
			p.logger.Warn("proxy last_used not stamped", "proxy_id", proxy.ID, "error", err)
		}
		return proxy, nil
	}
	return nil, ErrNoProxy
}

// Report records the caller's verdict on a leased proxy and refreshes the
// active snapshot.
func (p *Pool) Report(ctx context.Context, proxyID int64, verdict Verdict, detail string) error {
	metrics.RecordProxyReport(string(verdict))
	if err := p.apply(ctx, proxyID, verdict, detail); err != nil {
		return err
	}
	p.refreshSnapshot(ctx)
	return nil
}

// Add canonicalizes and stores a proxy URL. A duplicate returns the
// existing id with added=false.
func (p *Pool) Add(ctx context.Context, rawURL string) (int64, bool, error) {
	canonical, err := Canonical(rawURL)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", store.ErrInvalid, err)
	}
	proxy, err := p.store.InsertProxy(ctx, canonical)
	if errors.Is(err, store.ErrConflict) {
		existing, gerr := p.store.GetProxyByURL(ctx, canonical)
		if gerr != nil {
			return 0, false, fmt.Errorf("lookup duplicate proxy: %w", gerr)
		}
		return existing.ID, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	p.refreshSnapshot(ctx)
	return proxy.ID, true, nil
}

// Remove deletes a proxy, drops its block marker and refreshes the
// snapshot.
func (p *Pool) Remove(ctx context.Context, proxyID int64) error {
	if err := p.store.DeleteProxy(ctx, proxyID); err != nil {
		return err
	}
	if err := p.coord.UnblockProxy(ctx, proxyID); err != nil {
		p.logger.Warn("block marker not cleared", "proxy_id", proxyID, "error", err)
	}
	p.mu.Lock()
	delete(p.blockCounts, proxyID)
	p.mu.Unlock()
	p.refreshSnapshot(ctx)
	return nil
}

// Unblock clears a block marker by hand and resets the escalation ladder
// for that proxy.
func (p *Pool) Unblock(ctx context.Context, proxyID int64) error {
	if err := p.coord.UnblockProxy(ctx, proxyID); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.blockCounts, proxyID)
	p.mu.Unlock()
	return nil
}

// Activate re-enables a deactivated proxy and resets its statistics.
func (p *Pool) Activate(ctx context.Context, proxyID int64) error {
	if err := p.store.ActivateProxy(ctx, proxyID); err != nil {
		return err
	}
	p.refreshSnapshot(ctx)
	return nil
}

// Deduplicate removes proxies whose canonical URL repeats, keeping the
// lowest id of each group.
func (p *Pool) Deduplicate(ctx context.Context) (int, error) {
	proxies, err := p.store.ListProxies(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("list proxies: %w", err)
	}
	sort.Slice(proxies, func(i, j int) bool { return proxies[i].ID < proxies[j].ID })

	seen := make(map[string]int64, len(proxies))
	removed := 0
	for _, proxy := range proxies {
		key, err := Canonical(proxy.URL)
		if err != nil {
			key = proxy.URL
		}
		keeper, dup := seen[key]
		if !dup {
			seen[key] = proxy.ID
			continue
		}
		if err := p.store.DeleteProxy(ctx, proxy.ID); err != nil {
			return removed, fmt.Errorf("delete duplicate proxy %d: %w", proxy.ID, err)
		}
		if err := p.coord.UnblockProxy(ctx, proxy.ID); err != nil {
			p.logger.Warn("block marker not cleared", "proxy_id", proxy.ID, "error", err)
		}
		p.logger.Info("removed duplicate proxy",
			"proxy_id", proxy.ID, "kept", keeper, "url", key)
		removed++
	}
	if removed > 0 {
		p.refreshSnapshot(ctx)
	}
	return removed, nil
}

// candidates returns usable proxy ids, preferring the Redis snapshot and
// falling back to the store (refreshing the snapshot on the way).
func (p *Pool) candidates(ctx context.Context) ([]int64, error) {
	ids, ok, err := p.coord.ActiveProxies(ctx)
	if err == nil && ok {
		return ids, nil
	}
	if err != nil {
		p.logger.Warn("proxy snapshot unavailable, using store", "error", err)
	}

	proxies, lerr := p.store.ListProxies(ctx, true)
	if lerr != nil {
		return nil, fmt.Errorf("list proxies: %w", lerr)
	}
	fresh := make([]int64, 0, len(proxies))
	for _, proxy := range proxies {
		fresh = append(fresh, proxy.ID)
	}
	if err == nil {
		if serr := p.coord.SnapshotActiveProxies(ctx, fresh); serr != nil {
			p.logger.Warn("snapshot refresh failed", "error", serr)
		}
	}
	return fresh, nil
}

func (p *Pool) blockedSet(ctx context.Context, ids []int64) map[int64]bool {
	m, err := p.coord.BlockedSet(ctx, ids)
	if err != nil {
		p.logger.Warn("block markers unavailable, assuming none", "error", err)
		return map[int64]bool{}
	}
	return m
}

// apply records one verdict without touching the snapshot; Report and the
// health scan own the refresh cadence.
func (p *Pool) apply(ctx context.Context, proxyID int64, verdict Verdict, detail string) error {
	switch verdict {
	case VerdictOK:
		if err := p.store.ProxySuccess(ctx, proxyID); err != nil {
			return err
		}
		p.mu.Lock()
		delete(p.blockCounts, proxyID)
		p.mu.Unlock()
		if err := p.coord.UnblockProxy(ctx, proxyID); err != nil {
			p.logger.Warn("block marker not cleared", "proxy_id", proxyID, "error", err)
		}
		return nil

	case VerdictTransientFail:
		if detail == "" {
			detail = "transient failure"
		}
		if err := p.store.ProxyFailure(ctx, proxyID, detail); err != nil {
			return err
		}
		return p.maybeDeactivate(ctx, proxyID, detail)

	case VerdictRateLimited:
		if detail == "" {
			detail = "429 Too Many Requests"
		}
		if err := p.store.ProxyFailure(ctx, proxyID, detail); err != nil {
			return err
		}
		d := p.nextBlock(proxyID)
		if err := p.coord.BlockProxy(ctx, proxyID, d); err != nil {
			p.logger.Warn("block marker not set", "proxy_id", proxyID, "error", err)
		} else {
			p.logger.Info("proxy blocked after rate limit",
				"proxy_id", proxyID, "duration", d)
		}
		return nil

	case VerdictHardFail:
		if detail == "" {
			detail = "hard failure"
		}
		if err := p.store.ProxyFailure(ctx, proxyID, detail); err != nil {
			return err
		}
		return p.maybeDeactivate(ctx, proxyID, detail)

	default:
		return fmt.Errorf("unknown verdict %q", verdict)
	}
}

// maybeDeactivate applies the sustained-failure rule. Rate limits never
// deactivate: a 429 is Steam throttling the exit IP, not a broken proxy.
func (p *Pool) maybeDeactivate(ctx context.Context, proxyID int64, detail string) error {
	proxy, err := p.store.GetProxy(ctx, proxyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if proxy.FailCount <= deactivateFailFloor || proxy.FailCount <= deactivateFailRatio*proxy.SuccessCount {
		return nil
	}
	if proxy.LastError != nil && strings.Contains(*proxy.LastError, "429") {
		return nil
	}
	p.logger.Warn("deactivating proxy after sustained failures",
		"proxy_id", proxyID,
		"fail_count", proxy.FailCount,
		"success_count", proxy.SuccessCount)
	return p.store.DeactivateProxy(ctx, proxyID, detail)
}

// nextBlock returns the escalating block duration for a proxy: base on the
// first rate limit, doubling per consecutive block, capped. The ladder
// resets when the proxy reports ok.
func (p *Pool) nextBlock(proxyID int64) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.blockCounts[proxyID]
	p.blockCounts[proxyID] = n + 1
	d := p.blockBase
	for i := 0; i < n && d < p.blockMax; i++ {
		d *= 2
	}
	if d > p.blockMax {
		d = p.blockMax
	}
	return d
}

func (p *Pool) refreshSnapshot(ctx context.Context) {
	proxies, err := p.store.ListProxies(ctx, true)
	if err != nil {
		p.logger.Warn("snapshot refresh: list proxies failed", "error", err)
		return
	}
	ids := make([]int64, 0, len(proxies))
	for _, proxy := range proxies {
		ids = append(ids, proxy.ID)
	}
	if err := p.coord.SnapshotActiveProxies(ctx, ids); err != nil {
		p.logger.Warn("snapshot refresh failed", "error", err)
	}
}
