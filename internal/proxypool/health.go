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

package proxypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrScanRunning is returned when a health scan is already in flight;
// scans are single-flight per pool.
var ErrScanRunning = errors.New("proxypool: health scan already running")

// wavePause separates probe waves so a scan does not hit the market with
// every proxy at once.
const wavePause = time.Second

// fastScanInterval replaces the configured interval while more than half
// the fleet is blocked.
const fastScanInterval = time.Minute

// ScanReport aggregates one health scan.
type ScanReport struct {
	Scanned     int `json:"scanned"`
	Healthy     int `json:"healthy"`
	RateLimited int `json:"rate_limited"`
	Failed      int `json:"failed"`
	Unblocked   int `json:"unblocked"`
}

// HealthScan probes every active proxy in waves of at most concurrency,
// applying the usual verdict bookkeeping per probe. Zero concurrency uses
// the pool default.
func (p *Pool) HealthScan(ctx context.Context, concurrency int) (ScanReport, error) {
	if concurrency <= 0 {
		concurrency = p.scanConcurrency
	}
	p.mu.Lock()
	if p.scanning {
		p.mu.Unlock()
		return ScanReport{}, ErrScanRunning
	}
	p.scanning = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.scanning = false
		p.mu.Unlock()
	}()

	proxies, err := p.store.ListProxies(ctx, true)
	if err != nil {
		return ScanReport{}, fmt.Errorf("list proxies: %w", err)
	}
	ids := make([]int64, 0, len(proxies))
	for _, proxy := range proxies {
		ids = append(ids, proxy.ID)
	}
	wasBlocked := p.blockedSet(ctx, ids)

	var mu sync.Mutex
	report := ScanReport{Scanned: len(proxies)}

	for start := 0; start < len(proxies); start += concurrency {
		end := min(start+concurrency, len(proxies))
		var g errgroup.Group
		for _, proxy := range proxies[start:end] {
			g.Go(func() error {
				outcome := p.prober.Probe(ctx, proxy.URL)
				verdict, ok := VerdictFor(outcome)
				if !ok {
					return nil
				}
				detail := ""
				switch verdict {
				case VerdictTransientFail, VerdictHardFail:
					detail = "health probe: " + string(outcome)
				}
				if err := p.apply(ctx, proxy.ID, verdict, detail); err != nil {
					p.logger.Warn("health scan bookkeeping failed",
						"proxy_id", proxy.ID, "error", err)
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				switch verdict {
				case VerdictOK:
					report.Healthy++
					if wasBlocked[proxy.ID] {
						report.Unblocked++
					}
				case VerdictRateLimited:
					report.RateLimited++
				default:
					report.Failed++
				}
				return nil
			})
		}
		g.Wait()
		if end < len(proxies) {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(wavePause):
			}
		}
	}

	p.refreshSnapshot(ctx)
	p.logger.Info("health scan finished",
		"scanned", report.Scanned,
		"healthy", report.Healthy,
		"rate_limited", report.RateLimited,
		"failed", report.Failed,
		"unblocked", report.Unblocked)
	return report, nil
}

// Run scans once at startup and then on the given interval, tightening to
// fastScanInterval while more than half the fleet is blocked. It returns
// when the context is done.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	if _, err := p.HealthScan(ctx, 0); err != nil && !errors.Is(err, ErrScanRunning) {
		p.logger.Error("startup health scan failed", "error", err)
	}
	for {
		next := interval
		if p.mostlyBlocked(ctx) {
			next = fastScanInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
		if _, err := p.HealthScan(ctx, 0); err != nil && !errors.Is(err, ErrScanRunning) {
			p.logger.Error("health scan failed", "error", err)
		}
	}
}

func (p *Pool) mostlyBlocked(ctx context.Context) bool {
	proxies, err := p.store.ListProxies(ctx, true)
	if err != nil || len(proxies) == 0 {
		return false
	}
	ids := make([]int64, 0, len(proxies))
	for _, proxy := range proxies {
		ids = append(ids, proxy.ID)
	}
	blocked := p.blockedSet(ctx, ids)
	n := 0
	for _, id := range ids {
		if blocked[id] {
			n++
		}
	}
	return n*2 > len(ids)
}

// Counts summarizes the fleet: active proxies ready to lease, active
// ones sitting out a block, and deactivated ones.
func (p *Pool) Counts(ctx context.Context) (active, blocked, unusable int, err error) {
	proxies, err := p.store.ListProxies(ctx, false)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("list proxies: %w", err)
	}
	ids := make([]int64, 0, len(proxies))
	for _, proxy := range proxies {
		if proxy.IsActive {
			ids = append(ids, proxy.ID)
		}
	}
	marked := p.blockedSet(ctx, ids)
	for _, proxy := range proxies {
		switch {
		case !proxy.IsActive:
			unusable++
		case marked[proxy.ID]:
			blocked++
		default:
			active++
		}
	}
	return active, blocked, unusable, nil
}
