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

package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"marketwatch/internal/filter"
	"marketwatch/pkg/market"
)

const (
	defaultBaseURL  = "https://steamcommunity.com"
	defaultTimeout  = 30 * time.Second
	searchPath      = "/market/search/render/"
	defaultAppID    = 730
	defaultCurrency = 1
	maxPageSize     = 100
	maxBodyBytes    = 8 << 20
)

// userAgents rotates per request so consecutive calls through the same
// proxy do not share a browser fingerprint.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:132.0) Gecko/20100101 Firefox/132.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Safari/605.1.15",
}

// Options configures the HTTP fetcher. Zero values fall back to the real
// market endpoint with a 30s per-call timeout.
type Options struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPFetcher is the production ItemFetcher. Each upstream host gets its
// own circuit breaker; transports are cached per proxy so repeated leases
// of the same proxy reuse connections.
type HTTPFetcher struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
	transports map[string]*http.Transport

	uaIndex atomic.Uint64
}

var _ ItemFetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher builds a fetcher with defaults applied. A nil logger
// falls back to slog.Default().
func NewHTTPFetcher(opts Options, logger *slog.Logger) *HTTPFetcher {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		opts:       opts,
		logger:     logger,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		transports: make(map[string]*http.Transport),
	}
}

// Fetch runs one market search through the request's proxy and returns the
// listings that passed the filter set.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) Result {
	req = req.normalized()
	v, err := f.hostBreaker().Execute(func() (interface{}, error) {
		return f.search(ctx, req)
	})
	if err != nil {
		var oe *outcomeError
		if errors.As(err, &oe) {
			return Result{Outcome: oe.outcome, Err: oe}
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{Outcome: OutcomeTransient, Err: fmt.Errorf("market circuit open: %w", err)}
		}
		return Result{Outcome: OutcomeTransient, Err: err}
	}
	page := v.(*searchPage)
	return Result{
		Items:      f.collect(req, page),
		TotalCount: page.TotalCount,
		Outcome:    OutcomeOK,
	}
}

// Probe issues a one-listing search through the proxy and classifies the
// attempt. It bypasses the circuit breaker so health scans keep observing
// proxies while the breaker is open.
func (f *HTTPFetcher) Probe(ctx context.Context, proxyURL string) Outcome {
	req := Request{ItemName: "AK-47", ProxyURL: proxyURL, Count: 1}.normalized()
	if _, err := f.search(ctx, req); err != nil {
		var oe *outcomeError
		if errors.As(err, &oe) {
			return oe.outcome
		}
		return OutcomeTransient
	}
	return OutcomeOK
}

func (r Request) normalized() Request {
	if r.AppID <= 0 {
		r.AppID = defaultAppID
	}
	if r.Currency <= 0 {
		r.Currency = defaultCurrency
	}
	if r.Count <= 0 || r.Count > maxPageSize {
		r.Count = maxPageSize
	}
	if r.Start < 0 {
		r.Start = 0
	}
	return r
}

// -------------------- HTTP exchange --------------------

type searchPage struct {
	Success    bool              `json:"success"`
	TotalCount int               `json:"total_count"`
	Results    []json.RawMessage `json:"results"`
}

type searchEntry struct {
	Name             string `json:"name"`
	HashName         string `json:"hash_name"`
	ListingID        string `json:"listingid"`
	SellPrice        int64  `json:"sell_price"`
	SellPriceText    string `json:"sell_price_text"`
	AssetDescription struct {
		MarketHashName string `json:"market_hash_name"`
	} `json:"asset_description"`
}

func (f *HTTPFetcher) search(ctx context.Context, req Request) (*searchPage, error) {
	client, err := f.client(req.ProxyURL)
	if err != nil {
		return nil, classify(OutcomeHardFail, fmt.Errorf("proxy url: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.searchURL(req), nil)
	if err != nil {
		return nil, classify(OutcomeHardFail, err)
	}
	httpReq.Header = browserHeaders(f.nextUserAgent(), req.AppID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyNetError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, classify(OutcomeRateLimited, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusForbidden:
		return nil, classify(OutcomeHardFail, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, classify(OutcomeTransient, fmt.Errorf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classify(OutcomeTransient, fmt.Errorf("read body: %w", err))
	}
	var page searchPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, classify(OutcomeParseError, fmt.Errorf("decode search payload: %w", err))
	}
	if !page.Success {
		return nil, classify(OutcomeTransient, errors.New("upstream reported failure"))
	}
	return &page, nil
}

// collect decodes the raw result entries, keeps exact name matches for the
// requested item and applies the filter set.
func (f *HTTPFetcher) collect(req Request, page *searchPage) []market.Listing {
	want := strings.TrimSpace(req.ItemName)
	var items []market.Listing
	for _, raw := range page.Results {
		var entry searchEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			f.logger.Warn("skipping undecodable search result",
				"item", req.ItemName, "error", err)
			continue
		}
		name := entry.Name
		if name == "" {
			name = entry.AssetDescription.MarketHashName
		}
		if name == "" {
			name = entry.HashName
		}
		// The query matches loosely; other wear variants of the same
		// skin share it.
		if !strings.EqualFold(strings.TrimSpace(name), want) {
			continue
		}

		hashName := entry.AssetDescription.MarketHashName
		if hashName == "" {
			hashName = entry.HashName
		}
		if hashName == "" {
			hashName = name
		}
		listing := market.Listing{
			ID:        entry.ListingID,
			Name:      name,
			Price:     float64(entry.SellPrice) / 100,
			PriceText: entry.SellPriceText,
			Currency:  req.Currency,
			MarketURL: f.listingURL(req.AppID, hashName),
			Raw:       raw,
		}
		if ok, reason := filter.Match(req.Filters, listing); !ok {
			f.logger.Debug("listing rejected by filter",
				"item", name, "reason", reason)
			continue
		}
		items = append(items, listing)
	}
	return items
}

func (f *HTTPFetcher) searchURL(req Request) string {
	q := url.Values{}
	q.Set("query", req.ItemName)
	q.Set("appid", strconv.Itoa(req.AppID))
	q.Set("currency", strconv.Itoa(req.Currency))
	q.Set("start", strconv.Itoa(req.Start))
	q.Set("count", strconv.Itoa(req.Count))
	q.Set("search_descriptions", "0")
	q.Set("sort_column", "price")
	q.Set("sort_dir", "asc")
	q.Set("norender", "1")
	q.Set("language", "english")
	return f.opts.BaseURL + searchPath + "?" + q.Encode()
}

func (f *HTTPFetcher) listingURL(appID int, hashName string) string {
	if hashName == "" {
		return ""
	}
	return fmt.Sprintf("%s/market/listings/%d/%s", f.opts.BaseURL, appID, url.PathEscape(hashName))
}

func (f *HTTPFetcher) client(proxyURL string) (*http.Client, error) {
	tr, err := f.transport(proxyURL)
	if err != nil {
		return nil, err
	}
	return &http.Client{Timeout: f.opts.Timeout, Transport: tr}, nil
}

// transport caches one transport per proxy URL. The map is bounded by the
// size of the proxy pool.
func (f *HTTPFetcher) transport(proxyURL string) (*http.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tr, ok := f.transports[proxyURL]; ok {
		return tr, nil
	}
	tr := &http.Transport{
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		tr.Proxy = http.ProxyURL(u)
	}
	f.transports[proxyURL] = tr
	return tr, nil
}

func (f *HTTPFetcher) nextUserAgent() string {
	i := f.uaIndex.Add(1)
	return userAgents[int(i)%len(userAgents)]
}

// hostBreaker returns the breaker for the configured upstream host.
func (f *HTTPFetcher) hostBreaker() *gobreaker.CircuitBreaker {
	host := f.opts.BaseURL
	if u, err := url.Parse(f.opts.BaseURL); err == nil && u.Host != "" {
		host = u.Host
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     host,
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Rate limits, proxy connect failures and garbled payloads
			// are the proxy's problem, not the host's.
			var oe *outcomeError
			if errors.As(err, &oe) {
				switch oe.outcome {
				case OutcomeRateLimited, OutcomeHardFail, OutcomeParseError:
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("market circuit state change",
				"host", name, "from", from.String(), "to", to.String())
		},
	})
	f.breakers[host] = cb
	return cb
}

func browserHeaders(ua string, appID int) http.Header {
	h := http.Header{}
	h.Set("User-Agent", ua)
	h.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("X-Requested-With", "XMLHttpRequest")
	h.Set("Referer", fmt.Sprintf("https://steamcommunity.com/market/search?appid=%d", appID))
	return h
}

func classifyNetError(err error) *outcomeError {
	// Failures reaching the proxy itself, or dialing through it, burn
	// the proxy rather than the job.
	var op *net.OpError
	if errors.As(err, &op) && (op.Op == "dial" || op.Op == "proxyconnect") {
		return classify(OutcomeHardFail, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return classify(OutcomeTransient, err)
	}
	return classify(OutcomeTransient, err)
}
