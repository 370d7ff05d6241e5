package fetch

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
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"marketwatch/pkg/models"
)

func newTestFetcher(t *testing.T, handler http.HandlerFunc) *HTTPFetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPFetcher(Options{BaseURL: srv.URL, Timeout: 5 * time.Second}, nil)
}

func fptr(v float64) *float64 { return &v }

func TestFetchParsesAndFilters(t *testing.T) {
	var gotQuery atomic.Value
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != searchPath {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("User-Agent") == "" || r.Header.Get("X-Requested-With") != "XMLHttpRequest" {
			t.Error("browser headers not set")
		}
		gotQuery.Store(r.URL.Query())
		fmt.Fprint(w, `{
			"success": true,
			"total_count": 3,
			"results": [
				{"name":"AK-47 | Redline (Field-Tested)","sell_price":4250,"sell_price_text":"$42.50","asset_description":{"market_hash_name":"AK-47 | Redline (Field-Tested)"}},
				{"name":"ak-47 | redline (field-tested)","sell_price":5100,"sell_price_text":"$51.00","asset_description":{"market_hash_name":"AK-47 | Redline (Field-Tested)"}},
				{"name":"AK-47 | Redline (Minimal Wear)","sell_price":3000,"sell_price_text":"$30.00","asset_description":{"market_hash_name":"AK-47 | Redline (Minimal Wear)"}}
			]
		}`)
	})

	res := f.Fetch(context.Background(), Request{
		ItemName: "AK-47 | Redline (Field-Tested)",
		Filters:  models.Filters{MaxPrice: fptr(45)},
	})
	if res.Outcome != OutcomeOK || res.Err != nil {
		t.Fatalf("Fetch outcome = %s, err = %v", res.Outcome, res.Err)
	}
	if res.TotalCount != 3 {
		t.Errorf("TotalCount = %d, want 3", res.TotalCount)
	}
	if len(res.Items) != 1 {
		t.Fatalf("got %d items, want 1 (price filter and wear mismatch drop the rest)", len(res.Items))
	}
	item := res.Items[0]
	if item.Name != "AK-47 | Redline (Field-Tested)" || item.Price != 42.50 {
		t.Errorf("unexpected listing %q price %.2f", item.Name, item.Price)
	}
	if !strings.Contains(item.MarketURL, "/market/listings/730/") {
		t.Errorf("MarketURL = %q", item.MarketURL)
	}
	if len(item.Raw) == 0 {
		t.Error("Raw payload not carried through")
	}

	q := gotQuery.Load().(url.Values)
	for key, want := range map[string]string{
		"query":       "AK-47 | Redline (Field-Tested)",
		"appid":       "730",
		"currency":    "1",
		"count":       "100",
		"norender":    "1",
		"sort_column": "price",
	} {
		if got := q[key]; len(got) != 1 || got[0] != want {
			t.Errorf("query param %s = %v, want %q", key, got, want)
		}
	}
}

func TestFetchClassifiesResponses(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		outcome Outcome
	}{
		{"rate limited", http.StatusTooManyRequests, "", OutcomeRateLimited},
		{"blocked", http.StatusForbidden, "", OutcomeHardFail},
		{"server error", http.StatusInternalServerError, "", OutcomeTransient},
		{"garbled payload", http.StatusOK, "{not json", OutcomeParseError},
		{"upstream declined", http.StatusOK, `{"success":false}`, OutcomeTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			})
			res := f.Fetch(context.Background(), Request{ItemName: "AK-47"})
			if res.Outcome != tc.outcome {
				t.Fatalf("outcome = %s, want %s (err %v)", res.Outcome, tc.outcome, res.Err)
			}
			if res.Err == nil {
				t.Fatal("expected a classification error")
			}
		})
	}
}

func TestFetchCircuitOpensAfterRepeatedTransient(t *testing.T) {
	var hits atomic.Int64
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 5; i++ {
		if res := f.Fetch(context.Background(), Request{ItemName: "AK-47"}); res.Outcome != OutcomeTransient {
			t.Fatalf("attempt %d outcome = %s", i, res.Outcome)
		}
	}
	res := f.Fetch(context.Background(), Request{ItemName: "AK-47"})
	if res.Outcome != OutcomeTransient {
		t.Fatalf("outcome = %s, want transient while circuit open", res.Outcome)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "circuit open") {
		t.Fatalf("err = %v, want circuit open", res.Err)
	}
	if got := hits.Load(); got != 5 {
		t.Fatalf("upstream hit %d times, want 5 (sixth call short-circuits)", got)
	}
}

func TestProbeBypassesOpenCircuit(t *testing.T) {
	var healthy atomic.Bool
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			fmt.Fprint(w, `{"success":true,"total_count":0,"results":[]}`)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 5; i++ {
		f.Fetch(context.Background(), Request{ItemName: "AK-47"})
	}
	healthy.Store(true)

	if res := f.Fetch(context.Background(), Request{ItemName: "AK-47"}); res.Err == nil ||
		!strings.Contains(res.Err.Error(), "circuit open") {
		t.Fatalf("expected fetch to stay short-circuited, got %v", res.Err)
	}
	if got := f.Probe(context.Background(), ""); got != OutcomeOK {
		t.Fatalf("Probe = %s, want ok despite the open circuit", got)
	}
}

func TestFetchRejectsBadProxyURL(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be reached")
	})
	res := f.Fetch(context.Background(), Request{ItemName: "AK-47", ProxyURL: "://not-a-url"})
	if res.Outcome != OutcomeHardFail {
		t.Fatalf("outcome = %s, want hard_fail", res.Outcome)
	}
}
