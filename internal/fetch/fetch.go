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

// Package fetch defines the port through which jobs reach the upstream
// market, plus the default HTTP implementation. Workers depend on the
// ItemFetcher interface only; tests and alternative transports inject
// their own.
package fetch

import (
	"context"
	"fmt"

	"marketwatch/pkg/market"
	"marketwatch/pkg/models"
)

// Outcome classifies a single fetch attempt. The worker switches on it to
// decide proxy reporting and in-job retries; it never inspects Err for
// control flow.
type Outcome string

const (
	// OutcomeOK means the upstream answered and the payload parsed.
	OutcomeOK Outcome = "ok"
	// OutcomeTransient covers timeouts, 5xx and other failures worth
	// retrying on another proxy.
	OutcomeTransient Outcome = "transient"
	// OutcomeRateLimited is an upstream 429 through the leased proxy.
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeHardFail covers proxy connect errors and upstream blocks
	// that indicate a broken or burned proxy.
	OutcomeHardFail Outcome = "hard_fail"
	// OutcomeParseError means the HTTP exchange worked but the payload
	// did not decode. The job still counts as a successful check.
	OutcomeParseError Outcome = "parse_error"
	// OutcomeNoProxy is reported by the caller when no proxy could be
	// leased; the fetcher itself never returns it.
	OutcomeNoProxy Outcome = "no_proxy"
)

// Request is one market search on behalf of a task. ProxyURL is the leased
// proxy in canonical form; empty means a direct connection.
type Request struct {
	ItemName string
	AppID    int
	Currency int
	Filters  models.Filters
	ProxyURL string
	Start    int
	Count    int
}

// Result is the classified outcome of one fetch. Items holds only listings
// that passed the request's filter set.
type Result struct {
	Items      []market.Listing
	TotalCount int
	Outcome    Outcome
	Err        error
}

// ItemFetcher is the single port the job pipeline uses to reach the market.
type ItemFetcher interface {
	Fetch(ctx context.Context, req Request) Result
}

// outcomeError carries the classification alongside the cause so the
// circuit breaker's success predicate can tell proxy-side failures from
// upstream ones.
type outcomeError struct {
	outcome Outcome
	cause   error
}

func (e *outcomeError) Error() string {
	if e.cause == nil {
		return string(e.outcome)
	}
	return fmt.Sprintf("%s: %v", e.outcome, e.cause)
}

func (e *outcomeError) Unwrap() error { return e.cause }

func classify(outcome Outcome, cause error) *outcomeError {
	return &outcomeError{outcome: outcome, cause: cause}
}
