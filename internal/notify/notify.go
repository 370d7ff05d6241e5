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

// Package notify consumes found-item events and hands them to sinks.
// The built-in sink writes one structured log line per event; heavier
// deliveries (chat webhooks, push services) implement Sink and are
// passed to New alongside it. Delivery is at most once per process:
// missed events are re-driven by the sweeper, not by the listener.
package notify

import (
	"context"
	"log/slog"
	"time"

	"marketwatch/pkg/market"
)

// resubscribeDelay paces reconnection attempts after a failed or lost
// subscription.
const resubscribeDelay = 5 * time.Second

// Sink delivers one event somewhere. Errors are logged and never stop
// the stream or other sinks.
type Sink interface {
	Deliver(ctx context.Context, ev market.FoundItemEvent) error
}

// Events is the subscription surface of the coordinator.
type Events interface {
	FoundItemEvents(ctx context.Context) (<-chan market.FoundItemEvent, func(), error)
}

// LogSink logs each event.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing to logger, or slog.Default() when
// nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Deliver writes one line carrying the fields a human needs to act on
// the find.
func (s *LogSink) Deliver(_ context.Context, ev market.FoundItemEvent) error {
	url := ""
	if ev.MarketURL != nil {
		url = *ev.MarketURL
	}
	s.logger.Info("found item notification",
		"item_id", ev.ItemID,
		"task_id", ev.TaskID,
		"task_name", ev.TaskName,
		"item_name", ev.ItemName,
		"price", ev.Price,
		"market_url", url)
	return nil
}

// Listener consumes the event stream and fans each event out to every
// sink in order.
type Listener struct {
	events Events
	sinks  []Sink
	logger *slog.Logger

	retryIn time.Duration
}

// New builds a listener. With no sinks given it falls back to a LogSink
// on the same logger; a nil logger falls back to slog.Default().
func New(events Events, logger *slog.Logger, sinks ...Sink) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")
	if len(sinks) == 0 {
		sinks = []Sink{NewLogSink(logger)}
	}
	return &Listener{
		events:  events,
		sinks:   sinks,
		logger:  logger,
		retryIn: resubscribeDelay,
	}
}

// Run consumes events until ctx is done, resubscribing when the stream
// drops. It always returns nil on shutdown.
func (l *Listener) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		ch, stop, err := l.events.FoundItemEvents(ctx)
		if err != nil {
			l.logger.Warn("event subscription failed", "error", err)
			if !sleepCtx(ctx, l.retryIn) {
				break
			}
			continue
		}
		l.drain(ctx, ch)
		stop()
	}
	return nil
}

// drain forwards events until the stream closes or ctx is done.
func (l *Listener) drain(ctx context.Context, ch <-chan market.FoundItemEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				l.logger.Warn("event stream closed, resubscribing")
				return
			}
			l.dispatch(ctx, ev)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, ev market.FoundItemEvent) {
	for _, sink := range l.sinks {
		if err := sink.Deliver(ctx, ev); err != nil {
			l.logger.Warn("event delivery failed",
				"item_id", ev.ItemID, "task_id", ev.TaskID, "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
