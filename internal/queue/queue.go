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

// Package queue implements the durable work queue on Redis Streams.
//
// Enqueued messages land in a stream consumed through a consumer
// group, so unacknowledged deliveries survive worker crashes. Failed
// messages are re-enqueued through a sorted-set delay queue with
// exponential backoff; messages that exhaust their retries, and
// messages whose payload cannot be decoded at all, are parked in a
// companion dead-letter stream for inspection.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"marketwatch/internal/metrics"
)

const (
	// TypeParseTask asks a worker to scan the market for one task.
	TypeParseTask = "parse_task"

	deadSuffix    = ":dead"
	delayedSuffix = ":delayed"

	// deadMaxLen bounds the dead-letter stream.
	deadMaxLen = 1000

	retryDelayBase = 60 * time.Second
	retryDelayMax  = 600 * time.Second
)

// Message is the unit of work exchanged through the queue.
type Message struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	TaskID      int64           `json:"task_id"`
	ItemName    string          `json:"item_name"`
	Filters     json.RawMessage `json:"filters,omitempty"`
	RetryCount  int             `json:"retry_count"`
	PublishedAt time.Time       `json:"published_at"`
}

// Handler processes one message. A nil return acknowledges the
// message; an error sends it down the retry path.
type Handler func(ctx context.Context, msg Message) error

// Config tunes the queue. Zero values are replaced with defaults that
// match the production topology.
type Config struct {
	Stream   string
	Group    string
	Consumer string

	// MaxRetries is how many handler failures a message survives
	// before it is dead-lettered.
	MaxRetries int

	// Prefetch caps messages taken per read; Concurrency caps
	// handlers running at once.
	Prefetch    int64
	Concurrency int64

	// AckTimeout is how long a delivery may sit unacknowledged before
	// the reclaimer hands it to another consumer.
	AckTimeout time.Duration

	BlockTimeout    time.Duration
	ReclaimInterval time.Duration
	PromoteInterval time.Duration
	ShutdownGrace   time.Duration
}

func (c *Config) setDefaults() {
	if c.Stream == "" {
		c.Stream = "parsing_tasks"
	}
	if c.Group == "" {
		c.Group = "parsing_workers"
	}
	if c.Consumer == "" {
		c.Consumer = "worker-" + uuid.NewString()[:8]
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 15 * time.Minute
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// Queue is a durable stream producer and consumer. It is safe for
// concurrent use.
type Queue struct {
	rdb    *redis.Client
	cfg    Config
	logger *slog.Logger

	now        func() time.Time
	retryDelay func(retries int) time.Duration
}

// New wraps a Redis client. The client is shared, so Close stays with
// its owner.
func New(rdb *redis.Client, cfg Config, logger *slog.Logger) *Queue {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		rdb:        rdb,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		retryDelay: defaultRetryDelay,
	}
}

// defaultRetryDelay doubles from the base per prior retry, capped.
func defaultRetryDelay(retries int) time.Duration {
	d := retryDelayBase
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= retryDelayMax {
			return retryDelayMax
		}
	}
	return d
}

func (q *Queue) deadStream() string { return q.cfg.Stream + deadSuffix }
func (q *Queue) delayedKey() string { return q.cfg.Stream + delayedSuffix }

// EnsureGroup creates the consumer group, tolerating a group that
// already exists.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s/%s: %w", q.cfg.Stream, q.cfg.Group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Enqueue publishes a message for immediate delivery. The message id
// and publish time are assigned when unset.
func (q *Queue) Enqueue(ctx context.Context, msg Message) error {
	q.stamp(&msg)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]interface{}{
			"type":    msg.Type,
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue task=%d: %w", msg.TaskID, err)
	}
	return nil
}

// EnqueueDelayed schedules a message for delivery no sooner than the
// given delay. The promoter moves due messages onto the stream.
func (q *Queue) EnqueueDelayed(ctx context.Context, msg Message, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, msg)
	}
	q.stamp(&msg)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	readyAt := q.now().Add(delay)
	err = q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: string(payload),
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue delayed task=%d: %w", msg.TaskID, err)
	}
	return nil
}

func (q *Queue) stamp(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Type == "" {
		msg.Type = TypeParseTask
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = q.now()
	}
}

// Depth reports queue sizes: messages on the stream (ready plus
// in-flight), delayed messages awaiting promotion, and dead letters.
func (q *Queue) Depth(ctx context.Context) (ready, delayed, dead int64, err error) {
	var readyCmd, deadCmd *redis.IntCmd
	var delayedCmd *redis.IntCmd
	_, err = q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		readyCmd = pipe.XLen(ctx, q.cfg.Stream)
		delayedCmd = pipe.ZCard(ctx, q.delayedKey())
		deadCmd = pipe.XLen(ctx, q.deadStream())
		return nil
	})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return readyCmd.Val(), delayedCmd.Val(), deadCmd.Val(), nil
}

// DeadLetter is a parked message plus the reason it landed there.
type DeadLetter struct {
	StreamID   string
	OriginalID string
	Error      string
	DeadAt     time.Time
	Payload    string
}

// DeadLetters returns up to limit parked messages, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := q.rdb.XRangeN(ctx, q.deadStream(), "-", "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		dl := DeadLetter{StreamID: m.ID}
		if v, ok := m.Values["original_id"].(string); ok {
			dl.OriginalID = v
		}
		if v, ok := m.Values["error"].(string); ok {
			dl.Error = v
		}
		if v, ok := m.Values["payload"].(string); ok {
			dl.Payload = v
		}
		if v, ok := m.Values["dead_lettered_at"].(string); ok {
			if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
				dl.DeadAt = t
			}
		}
		out = append(out, dl)
	}
	return out, nil
}

// Run consumes the stream until ctx is canceled, dispatching each
// message to handler with bounded concurrency. The reclaimer and the
// delay promoter run alongside the main read loop.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	if err := q.EnsureGroup(ctx); err != nil {
		return err
	}

	go q.runReclaimer(ctx, handler)
	go q.runPromoter(ctx)

	sem := semaphore.NewWeighted(q.cfg.Concurrency)
	for ctx.Err() == nil {
		res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    q.cfg.Prefetch,
			Block:    q.cfg.BlockTimeout,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			q.logger.Warn("queue read failed", slog.String("error", err.Error()))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		for _, stream := range res {
			for _, m := range stream.Messages {
				if err := sem.Acquire(ctx, 1); err != nil {
					break
				}
				go func(m redis.XMessage) {
					defer sem.Release(1)
					q.process(ctx, m, handler)
				}(m)
			}
		}
	}

	// Let in-flight handlers finish, bounded by the grace period.
	drainCtx, cancel := context.WithTimeout(context.Background(), q.cfg.ShutdownGrace)
	defer cancel()
	if err := sem.Acquire(drainCtx, q.cfg.Concurrency); err != nil {
		q.logger.Warn("shutdown grace expired with handlers in flight")
	}
	return nil
}

// process runs one delivery end to end: decode, handle, and settle
// (ack, retry, or dead-letter).
func (q *Queue) process(ctx context.Context, m redis.XMessage, handler Handler) {
	payload, _ := m.Values["payload"].(string)

	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil || msg.TaskID == 0 {
		// Nothing to retry; a payload that does not decode now never
		// will. Park it where an operator can see it.
		q.moveToDead(ctx, m, payload, "malformed payload")
		return
	}

	if err := handler(ctx, msg); err != nil {
		q.settleFailure(ctx, m, msg, err)
		return
	}
	q.ack(ctx, m.ID)
}

// settleFailure re-enqueues a failed message with backoff, or parks it
// once retries are exhausted. The original delivery is acknowledged
// either way; the retry copy is a new stream entry.
func (q *Queue) settleFailure(ctx context.Context, m redis.XMessage, msg Message, herr error) {
	delay := q.retryDelay(msg.RetryCount)
	msg.RetryCount++

	if msg.RetryCount > q.cfg.MaxRetries {
		q.logger.Warn("message exhausted retries",
			slog.Int64("task_id", msg.TaskID),
			slog.Int("retries", msg.RetryCount-1),
			slog.String("error", herr.Error()))
		q.moveToDead(ctx, m, mustJSON(msg), herr.Error())
		return
	}

	q.logger.Info("retrying message",
		slog.Int64("task_id", msg.TaskID),
		slog.Int("retry", msg.RetryCount),
		slog.Duration("delay", delay),
		slog.String("error", herr.Error()))

	if err := q.EnqueueDelayed(ctx, msg, delay); err != nil {
		// Leave the delivery pending; the reclaimer will retry it.
		q.logger.Error("re-enqueue failed, leaving delivery pending",
			slog.Int64("task_id", msg.TaskID),
			slog.String("error", err.Error()))
		return
	}
	metrics.RecordJobResult(metrics.ResultRequeued)
	q.ack(ctx, m.ID)
}

func (q *Queue) ack(ctx context.Context, id string) {
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, id)
	// Acked work is done; deleting keeps the stream from growing
	// without bound.
	pipe.XDel(ctx, q.cfg.Stream, id)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("ack failed", slog.String("id", id), slog.String("error", err.Error()))
	}
}

func (q *Queue) moveToDead(ctx context.Context, m redis.XMessage, payload, reason string) {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.deadStream(),
		MaxLen: deadMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload":          payload,
			"error":            reason,
			"original_id":      m.ID,
			"dead_lettered_at": q.now().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		q.logger.Error("dead-letter write failed",
			slog.String("id", m.ID), slog.String("error", err.Error()))
		return
	}
	q.ack(ctx, m.ID)
}

func (q *Queue) runReclaimer(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(q.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.reclaim(ctx, handler)
		case <-ctx.Done():
			return
		}
	}
}

// reclaim takes over deliveries whose consumer stopped acknowledging.
// Deliveries claimed too many times go straight to the dead letter
// stream; the rest are processed here.
func (q *Queue) reclaim(ctx context.Context, handler Handler) {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Idle:   q.cfg.AckTimeout,
		Start:  "-",
		End:    "+",
		Count:  q.cfg.Prefetch,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Warn("reclaim scan failed", slog.String("error", err.Error()))
		}
		return
	}

	for _, p := range pending {
		claimed, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.cfg.Stream,
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			MinIdle:  q.cfg.AckTimeout,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}

		q.logger.Info("reclaimed stuck delivery",
			slog.String("id", p.ID),
			slog.Int64("deliveries", p.RetryCount))

		if p.RetryCount > int64(q.cfg.MaxRetries) {
			payload, _ := claimed[0].Values["payload"].(string)
			q.moveToDead(ctx, claimed[0], payload, "delivery count exhausted")
			continue
		}
		q.process(ctx, claimed[0], handler)
	}
}

func (q *Queue) runPromoter(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("promote failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return
		}
	}
}

// promoteDue moves messages whose delay has elapsed onto the stream.
// The ZRem acts as the claim: with several processes promoting
// concurrently, only the one that removes the member enqueues it.
func (q *Queue) promoteDue(ctx context.Context) error {
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", q.now().UnixMilli()),
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range due {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another promoter won
		}
		var msg Message
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			q.logger.Warn("dropping undecodable delayed message", slog.String("error", err.Error()))
			continue
		}
		if err := q.Enqueue(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
