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

// Package jobs runs one market check end to end: take the task lock,
// fetch through the proxy pool, process results, record stats, and
// re-enqueue the task for its next run.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketwatch/internal/coord"
	"marketwatch/internal/fetch"
	"marketwatch/internal/metrics"
	"marketwatch/internal/proxypool"
	"marketwatch/internal/queue"
	"marketwatch/internal/store"
	"marketwatch/pkg/market"
	"marketwatch/pkg/models"
)

const (
	// defaultStuckLockAge is how old a held lock must be before another
	// worker may break it. It must stay well below the lock TTL so a
	// stuck lock is reaped by software, not by Redis expiry.
	defaultStuckLockAge = 600 * time.Second

	defaultHeartbeatInterval = 300 * time.Second

	// transientRetries and hardFailRetries bound extra fetch attempts
	// within one job, each on a freshly leased proxy.
	transientRetries = 2
	hardFailRetries  = 1

	releaseRetryPause = 500 * time.Millisecond
)

// Store is the slice of the relational store a job needs.
type Store interface {
	GetTask(ctx context.Context, id int64) (*models.MonitoringTask, error)
	RecordCheck(ctx context.Context, id int64, at, next time.Time) error
}

// Coordinator owns the per-task execution locks.
type Coordinator interface {
	AcquireLock(ctx context.Context, taskID int64) (bool, error)
	ReleaseLock(ctx context.Context, taskID int64) error
	ExtendLock(ctx context.Context, taskID int64) (bool, error)
	InspectLock(ctx context.Context, taskID int64) (coord.LockInfo, error)
}

// ProxyPool leases proxies and hears how each lease went.
type ProxyPool interface {
	Lease(ctx context.Context) (*models.Proxy, error)
	Report(ctx context.Context, proxyID int64, verdict proxypool.Verdict, detail string) error
}

// ResultSink stores matched listings and fans out events.
type ResultSink interface {
	Process(ctx context.Context, task *models.MonitoringTask, listings []market.Listing) (int, error)
}

// Enqueuer schedules the task's next run.
type Enqueuer interface {
	EnqueueDelayed(ctx context.Context, msg queue.Message, delay time.Duration) error
}

// Options tunes the worker's timing.
type Options struct {
	HeartbeatInterval time.Duration
	StuckLockAge      time.Duration
}

// Worker handles parse-task messages. One Worker serves all of a
// process's queue concurrency; it holds no per-job state.
type Worker struct {
	store   Store
	coord   Coordinator
	pool    ProxyPool
	fetcher fetch.ItemFetcher
	results ResultSink
	queue   Enqueuer
	logger  *slog.Logger

	heartbeatInterval time.Duration
	stuckAge          time.Duration
	now               func() time.Time
}

// New builds a worker with defaults applied. A nil logger falls back to
// slog.Default().
func New(st Store, co Coordinator, pool ProxyPool, fetcher fetch.ItemFetcher, results ResultSink, q Enqueuer, opts Options, logger *slog.Logger) *Worker {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.StuckLockAge <= 0 {
		opts.StuckLockAge = defaultStuckLockAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:             st,
		coord:             co,
		pool:              pool,
		fetcher:           fetcher,
		results:           results,
		queue:             q,
		logger:            logger,
		heartbeatInterval: opts.HeartbeatInterval,
		stuckAge:          opts.StuckLockAge,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// Handle is the queue handler. A nil return acknowledges the message;
// an error sends it down the queue's retry path. The lock is released
// and the heartbeat stopped on every exit, panics included.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) (err error) {
	start := time.Now()
	result := metrics.ResultFailed
	defer func() {
		if err != nil {
			result = metrics.ResultFailed
		}
		metrics.RecordJob(result, time.Since(start))
	}()

	if msg.Type != queue.TypeParseTask {
		w.logger.Warn("dropping message of unknown type",
			"type", msg.Type, "message_id", msg.ID)
		result = metrics.ResultStale
		return nil
	}
	log := w.logger.With("task_id", msg.TaskID, "message_id", msg.ID)

	acquired, err := w.acquire(ctx, msg.TaskID, log)
	if err != nil {
		return err
	}
	if !acquired {
		// Another worker owns the run; the check happened or is in
		// flight, so the message is done.
		result = metrics.ResultSkippedLock
		return nil
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	hbStopped := make(chan struct{})
	go func() {
		defer close(hbStopped)
		w.heartbeat(jobCtx, msg.TaskID, hbDone, cancel, log)
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", r)
			err = fmt.Errorf("job panic: %v", r)
		}
		close(hbDone)
		<-hbStopped
		w.release(msg.TaskID, log)
	}()

	result, err = w.run(jobCtx, msg.TaskID, log)
	return err
}

// acquire takes the task lock, breaking it first when the holder looks
// dead: the task row is gone, or the lock is older than the stuck age.
// false with a nil error means a live worker owns the run.
func (w *Worker) acquire(ctx context.Context, taskID int64, log *slog.Logger) (bool, error) {
	ok, err := w.coord.AcquireLock(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	if ok {
		return true, nil
	}

	stale := false
	if _, err := w.store.GetTask(ctx, taskID); errors.Is(err, store.ErrNotFound) {
		// A lock with no task behind it is leftovers from a delete.
		stale = true
	} else if err != nil {
		return false, fmt.Errorf("load task: %w", err)
	}

	if !stale {
		info, err := w.coord.InspectLock(ctx, taskID)
		if err != nil {
			return false, fmt.Errorf("inspect lock: %w", err)
		}
		switch {
		case !info.Held:
			// Holder vanished between the set attempt and the inspect.
			stale = true
		case info.Elapsed > w.stuckAge:
			log.Warn("breaking stuck task lock", "elapsed", info.Elapsed)
			stale = true
		}
	}
	if !stale {
		log.Debug("task already running elsewhere")
		return false, nil
	}

	if err := w.coord.ReleaseLock(ctx, taskID); err != nil {
		return false, fmt.Errorf("clear stale lock: %w", err)
	}
	ok, err = w.coord.AcquireLock(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("re-acquire lock: %w", err)
	}
	if !ok {
		// Another worker won the re-acquire race.
		return false, nil
	}
	return true, nil
}

// run executes the check under an already-held lock.
func (w *Worker) run(ctx context.Context, taskID int64, log *slog.Logger) (string, error) {
	task, err := w.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("task gone, dropping job")
		return metrics.ResultStale, nil
	}
	if err != nil {
		metrics.RecordStoreError("get_task")
		return "", fmt.Errorf("load task: %w", err)
	}
	if !task.IsActive {
		log.Debug("task paused, dropping job")
		return metrics.ResultInactive, nil
	}

	listings := w.fetchWithProxies(ctx, task, log)

	now := w.now()
	if err := w.store.RecordCheck(ctx, task.ID, now, now.Add(task.Interval())); err != nil {
		// Losing one stats bump beats re-running the whole fetch; the
		// next run overwrites last_check and next_check anyway.
		metrics.RecordStoreError("record_check")
		log.Error("check not recorded", "error", err)
	}

	if len(listings) > 0 {
		n, err := w.results.Process(ctx, task, listings)
		if err != nil {
			return "", fmt.Errorf("process results: %w", err)
		}
		if n > 0 {
			log.Info("market check found new items", "new_items", n)
		}
	}

	w.reenqueue(ctx, task, log)
	return metrics.ResultDone, nil
}

// fetchWithProxies runs the market search, rotating proxies by outcome.
// Transient failures retry on up to two more proxies, a hard failure
// retries once, and everything else ends the loop. Any terminal outcome
// other than OK reads as "no matches this round".
func (w *Worker) fetchWithProxies(ctx context.Context, task *models.MonitoringTask, log *slog.Logger) []market.Listing {
	transientLeft := transientRetries
	hardLeft := hardFailRetries

	for {
		proxy, err := w.pool.Lease(ctx)
		if errors.Is(err, proxypool.ErrNoProxy) {
			log.Warn("no usable proxy, skipping check")
			return nil
		}
		if err != nil {
			log.Error("proxy lease failed", "error", err)
			return nil
		}

		res := w.fetcher.Fetch(ctx, fetch.Request{
			ItemName: task.ItemName,
			AppID:    task.AppID,
			Currency: task.Currency,
			Filters:  task.Filters,
			ProxyURL: proxy.URL,
		})
		w.report(ctx, proxy.ID, res, log)

		switch res.Outcome {
		case fetch.OutcomeOK:
			return res.Items
		case fetch.OutcomeParseError:
			log.Warn("market payload unreadable, treating as no matches", "error", res.Err)
			return nil
		case fetch.OutcomeRateLimited:
			log.Warn("rate limited, treating as no matches", "proxy_id", proxy.ID)
			return nil
		case fetch.OutcomeTransient:
			if transientLeft == 0 {
				log.Warn("out of transient retries, treating as no matches", "error", res.Err)
				return nil
			}
			transientLeft--
		case fetch.OutcomeHardFail:
			if hardLeft == 0 {
				log.Warn("fetch failed hard twice, treating as no matches", "error", res.Err)
				return nil
			}
			hardLeft--
		default:
			log.Error("unexpected fetch outcome", "outcome", res.Outcome)
			return nil
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (w *Worker) report(ctx context.Context, proxyID int64, res fetch.Result, log *slog.Logger) {
	verdict, ok := proxypool.VerdictFor(res.Outcome)
	if !ok {
		return
	}
	detail := ""
	if res.Err != nil {
		detail = res.Err.Error()
	}
	if err := w.pool.Report(ctx, proxyID, verdict, detail); err != nil {
		log.Warn("proxy report failed", "proxy_id", proxyID, "error", err)
	}
}

// reenqueue schedules the task's next run. The worker owns the steady
// cadence; the scheduler only repairs tasks that fell out of the loop.
func (w *Worker) reenqueue(ctx context.Context, task *models.MonitoringTask, log *slog.Logger) {
	msg := queue.Message{
		Type:     queue.TypeParseTask,
		TaskID:   task.ID,
		ItemName: task.ItemName,
	}
	if err := w.queue.EnqueueDelayed(ctx, msg, task.Interval()); err != nil {
		log.Error("task not re-enqueued, scheduler will recover it", "error", err)
	}
}

// release drops the task lock with one retry. An unreleased lock is not
// fatal: the stuck-lock rule reaps it after the stuck age passes.
func (w *Worker) release(taskID int64, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.coord.ReleaseLock(ctx, taskID)
	if err == nil {
		return
	}
	log.Warn("lock release failed, retrying", "error", err)
	time.Sleep(releaseRetryPause)
	if err := w.coord.ReleaseLock(ctx, taskID); err != nil {
		log.Error("lock not released", "error", err)
	}
}
