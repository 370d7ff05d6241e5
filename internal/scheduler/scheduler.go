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

// Package scheduler keeps every active task flowing into the work queue.
// A registry runs one goroutine per task; each runner enqueues a job
// when its task is due and no live worker holds the task lock. The
// workers own the steady cadence by re-enqueueing after every run, so
// the scheduler is the safety net that catches tasks falling out of
// that loop: fresh tasks, crashed workers, drained queues.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketwatch/internal/coord"
	"marketwatch/internal/metrics"
	"marketwatch/internal/queue"
	"marketwatch/internal/store"
	"marketwatch/pkg/models"
)

const (
	defaultSyncInterval = time.Minute
	defaultStuckLockAge = 600 * time.Second

	// reloadEvery is how many runner iterations pass between task row
	// reloads; pauses and edits converge within this many intervals.
	reloadEvery = 6

	// maxDoze caps how long a runner sleeps toward next_check, so
	// schedule edits are noticed within a minute.
	maxDoze = time.Minute

	// errBudget is how many consecutive store or queue errors a runner
	// tolerates before handing itself to the registry's recovery.
	errBudget = 5
)

// Store is the slice of the relational store the scheduler reads.
type Store interface {
	ListTasks(ctx context.Context, activeOnly bool) ([]*models.MonitoringTask, error)
	GetTask(ctx context.Context, id int64) (*models.MonitoringTask, error)
	SetNextCheck(ctx context.Context, id int64, next time.Time) error
}

// Coordinator exposes the task lock state the scheduler inspects.
type Coordinator interface {
	InspectLock(ctx context.Context, taskID int64) (coord.LockInfo, error)
	ReleaseLock(ctx context.Context, taskID int64) error
}

// Enqueuer publishes jobs for due tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message) error
}

// Options tunes the registry.
type Options struct {
	// SyncInterval is how often the registry reconciles its runners
	// with the store, picking up tasks created since the last pass.
	SyncInterval time.Duration

	// StuckLockAge is how old a held task lock must be before the
	// scheduler clears it and re-enqueues the task.
	StuckLockAge time.Duration
}

// Registry owns the per-task runner goroutines.
type Registry struct {
	store  Store
	coord  Coordinator
	queue  Enqueuer
	logger *slog.Logger

	syncInterval time.Duration
	stuckAge     time.Duration

	// Recovery and pacing knobs, fixed in New; tests shrink them.
	interval    func(*models.MonitoringTask) time.Duration
	retryBase   time.Duration
	retryMax    time.Duration
	restartBase time.Duration
	restartMax  time.Duration
	resetAfter  time.Duration
	parkAfter   int

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	runners map[int64]*handle
	wg      sync.WaitGroup
}

// handle identifies one runner incarnation. forget compares pointers so
// a stale runner draining after Remove cannot evict its replacement.
type handle struct {
	cancel context.CancelFunc
}

// New builds a registry with defaults applied. A nil logger falls back
// to slog.Default().
func New(st Store, co Coordinator, q Enqueuer, opts Options, logger *slog.Logger) *Registry {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaultSyncInterval
	}
	if opts.StuckLockAge <= 0 {
		opts.StuckLockAge = defaultStuckLockAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:        st,
		coord:        co,
		queue:        q,
		logger:       logger.With("component", "scheduler"),
		syncInterval: opts.SyncInterval,
		stuckAge:     opts.StuckLockAge,
		interval:     (*models.MonitoringTask).Interval,
		retryBase:    5 * time.Second,
		retryMax:     time.Minute,
		restartBase:  time.Minute,
		restartMax:   10 * time.Minute,
		resetAfter:   10 * time.Minute,
		parkAfter:    10,
		runners:      make(map[int64]*handle),
	}
}

// Start spawns runners for the current active tasks and begins the
// reconcile loop. It fails when the initial task load fails.
func (r *Registry) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.runCtx != nil {
		r.mu.Unlock()
		cancel()
		return errors.New("scheduler already started")
	}
	r.runCtx = runCtx
	r.cancel = cancel
	r.mu.Unlock()

	if err := r.sync(runCtx); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := r.sync(runCtx); err != nil {
					r.logger.Warn("task sync failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop cancels every runner and waits for them to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Add spawns a runner for the task unless one is already registered.
// It reports whether a runner started.
func (r *Registry) Add(task *models.MonitoringTask) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runCtx == nil || r.runCtx.Err() != nil {
		return false
	}
	if _, exists := r.runners[task.ID]; exists {
		return false
	}

	taskCtx, cancel := context.WithCancel(r.runCtx)
	h := &handle{cancel: cancel}
	r.runners[task.ID] = h
	r.wg.Add(1)
	go r.supervise(taskCtx, task, h)
	r.logger.Info("task runner started", "task_id", task.ID, "task_name", task.Name)
	return true
}

// Remove cancels a task's runner if one is registered.
func (r *Registry) Remove(taskID int64) {
	r.mu.Lock()
	h, ok := r.runners[taskID]
	delete(r.runners, taskID)
	r.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// Len reports how many runners are registered, parked ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runners)
}

// sync spawns runners for active tasks that lack one. Runners notice
// pauses and deletes on their own through the periodic reload.
func (r *Registry) sync(ctx context.Context) error {
	tasks, err := r.store.ListTasks(ctx, true)
	if err != nil {
		metrics.RecordStoreError("list_tasks")
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, task := range tasks {
		r.Add(task)
	}
	return nil
}

func (r *Registry) forget(taskID int64, h *handle) {
	r.mu.Lock()
	if r.runners[taskID] == h {
		delete(r.runners, taskID)
	}
	r.mu.Unlock()
}

// supervise restarts a crashed runner with exponential backoff. After
// parkAfter consecutive failures the runner is parked: its registry
// entry stays so the sync loop does not respawn a known-bad task, and
// an operator restart or Remove clears it. A runner that survived past
// resetAfter starts its failure count over.
func (r *Registry) supervise(ctx context.Context, task *models.MonitoringTask, h *handle) {
	defer r.wg.Done()

	attempts := 0
	for {
		started := time.Now()
		err := r.runTask(ctx, task)
		if err == nil || ctx.Err() != nil {
			r.forget(task.ID, h)
			return
		}
		if time.Since(started) >= r.resetAfter {
			attempts = 0
		}
		attempts++
		if attempts >= r.parkAfter {
			r.logger.Error("task runner parked after repeated failures",
				"task_id", task.ID, "attempts", attempts, "error", err)
			return
		}

		delay := r.restartDelay(attempts)
		r.logger.Warn("task runner restarting",
			"task_id", task.ID, "attempt", attempts, "backoff", delay, "error", err)
		if !sleepCtx(ctx, delay) {
			r.forget(task.ID, h)
			return
		}
	}
}

// runTask is one runner's loop. A nil return means the runner is done
// for good reasons: task gone, task paused, or shutdown. An error hands
// control to supervise.
func (r *Registry) runTask(ctx context.Context, task *models.MonitoringTask) error {
	log := r.logger.With("task_id", task.ID)

	consecutive := 0
	retryIn := r.retryBase

	// fail burns one unit of the error budget and pauses; settle pays
	// it back after any successful store or queue round trip.
	fail := func(stage string, err error) (bool, error) {
		consecutive++
		log.Warn("scheduler pass failed",
			"stage", stage, "consecutive", consecutive, "error", err)
		if consecutive >= errBudget {
			return true, fmt.Errorf("%s: %w", stage, err)
		}
		if !sleepCtx(ctx, retryIn) {
			return true, nil
		}
		retryIn *= 2
		if retryIn > r.retryMax {
			retryIn = r.retryMax
		}
		return false, nil
	}
	settle := func() {
		consecutive = 0
		retryIn = r.retryBase
	}

	for i := 0; ctx.Err() == nil; i++ {
		if i%reloadEvery == 0 {
			fresh, err := r.store.GetTask(ctx, task.ID)
			if errors.Is(err, store.ErrNotFound) {
				log.Info("task gone, runner stopping")
				return nil
			}
			if err != nil {
				metrics.RecordStoreError("get_task")
				stop, serr := fail("reload task", err)
				if stop {
					return serr
				}
				continue
			}
			if !fresh.IsActive {
				log.Info("task paused, runner stopping")
				return nil
			}
			task = fresh
			settle()
		}

		now := time.Now().UTC()
		if !task.Due(now) {
			doze := task.NextCheck.Sub(now)
			if doze > maxDoze {
				doze = maxDoze
			}
			if !sleepCtx(ctx, doze) {
				return nil
			}
			continue
		}

		info, err := r.coord.InspectLock(ctx, task.ID)
		if err != nil {
			stop, serr := fail("inspect lock", err)
			if stop {
				return serr
			}
			continue
		}

		switch {
		case info.Held && info.Elapsed > r.stuckAge:
			// The holder is presumed dead; clear the lock and hand the
			// task to a worker again.
			log.Warn("clearing stuck task lock", "elapsed", info.Elapsed)
			if err := r.coord.ReleaseLock(ctx, task.ID); err != nil {
				stop, serr := fail("release stuck lock", err)
				if stop {
					return serr
				}
				continue
			}
			if err := r.enqueue(ctx, task); err != nil {
				stop, serr := fail("enqueue task", err)
				if stop {
					return serr
				}
				continue
			}
			settle()

		case info.Held:
			// A live worker is on it. Step the schedule forward so the
			// loop stops seeing the task as due; never step backward.
			next := now.Add(r.interval(task))
			if err := r.store.SetNextCheck(ctx, task.ID, next); err != nil {
				metrics.RecordStoreError("set_next_check")
				stop, serr := fail("advance next check", err)
				if stop {
					return serr
				}
				continue
			}
			task.NextCheck = &next
			settle()

		default:
			// No lock: the task fell out of the worker loop. Enqueue
			// without touching next_check; the worker advances it.
			if err := r.enqueue(ctx, task); err != nil {
				stop, serr := fail("enqueue task", err)
				if stop {
					return serr
				}
				continue
			}
			log.Debug("task enqueued")
			settle()
		}

		if !sleepCtx(ctx, r.interval(task)) {
			return nil
		}
	}
	return nil
}

func (r *Registry) enqueue(ctx context.Context, task *models.MonitoringTask) error {
	msg := queue.Message{
		Type:     queue.TypeParseTask,
		TaskID:   task.ID,
		ItemName: task.ItemName,
	}
	if data, err := json.Marshal(task.Filters); err == nil {
		msg.Filters = data
	}
	return r.queue.Enqueue(ctx, msg)
}

// restartDelay doubles from the base per prior attempt, capped.
func (r *Registry) restartDelay(attempt int) time.Duration {
	d := r.restartBase
	for i := 1; i < attempt && d < r.restartMax; i++ {
		d *= 2
	}
	if d > r.restartMax {
		d = r.restartMax
	}
	return d
}

// sleepCtx sleeps for d unless ctx ends first; it reports whether the
// full sleep happened.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
