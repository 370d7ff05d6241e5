package scheduler

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
	"marketwatch/internal/queue"
	"marketwatch/internal/store"
	"marketwatch/pkg/models"
)

// stubQueue is written to by runner goroutines while tests poll it, so
// every access goes through the mutex.
type stubQueue struct {
	mu    sync.Mutex
	fail  error
	calls int
	msgs  []queue.Message
}

func (q *stubQueue) Enqueue(_ context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.fail != nil {
		return q.fail
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *stubQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

func (q *stubQueue) attempts() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func (q *stubQueue) first() (queue.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return queue.Message{}, false
	}
	return q.msgs[0], true
}

type harness struct {
	reg   *Registry
	store *store.Store
	coord *coord.Coordinator
	queue *stubQueue
	mr    *miniredis.Miniredis
	task  *models.MonitoringTask
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	st, err := store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "sched.db"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	co := coord.NewWithClient(rdb, coord.Options{LockTTL: time.Hour}, nil)
	t.Cleanup(func() { _ = co.Close() })

	task := &models.MonitoringTask{
		Name:          "redline watch",
		ItemName:      "AK-47 | Redline (Field-Tested)",
		IsActive:      true,
		CheckInterval: 60,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if opts.SyncInterval == 0 {
		opts.SyncInterval = time.Hour
	}
	if opts.StuckLockAge == 0 {
		opts.StuckLockAge = 10 * time.Minute
	}
	q := &stubQueue{}
	reg := New(st, co, q, opts, nil)

	// Shrink the pacing so tests run in milliseconds.
	reg.interval = func(*models.MonitoringTask) time.Duration { return 10 * time.Millisecond }
	reg.retryBase = 5 * time.Millisecond
	reg.retryMax = 20 * time.Millisecond
	reg.restartBase = 10 * time.Millisecond
	reg.restartMax = 40 * time.Millisecond
	reg.resetAfter = time.Hour

	return &harness{reg: reg, store: st, coord: co, queue: q, mr: mr, task: task}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.reg.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(h.reg.Stop)
}

func lockKey(taskID int64) string {
	return fmt.Sprintf("task_running:%d", taskID)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunnerEnqueuesDueTask(t *testing.T) {
	h := newHarness(t, Options{})
	orig := *h.task.NextCheck
	h.start(t)

	waitFor(t, "task to be enqueued", func() bool { return h.queue.count() >= 1 })

	msg, _ := h.queue.first()
	if msg.Type != queue.TypeParseTask || msg.TaskID != h.task.ID || msg.ItemName != h.task.ItemName {
		t.Fatalf("message = %+v", msg)
	}

	// The worker owns next_check; enqueueing must not advance it.
	ctx := context.Background()
	fresh, err := h.store.GetTask(ctx, h.task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if fresh.NextCheck.After(orig) {
		t.Fatalf("next_check advanced from %v to %v", orig, *fresh.NextCheck)
	}
}

func TestRunnerSkipsHeldLockAndAdvancesSchedule(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if ok, err := h.coord.AcquireLock(ctx, h.task.ID); err != nil || !ok {
		t.Fatalf("AcquireLock = %v, %v", ok, err)
	}
	orig := *h.task.NextCheck
	h.start(t)

	waitFor(t, "next_check to advance past the held lock", func() bool {
		fresh, err := h.store.GetTask(ctx, h.task.ID)
		return err == nil && fresh.NextCheck.After(orig)
	})

	if n := h.queue.count(); n != 0 {
		t.Fatalf("enqueued %d messages while a fresh lock was held", n)
	}
}

func TestRunnerBreaksStuckLock(t *testing.T) {
	h := newHarness(t, Options{})
	stale := time.Now().UTC().Add(-20 * time.Minute).Format(time.RFC3339Nano)
	h.mr.Set(lockKey(h.task.ID), stale)
	h.start(t)

	waitFor(t, "stuck lock to be cleared and task enqueued", func() bool {
		return h.queue.count() >= 1 && !h.mr.Exists(lockKey(h.task.ID))
	})
}

func TestRunnerStopsWhenTaskPaused(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	waitFor(t, "first enqueue", func() bool { return h.queue.count() >= 1 })

	inactive := false
	if _, err := h.store.UpdateTask(context.Background(), h.task.ID, store.TaskUpdate{IsActive: &inactive}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	waitFor(t, "runner to notice the pause", func() bool { return h.reg.Len() == 0 })
}

func TestRunnerStopsWhenTaskDeleted(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)
	waitFor(t, "first enqueue", func() bool { return h.queue.count() >= 1 })

	if err := h.store.DeleteTask(context.Background(), h.task.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}

	waitFor(t, "runner to notice the delete", func() bool { return h.reg.Len() == 0 })
}

func TestSyncPicksUpNewTasks(t *testing.T) {
	h := newHarness(t, Options{SyncInterval: 50 * time.Millisecond})
	h.start(t)
	waitFor(t, "initial runner", func() bool { return h.reg.Len() == 1 })

	second := &models.MonitoringTask{
		Name:          "dragon lore watch",
		ItemName:      "AWP | Dragon Lore (Factory New)",
		IsActive:      true,
		CheckInterval: 60,
	}
	if err := h.store.CreateTask(context.Background(), second); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	waitFor(t, "sync to pick up the new task", func() bool { return h.reg.Len() == 2 })
	waitFor(t, "new task to be enqueued", func() bool {
		h.queue.mu.Lock()
		defer h.queue.mu.Unlock()
		for _, msg := range h.queue.msgs {
			if msg.TaskID == second.ID {
				return true
			}
		}
		return false
	})
}

func TestNotDueTaskStaysQuiet(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)
	if err := h.store.RescheduleTask(ctx, h.task.ID, future); err != nil {
		t.Fatalf("RescheduleTask failed: %v", err)
	}
	h.start(t)

	time.Sleep(100 * time.Millisecond)
	if n := h.queue.count(); n != 0 {
		t.Fatalf("enqueued %d messages for a task due in an hour", n)
	}
	if h.reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", h.reg.Len())
	}
}

func TestRunnerParksAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t, Options{})
	h.queue.fail = errors.New("broker down")
	h.reg.parkAfter = 3

	h.start(t)

	// Each runner incarnation burns the full error budget before the
	// registry restarts it; three incarnations, then parked.
	want := errBudget * h.reg.parkAfter
	waitFor(t, "failure budget to be spent", func() bool { return h.queue.attempts() >= want })

	time.Sleep(150 * time.Millisecond)
	if got := h.queue.attempts(); got != want {
		t.Fatalf("enqueue attempts = %d, want %d (runner kept going after parking)", got, want)
	}
	if h.reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (parked runner keeps its slot)", h.reg.Len())
	}
}

func TestAddRemoveLifecycle(t *testing.T) {
	h := newHarness(t, Options{})

	if h.reg.Add(h.task) {
		t.Fatal("Add before Start succeeded")
	}

	h.start(t)
	waitFor(t, "initial runner", func() bool { return h.reg.Len() == 1 })

	if h.reg.Add(h.task) {
		t.Fatal("duplicate Add succeeded")
	}

	h.reg.Remove(h.task.ID)
	waitFor(t, "runner to drain after Remove", func() bool { return h.reg.Len() == 0 })

	if !h.reg.Add(h.task) {
		t.Fatal("re-Add after Remove failed")
	}
	waitFor(t, "re-added runner to enqueue", func() bool { return h.queue.count() >= 1 })
}
