package admin

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

// Test harness for the admin API plus the auth, stats, and queue
// endpoint tests. Handlers run against a real SQLite store and a
// miniredis-backed coordinator, the same way the binaries wire them.

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"marketwatch/internal/coord"
	"marketwatch/internal/fetch"
	"marketwatch/internal/proxypool"
	"marketwatch/internal/queue"
	"marketwatch/internal/store"
	"marketwatch/pkg/models"
	"marketwatch/pkg/token"
)

// runnerLog records scheduler registry calls made by the handlers.
type runnerLog struct {
	added   []int64
	removed []int64
}

func (r *runnerLog) Add(task *models.MonitoringTask) bool {
	r.added = append(r.added, task.ID)
	return true
}

func (r *runnerLog) Remove(taskID int64) {
	r.removed = append(r.removed, taskID)
}

func (r *runnerLog) has(ids []int64, id int64) bool {
	for _, got := range ids {
		if got == id {
			return true
		}
	}
	return false
}

// okProber answers every health probe with a fixed outcome.
type okProber struct {
	outcome fetch.Outcome
}

func (p okProber) Probe(ctx context.Context, proxyURL string) fetch.Outcome {
	return p.outcome
}

type env struct {
	t       *testing.T
	ctx     context.Context
	store   *store.Store
	coord   *coord.Coordinator
	queue   *queue.Queue
	pool    *proxypool.Pool
	runners *runnerLog
	mr      *miniredis.Miniredis
	router  http.Handler
	token   string
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	st, err := store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "admin.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	co := coord.NewWithClient(rdb, coord.Options{LockTTL: time.Hour}, nil)
	q := queue.New(rdb, queue.Config{}, nil)
	pool := proxypool.New(st, co, okProber{outcome: fetch.OutcomeOK}, proxypool.Options{}, nil)
	runners := &runnerLog{}

	srv := New(st, q, co, pool, runners, opts, nil)
	return &env{
		t:       t,
		ctx:     ctx,
		store:   st,
		coord:   co,
		queue:   q,
		pool:    pool,
		runners: runners,
		mr:      mr,
		router:  srv.Router(),
	}
}

// do sends one request through the router; a non-nil body is sent as
// JSON and the bearer token, when set, rides along.
func (e *env) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	return e.doRaw(method, path, rd)
}

func (e *env) doRaw(method, path string, body io.Reader) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, want, rec.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	hash, err := token.Hash("letmein")
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	e := newEnv(t, Options{TokenHash: hash})

	rec := e.do(http.MethodGet, "/api/v1/tasks", nil)
	wantStatus(t, rec, http.StatusUnauthorized)
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 without a WWW-Authenticate header")
	}

	e.token = "wrong"
	wantStatus(t, e.do(http.MethodGet, "/api/v1/tasks", nil), http.StatusUnauthorized)

	e.token = "letmein"
	wantStatus(t, e.do(http.MethodGet, "/api/v1/tasks", nil), http.StatusOK)
}

func TestAuthDisabledWithoutHash(t *testing.T) {
	e := newEnv(t, Options{})
	wantStatus(t, e.do(http.MethodGet, "/api/v1/tasks", nil), http.StatusOK)
}

func TestStatsOverlaysRedisState(t *testing.T) {
	e := newEnv(t, Options{})

	rec := e.do(http.MethodPost, "/api/v1/tasks", map[string]any{
		"name":      "case hardened watch",
		"item_name": "AK-47 | Case Hardened (Well-Worn)",
	})
	wantStatus(t, rec, http.StatusCreated)

	wantStatus(t, e.do(http.MethodPost, "/api/v1/proxies", map[string]any{
		"url": "http://203.0.113.5:8080",
	}), http.StatusCreated)

	for i := 0; i < 2; i++ {
		if err := e.queue.Enqueue(e.ctx, queue.Message{Type: queue.TypeParseTask, TaskID: 1}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var stats models.Stats
	rec = e.do(http.MethodGet, "/api/v1/stats", nil)
	wantStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &stats)

	if stats.Tasks != 1 || stats.ActiveTasks != 1 {
		t.Errorf("tasks = %d active = %d, want 1/1", stats.Tasks, stats.ActiveTasks)
	}
	if stats.QueueDepth != 2 {
		t.Errorf("queue_depth = %d, want 2", stats.QueueDepth)
	}
	if stats.Proxies.Total != 1 || stats.Proxies.Active != 1 {
		t.Errorf("proxies = %+v, want one active", stats.Proxies)
	}
	if len(stats.PerTask) != 1 {
		t.Errorf("per_task has %d entries, want 1", len(stats.PerTask))
	}
}

func TestQueueEndpoints(t *testing.T) {
	e := newEnv(t, Options{})
	if err := e.queue.Enqueue(e.ctx, queue.Message{Type: queue.TypeParseTask, TaskID: 7}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var qs queueStats
	rec := e.do(http.MethodGet, "/api/v1/queue/stats", nil)
	wantStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &qs)
	if qs.Ready != 1 || qs.Delayed != 0 || qs.Dead != 0 {
		t.Errorf("queue stats = %+v, want ready=1", qs)
	}

	var letters []deadLetterView
	rec = e.do(http.MethodGet, "/api/v1/queue/dead", nil)
	wantStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &letters)
	if len(letters) != 0 {
		t.Errorf("dead letters = %d, want none", len(letters))
	}
}

func TestErrorEnvelope(t *testing.T) {
	e := newEnv(t, Options{})
	rec := e.do(http.MethodGet, "/api/v1/tasks/9999", nil)
	wantStatus(t, rec, http.StatusNotFound)

	var envlp jsonError
	decodeBody(t, rec, &envlp)
	if envlp.Error != http.StatusText(http.StatusNotFound) {
		t.Errorf("error = %q, want %q", envlp.Error, http.StatusText(http.StatusNotFound))
	}
	if !strings.Contains(envlp.Message, "not found") {
		t.Errorf("message %q does not mention not found", envlp.Message)
	}
}
