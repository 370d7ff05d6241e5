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

// Package admin serves the management API: task CRUD, proxy fleet
// operations, and queue and service statistics. Every route sits under
// /api/v1 behind a bearer token checked against a bcrypt hash; an empty
// hash disables authentication for local setups.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"marketwatch/internal/coord"
	"marketwatch/internal/proxypool"
	"marketwatch/internal/queue"
	"marketwatch/internal/store"
	"marketwatch/pkg/models"
	"marketwatch/pkg/token"
)

// maxBodyBytes caps request bodies; filter documents are small.
const maxBodyBytes = 1 << 20

// TaskRunners is the slice of the scheduler the API uses to start and
// stop task runners as tasks are created, paused, and deleted. A nil
// value leaves scheduling to the registry's periodic sync.
type TaskRunners interface {
	Add(task *models.MonitoringTask) bool
	Remove(taskID int64)
}

// Options tunes the admin server.
type Options struct {
	// TokenHash is the bcrypt hash presented tokens are checked
	// against. Empty disables authentication.
	TokenHash string

	// ScanConcurrency is handed to manually triggered health scans.
	// Zero uses the pool default.
	ScanConcurrency int
}

// Server carries the handlers' dependencies.
type Server struct {
	store   *store.Store
	queue   *queue.Queue
	coord   *coord.Coordinator
	pool    *proxypool.Pool
	runners TaskRunners
	logger  *slog.Logger

	tokenHash       string
	scanConcurrency int
}

// New builds the admin server. A nil logger falls back to
// slog.Default(); a nil runners leaves runner management to the
// scheduler's sync loop.
func New(st *store.Store, q *queue.Queue, co *coord.Coordinator, pool *proxypool.Pool, runners TaskRunners, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "admin")
	if opts.TokenHash == "" {
		logger.Warn("admin API authentication disabled, set ADMIN_TOKEN_HASH to enable it")
	}
	return &Server{
		store:           st,
		queue:           q,
		coord:           co,
		pool:            pool,
		runners:         runners,
		logger:          logger,
		tokenHash:       opts.TokenHash,
		scanConcurrency: opts.ScanConcurrency,
	}
}

// Router assembles the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(maxBodyBytes))
	r.Use(s.requestLog)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.requireAuth)

		api.Route("/tasks", func(rt chi.Router) {
			rt.Get("/", s.handleListTasks)
			rt.Post("/", s.handleCreateTask)
			rt.Route("/{id}", func(rt chi.Router) {
				rt.Get("/", s.handleGetTask)
				rt.Patch("/", s.handlePatchTask)
				rt.Delete("/", s.handleDeleteTask)
				rt.Get("/items", s.handleTaskItems)
				rt.Get("/stats", s.handleTaskStats)
			})
		})

		api.Route("/proxies", func(rp chi.Router) {
			rp.Get("/", s.handleListProxies)
			rp.Post("/", s.handleAddProxy)
			rp.Post("/dedupe", s.handleDedupeProxies)
			rp.Post("/scan", s.handleScanProxies)
			rp.Route("/{id}", func(rp chi.Router) {
				rp.Delete("/", s.handleDeleteProxy)
				rp.Post("/unblock", s.handleUnblockProxy)
				rp.Post("/activate", s.handleActivateProxy)
			})
		})

		api.Get("/stats", s.handleStats)
		api.Route("/queue", func(rq chi.Router) {
			rq.Get("/stats", s.handleQueueStats)
			rq.Get("/dead", s.handleDeadLetters)
		})
	})

	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start))
	})
}

// requireAuth checks the Authorization bearer token against the
// configured bcrypt hash. With no hash configured every request passes.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		tok := bearerToken(r)
		if tok == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="marketwatch"`)
			s.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if err := token.Verify(tok, s.tokenHash); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="marketwatch"`)
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// jsonError is the error envelope for every non-2xx response.
type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response body not written", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, jsonError{Error: http.StatusText(status), Message: msg})
}

// storeError maps store sentinel errors onto HTTP statuses; anything
// unrecognized is logged and reported as a 500.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalid):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("admin request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// limitParam reads ?limit=, clamped to (0, max]; absent or unparseable
// values fall back to def.
func limitParam(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
