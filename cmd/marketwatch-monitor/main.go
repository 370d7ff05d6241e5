package main

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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"marketwatch/internal/admin"
	"marketwatch/internal/config"
	"marketwatch/internal/coord"
	"marketwatch/internal/fetch"
	"marketwatch/internal/logging"
	"marketwatch/internal/metrics"
	"marketwatch/internal/notify"
	"marketwatch/internal/proxypool"
	"marketwatch/internal/queue"
	"marketwatch/internal/results"
	"marketwatch/internal/scheduler"
	"marketwatch/internal/store"
	"marketwatch/pkg/token"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownGrace   = 20 * time.Second
	samplerInterval = 15 * time.Second

	// Sweeper pacing. The grace period keeps the sweeper off rows a
	// worker is still fanning out.
	sweepInterval = time.Minute
	sweepGrace    = 5 * time.Minute
	sweepLimit    = 100
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		os.Exit(hashToken(os.Args[2:]))
	}

	cfg, err := config.Load("marketwatch-monitor", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.NewWithOptions(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	logger = logger.With("service", "marketwatch-monitor")
	cfg.LogTo(logger)

	openCtx, openCancel := context.WithTimeout(context.Background(), startupTimeout)
	st, err := store.Open(openCtx, cfg.DatabaseURL)
	openCancel()
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	co := coord.NewWithClient(rdb, coord.Options{
		LockTTL:     cfg.LockTTL,
		SnapshotTTL: cfg.ProxyCacheTTL,
	}, logger)

	q := queue.New(rdb, queue.Config{
		Stream:     cfg.QueueStream,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		Prefetch:   int64(cfg.QueuePrefetch),
		AckTimeout: cfg.QueueAckTimeout,
	}, logger)

	// Fail fast when Redis is unreachable, and create the consumer
	// group before the first enqueue so workers starting later see
	// every message.
	startCtx, startCancel := context.WithTimeout(context.Background(), startupTimeout)
	err = co.Ping(startCtx)
	if err == nil {
		err = q.EnsureGroup(startCtx)
	}
	startCancel()
	if err != nil {
		logger.Error("redis not ready", "error", err)
		os.Exit(1)
	}

	fetcher := fetch.NewHTTPFetcher(fetch.Options{Timeout: cfg.FetchTimeout}, logger)
	pool := proxypool.New(st, co, fetcher, proxypool.Options{
		BlockBase:       cfg.ProxyBlockBase,
		BlockMax:        cfg.ProxyBlockMax,
		ScanConcurrency: cfg.HealthScanConcurrency,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	reg := scheduler.New(st, co, q, scheduler.Options{StuckLockAge: cfg.StuckTimeout}, logger)
	if err := reg.Start(workerCtx); err != nil {
		logger.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}

	processor := results.New(st, co, logger)
	go processor.RunSweeper(workerCtx, sweepInterval, sweepGrace, sweepLimit)

	listener := notify.New(co, logger)
	go func() { _ = listener.Run(workerCtx) }()

	go metrics.RunSampler(workerCtx, samplerInterval, metrics.Sources{
		QueueDepth:     q.Depth,
		SchedulerTasks: reg.Len,
		ProxyPool:      pool.Counts,
	}, logger)

	adm := admin.New(st, q, co, pool, reg, admin.Options{
		TokenHash:       cfg.AdminTokenHash,
		ScanConcurrency: cfg.HealthScanConcurrency,
	}, logger)

	adminSrv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           adm.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// On-demand proxy scans answer synchronously and can hold a
		// response for several probe waves.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	opsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           opsMux(st, co),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("admin API listening", "addr", cfg.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	workerCancel()
	reg.Stop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutCancel()
	if err := adminSrv.Shutdown(shutCtx); err != nil {
		logger.Error("admin shutdown failed", "error", err)
	}
	if err := opsSrv.Shutdown(shutCtx); err != nil {
		logger.Error("metrics shutdown failed", "error", err)
	}
	logger.Info("stopped")
}

// hashToken implements the hash-token subcommand: print the bcrypt hash
// of an admin token, suitable for ADMIN_TOKEN_HASH. The token comes
// from the first argument, or from stdin when no argument is given.
func hashToken(args []string) int {
	var tok string
	if len(args) > 0 {
		tok = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read stdin:", err)
			return 1
		}
		tok = strings.TrimSpace(string(data))
	}
	hash, err := token.Hash(tok)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(hash)
	return 0
}

// opsMux serves the operational endpoints: Prometheus metrics,
// liveness, and readiness.
func opsMux(st *store.Store, co *coord.Coordinator) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/readyz", readyHandler(st, co))
	return mux
}

// readyHandler reports ready only when both backing stores answer.
func readyHandler(st *store.Store, co *coord.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "reason": "database unreachable"})
			return
		}
		if err := co.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "reason": "redis unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
