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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"marketwatch/internal/config"
	"marketwatch/internal/coord"
	"marketwatch/internal/fetch"
	"marketwatch/internal/jobs"
	"marketwatch/internal/logging"
	"marketwatch/internal/metrics"
	"marketwatch/internal/proxypool"
	"marketwatch/internal/queue"
	"marketwatch/internal/results"
	"marketwatch/internal/store"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownGrace   = 20 * time.Second
	samplerInterval = 15 * time.Second
)

func main() {
	cfg, err := config.Load("marketwatch-worker", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.NewWithOptions(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	logger = logger.With("service", "marketwatch-worker")
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
		Stream:      cfg.QueueStream,
		Group:       cfg.QueueGroup,
		MaxRetries:  cfg.QueueMaxRetries,
		Prefetch:    int64(cfg.QueuePrefetch),
		Concurrency: int64(cfg.WorkerConcurrency),
		AckTimeout:  cfg.QueueAckTimeout,
	}, logger)

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

	processor := results.New(st, co, logger)
	worker := jobs.New(st, co, pool, fetcher, processor, q, jobs.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		StuckLockAge:      cfg.StuckTimeout,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go pool.Run(workerCtx, cfg.HealthScanInterval)

	go metrics.RunSampler(workerCtx, samplerInterval, metrics.Sources{
		QueueDepth: q.Depth,
		ProxyPool:  pool.Counts,
	}, logger)

	queueDone := make(chan error, 1)
	go func() {
		logger.Info("consuming", "stream", cfg.QueueStream, "group", cfg.QueueGroup)
		queueDone <- q.Run(workerCtx, worker.Handle)
	}()

	opsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           opsMux(st, co),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
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
	case err := <-queueDone:
		queueDone = nil
		if err != nil {
			logger.Error("queue consumer failed", "error", err)
		}
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	workerCancel()
	if queueDone != nil {
		// Run drains in-flight handlers before returning.
		if err := <-queueDone; err != nil {
			logger.Error("queue consumer failed", "error", err)
		}
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutCancel()
	if err := opsSrv.Shutdown(shutCtx); err != nil {
		logger.Error("metrics shutdown failed", "error", err)
	}
	logger.Info("stopped")
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
