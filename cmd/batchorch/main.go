// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command batchorch runs the event router: it claims messages off the
// orchestrator-events and worker-results topics and drives every
// batch/member/phase/step transition that isn't the scheduler's own
// detection job, dispatching worker jobs at a configurable concurrency.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/config"
	"github.com/batchwright/batchwright/internal/log"
	"github.com/batchwright/batchwright/internal/orchestrator"
	"github.com/batchwright/batchwright/internal/store"
	"github.com/batchwright/batchwright/internal/tracing"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file")
		concurrency = flag.Int("concurrency", 0, "Override orchestrator.concurrency")
		workerID    = flag.String("worker-id", "", "Override orchestrator.worker_id")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("batchorch %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *concurrency > 0 {
		cfg.Orchestrator.Concurrency = *concurrency
	}
	if *workerID != "" {
		cfg.Orchestrator.WorkerID = *workerID
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, store.Config{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	b := bus.New(db)

	router := orchestrator.New(db.Queries(), b, cfg.Orchestrator.Concurrency,
		log.WithWorker(logger, cfg.Orchestrator.WorkerID))

	if cfg.Observability.Enabled {
		tracingCfg := tracing.DefaultConfig()
		tracingCfg.Enabled = true
		tracingCfg.ServiceName = cfg.Observability.ServiceName
		tracingCfg.ServiceVersion = version
		tracingCfg.Exporter = cfg.Observability.TraceExporter
		provider, err := tracing.NewProvider(tracingCfg)
		if err != nil {
			logger.Error("failed to start tracer provider", slog.Any("error", err))
			os.Exit(1)
		}
		defer provider.Shutdown(context.Background())
		router = router.WithTracer(provider.Tracer("batchorch"))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Observability.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server exited", slog.Any("error", err))
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	router.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	cancel()
	router.Stop()
}
