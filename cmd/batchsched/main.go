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

// Command batchsched runs the scheduler's periodic tick loop as a
// singleton process: on every tick it evaluates active runbooks for due
// phases, overdue batches, and poll sweeps, publishing the events
// batchorch consumes.
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
	"github.com/batchwright/batchwright/internal/scheduler"
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
		configPath   = flag.String("config", "", "Path to config file")
		tickInterval = flag.Duration("tick-interval", 0, "Override scheduler.tick_interval")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("batchsched %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *tickInterval > 0 {
		cfg.Scheduler.TickInterval = *tickInterval
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

	loop := scheduler.New(db.Queries(), b, cfg.Scheduler.TickInterval, logger)

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
		loop = loop.WithTracer(provider.Tracer("batchsched"))

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

	loop.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	cancel()
	loop.Stop()
}
