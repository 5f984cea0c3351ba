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

// Package scheduler implements the periodic detection/timing engine: on
// every tick it evaluates each active runbook's data source, materializes
// batches/members/phases, and publishes the timing events the
// orchestrator consumes. A single Loop instance must run per deployment;
// operators are responsible for the singleton guarantee (see the ordering
// note on the tick algorithm).
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/metrics"
	"github.com/batchwright/batchwright/internal/runbook"
	"github.com/batchwright/batchwright/internal/store"
	"github.com/batchwright/batchwright/pkg/observability"
)

// DefaultInterval is the tick cadence absent an explicit override.
const DefaultInterval = 5 * time.Minute

// Loop is the scheduler's periodic tick engine.
type Loop struct {
	queries  *store.Queries
	runbooks *runbook.Store
	bus      bus.Bus
	interval time.Duration
	logger   *slog.Logger
	tracer   observability.Tracer

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a Loop over the given store facade and bus. A zero interval
// falls back to DefaultInterval.
func New(queries *store.Queries, b bus.Bus, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		queries:  queries,
		runbooks: runbook.NewStore(queries),
		bus:      b,
		interval: interval,
		logger:   logger.With(slog.String("component", "scheduler")),
		tracer:   observability.NoopTracer,
	}
}

// WithTracer replaces the loop's tracer, used to wire a real
// OpenTelemetry provider in place of the no-op default.
func (l *Loop) WithTracer(tracer observability.Tracer) *Loop {
	if tracer != nil {
		l.tracer = tracer
	}
	return l
}

// Start runs the tick loop in a background goroutine until Stop is
// called or ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	go l.run(ctx)
}

// Stop blocks until the current tick (if any) finishes and the loop
// goroutine exits.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	l.mu.Unlock()

	<-l.doneCh
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case now := <-ticker.C:
			l.Tick(ctx, now.UTC())
		}
	}
}

// Tick runs one full scheduler pass: every active runbook, isolated by
// its own error boundary, followed by the cross-runbook poll sweep.
func (l *Loop) Tick(ctx context.Context, now time.Time) {
	ctx, span := l.tracer.Start(ctx, "scheduler.tick")
	start := time.Now()
	defer func() {
		metrics.RecordSchedulerTick(time.Since(start))
		span.End()
	}()

	runbooks, err := l.queries.ListActiveRunbooks(ctx)
	if err != nil {
		l.logger.Error("list active runbooks", slog.Any("error", err))
		return
	}

	for _, rb := range runbooks {
		l.tickRunbook(ctx, rb, now)
	}

	if err := l.dispatchDuePhases(ctx, now); err != nil {
		l.logger.Error("dispatch due phases", slog.Any("error", err))
	}

	if err := l.pollSweep(ctx, now); err != nil {
		l.logger.Error("poll sweep", slog.Any("error", err))
	}
}

// tickRunbook runs tickRunbookInner behind a panic recovery boundary so
// one malformed runbook's data source or parse failure can never take
// down the rest of the tick.
func (l *Loop) tickRunbook(ctx context.Context, rb store.Runbook, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic processing runbook", slog.String("runbook", rb.Name), slog.Any("panic", r))
			_ = l.queries.RecordRunbookError(ctx, rb.Name, "panic during scheduler tick")
		}
	}()

	if err := l.tickRunbookInner(ctx, rb, now); err != nil {
		l.logger.Error("tick runbook", slog.String("runbook", rb.Name), slog.Any("error", err))
		if recErr := l.queries.RecordRunbookError(ctx, rb.Name, err.Error()); recErr != nil {
			l.logger.Error("record runbook error", slog.String("runbook", rb.Name), slog.Any("error", recErr))
		}
	}
}
