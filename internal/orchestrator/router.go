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

// Package orchestrator claims messages from the two bus topics the
// scheduler and workers produce (orchestrator-events, worker-results)
// and drives every batch/member/phase/step transition that isn't the
// scheduler's own detection-and-materialization job: init chaining,
// phase materialization at due time, member add/remove cascades, poll
// re-checks, retry redispatch, and worker result processing.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/dispatch"
	"github.com/batchwright/batchwright/internal/metrics"
	"github.com/batchwright/batchwright/internal/progression"
	"github.com/batchwright/batchwright/internal/runbook"
	"github.com/batchwright/batchwright/internal/store"
	"github.com/batchwright/batchwright/pkg/observability"
)

const (
	DefaultWorkers      = 8
	DefaultPollInterval = 2 * time.Second
	DefaultLockDuration = 30 * time.Second
)

// Router claims and dispatches messages off both topics it owns. Each
// claim loop polls the SQL queue on a ticker and fans claimed messages
// out to a semaphore-bounded pool.
type Router struct {
	queries     *store.Queries
	runbooks    *runbook.Store
	bus         bus.Bus
	dispatcher  *dispatch.Dispatcher
	progression *progression.Service
	logger      *slog.Logger
	tracer      observability.Tracer

	workers      int
	pollInterval time.Duration
	lockDuration time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a Router over the given store facade and bus, wiring its
// own dispatch.Dispatcher and progression.Service.
func New(queries *store.Queries, b bus.Bus, workers int, logger *slog.Logger) *Router {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := dispatch.New(queries, b)
	return &Router{
		queries:      queries,
		runbooks:     runbook.NewStore(queries),
		bus:          b,
		dispatcher:   d,
		progression:  progression.New(queries, d),
		logger:       logger.With(slog.String("component", "orchestrator")),
		tracer:       observability.NoopTracer,
		workers:      workers,
		pollInterval: DefaultPollInterval,
		lockDuration: DefaultLockDuration,
	}
}

// WithTracer replaces the router's tracer, used to wire a real
// OpenTelemetry provider in place of the no-op default.
func (o *Router) WithTracer(tracer observability.Tracer) *Router {
	if tracer != nil {
		o.tracer = tracer
	}
	return o
}

// Start launches the two claim loops in the background. Calling Start
// while already running is a no-op.
func (o *Router) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	go o.run(ctx)
}

// Stop signals both claim loops to exit and waits for them to finish.
func (o *Router) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	stopCh := o.stopCh
	doneCh := o.doneCh
	o.mu.Unlock()

	close(stopCh)
	<-doneCh

	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

func (o *Router) run(ctx context.Context) {
	defer close(o.doneCh)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.claimLoop(ctx, bus.TopicOrchestratorEvents, o.handleOrchestratorEvent)
	}()
	go func() {
		defer wg.Done()
		o.claimLoop(ctx, bus.TopicWorkerResults, o.handleWorkerResult)
	}()
	wg.Wait()
}

// claimLoop polls topic on a ticker, claiming up to o.workers messages at
// a time and handing each to a semaphore-bounded goroutine pool. While
// every slot is busy the loop waits for one to free up, so it neither
// hands off the rest of a claimed batch nor claims again until then.
func (o *Router) claimLoop(ctx context.Context, topic string, handle func(context.Context, bus.Message) error) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, o.workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			msgs, err := o.bus.Claim(ctx, topic, nil, o.workers, o.lockDuration)
			if err != nil {
				o.logger.Error("claim messages", slog.String("topic", topic), slog.Any("error", err))
				continue
			}
			for _, msg := range msgs {
				msg := msg
				sem <- struct{}{}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					o.process(ctx, msg, handle)
				}()
			}
		}
	}
}

func (o *Router) process(ctx context.Context, msg bus.Message, handle func(context.Context, bus.Message) error) {
	messageType := msg.AppProperties[bus.PropMessageType]
	spanName := "orchestrator.handle." + msg.Topic
	if messageType != "" {
		spanName = "orchestrator.handle." + messageType
	}
	ctx, span := o.tracer.Start(ctx, spanName, observability.WithAttributes(map[string]any{
		"batchwright.topic":        msg.Topic,
		"batchwright.message_type": messageType,
		"batchwright.message_id":   msg.ID,
	}))
	start := time.Now()
	var handleErr error
	defer func() {
		metrics.RecordMessageClaimed(msg.Topic)
		metrics.RecordHandlerInvocation(messageType, time.Since(start), handleErr)
		span.End()
	}()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic handling message", slog.Int64("message_id", msg.ID), slog.String("topic", msg.Topic), slog.Any("panic", r))
			handleErr = fmt.Errorf("panic: %v", r)
			span.SetStatus(observability.StatusCodeError, "panic")
			_ = o.bus.Nack(ctx, msg.ID)
		}
	}()

	if err := handle(ctx, msg); err != nil {
		handleErr = err
		o.logger.Error("handle message", slog.Int64("message_id", msg.ID), slog.String("topic", msg.Topic), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(observability.StatusCodeError, err.Error())
		_ = o.bus.Nack(ctx, msg.ID)
		return
	}
	span.SetStatus(observability.StatusCodeOK, "")
	if err := o.bus.Ack(ctx, msg.ID); err != nil {
		o.logger.Error("ack message", slog.Int64("message_id", msg.ID), slog.Any("error", err))
	}
}

func (o *Router) handleOrchestratorEvent(ctx context.Context, msg bus.Message) error {
	switch bus.MessageType(msg.AppProperties[bus.PropMessageType]) {
	case bus.MessageTypeBatchInit:
		return o.handleBatchInit(ctx, msg.Body)
	case bus.MessageTypePhaseDue:
		return o.handlePhaseDue(ctx, msg.Body)
	case bus.MessageTypeMemberAdded:
		return o.handleMemberAdded(ctx, msg.Body)
	case bus.MessageTypeMemberRemoved:
		return o.handleMemberRemoved(ctx, msg.Body)
	case bus.MessageTypePollCheck:
		return o.handlePollCheck(ctx, msg.Body)
	case bus.MessageTypeRetryCheck:
		return o.handleRetryCheck(ctx, msg.Body)
	default:
		o.logger.Warn("unknown orchestrator event type", slog.String("type", msg.AppProperties[bus.PropMessageType]))
		return nil
	}
}
