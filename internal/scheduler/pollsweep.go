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

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/progression"
)

// pollSweep scans every step and init execution currently polling,
// across every runbook, and publishes poll-check for the ones due for
// another poll attempt. Everything past that point — timeout detection,
// the terminal transition, the rollback/member-isolation consequence,
// and the redispatch+counter bump — belongs to the poll-check handler,
// not the sweep: the sweep only ever decides "is it time to check in".
func (l *Loop) pollSweep(ctx context.Context, now time.Time) error {
	if err := l.pollSweepSteps(ctx, now); err != nil {
		return err
	}
	return l.pollSweepInits(ctx, now)
}

func (l *Loop) pollSweepSteps(ctx context.Context, now time.Time) error {
	steps, err := l.queries.ListPolling(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list polling steps: %w", err)
	}

	for _, step := range steps {
		if !progression.PollDue(step, now) {
			continue
		}
		jobID := fmt.Sprintf("poll-check-step-%d-%d", step.ID, step.PollCount+1)
		event := bus.PollCheckEvent{StepExecutionID: step.ID, IsInitStep: false}
		if err := l.publishOrchestratorEvent(ctx, bus.MessageTypePollCheck, jobID, event); err != nil {
			l.logger.Error("publish poll-check for step", slog.Int64("step_execution_id", step.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (l *Loop) pollSweepInits(ctx context.Context, now time.Time) error {
	inits, err := l.queries.ListInitPolling(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list polling init executions: %w", err)
	}

	for _, init := range inits {
		if !progression.InitPollDue(init, now) {
			continue
		}
		jobID := fmt.Sprintf("poll-check-init-%d-%d", init.ID, init.PollCount+1)
		event := bus.PollCheckEvent{StepExecutionID: init.ID, IsInitStep: true}
		if err := l.publishOrchestratorEvent(ctx, bus.MessageTypePollCheck, jobID, event); err != nil {
			l.logger.Error("publish poll-check for init execution", slog.Int64("init_execution_id", init.ID), slog.Any("error", err))
		}
	}
	return nil
}
