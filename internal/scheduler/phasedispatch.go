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
	"github.com/batchwright/batchwright/internal/store"
)

// dispatchDuePhases scans every pending phase execution across every
// runbook whose due_at has passed and publishes phase-due, the trigger
// the orchestrator's phase-due handler uses to materialize and dispatch
// that phase's step executions. Run once per tick across all runbooks,
// since ListDuePhaseExecutions already spans the whole batches table.
func (l *Loop) dispatchDuePhases(ctx context.Context, now time.Time) error {
	due, err := l.queries.ListDuePhaseExecutions(ctx, now)
	if err != nil {
		return fmt.Errorf("scheduler: list due phase executions: %w", err)
	}

	for _, phase := range due {
		if err := l.dispatchDuePhase(ctx, phase); err != nil {
			l.logger.Error("dispatch due phase", slog.Int64("phase_execution_id", phase.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (l *Loop) dispatchDuePhase(ctx context.Context, phase store.PhaseExecution) error {
	batch, err := l.queries.GetBatch(ctx, phase.BatchID)
	if err != nil {
		return err
	}
	if batch.Status != store.BatchActive {
		// Init hasn't finished yet; leave the phase pending for a later tick.
		return nil
	}

	rb, err := l.queries.GetRunbookByID(ctx, batch.RunbookID)
	if err != nil {
		return err
	}

	event := bus.PhaseDueEvent{
		BatchID:          batch.ID,
		RunbookName:      rb.Name,
		RunbookVersion:   phase.RunbookVersion,
		PhaseName:        phase.PhaseName,
		PhaseExecutionID: phase.ID,
	}
	jobID := fmt.Sprintf("phase-due-%d", phase.ID)
	// Publish before the guarded transition, same crash-safety ordering
	// internal/dispatch uses: a retried publish after a failed transition
	// collapses on jobID instead of stranding the phase pending forever.
	if err := l.publishOrchestratorEvent(ctx, bus.MessageTypePhaseDue, jobID, event); err != nil {
		return err
	}

	ok, err := l.queries.TransitionPhaseStatus(ctx, phase.ID, store.PhaseDispatched, store.PhasePending)
	if err != nil {
		return fmt.Errorf("scheduler: transition phase execution %d to dispatched: %w", phase.ID, err)
	}
	if !ok {
		return nil
	}
	return l.queries.SetBatchCurrentPhase(ctx, batch.ID, phase.PhaseName)
}
