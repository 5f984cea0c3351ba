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
	"time"

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/runbook"
	"github.com/batchwright/batchwright/internal/store"
)

// applyVersionTransition catches up every active batch of rb whose
// materialized phases still lag the currently active runbook version:
// pending phases from the old version are superseded and replaced with
// phases computed from the new definition's offsets.
func (l *Loop) applyVersionTransition(ctx context.Context, rb *store.Runbook, def *runbook.Definition, now time.Time) error {
	batches, err := l.queries.ListActiveBatches(ctx, rb.ID)
	if err != nil {
		return fmt.Errorf("scheduler: list active batches for runbook %d: %w", rb.ID, err)
	}

	for _, batch := range batches {
		if batch.Status != store.BatchActive {
			// Still running init under whatever version it started at;
			// version transitions only apply once a batch is progressing
			// through phases.
			continue
		}
		if err := l.applyVersionTransitionToBatch(ctx, rb, def, batch, now); err != nil {
			return fmt.Errorf("scheduler: version transition for batch %d: %w", batch.ID, err)
		}
	}
	return nil
}

func (l *Loop) applyVersionTransitionToBatch(ctx context.Context, rb *store.Runbook, def *runbook.Definition, batch store.Batch, now time.Time) error {
	phases, err := l.queries.ListPhaseExecutions(ctx, batch.ID)
	if err != nil {
		return err
	}

	var maxVersion int64
	latestByName := map[string]store.PhaseExecution{}
	for _, p := range phases {
		if p.RunbookVersion > maxVersion {
			maxVersion = p.RunbookVersion
		}
		if cur, ok := latestByName[p.PhaseName]; !ok || p.RunbookVersion > cur.RunbookVersion {
			latestByName[p.PhaseName] = p
		}
	}
	if maxVersion >= rb.Version {
		return nil
	}

	if _, err := l.queries.SupersedePendingPhases(ctx, batch.ID); err != nil {
		return fmt.Errorf("supersede pending phases: %w", err)
	}

	baseTime := now
	if batch.BatchStartTime != nil {
		baseTime = *batch.BatchStartTime
	}

	applyIgnoreCatchup := !rb.IgnoreOverdueApplied
	ignoredAnOverduePhase := false

	for _, phase := range def.Phases {
		if latest, ok := latestByName[phase.Name]; ok && latest.Status.IsTerminal() && latest.Status != store.PhaseSuperseded {
			// Already ran, failed, or was explicitly skipped under an
			// earlier version: never rerun a phase that already executed.
			continue
		}

		dueAt := baseTime.Add(time.Duration(phase.OffsetMinutes) * time.Minute)
		overdue := dueAt.Before(now)

		if overdue && rb.OverdueBehavior == store.OverdueIgnore {
			ignoredAnOverduePhase = true
			if !applyIgnoreCatchup {
				// Already caught up once for this version; stays skipped.
				continue
			}
			id, err := l.queries.InsertPhaseExecution(ctx, batch.ID, phase.Name, phase.OffsetMinutes, nil, rb.Version)
			if err != nil {
				return fmt.Errorf("materialize skipped phase %q: %w", phase.Name, err)
			}
			if _, err := l.queries.TransitionPhaseStatus(ctx, id, store.PhaseSkipped, store.PhasePending); err != nil {
				return fmt.Errorf("mark phase %q skipped: %w", phase.Name, err)
			}
			continue
		}

		if overdue {
			// rerun behavior: the phase is due now rather than at its
			// original (already-passed) offset.
			dueAt = now
		}
		if _, err := l.queries.InsertPhaseExecution(ctx, batch.ID, phase.Name, phase.OffsetMinutes, &dueAt, rb.Version); err != nil {
			return fmt.Errorf("materialize phase %q at version %d: %w", phase.Name, rb.Version, err)
		}
	}

	if ignoredAnOverduePhase && applyIgnoreCatchup {
		if err := l.queries.MarkIgnoreOverdueApplied(ctx, rb.ID); err != nil {
			return fmt.Errorf("mark ignore-overdue applied: %w", err)
		}
	}

	if rb.RerunInit {
		if err := l.rerunInit(ctx, rb, def, batch); err != nil {
			return err
		}
	}

	return nil
}

// rerunInit materializes def.Init under rb.Version for a batch that
// already has init executions from an earlier version, when the runbook
// explicitly opts into RerunInit on a version bump. Idempotent: a batch
// that already has init executions at rb.Version is left untouched.
func (l *Loop) rerunInit(ctx context.Context, rb *store.Runbook, def *runbook.Definition, batch store.Batch) error {
	existing, err := l.queries.ListInitExecutions(ctx, batch.ID, rb.Version)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	if err := l.materializeInit(ctx, rb, def, batch.ID, batch.BatchStartTime); err != nil {
		return err
	}

	jobID := fmt.Sprintf("batch-init-%d-v%d", batch.ID, rb.Version)
	return l.publishOrchestratorEvent(ctx, bus.MessageTypeBatchInit, jobID,
		bus.BatchInitEvent{BatchID: batch.ID, RunbookName: rb.Name, RunbookVersion: rb.Version})
}
