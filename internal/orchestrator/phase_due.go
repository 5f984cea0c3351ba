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

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/runbook"
	"github.com/batchwright/batchwright/internal/store"
	"github.com/batchwright/batchwright/internal/template"
)

// handlePhaseDue materializes every active member's step executions for a
// phase and dispatches each member's first step. Resolution happens here,
// not at batch-detection time, because a phase's due time can be weeks
// after detection and needs each member's current WorkerDataJson/DataJson
// rather than a stale snapshot. Members are materialized concurrently and
// a template-resolution failure only isolates the affected member — the
// rest of the phase proceeds.
func (o *Router) handlePhaseDue(ctx context.Context, body []byte) error {
	var event bus.PhaseDueEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("orchestrator: decode phase-due event: %w", err)
	}

	phase, err := o.queries.GetPhaseExecution(ctx, event.PhaseExecutionID)
	if err != nil {
		return err
	}
	if phase.Status != store.PhaseDispatched {
		// Already completed/failed/superseded by a redelivery race.
		return nil
	}

	batch, err := o.queries.GetBatch(ctx, event.BatchID)
	if err != nil {
		return err
	}

	_, def, err := o.runbooks.GetByNameAndVersion(ctx, event.RunbookName, event.RunbookVersion)
	if err != nil {
		return fmt.Errorf("orchestrator: load runbook %q version %d: %w", event.RunbookName, event.RunbookVersion, err)
	}
	var phaseDef *runbook.Phase
	for i := range def.Phases {
		if def.Phases[i].Name == event.PhaseName {
			phaseDef = &def.Phases[i]
			break
		}
	}
	if phaseDef == nil {
		return fmt.Errorf("orchestrator: phase %q not found in runbook %q version %d", event.PhaseName, event.RunbookName, event.RunbookVersion)
	}

	members, err := o.queries.ListBatchMembers(ctx, event.BatchID, store.MemberActive)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, o.workers)
	var wg sync.WaitGroup
	for _, member := range members {
		member := member
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := o.materializeMemberSteps(ctx, def, phaseDef, batch, member, event.PhaseExecutionID, event.RunbookName, event.RunbookVersion); err != nil {
				o.logger.Error("materialize steps for member", slog.Int64("batch_member_id", member.ID), slog.Int64("phase_execution_id", event.PhaseExecutionID), slog.Any("error", err))
				if ferr := o.progression.HandleMemberFailure(ctx, member.ID); ferr != nil {
					o.logger.Error("isolate member after materialize failure", slog.Int64("batch_member_id", member.ID), slog.Any("error", ferr))
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (o *Router) materializeMemberSteps(ctx context.Context, def *runbook.Definition, phaseDef *runbook.Phase, batch *store.Batch, member store.BatchMember, phaseExecutionID int64, runbookName string, runbookVersion int64) error {
	resolver := template.New(
		template.SpecialVars(batch.ID, batch.BatchStartTime),
		template.JSONFieldLookup(member.WorkerDataJSON),
		template.JSONFieldLookup(member.DataJSON),
	)

	var firstID int64
	for i, step := range phaseDef.Steps {
		functionName, err := resolver.Resolve(step.Function)
		if err != nil {
			return fmt.Errorf("resolve step %q function: %w", step.Name, err)
		}
		resolvedParams, err := resolver.ResolveMap(step.Params)
		if err != nil {
			return fmt.Errorf("resolve step %q params: %w", step.Name, err)
		}
		paramsJSON, err := json.Marshal(resolvedParams)
		if err != nil {
			return fmt.Errorf("marshal step %q params: %w", step.Name, err)
		}

		maxRetries, retryIntervalSec := effectiveRetry(def, step.Retry)
		pollIntervalSec, pollTimeoutSec, isPollStep := effectivePoll(step.Poll)

		var onFailure *string
		if step.OnFailure != "" {
			onFailure = &step.OnFailure
		}

		id, err := o.queries.InsertStepExecution(ctx, store.StepExecutionSpec{
			PhaseExecutionID: phaseExecutionID,
			BatchMemberID:    member.ID,
			StepName:         step.Name,
			StepIndex:        i,
			WorkerID:         step.WorkerID,
			FunctionName:     functionName,
			ParamsJSON:       string(paramsJSON),
			IsPollStep:       isPollStep,
			PollIntervalSec:  pollIntervalSec,
			PollTimeoutSec:   pollTimeoutSec,
			OnFailure:        onFailure,
			MaxRetries:       maxRetries,
			RetryIntervalSec: retryIntervalSec,
		})
		if err != nil {
			return fmt.Errorf("insert step %q: %w", step.Name, err)
		}
		if i == 0 {
			firstID = id
		}
	}

	first, err := o.queries.GetStepExecution(ctx, firstID)
	if err != nil {
		return err
	}
	if first.Status != store.StepPending {
		return nil
	}

	return o.dispatchStep(ctx, *first, batch.ID, runbookName, runbookVersion)
}

// effectiveRetry mirrors internal/scheduler's helper of the same name: a
// step falls back to the runbook's global retry policy when it sets none.
func effectiveRetry(def *runbook.Definition, stepRetry *runbook.Retry) (maxRetries, retryIntervalSec int) {
	r := stepRetry
	if r == nil {
		r = def.GlobalRetry
	}
	if r == nil {
		return 0, 0
	}
	return r.MaxRetries, r.Interval.Seconds()
}

// effectivePoll mirrors internal/scheduler's helper of the same name.
func effectivePoll(p *runbook.Poll) (intervalSec, timeoutSec int, isPollStep bool) {
	if p == nil {
		return 0, 0, false
	}
	return p.Interval.Seconds(), p.Timeout.Seconds(), true
}
