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
	"strings"

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/runbook"
	"github.com/batchwright/batchwright/internal/store"
	"github.com/batchwright/batchwright/internal/template"
)

// handleWorkerResult is the worker-results subscription's single entry
// point, routing by CorrelationData to either the per-member step table
// or the per-batch init table. A result is idempotent: an execution
// already in a terminal status is left alone, so a redelivered or
// duplicate result is a no-op.
func (o *Router) handleWorkerResult(ctx context.Context, msg bus.Message) error {
	var result bus.WorkerResult
	if err := json.Unmarshal(msg.Body, &result); err != nil {
		return fmt.Errorf("orchestrator: decode worker result: %w", err)
	}
	if result.CorrelationData.StepExecutionID == 0 {
		// Fire-and-forget job (rollback or on_member_removed step): no
		// execution row tracks it, nothing to reconcile.
		return nil
	}
	if result.CorrelationData.IsInitStep {
		return o.handleInitResult(ctx, result)
	}
	return o.handleStepResult(ctx, result)
}

func (o *Router) handleStepResult(ctx context.Context, result bus.WorkerResult) error {
	step, err := o.queries.GetStepExecution(ctx, result.CorrelationData.StepExecutionID)
	if err != nil {
		return err
	}
	if step.Status.IsTerminal() {
		return nil
	}

	resultJSON, err := json.Marshal(result.Result)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal result payload for step execution %d: %w", step.ID, err)
	}

	if result.Status == bus.ResultSuccess {
		return o.handleStepSuccess(ctx, *step, string(resultJSON))
	}
	return o.handleStepFailure(ctx, *step, result)
}

func (o *Router) handleStepSuccess(ctx context.Context, step store.StepExecution, resultJSON string) error {
	if !resultComplete(resultJSON) {
		if step.PollStartedAt == nil {
			if _, err := o.queries.BeginPolling(ctx, step.ID); err != nil {
				return fmt.Errorf("orchestrator: begin polling for step execution %d: %w", step.ID, err)
			}
			return nil
		}
		return o.queries.RecordPollAttempt(ctx, step.ID)
	}

	ok, err := o.queries.CompleteStepExecution(ctx, step.ID, store.StepSucceeded, &resultJSON, nil)
	if err != nil {
		return fmt.Errorf("orchestrator: complete step execution %d: %w", step.ID, err)
	}
	if !ok {
		return nil
	}

	if err := o.mergeStepOutputParams(ctx, step, resultJSON); err != nil {
		o.logger.Error("merge step output params", slog.Int64("step_execution_id", step.ID), slog.Any("error", err))
	}
	return o.progression.CheckMemberProgression(ctx, step.ID)
}

// mergeStepOutputParams extracts this step's output_params mapping from
// its result payload and folds them into the member's WorkerDataJson, so
// later phases' template resolution can see them.
func (o *Router) mergeStepOutputParams(ctx context.Context, step store.StepExecution, resultJSON string) error {
	phase, err := o.queries.GetPhaseExecution(ctx, step.PhaseExecutionID)
	if err != nil {
		return err
	}
	batch, err := o.queries.GetBatch(ctx, phase.BatchID)
	if err != nil {
		return err
	}
	rb, err := o.queries.GetRunbookByID(ctx, batch.RunbookID)
	if err != nil {
		return err
	}
	_, def, err := o.runbooks.GetByNameAndVersion(ctx, rb.Name, phase.RunbookVersion)
	if err != nil {
		return err
	}
	var phaseDef *runbook.Phase
	for i := range def.Phases {
		if def.Phases[i].Name == phase.PhaseName {
			phaseDef = &def.Phases[i]
			break
		}
	}
	if phaseDef == nil || step.StepIndex >= len(phaseDef.Steps) {
		return nil
	}
	outputParams := phaseDef.Steps[step.StepIndex].OutputParams
	if len(outputParams) == 0 {
		return nil
	}

	extracted, err := template.ExtractOutputParams(resultJSON, true, outputParams)
	if err != nil {
		return err
	}
	if len(extracted) == 0 {
		return nil
	}

	return o.queries.MergeMemberWorkerDataWithRetry(ctx, step.BatchMemberID, 5, func(current string) (string, error) {
		return mergeWorkerData(current, extracted)
	})
}

func (o *Router) handleStepFailure(ctx context.Context, step store.StepExecution, result bus.WorkerResult) error {
	errMsg := "worker reported failure"
	if result.Error != nil && result.Error.Message != "" {
		errMsg = result.Error.Message
	}

	ok, err := o.queries.CompleteStepExecution(ctx, step.ID, store.StepFailed, nil, &errMsg)
	if err != nil {
		return fmt.Errorf("orchestrator: fail step execution %d: %w", step.ID, err)
	}
	if !ok {
		return nil
	}

	if step.RetryCount < step.MaxRetries {
		return o.progression.ScheduleStepRetry(ctx, o.bus, step.ID, step.RetryIntervalSec)
	}
	return o.failStepAndIsolateMember(ctx, step)
}

func (o *Router) handleInitResult(ctx context.Context, result bus.WorkerResult) error {
	init, err := o.queries.GetInitExecution(ctx, result.CorrelationData.StepExecutionID)
	if err != nil {
		return err
	}
	if init.Status.IsTerminal() {
		return nil
	}

	resultJSON, err := json.Marshal(result.Result)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal result payload for init execution %d: %w", init.ID, err)
	}

	if result.Status == bus.ResultSuccess {
		return o.handleInitSuccess(ctx, *init, string(resultJSON))
	}
	return o.handleInitFailure(ctx, *init, result)
}

func (o *Router) handleInitSuccess(ctx context.Context, init store.InitExecution, resultJSON string) error {
	if !resultComplete(resultJSON) {
		if init.PollStartedAt == nil {
			if _, err := o.queries.BeginInitPolling(ctx, init.ID); err != nil {
				return fmt.Errorf("orchestrator: begin polling for init execution %d: %w", init.ID, err)
			}
			return nil
		}
		return o.queries.RecordInitPollAttempt(ctx, init.ID)
	}

	ok, err := o.queries.CompleteInitExecution(ctx, init.ID, store.StepSucceeded, &resultJSON, nil)
	if err != nil {
		return fmt.Errorf("orchestrator: complete init execution %d: %w", init.ID, err)
	}
	if !ok {
		return nil
	}
	// Init steps have no per-member scope to merge output params into;
	// sequencing (advanceInit) is the only consequence of success.
	return o.advanceInit(ctx, init)
}

func (o *Router) handleInitFailure(ctx context.Context, init store.InitExecution, result bus.WorkerResult) error {
	errMsg := "worker reported failure"
	if result.Error != nil && result.Error.Message != "" {
		errMsg = result.Error.Message
	}

	ok, err := o.queries.CompleteInitExecution(ctx, init.ID, store.StepFailed, nil, &errMsg)
	if err != nil {
		return fmt.Errorf("orchestrator: fail init execution %d: %w", init.ID, err)
	}
	if !ok {
		return nil
	}

	if init.RetryCount < init.MaxRetries {
		return o.progression.ScheduleInitRetry(ctx, o.bus, init.ID, init.RetryIntervalSec)
	}
	return o.failBatchInit(ctx, init.BatchID)
}

// resultComplete reports whether a worker result payload signals
// completion. A poll step's still-in-progress result carries
// complete=false; its absence, or any non-boolean value, means the unit
// of work is done.
func resultComplete(resultJSON string) bool {
	var payload map[string]any
	if err := json.Unmarshal([]byte(resultJSON), &payload); err != nil {
		return true
	}
	for k, v := range payload {
		if strings.EqualFold(k, "complete") {
			if b, ok := v.(bool); ok {
				return b
			}
		}
	}
	return true
}

// mergeWorkerData folds newly extracted output params into a member's
// existing WorkerDataJson, overwriting any prior value for the same key.
func mergeWorkerData(current string, extracted map[string]string) (string, error) {
	fields := map[string]any{}
	if current != "" {
		if err := json.Unmarshal([]byte(current), &fields); err != nil {
			return "", fmt.Errorf("orchestrator: parse existing worker data: %w", err)
		}
	}
	for k, v := range extracted {
		fields[k] = v
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(merged), nil
}
