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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/dispatch"
	"github.com/batchwright/batchwright/internal/runbook"
	"github.com/batchwright/batchwright/internal/store"
	"github.com/batchwright/batchwright/internal/template"
)

// dispatchStep hands a materialized step execution to the dispatcher,
// using its own RetryCount so the job ID lands on "attempt-1" or
// "retry-{n}" as appropriate — this serves both a fresh dispatch
// (RetryCount 0) and the retry-check handler's redispatch.
func (o *Router) dispatchStep(ctx context.Context, step store.StepExecution, batchID int64, runbookName string, runbookVersion int64) error {
	var params map[string]any
	if err := json.Unmarshal([]byte(step.ParamsJSON), &params); err != nil {
		return fmt.Errorf("orchestrator: decode params for step execution %d: %w", step.ID, err)
	}
	if err := o.dispatcher.Step(ctx, step, batchID, runbookName, runbookVersion, params, step.RetryCount); err != nil {
		if errors.Is(err, dispatch.ErrAlreadyDispatched) {
			return nil
		}
		return fmt.Errorf("orchestrator: dispatch step execution %d: %w", step.ID, err)
	}
	return nil
}

// stepRunbookContext resolves the batch/runbook a step execution belongs
// to via its phase, for callers that only have the step row in hand.
func (o *Router) stepRunbookContext(ctx context.Context, step store.StepExecution) (batchID int64, runbookName string, runbookVersion int64, err error) {
	phase, err := o.queries.GetPhaseExecution(ctx, step.PhaseExecutionID)
	if err != nil {
		return 0, "", 0, err
	}
	batch, err := o.queries.GetBatch(ctx, phase.BatchID)
	if err != nil {
		return 0, "", 0, err
	}
	rb, err := o.queries.GetRunbookByID(ctx, batch.RunbookID)
	if err != nil {
		return 0, "", 0, err
	}
	return batch.ID, rb.Name, phase.RunbookVersion, nil
}

// publishWorkerJob marshals and publishes a worker job, keyed on its own
// JobID so a redelivery of the same job is a dedup no-op on the bus.
func (o *Router) publishWorkerJob(ctx context.Context, job bus.WorkerJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal worker job %s: %w", job.JobID, err)
	}
	props := map[string]string{bus.PropWorkerID: job.WorkerID}
	if err := o.bus.Publish(ctx, bus.TopicWorkerJobs, body, props, job.JobID); err != nil {
		return fmt.Errorf("orchestrator: publish worker job %s: %w", job.JobID, err)
	}
	return nil
}

// redispatchPoll re-sends a still-polling step's same function+params
// directly to its worker. DispatchStepExecution's guarded pending→
// dispatched transition doesn't apply here: the row is already
// dispatched/polling and stays that way.
func (o *Router) redispatchPoll(ctx context.Context, step store.StepExecution, runbookName string, runbookVersion int64) error {
	var params map[string]any
	if err := json.Unmarshal([]byte(step.ParamsJSON), &params); err != nil {
		return fmt.Errorf("orchestrator: decode params for step execution %d: %w", step.ID, err)
	}
	phase, err := o.queries.GetPhaseExecution(ctx, step.PhaseExecutionID)
	if err != nil {
		return err
	}
	job := bus.WorkerJob{
		JobID:        fmt.Sprintf("poll-step-%d-%d", step.ID, step.PollCount+1),
		BatchID:      &phase.BatchID,
		WorkerID:     step.WorkerID,
		FunctionName: step.FunctionName,
		Parameters:   params,
		CorrelationData: bus.CorrelationData{
			StepExecutionID: step.ID,
			IsInitStep:      false,
			RunbookName:     runbookName,
			RunbookVersion:  runbookVersion,
		},
	}
	return o.publishWorkerJob(ctx, job)
}

func (o *Router) redispatchInitPoll(ctx context.Context, init store.InitExecution, runbookName string) error {
	var params map[string]any
	if err := json.Unmarshal([]byte(init.ParamsJSON), &params); err != nil {
		return fmt.Errorf("orchestrator: decode params for init execution %d: %w", init.ID, err)
	}
	job := bus.WorkerJob{
		JobID:        fmt.Sprintf("poll-init-%d-%d", init.ID, init.PollCount+1),
		BatchID:      &init.BatchID,
		WorkerID:     init.WorkerID,
		FunctionName: init.FunctionName,
		Parameters:   params,
		CorrelationData: bus.CorrelationData{
			StepExecutionID: init.ID,
			IsInitStep:      true,
			RunbookName:     runbookName,
			RunbookVersion:  init.RunbookVersion,
		},
	}
	return o.publishWorkerJob(ctx, job)
}

// fireAndForget resolves a rollback or on_member_removed step's
// function+params against resolver and publishes it with
// CorrelationData.StepExecutionId left at zero — the sentinel the
// result processor uses to recognize a job with no execution row to
// report back to.
func (o *Router) fireAndForget(ctx context.Context, resolver *template.Resolver, step runbook.Step, batchID int64, runbookName string, runbookVersion int64) error {
	functionName, err := resolver.Resolve(step.Function)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve fire-and-forget step %q function: %w", step.Name, err)
	}
	params, err := resolver.ResolveMap(step.Params)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve fire-and-forget step %q params: %w", step.Name, err)
	}
	anyParams := make(map[string]any, len(params))
	for k, v := range params {
		anyParams[k] = v
	}

	job := bus.WorkerJob{
		JobID:        fmt.Sprintf("fire-%s-%d-%d", step.WorkerID, batchID, time.Now().UTC().UnixNano()),
		BatchID:      &batchID,
		WorkerID:     step.WorkerID,
		FunctionName: functionName,
		Parameters:   anyParams,
		CorrelationData: bus.CorrelationData{
			StepExecutionID: 0,
			IsInitStep:      false,
			RunbookName:     runbookName,
			RunbookVersion:  runbookVersion,
		},
	}
	return o.publishWorkerJob(ctx, job)
}

// dispatchRollback looks up the rollback sequence named by onFailure in
// the runbook version a step ran under and fires each of its steps
// fire-and-forget against the member's template context. A missing
// sequence degrades to a no-op rather than failing the caller: a stale
// runbook read shouldn't block isolating the member.
func (o *Router) dispatchRollback(ctx context.Context, step store.StepExecution, onFailure string) error {
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
	steps, ok := def.Rollbacks[onFailure]
	if !ok {
		return nil
	}

	member, err := o.queries.GetBatchMember(ctx, step.BatchMemberID)
	if err != nil {
		return err
	}
	resolver := template.New(
		template.SpecialVars(batch.ID, batch.BatchStartTime),
		template.JSONFieldLookup(member.WorkerDataJSON),
		template.JSONFieldLookup(member.DataJSON),
	)

	for _, rs := range steps {
		if err := o.fireAndForget(ctx, resolver, rs, batch.ID, rb.Name, phase.RunbookVersion); err != nil {
			o.logger.Error("dispatch rollback step", slog.String("step", rs.Name), slog.Any("error", err))
		}
	}
	return nil
}

// failStepAndIsolateMember runs the shared consequence of a step
// reaching a terminal failure — worker failure with retries exhausted,
// or poll timeout: fire the rollback sequence if configured, then
// isolate the member from the rest of the batch.
func (o *Router) failStepAndIsolateMember(ctx context.Context, step store.StepExecution) error {
	if step.OnFailure != nil {
		if err := o.dispatchRollback(ctx, step, *step.OnFailure); err != nil {
			o.logger.Error("dispatch rollback", slog.Int64("step_execution_id", step.ID), slog.Any("error", err))
		}
	}
	return o.progression.HandleMemberFailure(ctx, step.BatchMemberID)
}
