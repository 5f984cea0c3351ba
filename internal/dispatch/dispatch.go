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

// Package dispatch turns a pending step/init execution row into a
// worker-jobs bus message: in the same call it publishes the job body
// first and then stamps the guarded dispatched transition in the store,
// so a failed publish leaves the row pending for a redelivery to retry.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/metrics"
	"github.com/batchwright/batchwright/internal/store"
)

// ErrAlreadyDispatched is returned when the target row was not in a
// dispatchable state (another dispatcher attempt, or a redelivered
// message, already moved it).
var ErrAlreadyDispatched = fmt.Errorf("dispatch: execution already dispatched or terminal")

// Dispatcher publishes worker jobs for step and init executions.
type Dispatcher struct {
	queries *store.Queries
	bus     bus.Bus
}

// New builds a Dispatcher over the given store facade and bus.
func New(queries *store.Queries, b bus.Bus) *Dispatcher {
	return &Dispatcher{queries: queries, bus: b}
}

// Step dispatches a StepExecution: resolved params become the job's
// Parameters, retryCount selects the attempt/retry job ID form, and
// batchID rides in WorkerJob.BatchId for the worker's own bookkeeping.
func (d *Dispatcher) Step(ctx context.Context, step store.StepExecution, batchID int64, runbookName string, runbookVersion int64, params map[string]any, retryCount int) error {
	jobID := bus.StepJobID(step.ID, retryCount)

	job := bus.WorkerJob{
		JobID:        jobID,
		BatchID:      &batchID,
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
	// Publish before the guarded status transition: the bus's jobID
	// dedup window makes a re-publish on retry a no-op, whereas
	// publishing after the transition would leave a step permanently
	// stuck as dispatched with no message on the wire if the publish
	// step failed.
	if err := d.publish(ctx, job); err != nil {
		return err
	}

	ok, err := d.queries.DispatchStepExecution(ctx, step.ID, jobID)
	if err != nil {
		return fmt.Errorf("dispatch: mark step execution %d dispatched: %w", step.ID, err)
	}
	if !ok {
		return ErrAlreadyDispatched
	}
	metrics.RecordStepDispatch(metrics.KindStep)
	return nil
}

// Init dispatches an InitExecution. Init steps have no per-member
// BatchMemberID, so CorrelationData.IsInitStep tells the result
// processor to route the outcome back to init_executions instead of
// step_executions.
func (d *Dispatcher) Init(ctx context.Context, init store.InitExecution, batchID int64, runbookName string, runbookVersion int64, params map[string]any, retryCount int) error {
	jobID := bus.InitJobID(init.ID, retryCount)

	job := bus.WorkerJob{
		JobID:        jobID,
		BatchID:      &batchID,
		WorkerID:     init.WorkerID,
		FunctionName: init.FunctionName,
		Parameters:   params,
		CorrelationData: bus.CorrelationData{
			StepExecutionID: init.ID,
			IsInitStep:      true,
			RunbookName:     runbookName,
			RunbookVersion:  runbookVersion,
		},
	}
	if err := d.publish(ctx, job); err != nil {
		return err
	}

	ok, err := d.queries.DispatchInitExecution(ctx, init.ID, jobID)
	if err != nil {
		return fmt.Errorf("dispatch: mark init execution %d dispatched: %w", init.ID, err)
	}
	if !ok {
		return ErrAlreadyDispatched
	}
	metrics.RecordStepDispatch(metrics.KindInit)
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, job bus.WorkerJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("dispatch: marshal worker job %s: %w", job.JobID, err)
	}
	props := map[string]string{bus.PropWorkerID: job.WorkerID}
	if err := d.bus.Publish(ctx, bus.TopicWorkerJobs, body, props, job.JobID); err != nil {
		return fmt.Errorf("dispatch: publish worker job %s: %w", job.JobID, err)
	}
	return nil
}
