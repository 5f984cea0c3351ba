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
	"time"

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/metrics"
	"github.com/batchwright/batchwright/internal/progression"
	"github.com/batchwright/batchwright/internal/store"
)

// handlePollCheck re-contacts a still-polling worker or times the
// execution out. The scheduler's poll sweep only decides when a
// poll-check is due (PollDue) and publishes this message; the timeout
// check, the terminal transition, the rollback/member-isolation
// consequence, and the redispatch+counter bump all happen here.
func (o *Router) handlePollCheck(ctx context.Context, body []byte) error {
	var event bus.PollCheckEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("orchestrator: decode poll-check event: %w", err)
	}
	if event.IsInitStep {
		return o.pollCheckInit(ctx, event.StepExecutionID)
	}
	return o.pollCheckStep(ctx, event.StepExecutionID)
}

func (o *Router) pollCheckStep(ctx context.Context, id int64) error {
	step, err := o.queries.GetStepExecution(ctx, id)
	if err != nil {
		return err
	}
	if step.Status != store.StepPolling {
		return nil
	}

	now := time.Now().UTC()
	if progression.PollTimedOut(*step, now) {
		msg := "poll timed out"
		ok, err := o.queries.CompleteStepExecution(ctx, step.ID, store.StepPollTimeout, nil, &msg)
		if err != nil {
			return fmt.Errorf("orchestrator: time out step execution %d: %w", step.ID, err)
		}
		if !ok {
			return nil
		}
		return o.failStepAndIsolateMember(ctx, *step)
	}

	_, runbookName, runbookVersion, err := o.stepRunbookContext(ctx, *step)
	if err != nil {
		return err
	}
	if err := o.redispatchPoll(ctx, *step, runbookName, runbookVersion); err != nil {
		return err
	}
	if err := o.queries.RecordPollAttempt(ctx, step.ID); err != nil {
		return fmt.Errorf("orchestrator: record poll attempt for step execution %d: %w", step.ID, err)
	}
	metrics.RecordStepPoll(metrics.KindStep)
	return nil
}

func (o *Router) pollCheckInit(ctx context.Context, id int64) error {
	init, err := o.queries.GetInitExecution(ctx, id)
	if err != nil {
		return err
	}
	if init.Status != store.StepPolling {
		return nil
	}

	now := time.Now().UTC()
	if progression.InitPollTimedOut(*init, now) {
		msg := "poll timed out"
		ok, err := o.queries.CompleteInitExecution(ctx, init.ID, store.StepPollTimeout, nil, &msg)
		if err != nil {
			return fmt.Errorf("orchestrator: time out init execution %d: %w", init.ID, err)
		}
		if !ok {
			return nil
		}
		return o.failBatchInit(ctx, init.BatchID)
	}

	batch, err := o.queries.GetBatch(ctx, init.BatchID)
	if err != nil {
		return err
	}
	rb, err := o.queries.GetRunbookByID(ctx, batch.RunbookID)
	if err != nil {
		return err
	}
	if err := o.redispatchInitPoll(ctx, *init, rb.Name); err != nil {
		return err
	}
	if err := o.queries.RecordInitPollAttempt(ctx, init.ID); err != nil {
		return fmt.Errorf("orchestrator: record poll attempt for init execution %d: %w", init.ID, err)
	}
	metrics.RecordStepPoll(metrics.KindInit)
	return nil
}
