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

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/store"
)

// handleRetryCheck re-dispatches a step or init execution the result
// processor parked in pending for a retry, once its RetryAfter delay
// has elapsed. A manual cancel, or an already-processed retry, leaves
// the row in a status other than pending with a positive RetryCount,
// which this ignores.
func (o *Router) handleRetryCheck(ctx context.Context, body []byte) error {
	var event bus.RetryCheckEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("orchestrator: decode retry-check event: %w", err)
	}
	if event.IsInitStep {
		return o.retryCheckInit(ctx, event.StepExecutionID)
	}
	return o.retryCheckStep(ctx, event.StepExecutionID)
}

func (o *Router) retryCheckStep(ctx context.Context, id int64) error {
	step, err := o.queries.GetStepExecution(ctx, id)
	if err != nil {
		return err
	}
	if step.Status != store.StepPending || step.RetryCount == 0 {
		return nil
	}
	batchID, runbookName, runbookVersion, err := o.stepRunbookContext(ctx, *step)
	if err != nil {
		return err
	}
	return o.dispatchStep(ctx, *step, batchID, runbookName, runbookVersion)
}

func (o *Router) retryCheckInit(ctx context.Context, id int64) error {
	init, err := o.queries.GetInitExecution(ctx, id)
	if err != nil {
		return err
	}
	if init.Status != store.StepPending || init.RetryCount == 0 {
		return nil
	}
	batch, err := o.queries.GetBatch(ctx, init.BatchID)
	if err != nil {
		return err
	}
	rb, err := o.queries.GetRunbookByID(ctx, batch.RunbookID)
	if err != nil {
		return err
	}
	return o.dispatchInit(ctx, *init, batch.ID, rb.Name, init.RunbookVersion)
}
