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

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/dispatch"
	"github.com/batchwright/batchwright/internal/store"
)

// handleBatchInit dispatches the first init step of a freshly materialized
// batch. Every init_executions row for the batch already exists (the
// scheduler creates them all, in order, at detection time); this handler
// only needs to kick off step 0 — the rest advance via advanceInit as
// each one's worker result arrives.
func (o *Router) handleBatchInit(ctx context.Context, body []byte) error {
	var event bus.BatchInitEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("orchestrator: decode batch-init event: %w", err)
	}

	batch, err := o.queries.GetBatch(ctx, event.BatchID)
	if err != nil {
		return err
	}
	if batch.Status != store.BatchInitDispatched {
		// Redelivered after the batch already activated or failed.
		return nil
	}

	inits, err := o.queries.ListInitExecutions(ctx, event.BatchID, event.RunbookVersion)
	if err != nil {
		return fmt.Errorf("orchestrator: list init executions for batch %d: %w", event.BatchID, err)
	}
	if len(inits) == 0 {
		return o.activateBatch(ctx, event.BatchID)
	}

	first := inits[0]
	if first.Status != store.StepPending {
		// Redelivered batch-init, or rerunInit republished onto a batch
		// whose step 0 already moved past pending.
		return nil
	}
	return o.dispatchInit(ctx, first, event.BatchID, event.RunbookName, event.RunbookVersion)
}

func (o *Router) dispatchInit(ctx context.Context, init store.InitExecution, batchID int64, runbookName string, runbookVersion int64) error {
	var params map[string]any
	if err := json.Unmarshal([]byte(init.ParamsJSON), &params); err != nil {
		return fmt.Errorf("orchestrator: decode params for init execution %d: %w", init.ID, err)
	}

	if err := o.dispatcher.Init(ctx, init, batchID, runbookName, runbookVersion, params, init.RetryCount); err != nil {
		if errors.Is(err, dispatch.ErrAlreadyDispatched) {
			return nil
		}
		return fmt.Errorf("orchestrator: dispatch init execution %d: %w", init.ID, err)
	}
	return nil
}

// advanceInit runs after an init execution succeeds: it dispatches the
// next pending init step in sequence, or — once none remain — activates
// the batch so the scheduler starts dispatching due phases for it.
func (o *Router) advanceInit(ctx context.Context, init store.InitExecution) error {
	siblings, err := o.queries.ListInitExecutions(ctx, init.BatchID, init.RunbookVersion)
	if err != nil {
		return fmt.Errorf("orchestrator: list init executions for batch %d: %w", init.BatchID, err)
	}

	var next *store.InitExecution
	for i := range siblings {
		if siblings[i].StepIndex <= init.StepIndex {
			continue
		}
		if siblings[i].Status != store.StepPending {
			continue
		}
		if next == nil || siblings[i].StepIndex < next.StepIndex {
			next = &siblings[i]
		}
	}
	if next == nil {
		return o.activateBatch(ctx, init.BatchID)
	}

	batch, err := o.queries.GetBatch(ctx, init.BatchID)
	if err != nil {
		return err
	}
	rb, err := o.queries.GetRunbookByID(ctx, batch.RunbookID)
	if err != nil {
		return err
	}
	return o.dispatchInit(ctx, *next, batch.ID, rb.Name, init.RunbookVersion)
}

// activateBatch transitions a batch out of init_dispatched once every
// init execution has reached a terminal status.
func (o *Router) activateBatch(ctx context.Context, batchID int64) error {
	_, err := o.queries.TransitionBatchStatus(ctx, batchID, store.BatchActive, store.BatchInitDispatched)
	if err != nil {
		return fmt.Errorf("orchestrator: activate batch %d: %w", batchID, err)
	}
	return nil
}

// failBatchInit terminates a batch when one of its init steps exhausts
// its retries: nothing has touched a member yet, so there is no partial
// progress to unwind, just a hard stop.
func (o *Router) failBatchInit(ctx context.Context, batchID int64) error {
	_, err := o.queries.TransitionBatchStatus(ctx, batchID, store.BatchFailed, store.BatchDetected, store.BatchInitDispatched)
	if err != nil {
		return fmt.Errorf("orchestrator: fail batch %d on init failure: %w", batchID, err)
	}
	return nil
}
