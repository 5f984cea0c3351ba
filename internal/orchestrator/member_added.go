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

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/runbook"
	"github.com/batchwright/batchwright/internal/store"
)

// handleMemberAdded runs late-join catch-up for a member detected after
// some of its batch's phases are already dispatched or finished: every
// such phase gets this member's step executions materialized and its
// first step dispatched, exactly as if the member had been active at
// phase-due time. A phase still pending picks the member up on its own
// normal dispatch, so nothing needs to happen for those here.
func (o *Router) handleMemberAdded(ctx context.Context, body []byte) error {
	var event bus.MemberAddedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("orchestrator: decode member-added event: %w", err)
	}

	member, err := o.queries.GetBatchMember(ctx, event.BatchMemberID)
	if err != nil {
		return err
	}
	if member.Status != store.MemberActive {
		return nil
	}

	batch, err := o.queries.GetBatch(ctx, event.BatchID)
	if err != nil {
		return err
	}
	rb, err := o.queries.GetRunbookByID(ctx, batch.RunbookID)
	if err != nil {
		return err
	}

	phases, err := o.queries.ListPhaseExecutions(ctx, event.BatchID)
	if err != nil {
		return err
	}

	for _, phase := range phases {
		if phase.Status != store.PhaseDispatched && !phase.Status.IsTerminal() {
			continue
		}
		if err := o.catchUpMemberForPhase(ctx, batch, rb.Name, phase, *member); err != nil {
			o.logger.Error("catch up member for phase", slog.Int64("batch_member_id", member.ID), slog.Int64("phase_execution_id", phase.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (o *Router) catchUpMemberForPhase(ctx context.Context, batch *store.Batch, runbookName string, phase store.PhaseExecution, member store.BatchMember) error {
	_, def, err := o.runbooks.GetByNameAndVersion(ctx, runbookName, phase.RunbookVersion)
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
	if phaseDef == nil {
		return fmt.Errorf("orchestrator: phase %q not found in runbook %q version %d", phase.PhaseName, runbookName, phase.RunbookVersion)
	}
	return o.materializeMemberSteps(ctx, def, phaseDef, batch, member, phase.ID, runbookName, phase.RunbookVersion)
}
