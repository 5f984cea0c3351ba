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
	"github.com/batchwright/batchwright/internal/template"
)

// handleMemberRemoved cancels every non-terminal step execution the
// member still owns and, if the runbook defines on_member_removed,
// fires those steps fire-and-forget against the member's final template
// context. Cancellation is speculative: a step already out with a
// worker isn't recalled, its terminal-status guard on
// CompleteStepExecution simply rejects a result that arrives after the
// cancel has already won the race.
func (o *Router) handleMemberRemoved(ctx context.Context, body []byte) error {
	var event bus.MemberRemovedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("orchestrator: decode member-removed event: %w", err)
	}

	nonTerminal, err := o.queries.ListNonTerminalStepExecutionsForMember(ctx, event.BatchMemberID)
	if err != nil {
		return err
	}
	for _, step := range nonTerminal {
		if _, err := o.queries.CancelStepExecution(ctx, step.ID); err != nil {
			o.logger.Error("cancel step execution on member removal", slog.Int64("step_execution_id", step.ID), slog.Any("error", err))
		}
	}

	batch, err := o.queries.GetBatch(ctx, event.BatchID)
	if err != nil {
		return err
	}
	rb, err := o.queries.GetRunbookByID(ctx, batch.RunbookID)
	if err != nil {
		return err
	}
	_, def, err := o.runbooks.GetByNameAndVersion(ctx, rb.Name, rb.Version)
	if err != nil {
		return err
	}
	if len(def.OnMemberRemoved) == 0 {
		return nil
	}

	member, err := o.queries.GetBatchMember(ctx, event.BatchMemberID)
	if err != nil {
		return err
	}
	resolver := template.New(
		template.SpecialVars(batch.ID, batch.BatchStartTime),
		template.JSONFieldLookup(member.WorkerDataJSON),
		template.JSONFieldLookup(member.DataJSON),
	)
	for _, step := range def.OnMemberRemoved {
		if err := o.fireAndForget(ctx, resolver, step, batch.ID, rb.Name, rb.Version); err != nil {
			o.logger.Error("dispatch on_member_removed step", slog.String("step", step.Name), slog.Any("error", err))
		}
	}
	return nil
}
