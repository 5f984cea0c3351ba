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

// Package progression implements the per-member step walk and the
// phase/batch completion rules: CheckMemberProgression dispatches the
// next step after a success, HandleMemberFailure isolates one member's
// failure from the rest of the batch, and CheckPhaseCompletion /
// CheckBatchCompletion roll per-step results up into phase and batch
// status.
package progression

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/batchwright/batchwright/internal/dispatch"
	"github.com/batchwright/batchwright/internal/store"
)

// Service is the progression engine the result processor and member
// handlers call into after each state change.
type Service struct {
	queries    *store.Queries
	dispatcher *dispatch.Dispatcher
}

// New builds a Service over the given store facade and dispatcher.
func New(queries *store.Queries, dispatcher *dispatch.Dispatcher) *Service {
	return &Service{queries: queries, dispatcher: dispatcher}
}

// CheckMemberProgression dispatches the member's next pending step within
// the same phase after stepExecutionID succeeds, or calls
// CheckPhaseCompletion when none remain.
func (s *Service) CheckMemberProgression(ctx context.Context, stepExecutionID int64) error {
	step, err := s.queries.GetStepExecution(ctx, stepExecutionID)
	if err != nil {
		return fmt.Errorf("progression: load step execution %d: %w", stepExecutionID, err)
	}
	if step.Status != store.StepSucceeded {
		return nil
	}

	siblings, err := s.queries.ListStepExecutionsForMember(ctx, step.PhaseExecutionID, step.BatchMemberID)
	if err != nil {
		return fmt.Errorf("progression: list sibling steps for member %d: %w", step.BatchMemberID, err)
	}

	var next *store.StepExecution
	for i := range siblings {
		if siblings[i].StepIndex <= step.StepIndex {
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
		return s.CheckPhaseCompletion(ctx, step.PhaseExecutionID)
	}
	return s.dispatchStep(ctx, *next)
}

// HandleMemberFailure marks a member failed, cancels every non-terminal
// step execution it has anywhere in the batch, and re-checks the phase(s)
// those steps belonged to.
func (s *Service) HandleMemberFailure(ctx context.Context, memberID int64) error {
	if _, err := s.queries.TransitionMemberStatus(ctx, memberID, store.MemberFailed, store.MemberActive); err != nil {
		return fmt.Errorf("progression: mark member %d failed: %w", memberID, err)
	}

	nonTerminal, err := s.queries.ListNonTerminalStepExecutionsForMember(ctx, memberID)
	if err != nil {
		return fmt.Errorf("progression: list non-terminal steps for member %d: %w", memberID, err)
	}

	phaseIDs := map[int64]struct{}{}
	for _, step := range nonTerminal {
		if _, err := s.queries.CancelStepExecution(ctx, step.ID); err != nil {
			return fmt.Errorf("progression: cancel step execution %d: %w", step.ID, err)
		}
		phaseIDs[step.PhaseExecutionID] = struct{}{}
	}

	for phaseID := range phaseIDs {
		if err := s.CheckPhaseCompletion(ctx, phaseID); err != nil {
			return err
		}
	}
	return nil
}

// CheckPhaseCompletion transitions a phase to completed or failed once
// every step execution it owns has reached a terminal status, then cascades
// into CheckBatchCompletion.
func (s *Service) CheckPhaseCompletion(ctx context.Context, phaseExecutionID int64) error {
	phase, err := s.queries.GetPhaseExecution(ctx, phaseExecutionID)
	if err != nil {
		return fmt.Errorf("progression: load phase execution %d: %w", phaseExecutionID, err)
	}
	if phase.Status.IsTerminal() {
		return nil
	}

	steps, err := s.queries.ListStepExecutionsForPhase(ctx, phaseExecutionID)
	if err != nil {
		return fmt.Errorf("progression: list steps for phase %d: %w", phaseExecutionID, err)
	}
	if len(steps) == 0 {
		return nil
	}

	var maxIndex int
	bySteps := map[int64][]store.StepExecution{}
	for _, step := range steps {
		if !step.Status.IsTerminal() {
			return nil
		}
		if step.StepIndex > maxIndex {
			maxIndex = step.StepIndex
		}
		bySteps[step.BatchMemberID] = append(bySteps[step.BatchMemberID], step)
	}

	success := false
	for _, memberSteps := range bySteps {
		for _, step := range memberSteps {
			if step.StepIndex == maxIndex && step.Status == store.StepSucceeded {
				success = true
				break
			}
		}
		if success {
			break
		}
	}

	newStatus := store.PhaseFailed
	if success {
		newStatus = store.PhaseCompleted
	}

	ok, err := s.queries.TransitionPhaseStatus(ctx, phaseExecutionID, newStatus, store.PhaseDispatched)
	if err != nil {
		return fmt.Errorf("progression: transition phase execution %d to %q: %w", phaseExecutionID, newStatus, err)
	}
	if !ok {
		return nil
	}
	return s.CheckBatchCompletion(ctx, phase.BatchID)
}

// CheckBatchCompletion transitions a batch to completed or failed once
// every phase execution it owns has reached a terminal status.
func (s *Service) CheckBatchCompletion(ctx context.Context, batchID int64) error {
	phases, err := s.queries.ListPhaseExecutions(ctx, batchID)
	if err != nil {
		return fmt.Errorf("progression: list phases for batch %d: %w", batchID, err)
	}
	if len(phases) == 0 {
		return nil
	}

	success := false
	for _, phase := range phases {
		if !phase.Status.IsTerminal() {
			return nil
		}
		if phase.Status == store.PhaseCompleted {
			success = true
		}
	}

	newStatus := store.BatchFailed
	if success {
		newStatus = store.BatchCompleted
	}

	if _, err := s.queries.TransitionBatchStatus(ctx, batchID, newStatus, store.BatchActive); err != nil {
		return fmt.Errorf("progression: transition batch %d to %q: %w", batchID, newStatus, err)
	}
	return nil
}

// dispatchStep resolves a step execution's batch/runbook context and hands
// it to the dispatcher, using the step's already-template-resolved
// ParamsJSON (resolution happens once at step creation, per the template
// resolver's contract).
func (s *Service) dispatchStep(ctx context.Context, step store.StepExecution) error {
	batchID, runbookName, runbookVersion, err := s.phaseContext(ctx, step.PhaseExecutionID)
	if err != nil {
		return err
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(step.ParamsJSON), &params); err != nil {
		return fmt.Errorf("progression: decode params for step execution %d: %w", step.ID, err)
	}

	if err := s.dispatcher.Step(ctx, step, batchID, runbookName, runbookVersion, params, 0); err != nil {
		if errors.Is(err, dispatch.ErrAlreadyDispatched) {
			return nil
		}
		return fmt.Errorf("progression: dispatch step execution %d: %w", step.ID, err)
	}
	return nil
}

func (s *Service) phaseContext(ctx context.Context, phaseExecutionID int64) (batchID int64, runbookName string, runbookVersion int64, err error) {
	phase, err := s.queries.GetPhaseExecution(ctx, phaseExecutionID)
	if err != nil {
		return 0, "", 0, fmt.Errorf("progression: load phase execution %d: %w", phaseExecutionID, err)
	}
	batch, err := s.queries.GetBatch(ctx, phase.BatchID)
	if err != nil {
		return 0, "", 0, fmt.Errorf("progression: load batch %d: %w", phase.BatchID, err)
	}
	runbook, err := s.queries.GetRunbookByID(ctx, batch.RunbookID)
	if err != nil {
		return 0, "", 0, fmt.Errorf("progression: load runbook %d: %w", batch.RunbookID, err)
	}
	return batch.ID, runbook.Name, phase.RunbookVersion, nil
}
