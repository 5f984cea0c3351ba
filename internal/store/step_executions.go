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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StepExecutionSpec is the set of fields fixed at insert time; everything
// else is runtime state the state machine owns from here on.
type StepExecutionSpec struct {
	PhaseExecutionID int64
	BatchMemberID    int64
	StepName         string
	StepIndex        int
	WorkerID         string
	FunctionName     string
	ParamsJSON       string
	IsPollStep       bool
	PollIntervalSec  int
	PollTimeoutSec   int
	OnFailure        *string
	MaxRetries       int
	RetryIntervalSec int
}

// InsertStepExecution inserts a new step execution in StepPending status,
// or returns the existing row's ID if one already exists for this
// (PhaseExecutionID, BatchMemberID, StepIndex) — the idempotency key a
// phase-due redelivery relies on.
func (q *Queries) InsertStepExecution(ctx context.Context, spec StepExecutionSpec) (int64, error) {
	existing, err := q.GetStepExecutionByIndex(ctx, spec.PhaseExecutionID, spec.BatchMemberID, spec.StepIndex)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.ID, nil
	}

	now := time.Now().UTC()
	res, err := q.exec(ctx,
		`INSERT INTO step_executions (
			phase_execution_id, batch_member_id, step_name, step_index, worker_id, function_name, params_json,
			status, job_id, is_poll_step, poll_interval_sec, poll_timeout_sec, poll_count,
			on_failure, retry_count, max_retries, retry_interval_sec, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.PhaseExecutionID, spec.BatchMemberID, spec.StepName, spec.StepIndex, spec.WorkerID, spec.FunctionName, spec.ParamsJSON,
		StepPending, "", spec.IsPollStep, spec.PollIntervalSec, spec.PollTimeoutSec, 0,
		spec.OnFailure, 0, spec.MaxRetries, spec.RetryIntervalSec, now, now)
	if err != nil {
		return 0, fmt.Errorf("store: insert step execution %q: %w", spec.StepName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: read inserted step execution id: %w", err)
	}
	return id, nil
}

// GetStepExecutionByIndex returns the step execution for (phaseExecutionID,
// batchMemberID, stepIndex), or nil if not yet materialized.
func (q *Queries) GetStepExecutionByIndex(ctx context.Context, phaseExecutionID, batchMemberID int64, stepIndex int) (*StepExecution, error) {
	var s StepExecution
	err := q.get(ctx, &s,
		`SELECT * FROM step_executions WHERE phase_execution_id = ? AND batch_member_id = ? AND step_index = ?`,
		phaseExecutionID, batchMemberID, stepIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get step execution (phase=%d member=%d index=%d): %w", phaseExecutionID, batchMemberID, stepIndex, err)
	}
	return &s, nil
}

// GetStepExecution fetches a step execution by ID.
func (q *Queries) GetStepExecution(ctx context.Context, id int64) (*StepExecution, error) {
	var s StepExecution
	if err := q.get(ctx, &s, `SELECT * FROM step_executions WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("store: get step execution %d: %w", id, err)
	}
	return &s, nil
}

// ListStepExecutionsForMember returns every step execution recorded for a
// member within a phase, ordered by StepIndex.
func (q *Queries) ListStepExecutionsForMember(ctx context.Context, phaseExecutionID, batchMemberID int64) ([]StepExecution, error) {
	var ss []StepExecution
	err := q.selectAll(ctx, &ss,
		`SELECT * FROM step_executions WHERE phase_execution_id = ? AND batch_member_id = ? ORDER BY step_index ASC`,
		phaseExecutionID, batchMemberID)
	if err != nil {
		return nil, fmt.Errorf("store: list step executions (phase=%d member=%d): %w", phaseExecutionID, batchMemberID, err)
	}
	return ss, nil
}

// DispatchStepExecution transitions a step from StepPending to
// StepDispatched and stamps the worker JobID, guarded so a redelivered
// phase-due message can't double-dispatch.
func (q *Queries) DispatchStepExecution(ctx context.Context, id int64, jobID string) (bool, error) {
	ok, err := rowsAffected(q.exec(ctx,
		`UPDATE step_executions SET status = ?, job_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StepDispatched, jobID, time.Now().UTC(), id, StepPending))
	if err != nil {
		return false, fmt.Errorf("store: dispatch step execution %d: %w", id, err)
	}
	return ok, nil
}

// CompleteStepExecution transitions a dispatched or polling step to a
// terminal status, recording its result or error and CompletedAt.
func (q *Queries) CompleteStepExecution(ctx context.Context, id int64, to StepStatus, resultJSON, errMsg *string) (bool, error) {
	now := time.Now().UTC()
	ok, err := rowsAffected(q.exec(ctx,
		`UPDATE step_executions SET status = ?, result_json = ?, error_message = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		to, resultJSON, errMsg, now, now, id, StepDispatched, StepPolling))
	if err != nil {
		return false, fmt.Errorf("store: complete step execution %d: %w", id, err)
	}
	return ok, nil
}

// BeginPolling transitions a dispatched step into StepPolling and stamps
// PollStartedAt/LastPolledAt for the first poll interval.
func (q *Queries) BeginPolling(ctx context.Context, id int64) (bool, error) {
	now := time.Now().UTC()
	ok, err := rowsAffected(q.exec(ctx,
		`UPDATE step_executions SET status = ?, poll_started_at = ?, last_polled_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StepPolling, now, now, now, id, StepDispatched))
	if err != nil {
		return false, fmt.Errorf("store: begin polling for step execution %d: %w", id, err)
	}
	return ok, nil
}

// RecordPollAttempt bumps PollCount and LastPolledAt for a step still
// polling, leaving its status untouched.
func (q *Queries) RecordPollAttempt(ctx context.Context, id int64) error {
	_, err := q.exec(ctx,
		`UPDATE step_executions SET poll_count = poll_count + 1, last_polled_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		time.Now().UTC(), time.Now().UTC(), id, StepPolling)
	if err != nil {
		return fmt.Errorf("store: record poll attempt for step execution %d: %w", id, err)
	}
	return nil
}

// ListPolling returns every step currently in StepPolling, for the poll
// sweep to pick out the steps due for a poll-check; whether a step has
// timed out is decided by the poll-check handler. Interval and timeout
// arithmetic involves per-row durations that don't translate cleanly
// across the postgres/sqlite date-function dialects, so callers compare
// LastPolledAt/PollStartedAt against PollIntervalSec/PollTimeoutSec in Go
// instead of pushing the arithmetic into SQL.
func (q *Queries) ListPolling(ctx context.Context) ([]StepExecution, error) {
	var ss []StepExecution
	if err := q.selectAll(ctx, &ss, `SELECT * FROM step_executions WHERE status = ?`, StepPolling); err != nil {
		return nil, fmt.Errorf("store: list polling steps: %w", err)
	}
	return ss, nil
}

// SetRetryPending transitions a step back to StepPending for a retry
// attempt, bumping RetryCount and stamping RetryAfter, guarded on the
// step currently being in one of fromStatuses (StepFailed, or
// StepPollTimeout for a poll step whose timeout path still has retries
// left).
func (q *Queries) SetRetryPending(ctx context.Context, id int64, retryAfter time.Time, fromStatuses ...StepStatus) (bool, error) {
	query, args := inClause(
		`UPDATE step_executions SET status = ?, retry_count = retry_count + 1, retry_after = ?, updated_at = ? WHERE id = ? AND status IN (`, ")", fromStatuses)
	args = append([]any{StepPending, retryAfter, time.Now().UTC(), id}, args...)

	ok, err := rowsAffected(q.exec(ctx, query, args...))
	if err != nil {
		return false, fmt.Errorf("store: set retry pending for step execution %d: %w", id, err)
	}
	return ok, nil
}

// ListRetriesDue returns pending steps whose RetryAfter has elapsed and
// which have already been attempted once (RetryCount > 0). No code path
// calls it: retries are scheduled as delayed retry-check bus messages.
func (q *Queries) ListRetriesDue(ctx context.Context, asOf time.Time) ([]StepExecution, error) {
	var ss []StepExecution
	err := q.selectAll(ctx, &ss,
		`SELECT * FROM step_executions WHERE status = ? AND retry_count > 0 AND retry_after IS NOT NULL AND retry_after <= ?`,
		StepPending, asOf)
	if err != nil {
		return nil, fmt.Errorf("store: list due retries: %w", err)
	}
	return ss, nil
}

// CancelStepExecution transitions a non-terminal step to StepCancelled,
// used when a member is removed mid-phase.
func (q *Queries) CancelStepExecution(ctx context.Context, id int64) (bool, error) {
	ok, err := rowsAffected(q.exec(ctx,
		`UPDATE step_executions SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		StepCancelled, time.Now().UTC(), time.Now().UTC(), id,
		StepSucceeded, StepFailed, StepPollTimeout, StepCancelled))
	if err != nil {
		return false, fmt.Errorf("store: cancel step execution %d: %w", id, err)
	}
	return ok, nil
}

// ListStepExecutionsForPhase returns every step execution recorded for a
// phase across all members, ordered by member then StepIndex — the
// completeness check CheckPhaseCompletion scans.
func (q *Queries) ListStepExecutionsForPhase(ctx context.Context, phaseExecutionID int64) ([]StepExecution, error) {
	var ss []StepExecution
	err := q.selectAll(ctx, &ss,
		`SELECT * FROM step_executions WHERE phase_execution_id = ? ORDER BY batch_member_id ASC, step_index ASC`,
		phaseExecutionID)
	if err != nil {
		return nil, fmt.Errorf("store: list step executions for phase %d: %w", phaseExecutionID, err)
	}
	return ss, nil
}

// ListNonTerminalStepExecutionsForMember returns every non-terminal step
// execution for a member across all of the batch's phases, the set
// member-removal and member-failure isolation both cancel.
func (q *Queries) ListNonTerminalStepExecutionsForMember(ctx context.Context, batchMemberID int64) ([]StepExecution, error) {
	var ss []StepExecution
	err := q.selectAll(ctx, &ss,
		`SELECT * FROM step_executions WHERE batch_member_id = ? AND status NOT IN (?, ?, ?, ?)`,
		batchMemberID, StepSucceeded, StepFailed, StepPollTimeout, StepCancelled)
	if err != nil {
		return nil, fmt.Errorf("store: list non-terminal step executions for member %d: %w", batchMemberID, err)
	}
	return ss, nil
}
