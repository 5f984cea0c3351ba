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

// InitExecutionSpec is the set of fields fixed at insert time for an
// init-phase step, mirroring StepExecutionSpec but keyed per batch rather
// than per member.
type InitExecutionSpec struct {
	BatchID          int64
	RunbookVersion   int64
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

// InsertInitExecution inserts a new init execution in StepPending status,
// idempotent on (BatchID, RunbookVersion, StepIndex).
func (q *Queries) InsertInitExecution(ctx context.Context, spec InitExecutionSpec) (int64, error) {
	existing, err := q.GetInitExecutionByIndex(ctx, spec.BatchID, spec.RunbookVersion, spec.StepIndex)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.ID, nil
	}

	now := time.Now().UTC()
	res, err := q.exec(ctx,
		`INSERT INTO init_executions (
			batch_id, runbook_version, step_name, step_index, worker_id, function_name, params_json,
			status, job_id, is_poll_step, poll_interval_sec, poll_timeout_sec, poll_count,
			on_failure, retry_count, max_retries, retry_interval_sec, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.BatchID, spec.RunbookVersion, spec.StepName, spec.StepIndex, spec.WorkerID, spec.FunctionName, spec.ParamsJSON,
		StepPending, "", spec.IsPollStep, spec.PollIntervalSec, spec.PollTimeoutSec, 0,
		spec.OnFailure, 0, spec.MaxRetries, spec.RetryIntervalSec, now, now)
	if err != nil {
		return 0, fmt.Errorf("store: insert init execution %q: %w", spec.StepName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: read inserted init execution id: %w", err)
	}
	return id, nil
}

// GetInitExecutionByIndex returns the init execution for (batchID,
// runbookVersion, stepIndex), or nil if not yet materialized.
func (q *Queries) GetInitExecutionByIndex(ctx context.Context, batchID, runbookVersion int64, stepIndex int) (*InitExecution, error) {
	var e InitExecution
	err := q.get(ctx, &e,
		`SELECT * FROM init_executions WHERE batch_id = ? AND runbook_version = ? AND step_index = ?`,
		batchID, runbookVersion, stepIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get init execution (batch=%d version=%d index=%d): %w", batchID, runbookVersion, stepIndex, err)
	}
	return &e, nil
}

// GetInitExecution fetches an init execution by ID.
func (q *Queries) GetInitExecution(ctx context.Context, id int64) (*InitExecution, error) {
	var e InitExecution
	if err := q.get(ctx, &e, `SELECT * FROM init_executions WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("store: get init execution %d: %w", id, err)
	}
	return &e, nil
}

// ListInitExecutions returns every init execution for a batch's current
// runbook version, ordered by StepIndex — the sequential-within-batch
// order init steps dispatch in.
func (q *Queries) ListInitExecutions(ctx context.Context, batchID, runbookVersion int64) ([]InitExecution, error) {
	var es []InitExecution
	err := q.selectAll(ctx, &es,
		`SELECT * FROM init_executions WHERE batch_id = ? AND runbook_version = ? ORDER BY step_index ASC`,
		batchID, runbookVersion)
	if err != nil {
		return nil, fmt.Errorf("store: list init executions for batch %d: %w", batchID, err)
	}
	return es, nil
}

// DispatchInitExecution transitions an init step from StepPending to
// StepDispatched and stamps its worker JobID.
func (q *Queries) DispatchInitExecution(ctx context.Context, id int64, jobID string) (bool, error) {
	ok, err := rowsAffected(q.exec(ctx,
		`UPDATE init_executions SET status = ?, job_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StepDispatched, jobID, time.Now().UTC(), id, StepPending))
	if err != nil {
		return false, fmt.Errorf("store: dispatch init execution %d: %w", id, err)
	}
	return ok, nil
}

// CompleteInitExecution transitions a dispatched or polling init step to a
// terminal status, recording its result or error.
func (q *Queries) CompleteInitExecution(ctx context.Context, id int64, to StepStatus, resultJSON, errMsg *string) (bool, error) {
	now := time.Now().UTC()
	ok, err := rowsAffected(q.exec(ctx,
		`UPDATE init_executions SET status = ?, result_json = ?, error_message = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		to, resultJSON, errMsg, now, now, id, StepDispatched, StepPolling))
	if err != nil {
		return false, fmt.Errorf("store: complete init execution %d: %w", id, err)
	}
	return ok, nil
}

// BeginInitPolling transitions a dispatched init step into StepPolling.
func (q *Queries) BeginInitPolling(ctx context.Context, id int64) (bool, error) {
	now := time.Now().UTC()
	ok, err := rowsAffected(q.exec(ctx,
		`UPDATE init_executions SET status = ?, poll_started_at = ?, last_polled_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StepPolling, now, now, now, id, StepDispatched))
	if err != nil {
		return false, fmt.Errorf("store: begin polling for init execution %d: %w", id, err)
	}
	return ok, nil
}

// RecordInitPollAttempt bumps PollCount and LastPolledAt for an init step
// still polling.
func (q *Queries) RecordInitPollAttempt(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := q.exec(ctx,
		`UPDATE init_executions SET poll_count = poll_count + 1, last_polled_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		now, now, id, StepPolling)
	if err != nil {
		return fmt.Errorf("store: record poll attempt for init execution %d: %w", id, err)
	}
	return nil
}

// ListInitPolling returns every init execution currently in StepPolling,
// mirroring ListPolling's application-side interval/timeout comparison.
func (q *Queries) ListInitPolling(ctx context.Context) ([]InitExecution, error) {
	var es []InitExecution
	if err := q.selectAll(ctx, &es, `SELECT * FROM init_executions WHERE status = ?`, StepPolling); err != nil {
		return nil, fmt.Errorf("store: list polling init executions: %w", err)
	}
	return es, nil
}

// SetInitRetryPending transitions an init step back to StepPending for a
// retry attempt, guarded on it currently being in one of fromStatuses.
func (q *Queries) SetInitRetryPending(ctx context.Context, id int64, retryAfter time.Time, fromStatuses ...StepStatus) (bool, error) {
	query, args := inClause(
		`UPDATE init_executions SET status = ?, retry_count = retry_count + 1, retry_after = ?, updated_at = ? WHERE id = ? AND status IN (`, ")", fromStatuses)
	args = append([]any{StepPending, retryAfter, time.Now().UTC(), id}, args...)

	ok, err := rowsAffected(q.exec(ctx, query, args...))
	if err != nil {
		return false, fmt.Errorf("store: set retry pending for init execution %d: %w", id, err)
	}
	return ok, nil
}

// ListInitRetriesDue returns pending init steps whose RetryAfter has
// elapsed and which have already been attempted once.
func (q *Queries) ListInitRetriesDue(ctx context.Context, asOf time.Time) ([]InitExecution, error) {
	var es []InitExecution
	err := q.selectAll(ctx, &es,
		`SELECT * FROM init_executions WHERE status = ? AND retry_count > 0 AND retry_after IS NOT NULL AND retry_after <= ?`,
		StepPending, asOf)
	if err != nil {
		return nil, fmt.Errorf("store: list due init retries: %w", err)
	}
	return es, nil
}

// AllInitExecutionsTerminal reports whether every init execution for a
// batch's runbook version has reached a terminal status. No code path
// calls it; the scheduler gates phase dispatch on the batch being active.
func (q *Queries) AllInitExecutionsTerminal(ctx context.Context, batchID, runbookVersion int64) (bool, error) {
	var count int64
	err := q.get(ctx, &count,
		`SELECT COUNT(*) FROM init_executions WHERE batch_id = ? AND runbook_version = ? AND status NOT IN (?, ?, ?, ?)`,
		batchID, runbookVersion, StepSucceeded, StepFailed, StepPollTimeout, StepCancelled)
	if err != nil {
		return false, fmt.Errorf("store: check init executions terminal for batch %d: %w", batchID, err)
	}
	return count == 0, nil
}
