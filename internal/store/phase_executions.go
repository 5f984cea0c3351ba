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

// InsertPhaseExecution materializes one phase for a batch at a given
// runbook version. It is not idempotent: every call inserts a new row, and
// neither this method nor the schema rejects a second row for the same
// (batchID, phaseName, runbookVersion).
func (q *Queries) InsertPhaseExecution(ctx context.Context, batchID int64, phaseName string, offsetMinutes int64, dueAt *time.Time, runbookVersion int64) (int64, error) {
	now := time.Now().UTC()
	res, err := q.exec(ctx,
		`INSERT INTO phase_executions (batch_id, phase_name, offset_minutes, due_at, runbook_version, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		batchID, phaseName, offsetMinutes, dueAt, runbookVersion, PhasePending, now, now)
	if err != nil {
		return 0, fmt.Errorf("store: insert phase execution %q for batch %d: %w", phaseName, batchID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: read inserted phase execution id: %w", err)
	}
	return id, nil
}

// GetPhaseExecution fetches a phase execution by ID.
func (q *Queries) GetPhaseExecution(ctx context.Context, id int64) (*PhaseExecution, error) {
	var p PhaseExecution
	if err := q.get(ctx, &p, `SELECT * FROM phase_executions WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("store: get phase execution %d: %w", id, err)
	}
	return &p, nil
}

// ListPhaseExecutions returns every phase execution for a batch, ordered
// by OffsetMinutes ascending.
func (q *Queries) ListPhaseExecutions(ctx context.Context, batchID int64) ([]PhaseExecution, error) {
	var ps []PhaseExecution
	err := q.selectAll(ctx, &ps,
		`SELECT * FROM phase_executions WHERE batch_id = ? ORDER BY offset_minutes ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("store: list phase executions for batch %d: %w", batchID, err)
	}
	return ps, nil
}

// GetPhaseExecutionByName returns the phase execution for (batchID,
// phaseName) at the batch's current runbook version, or nil if it hasn't
// been materialized yet.
func (q *Queries) GetPhaseExecutionByName(ctx context.Context, batchID int64, phaseName string) (*PhaseExecution, error) {
	var p PhaseExecution
	err := q.get(ctx, &p,
		`SELECT * FROM phase_executions WHERE batch_id = ? AND phase_name = ? ORDER BY runbook_version DESC LIMIT 1`,
		batchID, phaseName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get phase execution %q for batch %d: %w", phaseName, batchID, err)
	}
	return &p, nil
}

// ListDuePhaseExecutions returns pending phase executions across every
// batch whose DueAt has passed, the query driving the scheduler's
// phase-due dispatch.
func (q *Queries) ListDuePhaseExecutions(ctx context.Context, asOf time.Time) ([]PhaseExecution, error) {
	var ps []PhaseExecution
	err := q.selectAll(ctx, &ps,
		`SELECT * FROM phase_executions WHERE status = ? AND due_at IS NOT NULL AND due_at <= ?`,
		PhasePending, asOf)
	if err != nil {
		return nil, fmt.Errorf("store: list due phase executions: %w", err)
	}
	return ps, nil
}

// TransitionPhaseStatus performs a guarded status transition, succeeding
// only when the row is currently in one of fromStatuses.
func (q *Queries) TransitionPhaseStatus(ctx context.Context, id int64, to PhaseStatus, fromStatuses ...PhaseStatus) (bool, error) {
	query, args := inClause(
		`UPDATE phase_executions SET status = ?, updated_at = ? WHERE id = ? AND status IN (`, ")", fromStatuses)
	args = append([]any{to, time.Now().UTC(), id}, args...)

	ok, err := rowsAffected(q.exec(ctx, query, args...))
	if err != nil {
		return false, fmt.Errorf("store: transition phase execution %d to %q: %w", id, to, err)
	}
	return ok, nil
}

// SupersedePendingPhases marks every not-yet-dispatched phase execution
// for a batch as PhaseSuperseded, used when a new runbook version
// replaces the phase schedule mid-batch.
func (q *Queries) SupersedePendingPhases(ctx context.Context, batchID int64) (int64, error) {
	res, err := q.exec(ctx,
		`UPDATE phase_executions SET status = ?, updated_at = ? WHERE batch_id = ? AND status = ?`,
		PhaseSuperseded, time.Now().UTC(), batchID, PhasePending)
	if err != nil {
		return 0, fmt.Errorf("store: supersede pending phases for batch %d: %w", batchID, err)
	}
	return res.RowsAffected()
}
