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

// CreateBatch inserts a new batch row in BatchDetected status.
func (q *Queries) CreateBatch(ctx context.Context, runbookID int64, batchStartTime *time.Time, isManual bool, createdBy *string) (int64, error) {
	now := time.Now().UTC()
	res, err := q.exec(ctx,
		`INSERT INTO batches (runbook_id, batch_start_time, is_manual, status, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runbookID, batchStartTime, isManual, BatchDetected, createdBy, now, now)
	if err != nil {
		return 0, fmt.Errorf("store: create batch for runbook %d: %w", runbookID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: read inserted batch id: %w", err)
	}
	return id, nil
}

// FindBatchByStartTime looks up the batch already materialized for a given
// (runbookID, batchStartTime) pair, the dedup key the scheduler uses to
// avoid re-detecting the same cohort on successive ticks.
func (q *Queries) FindBatchByStartTime(ctx context.Context, runbookID int64, batchStartTime *time.Time) (*Batch, error) {
	var b Batch
	var err error
	if batchStartTime == nil {
		err = q.get(ctx, &b,
			`SELECT * FROM batches WHERE runbook_id = ? AND batch_start_time IS NULL ORDER BY id DESC LIMIT 1`,
			runbookID)
	} else {
		err = q.get(ctx, &b,
			`SELECT * FROM batches WHERE runbook_id = ? AND batch_start_time = ? ORDER BY id DESC LIMIT 1`,
			runbookID, *batchStartTime)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find batch for runbook %d: %w", runbookID, err)
	}
	return &b, nil
}

// GetBatch fetches a batch by ID.
func (q *Queries) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	var b Batch
	if err := q.get(ctx, &b, `SELECT * FROM batches WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("store: get batch %d: %w", id, err)
	}
	return &b, nil
}

// ListActiveBatches returns batches in any non-terminal status for a
// runbook, the set the scheduler must still progress.
func (q *Queries) ListActiveBatches(ctx context.Context, runbookID int64) ([]Batch, error) {
	var bs []Batch
	err := q.selectAll(ctx, &bs,
		`SELECT * FROM batches WHERE runbook_id = ? AND status NOT IN (?, ?)`,
		runbookID, BatchCompleted, BatchFailed)
	if err != nil {
		return nil, fmt.Errorf("store: list active batches for runbook %d: %w", runbookID, err)
	}
	return bs, nil
}

// TransitionBatchStatus performs a guarded status transition, succeeding
// only when the row is currently in one of fromStatuses. Returns whether
// the transition took effect.
func (q *Queries) TransitionBatchStatus(ctx context.Context, id int64, to BatchStatus, fromStatuses ...BatchStatus) (bool, error) {
	query, args := inClause(
		`UPDATE batches SET status = ?, updated_at = ? WHERE id = ? AND status IN (`,
		")", fromStatuses)
	args = append([]any{to, time.Now().UTC(), id}, args...)

	ok, err := rowsAffected(q.exec(ctx, query, args...))
	if err != nil {
		return false, fmt.Errorf("store: transition batch %d to %q: %w", id, to, err)
	}
	return ok, nil
}

// SetBatchCurrentPhase records the phase name currently being progressed,
// surfaced to operators via batchctl.
func (q *Queries) SetBatchCurrentPhase(ctx context.Context, id int64, phase string) error {
	_, err := q.exec(ctx,
		`UPDATE batches SET current_phase = ?, updated_at = ? WHERE id = ?`,
		phase, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: set current phase for batch %d: %w", id, err)
	}
	return nil
}

// inClause builds "prefix ?, ?, ? suffix" for a variadic IN list, returning
// the templated query fragment and the boxed args in positional order.
// Callers prepend their own leading args before this call's args.
func inClause[T any](prefix, suffix string, values []T) (string, []any) {
	query := prefix
	args := make([]any, len(values))
	for i, v := range values {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args[i] = v
	}
	query += suffix
	return query, args
}
