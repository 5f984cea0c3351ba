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

// ErrVersionConflict is returned by MergeMemberWorkerData when the row's
// Version changed between read and write, so the caller should re-read and
// retry the merge.
var ErrVersionConflict = errors.New("store: batch member version conflict")

// InsertBatchMember adds a member to a batch in MemberActive status,
// skipping silently (returning the existing ID) if the (batchID,
// memberKey) pair already exists — detection re-scans the same
// data-source result set on every tick.
func (q *Queries) InsertBatchMember(ctx context.Context, batchID int64, memberKey, dataJSON string) (int64, error) {
	existing, err := q.GetBatchMemberByKey(ctx, batchID, memberKey)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.ID, nil
	}

	now := time.Now().UTC()
	res, err := q.exec(ctx,
		`INSERT INTO batch_members (batch_id, member_key, data_json, worker_data_json, status, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		batchID, memberKey, dataJSON, "{}", MemberActive, 0, now, now)
	if err != nil {
		return 0, fmt.Errorf("store: insert batch member %q for batch %d: %w", memberKey, batchID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: read inserted batch member id: %w", err)
	}
	return id, nil
}

// GetBatchMemberByKey returns the member row for (batchID, memberKey), or
// nil if none exists yet.
func (q *Queries) GetBatchMemberByKey(ctx context.Context, batchID int64, memberKey string) (*BatchMember, error) {
	var m BatchMember
	err := q.get(ctx, &m,
		`SELECT * FROM batch_members WHERE batch_id = ? AND member_key = ?`, batchID, memberKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get batch member %q for batch %d: %w", memberKey, batchID, err)
	}
	return &m, nil
}

// GetBatchMember fetches a member by ID.
func (q *Queries) GetBatchMember(ctx context.Context, id int64) (*BatchMember, error) {
	var m BatchMember
	if err := q.get(ctx, &m, `SELECT * FROM batch_members WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("store: get batch member %d: %w", id, err)
	}
	return &m, nil
}

// ListBatchMembers returns every member of a batch in the given statuses.
// An empty statuses list returns every member regardless of status.
func (q *Queries) ListBatchMembers(ctx context.Context, batchID int64, statuses ...MemberStatus) ([]BatchMember, error) {
	var ms []BatchMember
	if len(statuses) == 0 {
		err := q.selectAll(ctx, &ms, `SELECT * FROM batch_members WHERE batch_id = ?`, batchID)
		if err != nil {
			return nil, fmt.Errorf("store: list batch members for batch %d: %w", batchID, err)
		}
		return ms, nil
	}

	query, args := inClause(`SELECT * FROM batch_members WHERE batch_id = ? AND status IN (`, ")", statuses)
	args = append([]any{batchID}, args...)
	if err := q.selectAll(ctx, &ms, query, args...); err != nil {
		return nil, fmt.Errorf("store: list batch members for batch %d: %w", batchID, err)
	}
	return ms, nil
}

// TransitionMemberStatus performs a guarded status transition, succeeding
// only when the row is currently in one of fromStatuses.
func (q *Queries) TransitionMemberStatus(ctx context.Context, id int64, to MemberStatus, fromStatuses ...MemberStatus) (bool, error) {
	query, args := inClause(
		`UPDATE batch_members SET status = ?, updated_at = ? WHERE id = ? AND status IN (`, ")", fromStatuses)
	args = append([]any{to, time.Now().UTC(), id}, args...)

	ok, err := rowsAffected(q.exec(ctx, query, args...))
	if err != nil {
		return false, fmt.Errorf("store: transition batch member %d to %q: %w", id, to, err)
	}
	return ok, nil
}

// RemoveBatchMember marks a member MemberRemoved and stamps RemovedAt,
// guarded on it currently being MemberActive.
func (q *Queries) RemoveBatchMember(ctx context.Context, id int64) (bool, error) {
	now := time.Now().UTC()
	ok, err := rowsAffected(q.exec(ctx,
		`UPDATE batch_members SET status = ?, removed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		MemberRemoved, now, now, id, MemberActive))
	if err != nil {
		return false, fmt.Errorf("store: remove batch member %d: %w", id, err)
	}
	return ok, nil
}

// MergeMemberWorkerData applies merge to the member's current
// WorkerDataJSON and writes the result back guarded on the Version column
// it was read at, incrementing Version on success. Returns
// ErrVersionConflict if another writer won the race; the caller is
// expected to re-read and retry up to a bounded attempt count.
func (q *Queries) MergeMemberWorkerData(ctx context.Context, id int64, merge func(currentWorkerDataJSON string) (string, error)) error {
	m, err := q.GetBatchMember(ctx, id)
	if err != nil {
		return err
	}

	merged, err := merge(m.WorkerDataJSON)
	if err != nil {
		return fmt.Errorf("store: merge worker data for batch member %d: %w", id, err)
	}

	ok, err := rowsAffected(q.exec(ctx,
		`UPDATE batch_members SET worker_data_json = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		merged, time.Now().UTC(), id, m.Version))
	if err != nil {
		return fmt.Errorf("store: write worker data for batch member %d: %w", id, err)
	}
	if !ok {
		return ErrVersionConflict
	}
	return nil
}

// MergeMemberWorkerDataWithRetry retries MergeMemberWorkerData up to
// maxAttempts times on ErrVersionConflict, the bound on concurrent
// step-success races for a single member.
func (q *Queries) MergeMemberWorkerDataWithRetry(ctx context.Context, id int64, maxAttempts int, merge func(currentWorkerDataJSON string) (string, error)) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = q.MergeMemberWorkerData(ctx, id, merge)
		if err == nil || !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("store: batch member %d: %w after %d attempts", id, err, maxAttempts)
}
