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

// ErrNoActiveRunbook is returned by GetActiveRunbook when no version of the
// named runbook is currently active.
var ErrNoActiveRunbook = errors.New("store: no active runbook")

// PublishRunbook deactivates any previously active version of name and then
// inserts a new active version. The two are separate statements; they share
// a transaction only when q was obtained through DB.WithTx. The returned
// version is one more than the highest version ever published under name,
// or 1 if none exists.
func (q *Queries) PublishRunbook(ctx context.Context, name, yaml string, overdue OverdueBehavior, rerunInit bool) (int64, error) {
	var nextVersion int64
	err := q.get(ctx, &nextVersion,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM runbooks WHERE name = ?`, name)
	if err != nil {
		return 0, fmt.Errorf("store: resolve next runbook version: %w", err)
	}

	if _, err := q.exec(ctx,
		`UPDATE runbooks SET is_active = ? WHERE name = ? AND is_active = ?`,
		false, name, true); err != nil {
		return 0, fmt.Errorf("store: deactivate prior runbook version: %w", err)
	}

	_, err = q.exec(ctx,
		`INSERT INTO runbooks (name, version, yaml, is_active, overdue_behavior, ignore_overdue_applied, rerun_init, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		name, nextVersion, yaml, true, overdue, false, rerunInit, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("store: insert runbook version: %w", err)
	}

	return nextVersion, nil
}

// GetActiveRunbook returns the currently active version of name, or
// ErrNoActiveRunbook if none is active.
func (q *Queries) GetActiveRunbook(ctx context.Context, name string) (*Runbook, error) {
	var rb Runbook
	err := q.get(ctx, &rb,
		`SELECT * FROM runbooks WHERE name = ? AND is_active = ?`, name, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveRunbook
	}
	if err != nil {
		return nil, fmt.Errorf("store: get active runbook %q: %w", name, err)
	}
	return &rb, nil
}

// GetRunbookByID fetches a runbook row by its primary key, the lookup a
// Batch's RunbookID foreign key needs to resolve a runbook's name.
func (q *Queries) GetRunbookByID(ctx context.Context, id int64) (*Runbook, error) {
	var rb Runbook
	err := q.get(ctx, &rb, `SELECT * FROM runbooks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get runbook %d: %w", id, err)
	}
	return &rb, nil
}

// GetRunbookByNameAndVersion fetches a specific, possibly inactive version.
func (q *Queries) GetRunbookByNameAndVersion(ctx context.Context, name string, version int64) (*Runbook, error) {
	var rb Runbook
	err := q.get(ctx, &rb,
		`SELECT * FROM runbooks WHERE name = ? AND version = ?`, name, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: runbook %q version %d: %w", name, version, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get runbook %q version %d: %w", name, version, err)
	}
	return &rb, nil
}

// DeactivateRunbook clears IsActive on a specific version, reporting
// whether the row was active beforehand.
func (q *Queries) DeactivateRunbook(ctx context.Context, name string, version int64) (bool, error) {
	ok, err := rowsAffected(q.exec(ctx,
		`UPDATE runbooks SET is_active = ? WHERE name = ? AND version = ? AND is_active = ?`,
		false, name, version, true))
	if err != nil {
		return false, fmt.Errorf("store: deactivate runbook %q version %d: %w", name, version, err)
	}
	return ok, nil
}

// MarkIgnoreOverdueApplied records that the ignore-overdue catch-up has
// already run once for this runbook version, so the scheduler doesn't
// reapply it on every tick.
func (q *Queries) MarkIgnoreOverdueApplied(ctx context.Context, runbookID int64) error {
	_, err := q.exec(ctx,
		`UPDATE runbooks SET ignore_overdue_applied = ? WHERE id = ?`, true, runbookID)
	if err != nil {
		return fmt.Errorf("store: mark ignore_overdue_applied for runbook %d: %w", runbookID, err)
	}
	return nil
}

// RecordRunbookError appends an audit row and stamps LastError/LastErrorAt
// on the runbook for quick status display.
func (q *Queries) RecordRunbookError(ctx context.Context, runbookName, message string) error {
	now := time.Now().UTC()
	if _, err := q.exec(ctx,
		`INSERT INTO runbook_errors (runbook_name, message, occurred_at) VALUES (?, ?, ?)`,
		runbookName, message, now); err != nil {
		return fmt.Errorf("store: insert runbook_errors row for %q: %w", runbookName, err)
	}

	if _, err := q.exec(ctx,
		`UPDATE runbooks SET last_error = ?, last_error_at = ? WHERE name = ? AND is_active = ?`,
		message, now, runbookName, true); err != nil {
		return fmt.Errorf("store: stamp last_error for %q: %w", runbookName, err)
	}
	return nil
}

// ListRunbookErrors returns the most recent errors for a runbook, newest
// first.
func (q *Queries) ListRunbookErrors(ctx context.Context, runbookName string, limit int) ([]RunbookError, error) {
	var errs []RunbookError
	err := q.selectAll(ctx, &errs,
		`SELECT * FROM runbook_errors WHERE runbook_name = ? ORDER BY occurred_at DESC LIMIT ?`,
		runbookName, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runbook_errors for %q: %w", runbookName, err)
	}
	return errs, nil
}

// ListActiveRunbooks returns every runbook with a currently active version,
// the set the scheduler iterates each tick.
func (q *Queries) ListActiveRunbooks(ctx context.Context) ([]Runbook, error) {
	var rbs []Runbook
	err := q.selectAll(ctx, &rbs, `SELECT * FROM runbooks WHERE is_active = ?`, true)
	if err != nil {
		return nil, fmt.Errorf("store: list active runbooks: %w", err)
	}
	return rbs, nil
}
