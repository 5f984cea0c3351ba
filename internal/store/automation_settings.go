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

// GetAutomationSettings returns the automation toggle for a runbook,
// defaulting to enabled when no row has ever been written.
func (q *Queries) GetAutomationSettings(ctx context.Context, runbookName string) (*AutomationSettings, error) {
	var s AutomationSettings
	err := q.get(ctx, &s,
		`SELECT * FROM runbook_automation_settings WHERE runbook_name = ?`, runbookName)
	if errors.Is(err, sql.ErrNoRows) {
		return &AutomationSettings{RunbookName: runbookName, Enabled: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get automation settings for %q: %w", runbookName, err)
	}
	return &s, nil
}

// SetAutomationSettings upserts the enabled flag for a runbook, recording
// who changed it. Existing in-flight batches are unaffected either way.
func (q *Queries) SetAutomationSettings(ctx context.Context, runbookName string, enabled bool, updatedBy string) error {
	now := time.Now().UTC()
	res, err := q.exec(ctx,
		`UPDATE runbook_automation_settings SET enabled = ?, updated_at = ?, updated_by = ? WHERE runbook_name = ?`,
		enabled, now, updatedBy, runbookName)
	if err != nil {
		return fmt.Errorf("store: update automation settings for %q: %w", runbookName, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = q.exec(ctx,
		`INSERT INTO runbook_automation_settings (runbook_name, enabled, updated_at, updated_by) VALUES (?, ?, ?, ?)`,
		runbookName, enabled, now, updatedBy)
	if err != nil {
		return fmt.Errorf("store: insert automation settings for %q: %w", runbookName, err)
	}
	return nil
}
