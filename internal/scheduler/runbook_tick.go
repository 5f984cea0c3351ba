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

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/batchwright/batchwright/internal/datasource"
	"github.com/batchwright/batchwright/internal/runbook"
	"github.com/batchwright/batchwright/internal/store"
)

// tickRunbookInner runs one runbook's full detection pass: parse its
// active definition, query the data source and materialize batches when
// automation is enabled, then apply any pending runbook-version
// transition to batches already in flight. Automation being disabled
// only suppresses new-batch detection — batches detected under an
// earlier tick keep progressing through their phases and version
// transitions regardless.
func (l *Loop) tickRunbookInner(ctx context.Context, rb store.Runbook, now time.Time) error {
	def, errs := runbook.Parse(rb.YAML)
	if len(errs) > 0 {
		return fmt.Errorf("scheduler: parse runbook %q version %d: %v", rb.Name, rb.Version, errs)
	}

	settings, err := l.queries.GetAutomationSettings(ctx, rb.Name)
	if err != nil {
		return fmt.Errorf("scheduler: load automation settings for %q: %w", rb.Name, err)
	}

	if settings.Enabled {
		if err := l.detectAndMaterialize(ctx, &rb, def, now); err != nil {
			return fmt.Errorf("scheduler: detect batches for %q: %w", rb.Name, err)
		}
	}

	if err := l.applyVersionTransition(ctx, &rb, def, now); err != nil {
		return fmt.Errorf("scheduler: version transition for %q: %w", rb.Name, err)
	}

	return nil
}

// detectAndMaterialize queries the runbook's data source, groups the
// result rows by batch time, and materializes a batch (with members,
// phase executions, and init executions) per group.
func (l *Loop) detectAndMaterialize(ctx context.Context, rb *store.Runbook, def *runbook.Definition, now time.Time) error {
	driver, err := datasource.Get(string(def.DataSource.Type))
	if err != nil {
		return err
	}

	it, err := driver.Query(ctx, def.DataSource.Connection, def.DataSource.WarehouseID, def.DataSource.Query)
	if err != nil {
		return fmt.Errorf("query data source: %w", err)
	}

	groups, err := groupRows(ctx, it, def, now, l.interval)
	if err != nil {
		return fmt.Errorf("group rows: %w", err)
	}

	for _, group := range groups {
		if err := l.materializeGroup(ctx, rb, def, group); err != nil {
			return fmt.Errorf("materialize batch at %v: %w", group.batchStartTime, err)
		}
	}
	return nil
}
