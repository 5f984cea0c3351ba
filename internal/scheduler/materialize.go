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
	"encoding/json"
	"fmt"
	"time"

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/datasource"
	"github.com/batchwright/batchwright/internal/runbook"
	"github.com/batchwright/batchwright/internal/store"
	"github.com/batchwright/batchwright/internal/template"
)

// batchTimeLayouts are tried in order against a batch_time_column value;
// RFC3339 is the expected layout, the plain timestamp is a fallback for
// data sources that don't emit a timezone.
var batchTimeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// memberRow is one materialized batch member: its member key and the
// data-source row backing its DataJson template variables.
type memberRow struct {
	Key  string
	Data datasource.Row
}

// rowGroup is every member row detected for a single batch start time
// (or, in immediate mode, a single detection bucket).
type rowGroup struct {
	batchStartTime *time.Time
	members        []memberRow
}

// groupRows consumes it to completion, grouping rows by batch time.
// Immediate-mode runbooks bucket every row detected within the same tick
// interval into one batch, since there is no batch_time_column to key on.
func groupRows(ctx context.Context, it datasource.RowIter, def *runbook.Definition, now time.Time, tickInterval time.Duration) (map[string]*rowGroup, error) {
	defer it.Close()

	groups := map[string]*rowGroup{}
	for {
		row, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		var batchStartTime *time.Time
		var key string
		if def.DataSource.BatchTimeImmediate {
			t := now.Truncate(tickInterval)
			batchStartTime = &t
			key = "immediate:" + t.UTC().Format(time.RFC3339)
		} else {
			raw := row[def.DataSource.BatchTimeColumn]
			t, err := parseBatchTime(raw)
			if err != nil {
				return nil, fmt.Errorf("parse %s %q: %w", def.DataSource.BatchTimeColumn, raw, err)
			}
			batchStartTime = &t
			key = t.UTC().Format(time.RFC3339)
		}

		members, err := expandRow(row, def)
		if err != nil {
			return nil, err
		}

		g, ok := groups[key]
		if !ok {
			g = &rowGroup{batchStartTime: batchStartTime}
			groups[key] = g
		}
		g.members = append(g.members, members...)
	}
	return groups, nil
}

func parseBatchTime(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range batchTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

// expandRow fans a single data-source row out into one memberRow per
// primary-key value when the primary key is itself a multi-valued
// column (e.g. several recipient addresses packed into one delimited
// field); every other multi-valued column is left as its raw delimited
// string, read by SplitMultiValue wherever a step actually needs it.
func expandRow(row datasource.Row, def *runbook.Definition) ([]memberRow, error) {
	pk := def.DataSource.PrimaryKey
	for _, mv := range def.DataSource.MultiValuedColumns {
		if mv.Column != pk {
			continue
		}
		values, err := runbook.SplitMultiValue(row[pk], mv.Format)
		if err != nil {
			return nil, err
		}
		out := make([]memberRow, 0, len(values))
		for _, v := range values {
			data := make(datasource.Row, len(row))
			for k, rv := range row {
				data[k] = rv
			}
			data[pk] = v
			out = append(out, memberRow{Key: v, Data: data})
		}
		return out, nil
	}
	return []memberRow{{Key: row[pk], Data: row}}, nil
}

// materializeGroup creates or diffs the batch for one rowGroup: a
// previously unseen batch start time materializes a new batch plus its
// phase and init executions; a batch already tracked is diffed for
// member additions and removals only.
func (l *Loop) materializeGroup(ctx context.Context, rb *store.Runbook, def *runbook.Definition, group *rowGroup) error {
	existing, err := l.queries.FindBatchByStartTime(ctx, rb.ID, group.batchStartTime)
	if err != nil {
		return err
	}

	isNew := existing == nil
	var batchID int64
	if isNew {
		batchID, err = l.queries.CreateBatch(ctx, rb.ID, group.batchStartTime, false, nil)
		if err != nil {
			return err
		}
	} else {
		if existing.Status.IsTerminal() {
			return nil
		}
		batchID = existing.ID
	}

	if err := l.diffMembers(ctx, batchID, group, isNew); err != nil {
		return err
	}

	if isNew {
		// groupRows always sets batchStartTime, even in immediate mode
		// (truncated to the tick bucket), so it is safe to dereference here.
		baseTime := *group.batchStartTime
		if err := l.materializePhases(ctx, rb, def, batchID, baseTime); err != nil {
			return err
		}
		if err := l.materializeInit(ctx, rb, def, batchID, group.batchStartTime); err != nil {
			return err
		}
		if err := l.publishOrchestratorEvent(ctx, bus.MessageTypeBatchInit,
			fmt.Sprintf("batch-init-%d", batchID),
			bus.BatchInitEvent{BatchID: batchID, RunbookName: rb.Name, RunbookVersion: rb.Version}); err != nil {
			return err
		}
		if _, err := l.queries.TransitionBatchStatus(ctx, batchID, store.BatchInitDispatched, store.BatchDetected); err != nil {
			return fmt.Errorf("transition batch %d to init_dispatched: %w", batchID, err)
		}
	}

	return nil
}

// diffMembers inserts every currently-detected member (idempotent; a
// repeat detection of an already-tracked member is a no-op) and, for a
// batch that already existed, removes members no longer present in the
// data source's result set.
func (l *Loop) diffMembers(ctx context.Context, batchID int64, group *rowGroup, isNew bool) error {
	current := make(map[string]struct{}, len(group.members))
	for _, m := range group.members {
		current[m.Key] = struct{}{}

		priorExisting, err := l.queries.GetBatchMemberByKey(ctx, batchID, m.Key)
		if err != nil {
			return err
		}

		dataJSON, err := json.Marshal(m.Data)
		if err != nil {
			return fmt.Errorf("marshal data for member %q: %w", m.Key, err)
		}
		memberID, err := l.queries.InsertBatchMember(ctx, batchID, m.Key, string(dataJSON))
		if err != nil {
			return err
		}

		if priorExisting == nil {
			if err := l.publishOrchestratorEvent(ctx, bus.MessageTypeMemberAdded,
				fmt.Sprintf("member-added-%d", memberID),
				bus.MemberAddedEvent{BatchID: batchID, MemberKey: m.Key, BatchMemberID: memberID}); err != nil {
				return err
			}
		}
	}

	if isNew {
		return nil
	}

	activeMembers, err := l.queries.ListBatchMembers(ctx, batchID, store.MemberActive)
	if err != nil {
		return err
	}
	for _, am := range activeMembers {
		if _, ok := current[am.MemberKey]; ok {
			continue
		}
		ok, err := l.queries.RemoveBatchMember(ctx, am.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := l.publishOrchestratorEvent(ctx, bus.MessageTypeMemberRemoved,
			fmt.Sprintf("member-removed-%d", am.ID),
			bus.MemberRemovedEvent{BatchID: batchID, MemberKey: am.MemberKey, BatchMemberID: am.ID}); err != nil {
			return err
		}
	}
	return nil
}

// materializePhases inserts the pending phase_executions shell for every
// phase of def at rb.Version, due at baseTime plus the phase's offset.
// Step executions for a phase are not created here: they depend on each
// member's worker-output data at the moment the phase actually becomes
// due, which the orchestrator's phase-due handler resolves at dispatch
// time rather than at detection time.
func (l *Loop) materializePhases(ctx context.Context, rb *store.Runbook, def *runbook.Definition, batchID int64, baseTime time.Time) error {
	for _, phase := range def.Phases {
		dueAt := baseTime.Add(time.Duration(phase.OffsetMinutes) * time.Minute)
		if _, err := l.queries.InsertPhaseExecution(ctx, batchID, phase.Name, phase.OffsetMinutes, &dueAt, rb.Version); err != nil {
			return fmt.Errorf("materialize phase %q: %w", phase.Name, err)
		}
	}
	return nil
}

// materializeInit inserts the pending init_executions for def.Init at
// rb.Version. Init steps run once per batch, before any member has
// advanced through a phase, so their only template variables are the
// special batch vars; there is no per-member worker-output or
// data-column context to resolve against yet.
func (l *Loop) materializeInit(ctx context.Context, rb *store.Runbook, def *runbook.Definition, batchID int64, batchStartTime *time.Time) error {
	resolver := template.New(template.SpecialVars(batchID, batchStartTime))

	for i, step := range def.Init {
		functionName, err := resolver.Resolve(step.Function)
		if err != nil {
			return fmt.Errorf("resolve init step %q function: %w", step.Name, err)
		}
		resolvedParams, err := resolver.ResolveMap(step.Params)
		if err != nil {
			return fmt.Errorf("resolve init step %q params: %w", step.Name, err)
		}
		paramsJSON, err := json.Marshal(resolvedParams)
		if err != nil {
			return fmt.Errorf("marshal init step %q params: %w", step.Name, err)
		}

		maxRetries, retryIntervalSec := effectiveRetry(def, step.Retry)
		pollIntervalSec, pollTimeoutSec, isPollStep := effectivePoll(step.Poll)

		var onFailure *string
		if step.OnFailure != "" {
			onFailure = &step.OnFailure
		}

		if _, err := l.queries.InsertInitExecution(ctx, store.InitExecutionSpec{
			BatchID:          batchID,
			RunbookVersion:   rb.Version,
			StepName:         step.Name,
			StepIndex:        i,
			WorkerID:         step.WorkerID,
			FunctionName:     functionName,
			ParamsJSON:       string(paramsJSON),
			IsPollStep:       isPollStep,
			PollIntervalSec:  pollIntervalSec,
			PollTimeoutSec:   pollTimeoutSec,
			OnFailure:        onFailure,
			MaxRetries:       maxRetries,
			RetryIntervalSec: retryIntervalSec,
		}); err != nil {
			return fmt.Errorf("materialize init step %q: %w", step.Name, err)
		}
	}
	return nil
}

// effectiveRetry resolves a step's retry policy, falling back to the
// runbook's global retry when the step sets none.
func effectiveRetry(def *runbook.Definition, stepRetry *runbook.Retry) (maxRetries, retryIntervalSec int) {
	r := stepRetry
	if r == nil {
		r = def.GlobalRetry
	}
	if r == nil {
		return 0, 0
	}
	return r.MaxRetries, r.Interval.Seconds()
}

// effectivePoll reports the poll interval/timeout for a step, and whether
// it is a poll step at all.
func effectivePoll(p *runbook.Poll) (intervalSec, timeoutSec int, isPollStep bool) {
	if p == nil {
		return 0, 0, false
	}
	return p.Interval.Seconds(), p.Timeout.Seconds(), true
}
