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

package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/batchwright/batchwright/internal/bus"
	"github.com/batchwright/batchwright/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), store.Config{
		Driver: "sqlite",
		DSN:    "file:" + t.Name() + "?mode=memory&cache=shared",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// recordingBus captures every publish so tests can assert on what a
// handler sent without standing up the SQL-backed bus.
type recordingBus struct {
	mu        sync.Mutex
	published []recordedMessage
}

type recordedMessage struct {
	topic    string
	jobID    string
	appProps map[string]string
	body     []byte
}

func (b *recordingBus) Publish(ctx context.Context, topic string, body []byte, appProps map[string]string, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, recordedMessage{topic: topic, jobID: jobID, appProps: appProps, body: body})
	return nil
}
func (b *recordingBus) PublishAt(ctx context.Context, topic string, body []byte, appProps map[string]string, jobID string, at time.Time) error {
	return b.Publish(ctx, topic, body, appProps, jobID)
}
func (b *recordingBus) Claim(ctx context.Context, topic string, filter map[string]string, limit int, lockDuration time.Duration) ([]bus.Message, error) {
	return nil, nil
}
func (b *recordingBus) Ack(ctx context.Context, id int64) error  { return nil }
func (b *recordingBus) Nack(ctx context.Context, id int64) error { return nil }
func (b *recordingBus) ReapExpiredLocks(ctx context.Context, ttl time.Duration, maxDeliveryAttempts int) (int, int, error) {
	return 0, 0, nil
}

func (b *recordingBus) jobs(topic string) []recordedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []recordedMessage
	for _, m := range b.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }

const testRunbookYAML = `
name: onboarding
data_source:
  type: dataverse
  connection: DATAVERSE_CONN
  query: "SELECT email FROM contacts"
  primary_key: email
  batch_time: immediate
init:
  - name: seed
    worker_id: worker-1
    function: Seed
    params:
      batch: "{{_batch_id}}"
phases:
  - name: welcome
    offset: T-0
    steps:
      - name: send
        worker_id: worker-1
        function: Send
        params:
          to: "{{email}}"
        on_failure: undoSend
      - name: followUp
        worker_id: worker-1
        function: FollowUp
        params:
          to: "{{email}}"
on_member_removed:
  - name: notifyRemoval
    worker_id: worker-1
    function: NotifyRemoval
    params:
      to: "{{email}}"
rollbacks:
  undoSend:
    - name: undoSend
      worker_id: worker-1
      function: UndoSend
      params:
        to: "{{email}}"
`

// newTestRouter publishes the fixture runbook and wires a Router around
// the given bus, leaving workers at a small fixed size so phase-due's
// per-member fan-out stays deterministic to watch in a test.
func newTestRouter(t *testing.T, db *store.DB, b bus.Bus) (*Router, *store.Runbook) {
	t.Helper()
	q := db.Queries()
	ctx := context.Background()
	_, err := q.PublishRunbook(ctx, "onboarding", testRunbookYAML, store.OverdueRerun, false)
	require.NoError(t, err)
	rb, err := q.GetActiveRunbook(ctx, "onboarding")
	require.NoError(t, err)
	return New(q, b, 4, nil), rb
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return body
}

func TestHandleBatchInit_DispatchesFirstInitStep(t *testing.T) {
	db := openTestDB(t)
	q := db.Queries()
	ctx := context.Background()
	b := &recordingBus{}
	o, rb := newTestRouter(t, db, b)

	batchID, err := q.CreateBatch(ctx, rb.ID, nil, true, nil)
	require.NoError(t, err)
	_, err = q.InsertInitExecution(ctx, store.InitExecutionSpec{
		BatchID: batchID, RunbookVersion: rb.Version, StepName: "seed", StepIndex: 0,
		WorkerID: "worker-1", FunctionName: "Seed", ParamsJSON: `{"batch":"1"}`,
	})
	require.NoError(t, err)
	_, err = q.TransitionBatchStatus(ctx, batchID, store.BatchInitDispatched, store.BatchDetected)
	require.NoError(t, err)

	event := bus.BatchInitEvent{BatchID: batchID, RunbookName: rb.Name, RunbookVersion: rb.Version}
	require.NoError(t, o.handleBatchInit(ctx, mustMarshal(t, event)))

	inits, err := q.ListInitExecutions(ctx, batchID, rb.Version)
	require.NoError(t, err)
	require.Equal(t, store.StepDispatched, inits[0].Status)
	require.Len(t, b.jobs(bus.TopicWorkerJobs), 1)
}

func TestHandleBatchInit_IgnoresRedeliveryAfterActivation(t *testing.T) {
	db := openTestDB(t)
	q := db.Queries()
	ctx := context.Background()
	b := &recordingBus{}
	o, rb := newTestRouter(t, db, b)

	batchID, err := q.CreateBatch(ctx, rb.ID, nil, true, nil)
	require.NoError(t, err)
	_, err = q.TransitionBatchStatus(ctx, batchID, store.BatchInitDispatched, store.BatchDetected)
	require.NoError(t, err)
	_, err = q.TransitionBatchStatus(ctx, batchID, store.BatchActive, store.BatchInitDispatched)
	require.NoError(t, err)

	event := bus.BatchInitEvent{BatchID: batchID, RunbookName: rb.Name, RunbookVersion: rb.Version}
	require.NoError(t, o.handleBatchInit(ctx, mustMarshal(t, event)))
	require.Empty(t, b.jobs(bus.TopicWorkerJobs))
}

func TestHandlePhaseDue_MaterializesEachActiveMemberAndDispatchesFirstStep(t *testing.T) {
	db := openTestDB(t)
	q := db.Queries()
	ctx := context.Background()
	b := &recordingBus{}
	o, rb := newTestRouter(t, db, b)

	batchID, err := q.CreateBatch(ctx, rb.ID, timePtr(time.Now()), true, nil)
	require.NoError(t, err)
	_, err = q.TransitionBatchStatus(ctx, batchID, store.BatchInitDispatched, store.BatchDetected)
	require.NoError(t, err)
	_, err = q.TransitionBatchStatus(ctx, batchID, store.BatchActive, store.BatchInitDispatched)
	require.NoError(t, err)

	m1, err := q.InsertBatchMember(ctx, batchID, "a@x.com", `{"email":"a@x.com"}`)
	require.NoError(t, err)
	m2, err := q.InsertBatchMember(ctx, batchID, "b@x.com", `{"email":"b@x.com"}`)
	require.NoError(t, err)

	phaseID, err := q.InsertPhaseExecution(ctx, batchID, "welcome", 0, timePtr(time.Now()), rb.Version)
	require.NoError(t, err)
	ok, err := q.TransitionPhaseStatus(ctx, phaseID, store.PhaseDispatched, store.PhasePending)
	require.NoError(t, err)
	require.True(t, ok)

	event := bus.PhaseDueEvent{
		BatchID: batchID, RunbookName: rb.Name, RunbookVersion: rb.Version,
		PhaseName: "welcome", PhaseExecutionID: phaseID,
	}
	require.NoError(t, o.handlePhaseDue(ctx, mustMarshal(t, event)))

	for _, memberID := range []int64{m1, m2} {
		steps, err := q.ListStepExecutionsForMember(ctx, phaseID, memberID)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		require.Equal(t, store.StepDispatched, steps[0].Status)
		require.Equal(t, store.StepPending, steps[1].Status)
	}
	require.Len(t, b.jobs(bus.TopicWorkerJobs), 2)
}

func TestHandlePhaseDue_IgnoresStalePhase(t *testing.T) {
	db := openTestDB(t)
	q := db.Queries()
	ctx := context.Background()
	b := &recordingBus{}
	o, rb := newTestRouter(t, db, b)

	batchID, err := q.CreateBatch(ctx, rb.ID, nil, true, nil)
	require.NoError(t, err)
	phaseID, err := q.InsertPhaseExecution(ctx, batchID, "welcome", 0, timePtr(time.Now()), rb.Version)
	require.NoError(t, err)
	// Left in PhasePending: a phase-due event only fires after the
	// scheduler already moved it to dispatched, so this simulates a
	// stale/duplicate delivery.

	event := bus.PhaseDueEvent{
		BatchID: batchID, RunbookName: rb.Name, RunbookVersion: rb.Version,
		PhaseName: "welcome", PhaseExecutionID: phaseID,
	}
	require.NoError(t, o.handlePhaseDue(ctx, mustMarshal(t, event)))
	require.Empty(t, b.jobs(bus.TopicWorkerJobs))
}

func TestHandleMemberAdded_CatchesUpDispatchedPhase(t *testing.T) {
	db := openTestDB(t)
	q := db.Queries()
	ctx := context.Background()
	b := &recordingBus{}
	o, rb := newTestRouter(t, db, b)

	batchID, err := q.CreateBatch(ctx, rb.ID, timePtr(time.Now()), true, nil)
	require.NoError(t, err)
	phaseID, err := q.InsertPhaseExecution(ctx, batchID, "welcome", 0, timePtr(time.Now()), rb.Version)
	require.NoError(t, err)
	_, err = q.TransitionPhaseStatus(ctx, phaseID, store.PhaseDispatched, store.PhasePending)
	require.NoError(t, err)

	memberID, err := q.InsertBatchMember(ctx, batchID, "late@x.com", `{"email":"late@x.com"}`)
	require.NoError(t, err)

	event := bus.MemberAddedEvent{BatchID: batchID, MemberKey: "late@x.com", BatchMemberID: memberID}
	require.NoError(t, o.handleMemberAdded(ctx, mustMarshal(t, event)))

	steps, err := q.ListStepExecutionsForMember(ctx, phaseID, memberID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, store.StepDispatched, steps[0].Status)
	require.Len(t, b.jobs(bus.TopicWorkerJobs), 1)
}

func TestHandleMemberAdded_SkipsStillPendingPhase(t *testing.T) {
	db := openTestDB(t)
	q := db.Queries()
	ctx := context.Background()
	b := &recordingBus{}
	o, rb := newTestRouter(t, db, b)

	batchID, err := q.CreateBatch(ctx, rb.ID, timePtr(time.Now()), true, nil)
	require.NoError(t, err)
	phaseID, err := q.InsertPhaseExecution(ctx, batchID, "welcome", 0, timePtr(time.Now()), rb.Version)
	require.NoError(t, err)

	memberID, err := q.InsertBatchMember(ctx, batchID, "late@x.com", `{"email":"late@x.com"}`)
	require.NoError(t, err)

	event := bus.MemberAddedEvent{BatchID: batchID, MemberKey: "late@x.com", BatchMemberID: memberID}
	require.NoError(t, o.handleMemberAdded(ctx, mustMarshal(t, event)))

	steps, err := q.ListStepExecutionsForMember(ctx, phaseID, memberID)
	require.NoError(t, err)
	require.Empty(t, steps)
}

func TestHandleMemberRemoved_CancelsNonTerminalStepsAndFiresOnRemoved(t *testing.T) {
	db := openTestDB(t)
	q := db.Queries()
	ctx := context.Background()
	b := &recordingBus{}
	o, rb := newTestRouter(t, db, b)

	batchID, err := q.CreateBatch(ctx, rb.ID, timePtr(time.Now()), true, nil)
	require.NoError(t, err)
	memberID, err := q.InsertBatchMember(ctx, batchID, "gone@x.com", `{"email":"gone@x.com"}`)
	require.NoError(t, err)
	phaseID, err := q.InsertPhaseExecution(ctx, batchID, "welcome", 0, timePtr(time.Now()), rb.Version)
	require.NoError(t, err)

	stepID, err := q.InsertStepExecution(ctx, store.StepExecutionSpec{
		PhaseExecutionID: phaseID, BatchMemberID: memberID, StepName: "send", StepIndex: 0,
		WorkerID: "worker-1", FunctionName: "Send", ParamsJSON: `{}`,
	})
	require.NoError(t, err)

	event := bus.MemberRemovedEvent{BatchID: batchID, MemberKey: "gone@x.com", BatchMemberID: memberID}
	require.NoError(t, o.handleMemberRemoved(ctx, mustMarshal(t, event)))

	step, err := q.GetStepExecution(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, store.StepCancelled, step.Status)

	jobs := b.jobs(bus.TopicWorkerJobs)
	require.Len(t, jobs, 1)
	var job bus.WorkerJob
	require.NoError(t, json.Unmarshal(jobs[0].body, &job))
	require.Equal(t, "NotifyRemoval", job.FunctionName)
	require.Equal(t, int64(0), job.CorrelationData.StepExecutionID)
}

func TestHandlePollCheck_RedispatchesAndBumpsCounterWhenNotTimedOut(t *testing.T) {
	db := openTestDB(t)
	q := db.Queries()
	ctx := context.Background()
	b := &recordingBus{}
	o, rb := newTestRouter(t, db, b)

	batchID, err := q.CreateBatch(ctx, rb.ID, timePtr(time.Now()), true, nil)
	require.NoError(t, err)
	memberID, err := q.InsertBatchMember(ctx, batchID, "a@x.com", `{}`)
	require.NoError(t, err)
	phaseID, err := q.InsertPhaseExecution(ctx, batchID, "welcome", 0, timePtr(time.Now()), rb.Version)
	require.NoError(t, err)

	stepID, err := q.InsertStepExecution(ctx, store.StepExecutionSpec{
		PhaseExecutionID: phaseID, BatchMemberID: memberID, StepName: "send", StepIndex: 0,
		WorkerID: "worker-1", FunctionName: "Send", ParamsJSON: `{}`,
		IsPollStep: true, PollIntervalSec: 30, PollTimeoutSec: 3600,
	})
	require.NoError(t, err)
	_, err = q.DispatchStepExecution(ctx, stepID, "job-1")
	require.NoError(t, err)
	_, err = q.BeginPolling(ctx, stepID)
	require.NoError(t, err)

	event := bus.PollCheckEvent{StepExecutionID: stepID, IsInitStep: false}
	require.NoError(t, o.handlePollCheck(ctx, mustMarshal(t, event)))

	step, err := q.GetStepExecution(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, store.StepPolling, step.Status)
	require.Equal(t, 1, step.PollCount)
	require.Len(t, b.jobs(bus.TopicWorkerJobs), 1)
}

func TestHandlePollCheck_TimeoutTriggersRollbackAndIsolatesMember(t *testing.T) {
	db := openTestDB(t)
	q := db.Queries()
	ctx := context.Background()
	b := &recordingBus{}
	o, rb := newTestRouter(t, db, b)

	batchID, err := q.CreateBatch(ctx, rb.ID, timePtr(time.Now()), true, nil)
	require.NoError(t, err)
	memberID, err := q.InsertBatchMember(ctx, batchID, "a@x.com", `{"email":"a@x.com"}`)
	require.NoError(t, err)
	phaseID, err := q.InsertPhaseExecution(ctx, batchID, "welcome", 0, timePtr(time.Now()), rb.Version)
	require.NoError(t, err)

	onFailure := "undoSend"
	stepID, err := q.InsertStepExecution(ctx, store.StepExecutionSpec{
		PhaseExecutionID: phaseID, BatchMemberID: memberID, StepName: "send", StepIndex: 0,
		WorkerID: "worker-1", FunctionName: "Send", ParamsJSON: `{}`,
		IsPollStep: true, PollIntervalSec: 1, PollTimeoutSec: 1,
		OnFailure: &onFailure,
	})
	require.NoError(t, err)
	_, err = q.DispatchStepExecution(ctx, stepID, "job-1")
	require.NoError(t, err)
	_, err = q.BeginPolling(ctx, stepID)
	require.NoError(t, err)

	// Backdate PollStartedAt past PollTimeoutSec so the handler sees a
	// timed-out poll rather than one merely due for another check.
	_, err = db.ExecContext(ctx, `UPDATE step_executions SET poll_started_at = ? WHERE id = ?`,
		time.Now().Add(-time.Hour), stepID)
	require.NoError(t, err)

	event := bus.PollCheckEvent{StepExecutionID: stepID, IsInitStep: false}
	require.NoError(t, o.handlePollCheck(ctx, mustMarshal(t, event)))

	step, err := q.GetStepExecution(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, store.StepPollTimeout, step.Status)

	member, err := q.GetBatchMember(ctx, memberID)
	require.NoError(t, err)
	require.Equal(t, store.MemberFailed, member.Status)

	jobs := b.jobs(bus.TopicWorkerJobs)
	require.Len(t, jobs, 1)
	var job bus.WorkerJob
	require.NoError(t, json.Unmarshal(jobs[0].body, &job))
	require.Equal(t, "UndoSend", job.FunctionName)
}

func TestHandleRetryCheck_RedispatchesPendingRetry(t *testing.T) {
	db := openTestDB(t)
	q := db.Queries()
	ctx := context.Background()
	b := &recordingBus{}
	o, rb := newTestRouter(t, db, b)

	batchID, err := q.CreateBatch(ctx, rb.ID, timePtr(time.Now()), true, nil)
	require.NoError(t, err)
	memberID, err := q.InsertBatchMember(ctx, batchID, "a@x.com", `{}`)
	require.NoError(t, err)
	phaseID, err := q.InsertPhaseExecution(ctx, batchID, "welcome", 0, timePtr(time.Now()), rb.Version)
	require.NoError(t, err)

	stepID, err := q.InsertStepExecution(ctx, store.StepExecutionSpec{
		PhaseExecutionID: phaseID, BatchMemberID: memberID, StepName: "send", StepIndex: 0,
		WorkerID: "worker-1", FunctionName: "Send", ParamsJSON: `{}`, MaxRetries: 3,
	})
	require.NoError(t, err)
	_, err = q.DispatchStepExecution(ctx, stepID, "job-1")
	require.NoError(t, err)
	msg := "boom"
	_, err = q.CompleteStepExecution(ctx, stepID, store.StepFailed, nil, &msg)
	require.NoError(t, err)
	ok, err := q.SetRetryPending(ctx, stepID, time.Now(), store.StepFailed)
	require.NoError(t, err)
	require.True(t, ok)

	event := bus.RetryCheckEvent{StepExecutionID: stepID, IsInitStep: false}
	require.NoError(t, o.handleRetryCheck(ctx, mustMarshal(t, event)))

	step, err := q.GetStepExecution(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, store.StepDispatched, step.Status)
	require.Len(t, b.jobs(bus.TopicWorkerJobs), 1)
}

func TestHandleRetryCheck_IgnoresManuallyCancelledRetry(t *testing.T) {
	db := openTestDB(t)
	q := db.Queries()
	ctx := context.Background()
	b := &recordingBus{}
	o, rb := newTestRouter(t, db, b)

	batchID, err := q.CreateBatch(ctx, rb.ID, timePtr(time.Now()), true, nil)
	require.NoError(t, err)
	memberID, err := q.InsertBatchMember(ctx, batchID, "a@x.com", `{}`)
	require.NoError(t, err)
	phaseID, err := q.InsertPhaseExecution(ctx, batchID, "welcome", 0, timePtr(time.Now()), rb.Version)
	require.NoError(t, err)

	stepID, err := q.InsertStepExecution(ctx, store.StepExecutionSpec{
		PhaseExecutionID: phaseID, BatchMemberID: memberID, StepName: "send", StepIndex: 0,
		WorkerID: "worker-1", FunctionName: "Send", ParamsJSON: `{}`,
	})
	require.NoError(t, err)
	_, err = q.CancelStepExecution(ctx, stepID)
	require.NoError(t, err)

	event := bus.RetryCheckEvent{StepExecutionID: stepID, IsInitStep: false}
	require.NoError(t, o.handleRetryCheck(ctx, mustMarshal(t, event)))
	require.Empty(t, b.jobs(bus.TopicWorkerJobs))
}

func TestHandleWorkerResult_SuccessProgressesMember(t *testing.T) {
	db := openTestDB(t)
	q := db.Queries()
	ctx := context.Background()
	b := &recordingBus{}
	o, rb := newTestRouter(t, db, b)

	batchID, err := q.CreateBatch(ctx, rb.ID, timePtr(time.Now()), true, nil)
	require.NoError(t, err)
	memberID, err := q.InsertBatchMember(ctx, batchID, "a@x.com", `{"email":"a@x.com"}`)
	require.NoError(t, err)
	phaseID, err := q.InsertPhaseExecution(ctx, batchID, "welcome", 0, timePtr(time.Now()), rb.Version)
	require.NoError(t, err)
	_, err = q.TransitionPhaseStatus(ctx, phaseID, store.PhaseDispatched, store.PhasePending)
	require.NoError(t, err)

	stepID, err := q.InsertStepExecution(ctx, store.StepExecutionSpec{
		PhaseExecutionID: phaseID, BatchMemberID: memberID, StepName: "send", StepIndex: 0,
		WorkerID: "worker-1", FunctionName: "Send", ParamsJSON: `{}`,
	})
	require.NoError(t, err)
	_, err = q.DispatchStepExecution(ctx, stepID, "job-1")
	require.NoError(t, err)

	msg := bus.Message{
		Topic: bus.TopicWorkerResults,
		Body: mustMarshal(t, bus.WorkerResult{
			JobID:  "job-1",
			Status: bus.ResultSuccess,
			Result: map[string]any{"messageId": "m-123"},
			CorrelationData: bus.CorrelationData{
				StepExecutionID: stepID, RunbookName: rb.Name, RunbookVersion: rb.Version,
			},
		}),
	}
	require.NoError(t, o.handleWorkerResult(ctx, msg))

	step, err := q.GetStepExecution(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, store.StepSucceeded, step.Status)

	// followUp (step index 1) should now be dispatched by
	// CheckMemberProgression.
	steps, err := q.ListStepExecutionsForMember(ctx, phaseID, memberID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, store.StepDispatched, steps[1].Status)
}

func TestHandleWorkerResult_IgnoresFireAndForgetSentinel(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := &recordingBus{}
	o, _ := newTestRouter(t, db, b)

	msg := bus.Message{
		Topic: bus.TopicWorkerResults,
		Body: mustMarshal(t, bus.WorkerResult{
			JobID:  "fire-worker-1-1-12345",
			Status: bus.ResultSuccess,
		}),
	}
	// CorrelationData.StepExecutionId defaults to zero, the
	// fire-and-forget sentinel: nothing to look up, nothing to error on.
	require.NoError(t, o.handleWorkerResult(ctx, msg))
	require.Empty(t, b.jobs(bus.TopicWorkerJobs))
}

func TestHandleWorkerResult_FailureExhaustedRetriesIsolatesMember(t *testing.T) {
	db := openTestDB(t)
	q := db.Queries()
	ctx := context.Background()
	b := &recordingBus{}
	o, rb := newTestRouter(t, db, b)

	batchID, err := q.CreateBatch(ctx, rb.ID, timePtr(time.Now()), true, nil)
	require.NoError(t, err)
	memberID, err := q.InsertBatchMember(ctx, batchID, "a@x.com", `{"email":"a@x.com"}`)
	require.NoError(t, err)
	phaseID, err := q.InsertPhaseExecution(ctx, batchID, "welcome", 0, timePtr(time.Now()), rb.Version)
	require.NoError(t, err)

	onFailure := "undoSend"
	stepID, err := q.InsertStepExecution(ctx, store.StepExecutionSpec{
		PhaseExecutionID: phaseID, BatchMemberID: memberID, StepName: "send", StepIndex: 0,
		WorkerID: "worker-1", FunctionName: "Send", ParamsJSON: `{}`,
		OnFailure: &onFailure, MaxRetries: 0,
	})
	require.NoError(t, err)
	_, err = q.DispatchStepExecution(ctx, stepID, "job-1")
	require.NoError(t, err)

	msg := bus.Message{
		Topic: bus.TopicWorkerResults,
		Body: mustMarshal(t, bus.WorkerResult{
			JobID:           "job-1",
			Status:          bus.ResultFailure,
			Error:           &bus.WorkerResultError{Message: "send failed"},
			CorrelationData: bus.CorrelationData{StepExecutionID: stepID, RunbookName: rb.Name, RunbookVersion: rb.Version},
		}),
	}
	require.NoError(t, o.handleWorkerResult(ctx, msg))

	step, err := q.GetStepExecution(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, store.StepFailed, step.Status)

	member, err := q.GetBatchMember(ctx, memberID)
	require.NoError(t, err)
	require.Equal(t, store.MemberFailed, member.Status)

	jobs := b.jobs(bus.TopicWorkerJobs)
	require.Len(t, jobs, 1)
	var job bus.WorkerJob
	require.NoError(t, json.Unmarshal(jobs[0].body, &job))
	require.Equal(t, "UndoSend", job.FunctionName)
}

func TestHandleWorkerResult_FailureWithRetriesRemainingSchedulesRetry(t *testing.T) {
	db := openTestDB(t)
	q := db.Queries()
	ctx := context.Background()
	b := &recordingBus{}
	o, rb := newTestRouter(t, db, b)

	batchID, err := q.CreateBatch(ctx, rb.ID, timePtr(time.Now()), true, nil)
	require.NoError(t, err)
	memberID, err := q.InsertBatchMember(ctx, batchID, "a@x.com", `{"email":"a@x.com"}`)
	require.NoError(t, err)
	phaseID, err := q.InsertPhaseExecution(ctx, batchID, "welcome", 0, timePtr(time.Now()), rb.Version)
	require.NoError(t, err)

	stepID, err := q.InsertStepExecution(ctx, store.StepExecutionSpec{
		PhaseExecutionID: phaseID, BatchMemberID: memberID, StepName: "send", StepIndex: 0,
		WorkerID: "worker-1", FunctionName: "Send", ParamsJSON: `{}`,
		MaxRetries: 3, RetryIntervalSec: 30,
	})
	require.NoError(t, err)
	_, err = q.DispatchStepExecution(ctx, stepID, "job-1")
	require.NoError(t, err)

	msg := bus.Message{
		Topic: bus.TopicWorkerResults,
		Body: mustMarshal(t, bus.WorkerResult{
			JobID:           "job-1",
			Status:          bus.ResultFailure,
			Error:           &bus.WorkerResultError{Message: "transient"},
			CorrelationData: bus.CorrelationData{StepExecutionID: stepID, RunbookName: rb.Name, RunbookVersion: rb.Version},
		}),
	}
	require.NoError(t, o.handleWorkerResult(ctx, msg))

	step, err := q.GetStepExecution(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, store.StepPending, step.Status)
	require.Equal(t, 1, step.RetryCount)
	require.NotNil(t, step.RetryAfter)

	retryChecks := b.jobs(bus.TopicOrchestratorEvents)
	require.Len(t, retryChecks, 1)
	require.Equal(t, string(bus.MessageTypeRetryCheck), retryChecks[0].appProps[bus.PropMessageType])
}
