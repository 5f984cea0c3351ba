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

package bus

import "strconv"

// MessageType is the orchestrator-events app property distinguishing the
// six event kinds the scheduler and orchestrator pass between themselves.
type MessageType string

const (
	MessageTypeBatchInit     MessageType = "batch-init"
	MessageTypePhaseDue      MessageType = "phase-due"
	MessageTypeMemberAdded   MessageType = "member-added"
	MessageTypeMemberRemoved MessageType = "member-removed"
	MessageTypePollCheck     MessageType = "poll-check"
	MessageTypeRetryCheck    MessageType = "retry-check"
)

// AppProperties key names, fixed by the external interface.
const (
	PropMessageType = "message_type"
	PropWorkerID    = "worker_id"
)

// BatchInitEvent is the body of a batch-init orchestrator-events message.
type BatchInitEvent struct {
	BatchID        int64  `json:"BatchId"`
	RunbookName    string `json:"RunbookName"`
	RunbookVersion int64  `json:"RunbookVersion"`
}

// PhaseDueEvent is the body of a phase-due orchestrator-events message.
type PhaseDueEvent struct {
	BatchID          int64  `json:"BatchId"`
	RunbookName      string `json:"RunbookName"`
	RunbookVersion   int64  `json:"RunbookVersion"`
	PhaseName        string `json:"PhaseName"`
	PhaseExecutionID int64  `json:"PhaseExecutionId"`
}

// MemberAddedEvent is the body of a member-added orchestrator-events message.
type MemberAddedEvent struct {
	BatchID       int64  `json:"BatchId"`
	MemberKey     string `json:"MemberKey"`
	BatchMemberID int64  `json:"BatchMemberId"`
}

// MemberRemovedEvent is the body of a member-removed orchestrator-events
// message.
type MemberRemovedEvent struct {
	BatchID       int64  `json:"BatchId"`
	MemberKey     string `json:"MemberKey"`
	BatchMemberID int64  `json:"BatchMemberId"`
}

// PollCheckEvent is the body of a poll-check orchestrator-events message.
type PollCheckEvent struct {
	StepExecutionID int64 `json:"StepExecutionId"`
	IsInitStep      bool  `json:"IsInitStep"`
}

// RetryCheckEvent is the body of a retry-check orchestrator-events message.
type RetryCheckEvent struct {
	StepExecutionID int64 `json:"StepExecutionId"`
	IsInitStep      bool  `json:"IsInitStep"`
}

// CorrelationData rides inside worker-jobs and worker-results bodies so a
// result can be routed back to the step execution that spawned the job.
type CorrelationData struct {
	StepExecutionID int64  `json:"StepExecutionId"`
	IsInitStep      bool   `json:"IsInitStep"`
	RunbookName     string `json:"RunbookName"`
	RunbookVersion  int64  `json:"RunbookVersion"`
}

// WorkerJob is the body of a worker-jobs message.
type WorkerJob struct {
	JobID           string          `json:"JobId"`
	BatchID         *int64          `json:"BatchId"`
	WorkerID        string          `json:"WorkerId"`
	FunctionName    string          `json:"FunctionName"`
	Parameters      map[string]any  `json:"Parameters"`
	CorrelationData CorrelationData `json:"CorrelationData"`
}

// ResultStatus is the worker-results Status field.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "Success"
	ResultFailure ResultStatus = "Failure"
)

// ResultType describes the shape of WorkerResult.Result.
type ResultType string

const (
	ResultTypeBoolean ResultType = "Boolean"
	ResultTypeObject  ResultType = "Object"
)

// WorkerResultError is the worker-results Error field, present only on
// failure.
type WorkerResultError struct {
	Message     string `json:"Message"`
	Type        string `json:"Type"`
	IsThrottled bool   `json:"IsThrottled"`
	Attempts    int    `json:"Attempts"`
}

// WorkerResult is the body of a worker-results message.
type WorkerResult struct {
	JobID           string             `json:"JobId"`
	Status          ResultStatus       `json:"Status"`
	ResultType      *ResultType        `json:"ResultType"`
	Result          any                `json:"Result"`
	Error           *WorkerResultError `json:"Error"`
	DurationMs      int64              `json:"DurationMs"`
	Timestamp       int64              `json:"Timestamp"`
	CorrelationData CorrelationData    `json:"CorrelationData"`
}

// Job ID formats, fixed by the external interface so the bus's 10-minute
// duplicate-detection window collapses redundant redeliveries.
func StepJobID(stepExecutionID int64, retryCount int) string {
	if retryCount == 0 {
		return formatJobID("step", stepExecutionID, "attempt", 1)
	}
	return formatJobID("step", stepExecutionID, "retry", retryCount)
}

func InitJobID(initExecutionID int64, retryCount int) string {
	if retryCount == 0 {
		return formatJobID("init", initExecutionID, "attempt", 1)
	}
	return formatJobID("init", initExecutionID, "retry", retryCount)
}

func formatJobID(kind string, id int64, suffix string, n int) string {
	return kind + "-" + strconv.FormatInt(id, 10) + "-" + suffix + "-" + strconv.Itoa(n)
}
