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

// Package store implements the relational repositories shared by the
// scheduler and orchestrator: runbooks, batches, members, phase/step/init
// executions, and the SQL-backed message bus table.
package store

import "time"

// Runbook status/version-transition policy.
type OverdueBehavior string

const (
	OverdueRerun  OverdueBehavior = "rerun"
	OverdueIgnore OverdueBehavior = "ignore"
)

// Runbook holds a published version of a runbook definition. At most one
// version per Name has IsActive=true.
type Runbook struct {
	ID                   int64           `db:"id"`
	Name                 string          `db:"name"`
	Version              int64           `db:"version"`
	YAML                 string          `db:"yaml"`
	IsActive             bool            `db:"is_active"`
	OverdueBehavior      OverdueBehavior `db:"overdue_behavior"`
	IgnoreOverdueApplied bool            `db:"ignore_overdue_applied"`
	RerunInit            bool            `db:"rerun_init"`
	LastError            *string         `db:"last_error"`
	LastErrorAt          *time.Time      `db:"last_error_at"`
	CreatedAt            time.Time       `db:"created_at"`
}

// AutomationSettings toggles new-batch creation for a runbook by name.
// Existing batches continue running when Enabled flips to false.
type AutomationSettings struct {
	RunbookName string    `db:"runbook_name"`
	Enabled     bool      `db:"enabled"`
	UpdatedAt   time.Time `db:"updated_at"`
	UpdatedBy   string    `db:"updated_by"`
}

// Batch status lifecycle.
type BatchStatus string

const (
	BatchDetected       BatchStatus = "detected"
	BatchInitDispatched BatchStatus = "init_dispatched"
	BatchActive         BatchStatus = "active"
	BatchCompleted      BatchStatus = "completed"
	BatchFailed         BatchStatus = "failed"
)

// IsTerminal reports whether s is one of the terminal batch states.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchFailed:
		return true
	default:
		return false
	}
}

// Batch is one migration run for a runbook, grouped by BatchStartTime (or
// manual creation).
type Batch struct {
	ID             int64       `db:"id"`
	RunbookID      int64       `db:"runbook_id"`
	BatchStartTime *time.Time  `db:"batch_start_time"`
	IsManual       bool        `db:"is_manual"`
	Status         BatchStatus `db:"status"`
	CurrentPhase   *string     `db:"current_phase"`
	CreatedBy      *string     `db:"created_by"`
	CreatedAt      time.Time   `db:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at"`
}

// BatchMember status lifecycle.
type MemberStatus string

const (
	MemberActive  MemberStatus = "active"
	MemberRemoved MemberStatus = "removed"
	MemberFailed  MemberStatus = "failed"
)

// BatchMember is one data-source row tracked through a batch's phases.
type BatchMember struct {
	ID             int64        `db:"id"`
	BatchID        int64        `db:"batch_id"`
	MemberKey      string       `db:"member_key"`
	DataJSON       string       `db:"data_json"`
	WorkerDataJSON string       `db:"worker_data_json"`
	Status         MemberStatus `db:"status"`
	// Version is the optimistic-concurrency column guarding WorkerDataJSON
	// read-modify-write merges against concurrent step successes.
	Version   int64      `db:"version"`
	RemovedAt *time.Time `db:"removed_at"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

// PhaseExecution status lifecycle.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseDispatched PhaseStatus = "dispatched"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSkipped    PhaseStatus = "skipped"
	PhaseSuperseded PhaseStatus = "superseded"
)

// IsTerminal reports whether s is one of the terminal phase states.
func (s PhaseStatus) IsTerminal() bool {
	switch s {
	case PhaseCompleted, PhaseFailed, PhaseSkipped, PhaseSuperseded:
		return true
	default:
		return false
	}
}

// PhaseExecution is one (Batch, PhaseName) instance, ordered by OffsetMinutes.
type PhaseExecution struct {
	ID             int64       `db:"id"`
	BatchID        int64       `db:"batch_id"`
	PhaseName      string      `db:"phase_name"`
	OffsetMinutes  int64       `db:"offset_minutes"`
	DueAt          *time.Time  `db:"due_at"`
	RunbookVersion int64       `db:"runbook_version"`
	Status         PhaseStatus `db:"status"`
	CreatedAt      time.Time   `db:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at"`
}

// StepStatus is shared between StepExecution and InitExecution.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepDispatched  StepStatus = "dispatched"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepPolling     StepStatus = "polling"
	StepPollTimeout StepStatus = "poll_timeout"
	StepCancelled   StepStatus = "cancelled"
)

// TerminalStepStatuses are step states guarded updates never rewrite.
var TerminalStepStatuses = []StepStatus{StepSucceeded, StepPollTimeout, StepCancelled, StepFailed}

// IsTerminal reports whether s is one of the terminal step states.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepPollTimeout, StepCancelled, StepFailed:
		return true
	default:
		return false
	}
}

// StepExecution is one (PhaseExecution, BatchMember, StepIndex) dispatch.
type StepExecution struct {
	ID               int64      `db:"id"`
	PhaseExecutionID int64      `db:"phase_execution_id"`
	BatchMemberID    int64      `db:"batch_member_id"`
	StepName         string     `db:"step_name"`
	StepIndex        int        `db:"step_index"`
	WorkerID         string     `db:"worker_id"`
	FunctionName     string     `db:"function_name"`
	ParamsJSON       string     `db:"params_json"`
	Status           StepStatus `db:"status"`
	JobID            string     `db:"job_id"`
	ResultJSON       *string    `db:"result_json"`
	ErrorMessage     *string    `db:"error_message"`

	IsPollStep      bool       `db:"is_poll_step"`
	PollIntervalSec int        `db:"poll_interval_sec"`
	PollTimeoutSec  int        `db:"poll_timeout_sec"`
	PollStartedAt   *time.Time `db:"poll_started_at"`
	LastPolledAt    *time.Time `db:"last_polled_at"`
	PollCount       int        `db:"poll_count"`

	OnFailure        *string    `db:"on_failure"`
	RetryCount       int        `db:"retry_count"`
	MaxRetries       int        `db:"max_retries"`
	RetryIntervalSec int        `db:"retry_interval_sec"`
	RetryAfter       *time.Time `db:"retry_after"`

	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// InitExecution mirrors StepExecution but is keyed by (BatchID,
// RunbookVersion, StepIndex) — one row per init step per batch per
// version, not per member.
type InitExecution struct {
	ID             int64      `db:"id"`
	BatchID        int64      `db:"batch_id"`
	RunbookVersion int64      `db:"runbook_version"`
	StepName       string     `db:"step_name"`
	StepIndex      int        `db:"step_index"`
	WorkerID       string     `db:"worker_id"`
	FunctionName   string     `db:"function_name"`
	ParamsJSON     string     `db:"params_json"`
	Status         StepStatus `db:"status"`
	JobID          string     `db:"job_id"`
	ResultJSON     *string    `db:"result_json"`
	ErrorMessage   *string    `db:"error_message"`

	IsPollStep      bool       `db:"is_poll_step"`
	PollIntervalSec int        `db:"poll_interval_sec"`
	PollTimeoutSec  int        `db:"poll_timeout_sec"`
	PollStartedAt   *time.Time `db:"poll_started_at"`
	LastPolledAt    *time.Time `db:"last_polled_at"`
	PollCount       int        `db:"poll_count"`

	OnFailure        *string    `db:"on_failure"`
	RetryCount       int        `db:"retry_count"`
	MaxRetries       int        `db:"max_retries"`
	RetryIntervalSec int        `db:"retry_interval_sec"`
	RetryAfter       *time.Time `db:"retry_after"`

	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// RunbookError is one audit row recorded for a scheduler tick failure on a
// runbook (data-source error or parse error), supplementing the bare
// LastError/LastErrorAt columns on Runbook with history.
type RunbookError struct {
	ID          int64     `db:"id"`
	RunbookName string    `db:"runbook_name"`
	Message     string    `db:"message"`
	OccurredAt  time.Time `db:"occurred_at"`
}
