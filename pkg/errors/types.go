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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "tool", "connector")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// TransientError represents a retryable infrastructure failure: bus,
// SQL, or an outbound HTTP call to a data source. The caller should let
// the message redeliver rather than treat this as a terminal outcome.
type TransientError struct {
	// Op names the operation that failed (e.g., "bus.publish", "db.query").
	Op string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error in %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// DataSourceError represents a failure querying a runbook's data source
// (Dataverse/Databricks). It is recorded on the runbook and the runbook
// is skipped for the remainder of the tick; other runbooks proceed.
type DataSourceError struct {
	// RunbookName identifies the runbook whose data-source query failed.
	RunbookName string

	// DriverType is "dataverse" or "databricks".
	DriverType string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *DataSourceError) Error() string {
	return fmt.Sprintf("data source error for runbook %s (%s): %v", e.RunbookName, e.DriverType, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DataSourceError) Unwrap() error {
	return e.Cause
}

// TemplateResolutionError represents a per-member, per-step failure to
// resolve a {{var}} reference. Only the affected member's step is marked
// failed; other members are unaffected.
type TemplateResolutionError struct {
	// VarName is the unresolved template variable.
	VarName string

	// StepName identifies the step whose function/params referenced it.
	StepName string
}

// Error implements the error interface.
func (e *TemplateResolutionError) Error() string {
	return fmt.Sprintf("unresolved variable %s in step %s", e.VarName, e.StepName)
}

// WorkerFailureError wraps a failure reported by a remote worker via
// worker-results, carrying enough detail to drive the retry/rollback path.
type WorkerFailureError struct {
	// Message is the worker-reported error message.
	Message string

	// Type is the worker-reported error type/class.
	Type string

	// IsThrottled indicates the worker asked for backoff.
	IsThrottled bool

	// Attempts is the worker-side attempt count for this job.
	Attempts int
}

// Error implements the error interface.
func (e *WorkerFailureError) Error() string {
	return fmt.Sprintf("worker reported failure (%s): %s", e.Type, e.Message)
}

// InvariantViolationError represents a guarded update that affected zero
// rows when a transition was expected. This is logged and ignored: it
// indicates a harmless race between two deliveries, not a data bug.
type InvariantViolationError struct {
	// Entity names the table/aggregate (e.g., "step_execution").
	Entity string

	// ID is the row identifier involved.
	ID string

	// Expected describes the transition that did not apply.
	Expected string
}

// Error implements the error interface.
func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("guarded update did not apply: %s %s expected %s", e.Entity, e.ID, e.Expected)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "api_key", "database.host")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "LLM request", "workflow step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
