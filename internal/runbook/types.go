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

// Package runbook parses and validates the YAML runbook format: data
// source, init steps, phases, rollbacks, and the per-step retry/poll
// protocols.
package runbook

// MultiValueFormat names how a multi-valued column's text is split.
type MultiValueFormat string

const (
	SemicolonDelimited MultiValueFormat = "semicolon_delimited"
	CommaDelimited     MultiValueFormat = "comma_delimited"
	JSONArray          MultiValueFormat = "json_array"
)

// DataSourceType selects which internal/datasource driver serves a
// runbook's query.
type DataSourceType string

const (
	Dataverse  DataSourceType = "dataverse"
	Databricks DataSourceType = "databricks"
)

// MultiValuedColumn declares that a query result column holds several
// values packed into one string.
type MultiValuedColumn struct {
	Column string
	Format MultiValueFormat
}

// DataSource describes how the scheduler queries for batch membership.
type DataSource struct {
	Type               DataSourceType
	Connection         string // env var name holding the connection string
	WarehouseID        string // env var name; databricks only
	Query              string
	PrimaryKey         string
	BatchTimeColumn    string // mutually exclusive with BatchTimeImmediate
	BatchTimeImmediate bool
	MultiValuedColumns []MultiValuedColumn
}

// Retry is a step's (or the runbook's global) retry policy.
type Retry struct {
	MaxRetries int
	Interval   Duration
}

// Poll is a step's poll-until-complete protocol.
type Poll struct {
	Interval Duration
	Timeout  Duration
}

// Step is one unit of work within init, a phase, or on_member_removed.
type Step struct {
	Name         string
	WorkerID     string
	Function     string // may contain {{template}} references
	Params       map[string]string
	OutputParams map[string]string // template var -> result field name
	OnFailure    string            // rollback sequence name, validated to exist
	Poll         *Poll
	Retry        *Retry // step-level override; replaces the global retry entirely
}

// Phase is one scheduled wave of steps, offset from the batch start time.
type Phase struct {
	Name          string
	Offset        string // raw "T-<N><unit>" text
	OffsetMinutes int64  // parsed
	Steps         []Step
}

// Definition is the validated, in-memory form of a published runbook.
type Definition struct {
	Name            string
	Description     string
	DataSource      DataSource
	GlobalRetry     *Retry
	Init            []Step
	Phases          []Phase
	OnMemberRemoved []Step
	Rollbacks       map[string][]Step
}
