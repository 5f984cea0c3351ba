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

// Package datasource defines the pluggable query interface the scheduler
// uses to fetch batch-membership rows, with two registered HTTP-backed
// drivers (dataverse, databricks). Neither driver is a full client for its
// named service: both are thin JSON-over-HTTP query runners parameterized
// by the runbook's connection/warehouse_id configuration, consistent with
// "surfaced only as a pluggable query interface" in the Non-goals.
package datasource

import (
	"context"
	"fmt"
)

// Row is one result row, column name (case preserved as returned by the
// driver; callers compare case-insensitively) to raw string value.
type Row map[string]string

// RowIter streams query results without buffering the whole result set,
// since a query's row count may run into the thousands.
type RowIter interface {
	Next(ctx context.Context) (Row, bool, error)
	Close() error
}

// Driver executes a runbook's configured query against a named
// connection, returning a streaming result.
type Driver interface {
	Query(ctx context.Context, connection, warehouseID, query string) (RowIter, error)
}

// registry is the process-wide set of registered drivers, populated by
// each driver's own init() via Register, mirroring the teacher's
// connector-package registration pattern.
var registry = map[string]Driver{}

// Register adds a driver under name, panicking on a duplicate
// registration (a programming error, not a runtime condition).
func Register(name string, d Driver) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("datasource: driver %q already registered", name))
	}
	registry[name] = d
}

// Get looks up a registered driver by name.
func Get(name string) (Driver, error) {
	d, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("datasource: no driver registered for %q", name)
	}
	return d, nil
}
