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

// Package ctlshared holds the global flag state and output helpers
// batchctl's subcommand packages share, mirroring the teacher's
// internal/commands/shared package but scoped to a read-only CLI that
// talks to the store directly instead of an HTTP API.
package ctlshared

import (
	"context"
	"encoding/json"
	"os"

	"github.com/batchwright/batchwright/internal/config"
	"github.com/batchwright/batchwright/internal/store"
)

var (
	jsonFlag   bool
	configFlag string
)

// RegisterFlagPointers returns pointers to the global flag variables for
// binding on the root command.
func RegisterFlagPointers() (*bool, *string) {
	return &jsonFlag, &configFlag
}

// GetJSON reports whether subcommands should emit JSON instead of a
// table.
func GetJSON() bool {
	return jsonFlag
}

// GetConfigPath returns the configured config file path, possibly empty.
func GetConfigPath() string {
	return configFlag
}

// OpenStore loads configuration and opens the configured store, the
// setup every subcommand needs before it can query anything.
func OpenStore() (*store.Queries, func(), error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(context.Background(), store.Config{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return db.Queries(), func() { _ = db.Close() }, nil
}

// EmitJSON marshals v as indented JSON to stdout.
func EmitJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
