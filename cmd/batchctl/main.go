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

// Command batchctl is a read-only operational CLI over the batchwright
// store: it lists runbooks, batches, and members for operators, standing
// in for the read surface an admin HTTP API would otherwise expose.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/batchwright/batchwright/internal/commands/batches"
	"github.com/batchwright/batchwright/internal/commands/ctlshared"
	"github.com/batchwright/batchwright/internal/commands/members"
	"github.com/batchwright/batchwright/internal/commands/runbooks"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "batchctl",
		Short:         "Inspect batchwright runbooks, batches, and members",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	jsonFlag, configFlag := ctlshared.RegisterFlagPointers()
	root.PersistentFlags().BoolVar(jsonFlag, "json", false, "emit JSON instead of a table")
	root.PersistentFlags().StringVar(configFlag, "config", "", "path to config file")

	root.AddCommand(runbooks.NewCommand())
	root.AddCommand(batches.NewCommand())
	root.AddCommand(members.NewCommand())

	return root
}
