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

// Package runbooks implements batchctl's `runbooks` subcommand: listing
// active runbooks and their overdue-behavior/error state.
package runbooks

import (
	"fmt"
	"text/tabwriter"

	"os"

	"github.com/batchwright/batchwright/internal/commands/ctlshared"
	"github.com/spf13/cobra"
)

// NewCommand builds the `runbooks` command and its subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runbooks",
		Short: "Inspect published runbooks",
	}
	cmd.AddCommand(newListCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active runbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeDB, err := ctlshared.OpenStore()
			if err != nil {
				return err
			}
			defer closeDB()

			rbs, err := q.ListActiveRunbooks(cmd.Context())
			if err != nil {
				return fmt.Errorf("list runbooks: %w", err)
			}

			if ctlshared.GetJSON() {
				return ctlshared.EmitJSON(rbs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tOVERDUE\tLAST ERROR")
			for _, rb := range rbs {
				lastErr := ""
				if rb.LastError != nil {
					lastErr = *rb.LastError
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", rb.Name, rb.Version, rb.OverdueBehavior, lastErr)
			}
			return w.Flush()
		},
	}
}
