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

// Package members implements batchctl's `members` subcommand: listing a
// batch's members, optionally filtered by status.
package members

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/batchwright/batchwright/internal/commands/ctlshared"
	"github.com/batchwright/batchwright/internal/store"
	"github.com/spf13/cobra"
)

// NewCommand builds the `members` command and its subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Inspect batch members",
	}
	cmd.AddCommand(newListCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	var batchID int64
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List members of a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchID == 0 {
				return fmt.Errorf("members list: --batch is required")
			}
			q, closeDB, err := ctlshared.OpenStore()
			if err != nil {
				return err
			}
			defer closeDB()

			var statuses []store.MemberStatus
			if status != "" {
				statuses = []store.MemberStatus{store.MemberStatus(status)}
			}
			ms, err := q.ListBatchMembers(cmd.Context(), batchID, statuses...)
			if err != nil {
				return fmt.Errorf("list members for batch %d: %w", batchID, err)
			}

			if ctlshared.GetJSON() {
				return ctlshared.EmitJSON(ms)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMEMBER KEY\tSTATUS\tUPDATED")
			for _, m := range ms {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", m.ID, m.MemberKey, m.Status, m.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int64Var(&batchID, "batch", 0, "batch ID to list members for")
	cmd.Flags().StringVar(&status, "status", "", "filter by member status (active, removed, failed)")
	return cmd
}
