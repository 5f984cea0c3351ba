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

// Package batches implements batchctl's `batches` subcommand: listing the
// active batches for a runbook and showing one batch's current phase.
package batches

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/batchwright/batchwright/internal/commands/ctlshared"
	"github.com/spf13/cobra"
)

// NewCommand builds the `batches` command and its subcommands.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Inspect batches",
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	var runbookName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active batches for a runbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runbookName == "" {
				return fmt.Errorf("batches list: --runbook is required")
			}
			q, closeDB, err := ctlshared.OpenStore()
			if err != nil {
				return err
			}
			defer closeDB()

			rb, err := q.GetActiveRunbook(cmd.Context(), runbookName)
			if err != nil {
				return fmt.Errorf("resolve runbook %q: %w", runbookName, err)
			}

			bs, err := q.ListActiveBatches(cmd.Context(), rb.ID)
			if err != nil {
				return fmt.Errorf("list batches: %w", err)
			}

			if ctlshared.GetJSON() {
				return ctlshared.EmitJSON(bs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tCURRENT PHASE\tSTART TIME")
			for _, b := range bs {
				phase := ""
				if b.CurrentPhase != nil {
					phase = *b.CurrentPhase
				}
				start := ""
				if b.BatchStartTime != nil {
					start = b.BatchStartTime.Format("2006-01-02T15:04:05Z07:00")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", b.ID, b.Status, phase, start)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&runbookName, "runbook", "", "runbook name to list batches for")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show one batch and its phase executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			q, closeDB, err := ctlshared.OpenStore()
			if err != nil {
				return err
			}
			defer closeDB()

			batch, err := q.GetBatch(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("get batch %d: %w", id, err)
			}
			phases, err := q.ListPhaseExecutions(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("list phase executions for batch %d: %w", id, err)
			}

			if ctlshared.GetJSON() {
				return ctlshared.EmitJSON(struct {
					Batch  any `json:"batch"`
					Phases any `json:"phases"`
				}{batch, phases})
			}

			fmt.Printf("batch %d: status=%s\n", batch.ID, batch.Status)
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "PHASE\tOFFSET(MIN)\tSTATUS\tDUE AT")
			for _, p := range phases {
				due := ""
				if p.DueAt != nil {
					due = p.DueAt.Format("2006-01-02T15:04:05Z07:00")
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", p.PhaseName, p.OffsetMinutes, p.Status, due)
			}
			return w.Flush()
		},
	}
}

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid batch id %q: %w", s, err)
	}
	return id, nil
}
