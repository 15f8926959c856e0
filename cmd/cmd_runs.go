// cmd_runs.go - Aufgezeichnete Trainings- und Merge-Laeufe anzeigen
// Hauptfunktionen: RunsHandler, newRunsCmd
package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mini-helper/lorakit/runs"
)

// RunsHandler - Listet Laeufe (neueste zuerst) oder zeigt einen einzelnen
func RunsHandler(cmd *cobra.Command, args []string) error {
	reg, err := runs.Open(runs.DefaultPath())
	if err != nil {
		return err
	}
	defer reg.Close()

	w := cmd.OutOrStdout()
	if len(args) == 1 {
		r, err := reg.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "id:       %s\nkind:     %s\nstatus:   %s\nbase:     %s\n", r.ID, r.Kind, r.Status, r.Base)
		if r.Data != "" {
			fmt.Fprintf(w, "data:     %s\n", r.Data)
		}
		if r.Adapter != "" {
			fmt.Fprintf(w, "adapter:  %s\n", r.Adapter)
		}
		fmt.Fprintf(w, "out:      %s\nstarted:  %s\nduration: %s\n", r.Out, r.Started.Local().Format(time.DateTime), r.Duration().Round(time.Second))
		if r.Steps > 0 {
			fmt.Fprintf(w, "steps:    %d\nloss:     %.4f\n", r.Steps, r.FinalLoss)
		}
		if r.Upload != "" {
			fmt.Fprintf(w, "upload:   %s\n", r.Upload)
		}
		if r.Error != "" {
			fmt.Fprintf(w, "error:    %s\n", r.Error)
		}
		return nil
	}

	list, err := reg.List()
	if err != nil {
		return err
	}

	limit, _ := cmd.Flags().GetInt("limit")
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}

	var data [][]string
	for _, r := range list {
		var steps, loss string
		if r.Kind == runs.KindTrain && r.Steps > 0 {
			steps, loss = strconv.Itoa(r.Steps), strconv.FormatFloat(r.FinalLoss, 'f', 4, 64)
		}
		data = append(data, []string{
			r.ID[:min(8, len(r.ID))],
			string(r.Kind),
			string(r.Status),
			r.Base,
			r.Out,
			steps,
			loss,
			r.Started.Local().Format(time.DateTime),
			r.Duration().Round(time.Second).String(),
		})
	}

	renderTable(w, []string{"ID", "KIND", "STATUS", "BASE", "OUT", "STEPS", "LOSS", "STARTED", "DURATION"}, data)
	return nil
}

// newRunsCmd - Erstellt den runs Command
func newRunsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "runs [ID]",
		Short: "List recorded train and merge runs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  RunsHandler,
	}

	c.Flags().Int("limit", 20, "Maximum number of runs to list (0 for all)")

	return c
}
