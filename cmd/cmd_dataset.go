// cmd_dataset.go - CSV -> JSONL Konvertierung
// Hauptfunktionen: MakeJSONLHandler, newMakeJSONLCmd
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mini-helper/lorakit/dataset"
)

// MakeJSONLHandler - Schreibt den Trainingskorpus aus der CSV-Datei
func MakeJSONLHandler(cmd *cobra.Command, _ []string) error {
	src, _ := cmd.Flags().GetString("in")
	dst, _ := cmd.Flags().GetString("out")

	opts := dataset.DefaultOptions()
	opts.ContextColumn, _ = cmd.Flags().GetString("context-column")
	opts.ResponseColumn, _ = cmd.Flags().GetString("response-column")
	opts.System, _ = cmd.Flags().GetString("system")

	stats, err := dataset.ConvertFile(src, dst, opts)
	if err != nil {
		return err
	}

	slog.Debug("converted csv", "rows", stats.Rows, "written", stats.Written, "skipped", stats.Skipped)
	fmt.Fprintln(cmd.OutOrStdout(), "Wrote", dst)
	return nil
}

// newMakeJSONLCmd - Erstellt den make-jsonl Command
func newMakeJSONLCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "make-jsonl",
		Short: "Convert a CSV of Context/Response pairs into a JSONL chat corpus",
		Args:  cobra.NoArgs,
		RunE:  MakeJSONLHandler,
	}

	c.Flags().String("in", dataset.DefaultSource, "CSV file to read")
	c.Flags().String("out", dataset.DefaultDestination, "JSONL file to write")
	c.Flags().String("context-column", dataset.DefaultContextColumn, "Column holding the user message")
	c.Flags().String("response-column", dataset.DefaultResponseColumn, "Column holding the assistant message")
	c.Flags().String("system", "", "Optional system prompt inserted before every conversation")

	return c
}
