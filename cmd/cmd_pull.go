// cmd_pull.go - Basismodelle vom Hugging Face Hub holen und auflisten
// Hauptfunktionen: PullHandler, ListHandler, newPullCmd, newListCmd
package cmd

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mini-helper/lorakit/huggingface"
)

// PullHandler - Laedt config, Tokenizer und Gewichte eines Modells in den Hub-Cache
func PullHandler(cmd *cobra.Command, args []string) error {
	revision, _ := cmd.Flags().GetString("revision")
	parallel, _ := cmd.Flags().GetInt("parallel")

	progress, done := downloadProgress("pulling " + args[0])
	result, err := huggingface.NewClient().DownloadModel(cmd.Context(), args[0],
		huggingface.WithDownloadRevision(cmp.Or(revision, "main")),
		huggingface.WithIncludePatterns(huggingface.ModelFilePatterns...),
		huggingface.WithDownloadParallelism(parallel),
		huggingface.WithDownloadProgress(progress),
	)
	done()
	if err != nil {
		return err
	}

	var cached int
	for _, f := range result.Files {
		if f.FromCache {
			cached++
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "pulled %s@%s: %d files (%d cached), %s in %s\n",
		result.ModelID, result.Revision, len(result.Files), cached, humanBytes(result.TotalSize), result.DownloadTime.Round(time.Millisecond))
	fmt.Fprintln(cmd.OutOrStdout(), result.CachePath)
	return nil
}

// ListHandler - Zeigt die Modelle im Hub-Cache
func ListHandler(cmd *cobra.Command, args []string) error {
	info, err := huggingface.GetCacheInfo()
	if err != nil {
		return err
	}

	models := slices.SortedFunc(slices.Values(info.Models), func(a, b huggingface.CachedModel) int {
		return strings.Compare(a.ModelID, b.ModelID)
	})

	var data [][]string
	for _, m := range models {
		if len(args) == 0 || strings.HasPrefix(m.ModelID, args[0]) {
			data = append(data, []string{m.ModelID, strings.Join(m.Revisions, ","), humanBytes(m.TotalSize), fmt.Sprint(m.FileCount)})
		}
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"MODEL", "REVISIONS", "SIZE", "FILES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

// newPullCmd - Erstellt den pull Command
func newPullCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "pull MODEL",
		Short: "Pull a base model from the Hugging Face hub into the local cache",
		Args:  cobra.ExactArgs(1),
		RunE:  PullHandler,
	}

	c.Flags().String("revision", "", "Branch, tag or commit (default main)")
	c.Flags().Int("parallel", 0, "Number of concurrent file downloads")

	return c
}

// newListCmd - Erstellt den list Command
func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list [PREFIX]",
		Aliases: []string{"ls"},
		Short:   "List models in the Hugging Face cache",
		Args:    cobra.MaximumNArgs(1),
		RunE:    ListHandler,
	}
}
