// cmd_merge.go - Adapter in das Basismodell falten
// Hauptfunktionen: MergeHandler, newMergeCmd
package cmd

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/mini-helper/lorakit/convert"
	"github.com/mini-helper/lorakit/huggingface"
	"github.com/mini-helper/lorakit/runs"
)

// MergeHandler - Loest die Basis auf, merged den Adapter und zeichnet den Lauf auf
func MergeHandler(cmd *cobra.Command, _ []string) error {
	base, _ := cmd.Flags().GetString("base")
	adapter, _ := cmd.Flags().GetString("adapter")
	out, _ := cmd.Flags().GetString("out")
	forceCPU, _ := cmd.Flags().GetBool("force-cpu")
	upload, _ := cmd.Flags().GetString("upload")

	rec := startRun(runs.Run{
		Kind:    runs.KindMerge,
		Base:    base,
		Adapter: adapter,
		Out:     out,
		Upload:  upload,
	})

	err := merge(cmd, base, adapter, out, forceCPU)
	if err == nil && upload != "" {
		err = uploadDir(cmd.Context(), cmd.OutOrStdout(), upload, out)
	}

	rec.finish(err, nil)
	return err
}

func merge(cmd *cobra.Command, base, adapter, out string, forceCPU bool) error {
	progress, done := downloadProgress("pulling " + base)
	baseDir, err := huggingface.Resolve(cmd.Context(), base, huggingface.ResolveOptions{Progress: progress})
	done()
	if err != nil {
		return fmt.Errorf("resolve base model: %w", err)
	}

	var bar *progressbar.ProgressBar
	_, err = convert.Merge(cmd.Context(), convert.MergeOptions{
		Base:     baseDir,
		BaseName: base,
		Adapter:  adapter,
		Out:      out,
		ForceCPU: forceCPU,
		Status: func(s string) {
			fmt.Fprintln(cmd.OutOrStdout(), s)
		},
		Progress: func(n, total int) {
			if bar == nil {
				bar = newProgressBar(int64(total), "writing tensors", false)
			}
			_ = bar.Set(n)
		},
	})
	if bar != nil {
		_ = bar.Finish()
	}
	return err
}

// newMergeCmd - Erstellt den merge Command
func newMergeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "merge",
		Short: "Merge a LoRA adapter into its base model",
		Args:  cobra.NoArgs,
		RunE:  MergeHandler,
	}

	c.Flags().String("base", "", "Base model id/path (e.g. Qwen/Qwen2.5-1.5B-Instruct)")
	c.Flags().String("adapter", "", "LoRA folder (adapter_config.json + adapter_model.safetensors)")
	c.Flags().String("out", "merged-model", "Output dir")
	c.Flags().Bool("force-cpu", false, "Merge on CPU (safest on macOS)")
	c.Flags().String("upload", "", "Upload the merged model afterwards (s3://bucket/prefix or a directory)")
	_ = c.MarkFlagRequired("base")
	_ = c.MarkFlagRequired("adapter")

	return c
}
