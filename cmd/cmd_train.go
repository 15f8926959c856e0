// cmd_train.go - LoRA-Training
// Hauptfunktionen: TrainHandler, trainConfig, newTrainCmd
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mini-helper/lorakit/huggingface"
	"github.com/mini-helper/lorakit/runs"
	"github.com/mini-helper/lorakit/trainer"
)

// trainConfig - Baut die Konfiguration: Defaults, dann --config, dann
// explizit gesetzte Flags
func trainConfig(flags *pflag.FlagSet) (trainer.Config, error) {
	cfg := trainer.DefaultConfig()
	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if cfg, err = trainer.LoadConfig(path); err != nil {
			return cfg, err
		}
	}

	var errs []error
	set := func(name string, apply func() error) {
		if flags.Changed(name) {
			errs = append(errs, apply())
		}
	}

	set("base", func() (err error) { cfg.Model.Base, err = flags.GetString("base"); return })
	set("revision", func() (err error) { cfg.Model.Revision, err = flags.GetString("revision"); return })
	set("data", func() (err error) { cfg.Dataset.Path, err = flags.GetString("data"); return })
	set("out", func() (err error) { cfg.Training.OutputDir, err = flags.GetString("out"); return })
	set("epochs", func() (err error) { cfg.Training.NumTrainEpochs, err = flags.GetInt("epochs"); return })
	set("batch-size", func() (err error) { cfg.Training.PerDeviceTrainBatchSize, err = flags.GetInt("batch-size"); return })
	set("grad-accum", func() (err error) { cfg.Training.GradientAccumulationSteps, err = flags.GetInt("grad-accum"); return })
	set("lr", func() (err error) { cfg.Training.LearningRate, err = flags.GetFloat64("lr"); return })
	set("max-len", func() (err error) { cfg.Tokenizer.MaxLength, err = flags.GetInt("max-len"); return })
	set("seed", func() (err error) { cfg.Training.Seed, err = flags.GetInt("seed"); return })
	set("template", func() (err error) { cfg.Tokenizer.ChatTemplate, err = flags.GetString("template"); return })
	set("template-file", func() (err error) { cfg.Tokenizer.ChatTemplateFile, err = flags.GetString("template-file"); return })

	return cfg, errors.Join(errs...)
}

// TrainHandler - Fuehrt einen Trainingslauf aus und zeichnet ihn auf
func TrainHandler(cmd *cobra.Command, _ []string) error {
	cfg, err := trainConfig(cmd.Flags())
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	upload, _ := cmd.Flags().GetString("upload")

	// Die einzige Vorbedingung wird vor jeder Aufzeichnung geprueft
	if _, err := os.Stat(cfg.Dataset.Path); err != nil {
		return fmt.Errorf("missing %s. Run make-jsonl first.", cfg.Dataset.Path)
	}

	rec := startRun(runs.Run{
		Kind:   runs.KindTrain,
		Base:   cfg.Model.Base,
		Data:   cfg.Dataset.Path,
		Out:    cfg.Training.OutputDir,
		Upload: upload,
	})

	var bar *progressbar.ProgressBar
	opts := trainer.Options{
		DryRun: dryRun,
		Out:    cmd.OutOrStdout(),
		Resolve: func(ctx context.Context, base, revision string) (string, error) {
			progress, done := downloadProgress("pulling " + base)
			defer done()
			return huggingface.Resolve(ctx, base, huggingface.ResolveOptions{Revision: revision, Progress: progress})
		},
		Progress: func(step, total int) {
			if bar == nil {
				bar = newProgressBar(int64(total), "training", false)
			}
			_ = bar.Set(step)
		},
	}

	result, err := trainer.Train(cmd.Context(), cfg, opts)
	if bar != nil {
		_ = bar.Finish()
	}
	if err == nil && upload != "" {
		err = uploadDir(cmd.Context(), cmd.OutOrStdout(), upload, cfg.Training.OutputDir)
	}

	rec.finish(err, func(r *runs.Run) {
		if result != nil {
			r.Steps = result.Steps
			r.FinalLoss = result.TrainLoss
		}
	})
	return err
}

// newTrainCmd - Erstellt den train Command
func newTrainCmd() *cobra.Command {
	defaults := trainer.DefaultConfig()

	c := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune a LoRA adapter on a JSONL chat corpus",
		Args:  cobra.NoArgs,
		RunE:  TrainHandler,
	}

	c.Flags().String("config", "", "YAML training configuration")
	c.Flags().String("base", defaults.Model.Base, "Base model id or directory")
	c.Flags().String("revision", "", "Hub revision of the base model (default main)")
	c.Flags().String("data", defaults.Dataset.Path, "JSONL chat corpus")
	c.Flags().String("out", defaults.Training.OutputDir, "Output directory for the adapter")
	c.Flags().Int("epochs", defaults.Training.NumTrainEpochs, "Number of training epochs")
	c.Flags().Int("batch-size", defaults.Training.PerDeviceTrainBatchSize, "Per-device train batch size")
	c.Flags().Int("grad-accum", defaults.Training.GradientAccumulationSteps, "Gradient accumulation steps")
	c.Flags().Float64("lr", defaults.Training.LearningRate, "Peak learning rate")
	c.Flags().Int("max-len", defaults.Tokenizer.MaxLength, "Maximum sequence length in tokens")
	c.Flags().Int("seed", defaults.Training.Seed, "Random seed")
	c.Flags().String("template", "", "Force a chat template (e.g. chatml) instead of detecting it")
	c.Flags().String("template-file", "", "Custom Go template file for rendering conversations")
	c.Flags().Bool("dry-run", false, "Use the built-in backend that exercises the pipeline without training")
	c.Flags().String("upload", "", "Upload the adapter afterwards (s3://bucket/prefix or a directory)")

	return c
}
