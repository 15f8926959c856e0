// trainer.go - Trainingsablauf: Daten vorbereiten, Backend steuern, Adapter sichern
//
// Hauptfunktionen:
// - Train: Vollstaendiger Lauf vom JSONL-Korpus bis zum gespeicherten Adapter
// - NewBackend: Startet oder verbindet das Trainer-Backend
package trainer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mini-helper/lorakit/dataset"
	"github.com/mini-helper/lorakit/envconfig"
	"github.com/mini-helper/lorakit/huggingface"
	"github.com/mini-helper/lorakit/llm"
	"github.com/mini-helper/lorakit/tokenizer"
)

// ErrNoBackend wird gemeldet, wenn weder LORAKIT_TRAINER noch
// LORAKIT_TRAINER_URL gesetzt ist und kein Dry-Run verlangt wurde
var ErrNoBackend = errors.New("no trainer backend configured: set LORAKIT_TRAINER or LORAKIT_TRAINER_URL, or use --dry-run")

// Options steuert einen Trainingslauf
type Options struct {
	// Backend ersetzt das per Umgebung konfigurierte Trainer-Backend
	Backend llm.TrainerServer
	// DryRun startet den eingebauten Runner statt eines echten Backends
	DryRun bool
	// Resolve loest das Basismodell auf (Default: huggingface.Resolve)
	Resolve func(ctx context.Context, base, revision string) (string, error)
	// Out erhaelt die Statuszeilen fuer den Benutzer (Default os.Stdout)
	Out io.Writer
	// Progress wird nach jedem Optimizer-Schritt aufgerufen
	Progress func(step, total int)
}

// Result fasst einen abgeschlossenen Lauf zusammen
type Result struct {
	Out             string
	BaseDir         string
	Device          string
	Template        string
	Examples        int
	Steps           int
	TrainLoss       float64
	TrainableParams int64
	TotalParams     int64
	// Checkpoints sind die nach dem Lauf vorhandenen checkpoint-N Verzeichnisse
	Checkpoints []string
	Runtime     time.Duration
}

// Train fuehrt einen vollstaendigen LoRA-Lauf aus
func Train(ctx context.Context, cfg Config, opts Options) (*Result, error) {
	if _, err := os.Stat(cfg.Dataset.Path); err != nil {
		return nil, fmt.Errorf("missing %s. Run make-jsonl first.", cfg.Dataset.Path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	out := cmp.Or[io.Writer](opts.Out, os.Stdout)

	device := envconfig.Device()
	dtype := cmp.Or(cfg.Model.TorchDtype, "float32")
	if device == "mps" && cfg.Model.TorchDtype == "" {
		dtype = "float16"
	}
	fmt.Fprintf(out, "Device: %s\n", strings.ToUpper(device))

	resolve := opts.Resolve
	if resolve == nil {
		resolve = func(ctx context.Context, base, revision string) (string, error) {
			return huggingface.Resolve(ctx, base, huggingface.ResolveOptions{Revision: revision})
		}
	}
	baseDir, err := resolve(ctx, cfg.Model.Base, cfg.Model.Revision)
	if err != nil {
		return nil, fmt.Errorf("resolve base model: %w", err)
	}

	tok, err := tokenizer.Load(baseDir)
	if err != nil {
		return nil, err
	}
	if tok.EnsurePad() {
		slog.Info("pad token not set, using eos", "token", tok.PadToken())
	}
	if tok.PAD() < 0 {
		return nil, errors.New("tokenizer defines neither pad nor eos token")
	}
	tc := tok.Config()
	tc.PaddingSide = cfg.Tokenizer.PaddingSide
	tc.TruncationSide = cfg.Tokenizer.TruncationSide
	tc.ModelMaxLength = cfg.Tokenizer.MaxLength

	convs, err := dataset.LoadJSONL(cfg.Dataset.Path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Dataset.Path, err)
	}
	if len(convs) == 0 {
		return nil, fmt.Errorf("%s: no training examples", cfg.Dataset.Path)
	}

	tmpl, tmplName, err := ChatTemplate(tok, cfg.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("chat template: %w", err)
	}
	slog.Info("using chat template", "template", tmplName)

	seqs, err := Tokenize(convs, tmpl, tok, cfg.Tokenizer.MaxLength)
	if err != nil {
		return nil, err
	}

	backend := opts.Backend
	if backend == nil {
		backend, err = NewBackend(device, opts.DryRun, cfg.Training.Seed)
		if err != nil {
			return nil, err
		}
	}
	defer backend.Close()

	if err := backend.WaitUntilRunning(ctx); err != nil {
		return nil, err
	}

	loaded, err := backend.Load(ctx, llm.LoadRequest{
		Model:                 baseDir,
		DType:                 dtype,
		Device:                device,
		Attention:             "sdpa",
		GradientCheckpointing: cfg.Training.GradientCheckpointing,
		LowCPUMemUsage:        true,
		BaseModelName:         cfg.Model.Base,
		Optim:                 cfg.Training.Optim,
		WeightDecay:           cfg.Training.WeightDecay,
		Seed:                  cfg.Training.Seed,
		Lora:                  cfg.Lora,
	})
	if err != nil {
		return nil, fmt.Errorf("load base model: %w", err)
	}
	fmt.Fprintf(out, "trainable params: %d || all params: %d || trainable%%: %.4f\n",
		loaded.TrainableParams, loaded.TotalParams, percent(loaded.TrainableParams, loaded.TotalParams))

	if err := os.MkdirAll(cfg.Training.OutputDir, 0o755); err != nil {
		return nil, err
	}

	l := &loop{
		cfg:      cfg,
		backend:  backend,
		seqs:     seqs,
		padID:    tok.PAD(),
		out:      out,
		progress: opts.Progress,
	}
	if err := l.run(ctx); err != nil {
		return nil, err
	}

	if err := backend.Save(ctx, llm.SaveRequest{Dir: cfg.Training.OutputDir}); err != nil {
		return nil, fmt.Errorf("save adapter: %w", err)
	}
	if _, err := tok.SavePretrained(cfg.Training.OutputDir); err != nil {
		return nil, fmt.Errorf("save tokenizer: %w", err)
	}

	runtime := time.Since(start)
	trainLoss := l.meanLoss()
	seconds := runtime.Seconds()
	l.state.LogHistory = append(l.state.LogHistory, LogEntry{
		Epoch:        l.state.Epoch,
		Step:         l.state.GlobalStep,
		TrainLoss:    &trainLoss,
		TrainRuntime: &seconds,
	})
	if err := WriteState(cfg.Training.OutputDir, &l.state); err != nil {
		return nil, err
	}

	// nach der Rotation durch save_total_limit
	checkpoints, err := Checkpoints(cfg.Training.OutputDir)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(out, "Done. LoRA adapter saved in %s\n", cfg.Training.OutputDir)

	return &Result{
		Out:             cfg.Training.OutputDir,
		BaseDir:         baseDir,
		Device:          device,
		Template:        tmplName,
		Examples:        len(seqs),
		Steps:           l.state.GlobalStep,
		TrainLoss:       trainLoss,
		TrainableParams: loaded.TrainableParams,
		TotalParams:     loaded.TotalParams,
		Checkpoints:     checkpoints,
		Runtime:         runtime,
	}, nil
}

// NewBackend erstellt das Trainer-Backend aus der Umgebung.
// LORAKIT_TRAINER_URL hat Vorrang vor LORAKIT_TRAINER. Im Dry-Run wird
// immer der eingebaute Runner gestartet.
func NewBackend(device string, dryRun bool, seed int) (llm.TrainerServer, error) {
	opts := llm.ServerOptions{
		URL:     envconfig.TrainerURL(),
		Command: llm.ParseCommand(envconfig.Trainer()),
		Env:     map[string]string{"LORAKIT_DEVICE": device},
	}
	if device == "mps" {
		opts.Env["PYTORCH_ENABLE_MPS_FALLBACK"] = "1"
	}

	switch {
	case dryRun:
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		opts.URL = ""
		opts.Command = []string{exe, "runner", "--seed", strconv.Itoa(seed)}
	case opts.URL == "" && len(opts.Command) == 0:
		return nil, ErrNoBackend
	}
	return llm.NewTrainerServer(opts)
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(part) / float64(total)
}
