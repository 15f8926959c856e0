// dryrun.go - Dry-Run Trainer ohne Gewichtsupdates
//
// Enthaelt:
//   - DryRun: Findet die Zielmodule im Basismodell, prueft Batches gegen das
//     Vokabular und speichert einen PEFT-Adapter mit B = 0
package runner

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/mini-helper/lorakit/convert"
	"github.com/mini-helper/lorakit/llm"
	"github.com/mini-helper/lorakit/safetensors"
)

// loraTarget ist ein Basis-Modul mit Gewicht [out, in]
type loraTarget struct {
	Module  string
	In, Out int64
}

// DryRun implementiert Trainer ohne Forward/Backward. Der gemeldete Loss ist
// der eines uniformen Praediktors (ln vocab_size).
type DryRun struct {
	seed int64

	req     llm.LoadRequest
	vocab   int64
	targets []loraTarget
	tokens  int
	steps   int
}

// NewDryRun erstellt einen Dry-Run Trainer
func NewDryRun(seed int64) *DryRun {
	return &DryRun{seed: seed}
}

func (d *DryRun) Load(_ context.Context, req llm.LoadRequest) (*llm.LoadResponse, error) {
	if req.Lora.R <= 0 {
		return nil, fmt.Errorf("invalid lora rank %d", req.Lora.R)
	}

	params, err := convert.LoadModelParameters(req.Model)
	if err != nil {
		return nil, err
	}

	m, err := safetensors.OpenModel(req.Model)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	match := convert.TargetModules{Names: req.Lora.TargetModules}
	var resp llm.LoadResponse
	var targets []loraTarget
	for _, name := range m.Names() {
		info, _ := m.Info(name)
		resp.TotalParams += info.Elements()

		module, ok := strings.CutSuffix(name, ".weight")
		if !ok || len(info.Shape) != 2 || !safetensors.IsFloat(info.DType) || !match.Match(module) {
			continue
		}
		t := loraTarget{Module: module, Out: info.Shape[0], In: info.Shape[1]}
		targets = append(targets, t)
		resp.TrainableParams += int64(req.Lora.R) * (t.In + t.Out)
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("no target modules %v found in %s", req.Lora.TargetModules, req.Model)
	}

	d.req, d.vocab, d.targets = req, int64(params.VocabSize), targets
	d.tokens, d.steps = 0, 0
	resp.TotalParams += resp.TrainableParams

	slog.Info("dry-run model loaded", "model", req.Model, "targets", len(targets),
		"trainable", resp.TrainableParams, "total", resp.TotalParams)
	return &resp, nil
}

func (d *DryRun) ForwardBackward(_ context.Context, req llm.ForwardBackwardRequest) (*llm.ForwardBackwardResponse, error) {
	var tokens int
	for i, row := range req.InputIDs {
		for j, id := range row {
			if id < 0 || (d.vocab > 0 && int64(id) >= d.vocab) {
				return nil, fmt.Errorf("row %d position %d: token id %d outside vocabulary", i, j, id)
			}
			if req.Labels[i][j] != -100 {
				tokens++
			}
		}
	}
	d.tokens += tokens

	var loss float64
	if d.vocab > 0 {
		loss = math.Log(float64(d.vocab))
	}
	return &llm.ForwardBackwardResponse{Loss: loss, Tokens: tokens}, nil
}

func (d *DryRun) OptimizerStep(_ context.Context, req llm.OptimizerStepRequest) (*llm.OptimizerStepResponse, error) {
	if req.LearningRate < 0 || math.IsNaN(req.LearningRate) {
		return nil, fmt.Errorf("invalid learning rate %v", req.LearningRate)
	}
	d.steps++
	return &llm.OptimizerStepResponse{}, nil
}

// Save schreibt adapter_config.json und adapter_model.safetensors. A wird
// wie bei PEFT kaiming-uniform initialisiert, B ist null; der Adapter
// veraendert das Basismodell beim Merge also nicht.
func (d *DryRun) Save(_ context.Context, req llm.SaveRequest) error {
	if len(d.targets) == 0 {
		return errors.New("nothing to save")
	}
	if err := os.MkdirAll(req.Dir, 0o755); err != nil {
		return err
	}

	r := int64(d.req.Lora.R)
	rng := rand.New(rand.NewPCG(uint64(d.seed), 0))

	entries := make([]safetensors.Entry, 0, 2*len(d.targets))
	for _, t := range d.targets {
		bound := float32(1 / math.Sqrt(float64(t.In)))
		a := make([]float32, r*t.In)
		for i := range a {
			a[i] = (rng.Float32()*2 - 1) * bound
		}

		entries = append(entries,
			safetensors.Entry{
				Name:  convert.PeftPrefix + t.Module + ".lora_A.weight",
				DType: safetensors.F32,
				Shape: []int64{r, t.In},
				Load:  func() ([]byte, error) { return safetensors.EncodeFloat32(safetensors.F32, a) },
			},
			safetensors.Entry{
				Name:  convert.PeftPrefix + t.Module + ".lora_B.weight",
				DType: safetensors.F32,
				Shape: []int64{t.Out, r},
				Load:  func() ([]byte, error) { return make([]byte, 4*t.Out*r), nil },
			},
		)
	}

	if err := safetensors.WriteFile(filepath.Join(req.Dir, convert.AdapterSafetensorsFile), entries, map[string]string{"format": "pt"}, nil); err != nil {
		return err
	}

	names := make([]string, 0, len(d.req.Lora.TargetModules))
	names = append(names, d.req.Lora.TargetModules...)
	cfg := convert.AdapterParameters{
		PeftType:      "LORA",
		TaskType:      d.req.Lora.TaskType,
		BaseModel:     cmp.Or(d.req.BaseModelName, d.req.Model),
		Rank:          d.req.Lora.R,
		Alpha:         float64(d.req.Lora.Alpha),
		Dropout:       d.req.Lora.Dropout,
		TargetModules: convert.TargetModules{Names: names},
		Bias:          d.req.Lora.Bias,
	}
	if err := convert.WriteAdapterConfig(req.Dir, cfg); err != nil {
		return err
	}

	slog.Info("dry-run adapter saved", "dir", req.Dir, "steps", d.steps, "tokens", d.tokens)
	return nil
}
