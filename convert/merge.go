// merge.go - LoRA-Adapter in das Basismodell falten (merge_and_unload)
//
// Hauptfunktionen:
//   - Merge: Laedt Basis + Adapter, faltet W += scale·B·A, schreibt ein
//     HF-Modellverzeichnis (Safetensors-Shards, config, Tokenizer)
//   - MergeDType: Ausgabe-Datentyp fuer Device und --force-cpu
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mini-helper/lorakit/envconfig"
	"github.com/mini-helper/lorakit/safetensors"
	"github.com/mini-helper/lorakit/tokenizer"
)

// MergeOptions steuert Merge
type MergeOptions struct {
	// Base ist das lokale Verzeichnis des Basismodells
	Base string
	// BaseName wird in Statuszeilen angezeigt (Hub-ID oder Pfad)
	BaseName string
	Adapter  string
	Out      string
	ForceCPU bool

	MaxShardSize int64
	Parallel     int

	// Status erhaelt die Fortschrittszeilen fuer den Benutzer
	Status func(string)
	// Progress wird nach jedem geschriebenen Tensor aufgerufen
	Progress func(done, total int)
}

// MergeResult fasst einen Merge zusammen
type MergeResult struct {
	Device   string
	DType    string
	Merged   int
	Replaced int
	Tensors  int
	Files    []string
}

// MergeDType gibt Device, Safetensors-Datentyp und torch_dtype zurueck.
// float16 nur mit MPS und ohne forceCPU.
func MergeDType(forceCPU bool) (device, dtype, torchDType string) {
	if !forceCPU && envconfig.Device() == "mps" {
		return "mps", safetensors.F16, "float16"
	}
	return "cpu", safetensors.F32, "float32"
}

// Merge faltet den Adapter in das Basismodell und schreibt das Ergebnis nach opts.Out
func Merge(ctx context.Context, opts MergeOptions) (*MergeResult, error) {
	status := opts.Status
	if status == nil {
		status = func(string) {}
	}
	if opts.BaseName == "" {
		opts.BaseName = opts.Base
	}
	if same, err := sameDir(opts.Base, opts.Out); err != nil {
		return nil, err
	} else if same {
		return nil, fmt.Errorf("output directory %s must differ from the base model", opts.Out)
	}
	if opts.MaxShardSize == 0 {
		opts.MaxShardSize = safetensors.DefaultMaxShardSize
	}
	if opts.Parallel <= 0 {
		opts.Parallel = max(1, int(envconfig.MergeParallel()))
	}

	device, dtype, torchDType := MergeDType(opts.ForceCPU)
	result := &MergeResult{Device: device, DType: dtype}

	status(fmt.Sprintf("Loading base: %s on %s (dtype=torch.%s)", opts.BaseName, device, torchDType))
	params, err := LoadModelParameters(opts.Base)
	if err != nil {
		return nil, fmt.Errorf("load base: %w", err)
	}

	base, err := safetensors.OpenModel(opts.Base)
	if err != nil {
		return nil, fmt.Errorf("load base: %w", err)
	}
	defer base.Close()
	slog.Debug("base model", "architecture", params.Architecture(), "tensors", len(base.Names()), "files", len(base.Files()))

	status(fmt.Sprintf("Attaching LoRA adapter from: %s", opts.Adapter))
	adapter, err := LoadAdapter(opts.Adapter)
	if err != nil {
		return nil, fmt.Errorf("load adapter: %w", err)
	}
	defer adapter.Close()

	if bm := adapter.Params.BaseModel; bm != "" && bm != opts.BaseName {
		slog.Warn("adapter was trained on a different base", "adapter_base", bm, "base", opts.BaseName)
	}
	if err := checkAdapter(base, adapter); err != nil {
		return nil, err
	}

	status("Merging LoRA into base (this may take a bit)...")
	merged, err := mergePairs(ctx, base, adapter, dtype, opts.Parallel)
	if err != nil {
		return nil, err
	}
	result.Merged = len(merged)

	status(fmt.Sprintf("Saving merged model to: %s", opts.Out))
	if err := os.MkdirAll(opts.Out, 0o755); err != nil {
		return nil, err
	}
	if err := removeStaleWeights(opts.Out); err != nil {
		return nil, err
	}

	entries, replaced, err := buildEntries(base, adapter, merged, dtype)
	if err != nil {
		return nil, err
	}
	result.Replaced = replaced
	result.Tensors = len(entries)

	var done int
	files, err := safetensors.WriteSharded(opts.Out, entries, opts.MaxShardSize, map[string]string{"format": "pt"}, func(safetensors.Entry) {
		done++
		if opts.Progress != nil {
			opts.Progress(done, len(entries))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("save merged model: %w", err)
	}
	result.Files = append(result.Files, files...)

	configs, err := copyModelConfig(opts.Base, opts.Out, torchDType)
	if err != nil {
		return nil, fmt.Errorf("save config: %w", err)
	}
	result.Files = append(result.Files, configs...)

	tok, err := tokenizer.Load(opts.Base)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	tokFiles, err := tok.SavePretrained(opts.Out)
	if err != nil {
		return nil, fmt.Errorf("save tokenizer: %w", err)
	}
	result.Files = append(result.Files, tokFiles...)

	status("✅ Done.")
	return result, nil
}

// removeStaleWeights entfernt Gewichte eines frueheren Merges, damit kein
// veralteter Index auf fremde Shards zeigt
func removeStaleWeights(dir string) error {
	stale, err := filepath.Glob(filepath.Join(dir, "model*.safetensors"))
	if err != nil {
		return err
	}
	stale = append(stale, filepath.Join(dir, safetensors.IndexFile))
	for _, name := range stale {
		switch err := os.Remove(name); {
		case err == nil:
			slog.Debug("removed stale weights", "file", name)
		case !errors.Is(err, os.ErrNotExist):
			return err
		}
	}
	return nil
}

func sameDir(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return absA == absB, nil
}

// checkAdapter prueft, dass jedes LoRA-Paar einen passenden Basis-Tensor hat
func checkAdapter(base *safetensors.Model, adapter *Adapter) error {
	for _, p := range adapter.Pairs {
		w, ok := base.Info(p.Weight())
		if !ok {
			return fmt.Errorf("base model has no tensor %s for LoRA module %s", p.Weight(), p.Module)
		}
		if !safetensors.IsFloat(w.DType) || len(w.Shape) != 2 {
			return fmt.Errorf("cannot merge LoRA into %s (%s %v)", p.Weight(), w.DType, w.Shape)
		}

		a, _ := adapter.Info(p.A)
		b, _ := adapter.Info(p.B)
		if len(a.Shape) != 2 || len(b.Shape) != 2 {
			return fmt.Errorf("%s: expected 2D LoRA matrices, got A%v B%v", p.Module, a.Shape, b.Shape)
		}

		// [out, in] bzw. [in, out] bei fan_in_fan_out und Embeddings
		want := []int64{b.Shape[0], a.Shape[1]}
		if adapter.Params.FanInFanOut || p.Embedding {
			want = []int64{a.Shape[1], b.Shape[0]}
		}
		if w.Shape[0] != want[0] || w.Shape[1] != want[1] {
			return fmt.Errorf("%s: base shape %v does not match LoRA shape %v", p.Module, w.Shape, want)
		}
	}

	for name := range adapter.Saved {
		if _, ok := base.Info(name); !ok {
			slog.Warn("saved adapter module has no base tensor, adding it", "tensor", name)
		}
	}
	return nil
}

// mergePairs berechnet die gemergten Gewichte parallel, kodiert im Ausgabe-Datentyp
func mergePairs(ctx context.Context, base *safetensors.Model, adapter *Adapter, dtype string, parallel int) (map[string][]byte, error) {
	var mu sync.Mutex
	merged := make(map[string][]byte, len(adapter.Pairs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, p := range adapter.Pairs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			data, err := mergePair(base, adapter, p, dtype)
			if err != nil {
				return fmt.Errorf("%s: %w", p.Module, err)
			}

			mu.Lock()
			merged[p.Weight()] = data
			mu.Unlock()

			slog.Debug("merged", "module", p.Module)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return merged, nil
}

func mergePair(base *safetensors.Model, adapter *Adapter, p LoraPair, dtype string) ([]byte, error) {
	scale, err := adapter.Params.Scale(p.Module)
	if err != nil {
		return nil, err
	}

	info, _ := base.Info(p.Weight())
	w, err := base.Float32s(p.Weight())
	if err != nil {
		return nil, err
	}

	a, aShape, err := adapter.Tensor(p.A)
	if err != nil {
		return nil, err
	}
	b, bShape, err := adapter.Tensor(p.B)
	if err != nil {
		return nil, err
	}

	delta, err := loraDelta(a, aShape, b, bShape, scale, adapter.Params.FanInFanOut || p.Embedding)
	if err != nil {
		return nil, err
	}
	if err := applyDelta(w, info.Shape, delta); err != nil {
		return nil, err
	}

	return safetensors.EncodeFloat32(dtype, w)
}

// buildEntries erzeugt die Ausgabe-Tensoren in Basis-Reihenfolge, gefolgt
// von gespeicherten Adapter-Modulen ohne Basis-Gegenstueck
func buildEntries(base *safetensors.Model, adapter *Adapter, merged map[string][]byte, dtype string) ([]safetensors.Entry, int, error) {
	var entries []safetensors.Entry
	var replaced int

	outType := func(in string) string {
		if safetensors.IsFloat(in) {
			return dtype
		}
		return in
	}

	for _, name := range base.Names() {
		info, _ := base.Info(name)

		if data, ok := merged[name]; ok {
			entries = append(entries, safetensors.Entry{
				Name:  name,
				DType: dtype,
				Shape: info.Shape,
				Load: func() ([]byte, error) {
					delete(merged, name)
					return data, nil
				},
			})
			continue
		}

		if src, ok := adapter.Saved[name]; ok {
			entry, err := savedEntry(adapter, name, src, outType)
			if err != nil {
				return nil, 0, err
			}
			entries = append(entries, entry)
			replaced++
			continue
		}

		entries = append(entries, safetensors.Entry{
			Name:  name,
			DType: outType(info.DType),
			Shape: info.Shape,
			Load: func() ([]byte, error) {
				raw, err := base.ReadRaw(name)
				if err != nil {
					return nil, err
				}
				return safetensors.Convert(raw, info.DType, outType(info.DType))
			},
		})
	}

	for _, name := range keysOf(adapter.Saved) {
		if _, ok := base.Info(name); ok {
			continue
		}
		entry, err := savedEntry(adapter, name, adapter.Saved[name], outType)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
		replaced++
	}

	return entries, replaced, nil
}

func savedEntry(adapter *Adapter, name, src string, outType func(string) string) (safetensors.Entry, error) {
	info, ok := adapter.Info(src)
	if !ok {
		return safetensors.Entry{}, fmt.Errorf("adapter tensor %s not found", src)
	}

	return safetensors.Entry{
		Name:  name,
		DType: outType(info.DType),
		Shape: info.Shape,
		Load: func() ([]byte, error) {
			raw, err := adapter.src.ReadRaw(src)
			if err != nil {
				return nil, err
			}
			return safetensors.Convert(raw, info.DType, outType(info.DType))
		},
	}, nil
}
