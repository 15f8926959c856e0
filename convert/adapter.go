// adapter.go - PEFT LoRA-Adapter laden
//
// Enthält:
// - AdapterParameters: adapter_config.json (r, lora_alpha, target_modules, ...)
// - TargetModules: Liste oder Regex wie in PEFT
// - LoadAdapter: Parameter plus Tensoren aus adapter_model.safetensors/.bin
// - LoraPair: A/B-Matrizen eines Basis-Moduls
package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/mini-helper/lorakit/safetensors"
)

// Dateinamen und Tensor-Prefix eines PEFT-Adapters
const (
	AdapterConfigFile      = "adapter_config.json"
	AdapterSafetensorsFile = "adapter_model.safetensors"
	AdapterTorchFile       = "adapter_model.bin"

	PeftPrefix = "base_model.model."
)

// ErrNoAdapter wird zurueckgegeben, wenn ein Verzeichnis kein Adapter-Gewicht enthaelt
var ErrNoAdapter = errors.New("no adapter_model.safetensors or adapter_model.bin found")

// AdapterParameters - Konfiguration aus adapter_config.json
type AdapterParameters struct {
	PeftType      string             `json:"peft_type"`
	TaskType      string             `json:"task_type"`
	BaseModel     string             `json:"base_model_name_or_path"`
	Rank          int                `json:"r"`
	Alpha         float64            `json:"lora_alpha"`
	Dropout       float64            `json:"lora_dropout"`
	TargetModules TargetModules      `json:"target_modules"`
	FanInFanOut   bool               `json:"fan_in_fan_out"`
	UseRSLoRA     bool               `json:"use_rslora"`
	UseDoRA       bool               `json:"use_dora"`
	ModulesToSave []string           `json:"modules_to_save"`
	Bias          string             `json:"bias"`
	RankPattern   map[string]int     `json:"rank_pattern"`
	AlphaPattern  map[string]float64 `json:"alpha_pattern"`
}

// Scale gibt den Faktor fuer B·A eines Moduls zurueck: alpha/r, mit
// rsLoRA alpha/sqrt(r). rank_pattern und alpha_pattern ueberschreiben r und alpha.
func (p AdapterParameters) Scale(module string) (float64, error) {
	r, alpha := p.Rank, p.Alpha
	if key, ok := matchPattern(module, keysOf(p.RankPattern)); ok {
		r = p.RankPattern[key]
	}
	if key, ok := matchPattern(module, keysOf(p.AlphaPattern)); ok {
		alpha = p.AlphaPattern[key]
	}

	if r <= 0 {
		return 0, fmt.Errorf("%s: invalid rank %d", module, r)
	}
	if p.UseRSLoRA {
		return alpha / math.Sqrt(float64(r)), nil
	}
	return alpha / float64(r), nil
}

func (p AdapterParameters) validate() error {
	switch strings.ToUpper(p.PeftType) {
	case "", "LORA":
	default:
		return fmt.Errorf("unsupported peft_type %q", p.PeftType)
	}
	if p.UseDoRA {
		return errors.New("DoRA adapters are not supported")
	}
	if p.Rank <= 0 {
		return fmt.Errorf("invalid rank r=%d", p.Rank)
	}
	return nil
}

func keysOf[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// matchPattern sucht den ersten Schluessel, der wie in PEFT auf das Ende
// des Modulnamens passt: (.*\.)?(key)$
func matchPattern(module string, keys []string) (string, bool) {
	for _, key := range keys {
		re, err := regexp2.Compile(`^(.*\.)?(`+key+`)$`, regexp2.None)
		if err != nil {
			slog.Warn("invalid adapter pattern", "pattern", key, "error", err)
			continue
		}
		if ok, _ := re.MatchString(module); ok {
			return key, true
		}
	}
	return "", false
}

// TargetModules ist entweder eine Liste von Modulnamen oder ein Regex,
// der auf den vollen Modulnamen passen muss.
type TargetModules struct {
	Names   []string
	Pattern string
}

func (t *TargetModules) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		t.Pattern = s
		return nil
	}

	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return fmt.Errorf("target_modules: %w", err)
	}
	t.Names = names
	return nil
}

func (t TargetModules) MarshalJSON() ([]byte, error) {
	if t.Pattern != "" {
		return json.Marshal(t.Pattern)
	}
	return json.Marshal(t.Names)
}

// String gibt die Module fuer Ausgaben zurueck
func (t TargetModules) String() string {
	if t.Pattern != "" {
		return t.Pattern
	}
	return strings.Join(t.Names, ",")
}

// Match meldet, ob module ein Zielmodul ist
func (t TargetModules) Match(module string) bool {
	if t.Pattern != "" {
		re, err := regexp2.Compile(`^(?:`+t.Pattern+`)$`, regexp2.None)
		if err != nil {
			return false
		}
		ok, _ := re.MatchString(module)
		return ok
	}

	for _, name := range t.Names {
		if module == name || strings.HasSuffix(module, "."+name) {
			return true
		}
	}
	return false
}

// LoraPair verbindet die A- und B-Matrix eines Basis-Moduls
type LoraPair struct {
	Module    string
	A, B      string
	Embedding bool
}

// Weight gibt den Namen des Basis-Tensors zurueck
func (p LoraPair) Weight() string {
	return p.Module + ".weight"
}

// tensorSource ist eine lesbare Tensor-Sammlung
type tensorSource interface {
	Names() []string
	Info(name string) (safetensors.TensorInfo, bool)
	Float32s(name string) ([]float32, error)
	ReadRaw(name string) ([]byte, error)
	Close() error
}

// Adapter ist ein geladener LoRA-Adapter
type Adapter struct {
	Dir    string
	File   string
	Params AdapterParameters

	// Pairs ist nach Modulnamen sortiert
	Pairs []LoraPair

	// Saved bildet Basis-Tensornamen auf vollstaendig gespeicherte
	// Adapter-Tensoren (modules_to_save) ab
	Saved map[string]string

	src tensorSource
}

// LoadAdapter liest adapter_config.json und die Adapter-Gewichte aus dir
func LoadAdapter(dir string) (*Adapter, error) {
	bts, err := os.ReadFile(filepath.Join(dir, AdapterConfigFile))
	if err != nil {
		return nil, err
	}

	var p AdapterParameters
	if err := json.Unmarshal(bts, &p); err != nil {
		return nil, fmt.Errorf("%s: %w", AdapterConfigFile, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	a := &Adapter{Dir: dir, Params: p, Saved: make(map[string]string)}

	a.File = filepath.Join(dir, AdapterSafetensorsFile)
	a.src, err = safetensors.Open(a.File)
	if errors.Is(err, fs.ErrNotExist) {
		a.File = filepath.Join(dir, AdapterTorchFile)
		a.src, err = openTorch(a.File)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrNoAdapter, dir)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := a.index(); err != nil {
		a.src.Close()
		return nil, err
	}
	return a, nil
}

// WriteAdapterConfig schreibt p als adapter_config.json nach dir
func WriteAdapterConfig(dir string, p AdapterParameters) error {
	if err := p.validate(); err != nil {
		return err
	}
	if p.RankPattern == nil {
		p.RankPattern = map[string]int{}
	}
	if p.AlphaPattern == nil {
		p.AlphaPattern = map[string]float64{}
	}
	return writeJSONFile(filepath.Join(dir, AdapterConfigFile), p)
}

// loraName zerlegt einen PEFT-Tensornamen. kind ist "A" oder "B",
// embedding markiert lora_embedding_A/B.
func loraName(name string) (module, kind string, embedding bool, ok bool) {
	name = strings.TrimPrefix(name, PeftPrefix)

	for _, marker := range []struct {
		s         string
		kind      string
		embedding bool
	}{
		{".lora_A.", "A", false},
		{".lora_B.", "B", false},
		{".lora_embedding_A", "A", true},
		{".lora_embedding_B", "B", true},
	} {
		if i := strings.Index(name, marker.s); i > 0 {
			return name[:i], marker.kind, marker.embedding, true
		}
	}
	return "", "", false, false
}

// savedName gibt den Basis-Namen eines modules_to_save-Tensors zurueck
func savedName(name string) string {
	name = strings.TrimPrefix(name, PeftPrefix)
	if before, after, ok := strings.Cut(name, ".modules_to_save."); ok {
		// <module>.modules_to_save.<adapter>.<param>
		if _, param, ok := strings.Cut(after, "."); ok {
			return before + "." + param
		}
	}
	return name
}

func (a *Adapter) index() error {
	pairs := make(map[string]*LoraPair)
	for _, name := range a.src.Names() {
		if strings.Contains(name, "lora_magnitude_vector") {
			return errors.New("DoRA adapters are not supported")
		}

		module, kind, embedding, ok := loraName(name)
		if !ok {
			a.Saved[savedName(name)] = name
			continue
		}

		p, ok := pairs[module]
		if !ok {
			p = &LoraPair{Module: module, Embedding: embedding}
			pairs[module] = p
		}
		if kind == "A" {
			p.A = name
		} else {
			p.B = name
		}
	}

	for _, module := range keysOf(pairs) {
		p := pairs[module]
		if p.A == "" || p.B == "" {
			return fmt.Errorf("incomplete LoRA pair for %s", module)
		}
		if !a.Params.TargetModules.Match(module) {
			slog.Warn("LoRA module is not listed in target_modules", "module", module, "target_modules", a.Params.TargetModules.String())
		}
		a.Pairs = append(a.Pairs, *p)
	}

	if len(a.Pairs) == 0 && len(a.Saved) == 0 {
		return fmt.Errorf("%s contains no adapter tensors", filepath.Base(a.File))
	}
	return nil
}

// Tensor liest einen Adapter-Tensor als float32 samt Form
func (a *Adapter) Tensor(name string) ([]float32, []int64, error) {
	info, ok := a.src.Info(name)
	if !ok {
		return nil, nil, fmt.Errorf("adapter tensor %s not found", name)
	}
	data, err := a.src.Float32s(name)
	if err != nil {
		return nil, nil, err
	}
	return data, info.Shape, nil
}

// Info gibt die Header-Informationen eines Adapter-Tensors zurueck
func (a *Adapter) Info(name string) (safetensors.TensorInfo, bool) {
	return a.src.Info(name)
}

// Close gibt die Adapter-Datei frei
func (a *Adapter) Close() error {
	return a.src.Close()
}
