// merge_test.go - Tests fuer Adapter-Laden und LoRA-Merge
package convert

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nlpodyssey/gopickle/pytorch"

	"github.com/mini-helper/lorakit/safetensors"
)

const (
	qProj      = "model.layers.0.self_attn.q_proj"
	adapterCfg = `{"peft_type":"LORA","r":1,"lora_alpha":2,"target_modules":["q_proj","v_proj"],"base_model_name_or_path":"tiny/base","modules_to_save":["lm_head"]}`
)

func f32Entry(t *testing.T, name, dtype string, shape []int64, values ...float32) safetensors.Entry {
	t.Helper()
	return safetensors.Entry{
		Name:  name,
		DType: dtype,
		Shape: shape,
		Load:  func() ([]byte, error) { return safetensors.EncodeFloat32(dtype, values) },
	}
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func writeBase(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	entries := []safetensors.Entry{
		f32Entry(t, qProj+".weight", safetensors.F32, []int64{2, 3}, 1, 1, 1, 1, 1, 1),
		f32Entry(t, "model.norm.weight", safetensors.BF16, []int64{3}, 1, 2, 3),
		f32Entry(t, "lm_head.weight", safetensors.F32, []int64{2, 3}, 0, 0, 0, 0, 0, 0),
		{
			Name:  "position_ids",
			DType: safetensors.I64,
			Shape: []int64{1},
			Load:  func() ([]byte, error) { return []byte{7, 0, 0, 0, 0, 0, 0, 0}, nil },
		},
	}
	if err := safetensors.WriteFile(filepath.Join(dir, "model.safetensors"), entries, map[string]string{"format": "pt"}, nil); err != nil {
		t.Fatal(err)
	}

	writeFiles(t, dir, map[string]string{
		"config.json":            `{"architectures":["Qwen2ForCausalLM"],"model_type":"qwen2","torch_dtype":"bfloat16"}`,
		"generation_config.json": `{"eos_token_id":1}`,
		"tokenizer.json":         `{"model":{"type":"BPE","vocab":{"a":0,"b":1},"merges":[]}}`,
		"tokenizer_config.json":  `{"eos_token":"b"}`,
	})
	return dir
}

func writeAdapter(t *testing.T, config string, entries ...safetensors.Entry) string {
	t.Helper()
	dir := t.TempDir()

	if len(entries) == 0 {
		entries = []safetensors.Entry{
			f32Entry(t, PeftPrefix+qProj+".lora_A.weight", safetensors.F32, []int64{1, 3}, 1, 0, 1),
			f32Entry(t, PeftPrefix+qProj+".lora_B.weight", safetensors.F32, []int64{2, 1}, 1, 2),
			f32Entry(t, PeftPrefix+"lm_head.weight", safetensors.F32, []int64{2, 3}, 9, 9, 9, 9, 9, 9),
		}
	}
	if err := safetensors.WriteFile(filepath.Join(dir, AdapterSafetensorsFile), entries, nil, nil); err != nil {
		t.Fatal(err)
	}

	writeFiles(t, dir, map[string]string{AdapterConfigFile: config})
	return dir
}

func readTensor(t *testing.T, sf *safetensors.File, name string) []float32 {
	t.Helper()
	got, err := sf.Float32s(name)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestMerge(t *testing.T) {
	t.Setenv("LORAKIT_DEVICE", "cpu")

	base := writeBase(t)
	adapter := writeAdapter(t, adapterCfg)
	out := filepath.Join(t.TempDir(), "merged")

	var lines []string
	var progress int
	result, err := Merge(context.Background(), MergeOptions{
		Base:     base,
		BaseName: "tiny/base",
		Adapter:  adapter,
		Out:      out,
		Status:   func(s string) { lines = append(lines, s) },
		Progress: func(done, total int) { progress = done },
	})
	if err != nil {
		t.Fatal(err)
	}

	wantLines := []string{
		"Loading base: tiny/base on cpu (dtype=torch.float32)",
		"Attaching LoRA adapter from: " + adapter,
		"Merging LoRA into base (this may take a bit)...",
		"Saving merged model to: " + out,
		"✅ Done.",
	}
	if diff := cmp.Diff(wantLines, lines); diff != "" {
		t.Errorf("Statuszeilen (-want +got):\n%s", diff)
	}

	wantFiles := []string{
		"model.safetensors", "config.json", "generation_config.json",
		"tokenizer.json", "tokenizer_config.json", "special_tokens_map.json",
	}
	if diff := cmp.Diff(wantFiles, result.Files); diff != "" {
		t.Errorf("Dateien (-want +got):\n%s", diff)
	}
	if result.Merged != 1 || result.Replaced != 1 || result.Tensors != 4 || progress != 4 {
		t.Errorf("Ergebnis falsch: %+v, progress %d", result, progress)
	}

	sf, err := safetensors.Open(filepath.Join(out, "model.safetensors"))
	if err != nil {
		t.Fatal(err)
	}
	defer sf.Close()

	if diff := cmp.Diff([]float32{3, 1, 3, 5, 1, 5}, readTensor(t, sf, qProj+".weight")); diff != "" {
		t.Errorf("q_proj (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{9, 9, 9, 9, 9, 9}, readTensor(t, sf, "lm_head.weight")); diff != "" {
		t.Errorf("lm_head sollte ersetzt sein (-want +got):\n%s", diff)
	}

	norm, _ := sf.Info("model.norm.weight")
	if norm.DType != safetensors.F32 {
		t.Errorf("norm erwartet F32, erhalten %s", norm.DType)
	}
	if diff := cmp.Diff([]float32{1, 2, 3}, readTensor(t, sf, "model.norm.weight")); diff != "" {
		t.Errorf("norm (-want +got):\n%s", diff)
	}

	raw, err := sf.ReadRaw("position_ids")
	if err != nil {
		t.Fatal(err)
	}
	if info, _ := sf.Info("position_ids"); info.DType != safetensors.I64 || raw[0] != 7 {
		t.Errorf("Integer-Tensor veraendert: %s %v", info.DType, raw)
	}

	bts, err := os.ReadFile(filepath.Join(out, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(bts, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg["torch_dtype"] != "float32" || cfg["model_type"] != "qwen2" {
		t.Errorf("config.json falsch: %v", cfg)
	}
}

func TestMergeFloat16OnMPS(t *testing.T) {
	t.Setenv("LORAKIT_DEVICE", "mps")

	out := t.TempDir()
	result, err := Merge(context.Background(), MergeOptions{
		Base:    writeBase(t),
		Adapter: writeAdapter(t, adapterCfg),
		Out:     out,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Device != "mps" || result.DType != safetensors.F16 {
		t.Errorf("erwartet mps/F16, erhalten %s/%s", result.Device, result.DType)
	}

	sf, err := safetensors.Open(filepath.Join(out, "model.safetensors"))
	if err != nil {
		t.Fatal(err)
	}
	defer sf.Close()

	info, _ := sf.Info(qProj + ".weight")
	if info.DType != safetensors.F16 {
		t.Errorf("q_proj erwartet F16, erhalten %s", info.DType)
	}
	if diff := cmp.Diff([]float32{3, 1, 3, 5, 1, 5}, readTensor(t, sf, qProj+".weight")); diff != "" {
		t.Errorf("q_proj (-want +got):\n%s", diff)
	}
}

func TestMergeDType(t *testing.T) {
	cases := []struct {
		device   string
		forceCPU bool
		want     string
	}{
		{"mps", false, safetensors.F16},
		{"mps", true, safetensors.F32},
		{"cpu", false, safetensors.F32},
		{"cuda", false, safetensors.F32},
	}

	for _, tt := range cases {
		t.Setenv("LORAKIT_DEVICE", tt.device)
		if _, dtype, _ := MergeDType(tt.forceCPU); dtype != tt.want {
			t.Errorf("%s force=%v: erwartet %s, erhalten %s", tt.device, tt.forceCPU, tt.want, dtype)
		}
	}
}

func TestMergeErrors(t *testing.T) {
	t.Setenv("LORAKIT_DEVICE", "cpu")

	cases := map[string]struct {
		entries []safetensors.Entry
		want    string
	}{
		"missing base tensor": {
			entries: []safetensors.Entry{
				f32Entry(t, PeftPrefix+"model.layers.9.mlp.up_proj.lora_A.weight", safetensors.F32, []int64{1, 3}, 1, 1, 1),
				f32Entry(t, PeftPrefix+"model.layers.9.mlp.up_proj.lora_B.weight", safetensors.F32, []int64{2, 1}, 1, 1),
			},
			want: "base model has no tensor",
		},
		"shape mismatch": {
			entries: []safetensors.Entry{
				f32Entry(t, PeftPrefix+qProj+".lora_A.weight", safetensors.F32, []int64{1, 4}, 1, 1, 1, 1),
				f32Entry(t, PeftPrefix+qProj+".lora_B.weight", safetensors.F32, []int64{2, 1}, 1, 1),
			},
			want: "does not match LoRA shape",
		},
		"incomplete pair": {
			entries: []safetensors.Entry{
				f32Entry(t, PeftPrefix+qProj+".lora_A.weight", safetensors.F32, []int64{1, 3}, 1, 1, 1),
			},
			want: "incomplete LoRA pair",
		},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Merge(context.Background(), MergeOptions{
				Base:    writeBase(t),
				Adapter: writeAdapter(t, adapterCfg, tt.entries...),
				Out:     t.TempDir(),
			})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("erwartet Fehler mit %q, erhalten %v", tt.want, err)
			}
		})
	}
}

func TestMergeParallelFromEnv(t *testing.T) {
	t.Setenv("LORAKIT_DEVICE", "cpu")

	for _, v := range []string{"0", "1", "8"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("LORAKIT_MERGE_PARALLEL", v)

			ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
			defer cancel()

			opts := MergeOptions{
				Base:    writeBase(t),
				Adapter: writeAdapter(t, adapterCfg),
				Out:     filepath.Join(t.TempDir(), "merged"),
			}

			done := make(chan error, 1)
			go func() {
				_, err := Merge(ctx, opts)
				done <- err
			}()

			select {
			case err := <-done:
				if err != nil {
					t.Fatal(err)
				}
			case <-time.After(15 * time.Second):
				t.Fatal("Merge blockiert")
			}
		})
	}
}

func TestMergeRemovesStaleShards(t *testing.T) {
	t.Setenv("LORAKIT_DEVICE", "cpu")

	out := t.TempDir()
	writeFiles(t, out, map[string]string{
		"model-00001-of-00003.safetensors": "stale",
		"model-00003-of-00003.safetensors": "stale",
		safetensors.IndexFile:              `{"weight_map":{"lm_head.weight":"model-00003-of-00003.safetensors"}}`,
		"README.md":                        "keep",
	})

	if _, err := Merge(t.Context(), MergeOptions{
		Base:    writeBase(t),
		Adapter: writeAdapter(t, adapterCfg),
		Out:     out,
	}); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	want := []string{
		"README.md", "config.json", "generation_config.json", "model.safetensors",
		"special_tokens_map.json", "tokenizer.json", "tokenizer_config.json",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Ausgabeverzeichnis (-want +got):\n%s", diff)
	}

	model, err := safetensors.OpenModel(out)
	if err != nil {
		t.Fatal(err)
	}
	defer model.Close()
	if _, ok := model.Info("lm_head.weight"); !ok {
		t.Error("lm_head.weight fehlt im gemergten Modell")
	}
}

func TestMergeIntoBase(t *testing.T) {
	base := writeBase(t)
	_, err := Merge(t.Context(), MergeOptions{
		Base:    base,
		Adapter: writeAdapter(t, adapterCfg),
		Out:     base + string(filepath.Separator),
	})
	if err == nil || !strings.Contains(err.Error(), "must differ from the base model") {
		t.Errorf("Fehler erwartet, erhalten %v", err)
	}
}

func TestLoadAdapterWithoutWeights(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{AdapterConfigFile: adapterCfg})

	if _, err := LoadAdapter(dir); err == nil || !strings.Contains(err.Error(), "no adapter_model") {
		t.Errorf("erwartet ErrNoAdapter, erhalten %v", err)
	}
}

func TestAdapterScale(t *testing.T) {
	cases := []struct {
		name   string
		config string
		module string
		want   float64
	}{
		{"alpha/r", `{"r":8,"lora_alpha":16}`, qProj, 2},
		{"rslora", `{"r":16,"lora_alpha":16,"use_rslora":true}`, qProj, 4},
		{"rank pattern", `{"r":8,"lora_alpha":16,"rank_pattern":{"q_proj":4}}`, qProj, 4},
		{"alpha pattern", `{"r":8,"lora_alpha":16,"alpha_pattern":{"layers.0.self_attn.q_proj":32}}`, qProj, 4},
		{"pattern miss", `{"r":8,"lora_alpha":16,"rank_pattern":{"k_proj":4}}`, qProj, 2},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			var p AdapterParameters
			if err := json.Unmarshal([]byte(tt.config), &p); err != nil {
				t.Fatal(err)
			}
			got, err := p.Scale(tt.module)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("erwartet %v, erhalten %v", tt.want, got)
			}
		})
	}
}

func TestTargetModules(t *testing.T) {
	var list, pattern TargetModules
	if err := json.Unmarshal([]byte(`["q_proj","o_proj"]`), &list); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`".*\\.(q|v)_proj"`), &pattern); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		tm     TargetModules
		module string
		want   bool
	}{
		{list, "model.layers.0.self_attn.q_proj", true},
		{list, "model.layers.0.self_attn.k_proj", false},
		{list, "o_proj", true},
		{list, "model.layers.0.self_attn.xq_proj", false},
		{pattern, "model.layers.0.self_attn.v_proj", true},
		{pattern, "model.layers.0.self_attn.k_proj", false},
		{pattern, "v_proj", false},
	}

	for _, tt := range cases {
		if got := tt.tm.Match(tt.module); got != tt.want {
			t.Errorf("%s.Match(%s): erwartet %v, erhalten %v", tt.tm, tt.module, tt.want, got)
		}
	}

	bts, err := json.Marshal(list)
	if err != nil {
		t.Fatal(err)
	}
	if string(bts) != `["q_proj","o_proj"]` {
		t.Errorf("Marshal falsch: %s", bts)
	}
}

func TestLoraName(t *testing.T) {
	cases := []struct {
		name      string
		module    string
		kind      string
		embedding bool
		ok        bool
	}{
		{PeftPrefix + qProj + ".lora_A.weight", qProj, "A", false, true},
		{PeftPrefix + qProj + ".lora_B.default.weight", qProj, "B", false, true},
		{PeftPrefix + "model.embed_tokens.lora_embedding_A", "model.embed_tokens", "A", true, true},
		{PeftPrefix + "lm_head.weight", "", "", false, false},
	}

	for _, tt := range cases {
		module, kind, embedding, ok := loraName(tt.name)
		if module != tt.module || kind != tt.kind || embedding != tt.embedding || ok != tt.ok {
			t.Errorf("loraName(%s) = %s %s %v %v", tt.name, module, kind, embedding, ok)
		}
	}

	if got := savedName(PeftPrefix + "lm_head.modules_to_save.default.weight"); got != "lm_head.weight" {
		t.Errorf("savedName falsch: %s", got)
	}
	if got := savedName(PeftPrefix + "score.bias"); got != "score.bias" {
		t.Errorf("savedName falsch: %s", got)
	}
}

func TestLoraDeltaTranspose(t *testing.T) {
	a := []float32{1, 0, 1}
	b := []float32{1, 2}

	delta, err := loraDelta(a, []int64{1, 3}, b, []int64{2, 1}, 0.5, true)
	if err != nil {
		t.Fatal(err)
	}

	w := make([]float32, 6)
	if err := applyDelta(w, []int64{3, 2}, delta); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0.5, 1, 0, 0, 0.5, 1}, w); diff != "" {
		t.Errorf("transponiertes Delta (-want +got):\n%s", diff)
	}

	if err := applyDelta(w, []int64{2, 3}, delta); err == nil {
		t.Error("Formfehler erwartet")
	}
	if _, err := loraDelta(a, []int64{1, 3}, b, []int64{1, 2}, 1, false); err == nil {
		t.Error("Rangfehler erwartet")
	}
}

func TestTorchTensors(t *testing.T) {
	tf := &torchFile{tensors: map[string]*pytorch.Tensor{
		"t": {
			Source: &pytorch.FloatStorage{Data: []float32{0, 1, 2, 3, 4, 5}},
			Size:   []int{2, 3},
			Stride: []int{1, 2},
		},
		"h": {
			Source:        &pytorch.HalfStorage{Data: []float32{9, 0.5, -1}},
			StorageOffset: 1,
			Size:          []int{2},
			Stride:        []int{1},
		},
	}}

	got, err := tf.Float32s("t")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0, 2, 4, 1, 3, 5}, got); diff != "" {
		t.Errorf("Strides (-want +got):\n%s", diff)
	}

	info, ok := tf.Info("h")
	if !ok || info.DType != safetensors.F16 || !cmp.Equal(info.Shape, []int64{2}) {
		t.Errorf("Info falsch: %+v", info)
	}

	raw, err := tf.ReadRaw("h")
	if err != nil {
		t.Fatal(err)
	}
	back, err := safetensors.DecodeFloat32(safetensors.F16, raw)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0.5, -1}, back); diff != "" {
		t.Errorf("Offset (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"h", "t"}, tf.Names()); diff != "" {
		t.Errorf("Names (-want +got):\n%s", diff)
	}
}
