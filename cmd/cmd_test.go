package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mini-helper/lorakit/api"
	"github.com/mini-helper/lorakit/convert"
	"github.com/mini-helper/lorakit/runs"
	"github.com/mini-helper/lorakit/safetensors"
	"github.com/mini-helper/lorakit/trainer"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LORAKIT_HOME", t.TempDir())
	t.Setenv("LORAKIT_NOPROGRESS", "1")

	var out bytes.Buffer
	c := NewCLI()
	c.SetOut(&out)
	c.SetErr(&out)
	c.SetArgs(args)
	err := c.ExecuteContext(t.Context())
	return out.String(), err
}

func tensor(t *testing.T, name string, shape []int64, values ...float32) safetensors.Entry {
	t.Helper()
	return safetensors.Entry{
		Name:  name,
		DType: safetensors.F32,
		Shape: shape,
		Load:  func() ([]byte, error) { return safetensors.EncodeFloat32(safetensors.F32, values) },
	}
}

func TestMakeJSONL(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "data.csv")
	dst := filepath.Join(dir, "train.jsonl")
	csv := "Context,Response\n  I feel stuck  ,Let's look at that.\n,missing context\nno response,\n"
	if err := os.WriteFile(src, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "make-jsonl", "--in", src, "--out", dst)
	if err != nil {
		t.Fatal(err)
	}
	if out != "Wrote "+dst+"\n" {
		t.Errorf("Ausgabe %q", out)
	}

	bts, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(bts)), "\n")
	if len(lines) != 1 {
		t.Fatalf("1 Zeile erwartet, erhalten %d", len(lines))
	}

	var got api.Conversation
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatal(err)
	}
	want := api.Conversation{Messages: []api.Message{
		{Role: api.RoleUser, Content: "I feel stuck"},
		{Role: api.RoleAssistant, Content: "Let's look at that."},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Beispiel falsch (-want +got):\n%s", diff)
	}
}

func TestTrainMissingData(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "train.jsonl")

	_, err := execute(t, "train", "--data", missing)
	if err == nil || err.Error() != "missing "+missing+". Run make-jsonl first." {
		t.Fatalf("Vorbedingungsfehler erwartet, erhalten %v", err)
	}

	reg, err := runs.Open(runs.DefaultPath())
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	list, err := reg.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("ohne Korpus darf kein Lauf aufgezeichnet werden, erhalten %d", len(list))
	}
}

func TestTrainConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	yaml := "training:\n  num_train_epochs: 3\n  learning_rate: 0.0001\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	c := newTrainCmd()
	if err := c.ParseFlags([]string{"--config", path, "--lr", "0.0005", "--template", "chatml"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := trainConfig(c.Flags())
	if err != nil {
		t.Fatal(err)
	}

	want := trainer.DefaultConfig()
	want.Training.NumTrainEpochs = 3
	want.Training.LearningRate = 0.0005
	want.Tokenizer.ChatTemplate = "chatml"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Konfiguration falsch (-want +got):\n%s", diff)
	}
}

func TestTrainTemplateFileFlag(t *testing.T) {
	c := newTrainCmd()
	if err := c.ParseFlags([]string{"--template-file", "counsel.gotmpl"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := trainConfig(c.Flags())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tokenizer.ChatTemplateFile != "counsel.gotmpl" || cfg.Tokenizer.ChatTemplate != "" {
		t.Errorf("Template-Einstellungen falsch: %+v", cfg.Tokenizer)
	}
}

func TestInspectAdapter(t *testing.T) {
	dir := t.TempDir()
	cfg := `{"peft_type":"LORA","r":2,"lora_alpha":4,"target_modules":["q_proj"],"base_model_name_or_path":"tiny/base"}`
	if err := os.WriteFile(filepath.Join(dir, convert.AdapterConfigFile), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	module := "model.layers.0.self_attn.q_proj"
	entries := []safetensors.Entry{
		tensor(t, convert.PeftPrefix+module+".lora_A.weight", []int64{2, 3}, 1, 0, 1, 0, 1, 0),
		tensor(t, convert.PeftPrefix+module+".lora_B.weight", []int64{4, 2}, 1, 2, 3, 4, 5, 6, 7, 8),
	}
	if err := safetensors.WriteFile(filepath.Join(dir, convert.AdapterSafetensorsFile), entries, nil, nil); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "inspect", dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"tiny/base", "lora pairs:     1", module, "[2 3]", "[4 2]"} {
		if !strings.Contains(out, want) {
			t.Errorf("%q fehlt in:\n%s", want, out)
		}
	}
}

func TestInspectModel(t *testing.T) {
	dir := t.TempDir()
	entries := []safetensors.Entry{
		tensor(t, "lm_head.weight", []int64{2, 3}, 1, 2, 3, 4, 5, 6),
		tensor(t, "model.norm.weight", []int64{3}, 1, 1, 1),
	}
	if err := safetensors.WriteFile(filepath.Join(dir, "model.safetensors"), entries, nil, nil); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "inspect", dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"lm_head.weight", "model.norm.weight", "2 tensors in 1 files, 9 parameters"} {
		if !strings.Contains(out, want) {
			t.Errorf("%q fehlt in:\n%s", want, out)
		}
	}
}

func TestRuns(t *testing.T) {
	home := t.TempDir()

	reg, err := runs.Open(filepath.Join(home, "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	run, err := reg.Start(runs.Run{Kind: runs.KindTrain, Base: "tiny/base", Out: "lora-out"})
	if err != nil {
		t.Fatal(err)
	}
	run.Steps, run.FinalLoss = 12, 1.25
	if _, err := reg.Finish(run, nil); err != nil {
		t.Fatal(err)
	}
	reg.Close()

	var out bytes.Buffer
	t.Setenv("LORAKIT_HOME", home)
	c := NewCLI()
	c.SetOut(&out)
	c.SetArgs([]string{"runs"})
	if err := c.ExecuteContext(t.Context()); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{run.ID[:8], "completed", "tiny/base", "1.2500"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("%q fehlt in:\n%s", want, out.String())
		}
	}

	out.Reset()
	c = NewCLI()
	c.SetOut(&out)
	c.SetArgs([]string{"runs", run.ID})
	if err := c.ExecuteContext(t.Context()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "steps:    12") {
		t.Errorf("Details unvollstaendig:\n%s", out.String())
	}
}

func TestHumanBytes(t *testing.T) {
	cases := map[int64]string{
		0:             "0 B",
		999:           "999 B",
		1000:          "1.0 KB",
		1_500_000:     "1.5 MB",
		3_090_000_000: "3.1 GB",
	}
	for in, want := range cases {
		if got := humanBytes(in); got != want {
			t.Errorf("humanBytes(%d): erwartet %q, erhalten %q", in, want, got)
		}
	}
}
