package trainer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mini-helper/lorakit/tokenizer"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults sollten gueltig sein: %v", err)
	}

	if cfg.Model.Base != "Qwen/Qwen2.5-1.5B-Instruct" {
		t.Errorf("base: erwartet Qwen/Qwen2.5-1.5B-Instruct, erhalten %s", cfg.Model.Base)
	}
	if cfg.Training.GradientAccumulationSteps != 8 || cfg.Training.LearningRate != 2e-4 {
		t.Errorf("unerwartete trainingsparameter: %+v", cfg.Training)
	}
	if cfg.Tokenizer.TruncationSide != tokenizer.Left || cfg.Tokenizer.PaddingSide != tokenizer.Right {
		t.Errorf("unerwartete tokenizer-seiten: %+v", cfg.Tokenizer)
	}
	if diff := cmp.Diff([]string{"q_proj", "k_proj", "v_proj", "o_proj"}, cfg.Lora.TargetModules); diff != "" {
		t.Errorf("target_modules (-want +got):\n%s", diff)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	yaml := `
model:
  base: ./base
dataset:
  path: data.jsonl
training:
  num_train_epochs: 3
  learning_rate: 0.0001
lora:
  r: 16
  target_modules: [q_proj, v_proj]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	want := DefaultConfig()
	want.Model.Base = "./base"
	want.Dataset.Path = "data.jsonl"
	want.Training.NumTrainEpochs = 3
	want.Training.LearningRate = 0.0001
	want.Lora.R = 16
	want.Lora.TargetModules = []string{"q_proj", "v_proj"}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
}

func TestLoadConfigUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	if err := os.WriteFile(path, []byte("training:\n  epochs: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("unbekanntes feld sollte fehlschlagen")
	}
}

func TestLoadConfigEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("leere datei sollte defaults liefern (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"epochs", func(c *Config) { c.Training.NumTrainEpochs = 0 }, "num_train_epochs"},
		{"batch", func(c *Config) { c.Training.PerDeviceTrainBatchSize = 0 }, "per_device_train_batch_size"},
		{"grad accum", func(c *Config) { c.Training.GradientAccumulationSteps = 0 }, "gradient_accumulation_steps"},
		{"learning rate", func(c *Config) { c.Training.LearningRate = 0 }, "learning_rate"},
		{"warmup", func(c *Config) { c.Training.WarmupRatio = 1 }, "warmup_ratio"},
		{"scheduler", func(c *Config) { c.Training.LrSchedulerType = "polynomial" }, "lr_scheduler_type"},
		{"max length", func(c *Config) { c.Tokenizer.MaxLength = 0 }, "max_length"},
		{"side", func(c *Config) { c.Tokenizer.PaddingSide = "middle" }, "padding_side"},
		{"rank", func(c *Config) { c.Lora.R = 0 }, "lora r"},
		{"targets", func(c *Config) { c.Lora.TargetModules = nil }, "target_modules"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("erwartet fehler, erhalten nil")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("erwartet fehler mit %q, erhalten %v", tt.errMsg, err)
			}
		})
	}
}
