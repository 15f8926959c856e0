// Package trainer - LoRA-Finetuning gegen ein Trainer-Backend
//
// Modul config: Trainingskonfiguration mit Defaults und YAML-Datei
//
// Enthält:
// - Config: Abschnitte model, dataset, tokenizer, lora, training
// - DefaultConfig: Werte des urspruenglichen Trainingsskripts
// - LoadConfig: YAML ueber die Defaults legen
// - Validate: Plausibilitaetspruefung vor dem Start
package trainer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/mini-helper/lorakit/llm"
	"github.com/mini-helper/lorakit/tokenizer"
)

// Config ist die vollstaendige Trainingskonfiguration
type Config struct {
	Model     ModelConfig       `yaml:"model"`
	Dataset   DatasetConfig     `yaml:"dataset"`
	Tokenizer TokenizerParams   `yaml:"tokenizer"`
	Lora      llm.LoraConfig    `yaml:"lora"`
	Training  TrainingArguments `yaml:"training"`
}

// ModelConfig beschreibt das Basismodell
type ModelConfig struct {
	// Base ist ein lokales Verzeichnis oder eine Hub-ID (org/name)
	Base     string `yaml:"base"`
	Revision string `yaml:"revision"`
	// TorchDtype ueberschreibt den Device-Default (float16 auf mps, sonst float32)
	TorchDtype string `yaml:"torch_dtype"`
}

// DatasetConfig beschreibt den JSONL-Korpus
type DatasetConfig struct {
	Path    string `yaml:"path"`
	Shuffle bool   `yaml:"shuffle"`
}

// TokenizerParams steuert Tokenisierung und Kuerzung
type TokenizerParams struct {
	MaxLength      int            `yaml:"max_length"`
	PaddingSide    tokenizer.Side `yaml:"padding_side"`
	TruncationSide tokenizer.Side `yaml:"truncation_side"`
	// ChatTemplate erzwingt ein Template aus der Registry (z.B. chatml)
	ChatTemplate string `yaml:"chat_template"`
	// ChatTemplateFile ist ein eigenes Go-Template, alternativ zu ChatTemplate
	ChatTemplateFile string `yaml:"chat_template_file"`
}

// TrainingArguments entspricht den verwendeten HF TrainingArguments
type TrainingArguments struct {
	OutputDir                 string  `yaml:"output_dir"`
	NumTrainEpochs            int     `yaml:"num_train_epochs"`
	PerDeviceTrainBatchSize   int     `yaml:"per_device_train_batch_size"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`
	LearningRate              float64 `yaml:"learning_rate"`
	LrSchedulerType           string  `yaml:"lr_scheduler_type"`
	WarmupRatio               float64 `yaml:"warmup_ratio"`
	WeightDecay               float64 `yaml:"weight_decay"`
	MaxGradNorm               float64 `yaml:"max_grad_norm"`
	Optim                     string  `yaml:"optim"`
	LoggingSteps              int     `yaml:"logging_steps"`
	SaveSteps                 int     `yaml:"save_steps"`
	SaveTotalLimit            int     `yaml:"save_total_limit"`
	Seed                      int     `yaml:"seed"`
	GradientCheckpointing     bool    `yaml:"gradient_checkpointing"`
}

// Unterstuetzte Scheduler
const (
	SchedulerCosine             = "cosine"
	SchedulerLinear             = "linear"
	SchedulerConstant           = "constant"
	SchedulerConstantWithWarmup = "constant_with_warmup"
)

var schedulers = []string{SchedulerCosine, SchedulerLinear, SchedulerConstant, SchedulerConstantWithWarmup}

// DefaultConfig gibt die Standardkonfiguration zurueck
func DefaultConfig() Config {
	return Config{
		Model: ModelConfig{
			Base: "Qwen/Qwen2.5-1.5B-Instruct",
		},
		Dataset: DatasetConfig{
			Path:    "train.jsonl",
			Shuffle: true,
		},
		Tokenizer: TokenizerParams{
			MaxLength:      256,
			PaddingSide:    tokenizer.Right,
			TruncationSide: tokenizer.Left,
		},
		Lora: llm.LoraConfig{
			R:             8,
			Alpha:         16,
			Dropout:       0.05,
			TargetModules: []string{"q_proj", "k_proj", "v_proj", "o_proj"},
			Bias:          "none",
			TaskType:      "CAUSAL_LM",
		},
		Training: TrainingArguments{
			OutputDir:                 "./lora-out",
			NumTrainEpochs:            2,
			PerDeviceTrainBatchSize:   1,
			GradientAccumulationSteps: 8,
			LearningRate:              2e-4,
			LrSchedulerType:           SchedulerCosine,
			WarmupRatio:               0.03,
			MaxGradNorm:               1.0,
			Optim:                     "adamw_torch",
			LoggingSteps:              10,
			SaveSteps:                 100,
			SaveTotalLimit:            2,
			Seed:                      42,
			GradientCheckpointing:     true,
		},
	}
}

// LoadConfig liest eine YAML-Datei ueber die Defaults.
// Unbekannte Schluessel sind ein Fehler.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	bts, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(bts))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate prueft die Konfiguration auf offensichtliche Fehler
func (c Config) Validate() error {
	t := c.Training
	switch {
	case c.Model.Base == "":
		return errors.New("base model is required")
	case c.Dataset.Path == "":
		return errors.New("dataset path is required")
	case t.OutputDir == "":
		return errors.New("output_dir is required")
	case t.NumTrainEpochs < 1:
		return fmt.Errorf("num_train_epochs must be at least 1, got %d", t.NumTrainEpochs)
	case t.PerDeviceTrainBatchSize < 1:
		return fmt.Errorf("per_device_train_batch_size must be at least 1, got %d", t.PerDeviceTrainBatchSize)
	case t.GradientAccumulationSteps < 1:
		return fmt.Errorf("gradient_accumulation_steps must be at least 1, got %d", t.GradientAccumulationSteps)
	case t.LearningRate <= 0:
		return fmt.Errorf("learning_rate must be positive, got %g", t.LearningRate)
	case t.WarmupRatio < 0 || t.WarmupRatio >= 1:
		return fmt.Errorf("warmup_ratio must be in [0, 1), got %g", t.WarmupRatio)
	case t.LoggingSteps < 1:
		return fmt.Errorf("logging_steps must be at least 1, got %d", t.LoggingSteps)
	case t.SaveSteps < 0 || t.SaveTotalLimit < 0:
		return errors.New("save_steps and save_total_limit must not be negative")
	case !slices.Contains(schedulers, t.LrSchedulerType):
		return fmt.Errorf("unsupported lr_scheduler_type %q", t.LrSchedulerType)
	case c.Tokenizer.MaxLength < 1:
		return fmt.Errorf("max_length must be at least 1, got %d", c.Tokenizer.MaxLength)
	case !validSide(c.Tokenizer.PaddingSide) || !validSide(c.Tokenizer.TruncationSide):
		return fmt.Errorf("padding_side and truncation_side must be left or right")
	case c.Lora.R < 1 || c.Lora.Alpha <= 0:
		return fmt.Errorf("lora r and lora_alpha must be positive")
	case c.Lora.Dropout < 0 || c.Lora.Dropout >= 1:
		return fmt.Errorf("lora_dropout must be in [0, 1), got %g", c.Lora.Dropout)
	case len(c.Lora.TargetModules) == 0:
		return errors.New("lora target_modules must not be empty")
	}
	return nil
}

func validSide(s tokenizer.Side) bool {
	return s == tokenizer.Left || s == tokenizer.Right
}
