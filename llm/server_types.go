// Package llm - Client fuer den Trainer-Backend-Prozess
//
// Das Backend fuehrt Forward/Backward und Optimizer-Schritte aus. lorakit
// startet es als Subprozess (LORAKIT_TRAINER) oder verbindet sich mit einer
// laufenden Instanz (LORAKIT_TRAINER_URL) und spricht JSON ueber HTTP:
//
//	GET  /health           -> ServerStatusResponse
//	POST /load             LoadRequest -> LoadResponse
//	POST /forward_backward ForwardBackwardRequest -> ForwardBackwardResponse
//	POST /optimizer_step   OptimizerStepRequest -> OptimizerStepResponse
//	POST /save             SaveRequest
//
// Fehler werden als {"error": "..."} mit 4xx/5xx Status geliefert.
package llm

import (
	"context"
	"log/slog"
	"net/http"
	"os/exec"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// filteredEnv filtert Umgebungsvariablen für sicheres Logging
type filteredEnv []string

func (e filteredEnv) LogValue() slog.Value {
	var attrs []slog.Attr
	for _, env := range e {
		if key, value, ok := strings.Cut(env, "="); ok {
			switch {
			case strings.HasPrefix(key, "LORAKIT_"),
				strings.HasPrefix(key, "CUDA_"),
				strings.HasPrefix(key, "PYTORCH_"),
				strings.HasPrefix(key, "HF_") && key != "HF_TOKEN",
				slices.Contains([]string{
					"PATH",
					"PYTHONPATH",
					"VIRTUAL_ENV",
				}, key):
				attrs = append(attrs, slog.String(key, value))
			}
		}
	}
	return slog.GroupValue(attrs...)
}

// TrainerServer definiert die Operationen des Trainer-Backends
type TrainerServer interface {
	Load(ctx context.Context, req LoadRequest) (*LoadResponse, error)
	ForwardBackward(ctx context.Context, req ForwardBackwardRequest) (*ForwardBackwardResponse, error)
	OptimizerStep(ctx context.Context, req OptimizerStepRequest) (*OptimizerStepResponse, error)
	Save(ctx context.Context, req SaveRequest) error
	Ping(ctx context.Context) error
	WaitUntilRunning(ctx context.Context) error
	Close() error
	Pid() int
	HasExited() bool
}

// LoraConfig beschreibt die Adapter-Konfiguration (PEFT LoraConfig)
type LoraConfig struct {
	R             int      `json:"r" yaml:"r"`
	Alpha         int      `json:"lora_alpha" yaml:"lora_alpha"`
	Dropout       float64  `json:"lora_dropout" yaml:"lora_dropout"`
	TargetModules []string `json:"target_modules" yaml:"target_modules"`
	Bias          string   `json:"bias" yaml:"bias"`
	TaskType      string   `json:"task_type" yaml:"task_type"`
}

// LoadRequest laedt das Basismodell und legt den Adapter an
type LoadRequest struct {
	Model                 string     `json:"model"`
	DType                 string     `json:"torch_dtype"`
	Device                string     `json:"device"`
	Attention             string     `json:"attn_implementation"`
	GradientCheckpointing bool       `json:"gradient_checkpointing"`
	LowCPUMemUsage        bool       `json:"low_cpu_mem_usage"`
	BaseModelName         string     `json:"base_model_name_or_path,omitempty"`
	Optim                 string     `json:"optim"`
	WeightDecay           float64    `json:"weight_decay"`
	Seed                  int        `json:"seed"`
	Lora                  LoraConfig `json:"lora"`
}

// LoadResponse meldet die Parameterzahlen nach get_peft_model
type LoadResponse struct {
	TrainableParams int64 `json:"trainable_params"`
	TotalParams     int64 `json:"total_params"`
}

// ForwardBackwardRequest ist ein gepaddeter Micro-Batch. Labels mit -100
// werden im Loss ignoriert.
type ForwardBackwardRequest struct {
	InputIDs      [][]int32 `json:"input_ids"`
	AttentionMask [][]int32 `json:"attention_mask"`
	Labels        [][]int32 `json:"labels"`
	LossScale     float64   `json:"loss_scale"`
}

// ForwardBackwardResponse enthaelt den unskalierten Loss des Micro-Batches
type ForwardBackwardResponse struct {
	Loss   float64 `json:"loss"`
	Tokens int     `json:"tokens,omitempty"`
}

// OptimizerStepRequest fuehrt einen Optimizer-Schritt mit der geplanten Lernrate aus
type OptimizerStepRequest struct {
	Step         int     `json:"step"`
	LearningRate float64 `json:"lr"`
	MaxGradNorm  float64 `json:"max_grad_norm"`
}

// OptimizerStepResponse enthaelt die Gradienten-Norm vor dem Clipping
type OptimizerStepResponse struct {
	GradNorm float64 `json:"grad_norm"`
}

// SaveRequest speichert den Adapter (adapter_config.json, adapter_model.safetensors)
type SaveRequest struct {
	Dir string `json:"dir"`
}

// llmServer ist eine Verbindung zu einem Backend, optional mit eigenem Prozess
type llmServer struct {
	base   string
	port   int
	cmd    *exec.Cmd
	done   chan error // Channel signalisiert wenn Prozess beendet
	exited atomic.Bool
	status *StatusWriter
	client *http.Client

	loadStart    time.Time
	loadProgress float32
}
