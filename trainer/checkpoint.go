// checkpoint.go - trainer_state.json und checkpoint-N Verzeichnisse
package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/mini-helper/lorakit/llm"
)

// StateFile ist der Dateiname des Trainingsstands
const StateFile = "trainer_state.json"

const checkpointPrefix = "checkpoint-"

// LogEntry ist ein Eintrag in log_history
type LogEntry struct {
	Epoch        float64  `json:"epoch"`
	Step         int      `json:"step"`
	Loss         *float64 `json:"loss,omitempty"`
	LearningRate *float64 `json:"learning_rate,omitempty"`
	GradNorm     *float64 `json:"grad_norm,omitempty"`
	TrainLoss    *float64 `json:"train_loss,omitempty"`
	TrainRuntime *float64 `json:"train_runtime,omitempty"`
}

// State ist der Inhalt von trainer_state.json
type State struct {
	GlobalStep     int        `json:"global_step"`
	Epoch          float64    `json:"epoch"`
	MaxSteps       int        `json:"max_steps"`
	NumTrainEpochs int        `json:"num_train_epochs"`
	LoggingSteps   int        `json:"logging_steps"`
	SaveSteps      int        `json:"save_steps"`
	TrainBatchSize int        `json:"train_batch_size"`
	LogHistory     []LogEntry `json:"log_history"`
}

// WriteState schreibt state nach dir/trainer_state.json
func WriteState(dir string, state *State) error {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, StateFile), b.Bytes(), 0o644)
}

// ReadState liest trainer_state.json aus dir
func ReadState(dir string) (*State, error) {
	bts, err := os.ReadFile(filepath.Join(dir, StateFile))
	if err != nil {
		return nil, err
	}

	var s State
	if err := json.Unmarshal(bts, &s); err != nil {
		return nil, fmt.Errorf("%s: %w", StateFile, err)
	}
	return &s, nil
}

// saveCheckpoint sichert Adapter und Stand nach out/checkpoint-<step>
// und entfernt die aeltesten Checkpoints ueber limit.
func saveCheckpoint(ctx context.Context, backend llm.TrainerServer, out string, state *State, limit int) (string, error) {
	dir := filepath.Join(out, checkpointPrefix+strconv.Itoa(state.GlobalStep))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	if err := backend.Save(ctx, llm.SaveRequest{Dir: dir}); err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	if err := WriteState(dir, state); err != nil {
		return "", err
	}

	if err := rotateCheckpoints(out, limit); err != nil {
		return dir, err
	}
	return dir, nil
}

// Checkpoints listet checkpoint-N Verzeichnisse unter out, aufsteigend nach N
func Checkpoints(out string) ([]string, error) {
	entries, err := os.ReadDir(out)
	if err != nil {
		return nil, err
	}

	type checkpoint struct {
		step int
		path string
	}

	var found []checkpoint
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), checkpointPrefix) {
			continue
		}
		step, err := strconv.Atoi(strings.TrimPrefix(e.Name(), checkpointPrefix))
		if err != nil {
			continue
		}
		found = append(found, checkpoint{step, filepath.Join(out, e.Name())})
	}

	slices.SortFunc(found, func(a, b checkpoint) int { return a.step - b.step })

	paths := make([]string, len(found))
	for i, c := range found {
		paths[i] = c.path
	}
	return paths, nil
}

// rotateCheckpoints behaelt nur die neuesten limit Checkpoints; 0 = alle
func rotateCheckpoints(out string, limit int) error {
	if limit <= 0 {
		return nil
	}

	paths, err := Checkpoints(out)
	if err != nil {
		return err
	}

	for len(paths) > limit {
		slog.Debug("deleting older checkpoint", "path", paths[0])
		if err := os.RemoveAll(paths[0]); err != nil {
			return err
		}
		paths = paths[1:]
	}
	return nil
}
