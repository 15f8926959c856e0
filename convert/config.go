// config.go - config.json und generation_config.json des Basismodells
// Hauptfunktionen: ModelParameters, copyModelConfig (torch_dtype anpassen)
package convert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ModelParameters - Auszug aus config.json
type ModelParameters struct {
	Architectures     []string `json:"architectures"`
	ModelType         string   `json:"model_type"`
	TorchDType        string   `json:"torch_dtype"`
	TieWordEmbeddings bool     `json:"tie_word_embeddings"`
	VocabSize         uint32   `json:"vocab_size"`
	HiddenSize        uint32   `json:"hidden_size"`
}

// Architecture gibt die erste Architektur zurueck
func (p ModelParameters) Architecture() string {
	if len(p.Architectures) == 0 {
		return "unknown"
	}
	return p.Architectures[0]
}

// LoadModelParameters liest config.json aus dir
func LoadModelParameters(dir string) (*ModelParameters, error) {
	bts, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}

	var p ModelParameters
	if err := json.Unmarshal(bts, &p); err != nil {
		return nil, fmt.Errorf("config.json: %w", err)
	}
	return &p, nil
}

// copyModelConfig kopiert config.json mit neuem torch_dtype und, falls
// vorhanden, generation_config.json
func copyModelConfig(src, dst, torchDType string) ([]string, error) {
	bts, err := os.ReadFile(filepath.Join(src, "config.json"))
	if err != nil {
		return nil, err
	}

	var cfg map[string]any
	if err := json.Unmarshal(bts, &cfg); err != nil {
		return nil, fmt.Errorf("config.json: %w", err)
	}
	cfg["torch_dtype"] = torchDType

	if err := writeJSONFile(filepath.Join(dst, "config.json"), cfg); err != nil {
		return nil, err
	}
	written := []string{"config.json"}

	bts, err = os.ReadFile(filepath.Join(src, "generation_config.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return written, nil
	} else if err != nil {
		return written, err
	}
	if err := os.WriteFile(filepath.Join(dst, "generation_config.json"), bts, 0o644); err != nil {
		return written, err
	}
	return append(written, "generation_config.json"), nil
}

func writeJSONFile(path string, v any) error {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	return os.WriteFile(path, b.Bytes(), 0o644)
}
