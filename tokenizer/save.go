// save.go - Tokenizer-Dateien in ein Ausgabeverzeichnis schreiben
//
// Hauptfunktionen:
//   - SavePretrained: Kopiert Vokabular-Dateien und schreibt aktualisierte
//     tokenizer_config.json und special_tokens_map.json
package tokenizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// vocabFiles werden unveraendert kopiert, sofern vorhanden
var vocabFiles = []string{
	"tokenizer.json",
	"vocab.json",
	"merges.txt",
	"added_tokens.json",
	"tokenizer.model",
	"chat_template.jinja",
}

// SavePretrained schreibt den Tokenizer nach dir.
// Gibt die Namen der geschriebenen Dateien zurueck.
func (t *Tokenizer) SavePretrained(dir string) ([]string, error) {
	if t.dir == "" {
		return nil, errors.New("tokenizer was not loaded from a directory")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var written []string
	for _, name := range vocabFiles {
		ok, err := copyFile(filepath.Join(t.dir, name), filepath.Join(dir, name))
		if err != nil {
			return written, err
		}
		if ok {
			written = append(written, name)
		}
	}

	cfg, err := readJSONMap(filepath.Join(t.dir, "tokenizer_config.json"))
	if err != nil {
		return written, err
	}
	if t.config.ModelMaxLength > 0 && t.config.ModelMaxLength < unlimitedLength {
		cfg["model_max_length"] = t.config.ModelMaxLength
	}
	cfg["padding_side"] = string(t.config.PaddingSide)
	cfg["truncation_side"] = string(t.config.TruncationSide)
	if pad := t.PadToken(); pad != "" {
		cfg["pad_token"] = pad
	}
	if err := writeJSON(filepath.Join(dir, "tokenizer_config.json"), cfg); err != nil {
		return written, err
	}
	written = append(written, "tokenizer_config.json")

	special, err := readJSONMap(filepath.Join(t.dir, "special_tokens_map.json"))
	if err != nil {
		return written, err
	}
	for key, value := range map[string]string{
		"bos_token": t.bosToken,
		"eos_token": t.EOSToken(),
		"pad_token": t.PadToken(),
	} {
		if _, ok := special[key]; !ok && value != "" {
			special[key] = value
		}
	}
	if pad := t.PadToken(); pad != "" {
		special["pad_token"] = pad
	}
	if err := writeJSON(filepath.Join(dir, "special_tokens_map.json"), special); err != nil {
		return written, err
	}
	written = append(written, "special_tokens_map.json")

	return written, nil
}

func readJSONMap(path string) (map[string]any, error) {
	m := make(map[string]any)
	bts, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	} else if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(bts, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return m, nil
}

// writeJSON schreibt v mit zwei Leerzeichen Einrueckung, ohne HTML-Escaping
func writeJSON(path string, v any) error {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	return os.WriteFile(path, b.Bytes(), 0o644)
}

func copyFile(src, dst string) (bool, error) {
	in, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return false, err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return false, err
	}
	return true, out.Close()
}
