// loader_vocab.go - GPT-Style Tokenizer Laden (vocab.json + merges.txt)
//
// Enthält:
// - loadVocabMerges: Lädt GPT-2/tiktoken Format aus separaten Dateien
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// gpt2Pretokenizer ist das tiktoken-Muster fuer vocab.json + merges.txt
const gpt2Pretokenizer = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`

func loadVocabMerges(dir string, c *companions) (*Tokenizer, error) {
	vocabData, err := os.ReadFile(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read vocab.json: %w", err)
	}

	vocab := make(map[string]int32)
	if err := json.Unmarshal(vocabData, &vocab); err != nil {
		return nil, fmt.Errorf("failed to parse vocab.json: %w", err)
	}

	mergesData, err := os.ReadFile(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, fmt.Errorf("failed to read merges.txt: %w", err)
	}

	var merges []string
	for _, line := range strings.Split(string(mergesData), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		merges = append(merges, line)
	}

	t := newTokenizer(vocab, merges)
	t.typ = TypeBPE
	t.dir = dir

	if addedData, err := os.ReadFile(filepath.Join(dir, "added_tokens.json")); err == nil {
		added := make(map[string]int32)
		if err := json.Unmarshal(addedData, &added); err != nil {
			return nil, fmt.Errorf("failed to parse added_tokens.json: %w", err)
		}
		for token, id := range added {
			t.addToken(token, id)
		}
	}

	if err := t.applySpecialTokens(c); err != nil {
		return nil, err
	}

	if err := t.setPretokenizer(gpt2Pretokenizer); err != nil {
		return nil, err
	}

	return t, nil
}
