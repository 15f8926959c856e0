// data.go - Korpus laden, mit Chat-Template rendern und tokenisieren
package trainer

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"strings"

	"github.com/mini-helper/lorakit/api"
	"github.com/mini-helper/lorakit/template"
	"github.com/mini-helper/lorakit/tokenizer"
)

// ChatTemplate waehlt das Template fuer tok. params.ChatTemplateFile laedt ein
// eigenes Template, params.ChatTemplate erzwingt einen Registry-Eintrag, sonst
// wird das chat_template des Modells erkannt.
func ChatTemplate(tok *tokenizer.Tokenizer, params TokenizerParams) (*template.Template, string, error) {
	name, file := params.ChatTemplate, params.ChatTemplateFile
	if name != "" && file != "" {
		return nil, "", errors.New("chat_template and chat_template_file are mutually exclusive")
	}
	if file != "" {
		tmpl, err := template.ParseFile(file)
		return tmpl, filepath.Base(file), err
	}
	if name != "" {
		t, err := template.Lookup(name)
		if err != nil {
			return nil, "", err
		}
		tmpl, err := t.Parse()
		return tmpl, t.Name, err
	}
	tmpl, name, err := template.Detect(tok.Config().ChatTemplate)
	if errors.Is(err, template.ErrNoMatch) {
		return nil, "", fmt.Errorf("%w for the model's chat_template, choose one with --template", err)
	}
	return tmpl, name, err
}

// Tokenize rendert jede Conversation und kodiert sie, gekuerzt auf maxLen.
// Es wird nicht gepaddet; das passiert pro Batch im Collator.
func Tokenize(convs []api.Conversation, tmpl *template.Template, tok *tokenizer.Tokenizer, maxLen int) ([][]int32, error) {
	seqs := make([][]int32, 0, len(convs))
	truncated := 0

	var sb strings.Builder
	for i, c := range convs {
		sb.Reset()
		if err := tmpl.Execute(&sb, template.Values{Messages: c.Messages}); err != nil {
			return nil, fmt.Errorf("example %d: %w", i+1, err)
		}

		ids := tok.EncodeTruncated(sb.String(), true, maxLen)
		if len(ids) == 0 {
			return nil, fmt.Errorf("example %d: empty after tokenization", i+1)
		}
		if len(ids) == maxLen {
			truncated++
		}
		seqs = append(seqs, ids)
	}

	if truncated > 0 {
		slog.Debug("examples reached max_length", "count", truncated, "max_length", maxLen)
	}
	return seqs, nil
}

// epochOrder gibt die Reihenfolge der Beispiele fuer eine Epoche zurueck.
// Gleicher Seed und gleiche Epoche ergeben dieselbe Permutation.
func epochOrder(n, seed, epoch int, shuffle bool) []int {
	if !shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	r := rand.New(rand.NewPCG(uint64(seed), uint64(epoch)))
	return r.Perm(n)
}
