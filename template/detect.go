// Package template - Chat-Templates fuer das Training
// Modul detect: Auswahl des Templates zu einem Jinja-chat_template
package template

import (
	"errors"
	"log/slog"
	"strings"
)

// marker ordnet charakteristische Jinja-Fragmente einem Registry-Namen zu.
// Die Reihenfolge ist relevant: spezifische Marker zuerst.
var markers = []struct {
	name string
	all  []string
}{
	{"qwen2.5-instruct", []string{"<|im_start|>", "You are Qwen"}},
	{"chatml", []string{"<|im_start|>"}},
	{"llama3-instruct", []string{"<|start_header_id|>"}},
	{"gemma-instruct", []string{"<start_of_turn>"}},
	{"mistral-instruct", []string{"[INST]"}},
	{"phi-3", []string{"<|user|>", "<|end|>"}},
	{"zephyr", []string{"<|user|>"}},
}

// Detect waehlt ein Template fuer das Jinja-Template jinja.
// Zuerst wird per Levenshtein-Distanz gesucht, danach ueber Marker.
// Ein leeres jinja liefert chatml.
func Detect(jinja string) (*Template, string, error) {
	if strings.TrimSpace(jinja) == "" {
		t, err := Lookup("chatml")
		if err != nil {
			return nil, "", err
		}
		tmpl, err := t.Parse()
		return tmpl, t.Name, err
	}

	t, err := Named(jinja)
	if errors.Is(err, ErrNoMatch) {
		name := detectMarkers(jinja)
		if name == "" {
			return nil, "", err
		}
		slog.Debug("chat template matched by marker", "template", name)
		t, err = Lookup(name)
	}
	if err != nil {
		return nil, "", err
	}

	tmpl, err := t.Parse()
	return tmpl, t.Name, err
}

func detectMarkers(jinja string) string {
	for _, m := range markers {
		matched := true
		for _, s := range m.all {
			if !strings.Contains(jinja, s) {
				matched = false
				break
			}
		}
		if matched {
			return m.name
		}
	}
	return ""
}
