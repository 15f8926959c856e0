// Package template - Chat-Templates fuer das Training
// Modul execute: Template-Ausfuehrung und Nachrichten-Kollation
package template

import (
	"bytes"
	"io"
	"slices"
	"strings"
	"text/template"
	"text/template/parse"

	"github.com/mini-helper/lorakit/api"
)

// Values sind die Eingaben eines Template-Aufrufs
type Values struct {
	Messages []api.Message

	// AddGenerationPrompt haengt den Beginn einer Assistant-Antwort an.
	// Fuer Trainingsbeispiele ist es false.
	AddGenerationPrompt bool
}

type templateMessage struct {
	Role    string
	Content string
}

func (t *Template) Execute(w io.Writer, v Values) error {
	system, messages := collate(v.Messages)
	vars, err := t.Vars()
	if err != nil {
		return err
	}

	if slices.Contains(vars, "messages") {
		return t.Template.Execute(w, map[string]any{
			"System":              system,
			"Messages":            messages,
			"AddGenerationPrompt": v.AddGenerationPrompt,
			"Response":            "",
		})
	}

	// Legacy-Templates mit System/Prompt/Response: ein Aufruf pro Dialogrunde
	system = ""
	var b bytes.Buffer
	var prompt, responseStr string
	execute := func(tmpl *template.Template) error {
		if err := tmpl.Execute(&b, map[string]any{
			"System":   system,
			"Prompt":   prompt,
			"Response": responseStr,
		}); err != nil {
			return err
		}

		system = ""
		prompt = ""
		responseStr = ""
		return nil
	}

	for _, m := range messages {
		switch m.Role {
		case api.RoleSystem:
			if prompt != "" || responseStr != "" {
				if err := execute(t.Template); err != nil {
					return err
				}
			}
			system = m.Content
		case api.RoleUser:
			if responseStr != "" {
				if err := execute(t.Template); err != nil {
					return err
				}
			}
			prompt = m.Content
		case api.RoleAssistant:
			responseStr = m.Content
		}
	}

	if !v.AddGenerationPrompt && responseStr != "" {
		// abgeschlossene Runde: das komplette Template inklusive Endmarken
		if err := execute(t.Template); err != nil {
			return err
		}
	} else if system != "" || prompt != "" || responseStr != "" {
		var cut bool
		nodes := deleteNode(t.Template.Root.Copy(), func(n parse.Node) bool {
			if field, ok := n.(*parse.FieldNode); ok && slices.Contains(field.Ident, "Response") {
				cut = true
				return false
			}

			return cut
		})

		tree := parse.Tree{Root: nodes.(*parse.ListNode)}
		if err := execute(template.Must(template.New("").Funcs(funcs).AddParseTree("", &tree))); err != nil {
			return err
		}
	}

	_, err = io.Copy(w, &b)
	return err
}

// collate messages based on role. consecutive messages of the same role are merged
// into a single message. collate also collects and returns all system messages.
// The input slice is not modified.
func collate(msgs []api.Message) (string, []*templateMessage) {
	var system []string
	var collated []*templateMessage
	for _, m := range msgs {
		if m.Role == api.RoleSystem {
			system = append(system, m.Content)
		}

		if len(collated) > 0 && collated[len(collated)-1].Role == m.Role {
			collated[len(collated)-1].Content += "\n\n" + m.Content
		} else {
			collated = append(collated, &templateMessage{Role: m.Role, Content: m.Content})
		}
	}

	return strings.Join(system, "\n\n"), collated
}
