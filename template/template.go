// Package template - Chat-Templates fuer das Training
// Hauptmodul: Template-Registry, Parsing und Grundstrukturen
//
// Die eingebetteten *.gotmpl-Dateien sind Go-Varianten der Jinja-Templates
// aus tokenizer_config.json; index.json ordnet jedem Namen das Jinja-Original zu.
package template

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"text/template"
	"text/template/parse"
	"time"

	"github.com/agnivade/levenshtein"
)

//go:embed index.json
var indexBytes []byte

//go:embed *.gotmpl
var templatesFS embed.FS

// ErrNoMatch wird geliefert, wenn kein eingebettetes Template passt
var ErrNoMatch = errors.New("no matching template found")

var templatesOnce = sync.OnceValues(func() ([]*named, error) {
	var templates []*named
	if err := json.Unmarshal(indexBytes, &templates); err != nil {
		return nil, err
	}

	for _, t := range templates {
		bts, err := templatesFS.ReadFile(t.Name + ".gotmpl")
		if err != nil {
			return nil, err
		}

		// normalize line endings
		bts = bytes.ReplaceAll(bts, []byte("\r\n"), []byte("\n"))
		// the final newline of the file is not part of the template
		t.Bytes = bytes.TrimSuffix(bts, []byte("\n"))
	}

	return templates, nil
})

type named struct {
	Name     string `json:"name"`
	Template string `json:"template"`
	Bytes    []byte
}

func (t named) Reader() io.Reader {
	return bytes.NewReader(t.Bytes)
}

// Parse parst das Go-Template des Registry-Eintrags
func (t named) Parse() (*Template, error) {
	return Parse(string(t.Bytes))
}

// Named sucht das Template, dessen Jinja-Original s am naechsten ist
func Named(s string) (*named, error) {
	templates, err := templatesOnce()
	if err != nil {
		return nil, err
	}

	var template *named
	score := math.MaxInt
	for _, t := range templates {
		if s := levenshtein.ComputeDistance(s, t.Template); s < score {
			score = s
			template = t
		}
	}

	if score < 100 {
		return template, nil
	}

	return nil, ErrNoMatch
}

// Lookup gibt das Template mit dem Registry-Namen name zurueck
func Lookup(name string) (*named, error) {
	templates, err := templatesOnce()
	if err != nil {
		return nil, err
	}

	for _, t := range templates {
		if t.Name == name {
			return t, nil
		}
	}

	return nil, fmt.Errorf("unknown template %q", name)
}

// Names gibt alle Registry-Namen zurueck
func Names() []string {
	templates, err := templatesOnce()
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(templates))
	for _, t := range templates {
		names = append(names, t.Name)
	}
	return names
}

type Template struct {
	*template.Template
	raw string
}

// response is a template node that can be added to templates that don't already have one
var response = parse.ActionNode{
	NodeType: parse.NodeAction,
	Pipe: &parse.PipeNode{
		NodeType: parse.NodePipe,
		Cmds: []*parse.CommandNode{
			{
				NodeType: parse.NodeCommand,
				Args: []parse.Node{
					&parse.FieldNode{
						NodeType: parse.NodeField,
						Ident:    []string{"Response"},
					},
				},
			},
		},
	},
}

var funcs = template.FuncMap{
	"json": func(v any) string {
		b, _ := json.Marshal(v)
		return string(b)
	},
	"trim": strings.TrimSpace,
	"currentDate": func(args ...string) string {
		return time.Now().Format("2006-01-02")
	},
}

func Parse(s string) (*Template, error) {
	tmpl := template.New("").Option("missingkey=zero").Funcs(funcs)

	tmpl, err := tmpl.Parse(s)
	if err != nil {
		return nil, err
	}

	t := Template{Template: tmpl, raw: s}
	vars, err := t.Vars()
	if err != nil {
		return nil, err
	}

	if !slices.Contains(vars, "messages") && !slices.Contains(vars, "response") {
		// touch up the template and append {{ .Response }}
		tmpl.Tree.Root.Nodes = append(tmpl.Tree.Root.Nodes, &response)
	}

	return &t, nil
}

// ParseFile parst ein eigenes Go-Template aus einer Datei. Templates ohne
// .Messages werden pro Dialogrunde mit .System, .Prompt und .Response aufgerufen.
func ParseFile(path string) (*Template, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	bts = bytes.ReplaceAll(bts, []byte("\r\n"), []byte("\n"))
	t, err := Parse(string(bytes.TrimSuffix(bts, []byte("\n"))))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return t, nil
}

func (t *Template) String() string {
	return t.raw
}

func (t *Template) Vars() ([]string, error) {
	var vars []string
	for _, tt := range t.Templates() {
		for _, n := range tt.Root.Nodes {
			v, err := Identifiers(n)
			if err != nil {
				return vars, err
			}
			vars = append(vars, v...)
		}
	}

	set := make(map[string]struct{})
	for _, n := range vars {
		set[strings.ToLower(n)] = struct{}{}
	}

	return slices.Sorted(maps.Keys(set)), nil
}

func (t *Template) Contains(s string) bool {
	return strings.Contains(t.raw, s)
}
