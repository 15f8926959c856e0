// jsonl.go - Lesen und Schreiben des JSONL-Chat-Korpus
//
// Hauptfunktionen:
// - Writer: Schreibt ein Conversation-Objekt pro Zeile
// - ReadJSONL/LoadJSONL: Liest den Korpus, leere Zeilen werden ignoriert
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mini-helper/lorakit/api"
)

// maxLineSize begrenzt eine einzelne JSONL-Zeile
const maxLineSize = 16 << 20

// Writer schreibt Conversations als JSON-Zeilen.
// Nicht-ASCII und HTML-Zeichen werden unveraendert geschrieben.
type Writer struct {
	enc *json.Encoder
	n   int
}

// NewWriter erstellt einen Writer fuer w
func NewWriter(w io.Writer) *Writer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Writer{enc: enc}
}

// Write schreibt eine Zeile
func (w *Writer) Write(c api.Conversation) error {
	if err := w.enc.Encode(c); err != nil {
		return err
	}
	w.n++
	return nil
}

// Count gibt die Anzahl geschriebener Zeilen zurueck
func (w *Writer) Count() int {
	return w.n
}

// ReadJSONL liest alle Conversations aus r
func ReadJSONL(r io.Reader) ([]api.Conversation, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var convs []api.Conversation
	for line := 1; sc.Scan(); line++ {
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}

		var c api.Conversation
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(c.Messages) == 0 {
			return nil, fmt.Errorf("line %d: no messages", line)
		}
		convs = append(convs, c)
	}

	if err := sc.Err(); err != nil {
		return nil, err
	}
	return convs, nil
}

// LoadJSONL liest die JSONL-Datei path
func LoadJSONL(path string) ([]api.Conversation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadJSONL(f)
}
