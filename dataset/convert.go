// Package dataset wandelt CSV-Paare in einen JSONL-Chat-Korpus um
// und liest diesen Korpus fuer das Training wieder ein.
//
// convert.go - CSV -> JSONL Konvertierung
//
// Hauptfunktionen:
// - ConvertCSV: Konvertiert Reader -> Writer und liefert Statistiken
// - ConvertFile: Konvertiert Quelldatei -> Zieldatei
// - Example: Baut ein Zwei-Rollen-Beispiel
package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mini-helper/lorakit/api"
	"github.com/mini-helper/lorakit/logutil"
)

// Standardpfade und Spaltennamen
const (
	DefaultSource         = "data.csv"
	DefaultDestination    = "train.jsonl"
	DefaultContextColumn  = "Context"
	DefaultResponseColumn = "Response"
)

// Options steuert die Konvertierung
type Options struct {
	ContextColumn  string
	ResponseColumn string

	// System wird, falls gesetzt, als erste Nachricht eingefuegt
	System string
}

// DefaultOptions gibt die Standardoptionen zurueck
func DefaultOptions() Options {
	return Options{
		ContextColumn:  DefaultContextColumn,
		ResponseColumn: DefaultResponseColumn,
	}
}

// Stats zaehlt gelesene, geschriebene und verworfene Zeilen
type Stats struct {
	Rows    int
	Written int
	Skipped int
}

// Example baut ein Trainingsbeispiel aus Kontext und Antwort
func Example(context, response, system string) api.Conversation {
	var msgs []api.Message
	if system != "" {
		msgs = append(msgs, api.Message{Role: api.RoleSystem, Content: system})
	}
	msgs = append(msgs,
		api.Message{Role: api.RoleUser, Content: context},
		api.Message{Role: api.RoleAssistant, Content: response},
	)
	return api.Conversation{Messages: msgs}
}

// ConvertCSV liest Zeilen aus r und schreibt ein Beispiel pro Zeile nach w.
// Zeilen mit leerem Kontext oder leerer Antwort (nach Strip) werden verworfen.
func ConvertCSV(r io.Reader, w io.Writer, opts Options) (Stats, error) {
	if opts.ContextColumn == "" {
		opts.ContextColumn = DefaultContextColumn
	}
	if opts.ResponseColumn == "" {
		opts.ResponseColumn = DefaultResponseColumn
	}

	var stats Stats
	cr, err := NewCSVReader(r)
	if err != nil {
		return stats, err
	}

	if h := cr.Header(); h != nil && !hasColumn(h, opts.ContextColumn, opts.ResponseColumn) {
		slog.Warn("csv header has neither column, every row will be skipped", "header", h, "context", opts.ContextColumn, "response", opts.ResponseColumn)
	}

	jw := NewWriter(w)
	for {
		row, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return stats, err
		}
		stats.Rows++

		context := Strip(row.Get(opts.ContextColumn))
		response := Strip(row.Get(opts.ResponseColumn))
		if context == "" || response == "" {
			stats.Skipped++
			logutil.Trace("skipping row", "row", stats.Rows, "context", len(context), "response", len(response))
			continue
		}

		if err := jw.Write(Example(context, response, opts.System)); err != nil {
			return stats, err
		}
		stats.Written++
	}

	return stats, nil
}

// ConvertFile konvertiert src nach dst; dst wird ueberschrieben
func ConvertFile(src, dst string, opts Options) (Stats, error) {
	in, err := os.Open(src)
	if err != nil {
		return Stats{}, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return Stats{}, err
	}

	bw := bufio.NewWriter(out)
	stats, err := ConvertCSV(in, bw, opts)
	if err != nil {
		out.Close()
		return stats, fmt.Errorf("convert %s: %w", src, err)
	}

	if err := bw.Flush(); err != nil {
		out.Close()
		return stats, err
	}

	slog.Debug("converted csv", "src", src, "dst", dst, "rows", stats.Rows, "written", stats.Written, "skipped", stats.Skipped)
	return stats, out.Close()
}

func hasColumn(header []string, names ...string) bool {
	for _, h := range header {
		for _, n := range names {
			if h == n {
				return true
			}
		}
	}
	return false
}
