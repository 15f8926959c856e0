// csv.go - Lesen der Quell-CSV mit Kopfzeile
//
// Hauptfunktionen:
// - NewCSVReader: Liest Zeilen als Map Spaltenname -> Wert
// - Strip: Entfernt fuehrenden und abschliessenden Whitespace
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	textunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Row ist eine CSV-Zeile, adressiert ueber die Kopfzeile
type Row map[string]string

// Get gibt den Wert einer Spalte zurueck; fehlende Spalten liefern ""
func (r Row) Get(column string) string {
	return r[column]
}

// CSVReader liest Zeilen einer CSV-Datei mit Kopfzeile
type CSVReader struct {
	r      *csv.Reader
	header []string
	line   int
}

// NewCSVReader liest die Kopfzeile aus r. Ein UTF-8 BOM wird entfernt.
func NewCSVReader(r io.Reader) (*CSVReader, error) {
	tr := textunicode.BOMOverride(textunicode.UTF8.NewDecoder())

	cr := csv.NewReader(transform.NewReader(r, tr))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &CSVReader{r: cr}, nil
	} else if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	// " Context " findet die Spalte Context
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	return &CSVReader{r: cr, header: header, line: 1}, nil
}

// Header gibt die Spaltennamen zurueck
func (c *CSVReader) Header() []string {
	return c.header
}

// Next gibt die naechste Zeile zurueck oder io.EOF.
// Zeilen mit weniger Feldern als die Kopfzeile liefern "" fuer die fehlenden Spalten,
// ueberzaehlige Felder werden ignoriert.
func (c *CSVReader) Next() (Row, error) {
	if c.header == nil {
		return nil, io.EOF
	}

	record, err := c.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read row %d: %w", c.line+1, err)
	}
	c.line++

	row := make(Row, len(c.header))
	for i, name := range c.header {
		if i < len(record) {
			row[name] = record[i]
		}
	}
	return row, nil
}

// Strip entfernt Whitespace am Anfang und Ende von s, nie im Inneren.
// Die Zeichenklasse entspricht str.strip(): Unicode-Whitespace plus
// die ASCII-Trennzeichen 0x1c bis 0x1f.
func Strip(s string) string {
	return strings.TrimFunc(s, isSpace)
}

func isSpace(r rune) bool {
	return unicode.IsSpace(r) || (r >= 0x1c && r <= 0x1f)
}
