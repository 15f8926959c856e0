// Package tokenizer laedt Hugging Face Tokenizer (tokenizer.json oder
// vocab.json + merges.txt) und kodiert Trainingstexte zu Token-IDs.
//
// tokenizer.go - Grundtypen
//
// Enthält:
// - Tokenizer, Vocabulary, Type
// - byteToRune: GPT-2 Byte-Level Abbildung
// - Zugriff auf Special Tokens (BOS, EOS, PAD)
package tokenizer

import (
	"github.com/dlclark/regexp2"
	"golang.org/x/text/unicode/norm"
)

// Type ist der Kodierungsalgorithmus des Tokenizers
type Type int

const (
	TypeBPE           Type = iota // GPT-2 Byte-Level BPE
	TypeSentencePiece             // BPE mit ▁ fuer Leerzeichen
	TypeWordPiece                 // BERT
)

func (t Type) String() string {
	switch t {
	case TypeSentencePiece:
		return "sentencepiece"
	case TypeWordPiece:
		return "wordpiece"
	default:
		return "bpe"
	}
}

// prependScheme bestimmt, wann SentencePiece-Teilen ein ▁ vorangestellt wird
type prependScheme int

const (
	prependNever      prependScheme = iota
	prependFirst                    // Metaspace "first": nur am Textanfang
	prependAlways                   // Metaspace "always" und add_prefix_space
	prependNormalizer               // Prepend-Normalizer: jeder Teil, bedingungslos
)

// Vocabulary haelt Tokens, Merges und Special-Token-IDs
type Vocabulary struct {
	Values  []string
	Reverse map[string]int32
	Merges  map[string]int

	BOS    int32
	EOS    []int32
	PAD    int32
	AddBOS bool
	AddEOS bool

	byteTokens [256]int32
}

// Tokenizer kodiert und dekodiert Text
type Tokenizer struct {
	vocab         *Vocabulary
	typ           Type
	pretokenizer  *regexp2.Regexp
	normalizer    *norm.Form
	prepend       prependScheme
	specialTokens map[string]int32
	unkToken      int32

	// Token-Strings aus tokenizer_config.json, relevant fuer save_pretrained
	bosToken string
	eosToken string
	padToken string

	config *Config
	dir    string
}

// Type gibt den Kodierungsalgorithmus zurueck
func (t *Tokenizer) Type() Type {
	return t.typ
}

// VocabSize gibt die Groesse des Vokabulars inklusive Added Tokens zurueck
func (t *Tokenizer) VocabSize() int {
	return len(t.vocab.Values)
}

// BOS gibt die BOS-ID zurueck, -1 wenn keine definiert ist
func (t *Tokenizer) BOS() int32 {
	return t.vocab.BOS
}

// EOS gibt die erste EOS-ID zurueck, -1 wenn keine definiert ist
func (t *Tokenizer) EOS() int32 {
	if len(t.vocab.EOS) == 0 {
		return -1
	}
	return t.vocab.EOS[0]
}

// PAD gibt die PAD-ID zurueck, -1 wenn keine definiert ist
func (t *Tokenizer) PAD() int32 {
	return t.vocab.PAD
}

// EOSToken gibt den EOS-Token-String zurueck
func (t *Tokenizer) EOSToken() string {
	if t.eosToken != "" {
		return t.eosToken
	}
	if id := t.EOS(); id >= 0 && int(id) < len(t.vocab.Values) {
		return t.vocab.Values[id]
	}
	return ""
}

// PadToken gibt den PAD-Token-String zurueck
func (t *Tokenizer) PadToken() string {
	if t.padToken != "" {
		return t.padToken
	}
	if t.vocab.PAD >= 0 && int(t.vocab.PAD) < len(t.vocab.Values) {
		return t.vocab.Values[t.vocab.PAD]
	}
	return ""
}

// EnsurePad setzt PAD auf EOS, wenn das Modell kein PAD definiert.
// Gibt true zurueck, wenn PAD gesetzt wurde.
func (t *Tokenizer) EnsurePad() bool {
	if t.vocab.PAD >= 0 {
		return false
	}

	// wie tok.pad_token = tok.eos_token: der Token-String ist massgeblich
	id := t.EOS()
	if t.eosToken != "" {
		if v := t.lookup(t.eosToken); v >= 0 {
			id = v
		}
	}

	t.vocab.PAD = id
	t.padToken = t.EOSToken()
	return id >= 0
}

// Config gibt die Laufzeit-Konfiguration (Padding, Truncation, Laenge) zurueck
func (t *Tokenizer) Config() *Config {
	return t.config
}

// Token gibt den String zu id zurueck
func (t *Tokenizer) Token(id int32) string {
	if id < 0 || int(id) >= len(t.vocab.Values) {
		return ""
	}
	return t.vocab.Values[id]
}

// byteToRune bildet Bytes auf druckbare Runen ab (GPT-2 bytes_to_unicode)
var byteToRune [256]rune

func init() {
	n := 0
	for b := 0; b < 256; b++ {
		switch {
		case b >= '!' && b <= '~', b >= 0xa1 && b <= 0xac, b >= 0xae && b <= 0xff:
			byteToRune[b] = rune(b)
		default:
			byteToRune[b] = rune(256 + n)
			n++
		}
	}
}
