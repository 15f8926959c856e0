// loader.go - Tokenizer Laden und Parsen (tokenizer.json Format)
//
// Enthält:
// - Load: Lädt aus Datei oder Verzeichnis
// - LoadFromBytes: Laden aus Byte-Slices
// - detectSentencePiece, extractPretokenizer, extractNormalizer, extractTemplateProcessing
// - extractPrependScheme: Prepend-Normalizer und Metaspace prepend_scheme
//
// Siehe auch: loader_vocab.go für GPT-style vocab.json + merges.txt
package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/unicode/norm"
)

// defaultPretokenizer ist das GPT-2 Muster fuer tokenizer.json ohne Split
const defaultPretokenizer = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// Load loads a tokenizer from a path which can be:
// - A tokenizer.json file
// - A directory containing tokenizer.json or vocab.json + merges.txt
func Load(path string) (*Tokenizer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer: %w", err)
	}

	dir, file := path, filepath.Join(path, "tokenizer.json")
	if !info.IsDir() {
		dir, file = filepath.Dir(path), path
	}

	c, err := readCompanions(dir)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) && info.IsDir() {
		return loadVocabMerges(dir, c)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer: %w", err)
	}

	t, err := loadFromTokenizerJSON(data, c)
	if err != nil {
		return nil, err
	}
	t.dir = dir
	return t, nil
}

// LoadFromBytes loads a tokenizer from tokenizer.json bytes and an optional
// tokenizer_config.json.
func LoadFromBytes(data, tokenizerConfig []byte) (*Tokenizer, error) {
	return loadFromTokenizerJSON(data, &companions{TokenizerConfig: tokenizerConfig})
}

// loadFromTokenizerJSON parses a tokenizer.json file
func loadFromTokenizerJSON(data []byte, c *companions) (*Tokenizer, error) {
	var raw struct {
		Model struct {
			Type     string           `json:"type"` // "BPE" or "WordPiece"
			Vocab    map[string]int32 `json:"vocab"`
			Merges   json.RawMessage  `json:"merges"` // Can be []string or [][]string (BPE only)
			UNKToken *string          `json:"unk_token"`
		} `json:"model"`
		Normalizer    json.RawMessage `json:"normalizer"`
		PreTokenizer  json.RawMessage `json:"pre_tokenizer"`
		PostProcessor json.RawMessage `json:"post_processor"`
		Decoder       json.RawMessage `json:"decoder"`
		AddedTokens   []struct {
			ID      int32  `json:"id"`
			Content string `json:"content"`
			Special bool   `json:"special"`
		} `json:"added_tokens"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer: %w", err)
	}

	// Parse merges - can be []string (Llama) or [][]string (GPT-OSS)
	// WordPiece models don't have merges
	var merges []string
	if raw.Model.Type != "WordPiece" && len(raw.Model.Merges) > 0 {
		if err := json.Unmarshal(raw.Model.Merges, &merges); err != nil {
			var pairs [][]string
			if err := json.Unmarshal(raw.Model.Merges, &pairs); err != nil {
				return nil, fmt.Errorf("failed to parse merges: %w", err)
			}
			merges = make([]string, len(pairs))
			for i, pair := range pairs {
				if len(pair) != 2 {
					return nil, fmt.Errorf("invalid merge at %d: %v", i, pair)
				}
				merges[i] = pair[0] + " " + pair[1]
			}
		}
	}

	t := newTokenizer(raw.Model.Vocab, merges)
	for _, tok := range raw.AddedTokens {
		t.addToken(tok.Content, tok.ID)
	}

	if raw.Model.UNKToken != nil {
		t.unkToken = t.lookup(*raw.Model.UNKToken)
	}

	switch {
	case raw.Model.Type == "WordPiece":
		t.typ = TypeWordPiece
	case detectSentencePiece(raw.Decoder):
		t.typ = TypeSentencePiece
	default:
		t.typ = TypeBPE
	}

	if form, ok := extractNormalizer(raw.Normalizer); ok {
		t.normalizer = &form
	}
	if t.typ == TypeSentencePiece {
		t.prepend = extractPrependScheme(raw.Normalizer, raw.PreTokenizer)
	}

	if bos, eos, ok := extractTemplateProcessing(raw.PostProcessor); ok {
		t.vocab.AddBOS = bos != ""
		t.vocab.AddEOS = eos != ""
		if id := t.lookup(bos); id >= 0 {
			t.vocab.BOS = id
		}
	}

	if err := t.applySpecialTokens(c); err != nil {
		return nil, err
	}

	// Pretokenizer nur fuer Byte-Level BPE; SentencePiece teilt nicht vor
	if t.typ == TypeBPE {
		pattern := extractPretokenizer(raw.PreTokenizer)
		if pattern == "" {
			pattern = defaultPretokenizer
		}
		if err := t.setPretokenizer(pattern); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func newTokenizer(vocab map[string]int32, merges []string) *Tokenizer {
	if vocab == nil {
		vocab = make(map[string]int32)
	}

	t := &Tokenizer{
		vocab: &Vocabulary{
			Values:  make([]string, len(vocab)),
			Reverse: vocab,
			Merges:  make(map[string]int, len(merges)),
			BOS:     -1,
			PAD:     -1,
		},
		specialTokens: make(map[string]int32),
		unkToken:      -1,
		config:        defaultConfig(),
	}

	for token, id := range vocab {
		t.setValue(token, id)
	}

	for i, merge := range merges {
		t.vocab.Merges[merge] = i
	}

	initByteTokens(t)
	return t
}

func (t *Tokenizer) setValue(token string, id int32) {
	if id < 0 {
		return
	}
	if int(id) >= len(t.vocab.Values) {
		values := make([]string, id+1)
		copy(values, t.vocab.Values)
		t.vocab.Values = values
	}
	t.vocab.Values[id] = token
}

// addToken registriert ein Added Token; es wird vor dem Pretokenizer abgetrennt
func (t *Tokenizer) addToken(content string, id int32) {
	t.setValue(content, id)
	t.vocab.Reverse[content] = id
	t.specialTokens[content] = id
}

func (t *Tokenizer) setPretokenizer(pattern string) error {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return fmt.Errorf("failed to compile pretokenizer regex %q: %w", pattern, err)
	}
	t.pretokenizer = re
	return nil
}

// detectSentencePiece checks if the decoder uses SentencePiece-style (▁ for spaces)
func detectSentencePiece(data json.RawMessage) bool {
	if data == nil {
		return false
	}

	var seq struct {
		Type     string `json:"type"`
		Decoders []struct {
			Type    string `json:"type"`
			Pattern struct {
				String string `json:"String"`
			} `json:"pattern"`
		} `json:"decoders"`
	}
	if err := json.Unmarshal(data, &seq); err != nil {
		return false
	}
	if seq.Type == "Metaspace" {
		return true
	}
	if seq.Type != "Sequence" {
		return false
	}

	for _, dec := range seq.Decoders {
		if dec.Type == "Metaspace" || dec.Type == "Replace" && dec.Pattern.String == "▁" {
			return true
		}
	}
	return false
}

// initByteTokens precomputes byte token IDs for <0xNN> fallback encoding
func initByteTokens(t *Tokenizer) {
	for b := range t.vocab.byteTokens {
		t.vocab.byteTokens[b] = -1
		if id, ok := t.vocab.Reverse[fmt.Sprintf("<0x%02X>", b)]; ok {
			t.vocab.byteTokens[b] = id
		}
	}
}

type splitPattern struct {
	Type    string `json:"type"`
	Pattern struct {
		Regex string `json:"Regex"`
	} `json:"pattern"`
}

// extractPretokenizer extracts the regex pattern from the pre_tokenizer config
func extractPretokenizer(data json.RawMessage) string {
	if data == nil {
		return ""
	}

	var single splitPattern
	if err := json.Unmarshal(data, &single); err == nil && single.Pattern.Regex != "" {
		return single.Pattern.Regex
	}

	// Sequence of pretokenizers - use first Split pattern
	var seq struct {
		Type          string         `json:"type"`
		Pretokenizers []splitPattern `json:"pretokenizers"`
	}
	if err := json.Unmarshal(data, &seq); err == nil && seq.Type == "Sequence" {
		for _, pt := range seq.Pretokenizers {
			if pt.Type == "Split" && pt.Pattern.Regex != "" {
				return pt.Pattern.Regex
			}
		}
	}

	return ""
}

// extractNormalizer findet eine Unicode-Normalisierung (NFC, NFKC, ...)
func extractNormalizer(data json.RawMessage) (norm.Form, bool) {
	forms := map[string]norm.Form{
		"NFC":  norm.NFC,
		"NFD":  norm.NFD,
		"NFKC": norm.NFKC,
		"NFKD": norm.NFKD,
	}

	var n struct {
		Type        string            `json:"type"`
		Normalizers []json.RawMessage `json:"normalizers"`
	}
	if data == nil || json.Unmarshal(data, &n) != nil {
		return 0, false
	}

	if f, ok := forms[n.Type]; ok {
		return f, true
	}

	for _, inner := range n.Normalizers {
		if f, ok := extractNormalizer(inner); ok {
			return f, true
		}
	}
	return 0, false
}

// extractPrependScheme liest, ob SentencePiece-Teilen ein ▁ vorangestellt wird:
// ein Prepend-Normalizer oder prepend_scheme bzw. add_prefix_space eines
// Metaspace-Pretokenizers, jeweils auch innerhalb einer Sequence.
func extractPrependScheme(normalizer, pretokenizer json.RawMessage) prependScheme {
	var n struct {
		Type        string            `json:"type"`
		Prepend     string            `json:"prepend"`
		Normalizers []json.RawMessage `json:"normalizers"`
	}
	if normalizer != nil && json.Unmarshal(normalizer, &n) == nil {
		if n.Type == "Prepend" && n.Prepend == "▁" {
			return prependNormalizer
		}
		for _, inner := range n.Normalizers {
			if scheme := extractPrependScheme(inner, nil); scheme != prependNever {
				return scheme
			}
		}
	}

	var p struct {
		Type           string            `json:"type"`
		PrependScheme  string            `json:"prepend_scheme"`
		AddPrefixSpace *bool             `json:"add_prefix_space"`
		Pretokenizers  []json.RawMessage `json:"pretokenizers"`
	}
	if pretokenizer == nil || json.Unmarshal(pretokenizer, &p) != nil {
		return prependNever
	}
	if p.Type == "Metaspace" {
		switch p.PrependScheme {
		case "always":
			return prependAlways
		case "first":
			return prependFirst
		case "never":
			return prependNever
		}
		if p.AddPrefixSpace == nil || *p.AddPrefixSpace {
			return prependAlways
		}
		return prependNever
	}
	for _, inner := range p.Pretokenizers {
		if scheme := extractPrependScheme(nil, inner); scheme != prependNever {
			return scheme
		}
	}
	return prependNever
}

// extractTemplateProcessing liest BOS/EOS aus einem TemplateProcessing
// post_processor (auch innerhalb einer Sequence).
func extractTemplateProcessing(data json.RawMessage) (bos, eos string, ok bool) {
	var p struct {
		Type   string `json:"type"`
		Single []struct {
			SpecialToken *struct {
				ID string `json:"id"`
			} `json:"SpecialToken"`
		} `json:"single"`
		Processors []json.RawMessage `json:"processors"`
	}
	if data == nil || json.Unmarshal(data, &p) != nil {
		return "", "", false
	}

	switch p.Type {
	case "TemplateProcessing":
		if n := len(p.Single); n > 0 {
			if st := p.Single[0].SpecialToken; st != nil {
				bos = st.ID
			}
			if st := p.Single[n-1].SpecialToken; st != nil && n > 1 {
				eos = st.ID
			}
		}
		return bos, eos, true
	case "Sequence":
		for _, inner := range p.Processors {
			if bos, eos, ok := extractTemplateProcessing(inner); ok {
				return bos, eos, true
			}
		}
	}
	return "", "", false
}
