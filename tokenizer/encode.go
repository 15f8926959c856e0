// encode.go - Text zu Token-IDs encodieren
//
// Enthält:
// - Encode: Text zu Token-IDs (parallel für große Inputs)
// - EncodeTruncated: Encode mit Kuerzung auf model_max_length
// - Truncate: Kuerzt links oder rechts
// - splitBySpecialTokens: Trennt Special Tokens
//
// Siehe auch: bpe.go für Encoding-Algorithmen, decode.go für Decoding
package tokenizer

import (
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/mini-helper/lorakit/logutil"
)

// Konstante für parallele Verarbeitung (4KB Schwellwert)
const parallelThreshold = 4096

type chunk struct {
	text      string
	isSpecial bool
	first     bool
}

// splitBySpecialTokens splits text into parts, keeping special tokens as separate elements
func (t *Tokenizer) splitBySpecialTokens(s string) []string {
	if len(t.specialTokens) == 0 {
		return []string{s}
	}

	// longest first, so that overlapping tokens match greedily
	tokens := make([]string, 0, len(t.specialTokens))
	for tok := range t.specialTokens {
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})

	var result []string
	remaining := s
	for len(remaining) > 0 {
		found := false
		for _, tok := range tokens {
			if strings.HasPrefix(remaining, tok) {
				result = append(result, tok)
				remaining = remaining[len(tok):]
				found = true
				break
			}
		}
		if found {
			continue
		}

		nextPos := len(remaining)
		for _, tok := range tokens {
			if idx := strings.Index(remaining, tok); idx != -1 && idx < nextPos {
				nextPos = idx
			}
		}
		result = append(result, remaining[:nextPos])
		remaining = remaining[nextPos:]
	}

	return result
}

// pretokenize teilt einen Nicht-Special-Teil mit dem Pretokenizer-Regex
func (t *Tokenizer) pretokenize(part string) []string {
	if t.pretokenizer == nil {
		return []string{part}
	}

	var pieces []string
	m, err := t.pretokenizer.FindStringMatch(part)
	for err == nil && m != nil {
		if s := m.String(); s != "" {
			pieces = append(pieces, s)
		}
		m, err = t.pretokenizer.FindNextMatch(m)
	}
	if err != nil {
		// regexp2 meldet nur Timeouts; der Teil wird dann ungeteilt kodiert
		logutil.Trace("pretokenizer failed", "error", err)
		return []string{part}
	}
	return pieces
}

// Encode tokenizes text to token IDs. Parallelizes for large inputs (>4KB).
// With addSpecial the BOS/EOS tokens of the post processor are added.
func (t *Tokenizer) Encode(s string, addSpecial bool) []int32 {
	ids := t.encode(s)
	if addSpecial {
		ids = t.addSpecial(ids)
	}
	return ids
}

// EncodeTruncated kodiert s und kuerzt auf maxLen Tokens an der konfigurierten
// truncation_side. Special Tokens bleiben wie bei HF erhalten.
func (t *Tokenizer) EncodeTruncated(s string, addSpecial bool, maxLen int) []int32 {
	ids := t.encode(s)
	if addSpecial {
		budget := maxLen - t.numSpecial()
		if budget < 0 {
			budget = 0
		}
		return t.addSpecial(Truncate(ids, budget, t.config.TruncationSide))
	}
	return Truncate(ids, maxLen, t.config.TruncationSide)
}

// Truncate gibt hoechstens maxLen IDs zurueck. Left behaelt das Ende der
// Sequenz, Right den Anfang. maxLen <= 0 bedeutet keine Begrenzung.
func Truncate(ids []int32, maxLen int, side Side) []int32 {
	if maxLen <= 0 || len(ids) <= maxLen {
		return ids
	}
	if side == Left {
		return ids[len(ids)-maxLen:]
	}
	return ids[:maxLen]
}

func (t *Tokenizer) numSpecial() int {
	n := 0
	if t.vocab.AddBOS && t.vocab.BOS >= 0 {
		n++
	}
	if t.vocab.AddEOS && len(t.vocab.EOS) > 0 {
		n++
	}
	return n
}

func (t *Tokenizer) addSpecial(ids []int32) []int32 {
	if t.vocab.AddBOS && t.vocab.BOS >= 0 {
		ids = append([]int32{t.vocab.BOS}, ids...)
	}
	if t.vocab.AddEOS && len(t.vocab.EOS) > 0 {
		ids = append(ids, t.vocab.EOS[0])
	}
	return ids
}

func (t *Tokenizer) encode(s string) []int32 {
	if t.normalizer != nil {
		s = t.normalizer.String(s)
	}

	var chunks []chunk
	for _, part := range t.splitBySpecialTokens(s) {
		if _, ok := t.specialTokens[part]; ok {
			chunks = append(chunks, chunk{text: part, isSpecial: true})
			continue
		}
		for _, piece := range t.pretokenize(part) {
			chunks = append(chunks, chunk{text: piece, first: len(chunks) == 0})
		}
	}

	encodeChunks := func(chunks []chunk) []int32 {
		var ids []int32
		for _, c := range chunks {
			if c.isSpecial {
				ids = append(ids, t.specialTokens[c.text])
			} else {
				ids = t.encodeChunkInto(c.text, c.first, ids)
			}
		}
		return ids
	}

	if len(s) < parallelThreshold || len(chunks) < 2 {
		return encodeChunks(chunks)
	}

	numWorkers := min(runtime.GOMAXPROCS(0), len(chunks))
	chunksPer := (len(chunks) + numWorkers - 1) / numWorkers
	results := make([][]int32, numWorkers)

	var wg sync.WaitGroup
	for i := range numWorkers {
		start := i * chunksPer
		end := min(start+chunksPer, len(chunks))
		if start >= end {
			continue
		}

		wg.Add(1)
		go func(i int, chunks []chunk) {
			defer wg.Done()
			results[i] = encodeChunks(chunks)
		}(i, chunks[start:end])
	}
	wg.Wait()

	var ids []int32
	for _, r := range results {
		ids = append(ids, r...)
	}
	return ids
}
