// bpe.go - BPE und WordPiece Encoding-Algorithmen
//
// Enthält:
// - encodeBPEMerge: BPE Merge-Algorithmus (GPT-2, SentencePiece)
// - encodeWordPieceInto: WordPiece Algorithmus (BERT)
package tokenizer

import (
	"strings"
)

// encodeChunkInto appends encoded tokens to ids and returns the extended slice.
// first markiert den Teil am Anfang des Eingabetexts.
func (t *Tokenizer) encodeChunkInto(s string, first bool, ids []int32) []int32 {
	if s == "" {
		return ids
	}

	if t.typ == TypeWordPiece {
		return t.encodeWordPieceInto(s, ids)
	}

	var encoded string
	if t.typ == TypeSentencePiece {
		encoded = t.spacePrefix(s, first)
	} else {
		var sb strings.Builder
		sb.Grow(len(s) * 2)
		for i := 0; i < len(s); i++ {
			sb.WriteRune(byteToRune[s[i]])
		}
		encoded = sb.String()
	}

	if id, ok := t.vocab.Reverse[encoded]; ok {
		return append(ids, id)
	}

	return t.encodeBPEMerge(encoded, ids)
}

// spacePrefix ersetzt Leerzeichen durch ▁ und stellt je nach Schema ein ▁ voran
func (t *Tokenizer) spacePrefix(s string, first bool) string {
	switch t.prepend {
	case prependNormalizer:
		s = "▁" + s
	case prependAlways:
		if !strings.HasPrefix(s, " ") {
			s = " " + s
		}
	case prependFirst:
		if first && !strings.HasPrefix(s, " ") {
			s = " " + s
		}
	}
	return strings.ReplaceAll(s, " ", "▁")
}

// encodeBPEMerge merges the pair with the lowest rank until no merge applies.
func (t *Tokenizer) encodeBPEMerge(encoded string, ids []int32) []int32 {
	runes := []rune(encoded)
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}

	for len(parts) > 1 {
		minRank, minIdx := int(^uint(0)>>1), -1
		for i := 0; i < len(parts)-1; i++ {
			if rank, ok := t.vocab.Merges[parts[i]+" "+parts[i+1]]; ok && rank < minRank {
				minRank, minIdx = rank, i
			}
		}

		if minIdx < 0 {
			break
		}

		parts[minIdx] += parts[minIdx+1]
		parts = append(parts[:minIdx+1], parts[minIdx+2:]...)
	}

	for _, part := range parts {
		if id, ok := t.vocab.Reverse[part]; ok {
			ids = append(ids, id)
			continue
		}

		// byte fallback (<0xNN>) for SentencePiece vocabularies
		for _, b := range []byte(part) {
			if id := t.vocab.byteTokens[b]; id >= 0 {
				ids = append(ids, id)
			} else if t.unkToken >= 0 {
				ids = append(ids, t.unkToken)
			}
		}
	}

	return ids
}

// encodeWordPieceInto uses greedy longest-match with ## prefix for continuation tokens
func (t *Tokenizer) encodeWordPieceInto(s string, ids []int32) []int32 {
	if id, ok := t.vocab.Reverse[s]; ok {
		return append(ids, id)
	}

	runes := []rune(s)
	for start := 0; start < len(runes); {
		found := false
		for end := len(runes); end > start; end-- {
			substr := string(runes[start:end])
			if start > 0 {
				substr = "##" + substr
			}

			if id, ok := t.vocab.Reverse[substr]; ok {
				ids = append(ids, id)
				found = true
				start = end
				break
			}
		}

		if !found {
			if t.unkToken >= 0 {
				ids = append(ids, t.unkToken)
			}
			start++
		}
	}

	return ids
}
