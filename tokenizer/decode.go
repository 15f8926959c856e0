// decode.go - Token-IDs zu Text dekodieren
//
// Enthält:
// - Decode: Konvertiert Token-IDs zurück zu Text
// - runeToByte: Umkehrung der GPT-2 Byte-Abbildung
package tokenizer

import (
	"strconv"
	"strings"
)

var runeToByte = func() map[rune]byte {
	m := make(map[rune]byte, 256)
	for b, r := range byteToRune {
		m[r] = byte(b)
	}
	return m
}()

// Decode converts token IDs back to text. Special tokens are kept.
func (t *Tokenizer) Decode(ids []int32) string {
	var sb strings.Builder

	for _, id := range ids {
		if id < 0 || int(id) >= len(t.vocab.Values) {
			continue
		}

		token := t.vocab.Values[id]
		if _, ok := t.specialTokens[token]; ok {
			sb.WriteString(token)
			continue
		}

		switch t.typ {
		case TypeWordPiece:
			if strings.HasPrefix(token, "##") {
				sb.WriteString(token[2:])
			} else {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(token)
			}
		case TypeSentencePiece:
			if len(token) == 6 && strings.HasPrefix(token, "<0x") && token[5] == '>' {
				if v, err := strconv.ParseUint(token[3:5], 16, 8); err == nil {
					sb.WriteByte(byte(v))
					continue
				}
			}
			text := strings.ReplaceAll(token, "▁", " ")
			if sb.Len() == 0 && t.prepend != prependNever {
				// das beim Kodieren vorangestellte ▁ entfernen
				text = strings.TrimPrefix(text, " ")
			}
			sb.WriteString(text)
		default:
			for _, r := range token {
				if b, ok := runeToByte[r]; ok {
					sb.WriteByte(b)
				} else {
					sb.WriteRune(r)
				}
			}
		}
	}

	return sb.String()
}
