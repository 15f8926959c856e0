// config.go - Special Tokens und tokenizer_config.json
//
// Enthält:
// - Config: Padding/Truncation/Laengen-Einstellungen und Chat-Template
// - companions: Inhalte der Begleitdateien eines Modellverzeichnisses
// - applySpecialTokens: Setzt BOS/EOS/PAD nach HF-Prioritaet
package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Side ist die Seite, an der gepaddet oder gekuerzt wird
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

// Config entspricht den Laufzeit-Attributen eines HF-Tokenizers
type Config struct {
	ModelMaxLength int
	PaddingSide    Side
	TruncationSide Side
	ChatTemplate   string
	TokenizerClass string
}

// HF setzt model_max_length ohne Angabe auf int(1e30)
const unlimitedLength = 1 << 30

func defaultConfig() *Config {
	return &Config{
		ModelMaxLength: unlimitedLength,
		PaddingSide:    Right,
		TruncationSide: Right,
	}
}

// companions haelt die Begleitdateien eines Tokenizers
type companions struct {
	GenerationConfig []byte
	ModelConfig      []byte
	TokenizerConfig  []byte
	SpecialTokensMap []byte
	ChatTemplate     []byte
}

func readCompanions(dir string) (*companions, error) {
	var c companions
	for name, dst := range map[string]*[]byte{
		"generation_config.json":  &c.GenerationConfig,
		"config.json":             &c.ModelConfig,
		"tokenizer_config.json":   &c.TokenizerConfig,
		"special_tokens_map.json": &c.SpecialTokensMap,
		"chat_template.jinja":     &c.ChatTemplate,
	} {
		bts, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		*dst = bts
	}
	return &c, nil
}

// parseTokenIDs parst eos_token_id, das int oder []int sein kann
func parseTokenIDs(v any) []int32 {
	switch val := v.(type) {
	case float64:
		return []int32{int32(val)}
	case []any:
		ids := make([]int32, 0, len(val))
		for _, id := range val {
			if f, ok := id.(float64); ok {
				ids = append(ids, int32(f))
			}
		}
		return ids
	}
	return nil
}

// extractTokenString extracts the token string from various formats used in HuggingFace configs.
// Tokens can be represented as:
//   - string: "token"
//   - object: {"content": "token", ...}
func extractTokenString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case map[string]any:
		if content, ok := v["content"].(string); ok {
			return content
		}
	}
	return ""
}

// applySpecialTokens setzt Special Tokens aus den Begleitdateien.
//
// Prioritaet fuer EOS/BOS-IDs:
//  1. generation_config.json
//  2. config.json
//  3. tokenizer_config.json (Token-Strings, add_bos/add_eos)
//  4. special_tokens_map.json
func (t *Tokenizer) applySpecialTokens(c *companions) error {
	for _, bts := range [][]byte{c.GenerationConfig, c.ModelConfig} {
		if len(bts) == 0 {
			continue
		}

		var ids struct {
			EOSTokenID any `json:"eos_token_id"`
			BOSTokenID any `json:"bos_token_id"`
			PADTokenID any `json:"pad_token_id"`
		}
		if err := json.Unmarshal(bts, &ids); err != nil {
			continue
		}

		if v := parseTokenIDs(ids.EOSTokenID); len(v) > 0 && len(t.vocab.EOS) == 0 {
			t.vocab.EOS = v
		}
		if v := parseTokenIDs(ids.BOSTokenID); len(v) > 0 && t.vocab.BOS < 0 {
			t.vocab.BOS = v[0]
		}
	}

	if len(c.TokenizerConfig) > 0 {
		var p map[string]json.RawMessage
		if err := json.Unmarshal(c.TokenizerConfig, &p); err != nil {
			return fmt.Errorf("tokenizer_config.json: %w", err)
		}

		if err := t.parseTokenizerConfig(p); err != nil {
			return err
		}
	}

	if len(c.SpecialTokensMap) > 0 {
		var m map[string]any
		if err := json.Unmarshal(c.SpecialTokensMap, &m); err == nil {
			if t.bosToken == "" {
				t.bosToken = extractTokenString(m["bos_token"])
			}
			if t.eosToken == "" {
				t.eosToken = extractTokenString(m["eos_token"])
			}
			if t.padToken == "" {
				t.padToken = extractTokenString(m["pad_token"])
			}
		}
	}

	if t.vocab.BOS < 0 && t.bosToken != "" {
		t.vocab.BOS = t.lookup(t.bosToken)
	}
	if len(t.vocab.EOS) == 0 && t.eosToken != "" {
		if id := t.lookup(t.eosToken); id >= 0 {
			t.vocab.EOS = []int32{id}
		}
	}
	if t.vocab.PAD < 0 && t.padToken != "" {
		t.vocab.PAD = t.lookup(t.padToken)
	}

	if len(c.ChatTemplate) > 0 && t.config.ChatTemplate == "" {
		t.config.ChatTemplate = string(c.ChatTemplate)
	}

	return nil
}

func (t *Tokenizer) parseTokenizerConfig(p map[string]json.RawMessage) error {
	tokenString := func(key string) string {
		bts, ok := p[key]
		if !ok {
			return ""
		}
		var v any
		if err := json.Unmarshal(bts, &v); err != nil {
			return ""
		}
		return extractTokenString(v)
	}

	t.bosToken = tokenString("bos_token")
	t.eosToken = tokenString("eos_token")
	t.padToken = tokenString("pad_token")

	for key, dst := range map[string]*bool{
		"add_bos_token": &t.vocab.AddBOS,
		"add_eos_token": &t.vocab.AddEOS,
	} {
		if bts, ok := p[key]; ok {
			if err := json.Unmarshal(bts, dst); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}

	if bts, ok := p["model_max_length"]; ok {
		var f float64
		if err := json.Unmarshal(bts, &f); err == nil && f > 0 && f < unlimitedLength {
			t.config.ModelMaxLength = int(f)
		}
	}

	for key, dst := range map[string]*Side{
		"padding_side":    &t.config.PaddingSide,
		"truncation_side": &t.config.TruncationSide,
	} {
		if bts, ok := p[key]; ok {
			var s Side
			if err := json.Unmarshal(bts, &s); err == nil && (s == Left || s == Right) {
				*dst = s
			}
		}
	}

	if bts, ok := p["tokenizer_class"]; ok {
		_ = json.Unmarshal(bts, &t.config.TokenizerClass)
	}

	if bts, ok := p["chat_template"]; ok {
		tmpl, err := parseChatTemplate(bts)
		if err != nil {
			return err
		}
		t.config.ChatTemplate = tmpl
	}

	return nil
}

// parseChatTemplate parst das Chat-Template (kann String oder Array sein)
func parseChatTemplate(bts json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(bts, &s); err == nil {
		return s, nil
	}

	var named []struct {
		Name     string `json:"name"`
		Template string `json:"template"`
	}
	if err := json.Unmarshal(bts, &named); err == nil {
		for _, e := range named {
			if e.Name == "default" {
				return e.Template, nil
			}
		}
		return "", nil
	}

	return "", fmt.Errorf("invalid chat_template format")
}

func (t *Tokenizer) lookup(s string) int32 {
	if id, ok := t.specialTokens[s]; ok {
		return id
	}
	if id, ok := t.vocab.Reverse[s]; ok {
		return id
	}
	return -1
}
