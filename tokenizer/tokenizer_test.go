// tokenizer_test.go - Tests fuer Laden, Encoding, Kuerzung und Speichern
package tokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testPattern = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`

func testTokenizerJSON(t *testing.T, postProcessor any) []byte {
	t.Helper()

	tj := map[string]any{
		"normalizer": map[string]any{"type": "NFC"},
		"pre_tokenizer": map[string]any{
			"type": "Sequence",
			"pretokenizers": []any{
				map[string]any{"type": "Split", "pattern": map[string]any{"Regex": testPattern}},
				map[string]any{"type": "ByteLevel", "use_regex": false},
			},
		},
		"decoder": map[string]any{"type": "ByteLevel"},
		"model": map[string]any{
			"type": "BPE",
			"vocab": map[string]int32{
				"h": 0, "e": 1, "l": 2, "o": 3, "Ġ": 4, "w": 5, "r": 6, "d": 7,
				"he": 8, "ll": 9, "hell": 10, "hello": 11, "Ġw": 12, "or": 13, "Ġwor": 14,
				"Ã©": 17,
			},
			"merges": []string{"h e", "l l", "he ll", "hell o", "Ġ w", "o r", "Ġw or"},
		},
		"added_tokens": []any{
			map[string]any{"id": 15, "content": "<|endoftext|>", "special": true},
			map[string]any{"id": 16, "content": "<|im_end|>", "special": true},
			map[string]any{"id": 18, "content": "<s>", "special": true},
		},
	}
	if postProcessor != nil {
		tj["post_processor"] = postProcessor
	}

	bts, err := json.Marshal(tj)
	if err != nil {
		t.Fatal(err)
	}
	return bts
}

func writeModelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	files := map[string]string{
		"tokenizer.json":         string(testTokenizerJSON(t, map[string]any{"type": "ByteLevel"})),
		"tokenizer_config.json":  `{"eos_token":"<|im_end|>","pad_token":null,"model_max_length":32768,"chat_template":"{% for m in messages %}<|im_start|>{% endfor %}","tokenizer_class":"Qwen2Tokenizer"}`,
		"generation_config.json": `{"eos_token_id":[16,15]}`,
		"merges.txt":             "#version: 0.2\nh e\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadAndEncode(t *testing.T) {
	tok, err := Load(writeModelDir(t))
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		text string
		want []int32
	}{
		{"hello", []int32{11}},
		{"hello world", []int32{11, 14, 2, 7}},
		{"hello  world", []int32{11, 4, 14, 2, 7}},
		{"hello<|im_end|>", []int32{11, 16}},
		{"<|endoftext|><|im_end|>", []int32{15, 16}},
		{"e\u0301", []int32{17}},
	}

	for _, tt := range cases {
		t.Run(tt.text, func(t *testing.T) {
			got := tok.Encode(tt.text, true)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Encode(%q) (-want +got):\n%s", tt.text, diff)
			}
		})
	}

	if got := tok.Decode([]int32{11, 14, 2, 7, 16}); got != "hello world<|im_end|>" {
		t.Errorf("Decode falsch: %q", got)
	}
}

func TestSentencePiecePrefix(t *testing.T) {
	replaceDecoder := map[string]any{
		"type":     "Sequence",
		"decoders": []any{map[string]any{"type": "Replace", "pattern": map[string]any{"String": "▁"}, "content": " "}},
	}
	metaspace := func(opts map[string]any) map[string]any {
		m := map[string]any{"type": "Metaspace", "replacement": "▁"}
		for k, v := range opts {
			m[k] = v
		}
		return m
	}

	cases := []struct {
		name       string
		normalizer any
		pretok     any
		decoder    any
		want       map[string][]int32
	}{
		{
			name: "prepend normalizer",
			normalizer: map[string]any{"type": "Sequence", "normalizers": []any{
				map[string]any{"type": "Prepend", "prepend": "▁"},
				map[string]any{"type": "Replace", "pattern": map[string]any{"String": " "}, "content": "▁"},
			}},
			decoder: replaceDecoder,
			want:    map[string][]int32{"hello": {2}, "<s>hello": {0, 2}},
		},
		{
			name:    "metaspace always",
			pretok:  metaspace(map[string]any{"prepend_scheme": "always"}),
			decoder: metaspace(map[string]any{"prepend_scheme": "always"}),
			want:    map[string][]int32{"hello": {2}, " hello": {2}, "<s>hello": {0, 2}},
		},
		{
			name:    "metaspace first",
			pretok:  map[string]any{"type": "Sequence", "pretokenizers": []any{metaspace(map[string]any{"prepend_scheme": "first"})}},
			decoder: metaspace(map[string]any{"prepend_scheme": "first"}),
			want:    map[string][]int32{"hello": {2}, "<s>hello": {0, 1}},
		},
		{
			name:    "metaspace add_prefix_space",
			pretok:  metaspace(map[string]any{"add_prefix_space": true}),
			decoder: replaceDecoder,
			want:    map[string][]int32{"hello": {2}},
		},
		{
			name:    "no prefix",
			decoder: replaceDecoder,
			want:    map[string][]int32{"hello": {1}, "<s>hello": {0, 1}},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			tj := map[string]any{
				"model": map[string]any{
					"type":   "BPE",
					"vocab":  map[string]int32{"<s>": 0, "hello": 1, "▁hello": 2},
					"merges": []string{},
				},
				"decoder":      tt.decoder,
				"added_tokens": []any{map[string]any{"id": 0, "content": "<s>", "special": true}},
			}
			if tt.normalizer != nil {
				tj["normalizer"] = tt.normalizer
			}
			if tt.pretok != nil {
				tj["pre_tokenizer"] = tt.pretok
			}
			bts, err := json.Marshal(tj)
			if err != nil {
				t.Fatal(err)
			}

			tok, err := LoadFromBytes(bts, nil)
			if err != nil {
				t.Fatal(err)
			}
			if tok.Type() != TypeSentencePiece {
				t.Fatalf("erwartet sentencepiece, erhalten %s", tok.Type())
			}

			for text, want := range tt.want {
				if diff := cmp.Diff(want, tok.Encode(text, false)); diff != "" {
					t.Errorf("Encode(%q) (-want +got):\n%s", text, diff)
				}
			}
			if got := tok.Decode(tok.Encode("hello", false)); got != "hello" {
				t.Errorf("Decode erwartet %q, erhalten %q", "hello", got)
			}
		})
	}
}

func TestSpecialTokens(t *testing.T) {
	tok, err := Load(writeModelDir(t))
	if err != nil {
		t.Fatal(err)
	}

	if tok.EOS() != 16 {
		t.Errorf("EOS erwartet 16, erhalten %d", tok.EOS())
	}
	if tok.PAD() != -1 {
		t.Errorf("PAD sollte undefiniert sein, erhalten %d", tok.PAD())
	}

	if !tok.EnsurePad() {
		t.Fatal("EnsurePad sollte PAD setzen")
	}
	if tok.PAD() != 16 || tok.PadToken() != "<|im_end|>" {
		t.Errorf("PAD erwartet 16/<|im_end|>, erhalten %d/%s", tok.PAD(), tok.PadToken())
	}
	if tok.EnsurePad() {
		t.Error("zweiter Aufruf darf nichts aendern")
	}

	cfg := tok.Config()
	if cfg.ModelMaxLength != 32768 || cfg.TokenizerClass != "Qwen2Tokenizer" {
		t.Errorf("Config falsch: %+v", cfg)
	}
	if !strings.Contains(cfg.ChatTemplate, "<|im_start|>") {
		t.Errorf("Chat-Template fehlt: %q", cfg.ChatTemplate)
	}
}

func TestTruncate(t *testing.T) {
	ids := []int32{1, 2, 3, 4, 5}

	cases := []struct {
		max  int
		side Side
		want []int32
	}{
		{3, Left, []int32{3, 4, 5}},
		{3, Right, []int32{1, 2, 3}},
		{5, Left, []int32{1, 2, 3, 4, 5}},
		{10, Right, []int32{1, 2, 3, 4, 5}},
		{0, Left, []int32{1, 2, 3, 4, 5}},
	}

	for _, tt := range cases {
		if diff := cmp.Diff(tt.want, Truncate(ids, tt.max, tt.side)); diff != "" {
			t.Errorf("Truncate(%d, %s) (-want +got):\n%s", tt.max, tt.side, diff)
		}
	}
}

func TestEncodeTruncatedKeepsSpecialTokens(t *testing.T) {
	post := map[string]any{
		"type": "Sequence",
		"processors": []any{
			map[string]any{"type": "ByteLevel"},
			map[string]any{
				"type": "TemplateProcessing",
				"single": []any{
					map[string]any{"SpecialToken": map[string]any{"id": "<s>", "type_id": 0}},
					map[string]any{"Sequence": map[string]any{"id": "A", "type_id": 0}},
				},
			},
		},
	}

	tok, err := LoadFromBytes(testTokenizerJSON(t, post), []byte(`{"truncation_side":"left"}`))
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int32{18, 11}, tok.Encode("hello", true)); diff != "" {
		t.Errorf("BOS fehlt (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{11}, tok.Encode("hello", false)); diff != "" {
		t.Errorf("ohne Special Tokens (-want +got):\n%s", diff)
	}

	got := tok.EncodeTruncated("hello world", true, 3)
	if diff := cmp.Diff([]int32{18, 2, 7}, got); diff != "" {
		t.Errorf("linke Kuerzung (-want +got):\n%s", diff)
	}

	tok.Config().TruncationSide = Right
	got = tok.EncodeTruncated("hello world", false, 2)
	if diff := cmp.Diff([]int32{11, 14}, got); diff != "" {
		t.Errorf("rechte Kuerzung (-want +got):\n%s", diff)
	}
}

func TestEncodeLargeInputParallel(t *testing.T) {
	tok, err := Load(writeModelDir(t))
	if err != nil {
		t.Fatal(err)
	}

	text := strings.Repeat("hello world ", 1000)
	ids := tok.Encode(text, false)
	if got := tok.Decode(ids); got != text {
		t.Errorf("Roundtrip fehlgeschlagen: %d Zeichen statt %d", len(got), len(text))
	}
	if !slices.Contains(ids, 11) {
		t.Error("hello-Token fehlt")
	}
}

func TestSavePretrained(t *testing.T) {
	tok, err := Load(writeModelDir(t))
	if err != nil {
		t.Fatal(err)
	}
	tok.EnsurePad()
	tok.Config().ModelMaxLength = 256
	tok.Config().TruncationSide = Left

	out := t.TempDir()
	written, err := tok.SavePretrained(out)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"tokenizer.json", "merges.txt", "tokenizer_config.json", "special_tokens_map.json"}
	if diff := cmp.Diff(want, written); diff != "" {
		t.Errorf("Dateien (-want +got):\n%s", diff)
	}

	bts, err := os.ReadFile(filepath.Join(out, "tokenizer_config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(bts), `"pad_token": "<|im_end|>"`) {
		t.Errorf("pad_token nicht gesetzt oder escaped: %s", bts)
	}

	var cfg map[string]any
	if err := json.Unmarshal(bts, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg["model_max_length"] != float64(256) || cfg["truncation_side"] != "left" || cfg["tokenizer_class"] != "Qwen2Tokenizer" {
		t.Errorf("tokenizer_config falsch: %v", cfg)
	}

	reloaded, err := Load(out)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.PAD() != 16 || reloaded.Config().ModelMaxLength != 256 {
		t.Errorf("neu geladen: PAD %d, max %d", reloaded.PAD(), reloaded.Config().ModelMaxLength)
	}
}
