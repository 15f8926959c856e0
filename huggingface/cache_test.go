// cache_test.go - Unit Tests fuer Cache-Management
package huggingface

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestGetCacheDir testet die Ermittlung des Cache-Verzeichnisses
func TestGetCacheDir(t *testing.T) {
	tests := []struct {
		name         string
		hfHubCache   string
		hfHome       string
		want         string
		wantContains string
	}{
		{
			name:       "HF_HUB_CACHE hat Prioritaet",
			hfHubCache: "/custom/cache/path",
			hfHome:     "/other/path",
			want:       "/custom/cache/path",
		},
		{
			name:   "HF_HOME wird verwendet wenn HF_HUB_CACHE leer",
			hfHome: "/hf/home",
			want:   filepath.Join("/hf/home", "hub"),
		},
		{
			name:         "Default wird verwendet wenn beide leer",
			wantContains: "huggingface",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HF_HUB_CACHE", tt.hfHubCache)
			t.Setenv(EnvHFHome, tt.hfHome)

			result := GetCacheDir()
			if tt.want != "" && result != tt.want {
				t.Errorf("GetCacheDir() = %v, erwartet %v", result, tt.want)
			}
			if tt.wantContains != "" && !strings.Contains(result, tt.wantContains) {
				t.Errorf("GetCacheDir() = %v, sollte %v enthalten", result, tt.wantContains)
			}
		})
	}
}

// TestModelIDToCacheDir testet die Konvertierung von Model-ID zu Cache-Dir und zurueck
func TestModelIDToCacheDir(t *testing.T) {
	tests := []struct {
		modelID  string
		expected string
	}{
		{"Qwen/Qwen2.5-1.5B-Instruct", "models--Qwen--Qwen2.5-1.5B-Instruct"},
		{"meta-llama/Llama-3.2-1B", "models--meta-llama--Llama-3.2-1B"},
		{"org/name--with--dashes", "models--org--name--with--dashes"},
	}

	for _, tt := range tests {
		t.Run(tt.modelID, func(t *testing.T) {
			if got := modelIDToCacheDir(tt.modelID); got != tt.expected {
				t.Errorf("modelIDToCacheDir(%q) = %q, erwartet %q", tt.modelID, got, tt.expected)
			}
			if got := cacheDirToModelID(tt.expected); got != tt.modelID {
				t.Errorf("cacheDirToModelID(%q) = %q, erwartet %q", tt.expected, got, tt.modelID)
			}
		})
	}
}

// writeSnapshot legt einen Snapshot samt Ref im Cache an
func writeSnapshot(t *testing.T, modelID, revision, sha string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(ModelCacheDir(modelID), CacheSnapshotDir, sha)
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := writeRef(modelID, revision, sha); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestCachedModelByRef(t *testing.T) {
	t.Setenv("HF_HUB_CACHE", t.TempDir())

	if _, ok := GetCachedModel("org/model", "main"); ok {
		t.Fatal("leerer cache sollte kein modell liefern")
	}

	dir := writeSnapshot(t, "org/model", "main", "0123abcd", map[string]string{
		"config.json":       "{}",
		"model.safetensors": "xxxxxxxx",
	})

	got, ok := GetCachedModel("org/model", "main")
	if !ok || got != dir {
		t.Fatalf("GetCachedModel = %q, %v, erwartet %q", got, ok, dir)
	}

	// Commit-Hash direkt als Revision
	if got, ok := GetCachedModel("org/model", "0123abcd"); !ok || got != dir {
		t.Errorf("GetCachedModel(sha) = %q, %v, erwartet %q", got, ok, dir)
	}

	if path, ok := GetCachedFile("org/model", "config.json", "main"); !ok || path != filepath.Join(dir, "config.json") {
		t.Errorf("GetCachedFile = %q, %v", path, ok)
	}
	if _, ok := GetCachedFile("org/model", "missing.json", "main"); ok {
		t.Error("fehlende datei sollte nicht gefunden werden")
	}
}

func TestGetCacheInfo(t *testing.T) {
	t.Setenv("HF_HUB_CACHE", t.TempDir())

	writeSnapshot(t, "org/a", "main", "aaaa", map[string]string{"config.json": "{}"})
	writeSnapshot(t, "org/b", "v1", "bbbb", map[string]string{"config.json": "{}", "tokenizer.json": "{}"})

	info, err := GetCacheInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.ModelCount != 2 {
		t.Fatalf("erwartet 2 modelle, erhalten %d", info.ModelCount)
	}

	models := map[string]CachedModel{}
	for _, m := range info.Models {
		models[m.ModelID] = m
	}
	if m := models["org/b"]; len(m.Revisions) != 1 || m.Revisions[0] != "v1" {
		t.Errorf("revisionen org/b = %v, erwartet [v1]", m.Revisions)
	}
	// 2 Dateien + ref
	if m := models["org/b"]; m.FileCount != 3 {
		t.Errorf("dateien org/b = %d, erwartet 3", m.FileCount)
	}

	if err := ClearModelCache("org/a"); err != nil {
		t.Fatal(err)
	}
	if err := ClearModelCache("org/a"); err != ErrModelNotInCache {
		t.Errorf("erwartet ErrModelNotInCache, erhalten %v", err)
	}
}

func TestGetCacheInfoMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nope")
	t.Setenv("HF_HUB_CACHE", dir)

	info, err := GetCacheInfo()
	if err != nil {
		t.Fatal(err)
	}
	if info.CacheDir != dir || info.ModelCount != 0 {
		t.Errorf("unerwartete cache-info: %+v", info)
	}
}
