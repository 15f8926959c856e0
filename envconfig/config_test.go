// config_test.go - Tests fuer die Environment-Konfiguration
package envconfig

import (
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestHost(t *testing.T) {
	cases := map[string]struct {
		value  string
		expect string
	}{
		"empty":               {"", "127.0.0.1:8080"},
		"only address":        {"1.2.3.4", "1.2.3.4:8080"},
		"only port":           {":1234", ":1234"},
		"address and port":    {"1.2.3.4:1234", "1.2.3.4:1234"},
		"hostname":            {"example.com", "example.com:8080"},
		"hostname and port":   {"example.com:1234", "example.com:1234"},
		"zero port":           {":0", ":0"},
		"too large port":      {":66000", ":8080"},
		"too small port":      {":-1", ":8080"},
		"ipv6 localhost":      {"[::1]", "[::1]:8080"},
		"ipv6 with port":      {"[::1]:1337", "[::1]:1337"},
		"https scheme":        {"https://example.com", "example.com:443"},
		"http scheme":         {"http://example.com", "example.com:80"},
		"quoted with spaces":  {"\" 1.2.3.4 \"", "1.2.3.4:8080"},
		"single quoted value": {"'1.2.3.4'", "1.2.3.4:8080"},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("LORAKIT_HOST", tt.value)
			if host := Host(); host.Host != tt.expect {
				t.Errorf("%s: erwartet %s, erhalten %s", name, tt.expect, host.Host)
			}
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	t.Setenv("LORAKIT_ORIGINS", "https://helper.example.org, ,http://10.0.0.1:3000")

	got := AllowedOrigins()
	if len(got) < 2 {
		t.Fatalf("zu wenige Origins: %v", got)
	}
	if diff := cmp.Diff([]string{"https://helper.example.org", "http://10.0.0.1:3000"}, got[:2]); diff != "" {
		t.Errorf("Origins falsch (-want +got):\n%s", diff)
	}

	var hasLocal bool
	for _, o := range got {
		if o == "http://localhost:*" {
			hasLocal = true
		}
	}
	if !hasLocal {
		t.Error("localhost-Wildcard fehlt")
	}
}

func TestLoadTimeout(t *testing.T) {
	cases := map[string]time.Duration{
		"":       5 * time.Minute,
		"1s":     time.Second,
		"90":     90 * time.Second,
		"0":      time.Duration(math.MaxInt64),
		"-1m":    time.Duration(math.MaxInt64),
		"banana": 5 * time.Minute,
	}

	for value, expect := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("LORAKIT_LOAD_TIMEOUT", value)
			if got := LoadTimeout(); got != expect {
				t.Errorf("erwartet %v, erhalten %v", expect, got)
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}

	for value, expect := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("LORAKIT_DEBUG", value)
			if got := LogLevel(); got != expect {
				t.Errorf("erwartet %v, erhalten %v", expect, got)
			}
		})
	}
}

func TestDevice(t *testing.T) {
	t.Setenv("LORAKIT_DEVICE", "CUDA")
	if got := Device(); got != "cuda" {
		t.Errorf("erwartet cuda, erhalten %s", got)
	}

	t.Setenv("LORAKIT_DEVICE", "")
	want := "cpu"
	if MPSAvailable() {
		want = "mps"
	}
	if got := Device(); got != want {
		t.Errorf("erwartet %s, erhalten %s", want, got)
	}
}

func TestUint(t *testing.T) {
	t.Setenv("LORAKIT_MERGE_PARALLEL", "")
	if got := MergeParallel(); got != 4 {
		t.Errorf("Default erwartet 4, erhalten %d", got)
	}

	t.Setenv("LORAKIT_MERGE_PARALLEL", "16")
	if got := MergeParallel(); got != 16 {
		t.Errorf("erwartet 16, erhalten %d", got)
	}

	t.Setenv("LORAKIT_MERGE_PARALLEL", "viele")
	if got := MergeParallel(); got != 4 {
		t.Errorf("ungueltiger Wert sollte Default liefern, erhalten %d", got)
	}
}

func TestHelperAPIURL(t *testing.T) {
	t.Setenv("LORAKIT_HELPER_API_URL", "")
	if got := HelperAPIURL(); got != DefaultHelperAPIURL {
		t.Errorf("erwartet %s, erhalten %s", DefaultHelperAPIURL, got)
	}

	t.Setenv("LORAKIT_HELPER_API_URL", "http://localhost:9000/generate")
	if got := HelperAPIURL(); got != "http://localhost:9000/generate" {
		t.Errorf("Override ignoriert: %s", got)
	}
}

func TestAsMapRedactsSecrets(t *testing.T) {
	t.Setenv("HF_TOKEN", "hf_secret")
	t.Setenv("LORAKIT_HELPER_API_TOKEN", "")

	m := AsMap()
	if v := m["HF_TOKEN"].Value; v != "****" {
		t.Errorf("Token nicht maskiert: %v", v)
	}
	if v := m["LORAKIT_HELPER_API_TOKEN"].Value; v != "" {
		t.Errorf("leeres Token sollte leer bleiben: %v", v)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("LORAKIT_TEST_DOTENV=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LORAKIT_TEST_DOTENV", "")
	os.Unsetenv("LORAKIT_TEST_DOTENV")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatal(err)
	}
	if got := Var("LORAKIT_TEST_DOTENV"); got != "from-file" {
		t.Errorf("erwartet from-file, erhalten %q", got)
	}
}
