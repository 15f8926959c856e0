// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - BoolWithDefault/Bool: Boolean-Getter mit Default-Wert
// - String: String-Getter
// - Uint: Integer-Getter mit Default-Wert
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
// - Values: Gibt alle Konfigurationswerte als String-Map zurueck
package envconfig

import (
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
)

// =============================================================================
// Boolean-Getter
// =============================================================================

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// =============================================================================
// String-Getter
// =============================================================================

// String gibt eine Funktion zurueck, die einen String liest
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// =============================================================================
// Integer-Getter
// =============================================================================

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// =============================================================================
// Export-Strukturen und -Funktionen
// =============================================================================

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	ret := map[string]EnvVar{
		"LORAKIT_DEBUG":            {"LORAKIT_DEBUG", LogLevel(), "Show additional debug information (e.g. LORAKIT_DEBUG=1)"},
		"LORAKIT_DEVICE":           {"LORAKIT_DEVICE", Device(), "Training device (mps, cuda, cpu)"},
		"LORAKIT_MERGE_PARALLEL":   {"LORAKIT_MERGE_PARALLEL", MergeParallel(), "Maximum number of tensors merged concurrently (default 4)"},
		"LORAKIT_NOPROGRESS":       {"LORAKIT_NOPROGRESS", NoProgress(), "Do not draw progress bars"},
		"LORAKIT_HOME":             {"LORAKIT_HOME", Home(), "Directory for the run registry"},
		"LORAKIT_HOST":             {"LORAKIT_HOST", Host(), "Listen address for the helper server (default 127.0.0.1:8080)"},
		"LORAKIT_ORIGINS":          {"LORAKIT_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
		"LORAKIT_LOAD_TIMEOUT":     {"LORAKIT_LOAD_TIMEOUT", LoadTimeout(), "How long to wait for the trainer backend to start (default \"5m\")"},
		"LORAKIT_TRAINER":          {"LORAKIT_TRAINER", Trainer(), "Command that starts the trainer backend"},
		"LORAKIT_TRAINER_URL":      {"LORAKIT_TRAINER_URL", TrainerURL(), "URL of an already running trainer backend"},
		"LORAKIT_HELPER_API_URL":   {"LORAKIT_HELPER_API_URL", HelperAPIURL(), "Generate endpoint used by the helper server"},
		"LORAKIT_HELPER_API_TOKEN": {"LORAKIT_HELPER_API_TOKEN", redact(HelperAPIToken()), "Bearer token for the generate endpoint"},
		"LORAKIT_S3_ENDPOINT":      {"LORAKIT_S3_ENDPOINT", S3Endpoint(), "Custom S3 endpoint for uploads"},
		"LORAKIT_S3_REGION":        {"LORAKIT_S3_REGION", S3Region(), "S3 region for uploads (default us-east-1)"},
		"HF_TOKEN":                 {"HF_TOKEN", redact(HFToken()), "Hugging Face access token"},
		"HF_ENDPOINT":              {"HF_ENDPOINT", HFEndpoint(), "Hugging Face hub endpoint"},
		"HF_HOME":                  {"HF_HOME", String("HF_HOME")(), "Hugging Face home directory (cache in HF_HOME/hub)"},
		"HF_HUB_CACHE":             {"HF_HUB_CACHE", String("HF_HUB_CACHE")(), "Hugging Face hub cache directory"},
		"HF_HUB_OFFLINE":           {"HF_HUB_OFFLINE", HFHubOffline(), "Only use models already in the hub cache"},

		// Proxy-Einstellungen
		"HTTP_PROXY":  {"HTTP_PROXY", String("HTTP_PROXY")(), "HTTP proxy"},
		"HTTPS_PROXY": {"HTTPS_PROXY", String("HTTPS_PROXY")(), "HTTPS proxy"},
		"NO_PROXY":    {"NO_PROXY", String("NO_PROXY")(), "No proxy"},
	}

	// Nicht-Windows: Case-sensitive Proxy-Variablen
	if runtime.GOOS != "windows" {
		ret["http_proxy"] = EnvVar{"http_proxy", String("http_proxy")(), "HTTP proxy"}
		ret["https_proxy"] = EnvVar{"https_proxy", String("https_proxy")(), "HTTPS proxy"}
		ret["no_proxy"] = EnvVar{"no_proxy", String("no_proxy")(), "No proxy"}
	}

	return ret
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
