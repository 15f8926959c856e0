// config_remote.go - Konfiguration externer Dienste
//
// Dieses Modul enthaelt:
// - Trainer-Backend (Kommando oder URL eines laufenden Backends)
// - Helper-API fuer den Counselor-Helper-Server
// - S3-Objektspeicher fuer Uploads
// - Hugging Face Hub Zugang
// - LoadDotEnv: Laedt eine .env-Datei in die Prozess-Umgebung
package envconfig

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
)

// =============================================================================
// Trainer-Backend
// =============================================================================

var (
	// Trainer ist das Kommando, mit dem das Trainer-Backend gestartet wird
	Trainer = String("LORAKIT_TRAINER")

	// TrainerURL zeigt auf ein bereits laufendes Trainer-Backend
	TrainerURL = String("LORAKIT_TRAINER_URL")
)

// =============================================================================
// Helper-API
// =============================================================================

// DefaultHelperAPIURL ist der Generate-Endpunkt des gehosteten Helper-Modells
const DefaultHelperAPIURL = "https://mini-helper-api.hf.space/generate"

// HelperAPIURL gibt den Generate-Endpunkt zurueck
// Konfigurierbar via LORAKIT_HELPER_API_URL
func HelperAPIURL() string {
	if s := Var("LORAKIT_HELPER_API_URL"); s != "" {
		return s
	}
	return DefaultHelperAPIURL
}

// HelperAPIToken ist das optionale Bearer-Token der Helper-API
var HelperAPIToken = String("LORAKIT_HELPER_API_TOKEN")

// =============================================================================
// S3
// =============================================================================

var (
	// S3Endpoint ueberschreibt den S3-Endpunkt (MinIO etc.)
	S3Endpoint = String("LORAKIT_S3_ENDPOINT")

	// AWSAccessKeyID und AWSSecretAccessKey sind statische S3-Zugangsdaten
	AWSAccessKeyID     = String("AWS_ACCESS_KEY_ID")
	AWSSecretAccessKey = String("AWS_SECRET_ACCESS_KEY")
)

// S3Region gibt die S3-Region zurueck
// Konfigurierbar via LORAKIT_S3_REGION, Fallback AWS_REGION
// Default: us-east-1
func S3Region() string {
	if s := Var("LORAKIT_S3_REGION"); s != "" {
		return s
	}
	if s := Var("AWS_REGION"); s != "" {
		return s
	}
	return "us-east-1"
}

// =============================================================================
// Hugging Face
// =============================================================================

var (
	// HFToken ist das Zugangstoken fuer private oder gated Repos
	HFToken = String("HF_TOKEN")

	// HFEndpoint ueberschreibt den Hub-Endpunkt
	HFEndpoint = String("HF_ENDPOINT")

	// HFHubOffline verhindert Zugriffe auf den Hub, nur der Cache wird verwendet
	HFHubOffline = Bool("HF_HUB_OFFLINE")
)

// LoadDotEnv laedt Variablen aus einer .env-Datei
// Bereits gesetzte Variablen werden nicht ueberschrieben.
// Eine fehlende Datei ist kein Fehler.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		slog.Debug("loaded environment file", "path", p)
	}
	return nil
}
