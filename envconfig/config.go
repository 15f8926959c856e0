// config.go - Haupt-Konfigurationsfunktionen fuer lorakit
//
// Dieses Modul enthaelt:
// - Host: Gibt Scheme und Host des Helper-Servers zurueck (LORAKIT_HOST)
// - AllowedOrigins: Gibt erlaubte Origins zurueck (LORAKIT_ORIGINS)
// - Home: Gibt das lorakit-Datenverzeichnis zurueck (LORAKIT_HOME)
// - Device: Gibt das Trainings-Device zurueck (LORAKIT_DEVICE)
// - LoadTimeout: Gibt Timeout fuer den Trainer-Start zurueck (LORAKIT_LOAD_TIMEOUT)
// - LogLevel: Gibt Log-Level zurueck (LORAKIT_DEBUG)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_remote.go: Trainer-Backend, Helper-API, S3 und Hugging Face
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Host gibt Scheme und Host des Helper-Servers zurueck
// Konfigurierbar via LORAKIT_HOST
// Default: http://127.0.0.1:8080
func Host() *url.URL {
	defaultPort := "8080"

	s := strings.TrimSpace(Var("LORAKIT_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins gibt erlaubte Origins zurueck
// Konfigurierbar via LORAKIT_ORIGINS (komma-separiert)
// localhost-Varianten sind immer enthalten
func AllowedOrigins() (origins []string) {
	if s := Var("LORAKIT_ORIGINS"); s != "" {
		for _, o := range strings.Split(s, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	return origins
}

// Home gibt das Datenverzeichnis zurueck (Run-Registry, Logs)
// Konfigurierbar via LORAKIT_HOME
// Default: $HOME/.lorakit
func Home() string {
	if s := Var("LORAKIT_HOME"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".lorakit"
	}

	return filepath.Join(home, ".lorakit")
}

// Device gibt das Trainings-Device zurueck
// Konfigurierbar via LORAKIT_DEVICE (mps, cuda, cpu)
// Default: mps auf Apple Silicon, sonst cpu
func Device() string {
	if s := strings.ToLower(Var("LORAKIT_DEVICE")); s != "" {
		return s
	}
	if MPSAvailable() {
		return "mps"
	}
	return "cpu"
}

// MPSAvailable meldet, ob Metal Performance Shaders verfuegbar sind
func MPSAvailable() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

var (
	// MergeParallel begrenzt die Anzahl parallel gemergter Tensoren
	MergeParallel = Uint("LORAKIT_MERGE_PARALLEL", 4)

	// NoProgress unterdrueckt Fortschrittsbalken
	NoProgress = Bool("LORAKIT_NOPROGRESS")
)

// LoadTimeout gibt das Timeout fuer den Start des Trainer-Backends zurueck
// Konfigurierbar via LORAKIT_LOAD_TIMEOUT
// 0 oder negative Werte = unendlich
// Default: 5 Minuten
func LoadTimeout() (loadTimeout time.Duration) {
	loadTimeout = 5 * time.Minute
	if s := Var("LORAKIT_LOAD_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			loadTimeout = d
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			loadTimeout = time.Duration(n) * time.Second
		}
	}

	if loadTimeout <= 0 {
		return time.Duration(math.MaxInt64)
	}

	return loadTimeout
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via LORAKIT_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("LORAKIT_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
